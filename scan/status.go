package scan

import (
	"context"
	"sync"
)

// Status is the completion future of an asynchronous device action. It
// finishes at most once, either successfully or with an error.
type Status struct {
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

// NewStatus returns a pending Status. Custom devices finish it with Finish.
func NewStatus() *Status {
	return &Status{done: make(chan struct{})}
}

// newFinishedStatus returns a Status that is already complete.
func newFinishedStatus(err error) *Status {
	s := NewStatus()
	s.Finish(err)
	return s
}

// Finish completes the status with the given outcome. Only the first call
// has any effect.
func (s *Status) Finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// Done returns a channel that is closed when the action has finished.
func (s *Status) Done() <-chan struct{} {
	return s.done
}

// Err returns the outcome of a finished action. It returns nil while the
// action is still running; observe Done to distinguish pending from
// succeeded.
func (s *Status) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the action finishes and returns its outcome, or until
// ctx is done.
func (s *Status) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
