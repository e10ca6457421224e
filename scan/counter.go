package scan

import (
	"context"
	"maps"
	"sync"

	"github.com/SEBv15/go-certifspec/spec"
)

// Counter exposes the session's scaler channels as a triggerable scan
// device. Trigger runs one counting period; Read returns the totals of the
// most recent one, updated live while counting runs.
type Counter struct {
	client *spec.Client
	name   string

	mu       sync.Mutex
	duration float64
	data     map[string]Reading
}

// NewCounter wraps the counters of a session as one device. The counting
// duration defaults to one second; change it with Configure.
func NewCounter(client *spec.Client, name string) *Counter {
	return &Counter{
		client:   client,
		name:     name,
		duration: 1,
		data:     make(map[string]Reading),
	}
}

// Name returns the device name.
func (c *Counter) Name() string {
	return c.name
}

// Duration returns the configured counting duration in seconds.
func (c *Counter) Duration() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}

// Configure sets the counting duration in seconds and returns the previous
// value.
func (c *Counter) Configure(seconds float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.duration
	c.duration = seconds

	return prev
}

// Read returns the most recent counter totals, keyed by counter mnemonic.
func (c *Counter) Read() map[string]Reading {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.data)
}

func (c *Counter) update(totals map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data = make(map[string]Reading, len(totals))
	for mne, value := range totals {
		c.data[mne] = readingNow(value)
	}
}

// Trigger starts one counting period and returns its completion Status.
// Intermediate totals are visible through Read while the count runs.
func (c *Counter) Trigger(ctx context.Context) *Status {
	status := NewStatus()

	go func() {
		totals, err := c.client.Count(ctx, c.Duration(), c.update)
		if err != nil {
			status.Finish(err)
			return
		}

		c.update(totals)
		status.Finish(nil)
	}()

	return status
}
