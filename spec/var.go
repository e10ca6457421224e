package spec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SEBv15/go-certifspec/sv"
)

// varWriteErrorWindow is how long a variable write waits for the server to
// reject it before reporting success.
const varWriteErrorWindow = 1 * time.Second

// Var is a cached handle on a server variable.
//
// The first read fetches the value and registers for its change events; from
// then on reads are served from the cache, which the events keep fresh, so
// polling a variable costs no network round trips. The price is one event
// subscription per live handle; Release returns it.
//
// Multiple handles on the same variable may coexist, each with its own cache.
type Var struct {
	name   string
	prop   string
	client *Client

	// initMu serializes the first fetch so concurrent reads do not race to
	// subscribe. The cache mutex cannot be held across network calls: the
	// event callback takes it on the receive goroutine.
	initMu sync.Mutex

	mu     sync.Mutex
	cached *sv.Message
	gen    uint64
	sub    *Subscription
}

// Var returns a cached handle on the variable name (no "var/" prefix). The
// variable is fetched lazily; a handle on a nonexistent variable fails at the
// first read.
func (c *Client) Var(name string) (*Var, error) {
	if _, err := sv.NewChanRead(0, varProperty(name)); err != nil {
		return nil, err
	}

	return &Var{name: name, prop: varProperty(name), client: c}, nil
}

func varProperty(name string) string {
	return "var/" + name
}

// Name returns the variable name.
func (v *Var) Name() string {
	return v.name
}

func (v *Var) property() string {
	return v.prop
}

// onEvent keeps the cache in sync with server-side changes.
func (v *Var) onEvent(msg *sv.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.gen++
	if msg.Deleted() {
		v.cached = nil
		return
	}
	v.cached = msg
}

func (v *Var) cachedValue() *sv.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cached
}

// Read returns the variable's current value. The first call fetches it from
// the server and subscribes to its change events; later calls return the
// cached value without network I/O.
func (v *Var) Read(ctx context.Context) (*sv.Message, error) {
	if msg := v.cachedValue(); msg != nil {
		return msg, nil
	}

	v.initMu.Lock()
	defer v.initMu.Unlock()

	if msg := v.cachedValue(); msg != nil {
		return msg, nil
	}

	if err := v.ensureSubscribed(ctx); err != nil {
		return nil, err
	}

	// with subscribe verification on, the initial event has already landed
	if msg := v.cachedValue(); msg != nil {
		return msg, nil
	}

	return v.fetch(ctx)
}

func (v *Var) ensureSubscribed(ctx context.Context) error {
	v.mu.Lock()
	sub := v.sub
	v.mu.Unlock()

	if sub != nil {
		return nil
	}

	newSub, err := v.client.Subscribe(ctx, v.property(), v.onEvent)
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.sub = newSub
	v.mu.Unlock()

	return nil
}

func (v *Var) fetch(ctx context.Context) (*sv.Message, error) {
	v.mu.Lock()
	gen := v.gen
	v.mu.Unlock()

	reply, err := v.client.Get(ctx, v.property())
	if err != nil {
		if errors.Is(err, ErrCommandFailed) {
			return nil, fmt.Errorf("%w: var %s", ErrPropertyNotFound, v.name)
		}
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.gen != gen && v.cached != nil {
		// a change event raced in behind the read and is at least as fresh
		return v.cached, nil
	}

	v.cached = reply

	return reply, nil
}

// Float64 reads the variable as a number.
func (v *Var) Float64(ctx context.Context) (float64, error) {
	msg, err := v.Read(ctx)
	if err != nil {
		return 0, err
	}
	return msg.ToFloat()
}

// Int reads the variable as an integer.
func (v *Var) Int(ctx context.Context) (int, error) {
	val, err := v.Float64(ctx)
	if err != nil {
		return 0, err
	}
	return int(val), nil
}

// String reads the variable as text.
func (v *Var) String(ctx context.Context) (string, error) {
	msg, err := v.Read(ctx)
	if err != nil {
		return "", err
	}
	return msg.ToString()
}

// Assoc reads an associative array variable.
func (v *Var) Assoc(ctx context.Context) (map[string]string, error) {
	msg, err := v.Read(ctx)
	if err != nil {
		return nil, err
	}
	return msg.ToAssoc()
}

// Matrix reads a data array variable as a rows×cols matrix.
func (v *Var) Matrix(ctx context.Context) ([][]float64, error) {
	msg, err := v.Read(ctx)
	if err != nil {
		return nil, err
	}
	return msg.ToMatrix()
}

// Write sets the variable and waits the error window for the server to
// reject it. On success the cache is updated to the written value; on
// failure it is left alone, so the cache never reflects an unacknowledged
// write.
func (v *Var) Write(ctx context.Context, value string) error {
	if err := v.client.SetWait(ctx, v.property(), value, varWriteErrorWindow); err != nil {
		return err
	}

	synthetic, err := sv.NewStringEvent(v.property(), value)
	if err != nil {
		return nil
	}

	v.mu.Lock()
	// without a live subscription nothing would keep an installed value
	// fresh, so only write through into an active cache
	if v.sub != nil {
		v.gen++
		v.cached = synthetic
	}
	v.mu.Unlock()

	return nil
}

// Invalidate drops the cached value. The next read fetches from the server.
func (v *Var) Invalidate() {
	v.mu.Lock()
	v.gen++
	v.cached = nil
	v.mu.Unlock()
}

// Subscribe registers callback for the variable's change events.
func (v *Var) Subscribe(ctx context.Context, callback EventCallback) (*Subscription, error) {
	return v.client.Subscribe(ctx, v.property(), callback)
}

// Unsubscribe removes a subscription created with Subscribe.
func (v *Var) Unsubscribe(ctx context.Context, sub *Subscription) error {
	return v.client.Unsubscribe(ctx, sub)
}

// Release drops the cache and returns the handle's event subscription. The
// handle stays usable; the next read subscribes again.
func (v *Var) Release(ctx context.Context) error {
	v.initMu.Lock()
	defer v.initMu.Unlock()

	v.mu.Lock()
	sub := v.sub
	v.sub = nil
	v.gen++
	v.cached = nil
	v.mu.Unlock()

	if sub == nil {
		return nil
	}

	return v.client.Unsubscribe(ctx, sub)
}
