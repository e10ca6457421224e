package spec

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/SEBv15/go-certifspec/sv"
)

// Counter describes one scaler channel configured on the server.
type Counter struct {
	// Mne is the counter mnemonic, e.g. "sec" or "mon".
	Mne string
	// Name is the descriptive name configured for the counter.
	Name string
}

func scalerValueProperty(mne string) string {
	return "scaler/" + mne + "/value"
}

// counterMne extracts the mnemonic from a scaler property name like
// "scaler/sec/value".
func counterMne(property string) string {
	parts := strings.SplitN(property, "/", 3)
	if len(parts) < 2 {
		return property
	}
	return parts[1]
}

// Counters returns the counter inventory loaded when the session was set up.
// Use RefreshCounters after counters were added or removed on the server.
func (c *Client) Counters() []Counter {
	c.counterMu.Lock()
	defer c.counterMu.Unlock()

	return slices.Clone(c.counters)
}

// RefreshCounters reloads the counter inventory from the server: the count
// from the COUNTERS variable, then mnemonic and display name per index.
func (c *Client) RefreshCounters(ctx context.Context) ([]Counter, error) {
	reply, err := c.Get(ctx, varProperty("COUNTERS"))
	if err != nil {
		return nil, err
	}

	count, err := reply.ToFloat()
	if err != nil {
		return nil, err
	}

	counters := make([]Counter, 0, int(count))
	for i := 0; i < int(count); i++ {
		mne, err := c.runString(ctx, fmt.Sprintf("cnt_mne(%d)", i))
		if err != nil {
			return nil, err
		}

		name, err := c.runString(ctx, fmt.Sprintf("cnt_name(%d)", i))
		if err != nil {
			return nil, err
		}

		counters = append(counters, Counter{Mne: mne, Name: name})
	}

	c.counterMu.Lock()
	c.counters = counters
	c.counterMu.Unlock()

	return counters, nil
}

// Count runs the scalers for seconds and returns the accumulated value per
// counter mnemonic. The optional progress callback observes intermediate
// totals while counting runs; it must not block for long, it runs on the
// connection's receive goroutine.
//
// The final totals are read back explicitly after the count finishes; the
// update events alone are not guaranteed to carry the last value.
func (c *Client) Count(ctx context.Context, seconds float64, progress func(map[string]float64)) (map[string]float64, error) {
	counters := c.Counters()

	totals := make(map[string]float64, len(counters))
	var mu sync.Mutex

	update := func(msg *sv.Message) {
		value, err := msg.ToFloat()
		if err != nil {
			return
		}

		mu.Lock()
		totals[counterMne(msg.Name)] = value
		var snapshot map[string]float64
		if progress != nil {
			snapshot = maps.Clone(totals)
		}
		mu.Unlock()

		if progress != nil {
			progress(snapshot)
		}
	}

	subs := make([]*Subscription, 0, len(counters))
	defer func() {
		for _, sub := range subs {
			_ = c.Unsubscribe(ctx, sub)
		}
	}()

	for _, counter := range counters {
		sub, err := c.Subscribe(ctx, scalerValueProperty(counter.Mne), update)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	if _, _, err := c.Run(ctx, "count "+strconv.FormatFloat(seconds, 'g', -1, 64)); err != nil {
		return nil, err
	}

	for _, counter := range counters {
		reply, err := c.Get(ctx, scalerValueProperty(counter.Mne))
		if err != nil {
			return nil, err
		}

		value, err := reply.ToFloat()
		if err != nil {
			return nil, err
		}

		mu.Lock()
		totals[counter.Mne] = value
		mu.Unlock()
	}

	return totals, nil
}

// StopCounting stops an active count immediately. A Count call blocked in
// another goroutine returns once the server winds the run down.
func (c *Client) StopCounting(ctx context.Context) error {
	return c.Set(ctx, "scaler/.all./count", "0")
}
