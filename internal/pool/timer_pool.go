// Package pool recycles timers across request/reply round trips.
package pool

import (
	"sync"
	"time"
)

// Pooled timers are always stopped and drained, see Put.
var timers sync.Pool

// Get returns a timer that fires after d. Release it with Put.
func Get(d time.Duration) *time.Timer {
	if v := timers.Get(); v != nil {
		t, _ := v.(*time.Timer)
		t.Reset(d)
		return t
	}
	return time.NewTimer(d)
}

// Put returns t to the pool, stopped and with a pending fire drained so the
// next Get starts clean. t must not be accessed afterwards.
func Put(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	timers.Put(t)
}
