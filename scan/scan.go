// Package scan adapts SPEC sessions to the device surface step-scan
// frameworks expect: readable devices that report name/value/timestamp
// snapshots, triggerable devices that return a completion Status, and
// settable motors.
//
// The adapters contain no protocol logic of their own; they compose the
// operations of a spec.Client into the read/trigger/set shape.
package scan

import (
	"time"
)

// Reading is one sampled value of a device field.
type Reading struct {
	// Value is the sampled value.
	Value float64
	// Time is when the sample was taken.
	Time time.Time
}

func readingNow(value float64) Reading {
	return Reading{Value: value, Time: time.Now()}
}
