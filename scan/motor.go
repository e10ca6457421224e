package scan

import (
	"context"
	"fmt"

	"github.com/SEBv15/go-certifspec/spec"
)

// Motor exposes a SPEC motor axis as a settable scan device.
//
// Read reports the user and dial position; Set starts an absolute move and
// returns its completion Status.
type Motor struct {
	motor *spec.Motor
	name  string
}

// NewMotor wraps a SPEC motor handle.
func NewMotor(motor *spec.Motor) *Motor {
	return &Motor{motor: motor, name: motor.Mne()}
}

// Name returns the device name, the motor mnemonic.
func (m *Motor) Name() string {
	return m.name
}

// Motor returns the underlying motor handle.
func (m *Motor) Motor() *spec.Motor {
	return m.motor
}

// Read returns the current user and dial position, keyed as
// "<mne>_position" and "<mne>_dial_position".
func (m *Motor) Read(ctx context.Context) (map[string]Reading, error) {
	position, err := m.motor.Position(ctx)
	if err != nil {
		return nil, err
	}

	dial, err := m.motor.DialPosition(ctx)
	if err != nil {
		return nil, err
	}

	return map[string]Reading{
		m.name + "_position":      readingNow(position),
		m.name + "_dial_position": readingNow(dial),
	}, nil
}

// ReadConfiguration returns the motor's calibration fields: offset,
// step_size and sign.
func (m *Motor) ReadConfiguration(ctx context.Context) (map[string]Reading, error) {
	offset, err := m.motor.Offset(ctx)
	if err != nil {
		return nil, err
	}

	stepSize, err := m.motor.StepSize(ctx)
	if err != nil {
		return nil, err
	}

	sign, err := m.motor.Sign(ctx)
	if err != nil {
		return nil, err
	}

	return map[string]Reading{
		"offset":    readingNow(offset),
		"step_size": readingNow(stepSize),
		"sign":      readingNow(sign),
	}, nil
}

// Configure sets the user offset of the motor.
func (m *Motor) Configure(ctx context.Context, offset float64) error {
	return m.motor.SetOffset(ctx, offset)
}

// Set starts an absolute move to target and returns its completion Status.
// The Status finishes once the motor reports settled.
func (m *Motor) Set(ctx context.Context, target float64) *Status {
	wait, err := m.motor.MoveToAsync(ctx, target)
	if err != nil {
		return newFinishedStatus(fmt.Errorf("start move %s: %w", m.name, err))
	}

	status := NewStatus()
	go func() {
		status.Finish(wait(ctx))
	}()

	return status
}

// Trigger is a no-op for motors; the returned Status is already finished.
func (m *Motor) Trigger() *Status {
	return newFinishedStatus(nil)
}

// Stop aborts the server's active commands if the motor is still moving.
func (m *Motor) Stop(ctx context.Context) error {
	done, err := m.motor.MoveDone(ctx)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	return m.motor.Client().Abort(ctx)
}
