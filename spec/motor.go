package spec

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/SEBv15/go-certifspec/sv"
)

// readOnlyMotorProps are the motor property channels the server computes
// itself.
var readOnlyMotorProps = map[string]bool{
	"step_size":      true,
	"sign":           true,
	"move_done":      true,
	"high_lim_hit":   true,
	"low_lim_hit":    true,
	"emergency_stop": true,
	"motor_fault":    true,
	"unusable":       true,
}

// Motor is a handle on one motor axis of the server.
//
// Position reads are live: the position channel is subscribed at
// construction and served from the event stream without polling. Motion
// commands run through the server's command parser and complete on the
// motor's settled signal, not on the command reply alone.
type Motor struct {
	mne    string
	client *Client

	// position caches motor/MNE/position the same way a Var caches its
	// variable
	position *Var
}

// Motor returns a handle on the motor with mnemonic mne. It fails with
// ErrMotorNotFound when the server does not know the mnemonic or reports the
// motor unusable.
func (c *Client) Motor(ctx context.Context, mne string) (*Motor, error) {
	m := &Motor{
		mne:      mne,
		client:   c,
		position: &Var{name: mne, prop: motorProperty(mne, "position"), client: c},
	}

	unusable, err := m.Unusable(ctx)
	if err != nil {
		if errors.Is(err, ErrCommandFailed) || errors.Is(err, ErrPropertyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrMotorNotFound, mne)
		}
		return nil, err
	}
	if unusable {
		return nil, fmt.Errorf("%w: %s is unusable", ErrMotorNotFound, mne)
	}

	if _, err := m.position.Read(ctx); err != nil {
		return nil, err
	}

	return m, nil
}

// Motors lists the mnemonics of all motors configured on the server, in
// motor number order. The motor numbers come from the keys of the A angles
// array.
func (c *Client) Motors(ctx context.Context) ([]string, error) {
	reply, err := c.Get(ctx, varProperty("A"))
	if err != nil {
		return nil, err
	}

	angles, err := reply.ToAssoc()
	if err != nil {
		return nil, err
	}

	nums := make([]int, 0, len(angles))
	for key := range angles {
		num, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			continue
		}
		nums = append(nums, num)
	}
	sort.Ints(nums)

	motors := make([]string, 0, len(nums))
	for _, num := range nums {
		mne, err := c.runString(ctx, fmt.Sprintf("motor_mne(%d)", num))
		if err != nil {
			return nil, err
		}
		motors = append(motors, mne)
	}

	return motors, nil
}

func motorProperty(mne string, prop string) string {
	return "motor/" + mne + "/" + prop
}

// Mne returns the motor mnemonic.
func (m *Motor) Mne() string {
	return m.mne
}

// Client returns the session the motor belongs to.
func (m *Motor) Client() *Client {
	return m.client
}

// GetProperty reads one of the motor's property channels by name.
func (m *Motor) GetProperty(ctx context.Context, prop string) (*sv.Message, error) {
	return m.client.Get(ctx, motorProperty(m.mne, prop))
}

// SetProperty writes one of the motor's property channels by name and waits
// the error window for the server to reject it. Channels the server computes
// itself fail with ErrReadOnly.
func (m *Motor) SetProperty(ctx context.Context, prop string, value string) error {
	if readOnlyMotorProps[prop] {
		return fmt.Errorf("%w: %s", ErrReadOnly, prop)
	}

	return m.client.SetWait(ctx, motorProperty(m.mne, prop), value, 0)
}

func (m *Motor) getFloat(ctx context.Context, prop string) (float64, error) {
	reply, err := m.GetProperty(ctx, prop)
	if err != nil {
		return 0, err
	}
	return reply.ToFloat()
}

func (m *Motor) getBool(ctx context.Context, prop string) (bool, error) {
	reply, err := m.GetProperty(ctx, prop)
	if err != nil {
		return false, err
	}
	return reply.ToBool()
}

func (m *Motor) setFloat(ctx context.Context, prop string, value float64) error {
	return m.SetProperty(ctx, prop, strconv.FormatFloat(value, 'g', -1, 64))
}

// Position returns the motor position in user units, served from the live
// position cache.
func (m *Motor) Position(ctx context.Context) (float64, error) {
	return m.position.Float64(ctx)
}

// SetPosition redefines the current position in user units. It does not move
// the motor; it shifts the user offset.
func (m *Motor) SetPosition(ctx context.Context, value float64) error {
	return m.setFloat(ctx, "position", value)
}

// DialPosition returns the motor position in dial units.
func (m *Motor) DialPosition(ctx context.Context) (float64, error) {
	return m.getFloat(ctx, "dial_position")
}

// SetDialPosition redefines the current position in dial units without
// moving the motor.
func (m *Motor) SetDialPosition(ctx context.Context, value float64) error {
	return m.setFloat(ctx, "dial_position", value)
}

// Offset returns the user offset in dial units.
func (m *Motor) Offset(ctx context.Context) (float64, error) {
	return m.getFloat(ctx, "offset")
}

// SetOffset sets the user offset in dial units.
func (m *Motor) SetOffset(ctx context.Context, value float64) error {
	return m.setFloat(ctx, "offset", value)
}

// StepSize returns the steps-per-unit scale of the motor.
func (m *Motor) StepSize(ctx context.Context) (float64, error) {
	return m.getFloat(ctx, "step_size")
}

// Sign returns the sign relating user and dial units, +1 or -1.
func (m *Motor) Sign(ctx context.Context) (float64, error) {
	return m.getFloat(ctx, "sign")
}

// MoveDone reports whether the motor is settled. The wire channel is nonzero
// while a move is in progress and is inverted here.
func (m *Motor) MoveDone(ctx context.Context) (bool, error) {
	busy, err := m.getBool(ctx, "move_done")
	if err != nil {
		return false, err
	}
	return !busy, nil
}

// HighLimHit reports whether the high limit switch is active.
func (m *Motor) HighLimHit(ctx context.Context) (bool, error) {
	return m.getBool(ctx, "high_lim_hit")
}

// LowLimHit reports whether the low limit switch is active.
func (m *Motor) LowLimHit(ctx context.Context) (bool, error) {
	return m.getBool(ctx, "low_lim_hit")
}

// EmergencyStop reports whether an emergency stop condition is active.
func (m *Motor) EmergencyStop(ctx context.Context) (bool, error) {
	return m.getBool(ctx, "emergency_stop")
}

// MotorFault reports whether a motor fault condition is active.
func (m *Motor) MotorFault(ctx context.Context) (bool, error) {
	return m.getBool(ctx, "motor_fault")
}

// Unusable reports whether the server considers the motor unusable.
func (m *Motor) Unusable(ctx context.Context) (bool, error) {
	return m.getBool(ctx, "unusable")
}

// HighLimit returns the high limit in dial units.
func (m *Motor) HighLimit(ctx context.Context) (float64, error) {
	return m.getFloat(ctx, "high_limit")
}

// SetHighLimit sets the high limit in dial units.
func (m *Motor) SetHighLimit(ctx context.Context, value float64) error {
	return m.setFloat(ctx, "high_limit", value)
}

// LowLimit returns the low limit in dial units.
func (m *Motor) LowLimit(ctx context.Context) (float64, error) {
	return m.getFloat(ctx, "low_limit")
}

// SetLowLimit sets the low limit in dial units.
func (m *Motor) SetLowLimit(ctx context.Context, value float64) error {
	return m.setFloat(ctx, "low_limit", value)
}

// BaseRate returns the starting step rate of the motor.
func (m *Motor) BaseRate(ctx context.Context) (float64, error) {
	return m.getFloat(ctx, "base_rate")
}

// SetBaseRate sets the starting step rate of the motor.
func (m *Motor) SetBaseRate(ctx context.Context, value float64) error {
	return m.setFloat(ctx, "base_rate", value)
}

// SlewRate returns the steady step rate of the motor.
func (m *Motor) SlewRate(ctx context.Context) (float64, error) {
	return m.getFloat(ctx, "slew_rate")
}

// SetSlewRate sets the steady step rate of the motor.
func (m *Motor) SetSlewRate(ctx context.Context, value float64) error {
	return m.setFloat(ctx, "slew_rate", value)
}

// Acceleration returns the acceleration time of the motor in milliseconds.
func (m *Motor) Acceleration(ctx context.Context) (float64, error) {
	return m.getFloat(ctx, "acceleration")
}

// SetAcceleration sets the acceleration time of the motor in milliseconds.
func (m *Motor) SetAcceleration(ctx context.Context, value float64) error {
	return m.setFloat(ctx, "acceleration", value)
}

// Backlash returns the backlash correction of the motor.
func (m *Motor) Backlash(ctx context.Context) (float64, error) {
	return m.getFloat(ctx, "backlash")
}

// SetBacklash sets the backlash correction of the motor.
func (m *Motor) SetBacklash(ctx context.Context, value float64) error {
	return m.setFloat(ctx, "backlash", value)
}

// Subscribe registers callback for change events of one of the motor's
// property channels, e.g. "position" or "move_done".
func (m *Motor) Subscribe(ctx context.Context, prop string, callback EventCallback) (*Subscription, error) {
	return m.client.Subscribe(ctx, motorProperty(m.mne, prop), callback)
}

// Unsubscribe removes a subscription created with Subscribe.
func (m *Motor) Unsubscribe(ctx context.Context, sub *Subscription) error {
	return m.client.Unsubscribe(ctx, sub)
}

// MoveTo moves the motor to the absolute position target in user units and
// waits until it settles.
func (m *Motor) MoveTo(ctx context.Context, target float64) error {
	wait, err := m.MoveToAsync(ctx, target)
	if err != nil {
		return err
	}

	return wait(ctx)
}

// Move moves the motor by delta relative to its current position and waits
// until it settles.
func (m *Motor) Move(ctx context.Context, delta float64) error {
	current, err := m.Position(ctx)
	if err != nil {
		return err
	}

	return m.MoveTo(ctx, current+delta)
}

// MoveToAsync starts a move to target and returns a function that waits for
// the motor to settle. The move runs on the server whether or not the wait
// function is ever called; calling it more than once is allowed.
//
// The settled signal is armed before the motion command is issued, so it
// cannot be missed: the command reply alone does not prove the motion
// finished, and a motor that is already at target may never report busy at
// all.
func (m *Motor) MoveToAsync(ctx context.Context, target float64) (func(context.Context) error, error) {
	settled := make(chan struct{})
	var closeOnce sync.Once
	var armed atomic.Bool

	sub, err := m.Subscribe(ctx, "move_done", func(msg *sv.Message) {
		busy, err := msg.ToFloat()
		if err != nil || busy != 0 {
			return
		}
		// settled events before the command reply are leftovers of the
		// previous state
		if armed.Load() {
			closeOnce.Do(func() { close(settled) })
		}
	})
	if err != nil {
		return nil, err
	}

	command := fmt.Sprintf("{get_angles;A[%s]=%s;move_em;}",
		m.mne, strconv.FormatFloat(target, 'g', -1, 64))

	reply, console, err := m.client.Run(ctx, command)
	if err != nil {
		_ = m.Unsubscribe(ctx, sub)
		return nil, err
	}
	if reply.IsError() {
		_ = m.Unsubscribe(ctx, sub)
		return nil, fmt.Errorf("%w: move %s: %s", ErrCommandFailed, m.mne, strings.TrimSpace(console))
	}

	armed.Store(true)

	var unsubOnce sync.Once
	unsub := func() {
		unsubOnce.Do(func() { _ = m.Unsubscribe(context.Background(), sub) })
	}

	wait := func(waitCtx context.Context) error {
		// the motor may have settled before the signal was armed
		busy, err := m.getBool(waitCtx, "move_done")
		if err != nil {
			return err
		}
		if !busy {
			unsub()
			return nil
		}

		select {
		case <-settled:
			unsub()
			return nil
		case <-waitCtx.Done():
			return waitCtx.Err()
		case <-m.client.conn.ctx.Done():
			unsub()
			return ErrConnClosed
		}
	}

	return wait, nil
}

// Release frees the motor's live position subscription. The handle stays
// usable; the next position read subscribes again.
func (m *Motor) Release(ctx context.Context) error {
	return m.position.Release(ctx)
}
