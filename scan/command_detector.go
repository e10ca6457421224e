package scan

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/SEBv15/go-certifspec/spec"
	"github.com/SEBv15/go-certifspec/sv"
)

// PollFunc decides from a poll command's reply and console output whether a
// detector has finished acquiring.
type PollFunc func(reply *sv.Message, console string) bool

// Response is the recorded outcome of one detector command.
type Response struct {
	// Reply is the command's reply message.
	Reply *sv.Message
	// Console is the terminal output the command produced.
	Console string
	// Time is when the reply arrived.
	Time time.Time
}

// CommandDetector exposes a detector driven by SPEC commands as a
// triggerable scan device: a start command begins the acquisition and an
// optional poll command, evaluated by a PollFunc, detects its end.
//
// Every command response of the current run is recorded and available
// through Read, so the acquisition leaves a data trail even when the
// detector writes its results elsewhere.
type CommandDetector struct {
	client   *spec.Client
	name     string
	startCmd string
	pollCmd  string
	evalPoll PollFunc

	mu    sync.Mutex
	start Response
	polls []Response
}

// NewCommandDetector creates a detector around startCommand. pollCommand may
// be empty; the acquisition then ends when the start command's reply
// arrives. With a poll command, evalPoll decides when the acquisition is
// done; a nil evalPoll stops after the first poll.
func NewCommandDetector(client *spec.Client, name string, startCommand string, pollCommand string, evalPoll PollFunc) *CommandDetector {
	if evalPoll == nil {
		evalPoll = func(*sv.Message, string) bool { return true }
	}

	return &CommandDetector{
		client:   client,
		name:     name,
		startCmd: startCommand,
		pollCmd:  pollCommand,
		evalPoll: evalPoll,
	}
}

// Name returns the device name.
func (d *CommandDetector) Name() string {
	return d.name
}

// Read returns the start command's response and the poll responses of the
// most recent run.
func (d *CommandDetector) Read() (Response, []Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.start, slices.Clone(d.polls)
}

// Trigger starts one acquisition and returns its completion Status.
func (d *CommandDetector) Trigger(ctx context.Context) *Status {
	status := NewStatus()

	go func() {
		status.Finish(d.run(ctx))
	}()

	return status
}

func (d *CommandDetector) run(ctx context.Context) error {
	reply, console, err := d.client.Run(ctx, d.startCmd)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.start = Response{Reply: reply, Console: console, Time: time.Now()}
	d.polls = nil
	d.mu.Unlock()

	if d.pollCmd == "" {
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		reply, console, err := d.client.Run(ctx, d.pollCmd)
		if err != nil {
			return err
		}

		d.mu.Lock()
		d.polls = append(d.polls, Response{Reply: reply, Console: console, Time: time.Now()})
		d.mu.Unlock()

		if d.evalPoll(reply, console) {
			return nil
		}
	}
}
