package spec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SEBv15/go-certifspec/internal/pool"
	"github.com/SEBv15/go-certifspec/logger"
	"github.com/SEBv15/go-certifspec/sv"
)

// Built-in channels every SPEC server provides.
const (
	// errorProperty carries the server's error reports for this client.
	errorProperty = "error"
	// consoleProperty mirrors the server's terminal output.
	consoleProperty = "output/tty"
	// noErrorText is published on the error channel after a successful
	// operation.
	noErrorText = "No error"
)

// Client is the high-level interface to a SPEC server.
//
// It wraps a Connection with the conveniences an instrument control session
// needs: command execution with console capture, property access, verified
// event subscriptions, and motor and counter handles. All methods are safe
// for concurrent use; Run is serialized internally so each command's console
// output stays attributable to it.
type Client struct {
	conn   *Connection
	cfg    *ConnectionConfig
	logger logger.Logger

	console *consoleBuffer

	runMutex sync.Mutex

	counterMu sync.Mutex
	counters  []Counter
}

// Connect dials a SPEC server and prepares the session: the hello handshake,
// the error channel registration, console capture and the counter inventory.
// The context bounds the whole setup.
func Connect(ctx context.Context, host string, port int, opts ...ConnOption) (*Client, error) {
	cfg, err := NewConnectionConfig(host, port, opts...)
	if err != nil {
		return nil, err
	}

	return connectWithConfig(ctx, cfg)
}

func connectWithConfig(ctx context.Context, cfg *ConnectionConfig) (*Client, error) {
	conn, err := NewConnection(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client := &Client{
		conn:    conn,
		cfg:     cfg,
		logger:  cfg.logger.With("client_id", uuid.NewString()),
		console: &consoleBuffer{},
	}

	if err := conn.Open(ctx); err != nil {
		return nil, err
	}

	if err := client.setup(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	client.logger.Debug("client session ready", "server", conn.ServerName())

	return client, nil
}

// setup wires the built-in channels once the connection is up. The error
// channel comes first because Subscribe verification listens on it.
func (c *Client) setup(ctx context.Context) error {
	c.conn.registry.add(errorProperty, c.errorEvent)
	if err := c.register(ctx, errorProperty); err != nil {
		return err
	}

	if c.cfg.consoleCapture {
		c.conn.registry.add(consoleProperty, c.console.onEvent)
		if err := c.register(ctx, consoleProperty); err != nil {
			return err
		}
	}

	if _, err := c.RefreshCounters(ctx); err != nil {
		return fmt.Errorf("failed to load counter inventory: %w", err)
	}

	return nil
}

// errorEvent drains the server's error channel. Subscribe verification adds
// its own watcher while it runs; outside of that the reports are only useful
// as log lines.
func (c *Client) errorEvent(msg *sv.Message) {
	text, err := msg.ToString()
	if err != nil || text == noErrorText {
		return
	}
	c.logger.Debug("server reported error", "error", text)
}

func (c *Client) register(ctx context.Context, property string) error {
	msg, err := sv.NewRegister(property)
	if err != nil {
		return err
	}
	return c.conn.Send(ctx, msg)
}

func (c *Client) unregister(ctx context.Context, property string) error {
	msg, err := sv.NewUnregister(property)
	if err != nil {
		return err
	}
	return c.conn.Send(ctx, msg)
}

// Close closes the session and its connection. It is idempotent.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ServerName returns the name the server announced during the handshake.
func (c *Client) ServerName() string {
	return c.conn.ServerName()
}

// State returns the connection state of the session.
func (c *Client) State() ConnState {
	return c.conn.State()
}

// Metrics returns the connection metrics of the session.
func (c *Client) Metrics() *ConnectionMetrics {
	return c.conn.GetMetrics()
}

// Console returns the captured console output of the most recent command.
func (c *Client) Console() string {
	return c.console.String()
}

// UpdateOptions applies runtime-changeable configuration options to the
// session.
func (c *Client) UpdateOptions(opts ...ConnOption) error {
	return c.conn.UpdateConfigOptions(opts...)
}

// Run executes a command as if typed into the interactive SPEC shell and
// waits for its result. It returns the reply and the console output the
// command produced.
//
// A failed command is not a Go error: the server reports it in the reply's
// Err field and on the console. Callers that care should check
// reply.IsError() or Err.
func (c *Client) Run(ctx context.Context, command string) (*sv.Message, string, error) {
	c.runMutex.Lock()
	defer c.runMutex.Unlock()

	c.console.reset()

	reply, err := c.conn.Submit(ctx, sv.NewFuncWithReturn(0, command))
	if err != nil {
		return nil, c.console.String(), err
	}

	return reply, c.console.String(), nil
}

// RunAsync executes a command without waiting for a result. The server sends
// no reply; output still lands on the console channel.
func (c *Client) RunAsync(ctx context.Context, command string) error {
	return c.conn.Send(ctx, sv.NewFunc(command))
}

// runString executes a server function and returns its result as text.
func (c *Client) runString(ctx context.Context, command string) (string, error) {
	reply, console, err := c.Run(ctx, command)
	if err != nil {
		return "", err
	}

	if reply.IsError() {
		text := reply.ErrorText()
		if text == "" {
			text = strings.TrimSpace(console)
		}
		return "", fmt.Errorf("%w: %s: %s", ErrCommandFailed, strings.TrimSpace(command), text)
	}

	return reply.ToString()
}

// Get reads a property. An error reply from the server is returned as
// ErrCommandFailed carrying the server's message.
func (c *Client) Get(ctx context.Context, property string) (*sv.Message, error) {
	msg, err := sv.NewChanRead(0, property)
	if err != nil {
		return nil, err
	}

	reply, err := c.conn.Submit(ctx, msg)
	if err != nil {
		return nil, err
	}

	if reply.IsError() {
		return nil, fmt.Errorf("%w: read %s: %s", ErrCommandFailed, property, reply.ErrorText())
	}

	return reply, nil
}

// Set writes a property without waiting for the outcome. The server answers
// property writes only when they fail, and this call does not stay around to
// hear it; use SetWait when the outcome matters.
func (c *Client) Set(ctx context.Context, property string, value string) error {
	msg, err := sv.NewChanSend(0, property, value)
	if err != nil {
		return err
	}

	return c.conn.Send(ctx, msg)
}

// SetWait writes a property and waits up to errWindow for the server to
// reject it. The server only answers failed writes, so an expired window
// means the write was accepted. An errWindow of zero or less uses the
// configured default.
func (c *Client) SetWait(ctx context.Context, property string, value string, errWindow time.Duration) error {
	if errWindow <= 0 {
		errWindow = c.cfg.ErrorWindow()
	}

	msg, err := sv.NewChanSend(0, property, value)
	if err != nil {
		return err
	}

	reply, err := c.conn.submit(ctx, msg, errWindow)
	if errors.Is(err, ErrReplyTimeout) {
		return nil
	}
	if err != nil {
		return err
	}

	if reply.IsError() {
		return fmt.Errorf("%w: set %s: %s", ErrCommandFailed, property, reply.ErrorText())
	}

	return nil
}

// Subscribe registers callback for change events of property.
//
// The first subscription for a property registers it with the server, which
// answers with an event carrying the current value; the callback receives
// that initial event too. When subscribe verification is enabled, Subscribe
// waits for it: no event within the verify window, or a report on the error
// channel, rolls the registration back and fails with ErrPropertyNotFound.
// Further subscriptions to an already registered property attach locally
// without a server round trip.
//
// The callback runs on the connection's receive goroutine; see EventCallback
// for the ordering guarantees and their cost.
func (c *Client) Subscribe(ctx context.Context, property string, callback EventCallback) (*Subscription, error) {
	if !c.conn.stateMgr.IsConnected() {
		return nil, ErrConnClosed
	}

	window := c.cfg.VerifyWindow()
	if window <= 0 {
		return c.subscribeDirect(ctx, property, callback)
	}

	// the callback goes in before the register message so the initial event
	// cannot slip past it
	sub, first := c.conn.registry.add(property, callback)
	if !first {
		// already registered with the server, nothing to verify
		return sub, nil
	}

	firstEvent := make(chan struct{}, 1)
	probeSub, _ := c.conn.registry.add(property, func(*sv.Message) {
		select {
		case firstEvent <- struct{}{}:
		default:
		}
	})

	errEvent := make(chan string, 1)
	errSub, _ := c.conn.registry.add(errorProperty, func(msg *sv.Message) {
		text, terr := msg.ToString()
		if terr != nil || text == noErrorText {
			return
		}
		select {
		case errEvent <- text:
		default:
		}
	})

	removeWatchers := func() {
		c.conn.registry.remove(errSub)
		c.conn.registry.remove(probeSub)
	}

	rollback := func() {
		removeWatchers()
		c.conn.registry.remove(sub)
	}

	if err := c.register(ctx, property); err != nil {
		rollback()
		return nil, err
	}

	verifyTimer := pool.Get(window)
	defer pool.Put(verifyTimer)

	select {
	case <-c.conn.ctx.Done():
		rollback()
		return nil, ErrConnClosed

	case <-ctx.Done():
		rollback()
		_ = c.unregister(context.Background(), property)
		return nil, ctx.Err()

	case text := <-errEvent:
		rollback()
		_ = c.unregister(ctx, property)
		return nil, fmt.Errorf("%w: %s: %s", ErrPropertyNotFound, property, text)

	case <-verifyTimer.C:
		rollback()
		_ = c.unregister(ctx, property)
		return nil, fmt.Errorf("%w: %s: no event within %v", ErrPropertyNotFound, property, window)

	case <-firstEvent:
		removeWatchers()
		return sub, nil
	}
}

func (c *Client) subscribeDirect(ctx context.Context, property string, callback EventCallback) (*Subscription, error) {
	sub, first := c.conn.registry.add(property, callback)
	if first {
		if err := c.register(ctx, property); err != nil {
			c.conn.registry.remove(sub)
			return nil, err
		}
	}

	return sub, nil
}

// Unsubscribe removes a subscription. When the last subscription for a
// property goes away the server registration is dropped too.
func (c *Client) Unsubscribe(ctx context.Context, sub *Subscription) error {
	removed, last := c.conn.registry.remove(sub)
	if !removed {
		return ErrSubscriptionClosed
	}

	if last && c.conn.stateMgr.IsConnected() {
		return c.unregister(ctx, sub.Name())
	}

	return nil
}

// Abort stops all commands running on the server, like ^C in the interactive
// shell.
func (c *Client) Abort(ctx context.Context) error {
	return c.conn.Send(ctx, sv.NewAbort())
}
