package spec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/SEBv15/go-certifspec/internal/pool"
	"github.com/SEBv15/go-certifspec/logger"
	"github.com/SEBv15/go-certifspec/sv"
)

// writeTimeout bounds a single message write on the TCP connection.
const writeTimeout = 5 * time.Second

// queueTimeout bounds how long a caller blocks when the sender queue is full.
const queueTimeout = 5 * time.Second

// Connection represents a client connection to a SPEC server.
//
// It owns the TCP socket and the sender and receiver tasks, correlates
// replies to requests by serial number, and dispatches property events to
// the subscription registry. All exported methods are safe for concurrent
// use.
//
// A Connection moves through DisconnectedState, ConnectingState and
// ConnectedState; ClosedState is terminal. A failed Open attempt returns the
// connection to DisconnectedState and Open may be called again; after Close,
// or after a receive failure, the connection cannot be reused.
type Connection struct {
	pctx      context.Context
	ctx       context.Context
	ctxCancel context.CancelFunc

	cfg    *ConnectionConfig
	logger logger.Logger

	connMutex  sync.Mutex
	sendMutex  sync.Mutex
	tcpConn    net.Conn
	reader     *messageReader
	serverName string

	stateMgr *ConnStateMgr
	taskMgr  *TaskManager
	shutdown atomic.Bool

	registry *registry

	senderMsgChan chan *sv.Message
	replyMsgChans *xsync.MapOf[uint32, chan *sv.Message]
	replyErrs     *xsync.MapOf[uint32, error]

	metrics ConnectionMetrics
}

// NewConnection creates a SPEC client connection with the given configuration.
//
// The connection starts in DisconnectedState; call Open to establish it.
func NewConnection(ctx context.Context, cfg *ConnectionConfig) (*Connection, error) {
	if cfg == nil {
		return nil, ErrConnConfigNil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	conn := &Connection{
		pctx:          ctx,
		cfg:           cfg,
		logger:        cfg.logger,
		taskMgr:       NewTaskManager(ctx, cfg.logger),
		registry:      newRegistry(cfg.logger),
		senderMsgChan: make(chan *sv.Message, cfg.senderQueueSize),
		replyMsgChans: xsync.NewMapOf[uint32, chan *sv.Message](),
		replyErrs:     xsync.NewMapOf[uint32, error](),
	}
	conn.createContext()

	conn.stateMgr = NewConnStateMgr(ctx, conn, conn.connStateHandler)
	conn.stateMgr.AddHandler(cfg.stateHandlers...)

	return conn, nil
}

func (c *Connection) createContext() {
	c.ctx, c.ctxCancel = context.WithCancel(c.pctx)
}

// GetLogger returns the logger used by the connection.
func (c *Connection) GetLogger() logger.Logger {
	return c.logger
}

// GetMetrics returns the connection metrics.
func (c *Connection) GetMetrics() *ConnectionMetrics {
	return &c.metrics
}

// State returns the current connection state.
func (c *Connection) State() ConnState {
	return c.stateMgr.State()
}

// WaitState waits until the connection reaches the specified state or the
// context is done.
func (c *Connection) WaitState(ctx context.Context, state ConnState) error {
	return c.stateMgr.WaitState(ctx, state)
}

// AddConnStateChangeHandler adds handlers invoked on connection state
// transitions.
func (c *Connection) AddConnStateChangeHandler(handlers ...ConnStateChangeHandler) {
	c.stateMgr.AddHandler(handlers...)
}

// ServerName returns the name the server announced in its hello reply.
// It is empty until the connection has been opened.
func (c *Connection) ServerName() string {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()
	return c.serverName
}

// UpdateConfigOptions updates runtime-changeable configuration options.
// Options that cannot change after the connection was created are rejected.
func (c *Connection) UpdateConfigOptions(opts ...ConnOption) error {
	c.cfg.mu.Lock()
	defer c.cfg.mu.Unlock()

	for _, opt := range opts {
		connOpt, ok := opt.(*connOptFunc)
		if !ok {
			return errors.New("invalid ConnOption type")
		}

		if !connOpt.runtime {
			return fmt.Errorf("option %s can't be applied at runtime", connOpt.name)
		}

		if err := connOpt.applyFunc(c.cfg); err != nil {
			return err
		}
	}

	return nil
}

// Open establishes the connection to the SPEC server.
//
// It dials the server, performs the hello handshake, and starts the sender
// and receiver tasks. On success the connection is in ConnectedState. On
// failure the connection returns to DisconnectedState and Open may be
// retried. The context bounds the dial and handshake only, not the lifetime
// of the connection.
func (c *Connection) Open(ctx context.Context) error {
	if c.stateMgr.IsClosed() {
		return ErrConnClosed
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := c.stateMgr.ToConnecting(); err != nil {
		return err
	}

	c.shutdown.Store(false)

	// the teardown of a previous failed attempt cancelled the connection
	// context
	if c.ctx.Err() != nil {
		c.createContext()
	}

	if err := c.openConn(ctx); err != nil {
		c.stateMgr.ToDisconnected()
		return err
	}

	if err := c.stateMgr.ToConnected(); err != nil {
		if c.stateMgr.IsClosed() {
			// the server dropped the connection right after the handshake
			return ErrConnClosed
		}
		return err
	}

	return nil
}

// Close closes the connection and releases its resources.
//
// A close message is sent to the server on a best-effort basis so it can
// drop the client's event registrations immediately. Close is idempotent
// and always returns nil.
func (c *Connection) Close() error {
	if c.shutdown.Swap(true) {
		return nil
	}

	if c.stateMgr.IsConnected() {
		if err := c.writeMsg(sv.NewClose()); err != nil {
			c.logger.Debug("failed to send close message", "method", "Close", "error", err)
		}
	}

	c.stateMgr.ToClosed()

	return nil
}

// connStateHandler reacts to state transitions. It is registered first, so
// connection teardown runs before any user supplied handler observes the new
// state.
func (c *Connection) connStateHandler(_ *Connection, prevState ConnState, curState ConnState) {
	c.logger.Debug("connection state changed", "prevState", prevState, "curState", curState)

	switch curState {
	case DisconnectedState, ClosedState:
		c.closeConn(c.cfg.closeConnTimeout)
	case ConnectingState, ConnectedState:
	}
}

// openConn dials the server, performs the hello handshake and starts the
// sender and receiver tasks.
func (c *Connection) openConn(ctx context.Context) error {
	address := net.JoinHostPort(c.cfg.host, strconv.Itoa(c.cfg.port))

	dialCtx, dialCancel := context.WithTimeout(ctx, c.cfg.connectTimeout)
	defer dialCancel()

	dialer := net.Dialer{KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		c.logger.Debug("failed to dial SPEC server", "method", "openConn", "address", address, "error", err)
		return fmt.Errorf("%w: %v", ErrConnFailed, err)
	}

	reader := newMessageReader(conn)

	serverName, err := c.hello(ctx, conn, reader)
	if err != nil {
		_ = conn.Close()
		return err
	}

	c.connMutex.Lock()
	c.tcpConn = conn
	c.reader = reader
	c.serverName = serverName
	c.connMutex.Unlock()

	c.logger.Debug("connected to SPEC server",
		"method", "openConn",
		"server", serverName,
		"local_addr", conn.LocalAddr().String(),
		"remote_addr", conn.RemoteAddr().String(),
	)

	if err := c.taskMgr.StartSender("senderTask", c.senderTask, c.cancelConnTask, c.senderMsgChan); err != nil {
		_ = conn.Close()
		return err
	}

	if err := c.taskMgr.StartReceiver("receiverTask", c.receiverTask, c.cancelConnTask); err != nil {
		_ = conn.Close()
		return err
	}

	return nil
}

// hello performs the handshake on a freshly dialed socket, before the
// receiver task owns it. The server proves it speaks the SPEC protocol by
// echoing the serial number in a hello reply carrying its name.
func (c *Connection) hello(ctx context.Context, conn net.Conn, reader *messageReader) (string, error) {
	helloMsg, err := sv.NewHello(sv.GenerateSN(), c.cfg.clientName)
	if err != nil {
		return "", err
	}

	deadline := time.Now().Add(c.cfg.connectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := conn.SetDeadline(deadline); err != nil {
		return "", err
	}

	if _, err := conn.Write(helloMsg.Encode()); err != nil {
		return "", fmt.Errorf("%w: %v", ErrHelloFailed, err)
	}

	preambleBuf := make([]byte, sv.PreambleSize)
	for {
		msg, err := reader.readMessage(preambleBuf)
		if err != nil {
			if errors.Is(err, sv.ErrInvalidMagic) || errors.Is(err, sv.ErrUnsupportedVersion) {
				return "", fmt.Errorf("%w: %v", ErrNotSpecServer, err)
			}
			return "", fmt.Errorf("%w: %v", ErrHelloFailed, err)
		}

		if msg.Cmd == sv.CmdHelloReply && msg.SN == helloMsg.SN {
			if err := conn.SetDeadline(time.Time{}); err != nil {
				return "", err
			}
			return msg.Name, nil
		}

		// a server may push events before answering when another client
		// touches properties this one registered for in an earlier life
		c.logger.Debug("skipped message during handshake", "method", "hello", "cmd", msg.Cmd.String(), "sn", msg.SN)
	}
}

// Submit sends a request that expects a reply and waits for it.
//
// A fresh serial number is assigned unless the message already carries one.
// Submit returns the reply, or an error when ctx is done, the reply timeout
// elapses, or the connection fails while waiting.
func (c *Connection) Submit(ctx context.Context, msg *sv.Message) (*sv.Message, error) {
	return c.submit(ctx, msg, c.cfg.ReplyTimeout())
}

// submit implements Submit with an explicit reply timeout. Property writes
// use a short window here, where the absence of a reply means success.
func (c *Connection) submit(ctx context.Context, msg *sv.Message, timeout time.Duration) (*sv.Message, error) {
	if !c.stateMgr.IsConnected() {
		return nil, ErrConnClosed
	}

	if msg.SN == 0 {
		msg.SN = sv.GenerateSN()
	}

	sn := msg.SN
	replyChan := c.addReplyExpectedMsg(sn)
	defer c.removeReplyExpectedMsg(sn)

	if err := c.queueMsg(ctx, msg); err != nil {
		return nil, err
	}

	c.metrics.incInflightCount()
	defer c.metrics.decInflightCount()

	replyTimer := pool.Get(timeout)
	defer pool.Put(replyTimer)

	select {
	case <-c.ctx.Done():
		return nil, ErrConnClosed

	case <-ctx.Done():
		return nil, ctx.Err()

	case <-replyTimer.C:
		c.logger.Warn("reply timeout",
			"method", "submit",
			"sn", sn,
			"cmd", msg.Cmd.String(),
			"name", msg.Name,
			"timeout", timeout,
		)
		return nil, ErrReplyTimeout

	case replyMsg := <-replyChan:
		if replyMsg == nil {
			if err, ok := c.replyErrs.LoadAndDelete(sn); ok {
				return nil, err
			}
			return nil, ErrConnClosed
		}
		return replyMsg, nil
	}
}

// Send queues a message that expects no reply. The serial number stays zero,
// so the server sends nothing back for it.
func (c *Connection) Send(ctx context.Context, msg *sv.Message) error {
	if !c.stateMgr.IsConnected() {
		return ErrConnClosed
	}

	return c.queueMsg(ctx, msg)
}

// queueMsg hands a message to the sender task, preserving submission order
// on the wire.
func (c *Connection) queueMsg(ctx context.Context, msg *sv.Message) error {
	timer := pool.Get(queueTimeout)
	defer pool.Put(timer)

	select {
	case <-c.ctx.Done():
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrSendBufferFull
	case c.senderMsgChan <- msg:
		return nil
	}
}

// senderTask writes queued messages to the socket. A write failure stops the
// task and fails the connection.
func (c *Connection) senderTask(msg *sv.Message) bool {
	if err := c.writeMsg(msg); err != nil {
		c.metrics.incErrCount()
		c.replyErrToSender(msg.SN, err)

		opErr := &net.OpError{}
		if !errors.As(err, &opErr) {
			c.logger.Error("failed to send message", "method", "senderTask", "sn", msg.SN, "error", err)
		}

		return false
	}

	c.metrics.incSendCount()

	return true
}

// writeMsg encodes and writes one message. The send mutex keeps frames from
// interleaving when the close message bypasses the sender queue.
func (c *Connection) writeMsg(msg *sv.Message) error {
	c.connMutex.Lock()
	conn := c.tcpConn
	c.connMutex.Unlock()

	if conn == nil {
		return ErrConnClosed
	}

	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}

	if c.logger.Level() == logger.DebugLevel {
		c.logger.Debug("send message to server",
			"method", "writeMsg",
			"sn", msg.SN,
			"cmd", msg.Cmd.String(),
			"name", msg.Name,
			"bodyLen", len(msg.Body),
		)
	}

	buf := msg.Encode()

	if _, err := conn.Write(buf); err != nil {
		return err
	}

	c.metrics.addSendByteCount(uint64(len(buf)))

	return nil
}

// receiverTask reads one message from the socket and routes it. Returning
// false stops the task; its cancel function then fails the connection.
func (c *Connection) receiverTask(preambleBuf []byte) bool {
	c.connMutex.Lock()
	reader := c.reader
	c.connMutex.Unlock()

	if reader == nil {
		return false
	}

	msg, err := reader.readMessage(preambleBuf)
	if err != nil {
		if err != io.EOF && !errors.Is(err, net.ErrClosed) && !strings.Contains(err.Error(), "connection reset by peer") {
			c.metrics.incErrCount()
			c.logger.Error("failed to read message", "method", "receiverTask", "error", err)
		}
		return false
	}

	c.metrics.incRecvCount()
	c.metrics.addRecvByteCount(uint64(sv.HeaderSize + len(msg.Body)))

	c.recvMsg(msg)

	return true
}

// cancelConnTask runs when the sender or receiver task stops on its own,
// which only happens when the socket failed. The async transition avoids
// deadlocking against the task manager shutdown the transition triggers.
func (c *Connection) cancelConnTask() {
	c.stateMgr.ToClosedAsync()
}

// recvMsg routes a received message: replies go to the waiting submitter,
// events go to the subscription registry.
func (c *Connection) recvMsg(msg *sv.Message) {
	switch msg.Cmd {
	case sv.CmdReply, sv.CmdHelloReply:
		c.replyToSender(msg)

	case sv.CmdEvent:
		c.metrics.incEventRecvCount()
		if c.logger.Level() == logger.DebugLevel {
			c.logger.Debug("event received",
				"method", "recvMsg",
				"name", msg.Name,
				"type", msg.Type.String(),
				"flags", msg.Flags,
			)
		}
		c.registry.dispatch(msg)

	default:
		c.metrics.incErrCount()
		c.logger.Warn("unexpected command received",
			"method", "recvMsg",
			"cmd", msg.Cmd.String(),
			"sn", msg.SN,
			"name", msg.Name,
		)
	}
}

// addReplyExpectedMsg registers a reply channel for the serial number. The
// channel has capacity 1 so the receiver task never blocks on delivery, even
// when the submitter already gave up.
func (c *Connection) addReplyExpectedMsg(sn uint32) chan *sv.Message {
	replyChan := make(chan *sv.Message, 1)
	c.replyMsgChans.Store(sn, replyChan)
	return replyChan
}

func (c *Connection) removeReplyExpectedMsg(sn uint32) {
	c.replyMsgChans.Delete(sn)
}

// replyToSender delivers a reply message to the submitter waiting on its
// serial number. Replies without a waiter are counted and dropped; the
// common cause is a reply arriving after the submitter timed out.
func (c *Connection) replyToSender(msg *sv.Message) {
	replyChan, ok := c.replyMsgChans.Load(msg.SN)
	if !ok {
		c.metrics.incOrphanReplyCount()
		c.logger.Debug("reply has no waiting submitter", "method", "replyToSender", "sn", msg.SN, "name", msg.Name)
		return
	}

	c.metrics.incReplyRecvCount()

	select {
	case <-c.ctx.Done():
	case replyChan <- msg:
	}
}

// replyErrToSender fails the submitter waiting on the serial number with err.
// A nil message on the reply channel tells the submitter to look up the error.
func (c *Connection) replyErrToSender(sn uint32, err error) {
	if sn == 0 {
		return
	}

	replyChan, ok := c.replyMsgChans.Load(sn)
	if !ok {
		return
	}

	c.replyErrs.Store(sn, err)

	select {
	case <-c.ctx.Done():
	case replyChan <- nil:
	}
}

// dropAllReplyMsgs closes all pending reply channels. Waiting submitters
// observe the closed channel and fail with ErrConnClosed.
func (c *Connection) dropAllReplyMsgs() {
	c.replyMsgChans.Range(func(_ uint32, replyChan chan *sv.Message) bool {
		if replyChan != nil {
			close(replyChan)
		}
		return true
	})
	c.replyMsgChans.Clear()
}

// closeConn tears the connection down: it cancels the connection context,
// stops the tasks, closes the socket and fails all pending submitters. It
// waits up to timeout for the tasks to finish.
func (c *Connection) closeConn(timeout time.Duration) {
	c.logger.Debug("start closeConn process")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if c.ctxCancel != nil {
		c.ctxCancel()
	}

	c.taskMgr.Stop()

	c.connMutex.Lock()
	if c.tcpConn != nil {
		if tcpConn, ok := c.tcpConn.(*net.TCPConn); ok {
			_ = tcpConn.SetLinger(0)
		}
		if err := c.tcpConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Error("failed to close TCP connection", "method", "closeConn", "error", err)
		}
		c.tcpConn = nil
		c.reader = nil
	}
	c.connMutex.Unlock()

	c.dropAllReplyMsgs()

	go func() {
		c.taskMgr.Wait()
		cancel()
	}()

	<-ctx.Done()

	if errors.Is(ctx.Err(), context.Canceled) {
		c.logger.Debug("closeConn success", "method", "closeConn")
	} else {
		c.logger.Error("closeConn timeout", "method", "closeConn", "timeout", timeout, "error", ctx.Err())
	}
}
