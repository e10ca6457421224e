package spec

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SEBv15/go-certifspec/logger"
	"github.com/SEBv15/go-certifspec/sv"
)

func TestMain(m *testing.M) {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	var level logger.Level
	switch logLevel {
	case "debug":
		level = logger.DebugLevel
	case "info":
		level = logger.InfoLevel
	case "warn":
		level = logger.WarnLevel
	case "error":
		level = logger.ErrorLevel
	case "fatal":
		level = logger.FatalLevel
	default:
		level = logger.InfoLevel
	}

	logger.SetLevel(level)

	os.Exit(m.Run())
}

func newTestConn(t testing.TB, port int, extra ...ConnOption) *Connection {
	t.Helper()

	require := require.New(t)

	cfg, err := NewConnectionConfig("127.0.0.1", port, testClientOpts(extra...)...)
	require.NoError(err)
	require.NotNil(cfg)

	conn, err := NewConnection(context.Background(), cfg)
	require.NoError(err)
	require.NotNil(conn)

	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func TestConnection_OpenClose(t *testing.T) {
	require := require.New(t)

	ctx := context.Background()
	s := newTestServer(t)

	var mu sync.Mutex
	var transitions []ConnState

	conn := newTestConn(t, s.port(), WithConnStateHandler(func(_ *Connection, _ ConnState, newState ConnState) {
		mu.Lock()
		transitions = append(transitions, newState)
		mu.Unlock()
	}))

	require.True(conn.State().IsDisconnected())
	require.Empty(conn.ServerName())
	require.NotNil(conn.GetLogger())

	require.NoError(conn.Open(ctx))
	require.True(conn.State().IsConnected())
	require.Equal("spec_test", conn.ServerName())

	// close is idempotent
	for i := 0; i < 3; i++ {
		require.NoError(conn.Close())
	}
	require.True(conn.State().IsClosed())

	// a closed connection cannot be reopened
	require.ErrorIs(conn.Open(ctx), ErrConnClosed)

	mu.Lock()
	defer mu.Unlock()
	require.Equal([]ConnState{ConnectingState, ConnectedState, ClosedState}, transitions)
}

func TestConnection_Open_ConnectionRefused(t *testing.T) {
	require := require.New(t)

	// grab a free port and close the listener so nothing answers there
	s := newTestServer(t)
	port := s.port()
	s.stop()

	conn := newTestConn(t, port, WithConnectTimeout(500*time.Millisecond))

	err := conn.Open(context.Background())
	require.ErrorIs(err, ErrConnFailed)
	require.True(conn.State().IsDisconnected())
}

func TestConnection_Open_NotSpecServer(t *testing.T) {
	require := require.New(t)

	port := newGarbageServer(t, "HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n")
	conn := newTestConn(t, port)

	err := conn.Open(context.Background())
	require.ErrorIs(err, ErrNotSpecServer)
	require.True(conn.State().IsDisconnected())
}

func TestConnection_Open_HelloTimeoutAndRetry(t *testing.T) {
	require := require.New(t)

	ctx := context.Background()
	s := newTestServer(t)
	s.silenceHello(true)

	conn := newTestConn(t, s.port(), WithConnectTimeout(300*time.Millisecond))

	err := conn.Open(ctx)
	require.ErrorIs(err, ErrHelloFailed)
	require.True(conn.State().IsDisconnected())

	// a failed attempt must not poison the connection
	s.silenceHello(false)
	require.NoError(conn.Open(ctx))
	require.True(conn.State().IsConnected())
	require.Equal("spec_test", conn.ServerName())
}

func TestConnection_SubmitReply(t *testing.T) {
	require := require.New(t)

	ctx := context.Background()
	s := newTestServer(t)
	s.setVar("var/FOO", "41")

	conn := newTestConn(t, s.port())
	require.NoError(conn.Open(ctx))

	msg, err := sv.NewChanRead(0, "var/FOO")
	require.NoError(err)

	reply, err := conn.Submit(ctx, msg)
	require.NoError(err)
	require.NotNil(reply)

	// a serial number was assigned and the reply correlates to it
	require.NotZero(msg.SN)
	require.Equal(msg.SN, reply.SN)
	require.False(reply.IsError())

	value, err := reply.ToString()
	require.NoError(err)
	require.Equal("41", value)

	metrics := conn.GetMetrics()
	require.Equal(uint64(1), metrics.ReplyRecvCount.Load())
	require.Equal(uint64(0), metrics.OrphanReplyCount.Load())
	require.Equal(int64(0), metrics.InflightCount.Load())
	require.Positive(metrics.SendByteCount.Load())
	require.Positive(metrics.RecvByteCount.Load())
}

func TestConnection_ConcurrentSubmits(t *testing.T) {
	require := require.New(t)

	ctx := context.Background()
	s := newTestServer(t)

	const workers = 8

	// hold every reply until all requests arrived, then answer in reverse
	// order, so correlation cannot hide behind FIFO luck
	held := make([]uint32, 0, workers)
	commands := make(map[uint32]string, workers)
	s.setCommandHandler(func(sn uint32, command string) bool {
		held = append(held, sn)
		commands[sn] = command
		if len(held) == workers {
			for i := len(held) - 1; i >= 0; i-- {
				s.replyLocked(held[i], commands[held[i]])
			}
		}
		return true
	})

	conn := newTestConn(t, s.port())
	require.NoError(conn.Open(ctx))

	var wg sync.WaitGroup
	errs := make([]error, workers)
	values := make([]string, workers)

	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()

			reply, err := conn.Submit(ctx, sv.NewFuncWithReturn(0, fmt.Sprintf("echo %d", i)))
			if err != nil {
				errs[i] = err
				return
			}
			values[i], errs[i] = reply.ToString()
		}()
	}
	wg.Wait()

	// each submitter got exactly its own reply
	for i := 0; i < workers; i++ {
		require.NoError(errs[i])
		require.Equal(fmt.Sprintf("echo %d", i), values[i])
	}

	metrics := conn.GetMetrics()
	require.Equal(uint64(workers), metrics.ReplyRecvCount.Load())
	require.Equal(uint64(0), metrics.OrphanReplyCount.Load())
}

func TestConnection_ReplyTimeout(t *testing.T) {
	require := require.New(t)

	ctx := context.Background()
	s := newTestServer(t)

	conn := newTestConn(t, s.port(), WithReplyTimeout(200*time.Millisecond))
	require.NoError(conn.Open(ctx))

	s.silenceReads(true)

	msg, err := sv.NewChanRead(0, "var/FOO")
	require.NoError(err)

	begin := time.Now()
	reply, err := conn.Submit(ctx, msg)
	require.ErrorIs(err, ErrReplyTimeout)
	require.Nil(reply)
	require.WithinDuration(begin.Add(200*time.Millisecond), time.Now(), 150*time.Millisecond)

	// the connection survives a timed out request
	require.True(conn.State().IsConnected())
}

func TestConnection_OrphanReply(t *testing.T) {
	require := require.New(t)

	s := newTestServer(t)
	conn := newTestConn(t, s.port())
	require.NoError(conn.Open(context.Background()))

	stray, err := sv.NewStringReply(999999, "var/FOO", "1")
	require.NoError(err)
	s.sendMsg(stray)

	require.Eventually(func() bool {
		return conn.GetMetrics().OrphanReplyCount.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(uint64(0), conn.GetMetrics().ReplyRecvCount.Load())
}

func TestConnection_CloseUnblocksPendingSubmit(t *testing.T) {
	require := require.New(t)

	ctx := context.Background()
	s := newTestServer(t)

	conn := newTestConn(t, s.port(), WithReplyTimeout(10*time.Second))
	require.NoError(conn.Open(ctx))

	s.silenceReads(true)

	errCh := make(chan error, 1)
	go func() {
		msg, err := sv.NewChanRead(0, "var/FOO")
		if err != nil {
			errCh <- err
			return
		}
		_, err = conn.Submit(ctx, msg)
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(conn.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(err, ErrConnClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending submit not unblocked by Close")
	}
}

func TestConnection_ServerDisconnect(t *testing.T) {
	require := require.New(t)

	ctx := context.Background()
	s := newTestServer(t)

	conn := newTestConn(t, s.port())
	require.NoError(conn.Open(ctx))

	s.dropConn()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(conn.WaitState(waitCtx, ClosedState))

	msg, err := sv.NewChanRead(0, "var/FOO")
	require.NoError(err)
	_, err = conn.Submit(ctx, msg)
	require.ErrorIs(err, ErrConnClosed)

	// a dropped connection is terminal, like Close
	require.ErrorIs(conn.Open(ctx), ErrConnClosed)
}

func TestConnection_EventDispatch(t *testing.T) {
	require := require.New(t)

	ctx := context.Background()
	s := newTestServer(t)
	s.setVar("var/TEMP", "21.5")

	conn := newTestConn(t, s.port())
	require.NoError(conn.Open(ctx))

	events := make(chan string, 4)
	conn.registry.add("var/TEMP", func(msg *sv.Message) {
		if text, err := msg.ToString(); err == nil {
			events <- text
		}
	})

	reg, err := sv.NewRegister("var/TEMP")
	require.NoError(err)
	require.NoError(conn.Send(ctx, reg))

	// registering answers with the current value
	select {
	case got := <-events:
		require.Equal("21.5", got)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial event after register")
	}

	s.setVar("var/TEMP", "22")
	select {
	case got := <-events:
		require.Equal("22", got)
	case <-time.After(2 * time.Second):
		t.Fatal("no change event")
	}

	require.Equal(uint64(2), conn.GetMetrics().EventRecvCount.Load())
}

func TestConnection_UpdateConfigOptions(t *testing.T) {
	require := require.New(t)

	s := newTestServer(t)
	conn := newTestConn(t, s.port())

	require.NoError(conn.UpdateConfigOptions(WithReplyTimeout(1 * time.Second)))
	require.Equal(1*time.Second, conn.cfg.ReplyTimeout())

	// connection identity cannot change at runtime
	err := conn.UpdateConfigOptions(WithClientName("other"))
	require.Error(err)
	require.Contains(err.Error(), "runtime")
}

func TestConnection_NilConfig(t *testing.T) {
	conn, err := NewConnection(context.Background(), nil)
	require.ErrorIs(t, err, ErrConnConfigNil)
	require.Nil(t, conn)
}

func TestConnection_BigEndianServer(t *testing.T) {
	require := require.New(t)

	ctx := context.Background()
	s := newTestServer(t)
	s.setByteOrder(binary.BigEndian)
	s.setVar("var/FOO", "12.5")
	s.setTypedVar("var/M", matrixMessage(t, "var/M", [][]float64{{1, 2}, {3, 4}}, binary.BigEndian))

	conn := newTestConn(t, s.port())
	require.NoError(conn.Open(ctx))
	require.Equal("spec_test", conn.ServerName())

	msg, err := sv.NewChanRead(0, "var/FOO")
	require.NoError(err)
	reply, err := conn.Submit(ctx, msg)
	require.NoError(err)

	value, err := reply.ToFloat()
	require.NoError(err)
	require.InDelta(12.5, value, 1e-9)

	msg, err = sv.NewChanRead(0, "var/M")
	require.NoError(err)
	reply, err = conn.Submit(ctx, msg)
	require.NoError(err)

	matrix, err := reply.ToMatrix()
	require.NoError(err)
	require.Equal([][]float64{{1, 2}, {3, 4}}, matrix)
}
