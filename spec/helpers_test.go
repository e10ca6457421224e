package spec

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SEBv15/go-certifspec/sv"
)

const awaitTimeout = 3 * time.Second

// propWrite is one observed SV_CHAN_SEND.
type propWrite struct {
	property string
	value    string
}

// testServer is an in-process SPEC server good enough to exercise the client:
// it answers the hello handshake, serves scripted properties and commands,
// tracks event registrations and pushes change events.
//
// The scripting methods are safe to call from the test goroutine at any time.
// Methods with a Locked suffix expect the server lock to be held; they exist
// for command hooks, which run locked.
type testServer struct {
	t    testing.TB
	ln   net.Listener
	name string

	mu         sync.Mutex
	conn       net.Conn
	order      binary.ByteOrder
	svars      map[string]string      // property -> string value
	typedVars  map[string]*sv.Message // property -> typed body template
	results    map[string]string      // command -> reply text
	consoleOut map[string][]string    // command -> console events sent before the reply
	writeErrs  map[string]string      // property -> error text answered on writes
	registered map[string]int
	readCount  map[string]int
	regCount   map[string]int
	onCommand  func(sn uint32, command string) bool

	errOnBadRegister bool
	muteHello        bool
	muteReads        bool

	regCh   chan string
	unregCh chan string
	funcCh  chan string
	sendCh  chan propWrite
	abortCh chan struct{}

	wg sync.WaitGroup
}

func newTestServer(t testing.TB) *testServer {
	require := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)

	s := &testServer{
		t:     t,
		ln:    ln,
		name:  "spec_test",
		order: binary.LittleEndian,
		svars: map[string]string{
			"error":        "No error",
			"var/COUNTERS": "0",
		},
		typedVars:  make(map[string]*sv.Message),
		results:    make(map[string]string),
		consoleOut: make(map[string][]string),
		writeErrs:  make(map[string]string),
		registered: make(map[string]int),
		readCount:  make(map[string]int),
		regCount:   make(map[string]int),
		regCh:      make(chan string, 32),
		unregCh:    make(chan string, 32),
		funcCh:     make(chan string, 32),
		sendCh:     make(chan propWrite, 32),
		abortCh:    make(chan struct{}, 32),
	}

	s.wg.Add(1)
	go s.serve()

	t.Cleanup(s.stop)

	return s
}

func (s *testServer) stop() {
	_ = s.ln.Close()

	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *testServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// serve accepts one connection at a time; a new connection replaces the
// previous one, matching how the tests reconnect.
func (s *testServer) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.conn = conn
		s.registered = make(map[string]int)
		s.mu.Unlock()

		s.handle(conn)
	}
}

func (s *testServer) handle(conn net.Conn) {
	reader := newMessageReader(conn)
	preambleBuf := make([]byte, sv.PreambleSize)

	for {
		msg, err := reader.readMessage(preambleBuf)
		if err != nil {
			_ = conn.Close()
			return
		}

		s.dispatch(conn, msg)
	}
}

func (s *testServer) dispatch(conn net.Conn, msg *sv.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Cmd {
	case sv.CmdHello:
		if s.muteHello {
			return
		}
		reply, _ := sv.NewHelloReply(msg.SN, s.name)
		s.writeLocked(reply)

	case sv.CmdChanRead:
		s.readCount[msg.Name]++
		if s.muteReads {
			return
		}
		s.writeLocked(s.readReplyLocked(msg.SN, msg.Name))

	case sv.CmdChanSend:
		value, _ := msg.ToString()
		notify(s.sendCh, propWrite{property: msg.Name, value: value})

		if text, ok := s.writeErrs[msg.Name]; ok {
			reply, _ := sv.NewErrorReply(msg.SN, msg.Name, text)
			s.writeLocked(reply)
			return
		}

		s.setVarLocked(msg.Name, value)

	case sv.CmdRegister:
		s.registered[msg.Name]++
		s.regCount[msg.Name]++
		notify(s.regCh, msg.Name)
		s.pushInitialEventLocked(msg.Name)

	case sv.CmdUnregister:
		if s.registered[msg.Name] > 0 {
			s.registered[msg.Name]--
		}
		notify(s.unregCh, msg.Name)

	case sv.CmdFunc:
		command, _ := msg.ToString()
		command = strings.TrimSuffix(command, "\n")
		notify(s.funcCh, command)
		s.runCommandLocked(0, command)

	case sv.CmdFuncWithReturn:
		command, _ := msg.ToString()
		s.runCommandLocked(msg.SN, strings.TrimSuffix(command, "\n"))

	case sv.CmdAbort:
		notify(s.abortCh, struct{}{})

	case sv.CmdClose:
		_ = conn.Close()
	}
}

func (s *testServer) readReplyLocked(sn uint32, name string) *sv.Message {
	if tmpl, ok := s.typedVars[name]; ok {
		reply, _ := sv.NewReply(sn, name, tmpl.Type, tmpl.Body)
		reply.Rows = tmpl.Rows
		reply.Cols = tmpl.Cols
		return reply
	}

	if value, ok := s.svars[name]; ok {
		reply, _ := sv.NewStringReply(sn, name, value)
		return reply
	}

	reply, _ := sv.NewErrorReply(sn, name, fmt.Sprintf("No such property: %q", name))
	return reply
}

// pushInitialEventLocked answers a registration the way the server does:
// a known property gets an event carrying its current value, an unknown one
// either a report on the error channel or silence.
func (s *testServer) pushInitialEventLocked(name string) {
	if tmpl, ok := s.typedVars[name]; ok {
		ev, _ := sv.NewEvent(name, tmpl.Type, tmpl.Body)
		ev.Rows = tmpl.Rows
		ev.Cols = tmpl.Cols
		s.writeLocked(ev)
		return
	}

	if value, ok := s.svars[name]; ok {
		ev, _ := sv.NewStringEvent(name, value)
		s.writeLocked(ev)
		return
	}

	if s.errOnBadRegister {
		ev, _ := sv.NewStringEvent("error", fmt.Sprintf("Cannot register %q", name))
		s.writeLocked(ev)
	}
}

func (s *testServer) runCommandLocked(sn uint32, command string) {
	if s.onCommand != nil && s.onCommand(sn, command) {
		return
	}

	for _, line := range s.consoleOut[command] {
		ev, _ := sv.NewStringEvent("output/tty", line)
		s.writeLocked(ev)
	}

	if sn == 0 {
		return
	}

	result, ok := s.results[command]
	if !ok {
		reply, _ := sv.NewErrorReply(sn, "", fmt.Sprintf("unknown command %q", command))
		s.writeLocked(reply)
		return
	}

	reply, _ := sv.NewStringReply(sn, "", result)
	s.writeLocked(reply)
}

// setVarLocked stores a value and notifies registered watchers.
func (s *testServer) setVarLocked(name string, value string) {
	s.svars[name] = value

	if s.registered[name] > 0 {
		ev, _ := sv.NewStringEvent(name, value)
		s.writeLocked(ev)
	}
}

func (s *testServer) replyLocked(sn uint32, value string) {
	reply, _ := sv.NewStringReply(sn, "", value)
	s.writeLocked(reply)
}

func (s *testServer) writeLocked(msg *sv.Message) {
	if s.conn == nil {
		return
	}

	var buf []byte
	if s.order == binary.LittleEndian {
		buf = msg.Encode()
	} else {
		buf = encodeOrder(msg, s.order)
	}

	_, _ = s.conn.Write(buf)
}

// scripting surface, test goroutine side

func (s *testServer) setByteOrder(order binary.ByteOrder) {
	s.mu.Lock()
	s.order = order
	s.mu.Unlock()
}

func (s *testServer) script(command string, result string) {
	s.mu.Lock()
	s.results[command] = result
	s.mu.Unlock()
}

func (s *testServer) scriptConsole(command string, result string, console ...string) {
	s.mu.Lock()
	s.results[command] = result
	s.consoleOut[command] = console
	s.mu.Unlock()
}

func (s *testServer) setCommandHandler(handler func(sn uint32, command string) bool) {
	s.mu.Lock()
	s.onCommand = handler
	s.mu.Unlock()
}

func (s *testServer) setVar(name string, value string) {
	s.mu.Lock()
	s.setVarLocked(name, value)
	s.mu.Unlock()
}

func (s *testServer) setTypedVar(name string, tmpl *sv.Message) {
	s.mu.Lock()
	s.typedVars[name] = tmpl
	s.mu.Unlock()
}

func (s *testServer) failWrites(property string, errText string) {
	s.mu.Lock()
	s.writeErrs[property] = errText
	s.mu.Unlock()
}

func (s *testServer) failRegisters(enable bool) {
	s.mu.Lock()
	s.errOnBadRegister = enable
	s.mu.Unlock()
}

func (s *testServer) silenceHello(enable bool) {
	s.mu.Lock()
	s.muteHello = enable
	s.mu.Unlock()
}

func (s *testServer) silenceReads(enable bool) {
	s.mu.Lock()
	s.muteReads = enable
	s.mu.Unlock()
}

func (s *testServer) sendEvent(name string, value string) {
	ev, err := sv.NewStringEvent(name, value)
	require.NoError(s.t, err)
	s.sendMsg(ev)
}

func (s *testServer) sendMsg(msg *sv.Message) {
	s.mu.Lock()
	s.writeLocked(msg)
	s.mu.Unlock()
}

func (s *testServer) dropConn() {
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
}

func (s *testServer) reads(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readCount[name]
}

func (s *testServer) registers(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regCount[name]
}

func (s *testServer) value(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.svars[name]
}

// await helpers; each scans its channel until the wanted entry arrives so
// unrelated traffic from the session setup does not disturb a test.

func (s *testServer) awaitRegister(name string) {
	s.t.Helper()
	awaitName(s.t, s.regCh, name, "register")
}

func (s *testServer) awaitUnregister(name string) {
	s.t.Helper()
	awaitName(s.t, s.unregCh, name, "unregister")
}

func (s *testServer) awaitFunc(command string) {
	s.t.Helper()
	awaitName(s.t, s.funcCh, command, "async command")
}

func (s *testServer) awaitSend(property string) string {
	s.t.Helper()

	deadline := time.After(awaitTimeout)
	for {
		select {
		case w := <-s.sendCh:
			if w.property == property {
				return w.value
			}
		case <-deadline:
			s.t.Fatalf("no write to %q within %v", property, awaitTimeout)
			return ""
		}
	}
}

func (s *testServer) awaitAbort() {
	s.t.Helper()

	select {
	case <-s.abortCh:
	case <-time.After(awaitTimeout):
		s.t.Fatalf("no abort within %v", awaitTimeout)
	}
}

func awaitName(t testing.TB, ch chan string, want string, what string) {
	t.Helper()

	deadline := time.After(awaitTimeout)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("no %s for %q within %v", what, want, awaitTimeout)
			return
		}
	}
}

func notify[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// seedMotor populates the property set a SPEC server exposes for a motor.
func (s *testServer) seedMotor(mne string, position float64) {
	pos := formatFloat(position)
	props := map[string]string{
		"position":       pos,
		"dial_position":  pos,
		"offset":         "0",
		"step_size":      "2000",
		"sign":           "1",
		"move_done":      "0",
		"high_lim_hit":   "0",
		"low_lim_hit":    "0",
		"emergency_stop": "0",
		"motor_fault":    "0",
		"unusable":       "0",
		"high_limit":     "1000",
		"low_limit":      "-1000",
		"base_rate":      "200",
		"slew_rate":      "2000",
		"acceleration":   "125",
		"backlash":       "0",
	}

	s.mu.Lock()
	for prop, value := range props {
		s.svars[motorProperty(mne, prop)] = value
	}
	s.mu.Unlock()
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%g", v)
}

// matrixMessage builds a TypeArrDouble body template with the given byte
// order, the form the server uses for data array reads and events.
func matrixMessage(t testing.TB, name string, values [][]float64, order binary.ByteOrder) *sv.Message {
	t.Helper()

	rows := len(values)
	cols := len(values[0])

	body := make([]byte, 0, rows*cols*8)
	for _, row := range values {
		require.Len(t, row, cols)
		for _, v := range row {
			var elem [8]byte
			order.PutUint64(elem[:], math.Float64bits(v))
			body = append(body, elem[:]...)
		}
	}

	msg, err := sv.NewEvent(name, sv.TypeArrDouble, body)
	require.NoError(t, err)
	msg.Rows = uint32(rows)
	msg.Cols = uint32(cols)

	return msg
}

// assocMessage builds a TypeAssoc body template: NUL-terminated key/value
// pairs with the trailing empty pair.
func assocMessage(t testing.TB, name string, pairs map[string]string) *sv.Message {
	t.Helper()

	var sb strings.Builder
	for k, v := range pairs {
		sb.WriteString(k)
		sb.WriteByte(0)
		sb.WriteString(v)
		sb.WriteByte(0)
	}
	sb.WriteByte(0)

	msg, err := sv.NewEvent(name, sv.TypeAssoc, []byte(sb.String()))
	require.NoError(t, err)

	return msg
}

// encodeOrder mirrors Message.Encode with an explicit byte order, standing in
// for a server on a foreign-endian host.
func encodeOrder(msg *sv.Message, order binary.ByteOrder) []byte {
	buf := make([]byte, sv.HeaderSize, sv.HeaderSize+len(msg.Body))

	order.PutUint32(buf[0:], sv.Magic)
	order.PutUint32(buf[4:], uint32(sv.Version))
	order.PutUint32(buf[8:], sv.HeaderSize)
	order.PutUint32(buf[12:], msg.SN)
	order.PutUint32(buf[16:], msg.Sec)
	order.PutUint32(buf[20:], msg.Usec)
	order.PutUint32(buf[24:], uint32(msg.Cmd))
	order.PutUint32(buf[28:], uint32(msg.Type))
	order.PutUint32(buf[32:], msg.Rows)
	order.PutUint32(buf[36:], msg.Cols)
	order.PutUint32(buf[40:], uint32(len(msg.Body)))
	order.PutUint32(buf[44:], uint32(msg.Err))
	order.PutUint32(buf[48:], uint32(msg.Flags))
	copy(buf[52:52+sv.NameLen], msg.Name)

	return append(buf, msg.Body...)
}

// newGarbageServer listens and answers every connection with a banner that is
// not a SPEC header.
func newGarbageServer(t testing.TB, banner string) int {
	require := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = conn.Write([]byte(banner))
			_ = conn.Close()
		}
	}()

	t.Cleanup(func() { _ = ln.Close() })

	return ln.Addr().(*net.TCPAddr).Port
}

// testClientOpts returns client options with timeouts sized for tests.
func testClientOpts(extra ...ConnOption) []ConnOption {
	opts := []ConnOption{
		WithConnectTimeout(1 * time.Second),
		WithReplyTimeout(2 * time.Second),
		WithErrorWindow(50 * time.Millisecond),
		WithSubscribeVerify(500 * time.Millisecond),
		WithCloseConnTimeout(2 * time.Second),
	}

	return append(opts, extra...)
}

func connectTestClient(t testing.TB, s *testServer, extra ...ConnOption) *Client {
	t.Helper()

	client, err := Connect(context.Background(), "127.0.0.1", s.port(), testClientOpts(extra...)...)
	require.NoError(t, err)
	require.NotNil(t, client)

	t.Cleanup(func() { _ = client.Close() })

	return client
}
