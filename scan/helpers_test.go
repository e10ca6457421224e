package scan

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SEBv15/go-certifspec/spec"
	"github.com/SEBv15/go-certifspec/sv"
)

const awaitTimeout = 3 * time.Second

// scanServer is a trimmed-down in-process SPEC server for the adapter tests:
// hello handshake, string properties with registration events, scripted
// commands and an optional command hook.
type scanServer struct {
	t  testing.TB
	ln net.Listener

	mu         sync.Mutex
	conn       net.Conn
	svars      map[string]string
	results    map[string]string
	registered map[string]int
	onCommand  func(sn uint32, command string) bool

	sendCh  chan string
	abortCh chan struct{}

	wg sync.WaitGroup
}

func newScanServer(t testing.TB) *scanServer {
	require := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)

	s := &scanServer{
		t:  t,
		ln: ln,
		svars: map[string]string{
			"error":        "No error",
			"var/COUNTERS": "0",
		},
		results:    make(map[string]string),
		registered: make(map[string]int),
		sendCh:     make(chan string, 32),
		abortCh:    make(chan struct{}, 32),
	}

	s.wg.Add(1)
	go s.serve()

	t.Cleanup(s.stop)

	return s
}

func (s *scanServer) stop() {
	_ = s.ln.Close()

	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *scanServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *scanServer) serve() {
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

func (s *scanServer) handle(conn net.Conn) {
	reader := bufio.NewReader(conn)

	for {
		msg, err := readFrame(reader)
		if err != nil {
			_ = conn.Close()
			return
		}

		s.dispatch(conn, msg)
	}
}

// readFrame decodes one wire message from the stream.
func readFrame(reader *bufio.Reader) (*sv.Message, error) {
	hdr := make([]byte, sv.HeaderSize)
	if _, err := io.ReadFull(reader, hdr); err != nil {
		return nil, err
	}

	order, _, err := sv.DecodePreamble(hdr[:sv.PreambleSize])
	if err != nil {
		return nil, err
	}

	msg, bodyLen, err := sv.DecodeHeader(hdr, order)
	if err != nil {
		return nil, err
	}

	if bodyLen > 0 {
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(reader, body); err != nil {
			return nil, err
		}
		msg.Body = body
	}

	return msg, nil
}

func (s *scanServer) dispatch(conn net.Conn, msg *sv.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Cmd {
	case sv.CmdHello:
		reply, _ := sv.NewHelloReply(msg.SN, "scan_test")
		s.writeLocked(reply)

	case sv.CmdChanRead:
		if value, ok := s.svars[msg.Name]; ok {
			reply, _ := sv.NewStringReply(msg.SN, msg.Name, value)
			s.writeLocked(reply)
			return
		}
		reply, _ := sv.NewErrorReply(msg.SN, msg.Name, fmt.Sprintf("No such property: %q", msg.Name))
		s.writeLocked(reply)

	case sv.CmdChanSend:
		value, _ := msg.ToString()
		notifyString(s.sendCh, msg.Name+"="+value)
		s.setVarLocked(msg.Name, value)

	case sv.CmdRegister:
		s.registered[msg.Name]++
		if value, ok := s.svars[msg.Name]; ok {
			ev, _ := sv.NewStringEvent(msg.Name, value)
			s.writeLocked(ev)
		}

	case sv.CmdUnregister:
		if s.registered[msg.Name] > 0 {
			s.registered[msg.Name]--
		}

	case sv.CmdFuncWithReturn:
		command := strings.TrimSuffix(stringBody(msg), "\n")
		if s.onCommand != nil && s.onCommand(msg.SN, command) {
			return
		}

		result, ok := s.results[command]
		if !ok {
			reply, _ := sv.NewErrorReply(msg.SN, "", fmt.Sprintf("unknown command %q", command))
			s.writeLocked(reply)
			return
		}

		reply, _ := sv.NewStringReply(msg.SN, "", result)
		s.writeLocked(reply)

	case sv.CmdAbort:
		select {
		case s.abortCh <- struct{}{}:
		default:
		}

	case sv.CmdClose:
		_ = conn.Close()
	}
}

func stringBody(msg *sv.Message) string {
	text, _ := msg.ToString()
	return text
}

func (s *scanServer) setVarLocked(name string, value string) {
	s.svars[name] = value

	if s.registered[name] > 0 {
		ev, _ := sv.NewStringEvent(name, value)
		s.writeLocked(ev)
	}
}

func (s *scanServer) replyLocked(sn uint32, value string) {
	reply, _ := sv.NewStringReply(sn, "", value)
	s.writeLocked(reply)
}

func (s *scanServer) writeLocked(msg *sv.Message) {
	if s.conn == nil {
		return
	}
	_, _ = s.conn.Write(msg.Encode())
}

func (s *scanServer) setVar(name string, value string) {
	s.mu.Lock()
	s.setVarLocked(name, value)
	s.mu.Unlock()
}

func (s *scanServer) script(command string, result string) {
	s.mu.Lock()
	s.results[command] = result
	s.mu.Unlock()
}

func (s *scanServer) setCommandHandler(handler func(sn uint32, command string) bool) {
	s.mu.Lock()
	s.onCommand = handler
	s.mu.Unlock()
}

func (s *scanServer) value(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.svars[name]
}

func (s *scanServer) awaitSend(property string) string {
	s.t.Helper()

	deadline := time.After(awaitTimeout)
	prefix := property + "="
	for {
		select {
		case got := <-s.sendCh:
			if strings.HasPrefix(got, prefix) {
				return strings.TrimPrefix(got, prefix)
			}
		case <-deadline:
			s.t.Fatalf("no write to %q within %v", property, awaitTimeout)
			return ""
		}
	}
}

func (s *scanServer) awaitAbort() {
	s.t.Helper()

	select {
	case <-s.abortCh:
	case <-time.After(awaitTimeout):
		s.t.Fatalf("no abort within %v", awaitTimeout)
	}
}

func notifyString(ch chan string, v string) {
	select {
	case ch <- v:
	default:
	}
}

func (s *scanServer) seedMotor(mne string, position string) {
	props := map[string]string{
		"position":      position,
		"dial_position": position,
		"offset":        "0",
		"step_size":     "2000",
		"sign":          "1",
		"move_done":     "0",
		"unusable":      "0",
	}

	s.mu.Lock()
	for prop, value := range props {
		s.svars["motor/"+mne+"/"+prop] = value
	}
	s.mu.Unlock()
}

func connectScanClient(t testing.TB, s *scanServer) *spec.Client {
	t.Helper()

	client, err := spec.Connect(context.Background(), "127.0.0.1", s.port(),
		spec.WithConnectTimeout(1*time.Second),
		spec.WithReplyTimeout(2*time.Second),
		spec.WithErrorWindow(50*time.Millisecond),
		spec.WithSubscribeVerify(500*time.Millisecond),
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	return client
}
