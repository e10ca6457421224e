package sv

import (
	"encoding/binary"
	"strings"
	"time"
)

// Framing constants of the SPEC server protocol.
const (
	// Magic opens every header. A peer running on a foreign-endian host sends
	// it byte-swapped; DecodePreamble uses that to detect the peer's order.
	Magic uint32 = 4277009102 // 0xFEEDFACE

	// Version is the protocol version this library speaks. Peers must report
	// at least version 4.
	Version int32 = 4

	// HeaderSize is the fixed header size in bytes for protocol version 4.
	// A peer may declare a larger size; the bytes beyond the fixed layout are
	// read and discarded.
	HeaderSize = 132

	// PreambleSize is the size of the header prefix (magic, version, size)
	// that DecodePreamble needs to determine byte order and header length.
	PreambleSize = 12

	// NameLen is the size of the header name field. Names are NUL terminated,
	// leaving at most 79 usable bytes.
	NameLen = 80
)

// FlagDeleted is set on events reporting that a watched property or
// associative array element was deleted.
const FlagDeleted int32 = 0x1000

// Message represents one SPEC server protocol message: the fixed 132-byte
// header plus its body.
//
// Outbound messages are built with the New* constructors, which validate the
// property name and stamp the send time. Inbound messages are produced by
// DecodeHeader and remember the byte order the peer used; the typed body
// accessors in value.go honor it.
type Message struct {
	SN    uint32   // serial number; 0 on events and fire-and-forget sends
	Sec   uint32   // send time, seconds since epoch
	Usec  uint32   // send time, sub-second microseconds
	Cmd   Command  // command code
	Type  DataType // body data type
	Rows  uint32   // array rows, 0 for scalars
	Cols  uint32   // array cols, 0 for scalars
	Err   int32    // nonzero on server-side error
	Flags int32    // flag bits, see FlagDeleted
	Name  string   // property name, at most 79 bytes
	Body  []byte   // raw body bytes

	order binary.ByteOrder
}

func newMessage(cmd Command, sn uint32, typ DataType, name string, body []byte) *Message {
	now := time.Now()
	return &Message{
		SN:   sn,
		Sec:  uint32(now.Unix()),
		Usec: uint32(now.Nanosecond() / 1000),
		Cmd:  cmd,
		Type: typ,
		Name: name,
		Body: body,
	}
}

func checkName(name string) error {
	if len(name) >= NameLen {
		return ErrNameTooLong
	}
	return nil
}

// NewHello creates the handshake message sent right after dialing. clientName
// identifies this client to the server and travels in the header name field.
func NewHello(sn uint32, clientName string) (*Message, error) {
	if err := checkName(clientName); err != nil {
		return nil, err
	}
	return newMessage(CmdHello, sn, 0, clientName, nil), nil
}

// NewHelloReply creates the server's answer to a hello message. It is used by
// in-process test servers.
func NewHelloReply(sn uint32, serverName string) (*Message, error) {
	if err := checkName(serverName); err != nil {
		return nil, err
	}
	return newMessage(CmdHelloReply, sn, 0, serverName, nil), nil
}

// NewFunc creates a fire-and-forget command execution message. The command
// string is newline terminated for the server's parser if it isn't already.
func NewFunc(command string) *Message {
	return newMessage(CmdFunc, 0, TypeString, "", commandBody(command))
}

// NewFuncWithReturn creates a command execution message whose reply will
// carry the given serial number.
func NewFuncWithReturn(sn uint32, command string) *Message {
	return newMessage(CmdFuncWithReturn, sn, TypeString, "", commandBody(command))
}

// NewChanRead creates a property read message. The reply carries the given
// serial number.
func NewChanRead(sn uint32, property string) (*Message, error) {
	if err := checkName(property); err != nil {
		return nil, err
	}
	return newMessage(CmdChanRead, sn, 0, property, nil), nil
}

// NewChanSend creates a property write message. The server only answers when
// the write fails, so sn matters solely for callers that wait out an error
// window; pass 0 when no error check is wanted.
//
// The server accepts only string-typed property writes; format numeric
// values with strconv before calling.
func NewChanSend(sn uint32, property string, value string) (*Message, error) {
	if err := checkName(property); err != nil {
		return nil, err
	}
	return newMessage(CmdChanSend, sn, TypeString, property, []byte(value)), nil
}

// NewRegister creates an event subscription message for the property.
func NewRegister(property string) (*Message, error) {
	if err := checkName(property); err != nil {
		return nil, err
	}
	return newMessage(CmdRegister, 0, 0, property, nil), nil
}

// NewUnregister creates an event unsubscription message for the property.
func NewUnregister(property string) (*Message, error) {
	if err := checkName(property); err != nil {
		return nil, err
	}
	return newMessage(CmdUnregister, 0, 0, property, nil), nil
}

// NewAbort creates a message that stops all commands running on the server.
func NewAbort() *Message {
	return newMessage(CmdAbort, 0, 0, "", nil)
}

// NewClose creates the connection teardown message.
func NewClose() *Message {
	return newMessage(CmdClose, 0, 0, "", nil)
}

// NewReply creates a serial-number correlated reply. It is used by in-process
// test servers.
func NewReply(sn uint32, name string, typ DataType, body []byte) (*Message, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	return newMessage(CmdReply, sn, typ, name, body), nil
}

// NewStringReply creates a reply with a NUL-terminated string body, the form
// the server uses for scalar property reads and command returns.
func NewStringReply(sn uint32, name string, value string) (*Message, error) {
	return NewReply(sn, name, TypeString, stringBody(value))
}

// NewErrorReply creates a reply of TypeError carrying the error text.
func NewErrorReply(sn uint32, name string, text string) (*Message, error) {
	msg, err := NewReply(sn, name, TypeError, stringBody(text))
	if err != nil {
		return nil, err
	}
	msg.Err = 1
	return msg, nil
}

// NewEvent creates an unsolicited property change event. Events carry no
// serial number; they are addressed purely by name.
func NewEvent(name string, typ DataType, body []byte) (*Message, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	return newMessage(CmdEvent, 0, typ, name, body), nil
}

// NewStringEvent creates an event with a NUL-terminated string body.
func NewStringEvent(name string, value string) (*Message, error) {
	return NewEvent(name, TypeString, stringBody(value))
}

// commandBody ensures the trailing newline the server's command parser
// requires.
func commandBody(command string) []byte {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	return []byte(command)
}

// stringBody appends the NUL terminator the server sends on string bodies.
func stringBody(s string) []byte {
	return append([]byte(s), 0)
}

// ByteOrder returns the byte order of the message's numeric body data:
// the order the peer used for inbound messages, little-endian otherwise.
func (msg *Message) ByteOrder() binary.ByteOrder {
	if msg.order != nil {
		return msg.order
	}
	return binary.LittleEndian
}

// IsError reports whether the message signals a server-side failure, either
// through a TypeError body or a nonzero header err field.
func (msg *Message) IsError() bool {
	return msg.Type == TypeError || msg.Err != 0
}

// Deleted reports whether the message announces deletion of the watched
// property.
func (msg *Message) Deleted() bool {
	return msg.Flags&FlagDeleted != 0
}

// Encode returns the wire representation of the message: the 132-byte header
// followed by the body. Integers are encoded little-endian; the receiving
// side byte-swaps for itself when its native order differs.
func (msg *Message) Encode() []byte {
	buf := make([]byte, HeaderSize, HeaderSize+len(msg.Body))
	le := binary.LittleEndian

	le.PutUint32(buf[0:], Magic)
	le.PutUint32(buf[4:], uint32(Version))
	le.PutUint32(buf[8:], HeaderSize)
	le.PutUint32(buf[12:], msg.SN)
	le.PutUint32(buf[16:], msg.Sec)
	le.PutUint32(buf[20:], msg.Usec)
	le.PutUint32(buf[24:], uint32(msg.Cmd))
	le.PutUint32(buf[28:], uint32(msg.Type))
	le.PutUint32(buf[32:], msg.Rows)
	le.PutUint32(buf[36:], msg.Cols)
	le.PutUint32(buf[40:], uint32(len(msg.Body)))
	le.PutUint32(buf[44:], uint32(msg.Err))
	le.PutUint32(buf[48:], uint32(msg.Flags))
	copy(buf[52:52+NameLen], msg.Name)

	return append(buf, msg.Body...)
}

// DecodePreamble inspects the first 12 header bytes (magic, version, size).
// It detects the peer's byte order from the magic field and returns it along
// with the declared header size.
func DecodePreamble(b []byte) (binary.ByteOrder, uint32, error) {
	if len(b) < PreambleSize {
		return nil, 0, ErrHeaderTooShort
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(b[0:4]) == Magic:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(b[0:4]) == Magic:
		order = binary.BigEndian
	default:
		return nil, 0, ErrInvalidMagic
	}

	if int32(order.Uint32(b[4:8])) < Version {
		return nil, 0, ErrUnsupportedVersion
	}

	size := order.Uint32(b[8:12])
	if size < HeaderSize {
		return nil, 0, ErrHeaderTooShort
	}

	return order, size, nil
}

// DecodeHeader parses a complete fixed header previously vetted by
// DecodePreamble. It returns the message with all header fields populated and
// the body length still to be read from the wire.
func DecodeHeader(b []byte, order binary.ByteOrder) (*Message, uint32, error) {
	if len(b) < HeaderSize {
		return nil, 0, ErrHeaderTooShort
	}

	msg := &Message{
		SN:    order.Uint32(b[12:]),
		Sec:   order.Uint32(b[16:]),
		Usec:  order.Uint32(b[20:]),
		Cmd:   Command(int32(order.Uint32(b[24:]))),
		Type:  DataType(int32(order.Uint32(b[28:]))),
		Rows:  order.Uint32(b[32:]),
		Cols:  order.Uint32(b[36:]),
		Err:   int32(order.Uint32(b[44:])),
		Flags: int32(order.Uint32(b[48:])),
		Name:  strings.TrimRight(string(b[52:52+NameLen]), "\x00"),
		order: order,
	}

	bodyLen := order.Uint32(b[40:])

	return msg, bodyLen, nil
}
