package spec

import "errors"

// Connection lifecycle errors.
var (
	// ErrConnConfigNil indicates that a nil connection config was supplied.
	ErrConnConfigNil = errors.New("connection config is nil")
	// ErrConnFailed indicates that the TCP connection could not be established.
	ErrConnFailed = errors.New("unable to establish connection")
	// ErrHelloFailed indicates that the server did not answer the hello
	// handshake with a valid reply.
	ErrHelloFailed = errors.New("hello handshake failed")
	// ErrNotSpecServer indicates that the remote end answered the hello
	// handshake with something other than a SPEC server identification.
	ErrNotSpecServer = errors.New("remote is not a SPEC server")
	// ErrNoServerFound indicates that no SPEC server answered on any port in
	// the scanned range.
	ErrNoServerFound = errors.New("no SPEC server found in port range")
	// ErrConnClosed indicates that the connection is closed or failed while
	// the operation was in flight.
	ErrConnClosed = errors.New("connection closed")
	// ErrInvalidTransition indicates a connection state change that is not
	// allowed from the current state.
	ErrInvalidTransition = errors.New("invalid connection state transition")
)

// Request/reply errors.
var (
	// ErrReplyTimeout indicates that no reply arrived within the reply
	// timeout.
	ErrReplyTimeout = errors.New("timeout waiting for reply")
	// ErrCommandFailed indicates that the server answered with an error
	// reply. It is always wrapped together with the server's error text.
	ErrCommandFailed = errors.New("command failed")
	// ErrSendBufferFull indicates that the outbound queue did not accept the
	// message in time.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Property and façade errors.
var (
	// ErrPropertyNotFound indicates that the server holds no property with
	// the requested name.
	ErrPropertyNotFound = errors.New("property not found")
	// ErrIndexOutOfRange indicates an array element access outside the
	// array's current shape.
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrMotorNotFound indicates that the server has no motor with the
	// requested mnemonic.
	ErrMotorNotFound = errors.New("motor not found")
	// ErrReadOnly indicates a write to a motor property the server computes
	// itself.
	ErrReadOnly = errors.New("property is read-only")
	// ErrSubscriptionClosed indicates an operation on a subscription that
	// has already been cancelled.
	ErrSubscriptionClosed = errors.New("subscription already cancelled")
)
