package sv

import "errors"

var (
	// ErrInvalidMagic indicates that a header does not start with the protocol
	// magic number in either byte order. Framing cannot be recovered after
	// this error.
	ErrInvalidMagic = errors.New("invalid magic number")

	// ErrUnsupportedVersion indicates that the peer speaks a protocol version
	// older than 4.
	ErrUnsupportedVersion = errors.New("unsupported protocol version, need at least 4")

	// ErrHeaderTooShort indicates that a header declares a size smaller than
	// the fixed 132-byte layout.
	ErrHeaderTooShort = errors.New("header size smaller than 132 bytes")

	// ErrBodyTooLarge indicates that a header declares a body length above the
	// configured limit.
	ErrBodyTooLarge = errors.New("body length exceeds limit")

	// ErrNameTooLong indicates that a property name does not fit the 80-byte
	// header field with its NUL terminator.
	ErrNameTooLong = errors.New("property name longer than 79 bytes")
)

var (
	// ErrTypeMismatch indicates that a body cannot be viewed as the requested
	// data type. No coercion is attempted.
	ErrTypeMismatch = errors.New("data type mismatch")

	// ErrNotArray indicates that an array view was requested of a non-array
	// body.
	ErrNotArray = errors.New("body is not an array")

	// ErrShapeMismatch indicates that the body length does not match the
	// rows/cols declared in the header.
	ErrShapeMismatch = errors.New("body length does not match declared shape")

	// ErrMalformedAssoc indicates that an associative array body is not a
	// well-formed NUL-separated key/value sequence.
	ErrMalformedAssoc = errors.New("malformed associative array body")
)
