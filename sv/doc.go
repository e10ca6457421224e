// Package sv implements the wire model of the SPEC server protocol (protocol
// version 4) used by SPEC instrument-control servers from Certified Scientific
// Software.
//
// Every protocol message is a fixed 132-byte header followed by an optional
// body. The header carries a command code, a body data type, an array shape,
// a serial number used for request/reply correlation, and an 80-byte property
// name. Integers travel in the byte order of the sending host; the receiver
// detects a foreign order from the magic field and byte-swaps the header and
// any numeric body data.
//
// The package provides:
//   - Message: the decoded/encodable protocol message with typed body
//     accessors (String, Float64, Assoc, Matrix, ...).
//   - Command and DataType enums with readable names for logs.
//   - Constructors for every client-side command and for the server-side
//     replies and events needed by tests and tooling.
//   - GenerateSN: a process-wide serial number generator. Serial number 0 is
//     reserved for messages that expect no reply; server events always carry 0.
package sv
