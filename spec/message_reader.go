package spec

import (
	"bufio"
	"fmt"
	"io"

	"github.com/SEBv15/go-certifspec/sv"
)

// maxBodyLen bounds the body allocation for a single message. Detector
// images stay comfortably below it; a corrupt length field would otherwise
// make the receiver allocate gigabytes.
const maxBodyLen = 64 << 20

// messageReader decodes protocol messages from a buffered stream.
// It keeps a fixed-size header scratch buffer across reads so the hot path
// allocates nothing beyond the message body itself.
type messageReader struct {
	reader *bufio.Reader
	hdrBuf [sv.HeaderSize]byte
}

func newMessageReader(r io.Reader) *messageReader {
	return &messageReader{reader: bufio.NewReader(r)}
}

// readMessage reads one complete message from the stream. preambleBuf must be
// sv.PreambleSize bytes; it is the scratch buffer handed in by the receiver
// task.
//
// A header declaring a size beyond the version-4 layout is accepted; the
// unknown trailing header bytes are read and discarded.
func (mr *messageReader) readMessage(preambleBuf []byte) (*sv.Message, error) {
	if _, err := io.ReadFull(mr.reader, preambleBuf); err != nil {
		return nil, err
	}

	order, hdrSize, err := sv.DecodePreamble(preambleBuf)
	if err != nil {
		return nil, err
	}

	copy(mr.hdrBuf[:sv.PreambleSize], preambleBuf)
	if _, err := io.ReadFull(mr.reader, mr.hdrBuf[sv.PreambleSize:]); err != nil {
		return nil, err
	}

	if extra := int64(hdrSize) - sv.HeaderSize; extra > 0 {
		if _, err := io.CopyN(io.Discard, mr.reader, extra); err != nil {
			return nil, err
		}
	}

	msg, bodyLen, err := sv.DecodeHeader(mr.hdrBuf[:], order)
	if err != nil {
		return nil, err
	}

	if bodyLen > maxBodyLen {
		return nil, fmt.Errorf("%w: %d bytes", sv.ErrBodyTooLarge, bodyLen)
	}

	if bodyLen > 0 {
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(mr.reader, body); err != nil {
			return nil, err
		}
		msg.Body = body
	}

	return msg, nil
}
