package spec

import (
	"bytes"
	"sync"

	"github.com/SEBv15/go-certifspec/sv"
)

// consoleBufferCap is the number of terminal output bytes the client retains.
// Older output is dropped first.
const consoleBufferCap = 10000

// specPrompt is the interactive prompt the server prints after a command
// finishes. It is noise in captured output and gets stripped.
var specPrompt = []byte("SPEC> ")

// consoleBuffer accumulates the terminal output the server mirrors on the
// output/tty property while commands execute.
//
// Run resets the buffer before submitting a command and snapshots it when
// the reply arrives, so the captured output belongs to that command as long
// as commands do not run concurrently.
type consoleBuffer struct {
	mu  sync.Mutex
	buf []byte
}

// onEvent appends an output/tty event to the buffer. Registered as the event
// callback for the output/tty property.
func (b *consoleBuffer) onEvent(msg *sv.Message) {
	text, err := msg.ToString()
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, text...)
	b.buf = bytes.TrimSuffix(b.buf, specPrompt)

	if len(b.buf) > consoleBufferCap {
		b.buf = b.buf[len(b.buf)-consoleBufferCap:]
	}
}

// String returns the buffered output.
func (b *consoleBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// reset clears the buffer.
func (b *consoleBuffer) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = b.buf[:0]
}
