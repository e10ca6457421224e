package sv

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"
)

// snGenerator is a singleton that generates serial numbers for protocol
// messages.
//
// It uses a cryptographically secure random number generator to initialize the
// starting value and atomically increments it to ensure uniqueness in
// concurrent environments. Serial number 0 is reserved for messages that
// expect no reply, so the generator never returns it.
type snGenerator struct {
	sn atomic.Uint32
}

func newSNGenerator() *snGenerator {
	inst := &snGenerator{}
	var buf [4]byte
	_, err := io.ReadFull(rand.Reader, buf[:])
	if err != nil {
		return inst
	}
	inst.sn.Store(binary.LittleEndian.Uint32(buf[:]))
	return inst
}

func (g *snGenerator) genSN() uint32 {
	sn := g.sn.Add(1)
	if sn == 0 {
		sn = g.sn.Add(1)
	}
	return sn
}

var (
	genInst = &snGenerator{}
	once    sync.Once
)

func getSNGenerator() *snGenerator {
	once.Do(func() {
		genInst = newSNGenerator()
	})
	return genInst
}

// GenerateSN returns a process-unique, non-zero serial number.
func GenerateSN() uint32 {
	return getSNGenerator().genSN()
}
