package httpconn

import (
	"sync/atomic"
)

const connIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUV"

// ConnectionIDGenerator hands out 13 character base-32 connection ids for
// log correlation. Each Server owns one; there is no process-wide counter.
type ConnectionIDGenerator struct {
	last atomic.Uint64
}

// NewConnectionIDGenerator starts the sequence after seed. Seeding with the
// current time keeps ids distinct across restarts.
func NewConnectionIDGenerator(seed uint64) *ConnectionIDGenerator {
	g := &ConnectionIDGenerator{}
	g.last.Store(seed)
	return g
}

func (g *ConnectionIDGenerator) Next() string {
	return encodeConnectionID(g.last.Add(1))
}

func encodeConnectionID(id uint64) string {
	var b [13]byte
	for i := len(b) - 1; i >= 0; i-- {
		b[i] = connIDAlphabet[id&31]
		id >>= 5
	}
	return string(b[:])
}
