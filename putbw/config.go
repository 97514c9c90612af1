// Package putbw measures the bandwidth of one-sided puts between two PEs as a
// function of message size. PE 0 is the coordinator: it issues every timed
// put and is the only PE that writes output.
package putbw

import (
	"github.com/pkg/errors"
)

const (
	BenchmarkName = "OSU OpenSHMEM Put Bandwidth Test"
	Version       = "7.4"

	// Alignment of the send and receive buffers in bytes.
	Alignment = 64
	// MaxMsgSize is the largest message size of the default sweep.
	MaxMsgSize = 1 << 20
	// LargeMessageSize is the threshold above which the large message
	// iteration counts apply.
	LargeMessageSize = 8192

	FieldWidth     = 20
	SizeWidth      = 10
	FloatPrecision = 2

	// Coordinator is the PE that times the transfers and reports them.
	Coordinator = 0
	// Peer is the target of every put.
	Peer = 1
	// RequiredPEs is the only supported number of participants.
	RequiredPEs = 2
)

// Iteration counts used for small and large messages.
var (
	SmallIterations = Iterations{Skip: 1000, Loop: 10000}
	LargeIterations = Iterations{Skip: 0, Loop: 100}
)

var (
	ErrPeerCount = errors.New("This test requires exactly two processes")
	ErrUsage     = errors.New("invalid arguments")
)

// Mode selects where the send and receive buffers live.
type Mode int

const (
	// GlobalStatic carves the buffers out of the static symmetric region.
	GlobalStatic Mode = iota
	// SymmetricHeap allocates the buffers from the symmetric heap.
	SymmetricHeap
)

func (m Mode) String() string {
	switch m {
	case GlobalStatic:
		return "global"
	case SymmetricHeap:
		return "heap"
	}
	return "unknown"
}

// ParseMode parses the command line spelling of a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "global":
		return GlobalStatic, nil
	case "heap":
		return SymmetricHeap, nil
	}
	return 0, errors.Wrapf(ErrUsage, "unknown mode %q", s)
}
