package putbw

import (
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/btracey/shmem"
	db "github.com/btracey/shmem/internal/debug"
)

var ErrStaticTooSmall = errors.New("static symmetric region too small for the buffers")

// Buffer is an aligned region of symmetric memory usable for the whole run.
type Buffer struct {
	Addr   shmem.Addr
	Size   int
	Origin Mode

	raw shmem.Addr
}

// Buffers holds the send and receive buffers of a run.
type Buffers struct {
	Send Buffer
	Recv Buffer

	sh       shmem.Shmem
	mode     Mode
	released bool
}

// RawSize is the number of bytes reserved per buffer so that an aligned
// region of capacity bytes always fits.
func RawSize(capacity int) int {
	return capacity + Alignment - 1
}

// NewBuffers reserves the send and receive buffers of capacity bytes each. In
// GlobalStatic mode they are carved out of the static region without any
// allocation call; in SymmetricHeap mode they come from Malloc and must be
// returned with Release.
func NewBuffers(sh shmem.Shmem, mode Mode, capacity int) (*Buffers, error) {
	if capacity <= 0 {
		return nil, errors.Errorf("bad buffer capacity %d", capacity)
	}
	raw := RawSize(capacity)
	var sraw, rraw shmem.Addr
	switch mode {
	case GlobalStatic:
		static := sh.Static()
		if static.Size < 2*raw {
			return nil, errors.Wrapf(ErrStaticTooSmall, "need %s, have %s",
				humanize.IBytes(uint64(2*raw)), humanize.IBytes(uint64(static.Size)))
		}
		sraw = static.Base
		rraw = static.Base + shmem.Addr(raw)
	case SymmetricHeap:
		var err error
		if sraw, err = sh.Malloc(raw); err != nil {
			return nil, errors.Wrap(err, "allocate send buffer")
		}
		if rraw, err = sh.Malloc(raw); err != nil {
			sh.Free(sraw)
			return nil, errors.Wrap(err, "allocate receive buffer")
		}
	default:
		return nil, errors.Errorf("bad mode %d", mode)
	}
	b := &Buffers{
		Send: newBuffer(sraw, capacity, mode),
		Recv: newBuffer(rraw, capacity, mode),
		sh:   sh,
		mode: mode,
	}
	db.DPrintf(db.BENCH, "%v buffers send %#x recv %#x capacity %s", mode,
		uintptr(b.Send.Addr), uintptr(b.Recv.Addr), humanize.IBytes(uint64(capacity)))
	return b, nil
}

func newBuffer(raw shmem.Addr, capacity int, mode Mode) Buffer {
	return Buffer{Addr: shmem.AlignUp(raw, Alignment), Size: capacity, Origin: mode, raw: raw}
}

// Release returns heap buffers to the symmetric heap. It is a no-op for
// static buffers and after the first call.
func (b *Buffers) Release() error {
	if b.released {
		return nil
	}
	b.released = true
	if b.mode != SymmetricHeap {
		return nil
	}
	err := b.sh.Free(b.Send.raw)
	if e := b.sh.Free(b.Recv.raw); err == nil {
		err = e
	}
	return errors.Wrap(err, "release buffers")
}
