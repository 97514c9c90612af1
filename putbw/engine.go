package putbw

import (
	"time"

	"github.com/pkg/errors"

	"github.com/btracey/shmem"
)

// Clock returns a monotonic timestamp in microseconds.
type Clock func() float64

// MonotonicClock returns a Clock backed by the monotonic reading of time.Now.
func MonotonicClock() Clock {
	epoch := time.Now()
	return func() float64 {
		return float64(time.Since(epoch).Nanoseconds()) / 1e3
	}
}

// Measurement is one bandwidth sample, taken on the coordinator.
type Measurement struct {
	Size  int
	Loop  int
	Start float64 // µs
	End   float64 // µs
}

// Valid reports whether the sample can be reported.
func (m Measurement) Valid() bool {
	return m.Loop > 0 && m.End > m.Start
}

// Seconds is the elapsed time of the timed iterations.
func (m Measurement) Seconds() float64 {
	return (m.End - m.Start) / 1e6
}

// Megabytes is the volume moved by the timed iterations, 1 MB = 1e6 bytes.
func (m Measurement) Megabytes() float64 {
	return float64(m.Size) * float64(m.Loop) / 1e6
}

// Bandwidth is the sample in MB/s.
func (m Measurement) Bandwidth() float64 {
	return m.Megabytes() / m.Seconds()
}

// Engine runs the timed put loop.
type Engine struct {
	sh    shmem.Shmem
	clock Clock
}

func NewEngine(sh shmem.Shmem, clock Clock) *Engine {
	if clock == nil {
		clock = MonotonicClock()
	}
	return &Engine{sh: sh, clock: clock}
}

// IsCoordinator reports whether the local PE times and reports.
func (e *Engine) IsCoordinator() bool {
	return e.sh.MyPE() == Coordinator
}

// Measure issues cfg.Skip+cfg.Loop puts of cfg.Size bytes from the send
// buffer into the receive buffer of the peer, timing the last cfg.Loop of
// them. On the coordinator it returns the sample and true; elsewhere it does
// nothing and returns false. The puts are not known to be complete until the
// next barrier.
func (e *Engine) Measure(bufs *Buffers, cfg SizeConfig) (Measurement, bool, error) {
	if !e.IsCoordinator() {
		return Measurement{}, false, nil
	}
	m := Measurement{Size: cfg.Size, Loop: cfg.Loop}
	for i := 0; i < cfg.Skip+cfg.Loop; i++ {
		if i == cfg.Skip {
			m.Start = e.clock()
		}
		if err := e.sh.Put(bufs.Recv.Addr, bufs.Send.Addr, cfg.Size, Peer); err != nil {
			return m, true, errors.Wrapf(err, "put %d of size %d", i, cfg.Size)
		}
	}
	m.End = e.clock()
	return m, true, nil
}
