package putbw

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/btracey/shmem"
	db "github.com/btracey/shmem/internal/debug"
)

// Options configure a run. Zero values select the defaults.
type Options struct {
	MaxSize   int        // largest message size; MaxMsgSize if zero
	Threshold int        // LargeMessageSize if zero
	Small     Iterations // SmallIterations if zero
	Large     Iterations // LargeIterations if zero
	Clock     Clock      // MonotonicClock if nil
	Prog      string     // program name used in the usage text
	Stdout    io.Writer
	Stderr    io.Writer
}

func (o Options) withDefaults() Options {
	if o.MaxSize == 0 {
		o.MaxSize = MaxMsgSize
	}
	if o.Threshold == 0 {
		o.Threshold = LargeMessageSize
	}
	if o.Small == (Iterations{}) {
		o.Small = SmallIterations
	}
	if o.Large == (Iterations{}) {
		o.Large = LargeIterations
	}
	if o.Prog == "" {
		o.Prog = "putbw"
	}
	if o.Stdout == nil {
		o.Stdout = io.Discard
	}
	if o.Stderr == nil {
		o.Stderr = io.Discard
	}
	return o
}

// Usage writes the usage text.
func Usage(w io.Writer, prog string) {
	fmt.Fprintf(w, "Invalid arguments. Usage: %s <heap|global>\n", prog)
}

// Main validates the participant count and the command line arguments and
// then runs the benchmark. sh must be initialized. Diagnostics are written
// to opts.Stderr by the coordinator only.
func Main(sh shmem.Shmem, args []string, opts Options) error {
	opts = opts.withDefaults()
	coordinator := sh.MyPE() == Coordinator
	if sh.NumPEs() != RequiredPEs {
		if coordinator {
			fmt.Fprintf(opts.Stderr, "%v\n", ErrPeerCount)
		}
		return errors.Wrapf(ErrPeerCount, "have %d", sh.NumPEs())
	}
	if len(args) != 1 {
		if coordinator {
			Usage(opts.Stderr, opts.Prog)
		}
		return errors.Wrapf(ErrUsage, "%d arguments", len(args))
	}
	mode, err := ParseMode(args[0])
	if err != nil {
		if coordinator {
			Usage(opts.Stderr, opts.Prog)
		}
		return err
	}
	return Run(sh, mode, opts)
}

// Run performs the whole sweep. Both PEs must call Run with the same mode
// and options; the barriers keep them in lockstep:
//
//	touch, barrier, timed puts (coordinator), barrier   for every size
//	barrier, release buffers, barrier                    at the end
func Run(sh shmem.Shmem, mode Mode, opts Options) error {
	opts = opts.withDefaults()
	if sh.NumPEs() != RequiredPEs {
		return errors.Wrapf(ErrPeerCount, "have %d", sh.NumPEs())
	}
	sweep, err := NewSweep(opts.MaxSize, opts.Threshold, opts.Small, opts.Large)
	if err != nil {
		return err
	}
	bufs, err := NewBuffers(sh, mode, opts.MaxSize)
	if err != nil {
		return err
	}
	// Only reached on early returns; the normal path releases between barriers.
	defer bufs.Release()

	eng := NewEngine(sh, opts.Clock)
	tbl := NewTable(opts.Stdout, eng.IsCoordinator())
	if err := tbl.Header(); err != nil {
		return errors.Wrap(err, "write header")
	}

	for cfg, ok := sweep.Next(); ok; cfg, ok = sweep.Next() {
		if err := Touch(sh, bufs, cfg.Size); err != nil {
			return err
		}
		if err := sh.BarrierAll(); err != nil {
			return errors.Wrapf(err, "barrier before size %d", cfg.Size)
		}
		m, measured, err := eng.Measure(bufs, cfg)
		if err != nil {
			return err
		}
		if err := sh.BarrierAll(); err != nil {
			return errors.Wrapf(err, "barrier after size %d", cfg.Size)
		}
		if !measured {
			continue
		}
		db.DPrintf(db.BENCH, "size %d skip %d loop %d start %v end %v", cfg.Size, cfg.Skip, cfg.Loop, m.Start, m.End)
		if !m.Valid() {
			fmt.Fprintf(opts.Stderr, "# size %d: invalid sample, end %v <= start %v\n", m.Size, m.End, m.Start)
			continue
		}
		if err := tbl.Row(m); err != nil {
			return errors.Wrap(err, "write row")
		}
	}

	if err := sh.BarrierAll(); err != nil {
		return errors.Wrap(err, "barrier after sweep")
	}
	if err := bufs.Release(); err != nil {
		return err
	}
	return errors.Wrap(sh.BarrierAll(), "barrier after release")
}
