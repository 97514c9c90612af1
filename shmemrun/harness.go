package shmemrun

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	db "github.com/btracey/shmem/internal/debug"
	"github.com/btracey/shmem/power"
)

// TimestampLayout names the files of one run.
const TimestampLayout = "20060102_150405"

// Harness runs a job, optionally stopping it after Duration, saving its
// standard output under OutputDir and sampling processor power alongside.
type Harness struct {
	OutputDir string
	Duration  time.Duration // no limit if zero

	// Power sampling, enabled when OutputDir is set and the domain can be
	// opened. An unavailable domain only produces a warning.
	PowerInterval time.Duration
	PowercapRoot  string
	Domain        string

	Stdout io.Writer
	Stderr io.Writer
	Now    func() time.Time
}

// Result lists the files a run produced.
type Result struct {
	Output    string
	PowerData string
	TimedOut  bool
}

// Run starts cmds and waits for them as RunContext does. A run stopped by
// Duration is not an error.
func (h *Harness) Run(ctx context.Context, name string, cmds []*exec.Cmd) (Result, error) {
	var res Result
	stdout, stderr := h.Stdout, h.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	now := h.Now
	if now == nil {
		now = time.Now
	}
	stamp := now().Format(TimestampLayout)

	var monitor *power.Monitor
	if h.OutputDir != "" {
		if err := os.MkdirAll(h.OutputDir, 0755); err != nil {
			return res, errors.Wrap(err, "create output dir")
		}
		res.Output = filepath.Join(h.OutputDir, filepath.Base(name)+"_"+stamp+".txt")
		f, err := os.Create(res.Output)
		if err != nil {
			return res, errors.Wrap(err, "create output file")
		}
		defer f.Close()
		stdout = io.MultiWriter(stdout, f)

		if h.PowerInterval > 0 {
			monitor, err = h.startMonitor(ctx)
			if err != nil {
				writeWarning(stderr, "power monitoring disabled: %v", err)
				monitor = nil
			}
		}
	}

	// Writers shared by all PEs are not safe for concurrent use.
	out := &lockedWriter{w: stdout}
	for _, cmd := range cmds {
		cmd.Stdout = out
		if cmd.Stderr == nil {
			cmd.Stderr = stderr
		}
	}

	if h.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Duration)
		defer cancel()
	}
	err := RunContext(ctx, cmds)
	if errors.Cause(err) == context.DeadlineExceeded && h.Duration > 0 {
		res.TimedOut = true
		err = nil
	}

	if monitor != nil {
		path, werr := power.WriteRecord(h.OutputDir, power.Record{Timestamp: stamp, CPUPower: monitor.Stop()})
		if werr != nil && err == nil {
			err = werr
		}
		res.PowerData = path
	}
	return res, err
}

func (h *Harness) startMonitor(ctx context.Context) (*power.Monitor, error) {
	src, err := power.FindRAPL(h.PowercapRoot, h.Domain)
	if err != nil {
		return nil, err
	}
	m := &power.Monitor{Source: src, Interval: h.PowerInterval}
	if err := m.Start(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func writeWarning(w io.Writer, format string, v ...interface{}) {
	db.DPrintf(db.LAUNCH, format, v...)
	fmt.Fprintf(w, "Warning: "+format+"\n", v...)
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
