// Package debug provides labeled debug output. Output is controlled by the
// SHMEMDEBUG environment variable, which can be a list of labels (e.g.,
// "NET;SEGMENT"). Nothing is written unless a label is enabled, so PEs other
// than the coordinator stay silent by default.
package debug

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	ALWAYS  = "ALWAYS"
	NET     = "NET"
	SEGMENT = "SEGMENT"
	HEAP    = "HEAP"
	BENCH   = "BENCH"
	LAUNCH  = "LAUNCH"
)

const envVar = "SHMEMDEBUG"

// fatalHook runs after DFatalf has written its message.
var fatalHook zapcore.CheckWriteHook = zapcore.WriteThenFatal

type state struct {
	labels map[string]bool
	base   *zap.SugaredLogger
	log    *zap.SugaredLogger
}

var cur atomic.Pointer[state]

func init() {
	Reset(os.Stderr, os.Getenv(envVar))
}

func parseLabels(s string) map[string]bool {
	m := make(map[string]bool)
	for _, l := range strings.Split(s, ";") {
		if l = strings.TrimSpace(l); l != "" {
			m[l] = true
		}
	}
	return m
}

func newLogger(w io.Writer) *zap.SugaredLogger {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000")
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(w), zapcore.DebugLevel)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.WithFatalHook(fatalHook)).Sugar()
}

// Reset redirects output to w and enables the ';'-separated labels.
func Reset(w io.Writer, labels string) {
	l := newLogger(w)
	cur.Store(&state{labels: parseLabels(labels), base: l, log: l})
}

// SetPE tags all further output with the identifier of the local PE.
func SetPE(pe int) {
	s := cur.Load()
	cur.Store(&state{labels: s.labels, base: s.base, log: s.base.With("pe", pe)})
}

// IsLabelSet reports whether output for label is enabled.
func IsLabelSet(label string) bool {
	return cur.Load().labels[label]
}

func DPrintf(label string, format string, v ...interface{}) {
	s := cur.Load()
	if s.labels[label] || label == ALWAYS {
		s.log.Debugf("%v %v", label, fmt.Sprintf(format, v...))
	}
}

func DFatalf(format string, v ...interface{}) {
	cur.Load().log.Fatalf("FATAL %v", fmt.Sprintf(format, v...))
}

// Sync flushes buffered output.
func Sync() {
	cur.Load().log.Sync()
}
