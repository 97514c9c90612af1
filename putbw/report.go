package putbw

import (
	"fmt"
	"io"
)

// Table writes the results. A Table on a PE other than the
// coordinator discards everything.
type Table struct {
	w       io.Writer
	enabled bool
}

func NewTable(w io.Writer, enabled bool) *Table {
	return &Table{w: w, enabled: enabled}
}

// Header writes the benchmark name and the column headers.
func (t *Table) Header() error {
	if !t.enabled {
		return nil
	}
	if _, err := fmt.Fprintf(t.w, "# %s v%s\n", BenchmarkName, Version); err != nil {
		return err
	}
	_, err := fmt.Fprintf(t.w, "%-*s%*s\n", SizeWidth, "# Size", FieldWidth, "Bandwidth (MB/s)")
	return err
}

// Row writes one result line.
func (t *Table) Row(m Measurement) error {
	if !t.enabled {
		return nil
	}
	_, err := fmt.Fprintf(t.w, "%-*d%*.*f\n", SizeWidth, m.Size, FieldWidth, FloatPrecision, m.Bandwidth())
	return err
}
