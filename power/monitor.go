package power

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"

	db "github.com/btracey/shmem/internal/debug"
)

// Reading is the average power over one sampling interval.
type Reading struct {
	Time     time.Time      `json:"timestamp"`
	Watts    float64        `json:"power_watts"`
	Metadata map[string]any `json:"metadata"`
}

// Watts returns the average power between two counter values taken dt apart,
// allowing for one wrap of a counter with the given range.
func Watts(before, after, maxRange uint64, dt time.Duration) float64 {
	if dt <= 0 {
		return 0
	}
	delta := after - before
	if after < before {
		delta = maxRange - before + after
	}
	return float64(delta) / 1e6 / dt.Seconds()
}

// Monitor samples an EnergySource periodically between Start and Stop.
type Monitor struct {
	Source   EnergySource
	Interval time.Duration

	// CPUPercent reports system wide CPU utilization for the metadata of
	// each reading. It defaults to gopsutil.
	CPUPercent func(ctx context.Context) (float64, error)

	mu       sync.Mutex
	readings []Reading
	cancel   context.CancelFunc
	done     chan struct{}
}

func gopsutilPercent(ctx context.Context) (float64, error) {
	p, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, errors.New("no cpu utilization")
	}
	return p[0], nil
}

// Start begins sampling in the background.
func (m *Monitor) Start(ctx context.Context) error {
	if m.done != nil {
		return errors.New("monitor already started")
	}
	if m.Interval <= 0 {
		return errors.Errorf("bad sampling interval %v", m.Interval)
	}
	if m.CPUPercent == nil {
		m.CPUPercent = gopsutilPercent
	}
	first, err := m.Source.Microjoules()
	if err != nil {
		return errors.Wrapf(err, "read %s", m.Source.Name())
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx, first, time.Now())
	db.DPrintf(db.LAUNCH, "power monitor %s every %v", m.Source.Name(), m.Interval)
	return nil
}

func (m *Monitor) loop(ctx context.Context, last uint64, lastTime time.Time) {
	defer close(m.done)
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e, err := m.Source.Microjoules()
			if err != nil {
				db.DPrintf(db.LAUNCH, "power read %s: %v", m.Source.Name(), err)
				continue
			}
			r := Reading{
				Time:  now,
				Watts: Watts(last, e, m.Source.MaxRange(), now.Sub(lastTime)),
				Metadata: map[string]any{
					"domain":            m.Source.Name(),
					"sampling_interval": m.Interval.Seconds(),
				},
			}
			if p, err := m.CPUPercent(ctx); err == nil {
				r.Metadata["cpu_percent"] = p
			}
			last, lastTime = e, now
			m.mu.Lock()
			m.readings = append(m.readings, r)
			m.mu.Unlock()
		}
	}
}

// Stop ends sampling and returns every reading taken.
func (m *Monitor) Stop() []Reading {
	if m.done == nil {
		return nil
	}
	m.cancel()
	<-m.done
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Reading(nil), m.readings...)
}

// Record is the power file written for one run.
type Record struct {
	Timestamp string    `json:"timestamp"`
	CPUPower  []Reading `json:"cpu_power"`
}

// WriteRecord writes rec to dir/power_data_<timestamp>.json and returns the
// path.
func WriteRecord(dir string, rec Record) (string, error) {
	path := filepath.Join(dir, "power_data_"+rec.Timestamp+".json")
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	return path, errors.Wrap(os.WriteFile(path, b, 0644), "write power data")
}
