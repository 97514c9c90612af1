// Package power samples processor power while a benchmark runs. Power is
// derived from the RAPL energy counters the kernel exposes under
// /sys/class/powercap.
package power

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	DefaultPowercapRoot = "/sys/class/powercap"
	DefaultDomain       = "package-0"

	raplPrefix = "intel-rapl:"
)

// EnergySource is a monotonically increasing energy counter that wraps at
// MaxRange.
type EnergySource interface {
	Name() string
	Microjoules() (uint64, error)
	MaxRange() uint64
}

// RAPL reads one powercap domain.
type RAPL struct {
	name     string
	dir      string
	maxRange uint64
}

func (r *RAPL) Name() string     { return r.name }
func (r *RAPL) MaxRange() uint64 { return r.maxRange }

func (r *RAPL) Microjoules() (uint64, error) {
	return readUint(filepath.Join(r.dir, "energy_uj"))
}

// Domains returns the directory of every RAPL domain under root keyed by
// name. Subdomains are named "<parent>-<child>", e.g. "package-0-core".
func Domains(root string) (map[string]string, error) {
	tops, err := filepath.Glob(filepath.Join(root, raplPrefix+"*"))
	if err != nil {
		return nil, err
	}
	domains := make(map[string]string)
	for _, dir := range tops {
		name, err := readName(dir)
		if err != nil {
			continue
		}
		domains[name] = dir
		subs, _ := filepath.Glob(filepath.Join(dir, raplPrefix+"*"))
		for _, sub := range subs {
			if subname, err := readName(sub); err == nil {
				domains[name+"-"+subname] = sub
			}
		}
	}
	if len(domains) == 0 {
		return nil, errors.Errorf("no RAPL domains under %s", root)
	}
	return domains, nil
}

// FindRAPL opens the named domain, DefaultDomain if name is empty, falling
// back to the first domain in name order when DefaultDomain does not exist.
func FindRAPL(root, name string) (*RAPL, error) {
	if root == "" {
		root = DefaultPowercapRoot
	}
	domains, err := Domains(root)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = DefaultDomain
		if _, ok := domains[name]; !ok {
			names := make([]string, 0, len(domains))
			for n := range domains {
				names = append(names, n)
			}
			sort.Strings(names)
			name = names[0]
		}
	}
	dir, ok := domains[name]
	if !ok {
		return nil, errors.Errorf("RAPL domain %q not found", name)
	}
	r := &RAPL{name: name, dir: dir, maxRange: 1 << 32}
	if n, err := readUint(filepath.Join(dir, "max_energy_range_uj")); err == nil && n > 0 {
		r.maxRange = n
	}
	if _, err := r.Microjoules(); err != nil {
		return nil, errors.Wrapf(err, "RAPL domain %q", name)
	}
	return r, nil
}

func readName(dir string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, "name"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func readUint(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
}
