package shmemrun

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// NodelistEnv holds the hosts of the current slurm allocation.
const NodelistEnv = "SLURM_JOB_NODELIST"

// ExpandNodelist expands a slurm host list such as "a[1-3,7],b05 c" into one
// host per entry. Numeric ranges keep the zero padding of their lower bound.
func ExpandNodelist(list string) ([]string, error) {
	var hosts []string
	for _, item := range splitTop(list) {
		open := strings.IndexByte(item, '[')
		if open < 0 {
			hosts = append(hosts, item)
			continue
		}
		if !strings.HasSuffix(item, "]") || open == 0 {
			return nil, errors.Errorf("bad node list entry %q", item)
		}
		prefix := item[:open]
		for _, r := range strings.Split(item[open+1:len(item)-1], ",") {
			expanded, err := expandRange(prefix, r)
			if err != nil {
				return nil, errors.Wrapf(err, "node list entry %q", item)
			}
			hosts = append(hosts, expanded...)
		}
	}
	return hosts, nil
}

// splitTop splits on commas and spaces outside of brackets.
func splitTop(list string) []string {
	var items []string
	depth, start := 0, 0
	flush := func(end int) {
		if item := strings.TrimSpace(list[start:end]); item != "" {
			items = append(items, item)
		}
		start = end + 1
	}
	for i, c := range list {
		switch c {
		case '[':
			depth++
		case ']':
			depth--
		case ',', ' ':
			if depth == 0 {
				flush(i)
			}
		}
	}
	flush(len(list))
	return items
}

func expandRange(prefix, r string) ([]string, error) {
	lo, hi, isRange := strings.Cut(r, "-")
	if !isRange {
		if _, err := strconv.Atoi(lo); err != nil {
			return nil, err
		}
		return []string{prefix + lo}, nil
	}
	low, err := strconv.Atoi(lo)
	if err != nil {
		return nil, err
	}
	high, err := strconv.Atoi(hi)
	if err != nil {
		return nil, err
	}
	if high < low {
		return nil, errors.Errorf("empty range %q", r)
	}
	hosts := make([]string, 0, high-low+1)
	for i := low; i <= high; i++ {
		hosts = append(hosts, fmt.Sprintf("%s%0*d", prefix, len(lo), i))
	}
	return hosts, nil
}
