package market

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Timeframe pairs a human label ("5m", "1h") with its window width.
type Timeframe struct {
	Label    string
	Interval time.Duration
}

// Bucket floors t to the start of its window: the epoch-millisecond
// multiple of interval that contains t. Deterministic across restarts.
func Bucket(t time.Time, interval time.Duration) time.Time {
	width := interval.Milliseconds()
	ms := t.UnixMilli()
	return time.UnixMilli(ms - ms%width).UTC()
}

// FormatLabel renders an interval as the conventional timeframe label:
// "1h", "5m", "30s", falling back to milliseconds for anything finer.
func FormatLabel(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d%time.Second == 0:
		return fmt.Sprintf("%ds", d/time.Second)
	default:
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
}

// ParseTimeframes parses a comma-separated list like "5m,15m,1h" into
// timeframes sorted by interval. Every entry must be strictly wider than
// base and an exact multiple of it, so completed base candles fold into
// higher windows without remainder.
func ParseTimeframes(raw string, base time.Duration) ([]Timeframe, error) {
	if base <= 0 {
		return nil, fmt.Errorf("base interval must be positive, got %s", base)
	}
	seen := make(map[string]bool)
	out := []Timeframe{}
	for _, part := range strings.Split(raw, ",") {
		label := strings.TrimSpace(part)
		if label == "" {
			continue
		}
		if seen[label] {
			continue
		}
		d, err := time.ParseDuration(label)
		if err != nil {
			return nil, fmt.Errorf("timeframe %q: %w", label, err)
		}
		if d <= base {
			return nil, fmt.Errorf("timeframe %q (%s) must be wider than the base interval %s", label, d, base)
		}
		if d%base != 0 {
			return nil, fmt.Errorf("timeframe %q (%s) is not a multiple of the base interval %s", label, d, base)
		}
		seen[label] = true
		out = append(out, Timeframe{Label: label, Interval: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Interval < out[j].Interval })
	return out, nil
}
