package monitor

import (
	"sort"
	"strconv"
	"strings"
)

// CurrentMetrics reduces the raw aggregate hash for one experiment into
// the derived view criteria are evaluated against. For every observed
// value "name" the raw hash carries name_sum, name_count, and
// name_latest; the derived view exposes name (the sum), name_avg, and
// name_latest. Event counters ({event}_count) and last_updated pass
// through.
func CurrentMetrics(raw map[string]string) map[string]any {
	out := make(map[string]any, len(raw))

	// Observed values first: any _sum key with a matching _count key.
	for k, v := range raw {
		name, ok := strings.CutSuffix(k, "_sum")
		if !ok {
			continue
		}
		countRaw, ok := raw[name+"_count"]
		if !ok {
			continue
		}
		sum, err1 := strconv.ParseFloat(v, 64)
		count, err2 := strconv.ParseFloat(countRaw, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out[name] = sum
		if count > 0 {
			out[name+"_avg"] = sum / count
		}
		if latest, ok := raw[name+"_latest"]; ok {
			if f, err := strconv.ParseFloat(latest, 64); err == nil {
				out[name+"_latest"] = f
			}
		}
	}

	// Everything else: event counts and bookkeeping.
	for k, v := range raw {
		if strings.HasSuffix(k, "_sum") || strings.HasSuffix(k, "_latest") {
			continue
		}
		if name, ok := strings.CutSuffix(k, "_count"); ok {
			if _, observed := raw[name+"_sum"]; observed {
				continue // count of an observed value, already folded in
			}
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				out[k] = n
				continue
			}
		}
		if k == "last_updated" {
			out[k] = v
		}
	}
	return out
}

// MetricNames returns the derived metric names in stable order, for
// summaries and logs.
func MetricNames(current map[string]any) []string {
	names := make([]string, 0, len(current))
	for k := range current {
		if k == "last_updated" {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
