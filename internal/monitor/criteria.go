package monitor

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// EvaluateCriterion checks one "metric op threshold" expression against
// the derived metrics view. The metric name resolves in order: exact
// name, name_latest, name_avg. A missing metric or malformed criterion
// is never satisfied.
func EvaluateCriterion(criterion string, current map[string]any) bool {
	parts := strings.Fields(criterion)
	if len(parts) != 3 {
		log.Warn().Str("criterion", criterion).Msg("malformed criterion, expected 'metric op threshold'")
		return false
	}
	name, op, thresholdRaw := parts[0], parts[1], parts[2]

	threshold, err := strconv.ParseFloat(thresholdRaw, 64)
	if err != nil {
		log.Warn().Str("criterion", criterion).Msg("criterion threshold is not a number")
		return false
	}

	value, ok := resolveMetric(name, current)
	if !ok {
		return false
	}

	switch op {
	case ">":
		return value > threshold
	case ">=":
		return value >= threshold
	case "<":
		return value < threshold
	case "<=":
		return value <= threshold
	case "==":
		return value == threshold
	case "!=":
		return value != threshold
	default:
		log.Warn().Str("criterion", criterion).Str("op", op).Msg("unknown criterion operator")
		return false
	}
}

func resolveMetric(name string, current map[string]any) (float64, bool) {
	for _, key := range []string{name, name + "_latest", name + "_avg"} {
		if v, ok := current[key]; ok {
			switch n := v.(type) {
			case float64:
				return n, true
			case int64:
				return float64(n), true
			}
		}
	}
	return 0, false
}
