package entry

import (
	"strconv"
	"strings"
)

// Status classifies a draft value against its parameter's normal range.
type Status string

const (
	StatusPending Status = "pending"
	StatusNormal  Status = "normal"
	StatusHigh    Status = "high"
	StatusLow     Status = "low"
)

// DeriveStatus classifies value against normalRange.
//
// An empty or unparseable value, or an absent/unparseable range, yields
// pending. Ranges come in three shapes: "{min}-{max}" (the band joined by the
// selection layer), "<{max}" and ">{min}" (open-ended bands used by some
// panels). All three are handled here so the same derivation serves every
// panel.
func DeriveStatus(value, normalRange string) Status {
	value = strings.TrimSpace(value)
	if value == "" {
		return StatusPending
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return StatusPending
	}

	normalRange = strings.TrimSpace(normalRange)
	if normalRange == "" {
		return StatusPending
	}

	switch {
	case strings.HasPrefix(normalRange, "<"):
		max, err := strconv.ParseFloat(strings.TrimSpace(normalRange[1:]), 64)
		if err != nil {
			return StatusPending
		}
		if v > max {
			return StatusHigh
		}
		return StatusNormal

	case strings.HasPrefix(normalRange, ">"):
		min, err := strconv.ParseFloat(strings.TrimSpace(normalRange[1:]), 64)
		if err != nil {
			return StatusPending
		}
		if v < min {
			return StatusLow
		}
		return StatusNormal
	}

	parts := strings.SplitN(normalRange, "-", 2)
	if len(parts) != 2 {
		return StatusPending
	}
	min, errMin := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	max, errMax := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if errMin != nil || errMax != nil {
		return StatusPending
	}

	switch {
	case v < min:
		return StatusLow
	case v > max:
		return StatusHigh
	default:
		return StatusNormal
	}
}
