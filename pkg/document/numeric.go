package document

import "strconv"

// multiValueSeparators lists the separators tried, in priority order,
// when a numeric property's raw value does not parse as a single
// scalar (spec.md §4.5).
var multiValueSeparators = []byte{'-', '~', ','}

// parseIntProperty parses raw as either a single int64 or, on failure,
// a multi-valued int64 slice split on the first separator whose parts
// all parse cleanly. If every separator fails too, raw is parsed as a
// float and truncated.
func parseIntProperty(raw string) (ints []int64, ok bool) {
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return []int64{v}, true
	}

	for _, sep := range multiValueSeparators {
		parts := splitOn(raw, sep)
		if len(parts) < 2 {
			continue
		}
		vals := make([]int64, 0, len(parts))
		allOK := true
		for _, p := range parts {
			v, err := strconv.ParseInt(p, 10, 64)
			if err != nil {
				allOK = false
				break
			}
			vals = append(vals, v)
		}
		if allOK {
			return vals, true
		}
	}

	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return []int64{int64(f)}, true
	}

	return nil, false
}

// parseFloatProperty parses raw as either a single float64 or, on
// failure, a multi-valued float64 slice split on the first separator
// whose parts all parse cleanly.
func parseFloatProperty(raw string) (floats []float64, ok bool) {
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		return []float64{v}, true
	}

	for _, sep := range multiValueSeparators {
		parts := splitOn(raw, sep)
		if len(parts) < 2 {
			continue
		}
		vals := make([]float64, 0, len(parts))
		allOK := true
		for _, p := range parts {
			v, err := strconv.ParseFloat(p, 64)
			if err != nil {
				allOK = false
				break
			}
			vals = append(vals, v)
		}
		if allOK {
			return vals, true
		}
	}

	return nil, false
}

func splitOn(s string, sep byte) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}
