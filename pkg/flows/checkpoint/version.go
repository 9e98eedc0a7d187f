package checkpoint

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Version is a channel version marker. Versions of one graph all share a
// kind: integers, floats or strings. nil is the zero version and sorts
// before every other version.
type Version = any

// VersionGenerator returns the version that follows current. current is
// nil for a channel that has never been written.
type VersionGenerator func(current Version) Version

// CompareVersions returns -1, 0 or 1. Numbers of any Go numeric type
// compare by value and strings lexically. Numbers sort before strings.
func CompareVersions(a, b Version) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	switch {
	case aNum && bNum:
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	case aNum:
		return -1
	case bNum:
		return 1
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// MaxVersion returns the largest version in versions, or nil.
func MaxVersion(versions map[string]Version) Version {
	var out Version
	for _, v := range versions {
		if CompareVersions(v, out) > 0 {
			out = v
		}
	}
	return out
}

// IncrementVersion is the default generator: nil becomes 1 and numbers
// grow by one, keeping their type.
func IncrementVersion(current Version) Version {
	switch v := current.(type) {
	case nil:
		return int64(1)
	case int:
		return v + 1
	case int32:
		return v + 1
	case int64:
		return v + 1
	case float32:
		return v + 1
	case float64:
		return v + 1
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i + 1
		}
		f, _ := v.Float64()
		return f + 1
	case string:
		return StringVersion(v)
	}
	return int64(1)
}

// stringVersionWidth keeps string versions sortable up to 10^20 steps.
const stringVersionWidth = 20

// StringVersion generates zero-padded decimal strings, so lexical order
// matches numeric order.
func StringVersion(current Version) Version {
	var n int64
	switch v := current.(type) {
	case nil:
	case string:
		n, _ = strconv.ParseInt(strings.TrimLeft(v, "0"), 10, 64)
	default:
		if f, ok := toFloat(v); ok {
			n = int64(f)
		}
	}
	return fmt.Sprintf("%0*d", stringVersionWidth, n+1)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// normalizeVersion restores the kind of a version decoded from JSON:
// numbers written with a fraction or exponent become float64 and the rest
// int64.
func normalizeVersion(v any) Version {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if !strings.ContainsAny(n.String(), ".eE") {
		if i, err := n.Int64(); err == nil {
			return i
		}
	}
	f, _ := n.Float64()
	return f
}

// floatVersion encodes a float64 version so that it always decodes as a
// float, even when integral.
type floatVersion float64

func (v floatVersion) MarshalJSON() ([]byte, error) {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("unsupported version %v", f)
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return []byte(s), nil
}

func encodeVersions(versions map[string]Version) map[string]any {
	if versions == nil {
		return nil
	}
	out := make(map[string]any, len(versions))
	for name, v := range versions {
		switch f := v.(type) {
		case float64:
			out[name] = floatVersion(f)
		case float32:
			out[name] = floatVersion(f)
		default:
			out[name] = v
		}
	}
	return out
}
