// Package reconcile is the configuration reconciler (spec.md §4.3, C3): it
// diffs desired parameters against the running instance and classifies each
// change as hot-reload, restart-required, or externally-changed.
package reconcile

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the tagged-variant validator family named in spec.md §9.
type Kind string

const (
	KindBool     Kind = "bool"
	KindInteger  Kind = "integer"
	KindReal     Kind = "real"
	KindEnum     Kind = "enum"
	KindEnumBool Kind = "enum_bool"
	KindString   Kind = "string"
)

// Validator describes one parameter's shape and the server-version range it
// applies to (spec.md §4.3 "a registry of validators per parameter with
// version_from/version_till ranges").
type Validator struct {
	Name          string   `yaml:"name"`
	Kind          Kind     `yaml:"kind"`
	Unit          string   `yaml:"unit,omitempty"`
	Min           *float64 `yaml:"min,omitempty"`
	Max           *float64 `yaml:"max,omitempty"`
	Allowed       []string `yaml:"allowed,omitempty"`
	Restart       bool     `yaml:"restart"`
	VersionFrom   float64  `yaml:"version_from,omitempty"`
	VersionTill   float64  `yaml:"version_till,omitempty"`
}

// AppliesTo reports whether this validator is in force for majorVersion.
func (v Validator) AppliesTo(majorVersion float64) bool {
	if v.VersionFrom != 0 && majorVersion < v.VersionFrom {
		return false
	}
	if v.VersionTill != 0 && majorVersion >= v.VersionTill {
		return false
	}
	return true
}

// Normalize parses and re-renders value into its canonical comparable form,
// or returns an error if value doesn't match this validator's kind.
func (v Validator) Normalize(value string) (string, error) {
	switch v.Kind {
	case KindBool:
		return normalizeBool(value)
	case KindInteger:
		return normalizeInteger(value, v.Unit, v.Min, v.Max)
	case KindReal:
		return normalizeReal(value, v.Unit, v.Min, v.Max)
	case KindEnum:
		return normalizeEnum(value, v.Allowed)
	case KindEnumBool:
		if out, err := normalizeBool(value); err == nil {
			return out, nil
		}
		return normalizeEnum(value, v.Allowed)
	case KindString:
		return value, nil
	default:
		// User-defined "." namespaced passthrough (e.g. extension GUCs)
		// is accepted verbatim.
		if strings.Contains(v.Name, ".") {
			return value, nil
		}
		return value, nil
	}
}

func normalizeBool(value string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "true", "yes", "1":
		return "on", nil
	case "off", "false", "no", "0":
		return "off", nil
	}
	return "", fmt.Errorf("not a bool: %q", value)
}

func normalizeEnum(value string, allowed []string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	for _, a := range allowed {
		if strings.ToLower(a) == v {
			return a, nil
		}
	}
	return "", fmt.Errorf("value %q not in %v", value, allowed)
}

// unitMultipliers converts Postgres's unit-bearing integer suffixes to a
// common base (bytes for memory units, milliseconds for time units), so
// "128MB" and "134217728" compare equal after normalization.
var unitMultipliers = map[string]float64{
	"B": 1, "kB": 1024, "MB": 1024 * 1024, "GB": 1024 * 1024 * 1024, "TB": 1024 * 1024 * 1024 * 1024,
	"ms": 1, "s": 1000, "min": 60000, "h": 3600000, "d": 86400000,
}

func normalizeInteger(value, unit string, min, max *float64) (string, error) {
	value = strings.TrimSpace(value)

	// wal_buffers = -1 means "auto" and is left untouched (spec.md §4.3
	// "Special cases").
	if value == "-1" {
		return "-1", nil
	}

	n, suffix := splitNumericSuffix(value)
	f, err := strconv.ParseFloat(n, 64)
	if err != nil {
		return "", fmt.Errorf("not an integer: %q", value)
	}
	if suffix != "" {
		mult, ok := unitMultipliers[suffix]
		if !ok {
			return "", fmt.Errorf("unknown unit %q in %q", suffix, value)
		}
		f *= mult
	} else if unit != "" {
		if mult, ok := unitMultipliers[unit]; ok {
			_ = mult // value already in base unit when no suffix given
		}
	}

	if min != nil && f < *min {
		return "", fmt.Errorf("%q below minimum %v", value, *min)
	}
	if max != nil && f > *max {
		return "", fmt.Errorf("%q above maximum %v", value, *max)
	}
	return strconv.FormatInt(int64(f), 10), nil
}

func normalizeReal(value, unit string, min, max *float64) (string, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return "", fmt.Errorf("not a real: %q", value)
	}
	if min != nil && f < *min {
		return "", fmt.Errorf("%v below minimum %v", f, *min)
	}
	if max != nil && f > *max {
		return "", fmt.Errorf("%v above maximum %v", f, *max)
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}

func splitNumericSuffix(s string) (number, suffix string) {
	i := len(s)
	for i > 0 && !isDigitOrDot(s[i-1]) {
		i--
	}
	return s[:i], strings.TrimSpace(s[i:])
}

func isDigitOrDot(b byte) bool {
	return (b >= '0' && b <= '9') || b == '.' || b == '-'
}
