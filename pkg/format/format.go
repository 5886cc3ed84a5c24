// Package format parses and evaluates the small field DSL a client uses to
// turn one tick's subtree loads into text: a value selector (sum / sum_t /
// all_loads / all_loads_t), an optional numeric rendering (.N fixed-point or
// %N percent), or an optional threshold test (if_range / the deprecated
// if_greater).
package format

import (
	"math"
	"strconv"
	"strings"
)

type valueKind int

const (
	valueSum valueKind = iota
	valueSumT
	valueAllLoads
	valueAllLoadsT
)

type modifierKind int

const (
	modifierNone modifierKind = iota
	modifierFixed
	modifierPercent
	modifierTest
)

type testMode int

const (
	testRange testMode = iota
	testGreater
)

type test struct {
	mode       testMode
	low, high  float64 // range: [low, high); greater: value > low
	then, els  string
}

func (t test) eval(v float64) string {
	var matched bool
	switch t.mode {
	case testGreater:
		matched = v > t.low
	default:
		matched = v >= t.low && v < t.high
	}
	if matched {
		return t.then
	}
	return t.els
}

// Field is one parsed -f specification.
type Field struct {
	raw      string
	value    valueKind
	modifier modifierKind
	digits   int
	test     test
}

// Parse compiles a -f field specification into an evaluation tree. A
// malformed spec is a ConfigError: it is returned to the caller for
// reporting before any sampling begins.
func Parse(spec string) (Field, error) {
	f := Field{raw: spec}
	tokens := strings.Split(spec, ":")
	if len(tokens) == 0 || tokens[0] == "" {
		return Field{}, ErrBadSpec
	}

	idx := 0
	switch tokens[0] {
	case "sum":
		f.value = valueSum
		idx = 1
	case "sum_t":
		f.value = valueSumT
		idx = 1
	case "all_loads":
		f.value = valueAllLoads
		idx = 1
	case "all_loads_t":
		f.value = valueAllLoadsT
		idx = 1
	default:
		// No explicit value_name: defaults to sum, and this token must be
		// the start of a test form (if_range/if_greater).
		if tokens[0] != "if_range" && tokens[0] != "if_greater" {
			return Field{}, ErrBadSpec
		}
		f.value = valueSum
		idx = 0
	}

	if idx >= len(tokens) {
		f.modifier = modifierNone
		return f, nil
	}

	tok := tokens[idx]
	switch {
	case strings.HasPrefix(tok, "."):
		digits, err := strconv.Atoi(tok[1:])
		if err != nil || digits < 0 || idx != len(tokens)-1 {
			return Field{}, ErrBadSpec
		}
		f.modifier = modifierFixed
		f.digits = digits

	case strings.HasPrefix(tok, "%"):
		digits, err := strconv.Atoi(tok[1:])
		if err != nil || digits < 0 || idx != len(tokens)-1 {
			return Field{}, ErrBadSpec
		}
		f.modifier = modifierPercent
		f.digits = digits

	case tok == "if_range":
		t, err := parseRange(tokens[idx+1:])
		if err != nil {
			return Field{}, err
		}
		f.modifier = modifierTest
		f.test = t

	case tok == "if_greater":
		t, err := parseGreater(tokens[idx+1:])
		if err != nil {
			return Field{}, err
		}
		f.modifier = modifierTest
		f.test = t

	default:
		return Field{}, ErrBadSpec
	}

	return f, nil
}

func parseRange(rest []string) (test, error) {
	if len(rest) == 0 {
		return test{}, ErrBadSpec
	}
	bounds := strings.SplitN(rest[0], "..", 2)
	if len(bounds) != 2 {
		return test{}, ErrBadSpec
	}
	low, high := math.Inf(-1), math.Inf(1)
	if bounds[0] != "" {
		v, err := strconv.ParseFloat(bounds[0], 64)
		if err != nil {
			return test{}, ErrBadSpec
		}
		low = v
	}
	if bounds[1] != "" {
		v, err := strconv.ParseFloat(bounds[1], 64)
		if err != nil {
			return test{}, ErrBadSpec
		}
		high = v
	}

	t := test{mode: testRange, low: low, high: high}
	if len(rest) >= 2 {
		t.then = rest[1]
	}
	if len(rest) >= 3 {
		t.els = strings.Join(rest[2:], ":")
	}
	return t, nil
}

func parseGreater(rest []string) (test, error) {
	if len(rest) == 0 {
		return test{}, ErrBadSpec
	}
	thr, err := strconv.ParseFloat(rest[0], 64)
	if err != nil {
		return test{}, ErrBadSpec
	}
	t := test{mode: testGreater, low: thr}
	if len(rest) >= 2 {
		t.then = rest[1]
	}
	if len(rest) >= 3 {
		t.els = strings.Join(rest[2:], ":")
	}
	return t, nil
}

// Count returns how many output pieces this field contributes for a tick
// with n roots: all_loads[_t] expands to n, everything else to 1.
func (f Field) Count(n int) int {
	if f.value == valueAllLoads || f.value == valueAllLoadsT {
		return n
	}
	return 1
}

// Eval renders this field against one TickResult's loads (in the client's
// root order) and the logical CPU count used for _t normalization.
func (f Field) Eval(loads []float64, cpuCount int32) []string {
	switch f.value {
	case valueAllLoads, valueAllLoadsT:
		out := make([]string, len(loads))
		for i, v := range loads {
			if f.value == valueAllLoadsT {
				v = safeDivCPU(v, cpuCount)
			}
			out[i] = f.render(v)
		}
		return out
	default:
		v := sum(loads)
		if f.value == valueSumT {
			v = safeDivCPU(v, cpuCount)
		}
		return []string{f.render(v)}
	}
}

func (f Field) render(v float64) string {
	switch f.modifier {
	case modifierFixed:
		return formatFixed(v, f.digits)
	case modifierPercent:
		return formatFixed(v*100, f.digits)
	case modifierTest:
		return f.test.eval(v)
	default:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
}

func sum(loads []float64) float64 {
	var s float64
	for _, v := range loads {
		s += v
	}
	return s
}

func safeDivCPU(v float64, cpuCount int32) float64 {
	if cpuCount <= 0 {
		return 0
	}
	return v / float64(cpuCount)
}

// formatFixed renders v with exactly digits decimal places, rounding half
// away from zero rather than Go's default round-half-to-even.
func formatFixed(v float64, digits int) string {
	scale := math.Pow(10, float64(digits))
	var rounded float64
	if v >= 0 {
		rounded = math.Floor(v*scale+0.5) / scale
	} else {
		rounded = -math.Floor(-v*scale+0.5) / scale
	}
	return strconv.FormatFloat(rounded, 'f', digits, 64)
}

// Line joins every field's expansion for one tick with sep.
func Line(fields []Field, loads []float64, cpuCount int32, sep string) string {
	var parts []string
	for _, f := range fields {
		parts = append(parts, f.Eval(loads, cpuCount)...)
	}
	return strings.Join(parts, sep)
}
