package item

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind identifies which variant of State is populated.
type Kind int

const (
	KindNull Kind = iota
	KindUndef
	KindOnOff
	KindOpenClosed
	KindNumber
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindUndef:
		return "undef"
	case KindOnOff:
		return "onoff"
	case KindOpenClosed:
		return "openclosed"
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// State is an immutable item value. The zero value is NULL.
//
// Values arriving from MQTT, JSON, YAML or Go maps are converted with
// ParseState, FromAny or the codec methods; rule code only sees State.
type State struct {
	kind Kind
	on   bool // ON for KindOnOff, OPEN for KindOpenClosed
	num  float64
	unit string
	text string
}

var (
	ON     = State{kind: KindOnOff, on: true}
	OFF    = State{kind: KindOnOff}
	OPEN   = State{kind: KindOpenClosed, on: true}
	CLOSED = State{kind: KindOpenClosed}
)

// Null returns the NULL state, used for items that have never been set.
func Null() State { return State{} }

// Undef returns the UNDEF state, used when a binding cannot determine a value.
func Undef() State { return State{kind: KindUndef} }

// OnOff returns ON or OFF.
func OnOff(on bool) State {
	if on {
		return ON
	}
	return OFF
}

// OpenClosed returns OPEN or CLOSED.
func OpenClosed(open bool) State {
	if open {
		return OPEN
	}
	return CLOSED
}

// Number returns a unitless numeric state.
func Number(v float64) State { return State{kind: KindNumber, num: v} }

// Quantity returns a numeric state carrying a unit such as "°C" or "%".
func Quantity(v float64, unit string) State {
	return State{kind: KindNumber, num: v, unit: unit}
}

// Text returns a string state.
func Text(s string) State { return State{kind: KindText, text: s} }

// Kind returns the variant of s.
func (s State) Kind() Kind { return s.kind }

// IsNull reports whether s is NULL or UNDEF.
func (s State) IsNull() bool { return s.kind == KindNull || s.kind == KindUndef }

// Unit returns the unit of a quantity, or "".
func (s State) Unit() string { return s.unit }

// Equal compares underlying values. Numbers compare by magnitude; a unit is
// only significant when both sides carry one.
func (s State) Equal(o State) bool {
	if s.kind != o.kind {
		return false
	}
	switch s.kind {
	case KindOnOff, KindOpenClosed:
		return s.on == o.on
	case KindNumber:
		if s.unit != "" && o.unit != "" && s.unit != o.unit {
			return false
		}
		return s.num == o.num
	case KindText:
		return s.text == o.text
	default:
		return true
	}
}

// Float coerces numeric-like states. Numbers and numeric text convert
// directly, ON/OPEN are 1 and OFF/CLOSED are 0.
func (s State) Float() (float64, bool) {
	switch s.kind {
	case KindNumber:
		return s.num, true
	case KindOnOff, KindOpenClosed:
		if s.on {
			return 1, true
		}
		return 0, true
	case KindText:
		v, _, ok := parseNumber(s.text)
		return v, ok
	default:
		return 0, false
	}
}

// Truthy reports whether s counts as true in a guard.
func (s State) Truthy() bool {
	switch s.kind {
	case KindOnOff, KindOpenClosed:
		return s.on
	case KindNumber:
		return s.num != 0
	case KindText:
		return s.text != ""
	default:
		return false
	}
}

// Inverse returns the opposite of a binary state.
func (s State) Inverse() (State, bool) {
	switch s.kind {
	case KindOnOff:
		return OnOff(!s.on), true
	case KindOpenClosed:
		return OpenClosed(!s.on), true
	default:
		return State{}, false
	}
}

// String renders the platform token for s.
func (s State) String() string {
	switch s.kind {
	case KindNull:
		return "NULL"
	case KindUndef:
		return "UNDEF"
	case KindOnOff:
		if s.on {
			return "ON"
		}
		return "OFF"
	case KindOpenClosed:
		if s.on {
			return "OPEN"
		}
		return "CLOSED"
	case KindNumber:
		n := strconv.FormatFloat(s.num, 'f', -1, 64)
		if s.unit != "" {
			return n + " " + s.unit
		}
		return n
	default:
		return s.text
	}
}

// ParseState converts a platform token. Unrecognised input becomes Text.
func ParseState(raw string) State {
	str := strings.TrimSpace(raw)
	switch str {
	case "NULL":
		return Null()
	case "UNDEF":
		return Undef()
	case "ON":
		return ON
	case "OFF":
		return OFF
	case "OPEN":
		return OPEN
	case "CLOSED":
		return CLOSED
	}
	if v, unit, ok := parseNumber(str); ok {
		return Quantity(v, unit)
	}
	return Text(raw)
}

// parseNumber accepts "21.5" and "21.5 °C".
func parseNumber(str string) (float64, string, bool) {
	str = strings.TrimSpace(str)
	if str == "" {
		return 0, "", false
	}
	num, unit, _ := strings.Cut(str, " ")
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, "", false
	}
	unit = strings.TrimSpace(unit)
	if strings.ContainsAny(unit, " \t") {
		return 0, "", false
	}
	return v, unit, true
}

// FromAny converts a Go value from a decoded payload into a State.
func FromAny(v any) (State, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case State:
		return x, nil
	case *State:
		if x == nil {
			return Null(), nil
		}
		return *x, nil
	case bool:
		return OnOff(x), nil
	case string:
		return ParseState(x), nil
	case float64:
		return Number(x), nil
	case float32:
		return Number(float64(x)), nil
	case int:
		return Number(float64(x)), nil
	case int64:
		return Number(float64(x)), nil
	case int32:
		return Number(float64(x)), nil
	case uint:
		return Number(float64(x)), nil
	case uint64:
		return Number(float64(x)), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return State{}, fmt.Errorf("%w: %q", ErrInvalidState, x)
		}
		return Number(f), nil
	case fmt.Stringer:
		return ParseState(x.String()), nil
	default:
		return State{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidState, v)
	}
}

// MarshalJSON encodes NULL as null, unitless numbers as JSON numbers and
// everything else as its platform token.
func (s State) MarshalJSON() ([]byte, error) {
	switch {
	case s.kind == KindNull:
		return []byte("null"), nil
	case s.kind == KindNumber && s.unit == "":
		return json.Marshal(s.num)
	default:
		return json.Marshal(s.String())
	}
}

// UnmarshalJSON decodes the forms produced by MarshalJSON plus booleans.
func (s *State) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	st, err := FromAny(v)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// UnmarshalYAML decodes scalar nodes. Unquoted true/false map to ON/OFF.
func (s *State) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: line %d: expected a scalar", ErrInvalidState, node.Line)
	}
	switch node.Tag {
	case "!!null":
		*s = Null()
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return err
		}
		*s = OnOff(b)
	case "!!int", "!!float":
		var f float64
		if err := node.Decode(&f); err != nil {
			return err
		}
		*s = Number(f)
	default:
		*s = ParseState(node.Value)
	}
	return nil
}

// MarshalYAML writes the platform token.
func (s State) MarshalYAML() (any, error) {
	if s.kind == KindNumber && s.unit == "" {
		return s.num, nil
	}
	return s.String(), nil
}
