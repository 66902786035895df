package item

import (
	"encoding/json"
	"errors"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParseState(t *testing.T) {
	tests := []struct {
		input string
		want  State
		kind  Kind
	}{
		{"ON", ON, KindOnOff},
		{"OFF", OFF, KindOnOff},
		{"OPEN", OPEN, KindOpenClosed},
		{"CLOSED", CLOSED, KindOpenClosed},
		{"NULL", Null(), KindNull},
		{"UNDEF", Undef(), KindUndef},
		{"21.5", Number(21.5), KindNumber},
		{" 42 ", Number(42), KindNumber},
		{"21.5 °C", Quantity(21.5, "°C"), KindNumber},
		{"on", Text("on"), KindText},
		{"hello world", Text("hello world"), KindText},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseState(tt.input)
			if got.Kind() != tt.kind {
				t.Fatalf("ParseState(%q).Kind() = %v, want %v", tt.input, got.Kind(), tt.kind)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseState(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestState_Equal(t *testing.T) {
	tests := []struct {
		name string
		a, b State
		want bool
	}{
		{"same switch", ON, OnOff(true), true},
		{"different switch", ON, OFF, false},
		{"on vs open", ON, OPEN, false},
		{"numbers by value", Number(5), ParseState("5.0"), true},
		{"quantity vs bare number", Quantity(21, "°C"), Number(21), true},
		{"different units", Quantity(21, "°C"), Quantity(21, "°F"), false},
		{"text", Text("a"), Text("a"), true},
		{"null vs undef", Null(), Undef(), false},
		{"null vs null", Null(), State{}, true},
		{"number vs text", Number(1), Text("1"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.want {
				t.Errorf("%v.Equal(%v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestState_Float(t *testing.T) {
	tests := []struct {
		in     State
		want   float64
		wantOK bool
	}{
		{Number(3.5), 3.5, true},
		{Quantity(20, "%"), 20, true},
		{Text("12"), 12, true},
		{Text("12 W"), 12, true},
		{ON, 1, true},
		{CLOSED, 0, true},
		{Text("warm"), 0, false},
		{Null(), 0, false},
	}
	for _, tt := range tests {
		got, ok := tt.in.Float()
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("%v.Float() = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestState_TruthyAndInverse(t *testing.T) {
	if !ON.Truthy() || OFF.Truthy() || Null().Truthy() || Number(0).Truthy() || !Text("x").Truthy() {
		t.Error("unexpected Truthy() result")
	}

	if inv, ok := ON.Inverse(); !ok || !inv.Equal(OFF) {
		t.Errorf("ON.Inverse() = %v, %v", inv, ok)
	}
	if inv, ok := CLOSED.Inverse(); !ok || !inv.Equal(OPEN) {
		t.Errorf("CLOSED.Inverse() = %v, %v", inv, ok)
	}
	if _, ok := Number(3).Inverse(); ok {
		t.Error("Number has no inverse")
	}
}

func TestState_String(t *testing.T) {
	tests := map[string]State{
		"ON":      ON,
		"CLOSED":  CLOSED,
		"NULL":    Null(),
		"UNDEF":   Undef(),
		"21.5":    Number(21.5),
		"100":     Number(100),
		"20 °C":   Quantity(20, "°C"),
		"weekend": Text("weekend"),
	}
	for want, s := range tests {
		if got := s.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

func TestFromAny(t *testing.T) {
	tests := []struct {
		in   any
		want State
	}{
		{nil, Null()},
		{true, ON},
		{false, OFF},
		{"OPEN", OPEN},
		{float64(7), Number(7)},
		{int(7), Number(7)},
		{int64(7), Number(7)},
		{json.Number("7.5"), Number(7.5)},
		{ON, ON},
	}
	for _, tt := range tests {
		got, err := FromAny(tt.in)
		if err != nil {
			t.Fatalf("FromAny(%v) error = %v", tt.in, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("FromAny(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := FromAny(struct{}{}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("FromAny(struct) error = %v, want ErrInvalidState", err)
	}
}

func TestState_JSON(t *testing.T) {
	type payload struct {
		State State `json:"state"`
	}

	tests := []struct {
		state State
		json  string
	}{
		{ON, `{"state":"ON"}`},
		{Number(21.5), `{"state":21.5}`},
		{Quantity(21.5, "°C"), `{"state":"21.5 °C"}`},
		{Null(), `{"state":null}`},
	}
	for _, tt := range tests {
		data, err := json.Marshal(payload{State: tt.state})
		if err != nil {
			t.Fatalf("Marshal(%v) error = %v", tt.state, err)
		}
		if string(data) != tt.json {
			t.Errorf("Marshal(%v) = %s, want %s", tt.state, data, tt.json)
		}
	}

	var p payload
	if err := json.Unmarshal([]byte(`{"state":true}`), &p); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if !p.State.Equal(ON) {
		t.Errorf("Unmarshal(true) = %v, want ON", p.State)
	}
}

func TestState_YAML(t *testing.T) {
	var doc struct {
		A State   `yaml:"a"`
		B State   `yaml:"b"`
		C State   `yaml:"c"`
		D State   `yaml:"d"`
		E State   `yaml:"e"`
		L []State `yaml:"l"`
	}
	src := `
a: ON
b: 21.5
c: true
d: ~
e: "21 °C"
l: [OPEN, CLOSED, 3]
`
	if err := yaml.Unmarshal([]byte(src), &doc); err != nil {
		t.Fatalf("yaml.Unmarshal error = %v", err)
	}
	checks := []struct {
		got, want State
	}{
		{doc.A, ON}, {doc.B, Number(21.5)}, {doc.C, ON}, {doc.D, Null()},
		{doc.E, Quantity(21, "°C")}, {doc.L[0], OPEN}, {doc.L[1], CLOSED}, {doc.L[2], Number(3)},
	}
	for i, c := range checks {
		if !c.got.Equal(c.want) || c.got.Kind() != c.want.Kind() {
			t.Errorf("check %d: got %v, want %v", i, c.got, c.want)
		}
	}

	var bad struct {
		S State `yaml:"s"`
	}
	if err := yaml.Unmarshal([]byte("s: {x: 1}"), &bad); !errors.Is(err, ErrInvalidState) {
		t.Errorf("mapping node error = %v, want ErrInvalidState", err)
	}
}
