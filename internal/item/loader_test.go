package item

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const testItemsFile = `
items:
  - name: Lights
    type: Group
  - name: Hall_Light
    label: Hall light
    type: Switch
    protocol: knx
    groups: [Lights]
    tags: [lighting]
  - name: Temp
    type: Number
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.yaml")
	if err := os.WriteFile(path, []byte(testItemsFile), 0o600); err != nil {
		t.Fatal(err)
	}

	items, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("len(items) = %d, want 3", len(items))
	}
	hall := items[1]
	if hall.Name != "Hall_Light" || hall.Type != TypeSwitch || hall.Protocol != "knx" || !hall.MemberOf("Lights") {
		t.Errorf("Hall_Light = %+v", hall)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadFile(missing) error = %v, want os.ErrNotExist", err)
	}
}

func TestParseDefinitions_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "items:\n  - name: A\n    type: Switch\n    colour: red\n"},
		{"bad type", "items:\n  - name: A\n    type: Lamp\n"},
		{"bad name", "items:\n  - name: 1A\n    type: Switch\n"},
		{"duplicate", "items:\n  - name: A\n    type: Switch\n  - name: A\n    type: Number\n"},
		{"self group", "items:\n  - name: A\n    type: Group\n    groups: [A]\n"},
		{"not a list", "items: A\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseDefinitions([]byte(tt.yaml)); !errors.Is(err, ErrInvalidItem) {
				t.Errorf("ParseDefinitions() error = %v, want ErrInvalidItem", err)
			}
		})
	}
}

func TestParseDefinitions_Empty(t *testing.T) {
	items, err := ParseDefinitions(nil)
	if err != nil || len(items) != 0 {
		t.Errorf("ParseDefinitions(nil) = %v, %v", items, err)
	}
}

func TestRegistry_Define_KeepsState(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(newMockRepository())
	if err := reg.UpsertItem(ctx, &Item{Name: "Temp", Type: TypeNumber}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.SetState(ctx, "Temp", Number(19)); err != nil {
		t.Fatal(err)
	}

	items, err := ParseDefinitions([]byte(testItemsFile))
	if err != nil {
		t.Fatal(err)
	}
	n, err := reg.Define(ctx, items)
	if err != nil {
		t.Fatalf("Define() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Define() = %d, want 3", n)
	}

	if s, _ := reg.State("Temp"); !s.Equal(Number(19)) {
		t.Errorf("Temp state = %s, want 19", s)
	}
	members, err := reg.Members("Lights")
	if err != nil || len(members) != 1 || members[0].Name != "Hall_Light" {
		t.Errorf("Members(Lights) = %v, %v", members, err)
	}
}
