package item

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// definitionFile is the YAML layout of an items file:
//
//	items:
//	  - name: Hall_Light
//	    type: Switch
//	    protocol: knx
//	    groups: [Lights]
//	  - name: Lights
//	    type: Group
type definitionFile struct {
	Items []definition `yaml:"items"`
}

type definition struct {
	Name     string   `yaml:"name"`
	Label    string   `yaml:"label"`
	Type     Type     `yaml:"type"`
	Groups   []string `yaml:"groups"`
	Tags     []string `yaml:"tags"`
	Protocol string   `yaml:"protocol"`
}

// LoadFile reads item definitions from a YAML file. Unknown keys, invalid
// items and duplicate names are errors.
func LoadFile(path string) ([]Item, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("reading items file: %w", err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions decodes the items file format.
func ParseDefinitions(data []byte) ([]Item, error) {
	var doc definitionFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}

	seen := make(map[string]bool, len(doc.Items))
	items := make([]Item, 0, len(doc.Items))
	var errs []error
	for i, d := range doc.Items {
		it := Item{
			Name:     d.Name,
			Label:    d.Label,
			Type:     d.Type,
			Groups:   d.Groups,
			Tags:     d.Tags,
			Protocol: d.Protocol,
		}
		if err := it.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("items[%d]: %w", i, err))
			continue
		}
		if seen[it.Name] {
			errs = append(errs, fmt.Errorf("items[%d]: %w: duplicate name %s", i, ErrInvalidItem, it.Name))
			continue
		}
		seen[it.Name] = true
		items = append(items, it)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return items, nil
}

// Define upserts item definitions. Items already in the registry keep
// their current state. It returns the number of items stored.
func (r *Registry) Define(ctx context.Context, items []Item) (int, error) {
	n := 0
	for i := range items {
		it := items[i]
		if existing, err := r.GetItem(it.Name); err == nil {
			it.State = existing.State
			it.CreatedAt = existing.CreatedAt
		}
		if err := r.UpsertItem(ctx, &it); err != nil {
			return n, fmt.Errorf("defining %s: %w", it.Name, err)
		}
		n++
	}
	return n, nil
}
