// Package csvload turns CSV files into operation streams using a
// column-mapping document.
package csvload

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Column statuses produced by mapping generation. Only no-match columns are
// skipped outright.
const (
	StatusAutoMatched = "auto-matched"
	StatusNeedsConfig = "needs-configuration"
	StatusNoMatch     = "no-match"
)

// ColumnMapping binds one CSV column to a target field.
type ColumnMapping struct {
	TargetField string `yaml:"targetField"`
	Status      string `yaml:"status"`

	// Lookup resolution: the column holds a key value of the target entity,
	// resolved through LookupKeyField before submission.
	LookupTargetEntity string `yaml:"lookupTargetEntity,omitempty"`
	LookupKeyField     string `yaml:"lookupKeyField,omitempty"`
}

// IsLookup reports whether the column resolves through an alternate key.
func (c *ColumnMapping) IsLookup() bool {
	return c.LookupTargetEntity != ""
}

// Mapping is the CSV-to-entity mapping document.
type Mapping struct {
	EntityLogicalName  string                   `yaml:"entityLogicalName"`
	AlternateKeyFields string                   `yaml:"alternateKeyFields,omitempty"`
	Columns            map[string]ColumnMapping `yaml:"columns"`
}

// KeyFields returns the parsed composite alternate key, empty when the
// mapping loads by plain create.
func (m *Mapping) KeyFields() []string {
	if strings.TrimSpace(m.AlternateKeyFields) == "" {
		return nil
	}
	parts := strings.Split(m.AlternateKeyFields, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate rejects mappings that cannot produce submittable records.
func (m *Mapping) Validate() error {
	if strings.TrimSpace(m.EntityLogicalName) == "" {
		return fmt.Errorf("mapping: entityLogicalName is required")
	}
	if len(m.Columns) == 0 {
		return fmt.Errorf("mapping: no columns configured")
	}
	usable := 0
	for col, cm := range m.Columns {
		switch cm.Status {
		case StatusNoMatch:
			continue
		case StatusAutoMatched, StatusNeedsConfig, "":
		default:
			return fmt.Errorf("mapping: column %q: unknown status %q", col, cm.Status)
		}
		if cm.TargetField == "" {
			return fmt.Errorf("mapping: column %q has no targetField", col)
		}
		if cm.IsLookup() && cm.LookupKeyField == "" {
			return fmt.Errorf("mapping: column %q: lookupTargetEntity set without lookupKeyField", col)
		}
		usable++
	}
	if usable == 0 {
		return fmt.Errorf("mapping: every column is no-match")
	}
	for _, kf := range m.KeyFields() {
		found := false
		for _, cm := range m.Columns {
			if cm.Status != StatusNoMatch && strings.EqualFold(cm.TargetField, kf) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("mapping: alternate key field %q is not produced by any column", kf)
		}
	}
	return nil
}

// LoadMapping parses and validates a mapping document.
func LoadMapping(r io.Reader) (*Mapping, error) {
	var m Mapping
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("mapping: parse: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadMappingFile reads a mapping document from disk.
func LoadMappingFile(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mapping: %w", err)
	}
	defer f.Close()
	return LoadMapping(f)
}
