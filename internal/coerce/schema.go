// Package coerce turns untyped bronze rows into typed records according to
// declared source schemas, and validates resolved rows before they reach silver.
package coerce

import (
	_ "embed"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
)

// Type is the declared silver type of a column.
type Type string

const (
	TypeText      Type = "text"
	TypeInteger   Type = "integer"
	TypeDecimal   Type = "decimal"
	TypeBoolean   Type = "boolean"
	TypeDate      Type = "date"
	TypeTimestamp Type = "timestamp"
)

func (t Type) valid() bool {
	switch t {
	case TypeText, TypeInteger, TypeDecimal, TypeBoolean, TypeDate, TypeTimestamp:
		return true
	}
	return false
}

// Column declares one source column.
type Column struct {
	Name      string   `yaml:"name"`
	Type      Type     `yaml:"type"`
	Required  bool     `yaml:"required"`
	NotNull   bool     `yaml:"not_null"`
	Normalize string   `yaml:"normalize"`
	Min       *float64 `yaml:"min"`
	Aliases   []string `yaml:"aliases"`
}

// Row-level checks a schema may request.
const (
	CheckAmountConsistency = "amount_consistency"
)

// Schema is the ordered column list of one bronze source.
type Schema struct {
	Source  model.Source `yaml:"source"`
	Key     string       `yaml:"key"`
	Columns []Column     `yaml:"columns"`
	Checks  []string     `yaml:"checks"`

	byName  map[string]int
	aliases map[string]string
}

// Column returns the declaration of name.
func (s *Schema) Column(name string) (Column, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Column{}, false
	}
	return s.Columns[i], true
}

// ColumnNames returns the declared column names in order.
func (s *Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Canonical maps a raw column name, possibly an alias, to the declared
// name. Unknown names are returned unchanged.
func (s *Schema) Canonical(raw string) string {
	if c, ok := s.aliases[raw]; ok {
		return c
	}
	return raw
}

// HasCheck reports whether the schema requests the named row check.
func (s *Schema) HasCheck(name string) bool {
	for _, c := range s.Checks {
		if c == name {
			return true
		}
	}
	return false
}

func (s *Schema) index() error {
	if _, err := model.ParseSource(string(s.Source)); err != nil {
		return err
	}
	s.byName = make(map[string]int, len(s.Columns))
	s.aliases = make(map[string]string)
	for i, c := range s.Columns {
		if c.Name == "" {
			return eris.Errorf("coerce: %s: column %d has no name", s.Source, i+1)
		}
		if _, dup := s.byName[c.Name]; dup {
			return eris.Errorf("coerce: %s: duplicate column %q", s.Source, c.Name)
		}
		if !c.Type.valid() {
			return eris.Errorf("coerce: %s.%s: unknown type %q", s.Source, c.Name, c.Type)
		}
		if c.Normalize != "" {
			if _, ok := normalizers[c.Normalize]; !ok {
				return eris.Errorf("coerce: %s.%s: unknown normalizer %q", s.Source, c.Name, c.Normalize)
			}
			if c.Type != TypeText {
				return eris.Errorf("coerce: %s.%s: normalizers apply to text columns only", s.Source, c.Name)
			}
		}
		if c.Min != nil && c.Type != TypeDecimal && c.Type != TypeInteger {
			return eris.Errorf("coerce: %s.%s: min applies to numeric columns only", s.Source, c.Name)
		}
		s.byName[c.Name] = i
	}
	for _, c := range s.Columns {
		for _, a := range c.Aliases {
			if _, clash := s.byName[a]; clash {
				return eris.Errorf("coerce: %s: alias %q shadows a column", s.Source, a)
			}
			if prev, clash := s.aliases[a]; clash {
				return eris.Errorf("coerce: %s: alias %q used by %s and %s", s.Source, a, prev, c.Name)
			}
			s.aliases[a] = c.Name
		}
	}

	key, ok := s.Column(s.Key)
	if !ok {
		return eris.Errorf("coerce: %s: key column %q not declared", s.Source, s.Key)
	}
	if !key.Required || key.Type != TypeText {
		return eris.Errorf("coerce: %s: key column %q must be a required text column", s.Source, s.Key)
	}
	for _, chk := range s.Checks {
		if chk != CheckAmountConsistency {
			return eris.Errorf("coerce: %s: unknown check %q", s.Source, chk)
		}
	}
	return nil
}

// Catalog holds the schema of every bronze source.
type Catalog struct {
	schemas map[model.Source]*Schema
}

// LoadCatalog parses and validates a YAML schema document.
func LoadCatalog(data []byte) (*Catalog, error) {
	var doc struct {
		Sources []*Schema `yaml:"sources"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "coerce: parse schema catalog")
	}

	c := &Catalog{schemas: make(map[model.Source]*Schema, len(doc.Sources))}
	for _, s := range doc.Sources {
		if err := s.index(); err != nil {
			return nil, err
		}
		if _, dup := c.schemas[s.Source]; dup {
			return nil, eris.Errorf("coerce: source %s declared twice", s.Source)
		}
		c.schemas[s.Source] = s
	}
	return c, nil
}

// Schema returns the schema for src.
func (c *Catalog) Schema(src model.Source) (*Schema, error) {
	s, ok := c.schemas[src]
	if !ok {
		return nil, eris.Errorf("coerce: no schema for source %s", src)
	}
	return s, nil
}

//go:embed sources.yaml
var sourcesYAML []byte

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
	defaultErr     error
)

// DefaultCatalog returns the catalog embedded in the binary.
func DefaultCatalog() (*Catalog, error) {
	defaultOnce.Do(func() {
		defaultCatalog, defaultErr = LoadCatalog(sourcesYAML)
		if defaultErr == nil {
			for _, src := range model.Sources {
				if _, err := defaultCatalog.Schema(src); err != nil {
					defaultErr = err
					return
				}
			}
		}
	})
	return defaultCatalog, defaultErr
}
