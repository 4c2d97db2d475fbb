package model

import (
	"sort"
	"strings"
)

// Kind is the value shape of an attribute.
type Kind string

const (
	KindRange       Kind = "range"
	KindPoint       Kind = "point"
	KindCategorical Kind = "categorical"
)

// Parser names the deterministic text parser used for an attribute.
type Parser string

const (
	ParserMeasure        Parser = "measure"
	ParserGeneticsSativa Parser = "genetics_sativa"
	ParserGeneticsIndica Parser = "genetics_indica"
	ParserVocabulary     Parser = "vocabulary"
)

// Bounds are the inclusive plausibility limits of a numeric attribute.
type Bounds struct {
	AbsoluteMin float64 `yaml:"absolute_min" json:"absolute_min"`
	AbsoluteMax float64 `yaml:"absolute_max" json:"absolute_max" validate:"gtefield=AbsoluteMin"`
	TypicalMin  float64 `yaml:"typical_min" json:"typical_min" validate:"gtefield=AbsoluteMin"`
	TypicalMax  float64 `yaml:"typical_max" json:"typical_max" validate:"gtefield=TypicalMin,ltefield=AbsoluteMax"`
}

// VocabularyEntry maps keywords found in text onto one canonical label.
type VocabularyEntry struct {
	Label    string   `yaml:"label" json:"label" validate:"required"`
	Keywords []string `yaml:"keywords" json:"keywords" validate:"required,min=1,dive,required"`
}

// AttributeDescriptor declares one logical attribute: its shape, canonical
// unit, where it is read from, how it is parsed, and how it is validated.
type AttributeDescriptor struct {
	Name          string             `yaml:"name" json:"name" validate:"required"`
	Kind          Kind               `yaml:"kind" json:"kind" validate:"required,oneof=range point categorical"`
	OutputKey     string             `yaml:"output_key" json:"output_key" validate:"required"`
	RawField      string             `yaml:"raw_field" json:"raw_field" validate:"required,endswith=_raw"`
	Parser        Parser             `yaml:"parser" json:"parser" validate:"required,oneof=measure genetics_sativa genetics_indica vocabulary"`
	Description   string             `yaml:"description" json:"description,omitempty"`
	Dimension     string             `yaml:"dimension" json:"dimension,omitempty" validate:"required_unless=Kind categorical"`
	Unit          string             `yaml:"unit" json:"unit,omitempty" validate:"required_unless=Kind categorical"`
	DefaultUnit   string             `yaml:"default_unit" json:"default_unit,omitempty"`
	Descriptors   map[string]float64 `yaml:"descriptors" json:"descriptors,omitempty"`
	Tolerance     float64            `yaml:"tolerance" json:"tolerance" validate:"gte=0"`
	Bounds        *Bounds            `yaml:"bounds" json:"bounds,omitempty" validate:"required_unless=Kind categorical"`
	RoundBaseline float64            `yaml:"round_baseline" json:"round_baseline" validate:"gte=0,lte=1"`
	Vocabulary    []VocabularyEntry  `yaml:"vocabulary" json:"vocabulary,omitempty" validate:"required_if=Kind categorical,dive"`
}

// Numeric reports whether the attribute carries a number.
func (d *AttributeDescriptor) Numeric() bool {
	return d.Kind == KindRange || d.Kind == KindPoint
}

// AttributeTable is the closed, indexed set of attribute descriptors plus
// the unit conversion table. It is built once and only read afterwards.
type AttributeTable struct {
	version    int
	attributes []AttributeDescriptor
	units      map[string]map[string]float64
	byName     map[string]*AttributeDescriptor
	byRawField map[string][]*AttributeDescriptor
	aliases    map[string][]string
}

// NewAttributeTable indexes descriptors in declaration order. units maps a
// dimension name to unit aliases and the factor that converts one of that
// unit into the dimension's canonical unit.
func NewAttributeTable(version int, attrs []AttributeDescriptor, units map[string]map[string]float64) *AttributeTable {
	t := &AttributeTable{
		version:    version,
		attributes: make([]AttributeDescriptor, len(attrs)),
		units:      make(map[string]map[string]float64, len(units)),
		byName:     make(map[string]*AttributeDescriptor, len(attrs)),
		byRawField: make(map[string][]*AttributeDescriptor),
		aliases:    make(map[string][]string, len(units)),
	}
	copy(t.attributes, attrs)
	for dim, table := range units {
		lower := make(map[string]float64, len(table))
		names := make([]string, 0, len(table))
		for alias, factor := range table {
			a := strings.ToLower(alias)
			lower[a] = factor
			names = append(names, a)
		}
		// Longest aliases first so "inches" wins over "in".
		sort.Slice(names, func(i, j int) bool {
			if len(names[i]) != len(names[j]) {
				return len(names[i]) > len(names[j])
			}
			return names[i] < names[j]
		})
		t.units[dim] = lower
		t.aliases[dim] = names
	}
	for i := range t.attributes {
		d := &t.attributes[i]
		t.byName[d.Name] = d
		t.byRawField[d.RawField] = append(t.byRawField[d.RawField], d)
	}
	return t
}

// Version is the schema version of the table.
func (t *AttributeTable) Version() int { return t.version }

// Attributes returns descriptors in declaration order.
func (t *AttributeTable) Attributes() []AttributeDescriptor {
	return t.attributes
}

// Len is the number of declared attributes.
func (t *AttributeTable) Len() int { return len(t.attributes) }

// ByName returns the descriptor for name, or nil.
func (t *AttributeTable) ByName(name string) *AttributeDescriptor {
	return t.byName[name]
}

// ByRawField returns every descriptor read from the given Bronze raw key.
func (t *AttributeTable) ByRawField(key string) []*AttributeDescriptor {
	return t.byRawField[key]
}

// Names returns attribute names in declaration order.
func (t *AttributeTable) Names() []string {
	names := make([]string, len(t.attributes))
	for i, a := range t.attributes {
		names[i] = a.Name
	}
	return names
}

// Factor returns the multiplier converting unit into the canonical unit of
// dimension.
func (t *AttributeTable) Factor(dimension, unit string) (float64, bool) {
	f, ok := t.units[dimension][strings.ToLower(strings.TrimSpace(unit))]
	return f, ok
}

// UnitAliases returns the aliases of a dimension, longest first.
func (t *AttributeTable) UnitAliases(dimension string) []string {
	return t.aliases[dimension]
}

// HasDimension reports whether the unit table declares dimension.
func (t *AttributeTable) HasDimension(dimension string) bool {
	_, ok := t.units[dimension]
	return ok
}
