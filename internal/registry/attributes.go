package registry

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/strain-refinery/internal/model"
)

//go:embed attributes.yaml
var defaultAttributes []byte

// tableFile is the YAML layout of an attribute table.
type tableFile struct {
	Version    int                           `yaml:"version" validate:"gte=1"`
	Units      map[string]map[string]float64 `yaml:"units" validate:"required,min=1,dive,required,min=1,dive,gt=0"`
	Attributes []model.AttributeDescriptor   `yaml:"attributes" validate:"required,min=1,dive"`
}

// Load returns the attribute table at path, or the embedded default table
// when path is empty.
func Load(path string) (*model.AttributeTable, error) {
	if path == "" {
		return LoadDefault()
	}
	return LoadFromFile(path)
}

// LoadDefault parses the embedded attribute table.
func LoadDefault() (*model.AttributeTable, error) {
	t, err := Parse(defaultAttributes)
	if err != nil {
		return nil, eris.Wrap(err, "registry: default attribute table")
	}
	return t, nil
}

// LoadFromFile reads and parses an attribute table from a YAML file.
func LoadFromFile(path string) (*model.AttributeTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read attribute table %s", path)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: attribute table %s", path)
	}
	return t, nil
}

// Parse decodes and validates an attribute table.
func Parse(data []byte) (*model.AttributeTable, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal attribute table")
	}
	if err := structural().Struct(f); err != nil {
		return nil, formatValidation(err)
	}
	if err := checkSemantics(f); err != nil {
		return nil, err
	}
	return model.NewAttributeTable(f.Version, f.Attributes, f.Units), nil
}

func structural() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

func formatValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return eris.Wrap(err, "registry: validate attribute table")
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msg := fmt.Sprintf("%s: failed %q", e.Namespace(), e.Tag())
		if e.Param() != "" {
			msg += " (" + e.Param() + ")"
		}
		msgs = append(msgs, msg)
	}
	sort.Strings(msgs)
	return eris.Errorf("registry: invalid attribute table: %s", strings.Join(msgs, "; "))
}

// checkSemantics enforces the cross-field rules the struct tags can't
// express: unique names, known dimensions and canonical units.
func checkSemantics(f tableFile) error {
	names := make(map[string]bool, len(f.Attributes))
	keys := make(map[string]bool, len(f.Attributes))
	for _, a := range f.Attributes {
		if names[a.Name] {
			return eris.Errorf("registry: duplicate attribute %q", a.Name)
		}
		names[a.Name] = true
		if keys[a.OutputKey] {
			return eris.Errorf("registry: duplicate output key %q", a.OutputKey)
		}
		keys[a.OutputKey] = true

		if a.Kind == model.KindCategorical {
			if a.Parser != model.ParserVocabulary {
				return eris.Errorf("registry: categorical attribute %q must use the vocabulary parser", a.Name)
			}
			labels := make(map[string]bool, len(a.Vocabulary))
			for _, v := range a.Vocabulary {
				if labels[v.Label] {
					return eris.Errorf("registry: attribute %q repeats vocabulary label %q", a.Name, v.Label)
				}
				labels[v.Label] = true
			}
			continue
		}

		if a.Parser == model.ParserVocabulary {
			return eris.Errorf("registry: numeric attribute %q cannot use the vocabulary parser", a.Name)
		}
		units, ok := f.Units[a.Dimension]
		if !ok {
			return eris.Errorf("registry: attribute %q uses unknown dimension %q", a.Name, a.Dimension)
		}
		if factor, ok := lookupUnit(units, a.Unit); !ok || factor != 1 {
			return eris.Errorf("registry: unit %q of attribute %q is not the canonical unit of %q", a.Unit, a.Name, a.Dimension)
		}
		if a.DefaultUnit != "" {
			if _, ok := lookupUnit(units, a.DefaultUnit); !ok {
				return eris.Errorf("registry: default unit %q of attribute %q is not declared for %q", a.DefaultUnit, a.Name, a.Dimension)
			}
		}
		for word, v := range a.Descriptors {
			if v < a.Bounds.AbsoluteMin || v > a.Bounds.AbsoluteMax {
				return eris.Errorf("registry: descriptor %q of attribute %q lies outside its absolute bounds", word, a.Name)
			}
		}
	}
	return nil
}

func lookupUnit(units map[string]float64, unit string) (float64, bool) {
	for alias, factor := range units {
		if strings.EqualFold(alias, unit) {
			return factor, true
		}
	}
	return 0, false
}
