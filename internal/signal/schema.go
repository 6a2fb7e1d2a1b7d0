package signal

import (
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"
)

// metaSchema constrains the overall shape of vss.json: the document must be
// an object and each of its top-level members an object; deeper levels are
// not checked here. Loaded once at boot to
// reject a malformed schema document early rather than failing lookups
// one path at a time later.
const metaSchema = `{
  "type": "object",
  "additionalProperties": {
    "oneOf": [
      {
        "type": "object",
        "properties": {
          "type": {"type": "string"},
          "unit": {"type": "string"},
          "min": {"type": "number"},
          "max": {"type": "number"},
          "description": {"type": "string"}
        },
        "required": ["type"]
      },
      {"type": "object"}
    ]
  }
}`

// Leaf is the metadata attached to one addressable signal path in vss.json.
type Leaf struct {
	Type        string
	Unit        string
	Min         *float64
	Max         *float64
	Description string
}

// Schema is the loaded, validated vehicle signal schema. It keeps the raw
// document and resolves each dotted path with gjson at lookup time.
type Schema struct {
	raw []byte
}

// LoadSchema reads and validates vss.json at path against metaSchema.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signal: reading schema %s: %w", path, err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("signal: schema %s is not valid JSON", path)
	}

	schemaLoader := gojsonschema.NewStringLoader(metaSchema)
	docLoader := gojsonschema.NewBytesLoader(data)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return nil, fmt.Errorf("signal: validating schema %s: %w", path, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("signal: schema %s failed validation: %s", path, strings.Join(msgs, "; "))
	}

	return &Schema{raw: data}, nil
}

// Lookup resolves a dotted signal path (e.g. "Vehicle.Speed") to its Leaf
// metadata. Returns false if the path isn't present or isn't a leaf.
func (s *Schema) Lookup(path string) (Leaf, bool) {
	result := gjson.GetBytes(s.raw, path)
	if !result.Exists() || !result.IsObject() {
		return Leaf{}, false
	}

	typeResult := result.Get("type")
	if !typeResult.Exists() {
		return Leaf{}, false
	}

	leaf := Leaf{
		Type:        typeResult.String(),
		Unit:        result.Get("unit").String(),
		Description: result.Get("description").String(),
	}
	if min := result.Get("min"); min.Exists() {
		v := min.Float()
		leaf.Min = &v
	}
	if max := result.Get("max"); max.Exists() {
		v := max.Float()
		leaf.Max = &v
	}
	return leaf, true
}

// Valid reports whether every path is a known leaf in the schema.
func (s *Schema) Valid(paths []string) (invalid []string) {
	for _, p := range paths {
		if _, ok := s.Lookup(p); !ok {
			invalid = append(invalid, p)
		}
	}
	return invalid
}
