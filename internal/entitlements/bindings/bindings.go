// internal/entitlements/bindings/bindings.go
package bindings

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// bindingsSchema is the contract for the role-binding file. The file is
// operator-maintained, so it is validated up front instead of failing
// mid-sweep on a malformed entry.
const bindingsSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["bindings"],
	"properties": {
		"bindings": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["slug", "roleId"],
				"properties": {
					"slug":   {"type": "string", "minLength": 1},
					"roleId": {"type": "string", "pattern": "^[0-9]+$"},
					"label":  {"type": "string"}
				},
				"additionalProperties": false
			}
		}
	},
	"additionalProperties": false
}`

// Binding maps a permission slug to the Discord role that represents it.
type Binding struct {
	Slug   string `json:"slug"`
	RoleID string `json:"roleId"`
	Label  string `json:"label,omitempty"`
}

type bindingsFile struct {
	Bindings []Binding `json:"bindings"`
}

// Bindings is the loaded slug-to-role table. Lookups for slugs absent from
// the file report unbound, which callers treat as a no-op.
type Bindings struct {
	bySlug map[string]Binding
}

// Load reads and validates the binding file. A file that fails schema
// validation or carries duplicate slugs is a startup error.
func Load(path string) (*Bindings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bindings file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and decodes raw binding JSON.
func Parse(data []byte) (*Bindings, error) {
	schemaLoader := gojsonschema.NewStringLoader(bindingsSchema)
	docLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return nil, fmt.Errorf("failed to validate bindings: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, fmt.Errorf("invalid bindings file: %s", strings.Join(problems, "; "))
	}

	var file bindingsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse bindings file: %w", err)
	}

	bySlug := make(map[string]Binding, len(file.Bindings))
	for _, b := range file.Bindings {
		if _, exists := bySlug[b.Slug]; exists {
			return nil, fmt.Errorf("invalid bindings file: duplicate slug %q", b.Slug)
		}
		bySlug[b.Slug] = b
	}

	return &Bindings{bySlug: bySlug}, nil
}

// RoleFor returns the role id bound to a slug. The second return reports
// whether the slug is bound at all.
func (b *Bindings) RoleFor(slug string) (string, bool) {
	binding, ok := b.bySlug[slug]
	if !ok {
		return "", false
	}
	return binding.RoleID, true
}

// Slugs lists every bound slug.
func (b *Bindings) Slugs() []string {
	slugs := make([]string, 0, len(b.bySlug))
	for slug := range b.bySlug {
		slugs = append(slugs, slug)
	}
	return slugs
}

// Len reports the number of bindings.
func (b *Bindings) Len() int {
	return len(b.bySlug)
}
