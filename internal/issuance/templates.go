package issuance

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"credtrust/internal/credential"
	dErrors "credtrust/pkg/domain-errors"
)

// Templates holds the credential configurations offers can reference, with
// their compiled schemas.
type Templates struct {
	byID    map[string]Template
	schemas map[string]*jsonschema.Schema
}

// NewTemplates compiles every template schema up front so a bad schema fails
// at startup rather than on the first offer.
func NewTemplates(templates ...Template) (*Templates, error) {
	t := &Templates{
		byID:    make(map[string]Template, len(templates)),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, tpl := range templates {
		tpl.ID = strings.TrimSpace(tpl.ID)
		if tpl.ID == "" {
			return nil, errors.New("template id is required")
		}
		if _, dup := t.byID[tpl.ID]; dup {
			return nil, fmt.Errorf("duplicate template %q", tpl.ID)
		}
		if tpl.DefaultFormat == "" {
			tpl.DefaultFormat = credential.FormatJWTVC
		}
		if _, ok := credential.ParseFormat(string(tpl.DefaultFormat)); !ok {
			return nil, fmt.Errorf("template %q: unsupported default format %q", tpl.ID, tpl.DefaultFormat)
		}
		if !slices.Contains(tpl.Types, "VerifiableCredential") {
			tpl.Types = append([]string{"VerifiableCredential"}, tpl.Types...)
		}
		if tpl.VCT == "" {
			tpl.VCT = tpl.Types[len(tpl.Types)-1]
		}
		if len(tpl.Schema) > 0 {
			sch, err := compileSchema(tpl.ID, tpl.Schema)
			if err != nil {
				return nil, fmt.Errorf("template %q: %w", tpl.ID, err)
			}
			t.schemas[tpl.ID] = sch
		}
		t.byID[tpl.ID] = tpl
	}
	return t, nil
}

// LoadTemplates reads a JSON array of templates from path.
func LoadTemplates(path string) (*Templates, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	var templates []Template
	if err := json.Unmarshal(raw, &templates); err != nil {
		return nil, fmt.Errorf("decode templates: %w", err)
	}
	return NewTemplates(templates...)
}

func compileSchema(id string, schema json.RawMessage) (*jsonschema.Schema, error) {
	url := "mem://templates/" + id + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}

func (t *Templates) Get(id string) (Template, bool) {
	tpl, ok := t.byID[id]
	return tpl, ok
}

// All returns the templates ordered by id.
func (t *Templates) All() []Template {
	out := make([]Template, 0, len(t.byID))
	for _, tpl := range t.byID {
		out = append(out, tpl)
	}
	slices.SortFunc(out, func(a, b Template) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Validate checks data against the template schema, if it has one.
func (t *Templates) Validate(id string, data map[string]any) error {
	sch, ok := t.schemas[id]
	if !ok {
		return nil
	}
	// the validator expects JSON-decoded values
	raw, err := json.Marshal(data)
	if err != nil {
		return dErrors.Field("credential_data", "is not valid JSON")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return dErrors.Field("credential_data", "is not valid JSON")
	}
	if err := sch.Validate(doc); err != nil {
		return dErrors.Field("credential_data", schemaMessage(err))
	}
	return nil
}

func schemaMessage(err error) string {
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		leaf := verr
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		if leaf.InstanceLocation != "" {
			return leaf.InstanceLocation + ": " + leaf.Message
		}
		return leaf.Message
	}
	return err.Error()
}

// DefaultTemplates are served when no template file is configured.
func DefaultTemplates() []Template {
	return []Template{
		{
			ID:            "UniversityDegreeCredential",
			Types:         []string{"VerifiableCredential", "UniversityDegreeCredential"},
			DefaultFormat: credential.FormatJWTVC,
			Schema: json.RawMessage(`{
				"type": "object",
				"required": ["degree"],
				"properties": {
					"degree": {"type": "string", "minLength": 1},
					"score": {"type": "number", "minimum": 0, "maximum": 10},
					"institution": {"type": "string"}
				}
			}`),
		},
		{
			ID:            "EmploymentCredential",
			Types:         []string{"VerifiableCredential", "EmploymentCredential"},
			DefaultFormat: credential.FormatSDJWTVC,
			ValidityDays:  730,
			Schema: json.RawMessage(`{
				"type": "object",
				"required": ["employer", "role"],
				"properties": {
					"employer": {"type": "string", "minLength": 1},
					"role": {"type": "string", "minLength": 1},
					"start_date": {"type": "string"}
				}
			}`),
		},
	}
}
