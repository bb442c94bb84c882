package api

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/davidahmann/arcana/internal/errs"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const maxBodyBytes = 1 << 20

const (
	schemaToken        = "token"
	schemaAuthorize    = "authorize"
	schemaCommit       = "commit"
	schemaPolicyImport = "policy_import"
	schemaAELDiff      = "ael_diff"
)

// Schemas holds the compiled request schemas by name.
type Schemas struct {
	byName map[string]*jsonschema.Schema
}

func LoadSchemas() (*Schemas, error) {
	names := []string{schemaToken, schemaAuthorize, schemaCommit, schemaPolicyImport, schemaAELDiff}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	out := &Schemas{byName: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		raw, err := schemaFS.ReadFile("schemas/" + name + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		url := "https://arcana.schemas.local/" + name + ".schema.json"
		if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("schema %s load failed: %w", name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema %s compile failed: %w", name, err)
		}
		out.byName[name] = compiled
	}
	return out, nil
}

// decode reads a JSON body, checks it against the named schema and decodes
// it into dst.
func (s *Schemas) decode(r *http.Request, w http.ResponseWriter, name string, dst any) error {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return errs.Validation("body", "request body could not be read")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return errs.Validation("body", "invalid json")
	}
	if s != nil {
		if schema, ok := s.byName[name]; ok {
			if err := schema.Validate(doc); err != nil {
				return schemaError(err)
			}
		}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errs.Validation("body", "request body does not match the expected shape")
	}
	return nil
}

func schemaError(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return errs.Validation("body", err.Error())
	}
	var details []errs.Detail
	var walk func(*jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			details = append(details, errs.Detail{
				Field:   fieldPath(v.InstanceLocation),
				Code:    errs.CodeMalformedRequest,
				Message: v.Message,
			})
			return
		}
		for _, c := range v.Causes {
			walk(c)
		}
	}
	walk(ve)
	return errs.New(errs.KindValidation, errs.CodeMalformedRequest, "request failed schema validation").WithDetails(details...)
}

// fieldPath turns a JSON pointer like /items/0/qty into items.0.qty.
func fieldPath(pointer string) string {
	p := strings.TrimPrefix(pointer, "/")
	if p == "" {
		return "body"
	}
	return strings.ReplaceAll(p, "/", ".")
}
