// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package seed

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/holomush/gatekeeper/pkg/errutil"
)

// SchemaID is the $id of the generated seed schema.
const SchemaID = "https://holomush.dev/schemas/gatekeeper-seed.schema.json"

var (
	compiledOnce   sync.Once
	compiledSchema *jschema.Schema
	compiledErr    error
)

// GenerateSchema reflects the JSON Schema for seed documents.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
		FieldNameTag:   "yaml",
	}
	schema := r.Reflect(&Document{})
	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "Gatekeeper Seed Document"
	schema.Description = "Permissions, roles, grants, feature flags and cohorts applied at startup"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.In("seed").Wrapf(err, "marshal schema")
	}
	return data, nil
}

// ValidateSchema checks YAML data against the seed schema.
func ValidateSchema(data []byte) error {
	if len(data) == 0 {
		return oops.In("seed").Code(errutil.CodeInvalidRequest).Errorf("seed document is empty")
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return oops.In("seed").Code(errutil.CodeInvalidRequest).Wrapf(err, "invalid YAML")
	}

	sch, err := compiled()
	if err != nil {
		return err
	}
	if err := sch.Validate(raw); err != nil {
		return oops.In("seed").Code(errutil.CodeInvalidRequest).Wrapf(err, "seed document does not match schema")
	}
	return nil
}

func compiled() (*jschema.Schema, error) {
	compiledOnce.Do(func() {
		data, err := GenerateSchema()
		if err != nil {
			compiledErr = err
			return
		}
		doc, err := jschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			compiledErr = oops.In("seed").Wrapf(err, "parse schema")
			return
		}
		c := jschema.NewCompiler()
		if err := c.AddResource(SchemaID, doc); err != nil {
			compiledErr = oops.In("seed").Wrapf(err, "add schema resource")
			return
		}
		compiledSchema, compiledErr = c.Compile(SchemaID)
		if compiledErr != nil {
			compiledErr = oops.In("seed").Wrapf(compiledErr, "compile schema")
		}
	})
	return compiledSchema, compiledErr
}
