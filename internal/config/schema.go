package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/cairnml/cairn/internal/fault"
)

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("sweep-config.json", bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("sweep-config.json")
	})
	return schema, schemaErr
}

// validateRawDocument checks the undecoded document against the embedded
// schema. YAML input is re-encoded through JSON first so the schema sees
// JSON-native types.
func validateRawDocument(b []byte, isJSON bool) error {
	var raw any
	if isJSON {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
	} else {
		var yv any
		if err := yaml.Unmarshal(b, &yv); err != nil {
			return err
		}
		jb, err := json.Marshal(yv)
		if err != nil {
			return fmt.Errorf("config: document is not JSON-representable: %w", err)
		}
		if err := json.Unmarshal(jb, &raw); err != nil {
			return err
		}
	}
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := s.Validate(raw); err != nil {
		key, msg := schemaFailure(err)
		return fault.Config(key, "%s", msg)
	}
	return nil
}

// schemaFailure digs out the most specific cause so the error names a dotted
// key rather than the document root.
func schemaFailure(err error) (string, string) {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return "", err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	key := strings.ReplaceAll(strings.TrimPrefix(leaf.InstanceLocation, "/"), "/", ".")
	return key, leaf.Message
}
