package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request body schemas. Only types are checked here; domain rules (blank
// names, status values) belong to the store so their messages stay stable.
const (
	createTaskSchema = `{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string"},
			"description": {"type": ["string", "null"]},
			"status": {"type": ["string", "null"]}
		}
	}`
	updateTaskSchema = `{
		"type": "object",
		"properties": {
			"name": {"type": ["string", "null"]},
			"description": {"type": ["string", "null"]},
			"status": {"type": ["string", "null"]}
		}
	}`
	addDependencySchema = `{
		"type": "object",
		"required": ["depends_on_id"],
		"properties": {
			"depends_on_id": {"type": "integer", "minimum": 1}
		}
	}`
)

type requestSchemas struct {
	createTask    *jsonschema.Schema
	updateTask    *jsonschema.Schema
	addDependency *jsonschema.Schema
}

func compileRequestSchemas() (*requestSchemas, error) {
	c := jsonschema.NewCompiler()
	compile := func(name, raw string) (*jsonschema.Schema, error) {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", name, err)
		}
		return c.Compile(name)
	}

	var rs requestSchemas
	var err error
	if rs.createTask, err = compile("create_task.json", createTaskSchema); err != nil {
		return nil, err
	}
	if rs.updateTask, err = compile("update_task.json", updateTaskSchema); err != nil {
		return nil, err
	}
	if rs.addDependency, err = compile("add_dependency.json", addDependencySchema); err != nil {
		return nil, err
	}
	return &rs, nil
}

// decodeBody validates the body against schema and then decodes it into dst.
func decodeBody(body io.Reader, schema *jsonschema.Schema, dst any) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse body: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("validate body: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
