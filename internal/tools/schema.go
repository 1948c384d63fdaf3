package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBase = "https://agentflow.local/tools/"

// CompileSchema compiles a tool's JSON Schema. The schema may be a Go
// literal or decoded JSON; it is normalised to plain JSON values first.
func CompileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	doc, err := jsonValue(schema)
	if err != nil {
		return nil, fmt.Errorf("schema for %s: %w", name, err)
	}
	loc := schemaBase + url.PathEscape(name) + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(loc, doc); err != nil {
		return nil, fmt.Errorf("schema for %s: %w", name, err)
	}
	sch, err := c.Compile(loc)
	if err != nil {
		return nil, fmt.Errorf("schema for %s: %w", name, err)
	}
	return sch, nil
}

// validateParams checks params against a compiled schema.
func validateParams(sch *jsonschema.Schema, params map[string]any) error {
	inst, err := jsonValue(params)
	if err != nil {
		return fmt.Errorf("parameters are not valid JSON: %w", err)
	}
	return sch.Validate(inst)
}

// jsonValue round-trips v through encoding/json so Go literals such as
// []string or int become the values the validator understands.
func jsonValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func intParam(params map[string]any, name string, def int) int {
	if f, ok := number(params[name]); ok {
		return int(f)
	}
	return def
}

func stringParam(params map[string]any, name string) string {
	s, _ := params[name].(string)
	return strings.TrimSpace(s)
}
