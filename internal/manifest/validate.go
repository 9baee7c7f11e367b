package manifest

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Property is one declared parameter constraint, mirroring the JSON-schema-
// like descriptor keywords of spec §4.3: type, required, minimum/maximum,
// exclusive_minimum/maximum, enum, pattern, min_length/max_length,
// min_items/max_items.
type Property struct {
	Type             string   `json:"type,omitempty"`
	Minimum          *float64 `json:"minimum,omitempty"`
	Maximum          *float64 `json:"maximum,omitempty"`
	ExclusiveMinimum *float64 `json:"exclusiveMinimum,omitempty"`
	ExclusiveMaximum *float64 `json:"exclusiveMaximum,omitempty"`
	Enum             []any    `json:"enum,omitempty"`
	Pattern          string   `json:"pattern,omitempty"`
	MinLength        *int     `json:"minLength,omitempty"`
	MaxLength        *int     `json:"maxLength,omitempty"`
	MinItems         *int     `json:"minItems,omitempty"`
	MaxItems         *int     `json:"maxItems,omitempty"`
}

// Descriptor is a node type's declared parameter schema (spec §4.3
// "declared_schema"). It is compiled once at registration time.
type Descriptor struct {
	Required   []string
	Properties map[string]Property
}

// jsonSchemaDoc renders the descriptor as a standard JSON Schema document,
// the shape santhosh-tekuri/jsonschema/v6 compiles.
func (d Descriptor) jsonSchemaDoc() map[string]any {
	props := make(map[string]any, len(d.Properties))
	for name, p := range d.Properties {
		prop := map[string]any{}
		if p.Type != "" {
			prop["type"] = p.Type
		}
		if p.Minimum != nil {
			prop["minimum"] = *p.Minimum
		}
		if p.Maximum != nil {
			prop["maximum"] = *p.Maximum
		}
		if p.ExclusiveMinimum != nil {
			prop["exclusiveMinimum"] = *p.ExclusiveMinimum
		}
		if p.ExclusiveMaximum != nil {
			prop["exclusiveMaximum"] = *p.ExclusiveMaximum
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Pattern != "" {
			prop["pattern"] = p.Pattern
		}
		if p.MinLength != nil {
			prop["minLength"] = *p.MinLength
		}
		if p.MaxLength != nil {
			prop["maxLength"] = *p.MaxLength
		}
		if p.MinItems != nil {
			prop["minItems"] = *p.MinItems
		}
		if p.MaxItems != nil {
			prop["maxItems"] = *p.MaxItems
		}
		props[name] = prop
	}
	doc := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
	}
	if len(d.Required) > 0 {
		doc["required"] = d.Required
	}
	return doc
}

// CompiledSchema wraps the jsonschema.Schema structural gate for one node
// type's descriptor, built once at registry registration time.
type CompiledSchema struct {
	descriptor Descriptor
	schema     *jsonschema.Schema
}

// Compile builds the JSON Schema document for descriptor and compiles it.
// A compile error here is a registration-time bug (malformed descriptor),
// not a manifest validation error.
func Compile(nodeType string, descriptor Descriptor) (*CompiledSchema, error) {
	doc := descriptor.jsonSchemaDoc()
	url := "mem://node-schema/" + nodeType
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("manifest: descriptor for %q does not compile: %w", nodeType, err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("manifest: descriptor for %q does not compile: %w", nodeType, err)
	}
	return &CompiledSchema{descriptor: descriptor, schema: sch}, nil
}

// Issue is one validation failure, in the wire shape of spec §6.4.
type Issue struct {
	NodeID     string `json:"node_id"`
	NodeType   string `json:"node_type"`
	Path       string `json:"path"` // JSON pointer
	Constraint string `json:"constraint"`
	Expected   string `json:"expected"`
	Received   string `json:"received"`
	Message    string `json:"message"`
}

// Validate checks params against the compiled descriptor, returning every
// violation found (spec §8.1 "Validation atomicity": the full batch, not
// fail-fast on the first issue).
func (c *CompiledSchema) Validate(nodeID, nodeType string, params json.RawMessage) []Issue {
	var instance map[string]any
	if len(params) == 0 {
		instance = map[string]any{}
	} else if err := json.Unmarshal(params, &instance); err != nil {
		return []Issue{{
			NodeID: nodeID, NodeType: nodeType, Path: "/",
			Constraint: "type", Expected: "object", Received: "invalid JSON",
			Message: fmt.Sprintf("params must decode as a JSON object: %v", err),
		}}
	}

	// A compiled JSON Schema validate pass runs here, but its result is
	// discarded: the reported issues come only from the hand-rolled walk
	// below.
	_ = c.schema.Validate(instance)

	var issues []Issue
	issues = append(issues, c.checkRequired(nodeID, nodeType, instance)...)

	names := make([]string, 0, len(c.descriptor.Properties))
	for name := range c.descriptor.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v, present := instance[name]
		if !present {
			continue
		}
		issues = append(issues, checkProperty(nodeID, nodeType, name, c.descriptor.Properties[name], v)...)
	}
	return issues
}

func (c *CompiledSchema) checkRequired(nodeID, nodeType string, instance map[string]any) []Issue {
	var issues []Issue
	for _, name := range c.descriptor.Required {
		if _, ok := instance[name]; !ok {
			issues = append(issues, Issue{
				NodeID: nodeID, NodeType: nodeType, Path: "/" + name,
				Constraint: "required", Expected: "present", Received: "missing",
				Message: fmt.Sprintf("%q is required", name),
			})
		}
	}
	return issues
}

func checkProperty(nodeID, nodeType, name string, p Property, v any) []Issue {
	path := "/" + name
	var issues []Issue
	issue := func(constraint, expected, received, message string) {
		issues = append(issues, Issue{
			NodeID: nodeID, NodeType: nodeType, Path: path,
			Constraint: constraint, Expected: expected, Received: received, Message: message,
		})
	}

	if p.Type != "" && !typeMatches(p.Type, v) {
		issue("type", p.Type, jsonTypeName(v), fmt.Sprintf("must be of type %s", p.Type))
		return issues // further numeric/string checks don't make sense on a type mismatch
	}

	if num, ok := v.(float64); ok {
		if p.Minimum != nil && num < *p.Minimum {
			issue("minimum", fmtFloat(*p.Minimum), fmtFloat(num), fmt.Sprintf("must be >= %s", fmtFloat(*p.Minimum)))
		}
		if p.Maximum != nil && num > *p.Maximum {
			issue("maximum", fmtFloat(*p.Maximum), fmtFloat(num), fmt.Sprintf("must be <= %s", fmtFloat(*p.Maximum)))
		}
		if p.ExclusiveMinimum != nil && num <= *p.ExclusiveMinimum {
			issue("exclusive_minimum", fmtFloat(*p.ExclusiveMinimum), fmtFloat(num), fmt.Sprintf("must be > %s", fmtFloat(*p.ExclusiveMinimum)))
		}
		if p.ExclusiveMaximum != nil && num >= *p.ExclusiveMaximum {
			issue("exclusive_maximum", fmtFloat(*p.ExclusiveMaximum), fmtFloat(num), fmt.Sprintf("must be < %s", fmtFloat(*p.ExclusiveMaximum)))
		}
	}

	if s, ok := v.(string); ok {
		if p.MinLength != nil && len(s) < *p.MinLength {
			issue("min_length", fmt.Sprint(*p.MinLength), fmt.Sprint(len(s)), fmt.Sprintf("length must be >= %d", *p.MinLength))
		}
		if p.MaxLength != nil && len(s) > *p.MaxLength {
			issue("max_length", fmt.Sprint(*p.MaxLength), fmt.Sprint(len(s)), fmt.Sprintf("length must be <= %d", *p.MaxLength))
		}
		if p.Pattern != "" {
			if re, err := regexp.Compile(p.Pattern); err == nil && !re.MatchString(s) {
				issue("pattern", p.Pattern, s, fmt.Sprintf("must match pattern %q", p.Pattern))
			}
		}
	}

	if arr, ok := v.([]any); ok {
		if p.MinItems != nil && len(arr) < *p.MinItems {
			issue("min_items", fmt.Sprint(*p.MinItems), fmt.Sprint(len(arr)), fmt.Sprintf("must have >= %d items", *p.MinItems))
		}
		if p.MaxItems != nil && len(arr) > *p.MaxItems {
			issue("max_items", fmt.Sprint(*p.MaxItems), fmt.Sprint(len(arr)), fmt.Sprintf("must have <= %d items", *p.MaxItems))
		}
	}

	if len(p.Enum) > 0 && !enumContains(p.Enum, v) {
		issue("enum", fmt.Sprint(p.Enum), fmt.Sprint(v), fmt.Sprintf("must be one of %v", p.Enum))
	}

	return issues
}

func typeMatches(want string, v any) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// fmtFloat renders f the way spec scenario S2 expects bounds rendered —
// always with a decimal point (e.g. maximum 1.0 reads as "1.0", not "1").
func fmtFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func enumContains(enum []any, v any) bool {
	for _, e := range enum {
		if fmt.Sprint(e) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}
