// Package manifest implements the manifest value object of spec §3.2/§6.1:
// the immutable declarative description of a pipeline graph. Parsing here
// only covers the JSON shape; graph-level checks (cycles, dangling edges,
// duplicate ids) live in internal/graph, and node-type/param validation
// lives alongside it in this package's validate.go.
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SupportedVersion is the only manifest schema version this runtime accepts
// (spec §3.2: "rejected if unknown").
const SupportedVersion = "v1"

// RuntimeHint selects which executor a node prefers (spec §3.2, §4.3).
type RuntimeHint string

const (
	HintAuto   RuntimeHint = "auto"
	HintNative RuntimeHint = "native"
	HintWorker RuntimeHint = "worker"
)

// Endpoint identifies a node's output or input port. The wire form accepts
// either a bare node-id string (implying the node's default port key) or an
// explicit {node, output|input} object (spec §6.1).
type Endpoint struct {
	Node string
	Key  string
}

// DefaultOutputKey and DefaultInputKey name the implicit port used when a
// connection endpoint is given as a bare node-id string.
const (
	DefaultOutputKey = "out"
	DefaultInputKey  = "in"
)

func (e *Endpoint) unmarshal(data []byte, defaultKey, keyField string) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		e.Node = asString
		e.Key = defaultKey
		return nil
	}
	var obj map[string]string
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("manifest: endpoint must be a string or object, got %s", string(data))
	}
	node, ok := obj["node"]
	if !ok || node == "" {
		return fmt.Errorf("manifest: endpoint object missing \"node\"")
	}
	e.Node = node
	if key, ok := obj[keyField]; ok && key != "" {
		e.Key = key
	} else {
		e.Key = defaultKey
	}
	return nil
}

// fromEndpoint and toEndpoint are the raw wire representations of a
// connection's "from" (output) and "to" (input) endpoints.
type fromEndpoint Endpoint
type toEndpoint Endpoint

func (e *fromEndpoint) UnmarshalJSON(data []byte) error {
	return (*Endpoint)(e).unmarshal(data, DefaultOutputKey, "output")
}

func (e *toEndpoint) UnmarshalJSON(data []byte) error {
	return (*Endpoint)(e).unmarshal(data, DefaultInputKey, "input")
}

// Node is one manifest node declaration (spec §3.2).
type Node struct {
	ID          string          `json:"id"`
	NodeType    string          `json:"node_type"`
	Params      json.RawMessage `json:"params"`
	RuntimeHint RuntimeHint     `json:"runtime_hint,omitempty"`
}

// Connection is one manifest edge declaration (spec §3.2).
type Connection struct {
	From Endpoint
	To   Endpoint
}

func (c *Connection) UnmarshalJSON(data []byte) error {
	var raw struct {
		From json.RawMessage `json:"from"`
		To   json.RawMessage `json:"to"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var from fromEndpoint
	if err := from.UnmarshalJSON(raw.From); err != nil {
		return fmt.Errorf("manifest: connection.from: %w", err)
	}
	var to toEndpoint
	if err := to.UnmarshalJSON(raw.To); err != nil {
		return fmt.Errorf("manifest: connection.to: %w", err)
	}
	c.From = Endpoint(from)
	c.To = Endpoint(to)
	return nil
}

// Manifest is the parsed, immutable pipeline description (spec §3.2, §6.1).
type Manifest struct {
	Version     string         `json:"version"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Nodes       []Node         `json:"nodes"`
	Connections []Connection   `json:"connections"`
}

// Name returns the reserved metadata.name key, or "" if unset.
func (m *Manifest) Name() string {
	if v, ok := m.Metadata["name"].(string); ok {
		return v
	}
	return ""
}

// Multiprocess returns the reserved metadata.multiprocess key's raw value.
func (m *Manifest) Multiprocess() (any, bool) {
	v, ok := m.Metadata["multiprocess"]
	return v, ok
}

// Parse decodes and shape-validates raw JSON into a Manifest. It rejects
// unknown versions and structurally malformed node ids, but does not
// resolve node types or check graph shape — see internal/graph.Compile.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: invalid JSON: %w", err)
	}
	if m.Version != SupportedVersion {
		return nil, fmt.Errorf("manifest: unknown version %q (supported: %q)", m.Version, SupportedVersion)
	}
	for i, n := range m.Nodes {
		if strings.TrimSpace(n.ID) == "" {
			return nil, fmt.Errorf("manifest: nodes[%d] has an empty id", i)
		}
		if strings.TrimSpace(n.NodeType) == "" {
			return nil, fmt.Errorf("manifest: nodes[%d] (id=%q) has an empty node_type", i, n.ID)
		}
	}
	return &m, nil
}
