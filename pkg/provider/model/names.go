package model

import (
	"strings"

	"github.com/kapellhq/kapell/pkg/types"
)

// ToolNameMapper rewrites dotted tool names for backends that reject dots in
// tool identifiers, and restores the original names on the way back.
//
// The mapping lives strictly at the adapter boundary: the conductor and the
// client protocol only ever see original names. A mapper is built per
// request from the offered tool catalog, so a wire name that was never
// offered simply passes through unchanged.
type ToolNameMapper struct {
	toOriginal map[string]string
}

// NewToolNameMapper builds a mapper covering the given catalog.
func NewToolNameMapper(tools []types.ToolDefinition) *ToolNameMapper {
	m := &ToolNameMapper{toOriginal: make(map[string]string, len(tools))}
	for _, t := range tools {
		m.toOriginal[WireToolName(t.Name)] = t.Name
	}
	return m
}

// Original translates a wire name back to the original dotted name. Names
// with no recorded mapping are returned unchanged.
func (m *ToolNameMapper) Original(wire string) string {
	if orig, ok := m.toOriginal[wire]; ok {
		return orig
	}
	return wire
}

// WireToolName rewrites a dotted tool name into the restricted character set
// accepted by upstream APIs: "convo.setState" becomes "convo_setState".
func WireToolName(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}
