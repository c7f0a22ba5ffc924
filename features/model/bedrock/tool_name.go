package bedrock

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/ensembleworks/ensemble/runtime/model"
)

// Bedrock constrains provider-visible tool names and tool use IDs to
// [a-zA-Z0-9_-] with at most 64 bytes.
const maxProviderNameLen = 64

// toolNames holds the deterministic mapping between registry tool
// identifiers and their Bedrock-safe forms for one request.
type toolNames struct {
	provider map[string]string // registry identifier -> sanitized name
	reverse  map[string]string // sanitized name -> registry identifier
	conflict error
}

func newToolNames(defs []model.ToolDefinition) *toolNames {
	n := &toolNames{
		provider: make(map[string]string, len(defs)),
		reverse:  make(map[string]string, len(defs)),
	}
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		sanitized := sanitizeToolName(def.Name)
		if prev, ok := n.reverse[sanitized]; ok && prev != def.Name {
			n.conflict = fmt.Errorf("bedrock: tool names %q and %q both sanitize to %q", prev, def.Name, sanitized)
			return n
		}
		n.provider[def.Name] = sanitized
		n.reverse[sanitized] = def.Name
	}
	return n
}

func (n *toolNames) err() error { return n.conflict }

// sanitizeToolName maps a registry identifier such as "weather:forecast" to
// a Bedrock-safe name. The mapping is deterministic: disallowed runes become
// underscores, and names over the length limit are truncated with a stable
// hash suffix so distinct identifiers stay distinct.
func sanitizeToolName(name string) string {
	out := make([]byte, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, byte(r))
		default:
			out = append(out, '_')
		}
	}
	if len(out) <= maxProviderNameLen {
		return string(out)
	}
	sum := sha256.Sum256([]byte(name))
	suffix := hex.EncodeToString(sum[:4])
	return string(out[:maxProviderNameLen-len(suffix)-1]) + "_" + suffix
}

// toolUseIDs remaps correlation IDs that violate Bedrock's toolUseId
// constraints. IDs minted by providers ("call_0", "toolu_abc") pass through
// unchanged; anything else gets a stable per-request substitute so tool_use
// and tool_result blocks keep referring to the same call.
type toolUseIDs struct {
	assigned map[string]string
	next     int
}

func newToolUseIDs() *toolUseIDs {
	return &toolUseIDs{assigned: make(map[string]string)}
}

func (t *toolUseIDs) lookup(id string) string {
	if isProviderSafeID(id) {
		return id
	}
	if mapped, ok := t.assigned[id]; ok {
		return mapped
	}
	t.next++
	mapped := "tooluse_" + strconv.Itoa(t.next)
	t.assigned[id] = mapped
	return mapped
}

func isProviderSafeID(id string) bool {
	if id == "" || len(id) > maxProviderNameLen {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
