package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ensembleworks/ensemble/runtime/agent"
	"github.com/ensembleworks/ensemble/runtime/knowledge"
	"github.com/ensembleworks/ensemble/runtime/model"
	"github.com/ensembleworks/ensemble/runtime/tools"
)

// transcript assembles [system, history..., user]. A non-empty extra block
// is appended to the persona's system prompt; with neither persona nor
// block the system message is omitted entirely.
func (r *run) transcript(extra, input string) []model.Message {
	system := r.cfg.Persona.SystemPrompt()
	if extra != "" {
		if system != "" {
			system += "\n\n"
		}
		system += extra
	}
	messages := make([]model.Message, 0, len(r.inv.History)+2)
	if system != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: system})
	}
	messages = append(messages, r.inv.History...)
	messages = append(messages, model.Message{Role: model.RoleUser, Content: input})
	return messages
}

// contextBlock renders retrieved documents as the system prompt section the
// model answers from, in the searcher's descending relevance order.
func contextBlock(docs []knowledge.Document) string {
	if len(docs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## RETRIEVED CONTEXT\n")
	b.WriteString("Answer using the context below. Prefer citing it over inventing details.")
	for i, d := range docs {
		fmt.Fprintf(&b, "\n\n[%d] %s", i+1, d.Content)
		if src := d.Metadata["source"]; src != "" {
			fmt.Fprintf(&b, "\n(source: %s)", src)
		}
	}
	return b.String()
}

// sources converts retrieved documents into response attributions.
func sources(docs []knowledge.Document) []agent.Source {
	if len(docs) == 0 {
		return nil
	}
	out := make([]agent.Source, 0, len(docs))
	for _, d := range docs {
		out = append(out, agent.Source{Content: d.Content, Score: d.Score, Metadata: d.Metadata})
	}
	return out
}

// docContents extracts the plain text handed to the grounding check.
func docContents(docs []knowledge.Document) []string {
	if len(docs) == 0 {
		return nil
	}
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Content)
	}
	return out
}

// renderToolOutput flattens a tool result into the text fed back to the
// model. Failures render as an explicit error line so the model can route
// around them instead of treating silence as success.
func renderToolOutput(res tools.Result) string {
	if !res.Success {
		return "Error: " + res.Error
	}
	switch v := res.Output.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// renderArgs flattens tool-call arguments for previews and argument lists.
// Map marshaling sorts keys, so the rendering is stable across replays.
func renderArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(data)
}

// stringArg extracts a string-typed argument, tolerating absence.
func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}

// withMeta returns resp with one metadata entry added, allocating the map
// on first use.
func withMeta(resp agent.Response, key, value string) agent.Response {
	if resp.Metadata == nil {
		resp.Metadata = make(map[string]string, 1)
	}
	resp.Metadata[key] = value
	return resp
}
