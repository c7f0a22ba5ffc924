package workflow

import (
	"context"
	"sort"
	"strings"

	"github.com/ensembleworks/ensemble/runtime/agent"
	"github.com/ensembleworks/ensemble/runtime/model"
)

const (
	// routeDefault is the reserved route key matched when no category
	// applies.
	routeDefault = "default"

	routeMatchConfidence   = 0.9
	routeDefaultConfidence = 0.5
	routeFailConfidence    = 0.3
)

// route classifies the input with one completion and names the agent that
// should take over. The caller follows RerouteTo; the router itself never
// answers the request.
func (r *run) route(ctx context.Context, input string) (agent.Response, error) {
	categories := make([]string, 0, len(r.cfg.Routes))
	for cat := range r.cfg.Routes {
		if cat != routeDefault {
			categories = append(categories, cat)
		}
	}
	sort.Strings(categories)

	out, err := r.complete(ctx, []model.Message{
		{Role: model.RoleSystem, Content: routerPrompt(categories)},
		{Role: model.RoleUser, Content: input},
	}, nil, "")
	if err != nil {
		return agent.Response{}, err
	}

	// Providers rarely answer with the bare category, so a substring match
	// on the reply is the classification.
	answer := strings.ToLower(out.Response.Content)
	for _, cat := range categories {
		if strings.Contains(answer, strings.ToLower(cat)) {
			return routedResponse(cat, r.cfg.Routes[cat], routeMatchConfidence), nil
		}
	}
	if target, ok := r.cfg.Routes[routeDefault]; ok {
		return routedResponse(routeDefault, target, routeDefaultConfidence), nil
	}
	return agent.Response{
		Content:    "I could not determine how to route this request.",
		Confidence: routeFailConfidence,
		Metadata:   map[string]string{"classification": "none"},
	}, nil
}

func routedResponse(classification, target string, conf float64) agent.Response {
	return agent.Response{
		Content:    "Routing to " + target + ".",
		Confidence: conf,
		RerouteTo:  target,
		Metadata: map[string]string{
			"classification": classification,
			"target_agent":   target,
		},
	}
}

func routerPrompt(categories []string) string {
	return "You classify user requests into exactly one category.\n" +
		"Categories: " + strings.Join(categories, ", ") + "\n" +
		"Reply with the single best category name and nothing else."
}
