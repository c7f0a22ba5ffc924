package activity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ensembleworks/ensemble/runtime/agent"
	"github.com/ensembleworks/ensemble/runtime/store"
)

type (
	// AgentToolInput is one child-agent invocation issued from an
	// orchestrating workflow. WorkflowID is chosen deterministically by the
	// parent so retried activity attempts attach to the child run the first
	// attempt started.
	AgentToolInput struct {
		// ChildID is the stored agent to invoke.
		ChildID string `json:"child_id"`
		// Query is the task handed to the child.
		Query string `json:"query"`
		// Context is optional conversation context appended to the query.
		Context string `json:"context,omitempty"`
		// WorkflowID is the child run's workflow identifier.
		WorkflowID string `json:"workflow_id"`
		// Parent carries the parent's session, user, history, and depth.
		Parent agent.Invocation `json:"parent"`
	}

	// AgentToolOutput carries the child response. Failed reports child
	// failures as tool-result data so the parent loop can continue; only
	// infrastructure faults become activity errors.
	AgentToolOutput struct {
		Response agent.Response `json:"response"`
		Failed   bool           `json:"failed,omitempty"`
		Error    string         `json:"error,omitempty"`
	}

	// SimpleAgentInput runs the non-LLM lane for one input.
	SimpleAgentInput struct {
		Config agent.Config `json:"config"`
		Input  string       `json:"input"`
	}

	// SimpleAgentOutput carries the matched response.
	SimpleAgentOutput struct {
		Response agent.Response `json:"response"`
	}
)

// Simple-lane match confidences, keyed by how the response was found.
const (
	matchPattern = "pattern"
	matchKeyword = "keyword"
	matchDefault = "default"
)

// ExecuteAgentAsTool loads the child definition, starts its run as a fresh
// top-level workflow, and waits for the response. Missing, inactive, or
// too-deep children report as failed calls; the parent feeds those back to
// its model instead of dying.
func (s *Service) ExecuteAgentAsTool(ctx context.Context, in AgentToolInput) (AgentToolOutput, error) {
	if s.agents == nil || s.runner == nil {
		return AgentToolOutput{}, agent.NewError(agent.KindConfigInvalid,
			"child-agent execution is not wired on this worker")
	}
	rec, err := s.agents.Get(ctx, in.ChildID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return childUnavailable(in.ChildID, "not found"), nil
		}
		return AgentToolOutput{}, agent.WrapError(agent.KindTransport, err,
			"load agent %q", in.ChildID)
	}
	if !rec.IsActive {
		return childUnavailable(in.ChildID, "inactive"), nil
	}

	input := in.Query
	if in.Context != "" {
		input = fmt.Sprintf("%s\n\nContext: %s", in.Query, in.Context)
	}
	inv := agent.Invocation{
		AgentID:       in.ChildID,
		UserInput:     input,
		SessionID:     in.Parent.SessionID,
		UserID:        in.Parent.UserID,
		History:       in.Parent.History,
		RequestID:     in.Parent.RequestID,
		Metadata:      in.Parent.Metadata,
		Depth:         in.Parent.Depth + 1,
		ParentAgentID: in.Parent.AgentID,
	}

	out, err := s.runner.Run(ctx, in.WorkflowID, agent.RunInput{Config: rec.Config, Invocation: inv})
	if err != nil {
		s.logger.Warn(ctx, "child agent run failed",
			"child", in.ChildID, "parent", in.Parent.AgentID, "err", err)
		return AgentToolOutput{Failed: true, Error: err.Error()}, nil
	}
	return AgentToolOutput{Response: out.Response}, nil
}

// ExecuteSimpleAgent runs the pattern/keyword/default lane. It is pure
// computation; it lives in the activity layer so regex compilation stays out
// of the deterministic workflow body.
func (s *Service) ExecuteSimpleAgent(_ context.Context, in SimpleAgentInput) (SimpleAgentOutput, error) {
	return SimpleAgentOutput{Response: SimpleRespond(in.Config, in.Input)}, nil
}

// SimpleRespond resolves a simple agent's response: first example whose
// input pattern matches wins, then the first "keyword: response" rule, then
// the goal fallback.
func SimpleRespond(cfg agent.Config, input string) agent.Response {
	needle := strings.ToLower(strings.TrimSpace(input))

	for _, ex := range cfg.Persona.Examples {
		if ex.Input == "" {
			continue
		}
		re, err := compileExamplePattern(ex.Input)
		if err != nil {
			continue
		}
		if re.MatchString(needle) {
			return simpleResponse(ex.Output, 1.0, matchPattern)
		}
	}

	for _, rule := range cfg.Persona.Rules {
		keyword, response, ok := strings.Cut(rule, ":")
		if !ok {
			continue
		}
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword == "" {
			continue
		}
		if strings.Contains(needle, keyword) {
			return simpleResponse(strings.TrimSpace(response), 0.8, matchKeyword)
		}
	}

	goal := cfg.Persona.Goal
	if goal == "" {
		goal = cfg.Description
	}
	return simpleResponse(fmt.Sprintf("I can help you with: %s", goal), 0.5, matchDefault)
}

// compileExamplePattern turns an example input into an unanchored,
// case-insensitive regex. Everything is literal except "*", which matches
// any run of characters, so "hello" still hits inside "Hello!".
func compileExamplePattern(input string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(strings.ToLower(strings.TrimSpace(input)))
	pattern := strings.ReplaceAll(quoted, `\*`, `.*`)
	return regexp.Compile(pattern)
}

func simpleResponse(content string, confidence float64, matchType string) agent.Response {
	return agent.Response{
		Content:    content,
		Confidence: confidence,
		Metadata:   map[string]string{"match_type": matchType},
	}
}

func childUnavailable(childID, reason string) AgentToolOutput {
	return AgentToolOutput{
		Failed: true,
		Error:  fmt.Sprintf("agent %q is unavailable: %s", childID, reason),
	}
}
