package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ensembleworks/ensemble/runtime/agent"
	"github.com/ensembleworks/ensemble/runtime/model"
)

// childResult is one child invocation outcome inside an orchestration.
// Failed results keep their error text so aggregation can surface what went
// wrong instead of silently shrinking the result set.
type childResult struct {
	child      string
	content    string
	err        string
	failed     bool
	confidence float64
}

// aggregate combines parallel branch results under the given strategy.
// Branch order is the declaration order, which every strategy treats as the
// tie-break.
func (r *run) aggregate(ctx context.Context, strategy agent.Aggregation, results []childResult) (string, error) {
	switch strategy {
	case agent.AggregateFirst:
		return aggregateFirst(results), nil
	case agent.AggregateVote:
		return aggregateVote(results), nil
	case agent.AggregateMerge:
		return aggregateMerge(results, r.cfg.Orchestrator.MergePolicy), nil
	case agent.AggregateBest:
		return r.aggregateBest(ctx, results)
	default:
		return aggregateAll(results), nil
	}
}

// aggregateFirst returns the first successful content. With no successes it
// concatenates the failures so the caller sees every reason.
func aggregateFirst(results []childResult) string {
	for _, res := range results {
		if !res.failed {
			return res.content
		}
	}
	return joinFailures(results)
}

// aggregateAll renders every branch as an attributed section, failures
// included.
func aggregateAll(results []childResult) string {
	sections := make([]string, 0, len(results))
	for _, res := range results {
		body := res.content
		if res.failed {
			body = "Error: " + res.err
		}
		sections = append(sections, fmt.Sprintf("[%s]\n%s", res.child, body))
	}
	return strings.Join(sections, "\n\n---\n\n")
}

// aggregateVote tallies successful contents after lowercasing and trimming
// and returns the original content of the first branch carrying the winning
// value. Ties keep branch order.
func aggregateVote(results []childResult) string {
	counts := make(map[string]int)
	firstByKey := make(map[string]string)
	order := make([]string, 0, len(results))
	for _, res := range results {
		if res.failed {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(res.content))
		if _, seen := counts[key]; !seen {
			order = append(order, key)
			firstByKey[key] = res.content
		}
		counts[key]++
	}
	if len(order) == 0 {
		return joinFailures(results)
	}
	winner := order[0]
	for _, key := range order {
		if counts[key] > counts[winner] {
			winner = key
		}
	}
	return firstByKey[winner]
}

// aggregateMerge merges successful JSON-object contents key by key under
// the collision policy. Non-object contents are skipped; when nothing
// parses, the attributed rendering is returned instead so no branch output
// is lost.
func aggregateMerge(results []childResult, policy agent.MergePolicy) string {
	merged := make(map[string]any)
	parsed := 0
	for _, res := range results {
		if res.failed {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(res.content), &obj); err != nil {
			continue
		}
		parsed++
		for k, v := range obj {
			prev, exists := merged[k]
			if !exists {
				merged[k] = v
				continue
			}
			switch policy {
			case agent.MergeFirst:
				// keep prev
			case agent.MergeList:
				if list, ok := prev.([]any); ok {
					merged[k] = append(list, v)
				} else {
					merged[k] = []any{prev, v}
				}
			default:
				merged[k] = v
			}
		}
	}
	if parsed == 0 {
		return aggregateAll(results)
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return aggregateAll(results)
	}
	return string(data)
}

// aggregateBest asks the agent's own model to pick the strongest successful
// branch. An unusable reply falls back to the first success.
func (r *run) aggregateBest(ctx context.Context, results []childResult) (string, error) {
	successes := make([]childResult, 0, len(results))
	for _, res := range results {
		if !res.failed {
			successes = append(successes, res)
		}
	}
	if len(successes) == 0 {
		return joinFailures(results), nil
	}
	if len(successes) == 1 {
		return successes[0].content, nil
	}

	var b strings.Builder
	b.WriteString("Candidate answers:\n")
	for i, res := range successes {
		fmt.Fprintf(&b, "\n%d. %s\n", i+1, res.content)
	}
	b.WriteString("\nReply with the number of the best answer and nothing else.")

	out, err := r.complete(ctx, []model.Message{
		{Role: model.RoleSystem, Content: "You judge which candidate answer serves the request best."},
		{Role: model.RoleUser, Content: b.String()},
	}, nil, "")
	if err != nil {
		return "", err
	}
	if n, ok := leadingInt(out.Response.Content); ok && n >= 1 && n <= len(successes) {
		return successes[n-1].content, nil
	}
	return successes[0].content, nil
}

// joinFailures renders every failure as one line per branch.
func joinFailures(results []childResult) string {
	lines := make([]string, 0, len(results))
	for _, res := range results {
		if res.failed {
			lines = append(lines, fmt.Sprintf("%s: %s", res.child, res.err))
		}
	}
	return strings.Join(lines, "\n")
}

// leadingInt extracts the first integer in the reply.
func leadingInt(s string) (int, bool) {
	start := -1
	for i, r := range s {
		if r >= '0' && r <= '9' {
			start = i
			break
		}
	}
	if start == -1 {
		return 0, false
	}
	end := start
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[start:end])
	if err != nil {
		return 0, false
	}
	return n, true
}
