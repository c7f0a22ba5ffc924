package agent

// Clone returns a deep copy of the configuration. Repositories and the
// registry hand out clones so a caller can never mutate a stored snapshot
// through retained pointers.
func (c Config) Clone() Config {
	out := c
	out.Persona = c.Persona.clone()
	if c.LLM != nil {
		llm := *c.LLM
		llm.Temperature = clonePtr(c.LLM.Temperature)
		llm.FrequencyPenalty = clonePtr(c.LLM.FrequencyPenalty)
		llm.PresencePenalty = clonePtr(c.LLM.PresencePenalty)
		out.LLM = &llm
	}
	if c.Knowledge != nil {
		kb := *c.Knowledge
		out.Knowledge = &kb
	}
	if len(c.Tools) > 0 {
		out.Tools = make([]ToolBinding, len(c.Tools))
		for i, t := range c.Tools {
			t.Enabled = clonePtr(t.Enabled)
			out.Tools[i] = t
		}
	}
	out.Routes = cloneMap(c.Routes)
	if c.Orchestrator != nil {
		out.Orchestrator = c.Orchestrator.clone()
	}
	if c.Safety != nil {
		s := *c.Safety
		s.BlockedTopics = cloneSlice(c.Safety.BlockedTopics)
		s.BlockedPatterns = cloneSlice(c.Safety.BlockedPatterns)
		out.Safety = &s
	}
	if c.Governance != nil {
		g := *c.Governance
		out.Governance = &g
	}
	if c.Validators != nil {
		v := *c.Validators
		out.Validators = &v
	}
	out.Metadata = cloneMap(c.Metadata)
	return out
}

func (p Persona) clone() Persona {
	out := p
	out.Expertise = cloneSlice(p.Expertise)
	out.Rules = cloneSlice(p.Rules)
	out.Examples = cloneSlice(p.Examples)
	return out
}

func (o *OrchestratorBinding) clone() *OrchestratorBinding {
	out := *o
	out.Agents = cloneSlice(o.Agents)
	out.RoutingRules = cloneSlice(o.RoutingRules)
	if o.Workflow != nil {
		out.Workflow = o.Workflow.clone()
	}
	return &out
}

func (g *WorkflowGraph) clone() *WorkflowGraph {
	out := WorkflowGraph{Start: g.Start}
	if len(g.Steps) == 0 {
		return &out
	}
	out.Steps = make([]WorkflowStep, len(g.Steps))
	for i, s := range g.Steps {
		s.Parallel = cloneSlice(s.Parallel)
		if s.Conditional != nil {
			cond := *s.Conditional
			cond.Cases = cloneMap(s.Conditional.Cases)
			s.Conditional = &cond
		}
		if s.Loop != nil {
			loop := *s.Loop
			loop.ExitWhen = clonePtr(s.Loop.ExitWhen)
			s.Loop = &loop
		}
		out.Steps[i] = s
	}
	return &out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	if in == nil {
		return nil
	}
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
