package dispatch

import "slices"

// State is the per-actor session data kept by the router. It carries values that cut
// across messages, such as the requirement text, without widening the message schema.
type State struct {
	Requirement    string
	ModuleName     string
	NeedsFlipFlop  bool
	Components     []string
	LastCode       string
	LastDiagnostic string
}

// StatePatch is a partial update. Nil fields are left untouched.
type StatePatch struct {
	Requirement    *string
	ModuleName     *string
	NeedsFlipFlop  *bool
	Components     []string
	LastCode       *string
	LastDiagnostic *string
}

// Set returns a pointer to v, for building patches.
func Set[T any](v T) *T { return &v }

// apply performs a shallow merge of p onto s.
func (s State) apply(p StatePatch) State {
	if p.Requirement != nil {
		s.Requirement = *p.Requirement
	}
	if p.ModuleName != nil {
		s.ModuleName = *p.ModuleName
	}
	if p.NeedsFlipFlop != nil {
		s.NeedsFlipFlop = *p.NeedsFlipFlop
	}
	if p.Components != nil {
		s.Components = slices.Clone(p.Components)
	}
	if p.LastCode != nil {
		s.LastCode = *p.LastCode
	}
	if p.LastDiagnostic != nil {
		s.LastDiagnostic = *p.LastDiagnostic
	}
	return s
}

// GetState returns a copy of the actor's state. Unknown names read as the zero State.
func (r *Router) GetState(actor string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.states[actor]
	s.Components = slices.Clone(s.Components)
	return s
}

// UpdateState shallow-merges patch into the actor's state and returns the result.
func (r *Router) UpdateState(actor string, patch StatePatch) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := r.states[actor].apply(patch)
	r.states[actor] = merged
	merged.Components = slices.Clone(merged.Components)
	return merged
}
