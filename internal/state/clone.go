package state

// Clone returns an exact deep copy. The orchestrator snapshots the state
// before each step so a rejected step can be reverted without partial
// mutation leaking forward; the copy must therefore be complete.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s

	out.Representations = append([]Representation(nil), s.Representations...)
	out.PendingGoals = append([]string(nil), s.PendingGoals...)
	out.Schemas = append([]string(nil), s.Schemas...)
	out.Strategies = append([]string(nil), s.Strategies...)

	if s.CaseSplits != nil {
		out.CaseSplits = make([][]string, len(s.CaseSplits))
		for i, cs := range s.CaseSplits {
			out.CaseSplits[i] = append([]string(nil), cs...)
		}
	}

	if s.PlanSteps != nil {
		out.PlanSteps = make([]PlanStep, len(s.PlanSteps))
		for i, ps := range s.PlanSteps {
			cp := ps
			if ps.Args != nil {
				cp.Args = make(map[string]any, len(ps.Args))
				for k, v := range ps.Args {
					cp.Args[k] = cloneAny(v)
				}
			}
			out.PlanSteps[i] = cp
		}
	}

	out.R = make(map[Representation]*Repr, len(s.R))
	for rep, r := range s.R {
		out.R[rep] = cloneRepr(r)
	}
	out.C = make(map[Representation][]string, len(s.C))
	for rep, c := range s.C {
		out.C[rep] = append([]string(nil), c...)
	}
	out.V = make(map[Representation]*Scope, len(s.V))
	for rep, v := range s.V {
		out.V[rep] = cloneScope(v)
	}
	out.A = make(map[Representation]*Answers, len(s.A))
	for rep, a := range s.A {
		out.A[rep] = cloneAnswers(a)
	}

	out.M = s.M
	out.M.IndependenceGraph = cloneIndexMap(s.M.IndependenceGraph)
	out.M.RedundantIdx = append([]int(nil), s.M.RedundantIdx...)
	out.M.RedundantConstraints = append([]string(nil), s.M.RedundantConstraints...)
	if s.M.VerificationContext != nil {
		vc := *s.M.VerificationContext
		out.M.VerificationContext = &vc
	}

	return &out
}

// PopulateView deep-copies one view's recognition artifacts, constraints,
// scope and answers into another, seeding an alternative representation from
// the symbolic one before the scheduler may rotate onto it.
func (s *State) PopulateView(from, to Representation) {
	s.R[to] = cloneRepr(s.R[from])
	s.C[to] = append([]string(nil), s.C[from]...)
	s.V[to] = cloneScope(s.V[from])
	s.A[to] = cloneAnswers(s.A[from])
}

func cloneRepr(r *Repr) *Repr {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Sentences = append([]string(nil), r.Sentences...)
	cp.Tokens = append([]string(nil), r.Tokens...)
	if r.TokensPerSentence != nil {
		cp.TokensPerSentence = make([][]string, len(r.TokensPerSentence))
		for i, ts := range r.TokensPerSentence {
			cp.TokensPerSentence[i] = append([]string(nil), ts...)
		}
	}
	return &cp
}

func cloneScope(v *Scope) *Scope {
	if v == nil {
		return nil
	}
	cp := *v
	cp.Variables = append([]string(nil), v.Variables...)
	cp.Constants = append([]string(nil), v.Constants...)
	cp.Parameters = append([]string(nil), v.Parameters...)
	cp.Quantities = append([]Quantity(nil), v.Quantities...)
	cp.Env = cloneFloatMap(v.Env)
	cp.Derived = cloneDerived(v.Derived)
	return &cp
}

func cloneDerived(d Derived) Derived {
	cp := d
	cp.Sample = cloneFloatMap(d.Sample)
	if d.Bounds != nil {
		cp.Bounds = make(map[string]Interval, len(d.Bounds))
		for k, v := range d.Bounds {
			cp.Bounds[k] = v
		}
	}
	if d.Qualifiers != nil {
		cp.Qualifiers = make(map[string]map[string]bool, len(d.Qualifiers))
		for k, set := range d.Qualifiers {
			inner := make(map[string]bool, len(set))
			for q, b := range set {
				inner[q] = b
			}
			cp.Qualifiers[k] = inner
		}
	}
	cp.Cases = append([]string(nil), d.Cases...)
	if d.Interval != nil {
		iv := *d.Interval
		cp.Interval = &iv
	}
	if d.IntegralValue != nil {
		v := *d.IntegralValue
		cp.IntegralValue = &v
	}
	return cp
}

func cloneAnswers(a *Answers) *Answers {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Candidates = append([]string(nil), a.Candidates...)
	if a.Certificate != nil {
		cp.Certificate = a.Certificate.clone()
	}
	return &cp
}

func cloneFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneIndexMap(m map[string][]int) map[string][]int {
	if m == nil {
		return nil
	}
	out := make(map[string][]int, len(m))
	for k, v := range m {
		out[k] = append([]int(nil), v...)
	}
	return out
}

func cloneAny(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneAny(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneAny(e)
		}
		return out
	}
	return v
}
