// Package operators implements the fixed pool of small state transformations
// the scheduler chooses from. Each operator is atomic: Applicable is a cheap,
// side-effect-free precondition; Apply performs one transformation and
// reports a progress delta; on any internal failure Apply returns the state
// untouched with a zero delta so the scheduler loop never degrades.
package operators

import (
	"strings"

	"microsolve/internal/algebra"
	"microsolve/internal/state"
	"microsolve/internal/verification"
)

// Operator is one strategy in the pool.
type Operator interface {
	Name() string
	Applicable(st *state.State) bool
	Apply(st *state.State) (*state.State, float64)
}

// Scorer is implemented by operators with a cheap score estimate. Operators
// without it are scored by a dry-run Apply on a snapshot.
type Scorer interface {
	Score(st *state.State) float64
}

// Score estimates the progress delta Apply would produce, without committing
// a mutation.
func Score(op Operator, st *state.State) float64 {
	if s, ok := op.(Scorer); ok {
		return s.Score(st)
	}
	_, delta := op.Apply(st.Clone())
	return delta
}

// DefaultPool returns the standard operator pool in selection order.
func DefaultPool() []Operator {
	return []Operator{
		&SolveOperator{},
		&VerifyOperator{},
		&SimplifyOperator{},
		&EliminateOperator{},
		&TransformOperator{Action: "expand"},
		&CaseSplitOperator{},
		&BoundInferOperator{},
		&DomainPruneOperator{},
		&FeasibleSampleOperator{},
		&NumericSolveOperator{},
		&GridRefineOperator{},
		&QuadratureOperator{},
		&RationalizeOperator{},
		&DiffOperator{},
		&IntegrateOperator{},
	}
}

// SolveOperator solves for the first unbound unknown once the system is
// exactly determined and no candidate exists yet.
type SolveOperator struct{}

func (o *SolveOperator) Name() string { return "solve" }

func (o *SolveOperator) Applicable(st *state.State) bool {
	sc := st.Scope()
	return st.M.DOF == 0 &&
		len(st.Constraints()) > 0 &&
		len(st.Answers().Candidates) == 0 &&
		len(sc.Variables)+len(sc.Parameters) > 0
}

func (o *SolveOperator) Apply(st *state.State) (*state.State, float64) {
	sc := st.Scope()
	targets := sc.Unbound()
	if len(targets) == 0 {
		targets = append(targets, sc.Variables...)
	}
	for _, target := range targets {
		v, ok := algebra.SolveFor(st.Constraints(), target, sc.Env)
		if !ok {
			continue
		}
		st.AddCandidate(algebra.FormatValue(v))
		sc.Env[target] = v
		return st, 1.0
	}
	return st, 0
}

// VerifyOperator promotes the best candidate to final under the active
// verification policy. The promotion is idempotent: once final is set the
// operator is no longer applicable.
type VerifyOperator struct{}

func (o *VerifyOperator) Name() string { return "verify" }

func (o *VerifyOperator) Applicable(st *state.State) bool {
	if st.Answers().HasFinal {
		return false
	}
	hasCandidate := st.Answers().Best != ""
	_, hasTarget := st.CanonicalTarget()
	switch st.M.VerificationPolicy {
	case state.PolicyOpportunistic:
		return hasCandidate || hasTarget
	default:
		// strict and strict+epilogue both require a well-posed system
		// inside the loop; the epilogue check runs after it.
		return hasCandidate && st.M.DOF == 0
	}
}

func (o *VerifyOperator) Apply(st *state.State) (*state.State, float64) {
	if st.M.VerificationPolicy == state.PolicyOpportunistic {
		verification.AdoptCanonicalTarget(st)
	}
	if verification.VerifyCandidate(st, "VerifyOperator") {
		return st, 1.0
	}
	return st, 0
}

// SimplifyOperator canonicalizes every constraint string. The delta is the
// total character-length reduction.
type SimplifyOperator struct{}

func (o *SimplifyOperator) Name() string { return "simplify" }

func (o *SimplifyOperator) Applicable(st *state.State) bool {
	// One-shot: applicable only while some constraint is non-canonical,
	// otherwise it would shadow every operator behind it in the pool.
	for _, rel := range st.Constraints() {
		if algebra.SimplifyRelation(rel) != rel {
			return true
		}
	}
	return false
}

func (o *SimplifyOperator) Apply(st *state.State) (*state.State, float64) {
	rels := st.Constraints()
	out := make([]string, len(rels))
	before, after := 0, 0
	for i, rel := range rels {
		out[i] = algebra.SimplifyRelation(rel)
		before += len(rel)
		after += len(out[i])
	}
	st.SetConstraints(out)
	return st, float64(before - after)
}

// EliminateOperator substitutes out one unknown. The unknown leaves the
// variable list only when its occurrence count strictly decreased.
type EliminateOperator struct{}

func (o *EliminateOperator) Name() string { return "eliminate" }

func (o *EliminateOperator) Applicable(st *state.State) bool {
	return len(st.Scope().Unbound()) >= 2 && len(st.Constraints()) >= 2
}

func (o *EliminateOperator) Apply(st *state.State) (*state.State, float64) {
	sc := st.Scope()
	unbound := sc.Unbound()
	if len(unbound) < 2 {
		return st, 0
	}
	target := unbound[len(unbound)-1]
	rels := st.Constraints()

	// Prefer a defining relation whose solution is fully determined.
	solveIdx, solution := -1, ""
	for i, rel := range rels {
		sol, ok := algebra.SolveLinearSymbolic(rel, target)
		if !ok {
			continue
		}
		if len(algebra.RelationFreeSymbols(sol)) == 0 {
			solveIdx, solution = i, sol
			break
		}
		if solveIdx < 0 {
			solveIdx, solution = i, sol
		}
	}
	if solveIdx < 0 {
		return st, 0
	}

	next := make([]string, 0, len(rels)-1)
	for i, rel := range rels {
		if i == solveIdx {
			continue
		}
		sub, ok := algebra.SubstituteRelation(rel, target, solution)
		if !ok {
			return st, 0
		}
		next = append(next, sub)
	}

	beforeOcc := occurrences(rels, target)
	afterOcc := occurrences(next, target)
	if afterOcc >= beforeOcc {
		return st, 0
	}
	st.SetConstraints(next)
	sc.Variables = removeName(sc.Variables, target)
	sc.Parameters = removeName(sc.Parameters, target)
	return st, float64(beforeOcc - afterOcc)
}

func occurrences(rels []string, name string) int {
	n := 0
	for _, rel := range rels {
		for _, s := range algebra.RelationFreeSymbols(rel) {
			if s == name {
				n += strings.Count(rel, name)
			}
		}
	}
	return n
}

func removeName(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

// TransformOperator applies one named rewrite to every constraint.
type TransformOperator struct {
	Action string // "expand", "factor" or "simplify"
}

func (o *TransformOperator) Name() string { return "transform" }

func (o *TransformOperator) Applicable(st *state.State) bool {
	rewrite := o.rewriteFn()
	for _, rel := range st.Constraints() {
		lhs, op, rhs := algebra.SplitRelation(rel)
		if rewrite(lhs) != lhs {
			return true
		}
		if op != "" && rewrite(rhs) != rhs {
			return true
		}
	}
	return false
}

func (o *TransformOperator) rewriteFn() func(string) string {
	switch o.Action {
	case "expand":
		return algebra.ExpandExpr
	case "factor":
		return algebra.FactorExpr
	}
	return algebra.SimplifyExpr
}

func (o *TransformOperator) Apply(st *state.State) (*state.State, float64) {
	rewrite := o.rewriteFn()
	rels := st.Constraints()
	out := make([]string, len(rels))
	before, after := 0, 0
	for i, rel := range rels {
		lhs, op, rhs := algebra.SplitRelation(rel)
		if op == "" {
			out[i] = rewrite(lhs)
		} else {
			out[i] = rewrite(lhs) + " " + op + " " + rewrite(rhs)
		}
		before += len(rel)
		after += len(out[i])
	}
	st.SetConstraints(out)
	return st, float64(before - after)
}
