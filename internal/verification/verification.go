// Package verification gates the promotion of a candidate value to a final,
// trusted answer and builds the anytime certificate extracted at the end of
// every solve attempt.
package verification

import (
	"fmt"

	"microsolve/internal/algebra"
	"microsolve/internal/state"
)

const satisfactionTol = 1e-9

// VerifyCandidate checks the best candidate of the active view and promotes
// it to final on success, recording an audit context in the metric bucket.
// Exactly one method runs per attempt: a custom verifier callable, canonical
// target comparison, or substitution into the original constraints. Zero
// substitution checks performed counts as not verified.
//
// Once final is set the call is a no-op returning false.
func VerifyCandidate(st *state.State, via string) bool {
	a := st.Answers()
	if a.HasFinal {
		return false
	}
	candidate := a.Best
	if candidate == "" {
		return false
	}

	env := st.Scope().Env
	ctx := &state.VerifyContext{Via: via, DOFAtVerify: st.M.DOF}

	ok := false
	switch {
	case st.E.Verifier != nil:
		ctx.Method = "custom_verifier"
		ok = st.E.Verifier(candidate)
		ctx.Evidence = fmt.Sprintf("verifier=%t", ok)

	default:
		if target, has := st.CanonicalTarget(); has {
			ctx.Method = "canonical_target"
			cv, okc := evalWithFallback(candidate, env)
			tv, okt := evalWithFallback(target, env)
			if okc && okt {
				ok = cv == tv
				ctx.Evidence = fmt.Sprintf("candidate=%v target=%v", cv, tv)
			} else {
				ctx.Evidence = "unevaluable"
			}
			break
		}
		ctx.Method = "substitution"
		checked := 0
		holds := true
		if env2, bound := bindCandidate(st, candidate); bound {
			for _, rel := range st.Constraints() {
				sat, evald := algebra.RelationSatisfied(rel, env2, satisfactionTol)
				if !evald {
					continue
				}
				checked++
				if !sat {
					holds = false
					break
				}
			}
		}
		ok = holds && checked > 0
		ctx.Evidence = fmt.Sprintf("checks=%d holds=%t", checked, ok)
	}

	st.M.VerificationContext = ctx
	if ok {
		st.SetFinal(candidate, "verified")
	}
	return ok
}

// AdoptCanonicalTarget appends the evaluated canonical target as a candidate
// when no candidate exists yet. Used by the opportunistic policy and the
// scheduler epilogue.
func AdoptCanonicalTarget(st *state.State) bool {
	if st.Answers().Best != "" {
		return false
	}
	target, has := st.CanonicalTarget()
	if !has {
		return false
	}
	v, ok := evalWithFallback(target, st.Scope().Env)
	if !ok {
		return false
	}
	st.AddCandidate(algebra.FormatValue(v))
	return true
}

func evalWithFallback(expr string, env map[string]float64) (float64, bool) {
	if v, ok := algebra.EvalNumeric(expr, env); ok {
		return v, true
	}
	return algebra.EvalNumeric(expr, nil)
}

// bindCandidate extends env with the candidate value bound to the inferred
// target symbol.
func bindCandidate(st *state.State, candidate string) (map[string]float64, bool) {
	val, ok := algebra.EvalNumeric(candidate, st.Scope().Env)
	if !ok {
		return nil, false
	}
	name, ok := TargetSymbol(st)
	env2 := map[string]float64{}
	for k, v := range st.Scope().Env {
		env2[k] = v
	}
	if ok {
		env2[name] = val
	}
	return env2, true
}

// TargetSymbol infers which symbol a candidate value binds: the single
// unbound unknown when there is exactly one, otherwise the single free symbol
// across all constraints.
func TargetSymbol(st *state.State) (string, bool) {
	unbound := st.Scope().Unbound()
	if len(unbound) == 1 {
		return unbound[0], true
	}
	set := map[string]struct{}{}
	for _, rel := range st.Constraints() {
		for _, s := range algebra.RelationFreeSymbols(rel) {
			set[s] = struct{}{}
		}
	}
	if len(set) == 1 {
		for s := range set {
			return s, true
		}
	}
	return "", false
}

// BuildCertificate snapshots the best available value and its residuals
// against the active constraints. It is built exactly once per solve attempt,
// even when no candidate was ever produced.
func BuildCertificate(st *state.State) *state.Certificate {
	cert := &state.Certificate{Residuals: map[string]float64{}}
	a := st.Answers()
	switch {
	case a.HasFinal:
		cert.Value = a.Final
		cert.HasValue = true
		cert.Verified = true
	case len(a.Candidates) > 0:
		cert.Value = a.Candidates[len(a.Candidates)-1]
		cert.HasValue = true
	default:
		return cert
	}

	env := st.Scope().Env
	if env2, bound := bindCandidate(st, cert.Value); bound {
		env = env2
	}
	for _, rel := range st.Constraints() {
		if !algebra.IsEquality(rel) {
			continue
		}
		if r, ok := algebra.Residual(rel, env); ok {
			cert.Residuals[rel] = r
		}
	}
	return cert
}
