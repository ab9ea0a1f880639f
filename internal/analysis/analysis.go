// Package analysis implements the constraint/DOF analyzer: numeric Jacobians
// of equality residuals, redundancy detection via row reduction, the
// unknown-to-constraint independence graph, and best-effort rank repair.
//
// Every entry point degrades gracefully: a constraint that cannot be
// differentiated is silently excluded, and rank repair falls back to the
// input on any internal failure. The scheduler's termination guarantee
// depends on nothing here ever aborting.
package analysis

import (
	"math"

	"microsolve/internal/algebra"
)

// coefEps is the threshold below which a Jacobian coefficient is treated as
// zero for independence and pivoting purposes.
const coefEps = 1e-12

// Report summarizes one analyzer pass over a constraint set.
type Report struct {
	// Rank of the equality-constraint Jacobian.
	Rank int
	// DOF is len(unknowns) - Rank.
	DOF int
	// RedundantIdx are indices into the full constraint list whose equality
	// rows are linear combinations of earlier ones.
	RedundantIdx []int
	// Independence maps each unknown to the constraint indices with a
	// non-negligible coefficient.
	Independence map[string][]int
	// EqIdx maps Jacobian row order back to full constraint list indices.
	EqIdx []int
}

// Analyze computes the Jacobian-based metrics for the given constraints and
// unknowns, evaluated at env bindings where present and zero elsewhere.
func Analyze(constraints []string, unknowns []string, env map[string]float64) Report {
	rep := Report{Independence: map[string][]int{}}
	if len(unknowns) == 0 {
		return rep
	}

	var residuals []algebra.Expr
	for i, rel := range constraints {
		r, ok := algebra.ResidualExpr(rel)
		if !ok {
			continue
		}
		residuals = append(residuals, r)
		rep.EqIdx = append(rep.EqIdx, i)
	}
	if len(residuals) == 0 {
		rep.DOF = len(unknowns)
		return rep
	}

	jac := algebra.NumericJacobian(residuals, unknowns, env)

	// Redundancy: row-reduce the transposed Jacobian; equality rows whose
	// column holds no pivot are linear combinations of earlier rows.
	trans := transpose(jac)
	_, pivots := RREF(trans)
	pivotSet := map[int]struct{}{}
	for _, p := range pivots {
		pivotSet[p] = struct{}{}
	}
	for row := range jac {
		if _, ok := pivotSet[row]; !ok {
			rep.RedundantIdx = append(rep.RedundantIdx, rep.EqIdx[row])
		}
	}
	rep.Rank = len(pivots)
	rep.DOF = len(unknowns) - rep.Rank

	for col, name := range unknowns {
		for row := range jac {
			if math.Abs(jac[row][col]) > coefEps {
				rep.Independence[name] = append(rep.Independence[name], rep.EqIdx[row])
			}
		}
	}
	return rep
}

// RREF row-reduces a matrix in place on a copy and returns the reduced matrix
// together with its pivot column indices in order.
func RREF(m [][]float64) ([][]float64, []int) {
	if len(m) == 0 {
		return nil, nil
	}
	rows := len(m)
	cols := len(m[0])
	a := make([][]float64, rows)
	for i := range m {
		a[i] = append([]float64(nil), m[i]...)
	}

	var pivots []int
	r := 0
	for c := 0; c < cols && r < rows; c++ {
		// Partial pivoting for numeric stability.
		best := r
		for i := r + 1; i < rows; i++ {
			if math.Abs(a[i][c]) > math.Abs(a[best][c]) {
				best = i
			}
		}
		if math.Abs(a[best][c]) <= coefEps {
			continue
		}
		a[r], a[best] = a[best], a[r]
		pv := a[r][c]
		for j := c; j < cols; j++ {
			a[r][j] /= pv
		}
		for i := 0; i < rows; i++ {
			if i == r || math.Abs(a[i][c]) <= coefEps {
				continue
			}
			f := a[i][c]
			for j := c; j < cols; j++ {
				a[i][j] -= f * a[r][j]
			}
		}
		pivots = append(pivots, c)
		r++
	}
	return a, pivots
}

func transpose(m [][]float64) [][]float64 {
	if len(m) == 0 {
		return nil
	}
	rows := len(m)
	cols := len(m[0])
	out := make([][]float64, cols)
	for c := 0; c < cols; c++ {
		out[c] = make([]float64, rows)
		for r := 0; r < rows; r++ {
			out[c][r] = m[r][c]
		}
	}
	return out
}

// RepairResult describes what AttemptRankRepair removed and substituted.
type RepairResult struct {
	Constraints   []string
	Removed       []string
	Substitutions map[string]string
}

// AttemptRankRepair drops redundant equality constraints and, where a removed
// constraint can be solved for some unknown, folds the solution back into the
// survivors as a substitution. On any failure the original constraint set is
// returned unchanged with an empty report.
func AttemptRankRepair(constraints []string, unknowns []string, env map[string]float64) RepairResult {
	out := RepairResult{
		Constraints:   append([]string(nil), constraints...),
		Substitutions: map[string]string{},
	}
	rep := Analyze(constraints, unknowns, env)
	if len(rep.RedundantIdx) == 0 {
		return out
	}

	redundant := map[int]struct{}{}
	for _, i := range rep.RedundantIdx {
		redundant[i] = struct{}{}
	}
	var kept, removed []string
	for i, rel := range constraints {
		if _, drop := redundant[i]; drop {
			removed = append(removed, rel)
		} else {
			kept = append(kept, rel)
		}
	}

	subs := map[string]string{}
	for _, rel := range removed {
		for _, name := range algebra.RelationFreeSymbols(rel) {
			sol, ok := algebra.SolveLinearSymbolic(rel, name)
			if !ok {
				continue
			}
			// Only fold fully determined values; a solution that still
			// mentions other unknowns would rewrite survivors ambiguously.
			if len(algebra.RelationFreeSymbols(sol)) > 0 {
				continue
			}
			next := make([]string, 0, len(kept))
			failed := false
			for _, k := range kept {
				sub, ok := algebra.SubstituteRelation(k, name, sol)
				if !ok {
					failed = true
					break
				}
				next = append(next, sub)
			}
			if failed {
				continue
			}
			kept = next
			subs[name] = sol
			break
		}
	}

	out.Constraints = kept
	out.Removed = removed
	out.Substitutions = subs
	return out
}
