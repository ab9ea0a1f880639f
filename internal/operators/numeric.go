package operators

import (
	"math"
	"math/rand"
	"strings"

	"microsolve/internal/algebra"
	"microsolve/internal/state"
)

// CaseSplitOperator turns a single-unknown squared equality with a numeric
// right-hand side into explicit sign cases.
type CaseSplitOperator struct{}

func (o *CaseSplitOperator) Name() string { return "case_split" }

func (o *CaseSplitOperator) Applicable(st *state.State) bool {
	if len(st.Scope().Derived.Cases) > 0 {
		return false
	}
	_, _, ok := findSquaredEquality(st.Constraints())
	return ok
}

func (o *CaseSplitOperator) Apply(st *state.State) (*state.State, float64) {
	name, rhs, ok := findSquaredEquality(st.Constraints())
	if !ok || rhs < 0 {
		return st, 0
	}
	root := algebra.FormatValue(math.Sqrt(rhs))
	cases := []string{
		name + " = " + root,
		name + " = -" + root,
	}
	st.Scope().Derived.Cases = cases
	st.CaseSplits = [][]string{{cases[0]}, {cases[1]}}
	st.ActiveCase = 0
	return st, float64(len(cases))
}

// findSquaredEquality locates a relation of the form v**2 = <number>.
func findSquaredEquality(rels []string) (string, float64, bool) {
	for _, rel := range rels {
		lhs, op, rhs := algebra.SplitRelation(rel)
		if op != "=" {
			continue
		}
		rv, ok := algebra.EvalNumeric(rhs, nil)
		if !ok || rv < 0 {
			continue
		}
		e, err := algebra.ParseExpr(lhs)
		if err != nil {
			continue
		}
		syms := algebra.FreeSymbols(e)
		if len(syms) != 1 {
			continue
		}
		if algebra.SimplifyExpr(lhs) == syms[0]+"**2" {
			return syms[0], rv, true
		}
	}
	return "", 0, false
}

// BoundInferOperator tightens per-variable domains from inequality
// constraints of the form sym OP number or number OP sym.
type BoundInferOperator struct{}

func (o *BoundInferOperator) Name() string { return "bound_infer" }

func (o *BoundInferOperator) Applicable(st *state.State) bool {
	for _, rel := range st.Constraints() {
		if _, op, _ := algebra.SplitRelation(rel); isInequality(op) {
			return true
		}
	}
	return false
}

func (o *BoundInferOperator) Apply(st *state.State) (*state.State, float64) {
	d := &st.Scope().Derived
	if d.Bounds == nil {
		d.Bounds = map[string]state.Interval{}
	}
	tightened := 0
	for _, rel := range st.Constraints() {
		lhs, op, rhs := algebra.SplitRelation(rel)
		if !isInequality(op) {
			continue
		}
		name, limit, rev, ok := boundParts(lhs, op, rhs)
		if !ok {
			continue
		}
		iv := d.Bounds[name]
		lower := strings.HasPrefix(op, ">")
		if rev {
			lower = !lower
		}
		if lower {
			if !iv.HasLow || limit > iv.Low {
				iv.Low = limit
				iv.HasLow = true
				tightened++
			}
		} else {
			if !iv.HasHigh || limit < iv.High {
				iv.High = limit
				iv.HasHigh = true
				tightened++
			}
		}
		d.Bounds[name] = iv
	}
	return st, float64(tightened)
}

func isInequality(op string) bool {
	switch op {
	case "<", "<=", ">", ">=":
		return true
	}
	return false
}

// boundParts normalizes an inequality into (symbol, numeric limit, reversed).
func boundParts(lhs, op, rhs string) (string, float64, bool, bool) {
	if v, ok := algebra.EvalNumeric(rhs, nil); ok {
		syms := algebra.RelationFreeSymbols(lhs)
		if len(syms) == 1 && algebra.SimplifyExpr(lhs) == syms[0] {
			return syms[0], v, false, true
		}
	}
	if v, ok := algebra.EvalNumeric(lhs, nil); ok {
		syms := algebra.RelationFreeSymbols(rhs)
		if len(syms) == 1 && algebra.SimplifyExpr(rhs) == syms[0] {
			return syms[0], v, true, true
		}
	}
	return "", 0, false, false
}

// DomainPruneOperator drops sample entries that violate known bounds or sign
// qualifiers. It owns only the sample entries it removes.
type DomainPruneOperator struct{}

func (o *DomainPruneOperator) Name() string { return "domain_prune" }

func (o *DomainPruneOperator) Applicable(st *state.State) bool {
	return len(st.Scope().Derived.Sample) > 0
}

func (o *DomainPruneOperator) Apply(st *state.State) (*state.State, float64) {
	d := &st.Scope().Derived
	removed := 0
	for name, v := range d.Sample {
		if violatesBounds(v, d.Bounds[name]) || violatesQualifiers(v, d.Qualifiers[name]) {
			delete(d.Sample, name)
			removed++
		}
	}
	return st, float64(removed)
}

func violatesBounds(v float64, iv state.Interval) bool {
	if iv.HasLow && v < iv.Low {
		return true
	}
	if iv.HasHigh && v > iv.High {
		return true
	}
	return false
}

func violatesQualifiers(v float64, quals map[string]bool) bool {
	for q, on := range quals {
		if !on {
			continue
		}
		switch q {
		case "positive":
			if v <= 0 {
				return true
			}
		case "nonnegative":
			if v < 0 {
				return true
			}
		case "negative":
			if v >= 0 {
				return true
			}
		case "nonpositive":
			if v > 0 {
				return true
			}
		}
	}
	return false
}

// FeasibleSampleOperator draws one uniform sample per unbound unknown,
// respecting bounds and qualifiers, defaulting to [-1, 1].
type FeasibleSampleOperator struct{}

func (o *FeasibleSampleOperator) Name() string { return "feasible_sample" }

func (o *FeasibleSampleOperator) Applicable(st *state.State) bool {
	return len(st.Scope().Unbound()) > 0 && len(st.Scope().Derived.Sample) == 0
}

func (o *FeasibleSampleOperator) Apply(st *state.State) (*state.State, float64) {
	sc := st.Scope()
	d := &sc.Derived
	if d.Sample == nil {
		d.Sample = map[string]float64{}
	}
	rng := rand.New(rand.NewSource(sampleSeed(st.NumericSeed)))
	drawn := 0
	for _, name := range sc.Unbound() {
		low, high := -1.0, 1.0
		if iv, ok := d.Bounds[name]; ok {
			if iv.HasLow {
				low = iv.Low
			}
			if iv.HasHigh {
				high = iv.High
			}
		}
		for q, on := range d.Qualifiers[name] {
			if !on {
				continue
			}
			switch q {
			case "positive", "nonnegative":
				if low < 0 {
					low = 0
				}
			case "negative", "nonpositive":
				if high > 0 {
					high = 0
				}
			}
		}
		if high < low {
			continue
		}
		d.Sample[name] = low + rng.Float64()*(high-low)
		drawn++
	}
	return st, float64(drawn)
}

func sampleSeed(seed float64) int64 {
	return int64(seed*1e9) + 1
}

// NumericSolveOperator appends the first fully numeric-evaluable right-hand
// side as a candidate.
type NumericSolveOperator struct{}

func (o *NumericSolveOperator) Name() string { return "numeric_solve" }

func (o *NumericSolveOperator) Applicable(st *state.State) bool {
	if len(st.Answers().Candidates) > 0 {
		return false
	}
	_, ok := firstNumericRHS(st)
	return ok
}

func (o *NumericSolveOperator) Apply(st *state.State) (*state.State, float64) {
	v, ok := firstNumericRHS(st)
	if !ok {
		return st, 0
	}
	st.AddCandidate(algebra.FormatValue(v))
	return st, 1.0
}

func firstNumericRHS(st *state.State) (float64, bool) {
	env := st.Scope().Env
	for _, rel := range st.Constraints() {
		lhs, op, rhs := algebra.SplitRelation(rel)
		if op != "=" {
			continue
		}
		if _, lok := algebra.EvalNumeric(lhs, nil); lok {
			continue // nothing to bind
		}
		if v, ok := algebra.EvalNumeric(rhs, env); ok {
			return v, true
		}
	}
	return 0, false
}

// GridRefineOperator rounds sample values to the active grid precision.
type GridRefineOperator struct{}

func (o *GridRefineOperator) Name() string { return "grid_refine" }

func (o *GridRefineOperator) Applicable(st *state.State) bool {
	return len(st.Scope().Derived.Sample) > 0
}

func (o *GridRefineOperator) Apply(st *state.State) (*state.State, float64) {
	d := &st.Scope().Derived
	decimals := d.GridDecimals
	if decimals == 0 {
		decimals = 3
	}
	scale := math.Pow(10, float64(decimals))
	changed := 0
	for name, v := range d.Sample {
		r := math.Round(v*scale) / scale
		if r != v {
			d.Sample[name] = r
			changed++
		}
	}
	return st, float64(changed)
}

// QuadratureOperator evaluates the definite integral requested through the
// derived integrand/interval slots.
type QuadratureOperator struct{}

func (o *QuadratureOperator) Name() string { return "quadrature" }

func (o *QuadratureOperator) Applicable(st *state.State) bool {
	d := st.Scope().Derived
	return d.Integrand != "" && d.Interval != nil && d.IntegralValue == nil
}

func (o *QuadratureOperator) Apply(st *state.State) (*state.State, float64) {
	d := &st.Scope().Derived
	if d.Integrand == "" || d.Interval == nil {
		return st, 0
	}
	name := "x"
	if syms := algebra.RelationFreeSymbols(d.Integrand); len(syms) > 0 {
		name = syms[0]
	}
	v, ok := algebra.DefiniteIntegral(d.Integrand, name, d.Interval[0], d.Interval[1])
	if !ok {
		return st, 0
	}
	d.IntegralValue = &v
	return st, 1.0
}

// RationalizeOperator rewrites decimal candidates as exact fractions.
type RationalizeOperator struct{}

func (o *RationalizeOperator) Name() string { return "rationalize" }

func (o *RationalizeOperator) Applicable(st *state.State) bool {
	for _, c := range st.Answers().Candidates {
		if strings.Contains(c, ".") {
			return true
		}
	}
	return false
}

func (o *RationalizeOperator) Apply(st *state.State) (*state.State, float64) {
	a := st.Answers()
	converted := 0
	for i, c := range a.Candidates {
		frac, ok := algebra.RationalizeValue(c)
		if !ok {
			continue
		}
		if a.Best == c {
			a.Best = frac
		}
		a.Candidates[i] = frac
		converted++
	}
	return st, float64(converted)
}

// DiffOperator differentiates the derived expression slot.
type DiffOperator struct{}

func (o *DiffOperator) Name() string { return "diff" }

func (o *DiffOperator) Applicable(st *state.State) bool {
	d := st.Scope().Derived
	return d.Expression != "" && d.Derivative == ""
}

func (o *DiffOperator) Apply(st *state.State) (*state.State, float64) {
	d := &st.Scope().Derived
	name := diffVar(d.Expression)
	out, err := algebra.DiffExpr(d.Expression, name)
	if err != nil {
		return st, 0
	}
	d.Derivative = out
	return st, float64(len(d.Expression) - len(out))
}

// IntegrateOperator antidifferentiates the derived expression slot.
type IntegrateOperator struct{}

func (o *IntegrateOperator) Name() string { return "integrate" }

func (o *IntegrateOperator) Applicable(st *state.State) bool {
	d := st.Scope().Derived
	return d.Expression != "" && d.Integral == ""
}

func (o *IntegrateOperator) Apply(st *state.State) (*state.State, float64) {
	d := &st.Scope().Derived
	name := diffVar(d.Expression)
	out, err := algebra.IntegrateExpr(d.Expression, name)
	if err != nil {
		return st, 0
	}
	d.Integral = out
	return st, float64(len(d.Expression) - len(out))
}

func diffVar(expr string) string {
	if syms := algebra.RelationFreeSymbols(expr); len(syms) > 0 {
		return syms[0]
	}
	return "x"
}
