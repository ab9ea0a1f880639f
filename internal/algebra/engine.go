package algebra

import (
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// Engine-level helpers working on relation strings. Operators and the
// constraint analyzer go through these rather than touching Expr nodes,
// mirroring how the rest of the system treats relations as text.

// SimplifyExpr canonicalizes an expression string. Malformed input comes back
// unchanged so callers can treat simplification as best-effort.
func SimplifyExpr(s string) string {
	e, err := ParseExpr(s)
	if err != nil {
		return strings.TrimSpace(s)
	}
	return e.String()
}

// SimplifyRelation canonicalizes both sides of a relation string.
func SimplifyRelation(s string) string {
	lhs, op, rhs := SplitRelation(s)
	if op == "" {
		return SimplifyExpr(lhs)
	}
	return SimplifyExpr(lhs) + " " + op + " " + SimplifyExpr(rhs)
}

// SubEnv substitutes numeric bindings into an expression.
func SubEnv(e Expr, env map[string]float64) Expr {
	names := FreeSymbols(e)
	for _, name := range names {
		if v, ok := env[name]; ok {
			e = e.Sub(name, NFloat(v))
		}
	}
	return e
}

// EvalNumeric evaluates an expression string under numeric bindings.
func EvalNumeric(s string, env map[string]float64) (float64, bool) {
	e, err := ParseExpr(s)
	if err != nil {
		return 0, false
	}
	v, ok := SubEnv(e, env).Eval()
	return v, ok
}

// FormatValue renders a float the way candidates and bindings are stored:
// values within 1e-9 of an integer print as that integer.
func FormatValue(f float64) string {
	if n, ok := snapInt(f); ok {
		return strconv.FormatInt(n, 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// RelationFreeSymbols returns the sorted free symbols of a relation string.
func RelationFreeSymbols(s string) []string {
	lhs, op, rhs := SplitRelation(s)
	set := map[string]struct{}{}
	if e, err := ParseExpr(lhs); err == nil {
		e.free(set)
	}
	if op != "" && rhs != "" {
		if e, err := ParseExpr(rhs); err == nil {
			e.free(set)
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IsEquality reports whether the relation is an equation (as opposed to an
// inequality or bare expression).
func IsEquality(s string) bool {
	_, op, _ := SplitRelation(s)
	return op == "="
}

// Residual returns |lhs - rhs| for an equality under env. Inequalities and
// non-evaluable relations report no residual.
func Residual(s string, env map[string]float64) (float64, bool) {
	lhs, op, rhs := SplitRelation(s)
	if op != "=" {
		return 0, false
	}
	lv, ok := EvalNumeric(lhs, env)
	if !ok {
		return 0, false
	}
	rv, ok := EvalNumeric(rhs, env)
	if !ok {
		return 0, false
	}
	return math.Abs(lv - rv), true
}

// RelationSatisfied checks a relation numerically under env, with a small
// tolerance on equalities.
func RelationSatisfied(s string, env map[string]float64, tol float64) (bool, bool) {
	lhs, op, rhs := SplitRelation(s)
	if op == "" {
		return false, false
	}
	lv, ok := EvalNumeric(lhs, env)
	if !ok {
		return false, false
	}
	rv, ok := EvalNumeric(rhs, env)
	if !ok {
		return false, false
	}
	switch op {
	case "=":
		return math.Abs(lv-rv) <= tol, true
	case "!=":
		return math.Abs(lv-rv) > tol, true
	case "<=":
		return lv <= rv+tol, true
	case ">=":
		return lv >= rv-tol, true
	case "<":
		return lv < rv, true
	case ">":
		return lv > rv, true
	}
	return false, false
}

// ---------------------------------------------------------------------------
// Polynomial structure

// PolyCoeffs extracts the coefficients of an expression as a polynomial in
// name, keyed by degree. Coefficients may themselves be symbolic. The second
// return is false for non-polynomial dependence (e.g. sin(x) in x).
func PolyCoeffs(e Expr, name string) (map[int]Expr, bool) {
	e = Expand(e)
	coeffs := map[int]Expr{}
	add := func(deg int, c Expr) {
		if prev, ok := coeffs[deg]; ok {
			coeffs[deg] = AddOf(prev, c)
		} else {
			coeffs[deg] = c
		}
	}
	terms := []Expr{e}
	if a, ok := e.(*Add); ok {
		terms = a.terms
	}
	for _, t := range terms {
		deg, c, ok := termInVar(t, name)
		if !ok {
			return nil, false
		}
		add(deg, c)
	}
	return coeffs, true
}

// termInVar splits a single product term into (degree in name, coefficient).
func termInVar(t Expr, name string) (int, Expr, bool) {
	factors := []Expr{t}
	if m, ok := t.(*Mul); ok {
		factors = m.factors
	}
	deg := 0
	coef := []Expr{}
	for _, f := range factors {
		switch v := f.(type) {
		case *Sym:
			if v.name == name {
				deg++
				continue
			}
		case *Pow:
			if s, ok := v.base.(*Sym); ok && s.name == name {
				n, isNum := v.exp.(*Num)
				if !isNum || !n.val.IsInt() || n.val.Sign() < 0 {
					return 0, nil, false
				}
				deg += int(n.val.Num().Int64())
				continue
			}
		}
		if containsSymbol(f, name) {
			return 0, nil, false
		}
		coef = append(coef, f)
	}
	if len(coef) == 0 {
		return deg, N(1), true
	}
	return deg, MulOf(coef...), true
}

func containsSymbol(e Expr, name string) bool {
	set := map[string]struct{}{}
	e.free(set)
	_, ok := set[name]
	return ok
}

// Expand distributes products and small integer powers over sums.
func Expand(e Expr) Expr {
	switch v := e.(type) {
	case *Add:
		out := make([]Expr, 0, len(v.terms))
		for _, t := range v.terms {
			out = append(out, Expand(t))
		}
		return AddOf(out...)
	case *Mul:
		acc := []Expr{N(1)}
		for _, f := range v.factors {
			f = Expand(f)
			var terms []Expr
			if a, ok := f.(*Add); ok {
				terms = a.terms
			} else {
				terms = []Expr{f}
			}
			next := make([]Expr, 0, len(acc)*len(terms))
			for _, a := range acc {
				for _, t := range terms {
					next = append(next, MulOf(a, t))
				}
			}
			acc = next
		}
		return AddOf(acc...)
	case *Pow:
		if n, ok := v.exp.(*Num); ok && n.val.IsInt() {
			i := n.val.Num().Int64()
			if i >= 2 && i <= 16 {
				base := Expand(v.base)
				if a, isAdd := base.(*Add); isAdd {
					acc := []Expr{N(1)}
					for k := int64(0); k < i; k++ {
						next := make([]Expr, 0, len(acc)*len(a.terms))
						for _, x := range acc {
							for _, t := range a.terms {
								next = append(next, MulOf(x, t))
							}
						}
						acc = next
					}
					return AddOf(acc...)
				}
			}
		}
	}
	return e
}

// ExpandExpr expands an expression string.
func ExpandExpr(s string) string {
	e, err := ParseExpr(s)
	if err != nil {
		return strings.TrimSpace(s)
	}
	return Expand(e).String()
}

// FactorExpr factors a univariate quadratic with rational roots; anything
// else comes back canonicalized but unfactored.
func FactorExpr(s string) string {
	e, err := ParseExpr(s)
	if err != nil {
		return strings.TrimSpace(s)
	}
	names := FreeSymbols(e)
	if len(names) != 1 {
		return e.String()
	}
	name := names[0]
	coeffs, ok := PolyCoeffs(e, name)
	if !ok {
		return e.String()
	}
	a := numCoeff(coeffs, 2)
	b := numCoeff(coeffs, 1)
	c := numCoeff(coeffs, 0)
	if a == nil || b == nil || c == nil || a.isZero() || maxDegree(coeffs) != 2 {
		return e.String()
	}
	av, _ := a.Eval()
	bv, _ := b.Eval()
	cv, _ := c.Eval()
	disc := bv*bv - 4*av*cv
	if disc < 0 {
		return e.String()
	}
	sq := math.Sqrt(disc)
	r1 := (-bv + sq) / (2 * av)
	r2 := (-bv - sq) / (2 * av)
	n1, ok1 := snapInt(r1)
	n2, ok2 := snapInt(r2)
	if !ok1 || !ok2 {
		return e.String()
	}
	f1 := AddOf(S(name), N(-n1))
	f2 := AddOf(S(name), N(-n2))
	var out Expr
	if n1 == n2 {
		out = &Pow{base: f1, exp: N(2)}
	} else {
		out = &Mul{factors: []Expr{f1, f2}}
	}
	if !a.isOne() {
		out = &Mul{factors: append([]Expr{a}, factorsOf(out)...)}
	}
	return out.String()
}

func factorsOf(e Expr) []Expr {
	if m, ok := e.(*Mul); ok {
		return m.factors
	}
	return []Expr{e}
}

func numCoeff(coeffs map[int]Expr, deg int) *Num {
	c, ok := coeffs[deg]
	if !ok {
		return N(0)
	}
	n, isNum := c.(*Num)
	if !isNum {
		return nil
	}
	return n
}

func maxDegree(coeffs map[int]Expr) int {
	max := 0
	for d, c := range coeffs {
		if n, ok := c.(*Num); ok && n.isZero() {
			continue
		}
		if d > max {
			max = d
		}
	}
	return max
}

// ---------------------------------------------------------------------------
// Solving

// SolveLinearSymbolic solves a single equality for target when the equation is
// linear in target with a numeric leading coefficient. The solution may still
// contain other symbols ("x + y = 3" solved for y gives "3 - x").
func SolveLinearSymbolic(relation, target string) (string, bool) {
	lhs, op, rhs := SplitRelation(relation)
	if op != "=" {
		return "", false
	}
	le, err := ParseExpr(lhs)
	if err != nil {
		return "", false
	}
	re, err := ParseExpr(rhs)
	if err != nil {
		return "", false
	}
	resid := AddOf(le, negate(re))
	coeffs, ok := PolyCoeffs(resid, target)
	if !ok {
		return "", false
	}
	if maxDegree(coeffs) != 1 {
		return "", false
	}
	c1 := numCoeff(coeffs, 1)
	if c1 == nil || c1.isZero() {
		return "", false
	}
	c0, ok := coeffs[0]
	if !ok {
		c0 = N(0)
	}
	sol := Expand(MulOf(numDiv(N(-1), c1), c0))
	return sol.String(), true
}

// SolveFor tries to bind target to a fully numeric value using the given
// equalities and existing bindings.
func SolveFor(relations []string, target string, env map[string]float64) (float64, bool) {
	for _, rel := range relations {
		if !IsEquality(rel) {
			continue
		}
		if v, ok := solveOne(rel, target, env); ok {
			return v, true
		}
	}
	return 0, false
}

// SolveAny finds any (symbol, value) pair solvable from the equalities.
// Symbols are tried in sorted order for determinism.
func SolveAny(relations []string, env map[string]float64) (string, float64, bool) {
	seen := map[string]struct{}{}
	var names []string
	for _, rel := range relations {
		for _, s := range RelationFreeSymbols(rel) {
			if _, bound := env[s]; bound {
				continue
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			names = append(names, s)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if v, ok := SolveFor(relations, name, env); ok {
			return name, v, true
		}
	}
	return "", 0, false
}

func solveOne(relation, target string, env map[string]float64) (float64, bool) {
	lhs, op, rhs := SplitRelation(relation)
	if op != "=" {
		return 0, false
	}
	le, err := ParseExpr(lhs)
	if err != nil {
		return 0, false
	}
	re, err := ParseExpr(rhs)
	if err != nil {
		return 0, false
	}
	filtered := map[string]float64{}
	for k, v := range env {
		if k != target {
			filtered[k] = v
		}
	}
	resid := SubEnv(AddOf(le, negate(re)), filtered)
	coeffs, ok := PolyCoeffs(resid, target)
	if !ok {
		return 0, false
	}
	switch maxDegree(coeffs) {
	case 1:
		c1 := numCoeff(coeffs, 1)
		c0 := numCoeff(coeffs, 0)
		if c1 == nil || c0 == nil || c1.isZero() {
			return 0, false
		}
		v, _ := numDiv(numNeg(c0), c1).Eval()
		return v, true
	case 2:
		roots := quadraticRoots(coeffs)
		if len(roots) > 0 {
			return roots[0], true
		}
	}
	return 0, false
}

// Roots returns the real roots of an equality viewed as a polynomial in
// target (degree at most 2), largest first.
func Roots(relation, target string, env map[string]float64) []float64 {
	lhs, op, rhs := SplitRelation(relation)
	if op != "=" {
		return nil
	}
	le, err := ParseExpr(lhs)
	if err != nil {
		return nil
	}
	re, err := ParseExpr(rhs)
	if err != nil {
		return nil
	}
	filtered := map[string]float64{}
	for k, v := range env {
		if k != target {
			filtered[k] = v
		}
	}
	resid := SubEnv(AddOf(le, negate(re)), filtered)
	coeffs, ok := PolyCoeffs(resid, target)
	if !ok {
		return nil
	}
	switch maxDegree(coeffs) {
	case 1:
		c1 := numCoeff(coeffs, 1)
		c0 := numCoeff(coeffs, 0)
		if c1 == nil || c0 == nil || c1.isZero() {
			return nil
		}
		v, _ := numDiv(numNeg(c0), c1).Eval()
		return []float64{v}
	case 2:
		return quadraticRoots(coeffs)
	}
	return nil
}

func quadraticRoots(coeffs map[int]Expr) []float64 {
	a := numCoeff(coeffs, 2)
	b := numCoeff(coeffs, 1)
	c := numCoeff(coeffs, 0)
	if a == nil || b == nil || c == nil || a.isZero() {
		return nil
	}
	av, _ := a.Eval()
	bv, _ := b.Eval()
	cv, _ := c.Eval()
	disc := bv*bv - 4*av*cv
	if disc < 0 {
		return nil
	}
	sq := math.Sqrt(disc)
	r1 := (-bv + sq) / (2 * av)
	r2 := (-bv - sq) / (2 * av)
	if r1 == r2 {
		return []float64{r1}
	}
	if r1 < r2 {
		r1, r2 = r2, r1
	}
	return []float64{r1, r2}
}

// ---------------------------------------------------------------------------
// Calculus

// DiffExpr differentiates an expression string with respect to name.
func DiffExpr(s, name string) (string, error) {
	e, err := ParseExpr(s)
	if err != nil {
		return "", err
	}
	return Simplify(e.Diff(name)).String(), nil
}

// Simplify re-canonicalizes an expression through the constructor pipeline.
func Simplify(e Expr) Expr {
	switch v := e.(type) {
	case *Add:
		out := make([]Expr, 0, len(v.terms))
		for _, t := range v.terms {
			out = append(out, Simplify(t))
		}
		return AddOf(out...)
	case *Mul:
		out := make([]Expr, 0, len(v.factors))
		for _, f := range v.factors {
			out = append(out, Simplify(f))
		}
		return MulOf(out...)
	case *Pow:
		return PowOf(Simplify(v.base), Simplify(v.exp))
	case *Call:
		return CallOf(v.name, Simplify(v.arg))
	}
	return e
}

// IntegrateExpr returns a polynomial antiderivative (no constant term) of an
// expression string with respect to name, plus ln for 1/x terms.
func IntegrateExpr(s, name string) (string, error) {
	e, err := ParseExpr(s)
	if err != nil {
		return "", err
	}
	anti, ok := antiderivative(Expand(e), name)
	if !ok {
		return "", fmt.Errorf("no closed-form antiderivative for %q", s)
	}
	return Simplify(anti).String(), nil
}

func antiderivative(e Expr, name string) (Expr, bool) {
	terms := []Expr{e}
	if a, ok := e.(*Add); ok {
		terms = a.terms
	}
	var out []Expr
	for _, t := range terms {
		a, ok := antiTerm(t, name)
		if !ok {
			return nil, false
		}
		out = append(out, a)
	}
	return AddOf(out...), true
}

func antiTerm(t Expr, name string) (Expr, bool) {
	deg, coef, ok := termInVarSigned(t, name)
	if !ok {
		// Basic function forms.
		if c, isCall := t.(*Call); isCall {
			if s, isSym := c.arg.(*Sym); isSym && s.name == name {
				switch c.name {
				case "sin":
					return MulOf(N(-1), CallOf("cos", c.arg)), true
				case "cos":
					return CallOf("sin", c.arg), true
				case "exp":
					return CallOf("exp", c.arg), true
				}
			}
		}
		return nil, false
	}
	if containsSymbol(coef, name) {
		return nil, false
	}
	if deg == -1 {
		return MulOf(coef, CallOf("ln", S(name))), true
	}
	return MulOf(coef, F(1, int64(deg+1)), PowOf(S(name), N(int64(deg+1)))), true
}

// termInVarSigned is termInVar extended to negative integer powers.
func termInVarSigned(t Expr, name string) (int, Expr, bool) {
	factors := []Expr{t}
	if m, ok := t.(*Mul); ok {
		factors = m.factors
	}
	deg := 0
	coef := []Expr{}
	for _, f := range factors {
		switch v := f.(type) {
		case *Sym:
			if v.name == name {
				deg++
				continue
			}
		case *Pow:
			if s, ok := v.base.(*Sym); ok && s.name == name {
				n, isNum := v.exp.(*Num)
				if !isNum || !n.val.IsInt() {
					return 0, nil, false
				}
				deg += int(n.val.Num().Int64())
				continue
			}
		}
		if containsSymbol(f, name) {
			return 0, nil, false
		}
		coef = append(coef, f)
	}
	if deg < -1 {
		return 0, nil, false
	}
	if len(coef) == 0 {
		return deg, N(1), true
	}
	return deg, MulOf(coef...), true
}

// DefiniteIntegral evaluates the integral of expr over [a, b] with respect to
// name: symbolically when an antiderivative exists, composite Simpson's rule
// otherwise.
func DefiniteIntegral(expr, name string, a, b float64) (float64, bool) {
	if anti, err := IntegrateExpr(expr, name); err == nil {
		hi, ok1 := EvalNumeric(anti, map[string]float64{name: b})
		lo, ok2 := EvalNumeric(anti, map[string]float64{name: a})
		if ok1 && ok2 {
			return hi - lo, true
		}
	}
	return simpson(expr, name, a, b, 200)
}

func simpson(expr, name string, a, b float64, n int) (float64, bool) {
	if n%2 == 1 {
		n++
	}
	h := (b - a) / float64(n)
	sum := 0.0
	for i := 0; i <= n; i++ {
		x := a + float64(i)*h
		v, ok := EvalNumeric(expr, map[string]float64{name: x})
		if !ok {
			return 0, false
		}
		switch {
		case i == 0 || i == n:
			sum += v
		case i%2 == 1:
			sum += 4 * v
		default:
			sum += 2 * v
		}
	}
	return sum * h / 3, true
}

// ---------------------------------------------------------------------------
// Jacobian and misc

// NumericJacobian evaluates the partial derivatives of each residual
// expression with respect to each variable at the given point. Variables
// missing from the point evaluate at zero.
func NumericJacobian(residuals []Expr, vars []string, point map[string]float64) [][]float64 {
	rows := make([][]float64, len(residuals))
	for i, r := range residuals {
		row := make([]float64, len(vars))
		for j, v := range vars {
			d := r.Diff(v)
			env := map[string]float64{}
			for _, name := range FreeSymbols(d) {
				if p, ok := point[name]; ok {
					env[name] = p
				} else {
					env[name] = 0
				}
			}
			if val, ok := SubEnv(d, env).Eval(); ok {
				row[j] = val
			}
		}
		rows[i] = row
	}
	return rows
}

// ResidualExpr builds lhs - rhs for an equality relation.
func ResidualExpr(relation string) (Expr, bool) {
	lhs, op, rhs := SplitRelation(relation)
	if op != "=" {
		return nil, false
	}
	le, err := ParseExpr(lhs)
	if err != nil {
		return nil, false
	}
	re, err := ParseExpr(rhs)
	if err != nil {
		return nil, false
	}
	return AddOf(le, negate(re)), true
}

// RationalizeValue rewrites a decimal literal as an exact fraction
// ("0.5" -> "1/2"). Non-decimal input reports false.
func RationalizeValue(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, ".") {
		return "", false
	}
	e, err := ParseExpr(s)
	if err != nil {
		return "", false
	}
	n, ok := e.(*Num)
	if !ok {
		return "", false
	}
	if n.val.IsInt() {
		return n.val.Num().String(), true
	}
	r := limitDenominator(n.val, maxRationalDenominator)
	if r.IsInt() {
		return r.Num().String(), true
	}
	return r.RatString(), true
}

// maxRationalDenominator caps fractions produced by RationalizeValue so
// float noise ("0.3333333333333333") collapses to the intended ratio.
const maxRationalDenominator = 1000

// limitDenominator returns the rational closest to r whose denominator
// does not exceed limit, via continued-fraction convergents.
func limitDenominator(r *big.Rat, limit int64) *big.Rat {
	max := big.NewInt(limit)
	if r.Denom().Cmp(max) <= 0 {
		return r
	}
	p0, q0 := big.NewInt(0), big.NewInt(1)
	p1, q1 := big.NewInt(1), big.NewInt(0)
	n := new(big.Int).Set(r.Num())
	d := new(big.Int).Set(r.Denom())
	for {
		a := new(big.Int).Div(n, d)
		q2 := new(big.Int).Add(q0, new(big.Int).Mul(a, q1))
		if q2.Cmp(max) > 0 {
			break
		}
		p2 := new(big.Int).Add(p0, new(big.Int).Mul(a, p1))
		p0, q0, p1, q1 = p1, q1, p2, q2
		n, d = d, new(big.Int).Sub(n, new(big.Int).Mul(a, d))
	}
	k := new(big.Int).Div(new(big.Int).Sub(max, q0), q1)
	lower := new(big.Rat).SetFrac(
		new(big.Int).Add(p0, new(big.Int).Mul(k, p1)),
		new(big.Int).Add(q0, new(big.Int).Mul(k, q1)),
	)
	upper := new(big.Rat).SetFrac(p1, q1)
	du := new(big.Rat).Sub(upper, r)
	dl := new(big.Rat).Sub(lower, r)
	if du.Abs(du).Cmp(dl.Abs(dl)) <= 0 {
		return upper
	}
	return lower
}

// SubstituteRelation replaces a symbol by an expression on both sides of a
// relation and re-simplifies.
func SubstituteRelation(relation, name, value string) (string, bool) {
	val, err := ParseExpr(value)
	if err != nil {
		return "", false
	}
	lhs, op, rhs := SplitRelation(relation)
	le, err := ParseExpr(lhs)
	if err != nil {
		return "", false
	}
	out := Simplify(le.Sub(name, val)).String()
	if op == "" {
		return out, true
	}
	re, err := ParseExpr(rhs)
	if err != nil {
		return "", false
	}
	return out + " " + op + " " + Simplify(re.Sub(name, val)).String(), true
}
