// Package algebra implements the symbolic/numeric engine behind the solver's
// algebra-oracle contract: parsing relation strings, deterministic
// simplification, solving, numeric evaluation with integer snapping, numeric
// Jacobians, and single-variable calculus.
//
// The kernel uses exact rational arithmetic (math/big.Rat) so that repeated
// rewrites stay deterministic and printable in a stable canonical form. Every
// exported entry point is total: malformed input yields an error or a
// (zero, false) result, never a panic.
package algebra

import (
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"
)

// Expr is a symbolic expression node.
type Expr interface {
	// String renders the canonical text form ("2*x", "x**2", "(x + 1)**2").
	String() string
	// Diff returns the derivative with respect to name.
	Diff(name string) Expr
	// Sub substitutes value for every occurrence of the named symbol.
	Sub(name string, value Expr) Expr
	// Eval returns a numeric value when the expression has no free symbols.
	Eval() (float64, bool)
	// free accumulates free symbol names.
	free(set map[string]struct{})
}

// Num is an exact rational constant.
type Num struct{ val *big.Rat }

// N builds an integer constant.
func N(n int64) *Num { return &Num{val: new(big.Rat).SetInt64(n)} }

// F builds a fraction p/q. q must be non-zero.
func F(p, q int64) *Num {
	if q == 0 {
		q = 1
	}
	return &Num{val: new(big.Rat).SetFrac(big.NewInt(p), big.NewInt(q))}
}

// NFloat builds a rational from a float64.
func NFloat(f float64) *Num {
	r := new(big.Rat).SetFloat64(f)
	if r == nil {
		r = new(big.Rat)
	}
	return &Num{val: r}
}

func (n *Num) String() string {
	if n.val.IsInt() {
		return n.val.Num().String()
	}
	return n.val.RatString()
}

func (n *Num) Diff(string) Expr         { return N(0) }
func (n *Num) Sub(string, Expr) Expr    { return n }
func (n *Num) Eval() (float64, bool)    { f, _ := n.val.Float64(); return f, true }
func (n *Num) free(map[string]struct{}) {}

func (n *Num) sign() int     { return n.val.Sign() }
func (n *Num) isZero() bool  { return n.val.Sign() == 0 }
func (n *Num) isOne() bool   { return n.val.Cmp(ratOne) == 0 }
func (n *Num) rat() *big.Rat { return new(big.Rat).Set(n.val) }

var ratOne = big.NewRat(1, 1)

func numAdd(a, b *Num) *Num { return &Num{val: new(big.Rat).Add(a.val, b.val)} }
func numMul(a, b *Num) *Num { return &Num{val: new(big.Rat).Mul(a.val, b.val)} }
func numNeg(a *Num) *Num    { return &Num{val: new(big.Rat).Neg(a.val)} }
func numDiv(a, b *Num) *Num {
	if b.isZero() {
		return N(0)
	}
	return &Num{val: new(big.Rat).Quo(a.val, b.val)}
}

// Sym is a free symbol.
type Sym struct{ name string }

// S builds a symbol.
func S(name string) *Sym { return &Sym{name: name} }

func (s *Sym) String() string { return s.name }
func (s *Sym) Diff(name string) Expr {
	if s.name == name {
		return N(1)
	}
	return N(0)
}
func (s *Sym) Sub(name string, value Expr) Expr {
	if s.name == name {
		return value
	}
	return s
}
func (s *Sym) Eval() (float64, bool)        { return 0, false }
func (s *Sym) free(set map[string]struct{}) { set[s.name] = struct{}{} }

// Add is a sum of terms.
type Add struct{ terms []Expr }

// AddOf builds a simplified sum.
func AddOf(terms ...Expr) Expr { return simplifyAdd(terms) }

func (a *Add) Diff(name string) Expr {
	out := make([]Expr, 0, len(a.terms))
	for _, t := range a.terms {
		out = append(out, t.Diff(name))
	}
	return AddOf(out...)
}

func (a *Add) Sub(name string, value Expr) Expr {
	out := make([]Expr, 0, len(a.terms))
	for _, t := range a.terms {
		out = append(out, t.Sub(name, value))
	}
	return AddOf(out...)
}

func (a *Add) Eval() (float64, bool) {
	sum := 0.0
	for _, t := range a.terms {
		v, ok := t.Eval()
		if !ok {
			return 0, false
		}
		sum += v
	}
	return sum, true
}

func (a *Add) free(set map[string]struct{}) {
	for _, t := range a.terms {
		t.free(set)
	}
}

// Mul is a product of factors.
type Mul struct{ factors []Expr }

// MulOf builds a simplified product.
func MulOf(factors ...Expr) Expr { return simplifyMul(factors) }

func (m *Mul) Diff(name string) Expr {
	// Product rule over all factors.
	var terms []Expr
	for i := range m.factors {
		parts := make([]Expr, 0, len(m.factors))
		for j, f := range m.factors {
			if i == j {
				parts = append(parts, f.Diff(name))
			} else {
				parts = append(parts, f)
			}
		}
		terms = append(terms, MulOf(parts...))
	}
	return AddOf(terms...)
}

func (m *Mul) Sub(name string, value Expr) Expr {
	out := make([]Expr, 0, len(m.factors))
	for _, f := range m.factors {
		out = append(out, f.Sub(name, value))
	}
	return MulOf(out...)
}

func (m *Mul) Eval() (float64, bool) {
	prod := 1.0
	for _, f := range m.factors {
		v, ok := f.Eval()
		if !ok {
			return 0, false
		}
		prod *= v
	}
	return prod, true
}

func (m *Mul) free(set map[string]struct{}) {
	for _, f := range m.factors {
		f.free(set)
	}
}

// Pow is base**exp.
type Pow struct{ base, exp Expr }

// PowOf builds a simplified power.
func PowOf(base, exp Expr) Expr { return simplifyPow(base, exp) }

func (p *Pow) Diff(name string) Expr {
	// Only the power rule with constant exponent is supported; general
	// exponentials come through Call("exp", ...).
	if e, ok := p.exp.(*Num); ok {
		coef := e
		newExp := numAdd(e, N(-1))
		return MulOf(coef, PowOf(p.base, newExp), p.base.Diff(name))
	}
	return N(0)
}

func (p *Pow) Sub(name string, value Expr) Expr {
	return PowOf(p.base.Sub(name, value), p.exp.Sub(name, value))
}

func (p *Pow) Eval() (float64, bool) {
	b, ok := p.base.Eval()
	if !ok {
		return 0, false
	}
	e, ok := p.exp.Eval()
	if !ok {
		return 0, false
	}
	v := math.Pow(b, e)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func (p *Pow) free(set map[string]struct{}) {
	p.base.free(set)
	p.exp.free(set)
}

// Call is a one-argument function application (sin, cos, exp, ln, sqrt, abs).
type Call struct {
	name string
	arg  Expr
}

// CallOf builds a function application.
func CallOf(name string, arg Expr) Expr { return simplifyCall(name, arg) }

var callEval = map[string]func(float64) float64{
	"sin":  math.Sin,
	"cos":  math.Cos,
	"tan":  math.Tan,
	"exp":  math.Exp,
	"ln":   math.Log,
	"log":  math.Log,
	"sqrt": math.Sqrt,
	"abs":  math.Abs,
}

func (c *Call) String() string { return c.name + "(" + c.arg.String() + ")" }

func (c *Call) Diff(name string) Expr {
	inner := c.arg.Diff(name)
	var outer Expr
	switch c.name {
	case "sin":
		outer = CallOf("cos", c.arg)
	case "cos":
		outer = MulOf(N(-1), CallOf("sin", c.arg))
	case "exp":
		outer = CallOf("exp", c.arg)
	case "ln", "log":
		outer = PowOf(c.arg, N(-1))
	case "sqrt":
		outer = MulOf(F(1, 2), PowOf(c.arg, F(-1, 2)))
	default:
		return N(0)
	}
	return MulOf(outer, inner)
}

func (c *Call) Sub(name string, value Expr) Expr {
	return CallOf(c.name, c.arg.Sub(name, value))
}

func (c *Call) Eval() (float64, bool) {
	fn, ok := callEval[c.name]
	if !ok {
		return 0, false
	}
	v, ok := c.arg.Eval()
	if !ok {
		return 0, false
	}
	out := fn(v)
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return 0, false
	}
	return out, true
}

func (c *Call) free(set map[string]struct{}) { c.arg.free(set) }

// ---------------------------------------------------------------------------
// Simplification

// simplifyAdd flattens nested sums, folds numeric terms, and combines like
// terms by their canonical printed key.
func simplifyAdd(terms []Expr) Expr {
	var flat []Expr
	var queue []Expr
	queue = append(queue, terms...)
	sum := N(0)
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		switch v := t.(type) {
		case *Add:
			queue = append(queue, v.terms...)
		case *Num:
			sum = numAdd(sum, v)
		default:
			flat = append(flat, t)
		}
	}

	// Combine like terms: coefficient per canonical non-numeric part.
	type bucket struct {
		coef *Num
		body Expr
		pos  int
	}
	buckets := map[string]*bucket{}
	order := 0
	for _, t := range flat {
		coef, body := splitCoef(t)
		key := body.String()
		if b, ok := buckets[key]; ok {
			b.coef = numAdd(b.coef, coef)
			continue
		}
		buckets[key] = &bucket{coef: coef, body: body, pos: order}
		order++
	}
	combined := make([]*bucket, 0, len(buckets))
	for _, b := range buckets {
		if b.coef.isZero() {
			continue
		}
		combined = append(combined, b)
	}
	sort.Slice(combined, func(i, j int) bool {
		ki, kj := termSortKey(combined[i].body), termSortKey(combined[j].body)
		if ki != kj {
			return ki < kj
		}
		return combined[i].pos < combined[j].pos
	})

	out := make([]Expr, 0, len(combined)+1)
	for _, b := range combined {
		if b.coef.isOne() {
			out = append(out, b.body)
		} else {
			out = append(out, MulOf(b.coef, b.body))
		}
	}
	if !sum.isZero() || len(out) == 0 {
		out = append(out, sum)
	}
	if len(out) == 1 {
		return out[0]
	}
	return &Add{terms: out}
}

// splitCoef factors a numeric coefficient out of a term.
func splitCoef(e Expr) (*Num, Expr) {
	m, ok := e.(*Mul)
	if !ok {
		return N(1), e
	}
	coef := N(1)
	var rest []Expr
	for _, f := range m.factors {
		if n, isNum := f.(*Num); isNum {
			coef = numMul(coef, n)
		} else {
			rest = append(rest, f)
		}
	}
	if len(rest) == 0 {
		return coef, N(1)
	}
	if len(rest) == 1 {
		return coef, rest[0]
	}
	return coef, &Mul{factors: rest}
}

// termSortKey orders sum terms: higher degree first, then lexicographic.
// This yields "x**2 + 2*x + 1" and "x + 1" style output.
func termSortKey(e Expr) string {
	d := exprDegree(e)
	return fmt.Sprintf("%03d|%s", 999-clampDegree(d), e.String())
}

func clampDegree(d int) int {
	if d < 0 {
		return 0
	}
	if d > 999 {
		return 999
	}
	return d
}

// exprDegree is the total polynomial degree of a term, 0 for non-polynomials.
func exprDegree(e Expr) int {
	switch v := e.(type) {
	case *Num:
		return 0
	case *Sym:
		return 1
	case *Mul:
		sum := 0
		for _, f := range v.factors {
			sum += exprDegree(f)
		}
		return sum
	case *Pow:
		if n, ok := v.exp.(*Num); ok && n.val.IsInt() {
			i := n.val.Num().Int64()
			return exprDegree(v.base) * int(i)
		}
	}
	return 0
}

func simplifyMul(factors []Expr) Expr {
	var flat []Expr
	queue := append([]Expr(nil), factors...)
	coef := N(1)
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		switch v := f.(type) {
		case *Mul:
			queue = append(queue, v.factors...)
		case *Num:
			coef = numMul(coef, v)
		default:
			flat = append(flat, f)
		}
	}
	if coef.isZero() {
		return N(0)
	}

	// Merge equal bases into powers.
	type bucket struct {
		base Expr
		exp  *Num
		pos  int
	}
	buckets := map[string]*bucket{}
	var other []Expr // factors with non-numeric exponents pass through
	order := 0
	for _, f := range flat {
		base, exp := f, N(1)
		if p, ok := f.(*Pow); ok {
			if n, isNum := p.exp.(*Num); isNum {
				base, exp = p.base, n
			} else {
				other = append(other, f)
				continue
			}
		}
		key := base.String()
		if b, ok := buckets[key]; ok {
			b.exp = numAdd(b.exp, exp)
			continue
		}
		buckets[key] = &bucket{base: base, exp: exp, pos: order}
		order++
	}
	merged := make([]*bucket, 0, len(buckets))
	for _, b := range buckets {
		if b.exp.isZero() {
			continue
		}
		merged = append(merged, b)
	}
	sort.Slice(merged, func(i, j int) bool {
		si, sj := merged[i].base.String(), merged[j].base.String()
		if si != sj {
			return si < sj
		}
		return merged[i].pos < merged[j].pos
	})

	out := make([]Expr, 0, len(merged)+len(other)+1)
	if !coef.isOne() {
		out = append(out, coef)
	}
	for _, b := range merged {
		if b.exp.isOne() {
			out = append(out, b.base)
		} else {
			out = append(out, &Pow{base: b.base, exp: b.exp})
		}
	}
	out = append(out, other...)
	if len(out) == 0 {
		return N(1)
	}
	if len(out) == 1 {
		return out[0]
	}
	return &Mul{factors: out}
}

func simplifyPow(base, exp Expr) Expr {
	if e, ok := exp.(*Num); ok {
		if e.isZero() {
			return N(1)
		}
		if e.isOne() {
			return base
		}
		if b, isNum := base.(*Num); isNum && e.val.IsInt() {
			// Exact integer powers of rationals.
			i := e.val.Num().Int64()
			if i > 0 && i <= 64 {
				r := ratOne
				acc := new(big.Rat).Set(r)
				for k := int64(0); k < i; k++ {
					acc = new(big.Rat).Mul(acc, b.val)
				}
				return &Num{val: acc}
			}
			if i < 0 && i >= -64 && b.val.Sign() != 0 {
				inv := new(big.Rat).Inv(b.val)
				acc := new(big.Rat).Set(ratOne)
				for k := int64(0); k < -i; k++ {
					acc = new(big.Rat).Mul(acc, inv)
				}
				return &Num{val: acc}
			}
		}
		if p, isPow := base.(*Pow); isPow {
			if inner, ok2 := p.exp.(*Num); ok2 {
				return simplifyPow(p.base, numMul(inner, e))
			}
		}
	}
	return &Pow{base: base, exp: exp}
}

func simplifyCall(name string, arg Expr) Expr {
	if v, ok := arg.Eval(); ok {
		if fn, known := callEval[name]; known {
			out := fn(v)
			if !math.IsNaN(out) && !math.IsInf(out, 0) {
				if snapped, isInt := snapInt(out); isInt {
					return N(snapped)
				}
			}
		}
	}
	return &Call{name: name, arg: arg}
}

// ---------------------------------------------------------------------------
// Printing

func (a *Add) String() string {
	var sb strings.Builder
	for i, t := range a.terms {
		coef, _ := splitCoef(t)
		neg := coef.sign() < 0
		if i == 0 {
			if neg {
				sb.WriteString("-")
				sb.WriteString(renderTerm(negate(t)))
			} else {
				sb.WriteString(renderTerm(t))
			}
			continue
		}
		if neg {
			sb.WriteString(" - ")
			sb.WriteString(renderTerm(negate(t)))
		} else {
			sb.WriteString(" + ")
			sb.WriteString(renderTerm(t))
		}
	}
	return sb.String()
}

func negate(e Expr) Expr { return MulOf(N(-1), e) }

func renderTerm(e Expr) string {
	if _, ok := e.(*Add); ok {
		return "(" + e.String() + ")"
	}
	return e.String()
}

func (m *Mul) String() string {
	parts := make([]string, 0, len(m.factors))
	for _, f := range m.factors {
		s := f.String()
		switch f.(type) {
		case *Add:
			s = "(" + s + ")"
		case *Num:
			if strings.Contains(s, "/") || strings.HasPrefix(s, "-") {
				// keep "1/2*x" unambiguous and sign out front
				if strings.HasPrefix(s, "-") && len(parts) > 0 {
					s = "(" + s + ")"
				}
			}
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "*")
}

func (p *Pow) String() string {
	b := p.base.String()
	switch p.base.(type) {
	case *Add, *Mul, *Pow:
		b = "(" + b + ")"
	case *Num:
		if strings.Contains(b, "/") || strings.HasPrefix(b, "-") {
			b = "(" + b + ")"
		}
	}
	e := p.exp.String()
	switch p.exp.(type) {
	case *Add, *Mul, *Pow:
		e = "(" + e + ")"
	default:
		if strings.Contains(e, "/") || strings.HasPrefix(e, "-") {
			e = "(" + e + ")"
		}
	}
	return b + "**" + e
}

// ---------------------------------------------------------------------------
// Shared helpers

// FreeSymbols returns the sorted free symbol names of an expression.
func FreeSymbols(e Expr) []string {
	set := map[string]struct{}{}
	e.free(set)
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// snapInt reports whether f is within 1e-9 of an integer.
func snapInt(f float64) (int64, bool) {
	r := math.Round(f)
	if math.Abs(f-r) < 1e-9 && math.Abs(r) < 1e15 {
		return int64(r), true
	}
	return 0, false
}
