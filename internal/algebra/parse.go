package algebra

import (
	"fmt"
	"math/big"
	"strings"
	"unicode"
)

// Relation operators in match priority order. Two-character operators must be
// probed before their one-character prefixes.
var relationOps = []string{"<=", ">=", "!=", "=", "<", ">"}

// unicode comparison symbols normalize to their ASCII spellings before any
// other processing.
var unicodeOps = strings.NewReplacer(
	"≤", "<=", // ≤
	"≥", ">=", // ≥
	"≠", "!=", // ≠
	"−", "-", // unicode minus
)

// NormalizeRelation cleans a relation string: unicode operators, currency
// markers, and stray whitespace.
func NormalizeRelation(s string) string {
	s = unicodeOps.Replace(s)
	s = strings.ReplaceAll(s, "$", "")
	return strings.TrimSpace(s)
}

// SplitRelation splits a relation string into (lhs, op, rhs). A bare
// expression comes back with an empty op and rhs.
func SplitRelation(s string) (lhs, op, rhs string) {
	s = NormalizeRelation(s)
	for i := 0; i < len(s); i++ {
		for _, cand := range relationOps {
			if !strings.HasPrefix(s[i:], cand) {
				continue
			}
			// "==" is tolerated as "=".
			j := i + len(cand)
			if cand == "=" && j < len(s) && s[j] == '=' {
				j++
			}
			return strings.TrimSpace(s[:i]), cand, strings.TrimSpace(s[j:])
		}
	}
	return s, "", ""
}

// ParseExpr parses an expression string into an Expr. Implicit multiplication
// is supported ("2x", "3(x + 1)").
func ParseExpr(s string) (Expr, error) {
	s = NormalizeRelation(s)
	if s == "" {
		return nil, fmt.Errorf("empty expression")
	}
	toks, err := lex(s)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("unexpected token %q in %q", p.toks[p.pos].text, s)
	}
	return e, nil
}

// MustParse is a test helper; it panics on malformed input.
func MustParse(s string) Expr {
	e, err := ParseExpr(s)
	if err != nil {
		panic(err)
	}
	return e
}

type tokKind int

const (
	tokNum tokKind = iota
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
}

func lex(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := rune(s[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c >= '0' && c <= '9' || c == '.':
			j := i
			seenDot := false
			for j < len(s) && (s[j] >= '0' && s[j] <= '9' || s[j] == '.' && !seenDot) {
				if s[j] == '.' {
					seenDot = true
				}
				j++
			}
			toks = append(toks, token{tokNum, s[i:j]})
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(s) && (unicode.IsLetter(rune(s[j])) || unicode.IsDigit(rune(s[j])) || s[j] == '_') {
				j++
			}
			toks = append(toks, token{tokIdent, s[i:j]})
			i = j
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '*':
			if i+1 < len(s) && s[i+1] == '*' {
				toks = append(toks, token{tokOp, "**"})
				i += 2
			} else {
				toks = append(toks, token{tokOp, "*"})
				i++
			}
		case c == '^':
			toks = append(toks, token{tokOp, "**"})
			i++
		case c == '+' || c == '-' || c == '/':
			toks = append(toks, token{tokOp, string(c)})
			i++
		case c == ',':
			toks = append(toks, token{tokOp, ","})
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q", c)
		}
	}
	return insertImplicitMul(toks), nil
}

// insertImplicitMul turns "2x", "2(", ")x", ")(", "x(" (non-function) into
// explicit products.
func insertImplicitMul(toks []token) []token {
	out := make([]token, 0, len(toks))
	for i, t := range toks {
		if i > 0 {
			prev := toks[i-1]
			prevEnds := prev.kind == tokNum || prev.kind == tokIdent || prev.kind == tokRParen
			starts := t.kind == tokNum || t.kind == tokIdent ||
				(t.kind == tokLParen && !(prev.kind == tokIdent && isFuncName(prev.text)))
			if prevEnds && starts {
				out = append(out, token{tokOp, "*"})
			}
		}
		out = append(out, t)
	}
	return out
}

func isFuncName(name string) bool {
	_, ok := callEval[name]
	return ok
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) acceptOp(text string) bool {
	if t, ok := p.peek(); ok && t.kind == tokOp && t.text == text {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseSum() (Expr, error) {
	first, err := p.parseProduct()
	if err != nil {
		return nil, err
	}
	terms := []Expr{first}
	for {
		if p.acceptOp("+") {
			t, err := p.parseProduct()
			if err != nil {
				return nil, err
			}
			terms = append(terms, t)
			continue
		}
		if p.acceptOp("-") {
			t, err := p.parseProduct()
			if err != nil {
				return nil, err
			}
			terms = append(terms, negate(t))
			continue
		}
		break
	}
	return AddOf(terms...), nil
}

func (p *parser) parseProduct() (Expr, error) {
	first, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	factors := []Expr{first}
	for {
		if p.acceptOp("*") {
			f, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			factors = append(factors, f)
			continue
		}
		if p.acceptOp("/") {
			f, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			factors = append(factors, PowOf(f, N(-1)))
			continue
		}
		break
	}
	return MulOf(factors...), nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.acceptOp("-") {
		e, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return negate(e), nil
	}
	if p.acceptOp("+") {
		return p.parseUnary()
	}
	return p.parsePower()
}

func (p *parser) parsePower() (Expr, error) {
	base, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	if p.acceptOp("**") {
		// Right-associative.
		exp, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return PowOf(base, exp), nil
	}
	return base, nil
}

func (p *parser) parseAtom() (Expr, error) {
	t, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	switch t.kind {
	case tokNum:
		p.pos++
		r, good := new(big.Rat).SetString(t.text)
		if !good {
			return nil, fmt.Errorf("bad number %q", t.text)
		}
		return &Num{val: r}, nil
	case tokIdent:
		p.pos++
		if isFuncName(t.text) {
			if next, ok2 := p.peek(); ok2 && next.kind == tokLParen {
				p.pos++
				arg, err := p.parseSum()
				if err != nil {
					return nil, err
				}
				if n, ok3 := p.peek(); !ok3 || n.kind != tokRParen {
					return nil, fmt.Errorf("missing ) after %s(", t.text)
				}
				p.pos++
				return CallOf(t.text, arg), nil
			}
		}
		return S(t.text), nil
	case tokLParen:
		p.pos++
		e, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		if n, ok2 := p.peek(); !ok2 || n.kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return e, nil
	}
	return nil, fmt.Errorf("unexpected token %q", t.text)
}
