package compiler

import (
	"strings"
	"unicode"

	"querygrid/internal/domain"
)

// The derived-metric formula language: +, -, *, /, parentheses, numeric
// literals, and metric references (declared alias or positional m0..mN).
// Everything else is rejected at parse time, never at execution time.

type formulaNode interface {
	sql(p *formulaPrinter) string
}

type numNode struct{ text string }

type refNode struct{ index int }

type binNode struct {
	op    byte
	left  formulaNode
	right formulaNode
}

type formulaPrinter struct {
	aliases   []string
	divToZero bool
}

func (n *numNode) sql(*formulaPrinter) string { return n.text }

func (n *refNode) sql(p *formulaPrinter) string { return quoteIdent(p.aliases[n.index]) }

func (n *binNode) sql(p *formulaPrinter) string {
	l, r := n.left.sql(p), n.right.sql(p)
	if n.op == '/' {
		// Guard every division; the zero policy folds NULL back to 0.
		expr := "(" + l + " / NULLIF(" + r + ", 0))"
		if p.divToZero {
			expr = "COALESCE(" + expr + ", 0)"
		}
		return expr
	}
	return "(" + l + " " + string(n.op) + " " + r + ")"
}

// compileFormula parses and renders a formula over the given metric
// aliases. The declared metric set must equal the set of references the
// formula actually uses; either direction of mismatch is invalid_formula.
func compileFormula(formula string, aliases []string, divPolicy string) (string, error) {
	p := &formulaParser{input: formula, aliases: aliases, used: make(map[int]bool)}
	node, err := p.parseExpr()
	if err != nil {
		return "", err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return "", domain.ErrValidation(domain.CodeInvalidFormula, "unexpected %q in formula", p.input[p.pos:])
	}
	for i, alias := range aliases {
		if !p.used[i] {
			return "", domain.ErrValidation(domain.CodeInvalidFormula, "declared metric %q is not used by the formula", alias)
		}
	}
	printer := &formulaPrinter{aliases: aliases, divToZero: strings.EqualFold(divPolicy, "zero")}
	return node.sql(printer), nil
}

type formulaParser struct {
	input   string
	pos     int
	aliases []string
	used    map[int]bool
}

func (p *formulaParser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *formulaParser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

// expr := term (('+' | '-') term)*
func (p *formulaParser) parseExpr() (formulaNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		op := p.peek()
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &binNode{op: op, left: left, right: right}
	}
}

// term := factor (('*' | '/') factor)*
func (p *formulaParser) parseTerm() (formulaNode, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		op := p.peek()
		if op != '*' && op != '/' {
			return left, nil
		}
		p.pos++
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = &binNode{op: op, left: left, right: right}
	}
}

// factor := NUMBER | REF | '(' expr ')'
func (p *formulaParser) parseFactor() (formulaNode, error) {
	p.skipSpace()
	c := p.peek()
	switch {
	case c == '(':
		p.pos++
		node, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return nil, domain.ErrValidation(domain.CodeInvalidFormula, "missing closing parenthesis")
		}
		p.pos++
		return node, nil
	case c >= '0' && c <= '9':
		return p.parseNumber()
	case c == '_' || unicode.IsLetter(rune(c)):
		return p.parseRef()
	case c == 0:
		return nil, domain.ErrValidation(domain.CodeInvalidFormula, "formula ends unexpectedly")
	default:
		return nil, domain.ErrValidation(domain.CodeInvalidFormula, "unexpected character %q in formula", string(c))
	}
}

func (p *formulaParser) parseNumber() (formulaNode, error) {
	start := p.pos
	sawDot := false
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == '.' {
			if sawDot {
				return nil, domain.ErrValidation(domain.CodeInvalidFormula, "malformed number in formula")
			}
			sawDot = true
			p.pos++
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		p.pos++
	}
	return &numNode{text: p.input[start:p.pos]}, nil
}

func (p *formulaParser) parseRef() (formulaNode, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := rune(p.input[p.pos])
		if c != '_' && !unicode.IsLetter(c) && !unicode.IsDigit(c) {
			break
		}
		p.pos++
	}
	name := strings.ToLower(p.input[start:p.pos])
	idx, ok := p.resolve(name)
	if !ok {
		return nil, domain.ErrValidation(domain.CodeInvalidFormula, "formula references undeclared metric %q", name)
	}
	p.used[idx] = true
	return &refNode{index: idx}, nil
}

// resolve matches a reference by declared alias first, then by the
// positional form m<i>.
func (p *formulaParser) resolve(name string) (int, bool) {
	for i, alias := range p.aliases {
		if alias == name {
			return i, true
		}
	}
	if strings.HasPrefix(name, "m") {
		n := 0
		digits := name[1:]
		if digits == "" {
			return 0, false
		}
		for _, c := range digits {
			if c < '0' || c > '9' {
				return 0, false
			}
			n = n*10 + int(c-'0')
		}
		if n < len(p.aliases) {
			return n, true
		}
	}
	return 0, false
}
