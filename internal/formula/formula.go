// Package formula compiles and evaluates ranking formulas.
//
// The grammar is deliberately small:
//
//	expr    = term { ("+" | "-") term }
//	term    = unary { ("*" | "/") unary }
//	unary   = ("+" | "-") unary | primary
//	primary = number | ident { "." ident } | "(" expr ")"
//
// Identifiers are dotted paths such as offer.priority or profile.engagement_score
// and are resolved against an Env at evaluation time. There are no comparisons,
// function calls or string values.
package formula

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// SyntaxError reports a malformed formula and the byte offset where parsing failed.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("formula: %s at position %d", e.Msg, e.Pos)
}

// EvalError reports a formula that parsed but could not be evaluated.
type EvalError struct {
	Pos int
	Msg string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("formula: %s at position %d", e.Msg, e.Pos)
}

// Env resolves identifiers to numeric values.
type Env interface {
	Lookup(name string) (float64, bool)
}

// EnvFunc adapts a function to Env.
type EnvFunc func(name string) (float64, bool)

func (f EnvFunc) Lookup(name string) (float64, bool) { return f(name) }

// Vars is a fixed set of variables.
type Vars map[string]float64

func (v Vars) Lookup(name string) (float64, bool) {
	x, ok := v[name]
	return x, ok
}

// Expression is a compiled formula. It is immutable and safe for concurrent use.
type Expression struct {
	source string
	root   node
	idents []string
}

// Compile parses source into an Expression.
func Compile(source string) (*Expression, error) {
	p := &parser{lex: lexer{src: source}}
	p.next()
	if p.tok.kind == tokEOF {
		return nil, &SyntaxError{Pos: 0, Msg: "empty expression"}
	}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, &SyntaxError{Pos: p.tok.pos, Msg: fmt.Sprintf("unexpected %s", p.tok)}
	}
	return &Expression{source: source, root: root, idents: p.idents}, nil
}

// Eval evaluates the expression against env.
func (e *Expression) Eval(env Env) (float64, error) {
	v, err := e.root.eval(env)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &EvalError{Pos: 0, Msg: "result is not a finite number"}
	}
	return v, nil
}

// Identifiers returns the identifiers referenced by the expression, in source order.
func (e *Expression) Identifiers() []string {
	out := make([]string, len(e.idents))
	copy(out, e.idents)
	return out
}

func (e *Expression) String() string { return e.source }

type node interface {
	eval(env Env) (float64, error)
}

type numberNode float64

func (n numberNode) eval(Env) (float64, error) { return float64(n), nil }

type identNode struct {
	name string
	pos  int
}

func (n identNode) eval(env Env) (float64, error) {
	if env != nil {
		if v, ok := env.Lookup(n.name); ok {
			return v, nil
		}
	}
	return 0, &EvalError{Pos: n.pos, Msg: fmt.Sprintf("unresolved identifier %q", n.name)}
}

type unaryNode struct {
	op      byte
	operand node
}

func (n unaryNode) eval(env Env) (float64, error) {
	v, err := n.operand.eval(env)
	if err != nil {
		return 0, err
	}
	if n.op == '-' {
		return -v, nil
	}
	return v, nil
}

type binaryNode struct {
	op          byte
	pos         int
	left, right node
}

func (n binaryNode) eval(env Env) (float64, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return 0, err
	}
	r, err := n.right.eval(env)
	if err != nil {
		return 0, err
	}
	switch n.op {
	case '+':
		return l + r, nil
	case '-':
		return l - r, nil
	case '*':
		return l * r, nil
	default:
		if r == 0 {
			return 0, &EvalError{Pos: n.pos, Msg: "division by zero"}
		}
		return l / r, nil
	}
}

type parser struct {
	lex    lexer
	tok    token
	idents []string
}

func (p *parser) next() {
	p.tok = p.lex.scan()
}

func (p *parser) parseExpr() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.op == '+' || p.tok.op == '-') {
		op, pos := p.tok.op, p.tok.pos
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, pos: pos, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseTerm() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.op == '*' || p.tok.op == '/') {
		op, pos := p.tok.op, p.tok.pos
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, pos: pos, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.tok.kind == tokOp && (p.tok.op == '+' || p.tok.op == '-') {
		op := p.tok.op
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: op, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.tok
	switch tok.kind {
	case tokNumber:
		p.next()
		return numberNode(tok.num), nil
	case tokIdent:
		p.next()
		p.idents = append(p.idents, tok.text)
		return identNode{name: tok.text, pos: tok.pos}, nil
	case tokLParen:
		p.next()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, &SyntaxError{Pos: p.tok.pos, Msg: fmt.Sprintf("expected ')' but found %s", p.tok)}
		}
		p.next()
		return inner, nil
	case tokIllegal:
		return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("illegal character %q", tok.text)}
	default:
		return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected %s", tok)}
	}
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokIllegal
)

type token struct {
	kind tokenKind
	pos  int
	text string
	num  float64
	op   byte
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of expression"
	case tokNumber:
		return "number " + t.text
	case tokIdent:
		return "identifier " + t.text
	default:
		return strconv.Quote(t.text)
	}
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) scan() token {
	for l.pos < len(l.src) && isSpace(l.src[l.pos]) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}
	}
	start := l.pos
	c := l.src[l.pos]
	switch {
	case isDigit(c) || (c == '.' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1])):
		return l.scanNumber()
	case isIdentStart(c):
		return l.scanIdent()
	case c == '+' || c == '-' || c == '*' || c == '/':
		l.pos++
		return token{kind: tokOp, pos: start, text: string(c), op: c}
	case c == '(':
		l.pos++
		return token{kind: tokLParen, pos: start, text: "("}
	case c == ')':
		l.pos++
		return token{kind: tokRParen, pos: start, text: ")"}
	}
	l.pos++
	return token{kind: tokIllegal, pos: start, text: string(c)}
}

func (l *lexer) scanNumber() token {
	start := l.pos
	for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
		l.pos++
	}
	if l.pos < len(l.src) && l.src[l.pos] == '.' {
		l.pos++
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.pos++
		}
	}
	text := l.src[start:l.pos]
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{kind: tokIllegal, pos: start, text: text}
	}
	return token{kind: tokNumber, pos: start, text: text, num: v}
}

// scanIdent reads a dotted identifier such as profile.engagement_score.
func (l *lexer) scanIdent() token {
	start := l.pos
	var b strings.Builder
	for {
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			b.WriteByte(l.src[l.pos])
			l.pos++
		}
		if l.pos+1 < len(l.src) && l.src[l.pos] == '.' && isIdentStart(l.src[l.pos+1]) {
			b.WriteByte('.')
			l.pos++
			continue
		}
		break
	}
	return token{kind: tokIdent, pos: start, text: b.String()}
}

func isSpace(c byte) bool      { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isIdentPart(c byte) bool  { return isIdentStart(c) || isDigit(c) }
