package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zinghub/zingdb/pkg"
)

// The where language: field names, int/string/bool literals and
// comparison operators, composed with && and || and parentheses.
// String literals are single-quoted with backslash escapes; booleans
// are written #T/#TRUE/#F/#FALSE.

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenInt
	tokenString
	tokenBool
	tokenOp
	tokenLparen
	tokenRparen
)

type token struct {
	kind tokenKind
	text string
	num  int
	flag bool
}

type lexer struct {
	input string
	pos   int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && (l.input[l.pos] == ' ' || l.input[l.pos] == '\t') {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokenEOF}, nil
	}

	c := l.input[l.pos]
	switch {
	case c == '(':
		l.pos++
		return token{kind: tokenLparen}, nil
	case c == ')':
		l.pos++
		return token{kind: tokenRparen}, nil
	case c == '\'':
		return l.lexString()
	case c == '#':
		return l.lexHashWord()
	case c >= '0' && c <= '9' || c == '-':
		return l.lexInt()
	case isIdentStart(c):
		start := l.pos
		for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
			l.pos++
		}
		return token{kind: tokenIdent, text: l.input[start:l.pos]}, nil
	}

	for _, op := range []string{"==", "!=", "<=", ">=", "&&", "||", "<", ">"} {
		if strings.HasPrefix(l.input[l.pos:], op) {
			l.pos += len(op)
			return token{kind: tokenOp, text: op}, nil
		}
	}
	return token{}, fmt.Errorf("Invalid character %q at position %d", c, l.pos)
}

func (l *lexer) lexString() (token, error) {
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == '\\' {
			if l.pos+1 >= len(l.input) {
				return token{}, fmt.Errorf("Unterminated escape at position %d", l.pos)
			}
			sb.WriteByte(l.input[l.pos+1])
			l.pos += 2
			continue
		}
		if c == '\'' {
			l.pos++
			return token{kind: tokenString, text: sb.String()}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, fmt.Errorf("Unterminated string literal")
}

func (l *lexer) lexHashWord() (token, error) {
	start := l.pos
	l.pos++
	for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
		l.pos++
	}
	switch strings.ToUpper(l.input[start:l.pos]) {
	case "#T", "#TRUE":
		return token{kind: tokenBool, flag: true}, nil
	case "#F", "#FALSE":
		return token{kind: tokenBool, flag: false}, nil
	}
	return token{}, fmt.Errorf("Invalid literal %s", l.input[start:l.pos])
}

func (l *lexer) lexInt() (token, error) {
	start := l.pos
	if l.input[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.input) && l.input[l.pos] >= '0' && l.input[l.pos] <= '9' {
		l.pos++
	}
	n, err := strconv.Atoi(l.input[start:l.pos])
	if err != nil {
		return token{}, fmt.Errorf("Invalid number %s", l.input[start:l.pos])
	}
	return token{kind: tokenInt, num: n}, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// Expr is a parsed where expression evaluated per record against a
// field lookup.
type Expr interface {
	Eval(lookup func(name string) any) (bool, error)
	// walkIdents visits every field name the expression references.
	walkIdents(visit func(name string))
}

type boolExpr struct {
	op   string // "&&" or "||"
	l, r Expr
}

func (e *boolExpr) Eval(lookup func(string) any) (bool, error) {
	left, err := e.l.Eval(lookup)
	if err != nil {
		return false, err
	}
	if e.op == "&&" && !left {
		return false, nil
	}
	if e.op == "||" && left {
		return true, nil
	}
	return e.r.Eval(lookup)
}

func (e *boolExpr) walkIdents(visit func(string)) {
	e.l.walkIdents(visit)
	e.r.walkIdents(visit)
}

type operand struct {
	ident string
	value any // literal when ident == ""
}

func (o operand) resolve(lookup func(string) any) any {
	if o.ident != "" {
		return lookup(o.ident)
	}
	return o.value
}

type cmpExpr struct {
	op   string
	l, r operand
}

func (e *cmpExpr) Eval(lookup func(string) any) (bool, error) {
	return compareValues(e.op, e.l.resolve(lookup), e.r.resolve(lookup))
}

func (e *cmpExpr) walkIdents(visit func(string)) {
	if e.l.ident != "" {
		visit(e.l.ident)
	}
	if e.r.ident != "" {
		visit(e.r.ident)
	}
}

type literalExpr struct {
	value bool
}

func (e *literalExpr) Eval(func(string) any) (bool, error) {
	return e.value, nil
}

func (e *literalExpr) walkIdents(func(string)) {}

// fieldExpr is a bare boolean field reference.
type fieldExpr struct {
	name string
}

func (e *fieldExpr) Eval(lookup func(string) any) (bool, error) {
	b, ok := lookup(e.name).(bool)
	return ok && b, nil
}

func (e *fieldExpr) walkIdents(visit func(string)) {
	visit(e.name)
}

type parser struct {
	lex *lexer
	tok token
}

// ParseWhere compiles a where expression; empty input matches everything.
func ParseWhere(input string) (Expr, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return &literalExpr{value: true}, nil
	}

	p := &parser{lex: &lexer{input: input}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokenEOF {
		return nil, fmt.Errorf("Unexpected trailing input in where expression")
	}
	return expr, nil
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokenOp && p.tok.text == "||" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &boolExpr{op: "||", l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokenOp && p.tok.text == "&&" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		left = &boolExpr{op: "&&", l: left, r: right}
	}
	return left, nil
}

var cmp_ops = []string{"==", "!=", "<", "<=", ">", ">="}

func (p *parser) parseCmp() (Expr, error) {
	if p.tok.kind == tokenLparen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokenRparen {
			return nil, fmt.Errorf("Missing closing parenthesis")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return inner, nil
	}

	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	if p.tok.kind == tokenOp && pkg.Contains(cmp_ops, p.tok.text) {
		op := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &cmpExpr{op: op, l: left, r: right}, nil
	}

	// bare operand: boolean field or literal
	if left.ident != "" {
		return &fieldExpr{name: left.ident}, nil
	}
	if b, ok := left.value.(bool); ok {
		return &literalExpr{value: b}, nil
	}
	return nil, fmt.Errorf("Expected comparison operator")
}

func (p *parser) parseOperand() (operand, error) {
	var op operand
	switch p.tok.kind {
	case tokenIdent:
		op = operand{ident: p.tok.text}
	case tokenInt:
		op = operand{value: p.tok.num}
	case tokenString:
		op = operand{value: p.tok.text}
	case tokenBool:
		op = operand{value: p.tok.flag}
	default:
		return operand{}, fmt.Errorf("Expected operand in where expression")
	}
	if err := p.advance(); err != nil {
		return operand{}, err
	}
	return op, nil
}

// OrderTerm is one entry of a comma-separated order expression:
// `field #ASC|#DESC`, ascending by default.
type OrderTerm struct {
	Field string
	Desc  bool
}

func ParseOrder(input string) ([]OrderTerm, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, nil
	}

	terms := []OrderTerm{}
	for _, part := range strings.Split(input, ",") {
		fields := strings.Fields(part)
		switch len(fields) {
		case 1:
			terms = append(terms, OrderTerm{Field: fields[0]})
		case 2:
			switch strings.ToUpper(fields[1]) {
			case "#ASC":
				terms = append(terms, OrderTerm{Field: fields[0]})
			case "#DESC":
				terms = append(terms, OrderTerm{Field: fields[0], Desc: true})
			default:
				return nil, fmt.Errorf("Invalid order direction %s", fields[1])
			}
		default:
			return nil, fmt.Errorf("Invalid order term %q", strings.TrimSpace(part))
		}
	}
	return terms, nil
}
