// Package parser implements a recursive-descent parser over
// Snorkel's restricted SELECT grammar, following the
// machparse-style Parser shape (current-token cursor, accumulated
// errors) narrowed to the documented productions only.
package parser

import (
	"strconv"
	"strings"

	"github.com/dreamware/snorkel/internal/sql/ast"
	"github.com/dreamware/snorkel/internal/sql/lexer"
	"github.com/dreamware/snorkel/internal/sql/token"
)

// ParseError is a single parse failure: byte offset plus the expected
// token set, enough for a caller to render a caret under the bad token.
type ParseError struct {
	Expected string
	Got      string
	Pos      int
}

func (e ParseError) Error() string {
	return "parse error at offset " + strconv.Itoa(e.Pos) + ": expected " + e.Expected + ", got " + e.Got
}

// Parser parses one SELECT statement from a fixed input string.
type Parser struct {
	lx     *lexer.Lexer
	cur    token.Item
	errors []ParseError
}

// New returns a Parser primed to parse input.
func New(input string) *Parser {
	p := &Parser{lx: lexer.New(input)}
	p.advance()
	return p
}

func (p *Parser) advance() { p.cur = p.lx.Next() }

func (p *Parser) curIs(t token.Token) bool { return p.cur.Type == t }

func (p *Parser) errorf(expected string) {
	p.errors = append(p.errors, ParseError{Pos: p.cur.Pos, Expected: expected, Got: tokenDesc(p.cur)})
}

func tokenDesc(it token.Item) string {
	if it.Type == token.EOF {
		return "end of input"
	}
	if it.Value != "" {
		return it.Value
	}
	return it.Type.String()
}

// expect consumes the current token if it matches t, recording an error
// and returning false otherwise (the caller should then bail out of
// the current production).
func (p *Parser) expect(t token.Token, expected string) bool {
	if !p.curIs(t) {
		p.errorf(expected)
		return false
	}
	p.advance()
	return true
}

// Parse parses a single query. On any failure it returns the partial
// AST plus the first accumulated ParseError; Errors() returns all of
// them.
func (p *Parser) Parse() (*ast.Query, error) {
	q := p.parseQuery()
	if len(p.errors) > 0 {
		return q, p.errors[0]
	}
	if !p.curIs(token.EOF) {
		p.errorf("end of input")
		return q, p.errors[0]
	}
	return q, nil
}

// Errors returns every error accumulated during parsing, in order.
func (p *Parser) Errors() []ParseError { return p.errors }

func (p *Parser) parseQuery() *ast.Query {
	q := &ast.Query{}
	if !p.expect(token.SELECT, "SELECT") {
		return q
	}
	q.Proj = p.parseProjList()

	if !p.expect(token.FROM, "FROM") {
		return q
	}
	if !p.curIs(token.IDENT) {
		p.errorf("table name")
		return q
	}
	q.From = p.cur.Value
	p.advance()

	if p.curIs(token.WHERE) {
		p.advance()
		q.Where = p.parseExpr()
	}

	if p.curIs(token.GROUP) {
		p.advance()
		if !p.expect(token.BY, "BY") {
			return q
		}
		q.GroupBy = p.parseIdentList()
	}

	if p.curIs(token.ORDER) {
		p.advance()
		if !p.expect(token.BY, "BY") {
			return q
		}
		if !p.curIs(token.IDENT) {
			p.errorf("column name")
			return q
		}
		ob := &ast.OrderBy{Column: p.cur.Value}
		p.advance()
		if p.curIs(token.ASC) {
			p.advance()
		} else if p.curIs(token.DESC) {
			ob.Dir = ast.Desc
			p.advance()
		}
		q.Order = ob
	}

	if p.curIs(token.LIMIT) {
		p.advance()
		if !p.curIs(token.INT) {
			p.errorf("integer")
			return q
		}
		n, _ := strconv.Atoi(p.cur.Value)
		q.Limit = n
		q.HasLimit = true
		p.advance()
	}

	return q
}

func (p *Parser) parseIdentList() []string {
	var out []string
	for {
		if !p.curIs(token.IDENT) {
			p.errorf("column name")
			return out
		}
		out = append(out, p.cur.Value)
		p.advance()
		if !p.curIs(token.COMMA) {
			return out
		}
		p.advance()
	}
}

func (p *Parser) parseProjList() []ast.Proj {
	var out []ast.Proj
	for {
		out = append(out, p.parseProj())
		if !p.curIs(token.COMMA) {
			return out
		}
		p.advance()
	}
}

var aggTokens = map[token.Token]ast.AggKind{
	token.COUNT:      ast.Count,
	token.SUM:        ast.Sum,
	token.AVG:        ast.Avg,
	token.MIN:        ast.Min,
	token.MAX:        ast.Max,
	token.PERCENTILE: ast.Percentile,
}

func (p *Parser) parseProj() ast.Proj {
	if p.curIs(token.STAR) {
		p.advance()
		return ast.Proj{Star: true}
	}

	if p.curIs(token.TIME_BUCKET) {
		p.advance()
		return p.parseTimeBucket()
	}

	if kind, ok := aggTokens[p.cur.Type]; ok {
		p.advance()
		return p.parseAgg(kind)
	}

	if !p.curIs(token.IDENT) {
		p.errorf("column, '*', or aggregate")
		return ast.Proj{}
	}
	name := p.cur.Value
	p.advance()
	proj := ast.Proj{Column: name}
	p.parseOptionalAlias(&proj)
	return proj
}

func (p *Parser) parseAgg(kind ast.AggKind) ast.Proj {
	proj := ast.Proj{Agg: kind}
	if !p.expect(token.LPAREN, "(") {
		return proj
	}
	if kind == ast.Count && p.curIs(token.STAR) {
		proj.Star = true
		p.advance()
	} else {
		if !p.curIs(token.IDENT) {
			p.errorf("column name")
			return proj
		}
		proj.Column = p.cur.Value
		p.advance()
	}
	if kind == ast.Percentile {
		if !p.expect(token.COMMA, ",") {
			return proj
		}
		if !p.curIs(token.FLOAT) && !p.curIs(token.INT) {
			p.errorf("percentile fraction")
			return proj
		}
		f, _ := strconv.ParseFloat(p.cur.Value, 64)
		proj.Arg = f
		proj.HasArg = true
		p.advance()
	}
	if !p.expect(token.RPAREN, ")") {
		return proj
	}
	p.parseOptionalAlias(&proj)
	return proj
}

func (p *Parser) parseTimeBucket() ast.Proj {
	proj := ast.Proj{Bucket: &ast.TimeBucket{}}
	if !p.expect(token.LPAREN, "(") {
		return proj
	}
	if !p.curIs(token.IDENT) {
		p.errorf("column name")
		return proj
	}
	proj.Bucket.Column = p.cur.Value
	p.advance()
	if !p.expect(token.COMMA, ",") {
		return proj
	}
	ms, ok := p.parseInterval()
	if !ok {
		return proj
	}
	proj.Bucket.IntervalMS = ms
	if !p.expect(token.RPAREN, ")") {
		return proj
	}
	p.parseOptionalAlias(&proj)
	return proj
}

// intervalUnits maps the fixed vocabulary names to their
// millisecond factor; a general duration-parsing dependency would be
// overkill for this closed set.
var intervalUnits = map[string]int64{
	"second":  1000,
	"seconds": 1000,
	"minute":  60 * 1000,
	"minutes": 60 * 1000,
	"hour":    60 * 60 * 1000,
	"hours":   60 * 60 * 1000,
	"day":     24 * 60 * 60 * 1000,
	"days":    24 * 60 * 60 * 1000,
}

func (p *Parser) parseInterval() (int64, bool) {
	if p.curIs(token.INT) {
		n, _ := strconv.ParseInt(p.cur.Value, 10, 64)
		p.advance()
		return n, true
	}
	if p.curIs(token.STRING) {
		parts := strings.Fields(p.cur.Value)
		if len(parts) != 2 {
			p.errorf("interval like '5 minutes'")
			return 0, false
		}
		n, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			p.errorf("interval count")
			return 0, false
		}
		factor, ok := intervalUnits[strings.ToLower(parts[1])]
		if !ok {
			p.errorf("interval unit (second|minute|hour|day)")
			return 0, false
		}
		p.advance()
		return n * factor, true
	}
	p.errorf("interval (integer millis or quoted string)")
	return 0, false
}

func (p *Parser) parseOptionalAlias(proj *ast.Proj) {
	if p.curIs(token.AS) {
		p.advance()
		if !p.curIs(token.IDENT) {
			p.errorf("alias")
			return
		}
		proj.Alias = p.cur.Value
		p.advance()
		return
	}
	if p.curIs(token.IDENT) {
		proj.Alias = p.cur.Value
		p.advance()
	}
}

// parseExpr parses `term (AND|OR term)*`, left-associative, built as a
// left-leaning chain of ast.Expr boolean nodes.
func (p *Parser) parseExpr() *ast.Expr {
	left := p.parseTerm()
	for p.curIs(token.AND) || p.curIs(token.OR) {
		op := ast.And
		if p.curIs(token.OR) {
			op = ast.Or
		}
		p.advance()
		right := p.parseTerm()
		left = &ast.Expr{Bool: op, Left: left, Right: right}
	}
	return left
}

var opTokens = map[token.Token]ast.Op{
	token.EQ:  ast.Eq,
	token.NEQ: ast.Neq,
	token.GT:  ast.Gt,
	token.LT:  ast.Lt,
	token.GTE: ast.Gte,
	token.LTE: ast.Lte,
}

func (p *Parser) parseTerm() *ast.Expr {
	if !p.curIs(token.IDENT) {
		p.errorf("column name")
		return &ast.Expr{}
	}
	col := p.cur.Value
	p.advance()

	if p.curIs(token.LIKE) {
		p.advance()
		if !p.curIs(token.STRING) {
			p.errorf("string pattern")
			return &ast.Expr{Column: col, Op: ast.Like}
		}
		lit := ast.Literal{Kind: ast.LiteralString, Str: p.cur.Value}
		p.advance()
		return &ast.Expr{Column: col, Op: ast.Like, Lit: lit}
	}

	op, ok := opTokens[p.cur.Type]
	if !ok {
		p.errorf("comparison operator or LIKE")
		return &ast.Expr{Column: col}
	}
	p.advance()

	lit, ok := p.parseLiteral()
	if !ok {
		return &ast.Expr{Column: col, Op: op}
	}
	return &ast.Expr{Column: col, Op: op, Lit: lit}
}

func (p *Parser) parseLiteral() (ast.Literal, bool) {
	switch p.cur.Type {
	case token.INT:
		n, _ := strconv.ParseInt(p.cur.Value, 10, 64)
		p.advance()
		return ast.Literal{Kind: ast.LiteralInt, I64: n}, true
	case token.FLOAT:
		f, _ := strconv.ParseFloat(p.cur.Value, 64)
		p.advance()
		return ast.Literal{Kind: ast.LiteralFloat, F64: f}, true
	case token.STRING:
		s := p.cur.Value
		p.advance()
		return ast.Literal{Kind: ast.LiteralString, Str: s}, true
	case token.TRUE:
		p.advance()
		return ast.Literal{Kind: ast.LiteralBool, Bool: true}, true
	case token.FALSE:
		p.advance()
		return ast.Literal{Kind: ast.LiteralBool, Bool: false}, true
	default:
		p.errorf("literal")
		return ast.Literal{}, false
	}
}
