// Package lexer tokenizes Snorkel's restricted SQL grammar:
// SELECT/FROM/WHERE/GROUP BY/ORDER BY/LIMIT over identifiers, the six
// aggregate functions, TIME_BUCKET, and the six comparison operators
// plus LIKE. Keywords are case-insensitive.
package lexer

import (
	"strings"
	"sync"

	"github.com/dreamware/snorkel/internal/sql/token"
)

// Lexer scans a fixed input string, offset-tracked so every emitted
// Item carries the byte position a parser error should point at.
type Lexer struct {
	input  string
	pos    int
	start  int
	item   token.Item
	peeked bool
}

var pool = sync.Pool{New: func() any { return &Lexer{} }}

// Get returns a pooled Lexer reset to scan input.
func Get(input string) *Lexer {
	l := pool.Get().(*Lexer)
	l.Reset(input)
	return l
}

// Put returns l to the pool. Callers must not use l after Put.
func Put(l *Lexer) { pool.Put(l) }

// New returns a fresh Lexer over input.
func New(input string) *Lexer { return &Lexer{input: input} }

// Reset reinitializes l to scan a new input string.
func (l *Lexer) Reset(input string) {
	l.input = input
	l.pos = 0
	l.start = 0
	l.item = token.Item{}
	l.peeked = false
}

// Next returns and consumes the next token.
func (l *Lexer) Next() token.Item {
	if l.peeked {
		l.peeked = false
		return l.item
	}
	l.item = l.scan()
	return l.item
}

// Peek returns the next token without consuming it.
func (l *Lexer) Peek() token.Item {
	if !l.peeked {
		l.item = l.scan()
		l.peeked = true
	}
	return l.item
}

func (l *Lexer) make(t token.Token, v string) token.Item {
	return token.Item{Type: t, Value: v, Pos: l.start}
}

func (l *Lexer) scan() token.Item {
	l.skipWhitespace()
	l.start = l.pos

	if l.pos >= len(l.input) {
		return l.make(token.EOF, "")
	}

	ch := l.input[l.pos]
	switch {
	case ch == '(':
		l.pos++
		return l.make(token.LPAREN, "(")
	case ch == ')':
		l.pos++
		return l.make(token.RPAREN, ")")
	case ch == ',':
		l.pos++
		return l.make(token.COMMA, ",")
	case ch == '*':
		l.pos++
		return l.make(token.STAR, "*")
	case ch == '=':
		l.pos++
		return l.make(token.EQ, "=")
	case ch == '!':
		if l.peekByte(1) == '=' {
			l.pos += 2
			return l.make(token.NEQ, "!=")
		}
		l.pos++
		return l.make(token.ILLEGAL, "!")
	case ch == '<':
		switch l.peekByte(1) {
		case '=':
			l.pos += 2
			return l.make(token.LTE, "<=")
		case '>':
			l.pos += 2
			return l.make(token.NEQ, "<>")
		default:
			l.pos++
			return l.make(token.LT, "<")
		}
	case ch == '>':
		if l.peekByte(1) == '=' {
			l.pos += 2
			return l.make(token.GTE, ">=")
		}
		l.pos++
		return l.make(token.GT, ">")
	case ch == '\'':
		return l.scanString()
	case isDigit(ch):
		return l.scanNumber()
	case isIdentStart(ch):
		return l.scanIdent()
	default:
		l.pos++
		return l.make(token.ILLEGAL, string(ch))
	}
}

func (l *Lexer) peekByte(offset int) byte {
	if l.pos+offset >= len(l.input) {
		return 0
	}
	return l.input[l.pos+offset]
}

func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.input) {
		switch l.input[l.pos] {
		case ' ', '\t', '\n', '\r':
			l.pos++
		default:
			return
		}
	}
}

func (l *Lexer) scanString() token.Item {
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == '\\' && l.pos+1 < len(l.input) {
			sb.WriteByte(l.input[l.pos+1])
			l.pos += 2
			continue
		}
		if ch == '\'' {
			if l.peekByte(1) == '\'' { // doubled-quote escape
				sb.WriteByte('\'')
				l.pos += 2
				continue
			}
			l.pos++
			return l.make(token.STRING, sb.String())
		}
		sb.WriteByte(ch)
		l.pos++
	}
	return l.make(token.ILLEGAL, sb.String()) // unterminated string
}

func (l *Lexer) scanNumber() token.Item {
	start := l.pos
	isFloat := false
	for l.pos < len(l.input) && isDigit(l.input[l.pos]) {
		l.pos++
	}
	if l.pos < len(l.input) && l.input[l.pos] == '.' && l.pos+1 < len(l.input) && isDigit(l.input[l.pos+1]) {
		isFloat = true
		l.pos++
		for l.pos < len(l.input) && isDigit(l.input[l.pos]) {
			l.pos++
		}
	}
	v := l.input[start:l.pos]
	if isFloat {
		return l.make(token.FLOAT, v)
	}
	return l.make(token.INT, v)
}

func (l *Lexer) scanIdent() token.Item {
	start := l.pos
	for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
		l.pos++
	}
	v := l.input[start:l.pos]
	if t, ok := token.Lookup(strings.ToLower(v)); ok {
		return l.make(t, v)
	}
	return l.make(token.IDENT, v)
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || isDigit(ch) || ch == '.'
}
