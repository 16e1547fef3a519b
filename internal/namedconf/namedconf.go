// Package namedconf parses and emits BIND configuration text: nested
// brace-delimited stanzas, bare key/value assignments, and flag-only
// statements.
package namedconf

import (
	"fmt"
	"strings"
)

// Stmt is one statement of a named.conf body. Exactly one of the three
// shapes holds: a block (IsBlock, Children), an assignment (Value set),
// or a flag (neither).
type Stmt struct {
	Key      []string
	Value    string
	IsBlock  bool
	Children []*Stmt
}

// KeyString joins the key words with single spaces.
func (s *Stmt) KeyString() string { return strings.Join(s.Key, " ") }

// Block builds a block statement.
func Block(key ...string) *Stmt {
	return &Stmt{Key: key, IsBlock: true}
}

// Assign builds a key/value assignment statement.
func Assign(value string, key ...string) *Stmt {
	return &Stmt{Key: key, Value: value}
}

// Flag builds a flag-only statement.
func Flag(key ...string) *Stmt {
	return &Stmt{Key: key}
}

// Add appends child statements and returns s for chaining.
func (s *Stmt) Add(children ...*Stmt) *Stmt {
	s.Children = append(s.Children, children...)
	return s
}

// ParseError reports malformed configuration text.
type ParseError struct {
	Pos int // token index
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("named.conf parse error near token %d: %s", e.Pos, e.Msg)
}

// Parse reads configuration text into a statement list. Comments
// introduced by '#' or '//' are stripped; a '}' not followed by ';'
// gets the ';' inserted implicitly.
func Parse(input string) ([]*Stmt, error) {
	p := &parser{tokens: tokenize(input)}
	stmts, err := p.stmts(false)
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, &ParseError{Pos: p.pos, Msg: fmt.Sprintf("unexpected %q", p.tokens[p.pos])}
	}
	return stmts, nil
}

type parser struct {
	tokens []string
	pos    int
}

func (p *parser) peek() (string, bool) {
	if p.pos >= len(p.tokens) {
		return "", false
	}
	return p.tokens[p.pos], true
}

func (p *parser) stmts(inBlock bool) ([]*Stmt, error) {
	var out []*Stmt
	for {
		tok, ok := p.peek()
		if !ok {
			if inBlock {
				return nil, &ParseError{Pos: p.pos, Msg: "unexpected end of input inside block"}
			}
			return out, nil
		}
		if tok == "}" {
			if !inBlock {
				return nil, &ParseError{Pos: p.pos, Msg: "unmatched }"}
			}
			return out, nil
		}
		stmt, err := p.stmt()
		if err != nil {
			return nil, err
		}
		out = append(out, stmt)
	}
}

func (p *parser) stmt() (*Stmt, error) {
	var words []string
	for {
		tok, ok := p.peek()
		if !ok {
			return nil, &ParseError{Pos: p.pos, Msg: "unexpected end of input in statement"}
		}
		switch tok {
		case ";":
			p.pos++
			switch len(words) {
			case 0:
				return nil, &ParseError{Pos: p.pos - 1, Msg: "empty statement"}
			case 1:
				return Flag(words...), nil
			default:
				return Assign(words[len(words)-1], words[:len(words)-1]...), nil
			}
		case "{":
			if len(words) == 0 {
				return nil, &ParseError{Pos: p.pos, Msg: "block without a key"}
			}
			p.pos++
			children, err := p.stmts(true)
			if err != nil {
				return nil, err
			}
			tok, ok := p.peek()
			if !ok || tok != "}" {
				return nil, &ParseError{Pos: p.pos, Msg: "missing }"}
			}
			p.pos++
			// Implicit ';' after '}'.
			if tok, ok := p.peek(); ok && tok == ";" {
				p.pos++
			}
			s := Block(words...)
			s.Children = children
			return s, nil
		case "}":
			return nil, &ParseError{Pos: p.pos, Msg: "unexpected } in statement"}
		default:
			words = append(words, tok)
			p.pos++
		}
	}
}

// Emit renders statements in single-line, no-indent form. Parse(Emit(x))
// reproduces the statement structure.
func Emit(stmts []*Stmt) string {
	var b strings.Builder
	emitInto(&b, stmts)
	return b.String()
}

func emitInto(b *strings.Builder, stmts []*Stmt) {
	for i, s := range stmts {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s.KeyString())
		switch {
		case s.IsBlock:
			b.WriteString(" { ")
			emitInto(b, s.Children)
			if len(s.Children) > 0 {
				b.WriteByte(' ')
			}
			b.WriteString("};")
		case s.Value != "":
			b.WriteByte(' ')
			b.WriteString(s.Value)
			b.WriteByte(';')
		default:
			b.WriteByte(';')
		}
	}
}

func tokenize(input string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	inQuote := false
	lines := strings.Split(input, "\n")
	for _, line := range lines {
		line = stripLineComment(line)
		for i := 0; i < len(line); i++ {
			c := line[i]
			switch {
			case c == '"':
				inQuote = !inQuote
				cur.WriteByte(c)
			case inQuote:
				cur.WriteByte(c)
			case c == '{' || c == '}' || c == ';':
				flush()
				tokens = append(tokens, string(c))
			case c == ' ' || c == '\t' || c == '\r':
				flush()
			default:
				cur.WriteByte(c)
			}
		}
		flush()
	}
	return tokens
}

func stripLineComment(line string) string {
	inQuote := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inQuote = !inQuote
		case '#':
			if !inQuote {
				return line[:i]
			}
		case '/':
			if !inQuote && i+1 < len(line) && line[i+1] == '/' {
				return line[:i]
			}
		}
	}
	return line
}
