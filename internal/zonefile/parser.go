// Package zonefile parses and emits master-format zone files for a
// single origin.
package zonefile

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"bindmgr/internal/model"
)

// SyntaxError reports a malformed token or line in a zone file.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("zone syntax error on line %d: %s", e.Line, e.Msg)
}

// Parser reads master-format zone data into records. Targets are
// stored relative to the origin, "@" when equal to it.
type Parser struct {
	Origin     string
	DefaultTTL int
}

func NewParser(origin string, defaultTTL int) *Parser {
	if !strings.HasSuffix(origin, ".") {
		origin += "."
	}
	return &Parser{Origin: origin, DefaultTTL: defaultTTL}
}

// Parse returns the records of r in first-seen order.
func (p *Parser) Parse(r io.Reader) ([]model.Record, error) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var records []model.Record
	var lastTarget string
	var inParen bool
	var parenParts []string
	var parenLeadingWS bool
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := stripComment(scanner.Text())

		if !inParen {
			if strings.TrimSpace(line) == "" {
				continue
			}
			parenLeadingWS = line[0] == ' ' || line[0] == '\t'
			if i := indexUnquoted(line, '('); i >= 0 {
				parenParts = append(parenParts[:0], line[:i]+" "+line[i+1:])
				if indexUnquoted(line[i+1:], ')') < 0 {
					inParen = true
					continue
				}
			}
		} else {
			parenParts = append(parenParts, line)
			if indexUnquoted(line, ')') < 0 {
				continue
			}
			inParen = false
		}

		full := line
		leadingWS := parenLeadingWS
		if len(parenParts) > 0 {
			full = removeUnquoted(strings.Join(parenParts, " "), ')')
			parenParts = parenParts[:0]
		} else {
			leadingWS = line[0] == ' ' || line[0] == '\t'
		}
		trimmed := strings.TrimSpace(full)
		if trimmed == "" {
			continue
		}

		if strings.HasPrefix(trimmed, "$") {
			if err := p.directive(trimmed, lineNum); err != nil {
				return nil, err
			}
			continue
		}

		rec, err := p.parseLine(trimmed, leadingWS, &lastTarget, lineNum)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if inParen {
		return nil, &SyntaxError{Line: lineNum, Msg: "unterminated parenthesized record"}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (p *Parser) directive(line string, lineNum int) error {
	parts := strings.Fields(line)
	switch strings.ToUpper(parts[0]) {
	case "$ORIGIN":
		if len(parts) < 2 {
			return &SyntaxError{Line: lineNum, Msg: "$ORIGIN needs a domain"}
		}
		origin := parts[1]
		if !strings.HasSuffix(origin, ".") {
			origin += "."
		}
		p.Origin = origin
	case "$TTL":
		if len(parts) < 2 {
			return &SyntaxError{Line: lineNum, Msg: "$TTL needs a value"}
		}
		ttl, err := strconv.Atoi(parts[1])
		if err != nil || ttl < 0 {
			return &SyntaxError{Line: lineNum, Msg: fmt.Sprintf("bad $TTL value %q", parts[1])}
		}
		p.DefaultTTL = ttl
	default:
		return &SyntaxError{Line: lineNum, Msg: fmt.Sprintf("unknown directive %s", parts[0])}
	}
	return nil
}

func (p *Parser) parseLine(line string, leadingWS bool, lastTarget *string, lineNum int) (model.Record, error) {
	fields := splitQuoted(line)
	if len(fields) == 0 {
		return model.Record{}, &SyntaxError{Line: lineNum, Msg: "empty record"}
	}

	var target string
	if leadingWS {
		if *lastTarget == "" {
			return model.Record{}, &SyntaxError{Line: lineNum, Msg: "record without a target and no previous target"}
		}
		target = *lastTarget
	} else {
		target = p.relativize(fields[0])
		fields = fields[1:]
		*lastTarget = target
	}

	ttl := p.DefaultTTL
	var rtype model.RecordType
	var dataFields []string
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if n, err := strconv.Atoi(f); err == nil {
			if n < 0 {
				return model.Record{}, &SyntaxError{Line: lineNum, Msg: fmt.Sprintf("negative ttl %d", n)}
			}
			ttl = n
			continue
		}
		if strings.EqualFold(f, "in") {
			continue
		}
		rtype = model.RecordType(strings.ToLower(f))
		dataFields = fields[i+1:]
		break
	}
	if rtype == "" {
		return model.Record{}, &SyntaxError{Line: lineNum, Msg: "record has no type"}
	}

	args, err := argsFromFields(rtype, dataFields)
	if err != nil {
		if se, ok := err.(*SyntaxError); ok {
			se.Line = lineNum
			return model.Record{}, se
		}
		return model.Record{}, err
	}
	data, err := model.NewRData(rtype, args)
	if err != nil {
		return model.Record{}, err
	}
	return model.Record{Target: target, TTL: ttl, Data: data}, nil
}

// argsFromFields maps positional zone file fields onto the named
// argument schema for the record type.
func argsFromFields(t model.RecordType, fields []string) (map[string]string, error) {
	order, ok := model.ArgOrder[t]
	if !ok {
		return nil, &model.UnknownRecordTypeError{Type: string(t)}
	}
	if t == model.TypeTXT {
		if len(fields) == 0 {
			return nil, &SyntaxError{Msg: "txt record has no text"}
		}
		return map[string]string{"quoted_text": strings.Join(fields, " ")}, nil
	}
	if len(fields) != len(order) {
		return nil, &SyntaxError{Msg: fmt.Sprintf("%s record wants %d fields, got %d", t, len(order), len(fields))}
	}
	args := make(map[string]string, len(order))
	for i, key := range order {
		args[key] = fields[i]
	}
	return args, nil
}

// relativize stores names relative to the origin where possible.
func (p *Parser) relativize(name string) string {
	if name == "@" || strings.EqualFold(name, p.Origin) {
		return "@"
	}
	if strings.HasSuffix(name, ".") {
		suffix := "." + p.Origin
		if strings.HasSuffix(strings.ToLower(name), strings.ToLower(suffix)) {
			return name[:len(name)-len(suffix)]
		}
		return name
	}
	return name
}

// indexUnquoted returns the index of the first occurrence of c outside
// double quotes, or -1.
func indexUnquoted(s string, c byte) int {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '"':
			inQuote = !inQuote
		case s[i] == c && !inQuote:
			return i
		}
	}
	return -1
}

// removeUnquoted blanks every occurrence of c outside double quotes.
func removeUnquoted(s string, c byte) string {
	var b strings.Builder
	b.Grow(len(s))
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '"':
			inQuote = !inQuote
			b.WriteByte(s[i])
		case s[i] == c && !inQuote:
			b.WriteByte(' ')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func stripComment(line string) string {
	inQuote := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inQuote = !inQuote
		case ';':
			if !inQuote {
				return line[:i]
			}
		}
	}
	return line
}

// splitQuoted splits on whitespace but keeps double-quoted strings,
// quotes included, as single fields.
func splitQuoted(s string) []string {
	var fields []string
	var cur strings.Builder
	inQuote := false
	flush := func() {
		if cur.Len() > 0 {
			fields = append(fields, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuote = !inQuote
			cur.WriteByte(c)
		case (c == ' ' || c == '\t') && !inQuote:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return fields
}
