package ferny

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Literal is a value drawn from the restricted command-payload grammar: a
// string, an integer, a bool, nil, an ordered list, a string-keyed map, or a
// nested tuple. It never represents arbitrary code, only data.
type Literal interface {
	literalEncode(*strings.Builder)
}

type LString string
type LInt int64
type LBool bool
type LNil struct{}
type LList []Literal
type LTuple []Literal
type LMap map[string]string

func (s LString) literalEncode(b *strings.Builder) { b.WriteString(strconv.Quote(string(s))) }
func (i LInt) literalEncode(b *strings.Builder)    { b.WriteString(strconv.FormatInt(int64(i), 10)) }
func (n LNil) literalEncode(b *strings.Builder)    { b.WriteString("None") }

func (bo LBool) literalEncode(b *strings.Builder) {
	if bo {
		b.WriteString("True")
	} else {
		b.WriteString("False")
	}
}

func (l LList) literalEncode(b *strings.Builder) {
	b.WriteByte('[')
	for i, v := range l {
		if i > 0 {
			b.WriteString(", ")
		}
		v.literalEncode(b)
	}
	b.WriteByte(']')
}

func (t LTuple) literalEncode(b *strings.Builder) {
	b.WriteByte('(')
	for i, v := range t {
		if i > 0 {
			b.WriteString(", ")
		}
		v.literalEncode(b)
	}
	if len(t) == 1 {
		b.WriteByte(',')
	}
	b.WriteByte(')')
}

func (m LMap) literalEncode(b *strings.Builder) {
	b.WriteByte('{')
	i := 0
	for k, v := range m {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.Quote(k))
		b.WriteString(": ")
		b.WriteString(strconv.Quote(v))
		i++
	}
	b.WriteByte('}')
}

// EncodeLiteral renders a Literal using the textual grammar that frames
// command records on the wire (§3, §6).
func EncodeLiteral(v Literal) string {
	var b strings.Builder
	v.literalEncode(&b)
	return b.String()
}

// literalParser is a bounded recursive-descent parser for the restricted
// grammar: strings with standard escapes, integers, True/False, None,
// ordered lists `[...]`, tuples `(...,)`, and string-keyed maps `{...}`.
// It never evaluates code; anything outside this grammar is a parse error.
type literalParser struct {
	s   string
	pos int
}

// ParseLiteral parses a single Literal from s, requiring the entire string
// (modulo surrounding whitespace) to be consumed.
func ParseLiteral(s string) (Literal, error) {
	p := &literalParser{s: s}
	p.skipSpace()
	v, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.s) {
		return nil, fmt.Errorf("trailing garbage at offset %d: %q", p.pos, p.s[p.pos:])
	}
	return v, nil
}

func (p *literalParser) skipSpace() {
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			p.pos++
			continue
		}
		break
	}
}

func (p *literalParser) peek() (byte, bool) {
	if p.pos >= len(p.s) {
		return 0, false
	}
	return p.s[p.pos], true
}

func (p *literalParser) parseValue() (Literal, error) {
	c, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of literal")
	}

	switch {
	case c == '\'' || c == '"':
		return p.parseString()
	case c == '[':
		return p.parseList()
	case c == '(':
		return p.parseTuple()
	case c == '{':
		return p.parseMap()
	case c == '-' || (c >= '0' && c <= '9'):
		return p.parseInt()
	default:
		return p.parseKeyword()
	}
}

func (p *literalParser) parseKeyword() (Literal, error) {
	start := p.pos
	for p.pos < len(p.s) && isIdentByte(p.s[p.pos]) {
		p.pos++
	}
	word := p.s[start:p.pos]
	switch word {
	case "None":
		return LNil{}, nil
	case "True":
		return LBool(true), nil
	case "False":
		return LBool(false), nil
	default:
		return nil, fmt.Errorf("unrecognized literal token %q", word)
	}
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func (p *literalParser) parseInt() (Literal, error) {
	start := p.pos
	if p.s[p.pos] == '-' {
		p.pos++
	}
	digits := 0
	for p.pos < len(p.s) && p.s[p.pos] >= '0' && p.s[p.pos] <= '9' {
		p.pos++
		digits++
	}
	if digits == 0 {
		return nil, fmt.Errorf("malformed integer at offset %d", start)
	}
	n, err := strconv.ParseInt(p.s[start:p.pos], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed integer: %w", err)
	}
	return LInt(n), nil
}

func (p *literalParser) parseString() (Literal, error) {
	quote := p.s[p.pos]
	p.pos++

	var b strings.Builder
	for {
		if p.pos >= len(p.s) {
			return nil, fmt.Errorf("unterminated string literal")
		}
		c := p.s[p.pos]
		if c == quote {
			p.pos++
			return LString(b.String()), nil
		}
		if c == '\\' {
			p.pos++
			if p.pos >= len(p.s) {
				return nil, fmt.Errorf("unterminated escape sequence")
			}
			esc := p.s[p.pos]
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '\\', '\'', '"':
				b.WriteByte(esc)
			case '0':
				b.WriteByte(0)
			default:
				// \a \b \f \v \xNN \uNNNN \UNNNNNNNN and octal, as emitted by
				// strconv.Quote; any other escape is kept verbatim.
				r, multibyte, tail, err := strconv.UnquoteChar(p.s[p.pos-1:], quote)
				if err != nil {
					b.WriteByte('\\')
					b.WriteByte(esc)
					break
				}
				if multibyte {
					b.WriteRune(r)
				} else {
					b.WriteByte(byte(r))
				}
				p.pos = len(p.s) - len(tail) - 1
			}
			p.pos++
			continue
		}
		r, size := utf8.DecodeRuneInString(p.s[p.pos:])
		b.WriteRune(r)
		p.pos += size
	}
}

func (p *literalParser) expect(c byte) error {
	p.skipSpace()
	got, ok := p.peek()
	if !ok || got != c {
		return fmt.Errorf("expected %q at offset %d", c, p.pos)
	}
	p.pos++
	return nil
}

func (p *literalParser) parseList() (Literal, error) {
	if err := p.expect('['); err != nil {
		return nil, err
	}
	var items LList
	p.skipSpace()
	if c, ok := p.peek(); ok && c == ']' {
		p.pos++
		return items, nil
	}
	for {
		p.skipSpace()
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		items = append(items, v)
		p.skipSpace()
		c, ok := p.peek()
		if !ok {
			return nil, fmt.Errorf("unterminated list")
		}
		if c == ',' {
			p.pos++
			p.skipSpace()
			if c2, ok := p.peek(); ok && c2 == ']' {
				p.pos++
				return items, nil
			}
			continue
		}
		if c == ']' {
			p.pos++
			return items, nil
		}
		return nil, fmt.Errorf("expected ',' or ']' at offset %d", p.pos)
	}
}

func (p *literalParser) parseTuple() (Literal, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	var items LTuple
	p.skipSpace()
	if c, ok := p.peek(); ok && c == ')' {
		p.pos++
		return items, nil
	}
	for {
		p.skipSpace()
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		items = append(items, v)
		p.skipSpace()
		c, ok := p.peek()
		if !ok {
			return nil, fmt.Errorf("unterminated tuple")
		}
		if c == ',' {
			p.pos++
			p.skipSpace()
			if c2, ok := p.peek(); ok && c2 == ')' {
				p.pos++
				return items, nil
			}
			continue
		}
		if c == ')' {
			p.pos++
			return items, nil
		}
		return nil, fmt.Errorf("expected ',' or ')' at offset %d", p.pos)
	}
}

func (p *literalParser) parseMap() (Literal, error) {
	if err := p.expect('{'); err != nil {
		return nil, err
	}
	items := LMap{}
	p.skipSpace()
	if c, ok := p.peek(); ok && c == '}' {
		p.pos++
		return items, nil
	}
	for {
		p.skipSpace()
		keyLit, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		key, ok := keyLit.(LString)
		if !ok {
			return nil, fmt.Errorf("map keys must be strings")
		}
		if err := p.expect(':'); err != nil {
			return nil, err
		}
		p.skipSpace()
		valLit, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		val, ok := valLit.(LString)
		if !ok {
			return nil, fmt.Errorf("map values must be strings")
		}
		items[string(key)] = string(val)

		p.skipSpace()
		c, ok := p.peek()
		if !ok {
			return nil, fmt.Errorf("unterminated map")
		}
		if c == ',' {
			p.pos++
			p.skipSpace()
			if c2, ok := p.peek(); ok && c2 == '}' {
				p.pos++
				return items, nil
			}
			continue
		}
		if c == '}' {
			p.pos++
			return items, nil
		}
		return nil, fmt.Errorf("expected ',' or '}' at offset %d", p.pos)
	}
}
