package mapping

import (
	"fmt"
	"strings"
)

// Filter is an LDAP-filter-equivalent predicate evaluated client-side
// over a raw attribute map. Only the operators the classifier needs are
// implemented: and, or, not, equality, presence and substring match.
type Filter interface {
	Matches(attrs map[string][][]byte) bool
}

type andFilter struct{ children []Filter }
type orFilter struct{ children []Filter }
type notFilter struct{ child Filter }

type equalityFilter struct {
	attribute string
	value     string
}

type presenceFilter struct{ attribute string }

type substringFilter struct {
	attribute string
	parts     []string // empty strings mark leading/trailing wildcards
}

func (f andFilter) Matches(attrs map[string][][]byte) bool {
	for _, c := range f.children {
		if !c.Matches(attrs) {
			return false
		}
	}
	return true
}

func (f orFilter) Matches(attrs map[string][][]byte) bool {
	for _, c := range f.children {
		if c.Matches(attrs) {
			return true
		}
	}
	return false
}

func (f notFilter) Matches(attrs map[string][][]byte) bool {
	return !f.child.Matches(attrs)
}

func (f equalityFilter) Matches(attrs map[string][][]byte) bool {
	for _, v := range attributeValues(attrs, f.attribute) {
		if strings.EqualFold(string(v), f.value) {
			return true
		}
	}
	return false
}

func (f presenceFilter) Matches(attrs map[string][][]byte) bool {
	return len(attributeValues(attrs, f.attribute)) > 0
}

func (f substringFilter) Matches(attrs map[string][][]byte) bool {
	for _, v := range attributeValues(attrs, f.attribute) {
		if matchSubstring(strings.ToLower(string(v)), f.parts) {
			return true
		}
	}
	return false
}

func matchSubstring(value string, parts []string) bool {
	pos := 0
	for i, part := range parts {
		if part == "" {
			continue
		}
		idx := strings.Index(value[pos:], part)
		if idx < 0 {
			return false
		}
		if i == 0 && idx != 0 {
			return false // anchored initial substring
		}
		pos += idx + len(part)
	}
	if last := parts[len(parts)-1]; last != "" && !strings.HasSuffix(value, last) {
		return false
	}
	return true
}

// Attribute lookup is case-insensitive, matching server behavior.
func attributeValues(attrs map[string][][]byte, name string) [][]byte {
	if vals, ok := attrs[name]; ok {
		return vals
	}
	for k, vals := range attrs {
		if strings.EqualFold(k, name) {
			return vals
		}
	}
	return nil
}

// ParseFilter compiles an RFC 4515 style filter string.
func ParseFilter(s string) (Filter, error) {
	p := &filterParser{input: s}
	f, err := p.parse()
	if err != nil {
		return nil, fmt.Errorf("bad filter %q: %w", s, err)
	}
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("bad filter %q: trailing data at offset %d", s, p.pos)
	}
	return f, nil
}

type filterParser struct {
	input string
	pos   int
}

func (p *filterParser) parse() (Filter, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}

	var f Filter
	var err error

	switch p.peek() {
	case '&':
		p.pos++
		children, cerr := p.parseSet()
		f, err = andFilter{children}, cerr
	case '|':
		p.pos++
		children, cerr := p.parseSet()
		f, err = orFilter{children}, cerr
	case '!':
		p.pos++
		child, cerr := p.parse()
		f, err = notFilter{child}, cerr
	default:
		f, err = p.parseSimple()
	}
	if err != nil {
		return nil, err
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return f, nil
}

func (p *filterParser) parseSet() ([]Filter, error) {
	var children []Filter
	for p.peek() == '(' {
		child, err := p.parse()
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	if len(children) == 0 {
		return nil, fmt.Errorf("empty filter set at offset %d", p.pos)
	}
	return children, nil
}

func (p *filterParser) parseSimple() (Filter, error) {
	eq := strings.IndexByte(p.input[p.pos:], '=')
	if eq < 0 {
		return nil, fmt.Errorf("missing '=' at offset %d", p.pos)
	}

	attr := p.input[p.pos : p.pos+eq]
	p.pos += eq + 1

	end := strings.IndexByte(p.input[p.pos:], ')')
	if end < 0 {
		return nil, fmt.Errorf("unterminated filter at offset %d", p.pos)
	}
	value := p.input[p.pos : p.pos+end]
	p.pos += end

	if attr == "" {
		return nil, fmt.Errorf("empty attribute at offset %d", p.pos)
	}

	switch {
	case value == "*":
		return presenceFilter{attribute: attr}, nil
	case strings.Contains(value, "*"):
		return substringFilter{
			attribute: attr,
			parts:     strings.Split(strings.ToLower(value), "*"),
		}, nil
	default:
		return equalityFilter{attribute: attr, value: value}, nil
	}
}

func (p *filterParser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *filterParser) expect(c byte) error {
	if p.peek() != c {
		return fmt.Errorf("expected %q at offset %d", string(c), p.pos)
	}
	p.pos++
	return nil
}
