package mapping

import "fmt"

// Classifier assigns a raw entry to the first property type whose
// search filter matches. Evaluation order is the declaration order of
// the ruleset, so boundary objects matched by two filters classify the
// same way on every run.
type Classifier struct {
	compiled []compiledRule
}

type compiledRule struct {
	rule   *PropertyTypeRule
	filter Filter
}

func NewClassifier(rs *Ruleset) (*Classifier, error) {
	compiled := make([]compiledRule, 0, len(rs.PropertyTypes))
	for i := range rs.PropertyTypes {
		rule := &rs.PropertyTypes[i]
		f, err := ParseFilter(rule.SearchFilter)
		if err != nil {
			return nil, fmt.Errorf("property type %q: %w", rule.Name, err)
		}
		compiled = append(compiled, compiledRule{rule: rule, filter: f})
	}
	return &Classifier{compiled: compiled}, nil
}

// Classify returns nil when no rule matches; such objects are ignored
// for sync purposes.
func (c *Classifier) Classify(attrs map[string][][]byte) *PropertyTypeRule {
	for _, cr := range c.compiled {
		if cr.filter.Matches(attrs) {
			return cr.rule
		}
	}
	return nil
}
