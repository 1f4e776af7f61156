package rule

import (
	"strconv"
	"strings"
)

// Matches reports whether the rule's structured conditions hold against a
// sanitised context. A rule with no conditions matches every context.
//
// Matching is fail-closed throughout: a condition referencing a missing
// context field is false, an unknown operator is false, and a numeric
// comparison whose operand does not parse is false.
func (r *Rule) Matches(reqCtx map[string]string) bool {
	if len(r.Conditions) == 0 {
		return true
	}
	switch r.MatchMode {
	case MatchAny:
		for _, c := range r.Conditions {
			if c.holds(reqCtx) {
				return true
			}
		}
		return false
	default:
		// AND is the default for empty or unrecognised modes.
		for _, c := range r.Conditions {
			if !c.holds(reqCtx) {
				return false
			}
		}
		return true
	}
}

func (c *Condition) holds(reqCtx map[string]string) bool {
	got, ok := reqCtx[c.Field]
	if !ok {
		return false
	}
	switch c.Operator {
	case OpEqual:
		return got == c.Value
	case OpNotEqual:
		return got != c.Value
	case OpIn:
		for _, v := range c.Values {
			if got == v {
				return true
			}
		}
		return false
	case OpContains:
		return strings.Contains(got, c.Value)
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual:
		return compareNumeric(got, c.Operator, c.Value)
	default:
		return false
	}
}

func compareNumeric(got string, op Operator, want string) bool {
	lhs, err := strconv.ParseFloat(got, 64)
	if err != nil {
		return false
	}
	rhs, err := strconv.ParseFloat(want, 64)
	if err != nil {
		return false
	}
	switch op {
	case OpGreater:
		return lhs > rhs
	case OpLess:
		return lhs < rhs
	case OpGreaterEqual:
		return lhs >= rhs
	case OpLessEqual:
		return lhs <= rhs
	}
	return false
}
