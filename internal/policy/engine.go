package policy

import (
	"sort"

	"inkstudio/internal/domain"
)

type compiledRule struct {
	rule domain.PolicyRule
	expr Expr
}

// RuleSet is an ordered, compiled set of rules for one scope.
type RuleSet struct {
	rules   []compiledRule
	invalid []domain.RuleError
}

// NewRuleSet drops disabled rules, compiles the rest and orders them by
// priority (highest first, ties by ascending ID). Rules whose condition fails
// to compile are left out and reported on every evaluation.
func NewRuleSet(rules []domain.PolicyRule) *RuleSet {
	rs := &RuleSet{}
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		e, err := Compile(r.Condition)
		if err != nil {
			rs.invalid = append(rs.invalid, domain.RuleError{RuleID: r.ID, Error: err.Error()})
			continue
		}
		rs.rules = append(rs.rules, compiledRule{rule: r, expr: e})
	}
	sort.SliceStable(rs.rules, func(i, j int) bool {
		a, b := rs.rules[i].rule, rs.rules[j].rule
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})
	return rs
}

func (rs *RuleSet) Len() int { return len(rs.rules) }

// Evaluate returns the first BLOCK or REVIEW decision whose condition matches,
// or ALLOW when none does. Rules that error during evaluation are skipped.
func (rs *RuleSet) Evaluate(data map[string]any) domain.PolicyResult {
	res := domain.PolicyResult{Decision: domain.Allow, Matched: []int64{}}
	if len(rs.invalid) > 0 {
		res.Errors = append(res.Errors, rs.invalid...)
	}
	for _, cr := range rs.rules {
		ok, err := cr.expr.Match(data)
		if err != nil {
			res.Errors = append(res.Errors, domain.RuleError{RuleID: cr.rule.ID, Error: err.Error()})
			continue
		}
		if !ok {
			continue
		}
		res.Matched = append(res.Matched, cr.rule.ID)
		if !cr.rule.Action.Deciding() {
			continue
		}
		id, name := cr.rule.ID, cr.rule.Name
		res.Decision = cr.rule.Action
		res.RuleID = &id
		res.RuleName = &name
		res.Reason = cr.rule.Reason
		return res
	}
	return res
}

// Evaluate compiles rules and evaluates them once.
func Evaluate(rules []domain.PolicyRule, data map[string]any) domain.PolicyResult {
	return NewRuleSet(rules).Evaluate(data)
}
