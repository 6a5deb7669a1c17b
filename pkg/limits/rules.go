package limits

import (
	"path"
	"strings"
)

// RuleDecision is the outcome of evaluating rules against one transaction.
type RuleDecision int

const (
	// RuleNoMatch means no active rule matched. Default is allow.
	RuleNoMatch RuleDecision = iota
	// RuleAllow means an allow rule matched and no block rule did.
	RuleAllow
	// RuleBlock means at least one block rule matched. Block always wins
	// over allow (fail closed).
	RuleBlock
)

// EvaluateMerchant checks a merchant id against the principal's merchant
// rules. Inactive rules are skipped. When both an allow and a block rule
// match the same merchant, block takes precedence.
func EvaluateMerchant(rules []*MerchantRule, merchant string) RuleDecision {
	m := strings.ToLower(merchant)
	decision := RuleNoMatch
	for _, r := range rules {
		if !r.IsActive {
			continue
		}
		if !globMatch(strings.ToLower(r.Pattern), m) {
			continue
		}
		if r.Action == ActionBlock {
			return RuleBlock
		}
		decision = RuleAllow
	}
	return decision
}

// EvaluateCategory checks a category against the principal's category
// rules. Categories compare exactly, case-insensitively.
func EvaluateCategory(rules []*CategoryRule, category string) RuleDecision {
	c := strings.ToLower(category)
	decision := RuleNoMatch
	for _, r := range rules {
		if !r.IsActive || strings.ToLower(r.Category) != c {
			continue
		}
		if r.Action == ActionBlock {
			return RuleBlock
		}
		decision = RuleAllow
	}
	return decision
}

// globMatch matches shell-style patterns (*, ?, character classes).
// A malformed pattern matches nothing rather than failing the request.
func globMatch(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
