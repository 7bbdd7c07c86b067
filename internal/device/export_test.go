package device

// FindRuleForTest exposes the unexported DST bisection lookup to external
// tests without widening the public API.
func FindRuleForTest(rules []TimeRule, t int64) int {
	return findRule(rules, t)
}
