package alerts

import (
	"strings"
	"sync/atomic"
)

// RuleSet maps a detection type tag to its severity.
type RuleSet map[string]Severity

// DefaultRules is the built-in severity table.
func DefaultRules() RuleSet {
	return RuleSet{
		DetectionFaceMatch:          SeverityHigh,
		DetectionIntrusion:          SeverityHigh,
		DetectionSuspiciousBehavior: SeverityMedium,
		DetectionLoitering:          SeverityMedium,
	}
}

func normalizeType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

func (r RuleSet) normalized() RuleSet {
	out := make(RuleSet, len(r))
	for k, v := range r {
		out[normalizeType(k)] = v
	}
	return out
}

// Classifier maps detection types to severities. The table can be swapped
// at runtime; every lookup sees one complete table.
type Classifier struct {
	rules atomic.Pointer[RuleSet]
}

func NewClassifier(rules RuleSet) *Classifier {
	c := &Classifier{}
	if rules == nil {
		rules = DefaultRules()
	}
	c.Replace(rules)
	return c
}

// Classify never fails: unknown types are SeverityLow.
// The payload is accepted for rules that key on metadata; the default
// table only looks at the type.
func (c *Classifier) Classify(detectionType string, payload map[string]any) Severity {
	rules := c.rules.Load()
	if rules == nil {
		return SeverityLow
	}
	if sev, ok := (*rules)[normalizeType(detectionType)]; ok {
		return sev
	}
	return SeverityLow
}

// Replace installs a new table. The caller's map is copied.
func (c *Classifier) Replace(rules RuleSet) {
	n := rules.normalized()
	c.rules.Store(&n)
}

// Rules returns a copy of the active table.
func (c *Classifier) Rules() RuleSet {
	rules := c.rules.Load()
	out := make(RuleSet, len(*rules))
	for k, v := range *rules {
		out[k] = v
	}
	return out
}
