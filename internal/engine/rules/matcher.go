package rules

import (
	"strings"

	"chatrelay/internal/platform/models"
	"chatrelay/internal/platform/repositories"
)

// Matcher resolves which of a tenant's rules fire for an event.
type Matcher struct {
	ruleRepo *repositories.RuleRepository
}

func NewMatcher(ruleRepo *repositories.RuleRepository) *Matcher {
	return &Matcher{ruleRepo: ruleRepo}
}

// Match returns the ordered set of enabled rules whose event type and
// filters match the event. Ordering (priority ASC, created_at ASC)
// comes from the repository query. Webhook activity is deliberately not
// checked here; inactive webhooks are a dispatch-time concern.
func (m *Matcher) Match(tenantID string, event *models.Event) ([]*models.Rule, error) {
	candidates, err := m.ruleRepo.ListEnabled(tenantID)
	if err != nil {
		return nil, err
	}

	var matched []*models.Rule
	for _, rule := range candidates {
		if !MatchEventType(rule.EventType, event.EventType) {
			continue
		}
		if !EvaluateFilters(&rule.Filters, &event.Object) {
			continue
		}
		matched = append(matched, rule)
	}
	return matched, nil
}

// MatchEventType supports exact matches and trailing-wildcard patterns:
// "deal.*" matches "deal.won", bare "*" matches everything.
func MatchEventType(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return pattern == eventType
}

// EvaluateFilters applies a rule's predicates as a conjunction. Absent
// keys impose no constraint, so the empty filter set matches any event
// of the rule's type. Unknown keys (Extra) are ignored.
func EvaluateFilters(f *models.RuleFilters, obj *models.EventObject) bool {
	if f == nil {
		return true
	}

	if f.Pipeline != nil && *f.Pipeline != obj.Pipeline {
		return false
	}
	if f.Stage != nil && *f.Stage != obj.Stage {
		return false
	}
	if f.Owner != nil && *f.Owner != obj.Owner {
		return false
	}
	if f.MinDealValue != nil && obj.Value < *f.MinDealValue {
		return false
	}
	if f.MaxDealValue != nil && obj.Value > *f.MaxDealValue {
		return false
	}
	return true
}
