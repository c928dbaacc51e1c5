package ledger

import "time"

type Service struct {
	repo *Repository
}

func NewService(repo *Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) DeliveryBreakdown(tenantID string, start, end int64) ([]StatusCount, error) {
	return s.repo.CountsByStatus(tenantID, start, clampEnd(end))
}

func (s *Service) RuleSuccess(ruleID string, start, end int64) (*RuleStats, error) {
	return s.repo.RuleStats(ruleID, start, clampEnd(end))
}

func (s *Service) WebhookHealth(webhookID string, start, end int64) (*WebhookHealth, error) {
	return s.repo.WebhookHealth(webhookID, start, clampEnd(end))
}

func (s *Service) FailureRate(window time.Duration) (float64, error) {
	return s.repo.RecentFailureRate(time.Now().Add(-window).Unix())
}

func clampEnd(end int64) int64 {
	if end == 0 {
		return time.Now().Unix()
	}
	return end
}
