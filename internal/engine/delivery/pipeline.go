package delivery

import (
	"time"

	"github.com/rs/zerolog/log"
	"chatrelay/internal/engine/quiet"
	"chatrelay/internal/engine/rules"
	"chatrelay/internal/platform/models"
)

// Pipeline ties the matcher, quiet-hours gate and dispatcher together
// for one inbound event. The ingestion handler calls this after the
// signature check; the delayed sweeper re-enters at EnqueueReplay.
type Pipeline struct {
	matcher    *rules.Matcher
	gate       *quiet.Gate
	dispatcher *Dispatcher
}

func NewPipeline(matcher *rules.Matcher, gate *quiet.Gate, dispatcher *Dispatcher) *Pipeline {
	return &Pipeline{matcher: matcher, gate: gate, dispatcher: dispatcher}
}

// IngestResult summarizes the fan-out of one event.
type IngestResult struct {
	Matched  int      `json:"matched"`
	Enqueued []string `json:"enqueued,omitempty"` // delivery ids
	Deferred int      `json:"deferred"`
}

// HandleEvent matches the event against the tenant's rules and hands
// each match to the dispatcher, or defers the lot when the tenant is
// inside quiet hours. Each matched rule gets its own delivery_id and
// fails independently: one bad rule never blocks its siblings.
func (p *Pipeline) HandleEvent(event *models.Event) (*IngestResult, error) {
	matched, err := p.matcher.Match(event.TenantID, event)
	if err != nil {
		return nil, err
	}

	result := &IngestResult{Matched: len(matched)}
	if len(matched) == 0 {
		return result, nil
	}

	decision := p.gate.Check(event.TenantID, time.Now())

	for _, rule := range matched {
		data := models.WebhookData{Event: *event, RuleID: rule.ID}

		if decision.Quiet {
			if _, err := p.gate.Defer(event.TenantID, data, decision.ResumeAt); err != nil {
				// Deferral must never silently drop: fall back to
				// immediate dispatch when the durable row cannot be written.
				log.Error().Err(err).Str("tenant_id", event.TenantID).Str("rule_id", rule.ID).
					Msg("quiet-hours deferral failed, dispatching immediately")
			} else {
				result.Deferred++
				continue
			}
		}

		deliveryID, err := p.dispatcher.Enqueue(event.TenantID, rule.ID, rule.TargetWebhookID, data)
		if err != nil {
			log.Error().Err(err).Str("tenant_id", event.TenantID).Str("rule_id", rule.ID).
				Msg("enqueue failed, rule skipped")
			continue
		}
		result.Enqueued = append(result.Enqueued, deliveryID)
	}
	return result, nil
}

// EnqueueReplay re-injects a quiet-hours-deferred payload at the queue
// tier. The target webhook is resolved from the rule at injection time
// so webhook changes made during the quiet window are honored.
func (p *Pipeline) EnqueueReplay(tenantID string, data *models.WebhookData) (string, error) {
	rule, err := p.dispatcher.ruleRepo.GetByID(data.RuleID)
	if err != nil {
		return "", err
	}
	if rule == nil || !rule.Enabled {
		log.Info().Str("tenant_id", tenantID).Str("rule_id", data.RuleID).
			Msg("deferred notification dropped, rule gone or disabled")
		return "", nil
	}
	return p.dispatcher.Enqueue(tenantID, rule.ID, rule.TargetWebhookID, *data)
}
