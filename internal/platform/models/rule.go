package models

import "encoding/json"

// Template modes.
const (
	TemplateSimple   = "simple"
	TemplateCompact  = "compact"
	TemplateDetailed = "detailed"
	TemplateCustom   = "custom"
)

// Output formats.
const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
	FormatRichCard = "rich_card"
)

// Rule is tenant-owned delivery configuration. Created through the
// external admin API; read-only to the pipeline.
type Rule struct {
	ID              string      `json:"id"`
	TenantID        string      `json:"tenant_id"`
	EventType       string      `json:"event_type"` // exact or wildcard, e.g. "deal.*"
	Filters         RuleFilters `json:"filters"`    // JSON object in DB
	TargetWebhookID string      `json:"target_webhook_id"`
	TemplateMode    string      `json:"template_mode"`
	TemplateFormat  string      `json:"template_format"`
	CustomTemplate  string      `json:"custom_template,omitempty"`
	Enabled         bool        `json:"enabled"`
	Priority        int         `json:"priority"` // lower = evaluated first
	IsDefault       bool        `json:"is_default"`
	PlanTier        string      `json:"plan_tier,omitempty"`
	CreatedAt       int64       `json:"created_at"`
	UpdatedAt       int64       `json:"updated_at"`
}

// RuleFilters is the conjunctive predicate set attached to a rule.
// Known keys are typed; anything else lands in Extra and is ignored at
// evaluation time so that newer admin-API versions can add predicates
// without breaking older pipelines.
type RuleFilters struct {
	Pipeline     *string  `json:"pipeline,omitempty"`
	Stage        *string  `json:"stage,omitempty"`
	Owner        *string  `json:"owner,omitempty"`
	MinDealValue *float64 `json:"min_deal_value,omitempty"`
	MaxDealValue *float64 `json:"max_deal_value,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

func (f *RuleFilters) UnmarshalJSON(data []byte) error {
	type known RuleFilters
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	delete(raw, "pipeline")
	delete(raw, "stage")
	delete(raw, "owner")
	delete(raw, "min_deal_value")
	delete(raw, "max_deal_value")

	*f = RuleFilters(k)
	if len(raw) > 0 {
		f.Extra = raw
	}
	return nil
}

func (f RuleFilters) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, 5+len(f.Extra))
	for key, val := range f.Extra {
		out[key] = val
	}
	if f.Pipeline != nil {
		out["pipeline"] = *f.Pipeline
	}
	if f.Stage != nil {
		out["stage"] = *f.Stage
	}
	if f.Owner != nil {
		out["owner"] = *f.Owner
	}
	if f.MinDealValue != nil {
		out["min_deal_value"] = *f.MinDealValue
	}
	if f.MaxDealValue != nil {
		out["max_deal_value"] = *f.MaxDealValue
	}
	return json.Marshal(out)
}
