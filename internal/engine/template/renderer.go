package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"chatrelay/internal/pkg/errors"
	"chatrelay/internal/platform/models"
)

// Render produces the chat-space message body for one rule + event
// pair. It is pure: no I/O, no clock reads beyond formatting the
// event's own timestamps.
func Render(rule *models.Rule, event *models.Event) (*models.Message, error) {
	var text string
	switch rule.TemplateMode {
	case models.TemplateCompact:
		text = renderCompact(event)
	case models.TemplateDetailed:
		text = renderDetailed(event)
	case models.TemplateCustom:
		text = Substitute(rule.CustomTemplate, event)
	case models.TemplateSimple, "":
		text = renderSimple(event)
	default:
		return nil, errors.Validation(fmt.Sprintf("unknown template mode %q", rule.TemplateMode), nil)
	}

	format := rule.TemplateFormat
	if format == "" {
		format = models.FormatText
	}

	msg := &models.Message{Format: format}
	if format == models.FormatRichCard {
		card, err := buildCard(event, text)
		if err != nil {
			return nil, errors.Validation("rich card encoding failed", err)
		}
		msg.Card = card
	}
	msg.Text = text
	return msg, nil
}

func renderSimple(event *models.Event) string {
	return fmt.Sprintf("%s %s: %s", eventEmoji(event.EventType), eventLabel(event.EventType), event.Object.Title)
}

func renderCompact(event *models.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s* — %s", eventEmoji(event.EventType), eventLabel(event.EventType), event.Object.Title)
	if event.Object.Value > 0 {
		fmt.Fprintf(&b, " (%s)", formatValue(event.Object.Value, event.Object.Currency))
	}
	if event.Actor.Name != "" {
		fmt.Fprintf(&b, " by %s", event.Actor.Name)
	}
	return b.String()
}

func renderDetailed(event *models.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n", eventEmoji(event.EventType), eventLabel(event.EventType))
	fmt.Fprintf(&b, "📋 Deal: %s\n", event.Object.Title)
	if event.Object.Value > 0 {
		fmt.Fprintf(&b, "💰 Value: %s\n", formatValue(event.Object.Value, event.Object.Currency))
	}
	if event.Object.Stage != "" {
		fmt.Fprintf(&b, "📈 Stage: %s\n", event.Object.Stage)
	}
	if event.Object.Pipeline != "" {
		fmt.Fprintf(&b, "🔀 Pipeline: %s\n", event.Object.Pipeline)
	}
	if event.Object.Owner != "" {
		fmt.Fprintf(&b, "👤 Owner: %s\n", event.Object.Owner)
	}
	if event.Actor.Name != "" {
		fmt.Fprintf(&b, "✏️ Changed by: %s\n", event.Actor.Name)
	}
	if event.ReceivedAt > 0 {
		fmt.Fprintf(&b, "🕐 %s", time.Unix(event.ReceivedAt, 0).UTC().Format(time.RFC1123))
	}
	return strings.TrimRight(b.String(), "\n")
}

var varPattern = regexp.MustCompile(`\{([a-z_]+)\.([a-z_]+)\}`)

// Substitute resolves {namespace.field} variables against the event
// context. Unresolvable variables become empty strings; a typo in a
// custom template must not block delivery of the notification.
func Substitute(tmpl string, event *models.Event) string {
	return varPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		groups := varPattern.FindStringSubmatch(match)
		return resolveVar(groups[1], groups[2], event)
	})
}

func resolveVar(namespace, field string, event *models.Event) string {
	switch namespace {
	case "deal", "object":
		switch field {
		case "id":
			return event.Object.ID
		case "title", "name":
			return event.Object.Title
		case "value":
			return formatValue(event.Object.Value, event.Object.Currency)
		case "pipeline":
			return event.Object.Pipeline
		case "stage":
			return event.Object.Stage
		case "owner":
			return event.Object.Owner
		}
	case "event":
		switch field {
		case "type":
			return event.EventType
		case "timestamp":
			if event.ReceivedAt > 0 {
				return time.Unix(event.ReceivedAt, 0).UTC().Format(time.RFC3339)
			}
		}
	case "actor", "user":
		switch field {
		case "id":
			return event.Actor.ID
		case "name":
			return event.Actor.Name
		case "email":
			return event.Actor.Email
		}
	case "tenant", "company":
		switch field {
		case "id":
			return event.TenantID
		}
	}
	return ""
}

type card struct {
	Title    string        `json:"title"`
	Subtitle string        `json:"subtitle,omitempty"`
	Sections []cardSection `json:"sections,omitempty"`
}

type cardSection struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

func buildCard(event *models.Event, fallbackText string) (string, error) {
	c := card{
		Title:    fmt.Sprintf("%s %s", eventEmoji(event.EventType), eventLabel(event.EventType)),
		Subtitle: event.Object.Title,
	}
	if event.Object.Value > 0 {
		c.Sections = append(c.Sections, cardSection{Label: "Value", Value: formatValue(event.Object.Value, event.Object.Currency)})
	}
	if event.Object.Stage != "" {
		c.Sections = append(c.Sections, cardSection{Label: "Stage", Value: event.Object.Stage})
	}
	if event.Object.Owner != "" {
		c.Sections = append(c.Sections, cardSection{Label: "Owner", Value: event.Object.Owner})
	}
	if event.Actor.Name != "" {
		c.Sections = append(c.Sections, cardSection{Label: "Changed by", Value: event.Actor.Name})
	}
	if len(c.Sections) == 0 && fallbackText != "" {
		c.Sections = append(c.Sections, cardSection{Label: "Details", Value: fallbackText})
	}

	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func eventLabel(eventType string) string {
	switch eventType {
	case "deal.won":
		return "Deal won"
	case "deal.lost":
		return "Deal lost"
	case "deal.created":
		return "New deal"
	case "deal.updated":
		return "Deal updated"
	case "deal.stage_changed":
		return "Deal moved"
	default:
		return strings.ReplaceAll(eventType, ".", " ")
	}
}

func eventEmoji(eventType string) string {
	switch eventType {
	case "deal.won":
		return "🎉"
	case "deal.lost":
		return "❌"
	case "deal.created":
		return "✨"
	case "deal.stage_changed":
		return "📊"
	default:
		return "🔔"
	}
}

func formatValue(value float64, currency string) string {
	if currency == "" {
		currency = "USD"
	}
	if value == float64(int64(value)) {
		return fmt.Sprintf("%d %s", int64(value), currency)
	}
	return fmt.Sprintf("%.2f %s", value, currency)
}
