package quiet

import (
	"time"

	"github.com/rs/zerolog/log"
	"chatrelay/internal/platform/models"
	"chatrelay/internal/platform/repositories"
)

// Decision is the gate's answer for one instant. When Quiet is true the
// caller must not dispatch; ResumeAt is the next boundary at which
// quiet hours end.
type Decision struct {
	Quiet    bool
	Reason   string
	ResumeAt time.Time
}

// Gate decides whether a tenant's notifications must be deferred. Any
// configuration problem (missing row, bad timezone, malformed window)
// fails open to immediate delivery; deferral is only ever chosen on a
// well-formed quiet config, and always produces a durable row.
type Gate struct {
	quietRepo   *repositories.QuietHoursRepository
	delayedRepo *repositories.DelayedRepository
}

func NewGate(quietRepo *repositories.QuietHoursRepository, delayedRepo *repositories.DelayedRepository) *Gate {
	return &Gate{quietRepo: quietRepo, delayedRepo: delayedRepo}
}

func (g *Gate) Check(tenantID string, now time.Time) Decision {
	cfg, err := g.quietRepo.Get(tenantID)
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("quiet hours lookup failed, proceeding")
		return Decision{}
	}
	if cfg == nil {
		return Decision{}
	}
	return Evaluate(cfg, now)
}

// Defer persists the deferred notification so it survives restarts. The
// delayed sweeper re-injects it once ResumeAt arrives.
func (g *Gate) Defer(tenantID string, data models.WebhookData, resumeAt time.Time) (*models.DelayedNotification, error) {
	encoded, err := data.Encode()
	if err != nil {
		return nil, err
	}

	n := &models.DelayedNotification{
		TenantID:         tenantID,
		NotificationData: encoded,
		ScheduledFor:     resumeAt.Unix(),
		Status:           models.DelayedPending,
	}
	if err := g.delayedRepo.Create(n); err != nil {
		return nil, err
	}
	return n, nil
}

// Evaluate applies the quiet-hours rules to one instant. Holidays force
// quiet for the whole day; weekends_enabled=false forces quiet on
// Saturday and Sunday; otherwise the [start, end) window applies,
// wrapping past midnight when start > end.
func Evaluate(cfg *models.QuietHoursConfig, now time.Time) Decision {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", cfg.TenantID).Str("timezone", cfg.Timezone).
			Msg("invalid quiet hours timezone, proceeding")
		return Decision{}
	}
	local := now.In(loc)

	startMin, ok1 := parseClock(cfg.StartTime)
	endMin, ok2 := parseClock(cfg.EndTime)
	if !ok1 || !ok2 {
		log.Warn().Str("tenant_id", cfg.TenantID).Str("start", cfg.StartTime).Str("end", cfg.EndTime).
			Msg("malformed quiet hours window, proceeding")
		return Decision{}
	}

	if isHoliday(cfg, local) {
		return Decision{Quiet: true, Reason: "holiday", ResumeAt: resumeAt(cfg, local, endMin, loc)}
	}
	if !cfg.WeekendsEnabled && isWeekend(local) {
		return Decision{Quiet: true, Reason: "weekend", ResumeAt: resumeAt(cfg, local, endMin, loc)}
	}

	if inWindow(startMin, endMin, local.Hour()*60+local.Minute()) {
		return Decision{Quiet: true, Reason: "quiet_hours", ResumeAt: resumeAt(cfg, local, endMin, loc)}
	}
	return Decision{}
}

// inWindow tests minute-of-day membership in [start, end), wrapping
// past midnight when start > end. An equal start and end is an empty
// window.
func inWindow(start, end, minute int) bool {
	if start == end {
		return false
	}
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// resumeAt finds the next occurrence of the window's end boundary that
// does not itself land on a forced-quiet day.
func resumeAt(cfg *models.QuietHoursConfig, local time.Time, endMin int, loc *time.Location) time.Time {
	cand := time.Date(local.Year(), local.Month(), local.Day(), endMin/60, endMin%60, 0, 0, loc)
	if !cand.After(local) {
		cand = cand.AddDate(0, 0, 1)
	}
	for i := 0; i < 366; i++ {
		if !isHoliday(cfg, cand) && (cfg.WeekendsEnabled || !isWeekend(cand)) {
			break
		}
		cand = cand.AddDate(0, 0, 1)
	}
	return cand
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func isHoliday(cfg *models.QuietHoursConfig, t time.Time) bool {
	date := t.Format("2006-01-02")
	for _, h := range cfg.Holidays {
		if h == date {
			return true
		}
	}
	return false
}

// parseClock reads "HH:MM" into minute-of-day.
func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
