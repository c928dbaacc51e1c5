package quiet

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"chatrelay/internal/platform/database"
	"chatrelay/internal/platform/models"
	"chatrelay/internal/platform/repositories"
)

func nyConfig() *models.QuietHoursConfig {
	return &models.QuietHoursConfig{
		TenantID:        "tenant_1",
		Timezone:        "America/New_York",
		StartTime:       "18:00",
		EndTime:         "09:00",
		WeekendsEnabled: true,
	}
}

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("Failed to load location: %v", err)
	}
	return loc
}

func TestEvaluate_WrapAroundWindow(t *testing.T) {
	loc := mustLoc(t, "America/New_York")
	cfg := nyConfig()

	// Wednesday
	evening := time.Date(2024, 3, 6, 20, 0, 0, 0, loc)
	decision := Evaluate(cfg, evening)
	if !decision.Quiet {
		t.Fatal("20:00 local should be inside quiet hours")
	}
	wantResume := time.Date(2024, 3, 7, 9, 0, 0, 0, loc)
	if !decision.ResumeAt.Equal(wantResume) {
		t.Errorf("ResumeAt = %v, want %v", decision.ResumeAt, wantResume)
	}

	earlyMorning := time.Date(2024, 3, 7, 7, 30, 0, 0, loc)
	decision = Evaluate(cfg, earlyMorning)
	if !decision.Quiet {
		t.Fatal("07:30 local should still be quiet before the 09:00 boundary")
	}
	wantResume = time.Date(2024, 3, 7, 9, 0, 0, 0, loc)
	if !decision.ResumeAt.Equal(wantResume) {
		t.Errorf("ResumeAt = %v, want %v", decision.ResumeAt, wantResume)
	}

	midMorning := time.Date(2024, 3, 6, 10, 0, 0, 0, loc)
	if decision := Evaluate(cfg, midMorning); decision.Quiet {
		t.Error("10:00 local should dispatch immediately")
	}
}

func TestEvaluate_Weekends(t *testing.T) {
	loc := mustLoc(t, "America/New_York")
	cfg := nyConfig()
	cfg.WeekendsEnabled = false

	// Saturday midday, outside the configured window
	saturday := time.Date(2024, 3, 9, 12, 0, 0, 0, loc)
	decision := Evaluate(cfg, saturday)
	if !decision.Quiet {
		t.Fatal("Saturday should be quiet when weekends are disabled")
	}
	if decision.Reason != "weekend" {
		t.Errorf("Reason = %q, want weekend", decision.Reason)
	}
	// Resume skips Sunday too: Monday 09:00
	wantResume := time.Date(2024, 3, 11, 9, 0, 0, 0, loc)
	if !decision.ResumeAt.Equal(wantResume) {
		t.Errorf("ResumeAt = %v, want %v", decision.ResumeAt, wantResume)
	}
}

func TestEvaluate_Holidays(t *testing.T) {
	loc := mustLoc(t, "America/New_York")
	cfg := nyConfig()
	cfg.Holidays = []string{"2024-07-04"}

	midday := time.Date(2024, 7, 4, 12, 0, 0, 0, loc)
	decision := Evaluate(cfg, midday)
	if !decision.Quiet {
		t.Fatal("Holidays force quiet regardless of time of day")
	}
	if decision.Reason != "holiday" {
		t.Errorf("Reason = %q, want holiday", decision.Reason)
	}
	wantResume := time.Date(2024, 7, 5, 9, 0, 0, 0, loc)
	if !decision.ResumeAt.Equal(wantResume) {
		t.Errorf("ResumeAt = %v, want %v", decision.ResumeAt, wantResume)
	}
}

func TestEvaluate_FailOpen(t *testing.T) {
	loc := mustLoc(t, "America/New_York")
	inWindowTime := time.Date(2024, 3, 6, 20, 0, 0, 0, loc)

	tests := []struct {
		name   string
		mutate func(*models.QuietHoursConfig)
	}{
		{name: "Bad Timezone", mutate: func(c *models.QuietHoursConfig) { c.Timezone = "Mars/Olympus" }},
		{name: "Bad Start Time", mutate: func(c *models.QuietHoursConfig) { c.StartTime = "25:99" }},
		{name: "Bad End Time", mutate: func(c *models.QuietHoursConfig) { c.EndTime = "soon" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := nyConfig()
			tt.mutate(cfg)
			if decision := Evaluate(cfg, inWindowTime); decision.Quiet {
				t.Error("Malformed config must fail open to immediate delivery")
			}
		})
	}
}

func TestInWindow(t *testing.T) {
	tests := []struct {
		name     string
		start    int
		end      int
		minute   int
		expected bool
	}{
		{name: "Plain Window Inside", start: 9 * 60, end: 17 * 60, minute: 12 * 60, expected: true},
		{name: "Plain Window Before", start: 9 * 60, end: 17 * 60, minute: 8 * 60, expected: false},
		{name: "End Exclusive", start: 9 * 60, end: 17 * 60, minute: 17 * 60, expected: false},
		{name: "Wrap Evening", start: 18 * 60, end: 9 * 60, minute: 20 * 60, expected: true},
		{name: "Wrap Early Morning", start: 18 * 60, end: 9 * 60, minute: 7 * 60, expected: true},
		{name: "Wrap Midday Outside", start: 18 * 60, end: 9 * 60, minute: 12 * 60, expected: false},
		{name: "Empty Window", start: 9 * 60, end: 9 * 60, minute: 9 * 60, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inWindow(tt.start, tt.end, tt.minute); got != tt.expected {
				t.Errorf("inWindow(%d, %d, %d) = %v, want %v", tt.start, tt.end, tt.minute, got, tt.expected)
			}
		})
	}
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return db
}

func TestGate_CheckAndDefer(t *testing.T) {
	db := setupTestDB(t)
	quietRepo := repositories.NewQuietHoursRepository(db)
	delayedRepo := repositories.NewDelayedRepository(db)
	gate := NewGate(quietRepo, delayedRepo)

	// No config: proceed.
	if decision := gate.Check("tenant_1", time.Now()); decision.Quiet {
		t.Fatal("Tenant without quiet config must proceed")
	}

	cfg := nyConfig()
	cfg.CreatedAt = time.Now().Unix()
	cfg.UpdatedAt = cfg.CreatedAt
	if err := quietRepo.Upsert(cfg); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	loc := mustLoc(t, "America/New_York")
	evening := time.Date(2024, 3, 6, 20, 0, 0, 0, loc)
	decision := gate.Check("tenant_1", evening)
	if !decision.Quiet {
		t.Fatal("Configured tenant should be quiet at 20:00 local")
	}

	data := models.WebhookData{
		Event:  models.Event{EventType: "deal.won", TenantID: "tenant_1"},
		RuleID: "rule_1",
	}
	n, err := gate.Defer("tenant_1", data, decision.ResumeAt)
	if err != nil {
		t.Fatalf("Defer failed: %v", err)
	}

	due, err := delayedRepo.SelectDue(decision.ResumeAt.Unix(), 10)
	if err != nil {
		t.Fatalf("SelectDue failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != n.ID {
		t.Fatalf("Expected the deferred row to be selectable at its boundary, got %d rows", len(due))
	}
	if due[0].Status != models.DelayedPending {
		t.Errorf("Status = %s, want pending", due[0].Status)
	}
}
