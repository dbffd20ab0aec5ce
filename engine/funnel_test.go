package engine

import (
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"nestio/mailer"
	"nestio/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// fakeSender records every request and answers with a canned result.
type fakeSender struct {
	requests []mailer.EmailRequest
	result   mailer.SendResult
}

func (f *fakeSender) SendEmail(req mailer.EmailRequest) mailer.SendResult {
	f.requests = append(f.requests, req)
	return f.result
}

func seedFunnel(t *testing.T, db *gorm.DB, key string, agentID *uint, isDefault bool, steps int) models.Funnel {
	t.Helper()
	funnel := models.Funnel{
		AgentID:    agentID,
		FunnelKey:  key,
		FunnelType: key,
		Name:       key,
		IsDefault:  isDefault,
		Signature:  "Best,\nThe Team",
	}
	if err := db.Create(&funnel).Error; err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= steps; i++ {
		step := models.FunnelStep{
			FunnelID:   funnel.ID,
			StepIndex:  i,
			ActionType: models.ActionEmail,
			Subject:    "Hello {{first_name}}",
			Content:    "Hi {{first_name}}, checking in.",
			DelayDays:  1,
		}
		if err := db.Create(&step).Error; err != nil {
			t.Fatal(err)
		}
	}
	return funnel
}

func seedLead(t *testing.T, db *gorm.DB, agentID uint) models.Lead {
	t.Helper()
	lead := models.Lead{
		AgentID:   agentID,
		Name:      "Taylor Reed",
		FirstName: "Taylor",
		Email:     "taylor@example.com",
	}
	if err := db.Create(&lead).Error; err != nil {
		t.Fatal(err)
	}
	return lead
}

func newTestEngine(t *testing.T, db *gorm.DB, sender *fakeSender) *FunnelEngine {
	t.Helper()
	return NewFunnelEngine(db, testLogger(), sender, NewScoringEngine(db, testLogger()))
}

func TestNormalizeFunnelKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Realtor", "realtor_funnel"},
		{"agent", "realtor_funnel"},
		{"real estate agent", "realtor_funnel"},
		{"Broker", "broker_funnel"},
		{"recruiter", "broker_funnel"},
		{"investor_funnel", "investor_funnel"},
		{"  Realtor  ", "realtor_funnel"},
	}
	for _, tt := range tests {
		if got := normalizeFunnelKey(tt.in); got != tt.want {
			t.Errorf("normalizeFunnelKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAssignFunnelExecutesFirstStep(t *testing.T) {
	db := newTestDB(t)
	sender := &fakeSender{result: mailer.SendResult{Sent: true, Provider: "test"}}
	fe := newTestEngine(t, db, sender)

	funnel := seedFunnel(t, db, "realtor_funnel", nil, true, 3)
	lead := seedLead(t, db, 1)

	progress, err := fe.AssignFunnel(lead.ID, "Realtor")
	if err != nil {
		t.Fatal(err)
	}
	if progress.Status != models.ProgressActive || progress.CurrentStepIndex != 1 {
		t.Errorf("progress = %s at step %d, want active at 1", progress.Status, progress.CurrentStepIndex)
	}

	if len(sender.requests) != 1 {
		t.Fatalf("sent %d emails, want 1", len(sender.requests))
	}
	req := sender.requests[0]
	if req.To != lead.Email {
		t.Errorf("sent to %q, want %q", req.To, lead.Email)
	}
	if !strings.Contains(req.Subject, "Taylor") {
		t.Errorf("merge token not substituted in subject: %q", req.Subject)
	}
	if !strings.Contains(req.HTML, "The Team") {
		t.Errorf("funnel signature missing from body: %q", req.HTML)
	}
	if req.Tags.LeadID != lead.ID || req.Tags.FunnelStepID == nil {
		t.Errorf("tags incomplete: %+v", req.Tags)
	}

	var metric models.StepMetric
	var step models.FunnelStep
	if err := db.Where("funnel_id = ? AND step_index = ?", funnel.ID, 1).First(&step).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Where("funnel_step_id = ?", step.ID).First(&metric).Error; err != nil {
		t.Fatal(err)
	}
	if metric.SentCount != 1 {
		t.Errorf("sent_count = %d, want 1", metric.SentCount)
	}

	var stored models.FunnelProgress
	if err := db.First(&stored, progress.ID).Error; err != nil {
		t.Fatal(err)
	}
	if stored.LastStepAt == nil {
		t.Error("LastStepAt not stamped after step execution")
	}
}

func TestAssignFunnelIdempotent(t *testing.T) {
	db := newTestDB(t)
	sender := &fakeSender{result: mailer.SendResult{Sent: true}}
	fe := newTestEngine(t, db, sender)

	seedFunnel(t, db, "realtor_funnel", nil, true, 2)
	lead := seedLead(t, db, 1)

	first, err := fe.AssignFunnel(lead.ID, "realtor")
	if err != nil {
		t.Fatal(err)
	}
	second, err := fe.AssignFunnel(lead.ID, "realtor")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("re-assign created a new progress row: %d vs %d", first.ID, second.ID)
	}
	if len(sender.requests) != 1 {
		t.Errorf("re-assign re-executed step 1: %d sends", len(sender.requests))
	}
}

func TestAssignFunnelPrefersAgentOwned(t *testing.T) {
	db := newTestDB(t)
	sender := &fakeSender{result: mailer.SendResult{Sent: true}}
	fe := newTestEngine(t, db, sender)

	agentID := uint(7)
	seedFunnel(t, db, "realtor_funnel", nil, true, 1)
	owned := seedFunnel(t, db, "realtor_funnel", &agentID, false, 1)
	lead := seedLead(t, db, agentID)

	progress, err := fe.AssignFunnel(lead.ID, "realtor")
	if err != nil {
		t.Fatal(err)
	}
	if progress.FunnelID != owned.ID {
		t.Errorf("assigned funnel %d, want agent-owned %d", progress.FunnelID, owned.ID)
	}
}

func TestAssignFunnelUnknownType(t *testing.T) {
	db := newTestDB(t)
	fe := newTestEngine(t, db, &fakeSender{})
	lead := seedLead(t, db, 1)

	if _, err := fe.AssignFunnel(lead.ID, "landlord"); err == nil {
		t.Fatal("expected error for unknown funnel type")
	}
}

func TestAdvanceStepToCompletion(t *testing.T) {
	db := newTestDB(t)
	sender := &fakeSender{result: mailer.SendResult{Sent: true}}
	fe := newTestEngine(t, db, sender)

	funnel := seedFunnel(t, db, "broker_funnel", nil, true, 2)
	lead := seedLead(t, db, 1)

	progress, err := fe.AssignFunnel(lead.ID, "broker")
	if err != nil {
		t.Fatal(err)
	}

	if err := fe.AdvanceStep(lead.ID, funnel.ID); err != nil {
		t.Fatal(err)
	}
	var stored models.FunnelProgress
	db.First(&stored, progress.ID)
	if stored.CurrentStepIndex != 2 || stored.Status != models.ProgressActive {
		t.Errorf("after advance: step %d status %s", stored.CurrentStepIndex, stored.Status)
	}

	// Advancing past the last step completes the funnel.
	if err := fe.AdvanceStep(lead.ID, funnel.ID); err != nil {
		t.Fatal(err)
	}
	db.First(&stored, progress.ID)
	if stored.Status != models.ProgressCompleted {
		t.Errorf("status = %s, want completed", stored.Status)
	}
	if len(sender.requests) != 2 {
		t.Errorf("sent %d emails, want 2", len(sender.requests))
	}

	// Terminal progress never advances again.
	if err := fe.AdvanceStep(lead.ID, funnel.ID); err != nil {
		t.Fatal(err)
	}
	if len(sender.requests) != 2 {
		t.Errorf("completed funnel re-executed a step")
	}
}

func TestExecuteStepSendFailureDoesNotStall(t *testing.T) {
	db := newTestDB(t)
	sender := &fakeSender{result: mailer.SendResult{Reason: "all providers down"}}
	fe := newTestEngine(t, db, sender)

	seedFunnel(t, db, "realtor_funnel", nil, true, 2)
	lead := seedLead(t, db, 1)

	progress, err := fe.AssignFunnel(lead.ID, "realtor")
	if err != nil {
		t.Fatalf("a failed send must not fail assignment: %v", err)
	}

	var stored models.FunnelProgress
	db.First(&stored, progress.ID)
	if stored.Status != models.ProgressActive || stored.LastStepAt == nil {
		t.Errorf("progress = %+v, want active with LastStepAt stamped", stored)
	}
}

func TestExecuteStepSkipsUnsubscribedLead(t *testing.T) {
	db := newTestDB(t)
	sender := &fakeSender{result: mailer.SendResult{Sent: true}}
	fe := newTestEngine(t, db, sender)

	funnel := seedFunnel(t, db, "realtor_funnel", nil, true, 2)
	lead := seedLead(t, db, 1)
	progress, err := fe.AssignFunnel(lead.ID, "realtor")
	if err != nil {
		t.Fatal(err)
	}

	db.Model(&models.Lead{}).Where("id = ?", lead.ID).Update("is_unsubscribed", true)
	sent := len(sender.requests)
	fe.ExecuteStep(progress.ID, funnel.ID, 2)
	if len(sender.requests) != sent {
		t.Errorf("emailed an unsubscribed lead")
	}
}

func TestProcessEventUnsubscribeExitsFunnels(t *testing.T) {
	db := newTestDB(t)
	sender := &fakeSender{result: mailer.SendResult{Sent: true}}
	fe := newTestEngine(t, db, sender)

	funnel := seedFunnel(t, db, "realtor_funnel", nil, true, 3)
	lead := seedLead(t, db, 1)
	progress, err := fe.AssignFunnel(lead.ID, "realtor")
	if err != nil {
		t.Fatal(err)
	}

	var step models.FunnelStep
	db.Where("funnel_id = ? AND step_index = ?", funnel.ID, 1).First(&step)

	if err := fe.ProcessEvent(lead.ID, "unsubscribe", &step.ID); err != nil {
		t.Fatal(err)
	}

	var stored models.FunnelProgress
	db.First(&stored, progress.ID)
	if stored.Status != models.ProgressExited {
		t.Errorf("status = %s, want exited", stored.Status)
	}

	var storedLead models.Lead
	db.First(&storedLead, lead.ID)
	if !storedLead.IsUnsubscribed {
		t.Error("lead not flagged unsubscribed")
	}
	if storedLead.Score >= 0 {
		t.Errorf("score = %d, want negative after unsubscribe penalty", storedLead.Score)
	}

	var metric models.StepMetric
	db.Where("funnel_step_id = ?", step.ID).First(&metric)
	if metric.Unsubscribes != 1 {
		t.Errorf("unsubscribes = %d, want 1", metric.Unsubscribes)
	}
}

func TestProcessEventOpenScoresAndCounts(t *testing.T) {
	db := newTestDB(t)
	sender := &fakeSender{result: mailer.SendResult{Sent: true}}
	fe := newTestEngine(t, db, sender)

	funnel := seedFunnel(t, db, "realtor_funnel", nil, true, 1)
	lead := seedLead(t, db, 1)
	if _, err := fe.AssignFunnel(lead.ID, "realtor"); err != nil {
		t.Fatal(err)
	}

	var step models.FunnelStep
	db.Where("funnel_id = ?", funnel.ID).First(&step)

	if err := fe.ProcessEvent(lead.ID, "open", &step.ID); err != nil {
		t.Fatal(err)
	}

	var storedLead models.Lead
	db.First(&storedLead, lead.ID)
	// Valid email 10 + one open 5.
	if storedLead.Score != 15 {
		t.Errorf("score = %d, want 15", storedLead.Score)
	}

	var metric models.StepMetric
	db.Where("funnel_step_id = ?", step.ID).First(&metric)
	if metric.Opens != 1 {
		t.Errorf("opens = %d, want 1", metric.Opens)
	}
}

func TestProcessEventUnknownIgnored(t *testing.T) {
	db := newTestDB(t)
	fe := newTestEngine(t, db, &fakeSender{})
	lead := seedLead(t, db, 1)

	if err := fe.ProcessEvent(lead.ID, "teleport", nil); err != nil {
		t.Errorf("unknown event must be a no-op, got %v", err)
	}
}

func TestExitFunnelBulk(t *testing.T) {
	db := newTestDB(t)
	sender := &fakeSender{result: mailer.SendResult{Sent: true}}
	fe := newTestEngine(t, db, sender)

	seedFunnel(t, db, "realtor_funnel", nil, true, 2)
	seedFunnel(t, db, "broker_funnel", nil, true, 2)
	lead := seedLead(t, db, 1)

	if _, err := fe.AssignFunnel(lead.ID, "realtor"); err != nil {
		t.Fatal(err)
	}
	if _, err := fe.AssignFunnel(lead.ID, "broker"); err != nil {
		t.Fatal(err)
	}

	if err := fe.ExitFunnel(lead.ID); err != nil {
		t.Fatal(err)
	}

	var active int64
	db.Model(&models.FunnelProgress{}).Where("lead_id = ? AND status = ?", lead.ID, models.ProgressActive).Count(&active)
	if active != 0 {
		t.Errorf("%d funnels still active after exit", active)
	}
}

func TestRenderEmailHTML(t *testing.T) {
	got := renderEmailHTML("First line.\n\nSecond paragraph.\nWith a break.", "Best,\nJo")
	if !strings.Contains(got, "<p>First line.</p>") {
		t.Errorf("paragraphs not wrapped: %q", got)
	}
	if !strings.Contains(got, "With a break.") || !strings.Contains(got, "Second paragraph.<br>") {
		t.Errorf("line breaks not converted: %q", got)
	}
	if !strings.Contains(got, "Best,<br>Jo") {
		t.Errorf("signature missing: %q", got)
	}
}
