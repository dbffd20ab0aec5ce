package engine

import (
	"testing"
	"time"

	"nestio/models"
)

func hist(triggers ...string) []models.ScoreHistory {
	out := make([]models.ScoreHistory, 0, len(triggers))
	for _, tr := range triggers {
		out = append(out, models.ScoreHistory{EventTrigger: tr})
	}
	return out
}

func findLine(lines []models.ScoreLine, rule string) (models.ScoreLine, bool) {
	for _, l := range lines {
		if l.Rule == rule {
			return l, true
		}
	}
	return models.ScoreLine{}, false
}

func TestCalculateScoreDemographics(t *testing.T) {
	now := time.Now()
	lead := &models.Lead{Email: "buyer@example.com", Phone: "+1 202 555 0123"}

	result := CalculateScore(lead, nil, "", now)

	if result.TotalScore != 25 {
		t.Errorf("TotalScore = %d, want 25 (phone 15 + email 10)", result.TotalScore)
	}
	if result.Tier != models.TierCold {
		t.Errorf("Tier = %q, want %q", result.Tier, models.TierCold)
	}
	if len(result.Breakdown) == 0 || result.Breakdown[0].Rule != "Demographics" {
		t.Errorf("Demographics must lead the breakdown, got %+v", result.Breakdown)
	}
}

func TestCalculateScoreNoDemographicsLine(t *testing.T) {
	lead := &models.Lead{Email: "not-an-email", Phone: "123"}
	result := CalculateScore(lead, nil, "", time.Now())

	if result.TotalScore != 0 {
		t.Errorf("TotalScore = %d, want 0", result.TotalScore)
	}
	if len(result.Breakdown) != 0 {
		t.Errorf("expected empty breakdown, got %+v", result.Breakdown)
	}
}

func TestCalculateScoreCapsAllOrNothing(t *testing.T) {
	lead := &models.Lead{}

	// Five opens at 5 points with a cap of 20: the fifth occurrence would
	// start at the cap and must not land at all.
	result := CalculateScore(lead, hist(TriggerEmailOpen, TriggerEmailOpen, TriggerEmailOpen, TriggerEmailOpen), TriggerEmailOpen, time.Now())

	line, ok := findLine(result.Breakdown, "Email Open")
	if !ok {
		t.Fatalf("no Email Open line in %+v", result.Breakdown)
	}
	if line.Points != 20 {
		t.Errorf("Email Open points = %d, want 20", line.Points)
	}
	if line.Count != 4 {
		t.Errorf("Email Open count = %d, want 4 (fifth occurrence rejected)", line.Count)
	}
	if result.TotalScore != 20 {
		t.Errorf("TotalScore = %d, want 20", result.TotalScore)
	}
}

func TestCalculateScoreClickCap(t *testing.T) {
	lead := &models.Lead{}
	result := CalculateScore(lead, hist(TriggerEmailClick, TriggerEmailClick, TriggerEmailClick), TriggerEmailClick, time.Now())

	line, _ := findLine(result.Breakdown, "Email Click")
	if line.Points != 30 || line.Count != 3 {
		t.Errorf("Email Click = %+v, want 30 points from 3 counted clicks", line)
	}
}

func TestCalculateScoreCaseInsensitiveTriggers(t *testing.T) {
	lead := &models.Lead{}
	result := CalculateScore(lead, hist("email_open", "Email Open"), "", time.Now())

	line, ok := findLine(result.Breakdown, "Email Open")
	if !ok || line.Count != 2 {
		t.Errorf("mixed-case triggers should collapse to one rule, got %+v", result.Breakdown)
	}
}

func TestCalculateScoreBookingPromotesTier(t *testing.T) {
	lead := &models.Lead{}
	result := CalculateScore(lead, nil, TriggerBooking, time.Now())

	if result.TotalScore != 50 {
		t.Errorf("TotalScore = %d, want 50", result.TotalScore)
	}
	// 50 points alone is Warm, but a booking forces the top tier.
	if result.Tier != models.TierSalesReady {
		t.Errorf("Tier = %q, want %q", result.Tier, models.TierSalesReady)
	}
}

func TestCalculateScoreUnsubscribePenalty(t *testing.T) {
	lead := &models.Lead{}
	result := CalculateScore(lead, hist(TriggerEmailOpen), TriggerUnsubscribe, time.Now())

	if result.TotalScore != -20 {
		t.Errorf("TotalScore = %d, want -20 (open 5, unsubscribe -25)", result.TotalScore)
	}
	if result.Tier != models.TierCold {
		t.Errorf("Tier = %q, want %q", result.Tier, models.TierCold)
	}
}

func TestCalculateScoreInactivityDecay(t *testing.T) {
	now := time.Now()
	stale := now.Add(-20 * 24 * time.Hour)
	lead := &models.Lead{LastBehaviorAt: &stale}

	result := CalculateScore(lead, hist(TriggerChatReply), "", now)

	line, ok := findLine(result.Breakdown, "Inactive (14d)")
	if !ok || line.Points != -10 {
		t.Fatalf("missing decay line in %+v", result.Breakdown)
	}
	if result.TotalScore != 5 {
		t.Errorf("TotalScore = %d, want 5 (chat 15, decay -10)", result.TotalScore)
	}
}

func TestCalculateScoreFreshLeadNoDecay(t *testing.T) {
	now := time.Now()
	recent := now.Add(-24 * time.Hour)
	lead := &models.Lead{LastBehaviorAt: &recent}

	result := CalculateScore(lead, nil, "", now)
	if _, ok := findLine(result.Breakdown, "Inactive (14d)"); ok {
		t.Errorf("decay applied to a fresh lead: %+v", result.Breakdown)
	}
}

func TestTierThresholds(t *testing.T) {
	tests := []struct {
		score int
		want  string
	}{
		{150, models.TierSalesReady},
		{120, models.TierSalesReady},
		{119, models.TierHot},
		{80, models.TierHot},
		{79, models.TierWarm},
		{40, models.TierWarm},
		{39, models.TierCold},
		{0, models.TierCold},
		{-30, models.TierCold},
	}
	for _, tt := range tests {
		if got := tierFor(tt.score); got != tt.want {
			t.Errorf("tierFor(%d) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestRecalculateLeadScorePersists(t *testing.T) {
	db := newTestDB(t)
	se := NewScoringEngine(db, testLogger())

	lead := models.Lead{Name: "Jordan Smith", Email: "jordan@example.com"}
	if err := db.Create(&lead).Error; err != nil {
		t.Fatal(err)
	}

	result, err := se.RecalculateLeadScore(lead.ID, TriggerEmailOpen)
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalScore != 15 {
		t.Errorf("TotalScore = %d, want 15 (email 10 + open 5)", result.TotalScore)
	}
	if !result.Changed {
		t.Error("expected Changed = true on first recalculation")
	}

	var stored models.Lead
	if err := db.First(&stored, lead.ID).Error; err != nil {
		t.Fatal(err)
	}
	if stored.Score != 15 || stored.ScoreTier != models.TierCold {
		t.Errorf("stored lead = score %d tier %q", stored.Score, stored.ScoreTier)
	}
	if stored.LastBehaviorAt == nil {
		t.Error("LastBehaviorAt not stamped")
	}
	if len(stored.Breakdown()) == 0 {
		t.Error("breakdown not persisted")
	}

	var history []models.ScoreHistory
	if err := db.Where("lead_id = ?", lead.ID).Find(&history).Error; err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("history rows = %d, want 1", len(history))
	}
	if history[0].PreviousScore != 0 || history[0].NewScore != 15 {
		t.Errorf("history = %d → %d, want 0 → 15", history[0].PreviousScore, history[0].NewScore)
	}
	if history[0].EventTrigger != TriggerEmailOpen {
		t.Errorf("EventTrigger = %q, want %q", history[0].EventTrigger, TriggerEmailOpen)
	}
}

func TestRecalculateLeadScoreSkipsUnchanged(t *testing.T) {
	db := newTestDB(t)
	se := NewScoringEngine(db, testLogger())

	lead := models.Lead{Name: "Sam Lee", Email: "sam@example.com"}
	if err := db.Create(&lead).Error; err != nil {
		t.Fatal(err)
	}
	if _, err := se.RecalculateLeadScore(lead.ID, TriggerEmailOpen); err != nil {
		t.Fatal(err)
	}

	// A replay with no new trigger lands on the same score and tier.
	result, err := se.RecalculateLeadScore(lead.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("expected Changed = false for an identical result")
	}

	var count int64
	db.Model(&models.ScoreHistory{}).Where("lead_id = ?", lead.ID).Count(&count)
	if count != 1 {
		t.Errorf("history rows = %d, want 1 (no row for the skipped write)", count)
	}
}

func TestRecalculateLeadScoreMissingLead(t *testing.T) {
	db := newTestDB(t)
	se := NewScoringEngine(db, testLogger())

	if _, err := se.RecalculateLeadScore(9999, TriggerEmailOpen); err == nil {
		t.Fatal("expected error for missing lead")
	}
}
