package engine

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"
	"gorm.io/gorm"

	"nestio/models"
	"nestio/utils"
)

// scoringVersion stamps every history row so old rows can be told apart
// after a rule table change.
const scoringVersion = "v2.0"

// ErrNotFound is returned when a lead or funnel lookup finds no row.
var ErrNotFound = errors.New("record not found")

// ScoreResult is the outcome of a full recalculation.
type ScoreResult struct {
	TotalScore int                `json:"total_score"`
	Tier       string             `json:"tier"`
	Breakdown  []models.ScoreLine `json:"breakdown"`
	Changed    bool               `json:"changed"`
}

// ScoringEngine recomputes lead engagement scores from scratch on every
// event by replaying the lead's score history against the rule table.
type ScoringEngine struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewScoringEngine(db *gorm.DB, logger *log.Logger) *ScoringEngine {
	return &ScoringEngine{DB: db, Logger: logger}
}

// CalculateScore is the pure scoring function: static attribute points,
// a capped replay of historical triggers plus the current one, inactivity
// decay, and tier classification. It touches no storage.
func CalculateScore(lead *models.Lead, history []models.ScoreHistory, currentTrigger string, now time.Time) ScoreResult {
	total := 0
	breakdown := make([]models.ScoreLine, 0, 4)

	// Static demographic points, recomputed fresh each time.
	static := 0
	if phoneQualifies(lead.Phone) {
		static += rulePhoneProvided.Points
	}
	if lead.Email != "" && utils.ValidEmail(lead.Email) {
		static += ruleEmailProvided.Points
	}
	if static != 0 {
		total += static
		breakdown = append(breakdown, models.ScoreLine{Rule: "Demographics", Points: static, Count: 1})
	}

	// Replay behavioral events in order. A rule stops contributing once its
	// cumulative points would reach the cap; an occurrence either lands in
	// full or not at all.
	events := make([]string, 0, len(history)+1)
	for _, h := range history {
		events = append(events, h.EventTrigger)
	}
	if currentTrigger != "" {
		events = append(events, currentTrigger)
	}

	counts := map[string]int{}
	order := []string{}
	for _, ev := range events {
		rule, ok := matchRule(ev)
		if !ok {
			continue
		}
		if rule.Cap > 0 && counts[rule.Key]*rule.Points >= rule.Cap {
			continue
		}
		if _, seen := counts[rule.Key]; !seen {
			order = append(order, rule.Key)
		}
		counts[rule.Key]++
	}
	for _, key := range order {
		rule, _ := matchRule(key)
		points := counts[key] * rule.Points
		if rule.Cap > 0 && points > rule.Cap {
			points = rule.Cap
		}
		if points == 0 {
			continue
		}
		total += points
		breakdown = append(breakdown, models.ScoreLine{Rule: rule.DisplayName, Points: points, Count: counts[key]})
	}

	// Inactivity decay: a flat penalty once the lead has gone quiet for two
	// weeks. Leads with no recorded behavior at all are left alone.
	if lead.LastBehaviorAt != nil && now.Sub(*lead.LastBehaviorAt) > inactivityDays*24*time.Hour {
		total += ruleInactivity.Points
		breakdown = append(breakdown, models.ScoreLine{Rule: ruleInactivity.DisplayName, Points: ruleInactivity.Points, Count: 1})
	}

	tier := tierFor(total)
	// A booking promotes straight to the top tier regardless of score.
	if strings.EqualFold(currentTrigger, TriggerBooking) {
		tier = models.TierSalesReady
	}

	return ScoreResult{TotalScore: total, Tier: tier, Breakdown: breakdown}
}

func tierFor(score int) string {
	switch {
	case score >= thresholdSalesReady:
		return models.TierSalesReady
	case score >= thresholdHot:
		return models.TierHot
	case score >= thresholdWarm:
		return models.TierWarm
	default:
		return models.TierCold
	}
}

// phoneQualifies accepts any number the phone library parses as valid, and
// falls back to a bare digit-count check for the partial numbers CRM
// imports are full of.
func phoneQualifies(phone string) bool {
	if phone == "" {
		return false
	}
	if num, err := phonenumbers.Parse(phone, "US"); err == nil && phonenumbers.IsValidNumber(num) {
		return true
	}
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits > 6
}

// RecalculateLeadScore reloads the lead and its history, recomputes the
// score, and persists the new score, tier, and breakdown together with an
// append-only history row. When neither the score nor the tier moved the
// write is skipped entirely.
func (se *ScoringEngine) RecalculateLeadScore(leadID uint, trigger string) (ScoreResult, error) {
	var lead models.Lead
	if err := se.DB.First(&lead, leadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ScoreResult{}, fmt.Errorf("lead %d: %w", leadID, ErrNotFound)
		}
		return ScoreResult{}, fmt.Errorf("load lead %d: %w", leadID, err)
	}

	var history []models.ScoreHistory
	if err := se.DB.Where("lead_id = ?", leadID).Order("id asc").Find(&history).Error; err != nil {
		return ScoreResult{}, fmt.Errorf("load score history for lead %d: %w", leadID, err)
	}

	now := time.Now()
	result := CalculateScore(&lead, history, trigger, now)
	if result.TotalScore == lead.Score && result.Tier == lead.ScoreTier {
		se.Logger.Printf("Lead %d score unchanged at %d (%s), skipping write", lead.ID, lead.Score, lead.ScoreTier)
		return result, nil
	}
	result.Changed = true

	previous := lead.Score
	lead.Score = result.TotalScore
	lead.ScoreTier = result.Tier
	lead.LastBehaviorAt = &now
	lead.SetBreakdown(result.Breakdown)

	err := se.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Lead{}).Where("id = ?", lead.ID).Updates(map[string]interface{}{
			"score":            lead.Score,
			"score_tier":       lead.ScoreTier,
			"score_breakdown":  lead.ScoreBreakdown,
			"last_behavior_at": lead.LastBehaviorAt,
		}).Error; err != nil {
			return err
		}
		entry := models.ScoreHistory{
			LeadID:         lead.ID,
			PreviousScore:  previous,
			NewScore:       lead.Score,
			EventTrigger:   strings.ToUpper(trigger),
			ScoringVersion: scoringVersion,
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		return result, fmt.Errorf("persist score for lead %d: %w", lead.ID, err)
	}

	se.Logger.Printf("📈 Lead %d scored %d → %d (%s) on %s", lead.ID, previous, lead.Score, lead.ScoreTier, trigger)
	return result, nil
}
