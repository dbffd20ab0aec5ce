package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"gorm.io/gorm"

	"nestio/engine"
	"nestio/models"
)

// FunnelWorker advances active funnel progress whose next step's delay
// has elapsed. Each tick is one bounded sweep; a lead due for several
// steps catches up one step per tick.
type FunnelWorker struct {
	DB       *gorm.DB
	Engine   *engine.FunnelEngine
	Logger   *log.Logger
	Interval time.Duration
}

func NewFunnelWorker(db *gorm.DB, fe *engine.FunnelEngine, logger *log.Logger, interval time.Duration) *FunnelWorker {
	return &FunnelWorker{DB: db, Engine: fe, Logger: logger, Interval: interval}
}

// Start blocks until ctx is cancelled.
func (w *FunnelWorker) Start(ctx context.Context) {
	w.Logger.Printf("🚀 Funnel worker started (every %s)", w.Interval)
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Logger.Println("Funnel worker stopped")
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *FunnelWorker) sweep() {
	var due []models.FunnelProgress
	if err := w.DB.Where("status = ? AND last_step_at IS NOT NULL", models.ProgressActive).
		Order("last_step_at asc").Limit(500).Find(&due).Error; err != nil {
		w.Logger.Printf("❌ Load active funnel progress: %v", err)
		return
	}

	advanced := 0
	now := time.Now()
	for _, progress := range due {
		var next models.FunnelStep
		err := w.DB.Where("funnel_id = ? AND step_index = ?", progress.FunnelID, progress.CurrentStepIndex+1).
			First(&next).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			w.Logger.Printf("❌ Load next step for progress %d: %v", progress.ID, err)
			continue
		}
		// With no next step AdvanceStep completes the funnel immediately;
		// otherwise wait out the step's configured delay.
		if err == nil && progress.LastStepAt.Add(next.Delay()).After(now) {
			continue
		}
		if err := w.Engine.AdvanceStep(progress.LeadID, progress.FunnelID); err != nil {
			w.Logger.Printf("❌ Advance progress %d: %v", progress.ID, err)
			continue
		}
		advanced++
	}
	if advanced > 0 {
		w.Logger.Printf("⏩ Advanced %d funnel(s)", advanced)
	}
}
