package worker

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"

	"nestio/mailer"
	"nestio/models"
)

// maxOutboxAttempts marks an entry failed for good once exceeded so a
// permanently broken address cannot be retried forever.
const maxOutboxAttempts = 5

// OutboxWorker drains the dead-letter queue: queued entries past their
// send-after time are pushed back through the provider cascade.
type OutboxWorker struct {
	DB       *gorm.DB
	Mailer   *mailer.Mailer
	Logger   *log.Logger
	Interval time.Duration
}

func NewOutboxWorker(db *gorm.DB, m *mailer.Mailer, logger *log.Logger, interval time.Duration) *OutboxWorker {
	return &OutboxWorker{DB: db, Mailer: m, Logger: logger, Interval: interval}
}

// Start blocks until ctx is cancelled.
func (w *OutboxWorker) Start(ctx context.Context) {
	w.Logger.Printf("🚀 Outbox worker started (every %s)", w.Interval)
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Logger.Println("Outbox worker stopped")
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *OutboxWorker) sweep() {
	var entries []models.OutboxEmail
	if err := w.DB.Where("status = ? AND send_after <= ?", models.OutboxQueued, time.Now()).
		Order("send_after asc").Limit(100).Find(&entries).Error; err != nil {
		w.Logger.Printf("❌ Load queued outbox entries: %v", err)
		return
	}

	sent := 0
	for i := range entries {
		entry := &entries[i]
		if w.Mailer.DeliverOutbox(entry) {
			sent++
			continue
		}
		if entry.Attempts+1 >= maxOutboxAttempts {
			if err := w.DB.Model(entry).Update("status", models.OutboxFailed).Error; err != nil {
				w.Logger.Printf("❌ Mark outbox #%d failed: %v", entry.ID, err)
			} else {
				w.Logger.Printf("💀 Outbox #%d exhausted %d attempts, marked failed", entry.ID, maxOutboxAttempts)
			}
			continue
		}
		// Back off before the next worker pass picks it up again.
		backoff := time.Duration(entry.Attempts+1) * 10 * time.Minute
		if err := w.DB.Model(entry).Update("send_after", time.Now().Add(backoff)).Error; err != nil {
			w.Logger.Printf("❌ Reschedule outbox #%d: %v", entry.ID, err)
		}
	}
	if sent > 0 || len(entries) > 0 {
		w.Logger.Printf("📤 Outbox sweep: %d delivered of %d due", sent, len(entries))
	}
}
