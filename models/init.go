package models

import (
	"gorm.io/gorm"
)

// Migrate runs the schema migration for all marketing-automation tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Agent{},
		&GmailConnection{},
		&Lead{},
		&ScoreHistory{},
		&Funnel{},
		&FunnelStep{},
		&FunnelProgress{},
		&StepMetric{},
		&EmailTracking{},
		&OutboxEmail{},
	)
}

// CreateDefaultFunnels seeds the shared default funnels so new accounts can
// enroll leads before building their own sequences.
func CreateDefaultFunnels(db *gorm.DB) error {
	defaults := []struct {
		funnel Funnel
		steps  []FunnelStep
	}{
		{
			funnel: Funnel{
				FunnelKey:  "realtor_funnel",
				FunnelType: "realtor",
				Name:       "Realtor Nurture",
				IsDefault:  true,
			},
			steps: []FunnelStep{
				{
					StepIndex:  1,
					StepKey:    "realtor_funnel-1",
					StepName:   "Instant Welcome",
					ActionType: ActionEmail,
					Subject:    "Thanks for reaching out, {{first_name}}",
					Content:    "Hi {{first_name}},\n\nGreat to connect. I work with buyers and sellers in your area every week, and I'd love to learn what you're looking for.\n\nReply here any time, or grab a slot on my calendar.\n\n{{agent.name}}",
				},
				{
					StepIndex:    2,
					StepKey:      "realtor_funnel-2",
					StepName:     "Market Snapshot",
					ActionType:   ActionEmail,
					Subject:      "What homes near you actually sold for",
					Content:      "Hi {{first_name}},\n\nI pulled the latest closed sales around you. A few of them surprised me.\n\nWant the full breakdown? Just reply and I'll send it over.\n\n{{agent.name}}",
					DelayDays:    1,
					DelayMinutes: 0,
				},
				{
					StepIndex:  3,
					StepKey:    "realtor_funnel-3",
					StepName:   "Check-in Call",
					ActionType: ActionCall,
					DelayDays:  3,
				},
				{
					StepIndex:  4,
					StepKey:    "realtor_funnel-4",
					StepName:   "Last Touch",
					ActionType: ActionEmail,
					Subject:    "Should I close your file?",
					Content:    "Hi {{first_name}},\n\nI haven't heard back, so I'll assume the timing isn't right. If that changes, you know where to find me.\n\nBest of luck,\n{{agent.name}}",
					DelayDays:  5,
				},
			},
		},
		{
			funnel: Funnel{
				FunnelKey:  "broker_funnel",
				FunnelType: "broker",
				Name:       "Broker Recruiting",
				IsDefault:  true,
			},
			steps: []FunnelStep{
				{
					StepIndex:  1,
					StepKey:    "broker_funnel-1",
					StepName:   "Recruiting Intro",
					ActionType: ActionEmail,
					Subject:    "How many 2 A.M. showings did you do this week?",
					Content:    "Hey {{lead.name}},\n\nBe honest — how many late-night showings or \"just checking in\" texts did you send this week?\n\nSmart agents are booking their next clients automatically while they sleep.\n\nWorth a ten-minute call?\n\n{{agent.name}}",
				},
				{
					StepIndex:  2,
					StepKey:    "broker_funnel-2",
					StepName:   "The Leak-Proof Bucket",
					ActionType: ActionEmail,
					Subject:    "Your bucket has a hole in it",
					Content:    "Hi {{first_name}},\n\nYou spend thousands on leads, but most of them leak out of your funnel after one follow-up.\n\nOur system nurtures every single lead for 12 months automatically.\n\nWant to plug the holes?\n\n{{agent.name}}",
					DelayDays:  1,
				},
				{
					StepIndex:  3,
					StepKey:    "broker_funnel-3",
					StepName:   "The Takeaway",
					ActionType: ActionEmail,
					Subject:    "Is this goodbye?",
					Content:    "Hi {{first_name}},\n\nI haven't heard back, so I assume you're content with your current conversion rates. If you change your mind, you know where to find me.\n\n{{agent.name}}",
					DelayDays:  5,
				},
			},
		},
	}

	for _, d := range defaults {
		funnel := d.funnel
		if err := db.FirstOrCreate(&funnel, "funnel_key = ? AND is_default = ?", funnel.FunnelKey, true).Error; err != nil {
			return err
		}

		for _, step := range d.steps {
			step.FunnelID = funnel.ID
			if err := db.FirstOrCreate(&step, "funnel_id = ? AND step_index = ?", funnel.ID, step.StepIndex).Error; err != nil {
				return err
			}
		}
	}

	return nil
}
