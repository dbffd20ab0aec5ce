package engine

import "strings"

// Scoring triggers. History rows store these names; matching is
// case-insensitive against the key or the display name.
const (
	TriggerEmailOpen   = "EMAIL_OPEN"
	TriggerEmailClick  = "EMAIL_CLICK"
	TriggerPageView    = "PAGE_VIEW"
	TriggerChatReply   = "CHAT_REPLY"
	TriggerBooking     = "BOOKING"
	TriggerUnsubscribe = "UNSUBSCRIBE"
	TriggerBounce      = "BOUNCE"
)

// ScoringRule is static configuration: a point value and an optional cap on
// the cumulative points the rule may contribute across all occurrences.
type ScoringRule struct {
	Key         string
	DisplayName string
	Points      int
	Cap         int // 0 means uncapped
}

// Behavioral rules replayed from score history plus the current trigger.
var behavioralRules = []ScoringRule{
	{Key: TriggerEmailOpen, DisplayName: "Email Open", Points: 5, Cap: 20},
	{Key: TriggerEmailClick, DisplayName: "Email Click", Points: 10, Cap: 30},
	{Key: TriggerPageView, DisplayName: "Page View", Points: 2, Cap: 20},
	{Key: TriggerChatReply, DisplayName: "Chat Reply", Points: 15, Cap: 45},
	{Key: TriggerBooking, DisplayName: "Meeting Booked", Points: 50, Cap: 50},
	{Key: TriggerUnsubscribe, DisplayName: "Unsubscribed", Points: -25},
}

// Static rules awarded once per qualifying lead attribute. Recomputed fresh
// on every call, never replayed from history, never capped.
var (
	rulePhoneProvided = ScoringRule{Key: "PHONE_PROVIDED", DisplayName: "Phone Provided", Points: 15}
	ruleEmailProvided = ScoringRule{Key: "EMAIL_PROVIDED", DisplayName: "Email Provided", Points: 10}
)

// ruleInactivity is the fixed decay applied after 14 days without behavior.
var ruleInactivity = ScoringRule{Key: "INACTIVITY_14D", DisplayName: "Inactive (14d)", Points: -10}

const inactivityDays = 14

// Tier thresholds, evaluated high to low.
const (
	thresholdSalesReady = 120
	thresholdHot        = 80
	thresholdWarm       = 40
)

// matchRule resolves an event name to its behavioral rule. Lookup is
// case-insensitive and accepts either the rule key or its display name.
func matchRule(event string) (ScoringRule, bool) {
	for _, rule := range behavioralRules {
		if strings.EqualFold(rule.Key, event) || strings.EqualFold(rule.DisplayName, event) {
			return rule, true
		}
	}
	return ScoringRule{}, false
}
