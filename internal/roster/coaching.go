package roster

import (
	"strings"

	"github.com/ashureev/evalstream/internal/domain"
)

type coachingRule struct {
	keywords []string
	action   string
}

// Checked in order; the first rule with a matching keyword wins.
var coachingRules = []coachingRule{
	{[]string{"smartbrain", "intro"}, "Roleplay Opener: Focus on introducing SmartBrain AI before showing packages."},
	{[]string{"package", "price"}, "Review Pricing: Quiz agent on the packages and the middle 'View Demo' pivot."},
	{[]string{"demo", "academy"}, "Product Knowledge: Assign the 'Demo Deep Dive' module. Agent must know every section."},
	{[]string{"payment", "deposit"}, "Compliance Risk: Review the 'Backup Payment' policy. Standard payment comes first."},
	{[]string{"risk", "psychology"}, "Sales Pitch: Agent missed the 'Risk Management' USP, key for 'I lost money before' objections."},
}

const (
	onboardingAction = "Initial onboarding needed. Ensure agent has accessed the Learning Portal."
	mentorAction     = "Ready for mentor role. Can support junior agents."
	refresherAction  = "General refresher on the Walkthrough Flow sequence required."
)

// CoachingAction suggests the next coaching step for a participant.
func CoachingAction(feedback string, score int) string {
	if score == 0 {
		return onboardingAction
	}
	if score >= domain.MaxScore {
		return mentorAction
	}
	lower := strings.ToLower(feedback)
	for _, rule := range coachingRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.action
			}
		}
	}
	return refresherAction
}

// Module is one stage of the walkthrough with its completion state.
type Module struct {
	Name     string `json:"name"`
	Complete bool   `json:"complete"`
}

var moduleThresholds = []struct {
	name  string
	above int
}{
	{"SmartBrain & Introduction", 20},
	{"Packages & Pivot Flow", 40},
	{"Demo Deep Dive", 60},
	{"Payment & Registration Procedures", 80},
}

// ModuleProgress derives walkthrough stage completion from a score.
func ModuleProgress(score int) []Module {
	out := make([]Module, len(moduleThresholds))
	for i, m := range moduleThresholds {
		out[i] = Module{Name: m.name, Complete: score > m.above}
	}
	return out
}

// Detail is the focused-record panel.
type Detail struct {
	Record   domain.Record `json:"record"`
	Coaching string        `json:"coaching"`
	Modules  []Module      `json:"modules"`
}

// DetailFor builds the detail panel for rec.
func DetailFor(rec domain.Record) Detail {
	return Detail{
		Record:   rec,
		Coaching: CoachingAction(rec.Feedback(), rec.Score),
		Modules:  ModuleProgress(rec.Score),
	}
}
