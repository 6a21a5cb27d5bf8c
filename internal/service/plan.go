package service

import (
	"fmt"
	"math"
	"sort"
	"time"

	"habit-marathon/internal/catalog"
	"habit-marathon/internal/model"
)

// moduleOrder is the order modules appear in a plan.
var moduleOrder = []string{model.ModuleHabits, model.ModuleSports, model.ModuleReading, model.ModuleChallenge}

// PlanModule is one module's items for a day.
type PlanModule struct {
	Module string   `json:"module"`
	Items  []string `json:"items"`
}

// Plan is the resolved checklist for one day.
type Plan []PlanModule

// Total returns the number of items in the plan.
func (p Plan) Total() int {
	n := 0
	for _, m := range p {
		n += len(m.Items)
	}
	return n
}

// AsMap returns the plan keyed by module.
func (p Plan) AsMap() map[string][]string {
	out := make(map[string][]string, len(p))
	for _, m := range p {
		out[m.Module] = m.Items
	}
	return out
}

// Planner expands an account's setup into a daily plan.
type Planner struct {
	catalog           *catalog.Catalog
	challengeOpensDay int
}

// NewPlanner creates a new Planner.
func NewPlanner(cat *catalog.Catalog, challengeOpensDay int) *Planner {
	return &Planner{catalog: cat, challengeOpensDay: challengeOpensDay}
}

// ResolvePlan returns acc's items for day. challenge may be nil.
func (p *Planner) ResolvePlan(acc *model.Account, day time.Time, dayNumber int, challenge *model.Challenge) Plan {
	weekday := catalog.WeekdayKey(day)
	var plan Plan

	for _, module := range moduleOrder {
		if !acc.HasModule(module) {
			continue
		}
		var items []string
		switch module {
		case model.ModuleHabits:
			for _, it := range acc.Habits {
				if it.Name != "" && scheduledOn(it.Days, weekday) {
					items = append(items, it.Name)
				}
			}
		case model.ModuleSports:
			for _, it := range acc.Sports {
				if it.Name == "" || !scheduledOn(it.Days, weekday) {
					continue
				}
				if it.TargetCount > 0 {
					items = append(items, fmt.Sprintf("%s (%d marta)", it.Name, it.TargetCount))
				} else {
					items = append(items, it.Name)
				}
			}
		case model.ModuleReading:
			book, task := acc.ReadingBook, acc.ReadingTask
			if book == "" {
				book = p.catalog.DefaultBook
			}
			if task == "" {
				task = p.catalog.DefaultReadingTask
			}
			items = []string{book + " — " + task}
		case model.ModuleChallenge:
			if dayNumber >= p.challengeOpensDay && challenge != nil &&
				challenge.Status == model.ChallengeActive && challenge.Covers(day) {
				items = append(items, challenge.Tasks...)
			}
		}

		items = dedupe(items)
		if len(items) > 0 {
			plan = append(plan, PlanModule{Module: module, Items: items})
		}
	}
	return plan
}

func scheduledOn(days []string, weekday string) bool {
	if len(days) == 0 {
		return true
	}
	for _, d := range days {
		if d == catalog.Daily || d == weekday {
			return true
		}
	}
	return false
}

// dedupe keeps the first occurrence of each item; report rows are unique per item.
func dedupe(items []string) []string {
	if len(items) < 2 {
		return items
	}
	seen := make(map[string]bool, len(items))
	out := items[:0:0]
	for _, it := range items {
		if seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}

// WeightedScore combines per-module completion ratios. Modules without a
// weight, or absent from the day, contribute nothing.
func WeightedScore(done, total map[string]int, weights map[string]int) int {
	modules := make([]string, 0, len(weights))
	for module := range weights {
		modules = append(modules, module)
	}
	sort.Strings(modules)

	score := 0.0
	for _, module := range modules {
		weight := weights[module]
		t := total[module]
		if t == 0 {
			continue
		}
		score += float64(weight) * float64(done[module]) / float64(t)
	}
	return int(math.Round(score))
}
