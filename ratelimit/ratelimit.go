// Package ratelimit enforces tiered, per-tenant, per-category request
// quotas with a sliding window backed by the database, so quota state
// survives restarts and is shared across service instances.
package ratelimit

import (
	"time"
)

// Category is an independent quota bucket for one kind of operation
type Category string

const (
	CategoryJobs          Category = "jobs"
	CategoryMessages      Category = "messages"
	CategoryOrchestration Category = "orchestration"
	CategoryScheduling    Category = "scheduling"
)

// Categories lists all quota categories in display order.
var Categories = []Category{
	CategoryJobs,
	CategoryMessages,
	CategoryOrchestration,
	CategoryScheduling,
}

// Tier is a tenant's usage class, determining its quota table
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierFree      Tier = "free"
	TierPro       Tier = "pro"
)

// Quota is one window length plus max request count
type Quota struct {
	Window time.Duration
	Max    int
}

// Status describes a single (identifier, category) window.
type Status struct {
	Category  Category  `json:"category"`
	Current   int       `json:"current"`
	Max       int       `json:"max"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"resetTime"`
}

// defaultQuotas maps tier and category to window/cap. Jobs and scheduling
// are day-scale caps; messages and orchestration are minute-scale.
var defaultQuotas = map[Tier]map[Category]Quota{
	TierAnonymous: {
		CategoryJobs:          {Window: 24 * time.Hour, Max: 5},
		CategoryMessages:      {Window: time.Minute, Max: 10},
		CategoryOrchestration: {Window: time.Minute, Max: 5},
		CategoryScheduling:    {Window: 24 * time.Hour, Max: 2},
	},
	TierFree: {
		CategoryJobs:          {Window: 24 * time.Hour, Max: 20},
		CategoryMessages:      {Window: time.Minute, Max: 30},
		CategoryOrchestration: {Window: time.Minute, Max: 20},
		CategoryScheduling:    {Window: 24 * time.Hour, Max: 10},
	},
	TierPro: {
		CategoryJobs:          {Window: 24 * time.Hour, Max: 200},
		CategoryMessages:      {Window: time.Minute, Max: 120},
		CategoryOrchestration: {Window: time.Minute, Max: 60},
		CategoryScheduling:    {Window: 24 * time.Hour, Max: 100},
	},
}

// QuotaFor returns the quota for a tier and category. Unknown tiers fall
// back to anonymous.
func QuotaFor(tier Tier, category Category) Quota {
	table, ok := defaultQuotas[tier]
	if !ok {
		table = defaultQuotas[TierAnonymous]
	}
	return table[category]
}
