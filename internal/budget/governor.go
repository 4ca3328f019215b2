// Package budget enforces daily per-capability call quotas and routes
// logical roles to concrete provider configurations, with fallback chains
// and ensemble refinement.
package budget

import (
	"log/slog"
	"time"

	"github.com/geovera/agentd/internal/storage"
)

// Store defines the persistence operations the Governor needs.
// Implemented by storage.Store.
type Store interface {
	ConsumeBudget(capability, day string, unitCost float64, defaultLimit int) (bool, error)
	ListBudgetRecords(day string) ([]storage.BudgetRecord, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Limits configures quota defaults and estimated unit costs per capability.
type Limits struct {
	DefaultDailyLimit int
	DailyCostCap      float64            // informational dollar cap reported by Report
	PerCapability     map[string]int     // overrides for lazily created records
	UnitCosts         map[string]float64 // estimated $ per call, per capability
}

// Governor tracks daily call quotas per paid capability.
type Governor struct {
	store  Store
	limits Limits
	clock  Clock
}

func NewGovernor(store Store, limits Limits) *Governor {
	if limits.DefaultDailyLimit <= 0 {
		limits.DefaultDailyLimit = 50
	}
	return &Governor{store: store, limits: limits, clock: realClock{}}
}

// NewGovernorWithClock creates a Governor with a custom clock (for testing).
func NewGovernorWithClock(store Store, limits Limits, clock Clock) *Governor {
	g := NewGovernor(store, limits)
	g.clock = clock
	return g
}

// Consume records one call against capability's quota for today and reports
// whether the call is allowed. When the backing store is unreachable it
// permits the call: availability of generation is prioritized over perfect
// cost enforcement.
func (g *Governor) Consume(capability string) bool {
	day := g.clock.Now().UTC().Format("2006-01-02")

	limit := g.limits.DefaultDailyLimit
	if override, ok := g.limits.PerCapability[capability]; ok && override > 0 {
		limit = override
	}

	allowed, err := g.store.ConsumeBudget(capability, day, g.limits.UnitCosts[capability], limit)
	if err != nil {
		slog.Warn("budget store unreachable, permitting call", "capability", capability, "error", err)
		return true
	}
	if !allowed {
		slog.Info("daily budget exhausted", "capability", capability, "day", day)
	}
	return allowed
}

// CapabilityStatus is one line of the daily budget report.
type CapabilityStatus struct {
	APIName    string  `json:"api_name"`
	CallsToday int     `json:"calls_today"`
	DailyLimit int     `json:"daily_limit"`
	Cost       float64 `json:"cost"`
	Exhausted  bool    `json:"exhausted"`
}

// Report summarizes today's consumption across all capabilities.
type Report struct {
	Date           string             `json:"date"`
	DailyBudgetCap float64            `json:"daily_budget_cap"`
	TotalCostToday float64            `json:"total_cost_today"`
	APIs           []CapabilityStatus `json:"apis"`
}

func (g *Governor) Report() (Report, error) {
	day := g.clock.Now().UTC().Format("2006-01-02")
	records, err := g.store.ListBudgetRecords(day)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		Date:           day,
		DailyBudgetCap: g.limits.DailyCostCap,
		APIs:           make([]CapabilityStatus, 0, len(records)),
	}
	for _, r := range records {
		report.TotalCostToday += r.CostAccumulated
		report.APIs = append(report.APIs, CapabilityStatus{
			APIName:    r.Capability,
			CallsToday: r.CallsToday,
			DailyLimit: r.DailyLimit,
			Cost:       r.CostAccumulated,
			Exhausted:  r.CallsToday >= r.DailyLimit,
		})
	}
	return report, nil
}
