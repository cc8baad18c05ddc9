// Package constraint evaluates a projected scenario for hard violations and
// soft warnings. Rejection is expected output here, not an error.
package constraint

import (
	"fmt"
	"sort"

	"planline/internal/domain"
	"planline/internal/graph"
)

// Thresholds tune violation and warning boundaries.
type Thresholds struct {
	// CriticalOverageRatio: overage beyond this fraction of the cell's
	// capacity escalates CAPACITY_EXCEEDED from high to critical.
	CriticalOverageRatio float64
	// NearCapacityRatio: cell utilization above this (and at most 1.0)
	// raises NEAR_CAPACITY.
	NearCapacityRatio float64
	// TightChainDepth: dependency chains at least this long raise
	// TIGHT_DEPENDENCY_CHAIN.
	TightChainDepth int
}

// DefaultThresholds mirrors the governance policy defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CriticalOverageRatio: 0.5,
		NearCapacityRatio:    0.8,
		TightChainDepth:      3,
	}
}

// Validator evaluates scenarios against a fixed threshold set.
type Validator struct {
	Thresholds Thresholds
}

func New() Validator {
	return Validator{Thresholds: DefaultThresholds()}
}

// Evaluate returns the violations and warnings for a projected scenario.
// The resolver must be built from the same item set the scenario was
// projected from; chain depths are memoized inside it.
func (v Validator) Evaluate(s domain.ProjectedScenario, r *graph.Resolver) ([]domain.Violation, []domain.Warning) {
	var violations []domain.Violation
	var warnings []domain.Warning

	violations = append(violations, v.capacityViolations(s)...)
	violations = append(violations, v.dependencyViolations(s)...)
	warnings = append(warnings, v.nearCapacityWarnings(s)...)
	warnings = append(warnings, v.tightChainWarnings(s, r)...)

	return violations, warnings
}

func (v Validator) capacityViolations(s domain.ProjectedScenario) []domain.Violation {
	var out []domain.Violation
	for _, row := range s.Grid {
		skills := sortedSkills(row.Remaining)
		for _, skill := range skills {
			remaining := row.Remaining[skill]
			if remaining >= 0 {
				continue
			}
			capacity := row.Capacity[skill]
			overBy := -remaining
			severity := domain.SeverityHigh
			if capacity <= 0 || overBy > v.Thresholds.CriticalOverageRatio*capacity {
				severity = domain.SeverityCritical
			}
			out = append(out, domain.Violation{
				Code:     domain.ViolationCapacityExceeded,
				Severity: severity,
				Message: fmt.Sprintf("skill %s over capacity in period %d: demand %.1fh exceeds capacity %.1fh by %.1fh",
					skill, row.Period, row.Allocated[skill], capacity, overBy),
				ItemIDs: activeDemanding(s.Items, row.Period, skill),
				Details: map[string]any{
					"skill":    skill,
					"period":   row.Period,
					"demand":   row.Allocated[skill],
					"capacity": capacity,
					"overBy":   overBy,
				},
			})
		}
	}
	return out
}

func (v Validator) dependencyViolations(s domain.ProjectedScenario) []domain.Violation {
	byID := make(map[string]domain.WorkItem, len(s.Items))
	for _, it := range s.Items {
		byID[it.ID] = it
	}
	var out []domain.Violation
	for _, it := range s.Items {
		if !it.Scheduled() {
			continue
		}
		for _, depID := range it.DependsOn {
			dep, ok := byID[depID]
			if !ok {
				continue
			}
			if dep.Scheduled() && dep.EndPeriod() <= *it.StartPeriod {
				continue
			}
			depEnd := dep.EndPeriod()
			msg := fmt.Sprintf("item %s starts in period %d before dependency %s finishes in period %d", it.ID, *it.StartPeriod, depID, depEnd)
			if !dep.Scheduled() {
				msg = fmt.Sprintf("item %s starts in period %d but dependency %s is not scheduled", it.ID, *it.StartPeriod, depID)
			}
			out = append(out, domain.Violation{
				Code:     domain.ViolationDependencyNotScheduled,
				Severity: domain.SeverityHigh,
				Message:  msg,
				ItemIDs:  []string{it.ID, depID},
				Details: map[string]any{
					"itemStart": *it.StartPeriod,
					"depEnd":    depEnd,
				},
			})
		}
	}
	return out
}

func (v Validator) nearCapacityWarnings(s domain.ProjectedScenario) []domain.Warning {
	var out []domain.Warning
	for _, row := range s.Grid {
		for _, skill := range sortedSkills(row.Capacity) {
			capacity := row.Capacity[skill]
			if capacity <= 0 {
				continue
			}
			util := row.Allocated[skill] / capacity
			if util > v.Thresholds.NearCapacityRatio && util <= 1.0 {
				out = append(out, domain.Warning{
					Code:    domain.WarningNearCapacity,
					Message: fmt.Sprintf("skill %s at %.0f%% capacity in period %d", skill, util*100, row.Period),
					ItemIDs: activeDemanding(s.Items, row.Period, skill),
				})
			}
		}
	}
	return out
}

func (v Validator) tightChainWarnings(s domain.ProjectedScenario, r *graph.Resolver) []domain.Warning {
	if r == nil {
		return nil
	}
	var out []domain.Warning
	for _, it := range s.Items {
		depth, err := r.ChainDepth(it.ID)
		if err != nil {
			continue
		}
		if depth >= v.Thresholds.TightChainDepth {
			out = append(out, domain.Warning{
				Code:    domain.WarningTightDependencyChain,
				Message: fmt.Sprintf("item %s sits on a dependency chain of length %d", it.ID, depth),
				ItemIDs: []string{it.ID},
			})
		}
	}
	return out
}

func activeDemanding(items []domain.WorkItem, period int, skill string) []string {
	var ids []string
	for _, it := range items {
		if it.ActiveIn(period) && it.Demand[skill] > 0 {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

func sortedSkills(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
