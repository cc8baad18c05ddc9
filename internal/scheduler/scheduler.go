// Package scheduler places unscheduled work items into the earliest feasible
// period window by greedy first-fit allocation.
package scheduler

import (
	"planline/internal/domain"
	"planline/internal/graph"
)

// Scheduler allocates items against a capacity plan.
type Scheduler struct {
	Plan domain.CapacityPlan
}

func New(plan domain.CapacityPlan) Scheduler {
	return Scheduler{Plan: plan}
}

// AutoSchedule assigns a start period to every unscheduled item, walking the
// topological order (priority as tie-break). Each item is placed at the first
// period from its dependency-earliest start whose whole window fits the
// remaining capacity for every demanded skill; when no window inside the
// horizon fits, the item is placed at the dependency-earliest period anyway
// and the downstream validation pass surfaces the overage. Allocation is
// strictly sequential: later items see earlier items' consumption. Items that
// already carry a start period keep it and their allocation is charged first.
func (s Scheduler) AutoSchedule(items []domain.WorkItem) ([]domain.WorkItem, error) {
	r, err := graph.New(items)
	if err != nil {
		return nil, err
	}
	order, err := r.TopologicalSort()
	if err != nil {
		return nil, err
	}

	out := domain.CloneItems(items)
	byID := make(map[string]*domain.WorkItem, len(out))
	for i := range out {
		byID[out[i].ID] = &out[i]
	}

	// allocated[period][skill] -> hours already consumed.
	allocated := make([]map[string]float64, s.Plan.Periods)
	for p := range allocated {
		allocated[p] = map[string]float64{}
	}
	for i := range out {
		it := &out[i]
		if !it.Scheduled() || it.Duration < 1 {
			continue
		}
		for p := *it.StartPeriod; p < it.EndPeriod() && p >= 0 && p < s.Plan.Periods; p++ {
			for skill, total := range it.Demand {
				allocated[p][skill] += total / float64(it.Duration)
			}
		}
	}

	for _, id := range order {
		it := byID[id]
		if it.Scheduled() {
			continue
		}
		if it.Duration < 1 {
			it.Duration = 1
		}

		earliest := 0
		for _, depID := range it.DependsOn {
			dep := byID[depID]
			if dep.Scheduled() && dep.EndPeriod() > earliest {
				earliest = dep.EndPeriod()
			}
		}

		start := earliest
		for p := earliest; p < s.Plan.Periods; p++ {
			if s.fits(it, p, allocated) {
				start = p
				break
			}
		}

		v := start
		it.StartPeriod = &v
		perPeriod := float64(it.Duration)
		for p := start; p < start+it.Duration && p < s.Plan.Periods; p++ {
			for skill, total := range it.Demand {
				allocated[p][skill] += total / perPeriod
			}
		}
	}
	return out, nil
}

// fits reports whether every period of the item's window has room for its
// spread demand in every skill.
func (s Scheduler) fits(it *domain.WorkItem, start int, allocated []map[string]float64) bool {
	if start+it.Duration > s.Plan.Periods {
		return false
	}
	perPeriod := float64(it.Duration)
	for p := start; p < start+it.Duration; p++ {
		for skill, total := range it.Demand {
			if allocated[p][skill]+total/perPeriod > s.Plan.Skills[skill] {
				return false
			}
		}
	}
	return true
}
