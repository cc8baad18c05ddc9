// Package scenario projects a work-item set onto a capacity plan, producing
// the per-period per-skill capacity/demand/remaining grid. Projection is pure:
// it clones its inputs and never judges feasibility.
package scenario

import (
	"fmt"

	"planline/internal/domain"
)

// ApplyChanges applies typed change records sequentially to cloned copies of
// the item list and plan. Item changes referencing an unknown id fail; the
// caller's inputs are never mutated.
func ApplyChanges(items []domain.WorkItem, plan domain.CapacityPlan, changes []domain.ScenarioChange) ([]domain.WorkItem, domain.CapacityPlan, error) {
	out := domain.CloneItems(items)
	outPlan := plan.Clone()

	find := func(id string) (int, error) {
		for i := range out {
			if out[i].ID == id {
				return i, nil
			}
		}
		return -1, fmt.Errorf("change references unknown item %s", id)
	}

	for _, ch := range changes {
		switch ch.Type {
		case domain.ChangeAddItem:
			if ch.Item == nil {
				return nil, outPlan, fmt.Errorf("ADD_ITEM change has no item")
			}
			out = append(out, ch.Item.Clone())
		case domain.ChangeRemoveItem:
			i, err := find(ch.ItemID)
			if err != nil {
				return nil, outPlan, err
			}
			out = append(out[:i], out[i+1:]...)
		case domain.ChangeMoveItem:
			i, err := find(ch.ItemID)
			if err != nil {
				return nil, outPlan, err
			}
			if ch.StartPeriod == nil {
				return nil, outPlan, fmt.Errorf("MOVE_ITEM for %s has no start_period", ch.ItemID)
			}
			v := *ch.StartPeriod
			out[i].StartPeriod = &v
		case domain.ChangeResizeItem:
			i, err := find(ch.ItemID)
			if err != nil {
				return nil, outPlan, err
			}
			if ch.Duration == nil || *ch.Duration < 1 {
				return nil, outPlan, fmt.Errorf("RESIZE_ITEM for %s needs duration >= 1", ch.ItemID)
			}
			out[i].Duration = *ch.Duration
		case domain.ChangeReprioritize:
			i, err := find(ch.ItemID)
			if err != nil {
				return nil, outPlan, err
			}
			if ch.Priority == nil {
				return nil, outPlan, fmt.Errorf("REPRIORITIZE for %s has no priority", ch.ItemID)
			}
			out[i].Priority = *ch.Priority
		case domain.ChangeAddCapacity:
			outPlan = outPlan.Adjusted(map[string]float64{ch.Skill: ch.Hours})
		case domain.ChangeRemoveCapacity:
			outPlan = outPlan.Adjusted(map[string]float64{ch.Skill: -ch.Hours})
		default:
			return nil, outPlan, fmt.Errorf("unknown change type %s", ch.Type)
		}
	}
	return out, outPlan, nil
}

// CapacityDelta sums the net per-skill capacity adjustment of a change list.
func CapacityDelta(changes []domain.ScenarioChange) map[string]float64 {
	delta := map[string]float64{}
	for _, ch := range changes {
		switch ch.Type {
		case domain.ChangeAddCapacity:
			delta[ch.Skill] += ch.Hours
		case domain.ChangeRemoveCapacity:
			delta[ch.Skill] -= ch.Hours
		}
	}
	if len(delta) == 0 {
		return nil
	}
	return delta
}

// Project builds the projected scenario for the items against the plan.
// An item is active in period p iff startPeriod <= p < startPeriod+duration;
// its demand spreads evenly across its duration. Remaining may go negative.
func Project(items []domain.WorkItem, plan domain.CapacityPlan) domain.ProjectedScenario {
	s := domain.ProjectedScenario{
		Items: domain.CloneItems(items),
		Grid:  make([]domain.PeriodCapacity, 0, plan.Periods),
	}

	for p := 0; p < plan.Periods; p++ {
		row := domain.PeriodCapacity{
			Period:    p,
			Capacity:  make(map[string]float64, len(plan.Skills)),
			Allocated: make(map[string]float64),
			Remaining: make(map[string]float64, len(plan.Skills)),
		}
		for skill, hours := range plan.Skills {
			row.Capacity[skill] = hours
		}
		for _, it := range s.Items {
			if !it.ActiveIn(p) || it.Duration <= 0 {
				continue
			}
			for skill, total := range it.Demand {
				row.Allocated[skill] += total / float64(it.Duration)
			}
		}
		for skill, cap := range row.Capacity {
			row.Remaining[skill] = cap - row.Allocated[skill]
		}
		for skill, alloc := range row.Allocated {
			if _, ok := row.Capacity[skill]; !ok {
				// Demand against a skill the plan does not budget.
				row.Remaining[skill] = -alloc
			}
		}
		for _, cap := range row.Capacity {
			s.TotalCapacity += cap
		}
		for _, alloc := range row.Allocated {
			s.TotalDemand += alloc
		}
		s.Grid = append(s.Grid, row)
	}

	if s.TotalCapacity > 0 {
		s.Utilization = s.TotalDemand / s.TotalCapacity
	}
	return s
}
