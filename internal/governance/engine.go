// Package governance orchestrates the dependency resolver, lifecycle graph,
// scenario projector, constraint validator, and greedy scheduler into atomic,
// audited decisions over a live work-item set.
package governance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"planline/internal/constraint"
	"planline/internal/domain"
	"planline/internal/gateway"
	"planline/internal/graph"
	"planline/internal/lifecycle"
	"planline/internal/scenario"
	"planline/internal/scheduler"
)

// Engine evaluates governance operations against an in-memory snapshot. The
// caller serializes mutating calls; the engine takes no locks of its own.
type Engine struct {
	PortfolioID string
	Plan        domain.CapacityPlan
	Lifecycle   *lifecycle.StateGraph
	Hook        gateway.ConstraintHook
	Validator   constraint.Validator
	Log         DecisionLog
	Now         func() time.Time

	items []domain.WorkItem
}

// New builds an engine with the default validator thresholds and an
// approve-all constraint hook.
func New(plan domain.CapacityPlan, sg *lifecycle.StateGraph, log DecisionLog) *Engine {
	if log == nil {
		log = NewMemoryLog()
	}
	return &Engine{
		Plan:      plan,
		Lifecycle: sg,
		Hook:      gateway.ApproveAll,
		Validator: constraint.New(),
		Log:       log,
		Now:       time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Register adds items to the live set, enforcing the acyclicity invariant and
// dependency existence at registration time.
func (e *Engine) Register(items ...domain.WorkItem) error {
	candidate := append(domain.CloneItems(e.items), domain.CloneItems(items)...)
	r, err := graph.New(candidate)
	if err != nil {
		return err
	}
	if cycles := r.DetectCycles(); len(cycles) > 0 {
		return &graph.CycleError{Cycles: cycles}
	}
	e.items = candidate
	return nil
}

// Items returns a deep copy of the live set.
func (e *Engine) Items() []domain.WorkItem {
	return domain.CloneItems(e.items)
}

// TransitionRequest is the input to RequestTransition.
type TransitionRequest struct {
	ItemID  string          `json:"item_id"`
	Patch   domain.ItemPatch `json:"patch"`
	ActorID string          `json:"actor_id,omitempty"`
	Context map[string]any  `json:"context,omitempty"`
}

// RequestTransition evaluates a partial change to one item: structural
// legality first, then projection and constraint validation. Approval commits
// exactly that item into the live set. Domain infeasibility is returned as a
// rejected decision, never as an error; the error path is reserved for the
// audit sink and the constraint hook.
func (e *Engine) RequestTransition(ctx context.Context, req TransitionRequest) (domain.GovernanceDecision, error) {
	started := e.now()
	categories := []string{
		domain.CategoryStructuralLegality,
		domain.CategoryCapacityCheck,
		domain.CategoryDependencyOrder,
		domain.CategorySkillAvailability,
	}
	request := map[string]any{"item_id": req.ItemID, "patch": req.Patch}

	reject := func(v domain.Violation, scenario *domain.ProjectedScenario, alt *domain.AlternativePlacement, warnings []domain.Warning) (domain.GovernanceDecision, error) {
		d := domain.GovernanceDecision{
			Scenario:    scenario,
			Violations:  []domain.Violation{v},
			Warnings:    warnings,
			Alternative: alt,
		}
		err := e.appendLog(ctx, domain.ActionTransitionRequest, req.ActorID, request, scenario, categories, d.Violations, warnings, started)
		return d, err
	}

	idx := e.indexOf(req.ItemID)
	if idx < 0 {
		return reject(domain.Violation{
			Code:     domain.ViolationInvalidStateTransition,
			Severity: domain.SeverityCritical,
			Message:  fmt.Sprintf("work item %s is not registered", req.ItemID),
			ItemIDs:  []string{req.ItemID},
		}, nil, nil, nil)
	}

	patched := applyPatch(e.items[idx], req.Patch)

	// Structural legality: dependency existence and acyclicity on any new
	// dependency list, lifecycle legality on any state change. Failures
	// reject without projecting.
	candidate := domain.CloneItems(e.items)
	candidate[idx] = patched
	r, err := graph.New(candidate)
	if err != nil {
		return reject(domain.Violation{
			Code:     domain.ViolationInvalidStateTransition,
			Severity: domain.SeverityCritical,
			Message:  err.Error(),
			ItemIDs:  []string{req.ItemID},
		}, nil, nil, nil)
	}
	if cycles := r.DetectCycles(); len(cycles) > 0 {
		cerr := &graph.CycleError{Cycles: cycles}
		return reject(domain.Violation{
			Code:     domain.ViolationDependencyCycle,
			Severity: domain.SeverityCritical,
			Message:  cerr.Error(),
			ItemIDs:  cycles[0][:len(cycles[0])-1],
		}, nil, nil, nil)
	}
	if req.Patch.State != nil {
		gw := gateway.New(e.Lifecycle, r)
		if e.Hook != nil {
			gw.Hook = e.Hook
		}
		gd, err := gw.RequestTransition(ctx, req.ItemID, *req.Patch.State, req.Context)
		if err != nil {
			return domain.GovernanceDecision{}, err
		}
		if !gd.Allowed {
			return reject(domain.Violation{
				Code:     domain.ViolationInvalidStateTransition,
				Severity: domain.SeverityHigh,
				Message:  fmt.Sprintf("transition of %s to %s rejected: %s", req.ItemID, *req.Patch.State, gd.Reason),
				ItemIDs:  []string{req.ItemID},
			}, nil, nil, nil)
		}
	}

	projected := scenario.Project(candidate, e.Plan)
	violations, warnings := e.Validator.Evaluate(projected, r)

	decision := domain.GovernanceDecision{
		Approved:   len(violations) == 0,
		Scenario:   &projected,
		Violations: violations,
		Warnings:   warnings,
	}

	if decision.Approved {
		committed := patched
		if req.Patch.State != nil {
			committed, err = e.Lifecycle.ApplyTransition(patched, *req.Patch.State)
			if err != nil {
				// Gateway approved the same edge above; surface rather
				// than commit a half-applied item.
				return domain.GovernanceDecision{}, err
			}
		}
		committed.UpdatedAt = e.now().UTC().Format(time.RFC3339)
		e.items[idx] = committed
	} else {
		decision.Alternative = e.findAlternative(candidate, idx)
	}

	err = e.appendLog(ctx, domain.ActionTransitionRequest, req.ActorID, request, &projected, categories, violations, warnings, started)
	return decision, err
}

// findAlternative scans the periods after the item's current start for the
// first placement whose full re-projection is violation-free.
func (e *Engine) findAlternative(items []domain.WorkItem, idx int) *domain.AlternativePlacement {
	current := 0
	if items[idx].StartPeriod != nil {
		current = *items[idx].StartPeriod
	}
	r, err := graph.New(items)
	if err != nil {
		return nil
	}
	for p := current + 1; p < e.Plan.Periods; p++ {
		trial := domain.CloneItems(items)
		v := p
		trial[idx].StartPeriod = &v
		projected := scenario.Project(trial, e.Plan)
		violations, _ := e.Validator.Evaluate(projected, r)
		if len(violations) == 0 {
			delay := p - current
			tradeoffs := []string{
				fmt.Sprintf("delays start by %d period(s), from period %d to period %d", delay, current, p),
			}
			if len(trial[idx].DependsOn) > 0 {
				tradeoffs = append(tradeoffs, "all dependencies still finish before the suggested start")
			}
			return &domain.AlternativePlacement{StartPeriod: p, Tradeoffs: tradeoffs}
		}
	}
	return nil
}

// ValidatePortfolio projects and validates the live set as-is and computes
// the 0-100 health score.
func (e *Engine) ValidatePortfolio(ctx context.Context) (domain.PortfolioHealthReport, error) {
	started := e.now()
	categories := []string{
		domain.CategoryCapacityCheck,
		domain.CategoryDependencyOrder,
		domain.CategorySkillAvailability,
	}

	r, err := graph.New(e.items)
	if err != nil {
		return domain.PortfolioHealthReport{}, err
	}
	projected := scenario.Project(e.items, e.Plan)
	violations, warnings := e.Validator.Evaluate(projected, r)

	score := 100
	for _, v := range violations {
		switch v.Severity {
		case domain.SeverityCritical:
			score -= 25
		case domain.SeverityHigh:
			score -= 15
		default:
			score -= 5
		}
	}
	score -= 2 * len(warnings)
	if projected.Utilization > 0.95 {
		score -= 10
	}
	if score < 0 {
		score = 0
	}

	report := domain.PortfolioHealthReport{
		Score:      score,
		Violations: violations,
		Warnings:   warnings,
		Summary:    summarize(projected, violations),
		Scenario:   projected,
	}

	err = e.appendLog(ctx, domain.ActionValidatePortfolio, "", nil, &projected, categories, violations, warnings, started)
	return report, err
}

// AutoSchedule registers the new items, runs the greedy scheduler over the
// live set, commits the resulting placements, and validates the outcome.
// The schedule is feasible iff validation finds zero violations.
func (e *Engine) AutoSchedule(ctx context.Context, newItems []domain.WorkItem) (domain.AutoScheduleResult, error) {
	started := e.now()
	categories := []string{
		domain.CategoryCapacityCheck,
		domain.CategoryDependencyOrder,
		domain.CategorySkillAvailability,
	}
	request := map[string]any{"new_items": len(newItems)}

	if err := e.Register(newItems...); err != nil {
		result := domain.AutoScheduleResult{
			Violations: []domain.Violation{{
				Code:     domain.ViolationDependencyCycle,
				Severity: domain.SeverityCritical,
				Message:  err.Error(),
			}},
		}
		logErr := e.appendLog(ctx, domain.ActionAutoSchedule, "", request, nil, categories, result.Violations, nil, started)
		return result, logErr
	}

	sched := scheduler.New(e.Plan)
	placed, err := sched.AutoSchedule(e.items)
	if err != nil {
		return domain.AutoScheduleResult{}, err
	}
	e.items = placed

	r, err := graph.New(e.items)
	if err != nil {
		return domain.AutoScheduleResult{}, err
	}
	projected := scenario.Project(e.items, e.Plan)
	violations, warnings := e.Validator.Evaluate(projected, r)

	result := domain.AutoScheduleResult{
		Feasible:   len(violations) == 0,
		Items:      domain.CloneItems(e.items),
		Violations: violations,
		Warnings:   warnings,
	}
	err = e.appendLog(ctx, domain.ActionAutoSchedule, "", request, &projected, categories, violations, warnings, started)
	return result, err
}

// WhatIf projects the unmodified live set and the change-applied set
// independently and diffs their violation lists by (code, message) identity.
func (e *Engine) WhatIf(ctx context.Context, changes []domain.ScenarioChange) (domain.WhatIfResult, error) {
	started := e.now()
	categories := []string{
		domain.CategoryCapacityCheck,
		domain.CategoryDependencyOrder,
		domain.CategorySkillAvailability,
	}
	request := map[string]any{"changes": changes}

	baseResolver, err := graph.New(e.items)
	if err != nil {
		return domain.WhatIfResult{}, err
	}
	baseline := scenario.Project(e.items, e.Plan)
	baseViolations, _ := e.Validator.Evaluate(baseline, baseResolver)

	changedItems, changedPlan, err := scenario.ApplyChanges(e.items, e.Plan, changes)
	if err != nil {
		return domain.WhatIfResult{}, err
	}
	changedResolver, err := graph.New(changedItems)
	if err != nil {
		return domain.WhatIfResult{}, err
	}
	projected := scenario.Project(changedItems, changedPlan)
	projViolations, projWarnings := e.Validator.Evaluate(projected, changedResolver)

	result := domain.WhatIfResult{
		Baseline:           baseline,
		Projected:          projected,
		NewViolations:      diffViolations(projViolations, baseViolations),
		ResolvedViolations: diffViolations(baseViolations, projViolations),
		UtilizationDelta:   projected.Utilization - baseline.Utilization,
		CapacityAdjustment: scenario.CapacityDelta(changes),
	}

	err = e.appendLog(ctx, domain.ActionWhatIf, "", request, &projected, categories, result.NewViolations, projWarnings, started)
	return result, err
}

func (e *Engine) appendLog(ctx context.Context, action, actorID string, request map[string]any, sc *domain.ProjectedScenario, categories []string, violations []domain.Violation, warnings []domain.Warning, started time.Time) error {
	outcome := domain.OutcomeApproved
	if len(violations) > 0 {
		outcome = domain.OutcomeRejected
	}
	entry := domain.DecisionLogEntry{
		ID:          uuid.New().String(),
		TS:          started.UTC().Format(time.RFC3339),
		PortfolioID: e.PortfolioID,
		Action:      action,
		ActorID:     actorID,
		Request:     request,
		Scenario:    sc,
		Categories:  append([]string(nil), categories...),
		Outcome:     outcome,
		Violations:  violations,
		Warnings:    warnings,
		DurationMS:  e.now().Sub(started).Milliseconds(),
	}
	if e.Log == nil {
		return nil
	}
	return e.Log.Append(ctx, entry)
}

func (e *Engine) indexOf(id string) int {
	for i := range e.items {
		if e.items[i].ID == id {
			return i
		}
	}
	return -1
}

func applyPatch(item domain.WorkItem, p domain.ItemPatch) domain.WorkItem {
	out := item.Clone()
	if p.StartPeriod != nil {
		v := *p.StartPeriod
		out.StartPeriod = &v
	}
	if p.Duration != nil {
		out.Duration = *p.Duration
	}
	if p.DependsOn != nil {
		out.DependsOn = append([]string(nil), (*p.DependsOn)...)
	}
	if p.Priority != nil {
		out.Priority = *p.Priority
	}
	if p.Demand != nil {
		out.Demand = make(map[string]float64, len(*p.Demand))
		for k, v := range *p.Demand {
			out.Demand[k] = v
		}
	}
	return out
}

// diffViolations returns the violations in a that have no (code, message)
// counterpart in b.
func diffViolations(a, b []domain.Violation) []domain.Violation {
	seen := make(map[string]bool, len(b))
	for _, v := range b {
		seen[v.Code+"\x00"+v.Message] = true
	}
	var out []domain.Violation
	for _, v := range a {
		if !seen[v.Code+"\x00"+v.Message] {
			out = append(out, v)
		}
	}
	return out
}

func summarize(s domain.ProjectedScenario, violations []domain.Violation) domain.PortfolioSummary {
	sum := domain.PortfolioSummary{
		ItemCount:     len(s.Items),
		TotalDemand:   s.TotalDemand,
		TotalCapacity: s.TotalCapacity,
		Utilization:   s.Utilization,
	}
	for _, it := range s.Items {
		if it.Scheduled() {
			sum.ScheduledCount++
		}
	}
	skills := map[string]bool{}
	for _, v := range violations {
		if v.Severity == domain.SeverityCritical {
			sum.CriticalViolations++
		}
		if v.Code != domain.ViolationCapacityExceeded {
			continue
		}
		if skill, ok := v.Details["skill"].(string); ok {
			skills[skill] = true
		}
	}
	for skill := range skills {
		sum.ConstrainedSkills = append(sum.ConstrainedSkills, skill)
	}
	sort.Strings(sum.ConstrainedSkills)
	return sum
}
