package governance_test

import (
	"context"
	"testing"
	"time"

	"planline/internal/domain"
	"planline/internal/governance"
	"planline/internal/lifecycle"
)

func intPtr(v int) *int { return &v }

func strPtr(s string) *string { return &s }

type testEnv struct {
	Engine *governance.Engine
	Log    *governance.MemoryLog
	Ctx    context.Context
}

func newTestEnv(t *testing.T, periods int, backend float64) testEnv {
	t.Helper()
	sg, err := lifecycle.New(lifecycle.Default())
	if err != nil {
		t.Fatalf("lifecycle: %v", err)
	}
	log := governance.NewMemoryLog()
	plan := domain.CapacityPlan{Periods: periods, Skills: map[string]float64{"backend": backend}}
	eng := governance.New(plan, sg, log)
	eng.PortfolioID = "pf-1"
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Log: log, Ctx: context.Background()}
}

func backlogItem(id string, demand float64) domain.WorkItem {
	return domain.WorkItem{
		ID: id, Title: id, State: domain.StateBacklog,
		StateHistory: []string{domain.StateBacklog},
		Duration:     1,
		Demand:       map[string]float64{"backend": demand},
	}
}

func TestRegisterRejectsCyclesAndKeepsSetIntact(t *testing.T) {
	env := newTestEnv(t, 4, 100)
	a := backlogItem("a", 10)
	if err := env.Engine.Register(a); err != nil {
		t.Fatalf("register: %v", err)
	}
	b := backlogItem("b", 10)
	b.DependsOn = []string{"c"}
	c := backlogItem("c", 10)
	c.DependsOn = []string{"b"}
	if err := env.Engine.Register(b, c); err == nil {
		t.Fatalf("expected cycle rejection")
	}
	if got := len(env.Engine.Items()); got != 1 {
		t.Fatalf("failed registration must not commit, have %d items", got)
	}
}

func TestRequestTransitionApproveCommitsAndLogs(t *testing.T) {
	env := newTestEnv(t, 4, 100)
	if err := env.Engine.Register(backlogItem("w1", 10)); err != nil {
		t.Fatalf("register: %v", err)
	}
	d, err := env.Engine.RequestTransition(env.Ctx, governance.TransitionRequest{
		ItemID:  "w1",
		Patch:   domain.ItemPatch{State: strPtr(domain.StateReady)},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !d.Approved {
		t.Fatalf("expected approval, violations %v", d.Violations)
	}
	items := env.Engine.Items()
	if items[0].State != domain.StateReady {
		t.Fatalf("state not committed: %s", items[0].State)
	}
	if len(items[0].StateHistory) != 2 || items[0].StateHistory[1] != domain.StateReady {
		t.Fatalf("history not appended: %v", items[0].StateHistory)
	}

	entries := env.Log.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Action != domain.ActionTransitionRequest || e.Outcome != domain.OutcomeApproved || e.ActorID != "tester" {
		t.Fatalf("log entry = %+v", e)
	}
	if e.PortfolioID != "pf-1" || e.ID == "" || e.TS == "" {
		t.Fatalf("log entry missing identity fields: %+v", e)
	}
}

func TestRequestTransitionUnknownItemIsRejectedNotError(t *testing.T) {
	env := newTestEnv(t, 4, 100)
	d, err := env.Engine.RequestTransition(env.Ctx, governance.TransitionRequest{
		ItemID: "ghost",
		Patch:  domain.ItemPatch{State: strPtr(domain.StateReady)},
	})
	if err != nil {
		t.Fatalf("unknown item must reject, not error: %v", err)
	}
	if d.Approved || len(d.Violations) != 1 {
		t.Fatalf("decision = %+v", d)
	}
	v := d.Violations[0]
	if v.Code != domain.ViolationInvalidStateTransition || v.Severity != domain.SeverityCritical {
		t.Fatalf("violation = %+v", v)
	}
	if env.Log.Entries()[0].Outcome != domain.OutcomeRejected {
		t.Fatalf("rejection not logged")
	}
}

func TestRequestTransitionIllegalEdgeRejected(t *testing.T) {
	env := newTestEnv(t, 4, 100)
	if err := env.Engine.Register(backlogItem("w1", 10)); err != nil {
		t.Fatalf("register: %v", err)
	}
	d, err := env.Engine.RequestTransition(env.Ctx, governance.TransitionRequest{
		ItemID: "w1",
		Patch:  domain.ItemPatch{State: strPtr(domain.StateDone)},
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if d.Approved {
		t.Fatalf("backlog -> done must be rejected")
	}
	if d.Violations[0].Code != domain.ViolationInvalidStateTransition || d.Violations[0].Severity != domain.SeverityHigh {
		t.Fatalf("violation = %+v", d.Violations[0])
	}
	if env.Engine.Items()[0].State != domain.StateBacklog {
		t.Fatalf("rejected request mutated the live set")
	}
}

func TestRequestTransitionCyclePatchRejected(t *testing.T) {
	env := newTestEnv(t, 4, 100)
	a := backlogItem("a", 10)
	b := backlogItem("b", 10)
	b.DependsOn = []string{"a"}
	if err := env.Engine.Register(a, b); err != nil {
		t.Fatalf("register: %v", err)
	}
	deps := []string{"b"}
	d, err := env.Engine.RequestTransition(env.Ctx, governance.TransitionRequest{
		ItemID: "a",
		Patch:  domain.ItemPatch{DependsOn: &deps},
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if d.Approved || d.Violations[0].Code != domain.ViolationDependencyCycle {
		t.Fatalf("decision = %+v", d)
	}
	if len(env.Engine.Items()[0].DependsOn) != 0 {
		t.Fatalf("rejected patch leaked into live set")
	}
}

func TestRequestTransitionOverloadSuggestsAlternative(t *testing.T) {
	env := newTestEnv(t, 4, 100)
	a := backlogItem("a", 80)
	a.State = domain.StatePlanned
	a.StateHistory = []string{domain.StateBacklog, domain.StateReady, domain.StatePlanned}
	a.StartPeriod = intPtr(0)
	b := backlogItem("b", 80)
	b.State = domain.StatePlanned
	b.StateHistory = []string{domain.StateBacklog, domain.StateReady, domain.StatePlanned}
	b.StartPeriod = intPtr(1)
	if err := env.Engine.Register(a, b); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Moving b onto a's period overloads backend 160 > 100.
	d, err := env.Engine.RequestTransition(env.Ctx, governance.TransitionRequest{
		ItemID: "b",
		Patch:  domain.ItemPatch{StartPeriod: intPtr(0)},
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if d.Approved {
		t.Fatalf("expected capacity rejection")
	}
	if d.Violations[0].Code != domain.ViolationCapacityExceeded {
		t.Fatalf("violation = %+v", d.Violations[0])
	}
	if d.Scenario == nil {
		t.Fatalf("rejection should carry the projected scenario")
	}
	if d.Alternative == nil || d.Alternative.StartPeriod != 1 {
		t.Fatalf("alternative = %+v, want start period 1", d.Alternative)
	}
	if *env.Engine.Items()[1].StartPeriod != 1 {
		t.Fatalf("rejected move leaked into live set")
	}
}

func TestRequestTransitionIsIdempotentOnRejection(t *testing.T) {
	env := newTestEnv(t, 4, 100)
	if err := env.Engine.Register(backlogItem("w1", 10)); err != nil {
		t.Fatalf("register: %v", err)
	}
	before := env.Engine.Items()
	for i := 0; i < 3; i++ {
		d, err := env.Engine.RequestTransition(env.Ctx, governance.TransitionRequest{
			ItemID: "w1",
			Patch:  domain.ItemPatch{State: strPtr(domain.StateDone)},
		})
		if err != nil || d.Approved {
			t.Fatalf("round %d: err=%v approved=%v", i, err, d.Approved)
		}
	}
	after := env.Engine.Items()
	if before[0].State != after[0].State || len(before[0].StateHistory) != len(after[0].StateHistory) {
		t.Fatalf("repeated rejections changed the item: %+v -> %+v", before[0], after[0])
	}
	if got := len(env.Log.Entries()); got != 3 {
		t.Fatalf("each evaluation must be logged, got %d entries", got)
	}
}

func TestValidatePortfolioHealthyScore(t *testing.T) {
	env := newTestEnv(t, 4, 100)
	if err := env.Engine.Register(backlogItem("w1", 10)); err != nil {
		t.Fatalf("register: %v", err)
	}
	report, err := env.Engine.ValidatePortfolio(env.Ctx)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if report.Score != 100 {
		t.Fatalf("score = %d, want 100", report.Score)
	}
	if report.Summary.ItemCount != 1 || report.Summary.ScheduledCount != 0 {
		t.Fatalf("summary = %+v", report.Summary)
	}
	if env.Log.Entries()[0].Action != domain.ActionValidatePortfolio {
		t.Fatalf("validation not logged")
	}
}

func TestValidatePortfolioScoresViolations(t *testing.T) {
	env := newTestEnv(t, 4, 100)
	a := backlogItem("a", 0)
	b := backlogItem("b", 10)
	b.DependsOn = []string{"a"}
	b.State = domain.StatePlanned
	b.StartPeriod = intPtr(0)
	if err := env.Engine.Register(a, b); err != nil {
		t.Fatalf("register: %v", err)
	}
	report, err := env.Engine.ValidatePortfolio(env.Ctx)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(report.Violations) != 1 || report.Violations[0].Code != domain.ViolationDependencyNotScheduled {
		t.Fatalf("violations = %v", report.Violations)
	}
	// One high violation: 100 - 15.
	if report.Score != 85 {
		t.Fatalf("score = %d, want 85", report.Score)
	}
}

func TestValidatePortfolioConstrainedSkills(t *testing.T) {
	env := newTestEnv(t, 2, 100)
	a := backlogItem("a", 300)
	a.State = domain.StatePlanned
	a.StartPeriod = intPtr(0)
	if err := env.Engine.Register(a); err != nil {
		t.Fatalf("register: %v", err)
	}
	report, err := env.Engine.ValidatePortfolio(env.Ctx)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if report.Summary.CriticalViolations == 0 {
		t.Fatalf("expected critical violations in summary: %+v", report.Summary)
	}
	if len(report.Summary.ConstrainedSkills) != 1 || report.Summary.ConstrainedSkills[0] != "backend" {
		t.Fatalf("constrained skills = %v", report.Summary.ConstrainedSkills)
	}
}

func TestAutoScheduleCommitsPlacements(t *testing.T) {
	env := newTestEnv(t, 4, 100)
	if err := env.Engine.Register(backlogItem("a", 80)); err != nil {
		t.Fatalf("register: %v", err)
	}
	result, err := env.Engine.AutoSchedule(env.Ctx, []domain.WorkItem{backlogItem("b", 80)})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !result.Feasible {
		t.Fatalf("expected feasible schedule, violations %v", result.Violations)
	}
	byID := map[string]domain.WorkItem{}
	for _, it := range env.Engine.Items() {
		byID[it.ID] = it
	}
	if byID["a"].StartPeriod == nil || byID["b"].StartPeriod == nil {
		t.Fatalf("placements not committed: %+v", byID)
	}
	if *byID["a"].StartPeriod == *byID["b"].StartPeriod {
		t.Fatalf("both items in one period would overload backend")
	}

	// A follow-up validation sees the committed schedule.
	report, err := env.Engine.ValidatePortfolio(env.Ctx)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if report.Summary.ScheduledCount != 2 {
		t.Fatalf("scheduled count = %d, want 2", report.Summary.ScheduledCount)
	}
}

func TestAutoScheduleCycleBecomesViolation(t *testing.T) {
	env := newTestEnv(t, 4, 100)
	a := backlogItem("a", 10)
	a.DependsOn = []string{"b"}
	b := backlogItem("b", 10)
	b.DependsOn = []string{"a"}
	result, err := env.Engine.AutoSchedule(env.Ctx, []domain.WorkItem{a, b})
	if err != nil {
		t.Fatalf("cycle must be a violation, not an error: %v", err)
	}
	if result.Feasible || len(result.Violations) != 1 || result.Violations[0].Code != domain.ViolationDependencyCycle {
		t.Fatalf("result = %+v", result)
	}
	if len(env.Engine.Items()) != 0 {
		t.Fatalf("cyclic items must not be registered")
	}
}

func TestAutoScheduleInfeasibleOverage(t *testing.T) {
	env := newTestEnv(t, 1, 100)
	result, err := env.Engine.AutoSchedule(env.Ctx, []domain.WorkItem{backlogItem("big", 500)})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if result.Feasible {
		t.Fatalf("500h against 100h must be infeasible")
	}
	if result.Violations[0].Code != domain.ViolationCapacityExceeded {
		t.Fatalf("violations = %v", result.Violations)
	}
}

func TestWhatIfDiffsViolationsWithoutCommitting(t *testing.T) {
	env := newTestEnv(t, 2, 100)
	a := backlogItem("a", 160)
	a.State = domain.StatePlanned
	a.StartPeriod = intPtr(0)
	if err := env.Engine.Register(a); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Removing the overloaded item resolves the baseline violation.
	result, err := env.Engine.WhatIf(env.Ctx, []domain.ScenarioChange{
		{Type: domain.ChangeRemoveItem, ItemID: "a"},
	})
	if err != nil {
		t.Fatalf("what-if: %v", err)
	}
	if len(result.ResolvedViolations) != 1 || result.ResolvedViolations[0].Code != domain.ViolationCapacityExceeded {
		t.Fatalf("resolved = %v", result.ResolvedViolations)
	}
	if len(result.NewViolations) != 0 {
		t.Fatalf("new = %v", result.NewViolations)
	}
	if result.UtilizationDelta >= 0 {
		t.Fatalf("removing demand should lower utilization, delta %v", result.UtilizationDelta)
	}
	if len(env.Engine.Items()) != 1 {
		t.Fatalf("what-if must not commit changes")
	}
}

func TestWhatIfCapacityAdjustment(t *testing.T) {
	env := newTestEnv(t, 2, 100)
	a := backlogItem("a", 160)
	a.State = domain.StatePlanned
	a.StartPeriod = intPtr(0)
	if err := env.Engine.Register(a); err != nil {
		t.Fatalf("register: %v", err)
	}
	result, err := env.Engine.WhatIf(env.Ctx, []domain.ScenarioChange{
		{Type: domain.ChangeAddCapacity, Skill: "backend", Hours: 100},
	})
	if err != nil {
		t.Fatalf("what-if: %v", err)
	}
	if result.CapacityAdjustment["backend"] != 100 {
		t.Fatalf("capacity adjustment = %v", result.CapacityAdjustment)
	}
	if len(result.ResolvedViolations) != 1 {
		t.Fatalf("extra capacity should resolve the overload, got %v", result.ResolvedViolations)
	}
}

func TestWhatIfMalformedChangesError(t *testing.T) {
	env := newTestEnv(t, 2, 100)
	if _, err := env.Engine.WhatIf(env.Ctx, []domain.ScenarioChange{
		{Type: domain.ChangeMoveItem, ItemID: "ghost", StartPeriod: intPtr(1)},
	}); err == nil {
		t.Fatalf("expected error for change against unknown item")
	}
}

func TestMemoryLogCopiesEntries(t *testing.T) {
	log := governance.NewMemoryLog()
	if err := log.Append(context.Background(), domain.DecisionLogEntry{ID: "e1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries := log.Entries()
	entries[0].ID = "mutated"
	if log.Entries()[0].ID != "e1" {
		t.Fatalf("Entries must return a copy")
	}
}
