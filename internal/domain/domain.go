package domain

// Lifecycle states for work items.
const (
	StateBacklog    = "backlog"
	StateReady      = "ready"
	StatePlanned    = "planned"
	StateInProgress = "in_progress"
	StateReview     = "review"
	StateBlocked    = "blocked"
	StateDone       = "done"
)

type Portfolio struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// WorkItem is a unit of schedulable work. Demand maps skill name to total
// hours over the item's full duration; projection spreads it evenly per period.
type WorkItem struct {
	ID           string             `json:"id"`
	PortfolioID  string             `json:"portfolio_id,omitempty"`
	Title        string             `json:"title"`
	State        string             `json:"state" enum:"backlog,ready,planned,in_progress,review,blocked,done"`
	StateHistory []string           `json:"state_history,omitempty"`
	Duration     int                `json:"duration"`
	DependsOn    []string           `json:"depends_on,omitempty"`
	Demand       map[string]float64 `json:"demand,omitempty"`
	Priority     int                `json:"priority"`
	StartPeriod  *int               `json:"start_period,omitempty"`
	CreatedAt    string             `json:"created_at,omitempty" format:"date-time"`
	UpdatedAt    string             `json:"updated_at,omitempty" format:"date-time"`
}

// Scheduled reports whether the item has been assigned a start period.
func (w WorkItem) Scheduled() bool { return w.StartPeriod != nil }

// EndPeriod returns the exclusive end period; -1 if unscheduled.
func (w WorkItem) EndPeriod() int {
	if w.StartPeriod == nil {
		return -1
	}
	return *w.StartPeriod + w.Duration
}

// ActiveIn reports whether the item consumes capacity in period p.
func (w WorkItem) ActiveIn(p int) bool {
	return w.StartPeriod != nil && *w.StartPeriod <= p && p < *w.StartPeriod+w.Duration
}

// Clone returns a deep copy so projections never alias caller state.
func (w WorkItem) Clone() WorkItem {
	c := w
	c.StateHistory = append([]string(nil), w.StateHistory...)
	c.DependsOn = append([]string(nil), w.DependsOn...)
	if w.Demand != nil {
		c.Demand = make(map[string]float64, len(w.Demand))
		for k, v := range w.Demand {
			c.Demand[k] = v
		}
	}
	if w.StartPeriod != nil {
		v := *w.StartPeriod
		c.StartPeriod = &v
	}
	return c
}

// CloneItems deep-copies a slice of work items preserving order.
func CloneItems(items []WorkItem) []WorkItem {
	out := make([]WorkItem, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}

// CapacityPlan is the resource budget: uniform hours per skill per period
// across a fixed horizon.
type CapacityPlan struct {
	Periods int                `json:"periods"`
	Skills  map[string]float64 `json:"skills"`
}

func (p CapacityPlan) Clone() CapacityPlan {
	c := p
	c.Skills = make(map[string]float64, len(p.Skills))
	for k, v := range p.Skills {
		c.Skills[k] = v
	}
	return c
}

// Adjusted returns a copy with signed per-skill deltas applied, floored at 0.
func (p CapacityPlan) Adjusted(deltas map[string]float64) CapacityPlan {
	c := p.Clone()
	for skill, d := range deltas {
		v := c.Skills[skill] + d
		if v < 0 {
			v = 0
		}
		c.Skills[skill] = v
	}
	return c
}

// PeriodCapacity is one row of the projected grid.
type PeriodCapacity struct {
	Period    int                `json:"period"`
	Capacity  map[string]float64 `json:"capacity"`
	Allocated map[string]float64 `json:"allocated"`
	Remaining map[string]float64 `json:"remaining"`
}

// ProjectedScenario is the ephemeral output of projection. Remaining values
// may be negative; projection reports infeasibility, it never censors it.
type ProjectedScenario struct {
	Items         []WorkItem       `json:"items"`
	Grid          []PeriodCapacity `json:"grid"`
	TotalDemand   float64          `json:"total_demand"`
	TotalCapacity float64          `json:"total_capacity"`
	Utilization   float64          `json:"utilization"`
}

// Violation codes (hard failures) and warning codes (soft signals).
const (
	ViolationDependencyCycle        = "DEPENDENCY_CYCLE"
	ViolationDependencyNotScheduled = "DEPENDENCY_NOT_SCHEDULED"
	ViolationCapacityExceeded       = "CAPACITY_EXCEEDED"
	ViolationInvalidStateTransition = "INVALID_STATE_TRANSITION"

	WarningNearCapacity         = "NEAR_CAPACITY"
	WarningTightDependencyChain = "TIGHT_DEPENDENCY_CHAIN"
)

const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
)

type Violation struct {
	Code     string         `json:"code" enum:"DEPENDENCY_CYCLE,DEPENDENCY_NOT_SCHEDULED,CAPACITY_EXCEEDED,INVALID_STATE_TRANSITION"`
	Severity string         `json:"severity" enum:"critical,high"`
	Message  string         `json:"message"`
	ItemIDs  []string       `json:"item_ids,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

type Warning struct {
	Code    string   `json:"code" enum:"NEAR_CAPACITY,TIGHT_DEPENDENCY_CHAIN"`
	Message string   `json:"message"`
	ItemIDs []string `json:"item_ids,omitempty"`
}

// AlternativePlacement suggests a later start that clears all violations.
type AlternativePlacement struct {
	StartPeriod int      `json:"start_period"`
	Tradeoffs   []string `json:"tradeoffs,omitempty"`
}

// GovernanceDecision is the atomic result of one evaluation.
type GovernanceDecision struct {
	Approved    bool                  `json:"approved"`
	Scenario    *ProjectedScenario    `json:"scenario,omitempty"`
	Violations  []Violation           `json:"violations,omitempty"`
	Warnings    []Warning             `json:"warnings,omitempty"`
	Alternative *AlternativePlacement `json:"alternative,omitempty"`
}

// Decision log action kinds.
const (
	ActionTransitionRequest = "transition.request"
	ActionValidatePortfolio = "portfolio.validate"
	ActionAutoSchedule      = "schedule.auto"
	ActionWhatIf            = "whatif.compare"
)

// Constraint categories recorded per evaluation.
const (
	CategoryCapacityCheck      = "CAPACITY_CHECK"
	CategoryDependencyOrder    = "DEPENDENCY_ORDER"
	CategorySkillAvailability  = "SKILL_AVAILABILITY"
	CategoryStructuralLegality = "STRUCTURAL_LEGALITY"
)

const (
	OutcomeApproved = "APPROVED"
	OutcomeRejected = "REJECTED"
)

// DecisionLogEntry is the append-only audit record for one evaluation.
type DecisionLogEntry struct {
	ID          string             `json:"id"`
	TS          string             `json:"ts" format:"date-time"`
	PortfolioID string             `json:"portfolio_id,omitempty"`
	Action      string             `json:"action" enum:"transition.request,portfolio.validate,schedule.auto,whatif.compare"`
	ActorID     string             `json:"actor_id,omitempty"`
	Request     map[string]any     `json:"request,omitempty"`
	Scenario    *ProjectedScenario `json:"scenario,omitempty"`
	Categories  []string           `json:"categories"`
	Outcome     string             `json:"outcome" enum:"APPROVED,REJECTED"`
	Violations  []Violation        `json:"violations,omitempty"`
	Warnings    []Warning          `json:"warnings,omitempty"`
	DurationMS  int64              `json:"duration_ms"`
}

// Scenario change types for what-if evaluation.
const (
	ChangeAddItem        = "ADD_ITEM"
	ChangeRemoveItem     = "REMOVE_ITEM"
	ChangeMoveItem       = "MOVE_ITEM"
	ChangeResizeItem     = "RESIZE_ITEM"
	ChangeReprioritize   = "REPRIORITIZE"
	ChangeAddCapacity    = "ADD_CAPACITY"
	ChangeRemoveCapacity = "REMOVE_CAPACITY"
)

// ScenarioChange is one typed change record applied during projection.
type ScenarioChange struct {
	Type        string    `json:"type" enum:"ADD_ITEM,REMOVE_ITEM,MOVE_ITEM,RESIZE_ITEM,REPRIORITIZE,ADD_CAPACITY,REMOVE_CAPACITY"`
	Item        *WorkItem `json:"item,omitempty"`
	ItemID      string    `json:"item_id,omitempty"`
	StartPeriod *int      `json:"start_period,omitempty"`
	Duration    *int      `json:"duration,omitempty"`
	Priority    *int      `json:"priority,omitempty"`
	Skill       string    `json:"skill,omitempty"`
	Hours       float64   `json:"hours,omitempty"`
}

// ItemPatch is the partial change evaluated by a transition request.
type ItemPatch struct {
	State       *string             `json:"state,omitempty" enum:"backlog,ready,planned,in_progress,review,blocked,done"`
	StartPeriod *int                `json:"start_period,omitempty"`
	Duration    *int                `json:"duration,omitempty"`
	DependsOn   *[]string           `json:"depends_on,omitempty"`
	Priority    *int                `json:"priority,omitempty"`
	Demand      *map[string]float64 `json:"demand,omitempty"`
}

// PortfolioSummary accompanies a health report.
type PortfolioSummary struct {
	ItemCount          int      `json:"item_count"`
	ScheduledCount     int      `json:"scheduled_count"`
	TotalDemand        float64  `json:"total_demand"`
	TotalCapacity      float64  `json:"total_capacity"`
	Utilization        float64  `json:"utilization"`
	ConstrainedSkills  []string `json:"constrained_skills,omitempty"`
	CriticalViolations int      `json:"critical_violations"`
}

type PortfolioHealthReport struct {
	Score      int               `json:"score"`
	Violations []Violation       `json:"violations,omitempty"`
	Warnings   []Warning         `json:"warnings,omitempty"`
	Summary    PortfolioSummary  `json:"summary"`
	Scenario   ProjectedScenario `json:"scenario"`
}

type AutoScheduleResult struct {
	Feasible   bool        `json:"feasible"`
	Items      []WorkItem  `json:"items"`
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Warning   `json:"warnings,omitempty"`
}

type WhatIfResult struct {
	Baseline           ProjectedScenario  `json:"baseline"`
	Projected          ProjectedScenario  `json:"projected"`
	NewViolations      []Violation        `json:"new_violations,omitempty"`
	ResolvedViolations []Violation        `json:"resolved_violations,omitempty"`
	UtilizationDelta   float64            `json:"utilization_delta"`
	CapacityAdjustment map[string]float64 `json:"capacity_adjustment,omitempty"`
}
