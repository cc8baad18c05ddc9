// Package lifecycle holds the declarative state/transition/guard definition
// for work items and evaluates transition legality against item history.
package lifecycle

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"planline/internal/domain"
)

// GuardRef names a registered guard with optional parameters.
type GuardRef struct {
	Kind   string            `yaml:"kind" json:"kind"`
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// TransitionDef declares one legal edge in the state graph.
type TransitionDef struct {
	From   string     `yaml:"from" json:"from"`
	To     string     `yaml:"to" json:"to"`
	Guards []GuardRef `yaml:"guards,omitempty" json:"guards,omitempty"`
}

// Definition is the declarative lifecycle loaded from YAML or built in code.
type Definition struct {
	States      []string        `yaml:"states" json:"states"`
	Start       []string        `yaml:"start" json:"start"`
	Transitions []TransitionDef `yaml:"transitions" json:"transitions"`
}

// Issue is one structural problem found by Validate.
type Issue struct {
	Kind    string `json:"kind" enum:"unreachable_state,orphan_state,undeclared_state"`
	State   string `json:"state,omitempty"`
	Edge    string `json:"edge,omitempty"`
	Message string `json:"message"`
}

// Check is the answer to a transition legality query.
type Check struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// StateGraph answers transition legality questions for a fixed definition.
type StateGraph struct {
	def      Definition
	states   map[string]bool
	outgoing map[string][]TransitionDef
}

// New builds a state graph. Construction fails on an empty state set,
// duplicate state names, or a guard reference with no registered
// implementation; reachability problems are reported by Validate instead.
func New(def Definition) (*StateGraph, error) {
	if len(def.States) == 0 {
		return nil, fmt.Errorf("lifecycle definition has no states")
	}
	g := &StateGraph{
		def:      def,
		states:   make(map[string]bool, len(def.States)),
		outgoing: make(map[string][]TransitionDef),
	}
	for _, s := range def.States {
		if g.states[s] {
			return nil, fmt.Errorf("duplicate lifecycle state %s", s)
		}
		g.states[s] = true
	}
	for _, t := range def.Transitions {
		for _, ref := range t.Guards {
			if !Registered(ref.Kind) {
				return nil, fmt.Errorf("transition %s -> %s references unknown guard %s", t.From, t.To, ref.Kind)
			}
		}
		g.outgoing[t.From] = append(g.outgoing[t.From], t)
	}
	return g, nil
}

// Validate runs the structural self-check and returns every issue found:
// states unreachable from a start state, orphan states with zero in- and
// out-degree, and transitions referencing undeclared states.
func (g *StateGraph) Validate() []Issue {
	var issues []Issue
	for _, t := range g.def.Transitions {
		for _, s := range []string{t.From, t.To} {
			if !g.states[s] {
				issues = append(issues, Issue{
					Kind:    "undeclared_state",
					State:   s,
					Edge:    t.From + " -> " + t.To,
					Message: fmt.Sprintf("transition %s -> %s references undeclared state %s", t.From, t.To, s),
				})
			}
		}
	}

	reachable := make(map[string]bool)
	var walk func(s string)
	walk = func(s string) {
		if reachable[s] {
			return
		}
		reachable[s] = true
		for _, t := range g.outgoing[s] {
			walk(t.To)
		}
	}
	for _, s := range g.def.Start {
		walk(s)
	}

	inDegree := make(map[string]int)
	for _, t := range g.def.Transitions {
		inDegree[t.To]++
	}
	isStart := make(map[string]bool, len(g.def.Start))
	for _, s := range g.def.Start {
		isStart[s] = true
	}
	for _, s := range g.def.States {
		if len(g.outgoing[s]) == 0 && inDegree[s] == 0 && !isStart[s] {
			issues = append(issues, Issue{
				Kind:    "orphan_state",
				State:   s,
				Message: fmt.Sprintf("state %s has no inbound or outbound transitions", s),
			})
			continue
		}
		if !reachable[s] {
			issues = append(issues, Issue{
				Kind:    "unreachable_state",
				State:   s,
				Message: fmt.Sprintf("state %s is not reachable from any start state", s),
			})
		}
	}
	return issues
}

// ValidTransitions returns the transitions declared from the given state.
// Empty for terminal states.
func (g *StateGraph) ValidTransitions(state string) []TransitionDef {
	return append([]TransitionDef(nil), g.outgoing[state]...)
}

// CanTransition reports whether the item may legally move to target. A denial
// carries a human-readable reason: undeclared states, no declared edge (the
// reason lists the legal targets), or the first failing guard.
func (g *StateGraph) CanTransition(item domain.WorkItem, target string) Check {
	if !g.states[target] {
		return Check{Reason: fmt.Sprintf("target state %s is not declared", target)}
	}
	if !g.states[item.State] {
		return Check{Reason: fmt.Sprintf("current state %s is not declared", item.State)}
	}
	var edge *TransitionDef
	for i, t := range g.outgoing[item.State] {
		if t.To == target {
			edge = &g.outgoing[item.State][i]
			break
		}
	}
	if edge == nil {
		targets := make([]string, 0, len(g.outgoing[item.State]))
		for _, t := range g.outgoing[item.State] {
			targets = append(targets, t.To)
		}
		if len(targets) == 0 {
			return Check{Reason: fmt.Sprintf("no transition from %s to %s; %s is terminal", item.State, target, item.State)}
		}
		return Check{Reason: fmt.Sprintf("no transition from %s to %s; legal targets: %s", item.State, target, strings.Join(targets, ", "))}
	}
	for _, ref := range edge.Guards {
		guard, ok := lookup(ref.Kind)
		if !ok {
			return Check{Reason: fmt.Sprintf("guard %s is not registered", ref.Kind)}
		}
		if err := guard(item, ref.Params); err != nil {
			return Check{Reason: fmt.Sprintf("guard %s failed: %s", ref.Kind, err)}
		}
	}
	return Check{Allowed: true}
}

// ApplyTransition returns a new item with the target state applied and history
// appended. The input item is never mutated; on an illegal transition the
// original is returned untouched alongside the error.
func (g *StateGraph) ApplyTransition(item domain.WorkItem, target string) (domain.WorkItem, error) {
	check := g.CanTransition(item, target)
	if !check.Allowed {
		return item, fmt.Errorf("cannot transition %s from %s to %s: %s", item.ID, item.State, target, check.Reason)
	}
	next := item.Clone()
	next.State = target
	next.StateHistory = append(next.StateHistory, target)
	return next, nil
}

// FromYAML parses a definition from raw YAML.
func FromYAML(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("invalid lifecycle yaml: %w", err)
	}
	return def, nil
}

// Default returns the built-in work item lifecycle.
func Default() Definition {
	var def Definition
	_ = yaml.Unmarshal([]byte(defaultTemplate), &def)
	return def
}

const defaultTemplate = `states: [backlog, ready, planned, in_progress, review, blocked, done]
start: [backlog]
transitions:
  - {from: backlog, to: ready}
  - {from: ready, to: planned, guards: [{kind: not_blocked}]}
  - {from: planned, to: in_progress, guards: [{kind: not_blocked}, {kind: require_prior_state, params: {state: ready}}]}
  - {from: in_progress, to: review, guards: [{kind: not_blocked}]}
  - {from: review, to: in_progress, guards: [{kind: not_blocked}]}
  - {from: review, to: done, guards: [{kind: not_blocked}, {kind: require_prior_state, params: {state: in_progress}}]}
  - {from: planned, to: blocked}
  - {from: in_progress, to: blocked}
  - {from: review, to: blocked}
  - {from: blocked, to: planned}
  - {from: blocked, to: in_progress}
`
