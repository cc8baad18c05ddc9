// Package gateway composes the lifecycle state graph, the dependency
// resolver, and a pluggable constraint hook into one transition decision.
package gateway

import (
	"context"
	"strings"

	"planline/internal/domain"
	"planline/internal/graph"
	"planline/internal/lifecycle"
)

// HookRequest is handed verbatim to the constraint hook, Context included, so
// external policy can be injected without coupling the gateway to it.
type HookRequest struct {
	ItemID      string         `json:"item_id"`
	TargetState string         `json:"target_state"`
	Context     map[string]any `json:"context,omitempty"`
}

type HookResult struct {
	Approved   bool     `json:"approved"`
	Violations []string `json:"violations,omitempty"`
}

// ConstraintHook is an asynchronous external predicate consulted on every
// transition request.
type ConstraintHook func(ctx context.Context, req HookRequest) (HookResult, error)

// ApproveAll is the default hook.
func ApproveAll(context.Context, HookRequest) (HookResult, error) {
	return HookResult{Approved: true}, nil
}

// Decision carries the three independently inspectable sub-results. Allowed
// is their conjunction; Dependencies is nil unless the target is a
// work-starting state.
type Decision struct {
	Allowed      bool               `json:"allowed"`
	Reason       string             `json:"reason,omitempty"`
	Graph        lifecycle.Check    `json:"graph"`
	Dependencies *graph.StartCheck  `json:"dependencies,omitempty"`
	Hook         *HookResult        `json:"hook,omitempty"`
}

// Gateway evaluates transition requests.
type Gateway struct {
	Lifecycle   *lifecycle.StateGraph
	Resolver    *graph.Resolver
	Hook        ConstraintHook
	StartStates map[string]bool
}

// New wires a gateway with the default hook and in_progress as the sole
// work-starting state.
func New(sg *lifecycle.StateGraph, r *graph.Resolver) Gateway {
	return Gateway{
		Lifecycle:   sg,
		Resolver:    r,
		Hook:        ApproveAll,
		StartStates: map[string]bool{domain.StateInProgress: true},
	}
}

// RequestTransition evaluates a single item transition. The hook error is
// surfaced as-is; everything else is expressed inside the decision.
func (g Gateway) RequestTransition(ctx context.Context, itemID, targetState string, hookCtx map[string]any) (Decision, error) {
	item, err := g.Resolver.Item(itemID)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Graph: g.Lifecycle.CanTransition(item, targetState)}

	if g.StartStates[targetState] {
		check, err := g.Resolver.CanStart(itemID)
		if err != nil {
			return Decision{}, err
		}
		d.Dependencies = &check
	}

	hook := g.Hook
	if hook == nil {
		hook = ApproveAll
	}
	res, err := hook(ctx, HookRequest{ItemID: itemID, TargetState: targetState, Context: hookCtx})
	if err != nil {
		return Decision{}, err
	}
	d.Hook = &res

	d.Allowed = d.Graph.Allowed && res.Approved && (d.Dependencies == nil || d.Dependencies.Allowed)
	if d.Allowed {
		return d, nil
	}
	switch {
	case !d.Graph.Allowed:
		d.Reason = d.Graph.Reason
	case d.Dependencies != nil && !d.Dependencies.Allowed:
		d.Reason = "dependencies not ready: " + strings.Join(d.Dependencies.Pending, ", ")
	case !res.Approved:
		d.Reason = "constraint hook rejected: " + strings.Join(res.Violations, "; ")
	}
	return d, nil
}
