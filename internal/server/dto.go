package server

import (
	"planline/internal/domain"
)

// Request payloads

type CreateItemRequest struct {
	ID        *string            `json:"id,omitempty"`
	Title     string             `json:"title"`
	Duration  int                `json:"duration,omitempty"`
	DependsOn []string           `json:"depends_on,omitempty"`
	Demand    map[string]float64 `json:"demand,omitempty"`
	Priority  int                `json:"priority,omitempty"`
}

type TransitionItemRequest struct {
	Patch   domain.ItemPatch `json:"patch"`
	Context map[string]any   `json:"context,omitempty"`
}

type AutoScheduleRequest struct {
	Items []CreateItemRequest `json:"items,omitempty"`
}

type WhatIfRequest struct {
	Changes []domain.ScenarioChange `json:"changes"`
}

// Responses are the engine's own result records; they are plain serializable
// data by design.

type DecisionResponse struct {
	Decision domain.GovernanceDecision `json:"decision"`
	Item     *domain.WorkItem          `json:"item,omitempty"`
}
