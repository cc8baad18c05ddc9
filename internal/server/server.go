// Package server exposes the governance operations over HTTP. Every request
// evaluates against a fresh snapshot loaded from the store; approved
// mutations are written back before the response is returned.
package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"planline/internal/app"
	"planline/internal/domain"
	"planline/internal/governance"
	"planline/internal/graph"
	"planline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	DB          *sql.DB
	PortfolioID string
	BasePath    string
	Auth        AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"dependency cycle detected"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type server struct {
	repo        repo.Repo
	portfolioID string
}

// New returns an HTTP handler exposing the Planline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors surface as 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	s := &server{repo: repo.Repo{DB: cfg.DB}, portfolioID: cfg.PortfolioID}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Planline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	s.registerItems(group)
	s.registerGovernance(group)
	s.registerLog(group)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var nf *graph.NotFoundError
	if errors.Is(err, repo.ErrNotFound) || errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ce *graph.CycleError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

// engineFor loads the active portfolio's items into a fresh governance
// engine wired to the audit sink.
func (s *server) engineFor(ctx context.Context) (*governance.Engine, string, error) {
	portfolioID, cfg, err := app.ResolvePortfolioAndConfig(ctx, s.portfolioID, s.repo)
	if err != nil {
		return nil, "", err
	}
	eng, err := app.BuildEngine(ctx, s.repo, portfolioID, cfg)
	if err != nil {
		return nil, "", err
	}
	return eng, portfolioID, nil
}

func (s *server) registerItems(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.WorkItem `json:"body"`
	}, error) {
		portfolioID, _, err := app.ResolvePortfolioAndConfig(ctx, s.portfolioID, s.repo)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := s.repo.ListWorkItems(ctx, portfolioID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Register a work item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateItemRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		portfolioID, cfg, err := app.ResolvePortfolioAndConfig(ctx, s.portfolioID, s.repo)
		if err != nil {
			return nil, handleError(err)
		}
		item := itemFromRequest(input.Body, portfolioID, time.Now().UTC())
		eng, err := app.BuildEngine(ctx, s.repo, portfolioID, cfg)
		if err != nil {
			return nil, handleError(err)
		}
		if err := eng.Register(item); err != nil {
			return nil, handleError(err)
		}
		if err := s.repo.InsertWorkItem(ctx, item); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		item, err := s.repo.GetWorkItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})
}

func (s *server) registerGovernance(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "request-transition",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/transition",
		Summary:     "Request an item transition",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string                `path:"item_id"`
		Body   TransitionItemRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		eng, _, err := s.engineFor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		decision, err := eng.RequestTransition(ctx, governance.TransitionRequest{
			ItemID:  input.ItemID,
			Patch:   input.Body.Patch,
			ActorID: actorIDFromContext(ctx),
			Context: input.Body.Context,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := DecisionResponse{Decision: decision}
		if decision.Approved {
			for _, it := range eng.Items() {
				if it.ID == input.ItemID {
					if err := s.repo.UpdateWorkItem(ctx, it); err != nil {
						return nil, handleError(err)
					}
					resp.Item = &it
					break
				}
			}
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-portfolio",
		Method:      http.MethodPost,
		Path:        "/validate",
		Summary:     "Validate the portfolio and score its health",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.PortfolioHealthReport `json:"body"`
	}, error) {
		eng, _, err := s.engineFor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		report, err := eng.ValidatePortfolio(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PortfolioHealthReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "auto-schedule",
		Method:      http.MethodPost,
		Path:        "/schedule",
		Summary:     "Auto-schedule the portfolio",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body AutoScheduleRequest `json:"body"`
	}) (*struct {
		Body domain.AutoScheduleResult `json:"body"`
	}, error) {
		eng, portfolioID, err := s.engineFor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		now := time.Now().UTC()
		newItems := make([]domain.WorkItem, 0, len(input.Body.Items))
		for _, reqItem := range input.Body.Items {
			newItems = append(newItems, itemFromRequest(reqItem, portfolioID, now))
		}
		result, err := eng.AutoSchedule(ctx, newItems)
		if err != nil {
			return nil, handleError(err)
		}
		if err := s.persistSchedule(ctx, newItems, result.Items, now); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AutoScheduleResult `json:"body"`
		}{Body: result}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "what-if",
		Method:      http.MethodPost,
		Path:        "/what-if",
		Summary:     "Compare a hypothetical scenario against the baseline",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body WhatIfRequest `json:"body"`
	}) (*struct {
		Body domain.WhatIfResult `json:"body"`
	}, error) {
		eng, _, err := s.engineFor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		result, err := eng.WhatIf(ctx, input.Body.Changes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WhatIfResult `json:"body"`
		}{Body: result}, nil
	})
}

func (s *server) registerLog(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-decisions",
		Method:      http.MethodGet,
		Path:        "/log",
		Summary:     "Tail the governance decision log",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.DecisionLogEntry `json:"body"`
	}, error) {
		portfolioID, _, err := app.ResolvePortfolioAndConfig(ctx, s.portfolioID, s.repo)
		if err != nil {
			return nil, handleError(err)
		}
		entries, err := s.repo.ListDecisions(ctx, portfolioID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DecisionLogEntry `json:"body"`
		}{Body: entries}, nil
	})
}

// persistSchedule inserts the items registered by this call and writes back
// every placement the scheduler produced.
func (s *server) persistSchedule(ctx context.Context, newItems, placed []domain.WorkItem, now time.Time) error {
	isNew := make(map[string]bool, len(newItems))
	for _, it := range newItems {
		isNew[it.ID] = true
	}
	tx, err := s.repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ts := now.Format(time.RFC3339)
	for _, it := range placed {
		if isNew[it.ID] {
			if err := s.repo.InsertWorkItemTx(ctx, tx, it); err != nil {
				return err
			}
		}
	}
	if err := s.repo.SavePlacements(ctx, tx, placed, ts); err != nil {
		return err
	}
	return tx.Commit()
}

func itemFromRequest(in CreateItemRequest, portfolioID string, now time.Time) domain.WorkItem {
	id := ""
	if in.ID != nil {
		id = *in.ID
	}
	if id == "" {
		id = uuid.New().String()
	}
	duration := in.Duration
	if duration < 1 {
		duration = 1
	}
	ts := now.Format(time.RFC3339)
	return domain.WorkItem{
		ID:           id,
		PortfolioID:  portfolioID,
		Title:        in.Title,
		State:        domain.StateBacklog,
		StateHistory: []string{domain.StateBacklog},
		Duration:     duration,
		DependsOn:    in.DependsOn,
		Demand:       in.Demand,
		Priority:     in.Priority,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
}
