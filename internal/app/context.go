package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"planline/internal/audit"
	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/governance"
	"planline/internal/lifecycle"
	"planline/internal/repo"
)

// ResolvePortfolioAndConfig picks the active portfolio and ensures a
// portfolio + config exist in the DB, seeding defaults if missing. It prefers
// the override, then the single portfolio in the workspace. A missing
// portfolio is created on the fly.
func ResolvePortfolioAndConfig(ctx context.Context, portfolioOverride string, r repo.Repo) (string, *config.Config, error) {
	portfolioID := portfolioOverride
	if portfolioID == "" {
		if p, err := r.SinglePortfolio(ctx); err == nil {
			portfolioID = p.ID
		} else {
			return "", nil, fmt.Errorf("portfolio not specified; use --portfolio")
		}
	}

	if _, err := r.GetPortfolio(ctx, portfolioID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createPortfolio(ctx, r, portfolioID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetPortfolioConfig(ctx, portfolioID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(portfolioID)
		now := time.Now().UTC().Format(time.RFC3339)
		if err := r.UpsertPortfolioConfig(ctx, portfolioID, config.GenerateDefault(portfolioID), now); err != nil {
			return "", nil, fmt.Errorf("seed portfolio config: %w", err)
		}
	}
	cfg.Portfolio.ID = portfolioID
	return portfolioID, cfg, nil
}

func createPortfolio(ctx context.Context, r repo.Repo, portfolioID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	return r.InsertPortfolio(ctx, domain.Portfolio{
		ID:        portfolioID,
		Name:      portfolioID,
		Status:    "active",
		CreatedAt: now,
	})
}

// BuildEngine loads the portfolio's work items into a governance engine wired
// to the sqlite audit sink. Each call produces a fresh in-memory snapshot;
// the caller persists any approved mutation back through the repo.
func BuildEngine(ctx context.Context, r repo.Repo, portfolioID string, cfg *config.Config) (*governance.Engine, error) {
	sg, err := lifecycle.New(cfg.LifecycleDefinition())
	if err != nil {
		return nil, err
	}
	items, err := r.ListWorkItems(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	eng := governance.New(cfg.Plan(), sg, audit.Writer{DB: r.DB})
	eng.PortfolioID = portfolioID
	eng.Validator.Thresholds = cfg.Thresholds()
	if err := eng.Register(items...); err != nil {
		return nil, err
	}
	return eng, nil
}
