// Package audit persists governance decision log entries beyond process
// lifetime. Writer satisfies governance.DecisionLog.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"planline/internal/domain"
)

type Writer struct {
	DB *sql.DB
}

// Append writes one decision log entry. Entries are never updated after
// append.
func (w Writer) Append(ctx context.Context, entry domain.DecisionLogEntry) error {
	request, err := marshalOrNil(entry.Request)
	if err != nil {
		return fmt.Errorf("marshal decision request: %w", err)
	}
	scenarioJSON, err := marshalOrNil(entry.Scenario)
	if err != nil {
		return fmt.Errorf("marshal decision scenario: %w", err)
	}
	categories, err := json.Marshal(entry.Categories)
	if err != nil {
		return fmt.Errorf("marshal decision categories: %w", err)
	}
	violations, err := marshalOrNil(entry.Violations)
	if err != nil {
		return fmt.Errorf("marshal decision violations: %w", err)
	}
	warnings, err := marshalOrNil(entry.Warnings)
	if err != nil {
		return fmt.Errorf("marshal decision warnings: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO decision_log(id,ts,portfolio_id,action,actor_id,request_json,scenario_json,categories_json,outcome,violations_json,warnings_json,duration_ms)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		entry.ID, entry.TS, nullable(entry.PortfolioID), entry.Action, nullable(entry.ActorID),
		request, scenarioJSON, string(categories), entry.Outcome, violations, warnings, entry.DurationMS)
	return err
}

func marshalOrNil(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	case *domain.ProjectedScenario:
		if t == nil {
			return nil, nil
		}
	case []domain.Violation:
		if len(t) == 0 {
			return nil, nil
		}
	case []domain.Warning:
		if len(t) == 0 {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
