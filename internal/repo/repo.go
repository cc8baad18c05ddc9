package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"planline/internal/config"
	"planline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- portfolios ---

func (r Repo) InsertPortfolio(ctx context.Context, p domain.Portfolio) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO portfolios(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) InsertPortfolioTx(ctx context.Context, tx *sql.Tx, p domain.Portfolio) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO portfolios(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetPortfolio(ctx context.Context, id string) (domain.Portfolio, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,status,COALESCE(description,''),created_at FROM portfolios WHERE id=?`, id)
	var p domain.Portfolio
	err := row.Scan(&p.ID, &p.Name, &p.Status, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// SinglePortfolio returns the only portfolio in the workspace, failing when
// there are none or several.
func (r Repo) SinglePortfolio(ctx context.Context) (domain.Portfolio, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(description,''),created_at FROM portfolios`)
	if err != nil {
		return domain.Portfolio{}, err
	}
	defer rows.Close()
	var all []domain.Portfolio
	for rows.Next() {
		var p domain.Portfolio
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return domain.Portfolio{}, err
		}
		all = append(all, p)
	}
	if err := rows.Err(); err != nil {
		return domain.Portfolio{}, err
	}
	if len(all) == 0 {
		return domain.Portfolio{}, ErrNotFound
	}
	if len(all) > 1 {
		return domain.Portfolio{}, fmt.Errorf("multiple portfolios exist; specify --portfolio")
	}
	return all[0], nil
}

func (r Repo) ListPortfolios(ctx context.Context) ([]domain.Portfolio, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(description,''),created_at FROM portfolios ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Portfolio
	for rows.Next() {
		var p domain.Portfolio
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- portfolio configs ---

func (r Repo) GetPortfolioConfig(ctx context.Context, portfolioID string) (*config.Config, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT yaml FROM portfolio_configs WHERE portfolio_id=?`, portfolioID)
	var raw string
	err := row.Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(raw))
}

func (r Repo) UpsertPortfolioConfig(ctx context.Context, portfolioID, yaml, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO portfolio_configs(portfolio_id,yaml,updated_at) VALUES (?,?,?)
ON CONFLICT(portfolio_id) DO UPDATE SET yaml=excluded.yaml, updated_at=excluded.updated_at`, portfolioID, yaml, updatedAt)
	return err
}

func (r Repo) UpsertPortfolioConfigTx(ctx context.Context, tx *sql.Tx, portfolioID, yaml, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO portfolio_configs(portfolio_id,yaml,updated_at) VALUES (?,?,?)
ON CONFLICT(portfolio_id) DO UPDATE SET yaml=excluded.yaml, updated_at=excluded.updated_at`, portfolioID, yaml, updatedAt)
	return err
}

// --- work items ---

const workItemColumns = `id,portfolio_id,title,state,state_history_json,duration,depends_on_json,demand_json,priority,start_period,created_at,updated_at`

func (r Repo) InsertWorkItem(ctx context.Context, w domain.WorkItem) error {
	return r.execInsertWorkItem(ctx, r.DB.ExecContext, w)
}

func (r Repo) InsertWorkItemTx(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	return r.execInsertWorkItem(ctx, tx.ExecContext, w)
}

type execFunc func(ctx context.Context, query string, args ...any) (sql.Result, error)

func (r Repo) execInsertWorkItem(ctx context.Context, exec execFunc, w domain.WorkItem) error {
	history, deps, demand, err := marshalItemJSON(w)
	if err != nil {
		return err
	}
	_, err = exec(ctx, `INSERT INTO work_items(`+workItemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.PortfolioID, w.Title, w.State, history, w.Duration, deps, demand, w.Priority, nullableInt(w.StartPeriod), w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) UpdateWorkItem(ctx context.Context, w domain.WorkItem) error {
	return r.updateWorkItem(ctx, r.DB.ExecContext, w)
}

func (r Repo) UpdateWorkItemTx(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	return r.updateWorkItem(ctx, tx.ExecContext, w)
}

func (r Repo) updateWorkItem(ctx context.Context, exec execFunc, w domain.WorkItem) error {
	history, deps, demand, err := marshalItemJSON(w)
	if err != nil {
		return err
	}
	res, err := exec(ctx, `UPDATE work_items SET title=?,state=?,state_history_json=?,duration=?,depends_on_json=?,demand_json=?,priority=?,start_period=?,updated_at=? WHERE id=?`,
		w.Title, w.State, history, w.Duration, deps, demand, w.Priority, nullableInt(w.StartPeriod), w.UpdatedAt, w.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id)
	return scanWorkItem(row.Scan)
}

// ListWorkItems returns the portfolio's items in insertion order.
func (r Repo) ListWorkItems(ctx context.Context, portfolioID string) ([]domain.WorkItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE portfolio_id=? ORDER BY created_at, id`, portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// SavePlacements writes back start periods produced by auto-scheduling.
func (r Repo) SavePlacements(ctx context.Context, tx *sql.Tx, items []domain.WorkItem, updatedAt string) error {
	for _, w := range items {
		if _, err := tx.ExecContext(ctx, `UPDATE work_items SET start_period=?, updated_at=? WHERE id=?`,
			nullableInt(w.StartPeriod), updatedAt, w.ID); err != nil {
			return err
		}
	}
	return nil
}

func scanWorkItem(scan func(...any) error) (domain.WorkItem, error) {
	var w domain.WorkItem
	var history, deps, demand sql.NullString
	var start sql.NullInt64
	err := scan(&w.ID, &w.PortfolioID, &w.Title, &w.State, &history, &w.Duration, &deps, &demand, &w.Priority, &start, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if history.Valid && history.String != "" {
		if err := json.Unmarshal([]byte(history.String), &w.StateHistory); err != nil {
			return w, fmt.Errorf("item %s state history: %w", w.ID, err)
		}
	}
	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &w.DependsOn); err != nil {
			return w, fmt.Errorf("item %s dependencies: %w", w.ID, err)
		}
	}
	if demand.Valid && demand.String != "" {
		if err := json.Unmarshal([]byte(demand.String), &w.Demand); err != nil {
			return w, fmt.Errorf("item %s demand: %w", w.ID, err)
		}
	}
	if start.Valid {
		v := int(start.Int64)
		w.StartPeriod = &v
	}
	return w, nil
}

func marshalItemJSON(w domain.WorkItem) (history, deps, demand any, err error) {
	history, err = marshalOrNil(w.StateHistory)
	if err != nil {
		return nil, nil, nil, err
	}
	deps, err = marshalOrNil(w.DependsOn)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(w.Demand) == 0 {
		return history, deps, nil, nil
	}
	b, err := json.Marshal(w.Demand)
	if err != nil {
		return nil, nil, nil, err
	}
	return history, deps, string(b), nil
}

func marshalOrNil(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// --- decision log ---

// ListDecisions returns the newest entries first, capped at limit.
func (r Repo) ListDecisions(ctx context.Context, portfolioID string, limit int) ([]domain.DecisionLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,COALESCE(portfolio_id,''),action,COALESCE(actor_id,''),request_json,categories_json,outcome,violations_json,warnings_json,duration_ms FROM decision_log`
	var args []any
	if portfolioID != "" {
		query += ` WHERE portfolio_id=?`
		args = append(args, portfolioID)
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DecisionLogEntry
	for rows.Next() {
		var e domain.DecisionLogEntry
		var request, categories, violations, warnings sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.PortfolioID, &e.Action, &e.ActorID, &request, &categories, &e.Outcome, &violations, &warnings, &e.DurationMS); err != nil {
			return nil, err
		}
		if request.Valid && request.String != "" {
			_ = json.Unmarshal([]byte(request.String), &e.Request)
		}
		if categories.Valid && categories.String != "" {
			_ = json.Unmarshal([]byte(categories.String), &e.Categories)
		}
		if violations.Valid && violations.String != "" {
			_ = json.Unmarshal([]byte(violations.String), &e.Violations)
		}
		if warnings.Valid && warnings.String != "" {
			_ = json.Unmarshal([]byte(warnings.String), &e.Warnings)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
