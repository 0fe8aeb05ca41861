// Package pgstore provides a PostgreSQL implementation of engine.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sift/internal/engine"
	"github.com/linnemanlabs/sift/internal/item"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sift/internal/engine/pgstore")

//go:embed schema.sql
var schema string

// Store persists engine state in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on the given pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func spanErr(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// GetConfig returns the singleton run configuration.
func (s *Store) GetConfig(ctx context.Context) (*engine.RunConfig, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetConfig", "SELECT")
	defer span.End()

	var (
		cfg          engine.RunConfig
		lastRunAt    *time.Time
		settingsJSON []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT enabled, schedule_cron, last_run_at, last_run_items, total_items_processed, settings
		 FROM run_config WHERE id = 1`,
	).Scan(&cfg.Enabled, &cfg.ScheduleCron, &lastRunAt, &cfg.LastRunItems, &cfg.TotalItemsProcessed, &settingsJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, spanErr(span, fmt.Errorf("scan config: %w", err))
	}

	cfg.LastRunAt = lastRunAt
	if err := json.Unmarshal(settingsJSON, &cfg.Settings); err != nil {
		return nil, false, spanErr(span, fmt.Errorf("unmarshal settings: %w", err))
	}
	return &cfg, true, nil
}

// PutConfig upserts the singleton run configuration.
func (s *Store) PutConfig(ctx context.Context, cfg *engine.RunConfig) error {
	ctx, span := startSpan(ctx, "pgstore.PutConfig", "UPSERT")
	defer span.End()

	settingsJSON, err := json.Marshal(cfg.Settings)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal settings: %w", err))
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO run_config (id, enabled, schedule_cron, last_run_at, last_run_items, total_items_processed, settings)
		 VALUES (1, $1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
			enabled               = EXCLUDED.enabled,
			schedule_cron         = EXCLUDED.schedule_cron,
			last_run_at           = EXCLUDED.last_run_at,
			last_run_items        = EXCLUDED.last_run_items,
			total_items_processed = EXCLUDED.total_items_processed,
			settings              = EXCLUDED.settings`,
		cfg.Enabled, cfg.ScheduleCron, cfg.LastRunAt, cfg.LastRunItems, cfg.TotalItemsProcessed, settingsJSON,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("upsert config: %w", err))
	}
	return nil
}

const runColumns = `id, started_at, completed_at, items_processed, items_routed, items_flagged, success, error, summary`

// InProgressRun returns the open run log, if any.
func (s *Store) InProgressRun(ctx context.Context) (*engine.RunLog, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.InProgressRun", "SELECT")
	defer span.End()

	query := `SELECT ` + runColumns + ` FROM run_logs WHERE completed_at IS NULL ORDER BY started_at DESC LIMIT 1`
	r, err := scanRunRow(s.pool.QueryRow(ctx, query))
	if err != nil {
		return nil, false, spanErr(span, err)
	}
	if r == nil {
		return nil, false, nil
	}
	return r, true, nil
}

// beginRunLockID keys the advisory lock serializing run claims. Under read
// committed a plain INSERT ... WHERE NOT EXISTS is not enough: two
// concurrent statements can each snapshot before the other commits and
// neither sees the other's open row.
const beginRunLockID = 0x73696674 // "sift"

// BeginRun inserts the run log iff no run is currently open. Competing
// triggers are serialized on a transaction-scoped advisory lock so exactly
// one of them claims the slot.
func (s *Store) BeginRun(ctx context.Context, run *engine.RunLog, force bool) error {
	ctx, span := startSpan(ctx, "pgstore.BeginRun", "INSERT")
	defer span.End()

	summaryJSON, err := json.Marshal(run.Summary)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal summary: %w", err))
	}

	if force {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO run_logs (id, started_at, completed_at, items_processed, items_routed, items_flagged, success, error, summary)
			 VALUES ($1, $2, NULL, 0, 0, 0, $3, '', $4)`,
			run.ID, run.StartedAt, run.Success, summaryJSON,
		)
		if err != nil {
			return spanErr(span, fmt.Errorf("insert run: %w", err))
		}
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return spanErr(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, beginRunLockID); err != nil {
		return spanErr(span, fmt.Errorf("acquire run lock: %w", err))
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO run_logs (id, started_at, completed_at, items_processed, items_routed, items_flagged, success, error, summary)
		 SELECT $1, $2, NULL, 0, 0, 0, $3, '', $4
		 WHERE NOT EXISTS (SELECT 1 FROM run_logs WHERE completed_at IS NULL)`,
		run.ID, run.StartedAt, run.Success, summaryJSON,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("insert run: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrRunInProgress
	}
	if err := tx.Commit(ctx); err != nil {
		return spanErr(span, fmt.Errorf("commit run claim: %w", err))
	}
	return nil
}

// FinishRun persists the run's terminal state.
func (s *Store) FinishRun(ctx context.Context, run *engine.RunLog) error {
	ctx, span := startSpan(ctx, "pgstore.FinishRun", "UPDATE")
	defer span.End()

	summaryJSON, err := json.Marshal(run.Summary)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal summary: %w", err))
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE run_logs SET
			completed_at    = $2,
			items_processed = $3,
			items_routed    = $4,
			items_flagged   = $5,
			success         = $6,
			error           = $7,
			summary         = $8
		 WHERE id = $1`,
		run.ID, run.CompletedAt, run.ItemsProcessed, run.ItemsRouted, run.ItemsFlagged,
		run.Success, run.Error, summaryJSON,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("update run: %w", err))
	}
	return nil
}

// GetRun retrieves a run log by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*engine.RunLog, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetRun", "SELECT")
	defer span.End()

	query := `SELECT ` + runColumns + ` FROM run_logs WHERE id = $1`
	r, err := scanRunRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, false, spanErr(span, err)
	}
	if r == nil {
		return nil, false, nil
	}
	return r, true, nil
}

// LatestRun returns the most recently started run log.
func (s *Store) LatestRun(ctx context.Context) (*engine.RunLog, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.LatestRun", "SELECT")
	defer span.End()

	query := `SELECT ` + runColumns + ` FROM run_logs ORDER BY started_at DESC LIMIT 1`
	r, err := scanRunRow(s.pool.QueryRow(ctx, query))
	if err != nil {
		return nil, false, spanErr(span, err)
	}
	if r == nil {
		return nil, false, nil
	}
	return r, true, nil
}

// ListRuns returns up to limit run logs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]engine.RunLog, error) {
	ctx, span := startSpan(ctx, "pgstore.ListRuns", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM run_logs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query runs: %w", err))
	}
	defer rows.Close()

	var out []engine.RunLog
	for rows.Next() {
		r, err := scanRunRow(rows)
		if err != nil {
			return nil, spanErr(span, err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate runs: %w", err))
	}
	return out, nil
}

// ListActiveClassificationRules returns active rules ordered by ID.
func (s *Store) ListActiveClassificationRules(ctx context.Context) ([]engine.ClassificationRule, error) {
	ctx, span := startSpan(ctx, "pgstore.ListActiveClassificationRules", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, trigger_kind, trigger_spec, action, target, priority, active, last_triggered_at, trigger_count
		 FROM classification_rules WHERE active ORDER BY id`)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query classification rules: %w", err))
	}
	defer rows.Close()

	var out []engine.ClassificationRule
	for rows.Next() {
		var (
			r      engine.ClassificationRule
			lastAt *time.Time
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Trigger.Kind, &r.Trigger.Spec, &r.Action,
			&r.Target, &r.Priority, &r.Active, &lastAt, &r.TriggerCount); err != nil {
			return nil, spanErr(span, fmt.Errorf("scan classification rule: %w", err))
		}
		if lastAt != nil {
			r.LastTriggeredAt = *lastAt
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate classification rules: %w", err))
	}
	return out, nil
}

// ListActiveRoutingRules returns active rules ordered by ID.
func (s *Store) ListActiveRoutingRules(ctx context.Context) ([]engine.RoutingRule, error) {
	ctx, span := startSpan(ctx, "pgstore.ListActiveRoutingRules", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, category, department, stakeholders, priority, auto_route, active
		 FROM routing_rules WHERE active ORDER BY id`)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query routing rules: %w", err))
	}
	defer rows.Close()

	var out []engine.RoutingRule
	for rows.Next() {
		var (
			r                engine.RoutingRule
			stakeholdersJSON []byte
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Category, &r.Department,
			&stakeholdersJSON, &r.Priority, &r.AutoRoute, &r.Active); err != nil {
			return nil, spanErr(span, fmt.Errorf("scan routing rule: %w", err))
		}
		if err := json.Unmarshal(stakeholdersJSON, &r.Stakeholders); err != nil {
			return nil, spanErr(span, fmt.Errorf("unmarshal stakeholders: %w", err))
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate routing rules: %w", err))
	}
	return out, nil
}

// BumpRuleTrigger increments the rule's trigger bookkeeping.
func (s *Store) BumpRuleTrigger(ctx context.Context, ruleID string, at time.Time) error {
	ctx, span := startSpan(ctx, "pgstore.BumpRuleTrigger", "UPDATE")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`UPDATE classification_rules SET trigger_count = trigger_count + 1, last_triggered_at = $2 WHERE id = $1`,
		ruleID, at)
	if err != nil {
		return spanErr(span, fmt.Errorf("bump trigger: %w", err))
	}
	return nil
}

// PutItem upserts an item.
func (s *Store) PutItem(ctx context.Context, it *item.Item) error {
	ctx, span := startSpan(ctx, "pgstore.PutItem", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO items (id, title, description, category, department, submitter, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (id) DO UPDATE SET
			title       = EXCLUDED.title,
			description = EXCLUDED.description,
			category    = EXCLUDED.category,
			department  = EXCLUDED.department,
			submitter   = EXCLUDED.submitter,
			status      = EXCLUDED.status`,
		it.ID, it.Title, it.Description, it.Category, it.Department, it.Submitter, it.Status, it.CreatedAt,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("upsert item: %w", err))
	}
	return nil
}

// SelectPending returns up to limit items created after since that have no
// action log rows, oldest first.
func (s *Store) SelectPending(ctx context.Context, since time.Time, limit int) ([]item.Item, error) {
	ctx, span := startSpan(ctx, "pgstore.SelectPending", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, title, description, category, department, submitter, status, created_at
		 FROM items i
		 WHERE i.created_at > $1
		   AND NOT EXISTS (SELECT 1 FROM action_logs a WHERE a.item_id = i.id)
		 ORDER BY i.created_at ASC, i.id ASC
		 LIMIT $2`,
		since, limit)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query pending items: %w", err))
	}
	defer rows.Close()

	var out []item.Item
	for rows.Next() {
		var it item.Item
		if err := rows.Scan(&it.ID, &it.Title, &it.Description, &it.Category,
			&it.Department, &it.Submitter, &it.Status, &it.CreatedAt); err != nil {
			return nil, spanErr(span, fmt.Errorf("scan item: %w", err))
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate items: %w", err))
	}
	return out, nil
}

// CountPending counts items eligible for selection after since.
func (s *Store) CountPending(ctx context.Context, since time.Time) (int, error) {
	ctx, span := startSpan(ctx, "pgstore.CountPending", "SELECT")
	defer span.End()

	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM items i
		 WHERE i.created_at > $1
		   AND NOT EXISTS (SELECT 1 FROM action_logs a WHERE a.item_id = i.id)`,
		since).Scan(&n)
	if err != nil {
		return 0, spanErr(span, fmt.Errorf("count pending: %w", err))
	}
	return n, nil
}

// UpdateItemStatus advances an item's status.
func (s *Store) UpdateItemStatus(ctx context.Context, itemID string, status item.Status) error {
	ctx, span := startSpan(ctx, "pgstore.UpdateItemStatus", "UPDATE")
	defer span.End()

	_, err := s.pool.Exec(ctx, `UPDATE items SET status = $2 WHERE id = $1`, itemID, status)
	if err != nil {
		return spanErr(span, fmt.Errorf("update item status: %w", err))
	}
	return nil
}

// AppendActionLog inserts the audit row for a dispatch.
func (s *Store) AppendActionLog(ctx context.Context, al *engine.ActionLog) error {
	ctx, span := startSpan(ctx, "pgstore.AppendActionLog", "INSERT")
	defer span.End()

	stakeholdersJSON, err := json.Marshal(al.Stakeholders)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal stakeholders: %w", err))
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO action_logs (run_id, rule_id, item_id, action, stakeholders, priority, success, error, seconds, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 RETURNING id`,
		al.RunID, al.RuleID, al.ItemID, al.Action, stakeholdersJSON, al.Priority,
		al.Success, al.Error, al.Seconds, al.CreatedAt,
	).Scan(&al.ID)
	if err != nil {
		return spanErr(span, fmt.Errorf("insert action log: %w", err))
	}
	return nil
}

// ListActionLogs returns the audit rows for an item, oldest first.
func (s *Store) ListActionLogs(ctx context.Context, itemID string) ([]engine.ActionLog, error) {
	ctx, span := startSpan(ctx, "pgstore.ListActionLogs", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, rule_id, item_id, action, stakeholders, priority, success, error, seconds, created_at
		 FROM action_logs WHERE item_id = $1 ORDER BY id`,
		itemID)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query action logs: %w", err))
	}
	defer rows.Close()

	var out []engine.ActionLog
	for rows.Next() {
		var (
			al               engine.ActionLog
			stakeholdersJSON []byte
		)
		if err := rows.Scan(&al.ID, &al.RunID, &al.RuleID, &al.ItemID, &al.Action,
			&stakeholdersJSON, &al.Priority, &al.Success, &al.Error, &al.Seconds, &al.CreatedAt); err != nil {
			return nil, spanErr(span, fmt.Errorf("scan action log: %w", err))
		}
		if err := json.Unmarshal(stakeholdersJSON, &al.Stakeholders); err != nil {
			return nil, spanErr(span, fmt.Errorf("unmarshal stakeholders: %w", err))
		}
		out = append(out, al)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate action logs: %w", err))
	}
	return out, nil
}

// AddTag associates a tag with an item. Re-adding is a no-op.
func (s *Store) AddTag(ctx context.Context, itemID, tag string) error {
	ctx, span := startSpan(ctx, "pgstore.AddTag", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO item_tags (item_id, tag) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		itemID, tag)
	if err != nil {
		return spanErr(span, fmt.Errorf("add tag: %w", err))
	}
	return nil
}

// scanRunRow scans a single row into a RunLog. Returns (nil, nil) when no
// row is found.
func scanRunRow(row pgx.Row) (*engine.RunLog, error) {
	var (
		r           engine.RunLog
		completedAt *time.Time
		summaryJSON []byte
	)
	err := row.Scan(&r.ID, &r.StartedAt, &completedAt, &r.ItemsProcessed, &r.ItemsRouted,
		&r.ItemsFlagged, &r.Success, &r.Error, &summaryJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.CompletedAt = completedAt
	if err := json.Unmarshal(summaryJSON, &r.Summary); err != nil {
		return nil, fmt.Errorf("unmarshal summary: %w", err)
	}
	return &r, nil
}
