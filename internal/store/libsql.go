package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/forkline/automation/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork). Rules,
// definitions, and executions are stored as JSON bodies with the columns the
// engines filter and order on lifted out.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path, applies pragmas
// and migrations, and returns the store. The path should be a file URI,
// e.g. "file:/var/lib/automation/automation.db".
func NewLibSQLStore(ctx context.Context, dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs; some return rows so QueryRow is used.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &LibSQLStore{db: db}, nil
}

func (s *LibSQLStore) Close() error { return s.db.Close() }

// --- Rules ---

func (s *LibSQLStore) CreateRule(ctx context.Context, rule *schema.Rule) error {
	body, err := json.Marshal(rule)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "marshal rule: %s", err.Error()).WithCause(err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rules (id, entity, priority, enabled, body, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Entity, rule.Priority, boolToInt(rule.Enabled), string(body), time.Now().UTC())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "insert rule %q: %s", rule.ID, err.Error()).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetRule(ctx context.Context, id string) (*schema.Rule, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM rules WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "rule %q not found", id)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get rule %q: %s", id, err.Error()).WithCause(err)
	}
	return unmarshalRule(body)
}

func (s *LibSQLStore) UpdateRule(ctx context.Context, rule *schema.Rule) error {
	body, err := json.Marshal(rule)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "marshal rule: %s", err.Error()).WithCause(err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET entity = ?, priority = ?, enabled = ?, body = ?, updated_at = ? WHERE id = ?`,
		rule.Entity, rule.Priority, boolToInt(rule.Enabled), string(body), time.Now().UTC(), rule.ID)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update rule %q: %s", rule.ID, err.Error()).WithCause(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "rule %q not found", rule.ID)
	}
	return nil
}

func (s *LibSQLStore) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "delete rule %q: %s", id, err.Error()).WithCause(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "rule %q not found", id)
	}
	return nil
}

func (s *LibSQLStore) ListRules(ctx context.Context) ([]*schema.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM rules ORDER BY seq ASC`)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list rules: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var out []*schema.Rule
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan rule: %s", err.Error()).WithCause(err)
		}
		rule, err := unmarshalRule(body)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// --- Workflow definitions ---

func (s *LibSQLStore) PutDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	body, err := json.Marshal(def)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "marshal definition: %s", err.Error()).WithCause(err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_definitions (id, name, enabled, body, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, enabled = excluded.enabled,
		 body = excluded.body, updated_at = excluded.updated_at`,
		def.ID, def.Name, boolToInt(def.Enabled), string(body), time.Now().UTC())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "put definition %q: %s", def.ID, err.Error()).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM workflow_definitions WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get definition %q: %s", id, err.Error()).WithCause(err)
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal([]byte(body), &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "unmarshal definition %q: %s", id, err.Error()).WithCause(err)
	}
	return &def, nil
}

func (s *LibSQLStore) DeleteDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_definitions WHERE id = ?`, id)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "delete definition %q: %s", id, err.Error()).WithCause(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM workflow_definitions ORDER BY seq ASC`)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list definitions: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var out []*schema.WorkflowDefinition
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan definition: %s", err.Error()).WithCause(err)
		}
		var def schema.WorkflowDefinition
		if err := json.Unmarshal([]byte(body), &def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "unmarshal definition: %s", err.Error()).WithCause(err)
		}
		out = append(out, &def)
	}
	return out, rows.Err()
}

// --- Executions ---

func (s *LibSQLStore) SaveExecution(ctx context.Context, exec *schema.WorkflowExecution) error {
	// The log lives in execution_log; strip it from the body.
	stripped := *exec
	stripped.Log = nil

	body, err := json.Marshal(&stripped)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "marshal execution: %s", err.Error()).WithCause(err)
	}

	var completedAt any
	if exec.CompletedAt != nil {
		completedAt = exec.CompletedAt.UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_executions (id, workflow_id, status, body, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, body = excluded.body,
		 completed_at = excluded.completed_at`,
		exec.ID, exec.WorkflowID, string(exec.Status), string(body), exec.StartedAt.UTC(), completedAt)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "save execution %q: %s", exec.ID, err.Error()).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM workflow_executions WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get execution %q: %s", id, err.Error()).WithCause(err)
	}

	var exec schema.WorkflowExecution
	if err := json.Unmarshal([]byte(body), &exec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "unmarshal execution %q: %s", id, err.Error()).WithCause(err)
	}

	log, err := s.listLogEntries(ctx, id)
	if err != nil {
		return nil, err
	}
	exec.Log = log
	return &exec, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error) {
	query := `SELECT id FROM workflow_executions`
	var args []any
	if filter.WorkflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	query += ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list executions: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan execution id: %s", err.Error()).WithCause(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*schema.WorkflowExecution, 0, len(ids))
	for _, id := range ids {
		exec, err := s.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

func (s *LibSQLStore) AppendLogEntry(ctx context.Context, executionID string, entry schema.LogEntry) error {
	var data any
	if entry.Data != nil {
		b, err := json.Marshal(entry.Data)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "marshal log data: %s", err.Error()).WithCause(err)
		}
		data = string(b)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_log (execution_id, step_id, step_name, action, message, data, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		executionID, entry.StepID, entry.StepName, string(entry.Action), entry.Message, data, entry.Timestamp.UTC())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append log entry: %s", err.Error()).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) listLogEntries(ctx context.Context, executionID string) ([]schema.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, step_name, action, message, data, timestamp FROM execution_log
		 WHERE execution_id = ? ORDER BY id ASC`, executionID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list log entries: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var out []schema.LogEntry
	for rows.Next() {
		var entry schema.LogEntry
		var action string
		var data sql.NullString
		if err := rows.Scan(&entry.StepID, &entry.StepName, &action, &entry.Message, &data, &entry.Timestamp); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan log entry: %s", err.Error()).WithCause(err)
		}
		entry.Action = schema.LogAction(action)
		if data.Valid && data.String != "" {
			_ = json.Unmarshal([]byte(data.String), &entry.Data)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func unmarshalRule(body string) (*schema.Rule, error) {
	var rule schema.Rule
	if err := json.Unmarshal([]byte(body), &rule); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "unmarshal rule: %s", err.Error()).WithCause(err)
	}
	return &rule, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
