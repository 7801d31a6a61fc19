package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
)

const schema = `
CREATE TABLE IF NOT EXISTS privacy_requests (
	id TEXT PRIMARY KEY,
	policy_key TEXT NOT NULL,
	status TEXT NOT NULL,
	current_step TEXT NOT NULL DEFAULT '',
	data TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS request_tasks (
	id TEXT NOT NULL,
	privacy_request_id TEXT NOT NULL,
	action_type TEXT NOT NULL,
	collection_address TEXT NOT NULL,
	status TEXT NOT NULL,
	upstream_tasks TEXT NOT NULL DEFAULT '[]',
	downstream_tasks TEXT NOT NULL DEFAULT '[]',
	all_descendant_tasks TEXT NOT NULL DEFAULT '[]',
	access_data TEXT,
	data_for_erasures TEXT,
	rows_masked INTEGER NOT NULL DEFAULT 0,
	consent_sent INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	seq INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (privacy_request_id, action_type, collection_address)
);

CREATE INDEX IF NOT EXISTS idx_request_tasks_status
ON request_tasks(privacy_request_id, status);

CREATE TABLE IF NOT EXISTS execution_logs (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL,
	privacy_request_id TEXT NOT NULL,
	action_type TEXT NOT NULL,
	collection_address TEXT NOT NULL,
	connection_key TEXT NOT NULL,
	status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	fields TEXT NOT NULL DEFAULT '[]',
	data_categories TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_execution_logs_request
ON execution_logs(privacy_request_id);
`

// SQLiteStore persists requests, tasks and logs to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens or creates a store at path.
// The path should be a file path (e.g., "./dsr.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func now() string {
	return formatTime(time.Now())
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// SaveRequest implements Store.
func (s *SQLiteStore) SaveRequest(ctx context.Context, req *PrivacyRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO privacy_requests (id, policy_key, status, current_step, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			policy_key = excluded.policy_key,
			status = excluded.status,
			current_step = excluded.current_step,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, req.ID, req.PolicyKey, string(req.Status), string(req.CurrentStep), string(data),
		formatTime(req.CreatedAt), now())
	if err != nil {
		return fmt.Errorf("save request: %w", err)
	}
	return nil
}

// GetRequest implements Store.
func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*PrivacyRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	var data, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT data, updated_at FROM privacy_requests WHERE id = ?
	`, id).Scan(&data, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load request: %w", err)
	}
	return decodeRequest(data, updated)
}

func decodeRequest(data, updated string) (*PrivacyRequest, error) {
	var req PrivacyRequest
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	req.UpdatedAt = parseTime(updated)
	return &req, nil
}

// ListRequests implements Store.
func (s *SQLiteStore) ListRequests(ctx context.Context) ([]*PrivacyRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT data, updated_at FROM privacy_requests ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []*PrivacyRequest
	for rows.Next() {
		var data, updated string
		if err := rows.Scan(&data, &updated); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		req, err := decodeRequest(data, updated)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return out, nil
}

// DeleteRequest implements Store.
func (s *SQLiteStore) DeleteRequest(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range []string{
		`DELETE FROM execution_logs WHERE privacy_request_id = ?`,
		`DELETE FROM request_tasks WHERE privacy_request_id = ?`,
		`DELETE FROM privacy_requests WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("delete request: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// SaveTask implements Store.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *RequestTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	prev, err := s.getTask(ctx, task.PrivacyRequestID, task.ActionType, task.CollectionAddress)
	switch {
	case err == nil:
		if err := checkSave(prev, task); err != nil {
			return err
		}
	case !errors.Is(err, ErrNotFound):
		return err
	}

	cols, err := encodeTaskColumns(task)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO request_tasks (
			id, privacy_request_id, action_type, collection_address, status,
			upstream_tasks, downstream_tasks, all_descendant_tasks,
			access_data, data_for_erasures, rows_masked, consent_sent, attempts,
			seq, created_at, updated_at
		)
		VALUES (
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			COALESCE((SELECT MAX(seq) FROM request_tasks), 0) + 1,
			?, ?
		)
		ON CONFLICT(privacy_request_id, action_type, collection_address) DO UPDATE SET
			status = excluded.status,
			upstream_tasks = excluded.upstream_tasks,
			downstream_tasks = excluded.downstream_tasks,
			all_descendant_tasks = excluded.all_descendant_tasks,
			access_data = excluded.access_data,
			data_for_erasures = excluded.data_for_erasures,
			rows_masked = excluded.rows_masked,
			consent_sent = excluded.consent_sent,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at
	`, task.ID, task.PrivacyRequestID, string(task.ActionType), task.CollectionAddress, string(task.Status),
		cols.upstream, cols.downstream, cols.descendants, cols.accessData, cols.erasureData,
		task.RowsMasked, task.ConsentSent, task.Attempts,
		formatTime(task.CreatedAt), now())
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

type taskColumns struct {
	upstream, downstream, descendants string
	accessData, erasureData           sql.NullString
}

func encodeTaskColumns(task *RequestTask) (taskColumns, error) {
	var cols taskColumns
	for _, c := range []struct {
		dst *string
		src []string
	}{
		{&cols.upstream, task.UpstreamTasks},
		{&cols.downstream, task.DownstreamTasks},
		{&cols.descendants, task.AllDescendantTasks},
	} {
		src := c.src
		if src == nil {
			src = []string{}
		}
		b, err := json.Marshal(src)
		if err != nil {
			return cols, fmt.Errorf("encode task: %w", err)
		}
		*c.dst = string(b)
	}
	if task.AccessData != nil {
		b, err := json.Marshal(task.AccessData)
		if err != nil {
			return cols, fmt.Errorf("encode access data: %w", err)
		}
		cols.accessData = sql.NullString{String: string(b), Valid: true}
	}
	if task.DataForErasures != nil {
		b, err := json.Marshal(task.DataForErasures)
		if err != nil {
			return cols, fmt.Errorf("encode erasure data: %w", err)
		}
		cols.erasureData = sql.NullString{String: string(b), Valid: true}
	}
	return cols, nil
}

const taskColumnsSQL = `
	id, privacy_request_id, action_type, collection_address, status,
	upstream_tasks, downstream_tasks, all_descendant_tasks,
	access_data, data_for_erasures, rows_masked, consent_sent, attempts,
	created_at, updated_at
`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*RequestTask, error) {
	var (
		t                                 RequestTask
		action, status                    string
		upstream, downstream, descendants string
		accessData, erasureData           sql.NullString
		created, updated                  string
	)
	if err := row.Scan(&t.ID, &t.PrivacyRequestID, &action, &t.CollectionAddress, &status,
		&upstream, &downstream, &descendants, &accessData, &erasureData,
		&t.RowsMasked, &t.ConsentSent, &t.Attempts, &created, &updated); err != nil {
		return nil, err
	}
	t.ActionType = policy.ActionType(action)
	t.Status = TaskStatus(status)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)

	for _, c := range []struct {
		src string
		dst *[]string
	}{
		{upstream, &t.UpstreamTasks},
		{downstream, &t.DownstreamTasks},
		{descendants, &t.AllDescendantTasks},
	} {
		if err := json.Unmarshal([]byte(c.src), c.dst); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
	}
	if accessData.Valid {
		if err := json.Unmarshal([]byte(accessData.String), &t.AccessData); err != nil {
			return nil, fmt.Errorf("decode access data: %w", err)
		}
	}
	if erasureData.Valid {
		if err := json.Unmarshal([]byte(erasureData.String), &t.DataForErasures); err != nil {
			return nil, fmt.Errorf("decode erasure data: %w", err)
		}
	}
	return &t, nil
}

// GetTask implements Store.
func (s *SQLiteStore) GetTask(ctx context.Context, requestID string, action policy.ActionType, address string) (*RequestTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.getTask(ctx, requestID, action, address)
}

func (s *SQLiteStore) getTask(ctx context.Context, requestID string, action policy.ActionType, address string) (*RequestTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumnsSQL+` FROM request_tasks
		WHERE privacy_request_id = ? AND action_type = ? AND collection_address = ?`,
		requestID, string(action), address)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	return task, nil
}

// ListTasks implements Store.
func (s *SQLiteStore) ListTasks(ctx context.Context, requestID string, action policy.ActionType) ([]*RequestTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumnsSQL+` FROM request_tasks
		WHERE privacy_request_id = ? AND action_type = ?
		ORDER BY seq`, requestID, string(action))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*RequestTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// ClaimTask implements Store.
func (s *SQLiteStore) ClaimTask(ctx context.Context, requestID string, action policy.ActionType, address string) (*RequestTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE request_tasks SET status = ?, updated_at = ?
		WHERE privacy_request_id = ? AND action_type = ? AND collection_address = ? AND status = ?
	`, string(StatusInProcessing), now(), requestID, string(action), address, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}

	task, err := s.getTask(ctx, requestID, action, address)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, claimError(task)
	}
	return task, nil
}

// RequeueTask implements Store.
func (s *SQLiteStore) RequeueTask(ctx context.Context, requestID string, action policy.ActionType, address string) (*RequestTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	task, err := s.getTask(ctx, requestID, action, address)
	if err != nil {
		return nil, err
	}
	if err := checkRequeue(task); err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE request_tasks SET status = ?, updated_at = ?
		WHERE privacy_request_id = ? AND action_type = ? AND collection_address = ?
	`, string(StatusPending), now(), requestID, string(action), address)
	if err != nil {
		return nil, fmt.Errorf("requeue task: %w", err)
	}
	return s.getTask(ctx, requestID, action, address)
}

// AppendLog implements Store.
func (s *SQLiteStore) AppendLog(ctx context.Context, entry *ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	id := entry.ID
	if id == "" {
		id = "log-" + uuid.NewString()
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	fields, err := json.Marshal(nonNil(entry.Fields))
	if err != nil {
		return fmt.Errorf("encode log fields: %w", err)
	}
	cats, err := json.Marshal(nonNil(entry.DataCategories))
	if err != nil {
		return fmt.Errorf("encode log categories: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_logs (
			id, privacy_request_id, action_type, collection_address, connection_key,
			status, message, fields, data_categories, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, entry.PrivacyRequestID, string(entry.ActionType), entry.CollectionAddress, entry.ConnectionKey,
		string(entry.Status), entry.Message, string(fields), string(cats), formatTime(created))
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ListLogs implements Store.
func (s *SQLiteStore) ListLogs(ctx context.Context, requestID string) ([]*ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, privacy_request_id, action_type, collection_address, connection_key,
			status, message, fields, data_categories, created_at
		FROM execution_logs
		WHERE privacy_request_id = ?
		ORDER BY seq
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	out := []*ExecutionLog{}
	for rows.Next() {
		var (
			l                      ExecutionLog
			action, status         string
			fields, cats, creation string
		)
		if err := rows.Scan(&l.ID, &l.PrivacyRequestID, &action, &l.CollectionAddress, &l.ConnectionKey,
			&status, &l.Message, &fields, &cats, &creation); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		l.ActionType = policy.ActionType(action)
		l.Status = TaskStatus(status)
		l.CreatedAt = parseTime(creation)
		if err := json.Unmarshal([]byte(fields), &l.Fields); err != nil {
			return nil, fmt.Errorf("decode log fields: %w", err)
		}
		if err := json.Unmarshal([]byte(cats), &l.DataCategories); err != nil {
			return nil, fmt.Errorf("decode log categories: %w", err)
		}
		if len(l.Fields) == 0 {
			l.Fields = nil
		}
		if len(l.DataCategories) == 0 {
			l.DataCategories = nil
		}
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return out, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
