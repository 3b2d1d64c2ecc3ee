// Package sqlite is the single-file SQL correlation store built on the pure-Go
// modernc.org/sqlite driver. All access is serialized through one connection.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pauline2k/weave-bot-orb/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS parse_requests (
	id                 TEXT PRIMARY KEY,
	source_message_ref TEXT NOT NULL,
	status_message_ref TEXT NOT NULL DEFAULT '',
	agent_request_id   TEXT UNIQUE,
	state              TEXT NOT NULL DEFAULT 'pending',
	result_ref         TEXT,
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_parse_requests_active_source
	ON parse_requests (source_message_ref)
	WHERE state IN ('pending', 'dispatched');

CREATE INDEX IF NOT EXISTS idx_parse_requests_state_updated ON parse_requests (state, updated_at);
CREATE INDEX IF NOT EXISTS idx_parse_requests_created ON parse_requests (created_at);
`

// RequestStore implements store.RequestStore on a SQLite file.
type RequestStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the database at path and applies the schema.
func Open(ctx context.Context, path string, opts ...store.Option) (*RequestStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	o := store.ResolveOptions(opts...)
	return &RequestStore{db: db, now: o.Now}, nil
}

const selectCols = `id, source_message_ref, status_message_ref, agent_request_id, state, result_ref, created_at, updated_at`

func (s *RequestStore) Create(ctx context.Context, req *store.ParseRequest) (string, error) {
	if err := store.PrepareCreate(req, s.now()); err != nil {
		return "", err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO parse_requests (id, source_message_ref, status_message_ref, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		req.ID, req.SourceMessageRef.String(), req.StatusMessageRef.String(), string(req.State),
		req.CreatedAt.UnixNano(), req.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err, "parse_requests.source_message_ref") {
			return "", fmt.Errorf("%w: %s", store.ErrDuplicateActiveRequest, req.SourceMessageRef)
		}
		return "", fmt.Errorf("insert parse request: %w", err)
	}
	return req.ID, nil
}

func (s *RequestStore) Get(ctx context.Context, id string) (*store.ParseRequest, error) {
	return scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM parse_requests WHERE id = ?`, id))
}

func (s *RequestStore) GetByAgentRequestID(ctx context.Context, agentRequestID string) (*store.ParseRequest, error) {
	return scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM parse_requests WHERE agent_request_id = ?`, agentRequestID))
}

func (s *RequestStore) Transition(ctx context.Context, id string, expected, next store.RequestState, fields store.TransitionFields) (*store.ParseRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cur, err := scanRequest(tx.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM parse_requests WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := store.ValidateTransition(cur, expected, next, fields); err != nil {
		return nil, err
	}
	store.ApplyTransition(cur, next, fields, s.now())

	// The state guard keeps the update a compare-and-set even outside the
	// single-connection pool.
	res, err := tx.ExecContext(ctx,
		`UPDATE parse_requests
		 SET state = ?, agent_request_id = ?, result_ref = ?, status_message_ref = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		string(cur.State), nilStr(cur.AgentRequestID), nilStr(cur.ResultRef),
		cur.StatusMessageRef.String(), cur.UpdatedAt.UnixNano(), id, string(expected),
	)
	if err != nil {
		if isUniqueViolation(err, "parse_requests.agent_request_id") {
			return nil, fmt.Errorf("%w: %s", store.ErrDuplicateAgentRequest, fields.AgentRequestID)
		}
		return nil, fmt.Errorf("update parse request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: request %s", store.ErrStaleTransition, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cur, nil
}

func (s *RequestStore) SetStatusMessage(ctx context.Context, id string, ref store.MessageRef) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE parse_requests SET status_message_ref = ? WHERE id = ?`, ref.String(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *RequestStore) ListStale(ctx context.Context, olderThan time.Time, state store.RequestState) ([]store.ParseRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectCols+` FROM parse_requests
		 WHERE state = ? AND updated_at < ? ORDER BY updated_at, id`,
		string(state), olderThan.UnixNano())
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

func (s *RequestStore) List(ctx context.Context, opts store.ListOpts) ([]store.ParseRequest, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}

	q := `SELECT ` + selectCols + ` FROM parse_requests`
	var args []any
	if len(opts.States) > 0 {
		marks := make([]string, len(opts.States))
		for i, st := range opts.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		q += ` WHERE state IN (` + strings.Join(marks, ", ") + `)`
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

func (s *RequestStore) Close() error { return s.db.Close() }

func nilStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// isUniqueViolation matches SQLite's "UNIQUE constraint failed: table.column" text.
func isUniqueViolation(err error, column string) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, column)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*store.ParseRequest, error) {
	var (
		req                store.ParseRequest
		source, status     string
		agentID, resultRef sql.NullString
		state              string
		created, updated   int64
	)
	err := row.Scan(&req.ID, &source, &status, &agentID, &state, &resultRef, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if req.SourceMessageRef, err = store.ParseMessageRef(source); err != nil {
		return nil, err
	}
	if req.StatusMessageRef, err = store.ParseMessageRef(status); err != nil {
		return nil, err
	}
	req.AgentRequestID = agentID.String
	req.ResultRef = resultRef.String
	req.State = store.RequestState(state)
	req.CreatedAt = time.Unix(0, created).UTC()
	req.UpdatedAt = time.Unix(0, updated).UTC()
	return &req, nil
}

func scanRequests(rows *sql.Rows) ([]store.ParseRequest, error) {
	defer rows.Close()
	var out []store.ParseRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}
