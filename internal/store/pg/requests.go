package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/pauline2k/weave-bot-orb/internal/store"
)

const (
	constraintActiveSource = "idx_parse_requests_active_source"
	constraintAgentID      = "parse_requests_agent_request_id_key"
)

// PGRequestStore implements store.RequestStore backed by Postgres.
// Transition locks the row with SELECT ... FOR UPDATE; the partial unique
// index on source_message_ref enforces one active request per source message.
type PGRequestStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPGRequestStore(db *sql.DB, opts ...store.Option) *PGRequestStore {
	o := store.ResolveOptions(opts...)
	return &PGRequestStore{db: db, now: o.Now}
}

const requestSelectCols = `id, source_message_ref, status_message_ref, agent_request_id, state, result_ref, created_at, updated_at`

func (s *PGRequestStore) Create(ctx context.Context, req *store.ParseRequest) (string, error) {
	if err := store.PrepareCreate(req, s.now().UTC()); err != nil {
		return "", err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO parse_requests (id, source_message_ref, status_message_ref, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		req.ID, req.SourceMessageRef.String(), req.StatusMessageRef.String(), string(req.State), req.CreatedAt,
	)
	if err != nil {
		if name, ok := uniqueViolation(err); ok && name == constraintActiveSource {
			return "", fmt.Errorf("%w: %s", store.ErrDuplicateActiveRequest, req.SourceMessageRef)
		}
		return "", fmt.Errorf("insert parse request: %w", err)
	}
	return req.ID, nil
}

func (s *PGRequestStore) Get(ctx context.Context, id string) (*store.ParseRequest, error) {
	return scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+requestSelectCols+` FROM parse_requests WHERE id = $1`, id))
}

func (s *PGRequestStore) GetByAgentRequestID(ctx context.Context, agentRequestID string) (*store.ParseRequest, error) {
	return scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+requestSelectCols+` FROM parse_requests WHERE agent_request_id = $1`, agentRequestID))
}

func (s *PGRequestStore) Transition(ctx context.Context, id string, expected, next store.RequestState, fields store.TransitionFields) (*store.ParseRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cur, err := scanRequest(tx.QueryRowContext(ctx,
		`SELECT `+requestSelectCols+` FROM parse_requests WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if err := store.ValidateTransition(cur, expected, next, fields); err != nil {
		return nil, err
	}
	store.ApplyTransition(cur, next, fields, s.now().UTC())

	_, err = tx.ExecContext(ctx,
		`UPDATE parse_requests
		 SET state = $2, agent_request_id = $3, result_ref = $4, status_message_ref = $5, updated_at = $6
		 WHERE id = $1`,
		id, string(cur.State), nilStr(cur.AgentRequestID), nilStr(cur.ResultRef),
		cur.StatusMessageRef.String(), cur.UpdatedAt,
	)
	if err != nil {
		if name, ok := uniqueViolation(err); ok && name == constraintAgentID {
			return nil, fmt.Errorf("%w: %s", store.ErrDuplicateAgentRequest, fields.AgentRequestID)
		}
		return nil, fmt.Errorf("update parse request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cur, nil
}

func (s *PGRequestStore) SetStatusMessage(ctx context.Context, id string, ref store.MessageRef) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE parse_requests SET status_message_ref = $2 WHERE id = $1`, id, ref.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PGRequestStore) ListStale(ctx context.Context, olderThan time.Time, state store.RequestState) ([]store.ParseRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestSelectCols+` FROM parse_requests
		 WHERE state = $1 AND updated_at < $2 ORDER BY updated_at, id`,
		string(state), olderThan.UTC())
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

func (s *PGRequestStore) List(ctx context.Context, opts store.ListOpts) ([]store.ParseRequest, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}

	var rows *sql.Rows
	var err error
	if len(opts.States) > 0 {
		states := make([]string, len(opts.States))
		for i, st := range opts.States {
			states[i] = string(st)
		}
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+requestSelectCols+` FROM parse_requests
			 WHERE state = ANY($1) ORDER BY created_at DESC, id DESC LIMIT $2`,
			pq.Array(states), limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+requestSelectCols+` FROM parse_requests ORDER BY created_at DESC, id DESC LIMIT $1`,
			limit)
	}
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

func (s *PGRequestStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*store.ParseRequest, error) {
	var (
		req                store.ParseRequest
		source, status     string
		agentID, resultRef sql.NullString
		state              string
	)
	err := row.Scan(&req.ID, &source, &status, &agentID, &state, &resultRef, &req.CreatedAt, &req.UpdatedAt)
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
