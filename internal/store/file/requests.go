// Package file is the embedded single-file correlation store on bbolt.
// Each operation runs in one bbolt transaction, which serializes writers.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/pauline2k/weave-bot-orb/internal/store"
)

var (
	bucketRequests = []byte("requests")
	bucketAgentIdx = []byte("agent_index")
	bucketActive   = []byte("active_source")
)

// RequestStore implements store.RequestStore on a bbolt file.
type RequestStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open opens (or creates) the bbolt file at path and its buckets.
func Open(path string, opts ...store.Option) (*RequestStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRequests, bucketAgentIdx, bucketActive} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	o := store.ResolveOptions(opts...)
	return &RequestStore{db: db, now: o.Now}, nil
}

func getRequest(tx *bbolt.Tx, id string) (*store.ParseRequest, error) {
	data := tx.Bucket(bucketRequests).Get([]byte(id))
	if data == nil {
		return nil, store.ErrNotFound
	}
	var req store.ParseRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode request %s: %w", id, err)
	}
	return &req, nil
}

func putRequest(tx *bbolt.Tx, req *store.ParseRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request %s: %w", req.ID, err)
	}
	return tx.Bucket(bucketRequests).Put([]byte(req.ID), data)
}

func (s *RequestStore) Create(_ context.Context, req *store.ParseRequest) (string, error) {
	if err := store.PrepareCreate(req, s.now()); err != nil {
		return "", err
	}
	src := []byte(req.SourceMessageRef.String())
	err := s.db.Update(func(tx *bbolt.Tx) error {
		active := tx.Bucket(bucketActive)
		if active.Get(src) != nil {
			return fmt.Errorf("%w: %s", store.ErrDuplicateActiveRequest, src)
		}
		if tx.Bucket(bucketRequests).Get([]byte(req.ID)) != nil {
			return fmt.Errorf("request id %s already exists", req.ID)
		}
		if err := putRequest(tx, req); err != nil {
			return err
		}
		return active.Put(src, []byte(req.ID))
	})
	if err != nil {
		return "", err
	}
	return req.ID, nil
}

func (s *RequestStore) Get(_ context.Context, id string) (*store.ParseRequest, error) {
	var out *store.ParseRequest
	err := s.db.View(func(tx *bbolt.Tx) error {
		req, err := getRequest(tx, id)
		out = req
		return err
	})
	return out, err
}

func (s *RequestStore) GetByAgentRequestID(_ context.Context, agentRequestID string) (*store.ParseRequest, error) {
	var out *store.ParseRequest
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketAgentIdx).Get([]byte(agentRequestID))
		if id == nil {
			return store.ErrNotFound
		}
		req, err := getRequest(tx, string(id))
		out = req
		return err
	})
	return out, err
}

func (s *RequestStore) Transition(_ context.Context, id string, expected, next store.RequestState, fields store.TransitionFields) (*store.ParseRequest, error) {
	var out *store.ParseRequest
	err := s.db.Update(func(tx *bbolt.Tx) error {
		cur, err := getRequest(tx, id)
		if err != nil {
			return err
		}
		if err := store.ValidateTransition(cur, expected, next, fields); err != nil {
			return err
		}
		agents := tx.Bucket(bucketAgentIdx)
		if fields.AgentRequestID != "" {
			if owner := agents.Get([]byte(fields.AgentRequestID)); owner != nil && string(owner) != id {
				return fmt.Errorf("%w: %s", store.ErrDuplicateAgentRequest, fields.AgentRequestID)
			}
		}

		store.ApplyTransition(cur, next, fields, s.now())
		if err := putRequest(tx, cur); err != nil {
			return err
		}
		if cur.AgentRequestID != "" {
			if err := agents.Put([]byte(cur.AgentRequestID), []byte(id)); err != nil {
				return err
			}
		}
		if !next.IsActive() {
			if err := tx.Bucket(bucketActive).Delete([]byte(cur.SourceMessageRef.String())); err != nil {
				return err
			}
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RequestStore) SetStatusMessage(_ context.Context, id string, ref store.MessageRef) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		cur, err := getRequest(tx, id)
		if err != nil {
			return err
		}
		cur.StatusMessageRef = ref
		return putRequest(tx, cur)
	})
}

// scan decodes every request that keep accepts.
func (s *RequestStore) scan(keep func(*store.ParseRequest) bool) ([]store.ParseRequest, error) {
	var out []store.ParseRequest
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRequests).ForEach(func(k, v []byte) error {
			var req store.ParseRequest
			if err := json.Unmarshal(v, &req); err != nil {
				return fmt.Errorf("decode request %s: %w", k, err)
			}
			if keep(&req) {
				out = append(out, req)
			}
			return nil
		})
	})
	return out, err
}

func (s *RequestStore) ListStale(_ context.Context, olderThan time.Time, state store.RequestState) ([]store.ParseRequest, error) {
	out, err := s.scan(func(r *store.ParseRequest) bool {
		return r.State == state && r.UpdatedAt.Before(olderThan)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *RequestStore) List(_ context.Context, opts store.ListOpts) ([]store.ParseRequest, error) {
	want := make(map[store.RequestState]bool, len(opts.States))
	for _, st := range opts.States {
		want[st] = true
	}
	out, err := s.scan(func(r *store.ParseRequest) bool {
		return len(want) == 0 || want[r.State]
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	limit := opts.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *RequestStore) Close() error { return s.db.Close() }
