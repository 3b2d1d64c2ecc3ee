// Package redis is the networked correlation store on Redis. Compare-and-set
// runs as WATCH/MULTI/EXEC over the request key.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pauline2k/weave-bot-orb/internal/store"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "weavebot:"

// maxTxRetries bounds optimistic-lock retries when a watched key changes.
const maxTxRetries = 8

// RequestStore implements store.RequestStore on Redis.
type RequestStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// Open connects to addr (host:port or a redis:// URL) and pings it.
func Open(ctx context.Context, addr string, opts ...store.Option) (*RequestStore, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address is empty")
	}
	var ropts *redis.Options
	if u, err := redis.ParseURL(addr); err == nil {
		ropts = u
	} else {
		ropts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRequestStore(client, DefaultPrefix, opts...), nil
}

// NewRequestStore wraps an existing client. The store owns client from here on.
func NewRequestStore(client *redis.Client, prefix string, opts ...store.Option) *RequestStore {
	o := store.ResolveOptions(opts...)
	return &RequestStore{client: client, prefix: prefix, now: o.Now}
}

func (s *RequestStore) reqKey(id string) string { return s.prefix + "req:" + id }
func (s *RequestStore) agentKey(aid string) string { return s.prefix + "agent:" + aid }
func (s *RequestStore) activeKey(src string) string { return s.prefix + "active:" + src }
func (s *RequestStore) stateKey(st store.RequestState) string { return s.prefix + "state:" + string(st) }
func (s *RequestStore) createdKey() string { return s.prefix + "created" }

func score(t time.Time) float64 { return float64(t.UnixMicro()) }

// withRetry re-runs an optimistic transaction while watched keys keep changing.
func (s *RequestStore) withRetry(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis transaction contention on %v", keys)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RequestStore) load(ctx context.Context, c getter, id string) (*store.ParseRequest, error) {
	data, err := c.Get(ctx, s.reqKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var req store.ParseRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode request %s: %w", id, err)
	}
	return &req, nil
}

func (s *RequestStore) Create(ctx context.Context, req *store.ParseRequest) (string, error) {
	if err := store.PrepareCreate(req, s.now()); err != nil {
		return "", err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	src := req.SourceMessageRef.String()
	activeKey := s.activeKey(src)

	err = s.withRetry(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, activeKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", store.ErrDuplicateActiveRequest, src)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, s.reqKey(req.ID), data, 0)
			p.Set(ctx, activeKey, req.ID, 0)
			p.ZAdd(ctx, s.stateKey(req.State), redis.Z{Score: score(req.UpdatedAt), Member: req.ID})
			p.ZAdd(ctx, s.createdKey(), redis.Z{Score: score(req.CreatedAt), Member: req.ID})
			return nil
		})
		return err
	}, activeKey)
	if err != nil {
		return "", err
	}
	return req.ID, nil
}

func (s *RequestStore) Get(ctx context.Context, id string) (*store.ParseRequest, error) {
	return s.load(ctx, s.client, id)
}

func (s *RequestStore) GetByAgentRequestID(ctx context.Context, agentRequestID string) (*store.ParseRequest, error) {
	id, err := s.client.Get(ctx, s.agentKey(agentRequestID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.load(ctx, s.client, id)
}

func (s *RequestStore) Transition(ctx context.Context, id string, expected, next store.RequestState, fields store.TransitionFields) (*store.ParseRequest, error) {
	keys := []string{s.reqKey(id)}
	if fields.AgentRequestID != "" {
		keys = append(keys, s.agentKey(fields.AgentRequestID))
	}

	var out *store.ParseRequest
	err := s.withRetry(ctx, func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := store.ValidateTransition(cur, expected, next, fields); err != nil {
			return err
		}
		if fields.AgentRequestID != "" {
			owner, err := tx.Get(ctx, s.agentKey(fields.AgentRequestID)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if owner != "" && owner != id {
				return fmt.Errorf("%w: %s", store.ErrDuplicateAgentRequest, fields.AgentRequestID)
			}
		}

		prev := cur.State
		store.ApplyTransition(cur, next, fields, s.now())
		data, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, s.reqKey(id), data, 0)
			if cur.AgentRequestID != "" {
				p.Set(ctx, s.agentKey(cur.AgentRequestID), id, 0)
			}
			if !next.IsActive() {
				p.Del(ctx, s.activeKey(cur.SourceMessageRef.String()))
			}
			p.ZRem(ctx, s.stateKey(prev), id)
			p.ZAdd(ctx, s.stateKey(next), redis.Z{Score: score(cur.UpdatedAt), Member: id})
			return nil
		})
		if err == nil {
			out = cur
		}
		return err
	}, keys...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RequestStore) SetStatusMessage(ctx context.Context, id string, ref store.MessageRef) error {
	return s.withRetry(ctx, func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		cur.StatusMessageRef = ref
		data, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, s.reqKey(id), data, 0)
			return nil
		})
		return err
	}, s.reqKey(id))
}

// loadMany fetches ids in order, skipping ids whose record has vanished.
func (s *RequestStore) loadMany(ctx context.Context, ids []string) ([]store.ParseRequest, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.reqKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]store.ParseRequest, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var req store.ParseRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			return nil, fmt.Errorf("decode request %s: %w", ids[i], err)
		}
		out = append(out, req)
	}
	return out, nil
}

func (s *RequestStore) ListStale(ctx context.Context, olderThan time.Time, state store.RequestState) ([]store.ParseRequest, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.stateKey(state), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(score(olderThan), 'f', 0, 64),
	}).Result()
	if err != nil {
		return nil, err
	}
	reqs, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	// Scores are microsecond-grained; filter on the exact timestamps.
	out := reqs[:0]
	for _, r := range reqs {
		if r.State == state && r.UpdatedAt.Before(olderThan) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *RequestStore) List(ctx context.Context, opts store.ListOpts) ([]store.ParseRequest, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	want := make(map[store.RequestState]bool, len(opts.States))
	for _, st := range opts.States {
		want[st] = true
	}

	const page = 200
	var out []store.ParseRequest
	for start := int64(0); len(out) < limit; start += page {
		ids, err := s.client.ZRevRange(ctx, s.createdKey(), start, start+page-1).Result()
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			break
		}
		reqs, err := s.loadMany(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, r := range reqs {
			if len(want) > 0 && !want[r.State] {
				continue
			}
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *RequestStore) Close() error { return s.client.Close() }
