package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/convcache/internal/common"
	"github.com/suPer8Hu/convcache/internal/identity"
)

// Entry is one message as cached in a session list.
type Entry struct {
	Sequence  int64     `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the ephemeral per-session list cache. It is best-effort: every error it
// returns wraps common.ErrTransientStore.
type Store struct {
	rdb     redis.UniversalClient
	timeout time.Duration
}

type Options struct {
	Addr     string
	Password string
	DB       int
	// Timeout bounds every call; zero means 200ms.
	Timeout time.Duration
}

func New(opts Options) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewWithClient(rdb, opts.Timeout)
}

func NewWithClient(rdb redis.UniversalClient, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	return &Store{rdb: rdb, timeout: timeout}
}

// Key namespaces a session list: session:{anonymous_id} or
// session:user:{escaped user_id}:{scope}. Anonymous ids never contain ':' and the
// escaped user id never does, so no two owners share a key.
func Key(owner identity.Identity, scope string) string {
	if owner.IsAnonymous() {
		return "session:" + owner.ID
	}
	return "session:user:" + url.QueryEscape(owner.ID) + ":" + scope
}

// Append pushes entry to the tail of key and refreshes its TTL. It returns the list
// length after the push.
func (s *Store) Append(ctx context.Context, key string, e Entry, ttl time.Duration) (int64, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("hotstore marshal: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var push *redis.IntCmd
	_, err = s.rdb.TxPipelined(cctx, func(p redis.Pipeliner) error {
		push = p.RPush(cctx, key, b)
		if ttl > 0 {
			p.Expire(cctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, common.Transient("hotstore append", err)
	}
	return push.Val(), nil
}

// ReadAll returns the entries of key in arrival order. A missing key is an empty slice.
func (s *Store) ReadAll(ctx context.Context, key string) ([]Entry, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.rdb.LRange(cctx, key, 0, -1).Result()
	if err != nil {
		return nil, common.Transient("hotstore read", err)
	}

	out := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, common.Transient("hotstore decode", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Replace swaps the whole list for entries in one transaction. Used to repopulate
// after a miss.
func (s *Store) Replace(ctx context.Context, key string, entries []Entry, ttl time.Duration) error {
	vals := make([]any, 0, len(entries))
	for _, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("hotstore marshal: %w", err)
		}
		vals = append(vals, b)
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.rdb.TxPipelined(cctx, func(p redis.Pipeliner) error {
		p.Del(cctx, key)
		if len(vals) == 0 {
			return nil
		}
		p.RPush(cctx, key, vals...)
		if ttl > 0 {
			p.Expire(cctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return common.Transient("hotstore replace", err)
	}
	return nil
}

// Expire drops key.
func (s *Store) Expire(ctx context.Context, key string) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.rdb.Del(cctx, key).Err(); err != nil {
		return common.Transient("hotstore expire", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.rdb.Ping(cctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
