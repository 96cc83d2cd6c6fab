// Package redis implements the expiring token store on Redis. Token records
// are JSON values with key-level TTLs; the parent->children and subject
// indexes are Redis sets; single-use consumption is GETDEL, so exactly one
// concurrent consumer can win.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cassowarylabs/gatekeep/internal/auth/domain"
	"github.com/cassowarylabs/gatekeep/internal/auth/store"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "gatekeep:"

type Store struct {
	client *redis.Client
	prefix string
}

// New wraps an existing Redis client. An empty prefix falls back to
// "gatekeep:".
func New(client *redis.Client, prefix string) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}, nil
}

func (s *Store) Tokens() store.Tokens            { return &tokensRepo{s} }
func (s *Store) LoginStates() store.LoginStates  { return &loginStatesRepo{s} }
func (s *Store) Codes() store.AuthorizationCodes { return &codesRepo{s} }

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error { return s.client.Close() }

// Sweep walks the children and subject index sets and drops members whose
// token records expired out from under them. Records vanish on their own via
// key TTLs; their set entries do not.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	var removed int64
	for _, pattern := range []string{s.prefix + "children:*", s.prefix + "subject:*"} {
		iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			ids, err := s.client.SMembers(ctx, key).Result()
			if err != nil {
				return removed, fmt.Errorf("sweep %s: %w", key, err)
			}
			for _, id := range ids {
				n, err := s.client.Exists(ctx, s.tokenKey(id)).Result()
				if err != nil {
					return removed, fmt.Errorf("sweep %s: %w", key, err)
				}
				if n == 0 {
					if err := s.client.SRem(ctx, key, id).Err(); err != nil {
						return removed, fmt.Errorf("sweep %s: %w", key, err)
					}
					removed++
				}
			}
		}
		if err := iter.Err(); err != nil {
			return removed, fmt.Errorf("sweep scan: %w", err)
		}
	}
	return removed, nil
}

// CountActive tallies live token records by type. Records here are live by
// construction, since Redis expires the keys itself. Runs on the housekeeping
// cadence, not on request paths.
func (s *Store) CountActive(ctx context.Context) (map[domain.TokenType]int64, error) {
	counts := map[domain.TokenType]int64{}

	iter := s.client.Scan(ctx, 0, s.prefix+"token:*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := s.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // expired between scan and get
			}
			return nil, fmt.Errorf("count active: %w", err)
		}
		var t domain.Token
		if err := json.Unmarshal([]byte(val), &t); err != nil {
			return nil, fmt.Errorf("count active: %w", err)
		}
		counts[t.Type]++
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("count active scan: %w", err)
	}
	return counts, nil
}

func (s *Store) tokenKey(id string) string      { return s.prefix + "token:" + id }
func (s *Store) childrenKey(id string) string   { return s.prefix + "children:" + id }
func (s *Store) subjectKey(sub string) string   { return s.prefix + "subject:" + sub }
func (s *Store) loginKey(state string) string   { return s.prefix + "login:" + state }
func (s *Store) codeKey(fp string) string       { return s.prefix + "code:" + fp }
func (s *Store) redeemedKey(fp string) string   { return s.prefix + "code:redeemed:" + fp }

type tokensRepo struct{ s *Store }

func (r *tokensRepo) Put(ctx context.Context, t domain.Token) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	var ttl time.Duration
	if !t.ExpiresAt.IsZero() {
		ttl = time.Until(t.ExpiresAt)
		if ttl <= 0 {
			return fmt.Errorf("token %s already expired", t.ID)
		}
	}

	pipe := r.s.client.TxPipeline()
	pipe.Set(ctx, r.s.tokenKey(t.ID), data, ttl)
	pipe.SAdd(ctx, r.s.subjectKey(t.Subject), t.ID)
	if t.ParentID != "" {
		pipe.SAdd(ctx, r.s.childrenKey(t.ParentID), t.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put token %s: %w", t.ID, err)
	}
	return nil
}

func (r *tokensRepo) Get(ctx context.Context, id string) (domain.Token, error) {
	val, err := r.s.client.Get(ctx, r.s.tokenKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Token{}, store.ErrNotFound
		}
		return domain.Token{}, fmt.Errorf("get token %s: %w", id, err)
	}

	var t domain.Token
	if err := json.Unmarshal([]byte(val), &t); err != nil {
		return domain.Token{}, fmt.Errorf("unmarshal token %s: %w", id, err)
	}
	return t, nil
}

func (r *tokensRepo) Delete(ctx context.Context, id string) error {
	// Resolve the record first so the index entries can be removed with it.
	// An already-absent token still gets its dangling children index
	// cleared; deletion is idempotent either way.
	t, err := r.Get(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	pipe := r.s.client.TxPipeline()
	pipe.Del(ctx, r.s.tokenKey(id))
	pipe.Del(ctx, r.s.childrenKey(id))
	if err == nil {
		pipe.SRem(ctx, r.s.subjectKey(t.Subject), id)
		if t.ParentID != "" {
			pipe.SRem(ctx, r.s.childrenKey(t.ParentID), id)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete token %s: %w", id, err)
	}
	return nil
}

func (r *tokensRepo) ListChildren(ctx context.Context, parentID string) ([]string, error) {
	ids, err := r.s.client.SMembers(ctx, r.s.childrenKey(parentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", parentID, err)
	}
	return ids, nil
}

func (r *tokensRepo) ListActive(ctx context.Context, subject string) ([]domain.Token, error) {
	key := r.s.subjectKey(subject)
	ids, err := r.s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("list active for %s: %w", subject, err)
	}

	now := time.Now()
	var out []domain.Token
	var stale []any

	for _, id := range ids {
		t, err := r.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if t.Expired(now) {
			continue
		}
		out = append(out, t)
	}

	// Self-heal the subject index: expired records vanish on their own,
	// their set entries do not.
	if len(stale) > 0 {
		_ = r.s.client.SRem(ctx, key, stale...).Err()
	}

	return out, nil
}

type loginStatesRepo struct{ s *Store }

func (r *loginStatesRepo) Put(ctx context.Context, st domain.LoginState, ttl time.Duration) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal login state: %w", err)
	}
	if err := r.s.client.Set(ctx, r.s.loginKey(st.State), data, ttl).Err(); err != nil {
		return fmt.Errorf("put login state: %w", err)
	}
	return nil
}

func (r *loginStatesRepo) Consume(ctx context.Context, state string) (domain.LoginState, error) {
	val, err := r.s.client.GetDel(ctx, r.s.loginKey(state)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.LoginState{}, store.ErrNotFound
		}
		return domain.LoginState{}, fmt.Errorf("consume login state: %w", err)
	}

	var st domain.LoginState
	if err := json.Unmarshal([]byte(val), &st); err != nil {
		return domain.LoginState{}, fmt.Errorf("unmarshal login state: %w", err)
	}
	return st, nil
}

type codesRepo struct{ s *Store }

// consumeCodeScript deletes a code and installs its redemption tombstone as
// one server-side step, so a concurrent loser always finds the tombstone.
var consumeCodeScript = redis.NewScript(`
local val = redis.call("GETDEL", KEYS[1])
if val then
	redis.call("SET", KEYS[2], "", "EX", ARGV[1])
end
return val
`)

func (r *codesRepo) Put(ctx context.Context, fingerprint string, code domain.AuthorizationCode, ttl time.Duration) error {
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("marshal authorization code: %w", err)
	}
	if err := r.s.client.Set(ctx, r.s.codeKey(fingerprint), data, ttl).Err(); err != nil {
		return fmt.Errorf("put authorization code: %w", err)
	}
	return nil
}

func (r *codesRepo) Consume(ctx context.Context, fingerprint string, tombstoneTTL time.Duration) (domain.AuthorizationCode, error) {
	seconds := int64(tombstoneTTL.Seconds())
	if seconds < 1 {
		seconds = 1
	}

	val, err := consumeCodeScript.Run(ctx, r.s.client,
		[]string{r.s.codeKey(fingerprint), r.s.redeemedKey(fingerprint)}, seconds).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.AuthorizationCode{}, store.ErrNotFound
		}
		return domain.AuthorizationCode{}, fmt.Errorf("consume authorization code: %w", err)
	}

	var code domain.AuthorizationCode
	if err := json.Unmarshal([]byte(val), &code); err != nil {
		return domain.AuthorizationCode{}, fmt.Errorf("unmarshal authorization code: %w", err)
	}
	return code, nil
}

func (r *codesRepo) MarkRedeemed(ctx context.Context, fingerprint, tokenID string, ttl time.Duration) error {
	if err := r.s.client.Set(ctx, r.s.redeemedKey(fingerprint), tokenID, ttl).Err(); err != nil {
		return fmt.Errorf("mark code redeemed: %w", err)
	}
	return nil
}

func (r *codesRepo) Redeemed(ctx context.Context, fingerprint string) (string, error) {
	val, err := r.s.client.Get(ctx, r.s.redeemedKey(fingerprint)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", store.ErrNotFound
		}
		return "", fmt.Errorf("redeemed lookup: %w", err)
	}
	return val, nil
}
