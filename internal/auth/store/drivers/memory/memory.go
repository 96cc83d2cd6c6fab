// Package memory implements the token store on in-process maps. Meant for
// tests and single-node dev deployments; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cassowarylabs/gatekeep/internal/auth/domain"
	"github.com/cassowarylabs/gatekeep/internal/auth/store"
)

type entry[T any] struct {
	value     T
	expiresAt time.Time // zero means no expiry
}

func (e entry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type Store struct {
	mu sync.Mutex

	tokens   map[string]entry[domain.Token]
	children map[string]map[string]struct{}
	subjects map[string]map[string]struct{}
	logins   map[string]entry[domain.LoginState]
	codes    map[string]entry[domain.AuthorizationCode]
	redeemed map[string]entry[string]

	closed bool
}

func New() *Store {
	return &Store{
		tokens:   map[string]entry[domain.Token]{},
		children: map[string]map[string]struct{}{},
		subjects: map[string]map[string]struct{}{},
		logins:   map[string]entry[domain.LoginState]{},
		codes:    map[string]entry[domain.AuthorizationCode]{},
		redeemed: map[string]entry[string]{},
	}
}

func (s *Store) Tokens() store.Tokens            { return &tokensRepo{s} }
func (s *Store) LoginStates() store.LoginStates  { return &loginStatesRepo{s} }
func (s *Store) Codes() store.AuthorizationCodes { return &codesRepo{s} }

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Sweep drops index entries whose token records expired.
func (s *Store) Sweep(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	alive := func(id string) bool {
		e, ok := s.tokens[id]
		return ok && !e.expired(now)
	}

	var removed int64
	for _, index := range []map[string]map[string]struct{}{s.children, s.subjects} {
		for key, ids := range index {
			for id := range ids {
				if !alive(id) {
					delete(ids, id)
					removed++
				}
			}
			if len(ids) == 0 {
				delete(index, key)
			}
		}
	}
	return removed, nil
}

// CountActive tallies unexpired token records by type.
func (s *Store) CountActive(_ context.Context) (map[domain.TokenType]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	counts := map[domain.TokenType]int64{}
	for _, e := range s.tokens {
		if !e.expired(now) {
			counts[e.value.Type]++
		}
	}
	return counts, nil
}

type tokensRepo struct{ s *Store }

func (r *tokensRepo) Put(_ context.Context, t domain.Token) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if t.Expired(time.Now()) {
		return fmt.Errorf("token %s already expired", t.ID)
	}

	r.s.tokens[t.ID] = entry[domain.Token]{value: t, expiresAt: t.ExpiresAt}

	if r.s.subjects[t.Subject] == nil {
		r.s.subjects[t.Subject] = map[string]struct{}{}
	}
	r.s.subjects[t.Subject][t.ID] = struct{}{}

	if t.ParentID != "" {
		if r.s.children[t.ParentID] == nil {
			r.s.children[t.ParentID] = map[string]struct{}{}
		}
		r.s.children[t.ParentID][t.ID] = struct{}{}
	}
	return nil
}

func (r *tokensRepo) Get(_ context.Context, id string) (domain.Token, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.tokens[id]
	if !ok || e.expired(time.Now()) {
		delete(r.s.tokens, id)
		return domain.Token{}, store.ErrNotFound
	}
	return e.value, nil
}

func (r *tokensRepo) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.tokens[id]
	if ok {
		delete(r.s.subjects[e.value.Subject], id)
		if e.value.ParentID != "" {
			delete(r.s.children[e.value.ParentID], id)
		}
	}
	delete(r.s.tokens, id)
	delete(r.s.children, id)
	return nil
}

func (r *tokensRepo) ListChildren(_ context.Context, parentID string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ids := make([]string, 0, len(r.s.children[parentID]))
	for id := range r.s.children[parentID] {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *tokensRepo) ListActive(_ context.Context, subject string) ([]domain.Token, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := time.Now()
	var out []domain.Token
	for id := range r.s.subjects[subject] {
		e, ok := r.s.tokens[id]
		if !ok || e.expired(now) {
			delete(r.s.subjects[subject], id)
			continue
		}
		out = append(out, e.value)
	}
	return out, nil
}

type loginStatesRepo struct{ s *Store }

func (r *loginStatesRepo) Put(_ context.Context, st domain.LoginState, ttl time.Duration) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.logins[st.State] = entry[domain.LoginState]{value: st, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (r *loginStatesRepo) Consume(_ context.Context, state string) (domain.LoginState, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.logins[state]
	delete(r.s.logins, state)
	if !ok || e.expired(time.Now()) {
		return domain.LoginState{}, store.ErrNotFound
	}
	return e.value, nil
}

type codesRepo struct{ s *Store }

func (r *codesRepo) Put(_ context.Context, fingerprint string, code domain.AuthorizationCode, ttl time.Duration) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.codes[fingerprint] = entry[domain.AuthorizationCode]{value: code, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (r *codesRepo) Consume(_ context.Context, fingerprint string, tombstoneTTL time.Duration) (domain.AuthorizationCode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := time.Now()
	e, ok := r.s.codes[fingerprint]
	delete(r.s.codes, fingerprint)
	if !ok || e.expired(now) {
		return domain.AuthorizationCode{}, store.ErrNotFound
	}

	// Tombstone installed under the same lock, so a concurrent loser can
	// never observe the code gone without the redemption being visible.
	r.s.redeemed[fingerprint] = entry[string]{expiresAt: now.Add(tombstoneTTL)}
	return e.value, nil
}

func (r *codesRepo) MarkRedeemed(_ context.Context, fingerprint, tokenID string, ttl time.Duration) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.redeemed[fingerprint] = entry[string]{value: tokenID, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (r *codesRepo) Redeemed(_ context.Context, fingerprint string) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.redeemed[fingerprint]
	if !ok || e.expired(time.Now()) {
		delete(r.s.redeemed, fingerprint)
		return "", store.ErrNotFound
	}
	return e.value, nil
}
