package store

import (
	"context"
	"errors"
	"time"

	"github.com/cassowarylabs/gatekeep/internal/auth/domain"
)

var (
	// ErrNotFound reports a missing or already-expired record.
	ErrNotFound = errors.New("store: not found")
	// ErrUnavailable reports an I/O failure that survived retries. Callers
	// treat it as "try again", distinct from a validation rejection.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store is the expiring keyed storage behind tokens, login states, and
// authorization codes. Concrete drivers (redis, memory) implement it. All
// operations are atomic per key; expiry is enforced by the driver and
// re-checked by callers on read to tolerate clock skew.
type Store interface {
	Tokens() Tokens
	LoginStates() LoginStates
	Codes() AuthorizationCodes

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases any underlying resources.
	Close() error
}

// Sweeper is implemented by drivers that can garbage-collect index entries
// left behind when token records expire out from under them. Housekeeping
// calls it when available.
type Sweeper interface {
	// Sweep removes orphaned index entries and returns how many it found.
	Sweep(ctx context.Context) (int64, error)
}

// Counter is implemented by drivers that can count their live token records
// per type. Housekeeping samples it to rebase the active-token gauges, which
// otherwise drift when tokens lapse via TTL instead of explicit revocation.
type Counter interface {
	// CountActive returns the number of unexpired token records by type.
	CountActive(ctx context.Context) (map[domain.TokenType]int64, error)
}

type Tokens interface {
	// Put stores a token record. The driver derives the TTL from the
	// token's ExpiresAt; a zero ExpiresAt stores without expiry.
	Put(ctx context.Context, t domain.Token) error

	// Get returns a token by id, or ErrNotFound.
	Get(ctx context.Context, id string) (domain.Token, error)

	// Delete removes a token and its index entries. Deleting an absent
	// token is a no-op.
	Delete(ctx context.Context, id string) error

	// ListChildren returns the ids recorded as children of parentID. The
	// index may contain ids whose tokens have since expired; callers
	// resolve each id through Get.
	ListChildren(ctx context.Context, parentID string) ([]string, error)

	// ListActive returns the unexpired tokens belonging to subject.
	ListActive(ctx context.Context, subject string) ([]domain.Token, error)
}

type LoginStates interface {
	// Put stores an in-flight login state with the given TTL.
	Put(ctx context.Context, s domain.LoginState, ttl time.Duration) error

	// Consume atomically fetches and deletes a login state. Exactly one
	// concurrent caller wins; the rest observe ErrNotFound.
	Consume(ctx context.Context, state string) (domain.LoginState, error)
}

type AuthorizationCodes interface {
	// Put stores an authorization code record under the fingerprint of the
	// code value.
	Put(ctx context.Context, fingerprint string, code domain.AuthorizationCode, ttl time.Duration) error

	// Consume atomically fetches and deletes a code, installing a
	// redemption tombstone (with no token id yet) in the same operation.
	// Exactly one concurrent redemption wins; the rest observe the
	// tombstone via Redeemed, never a bare ErrNotFound.
	Consume(ctx context.Context, fingerprint string, tombstoneTTL time.Duration) (domain.AuthorizationCode, error)

	// MarkRedeemed records which token a consumed code produced,
	// overwriting the tombstone Consume installed, so that a replayed
	// code can be traced to the issued token and revoke it.
	MarkRedeemed(ctx context.Context, fingerprint, tokenID string, ttl time.Duration) error

	// Redeemed returns the token id recorded for an already-consumed code,
	// or ErrNotFound.
	Redeemed(ctx context.Context, fingerprint string) (string, error)
}

// History is the durable token change log, kept separately from the
// expiring store so audit records outlive the tokens they describe.
type History interface {
	// Append records one token lifecycle event.
	Append(ctx context.Context, change domain.TokenChange) error

	// ListBySubject returns up to limit changes for a subject, newest
	// first.
	ListBySubject(ctx context.Context, subject string, limit int) ([]domain.TokenChange, error)

	// DeleteBefore prunes changes older than cutoff, returning the number
	// of rows removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)

	ApplyMigrations() error
	Ping(ctx context.Context) error
	Close() error
}
