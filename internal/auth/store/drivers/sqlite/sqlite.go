// Package sqlite implements the token change history on SQLite. The history
// lives in its own database because audit records must outlive the expiring
// token store.
package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cassowarylabs/gatekeep/internal/auth/domain"
)

type Store struct {
	db  *sql.DB
	dsn string
}

func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if _, err := db.ExecContext(context.Background(), `PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, dsn: dsn}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Append(ctx context.Context, change domain.TokenChange) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_changes (id, token_id, parent_id, subject, token_type, scopes, event, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		change.ID,
		change.TokenID,
		change.ParentID,
		change.Subject,
		string(change.Type),
		strings.Join(change.Scopes, " "),
		string(change.Event),
		change.CreatedAt.UTC(),
	)
	return err
}

func (s *Store) ListBySubject(ctx context.Context, subject string, limit int) ([]domain.TokenChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, token_id, parent_id, subject, token_type, scopes, event, created_at
		FROM token_changes
		WHERE subject = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		subject, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TokenChange
	for rows.Next() {
		var (
			change    domain.TokenChange
			tokenType string
			scopes    string
			event     string
		)
		if err := rows.Scan(
			&change.ID,
			&change.TokenID,
			&change.ParentID,
			&change.Subject,
			&tokenType,
			&scopes,
			&event,
			&change.CreatedAt,
		); err != nil {
			return nil, err
		}
		change.Type = domain.TokenType(tokenType)
		change.Event = domain.ChangeEvent(event)
		change.Scopes = splitScopes(scopes)
		out = append(out, change)
	}
	return out, rows.Err()
}

func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM token_changes WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func splitScopes(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
