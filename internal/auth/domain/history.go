package domain

import "time"

// ChangeEvent is the kind of lifecycle transition recorded in token history.
type ChangeEvent string

const (
	ChangeCreated ChangeEvent = "created"
	ChangeRevoked ChangeEvent = "revoked"
)

// TokenChange is one row of the durable token history log. History is an
// audit trail: failures to write it never fail the token operation itself.
type TokenChange struct {
	ID        string      `json:"id"`
	TokenID   string      `json:"token_id"`
	ParentID  string      `json:"parent_id,omitempty"`
	Subject   string      `json:"subject"`
	Type      TokenType   `json:"token_type"`
	Scopes    []string    `json:"scopes"`
	Event     ChangeEvent `json:"event"`
	CreatedAt time.Time   `json:"created_at"`
}
