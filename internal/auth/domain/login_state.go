package domain

import "time"

// LoginState is one in-flight login attempt against the upstream identity
// provider, keyed by its single-use random state value.
type LoginState struct {
	State     string    `json:"state"`
	ReturnURL string    `json:"return_url"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Identity is what the upstream provider asserts about the user after a
// successful code exchange.
type Identity struct {
	Username string
	Name     string
	Email    string
}
