package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cassowarylabs/gatekeep/internal/auth/domain"
	"github.com/cassowarylabs/gatekeep/internal/auth/service"
	"github.com/cassowarylabs/gatekeep/internal/auth/store"
	"github.com/cassowarylabs/gatekeep/pkg/httpx"
	"github.com/cassowarylabs/gatekeep/pkg/slogx"
)

const defaultHistoryLimit = 50

// TokensHandler serves the /v1/tokens management API. Callers operate only
// on their own tokens.
type TokensHandler struct {
	Tokens *service.TokenService
}

// tokenView is a token record with the secret material stripped.
type tokenView struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Subject   string    `json:"subject"`
	Scopes    []string  `json:"scopes"`
	ParentID  string    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

func viewOf(t domain.Token) tokenView {
	return tokenView{
		ID:        t.ID,
		Type:      string(t.Type),
		Subject:   t.Subject,
		Scopes:    t.Scopes,
		ParentID:  t.ParentID,
		CreatedAt: t.CreatedAt,
		ExpiresAt: t.ExpiresAt,
	}
}

// HandleList serves GET /v1/tokens.
func (h *TokensHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	caller, err := callerToken(r, h.Tokens)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	tokens, err := h.Tokens.ListActive(r.Context(), caller.Subject)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	views := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, viewOf(t))
	}
	httpx.WriteJSON(w, http.StatusOK, views)
}

type createTokenRequest struct {
	Scopes          []string `json:"scopes"`
	LifetimeSeconds int64    `json:"lifetime_seconds"`
}

type createTokenResponse struct {
	Token     string    `json:"token"`
	ID        string    `json:"id"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleCreate serves POST /v1/tokens: mint a user-type delegate of the
// caller's token. The secret appears once, in this response, and never again.
func (h *TokensHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	caller, err := callerToken(r, h.Tokens)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.LifetimeSeconds <= 0 {
		httpx.WriteOAuthError(w, http.StatusBadRequest, "invalid_request",
			"lifetime_seconds must be positive")
		return
	}

	tok, opaque, err := h.Tokens.IssueChild(r.Context(), caller.ID, req.Scopes,
		domain.TypeUser, time.Duration(req.LifetimeSeconds)*time.Second)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrScopeExpansion):
			httpx.WriteOAuthError(w, http.StatusBadRequest, "invalid_scope",
				"requested scopes exceed the caller's")
		case errors.Is(err, service.ErrInvalidLifetime):
			httpx.WriteOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid lifetime")
		default:
			writeAuthError(w, err)
		}
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, createTokenResponse{
		Token:     opaque,
		ID:        tok.ID,
		Scopes:    tok.Scopes,
		ExpiresAt: tok.ExpiresAt,
	})
}

// HandleRevoke serves DELETE /v1/tokens/{id}. Revoking a token kills its
// whole delegation subtree.
func (h *TokensHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	caller, err := callerToken(r, h.Tokens)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	id := r.PathValue("id")

	// Ownership check: a caller may only revoke tokens under its own
	// subject. An unknown id gets the same answer so ids can't be probed.
	target, err := h.Tokens.Store.Tokens().Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.WriteOAuthError(w, http.StatusNotFound, "not_found", "")
			return
		}
		writeAuthError(w, err)
		return
	}
	if target.Subject != caller.Subject {
		httpx.WriteOAuthError(w, http.StatusNotFound, "not_found", "")
		return
	}

	if err := h.Tokens.Revoke(r.Context(), id); err != nil {
		slogx.FromContext(r.Context()).Error("revocation failed", "err", err)
		writeAuthError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleHistory serves GET /v1/tokens/history.
func (h *TokensHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	caller, err := callerToken(r, h.Tokens)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httpx.WriteOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
			return
		}
		limit = n
	}

	changes, err := h.Tokens.ChangeHistory(r.Context(), caller.Subject, limit)
	if err != nil {
		slogx.FromContext(r.Context()).Error("history lookup failed", "err", err)
		httpx.WriteOAuthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	if changes == nil {
		changes = []domain.TokenChange{}
	}

	httpx.WriteJSON(w, http.StatusOK, changes)
}
