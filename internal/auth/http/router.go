package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/cassowarylabs/gatekeep/internal/auth/service"
	"github.com/cassowarylabs/gatekeep/internal/auth/store"
	"github.com/cassowarylabs/gatekeep/pkg/httpx"
	"github.com/cassowarylabs/gatekeep/pkg/slogx"
)

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	issuer       string
	buildVersion string
	startTime    time.Time
	logger       *slog.Logger

	store   store.Store
	history store.History

	TokenService *service.TokenService
	LoginService *service.LoginService
	OIDCService  *service.OIDCService
}

func NewRouter(issuer, buildVersion string, st store.Store, history store.History, logger *slog.Logger) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		issuer:       issuer,
		buildVersion: buildVersion,
		startTime:    time.Now(),
		store:        st,
		history:      history,
		logger:       logger,
	}

	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerLogin()
	r.registerOIDC()
	r.registerTokenAPI()
	r.registerSystem()
}

// ServeHTTP implements http.Handler and applies the global middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) registerLogin() {
	login := &LoginHandler{Login: r.LoginService}

	// Both legs of the upstream handshake carry credentials, so both get
	// the strict limit.
	r.Mux.Handle("GET /login",
		httpx.Chain(http.HandlerFunc(login.HandleBegin),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
	r.Mux.Handle("GET /login/callback",
		httpx.Chain(http.HandlerFunc(login.HandleCallback),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)

	logout := &LogoutHandler{Tokens: r.TokenService}
	r.Mux.Handle("POST /logout",
		httpx.Chain(logout,
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)
}

func (r *Router) registerOIDC() {
	r.Mux.Handle("GET /.well-known/openid-configuration",
		httpx.Chain(DiscoveryHandler(r.OIDCService),
			httpx.RateLimitByIP(httpx.PublicLimit),
		),
	)
	r.Mux.Handle("GET /.well-known/jwks.json",
		httpx.Chain(JWKSHandler(r.OIDCService),
			httpx.RateLimitByIP(httpx.PublicLimit),
		),
	)

	authorize := &AuthorizeHandler{OIDC: r.OIDCService, Tokens: r.TokenService}
	r.Mux.Handle("GET /oauth2/openid/authorize",
		httpx.Chain(authorize,
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)

	token := &OIDCTokenHandler{OIDC: r.OIDCService}
	r.Mux.Handle("POST /oauth2/openid/token",
		httpx.Chain(token,
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)

	userinfo := &UserinfoHandler{OIDC: r.OIDCService}
	r.Mux.Handle("GET /oauth2/openid/userinfo",
		httpx.Chain(userinfo,
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)
	r.Mux.Handle("POST /oauth2/openid/userinfo",
		httpx.Chain(userinfo,
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)
}

func (r *Router) registerTokenAPI() {
	h := &TokensHandler{Tokens: r.TokenService}

	limited := func(fn http.HandlerFunc) http.Handler {
		return httpx.Chain(fn, httpx.RateLimitByIP(httpx.ModerateLimit))
	}

	r.Mux.Handle("GET /v1/tokens", limited(h.HandleList))
	r.Mux.Handle("POST /v1/tokens", limited(h.HandleCreate))
	r.Mux.Handle("DELETE /v1/tokens/{id}", limited(h.HandleRevoke))
	r.Mux.Handle("GET /v1/tokens/history", limited(h.HandleHistory))
}

func (r *Router) registerSystem() {
	r.Mux.Handle("GET /livez", LivezHandler(r.startTime, r.buildVersion))
	r.Mux.Handle("GET /readyz", ReadyzHandler(r.startTime, r.buildVersion, r.store, r.history))
}
