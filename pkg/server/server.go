package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/maybehotcarl/gatedblog/pkg/checkout"
	"github.com/maybehotcarl/gatedblog/pkg/config"
	"github.com/maybehotcarl/gatedblog/pkg/gate"
	"github.com/maybehotcarl/gatedblog/pkg/page"
	"github.com/maybehotcarl/gatedblog/pkg/posts"
	"github.com/maybehotcarl/gatedblog/pkg/session"
	"github.com/maybehotcarl/gatedblog/pkg/siwe"
	"github.com/maybehotcarl/gatedblog/pkg/telemetry"
)

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Config   *config.Config
	SIWE     *siwe.Service
	Registry *gate.Registry
	Sessions *session.Manager
	Checkout *checkout.Trigger
	Posts    posts.Store
	Renderer *page.Renderer
}

// Server is the blog's HTTP front end.
type Server struct {
	cfg        *config.Config
	siwe       *siwe.Service
	registry   *gate.Registry
	sessions   *session.Manager
	checkout   *checkout.Trigger
	store      posts.Store
	renderer   *page.Renderer
	mux        *http.ServeMux
	corsOrigin string
	secure     bool
}

// New creates the server and registers its routes.
func New(d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		siwe:     d.SIWE,
		registry: d.Registry,
		sessions: d.Sessions,
		checkout: d.Checkout,
		store:    d.Posts,
		renderer: d.Renderer,
		mux:      http.NewServeMux(),
		secure:   d.Config.AutocertHost != "",
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)

	// Page and view state
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /view", s.handleView)

	// Wallet connection
	s.mux.HandleFunc("POST /auth/challenge", s.handleChallenge)
	s.mux.HandleFunc("POST /auth/verify", s.handleVerify)
	s.mux.HandleFunc("POST /auth/disconnect", s.handleDisconnect)

	s.mux.HandleFunc("POST /checkout", s.handleCheckout)

	// Posts backend
	s.mux.HandleFunc("GET /api/blogPosts", s.handleBlogPosts)

	return s
}

// SetCORSOrigin configures the allowed CORS origin for cross-origin requests.
func (s *Server) SetCORSOrigin(origin string) {
	s.corsOrigin = origin
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.corsOrigin != "" {
		h = s.corsMiddleware(h)
	}
	return traceMiddleware(h)
}

// HTTPServer wraps the handler in an http.Server with the usual timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.cfg.QueryTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// corsMiddleware wraps a handler with CORS headers for the configured origin.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func traceMiddleware(next http.Handler) http.Handler {
	tracer := telemetry.Tracer("gatedblog/server")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path)
		span.SetAttributes(attribute.String("http.method", r.Method))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// =========================================================================
//                          VIEW RESOLUTION
// =========================================================================

// view returns the caller's view. A valid token for a view that is gone
// (restart or eviction) recreates it and reconnects the token's account;
// a missing or invalid token starts a fresh, disconnected view.
func (s *Server) view(w http.ResponseWriter, r *http.Request) *gate.View {
	claims, err := s.sessions.Parse(session.FromRequest(r))
	if err == nil {
		v, created := s.registry.GetOrCreate(claims.ViewID)
		if created && claims.Account != (common.Address{}) {
			log.Printf("[server] Reconnecting %s to restored view %s", claims.Account.Hex(), claims.ViewID)
			v.Connect(claims.Account)
		}
		return v
	}
	if !errors.Is(err, session.ErrNoToken) {
		log.Printf("[server] Discarding session token: %v", err)
	}

	v, _ := s.registry.GetOrCreate(session.NewViewID())
	if _, err := s.issue(w, v.ID(), common.Address{}); err != nil {
		log.Printf("[server] %v", err)
	}
	return v
}

// issue signs a token for the view and sets the cookie.
func (s *Server) issue(w http.ResponseWriter, viewID string, account common.Address) (string, error) {
	token, exp, err := s.sessions.Issue(viewID, account)
	if err != nil {
		return "", err
	}
	session.SetCookie(w, token, exp, s.secure)
	return token, nil
}

func (s *Server) waitFor(ctx context.Context, v *gate.View, d time.Duration) {
	if d <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	v.Wait(ctx)
}

// =========================================================================
//                          PAGE HANDLERS
// =========================================================================

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"time":         time.Now().UTC(),
		"active_views": s.registry.Len(),
	})
}

// GET /
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	v := s.view(w, r)
	s.waitFor(r.Context(), v, s.cfg.RenderWait)

	data := page.NewData(v.Snapshot(), s.cfg.ClientID, s.siwe.ChainID())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.renderer.Render(w, data); err != nil {
		log.Printf("[server] Rendering page: %v", err)
	}
}

// GET /view?wait=1&refresh=1
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	v := s.view(w, r)
	q := r.URL.Query()
	if q.Get("refresh") == "1" {
		v.Recheck()
	}
	if q.Get("wait") == "1" {
		s.waitFor(r.Context(), v, s.cfg.QueryTimeout)
	}
	writeJSON(w, http.StatusOK, v.Snapshot())
}

// =========================================================================
//                          AUTH HANDLERS
// =========================================================================

// ChallengeResponse is returned by POST /auth/challenge.
type ChallengeResponse struct {
	Message string `json:"message"`
	Nonce   string `json:"nonce"`
}

// POST /auth/challenge
// Request: { "address": "0x..." }
// Response: { "message": "...", "nonce": "..." }
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	if !common.IsHexAddress(req.Address) {
		writeError(w, http.StatusBadRequest, "address is not a hex address")
		return
	}

	challenge, err := s.siwe.NewChallenge(r.Context())
	if err != nil {
		log.Printf("[server] Error generating challenge: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to generate challenge")
		return
	}

	writeJSON(w, http.StatusOK, ChallengeResponse{
		Message: siwe.FormatMessage(challenge, common.HexToAddress(req.Address).Hex()),
		Nonce:   challenge.Nonce,
	})
}

// VerifyResponse is returned by POST /auth/verify.
type VerifyResponse struct {
	Address   string        `json:"address"`
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expires_at"`
	View      gate.Snapshot `json:"view"`
}

// POST /auth/verify -- verify SIWE signature, connect the view
// Request: { "message": "...", "signature": "0x..." }
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var signed siwe.SignedMessage
	if err := json.NewDecoder(r.Body).Decode(&signed); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if signed.Message == "" || signed.Signature == "" {
		writeError(w, http.StatusBadRequest, "message and signature are required")
		return
	}

	auth, err := s.siwe.Verify(r.Context(), &signed)
	if err != nil {
		log.Printf("[server] SIWE verification failed: %v", err)
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	v := s.view(w, r)
	v.Connect(auth.Address)

	token, exp, err := s.sessions.Issue(v.ID(), auth.Address)
	if err != nil {
		log.Printf("[server] %v", err)
		writeError(w, http.StatusInternalServerError, "failed to issue session")
		return
	}
	session.SetCookie(w, token, exp, s.secure)
	log.Printf("[server] View %s connected %s", v.ID(), auth.Address.Hex())

	s.waitFor(r.Context(), v, s.cfg.RenderWait)
	writeJSON(w, http.StatusOK, VerifyResponse{
		Address:   auth.Address.Hex(),
		Token:     token,
		ExpiresAt: exp,
		View:      v.Snapshot(),
	})
}

// POST /auth/disconnect
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	v := s.view(w, r)
	v.Disconnect()

	if _, err := s.issue(w, v.ID(), common.Address{}); err != nil {
		log.Printf("[server] %v", err)
	}
	writeJSON(w, http.StatusOK, v.Snapshot())
}

// =========================================================================
//                          CHECKOUT / POSTS
// =========================================================================

// POST /checkout
// Browsers are redirected to the checkout link; JSON clients get the hand-off.
func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	v := s.view(w, r)
	handoff, err := s.checkout.Handoff(v.Snapshot())

	if !wantsJSON(r) {
		target := "/"
		if err == nil {
			target = handoff.CheckoutLinkURL
		}
		http.Redirect(w, r, target, http.StatusSeeOther)
		return
	}

	switch {
	case errors.Is(err, checkout.ErrNotConnected):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, checkout.ErrUnlocked):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, handoff)
	}
}

// GET /api/blogPosts
// Response: { "data": [{ "title": "...", "description": "..." }] }
func (s *Server) handleBlogPosts(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context())
	if err != nil {
		log.Printf("[server] Listing posts: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list posts")
		return
	}
	writeJSON(w, http.StatusOK, posts.ListResponse{Data: list})
}

// =========================================================================
//                          HELPERS
// =========================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json") ||
		strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
}
