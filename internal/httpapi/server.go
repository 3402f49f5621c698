package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/you/chatledger/internal/economy"
	"github.com/you/chatledger/internal/engine"
	"github.com/you/chatledger/internal/identity"
	"github.com/you/chatledger/internal/target"
)

// Ledger is the read-only slice of the economy the API serves.
type Ledger interface {
	GetBalance(ctx context.Context, identity int64) (int64, error)
	GetLedger(ctx context.Context, identity int64, limit int) ([]economy.Entry, error)
	Leaderboard(ctx context.Context, limit int) ([]economy.LeaderboardRow, error)
}

// Identities resolves external ids for the read endpoints.
type Identities interface {
	Lookup(ctx context.Context, platform, externalID string) (int64, error)
	DisplayName(ctx context.Context, userID int64) string
}

type Options struct {
	Addr        string
	RatePerMin  int
	Burst       int
	AccessLog   bool
	CORSOrigins []string
	// Registry carries the process collectors; nil disables /metrics.
	Registry *prometheus.Registry
	Version  string

	// EngineStats and TargetStatus feed /stats; either may be nil.
	EngineStats  func() engine.Stats
	TargetStatus func() target.Status
}

// Server is the read-only admin and query surface.
type Server struct {
	httpServer   *http.Server
	ledger       Ledger
	identities   Identities
	engineStats  func() engine.Stats
	targetStatus func() target.Status
	version      string

	limiter   *ipRateLimiter
	cors      *corsPolicy
	metrics   *Metrics
	accessLog bool
}

func New(ledger Ledger, identities Identities, opts Options) *Server {
	srv := &Server{
		ledger:       ledger,
		identities:   identities,
		engineStats:  opts.EngineStats,
		targetStatus: opts.TargetStatus,
		version:      opts.Version,
		limiter:      newIPRateLimiter(opts.RatePerMin, opts.Burst),
		cors:         newCORSPolicy(opts.CORSOrigins),
		metrics:      newMetrics(opts.Registry),
		accessLog:    opts.AccessLog,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.HandleFunc("/stats", srv.route("/stats", srv.handleStats))
	mux.HandleFunc("/balance", srv.route("/balance", srv.handleBalance))
	mux.HandleFunc("/ledger", srv.route("/ledger", srv.handleLedger))
	mux.HandleFunc("/leaderboard", srv.route("/leaderboard", srv.handleLeaderboard))
	if srv.metrics != nil {
		mux.Handle("/metrics", srv.metrics.Handler())
	}

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// route applies rate limiting, CORS and access logging around a handler.
func (s *Server) route(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(remoteIP(r)) {
			s.metrics.IncRateLimited()
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if s.cors.handlePreflight(w, r) {
			return
		}
		if !s.cors.applyHeaders(w, r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		rec := newResponseRecorder(w)
		start := time.Now()
		h(rec, r)
		dur := time.Since(start)

		s.metrics.ObserveRequest(name, r.Method, rec.Status(), dur)
		if s.accessLog {
			log.Printf("http %s %s %d %dB %s ip=%s",
				r.Method, r.URL.Path, rec.Status(), rec.Bytes(), dur, remoteIP(r))
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{"version": s.version}
	if s.engineStats != nil {
		payload["engine"] = s.engineStats()
	}
	if s.targetStatus != nil {
		payload["target"] = s.targetStatus()
	}
	writeJSON(w, payload)
}

// handleBalance resolves ?user_id=N or ?channel_id=X to a wallet balance.
// Unknown users read as balance zero rather than 404: a viewer who never
// chatted has an empty wallet, not a missing one.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.resolveUser(w, r)
	if !ok {
		return
	}
	balance, err := s.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		http.Error(w, "balance error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"user_id":  userID,
		"username": s.identities.DisplayName(r.Context(), userID),
		"balance":  balance,
	})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.resolveUser(w, r)
	if !ok {
		return
	}
	entries, err := s.ledger.GetLedger(r.Context(), userID, queryLimit(r, 50, 500))
	if err != nil {
		http.Error(w, "ledger error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []economy.Entry{}
	}
	writeJSON(w, entries)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	rows, err := s.ledger.Leaderboard(r.Context(), queryLimit(r, 10, 100))
	if err != nil {
		http.Error(w, "leaderboard error", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []economy.LeaderboardRow{}
	}
	writeJSON(w, rows)
}

func (s *Server) resolveUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "bad user_id", http.StatusBadRequest)
			return 0, false
		}
		return id, true
	}
	if channelID := r.URL.Query().Get("channel_id"); channelID != "" {
		id, err := s.identities.Lookup(r.Context(), identity.PlatformYouTube, channelID)
		if errors.Is(err, identity.ErrUnknownIdentity) {
			http.Error(w, "unknown channel", http.StatusNotFound)
			return 0, false
		}
		if err != nil {
			http.Error(w, "lookup error", http.StatusInternalServerError)
			return 0, false
		}
		return id, true
	}
	http.Error(w, "user_id or channel_id required", http.StatusBadRequest)
	return 0, false
}

func queryLimit(r *http.Request, def, max int) int {
	limit := def
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
			if limit > max {
				limit = max
			}
		}
	}
	return limit
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) Start() error {
	log.Printf("http api listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
