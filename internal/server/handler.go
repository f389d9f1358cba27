package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kilupskalvis/factflow/internal/apperr"
	"github.com/kilupskalvis/factflow/internal/audit"
	"github.com/kilupskalvis/factflow/internal/models"
	"github.com/kilupskalvis/factflow/internal/pipeline"
)

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds configurable limits for the server.
type Config struct {
	MaxRequestBody    int64         // bytes
	RequestsPerMinute int           // per-user rate limit
	AdminToken        string        // for admin endpoints
	JWTSecret         string        // HS256 key for user tokens
	RetentionHorizon  time.Duration // default age for admin purge
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRequestBody:    1 << 20,
		RequestsPerMinute: 300,
		RetentionHorizon:  audit.DefaultRetention,
	}
}

type api struct {
	p      *pipeline.Pipeline
	log    *audit.Log
	cfg    *Config
	logger *slog.Logger
}

// Handler creates the HTTP handler with all routes and middleware.
// The returned cleanup function stops background goroutines and should be
// called on server shutdown.
func Handler(p *pipeline.Pipeline, log *audit.Log, db Pinger, cfg *Config, logger *slog.Logger) (http.Handler, func()) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxRequestBody <= 0 {
		cfg.MaxRequestBody = DefaultConfig().MaxRequestBody
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{p: p, log: log, cfg: cfg, logger: logger}

	rl := newRateLimiter(cfg.RequestsPerMinute)
	idem := newIdempotency()
	auth := authMiddleware([]byte(cfg.JWTSecret))

	// Execution order: auth -> rl -> idempotency -> handler
	withAuth := func(h http.HandlerFunc) http.Handler {
		return applyMiddleware(h, auth, rl.middleware, idem.middleware)
	}

	mux := http.NewServeMux()

	// Health endpoints (no auth)
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Admin endpoints
	if cfg.AdminToken != "" {
		adminMux := http.NewServeMux()
		adminMux.HandleFunc("POST /admin/purge", a.handleAdminPurge)
		mux.Handle("/admin/", adminAuth(cfg.AdminToken, adminMux))
	}

	// Public share view
	mux.Handle("GET /api/v1/shared/{token}", applyMiddleware(http.HandlerFunc(a.handleShared), rl.middleware))

	const base = "/api/v1/verifications"
	mux.Handle("POST "+base, withAuth(a.handleCreate))
	mux.Handle("GET "+base, withAuth(a.handleList))
	mux.Handle("GET "+base+"/{id}", withAuth(a.handleGet))
	mux.Handle("GET "+base+"/{id}/permissions", withAuth(a.handlePermissions))

	// Stage actions
	mux.Handle("POST "+base+"/{id}/start", withAuth(a.handleStart))
	mux.Handle("POST "+base+"/{id}/confirm", withAuth(a.handleConfirm))
	mux.Handle("POST "+base+"/{id}/analyze", withAuth(a.handleAnalyze))
	mux.Handle("POST "+base+"/{id}/advance", withAuth(a.handleAdvance))

	// Questions
	mux.Handle("GET "+base+"/{id}/questions", withAuth(a.handleListQuestions))
	mux.Handle("POST "+base+"/{id}/questions", withAuth(a.handleAddQuestion))
	mux.Handle("PUT "+base+"/{id}/questions/order", withAuth(a.handleReorder))
	mux.Handle("PATCH "+base+"/{id}/questions/{qid}", withAuth(a.handleUpdateQuestion))
	mux.Handle("DELETE "+base+"/{id}/questions/{qid}", withAuth(a.handleDeleteQuestion))

	// Results and diagnostics
	mux.Handle("GET "+base+"/{id}/sources", withAuth(a.handleSources))
	mux.Handle("GET "+base+"/{id}/log", withAuth(a.handleLog))
	mux.Handle("GET "+base+"/{id}/result", withAuth(a.handleResult))
	mux.Handle("POST "+base+"/{id}/share", withAuth(a.handleShare))

	// Apply global middleware
	handler := applyMiddleware(mux,
		requestIDMiddleware,
		loggingMiddleware(logger),
		recoveryMiddleware(logger),
	)

	cleanup := func() {
		rl.Stop()
	}
	return handler, cleanup
}

// applyMiddleware applies middleware in reverse order so the first in the list runs first.
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// --- Verification Handlers ---

type createRequest struct {
	Text string `json:"text"`
}

func (a *api) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !a.decode(w, r, &req) {
		return
	}
	v, err := a.p.Create(r.Context(), UserID(r.Context()), req.Text)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (a *api) handleList(w http.ResponseWriter, r *http.Request) {
	vs, err := a.p.List(r.Context(), UserID(r.Context()))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if vs == nil {
		vs = []*models.Verification{}
	}
	writeJSON(w, http.StatusOK, vs)
}

func (a *api) handleGet(w http.ResponseWriter, r *http.Request) {
	v, err := a.p.Get(r.Context(), r.PathValue("id"), UserID(r.Context()))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *api) handlePermissions(w http.ResponseWriter, r *http.Request) {
	acc, err := a.p.Permissions(r.Context(), r.PathValue("id"), UserID(r.Context()))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// --- Stage Handlers ---

type sourcesRequest struct {
	SourceIDs []string `json:"source_ids"`
}

func (a *api) handleStart(w http.ResponseWriter, r *http.Request) {
	a.respondStage(w, func(ctx context.Context, vid, user string) (*models.Verification, error) {
		return a.p.Start(ctx, vid, user)
	}, r)
}

func (a *api) handleConfirm(w http.ResponseWriter, r *http.Request) {
	a.respondStage(w, func(ctx context.Context, vid, user string) (*models.Verification, error) {
		return a.p.Confirm(ctx, vid, user)
	}, r)
}

func (a *api) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req sourcesRequest
	if !a.decode(w, r, &req) {
		return
	}
	a.respondStage(w, func(ctx context.Context, vid, user string) (*models.Verification, error) {
		return a.p.Analyze(ctx, vid, user, req.SourceIDs)
	}, r)
}

func (a *api) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req sourcesRequest
	if r.ContentLength != 0 && !a.decode(w, r, &req) {
		return
	}
	a.respondStage(w, func(ctx context.Context, vid, user string) (*models.Verification, error) {
		return a.p.Advance(ctx, vid, user, req.SourceIDs)
	}, r)
}

func (a *api) respondStage(w http.ResponseWriter, fn func(ctx context.Context, vid, user string) (*models.Verification, error), r *http.Request) {
	v, err := fn(r.Context(), r.PathValue("id"), UserID(r.Context()))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, v)
}

// --- Question Handlers ---

type questionRequest struct {
	Text string `json:"text"`
}

type reorderRequest struct {
	Moves []models.QuestionMove `json:"moves"`
}

func (a *api) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	qs, err := a.p.Questions(r.Context(), r.PathValue("id"), UserID(r.Context()))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

func (a *api) handleAddQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if !a.decode(w, r, &req) {
		return
	}
	q, err := a.p.AddQuestion(r.Context(), r.PathValue("id"), UserID(r.Context()), req.Text)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (a *api) handleUpdateQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if !a.decode(w, r, &req) {
		return
	}
	q, err := a.p.UpdateQuestion(r.Context(), r.PathValue("id"), r.PathValue("qid"), UserID(r.Context()), req.Text)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (a *api) handleDeleteQuestion(w http.ResponseWriter, r *http.Request) {
	if err := a.p.DeleteQuestion(r.Context(), r.PathValue("id"), r.PathValue("qid"), UserID(r.Context())); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleReorder(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if !a.decode(w, r, &req) {
		return
	}
	qs, err := a.p.ReorderQuestions(r.Context(), r.PathValue("id"), UserID(r.Context()), req.Moves)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

// --- Result Handlers ---

func (a *api) handleSources(w http.ResponseWriter, r *http.Request) {
	srcs, err := a.p.Sources(r.Context(), r.PathValue("id"), UserID(r.Context()))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, srcs)
}

func (a *api) handleLog(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("filter")
	if filter != "" && filter != "errors" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: string(apperr.ValidationError), Message: "filter must be 'errors'"})
		return
	}
	entries, err := a.p.Log(r.Context(), r.PathValue("id"), UserID(r.Context()), filter == "errors")
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *api) handleResult(w http.ResponseWriter, r *http.Request) {
	res, err := a.p.Result(r.Context(), r.PathValue("id"), UserID(r.Context()))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) handleShare(w http.ResponseWriter, r *http.Request) {
	token, err := a.p.Share(r.Context(), r.PathValue("id"), UserID(r.Context()))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token": token,
		"path":  "/api/v1/shared/" + token,
	})
}

func (a *api) handleShared(w http.ResponseWriter, r *http.Request) {
	view, err := a.p.Shared(r.Context(), r.PathValue("token"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// --- Health Handlers ---

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// --- Admin ---

func adminAuth(adminToken string, next http.Handler) http.Handler {
	expected := "Bearer " + adminToken
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "auth_failed", Message: "invalid admin token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type purgeRequest struct {
	OlderThan string `json:"older_than"`
}

func (a *api) handleAdminPurge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if r.ContentLength != 0 && !a.decode(w, r, &req) {
		return
	}
	horizon := a.cfg.RetentionHorizon
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: string(apperr.ValidationError), Message: "older_than must be a positive duration"})
			return
		}
		horizon = d
	}

	res, err := a.log.Purge(r.Context(), horizon)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cutoff":  res.Cutoff.UTC().Format(time.RFC3339),
		"deleted": res.Deleted,
	})
}

// --- Helpers ---

type errorBody struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	body := errorBody{Error: string(kind), Message: err.Error()}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		body.Details = ae.Details
	}
	if kind == apperr.Internal {
		a.logger.Error("request failed", "error", err)
		body.Message = "internal server error"
		body.Details = nil
	}
	writeJSON(w, apperr.HTTPStatus(kind), body)
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := readJSON(r, a.cfg.MaxRequestBody, v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: string(apperr.ValidationError), Message: err.Error()})
		return false
	}
	return true
}

func readJSON(r *http.Request, maxSize int64, v any) error {
	limited := io.LimitReader(r.Body, maxSize)
	if err := json.NewDecoder(limited).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
