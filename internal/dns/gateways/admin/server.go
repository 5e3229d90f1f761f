// Package admin exposes the daemon's status, metrics and rule refresh over
// HTTP.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haukened/tunblock/internal/dns/common/clock"
	"github.com/haukened/tunblock/internal/dns/common/log"
	"github.com/haukened/tunblock/internal/dns/domain"
	"github.com/haukened/tunblock/internal/dns/repos/blocklist"
	"github.com/haukened/tunblock/internal/dns/repos/grants"
	"github.com/haukened/tunblock/internal/dns/services/updater"
)

const (
	requestTimeout  = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// StatusSource reports the current session status.
type StatusSource interface {
	Status() domain.StatusEvent
}

// RuleStats reports the published blocklist snapshot.
type RuleStats interface {
	Stats() blocklist.Stats
}

// GrantLister lists the grants held for content-URI rule lists.
type GrantLister interface {
	List() ([]grants.Grant, error)
}

// Refresher starts a rule-list update in the background.
type Refresher interface {
	Trigger(ctx context.Context) error
}

type Options struct {
	Status    StatusSource
	Rules     RuleStats
	Grants    GrantLister
	Refresher Refresher
	Updates   *UpdateLog
	Logger    log.Logger
}

type Server struct {
	status    StatusSource
	rules     RuleStats
	grants    GrantLister
	refresher Refresher
	updates   *UpdateLog
	logger    log.Logger

	// ctx outlives requests so refreshes are not cut short.
	ctx context.Context
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.GetLogger()
	}
	if opts.Updates == nil {
		opts.Updates = NewUpdateLog(clock.RealClock{}, opts.Logger)
	}
	return &Server{
		status:    opts.Status,
		rules:     opts.Rules,
		grants:    opts.Grants,
		refresher: opts.Refresher,
		updates:   opts.Updates,
		logger:    log.With(opts.Logger, map[string]any{"component": "admin"}),
		ctx:       context.Background(),
	}
}

// Routes builds the admin router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, middleware.Timeout(requestTimeout))
	r.Get("/healthz", s.health)
	r.Get("/status", s.getStatus)
	r.Post("/rules/refresh", s.refresh)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// ListenAndServe serves the admin API on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.ctx = ctx
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: requestTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(map[string]any{"addr": addr}, "admin server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusResponse struct {
	Status       domain.Status    `json:"status"`
	Since        time.Time        `json:"since"`
	Error        string           `json:"error,omitempty"`
	UpdateErrors []string         `json:"update_errors"`
	UpdatedAt    *time.Time       `json:"updated_at,omitempty"`
	Rules        *blocklist.Stats `json:"rules,omitempty"`
	Grants       []grantView      `json:"grants"`
}

type grantView struct {
	Location  string    `json:"location"`
	GrantedAt time.Time `json:"granted_at"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: domain.StatusStopped, UpdateErrors: []string{}, Grants: []grantView{}}
	if s.status != nil {
		ev := s.status.Status()
		resp.Status = ev.Status
		resp.Since = ev.At
		if ev.Err != nil {
			resp.Error = ev.Err.Error()
		}
	}
	errs, at := s.updates.Snapshot()
	resp.UpdateErrors = append(resp.UpdateErrors, errs...)
	if !at.IsZero() {
		resp.UpdatedAt = &at
	}
	if s.rules != nil {
		st := s.rules.Stats()
		resp.Rules = &st
	}
	if s.grants != nil {
		held, err := s.grants.List()
		if err != nil {
			s.logger.Warn(map[string]any{"error": err}, "cannot list grants")
		}
		for _, g := range held {
			resp.Grants = append(resp.Grants, grantView{Location: g.Location, GrantedAt: g.GrantedAt})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		http.Error(w, "rule updates are not configured", http.StatusServiceUnavailable)
		return
	}
	err := s.refresher.Trigger(s.ctx)
	switch {
	case errors.Is(err, updater.ErrBatchRunning):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	case err != nil:
		s.logger.Error(map[string]any{"error": err}, "cannot start rule list update")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"started": true})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
