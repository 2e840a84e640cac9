// Package server exposes the realtime hub and a small JSON API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"poolwatch/internal/domain"
	"poolwatch/internal/hub"
	"poolwatch/internal/monitor"
	"poolwatch/internal/observability"
	"poolwatch/internal/oracle"
	"poolwatch/internal/version"
)

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 500
	maxEventBody      = 64 * 1024
)

// AlertReader lists the most recent audit records, newest first.
type AlertReader func(ctx context.Context, limit int) ([]domain.AlertRecord, error)

// Deps wire the server to the running components. Oracle, Snapshot and
// Alerts may be nil; their routes then answer 503.
type Deps struct {
	Hub      *hub.Hub
	Oracle   oracle.Oracle
	Orienter monitor.Orienter
	Snapshot func() domain.WatchConfig
	Alerts   AlertReader
	Metrics  *observability.Metrics
}

// Server is the HTTP front of the process.
type Server struct {
	deps   Deps
	router *http.ServeMux
	logger zerolog.Logger
}

// New builds the router.
func New(deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		deps:   deps,
		router: http.NewServeMux(),
		logger: logger.With().Str("component", "server").Logger(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Handle("GET /ws", s.deps.Hub)
	s.router.HandleFunc("POST /api/events", s.handlePublishEvent)
	s.router.HandleFunc("GET /api/pools/{id}", s.handlePool)
	s.router.HandleFunc("GET /api/config", s.handleConfig)
	s.router.HandleFunc("GET /api/alerts", s.handleAlerts)
	s.router.HandleFunc("GET /api/subscriptions", s.handleSubscriptions)
	s.router.HandleFunc("GET /healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		s.router.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

type publishResponse struct {
	Type      hub.MessageType `json:"type"`
	Delivered int             `json:"delivered"`
}

type poolResponse struct {
	PoolID        string          `json:"poolId"`
	Price         decimal.Decimal `json:"price"`
	RawPrice      decimal.Decimal `json:"rawPrice"`
	Inverted      bool            `json:"inverted"`
	Liquidity     decimal.Decimal `json:"liquidity"`
	TickCurrent   int32           `json:"tickCurrent"`
	BaseMint      string          `json:"baseMint"`
	QuoteMint     string          `json:"quoteMint"`
	BaseDecimals  int             `json:"baseDecimals"`
	QuoteDecimals int             `json:"quoteDecimals"`
	FetchedAt     time.Time       `json:"fetchedAt"`
}

type configResponse struct {
	PoolID      string          `json:"poolId"`
	LowerBound  decimal.Decimal `json:"lowerBound"`
	UpperBound  decimal.Decimal `json:"upperBound"`
	Armed       bool            `json:"armed"`
	LastUpdated *time.Time      `json:"lastUpdated,omitempty"`
}

type alertResponse struct {
	ID            int64           `json:"id,omitempty"`
	PoolID        string          `json:"poolId"`
	Price         decimal.Decimal `json:"price"`
	LowerBound    decimal.Decimal `json:"lowerBound"`
	UpperBound    decimal.Decimal `json:"upperBound"`
	Message       string          `json:"message"`
	ChannelStatus string          `json:"channelStatus"`
	DispatchedAt  time.Time       `json:"dispatchedAt"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Connections int    `json:"connections"`
}

func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "event body too large")
		return
	}

	ev, _, err := hub.DecodeEvent(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ev.Type() == hub.TypeConnection {
		s.writeError(w, http.StatusBadRequest, "CONNECTION events are hub-originated")
		return
	}

	delivered := s.deps.Hub.Broadcast(ev)
	s.writeJSON(w, http.StatusAccepted, publishResponse{Type: ev.Type(), Delivered: delivered})
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	if s.deps.Oracle == nil {
		s.writeError(w, http.StatusServiceUnavailable, "pool oracle not configured")
		return
	}

	id := r.PathValue("id")
	state, err := s.deps.Oracle.PoolState(r.Context(), id)
	switch {
	case errors.Is(err, oracle.ErrInvalidAddress):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, oracle.ErrAccountNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.logger.Error().Err(err).Str("pool", id).Msg("pool lookup failed")
		s.writeError(w, http.StatusBadGateway, "pool lookup failed")
		return
	}

	price, inverted, err := s.deps.Orienter.Orient(state)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, poolResponse{
		PoolID:        state.PoolID,
		Price:         price,
		RawPrice:      state.Price,
		Inverted:      inverted,
		Liquidity:     state.Liquidity,
		TickCurrent:   state.TickCurrent,
		BaseMint:      state.BaseMint,
		QuoteMint:     state.QuoteMint,
		BaseDecimals:  state.BaseDecimals,
		QuoteDecimals: state.QuoteDecimals,
		FetchedAt:     state.FetchedAt,
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.deps.Snapshot == nil {
		s.writeError(w, http.StatusServiceUnavailable, "monitor not running")
		return
	}

	cfg := s.deps.Snapshot()
	resp := configResponse{
		PoolID:     cfg.TargetID,
		LowerBound: cfg.LowerBound,
		UpperBound: cfg.UpperBound,
		Armed:      cfg.Armed(),
	}
	if !cfg.LastUpdated.IsZero() {
		resp.LastUpdated = &cfg.LastUpdated
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		s.writeError(w, http.StatusServiceUnavailable, "audit trail not configured")
		return
	}

	limit := defaultAlertLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxAlertLimit)
	}

	records, err := s.deps.Alerts(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list alerts failed")
		s.writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}

	resp := make([]alertResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, alertResponse{
			ID:            rec.ID,
			PoolID:        rec.TargetID,
			Price:         rec.Price,
			LowerBound:    rec.LowerBound,
			UpperBound:    rec.UpperBound,
			Message:       rec.Message,
			ChannelStatus: string(rec.ChannelStatus),
			DispatchedAt:  rec.DispatchedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Hub.Subscriptions())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Version:     version.Version,
		Connections: s.deps.Hub.ConnectionCount(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("write response failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}
