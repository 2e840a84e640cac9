package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poolwatch/internal/config"
	"poolwatch/internal/domain"
	"poolwatch/internal/hub"
	"poolwatch/internal/monitor"
	"poolwatch/internal/observability"
	"poolwatch/internal/oracle"
)

type stubOracle struct {
	state domain.PoolState
	err   error
}

func (s stubOracle) PoolState(context.Context, string) (domain.PoolState, error) {
	return s.state, s.err
}

type recordingPeer struct {
	msgs [][]byte
}

func (p *recordingPeer) ID() string { return "peer-1" }

func (p *recordingPeer) Send(msg []byte) error {
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPeer) Close() {}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	if deps.Hub == nil {
		deps.Hub = hub.New(hub.Options{}, nil, zerolog.Nop())
	}
	return New(deps, zerolog.Nop())
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestPublishEventBroadcasts(t *testing.T) {
	h := hub.New(hub.Options{}, nil, zerolog.Nop())
	peer := &recordingPeer{}
	h.Register(peer)
	s := newTestServer(t, Deps{Hub: h})

	rec := do(t, s, http.MethodPost, "/api/events", `{"type":"POSITIONS_UPDATE","wallet":"abc","data":{"positionId":"p1","action":"closed"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp publishResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Delivered)
	assert.Equal(t, hub.TypePositionsUpdate, resp.Type)

	require.Len(t, peer.msgs, 2)
	ev, _, err := hub.DecodeEvent(peer.msgs[1])
	require.NoError(t, err)
	assert.Equal(t, hub.PositionUpdate{Wallet: "abc", PositionID: "p1", Action: "closed"}, ev)
}

func TestPublishEventRejectsUnknownType(t *testing.T) {
	s := newTestServer(t, Deps{})

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/events", `{"type":"SELFDESTRUCT"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/events", `{"type":"CONNECTION","data":{"connectionId":"x","status":"connected"}}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/events", `nope`).Code)
}

func TestPoolRoute(t *testing.T) {
	const sol = "So11111111111111111111111111111111111111112"
	s := newTestServer(t, Deps{
		Oracle: stubOracle{state: domain.PoolState{
			PoolID:    "pool-1",
			Price:     decimal.RequireFromString("0.005"),
			BaseMint:  config.USDCMint,
			QuoteMint: sol,
			FetchedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		}},
		Orienter: monitor.NewOrienter([]string{config.USDCMint}),
	})

	rec := do(t, s, http.MethodGet, "/api/pools/pool-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp poolResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Price.Equal(decimal.NewFromInt(200)))
	assert.True(t, resp.Inverted)
	assert.Equal(t, config.USDCMint, resp.BaseMint)
}

func TestPoolRouteErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{oracle.ErrInvalidAddress, http.StatusBadRequest},
		{oracle.ErrAccountNotFound, http.StatusNotFound},
		{errors.New("rpc down"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		s := newTestServer(t, Deps{Oracle: stubOracle{err: tc.err}})
		assert.Equal(t, tc.code, do(t, s, http.MethodGet, "/api/pools/x", "").Code, tc.err.Error())
	}

	s := newTestServer(t, Deps{})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/api/pools/x", "").Code)
}

func TestConfigRoute(t *testing.T) {
	s := newTestServer(t, Deps{Snapshot: func() domain.WatchConfig {
		return domain.WatchConfig{TargetID: "pool-1", LowerBound: decimal.NewFromInt(180), UpperBound: decimal.NewFromInt(200)}
	}})

	rec := do(t, s, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"poolId":"pool-1","lowerBound":"180","upperBound":"200","armed":true}`, rec.Body.String())
}

func TestAlertsRoute(t *testing.T) {
	var gotLimit int
	s := newTestServer(t, Deps{Alerts: func(_ context.Context, limit int) ([]domain.AlertRecord, error) {
		gotLimit = limit
		return []domain.AlertRecord{{
			ID:            1,
			TargetID:      "pool-1",
			Price:         decimal.NewFromInt(175),
			ChannelStatus: domain.ChannelFailed,
		}}, nil
	}})

	rec := do(t, s, http.MethodGet, "/api/alerts?limit=9999", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxAlertLimit, gotLimit)

	var resp []alertResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "failed", resp[0].ChannelStatus)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/alerts?limit=abc", "").Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, Deps{Metrics: observability.NewMetrics("test")})

	rec := do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_hub_evictions_total")
}
