// Package hub fans typed events out to connected dashboard clients.
package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"poolwatch/internal/observability"
)

// Peer is one open client connection. Send must not block.
type Peer interface {
	ID() string
	Send(msg []byte) error
	Close()
}

// Subscription binds a connection to the owner key it announced.
type Subscription struct {
	ConnectionID string `json:"connectionId"`
	OwnerKey     string `json:"ownerKey"`
}

// Hub tracks open connections and their subscriptions.
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	mu    sync.RWMutex
	peers map[string]Peer
	subs  map[string]string
}

// New constructs an empty hub.
func New(opts Options, metrics *observability.Metrics, logger zerolog.Logger) *Hub {
	opts = opts.withDefaults()
	h := &Hub{
		opts:    opts,
		logger:  logger.With().Str("component", "hub").Logger(),
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
		peers:   make(map[string]Peer),
		subs:    make(map[string]string),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     opts.checkOrigin,
	}
	return h
}

// Register sends the CONNECTION acknowledgement, then adds the peer so no
// broadcast can reach it first.
func (h *Hub) Register(p Peer) {
	if err := h.send(p, Connection{ConnectionID: p.ID(), Status: StatusConnected}); err != nil {
		h.logger.Info().Err(err).Str("conn", p.ID()).Msg("dropping connection after failed ack")
		p.Close()
		return
	}

	h.mu.Lock()
	h.peers[p.ID()] = p
	h.mu.Unlock()
	h.updateGauges()

	h.logger.Debug().Str("conn", p.ID()).Msg("client connected")
}

// Unregister removes a peer and its subscription and closes it. Unknown ids
// are ignored.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	p, ok := h.peers[id]
	delete(h.peers, id)
	delete(h.subs, id)
	h.mu.Unlock()

	if !ok {
		return
	}
	h.updateGauges()
	p.Close()
	h.logger.Debug().Str("conn", id).Msg("client disconnected")
}

// HandleMessage applies one inbound frame from connection id. Malformed
// frames are dropped and the connection stays open.
func (h *Hub) HandleMessage(id string, raw []byte) {
	msg, err := DecodeClientMessage(raw)
	if err != nil {
		h.logger.Warn().Err(err).Str("conn", id).Msg("dropping malformed client message")
		if h.metrics != nil {
			h.metrics.HubDropped.Inc()
		}
		return
	}

	var ack Connection
	switch msg.Type {
	case TypeSubscribe:
		if !h.setSubscription(id, msg.Wallet) {
			return
		}
		ack = Connection{ConnectionID: id, Status: StatusSubscribed, Wallet: msg.Wallet}
	case TypeUnsubscribe:
		if !h.setSubscription(id, "") {
			return
		}
		ack = Connection{ConnectionID: id, Status: StatusUnsubscribed}
	}
	h.updateGauges()

	h.mu.RLock()
	p, ok := h.peers[id]
	h.mu.RUnlock()
	if ok {
		if err := h.send(p, ack); err != nil {
			h.evict(id, err)
		}
	}
}

func (h *Hub) setSubscription(id, owner string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[id]; !ok {
		return false
	}
	if owner == "" {
		delete(h.subs, id)
	} else {
		h.subs[id] = owner
	}
	return true
}

// Broadcast sends ev to every open connection and returns how many accepted
// it. A failed send evicts only that connection.
func (h *Hub) Broadcast(ev Event) int {
	payload, err := Encode(ev, h.now())
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(ev.Type())).Msg("failed to encode event")
		return 0
	}

	h.mu.RLock()
	peers := lo.Values(h.peers)
	h.mu.RUnlock()

	delivered := 0
	for _, p := range peers {
		if err := p.Send(payload); err != nil {
			h.evict(p.ID(), err)
			continue
		}
		delivered++
	}

	if h.metrics != nil {
		h.metrics.HubBroadcasts.WithLabelValues(string(ev.Type())).Inc()
	}
	h.logger.Debug().Str("type", string(ev.Type())).Int("delivered", delivered).Int("peers", len(peers)).Msg("event broadcast")
	return delivered
}

// Subscriptions returns the current subscriptions ordered by connection id.
func (h *Hub) Subscriptions() []Subscription {
	h.mu.RLock()
	subs := lo.MapToSlice(h.subs, func(conn, owner string) Subscription {
		return Subscription{ConnectionID: conn, OwnerKey: owner}
	})
	h.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].ConnectionID < subs[j].ConnectionID })
	return subs
}

// ConnectionCount reports open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	ids := lo.Keys(h.peers)
	h.mu.RUnlock()
	for _, id := range ids {
		h.Unregister(id)
	}
}

func (h *Hub) send(p Peer, ev Event) error {
	payload, err := Encode(ev, h.now())
	if err != nil {
		return err
	}
	return p.Send(payload)
}

func (h *Hub) evict(id string, cause error) {
	h.logger.Info().Err(cause).Str("conn", id).Msg("evicting connection after failed send")
	if h.metrics != nil {
		h.metrics.HubEvictions.Inc()
	}
	h.Unregister(id)
}

func (h *Hub) updateGauges() {
	if h.metrics == nil {
		return
	}
	h.mu.RLock()
	conns, subs := len(h.peers), len(h.subs)
	h.mu.RUnlock()
	h.metrics.HubConnections.Set(float64(conns))
	h.metrics.HubSubscriptions.Set(float64(subs))
}
