package hub

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

const maxMessageSize = 64 * 1024

var (
	// ErrPeerClosed is returned when sending to a connection that has closed.
	ErrPeerClosed = errors.New("hub: peer closed")
	// ErrSlowPeer is returned when a connection's send buffer is full.
	ErrSlowPeer = errors.New("hub: peer send buffer full")
)

// Options tune websocket connections.
type Options struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	AllowedOrigins []string
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	return o
}

func (o Options) checkOrigin(r *http.Request) bool {
	if len(o.AllowedOrigins) == 0 || lo.Contains(o.AllowedOrigins, "*") {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || lo.Contains(o.AllowedOrigins, origin)
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	p := &wsPeer{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.opts.SendBuffer),
		done: make(chan struct{}),
		opts: h.opts,
	}

	go p.writePump(h)
	h.Register(p)
	go p.readPump(h)
}

type wsPeer struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	opts      Options
}

func (p *wsPeer) ID() string {
	return p.id
}

func (p *wsPeer) Send(msg []byte) error {
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}

	select {
	case p.send <- msg:
		return nil
	case <-p.done:
		return ErrPeerClosed
	default:
		return ErrSlowPeer
	}
}

func (p *wsPeer) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *wsPeer) readPump(h *Hub) {
	defer h.Unregister(p.id)

	pongWait := 2 * p.opts.PingInterval
	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("conn", p.id).Msg("connection read failed")
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.HandleMessage(p.id, data)
	}
}

func (p *wsPeer) writePump(h *Hub) {
	ticker := time.NewTicker(p.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case <-p.done:
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(p.opts.WriteTimeout))
			return
		case msg := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.Unregister(p.id)
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.opts.WriteTimeout)); err != nil {
				h.Unregister(p.id)
				return
			}
		}
	}
}
