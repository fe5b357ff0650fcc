package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/driftlab/peerhub/internal/metrics"
	"github.com/driftlab/peerhub/internal/ratelimit"
)

const writeWait = 1 * time.Second

// peer owns one WebSocket connection: a read loop feeding the router and a
// write loop draining the outbound queue. It implements room.Conn, so the
// registry can key membership by it.
type peer struct {
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger
	id   string

	// alive is cleared by the monitor's heartbeat and set again by any pong
	// or inbound traffic.
	alive atomic.Bool

	limiter *ratelimit.TokenBucket

	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newPeer(srv *Server, conn *websocket.Conn) *peer {
	p := &peer{
		srv:  srv,
		conn: conn,
		id:   uuid.NewString(),
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(srv.maxMessagesPerSecond()),
			int64(srv.maxMessagesPerSecond()),
		),
		out:    make(chan []byte, srv.sendQueueSize()),
		closed: make(chan struct{}),
	}
	p.log = srv.log.With("conn_id", p.id)
	p.alive.Store(true)
	conn.SetPongHandler(func(string) error {
		p.alive.Store(true)
		return nil
	})
	return p
}

// Open reports whether the connection can still deliver messages.
func (p *peer) Open() bool {
	select {
	case <-p.closed:
		return false
	default:
		return true
	}
}

// run is the connection's read loop. It returns when the transport fails or
// the peer is closed, and always funnels cleanup through drop.
func (p *peer) run() {
	defer p.drop("connection closed")

	p.conn.SetReadLimit(p.srv.maxMessageBytes())
	go p.writeLoop()

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		p.alive.Store(true)

		if !p.limiter.Allow(1) {
			p.srv.metrics.DroppedEnvelopes.WithLabelValues(metrics.DropReasonRateLimited).Inc()
			p.log.Warn("signaling message rate limit exceeded")
			p.close(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			p.srv.metrics.DroppedEnvelopes.WithLabelValues(metrics.DropReasonMalformed).Inc()
			p.log.Debug("dropping non-text frame")
			continue
		}

		p.srv.route(p, data)
	}
}

func (p *peer) writeLoop() {
	for {
		select {
		case data := <-p.out:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.srv.metrics.SendFailures.Inc()
				p.log.Debug("write failed", "err", err)
				p.drop("write failed")
				return
			}
		case <-p.closed:
			return
		}
	}
}

// send queues an envelope without blocking. A full queue drops the envelope
// so one stalled connection cannot hold up a broadcast.
func (p *peer) send(msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.log.Error("failed to encode envelope", "type", msg.Type, "err", err)
		return
	}

	select {
	case <-p.closed:
	case p.out <- data:
	default:
		p.srv.metrics.DroppedEnvelopes.WithLabelValues(metrics.DropReasonQueueFull).Inc()
		p.log.Warn("send queue full, dropping envelope", "type", msg.Type)
	}
}

// drop is the single removal path shared by abnormal disconnects, transport
// write failures and the liveness reaper. Registry removal is idempotent, so
// racing calls broadcast user_left at most once.
func (p *peer) drop(reason string) {
	if ms, ok := p.srv.removeAndNotify(p); ok {
		p.log.Info("peer removed from room",
			"room_id", ms.RoomID, "user_id", ms.UserID, "reason", reason)
	}
	p.srv.untrack(p)
	p.close(websocket.CloseNormalClosure, "")
}

func (p *peer) close(code int, reason string) {
	p.closeOnce.Do(func() {
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		close(p.closed)
		_ = p.conn.Close()
	})
}

// ping sends a heartbeat probe. WriteControl is safe to call concurrently
// with the write loop.
func (p *peer) ping() error {
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}
