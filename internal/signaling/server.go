package signaling

import (
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftlab/peerhub/internal/metrics"
	"github.com/driftlab/peerhub/internal/room"
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Registry *room.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// Liveness monitor periods. Zero values fall back to the 30s/60s
	// defaults.
	HeartbeatInterval time.Duration
	ReapInterval      time.Duration

	// Inbound hardening.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// Per-connection outbound queue depth.
	SendQueueSize int
}

// Server implements the relay's WebSocket signaling surface at GET /ws.
//
// It tracks every open connection (joined or not) so the liveness monitor
// can probe them, and owns nothing else: room membership lives in the
// Registry, per-connection state in each peer.
type Server struct {
	log      *slog.Logger
	registry *room.Registry
	metrics  *metrics.Metrics

	heartbeatInterval time.Duration
	reapInterval      time.Duration

	maxMsgBytes  int64
	maxMsgPerSec int
	queueSize    int

	upgrader websocket.Upgrader

	mu      sync.Mutex
	peers   map[*peer]struct{}
	monitor *monitor
	closed  bool
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	registry := cfg.Registry
	if registry == nil {
		registry = room.NewRegistry()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New(func() float64 { return float64(registry.RoomCount()) })
	}

	return &Server{
		log:      log,
		registry: registry,
		metrics:  m,

		heartbeatInterval: cfg.HeartbeatInterval,
		reapInterval:      cfg.ReapInterval,

		maxMsgBytes:  cfg.MaxMessageBytes,
		maxMsgPerSec: cfg.MaxMessagesPerSecond,
		queueSize:    cfg.SendQueueSize,

		upgrader: websocket.Upgrader{
			// Origin checks are enforced by the outer httpserver CORS layer;
			// the browser demo client connects cross-origin in development.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers: make(map[*peer]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// Registry exposes the room registry for read-only probes.
func (s *Server) Registry() *room.Registry { return s.registry }

// StartMonitor launches the liveness monitor. Call it once the listener is
// accepting connections.
func (s *Server) StartMonitor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.monitor != nil {
		return
	}
	s.monitor = newMonitor(s, s.heartbeatIntervalOrDefault(), s.reapIntervalOrDefault())
	s.monitor.start()
}

// Close stops the monitor and closes every open connection. It is the
// signaling half of the process shutdown sequence; the HTTP listener must
// already have stopped accepting.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	mon := s.monitor
	s.monitor = nil
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	if mon != nil {
		mon.stop()
	}
	for _, p := range peers {
		p.close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := newPeer(s, conn)
	if !s.track(p) {
		p.close(websocket.CloseGoingAway, "server shutting down")
		return
	}

	s.metrics.ConnectionsTotal.Inc()
	s.metrics.OpenConnections.Inc()
	p.log.Debug("connection opened", "remote_addr", r.RemoteAddr)

	p.run()
}

func (s *Server) track(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.peers[p] = struct{}{}
	return true
}

func (s *Server) untrack(p *peer) {
	s.mu.Lock()
	_, tracked := s.peers[p]
	delete(s.peers, p)
	s.mu.Unlock()
	if tracked {
		s.metrics.OpenConnections.Dec()
	}
}

func (s *Server) peerSnapshot() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}

// removeAndNotify is the one membership-removal entry point used by explicit
// leaves, disconnects and the reaper: Registry.Remove plus the user_left
// fan-out to the remaining members, both inside one registry critical
// section so the notification cannot reorder against concurrent broadcasts.
func (s *Server) removeAndNotify(p *peer) (room.Membership, bool) {
	return s.registry.Remove(p, func(ms room.Membership, remaining []room.Member) {
		left := newServerMessage(messageTypeUserLeft)
		left.UserID = ms.UserID
		for _, m := range remaining {
			deliver(m, left)
		}
	})
}

// deliver enqueues an envelope for one member, skipping closed connections.
func deliver(m room.Member, msg serverMessage) {
	p, ok := m.Conn.(*peer)
	if !ok || !p.Open() {
		return
	}
	p.send(msg)
}

func (s *Server) heartbeatIntervalOrDefault() time.Duration {
	if s.heartbeatInterval <= 0 {
		return 30 * time.Second
	}
	return s.heartbeatInterval
}

func (s *Server) reapIntervalOrDefault() time.Duration {
	if s.reapInterval <= 0 {
		return 60 * time.Second
	}
	return s.reapInterval
}

func (s *Server) maxMessageBytes() int64 {
	if s.maxMsgBytes <= 0 {
		return 64 * 1024
	}
	return s.maxMsgBytes
}

func (s *Server) maxMessagesPerSecond() int {
	if s.maxMsgPerSec <= 0 {
		return 50
	}
	return s.maxMsgPerSec
}

func (s *Server) sendQueueSize() int {
	if s.queueSize <= 0 {
		return 256
	}
	return s.queueSize
}
