package signaling

import (
	"sync"
	"time"
)

// monitor runs the two liveness timers: the heartbeat probe and the reap
// sweep. Both operate on the server's connection set and the registry only
// through peer.drop, so dead-peer cleanup and explicit leave share one code
// path.
type monitor struct {
	srv *Server

	heartbeat time.Duration
	reap      time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

func newMonitor(srv *Server, heartbeat, reap time.Duration) *monitor {
	return &monitor{
		srv:       srv,
		heartbeat: heartbeat,
		reap:      reap,
		done:      make(chan struct{}),
	}
}

func (m *monitor) start() {
	m.wg.Add(2)
	go m.heartbeatLoop()
	go m.reapLoop()
}

func (m *monitor) stop() {
	close(m.done)
	m.wg.Wait()
}

// heartbeatLoop clears every open connection's liveness flag and probes it
// with a ping control frame. Any pong (or inbound traffic) sets the flag
// again before the next reap sweep.
func (m *monitor) heartbeatLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, p := range m.srv.peerSnapshot() {
				p.alive.Store(false)
				if err := p.ping(); err != nil {
					p.log.Debug("heartbeat probe failed", "err", err)
				}
			}
		case <-m.done:
			return
		}
	}
}

// reapLoop removes connections that never answered the previous heartbeat,
// plus any registry entry whose channel reports closed.
func (m *monitor) reapLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.reap)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.done:
			return
		}
	}
}

func (m *monitor) sweep() {
	for _, p := range m.srv.peerSnapshot() {
		if p.alive.Load() && p.Open() {
			continue
		}
		m.srv.metrics.ReapedConns.Inc()
		p.log.Info("reaping unresponsive connection")
		p.drop("liveness timeout")
	}

	// The registry sweep catches entries whose peer is already gone from the
	// connection set; it resolves through the same drop path.
	for _, c := range m.srv.registry.Conns() {
		if p, ok := c.(*peer); ok && !p.Open() {
			p.drop("closed channel")
		}
	}
}
