package signaling

import (
	"errors"

	"github.com/google/uuid"

	"github.com/driftlab/peerhub/internal/metrics"
	"github.com/driftlab/peerhub/internal/room"
)

// route dispatches one inbound envelope. Handlers never fail the connection:
// everything short of a transport error is handled by replying, dropping or
// logging.
func (s *Server) route(p *peer, data []byte) {
	msg, err := parseClientMessage(data)
	if err != nil {
		s.metrics.DroppedEnvelopes.WithLabelValues(metrics.DropReasonMalformed).Inc()
		p.log.Debug("dropping malformed envelope", "err", err)
		return
	}
	s.metrics.InboundEnvelopes.WithLabelValues(string(msg.Type)).Inc()

	switch msg.Type {
	case messageTypeJoin:
		s.handleJoin(p, msg)
	case messageTypeSignal:
		s.handleSignal(p, msg)
	case messageTypeChat:
		s.handleChat(p, msg)
	case messageTypeUserAction:
		s.handleUserAction(p, msg)
	case messageTypeLeave:
		s.handleLeave(p)
	case messageTypePing:
		p.send(newServerMessage(messageTypePong))
	}
}

func (s *Server) handleJoin(p *peer, msg clientMessage) {
	// The room_joined reply and the user_joined fan-out are enqueued inside
	// the registry's critical section, so no concurrent room event can land
	// between the membership mutation and its announcement.
	_, err := s.registry.Join(msg.RoomID, msg.UserID, msg.Nick, msg.Avatar, p,
		func(existing []room.Member) {
			reply := newServerMessage(messageTypeRoomJoined)
			reply.YourID = msg.UserID
			reply.Users = make([]roomUser, 0, len(existing))
			for _, m := range existing {
				reply.Users = append(reply.Users, roomUser{
					UserID: m.User.ID,
					Nick:   m.User.Nick,
					Avatar: m.User.Avatar,
				})
			}
			p.send(reply)

			joined := newServerMessage(messageTypeUserJoined)
			joined.UserID = msg.UserID
			joined.Nick = msg.Nick
			joined.Avatar = msg.Avatar
			for _, m := range existing {
				deliver(m, joined)
			}
		})
	if err != nil {
		switch {
		case errors.Is(err, room.ErrDuplicateUser):
			p.send(errorMessage(errCodeDuplicateUser, "user id already taken in room"))
		case errors.Is(err, room.ErrAlreadyJoined):
			p.send(errorMessage(errCodeAlreadyJoined, "connection already joined a room"))
		}
		return
	}

	p.log.Info("user joined room", "room_id", msg.RoomID, "user_id", msg.UserID, "nick", msg.Nick)
}

// handleSignal relays an SDP offer/answer or ICE candidate to exactly one
// member. Undeliverable signals are dropped without an error reply; ICE
// races against leave/reap are routine.
func (s *Server) handleSignal(p *peer, msg clientMessage) {
	ms, ok := s.registry.Resolve(p)
	if !ok {
		s.metrics.DroppedEnvelopes.WithLabelValues(metrics.DropReasonUnresolved).Inc()
		return
	}

	target, ok := s.registry.LookupMember(ms.RoomID, msg.To)
	if !ok {
		s.metrics.DroppedEnvelopes.WithLabelValues(metrics.DropReasonUndeliverable).Inc()
		return
	}
	tp, ok := target.(*peer)
	if !ok || !tp.Open() {
		s.metrics.DroppedEnvelopes.WithLabelValues(metrics.DropReasonUndeliverable).Inc()
		return
	}

	out := newServerMessage(messageTypeSignal)
	out.From = ms.UserID
	out.Signal = msg.Signal
	tp.send(out)
}

func (s *Server) handleChat(p *peer, msg clientMessage) {
	ms, ok := s.registry.Resolve(p)
	if !ok {
		s.metrics.DroppedEnvelopes.WithLabelValues(metrics.DropReasonUnresolved).Inc()
		return
	}

	out := newServerMessage(messageTypeChat)
	out.From = ms.UserID
	out.FromNick = ms.Nick
	out.Message = msg.Message
	out.MessageID = uuid.NewString()

	// Full-room broadcast, sender included; the sender's copy is flagged so
	// clients can render their own echo distinctly.
	s.registry.Broadcast(ms.RoomID, func(m room.Member) {
		env := out
		env.Self = m.Conn == room.Conn(p)
		deliver(m, env)
	})
}

func (s *Server) handleUserAction(p *peer, msg clientMessage) {
	ms, ok := s.registry.Resolve(p)
	if !ok {
		s.metrics.DroppedEnvelopes.WithLabelValues(metrics.DropReasonUnresolved).Inc()
		return
	}

	out := newServerMessage(messageTypeUserAction)
	out.From = ms.UserID
	out.Action = msg.Action
	out.Value = msg.Value

	s.registry.Broadcast(ms.RoomID, func(m room.Member) {
		if m.Conn == room.Conn(p) {
			return
		}
		deliver(m, out)
	})
}

// handleLeave removes the sender's membership but keeps the connection open
// for a later re-join. A leave without membership is dropped silently.
func (s *Server) handleLeave(p *peer) {
	if ms, ok := s.removeAndNotify(p); ok {
		p.log.Info("user left room", "room_id", ms.RoomID, "user_id", ms.UserID)
	} else {
		s.metrics.DroppedEnvelopes.WithLabelValues(metrics.DropReasonUnresolved).Inc()
	}
}
