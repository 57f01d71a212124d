package http

import (
	"context"
	"sync"
	"time"

	"tournament-engine/internal/engine"
)

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type questionPayload struct {
	SessionID string    `json:"sessionId"`
	Index     int       `json:"index"`
	Question  any       `json:"question"`
	Deadline  time.Time `json:"deadline"`
}

// Hub fans engine effects out to connected websocket clients. It implements
// engine.Delivery; the effect executor calls it off the state-machine path.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[string][]*subscriber // sessionID -> participantID -> conns
}

type subscriber struct {
	ch chan outboundMessage
}

func NewHub() *Hub {
	return &Hub{sessions: make(map[string]map[string][]*subscriber)}
}

func (h *Hub) subscribe(sessionID, participantID string) (*subscriber, func()) {
	sub := &subscriber{ch: make(chan outboundMessage, 16)}

	h.mu.Lock()
	participants, ok := h.sessions[sessionID]
	if !ok {
		participants = make(map[string][]*subscriber)
		h.sessions[sessionID] = participants
	}
	participants[participantID] = append(participants[participantID], sub)
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.sessions[sessionID][participantID]
		for i, s := range subs {
			if s == sub {
				h.sessions[sessionID][participantID] = append(subs[:i], subs[i+1:]...)
				close(sub.ch)
				break
			}
		}
		if len(h.sessions[sessionID][participantID]) == 0 {
			delete(h.sessions[sessionID], participantID)
		}
		if len(h.sessions[sessionID]) == 0 {
			delete(h.sessions, sessionID)
		}
	}
	return sub, cancel
}

// send never blocks delivery: a slow client loses its oldest pending frame.
func (h *Hub) send(sub *subscriber, msg outboundMessage) {
	select {
	case sub.ch <- msg:
	default:
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

func (h *Hub) toParticipants(sessionID string, participantIDs []string, msg outboundMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	participants := h.sessions[sessionID]
	for _, id := range participantIDs {
		for _, sub := range participants[id] {
			h.send(sub, msg)
		}
	}
}

func (h *Hub) toSession(sessionID string, msg outboundMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, subs := range h.sessions[sessionID] {
		for _, sub := range subs {
			h.send(sub, msg)
		}
	}
}

func (h *Hub) BroadcastQuestion(_ context.Context, e engine.BroadcastQuestion) error {
	msg := outboundMessage{Type: "question", Payload: questionPayload{
		SessionID: e.SessionID,
		Index:     e.Index,
		Question:  e.Question.Redacted(),
		Deadline:  e.Deadline,
	}}
	if len(e.Recipients) == 0 {
		h.toSession(e.SessionID, msg)
		return nil
	}
	h.toParticipants(e.SessionID, e.Recipients, msg)
	return nil
}

func (h *Hub) NotifyParticipant(_ context.Context, e engine.NotifyParticipant) error {
	h.toParticipants(e.SessionID, []string{e.ParticipantID}, outboundMessage{
		Type:    "answerResult",
		Payload: e.Outcome,
	})
	return nil
}

func (h *Hub) SessionFinished(_ context.Context, e engine.SessionFinished) error {
	h.toSession(e.SessionID, outboundMessage{Type: "finished", Payload: map[string]any{
		"sessionId": e.SessionID,
		"standings": e.Standings,
	}})
	return nil
}

func (h *Hub) SessionCancelled(_ context.Context, e engine.SessionCancelled) error {
	h.toSession(e.SessionID, outboundMessage{Type: "cancelled", Payload: map[string]any{
		"sessionId": e.SessionID,
		"reason":    e.Reason,
	}})
	return nil
}
