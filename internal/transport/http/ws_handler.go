package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"tournament-engine/internal/domain"
	"tournament-engine/internal/engine"
)

// WSHandler wires participant websockets into the orchestrator: inbound
// answer frames become submissions, outbound frames come from the hub.
type WSHandler struct {
	orch     *engine.Orchestrator
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewWSHandler(orch *engine.Orchestrator, hub *Hub) *WSHandler {
	return &WSHandler{
		orch: orch,
		hub:  hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	QuestionID string `json:"questionId"`
	OptionID   string `json:"optionId"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS upgrades the request, enrolls the participant and pumps frames
// until the client disconnects.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	userID := r.URL.Query().Get("userId")
	displayName := r.URL.Query().Get("name")
	if sessionID == "" || userID == "" || displayName == "" {
		http.Error(w, "missing sessionId, userId, or name", http.StatusBadRequest)
		return
	}

	if err := h.orch.Register(r.Context(), sessionID, userID, displayName); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, domain.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub, cancel := h.hub.subscribe(sessionID, userID)
	defer cancel()

	send := make(chan outboundMessage, 16)
	writerDone := make(chan struct{})
	forwarderDone := make(chan struct{})
	closeSignals := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}()

	go func() {
		defer close(forwarderDone)
		for {
			select {
			case msg, ok := <-sub.ch:
				if !ok {
					return
				}
				select {
				case send <- msg:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	send <- outboundMessage{Type: "joined", Payload: map[string]string{
		"sessionId": sessionID,
		"userId":    userID,
	}}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "answer":
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				send <- outboundMessage{Type: "error", Payload: errorPayload{Message: "invalid answer payload"}}
				continue
			}
			_, err := h.orch.SubmitAnswer(r.Context(), sessionID, payload.QuestionID, userID, payload.OptionID)
			switch {
			case err == nil:
				// Outcome arrives as an answerResult frame from the hub.
			case errors.Is(err, domain.ErrAlreadyAnswered):
				send <- outboundMessage{Type: "duplicate", Payload: errorPayload{Message: err.Error()}}
			default:
				send <- outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error()}}
			}
		default:
			send <- outboundMessage{Type: "error", Payload: errorPayload{Message: "unsupported message type"}}
		}
	}

	// The forwarder must be gone before send closes, or a hub frame racing
	// the disconnect lands on a closed channel.
	close(closeSignals)
	<-forwarderDone
	close(send)
	<-writerDone
}
