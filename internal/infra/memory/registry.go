package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"tournament-engine/internal/domain"
)

// Registry is an in-memory engine.ParticipantRegistry.
type Registry struct {
	mu        sync.RWMutex
	bySession map[string]map[string]*domain.Participant
}

func NewRegistry() *Registry {
	return &Registry{bySession: make(map[string]map[string]*domain.Participant)}
}

// Register enrolls the participant, or refreshes the display name if the
// identity is already enrolled (rejoin after a reconnect).
func (r *Registry) Register(_ context.Context, p domain.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	participants, ok := r.bySession[p.SessionID]
	if !ok {
		participants = make(map[string]*domain.Participant)
		r.bySession[p.SessionID] = participants
	}
	if existing, ok := participants[p.UserID]; ok {
		if p.DisplayName != "" {
			existing.DisplayName = p.DisplayName
		}
		existing.LastActivityAt = p.LastActivityAt
		return nil
	}
	if p.Status == "" {
		p.Status = domain.ParticipantRegistered
	}
	stored := p
	participants[p.UserID] = &stored
	return nil
}

func (r *Registry) Get(_ context.Context, sessionID, userID string) (domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.bySession[sessionID][userID]
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	return *p, nil
}

// Participants returns the session roster in a stable order.
func (r *Registry) Participants(_ context.Context, sessionID string) ([]domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	participants := r.bySession[sessionID]
	out := make([]domain.Participant, 0, len(participants))
	for _, p := range participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (r *Registry) ApplyScore(_ context.Context, sessionID, userID string, points int, correct bool, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.bySession[sessionID][userID]
	if !ok {
		return 0, domain.ErrParticipantNotFound
	}
	p.Score += points
	if correct {
		p.Correct++
	}
	if p.Status == domain.ParticipantRegistered {
		p.Status = domain.ParticipantInProgress
	}
	p.LastActivityAt = at
	return p.Score, nil
}

func (r *Registry) FinishAll(_ context.Context, sessionID string, status domain.ParticipantStatus, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.bySession[sessionID] {
		if p.Status.Terminal() {
			continue
		}
		p.Status = status
		p.LastActivityAt = at
	}
	return nil
}
