package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tournament-engine/internal/domain"
)

// Registry is a Redis-backed engine.ParticipantRegistry: one hash per
// (session, participant) plus a roster set per session. Score updates use
// HIncrBy, so concurrent ApplyScore calls from several processes stay safe.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRegistry(client *redis.Client, ttl time.Duration) *Registry {
	return &Registry{client: client, ttl: ttl}
}

func (r *Registry) Register(ctx context.Context, p domain.Participant) error {
	key := r.participantKey(p.SessionID, p.UserID)
	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check participant: %w", err)
	}

	pipe := r.client.TxPipeline()
	if exists == 0 {
		status := p.Status
		if status == "" {
			status = domain.ParticipantRegistered
		}
		pipe.HSet(ctx, key,
			"displayName", p.DisplayName,
			"status", string(status),
			"score", p.Score,
			"correct", p.Correct,
			"lastActivityAt", p.LastActivityAt.UnixNano(),
		)
	} else {
		if p.DisplayName != "" {
			pipe.HSet(ctx, key, "displayName", p.DisplayName)
		}
		pipe.HSet(ctx, key, "lastActivityAt", p.LastActivityAt.UnixNano())
	}
	pipe.SAdd(ctx, r.rosterKey(p.SessionID), p.UserID)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
		pipe.Expire(ctx, r.rosterKey(p.SessionID), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register participant: %w", err)
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, sessionID, userID string) (domain.Participant, error) {
	fields, err := r.client.HGetAll(ctx, r.participantKey(sessionID, userID)).Result()
	if err != nil {
		return domain.Participant{}, fmt.Errorf("load participant: %w", err)
	}
	if len(fields) == 0 {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	return participantFromHash(sessionID, userID, fields), nil
}

func (r *Registry) Participants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	userIDs, err := r.client.SMembers(ctx, r.rosterKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	out := make([]domain.Participant, 0, len(userIDs))
	for _, userID := range userIDs {
		p, err := r.Get(ctx, sessionID, userID)
		if err != nil {
			if err == domain.ErrParticipantNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *Registry) ApplyScore(ctx context.Context, sessionID, userID string, points int, correct bool, at time.Time) (int, error) {
	key := r.participantKey(sessionID, userID)
	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("check participant: %w", err)
	}
	if exists == 0 {
		return 0, domain.ErrParticipantNotFound
	}

	total, err := r.client.HIncrBy(ctx, key, "score", int64(points)).Result()
	if err != nil {
		return 0, fmt.Errorf("apply score: %w", err)
	}
	pipe := r.client.Pipeline()
	if correct {
		pipe.HIncrBy(ctx, key, "correct", 1)
	}
	pipe.HSet(ctx, key, "lastActivityAt", at.UnixNano())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("apply score: %w", err)
	}

	status, err := r.client.HGet(ctx, key, "status").Result()
	if err == nil && domain.ParticipantStatus(status) == domain.ParticipantRegistered {
		_ = r.client.HSet(ctx, key, "status", string(domain.ParticipantInProgress)).Err()
	}
	return int(total), nil
}

func (r *Registry) FinishAll(ctx context.Context, sessionID string, status domain.ParticipantStatus, at time.Time) error {
	participants, err := r.Participants(ctx, sessionID)
	if err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	for _, p := range participants {
		if p.Status.Terminal() {
			continue
		}
		pipe.HSet(ctx, r.participantKey(sessionID, p.UserID),
			"status", string(status),
			"lastActivityAt", at.UnixNano(),
		)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("finish participants: %w", err)
	}
	return nil
}

func (r *Registry) participantKey(sessionID, userID string) string {
	return "session:" + sessionID + ":participant:" + userID
}

func (r *Registry) rosterKey(sessionID string) string {
	return "session:" + sessionID + ":roster"
}

func participantFromHash(sessionID, userID string, fields map[string]string) domain.Participant {
	score, _ := strconv.Atoi(fields["score"])
	correct, _ := strconv.Atoi(fields["correct"])
	nanos, _ := strconv.ParseInt(fields["lastActivityAt"], 10, 64)
	return domain.Participant{
		SessionID:      sessionID,
		UserID:         userID,
		DisplayName:    fields["displayName"],
		Status:         domain.ParticipantStatus(fields["status"]),
		Score:          score,
		Correct:        correct,
		LastActivityAt: time.Unix(0, nanos),
	}
}
