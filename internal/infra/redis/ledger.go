package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tournament-engine/internal/domain"
)

// Ledger is a Redis-backed engine.AnswerLedger. Accept is a single SETNX on
// the composite (session, question, participant) key, so exactly one writer
// wins regardless of how many processes race on the same key. An index set
// per session keeps the per-question and per-session queries cheap.
type Ledger struct {
	client *redis.Client
	ttl    time.Duration
}

func NewLedger(client *redis.Client, ttl time.Duration) *Ledger {
	return &Ledger{client: client, ttl: ttl}
}

func (l *Ledger) Accept(ctx context.Context, a domain.Answer) (domain.Answer, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return domain.Answer{}, fmt.Errorf("marshal answer: %w", err)
	}

	ok, err := l.client.SetNX(ctx, l.answerKey(a.SessionID, a.QuestionID, a.ParticipantID), raw, l.ttl).Result()
	if err != nil {
		return domain.Answer{}, fmt.Errorf("accept answer: %w", err)
	}
	if !ok {
		return domain.Answer{}, domain.ErrAlreadyAnswered
	}

	pipe := l.client.Pipeline()
	pipe.SAdd(ctx, l.indexKey(a.SessionID), a.QuestionID+"/"+a.ParticipantID)
	if l.ttl > 0 {
		pipe.Expire(ctx, l.indexKey(a.SessionID), l.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Answer{}, fmt.Errorf("index answer: %w", err)
	}
	return a, nil
}

func (l *Ledger) Answers(ctx context.Context, sessionID, questionID string) ([]domain.Answer, error) {
	return l.load(ctx, sessionID, func(qID, _ string) bool { return qID == questionID })
}

func (l *Ledger) BySession(ctx context.Context, sessionID string) ([]domain.Answer, error) {
	return l.load(ctx, sessionID, func(_, _ string) bool { return true })
}

func (l *Ledger) CountBySession(ctx context.Context, sessionID string) (map[string]int, error) {
	members, err := l.client.SMembers(ctx, l.indexKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load answer index: %w", err)
	}
	counts := make(map[string]int)
	for _, member := range members {
		_, participantID, ok := splitMember(member)
		if !ok {
			continue
		}
		counts[participantID]++
	}
	return counts, nil
}

func (l *Ledger) load(ctx context.Context, sessionID string, keep func(questionID, participantID string) bool) ([]domain.Answer, error) {
	members, err := l.client.SMembers(ctx, l.indexKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load answer index: %w", err)
	}

	var keys []string
	for _, member := range members {
		questionID, participantID, ok := splitMember(member)
		if !ok || !keep(questionID, participantID) {
			continue
		}
		keys = append(keys, l.answerKey(sessionID, questionID, participantID))
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := l.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load answers: %w", err)
	}
	answers := make([]domain.Answer, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // expired between index read and fetch
		}
		var a domain.Answer
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("unmarshal answer: %w", err)
		}
		answers = append(answers, a)
	}
	return answers, nil
}

func (l *Ledger) answerKey(sessionID, questionID, participantID string) string {
	return "session:" + sessionID + ":answer:" + questionID + ":" + participantID
}

func (l *Ledger) indexKey(sessionID string) string {
	return "session:" + sessionID + ":answers"
}

func splitMember(member string) (questionID, participantID string, ok bool) {
	i := strings.IndexByte(member, '/')
	if i < 0 {
		return "", "", false
	}
	return member[:i], member[i+1:], true
}
