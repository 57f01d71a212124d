package memory

import (
	"context"
	"sync"

	"tournament-engine/internal/domain"
)

type answerKey struct {
	session     string
	question    string
	participant string
}

// Ledger is an in-memory engine.AnswerLedger. One mutex guards the whole
// map, which keeps Accept atomic per key: the first caller stores, every
// later caller for the same key gets domain.ErrAlreadyAnswered.
type Ledger struct {
	mu      sync.Mutex
	answers map[answerKey]domain.Answer
}

func NewLedger() *Ledger {
	return &Ledger{answers: make(map[answerKey]domain.Answer)}
}

func (l *Ledger) Accept(_ context.Context, a domain.Answer) (domain.Answer, error) {
	key := answerKey{session: a.SessionID, question: a.QuestionID, participant: a.ParticipantID}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.answers[key]; ok {
		return domain.Answer{}, domain.ErrAlreadyAnswered
	}
	l.answers[key] = a
	return a, nil
}

func (l *Ledger) Answers(_ context.Context, sessionID, questionID string) ([]domain.Answer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Answer
	for key, a := range l.answers {
		if key.session == sessionID && key.question == questionID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (l *Ledger) BySession(_ context.Context, sessionID string) ([]domain.Answer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Answer
	for key, a := range l.answers {
		if key.session == sessionID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (l *Ledger) CountBySession(_ context.Context, sessionID string) (map[string]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := make(map[string]int)
	for key := range l.answers {
		if key.session == sessionID {
			counts[key.participant]++
		}
	}
	return counts, nil
}
