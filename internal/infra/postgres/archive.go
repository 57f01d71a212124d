package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"tournament-engine/internal/engine"
)

// SessionRecord is the durable row for a finished or cancelled session.
// Sessions are archived, never deleted.
type SessionRecord struct {
	bun.BaseModel `bun:"table:session_archive"`

	ID        string    `bun:"id,pk"`
	QuizID    string    `bun:"quiz_id"`
	Status    string    `bun:"status"`
	Reason    string    `bun:"reason"`
	StartedAt time.Time `bun:"started_at,nullzero"`
	EndedAt   time.Time `bun:"ended_at,nullzero"`
}

// StandingRecord is one row of a session's final ranking.
type StandingRecord struct {
	bun.BaseModel `bun:"table:session_standings"`

	SessionID     string    `bun:"session_id,pk"`
	ParticipantID string    `bun:"participant_id,pk"`
	Position      int       `bun:"position"`
	DisplayName   string    `bun:"display_name"`
	Score         int       `bun:"score"`
	Correct       int       `bun:"correct"`
	CompletedAt   time.Time `bun:"completed_at,nullzero"`
}

// Archive persists terminal session outcomes. It consumes effects like any
// other delivery, so a slow or failing database can never block or roll
// back a state transition; the executor retries it instead.
type Archive struct {
	db *bun.DB
}

func NewArchive(db *bun.DB) *Archive {
	return &Archive{db: db}
}

func (a *Archive) BroadcastQuestion(context.Context, engine.BroadcastQuestion) error { return nil }
func (a *Archive) NotifyParticipant(context.Context, engine.NotifyParticipant) error { return nil }

func (a *Archive) SessionFinished(ctx context.Context, e engine.SessionFinished) error {
	record := &SessionRecord{
		ID:        e.SessionID,
		QuizID:    e.QuizID,
		Status:    "completed",
		StartedAt: e.StartedAt,
		EndedAt:   e.EndedAt,
	}
	standings := make([]StandingRecord, 0, len(e.Standings))
	for _, s := range e.Standings {
		standings = append(standings, StandingRecord{
			SessionID:     e.SessionID,
			ParticipantID: s.ParticipantID,
			Position:      s.Position,
			DisplayName:   s.DisplayName,
			Score:         s.Score,
			Correct:       s.Correct,
			CompletedAt:   s.CompletedAt,
		})
	}

	return a.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(record).On("CONFLICT (id) DO NOTHING").Exec(ctx); err != nil {
			return fmt.Errorf("archive session: %w", err)
		}
		if len(standings) == 0 {
			return nil
		}
		if _, err := tx.NewInsert().Model(&standings).On("CONFLICT (session_id, participant_id) DO NOTHING").Exec(ctx); err != nil {
			return fmt.Errorf("archive standings: %w", err)
		}
		return nil
	})
}

func (a *Archive) SessionCancelled(ctx context.Context, e engine.SessionCancelled) error {
	record := &SessionRecord{
		ID:      e.SessionID,
		QuizID:  e.QuizID,
		Status:  "cancelled",
		Reason:  e.Reason,
		EndedAt: e.At,
	}
	if _, err := a.db.NewInsert().Model(record).On("CONFLICT (id) DO NOTHING").Exec(ctx); err != nil {
		return fmt.Errorf("archive cancelled session: %w", err)
	}
	return nil
}
