package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tournament-engine/internal/domain"
)

// session owns the lifecycle of one tournament or study session run. Every
// transition happens under s.mu, so at most one executes at a time for a
// given session while different sessions proceed in parallel.
//
// Timer callbacks re-enter through the orchestrator, which drops callbacks
// for evicted sessions; late callbacks that do land here are detected by the
// status and index guards and absorbed as no-ops.
type session struct {
	mu sync.Mutex

	id       string
	quiz     domain.Quiz
	status   domain.SessionStatus
	startAt  time.Time // optional auto-start for scheduled sessions
	perQuest time.Duration
	duration time.Duration

	idx          int
	questionOpen bool
	openedAt     time.Time
	startedAt    time.Time
	endsAt       time.Time

	questionTimer Timer
	sessionTimer  Timer

	clock    Clock
	ledger   AnswerLedger
	registry ParticipantRegistry
	effects  EffectSink
	timers   timerScheduler
	terminal func(id string, status domain.SessionStatus)
}

// timerScheduler is how a session requests future callbacks. The
// orchestrator implements it so every callback is routed back through the
// session lookup, which is what makes post-eviction callbacks harmless.
type timerScheduler interface {
	scheduleQuestionDeadline(sessionID string, index int, at time.Time) Timer
	scheduleSessionDeadline(sessionID string, at time.Time) Timer
}

func (s *session) register(ctx context.Context, userID, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return fmt.Errorf("%w: session %s is %s", domain.ErrInvalidState, s.id, s.status)
	}
	return s.registry.Register(ctx, domain.Participant{
		SessionID:      s.id,
		UserID:         userID,
		DisplayName:    displayName,
		Status:         domain.ParticipantRegistered,
		LastActivityAt: s.clock.Now(),
	})
}

// start moves the session from scheduled to in-progress, arms the session
// deadline and opens question zero.
func (s *session) start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != domain.SessionScheduled {
		return fmt.Errorf("%w: cannot start session %s in state %s", domain.ErrInvalidState, s.id, s.status)
	}
	participants, err := s.registry.Participants(ctx, s.id)
	if err != nil {
		return fmt.Errorf("load participants: %w", err)
	}
	if len(participants) == 0 {
		return fmt.Errorf("%w: session %s has no registered participants", domain.ErrInvalidState, s.id)
	}
	if len(s.quiz.Questions) == 0 {
		return fmt.Errorf("%w: session %s has no questions", domain.ErrInvalidState, s.id)
	}

	now := s.clock.Now()
	s.status = domain.SessionInProgress
	s.startedAt = now
	s.endsAt = now.Add(s.duration)
	s.sessionTimer = s.timers.scheduleSessionDeadline(s.id, s.endsAt)

	s.openQuestionLocked(ctx, 0)
	return nil
}

// openQuestionLocked broadcasts question i and arms its deadline timer.
// Callers hold s.mu.
func (s *session) openQuestionLocked(ctx context.Context, i int) {
	s.idx = i
	s.questionOpen = true
	s.openedAt = s.clock.Now()
	deadline := s.openedAt.Add(s.perQuest)

	if s.questionTimer != nil {
		s.questionTimer.Cancel()
	}
	s.questionTimer = s.timers.scheduleQuestionDeadline(s.id, i, deadline)

	s.effects.Enqueue(BroadcastQuestion{
		SessionID:  s.id,
		Index:      i,
		Question:   s.quiz.Questions[i],
		Deadline:   deadline,
		Recipients: s.activeParticipantIDs(ctx),
	})
}

func (s *session) activeParticipantIDs(ctx context.Context) []string {
	participants, err := s.registry.Participants(ctx, s.id)
	if err != nil {
		log.Printf("session %s: load participants: %v", s.id, err)
		return nil
	}
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		if !p.Status.Terminal() {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

// submit records one answer for the currently open question. Duplicate keys
// surface domain.ErrAlreadyAnswered and change nothing; the ledger's accept
// is the single source of truth when a submission races the deadline.
func (s *session) submit(ctx context.Context, questionID, participantID, optionID string) (domain.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != domain.SessionInProgress || !s.questionOpen {
		return domain.Answer{}, fmt.Errorf("%w: session %s is not accepting answers", domain.ErrStaleSubmission, s.id)
	}
	question := s.quiz.Questions[s.idx]
	if questionID != question.ID {
		return domain.Answer{}, fmt.Errorf("%w: question %s is not open", domain.ErrStaleSubmission, questionID)
	}
	participant, err := s.registry.Get(ctx, s.id, participantID)
	if err != nil {
		return domain.Answer{}, err
	}
	if participant.Status.Terminal() {
		return domain.Answer{}, fmt.Errorf("%w: participant %s is %s", domain.ErrStaleSubmission, participantID, participant.Status)
	}

	now := s.clock.Now()
	latency := now.Sub(s.openedAt)
	correct, points := Score(question, optionID, latency, s.perQuest)

	accepted, err := s.ledger.Accept(ctx, domain.Answer{
		SessionID:     s.id,
		QuestionID:    question.ID,
		ParticipantID: participantID,
		OptionID:      optionID,
		Correct:       correct,
		Points:        points,
		Latency:       latency,
		SubmittedAt:   now,
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyAnswered) {
			return domain.Answer{}, err
		}
		return domain.Answer{}, fmt.Errorf("accept answer: %w", err)
	}

	total, err := s.registry.ApplyScore(ctx, s.id, participantID, points, correct, now)
	if err != nil {
		return accepted, fmt.Errorf("apply score: %w", err)
	}

	s.effects.Enqueue(NotifyParticipant{
		SessionID:     s.id,
		ParticipantID: participantID,
		Outcome: domain.AnswerOutcome{
			QuestionID: question.ID,
			OptionID:   optionID,
			Correct:    correct,
			Awarded:    points,
			TotalScore: total,
		},
	})

	if s.everyoneAnsweredLocked(ctx, question.ID) {
		// Fast-forward: no point waiting out the deadline.
		s.advanceLocked(ctx)
	}
	return accepted, nil
}

func (s *session) everyoneAnsweredLocked(ctx context.Context, questionID string) bool {
	participants, err := s.registry.Participants(ctx, s.id)
	if err != nil {
		log.Printf("session %s: load participants: %v", s.id, err)
		return false
	}
	active := 0
	for _, p := range participants {
		if !p.Status.Terminal() {
			active++
		}
	}
	answers, err := s.ledger.Answers(ctx, s.id, questionID)
	if err != nil {
		log.Printf("session %s: load answers: %v", s.id, err)
		return false
	}
	return active > 0 && len(answers) >= active
}

// onQuestionDeadline fires when question index's timer elapses. Participants
// who did not answer get nothing recorded: the absence of a ledger row for
// the key is itself the zero-point outcome and stays queryable.
func (s *session) onQuestionDeadline(ctx context.Context, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != domain.SessionInProgress || !s.questionOpen || s.idx != index {
		log.Printf("session %s: late question timer for index %d ignored", s.id, index)
		return
	}
	s.advanceLocked(ctx)
}

// advanceLocked closes the open question and either opens the next one or
// finalizes the session. Callers hold s.mu and have already verified the
// index they acted on, so advancing twice from the same index cannot happen.
func (s *session) advanceLocked(ctx context.Context) {
	s.questionOpen = false
	if s.questionTimer != nil {
		s.questionTimer.Cancel()
		s.questionTimer = nil
	}
	next := s.idx + 1
	if next < len(s.quiz.Questions) {
		s.openQuestionLocked(ctx, next)
		return
	}
	s.finalizeLocked(ctx)
}

// onSessionDeadline fires when endsAt is reached. It takes precedence over
// whatever sub-state is active and short-circuits remaining questions.
func (s *session) onSessionDeadline(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != domain.SessionInProgress {
		log.Printf("session %s: late session timer ignored", s.id)
		return
	}
	s.finalizeLocked(ctx)
}

func (s *session) finalizeLocked(ctx context.Context) {
	if s.status.Terminal() {
		return
	}
	s.cancelTimersLocked()

	now := s.clock.Now()
	participants, err := s.registry.Participants(ctx, s.id)
	if err != nil {
		log.Printf("session %s: load participants for ranking: %v", s.id, err)
	}
	answers, err := s.ledger.BySession(ctx, s.id)
	if err != nil {
		log.Printf("session %s: load ledger for ranking: %v", s.id, err)
	}
	standings := Rank(participants, answers)

	if err := s.registry.FinishAll(ctx, s.id, domain.ParticipantCompleted, now); err != nil {
		log.Printf("session %s: finish participants: %v", s.id, err)
	}
	s.status = domain.SessionCompleted

	s.effects.Enqueue(SessionFinished{
		SessionID: s.id,
		QuizID:    s.quiz.ID,
		StartedAt: s.startedAt,
		EndedAt:   now,
		Standings: standings,
	})
	s.terminal(s.id, s.status)
}

// cancel aborts the session. Cancelling an already terminal session is a
// no-op, not an error, so retried stop commands and races with completion
// stay harmless.
func (s *session) cancel(ctx context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return nil
	}
	s.cancelTimersLocked()

	now := s.clock.Now()
	if err := s.registry.FinishAll(ctx, s.id, domain.ParticipantCancelled, now); err != nil {
		log.Printf("session %s: cancel participants: %v", s.id, err)
	}
	s.status = domain.SessionCancelled
	s.questionOpen = false

	s.effects.Enqueue(SessionCancelled{
		SessionID: s.id,
		QuizID:    s.quiz.ID,
		Reason:    reason,
		At:        now,
	})
	s.terminal(s.id, s.status)
	return nil
}

func (s *session) cancelTimersLocked() {
	if s.questionTimer != nil {
		s.questionTimer.Cancel()
		s.questionTimer = nil
	}
	if s.sessionTimer != nil {
		s.sessionTimer.Cancel()
		s.sessionTimer = nil
	}
}

// sweep is the safety net for timers lost to a restart or a stalled wheel:
// it force-fires deadlines that are overdue at now. Each path re-checks
// state under the lock, so sweeping is always idempotent.
func (s *session) sweep(ctx context.Context, now time.Time) {
	s.mu.Lock()
	status := s.status
	startAt := s.startAt
	endsAt := s.endsAt
	open := s.questionOpen
	openedAt := s.openedAt
	idx := s.idx
	perQuest := s.perQuest
	s.mu.Unlock()

	switch status {
	case domain.SessionScheduled:
		if !startAt.IsZero() && !now.Before(startAt) {
			if err := s.start(ctx); err != nil {
				log.Printf("session %s: scheduled start failed: %v", s.id, err)
			}
		}
	case domain.SessionInProgress:
		if !now.Before(endsAt) {
			s.onSessionDeadline(ctx)
			return
		}
		if open && !now.Before(openedAt.Add(perQuest)) {
			s.onQuestionDeadline(ctx, idx)
		}
	}
}

type sessionSnapshot struct {
	id        string
	status    domain.SessionStatus
	idx       int
	questions int
}

func (s *session) snapshot() sessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sessionSnapshot{id: s.id, status: s.status, idx: s.idx, questions: len(s.quiz.Questions)}
}
