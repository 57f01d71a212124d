package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"tournament-engine/internal/domain"
)

// AnswerLedger is the append-only record of accepted answers. Accept must be
// safe under concurrent calls for the same key: exactly one caller wins, all
// others get domain.ErrAlreadyAnswered.
type AnswerLedger interface {
	Accept(ctx context.Context, a domain.Answer) (domain.Answer, error)
	Answers(ctx context.Context, sessionID, questionID string) ([]domain.Answer, error)
	BySession(ctx context.Context, sessionID string) ([]domain.Answer, error)
	CountBySession(ctx context.Context, sessionID string) (map[string]int, error)
}

// ParticipantRegistry tracks enrollment and per-session participant state.
// Implementations must be safe under concurrent access keyed by session id.
type ParticipantRegistry interface {
	Register(ctx context.Context, p domain.Participant) error
	Get(ctx context.Context, sessionID, userID string) (domain.Participant, error)
	Participants(ctx context.Context, sessionID string) ([]domain.Participant, error)
	// ApplyScore adds points to the participant's running score exactly once
	// per accepted answer and returns the new total.
	ApplyScore(ctx context.Context, sessionID, userID string, points int, correct bool, at time.Time) (int, error)
	// FinishAll moves every non-terminal participant of the session to the
	// given terminal status. Terminal participants are never touched.
	FinishAll(ctx context.Context, sessionID string, status domain.ParticipantStatus, at time.Time) error
}

// QuestionSource loads quiz content (from cache/backing store).
type QuestionSource interface {
	Quiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// Config is the orchestrator's active configuration. Reload means building a
// new Config value and a new Orchestrator around it, never mutating fields
// of a running one.
type Config struct {
	QuestionDeadline time.Duration
	SessionDuration  time.Duration
	EffectWorkers    int
	EffectRetries    uint64
}

func (c Config) withDefaults() Config {
	if c.QuestionDeadline <= 0 {
		c.QuestionDeadline = 30 * time.Second
	}
	if c.SessionDuration <= 0 {
		c.SessionDuration = 30 * time.Minute
	}
	if c.EffectWorkers <= 0 {
		c.EffectWorkers = 4
	}
	if c.EffectRetries == 0 {
		c.EffectRetries = 5
	}
	return c
}

// SessionParams describes one session to create. Zero deadline/duration
// fall back to the orchestrator's configured defaults; a zero StartAt means
// the session waits for an explicit StartSession call.
type SessionParams struct {
	ID               string
	QuizID           string
	StartAt          time.Time
	QuestionDeadline time.Duration
	Duration         time.Duration
}

// Stats is a read-only snapshot of the orchestrator.
type Stats struct {
	Scheduled        int            `json:"scheduled"`
	Active           int            `json:"active"`
	Completed        int            `json:"completed"`
	Cancelled        int            `json:"cancelled"`
	TotalAnswers     int            `json:"totalAnswers"`
	AnswersBySession map[string]int `json:"answersBySession"`
}

// Orchestrator supervises many concurrent sessions: it multiplexes timer
// callbacks and answer submissions to the right instance and owns the public
// control surface. Completed and cancelled sessions are evicted after their
// terminal effect is emitted; callbacks that fire later find no session and
// are dropped.
type Orchestrator struct {
	mu       sync.RWMutex
	sessions map[string]*session

	completed int
	cancelled int

	clock     Clock
	ledger    AnswerLedger
	registry  ParticipantRegistry
	questions QuestionSource
	effects   EffectSink
	cfg       Config
}

func NewOrchestrator(clock Clock, ledger AnswerLedger, registry ParticipantRegistry, questions QuestionSource, effects EffectSink, cfg Config) *Orchestrator {
	return &Orchestrator{
		sessions:  make(map[string]*session),
		clock:     clock,
		ledger:    ledger,
		registry:  registry,
		questions: questions,
		effects:   effects,
		cfg:       cfg.withDefaults(),
	}
}

// CreateSession loads the quiz and installs a scheduled session instance.
func (o *Orchestrator) CreateSession(ctx context.Context, params SessionParams) error {
	quiz, err := o.questions.Quiz(ctx, params.QuizID)
	if err != nil {
		return fmt.Errorf("load quiz %s: %w", params.QuizID, err)
	}

	perQuest := params.QuestionDeadline
	if perQuest <= 0 {
		perQuest = o.cfg.QuestionDeadline
	}
	duration := params.Duration
	if duration <= 0 {
		duration = o.cfg.SessionDuration
	}

	s := &session{
		id:       params.ID,
		quiz:     quiz,
		status:   domain.SessionScheduled,
		startAt:  params.StartAt,
		perQuest: perQuest,
		duration: duration,
		clock:    o.clock,
		ledger:   o.ledger,
		registry: o.registry,
		effects:  o.effects,
		timers:   o,
		terminal: o.onTerminal,
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.sessions[params.ID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrSessionExists, params.ID)
	}
	o.sessions[params.ID] = s
	return nil
}

// Register enrolls an identity into a non-terminal session.
func (o *Orchestrator) Register(ctx context.Context, sessionID, userID, displayName string) error {
	s, err := o.lookup(sessionID)
	if err != nil {
		return err
	}
	return s.register(ctx, userID, displayName)
}

// StartSession begins question delivery for a scheduled session.
func (o *Orchestrator) StartSession(ctx context.Context, sessionID string) error {
	s, err := o.lookup(sessionID)
	if err != nil {
		return err
	}
	return s.start(ctx)
}

// StopSession cancels a session. Stopping an already finished or cancelled
// session is a no-op.
func (o *Orchestrator) StopSession(ctx context.Context, sessionID, reason string) error {
	s, err := o.lookup(sessionID)
	if err != nil {
		return err
	}
	return s.cancel(ctx, reason)
}

// SubmitAnswer routes one submission to its session.
func (o *Orchestrator) SubmitAnswer(ctx context.Context, sessionID, questionID, participantID, optionID string) (domain.Answer, error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return domain.Answer{}, err
	}
	return s.submit(ctx, questionID, participantID, optionID)
}

// Stats computes a snapshot from resident sessions plus the answer ledger.
// It never mutates state.
func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	o.mu.RLock()
	resident := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		resident = append(resident, s)
	}
	stats := Stats{
		Completed:        o.completed,
		Cancelled:        o.cancelled,
		AnswersBySession: make(map[string]int),
	}
	o.mu.RUnlock()

	for _, s := range resident {
		snap := s.snapshot()
		switch snap.status {
		case domain.SessionScheduled:
			stats.Scheduled++
		case domain.SessionInProgress:
			stats.Active++
		}
		counts, err := o.ledger.CountBySession(ctx, snap.id)
		if err != nil {
			return Stats{}, fmt.Errorf("count answers for %s: %w", snap.id, err)
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		stats.AnswersBySession[snap.id] = total
		stats.TotalAnswers += total
	}
	return stats, nil
}

// Sweep force-fires overdue deadlines and starts due scheduled sessions.
// It backs up the in-process timers after a restart or a missed callback;
// every path it takes is idempotent.
func (o *Orchestrator) Sweep(ctx context.Context, now time.Time) {
	o.mu.RLock()
	resident := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		resident = append(resident, s)
	}
	o.mu.RUnlock()

	for _, s := range resident {
		s.sweep(ctx, now)
	}
}

func (o *Orchestrator) lookup(sessionID string) (*session, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// scheduleQuestionDeadline implements timerScheduler. The callback resolves
// the session again at fire time, so timers that outlive an eviction land
// nowhere instead of crashing.
func (o *Orchestrator) scheduleQuestionDeadline(sessionID string, index int, at time.Time) Timer {
	return o.clock.Schedule(at, func() {
		s, err := o.lookup(sessionID)
		if err != nil {
			log.Printf("question timer for evicted session %s ignored", sessionID)
			return
		}
		s.onQuestionDeadline(context.Background(), index)
	})
}

func (o *Orchestrator) scheduleSessionDeadline(sessionID string, at time.Time) Timer {
	return o.clock.Schedule(at, func() {
		s, err := o.lookup(sessionID)
		if err != nil {
			log.Printf("session timer for evicted session %s ignored", sessionID)
			return
		}
		s.onSessionDeadline(context.Background())
	})
}

// onTerminal is invoked by a session right after it emits its terminal
// effect. The session still holds its own lock here; that is safe because
// no caller ever holds o.mu while waiting on a session lock (lookup
// releases o.mu before returning), so the s.mu -> o.mu order is acyclic.
func (o *Orchestrator) onTerminal(sessionID string, status domain.SessionStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.sessions[sessionID]; !ok {
		return
	}
	delete(o.sessions, sessionID)
	switch status {
	case domain.SessionCompleted:
		o.completed++
	case domain.SessionCancelled:
		o.cancelled++
	}
}
