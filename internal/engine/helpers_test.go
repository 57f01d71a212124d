package engine_test

import (
	"context"
	"sync"
	"time"

	"tournament-engine/internal/domain"
	"tournament-engine/internal/engine"
	"tournament-engine/internal/infra/memory"
)

// manualClock is a deterministic engine.Clock for tests. Advance moves the
// clock and fires due timers in time order; callbacks run on the calling
// goroutine, so assertions after Advance see their full outcome.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock     *manualClock
	at        time.Time
	fn        func()
	cancelled bool
	fired     bool
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Schedule(at time.Time, fn func()) engine.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: at, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Cancel() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.cancelled {
		return false
	}
	t.cancelled = true
	return true
}

// Advance moves the clock forward by d, firing every timer that becomes due
// on the way, including timers scheduled by earlier callbacks.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var next *manualTimer
		for _, t := range c.timers {
			if t.cancelled || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		if next.at.After(c.now) {
			c.now = next.at
		}
		next.fired = true
		c.mu.Unlock()
		next.fn()
		c.mu.Lock()
	}
}

// effectRecorder is an engine.EffectSink that keeps every enqueued effect.
type effectRecorder struct {
	mu      sync.Mutex
	effects []engine.Effect
}

func (r *effectRecorder) Enqueue(e engine.Effect) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.effects = append(r.effects, e)
}

func (r *effectRecorder) all() []engine.Effect {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]engine.Effect, len(r.effects))
	copy(out, r.effects)
	return out
}

func (r *effectRecorder) broadcasts() []engine.BroadcastQuestion {
	var out []engine.BroadcastQuestion
	for _, e := range r.all() {
		if b, ok := e.(engine.BroadcastQuestion); ok {
			out = append(out, b)
		}
	}
	return out
}

func (r *effectRecorder) finished() []engine.SessionFinished {
	var out []engine.SessionFinished
	for _, e := range r.all() {
		if f, ok := e.(engine.SessionFinished); ok {
			out = append(out, f)
		}
	}
	return out
}

func (r *effectRecorder) cancelled() []engine.SessionCancelled {
	var out []engine.SessionCancelled
	for _, e := range r.all() {
		if c, ok := e.(engine.SessionCancelled); ok {
			out = append(out, c)
		}
	}
	return out
}

type testEnv struct {
	orch     *engine.Orchestrator
	clock    *manualClock
	recorder *effectRecorder
	ledger   *memory.Ledger
	registry *memory.Registry
}

func newTestEnv(start time.Time) *testEnv {
	clock := newManualClock(start)
	recorder := &effectRecorder{}
	ledger := memory.NewLedger()
	registry := memory.NewRegistry()
	questions := memory.NewQuestionRepository(memory.NewStaticQuizLoader(testQuizzes()), time.Minute)
	orch := engine.NewOrchestrator(clock, ledger, registry, questions, recorder, engine.Config{
		QuestionDeadline: 10 * time.Second,
		SessionDuration:  time.Minute,
	})
	return &testEnv{orch: orch, clock: clock, recorder: recorder, ledger: ledger, registry: registry}
}

func (e *testEnv) createAndRegister(ctx context.Context, sessionID string, users ...string) error {
	if err := e.orch.CreateSession(ctx, engine.SessionParams{ID: sessionID, QuizID: "quiz-1"}); err != nil {
		return err
	}
	for _, u := range users {
		if err := e.orch.Register(ctx, sessionID, u, "Player "+u); err != nil {
			return err
		}
	}
	return nil
}

func testQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Arithmetic",
			Questions: []domain.Question{
				{
					ID:     "q1",
					Prompt: "What is 2 + 2?",
					Options: []domain.Option{
						{ID: "o1", Text: "3"},
						{ID: "o2", Text: "4", Correct: true},
						{ID: "o3", Text: "5"},
					},
				},
				{
					ID:     "q2",
					Prompt: "What is 3 * 3?",
					Options: []domain.Option{
						{ID: "o1", Text: "6"},
						{ID: "o2", Text: "9", Correct: true},
					},
				},
			},
		},
		"quiz-3": {
			ID:    "quiz-3",
			Title: "Long round",
			Questions: []domain.Question{
				{
					ID:     "q1",
					Prompt: "What is 2 + 2?",
					Options: []domain.Option{
						{ID: "o1", Text: "3"},
						{ID: "o2", Text: "4", Correct: true},
					},
				},
				{
					ID:     "q2",
					Prompt: "What is 3 * 3?",
					Options: []domain.Option{
						{ID: "o1", Text: "6"},
						{ID: "o2", Text: "9", Correct: true},
					},
				},
				{
					ID:     "q3",
					Prompt: "What is 7 - 5?",
					Options: []domain.Option{
						{ID: "o1", Text: "2", Correct: true},
						{ID: "o2", Text: "12"},
					},
				},
			},
		},
	}
}
