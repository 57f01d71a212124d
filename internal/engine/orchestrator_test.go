package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tournament-engine/internal/domain"
	"tournament-engine/internal/engine"
)

var testStart = time.Date(2024, 11, 22, 10, 0, 0, 0, time.UTC)

func TestCreateSessionRejectsDuplicatesAndUnknownQuiz(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testStart)

	if err := env.orch.CreateSession(ctx, engine.SessionParams{ID: "s1", QuizID: "quiz-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := env.orch.CreateSession(ctx, engine.SessionParams{ID: "s1", QuizID: "quiz-1"})
	if !errors.Is(err, domain.ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
	err = env.orch.CreateSession(ctx, engine.SessionParams{ID: "s2", QuizID: "quiz-404"})
	if !errors.Is(err, domain.ErrQuizNotFound) {
		t.Fatalf("expected ErrQuizNotFound, got %v", err)
	}
}

func TestStartGuards(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testStart)

	err := env.orch.StartSession(ctx, "missing")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	if err := env.orch.CreateSession(ctx, engine.SessionParams{ID: "s1", QuizID: "quiz-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err = env.orch.StartSession(ctx, "s1")
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for empty roster, got %v", err)
	}

	if err := env.orch.Register(ctx, "s1", "u1", "Alice"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := env.orch.StartSession(ctx, "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	err = env.orch.StartSession(ctx, "s1")
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for double start, got %v", err)
	}
}

func TestQuestionDeadlineAdvancesThroughQuiz(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testStart)
	if err := env.createAndRegister(ctx, "s1", "u1", "u2"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := env.orch.StartSession(ctx, "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	broadcasts := env.recorder.broadcasts()
	if len(broadcasts) != 1 || broadcasts[0].Index != 0 {
		t.Fatalf("expected question 0 broadcast after start, got %+v", broadcasts)
	}
	if got := broadcasts[0].Deadline; !got.Equal(testStart.Add(10 * time.Second)) {
		t.Fatalf("expected deadline at +10s, got %v", got)
	}
	if len(broadcasts[0].Recipients) != 2 {
		t.Fatalf("expected 2 recipients, got %v", broadcasts[0].Recipients)
	}

	// Nobody answers; the deadline moves the session on.
	env.clock.Advance(10 * time.Second)
	broadcasts = env.recorder.broadcasts()
	if len(broadcasts) != 2 || broadcasts[1].Index != 1 {
		t.Fatalf("expected question 1 broadcast after deadline, got %+v", broadcasts)
	}

	env.clock.Advance(10 * time.Second)
	finished := env.recorder.finished()
	if len(finished) != 1 {
		t.Fatalf("expected one finished effect, got %d", len(finished))
	}
	if len(finished[0].Standings) != 2 {
		t.Fatalf("expected 2 standings, got %+v", finished[0].Standings)
	}
	for _, s := range finished[0].Standings {
		if s.Score != 0 {
			t.Fatalf("expected zero scores, got %+v", s)
		}
	}

	// Terminal sessions are evicted; later operations miss.
	_, err := env.orch.SubmitAnswer(ctx, "s1", "q2", "u1", "o2")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after eviction, got %v", err)
	}
}

func TestFastForwardWhenEveryoneAnswered(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testStart)
	if err := env.createAndRegister(ctx, "s1", "u1", "u2"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := env.orch.StartSession(ctx, "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := env.orch.SubmitAnswer(ctx, "s1", "q1", "u1", "o2"); err != nil {
		t.Fatalf("submit u1: %v", err)
	}
	if len(env.recorder.broadcasts()) != 1 {
		t.Fatalf("question must stay open while answers are outstanding")
	}

	if _, err := env.orch.SubmitAnswer(ctx, "s1", "q1", "u2", "o1"); err != nil {
		t.Fatalf("submit u2: %v", err)
	}
	broadcasts := env.recorder.broadcasts()
	if len(broadcasts) != 2 || broadcasts[1].Index != 1 {
		t.Fatalf("expected fast-forward to question 1, got %+v", broadcasts)
	}

	// The superseded question timer must not advance the session again.
	env.clock.Advance(5 * time.Second)
	if len(env.recorder.broadcasts()) != 2 {
		t.Fatalf("stale question timer advanced the session")
	}
}

func TestSessionRunScoring(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testStart)
	if err := env.createAndRegister(ctx, "s1", "uA", "uB"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := env.orch.StartSession(ctx, "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// A answers question 1 correctly two seconds in: 100 base + 40 speed bonus.
	env.clock.Advance(2 * time.Second)
	answer, err := env.orch.SubmitAnswer(ctx, "s1", "q1", "uA", "o2")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !answer.Correct || answer.Points != 140 {
		t.Fatalf("expected 140 points, got %+v", answer)
	}
	if answer.Latency != 2*time.Second {
		t.Fatalf("expected 2s latency, got %v", answer.Latency)
	}

	// B stays silent. Both question deadlines run out.
	env.clock.Advance(8 * time.Second)
	env.clock.Advance(10 * time.Second)

	finished := env.recorder.finished()
	if len(finished) != 1 {
		t.Fatalf("expected one finished effect, got %d", len(finished))
	}
	standings := finished[0].Standings
	if len(standings) != 2 {
		t.Fatalf("expected 2 standings, got %+v", standings)
	}
	if standings[0].ParticipantID != "uA" || standings[0].Score != 140 || standings[0].Position != 1 {
		t.Fatalf("expected uA first with 140, got %+v", standings[0])
	}
	if standings[1].ParticipantID != "uB" || standings[1].Score != 0 || standings[1].Position != 2 {
		t.Fatalf("expected uB second with 0, got %+v", standings[1])
	}
	if got := finished[0].EndedAt; !got.Equal(testStart.Add(20 * time.Second)) {
		t.Fatalf("expected end at +20s, got %v", got)
	}
}

func TestThreeQuestionSessionTimeline(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testStart)
	err := env.orch.CreateSession(ctx, engine.SessionParams{
		ID:               "s1",
		QuizID:           "quiz-3",
		QuestionDeadline: 10 * time.Second,
		Duration:         time.Minute,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, u := range []string{"uA", "uB"} {
		if err := env.orch.Register(ctx, "s1", u, "Player "+u); err != nil {
			t.Fatalf("register %s: %v", u, err)
		}
	}
	if err := env.orch.StartSession(ctx, "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// A answers question 1 correctly at +2s; B stays silent, so question 2
	// waits for the full deadline and opens at +10s.
	env.clock.Advance(2 * time.Second)
	if _, err := env.orch.SubmitAnswer(ctx, "s1", "q1", "uA", "o2"); err != nil {
		t.Fatalf("submit uA q1: %v", err)
	}
	env.clock.Advance(8 * time.Second)
	broadcasts := env.recorder.broadcasts()
	if len(broadcasts) != 2 || broadcasts[1].Index != 1 {
		t.Fatalf("expected question 2 at +10s, got %+v", broadcasts)
	}

	// Both answer question 2 (wrong) within a second; question 3 opens
	// immediately at ~+11s instead of waiting until +20s.
	env.clock.Advance(time.Second)
	if _, err := env.orch.SubmitAnswer(ctx, "s1", "q2", "uA", "o1"); err != nil {
		t.Fatalf("submit uA q2: %v", err)
	}
	if _, err := env.orch.SubmitAnswer(ctx, "s1", "q2", "uB", "o1"); err != nil {
		t.Fatalf("submit uB q2: %v", err)
	}
	broadcasts = env.recorder.broadcasts()
	if len(broadcasts) != 3 || broadcasts[2].Index != 2 {
		t.Fatalf("expected immediate question 3, got %+v", broadcasts)
	}
	if got := broadcasts[2].Deadline; !got.Equal(testStart.Add(21 * time.Second)) {
		t.Fatalf("expected question 3 deadline at +21s, got %v", got)
	}

	// Nobody answers question 3; the session finalizes at +21s.
	env.clock.Advance(10 * time.Second)
	finished := env.recorder.finished()
	if len(finished) != 1 {
		t.Fatalf("expected one finished effect, got %d", len(finished))
	}
	if got := finished[0].EndedAt; !got.Equal(testStart.Add(21 * time.Second)) {
		t.Fatalf("expected end at +21s, got %v", got)
	}

	standings := finished[0].Standings
	if len(standings) != 2 {
		t.Fatalf("expected 2 standings, got %+v", standings)
	}
	if standings[0].ParticipantID != "uA" || standings[0].Correct != 1 {
		t.Fatalf("expected uA leading with one correct answer, got %+v", standings[0])
	}
	if standings[1].ParticipantID != "uB" || standings[1].Correct != 0 || standings[1].Score != 0 {
		t.Fatalf("expected uB with nothing, got %+v", standings[1])
	}
}

func TestSessionDeadlineOverridesOpenQuestion(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testStart)
	err := env.orch.CreateSession(ctx, engine.SessionParams{
		ID:               "s1",
		QuizID:           "quiz-1",
		QuestionDeadline: 10 * time.Second,
		Duration:         15 * time.Second,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.orch.Register(ctx, "s1", "u1", "Alice"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := env.orch.StartSession(ctx, "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Question 2 opens at +10s and would run to +20s, but the session ends
	// at +15s. The session ceiling wins.
	env.clock.Advance(10 * time.Second)
	env.clock.Advance(5 * time.Second)

	finished := env.recorder.finished()
	if len(finished) != 1 {
		t.Fatalf("expected one finished effect, got %d", len(finished))
	}
	if got := finished[0].EndedAt; !got.Equal(testStart.Add(15 * time.Second)) {
		t.Fatalf("expected end at +15s, got %v", got)
	}

	// The orphaned question timer at +20s lands on an evicted session.
	env.clock.Advance(10 * time.Second)
	if len(env.recorder.finished()) != 1 {
		t.Fatalf("late question timer re-finalized the session")
	}
}

func TestDuplicateSubmissionKeepsFirstAnswer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testStart)
	if err := env.createAndRegister(ctx, "s1", "u1", "u2"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := env.orch.StartSession(ctx, "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := env.orch.SubmitAnswer(ctx, "s1", "q1", "u1", "o2"); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := env.orch.SubmitAnswer(ctx, "s1", "q1", "u1", "o1")
	if !errors.Is(err, domain.ErrAlreadyAnswered) {
		t.Fatalf("expected ErrAlreadyAnswered, got %v", err)
	}

	answers, err := env.ledger.Answers(ctx, "s1", "q1")
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(answers) != 1 || answers[0].OptionID != "o2" {
		t.Fatalf("expected single o2 answer, got %+v", answers)
	}
	p, err := env.registry.Get(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if p.Score != 150 {
		t.Fatalf("expected score 150 from the first answer only, got %d", p.Score)
	}
}

func TestConcurrentSubmissionsAcceptExactlyOne(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testStart)
	if err := env.createAndRegister(ctx, "s1", "u1", "u2"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := env.orch.StartSession(ctx, "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	accepted := make(chan domain.Answer, attempts)
	rejected := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := env.orch.SubmitAnswer(ctx, "s1", "q1", "u1", "o2")
			if err != nil {
				rejected <- err
				return
			}
			accepted <- a
		}()
	}
	wg.Wait()
	close(accepted)
	close(rejected)

	if len(accepted) != 1 {
		t.Fatalf("expected exactly one accepted submission, got %d", len(accepted))
	}
	for err := range rejected {
		if !errors.Is(err, domain.ErrAlreadyAnswered) {
			t.Fatalf("expected ErrAlreadyAnswered for losers, got %v", err)
		}
	}
	p, err := env.registry.Get(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if p.Score != 150 {
		t.Fatalf("expected the score applied once, got %d", p.Score)
	}
}

func TestStaleSubmissions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testStart)
	if err := env.createAndRegister(ctx, "s1", "u1", "u2"); err != nil {
		t.Fatalf("setup: %v", err)
	}

	// Before start nothing is open.
	_, err := env.orch.SubmitAnswer(ctx, "s1", "q1", "u1", "o2")
	if !errors.Is(err, domain.ErrStaleSubmission) {
		t.Fatalf("expected ErrStaleSubmission before start, got %v", err)
	}

	if err := env.orch.StartSession(ctx, "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Question 1 is open; an answer for question 2 is stale, not buffered.
	_, err = env.orch.SubmitAnswer(ctx, "s1", "q2", "u1", "o2")
	if !errors.Is(err, domain.ErrStaleSubmission) {
		t.Fatalf("expected ErrStaleSubmission for closed question, got %v", err)
	}

	// After the deadline the old question is gone for good.
	env.clock.Advance(10 * time.Second)
	_, err = env.orch.SubmitAnswer(ctx, "s1", "q1", "u1", "o2")
	if !errors.Is(err, domain.ErrStaleSubmission) {
		t.Fatalf("expected ErrStaleSubmission for expired question, got %v", err)
	}

	_, err = env.orch.SubmitAnswer(ctx, "s1", "q2", "ghost", "o2")
	if !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Fatalf("expected ErrParticipantNotFound, got %v", err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testStart)
	if err := env.createAndRegister(ctx, "s1", "u1"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := env.orch.StartSession(ctx, "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := env.orch.StopSession(ctx, "s1", "operator_stop"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	cancelled := env.recorder.cancelled()
	if len(cancelled) != 1 || cancelled[0].Reason != "operator_stop" {
		t.Fatalf("expected one cancelled effect, got %+v", cancelled)
	}

	// A second stop finds the session evicted and reports not found; a stop
	// racing completion inside the session is a silent no-op, covered by the
	// single emitted effect above.
	err := env.orch.StopSession(ctx, "s1", "again")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after eviction, got %v", err)
	}
	if len(env.recorder.cancelled()) != 1 {
		t.Fatalf("cancel emitted a second terminal effect")
	}

	// Cancelled sessions never finish: pending timers are disarmed.
	env.clock.Advance(time.Minute)
	if len(env.recorder.finished()) != 0 {
		t.Fatalf("cancelled session still finalized")
	}
	p, err := env.registry.Get(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if p.Status != domain.ParticipantCancelled {
		t.Fatalf("expected cancelled participant, got %s", p.Status)
	}
}

func TestRegisterAfterTerminalFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testStart)
	if err := env.createAndRegister(ctx, "s1", "u1"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := env.orch.StopSession(ctx, "s1", "maintenance"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	err := env.orch.Register(ctx, "s1", "u2", "Late")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testStart)

	if err := env.createAndRegister(ctx, "s1", "u1", "u2"); err != nil {
		t.Fatalf("setup s1: %v", err)
	}
	if err := env.createAndRegister(ctx, "s2", "u1"); err != nil {
		t.Fatalf("setup s2: %v", err)
	}
	if err := env.createAndRegister(ctx, "s3", "u1"); err != nil {
		t.Fatalf("setup s3: %v", err)
	}

	if err := env.orch.StartSession(ctx, "s1"); err != nil {
		t.Fatalf("start s1: %v", err)
	}
	if _, err := env.orch.SubmitAnswer(ctx, "s1", "q1", "u1", "o2"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.orch.StopSession(ctx, "s3", "not needed"); err != nil {
		t.Fatalf("stop s3: %v", err)
	}

	stats, err := env.orch.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Scheduled != 1 || stats.Active != 1 || stats.Cancelled != 1 || stats.Completed != 0 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.TotalAnswers != 1 || stats.AnswersBySession["s1"] != 1 {
		t.Fatalf("unexpected answer counts: %+v", stats)
	}
}

func TestSweepStartsDueScheduledSessions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testStart)
	err := env.orch.CreateSession(ctx, engine.SessionParams{
		ID:      "s1",
		QuizID:  "quiz-1",
		StartAt: testStart.Add(30 * time.Second),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.orch.Register(ctx, "s1", "u1", "Alice"); err != nil {
		t.Fatalf("register: %v", err)
	}

	env.orch.Sweep(ctx, testStart.Add(29*time.Second))
	if len(env.recorder.broadcasts()) != 0 {
		t.Fatalf("sweep started a session before its start time")
	}

	env.orch.Sweep(ctx, testStart.Add(30*time.Second))
	broadcasts := env.recorder.broadcasts()
	if len(broadcasts) != 1 || broadcasts[0].Index != 0 {
		t.Fatalf("expected sweep to open question 0, got %+v", broadcasts)
	}

	// Sweeping again must not double-start.
	env.orch.Sweep(ctx, testStart.Add(31*time.Second))
	if len(env.recorder.broadcasts()) != 1 {
		t.Fatalf("sweep restarted a running session")
	}
}

func TestSweepFiresOverdueDeadlines(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testStart)
	if err := env.createAndRegister(ctx, "s1", "u1"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := env.orch.StartSession(ctx, "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The in-process timer never fires (simulating a restart); the sweep
	// notices the overdue question deadline.
	env.orch.Sweep(ctx, testStart.Add(11*time.Second))
	broadcasts := env.recorder.broadcasts()
	if len(broadcasts) != 2 || broadcasts[1].Index != 1 {
		t.Fatalf("expected sweep to advance to question 1, got %+v", broadcasts)
	}

	// Past the session ceiling the sweep finalizes outright.
	env.orch.Sweep(ctx, testStart.Add(2*time.Minute))
	if len(env.recorder.finished()) != 1 {
		t.Fatalf("expected sweep to finalize the session")
	}
}
