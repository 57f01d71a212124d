package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"tournament-engine/internal/domain"
)

// Effect is a side-effecting action emitted by a state transition and
// executed outside of it. Delivery failures never roll back the transition
// that produced the effect.
type Effect interface{ effect() }

// BroadcastQuestion asks collaborators to deliver a question to every
// recipient. The question carries correct flags; transports that face
// participants must redact it before sending.
type BroadcastQuestion struct {
	SessionID  string
	Index      int
	Question   domain.Question
	Deadline   time.Time
	Recipients []string
}

// NotifyParticipant reports an individual submission outcome.
type NotifyParticipant struct {
	SessionID     string
	ParticipantID string
	Outcome       domain.AnswerOutcome
}

// SessionFinished carries the final standings of a completed session.
type SessionFinished struct {
	SessionID string
	QuizID    string
	StartedAt time.Time
	EndedAt   time.Time
	Standings []domain.Standing
}

// SessionCancelled reports a session aborted before completion.
type SessionCancelled struct {
	SessionID string
	QuizID    string
	Reason    string
	At        time.Time
}

func (BroadcastQuestion) effect() {}
func (NotifyParticipant) effect() {}
func (SessionFinished) effect()   {}
func (SessionCancelled) effect()  {}

// Delivery is implemented by collaborators that consume emitted effects:
// the websocket hub, the chat-platform notifier, the durable archive.
type Delivery interface {
	BroadcastQuestion(ctx context.Context, e BroadcastQuestion) error
	NotifyParticipant(ctx context.Context, e NotifyParticipant) error
	SessionFinished(ctx context.Context, e SessionFinished) error
	SessionCancelled(ctx context.Context, e SessionCancelled) error
}

// EffectSink accepts effects for asynchronous execution. The orchestrator
// enqueues; it never waits for delivery.
type EffectSink interface {
	Enqueue(e Effect)
}

// MultiDelivery fans one effect out to several deliveries. Errors are
// joined so the executor retries the whole fan-out.
func MultiDelivery(targets ...Delivery) Delivery {
	return multiDelivery(targets)
}

type multiDelivery []Delivery

func (m multiDelivery) BroadcastQuestion(ctx context.Context, e BroadcastQuestion) error {
	var errs []error
	for _, d := range m {
		errs = append(errs, d.BroadcastQuestion(ctx, e))
	}
	return errors.Join(errs...)
}

func (m multiDelivery) NotifyParticipant(ctx context.Context, e NotifyParticipant) error {
	var errs []error
	for _, d := range m {
		errs = append(errs, d.NotifyParticipant(ctx, e))
	}
	return errors.Join(errs...)
}

func (m multiDelivery) SessionFinished(ctx context.Context, e SessionFinished) error {
	var errs []error
	for _, d := range m {
		errs = append(errs, d.SessionFinished(ctx, e))
	}
	return errors.Join(errs...)
}

func (m multiDelivery) SessionCancelled(ctx context.Context, e SessionCancelled) error {
	var errs []error
	for _, d := range m {
		errs = append(errs, d.SessionCancelled(ctx, e))
	}
	return errors.Join(errs...)
}

// NopDelivery discards every effect.
type NopDelivery struct{}

func (NopDelivery) BroadcastQuestion(context.Context, BroadcastQuestion) error { return nil }
func (NopDelivery) NotifyParticipant(context.Context, NotifyParticipant) error { return nil }
func (NopDelivery) SessionFinished(context.Context, SessionFinished) error     { return nil }
func (NopDelivery) SessionCancelled(context.Context, SessionCancelled) error   { return nil }

// Executor drains effects on a worker pool and delivers them with
// exponential-backoff retries. An effect that exhausts its retries is
// logged and dropped; state transitions are already committed by then.
type Executor struct {
	delivery   Delivery
	queue      chan Effect
	maxRetries uint64

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	wg       sync.WaitGroup
}

// NewExecutor starts workers goroutines draining the effect queue.
func NewExecutor(delivery Delivery, workers int, maxRetries uint64) *Executor {
	if workers <= 0 {
		workers = 1
	}
	e := &Executor{
		delivery:   delivery,
		queue:      make(chan Effect, 256),
		maxRetries: maxRetries,
	}
	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	return e
}

// Enqueue hands one effect to the pool. It never blocks a state transition:
// if the buffer is full the send is moved to its own goroutine. Every send
// is registered in inflight before the closed check is released, so Close
// cannot close the queue out from under it.
func (e *Executor) Enqueue(eff Effect) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		log.Printf("effect executor closed, dropping %T", eff)
		return
	}
	e.inflight.Add(1)
	e.mu.Unlock()

	select {
	case e.queue <- eff:
		e.inflight.Done()
	default:
		go func() {
			defer e.inflight.Done()
			e.queue <- eff
		}()
	}
}

// Close stops accepting effects, waits out pending sends, drains the queue
// and waits for the workers.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.inflight.Wait()
	close(e.queue)
	e.wg.Wait()
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for eff := range e.queue {
		e.deliver(eff)
	}
}

func (e *Executor) deliver(eff Effect) {
	ctx := context.Background()
	op := func() error {
		switch v := eff.(type) {
		case BroadcastQuestion:
			return e.delivery.BroadcastQuestion(ctx, v)
		case NotifyParticipant:
			return e.delivery.NotifyParticipant(ctx, v)
		case SessionFinished:
			return e.delivery.SessionFinished(ctx, v)
		case SessionCancelled:
			return e.delivery.SessionCancelled(ctx, v)
		default:
			log.Printf("unknown effect %T dropped", eff)
			return nil
		}
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), e.maxRetries)
	if err := backoff.Retry(op, bo); err != nil {
		log.Printf("effect %T delivery failed after retries: %v", eff, err)
	}
}
