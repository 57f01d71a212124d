package telegram

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tournament-engine/internal/domain"
	"tournament-engine/internal/engine"
)

// Telegram rejects poll questions longer than this.
const maxPollQuestionLength = 300

// Notifier delivers engine effects to participants over Telegram. It treats
// participant ids as chat ids; identities from other transports are skipped.
type Notifier struct {
	bot *tgbotapi.BotAPI
}

func NewNotifier(token string) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Notifier{bot: bot}, nil
}

func (n *Notifier) BroadcastQuestion(_ context.Context, e engine.BroadcastQuestion) error {
	question := truncateQuestion(
		fmt.Sprintf("Pregunta %d\n\n", e.Index+1),
		sanitize(e.Question.Prompt),
	)

	options := make([]string, 0, len(e.Question.Options))
	correctIdx := int64(0)
	for i, opt := range e.Question.Options {
		options = append(options, sanitize(opt.Text))
		if opt.Correct {
			correctIdx = int64(i)
		}
	}

	var errs []string
	for _, recipient := range e.Recipients {
		chatID, err := strconv.ParseInt(recipient, 10, 64)
		if err != nil {
			continue // not a telegram identity
		}
		poll := tgbotapi.NewPoll(chatID, question, options...)
		poll.IsAnonymous = false
		poll.Type = "quiz"
		poll.CorrectOptionID = correctIdx
		if _, err := n.bot.Send(poll); err != nil {
			errs = append(errs, fmt.Sprintf("chat %d: %v", chatID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("send question poll: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (n *Notifier) NotifyParticipant(_ context.Context, e engine.NotifyParticipant) error {
	chatID, err := strconv.ParseInt(e.ParticipantID, 10, 64)
	if err != nil {
		return nil
	}
	text := outcomeText(e.Outcome)
	if _, err := n.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("notify participant: %w", err)
	}
	return nil
}

func (n *Notifier) SessionFinished(_ context.Context, e engine.SessionFinished) error {
	var b strings.Builder
	b.WriteString("🏁 Sesión finalizada. Clasificación:\n")
	for _, s := range e.Standings {
		fmt.Fprintf(&b, "%d. %s — %d pts (%d aciertos)\n", s.Position, s.DisplayName, s.Score, s.Correct)
	}
	return n.toStandingParticipants(e.Standings, b.String())
}

func (n *Notifier) SessionCancelled(_ context.Context, e engine.SessionCancelled) error {
	// Standings are unknown here; cancellation notices go out per
	// participant through NotifyParticipant when the caller wants them.
	log.Printf("telegram: session %s cancelled (%s)", e.SessionID, e.Reason)
	return nil
}

func (n *Notifier) toStandingParticipants(standings []domain.Standing, text string) error {
	var errs []string
	for _, s := range standings {
		chatID, err := strconv.ParseInt(s.ParticipantID, 10, 64)
		if err != nil {
			continue
		}
		if _, err := n.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
			errs = append(errs, fmt.Sprintf("chat %d: %v", chatID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("send standings: %s", strings.Join(errs, "; "))
	}
	return nil
}

func outcomeText(o domain.AnswerOutcome) string {
	if o.Correct {
		return fmt.Sprintf("✅ Correcto (+%d). Total: %d puntos.", o.Awarded, o.TotalScore)
	}
	return fmt.Sprintf("❌ Incorrecto. Total: %d puntos.", o.TotalScore)
}

func sanitize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func truncateQuestion(header, question string) string {
	if len(header)+len(question) <= maxPollQuestionLength {
		return header + question
	}
	available := maxPollQuestionLength - len(header) - 3
	if available < 0 {
		available = 0
	}
	return header + question[:available] + "..."
}
