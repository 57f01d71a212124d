package domain

import "time"

// SessionStatus is the lifecycle state of one tournament or study session run.
type SessionStatus string

const (
	SessionScheduled  SessionStatus = "scheduled"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionCancelled  SessionStatus = "cancelled"
)

// Terminal reports whether the session can never transition again.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

// ParticipantStatus tracks one identity's relationship to a session.
// Transitions are registered -> in_progress -> {completed, cancelled};
// the last two are terminal.
type ParticipantStatus string

const (
	ParticipantRegistered ParticipantStatus = "registered"
	ParticipantInProgress ParticipantStatus = "in_progress"
	ParticipantCompleted  ParticipantStatus = "completed"
	ParticipantCancelled  ParticipantStatus = "cancelled"
)

func (s ParticipantStatus) Terminal() bool {
	return s == ParticipantCompleted || s == ParticipantCancelled
}

// Option represents a possible answer for a question.
type Option struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
}

// Question models an MCQ question with exactly one correct option.
type Question struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Options []Option `json:"options"`
	Points  int      `json:"points"` // defaults to 1 if zero
}

// Redacted returns a copy safe to send to participants: correct flags are
// stripped so clients cannot inspect the payload for the answer.
func (q Question) Redacted() Question {
	out := q
	out.Options = make([]Option, len(q.Options))
	for i, opt := range q.Options {
		out.Options[i] = Option{ID: opt.ID, Text: opt.Text}
	}
	return out
}

// Quiz is an ordered collection of questions; slice order is delivery order.
type Quiz struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// Participant is one identity enrolled in a session.
type Participant struct {
	SessionID      string
	UserID         string
	DisplayName    string
	Status         ParticipantStatus
	Score          int
	Correct        int
	LastActivityAt time.Time
}

// Answer is one accepted submission. At most one answer ever exists per
// (session, question, participant); the ledger enforces that.
type Answer struct {
	SessionID     string        `json:"sessionId"`
	QuestionID    string        `json:"questionId"`
	ParticipantID string        `json:"participantId"`
	OptionID      string        `json:"optionId"`
	Correct       bool          `json:"correct"`
	Points        int           `json:"points"`
	Latency       time.Duration `json:"latency"`
	SubmittedAt   time.Time     `json:"submittedAt"`
}

// AnswerOutcome summarizes an accepted submission for the participant.
type AnswerOutcome struct {
	QuestionID string `json:"questionId"`
	OptionID   string `json:"optionId"`
	Correct    bool   `json:"correct"`
	Awarded    int    `json:"awarded"`
	TotalScore int    `json:"totalScore"`
}

// Standing is one row of the final ranking for a finished session.
type Standing struct {
	Position      int       `json:"position"`
	ParticipantID string    `json:"participantId"`
	DisplayName   string    `json:"displayName"`
	Score         int       `json:"score"`
	Correct       int       `json:"correct"`
	CompletedAt   time.Time `json:"completedAt"`
}
