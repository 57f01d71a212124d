package domain

import "errors"

var (
	// ErrInvalidState is returned when an operation is not valid for the
	// session's current state (e.g. starting a session twice).
	ErrInvalidState = errors.New("operation not valid in current session state")
	// ErrSessionNotFound is returned when no session with the given id is resident.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when creating a session whose id is already taken.
	ErrSessionExists = errors.New("session already exists")
	// ErrParticipantNotFound is returned when a user acts on a session they
	// are not enrolled in.
	ErrParticipantNotFound = errors.New("participant not found in session")
	// ErrStaleSubmission is returned when an answer targets a question that
	// is not the one currently open. The submission is recorded nowhere.
	ErrStaleSubmission = errors.New("answer targets a question that is not open")
	// ErrAlreadyAnswered is returned when an answer for the same
	// (session, question, participant) key was already accepted. Callers can
	// treat it as a benign no-op; it exists to distinguish "ignored
	// duplicate" from "accepted".
	ErrAlreadyAnswered = errors.New("answer already recorded for this question")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
)
