// ABOUTME: Content generation contract for persona replies and nudges
// ABOUTME: Defines Request, engagement Stage, and the Generator interface

package content

import (
	"context"
	"errors"
)

// ErrUnavailable is returned by generators that are not configured to
// produce text at all.
var ErrUnavailable = errors.New("content generation unavailable")

// Stage is a coarse engagement tier derived from how many persona messages
// a conversation already has. It only shapes tone and length.
type Stage string

const (
	StageOpening Stage = "opening" // 0-2 persona messages
	StageWarming Stage = "warming" // 3-9
	StageEngaged Stage = "engaged" // 10+
)

// StageFor maps a persona message count to a Stage.
func StageFor(personaMessages int) Stage {
	switch {
	case personaMessages < 3:
		return StageOpening
	case personaMessages < 10:
		return StageWarming
	default:
		return StageEngaged
	}
}

// Purpose says why text is being generated.
type Purpose string

const (
	PurposeReply Purpose = "reply" // answer the human's latest message
	PurposeNudge Purpose = "nudge" // re-engage after silence
)

// Persona is the profile the generated text speaks for.
type Persona struct {
	ID          string
	DisplayName string
	Bio         string
}

// Line is one message of recent history, oldest first.
type Line struct {
	FromPersona bool
	Body        string
}

// Request is everything a generator sees.
type Request struct {
	Persona Persona
	History []Line
	Stage   Stage
	Purpose Purpose
	Attempt int // nudge attempt number, 0 for replies
}

// Generator produces text for a persona. An empty string with a nil error
// means there is nothing to send.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// None is a Generator for deployments without a text provider.
type None struct{}

// Generate always returns ErrUnavailable.
func (None) Generate(context.Context, Request) (string, error) {
	return "", ErrUnavailable
}
