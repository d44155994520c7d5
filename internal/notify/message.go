// Package notify routes persisted signals to recipients, handles their
// accept/ignore responses, and fires expiry reminders for accepted trades.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Response actions attached to each alert.
const (
	ActionAccept = "accept"
	ActionIgnore = "ignore"
)

// ErrInvalidAction is returned for callback payloads that are not ours.
var ErrInvalidAction = errors.New("invalid action payload")

// Button is one inline response option.
type Button struct {
	Text string
	Data string
}

// Message is a rendered chat message for one recipient.
type Message struct {
	ChatID  string
	Text    string
	Buttons []Button
}

// Sender delivers a message to a chat.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// ActionData encodes a response action tagged with its signal id.
func ActionData(action string, signalID uuid.UUID) string {
	return action + ":" + signalID.String()
}

// ParseActionData decodes a payload produced by ActionData.
func ParseActionData(data string) (string, uuid.UUID, error) {
	action, raw, ok := strings.Cut(data, ":")
	if !ok {
		return "", uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidAction, data)
	}
	switch action {
	case ActionAccept, ActionIgnore:
	default:
		return "", uuid.Nil, fmt.Errorf("%w: unknown action %q", ErrInvalidAction, action)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("%w: signal id: %v", ErrInvalidAction, err)
	}
	return action, id, nil
}

func actionButtons(signalID uuid.UUID) []Button {
	return []Button{
		{Text: "✅ Place Trade", Data: ActionData(ActionAccept, signalID)},
		{Text: "❌ Ignore", Data: ActionData(ActionIgnore, signalID)},
	}
}
