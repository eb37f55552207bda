package conn

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/finlink/internal/model"
)

type EventType string

const (
	EventNewMessage    EventType = "new_message"
	EventMessageStatus EventType = "message_status"
	EventPresence      EventType = "presence"
)

// Event is one inbound live channel frame. Which fields are set depends on
// Type.
type Event struct {
	Type          EventType           `json:"type"`
	Message       *model.Message      `json:"message,omitempty"`
	MessageID     string              `json:"messageId,omitempty"`
	Status        model.MessageStatus `json:"status,omitempty"`
	ParticipantID string              `json:"participantId,omitempty"`
	IsOnline      bool                `json:"isOnline"`
}

var ErrUnknownEvent = errors.New("unknown event type")

// Decode parses and validates a frame.
func Decode(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode frame: %w", err)
	}
	switch evt.Type {
	case EventNewMessage:
		if evt.Message == nil || evt.Message.ID == "" || evt.Message.ConversationID == "" {
			return Event{}, errors.New("new_message without message id or conversation")
		}
	case EventMessageStatus:
		if evt.MessageID == "" || !evt.Status.Valid() {
			return Event{}, fmt.Errorf("message_status with id %q status %q", evt.MessageID, evt.Status)
		}
	case EventPresence:
		if evt.ParticipantID == "" {
			return Event{}, errors.New("presence without participant")
		}
	default:
		return Event{}, fmt.Errorf("%w %q", ErrUnknownEvent, evt.Type)
	}
	return evt, nil
}
