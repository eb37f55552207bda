package api

import (
	"time"

	"github.com/matheus3301/finlink/internal/model"
)

// Request and response bodies of the control service. On the wire each is
// carried as a google.protobuf.Struct holding its JSON form.

type Empty struct{}

type StatusResponse struct {
	Profile       string `json:"profile"`
	State         string `json:"state"`
	Attempts      int    `json:"attempts"`
	Authenticated bool   `json:"authenticated"`
	Conversations int    `json:"conversations"`
	TotalUnread   int    `json:"totalUnread"`
	Active        string `json:"active,omitempty"`
	UptimeMs      int64  `json:"uptimeMs"`
	EventsDropped uint64 `json:"eventsDropped"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	// Name is only used by Register.
	Name string `json:"name,omitempty"`
}

type LoginResponse struct {
	User          *model.User `json:"user,omitempty"`
	Conversations int         `json:"conversations"`
}

type ListConversationsRequest struct {
	// Refresh reloads from the server instead of answering from memory.
	Refresh bool `json:"refresh,omitempty"`
}

type ConversationsResponse struct {
	Conversations []model.Conversation `json:"conversations"`
	TotalUnread   int                  `json:"totalUnread"`
}

type ListMessagesRequest struct {
	ConversationID string `json:"conversationId"`
	// Before pages back from this message id.
	Before  string `json:"before,omitempty"`
	Refresh bool   `json:"refresh,omitempty"`
}

type MessagesResponse struct {
	Messages []model.Message `json:"messages"`
	HasMore  bool            `json:"hasMore"`
}

type SendMessageRequest struct {
	ConversationID string            `json:"conversationId"`
	Content        string            `json:"content"`
	ContentType    model.ContentType `json:"contentType,omitempty"`
	ReportID       string            `json:"reportId,omitempty"`
	DocumentID     string            `json:"documentId,omitempty"`
}

type ResendRequest struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type SendMessageResponse struct {
	TempID string `json:"tempId"`
}

type ConversationRequest struct {
	ConversationID string `json:"conversationId"`
}

type WatchRequest struct {
	// Prefix filters event kinds, e.g. "registry."; empty means all.
	Prefix string `json:"prefix,omitempty"`
}

type EventEnvelope struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	OccurredAt time.Time `json:"occurredAt"`
	Payload    any       `json:"payload,omitempty"`
}
