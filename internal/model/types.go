package model

import "time"

type SenderType string

const (
	SenderBorrower    SenderType = "borrower"
	SenderCounterpart SenderType = "counterpart"
	SenderSupport     SenderType = "support"
	SenderSystem      SenderType = "system"
)

type ContentType string

const (
	ContentText        ContentType = "text"
	ContentReportShare ContentType = "report_share"
	ContentDocument    ContentType = "document"
	ContentSystem      ContentType = "system"
)

type ParticipantType string

const (
	ParticipantCounterpart ParticipantType = "counterpart"
	ParticipantSupport     ParticipantType = "support"
)

// Metadata links a message to a shared report or uploaded document.
type Metadata struct {
	ReportID   string `json:"reportId,omitempty"`
	DocumentID string `json:"documentId,omitempty"`
}

// Message is a single chat message. ClientID holds the temporary id the
// message was created under when this client sent it.
type Message struct {
	ID             string        `json:"id"`
	ClientID       string        `json:"clientId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	SenderType     SenderType    `json:"senderType"`
	Content        string        `json:"content"`
	ContentType    ContentType   `json:"contentType"`
	Metadata       *Metadata     `json:"metadata,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	ReadAt         *time.Time    `json:"readAt,omitempty"`
	Status         MessageStatus `json:"status,omitempty"`
}

// Pending reports whether the message only exists locally.
func (m Message) Pending() bool {
	return m.ClientID != "" && m.ID == m.ClientID
}

type Conversation struct {
	ID              string          `json:"id"`
	ParticipantID   string          `json:"participantId"`
	ParticipantName string          `json:"participantName"`
	ParticipantType ParticipantType `json:"participantType"`
	LastMessage     string          `json:"lastMessage,omitempty"`
	LastMessageAt   time.Time       `json:"lastMessageAt"`
	UnreadCount     int             `json:"unreadCount"`
	IsOnline        bool            `json:"isOnline"`
}

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Thread is the locally held page window of one conversation.
type Thread struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// Snapshot is the persisted copy of registry state used on cold start.
type Snapshot struct {
	Conversations []Conversation
	Threads       map[string]Thread
}
