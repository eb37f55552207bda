package apiclient

import (
	"context"
	"net/http"
	"net/url"

	"github.com/matheus3301/finlink/internal/model"
)

type MessagePage struct {
	Messages []model.Message `json:"messages"`
	HasMore  bool            `json:"hasMore"`
}

type SendRequest struct {
	Content     string            `json:"content"`
	ContentType model.ContentType `json:"contentType"`
	ReportID    string            `json:"reportId,omitempty"`
	DocumentID  string            `json:"documentId,omitempty"`
}

func conversationPath(id string, suffix string) string {
	return "/messaging/conversations/" + url.PathEscape(id) + suffix
}

func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var resp struct {
		Conversations []model.Conversation `json:"conversations"`
	}
	if err := c.Do(ctx, http.MethodGet, "/messaging/conversations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// ListMessages fetches one page of a conversation. An empty cursor returns
// the newest page; otherwise messages older than the cursor id.
func (c *Client) ListMessages(ctx context.Context, conversationID, cursor string) (*MessagePage, error) {
	var page MessagePage
	err := c.Do(ctx, http.MethodGet, conversationPath(conversationID, "/messages"), nil, &page,
		WithQuery("cursor", cursor))
	if err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendRequest) (*model.Message, error) {
	var resp struct {
		Message model.Message `json:"message"`
	}
	if err := c.Do(ctx, http.MethodPost, conversationPath(conversationID, "/messages"), req, &resp); err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.Do(ctx, http.MethodPost, conversationPath(conversationID, "/read"), nil, nil)
}
