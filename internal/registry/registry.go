// Package registry holds the client's view of conversations and messages
// and keeps it consistent across REST responses, live channel events and
// optimistic sends.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/finlink/internal/apiclient"
	"github.com/matheus3301/finlink/internal/bus"
	"github.com/matheus3301/finlink/internal/clock"
	"github.com/matheus3301/finlink/internal/metrics"
	"github.com/matheus3301/finlink/internal/model"
)

const readReceiptTimeout = 15 * time.Second

var (
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrUnknownMessage      = errors.New("unknown message")
	ErrNotFailed           = errors.New("message has not failed")
	// ErrReset is returned by a load whose result arrived after Reset.
	ErrReset = errors.New("state was reset during load")
)

// Remote is the subset of the API client the registry calls.
type Remote interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	ListMessages(ctx context.Context, conversationID, cursor string) (*apiclient.MessagePage, error)
	SendMessage(ctx context.Context, conversationID string, req apiclient.SendRequest) (*model.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// Change is the payload of registry.changed events.
type Change struct {
	Reason         string `json:"reason"`
	ConversationID string `json:"conversationId,omitempty"`
	TotalUnread    int    `json:"totalUnread"`
}

type Config struct {
	Remote  Remote
	Bus     *bus.Bus
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Registry is the single owner of conversation and message state. All
// state sits behind one mutex; network calls are made without it and the
// state is re-checked once they return.
type Registry struct {
	remote  Remote
	bus     *bus.Bus
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu            sync.Mutex
	conversations []model.Conversation
	convIndex     map[string]int
	threads       map[string]*thread
	totalUnread   int
	active        string
	selfID        string
	sends         *sendState
	reloading     bool
	// gen is bumped by Reset; loads started under an older gen are dropped.
	gen uint64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfg Config) *Registry {
	r := &Registry{
		remote:    cfg.Remote,
		bus:       cfg.Bus,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		convIndex: make(map[string]int),
		threads:   make(map[string]*thread),
		sends:     newSendState(),
	}
	if r.bus == nil {
		r.bus = bus.New()
	}
	if r.clock == nil {
		r.clock = clock.Real()
	}
	if r.metrics == nil {
		r.metrics = metrics.Discard()
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// SetSelf records the signed-in user's id for locally created messages.
func (r *Registry) SetSelf(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfID = userID
}

// LoadConversations replaces the conversation list with the server's and
// recomputes the unread total. Message windows of conversations that
// still exist are kept.
func (r *Registry) LoadConversations(ctx context.Context) ([]model.Conversation, error) {
	gen := r.generation()
	convs, err := r.remote.ListConversations(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		return nil, ErrReset
	}
	r.conversations = make([]model.Conversation, 0, len(convs))
	r.convIndex = make(map[string]int, len(convs))
	for _, c := range convs {
		if _, dup := r.convIndex[c.ID]; dup {
			continue
		}
		if c.ID == r.active || c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		if th, ok := r.threads[c.ID]; ok {
			if last, ok := th.last(); ok && last.CreatedAt.After(c.LastMessageAt) {
				c.LastMessage = last.Content
				c.LastMessageAt = last.CreatedAt
			}
		}
		r.convIndex[c.ID] = len(r.conversations)
		r.conversations = append(r.conversations, c)
	}
	r.recountLocked()
	r.changedLocked("conversations_loaded", "")
	return r.conversationsLocked(), nil
}

// LoadMessages fetches a page of a conversation. With beforeID the page is
// prepended as older history; otherwise it replaces the window.
func (r *Registry) LoadMessages(ctx context.Context, conversationID, beforeID string) ([]model.Message, error) {
	gen := r.generation()
	page, err := r.remote.ListMessages(ctx, conversationID, beforeID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		return nil, ErrReset
	}
	th := r.threadLocked(conversationID)
	if beforeID != "" {
		th.prepend(page.Messages)
	} else {
		th.reset(page.Messages)
	}
	th.hasMore = page.HasMore
	r.touchLastMessageLocked(conversationID)
	r.changedLocked("messages_loaded", conversationID)
	return append([]model.Message(nil), th.messages...), nil
}

// MarkAsRead zeroes the conversation's unread count and tells the server in
// the background. The local effect stands even if the server call fails.
func (r *Registry) MarkAsRead(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	pos, ok := r.convIndex[conversationID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownConversation
	}
	cleared := r.conversations[pos].UnreadCount
	r.conversations[pos].UnreadCount = 0
	r.totalUnread -= cleared
	r.changedLocked("marked_read", conversationID)
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), readReceiptTimeout)
		defer cancel()
		if err := r.remote.MarkRead(rctx, conversationID); err != nil {
			r.logger.Warn("failed to send read receipt", zap.Error(err), zap.String("conversation_id", conversationID))
		}
	}()
	return nil
}

// SetActiveConversation records which conversation is on screen; inbound
// messages for it do not count as unread. Pass "" to clear.
func (r *Registry) SetActiveConversation(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	r.active = conversationID
	_, known := r.convIndex[conversationID]
	if conversationID == "" || !known {
		r.changedLocked("active_changed", conversationID)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	return r.MarkAsRead(ctx, conversationID)
}

// Restore seeds state from a persisted snapshot. Sends that were in
// flight when the snapshot was taken are marked failed.
func (r *Registry) Restore(s model.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations = nil
	r.convIndex = make(map[string]int, len(s.Conversations))
	for _, c := range s.Conversations {
		if _, dup := r.convIndex[c.ID]; dup {
			continue
		}
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		r.convIndex[c.ID] = len(r.conversations)
		r.conversations = append(r.conversations, c)
	}
	r.threads = make(map[string]*thread, len(s.Threads))
	for id, t := range s.Threads {
		th := newThread()
		th.hasMore = t.HasMore
		for _, m := range t.Messages {
			if th.has(m.ID) {
				continue
			}
			if m.Status == model.StatusSending {
				m.Status = model.StatusFailed
			}
			th.append(m)
		}
		r.threads[id] = th
	}
	r.recountLocked()
	r.changedLocked("restored", "")
}

// Snapshot returns a copy of the state for persistence.
func (r *Registry) Snapshot() model.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := model.Snapshot{
		Conversations: r.conversationsLocked(),
		Threads:       make(map[string]model.Thread, len(r.threads)),
	}
	for id, th := range r.threads {
		s.Threads[id] = th.snapshot()
	}
	return s
}

// Reset drops all state, e.g. on logout.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations = nil
	r.convIndex = make(map[string]int)
	r.threads = make(map[string]*thread)
	r.totalUnread = 0
	r.active = ""
	r.selfID = ""
	r.sends = newSendState()
	r.gen++
	r.changedLocked("reset", "")
}

// Wait blocks until background sends and read receipts have finished.
func (r *Registry) Wait() {
	r.wg.Wait()
}

func (r *Registry) Conversations() []model.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conversationsLocked()
}

func (r *Registry) Conversation(id string) (model.Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.convIndex[id]
	if !ok {
		return model.Conversation{}, false
	}
	return r.conversations[pos], true
}

func (r *Registry) Messages(conversationID string) []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	th, ok := r.threads[conversationID]
	if !ok {
		return nil
	}
	return append([]model.Message(nil), th.messages...)
}

func (r *Registry) HasMore(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	th, ok := r.threads[conversationID]
	return ok && th.hasMore
}

func (r *Registry) TotalUnread() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalUnread
}

func (r *Registry) ActiveConversation() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Registry) generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

func (r *Registry) conversationsLocked() []model.Conversation {
	return append([]model.Conversation(nil), r.conversations...)
}

func (r *Registry) threadLocked(conversationID string) *thread {
	th, ok := r.threads[conversationID]
	if !ok {
		th = newThread()
		r.threads[conversationID] = th
	}
	return th
}

func (r *Registry) recountLocked() {
	total := 0
	for _, c := range r.conversations {
		total += c.UnreadCount
	}
	r.totalUnread = total
}

// touchLastMessageLocked moves the conversation's last message projection
// forward to the newest message held locally.
func (r *Registry) touchLastMessageLocked(conversationID string) {
	pos, ok := r.convIndex[conversationID]
	if !ok {
		return
	}
	th, ok := r.threads[conversationID]
	if !ok {
		return
	}
	last, ok := th.last()
	if !ok {
		return
	}
	c := &r.conversations[pos]
	if !last.CreatedAt.Before(c.LastMessageAt) {
		c.LastMessage = last.Content
		c.LastMessageAt = last.CreatedAt
	}
}

func (r *Registry) changedLocked(reason, conversationID string) {
	r.metrics.UnreadTotal.Set(float64(r.totalUnread))
	r.bus.Emit(bus.KindRegistryChanged, Change{
		Reason:         reason,
		ConversationID: conversationID,
		TotalUnread:    r.totalUnread,
	})
}
