package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/finlink/internal/conn"
	"github.com/matheus3301/finlink/internal/model"
)

const catchUpTimeout = 30 * time.Second

// HandleEvent merges one live channel event into the state. It is meant to
// be registered with conn.Manager.OnMessage.
func (r *Registry) HandleEvent(evt conn.Event) {
	switch evt.Type {
	case conn.EventNewMessage:
		if evt.Message != nil {
			r.receiveMessage(*evt.Message)
		}
	case conn.EventMessageStatus:
		r.updateStatus(evt.MessageID, evt.Status)
	case conn.EventPresence:
		r.updatePresence(evt.ParticipantID, evt.IsOnline)
	}
}

func (r *Registry) receiveMessage(msg model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	convID := msg.ConversationID
	th := r.threadLocked(convID)
	if th.has(msg.ID) {
		return
	}
	if _, seen := r.sends.byServer[msg.ID]; seen {
		return
	}
	if s, ok := r.sends.early[msg.ID]; ok {
		msg.Status = model.Latest(msg.Status, s)
		delete(r.sends.early, msg.ID)
	}

	if tempID, exact := r.matchEchoLocked(th, msg); tempID != "" {
		r.sends.byServer[msg.ID] = tempID
		if optimistic, ok := th.get(tempID); exact && ok {
			r.confirmLocked(th, *optimistic, msg)
			r.changedLocked("message_echoed", convID)
		} else {
			r.sends.parked[tempID] = msg
		}
		return
	}

	if _, known := r.convIndex[convID]; !known {
		r.logger.Info("message for unknown conversation", zap.String("conversation_id", convID))
		r.reloadLocked()
	}
	r.appendInboundLocked(msg)
}

// appendInboundLocked appends a message from the live channel and counts
// it as unread unless the conversation is on screen or we sent it.
func (r *Registry) appendInboundLocked(msg model.Message) {
	convID := msg.ConversationID
	th := r.threadLocked(convID)
	if th.has(msg.ID) {
		return
	}
	th.append(msg)
	r.touchLastMessageLocked(convID)

	if pos, ok := r.convIndex[convID]; ok && convID != r.active && !r.fromSelfLocked(msg) && msg.ReadAt == nil {
		r.conversations[pos].UnreadCount++
		r.totalUnread++
	}
	r.changedLocked("message_received", convID)
}

func (r *Registry) fromSelfLocked(msg model.Message) bool {
	return msg.SenderType == model.SenderBorrower || (r.selfID != "" && msg.SenderID == r.selfID)
}

func (r *Registry) updateStatus(messageID string, status model.MessageStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for convID, th := range r.threads {
		m, ok := th.get(messageID)
		if !ok {
			continue
		}
		if !model.CanAdvance(m.Status, status) {
			return
		}
		m.Status = status
		if status == model.StatusRead && m.ReadAt == nil {
			now := r.clock.Now()
			m.ReadAt = &now
		}
		r.changedLocked("status_changed", convID)
		return
	}

	for tempID, p := range r.sends.parked {
		if p.ID == messageID {
			p.Status = model.Latest(p.Status, status)
			r.sends.parked[tempID] = p
			return
		}
	}
	// The REST confirmation may still be on its way.
	if len(r.sends.pending) > 0 {
		r.sends.early[messageID] = model.Latest(r.sends.early[messageID], status)
	}
}

func (r *Registry) updatePresence(participantID string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	for i := range r.conversations {
		c := &r.conversations[i]
		if c.ParticipantID == participantID && c.IsOnline != online {
			c.IsOnline = online
			changed = true
		}
	}
	if changed {
		r.changedLocked("presence_changed", "")
	}
}

// reloadLocked starts a background catch-up unless one is running.
func (r *Registry) reloadLocked() {
	if r.reloading {
		return
	}
	r.reloading = true
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.catchUp(context.Background())
		r.mu.Lock()
		r.reloading = false
		r.mu.Unlock()
	}()
}

// catchUp reloads the conversation list and the open conversation's newest
// page, picking up whatever the live channel missed.
func (r *Registry) catchUp(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, catchUpTimeout)
	defer cancel()

	if _, err := r.LoadConversations(ctx); err != nil {
		r.logger.Warn("catch-up: failed to reload conversations", zap.Error(err))
		return
	}
	if active := r.ActiveConversation(); active != "" {
		if _, err := r.LoadMessages(ctx, active, ""); err != nil {
			r.logger.Warn("catch-up: failed to reload messages", zap.Error(err), zap.String("conversation_id", active))
		}
	}
}
