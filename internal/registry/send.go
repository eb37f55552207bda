package registry

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/finlink/internal/apiclient"
	"github.com/matheus3301/finlink/internal/bus"
	"github.com/matheus3301/finlink/internal/model"
)

const tempPrefix = "tmp_"

// SendResult is the payload of registry.send_ack and registry.send_failed.
type SendResult struct {
	TempID         string `json:"tempId"`
	MessageID      string `json:"messageId,omitempty"`
	ConversationID string `json:"conversationId"`
	Err            string `json:"error,omitempty"`
}

// sendState tracks optimistic sends between the local append and the
// server's answer.
type sendState struct {
	// pending maps a temporary id to its conversation.
	pending map[string]string
	// parked holds live channel echoes that arrived before the REST
	// confirmation, keyed by the temporary id they were matched to.
	parked map[string]model.Message
	// byServer maps server ids seen on the live channel to the temporary
	// id they belong to.
	byServer map[string]string
	// early holds status updates for ids not yet known locally.
	early map[string]model.MessageStatus
}

func newSendState() *sendState {
	return &sendState{
		pending:  make(map[string]string),
		parked:   make(map[string]model.Message),
		byServer: make(map[string]string),
		early:    make(map[string]model.MessageStatus),
	}
}

func (s *sendState) forget(tempID string) {
	delete(s.pending, tempID)
	delete(s.parked, tempID)
	for serverID, t := range s.byServer {
		if t == tempID {
			delete(s.byServer, serverID)
		}
	}
	if len(s.pending) == 0 {
		clear(s.early)
	}
}

// SendMessage appends a local message in status sending and submits it in
// the background. It returns the temporary id at once. The message later
// becomes the server's message in place, or is marked failed.
func (r *Registry) SendMessage(ctx context.Context, conversationID, content string, contentType model.ContentType, meta *model.Metadata) (string, error) {
	if contentType == "" {
		contentType = model.ContentText
	}
	r.mu.Lock()
	if _, ok := r.convIndex[conversationID]; !ok {
		r.mu.Unlock()
		return "", ErrUnknownConversation
	}
	msg := r.enqueueLocked(conversationID, content, contentType, meta)
	r.mu.Unlock()

	r.submit(ctx, msg)
	return msg.ID, nil
}

// Resend removes a failed message and sends its content again under a new
// temporary id.
func (r *Registry) Resend(ctx context.Context, conversationID, messageID string) (string, error) {
	r.mu.Lock()
	th, ok := r.threads[conversationID]
	if _, known := r.convIndex[conversationID]; !ok || !known {
		r.mu.Unlock()
		return "", ErrUnknownConversation
	}
	m, ok := th.get(messageID)
	if !ok {
		r.mu.Unlock()
		return "", ErrUnknownMessage
	}
	if m.Status != model.StatusFailed {
		r.mu.Unlock()
		return "", ErrNotFailed
	}
	old, _ := th.remove(messageID)
	msg := r.enqueueLocked(conversationID, old.Content, old.ContentType, old.Metadata)
	r.mu.Unlock()

	r.submit(ctx, msg)
	return msg.ID, nil
}

func (r *Registry) enqueueLocked(conversationID, content string, contentType model.ContentType, meta *model.Metadata) model.Message {
	tempID := tempPrefix + uuid.NewString()
	msg := model.Message{
		ID:             tempID,
		ClientID:       tempID,
		ConversationID: conversationID,
		SenderID:       r.selfID,
		SenderType:     model.SenderBorrower,
		Content:        content,
		ContentType:    contentType,
		Metadata:       meta,
		CreatedAt:      r.clock.Now(),
		Status:         model.StatusSending,
	}
	r.threadLocked(conversationID).append(msg)
	r.sends.pending[tempID] = conversationID
	r.touchLastMessageLocked(conversationID)
	r.changedLocked("message_sending", conversationID)
	return msg
}

func (r *Registry) submit(ctx context.Context, msg model.Message) {
	req := apiclient.SendRequest{
		Content:     msg.Content,
		ContentType: msg.ContentType,
	}
	if msg.Metadata != nil {
		req.ReportID = msg.Metadata.ReportID
		req.DocumentID = msg.Metadata.DocumentID
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// The send outlives the request that started it.
		sent, err := r.remote.SendMessage(context.WithoutCancel(ctx), msg.ConversationID, req)
		if err == nil && (sent == nil || sent.ID == "") {
			err = errors.New("send response without message id")
		}
		r.settle(msg, sent, err)
	}()
}

// settle applies the server's answer to an optimistic message.
func (r *Registry) settle(msg model.Message, sent *model.Message, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	convID, ok := r.sends.pending[msg.ID]
	if !ok {
		// State was reset while the request was in flight.
		return
	}
	parked, hasParked := r.sends.parked[msg.ID]
	var early model.MessageStatus
	if err == nil {
		early = r.sends.early[sent.ID]
	}
	r.sends.forget(msg.ID)
	th := r.threadLocked(convID)

	if err != nil {
		switch {
		case hasParked:
			// The live channel already delivered the server copy, so the
			// server has the message regardless of this error.
			r.confirmLocked(th, msg, parked)
			r.ackLocked(msg, parked.ID, convID)
		case !th.has(msg.ID):
			// Reconciled through the live channel by client id.
			r.ackLocked(msg, "", convID)
		default:
			m, _ := th.get(msg.ID)
			m.Status = model.StatusFailed
			r.metrics.Sends.WithLabelValues("failed").Inc()
			r.logger.Error("failed to send message", zap.Error(err),
				zap.String("temp_id", msg.ID), zap.String("conversation_id", convID))
			r.bus.Emit(bus.KindSendFailed, SendResult{TempID: msg.ID, ConversationID: convID, Err: err.Error()})
			r.changedLocked("message_failed", convID)
		}
		return
	}

	confirmed := *sent
	if early != "" {
		confirmed.Status = model.Latest(confirmed.Status, early)
	}
	if hasParked {
		if parked.ID == confirmed.ID {
			confirmed.Status = model.Latest(confirmed.Status, parked.Status)
		} else {
			r.appendInboundLocked(parked)
		}
	}
	r.confirmLocked(th, msg, confirmed)
	r.ackLocked(msg, confirmed.ID, convID)
}

// confirmLocked puts the server copy of an optimistic message at the
// optimistic position. If a copy with the server id is already present
// (an echo that beat the confirmation) it is folded in, leaving one copy.
func (r *Registry) confirmLocked(th *thread, optimistic, confirmed model.Message) {
	confirmed.ClientID = optimistic.ID
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = optimistic.ConversationID
	}
	if confirmed.Status == model.StatusFailed || !model.CanAdvance(model.StatusSending, confirmed.Status) {
		confirmed.Status = model.StatusSent
	}

	existing, dup := th.get(confirmed.ID)
	switch {
	case dup && th.has(optimistic.ID):
		confirmed.Status = model.Latest(confirmed.Status, existing.Status)
		th.remove(confirmed.ID)
		th.replace(optimistic.ID, confirmed)
	case dup:
		existing.Status = model.Latest(existing.Status, confirmed.Status)
		existing.ClientID = optimistic.ID
	default:
		th.replace(optimistic.ID, confirmed)
	}
	r.touchLastMessageLocked(optimistic.ConversationID)
}

func (r *Registry) ackLocked(msg model.Message, serverID, convID string) {
	r.metrics.Sends.WithLabelValues("sent").Inc()
	r.logger.Info("message sent", zap.String("temp_id", msg.ID), zap.String("message_id", serverID))
	r.bus.Emit(bus.KindSendAck, SendResult{TempID: msg.ID, MessageID: serverID, ConversationID: convID})
	r.changedLocked("message_sent", convID)
}

// matchEchoLocked looks for the optimistic send an inbound message echoes.
// A client id match is exact; otherwise the oldest unmatched send in the
// conversation with the same content is taken.
func (r *Registry) matchEchoLocked(th *thread, msg model.Message) (tempID string, exact bool) {
	if msg.ClientID != "" {
		if conv, ok := r.sends.pending[msg.ClientID]; ok && conv == msg.ConversationID {
			if !th.has(msg.ClientID) {
				// Already reconciled by an earlier echo; this is a
				// separate server message.
				return "", false
			}
			return msg.ClientID, true
		}
	}
	if msg.SenderType != model.SenderBorrower {
		return "", false
	}
	for _, m := range th.messages {
		if !m.Pending() || m.Status != model.StatusSending {
			continue
		}
		if _, taken := r.sends.parked[m.ID]; taken {
			continue
		}
		if m.Content == msg.Content && m.ContentType == msg.ContentType {
			return m.ID, false
		}
	}
	return "", false
}
