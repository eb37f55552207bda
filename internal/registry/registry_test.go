package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/finlink/internal/apiclient"
	"github.com/matheus3301/finlink/internal/bus"
	"github.com/matheus3301/finlink/internal/clock"
	"github.com/matheus3301/finlink/internal/conn"
	"github.com/matheus3301/finlink/internal/model"
)

type fakeRemote struct {
	mu            sync.Mutex
	conversations []model.Conversation
	pages         map[string]*apiclient.MessagePage
	listCalls     int
	reads         []string
	readErr       error
	// send answers SendMessage; gate, when set, holds it until closed.
	send func(convID string, req apiclient.SendRequest) (*model.Message, error)
	gate chan struct{}
	// loadGate, when set, holds both list calls until closed.
	loadGate chan struct{}
	started  chan struct{}
}

func (f *fakeRemote) waitLoad() {
	if f.loadGate == nil {
		return
	}
	f.started <- struct{}{}
	<-f.loadGate
}

func (f *fakeRemote) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	f.waitLoad()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return append([]model.Conversation(nil), f.conversations...), nil
}

func (f *fakeRemote) ListMessages(ctx context.Context, conversationID, cursor string) (*apiclient.MessagePage, error) {
	f.waitLoad()
	f.mu.Lock()
	defer f.mu.Unlock()
	page, ok := f.pages[conversationID+"|"+cursor]
	if !ok {
		return nil, errors.New("no such page")
	}
	return page, nil
}

func (f *fakeRemote) SendMessage(ctx context.Context, conversationID string, req apiclient.SendRequest) (*model.Message, error) {
	if f.gate != nil {
		<-f.gate
	}
	return f.send(conversationID, req)
}

func (f *fakeRemote) MarkRead(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, conversationID)
	return f.readErr
}

func (f *fakeRemote) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func serverMessage(id, convID string) func(string, apiclient.SendRequest) (*model.Message, error) {
	return func(_ string, req apiclient.SendRequest) (*model.Message, error) {
		return &model.Message{
			ID:             id,
			ConversationID: convID,
			SenderID:       "u1",
			SenderType:     model.SenderBorrower,
			Content:        req.Content,
			ContentType:    req.ContentType,
			CreatedAt:      t0.Add(time.Second),
			Status:         model.StatusSent,
		}, nil
	}
}

func newTestRegistry(t *testing.T, remote *fakeRemote) (*Registry, *bus.Bus) {
	t.Helper()
	b := bus.New()
	r := New(Config{Remote: remote, Bus: b, Clock: clock.NewFake(t0)})
	_, err := r.LoadConversations(context.Background())
	require.NoError(t, err)
	return r, b
}

func inbound(id, convID string, sender model.SenderType, content string) conn.Event {
	return conn.Event{Type: conn.EventNewMessage, Message: &model.Message{
		ID:             id,
		ConversationID: convID,
		SenderType:     sender,
		Content:        content,
		ContentType:    model.ContentText,
		CreatedAt:      t0,
	}}
}

func statusEvent(id string, s model.MessageStatus) conn.Event {
	return conn.Event{Type: conn.EventMessageStatus, MessageID: id, Status: s}
}

func requireUnreadInvariant(t *testing.T, r *Registry) {
	t.Helper()
	sum := 0
	for _, c := range r.Conversations() {
		require.GreaterOrEqual(t, c.UnreadCount, 0, "conversation %s", c.ID)
		sum += c.UnreadCount
	}
	require.Equal(t, sum, r.TotalUnread(), "total unread must equal the per-conversation sum")
	if active := r.ActiveConversation(); active != "" {
		if c, ok := r.Conversation(active); ok {
			require.Zero(t, c.UnreadCount, "active conversation has unread messages")
		}
	}
}

func TestHelloScenario(t *testing.T) {
	remote := &fakeRemote{
		conversations: []model.Conversation{{ID: "conv_1", ParticipantID: "p1"}},
		send:          serverMessage("msg_99", "conv_1"),
		gate:          make(chan struct{}),
	}
	r, _ := newTestRegistry(t, remote)

	tempID, err := r.SendMessage(context.Background(), "conv_1", "Hello", "", nil)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(tempID, "tmp_"))

	msgs := r.Messages("conv_1")
	require.Len(t, msgs, 1)
	assert.Equal(t, tempID, msgs[0].ID)
	assert.Equal(t, model.StatusSending, msgs[0].Status)
	assert.Equal(t, model.SenderBorrower, msgs[0].SenderType)
	c, _ := r.Conversation("conv_1")
	assert.Equal(t, "Hello", c.LastMessage)

	close(remote.gate)
	r.Wait()

	msgs = r.Messages("conv_1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg_99", msgs[0].ID)
	assert.Equal(t, model.StatusSent, msgs[0].Status)
	assert.Equal(t, tempID, msgs[0].ClientID)

	// Echo of our own message over the live channel.
	r.HandleEvent(inbound("msg_99", "conv_1", model.SenderBorrower, "Hello"))
	require.Len(t, r.Messages("conv_1"), 1)

	r.HandleEvent(statusEvent("msg_99", model.StatusDelivered))
	msgs = r.Messages("conv_1")
	require.Len(t, msgs, 1)
	assert.Equal(t, model.StatusDelivered, msgs[0].Status)
	assert.Equal(t, 0, r.TotalUnread())
	requireUnreadInvariant(t, r)
}

func TestEchoBeforeConfirmationLeavesOneCopy(t *testing.T) {
	remote := &fakeRemote{
		conversations: []model.Conversation{{ID: "conv_1"}},
		send:          serverMessage("msg_7", "conv_1"),
		gate:          make(chan struct{}),
	}
	r, _ := newTestRegistry(t, remote)
	r.HandleEvent(inbound("msg_1", "conv_1", model.SenderCounterpart, "hi"))

	tempID, err := r.SendMessage(context.Background(), "conv_1", "ok", model.ContentText, nil)
	require.NoError(t, err)

	r.HandleEvent(inbound("msg_7", "conv_1", model.SenderBorrower, "ok"))
	r.HandleEvent(statusEvent("msg_7", model.StatusDelivered))

	msgs := r.Messages("conv_1")
	require.Len(t, msgs, 2, "echo must not appear next to the optimistic copy")
	assert.Equal(t, tempID, msgs[1].ID)

	close(remote.gate)
	r.Wait()

	msgs = r.Messages("conv_1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "msg_1", msgs[0].ID)
	assert.Equal(t, "msg_7", msgs[1].ID)
	assert.Equal(t, model.StatusDelivered, msgs[1].Status, "status from the echo is kept")

	// A late duplicate is ignored.
	r.HandleEvent(inbound("msg_7", "conv_1", model.SenderBorrower, "ok"))
	require.Len(t, r.Messages("conv_1"), 2)
}

func TestEchoWithClientIDReconcilesImmediately(t *testing.T) {
	remote := &fakeRemote{
		conversations: []model.Conversation{{ID: "conv_1"}},
		send:          serverMessage("msg_5", "conv_1"),
		gate:          make(chan struct{}),
	}
	r, _ := newTestRegistry(t, remote)

	tempID, err := r.SendMessage(context.Background(), "conv_1", "yo", model.ContentText, nil)
	require.NoError(t, err)

	echo := inbound("msg_5", "conv_1", model.SenderBorrower, "yo")
	echo.Message.ClientID = tempID
	r.HandleEvent(echo)

	msgs := r.Messages("conv_1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg_5", msgs[0].ID)

	close(remote.gate)
	r.Wait()
	msgs = r.Messages("conv_1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg_5", msgs[0].ID)
	assert.Equal(t, model.StatusSent, msgs[0].Status)
}

func TestEchoAppendedBeforeConfirmationIsFolded(t *testing.T) {
	// The echo text differs from the optimistic copy (server-side
	// normalisation), so it cannot be matched and lands in the list.
	remote := &fakeRemote{
		conversations: []model.Conversation{{ID: "conv_1"}},
		send:          serverMessage("msg_3", "conv_1"),
		gate:          make(chan struct{}),
	}
	r, _ := newTestRegistry(t, remote)

	tempID, err := r.SendMessage(context.Background(), "conv_1", " hi ", model.ContentText, nil)
	require.NoError(t, err)
	r.HandleEvent(inbound("msg_3", "conv_1", model.SenderBorrower, "hi"))
	require.Len(t, r.Messages("conv_1"), 2)

	close(remote.gate)
	r.Wait()

	msgs := r.Messages("conv_1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg_3", msgs[0].ID)
	assert.Equal(t, tempID, msgs[0].ClientID)
}

func TestSendFailureThenResend(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	remote := &fakeRemote{
		conversations: []model.Conversation{{ID: "conv_1"}},
	}
	remote.send = func(convID string, req apiclient.SendRequest) (*model.Message, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, errors.New("network down")
		}
		return serverMessage("msg_2", convID)(convID, req)
	}
	r, b := newTestRegistry(t, remote)
	failed, unsub := b.Subscribe(bus.KindSendFailed, 4)
	defer unsub()

	tempID, err := r.SendMessage(context.Background(), "conv_1", "retry me", model.ContentText, nil)
	require.NoError(t, err)
	r.Wait()

	msgs := r.Messages("conv_1")
	require.Len(t, msgs, 1)
	assert.Equal(t, model.StatusFailed, msgs[0].Status)
	select {
	case evt := <-failed:
		assert.Equal(t, tempID, evt.Payload.(SendResult).TempID)
	default:
		t.Fatal("no send_failed event")
	}

	// Status updates never move a failed message.
	r.HandleEvent(statusEvent(tempID, model.StatusDelivered))
	assert.Equal(t, model.StatusFailed, r.Messages("conv_1")[0].Status)

	newID, err := r.Resend(context.Background(), "conv_1", tempID)
	require.NoError(t, err)
	assert.NotEqual(t, tempID, newID)
	r.Wait()

	msgs = r.Messages("conv_1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg_2", msgs[0].ID)
	assert.Equal(t, "retry me", msgs[0].Content)

	_, err = r.Resend(context.Background(), "conv_1", tempID)
	assert.ErrorIs(t, err, ErrUnknownMessage)
	_, err = r.Resend(context.Background(), "conv_1", "msg_2")
	assert.ErrorIs(t, err, ErrNotFailed)
}

func TestResendRejectsNonFailed(t *testing.T) {
	remote := &fakeRemote{conversations: []model.Conversation{{ID: "conv_1"}}}
	r, _ := newTestRegistry(t, remote)
	r.HandleEvent(inbound("m1", "conv_1", model.SenderCounterpart, "x"))

	_, err := r.Resend(context.Background(), "conv_1", "m1")
	assert.ErrorIs(t, err, ErrNotFailed)
	_, err = r.Resend(context.Background(), "nope", "m1")
	assert.ErrorIs(t, err, ErrUnknownConversation)
}

func TestSendToUnknownConversation(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeRemote{})
	_, err := r.SendMessage(context.Background(), "ghost", "hi", model.ContentText, nil)
	assert.ErrorIs(t, err, ErrUnknownConversation)
}

func TestUnreadInvariant(t *testing.T) {
	remote := &fakeRemote{conversations: []model.Conversation{
		{ID: "c1", UnreadCount: 2},
		{ID: "c2"},
		{ID: "c3", UnreadCount: 1},
	}}
	r, _ := newTestRegistry(t, remote)
	ctx := context.Background()
	requireUnreadInvariant(t, r)
	assert.Equal(t, 3, r.TotalUnread())

	r.HandleEvent(inbound("m1", "c2", model.SenderCounterpart, "a"))
	requireUnreadInvariant(t, r)
	assert.Equal(t, 4, r.TotalUnread())

	require.NoError(t, r.SetActiveConversation(ctx, "c1"))
	requireUnreadInvariant(t, r)
	assert.Equal(t, 2, r.TotalUnread())

	r.HandleEvent(inbound("m2", "c1", model.SenderSupport, "b"))
	requireUnreadInvariant(t, r)
	assert.Equal(t, 2, r.TotalUnread(), "active conversation does not accumulate unread")

	r.HandleEvent(inbound("m3", "c3", model.SenderBorrower, "mine"))
	requireUnreadInvariant(t, r)
	assert.Equal(t, 2, r.TotalUnread(), "own messages are not unread")

	r.HandleEvent(inbound("m1", "c2", model.SenderCounterpart, "a"))
	requireUnreadInvariant(t, r)
	assert.Equal(t, 2, r.TotalUnread(), "duplicates are not counted twice")

	require.NoError(t, r.MarkAsRead(ctx, "c3"))
	requireUnreadInvariant(t, r)
	assert.Equal(t, 1, r.TotalUnread())

	remote.mu.Lock()
	remote.conversations = []model.Conversation{{ID: "c1", UnreadCount: 5}, {ID: "c2", UnreadCount: 3}}
	remote.mu.Unlock()
	_, err := r.LoadConversations(ctx)
	require.NoError(t, err)
	requireUnreadInvariant(t, r)
	assert.Equal(t, 3, r.TotalUnread())

	require.NoError(t, r.SetActiveConversation(ctx, ""))
	r.HandleEvent(inbound("m4", "c1", model.SenderCounterpart, "c"))
	requireUnreadInvariant(t, r)
	assert.Equal(t, 4, r.TotalUnread())

	r.Wait()
	remote.mu.Lock()
	assert.ElementsMatch(t, []string{"c1", "c3"}, remote.reads)
	remote.mu.Unlock()
}

func TestMarkAsReadSurvivesReceiptFailure(t *testing.T) {
	remote := &fakeRemote{
		conversations: []model.Conversation{{ID: "c1", UnreadCount: 4}},
		readErr:       errors.New("server down"),
	}
	r, _ := newTestRegistry(t, remote)
	require.NoError(t, r.MarkAsRead(context.Background(), "c1"))
	r.Wait()

	c, _ := r.Conversation("c1")
	assert.Zero(t, c.UnreadCount)
	assert.Zero(t, r.TotalUnread())
	assert.ErrorIs(t, r.MarkAsRead(context.Background(), "nope"), ErrUnknownConversation)
}

func TestStatusIsMonotonic(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeRemote{conversations: []model.Conversation{{ID: "c1"}}})
	r.HandleEvent(inbound("m1", "c1", model.SenderCounterpart, "x"))

	steps := []struct {
		in   model.MessageStatus
		want model.MessageStatus
	}{
		{model.StatusSent, model.StatusSent},
		{model.StatusRead, model.StatusRead},
		{model.StatusDelivered, model.StatusRead},
		{model.StatusSent, model.StatusRead},
		{model.StatusFailed, model.StatusRead},
	}
	for _, s := range steps {
		r.HandleEvent(statusEvent("m1", s.in))
		assert.Equal(t, s.want, r.Messages("c1")[0].Status, "after %s", s.in)
	}
	assert.NotNil(t, r.Messages("c1")[0].ReadAt)

	// Unknown ids are ignored.
	r.HandleEvent(statusEvent("ghost", model.StatusRead))
	require.Len(t, r.Messages("c1"), 1)
}

func TestPresence(t *testing.T) {
	r, b := newTestRegistry(t, &fakeRemote{conversations: []model.Conversation{
		{ID: "c1", ParticipantID: "p1"},
		{ID: "c2", ParticipantID: "p2"},
	}})
	events, unsub := b.Subscribe(bus.KindRegistryChanged, 8)
	defer unsub()

	r.HandleEvent(conn.Event{Type: conn.EventPresence, ParticipantID: "p2", IsOnline: true})
	c1, _ := r.Conversation("c1")
	c2, _ := r.Conversation("c2")
	assert.False(t, c1.IsOnline)
	assert.True(t, c2.IsOnline)
	assert.Len(t, events, 1)

	r.HandleEvent(conn.Event{Type: conn.EventPresence, ParticipantID: "unknown", IsOnline: true})
	assert.Len(t, events, 1, "unknown participant produces no change")
}

func TestLoadMessagesPrependsOlderPages(t *testing.T) {
	msg := func(id string) model.Message {
		return model.Message{ID: id, ConversationID: "c1", SenderType: model.SenderCounterpart, Content: id, CreatedAt: t0}
	}
	remote := &fakeRemote{
		conversations: []model.Conversation{{ID: "c1"}},
		pages: map[string]*apiclient.MessagePage{
			"c1|":   {Messages: []model.Message{msg("m3"), msg("m4")}, HasMore: true},
			"c1|m3": {Messages: []model.Message{msg("m1"), msg("m2"), msg("m3")}, HasMore: false},
		},
	}
	r, _ := newTestRegistry(t, remote)
	ctx := context.Background()

	_, err := r.LoadMessages(ctx, "c1", "")
	require.NoError(t, err)
	assert.True(t, r.HasMore("c1"))

	got, err := r.LoadMessages(ctx, "c1", "m3")
	require.NoError(t, err)
	var ids []string
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids)
	assert.False(t, r.HasMore("c1"))

	c, _ := r.Conversation("c1")
	assert.Equal(t, "m4", c.LastMessage)
}

func TestLoadMessagesKeepsUnsentLocalMessages(t *testing.T) {
	remote := &fakeRemote{
		conversations: []model.Conversation{{ID: "c1"}},
		pages: map[string]*apiclient.MessagePage{
			"c1|": {Messages: []model.Message{{ID: "m1", ConversationID: "c1", CreatedAt: t0}}},
		},
		send: func(string, apiclient.SendRequest) (*model.Message, error) {
			return nil, errors.New("offline")
		},
	}
	r, _ := newTestRegistry(t, remote)
	tempID, err := r.SendMessage(context.Background(), "c1", "draft", model.ContentText, nil)
	require.NoError(t, err)
	r.Wait()

	msgs, err := r.LoadMessages(context.Background(), "c1", "")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, tempID, msgs[1].ID)
	assert.Equal(t, model.StatusFailed, msgs[1].Status)
}

func TestRestoreAndSnapshot(t *testing.T) {
	r := New(Config{Remote: &fakeRemote{}})
	r.Restore(model.Snapshot{
		Conversations: []model.Conversation{{ID: "c1", UnreadCount: 2}, {ID: "c2", UnreadCount: 1}},
		Threads: map[string]model.Thread{
			"c1": {Messages: []model.Message{
				{ID: "m1", ConversationID: "c1", Status: model.StatusRead},
				{ID: "tmp_x", ClientID: "tmp_x", ConversationID: "c1", Status: model.StatusSending},
			}, HasMore: true},
		},
	})

	assert.Equal(t, 3, r.TotalUnread())
	assert.True(t, r.HasMore("c1"))
	msgs := r.Messages("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, model.StatusFailed, msgs[1].Status, "interrupted send is marked failed")

	s := r.Snapshot()
	assert.Len(t, s.Conversations, 2)
	assert.Len(t, s.Threads["c1"].Messages, 2)

	r.Reset()
	assert.Empty(t, r.Conversations())
	assert.Zero(t, r.TotalUnread())
}

func TestReconnectTriggersCatchUp(t *testing.T) {
	remote := &fakeRemote{conversations: []model.Conversation{{ID: "c1"}}}
	r, b := newTestRegistry(t, remote)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	before := remote.listCount()
	b.Emit(bus.KindConnState, conn.StateChange{From: conn.Connecting, To: conn.Connected})
	b.Emit(bus.KindConnState, conn.StateChange{From: conn.Connected, To: conn.Reconnecting})
	b.Emit(bus.KindConnState, conn.StateChange{From: conn.Connecting, To: conn.Connected})

	deadline := time.Now().Add(2 * time.Second)
	for remote.listCount() == before {
		if time.Now().After(deadline) {
			t.Fatal("no catch-up after reconnect")
		}
		time.Sleep(time.Millisecond)
	}
	r.Wait()
	assert.Equal(t, before+1, remote.listCount(), "first connection is not a reconnect")
}

func TestLoadFinishingAfterResetIsDropped(t *testing.T) {
	remote := &fakeRemote{
		conversations: []model.Conversation{{ID: "conv_1", UnreadCount: 3}},
		pages: map[string]*apiclient.MessagePage{
			"conv_1|": {Messages: []model.Message{{ID: "msg_1", ConversationID: "conv_1", CreatedAt: t0}}},
		},
	}
	r, _ := newTestRegistry(t, remote)
	remote.loadGate = make(chan struct{})
	remote.started = make(chan struct{}, 2)

	errs := make(chan error, 2)
	go func() {
		_, err := r.LoadConversations(context.Background())
		errs <- err
	}()
	go func() {
		_, err := r.LoadMessages(context.Background(), "conv_1", "")
		errs <- err
	}()
	<-remote.started
	<-remote.started

	r.Reset()
	close(remote.loadGate)
	for range 2 {
		assert.ErrorIs(t, <-errs, ErrReset)
	}

	assert.Empty(t, r.Conversations())
	assert.Empty(t, r.Messages("conv_1"))
	assert.Zero(t, r.TotalUnread())
	requireUnreadInvariant(t, r)

	// Loads started after the reset apply normally.
	remote.loadGate = nil
	_, err := r.LoadConversations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, r.TotalUnread())
}

func TestRepeatedClientIDAfterEchoIsSeparateMessage(t *testing.T) {
	remote := &fakeRemote{
		conversations: []model.Conversation{{ID: "conv_1"}},
		send:          serverMessage("msg_99", "conv_1"),
		gate:          make(chan struct{}),
	}
	r, _ := newTestRegistry(t, remote)

	tempID, err := r.SendMessage(context.Background(), "conv_1", "Hello", model.ContentText, nil)
	require.NoError(t, err)

	first := inbound("msg_99", "conv_1", model.SenderBorrower, "Hello")
	first.Message.ClientID = tempID
	r.HandleEvent(first)

	second := inbound("msg_100", "conv_1", model.SenderBorrower, "Hello")
	second.Message.ClientID = tempID
	require.NotPanics(t, func() { r.HandleEvent(second) })

	close(remote.gate)
	r.Wait()

	msgs := r.Messages("conv_1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "msg_99", msgs[0].ID)
	assert.Equal(t, "msg_100", msgs[1].ID)
	assert.Zero(t, r.TotalUnread(), "own messages are not unread")
	requireUnreadInvariant(t, r)
}
