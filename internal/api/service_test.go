package api

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/matheus3301/finlink/internal/apiclient"
	"github.com/matheus3301/finlink/internal/apierr"
	"github.com/matheus3301/finlink/internal/bus"
	"github.com/matheus3301/finlink/internal/conn"
	"github.com/matheus3301/finlink/internal/model"
	"github.com/matheus3301/finlink/internal/registry"
)

type fakeSession struct {
	mu       sync.Mutex
	authed   bool
	loginErr error
	logouts  int
}

func (f *fakeSession) Login(_ context.Context, email, _ string) (*apiclient.AuthResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	f.authed = true
	return &apiclient.AuthResponse{Token: "t", RefreshToken: "r", User: &model.User{ID: "u1", Email: email}}, nil
}

func (f *fakeSession) Register(ctx context.Context, req apiclient.RegisterRequest) (*apiclient.AuthResponse, error) {
	return f.Login(ctx, req.Email, req.Password)
}

func (f *fakeSession) Logout() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authed = false
	f.logouts++
	return nil
}

func (f *fakeSession) Authenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authed
}

type fakeConn struct {
	mu          sync.Mutex
	state       conn.State
	connects    int
	disconnects int
}

func (f *fakeConn) State() conn.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) Attempts() int { return 0 }

func (f *fakeConn) Connect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.state = conn.Connected
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.state = conn.Disconnected
}

type fakeRemote struct {
	mu    sync.Mutex
	sends []apiclient.SendRequest
}

func (f *fakeRemote) ListConversations(context.Context) ([]model.Conversation, error) {
	return []model.Conversation{
		{ID: "c1", ParticipantID: "p1", ParticipantName: "Bank", UnreadCount: 2},
		{ID: "c2", ParticipantID: "p2", ParticipantName: "Support"},
	}, nil
}

func (f *fakeRemote) ListMessages(_ context.Context, conversationID, cursor string) (*apiclient.MessagePage, error) {
	if conversationID == "missing" {
		return nil, apierr.New(apierr.KindNotFound, "conversation not found")
	}
	return &apiclient.MessagePage{
		Messages: []model.Message{{ID: "m1", ConversationID: conversationID, SenderType: model.SenderCounterpart, Content: "hi", Status: model.StatusDelivered, CreatedAt: time.Unix(100, 0).UTC()}},
		HasMore:  cursor == "",
	}, nil
}

func (f *fakeRemote) SendMessage(_ context.Context, conversationID string, req apiclient.SendRequest) (*model.Message, error) {
	f.mu.Lock()
	f.sends = append(f.sends, req)
	f.mu.Unlock()
	return &model.Message{ID: "srv_1", ConversationID: conversationID, SenderType: model.SenderBorrower, Content: req.Content, Status: model.StatusSent, CreatedAt: time.Unix(200, 0).UTC()}, nil
}

func (f *fakeRemote) MarkRead(context.Context, string) error { return nil }

type harness struct {
	client  *Client
	session *fakeSession
	conn    *fakeConn
	reg     *registry.Registry
	bus     *bus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := bus.New()
	h := &harness{
		session: &fakeSession{},
		conn:    &fakeConn{state: conn.Disconnected},
		reg:     registry.New(registry.Config{Remote: &fakeRemote{}, Bus: b}),
		bus:     b,
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterControlServer(srv, NewService("test", h.session, h.conn, h.reg, b, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	h.client = NewClient(cc)
	t.Cleanup(func() {
		_ = h.client.Close()
		h.reg.Wait()
	})
	return h
}

func TestStatusBeforeLogin(t *testing.T) {
	h := newHarness(t)

	st, err := h.client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test", st.Profile)
	assert.Equal(t, string(conn.Disconnected), st.State)
	assert.False(t, st.Authenticated)
}

func TestLoginConnectsAndLoads(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.client.Login(ctx, " ana@example.com ", "secret")
	require.NoError(t, err)
	require.NotNil(t, resp.User)
	assert.Equal(t, "u1", resp.User.ID)
	assert.Equal(t, "ana@example.com", resp.User.Email)
	assert.Equal(t, 2, resp.Conversations)
	assert.Equal(t, 1, h.conn.connects)

	st, err := h.client.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Authenticated)
	assert.Equal(t, 2, st.TotalUnread)
	assert.Equal(t, string(conn.Connected), st.State)
}

func TestLoginValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.client.Login(context.Background(), "", "x")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestLoginErrorKindsMapToCodes(t *testing.T) {
	h := newHarness(t)
	h.session.loginErr = apierr.New(apierr.KindUnauthorized, "bad credentials")

	_, err := h.client.Login(context.Background(), "a@b.c", "wrong")
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "bad credentials")
}

func TestCallsRequireLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.Connect(ctx)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	_, err = h.client.ListConversations(ctx, true)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Zero(t, h.conn.connects)
}

func TestMessagingRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.client.Login(ctx, "a@b.c", "pw")
	require.NoError(t, err)

	convs, err := h.client.ListConversations(ctx, false)
	require.NoError(t, err)
	require.Len(t, convs.Conversations, 2)
	assert.Equal(t, "Bank", convs.Conversations[0].ParticipantName)

	msgs, err := h.client.ListMessages(ctx, ListMessagesRequest{ConversationID: "c1"})
	require.NoError(t, err)
	require.Len(t, msgs.Messages, 1)
	assert.True(t, msgs.HasMore)
	assert.True(t, msgs.Messages[0].CreatedAt.Equal(time.Unix(100, 0)))

	tempID, err := h.client.SendMessage(ctx, SendMessageRequest{ConversationID: "c1", Content: "Hello", ReportID: "r1"})
	require.NoError(t, err)
	assert.NotEmpty(t, tempID)
	h.reg.Wait()

	msgs, err = h.client.ListMessages(ctx, ListMessagesRequest{ConversationID: "c1"})
	require.NoError(t, err)
	require.Len(t, msgs.Messages, 2)
	assert.Equal(t, "srv_1", msgs.Messages[1].ID)
	assert.Equal(t, tempID, msgs.Messages[1].ClientID)

	require.NoError(t, h.client.SetActive(ctx, "c1"))
	st, err := h.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c1", st.Active)
	assert.Zero(t, st.TotalUnread)
}

func TestNotFoundErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.client.Login(ctx, "a@b.c", "pw")
	require.NoError(t, err)

	_, err = h.client.SendMessage(ctx, SendMessageRequest{ConversationID: "nope", Content: "x"})
	assert.Equal(t, codes.NotFound, status.Code(err))
	_, err = h.client.ListMessages(ctx, ListMessagesRequest{ConversationID: "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))
	_, err = h.client.Resend(ctx, "c1", "m404")
	assert.Equal(t, codes.NotFound, status.Code(err))
	err = h.client.MarkRead(ctx, "nope")
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestLogoutResetsState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.client.Login(ctx, "a@b.c", "pw")
	require.NoError(t, err)

	events, unsub := h.bus.Subscribe("session.", 4)
	defer unsub()

	require.NoError(t, h.client.Logout(ctx))
	assert.Equal(t, 1, h.session.logouts)
	assert.Equal(t, 1, h.conn.disconnects)
	assert.Empty(t, h.reg.Conversations())

	select {
	case evt := <-events:
		assert.Equal(t, bus.KindLoggedOut, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("no logged_out event")
	}
}

func TestWatchEvents(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan EventEnvelope, 4)
	done := make(chan error, 1)
	go func() {
		done <- h.client.WatchEvents(ctx, "registry.", func(evt EventEnvelope) error {
			got <- evt
			return errors.New("stop")
		})
	}()

	// The subscription is made server side once the stream opens.
	deadline := time.After(2 * time.Second)
	for {
		h.bus.Emit(bus.KindRegistryChanged, registry.Change{Reason: "ping", TotalUnread: 3})
		select {
		case evt := <-got:
			assert.Equal(t, bus.KindRegistryChanged, evt.Kind)
			payload, ok := evt.Payload.(map[string]any)
			require.True(t, ok, "payload %T", evt.Payload)
			assert.Equal(t, "ping", payload["reason"])
			assert.EqualValues(t, 3, payload["totalUnread"])
			assert.EqualError(t, <-done, "stop")
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}
