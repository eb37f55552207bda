package api

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/matheus3301/finlink/internal/apiclient"
	"github.com/matheus3301/finlink/internal/bus"
	"github.com/matheus3301/finlink/internal/conn"
	"github.com/matheus3301/finlink/internal/model"
)

const watchBuffer = 256

// Session is the part of the API client that signs the user in and out.
type Session interface {
	Login(ctx context.Context, email, password string) (*apiclient.AuthResponse, error)
	Register(ctx context.Context, req apiclient.RegisterRequest) (*apiclient.AuthResponse, error)
	Logout() error
	Authenticated() bool
}

type Connection interface {
	State() conn.State
	Attempts() int
	Connect()
	Disconnect()
}

// Messaging is the registry surface the control service drives.
type Messaging interface {
	SetSelf(userID string)
	LoadConversations(ctx context.Context) ([]model.Conversation, error)
	Conversations() []model.Conversation
	LoadMessages(ctx context.Context, conversationID, beforeID string) ([]model.Message, error)
	Messages(conversationID string) []model.Message
	HasMore(conversationID string) bool
	SendMessage(ctx context.Context, conversationID, content string, contentType model.ContentType, meta *model.Metadata) (string, error)
	Resend(ctx context.Context, conversationID, messageID string) (string, error)
	MarkAsRead(ctx context.Context, conversationID string) error
	SetActiveConversation(ctx context.Context, conversationID string) error
	ActiveConversation() string
	TotalUnread() int
	Reset()
}

// Service implements ControlServer on top of the daemon's components.
type Service struct {
	profile   string
	startedAt time.Time
	session   Session
	conn      Connection
	registry  Messaging
	bus       *bus.Bus
	logger    *zap.Logger
}

func NewService(profile string, s Session, c Connection, m Messaging, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		profile:   profile,
		startedAt: time.Now(),
		session:   s,
		conn:      c,
		registry:  m,
		bus:       b,
		logger:    logger,
	}
}

var _ ControlServer = (*Service)(nil)

func (s *Service) Status(_ context.Context, _ *Empty) (*StatusResponse, error) {
	return &StatusResponse{
		Profile:       s.profile,
		State:         string(s.conn.State()),
		Attempts:      s.conn.Attempts(),
		Authenticated: s.session.Authenticated(),
		Conversations: len(s.registry.Conversations()),
		TotalUnread:   s.registry.TotalUnread(),
		Active:        s.registry.ActiveConversation(),
		UptimeMs:      time.Since(s.startedAt).Milliseconds(),
		EventsDropped: s.bus.Dropped(),
	}, nil
}

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	if req.Email == "" || req.Password == "" {
		return nil, status.Error(codes.InvalidArgument, "email and password are required")
	}
	resp, err := s.session.Login(ctx, strings.TrimSpace(req.Email), req.Password)
	if err != nil {
		return nil, err
	}
	return s.signedIn(ctx, resp), nil
}

func (s *Service) Register(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	if req.Email == "" || req.Password == "" || req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "email, password and name are required")
	}
	resp, err := s.session.Register(ctx, apiclient.RegisterRequest{
		Email:    strings.TrimSpace(req.Email),
		Password: req.Password,
		Name:     req.Name,
	})
	if err != nil {
		return nil, err
	}
	return s.signedIn(ctx, resp), nil
}

// signedIn loads the conversation list and then opens the live channel, so
// the first pushed messages land in known conversations. A failed load is
// logged; the login itself already succeeded.
func (s *Service) signedIn(ctx context.Context, resp *apiclient.AuthResponse) *LoginResponse {
	if resp.User != nil {
		s.registry.SetSelf(resp.User.ID)
	}
	s.bus.Emit(bus.KindLoggedIn, resp.User)

	out := &LoginResponse{User: resp.User}
	convs, err := s.registry.LoadConversations(ctx)
	if err != nil {
		s.logger.Warn("failed to load conversations after login", zap.Error(err))
	}
	out.Conversations = len(convs)
	s.conn.Connect()
	return out
}

func (s *Service) Logout(_ context.Context, _ *Empty) (*Empty, error) {
	s.conn.Disconnect()
	if err := s.session.Logout(); err != nil {
		return nil, err
	}
	s.registry.Reset()
	s.bus.Emit(bus.KindLoggedOut, nil)
	s.logger.Info("logged out")
	return &Empty{}, nil
}

func (s *Service) Connect(ctx context.Context, _ *Empty) (*StatusResponse, error) {
	if !s.session.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	s.conn.Connect()
	return s.Status(ctx, nil)
}

func (s *Service) Disconnect(ctx context.Context, _ *Empty) (*StatusResponse, error) {
	s.conn.Disconnect()
	return s.Status(ctx, nil)
}

func (s *Service) ListConversations(ctx context.Context, req *ListConversationsRequest) (*ConversationsResponse, error) {
	convs := s.registry.Conversations()
	if req.Refresh || len(convs) == 0 {
		if !s.session.Authenticated() {
			return nil, ErrNotAuthenticated
		}
		var err error
		if convs, err = s.registry.LoadConversations(ctx); err != nil {
			return nil, err
		}
	}
	return &ConversationsResponse{Conversations: convs, TotalUnread: s.registry.TotalUnread()}, nil
}

func (s *Service) ListMessages(ctx context.Context, req *ListMessagesRequest) (*MessagesResponse, error) {
	if req.ConversationID == "" {
		return nil, status.Error(codes.InvalidArgument, "conversationId is required")
	}
	msgs := s.registry.Messages(req.ConversationID)
	if req.Refresh || req.Before != "" || len(msgs) == 0 {
		if !s.session.Authenticated() {
			return nil, ErrNotAuthenticated
		}
		var err error
		if msgs, err = s.registry.LoadMessages(ctx, req.ConversationID, req.Before); err != nil {
			return nil, err
		}
	}
	return &MessagesResponse{Messages: msgs, HasMore: s.registry.HasMore(req.ConversationID)}, nil
}

func (s *Service) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	if req.ConversationID == "" {
		return nil, status.Error(codes.InvalidArgument, "conversationId is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, status.Error(codes.InvalidArgument, "content is empty")
	}
	var meta *model.Metadata
	if req.ReportID != "" || req.DocumentID != "" {
		meta = &model.Metadata{ReportID: req.ReportID, DocumentID: req.DocumentID}
	}
	tempID, err := s.registry.SendMessage(ctx, req.ConversationID, req.Content, req.ContentType, meta)
	if err != nil {
		return nil, err
	}
	return &SendMessageResponse{TempID: tempID}, nil
}

func (s *Service) Resend(ctx context.Context, req *ResendRequest) (*SendMessageResponse, error) {
	tempID, err := s.registry.Resend(ctx, req.ConversationID, req.MessageID)
	if err != nil {
		return nil, err
	}
	return &SendMessageResponse{TempID: tempID}, nil
}

func (s *Service) MarkRead(ctx context.Context, req *ConversationRequest) (*Empty, error) {
	if err := s.registry.MarkAsRead(ctx, req.ConversationID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// SetActive with an empty id clears the active conversation.
func (s *Service) SetActive(ctx context.Context, req *ConversationRequest) (*Empty, error) {
	if err := s.registry.SetActiveConversation(ctx, req.ConversationID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// WatchEvents streams bus events until the client goes away.
func (s *Service) WatchEvents(req *WatchRequest, stream EventSender) error {
	ch, unsub := s.bus.Subscribe(req.Prefix, watchBuffer)
	defer unsub()

	ctx := stream.Context()
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.Send(&EventEnvelope{
				ID:         evt.ID,
				Kind:       evt.Kind,
				OccurredAt: evt.Timestamp,
				Payload:    evt.Payload,
			}); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
