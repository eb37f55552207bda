package conn

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/finlink/internal/bus"
	"github.com/matheus3301/finlink/internal/clock"
	"github.com/matheus3301/finlink/internal/metrics"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
	DefaultDialTimeout = 10 * time.Second
)

// TokenSource supplies the access token appended to the channel URL.
type TokenSource interface {
	AccessToken() string
}

type Config struct {
	URL         string
	Dialer      Dialer
	Tokens      TokenSource
	MaxAttempts int
	BaseDelay   time.Duration
	DialTimeout time.Duration
	Clock       clock.Clock
	Bus         *bus.Bus
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

type Handler func(Event)

// Manager owns the live channel. It dials on Connect, reconnects with
// exponential delay after unexpected closes, and hands inbound events to
// subscribers one at a time in arrival order.
type Manager struct {
	url         string
	dialer      Dialer
	tokens      TokenSource
	maxAttempts int
	baseDelay   time.Duration
	dialTimeout time.Duration
	clock       clock.Clock
	bus         *bus.Bus
	metrics     *metrics.Metrics
	logger      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	attempts int
	timer    clock.Timer
	live     *session
	// gen invalidates dial and read goroutines started before the last
	// Connect or Disconnect.
	gen uint64

	hmu      sync.Mutex
	handlers []handlerEntry
	nextID   int
}

type session struct {
	t      Transport
	cancel context.CancelFunc
}

type handlerEntry struct {
	id int
	fn Handler
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		url:         cfg.URL,
		dialer:      cfg.Dialer,
		tokens:      cfg.Tokens,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		dialTimeout: cfg.DialTimeout,
		clock:       cfg.Clock,
		bus:         cfg.Bus,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		state:       Disconnected,
	}
	if m.dialer == nil {
		m.dialer = WebsocketDialer{}
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = DefaultMaxAttempts
	}
	if m.baseDelay <= 0 {
		m.baseDelay = DefaultBaseDelay
	}
	if m.dialTimeout <= 0 {
		m.dialTimeout = DefaultDialTimeout
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.metrics == nil {
		m.metrics = metrics.Discard()
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.setStateGauge(Disconnected)
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the reconnect attempts made since the last successful
// connection.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect starts dialing unless already connected or connecting.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Connected || m.state == Connecting {
		return
	}
	m.stopTimerLocked()
	m.dialLocked()
}

// Disconnect closes the channel and disables automatic reconnection until
// the next successful Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.attempts = m.maxAttempts
	m.stopTimerLocked()
	m.gen++
	live := m.live
	m.live = nil
	if m.state != Disconnected {
		m.transitionLocked(Disconnected)
	}
	m.mu.Unlock()

	if live != nil {
		live.cancel()
		if err := live.t.Close(); err != nil {
			m.logger.Debug("close live channel", zap.Error(err))
		}
	}
}

// Close disconnects and stops all background work.
func (m *Manager) Close() {
	m.Disconnect()
	m.cancel()
}

// OnMessage registers fn for inbound events and returns a function that
// removes it.
func (m *Manager) OnMessage(fn Handler) func() {
	m.hmu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers = append(m.handlers, handlerEntry{id: id, fn: fn})
	m.hmu.Unlock()

	return func() {
		m.hmu.Lock()
		defer m.hmu.Unlock()
		for i, h := range m.handlers {
			if h.id == id {
				m.handlers = append(m.handlers[:i:i], m.handlers[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) dialLocked() {
	m.gen++
	gen := m.gen
	m.transitionLocked(Connecting)
	go m.dial(gen)
}

func (m *Manager) dial(gen uint64) {
	target, err := m.channelURL()
	var t Transport
	if err == nil {
		ctx, cancel := context.WithTimeout(m.ctx, m.dialTimeout)
		t, err = m.dialer.Dial(ctx, target)
		cancel()
	}

	m.mu.Lock()
	if gen != m.gen || m.state != Connecting {
		m.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		return
	}
	if err != nil {
		m.logger.Warn("live channel dial failed", zap.Error(err), zap.Int("attempts", m.attempts))
		m.closedLocked()
		m.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.live = &session{t: t, cancel: cancel}
	m.attempts = 0
	m.transitionLocked(Connected)
	m.mu.Unlock()

	m.logger.Info("live channel connected")
	m.readLoop(ctx, gen, t)
}

func (m *Manager) channelURL() (string, error) {
	u, err := url.Parse(m.url)
	if err != nil {
		return "", err
	}
	if m.tokens != nil {
		if token := m.tokens.AccessToken(); token != "" {
			q := u.Query()
			q.Set("token", token)
			u.RawQuery = q.Encode()
		}
	}
	return u.String(), nil
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, t Transport) {
	for {
		data, err := t.Read(ctx)
		if err != nil {
			m.mu.Lock()
			if gen == m.gen && m.state == Connected {
				m.logger.Warn("live channel closed", zap.Error(err))
				m.live = nil
				m.closedLocked()
			}
			m.mu.Unlock()
			_ = t.Close()
			return
		}

		evt, err := Decode(data)
		if err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				m.logger.Debug("skipping frame", zap.Error(err))
			} else {
				m.logger.Warn("malformed frame", zap.Error(err))
			}
			continue
		}
		m.dispatch(evt)
	}
}

func (m *Manager) dispatch(evt Event) {
	m.hmu.Lock()
	handlers := make([]Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.fn
	}
	m.hmu.Unlock()

	for _, fn := range handlers {
		fn(evt)
	}
}

// closedLocked handles an unexpected close or failed dial: schedule the
// next attempt, or give up once attempts are exhausted.
func (m *Manager) closedLocked() {
	if m.attempts >= m.maxAttempts {
		m.transitionLocked(Disconnected)
		m.logger.Info("live channel reconnect disabled or exhausted", zap.Int("attempts", m.attempts))
		return
	}
	delay := m.baseDelay << m.attempts
	m.attempts++
	m.transitionLocked(Reconnecting)
	m.metrics.Reconnects.Inc()
	m.logger.Info("scheduling reconnect", zap.Int("attempt", m.attempts), zap.Duration("delay", delay))

	gen := m.gen
	m.timer = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen || m.state != Reconnecting {
			return
		}
		m.timer = nil
		m.dialLocked()
	})
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) transitionLocked(to State) {
	from := m.state
	if err := checkTransition(from, to); err != nil {
		m.logger.Error("connection state", zap.Error(err))
		return
	}
	m.state = to
	m.setStateGauge(to)
	if m.bus != nil {
		m.bus.Emit(bus.KindConnState, StateChange{From: from, To: to})
	}
}

func (m *Manager) setStateGauge(current State) {
	for _, s := range AllStates {
		v := 0.0
		if s == current {
			v = 1
		}
		m.metrics.ConnectionState.WithLabelValues(string(s)).Set(v)
	}
}
