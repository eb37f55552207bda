package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/finlink/internal/apierr"
	"github.com/matheus3301/finlink/internal/clock"
	"github.com/matheus3301/finlink/internal/metrics"
	"github.com/matheus3301/finlink/internal/model"
	"github.com/matheus3301/finlink/internal/retry"
)

const (
	DefaultRequestTimeout = 15 * time.Second
	maxResponseBytes      = 8 << 20
	refreshPath           = "/auth/refresh"
)

type Config struct {
	BaseURL        string
	HTTPClient     *http.Client
	Credentials    CredentialStore
	Retry          retry.Policy
	RequestTimeout time.Duration
	// RatePerSecond paces outgoing attempts; zero disables pacing.
	RatePerSecond float64
	Burst         int
	Clock         clock.Clock
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

// Client performs authenticated JSON requests against the backend. It owns
// the credential pair and serializes token refreshes: when several requests
// hit 401 at once, one refresh call is made and the rest wait for it.
type Client struct {
	baseURL    string
	httpClient *http.Client
	store      CredentialStore
	policy     retry.Policy
	timeout    time.Duration
	limiter    *rate.Limiter
	clock      clock.Clock
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu    sync.Mutex
	creds Credentials
	// epoch changes whenever the pair is replaced or cleared; a refresh
	// started under an older epoch is discarded.
	epoch      uint64
	refreshing bool
	waiters    []chan refreshResult
	onCleared  []func()
}

type refreshResult struct {
	token string
	err   error
}

func New(cfg Config) (*Client, error) {
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
		store:      cfg.Credentials,
		policy:     cfg.Retry,
		timeout:    cfg.RequestTimeout,
		clock:      cfg.Clock,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.store == nil {
		c.store = &MemoryStore{}
	}
	if c.policy == (retry.Policy{}) {
		c.policy = retry.Default()
	}
	if c.timeout <= 0 {
		c.timeout = DefaultRequestTimeout
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.metrics == nil {
		c.metrics = metrics.Discard()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	creds, err := c.store.Load()
	if err != nil {
		return nil, err
	}
	c.creds = creds
	return c, nil
}

type options struct {
	noAuth bool
	query  map[string]string
}

type Option func(*options)

// WithoutAuth sends the request without a bearer token and never attempts
// a refresh on 401.
func WithoutAuth() Option {
	return func(o *options) { o.noAuth = true }
}

// WithQuery adds a query parameter; empty values are omitted.
func WithQuery(key, value string) Option {
	return func(o *options) {
		if value == "" {
			return
		}
		if o.query == nil {
			o.query = map[string]string{}
		}
		o.query[key] = value
	}
}

// Do sends a request and decodes the JSON response into out (which may be
// nil). Transient failures are retried per the retry policy; a 401 triggers
// at most one refresh and one repeat of the request. Every returned error
// is an *apierr.Error.
func (c *Client) Do(ctx context.Context, method, path string, body, out any, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return apierr.Wrap(apierr.KindUnknown, "encode request", err)
		}
	}

	var token string
	if !o.noAuth {
		token = c.AccessToken()
	}

	refreshed := false
	retries := 0
	for {
		data, err := c.attempt(ctx, method, path, o.query, payload, token)
		if err == nil {
			c.metrics.Requests.WithLabelValues(method, "ok").Inc()
			return decode(data, out)
		}
		c.metrics.Requests.WithLabelValues(method, string(apierr.KindOf(err))).Inc()

		if apierr.Is(err, apierr.KindUnauthorized) && !o.noAuth && !refreshed {
			fresh, rerr := c.refresh(ctx, token)
			if rerr != nil {
				return rerr
			}
			token = fresh
			refreshed = true
			continue
		}

		delay, ok := c.policy.Next(retries, err)
		if !ok {
			return err
		}
		retries++
		c.metrics.Retries.Inc()
		c.logger.Warn("retrying request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("retry", retries),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return apierr.FromTransport(ctx.Err())
		case <-c.clock.After(delay):
		}
	}
}

func (c *Client) attempt(ctx context.Context, method, path string, query map[string]string, payload []byte, token string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, apierr.FromTransport(err)
		}
	}

	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(actx, method, c.baseURL+path, body)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUnknown, "build request", err)
	}
	if len(query) > 0 {
		q := req.URL.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apierr.FromTransport(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apierr.FromTransport(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apierr.FromStatus(resp.StatusCode, data)
	}
	return data, nil
}

func decode(data []byte, out any) error {
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apierr.Wrap(apierr.KindUnknown, "decode response", err)
	}
	return nil
}

// refresh returns an access token newer than stale. If another request is
// already refreshing, the caller parks until that refresh settles.
func (c *Client) refresh(ctx context.Context, stale string) (string, error) {
	c.mu.Lock()
	if !c.refreshing && c.creds.AccessToken != "" && c.creds.AccessToken != stale {
		// A refresh completed after this request was sent.
		token := c.creds.AccessToken
		c.mu.Unlock()
		return token, nil
	}
	if c.refreshing {
		ch := make(chan refreshResult, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()
		c.metrics.RefreshWaiters.Inc()

		select {
		case res := <-ch:
			return res.token, res.err
		case <-ctx.Done():
			return "", apierr.FromTransport(ctx.Err())
		}
	}
	refreshToken := c.creds.RefreshToken
	if refreshToken == "" {
		c.mu.Unlock()
		return "", apierr.New(apierr.KindUnauthorized, "no refresh token")
	}
	c.refreshing = true
	epoch := c.epoch
	c.mu.Unlock()

	// The refresh outlives the caller that triggered it: waiters depend on it.
	rctx := context.WithoutCancel(ctx)
	var pair Credentials
	data, err := c.attempt(rctx, http.MethodPost, refreshPath, nil, mustJSON(map[string]string{"refreshToken": refreshToken}), "")
	if err == nil {
		err = decode(data, &pair)
	}
	if err == nil && pair.AccessToken == "" {
		err = apierr.New(apierr.KindUnknown, "refresh response without token")
	}

	c.mu.Lock()
	var res refreshResult
	changed := c.epoch != epoch
	switch {
	case changed:
		// Signed out or in again while the refresh was in flight.
		err = nil
		c.metrics.Refreshes.WithLabelValues("discarded").Inc()
		c.logger.Info("discarding token refresh, credentials changed meanwhile")
		res.err = apierr.New(apierr.KindUnauthorized, "credentials changed during refresh")
	case err != nil:
		c.metrics.Refreshes.WithLabelValues("failed").Inc()
		c.logger.Warn("token refresh failed, clearing credentials", zap.Error(err))
		if cerr := c.store.Clear(); cerr != nil {
			c.logger.Error("failed to clear credentials", zap.Error(cerr))
		}
		c.creds = Credentials{}
		c.epoch++
		res.err = apierr.Wrap(apierr.KindUnauthorized, "session expired", err)
	default:
		c.metrics.Refreshes.WithLabelValues("ok").Inc()
		if pair.RefreshToken == "" {
			pair.RefreshToken = refreshToken
		}
		if pair.User == nil {
			pair.User = c.creds.User
		}
		if serr := c.store.Save(pair); serr != nil {
			c.logger.Error("failed to persist refreshed credentials", zap.Error(serr))
		}
		c.creds = pair
		res.token = pair.AccessToken
	}
	c.refreshing = false
	waiters := c.waiters
	c.waiters = nil
	for _, w := range waiters {
		w <- res
	}
	hooks := c.onCleared
	c.mu.Unlock()

	if err != nil {
		for _, fn := range hooks {
			fn()
		}
	}
	return res.token, res.err
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// AccessToken returns the current access token, or "" when signed out.
func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds.AccessToken
}

func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds.AccessToken != ""
}

// SetCredentials stores a new pair, e.g. after login. A refresh still in
// flight for the previous pair is discarded.
func (c *Client) SetCredentials(creds Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Save(creds); err != nil {
		return err
	}
	c.creds = creds
	c.epoch++
	return nil
}

// ClearCredentials forgets the pair locally and in the store.
func (c *Client) ClearCredentials() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = Credentials{}
	c.epoch++
	return c.store.Clear()
}

// User returns the signed-in user stored with the credentials, if known.
func (c *Client) User() *model.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.creds.User == nil {
		return nil
	}
	u := *c.creds.User
	return &u
}

// OnCredentialsCleared registers fn to run after a failed refresh wiped
// the credentials.
func (c *Client) OnCredentialsCleared(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCleared = append(c.onCleared, fn)
}
