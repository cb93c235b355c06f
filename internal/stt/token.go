package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/lexiqai/salute-stt/internal/observability"
	"github.com/lexiqai/salute-stt/internal/resilience"
)

// tokenExchangeTimeout bounds a single exchange regardless of who waits on it
const tokenExchangeTimeout = 30 * time.Second

// TokenConfig describes the client-credentials exchange
type TokenConfig struct {
	TokenURL  string
	AuthKey   string        // Sent verbatim as "Authorization: Basic <AuthKey>"
	Scope     string        // Form parameter "scope"
	SessionID string        // Sent as the RqUID header
	Margin    time.Duration // A token is stale once now > expiry - Margin
}

// TokenManager exchanges a static credential for short-lived bearer tokens
// and caches the result until it is about to expire.
//
// The check-and-refresh sequence is safe for concurrent use: callers that find
// the token stale share a single in-flight exchange.
type TokenManager struct {
	config     TokenConfig
	httpClient *http.Client
	clock      resilience.Clock
	logger     zerolog.Logger

	mu    sync.Mutex
	token *oauth2.Token
	group singleflight.Group
}

var _ oauth2.TokenSource = (*TokenManager)(nil)

// NewTokenManager creates a token manager. The first token is fetched lazily.
func NewTokenManager(config TokenConfig, httpClient *http.Client, clock resilience.Clock, logger zerolog.Logger) *TokenManager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if clock == nil {
		clock = resilience.SystemClock{}
	}
	return &TokenManager{
		config:     config,
		httpClient: httpClient,
		clock:      clock,
		logger:     logger,
	}
}

// ValidToken returns the held token, exchanging the credential for a new one
// when none is held or the held one is within Margin of expiring.
func (m *TokenManager) ValidToken(ctx context.Context) (*oauth2.Token, error) {
	if tok := m.fresh(); tok != nil {
		return tok, nil
	}

	ch := m.group.DoChan("token", func() (interface{}, error) {
		// Another caller may have refreshed while we waited for the group
		if tok := m.fresh(); tok != nil {
			return tok, nil
		}

		// The flight is shared, so it outlives the caller that started it
		exchangeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenExchangeTimeout)
		defer cancel()

		tok, err := m.exchange(exchangeCtx)
		observability.RecordTokenRefresh(err == nil)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.token = tok
		m.mu.Unlock()
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return nil, newError(observability.StageToken, ErrAuth, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	}
}

// Token implements oauth2.TokenSource
func (m *TokenManager) Token() (*oauth2.Token, error) {
	return m.ValidToken(context.Background())
}

// Invalidate drops the held token so the next call performs an exchange
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.token = nil
	m.mu.Unlock()
}

func (m *TokenManager) fresh() *oauth2.Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == nil {
		return nil
	}
	if m.clock.Now().After(m.token.Expiry.Add(-m.config.Margin)) {
		return nil
	}
	return m.token
}

func (m *TokenManager) exchange(ctx context.Context) (*oauth2.Token, error) {
	form := url.Values{"scope": {m.config.Scope}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, newError(observability.StageToken, ErrAuth, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Basic "+m.config.AuthKey)
	req.Header.Set("RqUID", m.config.SessionID)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	if err != nil {
		observability.RecordStageCall(observability.StageToken, time.Since(start), err)
		m.logger.Error().Err(err).Msg("Token exchange request failed")
		return nil, newError(observability.StageToken, ErrAuth, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	observability.RecordStageCall(observability.StageToken, time.Since(start), err)
	if err != nil {
		return nil, newError(observability.StageToken, ErrAuth, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.logger.Error().Int("status", resp.StatusCode).Str("body", preview(body)).Msg("Token exchange rejected")
		return nil, statusError(observability.StageToken, ErrAuth, resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, newError(observability.StageToken, ErrAuth, fmt.Errorf("failed to parse token response: %w", err))
	}
	if tr.AccessToken == "" {
		return nil, statusError(observability.StageToken, ErrAuth, resp.StatusCode, []byte("response carries no access_token"))
	}

	var expiry time.Time
	switch {
	case tr.ExpiresAt > 0:
		expiry = time.UnixMilli(tr.ExpiresAt)
	case tr.ExpiresIn > 0:
		expiry = m.clock.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	default:
		// No lifetime given: usable for this call only
		expiry = m.clock.Now()
	}

	m.logger.Info().Time("expires_at", expiry).Msg("Obtained access token")

	return &oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   "Bearer",
		Expiry:      expiry,
	}, nil
}
