package ronin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Session state
// ============================================================================

// SessionState represents the auth lifecycle state.
type SessionState string

const (
	SessionSignedOut      SessionState = "signedOut"
	SessionAuthenticating SessionState = "authenticating"
	SessionAuthenticated  SessionState = "authenticated"
	SessionRefreshing     SessionState = "refreshing"
	SessionInvalid        SessionState = "invalid"
)

const tokenPath = "/ronin/oauth2/token"

// ============================================================================
// Session
// ============================================================================

// Session owns the OAuth2 token pair and the refresh lifecycle. Refreshes are
// single-flight: concurrent callers that hit an expired token share one
// refresh request and all observe its outcome.
//
// Session uses its own HTTP client so that token requests never pass through
// the authenticated request path and cannot recurse into another refresh.
type Session struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	log          *zap.Logger

	mu       sync.Mutex
	state    SessionState
	token    *AuthToken
	inflight *refreshCall

	onRefresh []func(AuthToken)
	onInvalid []func()
}

// refreshCall is one in-flight refresh shared by every waiter.
type refreshCall struct {
	done  chan struct{}
	token *AuthToken
	err   error
}

// SessionOption configures a Session.
type SessionOption func(*Session)

func WithSessionHTTPClient(client *http.Client) SessionOption {
	return func(s *Session) { s.httpClient = client }
}

func WithSessionLogger(log *zap.Logger) SessionOption {
	return func(s *Session) { s.log = log }
}

// NewSession creates a signed-out session for a server and client credential
// pair.
func NewSession(baseURL, clientID, clientSecret string, opts ...SessionOption) *Session {
	s := &Session{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: DefaultTimeout},
		log:          zap.NewNop(),
		state:        SessionSignedOut,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Token returns the current token pair, or nil when signed out.
func (s *Session) Token() *AuthToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == nil {
		return nil
	}
	t := *s.token
	return &t
}

// UserID returns the authenticated user's id, or "" when signed out.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == nil {
		return ""
	}
	return s.token.UserID
}

// OnRefresh registers a listener invoked with each newly issued token pair.
func (s *Session) OnRefresh(h func(AuthToken)) {
	s.mu.Lock()
	s.onRefresh = append(s.onRefresh, h)
	s.mu.Unlock()
}

// OnInvalid registers a listener invoked when the session becomes
// unrecoverable and a fresh sign-in is required.
func (s *Session) OnInvalid(h func()) {
	s.mu.Lock()
	s.onInvalid = append(s.onInvalid, h)
	s.mu.Unlock()
}

// Authenticate performs the password grant. On success the session holds a
// live token pair; on failure the session stays signed out and the error
// classifies the cause (bad URL, bad credentials, unknown user, unreachable
// server).
func (s *Session) Authenticate(ctx context.Context, username, password string) (*AuthToken, error) {
	s.mu.Lock()
	s.state = SessionAuthenticating
	s.mu.Unlock()

	form := url.Values{
		"grant_type":    {"password"},
		"username":      {username},
		"password":      {password},
		"client_id":     {s.clientID},
		"client_secret": {s.clientSecret},
	}

	token, err := s.postToken(ctx, form)
	if err != nil {
		s.mu.Lock()
		s.state = SessionSignedOut
		s.token = nil
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	s.state = SessionAuthenticated
	s.token = token
	s.mu.Unlock()

	s.log.Info("authenticated", zap.String("userId", token.UserID))
	return token, nil
}

// Refresh exchanges the refresh token for a new pair. When a refresh is
// already in flight the caller waits for it instead of issuing another,
// so a burst of rejected requests produces exactly one token request.
// A failed refresh invalidates the session.
func (s *Session) Refresh(ctx context.Context) (*AuthToken, error) {
	s.mu.Lock()
	if s.token == nil {
		s.mu.Unlock()
		return nil, ErrAuthInvalid
	}
	if call := s.inflight; call != nil {
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	s.inflight = call
	s.state = SessionRefreshing
	refreshToken := s.token.RefreshToken
	s.mu.Unlock()

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {s.clientID},
		"client_secret": {s.clientSecret},
	}

	token, err := s.postToken(ctx, form)

	s.mu.Lock()
	s.inflight = nil
	if err != nil {
		// A rejected refresh token cannot be retried; anything else leaves
		// the old pair in place for a later attempt.
		if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrAuthInvalid) {
			err = ErrAuthInvalid
			s.state = SessionInvalid
			s.token = nil
		} else {
			s.state = SessionAuthenticated
		}
	} else {
		s.state = SessionAuthenticated
		s.token = token
	}
	refreshed := append([]func(AuthToken){}, s.onRefresh...)
	invalidated := append([]func(){}, s.onInvalid...)
	invalid := s.state == SessionInvalid
	s.mu.Unlock()

	call.token = token
	call.err = err
	close(call.done)

	if err != nil {
		if invalid {
			s.log.Warn("session invalidated", zap.Error(err))
			for _, h := range invalidated {
				h()
			}
		}
		return nil, err
	}

	s.log.Debug("token refreshed", zap.String("userId", token.UserID))
	for _, h := range refreshed {
		h(*token)
	}
	return token, nil
}

// Restore primes a session with a previously issued token pair, as saved by
// a CLI or a host app across launches. The pair may be stale; the first 401
// will refresh it through the normal path.
func (s *Session) Restore(token AuthToken) {
	s.mu.Lock()
	t := token
	s.token = &t
	s.state = SessionAuthenticated
	s.mu.Unlock()
}

// SignOut discards the token pair and returns the session to signed out.
func (s *Session) SignOut() {
	s.mu.Lock()
	s.token = nil
	s.state = SessionSignedOut
	s.mu.Unlock()
	s.log.Info("signed out")
}

func (s *Session) postToken(ctx context.Context, form url.Values) (*AuthToken, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+tokenPath,
		bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnreachable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrInvalidCredentials
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrUserNotFound
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: token endpoint HTTP %d", ErrNetworkUnreachable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("token endpoint HTTP %d: %s", resp.StatusCode, string(body))
	}

	var token AuthToken
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("%w: token response: %v", ErrMalformedPayload, err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", ErrMalformedPayload)
	}
	return &token, nil
}
