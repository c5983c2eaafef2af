package ronin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenServer is a fake token endpoint that counts requests and issues
// sequential access tokens.
type tokenServer struct {
	requests   atomic.Int64
	delay      time.Duration
	failStatus int
	mu         sync.Mutex
	issued     int
}

func (ts *tokenServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != tokenPath {
			http.NotFound(w, r)
			return
		}
		ts.requests.Add(1)
		if ts.delay > 0 {
			time.Sleep(ts.delay)
		}
		if ts.failStatus != 0 {
			w.WriteHeader(ts.failStatus)
			return
		}
		_ = r.ParseForm()

		ts.mu.Lock()
		ts.issued++
		n := ts.issued
		ts.mu.Unlock()

		json.NewEncoder(w).Encode(AuthToken{
			UserID:       "user-1",
			TokenType:    "Bearer",
			AccessToken:  fmt.Sprintf("access-%d", n),
			RefreshToken: fmt.Sprintf("refresh-%d", n),
			ExpiresIn:    3600,
		})
	}
}

func TestSessionAuthenticate(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		ts := &tokenServer{}
		srv := httptest.NewServer(ts.handler())
		defer srv.Close()

		session := NewSession(srv.URL, "cid", "secret")
		token, err := session.Authenticate(context.Background(), "alice", "pw")
		require.NoError(t, err)
		assert.Equal(t, "user-1", token.UserID)
		assert.Equal(t, SessionAuthenticated, session.State())
		assert.Equal(t, "user-1", session.UserID())
	})

	t.Run("bad credentials", func(t *testing.T) {
		ts := &tokenServer{failStatus: http.StatusUnauthorized}
		srv := httptest.NewServer(ts.handler())
		defer srv.Close()

		session := NewSession(srv.URL, "cid", "secret")
		_, err := session.Authenticate(context.Background(), "alice", "wrong")
		assert.True(t, errors.Is(err, ErrInvalidCredentials))
		assert.Equal(t, SessionSignedOut, session.State())
		assert.Nil(t, session.Token())
	})

	t.Run("unknown user", func(t *testing.T) {
		ts := &tokenServer{failStatus: http.StatusNotFound}
		srv := httptest.NewServer(ts.handler())
		defer srv.Close()

		session := NewSession(srv.URL, "cid", "secret")
		_, err := session.Authenticate(context.Background(), "nobody", "pw")
		assert.True(t, errors.Is(err, ErrUserNotFound))
	})

	t.Run("unreachable server", func(t *testing.T) {
		session := NewSession("http://127.0.0.1:1", "cid", "secret")
		_, err := session.Authenticate(context.Background(), "alice", "pw")
		assert.True(t, errors.Is(err, ErrNetworkUnreachable))
	})
}

func TestSessionRefreshCoalesces(t *testing.T) {
	ts := &tokenServer{delay: 100 * time.Millisecond}
	srv := httptest.NewServer(ts.handler())
	defer srv.Close()

	session := NewSession(srv.URL, "cid", "secret")
	_, err := session.Authenticate(context.Background(), "alice", "pw")
	require.NoError(t, err)
	before := ts.requests.Load()

	// A burst of concurrent refreshes must collapse into one token request,
	// with every caller observing the same new pair.
	const callers = 8
	tokens := make([]*AuthToken, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = session.Refresh(context.Background())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), ts.requests.Load()-before, "refresh storm must issue one token request")
	for i, tok := range tokens {
		require.NoError(t, errs[i])
		require.NotNil(t, tok)
		assert.Equal(t, tokens[0].AccessToken, tok.AccessToken)
	}
	assert.Equal(t, SessionAuthenticated, session.State())
}

func TestSessionRefreshNotifiesListeners(t *testing.T) {
	ts := &tokenServer{}
	srv := httptest.NewServer(ts.handler())
	defer srv.Close()

	session := NewSession(srv.URL, "cid", "secret")
	_, err := session.Authenticate(context.Background(), "alice", "pw")
	require.NoError(t, err)

	var got AuthToken
	session.OnRefresh(func(token AuthToken) { got = token })

	tok, err := session.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tok.AccessToken, got.AccessToken)
	assert.NotEqual(t, "access-1", tok.AccessToken, "refresh must rotate the token")
}

func TestSessionRefreshRejectionInvalidates(t *testing.T) {
	ts := &tokenServer{}
	srv := httptest.NewServer(ts.handler())
	defer srv.Close()

	session := NewSession(srv.URL, "cid", "secret")
	_, err := session.Authenticate(context.Background(), "alice", "pw")
	require.NoError(t, err)

	invalidated := false
	session.OnInvalid(func() { invalidated = true })

	ts.failStatus = http.StatusUnauthorized
	_, err = session.Refresh(context.Background())
	assert.True(t, errors.Is(err, ErrAuthInvalid))
	assert.Equal(t, SessionInvalid, session.State())
	assert.Nil(t, session.Token())
	assert.True(t, invalidated)

	// Once invalid, further refreshes fail without touching the server.
	before := ts.requests.Load()
	_, err = session.Refresh(context.Background())
	assert.True(t, errors.Is(err, ErrAuthInvalid))
	assert.Equal(t, before, ts.requests.Load())
}

func TestSessionRefreshTransientFailureKeepsToken(t *testing.T) {
	ts := &tokenServer{}
	srv := httptest.NewServer(ts.handler())
	defer srv.Close()

	session := NewSession(srv.URL, "cid", "secret")
	_, err := session.Authenticate(context.Background(), "alice", "pw")
	require.NoError(t, err)

	ts.failStatus = http.StatusInternalServerError
	_, err = session.Refresh(context.Background())
	assert.True(t, errors.Is(err, ErrNetworkUnreachable))
	assert.Equal(t, SessionAuthenticated, session.State(), "a server blip must not invalidate")
	require.NotNil(t, session.Token())

	// The old pair still works once the server recovers.
	ts.failStatus = 0
	tok, err := session.Refresh(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, tok.AccessToken)
}

func TestSessionRestore(t *testing.T) {
	session := NewSession("http://example.invalid", "cid", "secret")
	session.Restore(AuthToken{UserID: "u1", AccessToken: "a", RefreshToken: "r"})
	assert.Equal(t, SessionAuthenticated, session.State())
	assert.Equal(t, "u1", session.UserID())

	session.SignOut()
	assert.Equal(t, SessionSignedOut, session.State())
	assert.Nil(t, session.Token())
}
