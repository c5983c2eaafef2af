package ronin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// apiServer is a fake Ronin backend: a token endpoint plus API routes that
// reject stale bearers with 401.
type apiServer struct {
	mu          sync.Mutex
	validToken  string
	issued      int
	tokenCalls  atomic.Int64
	apiCalls    atomic.Int64
	apiHandler  func(w http.ResponseWriter, r *http.Request)
	revokeAll   bool
	refreshable bool
	tokenDelay  time.Duration
}

func newAPIServer() *apiServer {
	return &apiServer{validToken: "access-1", issued: 1, refreshable: true}
}

func (as *apiServer) serve() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == tokenPath {
			as.tokenCalls.Add(1)
			if as.tokenDelay > 0 {
				time.Sleep(as.tokenDelay)
			}
			if !as.refreshable {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			as.mu.Lock()
			as.issued++
			as.validToken = "access-" + string(rune('0'+as.issued))
			token := as.validToken
			as.mu.Unlock()
			json.NewEncoder(w).Encode(AuthToken{
				UserID: "user-1", AccessToken: token, RefreshToken: "refresh-next",
			})
			return
		}

		as.apiCalls.Add(1)
		as.mu.Lock()
		valid := "Bearer " + as.validToken
		revoked := as.revokeAll
		as.mu.Unlock()
		if revoked || r.Header.Get("Authorization") != valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if as.apiHandler != nil {
			as.apiHandler(w, r)
			return
		}
		w.Write([]byte(`{}`))
	}))
}

func signedInClient(t *testing.T, srv *httptest.Server) (*Client, *Session) {
	t.Helper()
	session := NewSession(srv.URL, "cid", "secret")
	session.Restore(AuthToken{UserID: "user-1", AccessToken: "access-1", RefreshToken: "refresh-1"})
	return NewClient(srv.URL, session), session
}

// ============================================================================
// Retry-on-401
// ============================================================================

func TestClientRefreshesOnceAndReplays(t *testing.T) {
	as := newAPIServer()
	as.apiHandler = func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ServerInfo{ServerName: "ronin-test"})
	}
	srv := as.serve()
	defer srv.Close()

	client, session := signedInClient(t, srv)
	// Stale the client's bearer so the first attempt 401s.
	session.Restore(AuthToken{UserID: "user-1", AccessToken: "stale", RefreshToken: "refresh-1"})

	data, err := client.doRequest(context.Background(), "GET", apiRoot+"/networks/", nil, nil)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ronin-test")
	assert.Equal(t, int64(1), as.tokenCalls.Load())
	assert.Equal(t, int64(2), as.apiCalls.Load(), "one rejected attempt plus one replay")
}

func TestClientConcurrent401sShareOneRefresh(t *testing.T) {
	as := newAPIServer()
	// A slow token endpoint keeps the refresh in flight while every caller
	// hits its 401, so all of them must join the same refresh.
	as.tokenDelay = 100 * time.Millisecond
	srv := as.serve()
	defer srv.Close()

	client, session := signedInClient(t, srv)
	session.Restore(AuthToken{UserID: "user-1", AccessToken: "stale", RefreshToken: "refresh-1"})

	const callers = 6
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.doRequest(context.Background(), "GET", apiRoot+"/users/u1", nil, nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), as.tokenCalls.Load(), "burst of 401s must share one refresh")
}

func TestClientSecond401IsAuthInvalid(t *testing.T) {
	as := newAPIServer()
	as.revokeAll = true // even fresh tokens bounce
	srv := as.serve()
	defer srv.Close()

	client, _ := signedInClient(t, srv)
	_, err := client.doRequest(context.Background(), "GET", apiRoot+"/users/u1", nil, nil)
	assert.True(t, errors.Is(err, ErrAuthInvalid))
	assert.Equal(t, int64(1), as.tokenCalls.Load(), "exactly one refresh, never a loop")
	assert.Equal(t, int64(2), as.apiCalls.Load())
}

func TestClientErrorClassification(t *testing.T) {
	as := newAPIServer()
	as.apiHandler = func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/missing"):
			w.WriteHeader(http.StatusNotFound)
		case strings.HasSuffix(r.URL.Path, "/boom"):
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.Write([]byte(`{}`))
		}
	}
	srv := as.serve()
	defer srv.Close()

	client, _ := signedInClient(t, srv)

	_, err := client.doRequest(context.Background(), "GET", apiRoot+"/missing", nil, nil)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = client.doRequest(context.Background(), "GET", apiRoot+"/boom", nil, nil)
	assert.True(t, errors.Is(err, ErrNetworkUnreachable))

	dead := NewClient("http://127.0.0.1:1", NewSession("http://127.0.0.1:1", "c", "s"))
	_, err = dead.doRequest(context.Background(), "GET", apiRoot+"/x", nil, nil)
	assert.True(t, errors.Is(err, ErrNetworkUnreachable))
}

// ============================================================================
// Endpoints
// ============================================================================

func TestClientServerInfoIsUnauthenticated(t *testing.T) {
	var sawAuth bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ronin/server/info", r.URL.Path)
		sawAuth = r.Header.Get("Authorization") != ""
		json.NewEncoder(w).Encode(ServerInfo{ServerName: "ronin", APIVersion: "1"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, NewSession(srv.URL, "cid", "secret"))
	info, err := client.ServerInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ronin", info.ServerName)
	assert.False(t, sawAuth, "probe must work before sign-in")
}

func TestClientFirstNetwork(t *testing.T) {
	as := newAPIServer()
	as.apiHandler = func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0", r.URL.Query().Get("skip"))
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode([]Network{{ID: "net-1", Name: "Main"}})
	}
	srv := as.serve()
	defer srv.Close()

	client, _ := signedInClient(t, srv)
	network, err := client.FirstNetwork(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "net-1", network.ID)
}

func TestClientListConversationsMixedDecode(t *testing.T) {
	as := newAPIServer()
	as.apiHandler = func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[
			{"tgtType": "user", "target": {"id": "u-bob", "firstName": "Bob"}},
			{"tgtType": "userGroup", "target": {"id": "g-1", "name": "Crew"}},
			{"tgtType": "thing", "target": {"id": "t-1"}},
			{"tgtType": "session", "target": {"id": "s-1", "name": "Ops"}}
		]`)
	}
	srv := as.serve()
	defer srv.Close()

	client, _ := signedInClient(t, srv)
	convs, err := client.ListConversations(context.Background(), "net-1")
	require.NoError(t, err)
	require.Len(t, convs, 3, "unknown discriminators are dropped")
	assert.Equal(t, ScopeUser, convs[0].Kind())
	assert.Equal(t, ScopeUserGroup, convs[1].Kind())
	assert.Equal(t, ScopeSession, convs[2].Kind())
	assert.Equal(t, "Crew", convs[1].DisplayName())
}

func TestClientRenameChannelSendsJSONPatch(t *testing.T) {
	as := newAPIServer()
	as.apiHandler = func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "PATCH", r.Method)
		body, _ := io.ReadAll(r.Body)
		var ops []patchOp
		require.NoError(t, json.Unmarshal(body, &ops))
		require.Len(t, ops, 1)
		assert.Equal(t, "replace", ops[0].Op)
		assert.Equal(t, "/name", ops[0].Path)
		assert.Equal(t, "Renamed", ops[0].Value)
		json.NewEncoder(w).Encode(Channel{ID: "s-1", Name: "Renamed"})
	}
	srv := as.serve()
	defer srv.Close()

	client, _ := signedInClient(t, srv)
	channel, err := client.RenameChannel(context.Background(), "s-1", "Renamed")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", channel.Name)
}

func TestClientUploadAttachment(t *testing.T) {
	as := newAPIServer()
	as.apiHandler = func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "notes.txt", header.Filename)
		assert.Equal(t, "hello", string(data))
		json.NewEncoder(w).Encode(Attachment{ID: "file-9", Filename: "notes.txt", Length: 5})
	}
	srv := as.serve()
	defer srv.Close()

	client, _ := signedInClient(t, srv)
	stored, err := client.UploadAttachment(context.Background(),
		NewAttachment("notes.txt", "text/plain", []byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, "file-9", stored.ID)

	_, err = client.UploadAttachment(context.Background(), Attachment{ID: "no-data"})
	assert.True(t, errors.Is(err, ErrMalformedPayload))
}

func TestClientConversationMessagesPaths(t *testing.T) {
	var gotPath string
	as := newAPIServer()
	as.apiHandler = func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		io.WriteString(w, `[]`)
	}
	srv := as.serve()
	defer srv.Close()

	client, _ := signedInClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cases := []struct {
		kind ScopeKind
		want string
	}{
		{ScopeSession, apiRoot + "/networks/net-1/userprofile/sessions/c1/messages"},
		{ScopeUser, apiRoot + "/networks/net-1/userprofile/users/c1/messages"},
		{ScopeUserGroup, apiRoot + "/networks/net-1/userprofile/userGroups/c1/messages"},
	}
	for _, tc := range cases {
		_, err := client.ConversationMessages(ctx, "net-1", tc.kind, "c1", 10)
		require.NoError(t, err)
		assert.Equal(t, tc.want, gotPath)
	}

	_, err := client.ConversationMessages(ctx, "net-1", ScopeNetwork, "c1", 10)
	assert.True(t, errors.Is(err, ErrMalformedPayload))
}
