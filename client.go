// Package ronin is a Go client for the Ronin chat platform.
//
// It keeps a device's view of its conversations synchronized with the
// server: REST for history and mutations, a persistent push connection for
// live events, and an in-memory store that applies the platform's ordering,
// merge, and unread rules.
//
// Example:
//
//	session := ronin.NewSession("https://chat.example.com", clientID, clientSecret)
//	session.Authenticate(ctx, "alice", "s3cret")
//
//	client := ronin.NewClient("https://chat.example.com", session)
//	channels, _ := client.ListChannels(ctx, networkID)
package ronin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Defaults
// ============================================================================

const (
	// DefaultTimeout bounds every REST request, token requests included.
	DefaultTimeout = 30 * time.Second

	apiRoot = "/ronin/api/v1"
)

// ============================================================================
// Client
// ============================================================================

// Client is the authenticated REST surface of a Ronin server. Requests carry
// the session's bearer token; a 401 triggers one coalesced token refresh and
// one replay, after which a second 401 surfaces as ErrAuthInvalid.
type Client struct {
	baseURL    string
	session    *Session
	httpClient *http.Client
	log        *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a REST client bound to a session.
func NewClient(baseURL string, session *Session, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		session: session,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	var encoded []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		encoded = b
	}
	return c.doRaw(ctx, method, path, encoded, "application/json", query)
}

// doRaw issues one request and, on 401, refreshes the token once and replays
// the identical request once. The body is held as bytes so the replay sends
// exactly what the original sent.
func (c *Client) doRaw(ctx context.Context, method, path string, body []byte, contentType string, query map[string]string) ([]byte, error) {
	data, status, err := c.send(ctx, method, path, body, contentType, query)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		if _, err := c.session.Refresh(ctx); err != nil {
			return nil, err
		}
		data, status, err = c.send(ctx, method, path, body, contentType, query)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, ErrAuthInvalid
		}
	}
	return data, classifyStatus(status, data)
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, contentType string, query map[string]string) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if token := c.session.Token(); token != nil {
		req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrNetworkUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrNetworkUnreachable, err)
	}
	return data, resp.StatusCode, nil
}

func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuthInvalid
	case status >= 500:
		return fmt.Errorf("%w: server HTTP %d", ErrNetworkUnreachable, status)
	default:
		return fmt.Errorf("HTTP %d: %s", status, string(body))
	}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &result, nil
}

func decodeJSONSlice[T any](data []byte) ([]T, error) {
	var result []T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return result, nil
}

// patchOp is one RFC 6902 JSON-Patch operation.
type patchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// ============================================================================
// Server
// ============================================================================

// ServerInfo probes the server's unauthenticated info endpoint. It works
// before sign-in and is the cheapest way to tell a Ronin server from an
// arbitrary host.
func (c *Client) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	data, status, err := c.send(ctx, "GET", "/ronin/server/info", nil, "", nil)
	if err != nil {
		return nil, err
	}
	if err := classifyStatus(status, data); err != nil {
		return nil, err
	}
	return decodeJSON[ServerInfo](data)
}

// FirstNetwork returns the first network visible to the user. Devices that
// belong to a single-network deployment use it to discover their scope.
func (c *Client) FirstNetwork(ctx context.Context) (*Network, error) {
	data, err := c.doRequest(ctx, "GET", apiRoot+"/networks/", nil,
		map[string]string{"skip": "0", "limit": "1"})
	if err != nil {
		return nil, err
	}
	networks, err := decodeJSONSlice[Network](data)
	if err != nil {
		return nil, err
	}
	if len(networks) == 0 {
		return nil, ErrNotFound
	}
	return &networks[0], nil
}

// ============================================================================
// Channels
// ============================================================================

// ListChannels returns the network's open channels with their recent
// activity (last message and unread count) already attached.
func (c *Client) ListChannels(ctx context.Context, networkID string) ([]*Channel, error) {
	data, err := c.doRequest(ctx, "GET",
		apiRoot+"/networks/"+networkID+"/sessions/withRecentActivity",
		nil, map[string]string{"status": "open"})
	if err != nil {
		return nil, err
	}
	channels, err := decodeJSONSlice[*Channel](data)
	if err != nil {
		return nil, err
	}
	return channels, nil
}

// CreateChannel creates a named channel on a network.
func (c *Client) CreateChannel(ctx context.Context, networkID, name, description string) (*Channel, error) {
	payload := map[string]any{
		"name":    name,
		"network": networkID,
		"status":  ChannelOpen,
	}
	if description != "" {
		payload["description"] = description
	}
	data, err := c.doRequest(ctx, "POST", apiRoot+"/sessions/", payload, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Channel](data)
}

// RenameChannel changes a channel's name via JSON-Patch.
func (c *Client) RenameChannel(ctx context.Context, channelID, name string) (*Channel, error) {
	return c.patchChannel(ctx, channelID, []patchOp{{Op: "replace", Path: "/name", Value: name}})
}

func (c *Client) patchChannel(ctx context.Context, channelID string, ops []patchOp) (*Channel, error) {
	data, err := c.doRequest(ctx, "PATCH", apiRoot+"/sessions/"+channelID, ops, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Channel](data)
}

// DeleteChannel removes a channel.
func (c *Client) DeleteChannel(ctx context.Context, channelID string) error {
	_, err := c.doRequest(ctx, "DELETE", apiRoot+"/sessions/"+channelID, nil, nil)
	return err
}

// ============================================================================
// Groups
// ============================================================================

// CreateGroup creates an ad-hoc group conversation with the given members.
func (c *Client) CreateGroup(ctx context.Context, networkID, name string, userIDs []string) (*Group, error) {
	payload := map[string]any{
		"network": networkID,
		"users":   userIDs,
	}
	if name != "" {
		payload["name"] = name
	}
	data, err := c.doRequest(ctx, "POST", apiRoot+"/userGroups/", payload, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Group](data)
}

// RenameGroup changes a group's name via JSON-Patch.
func (c *Client) RenameGroup(ctx context.Context, groupID, name string) (*Group, error) {
	ops := []patchOp{{Op: "replace", Path: "/name", Value: name}}
	data, err := c.doRequest(ctx, "PATCH", apiRoot+"/userGroups/"+groupID, ops, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Group](data)
}

// HideGroup soft-hides a group from the user's conversation list. The group
// survives server side and reappears when someone posts to it.
func (c *Client) HideGroup(ctx context.Context, groupID string) error {
	_, err := c.doRequest(ctx, "PUT", apiRoot+"/userGroups/"+groupID,
		map[string]bool{"isHidden": true}, nil)
	return err
}

// ============================================================================
// Users and mixed conversations
// ============================================================================

// ListUsers returns the users on a network.
func (c *Client) ListUsers(ctx context.Context, networkID string) ([]*User, error) {
	data, err := c.doRequest(ctx, "GET", apiRoot+"/networks/"+networkID+"/users/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSONSlice[*User](data)
}

// GetUser fetches one user by id.
func (c *Client) GetUser(ctx context.Context, userID string) (*User, error) {
	data, err := c.doRequest(ctx, "GET", apiRoot+"/users/"+userID, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// conversationEnvelope is one row of the mixed allConversations listing: the
// variant payload plus a discriminator naming which variant it is.
type conversationEnvelope struct {
	TargetType ScopeKind       `json:"tgtType"`
	Target     json.RawMessage `json:"target"`
}

// ListConversations returns the user's direct and group conversations on a
// network, most recent first as the server orders them. Rows with an unknown
// discriminator are dropped, not fatal.
func (c *Client) ListConversations(ctx context.Context, networkID string) ([]Conversation, error) {
	data, err := c.doRequest(ctx, "GET",
		apiRoot+"/networks/"+networkID+"/userprofile/allConversations", nil, nil)
	if err != nil {
		return nil, err
	}

	envelopes, err := decodeJSONSlice[conversationEnvelope](data)
	if err != nil {
		return nil, err
	}

	conversations := make([]Conversation, 0, len(envelopes))
	for _, env := range envelopes {
		conv, err := decodeConversation(env.TargetType, env.Target)
		if err != nil {
			c.log.Debug("dropped conversation row", zap.String("tgtType", string(env.TargetType)), zap.Error(err))
			continue
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}

func decodeConversation(kind ScopeKind, raw json.RawMessage) (Conversation, error) {
	switch kind {
	case ScopeUser:
		return decodeJSON[User](raw)
	case ScopeUserGroup:
		return decodeJSON[Group](raw)
	case ScopeSession:
		return decodeJSON[Channel](raw)
	default:
		return nil, fmt.Errorf("%w: unsupported conversation kind %q", ErrMalformedPayload, kind)
	}
}

// RemoveUserConversation removes a direct conversation with a user from the
// profile's conversation list.
func (c *Client) RemoveUserConversation(ctx context.Context, networkID, userID string) error {
	_, err := c.doRequest(ctx, "DELETE",
		apiRoot+"/networks/"+networkID+"/userprofile/users/"+userID, nil, nil)
	return err
}

// ============================================================================
// Messages
// ============================================================================

// ConversationMessages fetches a page of message history for a conversation,
// newest first.
func (c *Client) ConversationMessages(ctx context.Context, networkID string, kind ScopeKind, conversationID string, limit int) ([]*Message, error) {
	var segment string
	switch kind {
	case ScopeSession:
		segment = "sessions"
	case ScopeUser:
		segment = "users"
	case ScopeUserGroup:
		segment = "userGroups"
	default:
		return nil, fmt.Errorf("%w: no message history for kind %q", ErrMalformedPayload, kind)
	}

	var query map[string]string
	if limit > 0 {
		query = map[string]string{"limit": fmt.Sprintf("%d", limit)}
	}
	data, err := c.doRequest(ctx, "GET",
		apiRoot+"/networks/"+networkID+"/userprofile/"+segment+"/"+conversationID+"/messages",
		nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSONSlice[*Message](data)
}

// ============================================================================
// Files
// ============================================================================

// UploadAttachment uploads staged attachment bytes as a multipart form and
// returns the stored attachment metadata. Uploads are single attempt: a
// failure surfaces to the caller rather than retrying a large body.
func (c *Client) UploadAttachment(ctx context.Context, attachment Attachment) (*Attachment, error) {
	if len(attachment.Data) == 0 {
		return nil, fmt.Errorf("%w: attachment has no data", ErrMalformedPayload)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", attachment.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(attachment.Data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	data, err := c.doRaw(ctx, "POST", apiRoot+"/files/", buf.Bytes(), w.FormDataContentType(), nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Attachment](data)
}

// FileDownloadURL returns the authenticated download URL for a stored file.
func (c *Client) FileDownloadURL(fileID string) string {
	return c.baseURL + apiRoot + "/files/" + fileID
}
