package ronin

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Ronin coordinator
// ============================================================================

// Config configures a Ronin coordinator.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Logger       *zap.Logger
	Realtime     RealtimeConfig
}

// Ronin ties the pieces together: the session owns the token lifecycle, the
// client does REST, the realtime connection streams events, and the store
// holds the synchronized view. Everything is constructor-injected; create as
// many independent instances as you have accounts.
type Ronin struct {
	session  *Session
	client   *Client
	realtime *Realtime
	log      *zap.Logger

	mu        sync.Mutex
	store     *Store
	networkID string
}

// New builds a signed-out coordinator for one server.
func New(cfg Config) *Ronin {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	session := NewSession(cfg.BaseURL, cfg.ClientID, cfg.ClientSecret,
		WithSessionLogger(log))
	r := &Ronin{
		session: session,
		client:  NewClient(cfg.BaseURL, session, WithLogger(log)),
		realtime: NewRealtime(cfg.BaseURL, cfg.ClientID, cfg.ClientSecret,
			WithRealtimeLogger(log), WithRealtimeConfig(cfg.Realtime)),
		log: log,
	}

	session.OnRefresh(func(token AuthToken) {
		r.realtime.SetToken(token.AccessToken)
	})
	session.OnInvalid(func() {
		go r.realtime.Disconnect(context.Background())
	})
	r.realtime.OnEvent(r.handleEvent)

	return r
}

// Session exposes the auth manager.
func (r *Ronin) Session() *Session { return r.session }

// Client exposes the REST client.
func (r *Ronin) Client() *Client { return r.client }

// Realtime exposes the push connection.
func (r *Ronin) Realtime() *Realtime { return r.realtime }

// Store returns the conversation store, or nil before sign-in.
func (r *Ronin) Store() *Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store
}

// NetworkID returns the active network scope, or "" before sign-in.
func (r *Ronin) NetworkID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.networkID
}

// ============================================================================
// Sign-in and lifecycle
// ============================================================================

// SignIn probes the server, authenticates, discovers the user's network,
// loads both conversation lists, and brings up the push connection. On any
// failure the coordinator stays signed out.
func (r *Ronin) SignIn(ctx context.Context, username, password string) error {
	// The probe distinguishes "not a Ronin server" from "bad credentials"
	// before credentials ever leave the device.
	if _, err := r.client.ServerInfo(ctx); err != nil {
		return fmt.Errorf("server probe: %w", err)
	}

	token, err := r.session.Authenticate(ctx, username, password)
	if err != nil {
		return err
	}

	network, err := r.client.FirstNetwork(ctx)
	if err != nil {
		r.session.SignOut()
		return fmt.Errorf("network discovery: %w", err)
	}

	store := NewStore(token.UserID,
		WithStoreLogger(r.log),
		WithMessageFetcher(func(ctx context.Context, kind ScopeKind, id string) ([]*Message, error) {
			return r.client.ConversationMessages(ctx, network.ID, kind, id, 0)
		}))

	r.mu.Lock()
	if r.store != nil {
		r.store.Close()
	}
	r.store = store
	r.networkID = network.ID
	r.mu.Unlock()

	if err := r.Refresh(ctx); err != nil {
		return err
	}

	r.realtime.SetCredentials(token.AccessToken, token.UserID, network.ID)
	if err := r.realtime.Connect(ctx); err != nil {
		return err
	}

	r.log.Info("signed in",
		zap.String("userId", token.UserID),
		zap.String("networkId", network.ID))
	return nil
}

// Refresh reloads both conversation lists from the server.
func (r *Ronin) Refresh(ctx context.Context) error {
	store, networkID := r.Store(), r.NetworkID()
	if store == nil {
		return ErrAuthInvalid
	}

	channels, err := r.client.ListChannels(ctx, networkID)
	if err := store.ReplaceAll(ChannelsList, asConversations(channels), err); err != nil {
		return err
	}
	convs, err := r.client.ListConversations(ctx, networkID)
	return store.ReplaceAll(ConversationsList, convs, err)
}

func asConversations(channels []*Channel) []Conversation {
	out := make([]Conversation, len(channels))
	for i, ch := range channels {
		out[i] = ch
	}
	return out
}

// EnterForeground reconnects the push connection and resynchronizes, for
// hosts that park the connection while backgrounded.
func (r *Ronin) EnterForeground(ctx context.Context) error {
	if r.Store() == nil {
		return ErrAuthInvalid
	}
	if err := r.realtime.Connect(ctx); err != nil {
		return err
	}
	return r.Refresh(ctx)
}

// EnterBackground drops the push connection.
func (r *Ronin) EnterBackground(ctx context.Context) error {
	return r.realtime.Disconnect(ctx)
}

// SignOut tears everything down and discards the session.
func (r *Ronin) SignOut(ctx context.Context) {
	_ = r.realtime.Disconnect(ctx)
	r.mu.Lock()
	if r.store != nil {
		r.store.Close()
		r.store = nil
	}
	r.networkID = ""
	r.mu.Unlock()
	r.session.SignOut()
}

// ============================================================================
// Event wiring
// ============================================================================

func (r *Ronin) handleEvent(evt Event) {
	store := r.Store()
	if store == nil {
		return
	}
	store.Apply(evt)

	// Conversations created mid-session need their room joined or their
	// messages will not flow until the next reconnect.
	switch e := evt.(type) {
	case ChannelEvent:
		if e.Action == ActionCreate {
			r.joinRoom(e.ChannelID)
		}
	case GroupEvent:
		if e.Action == ActionCreate {
			r.joinRoom(e.GroupID)
		}
	}
}

func (r *Ronin) joinRoom(id string) {
	if err := r.realtime.JoinConversation(context.Background(), id); err != nil {
		r.log.Warn("room join failed", zap.String("conversationId", id), zap.Error(err))
	}
}

// ============================================================================
// Mutations
// ============================================================================

// SendMessage posts a message to a conversation. Staged attachments upload
// first over REST; the message itself goes over the push connection and is
// acked by the server. The message carries a device-generated id so an echo
// from the server deduplicates against the local copy.
func (r *Ronin) SendMessage(ctx context.Context, target Conversation, body string, attachments []Attachment) (*Message, error) {
	store, networkID := r.Store(), r.NetworkID()
	if store == nil {
		return nil, ErrAuthInvalid
	}

	uploaded := make([]Attachment, 0, len(attachments))
	for _, a := range attachments {
		stored, err := r.client.UploadAttachment(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("attachment upload: %w", err)
		}
		uploaded = append(uploaded, *stored)
	}

	msg := NewTextMessage(r.session.UserID(),
		Target{ID: target.ConversationID(), Kind: target.Kind()},
		networkID, body)
	if body == "" {
		delete(msg.Data, "body")
	}
	if len(uploaded) > 0 {
		msg.Data["attachments"] = uploaded
		msg.Attachments = uploaded
	}

	if err := r.realtime.Send(ctx, msg); err != nil {
		return nil, err
	}

	// Apply locally so the sender's own lists update without waiting for
	// the server echo.
	store.Apply(MessageEvent{Message: msg})
	return msg, nil
}

// CreateChannel creates a channel, registers it locally, and joins its room.
func (r *Ronin) CreateChannel(ctx context.Context, name, description string) (*Channel, error) {
	store, networkID := r.Store(), r.NetworkID()
	if store == nil {
		return nil, ErrAuthInvalid
	}
	channel, err := r.client.CreateChannel(ctx, networkID, name, description)
	if err != nil {
		return nil, err
	}
	store.Apply(ChannelEvent{Action: ActionCreate, ChannelID: channel.ID, Channel: channel})
	r.joinRoom(channel.ID)
	return channel, nil
}

// CreateGroup creates a group conversation, registers it locally, and joins
// its room.
func (r *Ronin) CreateGroup(ctx context.Context, name string, userIDs []string) (*Group, error) {
	store, networkID := r.Store(), r.NetworkID()
	if store == nil {
		return nil, ErrAuthInvalid
	}
	group, err := r.client.CreateGroup(ctx, networkID, name, userIDs)
	if err != nil {
		return nil, err
	}
	store.Apply(GroupEvent{Action: ActionCreate, GroupID: group.ID, Group: group})
	r.joinRoom(group.ID)
	return group, nil
}

// LeaveGroup hides a group from this user's lists, locally and server side.
func (r *Ronin) LeaveGroup(ctx context.Context, groupID string) error {
	store := r.Store()
	if store == nil {
		return ErrAuthInvalid
	}
	if err := r.client.HideGroup(ctx, groupID); err != nil {
		return err
	}
	store.Remove(groupID)
	return nil
}

// RemoveDirectConversation drops a direct conversation with a user, locally
// and server side.
func (r *Ronin) RemoveDirectConversation(ctx context.Context, userID string) error {
	store, networkID := r.Store(), r.NetworkID()
	if store == nil {
		return ErrAuthInvalid
	}
	if err := r.client.RemoveUserConversation(ctx, networkID, userID); err != nil {
		return err
	}
	store.Remove(userID)
	return nil
}
