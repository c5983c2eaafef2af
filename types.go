package ronin

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ============================================================================
// Kind enums
// ============================================================================

// EntityKind says what kind of object a message relates to.
type EntityKind string

const (
	EntityEvent     EntityKind = "event"
	EntityNetwork   EntityKind = "network"
	EntitySession   EntityKind = "session"
	EntityUser      EntityKind = "user"
	EntityUserGroup EntityKind = "userGroup"
	EntityText      EntityKind = "text"
	EntityOther     EntityKind = "other"
)

func entityKindOf(s string) EntityKind {
	switch k := EntityKind(s); k {
	case EntityEvent, EntityNetwork, EntitySession, EntityUser, EntityUserGroup, EntityText:
		return k
	}
	return EntityOther
}

func (k *EntityKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: entity kind: %v", ErrMalformedPayload, err)
	}
	*k = entityKindOf(s)
	return nil
}

// ActionKind says what kind of change a message conveys.
type ActionKind string

const (
	ActionCreate     ActionKind = "create"
	ActionUpdate     ActionKind = "update"
	ActionDelete     ActionKind = "delete"
	ActionRemoveUser ActionKind = "removeUser"
	ActionOther      ActionKind = "other"
)

func actionKindOf(s string) ActionKind {
	switch k := ActionKind(s); k {
	case ActionCreate, ActionUpdate, ActionDelete, ActionRemoveUser:
		return k
	}
	return ActionOther
}

func (k *ActionKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: action kind: %v", ErrMalformedPayload, err)
	}
	*k = actionKindOf(s)
	return nil
}

// ActorKind classifies the sender of a message.
type ActorKind string

const (
	ActorApplicationLink ActorKind = "applicationLink"
	ActorSystem          ActorKind = "system"
	ActorThing           ActorKind = "thing"
	ActorUser            ActorKind = "user"
	ActorOther           ActorKind = "other"
)

func (k *ActorKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: actor kind: %v", ErrMalformedPayload, err)
	}
	switch kind := ActorKind(s); kind {
	case ActorApplicationLink, ActorSystem, ActorThing, ActorUser:
		*k = kind
	default:
		*k = ActorOther
	}
	return nil
}

// ScopeKind classifies a message target (the conversation it is addressed to).
type ScopeKind string

const (
	ScopeNetwork   ScopeKind = "network"
	ScopeSession   ScopeKind = "session"
	ScopeUser      ScopeKind = "user"
	ScopeUserGroup ScopeKind = "userGroup"
	ScopeOther     ScopeKind = "other"
)

func (k *ScopeKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: scope kind: %v", ErrMalformedPayload, err)
	}
	switch kind := ScopeKind(s); kind {
	case ScopeNetwork, ScopeSession, ScopeUser, ScopeUserGroup:
		*k = kind
	default:
		*k = ScopeOther
	}
	return nil
}

// ============================================================================
// Message
// ============================================================================

// Actor identifies the originator of a message.
type Actor struct {
	ID   string    `json:"id,omitempty"`
	Kind ActorKind `json:"type"`
}

// Target is one scope a message is addressed to.
type Target struct {
	ID   string    `json:"id"`
	Kind ScopeKind `json:"type"`
}

// Message is the Ronin message envelope: both chat text and the
// create/update/delete notifications for channels and groups travel in it.
type Message struct {
	ID          string         `json:"id"`
	Actor       Actor          `json:"actorId"`
	Targets     []Target       `json:"targets"`
	Sent        Time           `json:"sent"`
	Entity      EntityKind     `json:"type"`
	Action      ActionKind     `json:"action"`
	Data        map[string]any `json:"data,omitempty"`
	Attachments []Attachment   `json:"-"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("%w: message: %v", ErrMalformedPayload, err)
	}
	if a.ID == "" {
		return fmt.Errorf("%w: message missing id", ErrMalformedPayload)
	}
	if a.Entity == "" {
		a.Entity = EntityOther
	}
	if a.Action == "" {
		a.Action = ActionOther
	}
	a.Attachments = attachmentsFromData(a.Data)
	*m = Message(a)
	return nil
}

// attachmentsFromData pulls the attachments array out of a message data
// payload. Entries that fail to decode are skipped, not fatal.
func attachmentsFromData(data map[string]any) []Attachment {
	raw, ok := data["attachments"]
	if !ok {
		return nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var items []json.RawMessage
	if json.Unmarshal(encoded, &items) != nil {
		return nil
	}
	var attachments []Attachment
	for _, item := range items {
		var a Attachment
		if json.Unmarshal(item, &a) == nil && a.ID != "" {
			attachments = append(attachments, a)
		}
	}
	return attachments
}

// NewTextMessage builds an outbound chat message envelope. The id is
// generated on the device so a server echo deduplicates against the local
// copy.
func NewTextMessage(senderID string, target Target, networkID, body string) *Message {
	return &Message{
		ID:      uuid.NewString(),
		Actor:   Actor{ID: senderID, Kind: ActorUser},
		Targets: []Target{target},
		Sent:    Now(),
		Entity:  EntityText,
		Action:  ActionCreate,
		Data:    map[string]any{"body": body, "network": networkID},
	}
}

// SenderID returns the originating user id, or "" for non-user senders.
func (m *Message) SenderID() string {
	if m.Actor.Kind == ActorUser {
		return m.Actor.ID
	}
	return ""
}

// TargetID returns the primary target id, or "" when untargeted.
func (m *Message) TargetID() string {
	if len(m.Targets) > 0 {
		return m.Targets[0].ID
	}
	return ""
}

// TargetKind returns the primary target kind.
func (m *Message) TargetKind() ScopeKind {
	if len(m.Targets) > 0 && m.Targets[0].Kind != "" {
		return m.Targets[0].Kind
	}
	return ScopeOther
}

// Body returns the text body carried in the data payload.
func (m *Message) Body() string {
	if m.Data == nil {
		return ""
	}
	body, _ := m.Data["body"].(string)
	return body
}

// DisplayText is the list-row summary: the body when present, an
// "Attachment" placeholder when only attachments exist, otherwise empty.
func (m *Message) DisplayText() string {
	if body := m.Body(); body != "" {
		return body
	}
	if len(m.Attachments) > 0 {
		return "Attachment"
	}
	return ""
}

// ============================================================================
// Attachment
// ============================================================================

// AttachmentClass buckets attachments by renderability.
type AttachmentClass string

const (
	AttachmentImage       AttachmentClass = "image"
	AttachmentVideo       AttachmentClass = "video"
	AttachmentDocument    AttachmentClass = "application"
	AttachmentUnsupported AttachmentClass = "unsupported"
)

// Attachment is a file reference carried in a message. Data is populated only
// for outbound attachments that have not been uploaded yet.
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename,omitempty"`
	Length      int64  `json:"length,omitempty"`
	UploadDate  Time   `json:"uploadDate,omitempty"`
	MD5         string `json:"md5,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	URL         string `json:"url,omitempty"`

	Data []byte `json:"-"`
}

// NewAttachment stages raw bytes for upload alongside a message.
func NewAttachment(filename, contentType string, data []byte) Attachment {
	return Attachment{Filename: filename, ContentType: contentType, Data: data}
}

// Class derives the attachment class from the content type.
func (a Attachment) Class() AttachmentClass {
	switch {
	case strings.Contains(a.ContentType, string(AttachmentImage)):
		return AttachmentImage
	case strings.Contains(a.ContentType, string(AttachmentVideo)):
		return AttachmentVideo
	case strings.Contains(a.ContentType, string(AttachmentDocument)):
		return AttachmentDocument
	default:
		return AttachmentUnsupported
	}
}

// ============================================================================
// Conversation variants
// ============================================================================

// OnlineWindow is how recently a user must have been seen to count as online.
var OnlineWindow = 600 * time.Second

// Conversation is the capability set shared by the three conversation
// variants (Channel, User as a direct-message peer, Group). Mutators are
// unexported: all state changes go through the Store.
type Conversation interface {
	ConversationID() string
	Kind() ScopeKind
	DisplayName() string
	LastMessage() *Message
	UnreadCount() int
	// OrderKey is the most-recent-activity timestamp used for display order.
	OrderKey() time.Time

	setLastMessage(*Message)
	setUnread(int)
	// update applies a last-write-wins partial merge from a newer snapshot of
	// the same variant; it reports false on a variant mismatch.
	update(Conversation) bool
}

// User is a person on the network. When addressed directly it doubles as a
// direct-message conversation.
type User struct {
	ID              string `json:"id"`
	UserName        string `json:"userName,omitempty"`
	FirstName       string `json:"firstName,omitempty"`
	LastName        string `json:"lastName,omitempty"`
	Email           string `json:"email,omitempty"`
	Type            string `json:"type,omitempty"`
	Status          int    `json:"status,omitempty"`
	CreationDate    Time   `json:"creationDate,omitempty"`
	LastPresentDate Time   `json:"lastPresentDate,omitempty"`

	Last   *Message `json:"lastMessage,omitempty"`
	Unread int      `json:"unreadMessages,omitempty"`
}

// FullName is "first last", tolerating missing parts.
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Initials returns the avatar initials, "-" standing in for missing names.
func (u *User) Initials() string {
	return initialOf(u.FirstName) + initialOf(u.LastName)
}

func initialOf(name string) string {
	if name == "" {
		return "-"
	}
	r, _ := utf8.DecodeRuneInString(name)
	return strings.ToUpper(string(r))
}

// Online reports whether the user was seen within OnlineWindow.
func (u *User) Online() bool {
	if u.LastPresentDate.IsZero() {
		return false
	}
	return time.Since(u.LastPresentDate.Time) < OnlineWindow
}

func (u *User) ConversationID() string    { return u.ID }
func (u *User) Kind() ScopeKind           { return ScopeUser }
func (u *User) DisplayName() string       { return u.FullName() }
func (u *User) LastMessage() *Message     { return u.Last }
func (u *User) UnreadCount() int          { return u.Unread }
func (u *User) setLastMessage(m *Message) { u.Last = m }
func (u *User) setUnread(n int)           { u.Unread = n }

func (u *User) OrderKey() time.Time {
	if u.Last != nil && !u.Last.Sent.IsZero() {
		return u.Last.Sent.Time
	}
	return u.CreationDate.Time
}

func (u *User) update(other Conversation) bool {
	in, ok := other.(*User)
	if !ok {
		return false
	}
	if in.UserName != "" {
		u.UserName = in.UserName
	}
	if in.FirstName != "" {
		u.FirstName = in.FirstName
	}
	if in.LastName != "" {
		u.LastName = in.LastName
	}
	if in.Email != "" {
		u.Email = in.Email
	}
	if in.Status != 0 {
		u.Status = in.Status
	}
	if !in.LastPresentDate.IsZero() {
		u.LastPresentDate = in.LastPresentDate
	}
	if in.Last != nil {
		u.Last = in.Last
	}
	return true
}

// ChannelStatus is the lifecycle state of a channel.
type ChannelStatus string

const (
	ChannelOpen       ChannelStatus = "open"
	ChannelClosed     ChannelStatus = "closed"
	ChannelInProgress ChannelStatus = "inprogress"
	ChannelCancelled  ChannelStatus = "cancelled"
)

func (s *ChannelStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: channel status: %v", ErrMalformedPayload, err)
	}
	switch v := ChannelStatus(raw); v {
	case ChannelOpen, ChannelClosed, ChannelInProgress, ChannelCancelled, "":
		*s = v
	default:
		*s = ChannelOpen
	}
	return nil
}

// Audit is the who/when block the server attaches to channels.
type Audit struct {
	CreatedAt  Time `json:"createdAt,omitempty"`
	ModifiedAt Time `json:"modifiedAt,omitempty"`
	DeletedAt  Time `json:"deletedAt,omitempty"`
}

// Channel is a named broadcast conversation (a "session" on the wire).
type Channel struct {
	ID          string        `json:"id"`
	TypeID      string        `json:"sessType,omitempty"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Status      ChannelStatus `json:"status,omitempty"`
	Users       []User        `json:"users,omitempty"`
	CreatedBy   string        `json:"createdBy,omitempty"`
	ModifiedBy  string        `json:"modifiedBy,omitempty"`
	DeletedBy   string        `json:"deletedBy,omitempty"`
	Audit       Audit         `json:"audit,omitempty"`

	Last   *Message `json:"lastMessage,omitempty"`
	Unread int      `json:"unreadMessages,omitempty"`
}

func (c *Channel) ConversationID() string    { return c.ID }
func (c *Channel) Kind() ScopeKind           { return ScopeSession }
func (c *Channel) DisplayName() string       { return c.Name }
func (c *Channel) LastMessage() *Message     { return c.Last }
func (c *Channel) UnreadCount() int          { return c.Unread }
func (c *Channel) setLastMessage(m *Message) { c.Last = m }
func (c *Channel) setUnread(n int)           { c.Unread = n }

func (c *Channel) OrderKey() time.Time {
	if c.Last != nil && !c.Last.Sent.IsZero() {
		return c.Last.Sent.Time
	}
	return c.Audit.CreatedAt.Time
}

func (c *Channel) update(other Conversation) bool {
	in, ok := other.(*Channel)
	if !ok {
		return false
	}
	if in.TypeID != "" {
		c.TypeID = in.TypeID
	}
	if in.Name != "" {
		c.Name = in.Name
	}
	if in.Description != "" {
		c.Description = in.Description
	}
	if in.Status != "" {
		c.Status = in.Status
	}
	if len(in.Users) > 0 {
		c.Users = in.Users
	}
	if in.CreatedBy != "" {
		c.CreatedBy = in.CreatedBy
	}
	if in.ModifiedBy != "" {
		c.ModifiedBy = in.ModifiedBy
	}
	if in.DeletedBy != "" {
		c.DeletedBy = in.DeletedBy
	}
	if !in.Audit.CreatedAt.IsZero() {
		c.Audit.CreatedAt = in.Audit.CreatedAt
	}
	if !in.Audit.ModifiedAt.IsZero() {
		c.Audit.ModifiedAt = in.Audit.ModifiedAt
	}
	if !in.Audit.DeletedAt.IsZero() {
		c.Audit.DeletedAt = in.Audit.DeletedAt
	}
	if in.Last != nil {
		c.Last = in.Last
	}
	return true
}

// HasMember reports whether the user is on the channel's member list.
func (c *Channel) HasMember(userID string) bool {
	for _, u := range c.Users {
		if u.ID == userID {
			return true
		}
	}
	return false
}

// Group is an ad-hoc multi-user conversation (a "userGroup" on the wire).
type Group struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Network   string `json:"network,omitempty"`
	Users     []User `json:"users,omitempty"`
	StartDate Time   `json:"startDate,omitempty"`
	StopDate  Time   `json:"stopDate,omitempty"`

	Last   *Message `json:"lastMessage,omitempty"`
	Unread int      `json:"unreadMessages,omitempty"`
}

func (g *Group) ConversationID() string    { return g.ID }
func (g *Group) Kind() ScopeKind           { return ScopeUserGroup }
func (g *Group) DisplayName() string       { return g.Name }
func (g *Group) LastMessage() *Message     { return g.Last }
func (g *Group) UnreadCount() int          { return g.Unread }
func (g *Group) setLastMessage(m *Message) { g.Last = m }
func (g *Group) setUnread(n int)           { g.Unread = n }

func (g *Group) OrderKey() time.Time {
	if g.Last != nil && !g.Last.Sent.IsZero() {
		return g.Last.Sent.Time
	}
	return g.StartDate.Time
}

func (g *Group) update(other Conversation) bool {
	in, ok := other.(*Group)
	if !ok {
		return false
	}
	if in.Name != "" {
		g.Name = in.Name
	}
	if in.Network != "" {
		g.Network = in.Network
	}
	if len(in.Users) > 0 {
		g.Users = in.Users
	}
	if !in.StartDate.IsZero() {
		g.StartDate = in.StartDate
	}
	if !in.StopDate.IsZero() {
		g.StopDate = in.StopDate
	}
	if in.Last != nil {
		g.Last = in.Last
	}
	return true
}

// ============================================================================
// Network, server info, auth token
// ============================================================================

// Network is the tenant scope all conversations live in.
type Network struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	IconURL     string   `json:"iconUrl,omitempty"`
	IsHidden    bool     `json:"isHidden,omitempty"`
	IsPrivate   bool     `json:"isPrivate,omitempty"`
	Users       []string `json:"users,omitempty"`
}

// ServerInfo is the unauthenticated server probe response.
type ServerInfo struct {
	ServerName    string `json:"serverName,omitempty"`
	ServerVersion string `json:"serverVersion,omitempty"`
	HostName      string `json:"hostName,omitempty"`
	Description   string `json:"serverDescription,omitempty"`
	APIVersion    string `json:"APIVersion,omitempty"`
	AuthStrategy  string `json:"authStrategy,omitempty"`
	FileSizeLimit string `json:"fileSizeLimit,omitempty"`
}

// AuthToken is the OAuth2 access/refresh pair issued by the token endpoint.
type AuthToken struct {
	UserID       string `json:"user_id"`
	TokenType    string `json:"token_type"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}
