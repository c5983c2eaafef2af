package ronin

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Change notifications
// ============================================================================

// StoreChange is one notification from the store. The concrete type says
// what changed; subscribers switch on it.
type StoreChange interface {
	storeChange()
}

// ListChanged says a conversation list's membership or order changed.
type ListChanged struct {
	Scope ListScope
}

// ConversationUpdated says one conversation's fields changed in place.
type ConversationUpdated struct {
	ID string
}

// MessageAppended says a live message landed in the open conversation.
type MessageAppended struct {
	ConversationID string
	Message        *Message
}

// UnreadChanged carries the new unread total after any unread movement.
type UnreadChanged struct {
	Total int
}

// ConversationClosed says the open conversation was deleted out from under
// the viewer and the UI should leave it.
type ConversationClosed struct {
	ID string
}

func (ListChanged) storeChange()         {}
func (ConversationUpdated) storeChange() {}
func (MessageAppended) storeChange()     {}
func (UnreadChanged) storeChange()       {}
func (ConversationClosed) storeChange()  {}

// ListScope names one of the two conversation lists the store maintains.
type ListScope string

const (
	// ChannelsList holds the network's open channels.
	ChannelsList ListScope = "channels"
	// ConversationsList holds direct and group conversations.
	ConversationsList ListScope = "conversations"
)

// ============================================================================
// Ordered list
// ============================================================================

// conversationList is an ordered registry, most recent activity first.
type conversationList struct {
	order []Conversation
	byID  map[string]Conversation
}

func newConversationList() *conversationList {
	return &conversationList{byID: make(map[string]Conversation)}
}

func (l *conversationList) get(id string) Conversation {
	return l.byID[id]
}

func (l *conversationList) insertFront(conv Conversation) {
	l.byID[conv.ConversationID()] = conv
	l.order = append([]Conversation{conv}, l.order...)
}

func (l *conversationList) remove(id string) bool {
	if _, ok := l.byID[id]; !ok {
		return false
	}
	delete(l.byID, id)
	for i, conv := range l.order {
		if conv.ConversationID() == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return true
}

func (l *conversationList) moveToFront(id string) {
	for i, conv := range l.order {
		if conv.ConversationID() == id {
			if i > 0 {
				copy(l.order[1:i+1], l.order[:i])
				l.order[0] = conv
			}
			return
		}
	}
}

// replace swaps in a full snapshot, ordered by recency.
func (l *conversationList) replace(convs []Conversation) {
	l.order = append([]Conversation(nil), convs...)
	sort.SliceStable(l.order, func(i, j int) bool {
		return l.order[i].OrderKey().After(l.order[j].OrderKey())
	})
	l.byID = make(map[string]Conversation, len(l.order))
	for _, conv := range l.order {
		l.byID[conv.ConversationID()] = conv
	}
}

func (l *conversationList) snapshot() []Conversation {
	return append([]Conversation(nil), l.order...)
}

// ============================================================================
// Store
// ============================================================================

// MessageFetcher loads a conversation's message history. The store calls it
// outside its run loop so a slow fetch never stalls event processing.
type MessageFetcher func(ctx context.Context, kind ScopeKind, conversationID string) ([]*Message, error)

// Store is the device's view of its conversations. All mutation happens on
// a single run-loop goroutine fed through an operation queue, so events,
// list replacements, and open/close requests serialize without locks on the
// data itself. Reads go through the same queue and return snapshots.
type Store struct {
	selfID  string
	log     *zap.Logger
	fetcher MessageFetcher

	ops  chan func()
	quit chan struct{}

	// Owned by the run loop.
	channels      *conversationList
	conversations *conversationList
	tracker       *UnreadTracker
	activeID      string
	activeMsgs    []*Message

	subMu sync.Mutex
	subs  []chan StoreChange
}

// StoreOption configures a Store.
type StoreOption func(*Store)

func WithStoreLogger(log *zap.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

func WithMessageFetcher(f MessageFetcher) StoreOption {
	return func(s *Store) { s.fetcher = f }
}

// NewStore creates a store for the given authenticated user and starts its
// run loop. Close stops it.
func NewStore(selfID string, opts ...StoreOption) *Store {
	s := &Store{
		selfID:        selfID,
		log:           zap.NewNop(),
		ops:           make(chan func(), 64),
		quit:          make(chan struct{}),
		channels:      newConversationList(),
		conversations: newConversationList(),
		tracker:       NewUnreadTracker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

func (s *Store) run() {
	for {
		select {
		case fn := <-s.ops:
			fn()
		case <-s.quit:
			return
		}
	}
}

// Close stops the run loop and closes all subscriber channels.
func (s *Store) Close() {
	close(s.quit)
	s.subMu.Lock()
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.subMu.Unlock()
}

// do runs fn on the run loop and waits for it.
func (s *Store) do(fn func()) {
	done := make(chan struct{})
	select {
	case s.ops <- func() { fn(); close(done) }:
	case <-s.quit:
		return
	}
	select {
	case <-done:
	case <-s.quit:
	}
}

// enqueue runs fn on the run loop without waiting.
func (s *Store) enqueue(fn func()) {
	select {
	case s.ops <- fn:
	case <-s.quit:
	}
}

// Subscribe returns a channel of store changes. Slow subscribers lose
// notifications rather than stalling the run loop; the channel closes when
// the store closes.
func (s *Store) Subscribe() <-chan StoreChange {
	ch := make(chan StoreChange, 32)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

func (s *Store) notify(change StoreChange) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

// ============================================================================
// Snapshots
// ============================================================================

// Channels returns the channel list, most recent activity first.
func (s *Store) Channels() []Conversation {
	var out []Conversation
	s.do(func() { out = s.channels.snapshot() })
	return out
}

// Conversations returns the direct and group list, most recent first.
func (s *Store) Conversations() []Conversation {
	var out []Conversation
	s.do(func() { out = s.conversations.snapshot() })
	return out
}

// Conversation finds one conversation by id in either list.
func (s *Store) Conversation(id string) Conversation {
	var out Conversation
	s.do(func() { out = s.lookup(id) })
	return out
}

// ActiveMessages returns the open conversation's loaded messages, oldest
// first.
func (s *Store) ActiveMessages() []*Message {
	var out []*Message
	s.do(func() { out = append([]*Message(nil), s.activeMsgs...) })
	return out
}

// UnreadTotal returns the total unread count across all conversations.
func (s *Store) UnreadTotal() int {
	var out int
	s.do(func() { out = s.tracker.Total() })
	return out
}

// Badge returns the app-badge rendering of the unread total.
func (s *Store) Badge() string {
	var out string
	s.do(func() { out = s.tracker.Badge() })
	return out
}

func (s *Store) lookup(id string) Conversation {
	if conv := s.channels.get(id); conv != nil {
		return conv
	}
	return s.conversations.get(id)
}

func (s *Store) listOf(conv Conversation) (*conversationList, ListScope) {
	if conv.Kind() == ScopeSession {
		return s.channels, ChannelsList
	}
	return s.conversations, ConversationsList
}

// ============================================================================
// Bulk replacement
// ============================================================================

// ReplaceAll swaps one list for a freshly fetched snapshot. Passing the
// fetch error through lets callers write ReplaceAll(scope, client.List...())
// directly: on error the existing list is kept untouched and the error
// returned.
func (s *Store) ReplaceAll(scope ListScope, convs []Conversation, err error) error {
	if err != nil {
		return err
	}
	s.do(func() {
		list := s.conversations
		if scope == ChannelsList {
			list = s.channels
		}
		for _, old := range list.order {
			s.tracker.Set(old.ConversationID(), 0)
		}
		list.replace(convs)
		for _, conv := range list.order {
			id := conv.ConversationID()
			if id == s.activeID {
				// The viewer is looking at it; a stale server count must not
				// bring its badge back.
				s.tracker.Set(id, 0)
				conv.setUnread(0)
				continue
			}
			s.tracker.Set(id, conv.UnreadCount())
		}
		s.notify(ListChanged{Scope: scope})
		s.notify(UnreadChanged{Total: s.tracker.Total()})
	})
	return nil
}

// ============================================================================
// Event application
// ============================================================================

// Apply routes one push event into the store. Safe to call from any
// goroutine; the work happens on the run loop in arrival order.
func (s *Store) Apply(evt Event) {
	s.enqueue(func() {
		switch e := evt.(type) {
		case MessageEvent:
			s.applyMessage(e.Message)
		case ChannelEvent:
			s.applyChannel(e)
		case GroupEvent:
			s.applyGroup(e)
		}
	})
}

// applyMessage finds the conversation a message belongs to and applies the
// last-message, ordering, and unread rules.
func (s *Store) applyMessage(msg *Message) {
	conv := s.routeMessage(msg)
	if conv == nil {
		s.log.Debug("dropped unroutable message",
			zap.String("messageId", msg.ID),
			zap.String("target", msg.TargetID()))
		return
	}

	list, scope := s.listOf(conv)
	conv.setLastMessage(msg)
	list.moveToFront(conv.ConversationID())

	id := conv.ConversationID()
	switch {
	case msg.SenderID() == s.selfID:
		// Own messages echo back from other devices; they never count.
		s.tracker.Reset(id)
		conv.setUnread(0)
		if s.activeID == id {
			s.appendActive(msg)
		}
	case s.activeID == id:
		// The viewer is looking at it; it arrives read.
		s.appendActive(msg)
	default:
		s.tracker.Increment(id)
		conv.setUnread(s.tracker.Count(id))
	}

	s.notify(ListChanged{Scope: scope})
	s.notify(UnreadChanged{Total: s.tracker.Total()})
}

// routeMessage resolves a message's conversation. A message to a known
// conversation goes there; a direct message addressed to this user belongs
// to the sender's conversation, created on the spot when it is the first.
func (s *Store) routeMessage(msg *Message) Conversation {
	if conv := s.lookup(msg.TargetID()); conv != nil {
		return conv
	}
	if msg.TargetKind() == ScopeUser && msg.TargetID() == s.selfID {
		sender := msg.SenderID()
		if sender == "" || sender == s.selfID {
			return nil
		}
		if conv := s.conversations.get(sender); conv != nil {
			return conv
		}
		// First message from a new peer: open a placeholder conversation.
		peer := &User{ID: sender}
		s.conversations.insertFront(peer)
		return peer
	}
	return nil
}

func (s *Store) applyChannel(evt ChannelEvent) {
	switch evt.Action {
	case ActionCreate:
		if existing := s.channels.get(evt.ChannelID); existing != nil {
			// Replayed create, typically after a reconnect.
			if evt.Channel != nil {
				existing.update(evt.Channel)
				s.notify(ConversationUpdated{ID: evt.ChannelID})
			}
			return
		}
		if evt.Channel == nil {
			return
		}
		s.channels.insertFront(evt.Channel)
		s.notify(ListChanged{Scope: ChannelsList})
	case ActionUpdate:
		existing := s.channels.get(evt.ChannelID)
		if existing == nil || evt.Channel == nil {
			// Updates for unknown channels are dropped: the usual cause is
			// an update racing a delete.
			return
		}
		existing.update(evt.Channel)
		s.notify(ConversationUpdated{ID: evt.ChannelID})
	case ActionDelete:
		s.removeConversation(evt.ChannelID)
	case ActionRemoveUser:
		existing := s.channels.get(evt.ChannelID)
		if existing == nil {
			return
		}
		if evt.Channel != nil && !evt.Channel.HasMember(s.selfID) {
			s.removeConversation(evt.ChannelID)
			return
		}
		if evt.Channel != nil {
			existing.update(evt.Channel)
			s.notify(ConversationUpdated{ID: evt.ChannelID})
		}
	}
}

func (s *Store) applyGroup(evt GroupEvent) {
	switch evt.Action {
	case ActionCreate:
		if existing := s.conversations.get(evt.GroupID); existing != nil {
			if evt.Group != nil {
				existing.update(evt.Group)
				s.notify(ConversationUpdated{ID: evt.GroupID})
			}
			return
		}
		if evt.Group == nil {
			return
		}
		s.conversations.insertFront(evt.Group)
		s.notify(ListChanged{Scope: ConversationsList})
	case ActionUpdate:
		existing := s.conversations.get(evt.GroupID)
		if existing == nil || evt.Group == nil {
			return
		}
		existing.update(evt.Group)
		s.notify(ConversationUpdated{ID: evt.GroupID})
	case ActionDelete, ActionRemoveUser:
		s.removeConversation(evt.GroupID)
	}
}

// Remove drops a conversation from whichever list holds it, releasing its
// unread count. Used for local removals (leave, hide); server-initiated
// deletes arrive as events.
func (s *Store) Remove(id string) {
	s.do(func() { s.removeConversation(id) })
}

func (s *Store) removeConversation(id string) {
	var scope ListScope
	switch {
	case s.channels.remove(id):
		scope = ChannelsList
	case s.conversations.remove(id):
		scope = ConversationsList
	default:
		return
	}
	s.tracker.Forget(id)
	if s.activeID == id {
		s.activeID = ""
		s.activeMsgs = nil
		s.notify(ConversationClosed{ID: id})
	}
	s.notify(ListChanged{Scope: scope})
	s.notify(UnreadChanged{Total: s.tracker.Total()})
}

// ============================================================================
// Open and close
// ============================================================================

// OpenConversation marks a conversation as the one on screen: its unread
// count resets and live messages for it stop counting. When a fetcher is
// configured the message history loads after the open takes effect, merged
// with any live messages that arrived in between.
func (s *Store) OpenConversation(ctx context.Context, id string) error {
	var (
		conv Conversation
		kind ScopeKind
	)
	s.do(func() {
		conv = s.lookup(id)
		if conv == nil {
			return
		}
		kind = conv.Kind()
		s.activeID = id
		s.activeMsgs = nil
		s.tracker.Reset(id)
		conv.setUnread(0)
		s.notify(ConversationUpdated{ID: id})
		s.notify(UnreadChanged{Total: s.tracker.Total()})
	})
	if conv == nil {
		return ErrNotFound
	}
	if s.fetcher == nil {
		return nil
	}

	// History loads off the run loop; events keep flowing meanwhile.
	history, err := s.fetcher(ctx, kind, id)
	if err != nil {
		return err
	}

	s.do(func() {
		if s.activeID != id {
			// Viewer moved on while the fetch was in flight.
			return
		}
		s.activeMsgs = mergeMessages(history, s.activeMsgs)
	})
	return nil
}

// CloseConversation clears the on-screen conversation; unread counting for
// it resumes.
func (s *Store) CloseConversation(id string) {
	s.do(func() {
		if s.activeID != id {
			return
		}
		s.activeID = ""
		s.activeMsgs = nil
	})
}

func (s *Store) appendActive(msg *Message) {
	for _, existing := range s.activeMsgs {
		if existing.ID == msg.ID {
			return
		}
	}
	s.activeMsgs = append(s.activeMsgs, msg)
	s.notify(MessageAppended{ConversationID: s.activeID, Message: msg})
}

// mergeMessages combines fetched history with live arrivals, deduplicated
// by id and ordered oldest first.
func mergeMessages(history, live []*Message) []*Message {
	seen := make(map[string]bool, len(history)+len(live))
	merged := make([]*Message, 0, len(history)+len(live))
	for _, msg := range history {
		if !seen[msg.ID] {
			seen[msg.ID] = true
			merged = append(merged, msg)
		}
	}
	for _, msg := range live {
		if !seen[msg.ID] {
			seen[msg.ID] = true
			merged = append(merged, msg)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Sent.Before(merged[j].Sent.Time)
	})
	return merged
}
