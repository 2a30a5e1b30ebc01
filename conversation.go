package woofr

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Store configuration
// ============================================================================

// StoreOptions tunes the conversation store's timers.
type StoreOptions struct {
	// PollInterval is the fallback poll period. The poll is not a second
	// source of truth: each tick re-runs the same fetch-and-merge path used
	// by Open, bounding the cost of a missed push or a silently-failed
	// subscription.
	PollInterval time.Duration
	// MediaWatchInterval is the period of the bounded reconciliation watch
	// started for a sent message whose confirmation lacked a media ref.
	MediaWatchInterval time.Duration
	// MediaWatchMaxTicks bounds the watch; after this many ticks without the
	// media ref appearing, the watch gives up and the fallback poll remains
	// the only path.
	MediaWatchMaxTicks int
	// RequestTimeout bounds fetches issued by timers (poll, watch), which
	// have no caller-supplied context.
	RequestTimeout time.Duration
}

func (o *StoreOptions) defaults() {
	if o.PollInterval == 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.MediaWatchInterval == 0 {
		o.MediaWatchInterval = 2 * time.Second
	}
	if o.MediaWatchMaxTicks == 0 {
		o.MediaWatchMaxTicks = 15
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 15 * time.Second
	}
}

// errStalePeer is returned when a response resolved after the conversation
// it was issued for stopped being the active one. The result is discarded,
// never merged.
var errStalePeer = &APIError{
	Kind:    KindConflict,
	Code:    "STALE_PEER",
	Message: "response for a conversation that is no longer active was discarded",
}

// errNoSession is returned by operations that need an open conversation.
var errNoSession = &APIError{
	Kind:    KindClient,
	Code:    "NO_SESSION",
	Message: "no conversation is open",
}

// ============================================================================
// ConversationStore
// ============================================================================

// ConversationStore holds the message list for the currently-open
// conversation. Records from the history fetch, the push channel, and the
// fallback poll all flow through one merge function keyed by message ID, so
// the observable list is deduplicated regardless of which channels delivered
// which records, in which order, how many times.
//
// Exactly one conversation is active at a time. Opening a new one tears down
// the previous session's subscriptions and timers first, and every async
// completion is tagged with the session epoch it was issued under; a result
// arriving for a stale epoch is discarded.
type ConversationStore struct {
	client *Client
	rt     *RealtimeClient
	log    zerolog.Logger
	opts   StoreOptions

	mu       sync.Mutex
	epoch    uint64
	peerID   string
	loading  bool
	joined   bool
	messages []Message
	index    map[string]int
	subs     []*Subscription
	pollStop chan struct{}
	watches  map[string]chan struct{}

	hooksMu    sync.RWMutex
	onMessages []func([]Message)
	onError    []func(error)
}

// NewConversationStore creates a store over the given transport and push
// channel. The store registers connection hooks immediately: a reconnect
// re-fetches the active conversation to close the push gap, since the
// transport does not replay missed events.
func NewConversationStore(client *Client, rt *RealtimeClient, opts *StoreOptions) *ConversationStore {
	s := &ConversationStore{
		client:  client,
		rt:      rt,
		log:     client.log,
		index:   make(map[string]int),
		watches: make(map[string]chan struct{}),
	}
	if opts != nil {
		s.opts = *opts
	}
	s.opts.defaults()

	if rt != nil {
		rt.OnConnected(func() {
			s.mu.Lock()
			s.joined = false
			epoch := s.epoch
			active := s.peerID != ""
			s.mu.Unlock()
			if active {
				s.joinActive(epoch)
			}
		})
		rt.OnReconnected(func() {
			s.mu.Lock()
			epoch := s.epoch
			active := s.peerID != ""
			s.mu.Unlock()
			if active {
				go s.refresh(epoch)
			}
		})
	}
	return s
}

// OnMessagesChanged registers a listener invoked with a snapshot of the list
// whenever it changes.
func (s *ConversationStore) OnMessagesChanged(h func([]Message)) {
	s.hooksMu.Lock()
	s.onMessages = append(s.onMessages, h)
	s.hooksMu.Unlock()
}

// OnError registers a listener for user-visible transient errors. Errors
// never corrupt the list: a failed fetch, send, or clear leaves prior state
// intact.
func (s *ConversationStore) OnError(h func(error)) {
	s.hooksMu.Lock()
	s.onError = append(s.onError, h)
	s.hooksMu.Unlock()
}

// Messages returns a snapshot of the current list, ordered by CreatedAt.
// Storage is append-only in arrival order; display order is by timestamp.
func (s *ConversationStore) Messages() []Message {
	s.mu.Lock()
	out := append([]Message(nil), s.messages...)
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// Loading reports whether the initial history fetch is in flight.
func (s *ConversationStore) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// ActivePeer returns the peer of the open conversation, or "".
func (s *ConversationStore) ActivePeer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// ============================================================================
// Session lifecycle
// ============================================================================

// Open makes peerID the active conversation: prior subscriptions and timers
// are torn down, history is fetched, push events for the peer are subscribed,
// and the fallback poll starts. If another Open happens before the fetch
// resolves, the late result is discarded and Open returns a KindConflict
// error.
func (s *ConversationStore) Open(ctx context.Context, peerID string) error {
	s.mu.Lock()
	s.teardownLocked()
	s.epoch++
	epoch := s.epoch
	s.peerID = peerID
	s.messages = nil
	s.index = make(map[string]int)
	s.loading = true
	s.mu.Unlock()

	msgs, err := s.client.GetConversation(ctx, peerID)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		s.log.Debug().Str("peer", peerID).Msg("discarding stale history fetch")
		return errStalePeer
	}
	s.loading = false
	if err != nil {
		// The session stays open with its subscription and fallback poll in
		// place, so a failed initial fetch heals on a later tick instead of
		// leaving an active peer that never syncs.
		s.subscribeLocked(epoch, peerID)
		s.startPollLocked(epoch)
		s.mu.Unlock()
		s.emitError(err)
		return err
	}
	changed := false
	for _, m := range msgs {
		if s.mergeLocked(m) {
			changed = true
		}
	}
	s.subscribeLocked(epoch, peerID)
	s.startPollLocked(epoch)
	s.mu.Unlock()

	if changed {
		s.emitMessages()
	}
	s.joinActive(epoch)
	return nil
}

// Send posts a message to the active conversation and appends the
// server-confirmed record. No synthetic record with a temporary ID is ever
// rendered; the list only ever holds server-assigned IDs, which keeps the
// merge key space uniform. If the send carried media and the confirmation
// lacks a MediaRef, a bounded reconciliation watch is started for it.
func (s *ConversationStore) Send(ctx context.Context, opts SendOptions) (*Message, error) {
	s.mu.Lock()
	epoch := s.epoch
	peerID := s.peerID
	s.mu.Unlock()
	if peerID == "" {
		return nil, errNoSession
	}

	msg, err := s.client.SendMessage(ctx, peerID, opts)
	if err != nil {
		s.emitError(err)
		return nil, err
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		s.log.Debug().Str("peer", peerID).Msg("discarding send confirmation for closed session")
		return nil, errStalePeer
	}
	changed := s.mergeLocked(*msg)
	if len(opts.Media) > 0 && msg.MediaRef == "" {
		s.startWatchLocked(epoch, msg.ID)
	}
	s.mu.Unlock()

	if changed {
		s.emitMessages()
	}
	return msg, nil
}

// Close tears down the active session: listeners, poll, and reconciliation
// watches are released and the in-memory list is dropped. Server-side
// history is untouched.
func (s *ConversationStore) Close() {
	s.mu.Lock()
	s.teardownLocked()
	s.epoch++
	s.peerID = ""
	s.loading = false
	s.messages = nil
	s.index = make(map[string]int)
	s.mu.Unlock()
	s.emitMessages()
}

// Clear deletes the server-side history of the active conversation and, on
// success, empties the in-memory list. On failure the list is untouched.
func (s *ConversationStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	epoch := s.epoch
	peerID := s.peerID
	s.mu.Unlock()
	if peerID == "" {
		return errNoSession
	}

	if err := s.client.ClearConversation(ctx, peerID); err != nil {
		s.emitError(err)
		return err
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return errStalePeer
	}
	s.messages = nil
	s.index = make(map[string]int)
	s.mu.Unlock()
	s.emitMessages()
	return nil
}

// ============================================================================
// Merge
// ============================================================================

// mergeLocked combines an incoming record into the list, keyed by ID.
// Unknown IDs append; known IDs upgrade in place, and only from absent to
// populated — a populated field is never overwritten by an absent one. That
// makes the merge idempotent and commutative across channels: push-then-poll
// and poll-then-push converge to the same state, and re-applying a record is
// a no-op. Returns whether the list changed. Callers must hold s.mu.
func (s *ConversationStore) mergeLocked(in Message) bool {
	if in.ID == "" {
		return false
	}
	if idx, ok := s.index[in.ID]; ok {
		cur := &s.messages[idx]
		changed := false
		if cur.Text == "" && in.Text != "" {
			cur.Text = in.Text
			changed = true
		}
		if cur.MediaRef == "" && in.MediaRef != "" {
			cur.MediaRef = in.MediaRef
			changed = true
		}
		if cur.SenderID == "" && in.SenderID != "" {
			cur.SenderID = in.SenderID
			changed = true
		}
		if cur.PeerID == "" && in.PeerID != "" {
			cur.PeerID = in.PeerID
			changed = true
		}
		if cur.CreatedAt == "" && in.CreatedAt != "" {
			cur.CreatedAt = in.CreatedAt
			changed = true
		}
		return changed
	}
	s.messages = append(s.messages, in)
	s.index[in.ID] = len(s.messages) - 1
	return true
}

// refresh re-runs the Open fetch-and-merge path for the session identified
// by epoch. This is the single ingestion function behind the fallback poll,
// the media reconciliation watch, and the reconnect gap-fill. A failed
// refresh surfaces an error and leaves the existing list visible.
func (s *ConversationStore) refresh(epoch uint64) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	peerID := s.peerID
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
	defer cancel()
	msgs, err := s.client.GetConversation(ctx, peerID)
	if err != nil {
		s.emitError(err)
		return
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		s.log.Debug().Str("peer", peerID).Msg("discarding stale refresh result")
		return
	}
	changed := false
	for _, m := range msgs {
		if s.mergeLocked(m) {
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.emitMessages()
	}
}

// ============================================================================
// Subscriptions, poll, reconciliation watch
// ============================================================================

// subscribeLocked attaches the session's push listeners. Every handler
// captures the epoch and peer it was created for and re-checks both under
// the lock before touching the list, so a listener that outlives its tick
// by a race can never mutate a newer session's state.
func (s *ConversationStore) subscribeLocked(epoch uint64, peerID string) {
	if s.rt == nil {
		return
	}

	s.subs = append(s.subs,
		s.rt.OnMessageCreated(func(m Message) {
			s.mu.Lock()
			if s.epoch != epoch || m.PeerID != peerID {
				s.mu.Unlock()
				return
			}
			changed := s.mergeLocked(m)
			s.mu.Unlock()
			if changed {
				s.emitMessages()
			}
		}),
		s.rt.OnMediaReady(func(p MediaReadyPayload) {
			s.mu.Lock()
			if s.epoch != epoch {
				s.mu.Unlock()
				return
			}
			changed := s.mergeLocked(Message{ID: p.ID, MediaRef: p.MediaRef})
			if stop, ok := s.watches[p.ID]; ok {
				close(stop)
				delete(s.watches, p.ID)
			}
			s.mu.Unlock()
			if changed {
				s.emitMessages()
			}
		}),
		s.rt.OnConversationCleared(func(p ConversationClearedPayload) {
			s.mu.Lock()
			if s.epoch != epoch || p.PeerID != peerID {
				s.mu.Unlock()
				return
			}
			s.messages = nil
			s.index = make(map[string]int)
			s.mu.Unlock()
			s.emitMessages()
		}),
	)
}

// startPollLocked starts the fallback poll for the session. Each tick runs
// the shared refresh path and, if the push subscription has not landed yet,
// retries the join. Callers must hold s.mu.
func (s *ConversationStore) startPollLocked(epoch uint64) {
	stop := make(chan struct{})
	s.pollStop = stop

	go func() {
		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.refresh(epoch)
				s.joinActive(epoch)
			}
		}
	}()
}

// joinActive scopes the push channel to the active conversation. A join that
// cannot be delivered (not yet connected) is retried by the next poll tick
// and by the connected hook; the fallback poll bounds the cost of the gap in
// the meantime.
func (s *ConversationStore) joinActive(epoch uint64) {
	if s.rt == nil {
		return
	}

	s.mu.Lock()
	if s.epoch != epoch || s.joined {
		s.mu.Unlock()
		return
	}
	peerID := s.peerID
	s.mu.Unlock()

	if rtState := s.rt.State(); rtState != StateConnected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
	defer cancel()
	if err := s.rt.JoinConversation(ctx, peerID); err != nil {
		s.log.Debug().Err(err).Str("peer", peerID).Msg("conversation join failed, will retry")
		return
	}

	s.mu.Lock()
	if s.epoch == epoch {
		s.joined = true
	}
	s.mu.Unlock()
}

// startWatchLocked begins the bounded reconciliation watch for a message
// whose durable media reference is still pending. The watch ticks the shared
// refresh path on a short interval until the reference lands (via poll-merge
// or the mediaReady push, whichever is first), the budget runs out, or the
// session is torn down. Callers must hold s.mu.
func (s *ConversationStore) startWatchLocked(epoch uint64, msgID string) {
	if _, exists := s.watches[msgID]; exists {
		return
	}
	stop := make(chan struct{})
	s.watches[msgID] = stop

	go func() {
		ticker := time.NewTicker(s.opts.MediaWatchInterval)
		defer ticker.Stop()
		for tick := 0; tick < s.opts.MediaWatchMaxTicks; tick++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.refresh(epoch)

				s.mu.Lock()
				if s.epoch != epoch {
					s.mu.Unlock()
					return
				}
				resolved := false
				if idx, ok := s.index[msgID]; ok && s.messages[idx].MediaRef != "" {
					resolved = true
				}
				if resolved {
					delete(s.watches, msgID)
					s.mu.Unlock()
					return
				}
				s.mu.Unlock()
			}
		}

		s.mu.Lock()
		if s.epoch == epoch {
			delete(s.watches, msgID)
		}
		s.mu.Unlock()
		s.log.Debug().Str("message", msgID).Msg("media reconciliation watch expired")
	}()
}

// teardownLocked releases everything the current session owns: push
// subscriptions, the fallback poll, and reconciliation watches. Callers must
// hold s.mu. Runs on every Open and Close, so no listener or timer survives
// its session.
func (s *ConversationStore) teardownLocked() {
	for _, sub := range s.subs {
		sub.Cancel()
	}
	s.subs = nil
	if s.pollStop != nil {
		close(s.pollStop)
		s.pollStop = nil
	}
	for id, stop := range s.watches {
		close(stop)
		delete(s.watches, id)
	}
	s.joined = false
}

// ============================================================================
// Listener emission
// ============================================================================

func (s *ConversationStore) emitMessages() {
	snapshot := s.Messages()
	s.hooksMu.RLock()
	handlers := append([]func([]Message){}, s.onMessages...)
	s.hooksMu.RUnlock()
	for _, h := range handlers {
		h := h
		safeCall(func() { h(snapshot) })
	}
}

func (s *ConversationStore) emitError(err error) {
	s.hooksMu.RLock()
	handlers := append([]func(error){}, s.onError...)
	s.hooksMu.RUnlock()
	for _, h := range handlers {
		h := h
		safeCall(func() { h(err) })
	}
}
