package woofr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"code":%q,"message":%q}}`, code, message)
}

// conversationServer is a fake backend with a mutable per-peer history.
type conversationServer struct {
	mu      sync.Mutex
	history map[string][]Message
	delay   map[string]chan struct{}
	*httptest.Server
}

func newConversationServer() *conversationServer {
	s := &conversationServer{
		history: make(map[string][]Message),
		delay:   make(map[string]chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/csrf-token", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]string{"token": "csrf"})
	})
	mux.HandleFunc("/conversation/", s.handleConversation)
	s.Server = httptest.NewServer(mux)
	return s
}

func (s *conversationServer) handleConversation(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Path[len("/conversation/"):]
	if r.Method == http.MethodGet {
		s.mu.Lock()
		gate := s.delay[peerID]
		s.mu.Unlock()
		if gate != nil {
			<-gate
		}
		s.mu.Lock()
		msgs := append([]Message(nil), s.history[peerID]...)
		s.mu.Unlock()
		respondJSON(w, map[string]any{"messages": msgs})
		return
	}
	if r.Method == http.MethodDelete {
		s.mu.Lock()
		delete(s.history, peerID)
		s.mu.Unlock()
		respondJSON(w, map[string]any{"ok": true})
		return
	}
	http.NotFound(w, r)
}

func (s *conversationServer) setHistory(peerID string, msgs ...Message) {
	s.mu.Lock()
	s.history[peerID] = msgs
	s.mu.Unlock()
}

func (s *conversationServer) gate(peerID string) chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.delay[peerID] = ch
	s.mu.Unlock()
	return ch
}

func newTestStore(t *testing.T, srv *conversationServer, opts *StoreOptions) (*ConversationStore, *RealtimeClient) {
	t.Helper()
	client := NewClient("session-token",
		WithBaseURL(srv.URL),
		WithRetryPolicy(RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}),
	)
	rt := client.Realtime(nil)
	if opts == nil {
		opts = &StoreOptions{PollInterval: time.Hour}
	}
	store := NewConversationStore(client, rt, opts)
	t.Cleanup(store.Close)
	return store, rt
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}

// ============================================================================
// Merge semantics
// ============================================================================

func TestMergeByID(t *testing.T) {
	newStore := func() *ConversationStore {
		return NewConversationStore(NewClient(""), nil, &StoreOptions{PollInterval: time.Hour})
	}
	full := Message{ID: "m1", PeerID: "p", SenderID: "u", Text: "hello", MediaRef: "cdn://1", CreatedAt: "2026-01-01T00:00:00Z"}
	partial := Message{ID: "m1", MediaRef: "cdn://1"}

	t.Run("re-applying a record is a no-op", func(t *testing.T) {
		s := newStore()
		s.mu.Lock()
		if !s.mergeLocked(full) {
			t.Fatal("First apply should change the list")
		}
		if s.mergeLocked(full) {
			t.Fatal("Second apply should be a no-op")
		}
		s.mu.Unlock()
		if got := len(s.Messages()); got != 1 {
			t.Fatalf("Expected 1 message, got %d", got)
		}
	})

	t.Run("partial then full upgrades in place", func(t *testing.T) {
		s := newStore()
		s.mu.Lock()
		s.mergeLocked(partial)
		s.mergeLocked(full)
		s.mu.Unlock()
		msgs := s.Messages()
		if len(msgs) != 1 {
			t.Fatalf("Expected 1 message, got %d", len(msgs))
		}
		if msgs[0] != full {
			t.Fatalf("Expected upgraded record %+v, got %+v", full, msgs[0])
		}
	})

	t.Run("full then partial never downgrades", func(t *testing.T) {
		s := newStore()
		s.mu.Lock()
		s.mergeLocked(full)
		if s.mergeLocked(partial) {
			t.Fatal("Absent fields must not overwrite populated ones")
		}
		s.mu.Unlock()
		if got := s.Messages()[0]; got != full {
			t.Fatalf("Expected %+v, got %+v", full, got)
		}
	})

	t.Run("order does not matter", func(t *testing.T) {
		a := newStore()
		a.mu.Lock()
		a.mergeLocked(partial)
		a.mergeLocked(full)
		a.mu.Unlock()

		b := newStore()
		b.mu.Lock()
		b.mergeLocked(full)
		b.mergeLocked(partial)
		b.mu.Unlock()

		if a.Messages()[0] != b.Messages()[0] {
			t.Fatalf("Merge order changed the outcome: %+v vs %+v", a.Messages()[0], b.Messages()[0])
		}
	})

	t.Run("record without an id is dropped", func(t *testing.T) {
		s := newStore()
		s.mu.Lock()
		if s.mergeLocked(Message{Text: "orphan"}) {
			t.Fatal("Record without id must be rejected")
		}
		s.mu.Unlock()
	})
}

func TestMessagesSortedByTimestamp(t *testing.T) {
	s := NewConversationStore(NewClient(""), nil, &StoreOptions{PollInterval: time.Hour})
	s.mu.Lock()
	s.mergeLocked(Message{ID: "m2", CreatedAt: "2026-01-02T00:00:00Z"})
	s.mergeLocked(Message{ID: "m1", CreatedAt: "2026-01-01T00:00:00Z"})
	s.mergeLocked(Message{ID: "m3", CreatedAt: "2026-01-03T00:00:00Z"})
	s.mu.Unlock()

	msgs := s.Messages()
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" || msgs[2].ID != "m3" {
		t.Fatalf("Expected chronological order, got %s %s %s", msgs[0].ID, msgs[1].ID, msgs[2].ID)
	}
}

// ============================================================================
// Session lifecycle
// ============================================================================

func TestOpenLoadsHistory(t *testing.T) {
	srv := newConversationServer()
	defer srv.Close()
	srv.setHistory("peer-1",
		Message{ID: "m1", PeerID: "peer-1", Text: "woof", CreatedAt: "2026-01-01T00:00:00Z"},
		Message{ID: "m2", PeerID: "peer-1", Text: "bark", CreatedAt: "2026-01-02T00:00:00Z"},
	)

	store, _ := newTestStore(t, srv, nil)
	if err := store.Open(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if store.Loading() {
		t.Fatal("Loading must be false after Open returns")
	}
	if got := store.ActivePeer(); got != "peer-1" {
		t.Fatalf("ActivePeer = %q", got)
	}
	if got := len(store.Messages()); got != 2 {
		t.Fatalf("Expected 2 messages, got %d", got)
	}
}

func TestOpenRecoversFromFailedInitialFetch(t *testing.T) {
	var fail = true
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("/conversation/peer-1", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		f := fail
		mu.Unlock()
		if f {
			respondError(w, http.StatusInternalServerError, "", "down")
			return
		}
		respondJSON(w, map[string]any{"messages": []Message{
			{ID: "m1", PeerID: "peer-1", Text: "woof", CreatedAt: "2026-01-01T00:00:00Z"},
		}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient("session-token",
		WithBaseURL(srv.URL),
		WithRetryPolicy(RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond}),
	)
	store := NewConversationStore(client, nil, &StoreOptions{PollInterval: 10 * time.Millisecond})
	defer store.Close()

	if err := store.Open(context.Background(), "peer-1"); ErrorKindOf(err) != KindServer {
		t.Fatalf("Expected server error from Open, got %v", err)
	}
	if got := store.ActivePeer(); got != "peer-1" {
		t.Fatalf("Session must stay open after a failed fetch, peer = %q", got)
	}

	// Once the backend recovers, the fallback poll fills the list in.
	mu.Lock()
	fail = false
	mu.Unlock()
	waitFor(t, 2*time.Second, func() bool {
		msgs := store.Messages()
		return len(msgs) == 1 && msgs[0].ID == "m1"
	})
}

func TestPushedMessagesMergeIntoOpenConversation(t *testing.T) {
	srv := newConversationServer()
	defer srv.Close()
	srv.setHistory("peer-1", Message{ID: "m1", PeerID: "peer-1", Text: "woof", CreatedAt: "2026-01-01T00:00:00Z"})

	store, rt := newTestStore(t, srv, nil)
	if err := store.Open(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	push := func(m Message) {
		payload, _ := json.Marshal(m)
		rt.dispatcher.dispatch(RealtimeEnvelope{Type: "message.created", Payload: payload})
	}

	push(Message{ID: "m2", PeerID: "peer-1", Text: "bark", CreatedAt: "2026-01-02T00:00:00Z"})
	if got := len(store.Messages()); got != 2 {
		t.Fatalf("Expected 2 messages after push, got %d", got)
	}

	// Duplicate delivery of an already-known record.
	push(Message{ID: "m1", PeerID: "peer-1", Text: "woof", CreatedAt: "2026-01-01T00:00:00Z"})
	if got := len(store.Messages()); got != 2 {
		t.Fatalf("Expected no duplicate, got %d messages", got)
	}

	// A push for another conversation is ignored.
	push(Message{ID: "m9", PeerID: "peer-9", Text: "stray", CreatedAt: "2026-01-03T00:00:00Z"})
	if got := len(store.Messages()); got != 2 {
		t.Fatalf("Expected cross-peer push to be ignored, got %d messages", got)
	}
}

func TestPushAndPollConverge(t *testing.T) {
	srv := newConversationServer()
	defer srv.Close()
	srv.setHistory("peer-1", Message{ID: "m1", PeerID: "peer-1", Text: "woof", CreatedAt: "2026-01-01T00:00:00Z"})

	store, rt := newTestStore(t, srv, nil)
	if err := store.Open(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// The same new message arrives by push and then again by poll.
	m2 := Message{ID: "m2", PeerID: "peer-1", Text: "bark", CreatedAt: "2026-01-02T00:00:00Z"}
	payload, _ := json.Marshal(m2)
	rt.dispatcher.dispatch(RealtimeEnvelope{Type: "message.created", Payload: payload})
	srv.setHistory("peer-1",
		Message{ID: "m1", PeerID: "peer-1", Text: "woof", CreatedAt: "2026-01-01T00:00:00Z"},
		m2,
	)

	store.mu.Lock()
	epoch := store.epoch
	store.mu.Unlock()
	store.refresh(epoch)

	if got := len(store.Messages()); got != 2 {
		t.Fatalf("Expected push and poll to converge on 2 messages, got %d", got)
	}
}

func TestOpenDiscardsStaleFetch(t *testing.T) {
	srv := newConversationServer()
	defer srv.Close()
	srv.setHistory("peer-1", Message{ID: "m1", PeerID: "peer-1", Text: "old", CreatedAt: "2026-01-01T00:00:00Z"})
	srv.setHistory("peer-2", Message{ID: "m2", PeerID: "peer-2", Text: "new", CreatedAt: "2026-01-02T00:00:00Z"})
	gate := srv.gate("peer-1")

	store, _ := newTestStore(t, srv, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- store.Open(context.Background(), "peer-1") }()

	// Switch conversations while the first fetch is still in flight.
	waitFor(t, time.Second, func() bool { return store.ActivePeer() == "peer-1" })
	if err := store.Open(context.Background(), "peer-2"); err != nil {
		t.Fatalf("Open peer-2: %v", err)
	}
	close(gate)

	if err := <-errCh; ErrorKindOf(err) != KindConflict {
		t.Fatalf("Expected conflict for superseded open, got %v", err)
	}
	msgs := store.Messages()
	if len(msgs) != 1 || msgs[0].ID != "m2" {
		t.Fatalf("Stale history leaked into the new session: %+v", msgs)
	}
}

func TestClearEmptiesListOnSuccessOnly(t *testing.T) {
	t.Run("success empties the list", func(t *testing.T) {
		srv := newConversationServer()
		defer srv.Close()
		srv.setHistory("peer-1", Message{ID: "m1", PeerID: "peer-1", Text: "woof", CreatedAt: "2026-01-01T00:00:00Z"})

		store, _ := newTestStore(t, srv, nil)
		if err := store.Open(context.Background(), "peer-1"); err != nil {
			t.Fatalf("Open: %v", err)
		}
		if err := store.Clear(context.Background()); err != nil {
			t.Fatalf("Clear: %v", err)
		}
		if got := len(store.Messages()); got != 0 {
			t.Fatalf("Expected empty list, got %d messages", got)
		}
	})

	t.Run("failure leaves the list intact", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/csrf-token", func(w http.ResponseWriter, r *http.Request) {
			respondJSON(w, map[string]string{"token": "csrf"})
		})
		mux.HandleFunc("/conversation/peer-1", func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodDelete {
				respondError(w, http.StatusInternalServerError, "", "cannot delete")
				return
			}
			respondJSON(w, map[string]any{"messages": []Message{
				{ID: "m1", PeerID: "peer-1", Text: "woof", CreatedAt: "2026-01-01T00:00:00Z"},
			}})
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		client := NewClient("session-token",
			WithBaseURL(srv.URL),
			WithRetryPolicy(RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond}),
		)
		store := NewConversationStore(client, nil, &StoreOptions{PollInterval: time.Hour})
		defer store.Close()

		if err := store.Open(context.Background(), "peer-1"); err != nil {
			t.Fatalf("Open: %v", err)
		}
		if err := store.Clear(context.Background()); ErrorKindOf(err) != KindServer {
			t.Fatalf("Expected server error, got %v", err)
		}
		if got := len(store.Messages()); got != 1 {
			t.Fatalf("Failed clear must not touch the list, got %d messages", got)
		}
	})
}

func TestClearedPushEmptiesList(t *testing.T) {
	srv := newConversationServer()
	defer srv.Close()
	srv.setHistory("peer-1", Message{ID: "m1", PeerID: "peer-1", Text: "woof", CreatedAt: "2026-01-01T00:00:00Z"})

	store, rt := newTestStore(t, srv, nil)
	if err := store.Open(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Cleared event for another conversation is ignored.
	payload, _ := json.Marshal(ConversationClearedPayload{PeerID: "peer-9"})
	rt.dispatcher.dispatch(RealtimeEnvelope{Type: "conversation.cleared", Payload: payload})
	if got := len(store.Messages()); got != 1 {
		t.Fatalf("Cross-peer cleared event must be ignored, got %d messages", got)
	}

	payload, _ = json.Marshal(ConversationClearedPayload{PeerID: "peer-1"})
	rt.dispatcher.dispatch(RealtimeEnvelope{Type: "conversation.cleared", Payload: payload})
	if got := len(store.Messages()); got != 0 {
		t.Fatalf("Expected empty list after cleared push, got %d messages", got)
	}
}

func TestCloseDetachesListeners(t *testing.T) {
	srv := newConversationServer()
	defer srv.Close()
	srv.setHistory("peer-1", Message{ID: "m1", PeerID: "peer-1", Text: "woof", CreatedAt: "2026-01-01T00:00:00Z"})

	store, rt := newTestStore(t, srv, nil)
	if err := store.Open(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	store.Close()

	if got := store.ActivePeer(); got != "" {
		t.Fatalf("Expected no active peer, got %q", got)
	}
	payload, _ := json.Marshal(Message{ID: "m2", PeerID: "peer-1", Text: "late", CreatedAt: "2026-01-02T00:00:00Z"})
	rt.dispatcher.dispatch(RealtimeEnvelope{Type: "message.created", Payload: payload})
	if got := len(store.Messages()); got != 0 {
		t.Fatalf("Push after Close must not land, got %d messages", got)
	}
}

// ============================================================================
// Media reconciliation
// ============================================================================

func TestMediaReadyPushPatchesInPlace(t *testing.T) {
	srv := newConversationServer()
	defer srv.Close()
	srv.setHistory("peer-1", Message{ID: "m1", PeerID: "peer-1", Text: "photo", CreatedAt: "2026-01-01T00:00:00Z"})

	store, rt := newTestStore(t, srv, nil)
	if err := store.Open(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	payload, _ := json.Marshal(MediaReadyPayload{ID: "m1", MediaRef: "cdn://photo.jpg"})
	rt.dispatcher.dispatch(RealtimeEnvelope{Type: "message.mediaReady", Payload: payload})

	msgs := store.Messages()
	if len(msgs) != 1 {
		t.Fatalf("Patch must not append, got %d messages", len(msgs))
	}
	if msgs[0].MediaRef != "cdn://photo.jpg" {
		t.Fatalf("Expected patched media ref, got %q", msgs[0].MediaRef)
	}
	if msgs[0].Text != "photo" {
		t.Fatalf("Patch must preserve existing fields, got %+v", msgs[0])
	}
}

func TestMediaWatchResolvesViaPoll(t *testing.T) {
	srv := newConversationServer()
	defer srv.Close()
	sent := Message{ID: "m1", PeerID: "peer-1", Text: "photo", CreatedAt: "2026-01-01T00:00:00Z"}
	srv.setHistory("peer-1", sent)

	store, _ := newTestStore(t, srv, &StoreOptions{
		PollInterval:       time.Hour,
		MediaWatchInterval: 10 * time.Millisecond,
		MediaWatchMaxTicks: 50,
	})
	if err := store.Open(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	store.mu.Lock()
	epoch := store.epoch
	store.startWatchLocked(epoch, "m1")
	store.mu.Unlock()

	// The durable reference lands server-side a few ticks later.
	time.Sleep(25 * time.Millisecond)
	patched := sent
	patched.MediaRef = "cdn://photo.jpg"
	srv.setHistory("peer-1", patched)

	waitFor(t, 2*time.Second, func() bool {
		msgs := store.Messages()
		return len(msgs) == 1 && msgs[0].MediaRef == "cdn://photo.jpg"
	})
}

// ============================================================================
// Listener hooks
// ============================================================================

func TestStoreHooks(t *testing.T) {
	srv := newConversationServer()
	defer srv.Close()
	srv.setHistory("peer-1", Message{ID: "m1", PeerID: "peer-1", Text: "woof", CreatedAt: "2026-01-01T00:00:00Z"})

	store, rt := newTestStore(t, srv, nil)

	var mu sync.Mutex
	var snapshots [][]Message
	store.OnMessagesChanged(func(msgs []Message) {
		mu.Lock()
		snapshots = append(snapshots, msgs)
		mu.Unlock()
	})

	if err := store.Open(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	mu.Lock()
	n := len(snapshots)
	mu.Unlock()
	if n == 0 {
		t.Fatal("Expected a change notification after Open")
	}

	// Duplicate push changes nothing and must not notify.
	payload, _ := json.Marshal(Message{ID: "m1", PeerID: "peer-1", Text: "woof", CreatedAt: "2026-01-01T00:00:00Z"})
	rt.dispatcher.dispatch(RealtimeEnvelope{Type: "message.created", Payload: payload})
	mu.Lock()
	after := len(snapshots)
	mu.Unlock()
	if after != n {
		t.Fatalf("No-op merge must not notify, got %d extra notifications", after-n)
	}
}

func TestStoreErrorHookOnFailedRefresh(t *testing.T) {
	var fail bool
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("/conversation/peer-1", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		f := fail
		mu.Unlock()
		if f {
			respondError(w, http.StatusInternalServerError, "", "down")
			return
		}
		respondJSON(w, map[string]any{"messages": []Message{
			{ID: "m1", PeerID: "peer-1", Text: "woof", CreatedAt: "2026-01-01T00:00:00Z"},
		}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient("session-token",
		WithBaseURL(srv.URL),
		WithRetryPolicy(RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond}),
	)
	store := NewConversationStore(client, nil, &StoreOptions{PollInterval: time.Hour})
	defer store.Close()

	errs := make(chan error, 1)
	store.OnError(func(err error) { errs <- err })

	if err := store.Open(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	mu.Lock()
	fail = true
	mu.Unlock()
	store.mu.Lock()
	epoch := store.epoch
	store.mu.Unlock()
	store.refresh(epoch)

	select {
	case err := <-errs:
		if ErrorKindOf(err) != KindServer {
			t.Fatalf("Expected server error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected an error notification")
	}
	if got := len(store.Messages()); got != 1 {
		t.Fatalf("Failed refresh must leave the list intact, got %d messages", got)
	}
}
