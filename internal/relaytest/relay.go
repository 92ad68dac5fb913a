package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

// Kinds where only the newest event per author is kept.
var replaceableKinds = map[int]bool{
	0:     true,
	10002: true,
	10050: true,
	10051: true,
}

// Relay is the in-memory relay core. It implements http.Handler; every
// request upgrades to a websocket session.
type Relay struct {
	upgrader websocket.Upgrader

	mu     sync.Mutex
	events []*nostr.Event
	seen   map[string]bool
	conns  map[*session]struct{}
	closed bool
}

// New returns an empty relay.
func New() *Relay {
	return &Relay{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		seen:     make(map[string]bool),
		conns:    make(map[*session]struct{}),
	}
}

// session is one websocket client and its live subscriptions.
type session struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	subMu   sync.Mutex
	subs    map[string]nostr.Filters
}

func (s *session) send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteMessage(websocket.TextMessage, raw)
}

// ServeHTTP upgrades the connection and runs the read loop until the client
// goes away.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	sess := &session{ws: ws, subs: make(map[string]nostr.Filters)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ws.Close()
		return
	}
	r.conns[sess] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.conns, sess)
		r.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		r.dispatch(sess, raw)
	}
}

func (r *Relay) dispatch(sess *session, raw []byte) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) == 0 {
		_ = sess.send([]any{"NOTICE", "invalid: not a message array"})
		return
	}
	var cmd string
	if err := json.Unmarshal(arr[0], &cmd); err != nil {
		return
	}

	switch cmd {
	case "EVENT":
		r.handleEvent(sess, arr)
	case "REQ":
		r.handleReq(sess, arr)
	case "CLOSE":
		if len(arr) >= 2 {
			var subID string
			_ = json.Unmarshal(arr[1], &subID)
			sess.subMu.Lock()
			delete(sess.subs, subID)
			sess.subMu.Unlock()
		}
	default:
		_ = sess.send([]any{"NOTICE", "unknown command " + cmd})
	}
}

func (r *Relay) handleEvent(sess *session, arr []json.RawMessage) {
	if len(arr) < 2 {
		return
	}
	ev := new(nostr.Event)
	if err := json.Unmarshal(arr[1], ev); err != nil {
		_ = sess.send([]any{"NOTICE", "invalid: bad event json"})
		return
	}
	if ev.GetID() != ev.ID {
		_ = sess.send([]any{"OK", ev.ID, false, "invalid: id mismatch"})
		return
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		_ = sess.send([]any{"OK", ev.ID, false, "invalid: bad signature"})
		return
	}

	r.store(ev)
	_ = sess.send([]any{"OK", ev.ID, true, ""})
	r.broadcast(ev)
}

func (r *Relay) store(ev *nostr.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[ev.ID] {
		return
	}
	r.seen[ev.ID] = true

	if replaceableKinds[ev.Kind] {
		kept := r.events[:0]
		for _, old := range r.events {
			if old.Kind == ev.Kind && old.PubKey == ev.PubKey && old.CreatedAt <= ev.CreatedAt {
				delete(r.seen, old.ID)
				continue
			}
			kept = append(kept, old)
		}
		r.events = kept
	}
	r.events = append(r.events, ev)
}

func (r *Relay) broadcast(ev *nostr.Event) {
	r.mu.Lock()
	conns := make([]*session, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, sess := range conns {
		sess.subMu.Lock()
		for subID, filters := range sess.subs {
			if filters.Match(ev) {
				_ = sess.send([]any{"EVENT", subID, ev})
			}
		}
		sess.subMu.Unlock()
	}
}

func (r *Relay) handleReq(sess *session, arr []json.RawMessage) {
	if len(arr) < 3 {
		_ = sess.send([]any{"NOTICE", "invalid: REQ needs a subscription id and filters"})
		return
	}
	var subID string
	if err := json.Unmarshal(arr[1], &subID); err != nil || subID == "" {
		return
	}
	filters := make(nostr.Filters, 0, len(arr)-2)
	for _, rawFilter := range arr[2:] {
		var f nostr.Filter
		if err := json.Unmarshal(rawFilter, &f); err != nil {
			_ = sess.send([]any{"NOTICE", "invalid: bad filter"})
			return
		}
		filters = append(filters, f)
	}

	// Replay stored events, then EOSE, then stream live matches.
	for _, ev := range r.matchStored(filters) {
		_ = sess.send([]any{"EVENT", subID, ev})
	}
	_ = sess.send([]any{"EOSE", subID})

	sess.subMu.Lock()
	sess.subs[subID] = filters
	sess.subMu.Unlock()
}

// matchStored returns stored events matching any filter, honoring each
// filter's limit against newest-first ordering, deduped across filters.
func (r *Relay) matchStored(filters nostr.Filters) []*nostr.Event {
	r.mu.Lock()
	stored := append([]*nostr.Event(nil), r.events...)
	r.mu.Unlock()

	picked := make(map[string]bool)
	var out []*nostr.Event
	for _, f := range filters {
		count := 0
		for i := len(stored) - 1; i >= 0; i-- {
			ev := stored[i]
			if f.Limit > 0 && count >= f.Limit {
				break
			}
			if !f.Matches(ev) {
				continue
			}
			count++
			if picked[ev.ID] {
				continue
			}
			picked[ev.ID] = true
			out = append(out, ev)
		}
	}
	// Oldest first, the order clients replay history in.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Events returns a snapshot of everything stored, oldest first.
func (r *Relay) Events() []*nostr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*nostr.Event(nil), r.events...)
}

// Close drops every client connection. The relay keeps its events so a
// paused test can still inspect them.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	conns := make([]*session, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[*session]struct{})
	r.mu.Unlock()

	for _, sess := range conns {
		_ = sess.ws.Close()
	}
}

// Server is a relay bound to an ephemeral local port for tests.
type Server struct {
	*Relay
	URL string

	http *httptest.Server
}

// Start launches a relay on a random local port and returns its ws:// URL.
func Start() *Server {
	relay := New()
	ts := httptest.NewServer(relay)
	return &Server{
		Relay: relay,
		URL:   "ws" + strings.TrimPrefix(ts.URL, "http"),
		http:  ts,
	}
}

// Stop tears the server down.
func (s *Server) Stop() {
	s.Relay.Close()
	s.http.Close()
}
