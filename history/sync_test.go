package history

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/chatbridge/teams-bridge/api"
	"github.com/chatbridge/teams-bridge/bridge"
	"github.com/chatbridge/teams-bridge/dispatch"
	"github.com/chatbridge/teams-bridge/send"
)

// recHost is a LogHost that also records delivered messages.
type recHost struct {
	*bridge.LogHost
	mu        sync.Mutex
	delivered []bridge.IncomingMessage
}

func (h *recHost) Conversations() bridge.Conversations { return h }

func (h *recHost) Deliver(msg bridge.IncomingMessage) {
	h.mu.Lock()
	h.delivered = append(h.delivered, msg)
	h.mu.Unlock()
}

type nopBackend struct{}

func (nopBackend) IsSelf(string) bool             { return false }
func (nopBackend) MarkRead(string, string, int64) {}
func (nopBackend) RequestBackfill(string)         {}
func (nopBackend) RequestRoster(string)           {}

type memMarks struct {
	mu     sync.Mutex
	global int64
	convs  map[string]int64
}

func newMemMarks() *memMarks { return &memMarks{convs: make(map[string]int64)} }

func (m *memMarks) Conversation(id string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.convs[id]
}
func (m *memMarks) SetConversation(id string, ts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts > m.convs[id] {
		m.convs[id] = ts
	}
}
func (m *memMarks) Global() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.global
}
func (m *memMarks) SetGlobal(ts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts > m.global {
		m.global = ts
	}
}

type fixedEnv struct{ host string }

func (e fixedEnv) Creds() api.Credentials { return api.Credentials{SkypeToken: "st"} }
func (e fixedEnv) MessagesHost() string   { return e.host }

type schemeDowngrade struct{}

func (schemeDowngrade) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	return http.DefaultTransport.RoundTrip(req)
}

func storedMessage(conv, from, content, composetime string) string {
	return fmt.Sprintf(`{
		"id": "100%s",
		"conversationLink": "https://host/v1/users/ME/conversations/%s",
		"from": "https://host/v1/users/ME/contacts/8:%s",
		"messagetype": "Text",
		"content": %q,
		"composetime": %q
	}`, composetime, conv, from, content, composetime)
}

func newSyncer(t *testing.T, handler http.Handler) (*Syncer, *recHost) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := api.NewClient()
	client.SetTransport(schemeDowngrade{})
	u, _ := url.Parse(srv.URL)

	host := &recHost{LogHost: bridge.NewLogHost(zerolog.Nop())}
	marks := newMemMarks()
	pending := send.NewPendingSends()
	t.Cleanup(pending.Close)
	d := &dispatch.Dispatcher{
		Host:    host,
		Backend: nopBackend{},
		Marks:   marks,
		Pending: pending,
		Log:     zerolog.Nop(),
	}
	return &Syncer{
		Client:     client,
		Env:        fixedEnv{host: u.Host},
		Dispatcher: d,
		Marks:      marks,
		Log:        zerolog.Nop(),
	}, host
}

func TestSyncOneReplaysOldestFirst(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/users/ME/conversations/8:bob/messages", func(w http.ResponseWriter, r *http.Request) {
		// Newest first, as the server sends them.
		fmt.Fprintf(w, `{"messages":[%s,%s]}`,
			storedMessage("8:bob", "bob", "second", "2023-11-14T12:00:02.000Z"),
			storedMessage("8:bob", "bob", "first", "2023-11-14T12:00:01.000Z"))
	})
	s, host := newSyncer(t, mux)
	if err := s.SyncOne(context.Background(), "8:bob"); err != nil {
		t.Fatalf("SyncOne: %v", err)
	}
	if len(host.delivered) != 2 {
		t.Fatalf("delivered %d, want 2", len(host.delivered))
	}
	if host.delivered[0].Body != "first" || host.delivered[1].Body != "second" {
		t.Errorf("order: %q then %q", host.delivered[0].Body, host.delivered[1].Body)
	}
}

func TestBackfillAndLiveShareDedup(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/users/ME/conversations/8:bob/messages", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"messages":[%s]}`, storedMessage("8:bob", "bob", "hello", "2023-11-14T12:00:01.000Z"))
	})
	s, host := newSyncer(t, mux)

	// Live delivery first.
	s.Dispatcher.Dispatch([]byte(fmt.Sprintf(`{"resourceType":"NewMessage","resource":%s}`,
		storedMessage("8:bob", "bob", "hello", "2023-11-14T12:00:01.000Z"))))
	if len(host.delivered) != 1 {
		t.Fatalf("live delivery failed")
	}
	// The backfill replays the same message and must be deduped.
	if err := s.SyncOne(context.Background(), "8:bob"); err != nil {
		t.Fatalf("SyncOne: %v", err)
	}
	if len(host.delivered) != 1 {
		t.Errorf("backfill duplicated a live message: %d delivered", len(host.delivered))
	}
}

func TestSyncAllSkipsQuietConversations(t *testing.T) {
	fetched := make(map[string]bool)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/users/ME/conversations", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"conversations":[
			{"id":"8:quiet","lastMessage":{"composetime":"2023-11-14T10:00:00.000Z"}},
			{"id":"19:busy@thread.skype","threadProperties":{"topic":"standup"},"lastMessage":{"composetime":"2023-11-14T12:00:00.000Z"}}
		]}`))
	})
	mux.HandleFunc("/v1/users/ME/conversations/", func(w http.ResponseWriter, r *http.Request) {
		fetched[r.URL.Path] = true
		w.Write([]byte(`{"messages":[]}`))
	})
	s, host := newSyncer(t, mux)
	// 11:00 watermark: quiet conversation (10:00) is behind it, busy (12:00)
	// is ahead.
	s.Marks.SetGlobal(1699959600)
	s.Marks.SetConversation("8:quiet", 1699959600)
	if err := s.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if fetched["/v1/users/ME/conversations/8:quiet/messages"] {
		t.Errorf("quiet conversation was fetched")
	}
	if !fetched["/v1/users/ME/conversations/19:busy@thread.skype/messages"] {
		t.Errorf("busy conversation was not fetched")
	}
	if len(host.delivered) != 0 {
		t.Errorf("empty pages delivered messages: %v", host.delivered)
	}
}
