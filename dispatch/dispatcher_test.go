package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatbridge/teams-bridge/bridge"
	"github.com/chatbridge/teams-bridge/send"
)

// mockHost records every call the dispatcher makes on the host surfaces.
type mockHost struct {
	contacts  []bridge.Contact
	imported  []string
	delivered []bridge.IncomingMessage
	typing    []string
	added     []string
	removed   []string
	rosters   map[string][]bridge.Member
	topics    []string
	operators []string
	left      []string
	groups    map[string]string
	focused   map[string]bool
}

func newMockHost() *mockHost {
	return &mockHost{
		rosters: make(map[string][]bridge.Member),
		groups:  make(map[string]string),
		focused: make(map[string]bool),
	}
}

func (m *mockHost) Contacts() bridge.ContactList        { return m }
func (m *mockHost) Conversations() bridge.Conversations { return m }
func (m *mockHost) FileTransfers() bridge.FileTransfers { return m }
func (m *mockHost) Notifier() bridge.Notifier           { return m }

func (m *mockHost) UpsertContact(c bridge.Contact) { m.contacts = append(m.contacts, c) }
func (m *mockHost) RemoveContact(string)           {}
func (m *mockHost) HasContact(string) bool         { return false }
func (m *mockHost) ImportContacts(raw string)      { m.imported = append(m.imported, raw) }

func (m *mockHost) EnsureGroup(id, topic string) bool {
	if _, ok := m.groups[id]; ok {
		return false
	}
	m.groups[id] = topic
	return true
}
func (m *mockHost) Deliver(msg bridge.IncomingMessage) { m.delivered = append(m.delivered, msg) }
func (m *mockHost) SetTyping(conv, member string, typing bool) {
	m.typing = append(m.typing, fmt.Sprintf("%s/%s/%v", conv, member, typing))
}
func (m *mockHost) AddMember(conv, member string, role bridge.Role) {
	m.added = append(m.added, conv+"/"+member)
}
func (m *mockHost) RemoveMember(conv, member string) {
	m.removed = append(m.removed, conv+"/"+member)
}
func (m *mockHost) ResetRoster(conv string, members []bridge.Member) { m.rosters[conv] = members }
func (m *mockHost) SetTopic(conv, initiator, topic string) {
	m.topics = append(m.topics, conv+"/"+initiator+"/"+topic)
}
func (m *mockHost) SetMemberOperator(conv, member string, op bool) {
	m.operators = append(m.operators, fmt.Sprintf("%s/%s/%v", conv, member, op))
}
func (m *mockHost) Left(conv string)          { m.left = append(m.left, conv) }
func (m *mockHost) HasFocus(conv string) bool { return m.focused[conv] }

func (m *mockHost) OfferIncomingFile(sender, uri string) {
	m.delivered = append(m.delivered, bridge.IncomingMessage{Sender: sender, Body: uri})
}
func (m *mockHost) DownloadThumbnail(conv, sender, uri string, _ time.Time) {
	m.delivered = append(m.delivered, bridge.IncomingMessage{ConversationID: conv, Sender: sender, Body: uri})
}
func (m *mockHost) DownloadMedia(conv, sender, text, thumb string, _ time.Time) {
	m.delivered = append(m.delivered, bridge.IncomingMessage{ConversationID: conv, Sender: sender, Body: text})
}

func (m *mockHost) OpenURL(string)        {}
func (m *mockHost) Notify(string, string) {}
func (m *mockHost) PromptInput(ctx context.Context, title, message string) (string, error) {
	return "", nil
}
func (m *mockHost) ConnectionError(string) {}

type mockBackend struct {
	self      string
	marked    []string
	backfills []string
	rosters   []string
}

func (b *mockBackend) IsSelf(id string) bool { return id == b.self }
func (b *mockBackend) MarkRead(conv, msgID string, ts int64) {
	b.marked = append(b.marked, conv+"/"+msgID)
}
func (b *mockBackend) RequestBackfill(conv string) { b.backfills = append(b.backfills, conv) }
func (b *mockBackend) RequestRoster(thread string) { b.rosters = append(b.rosters, thread) }

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

type mocks struct {
	host    *mockHost
	backend *mockBackend
	marks   *memMarks
	pending *send.PendingSends
	d       *Dispatcher
}

func newMocks(t *testing.T) *mocks {
	t.Helper()
	m := &mocks{
		host:    newMockHost(),
		backend: &mockBackend{self: "alice@example.com"},
		marks:   newMemMarks(),
		pending: send.NewPendingSends(),
	}
	t.Cleanup(m.pending.Close)
	m.d = &Dispatcher{
		Host:    m.host,
		Backend: m.backend,
		Marks:   m.marks,
		Pending: m.pending,
		Log:     zerolog.Nop(),
	}
	return m
}

func messageEvent(conv, from, messageType, content, composetime, clientID string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"resourceType": "NewMessage",
		"resource": {
			"id": "100%s",
			"conversationLink": "https://host/v1/users/ME/conversations/%s",
			"from": "https://host/v1/users/ME/contacts/8:%s",
			"messagetype": %q,
			"content": %q,
			"composetime": %q,
			"clientmessageid": %q
		}
	}`, composetime, conv, from, messageType, content, composetime, clientID))
}

func TestBatchDeliveredOldestFirst(t *testing.T) {
	m := newMocks(t)
	// Server order: newest first.
	m.d.DispatchBatch([]json.RawMessage{
		messageEvent("8:bob", "bob", "Text", "second", "2023-11-14T12:00:02.000Z", ""),
		messageEvent("8:bob", "bob", "Text", "first", "2023-11-14T12:00:01.000Z", ""),
	})
	if len(m.host.delivered) != 2 {
		t.Fatalf("delivered %d messages, want 2", len(m.host.delivered))
	}
	if m.host.delivered[0].Body != "first" || m.host.delivered[1].Body != "second" {
		t.Errorf("wrong order: %q then %q", m.host.delivered[0].Body, m.host.delivered[1].Body)
	}
}

func TestDuplicateDropped(t *testing.T) {
	m := newMocks(t)
	ev := messageEvent("8:bob", "bob", "Text", "hello", "2023-11-14T12:00:01.000Z", "")
	m.d.Dispatch(ev)
	m.d.Dispatch(ev)
	if len(m.host.delivered) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(m.host.delivered))
	}
	if got := m.marks.Conversation("8:bob"); got == 0 {
		t.Errorf("watermark not advanced")
	}
}

func TestOwnEchoSuppressed(t *testing.T) {
	m := newMocks(t)
	m.pending.Add("555")
	m.d.Dispatch(messageEvent("8:bob", "alice@example.com", "Text", "hi", "2023-11-14T12:00:01.000Z", "555"))
	if len(m.host.delivered) != 0 {
		t.Fatalf("echo of own send was delivered")
	}
	// Same id again is no longer pending: another client's message shows as
	// outgoing.
	m.d.Dispatch(messageEvent("8:bob", "alice@example.com", "Text", "hi2", "2023-11-14T12:00:02.000Z", "555"))
	if len(m.host.delivered) != 1 {
		t.Fatalf("message from other client not delivered")
	}
	if m.host.delivered[0].Flags&bridge.MessageSend == 0 {
		t.Errorf("own message from other client should carry the send flag")
	}
}

func TestTypingEvents(t *testing.T) {
	m := newMocks(t)
	m.d.Dispatch(messageEvent("8:bob", "bob", "Control/Typing", "", "", ""))
	m.d.Dispatch(messageEvent("8:bob", "bob", "Control/ClearTyping", "", "", ""))
	if len(m.host.typing) != 2 || m.host.typing[0] != "8:bob/bob/true" || m.host.typing[1] != "8:bob/bob/false" {
		t.Errorf("typing calls = %v", m.host.typing)
	}
}

func TestFocusedConversationMarkedRead(t *testing.T) {
	m := newMocks(t)
	m.host.focused["8:bob"] = true
	m.d.Dispatch(messageEvent("8:bob", "bob", "Text", "hi", "2023-11-14T12:00:01.000Z", ""))
	if len(m.backend.marked) != 1 {
		t.Fatalf("marked = %v, want one entry", m.backend.marked)
	}
	// An unfocused conversation defers the receipt.
	m.d.Dispatch(messageEvent("19:t@thread.skype", "bob", "Text", "hi", "2023-11-14T12:00:02.000Z", ""))
	if len(m.backend.marked) != 1 {
		t.Errorf("unfocused conversation sent a receipt")
	}
}

func TestThreadActivityMembers(t *testing.T) {
	m := newMocks(t)
	m.d.Dispatch(messageEvent("19:t@thread.skype", "bob", "ThreadActivity/AddMember",
		"<addmember><initiator>8:bob</initiator><target>8:carol</target><target>8:dave</target></addmember>", "", ""))
	if len(m.host.added) != 2 || m.host.added[0] != "19:t@thread.skype/carol" {
		t.Errorf("added = %v", m.host.added)
	}
	m.d.Dispatch(messageEvent("19:t@thread.skype", "bob", "ThreadActivity/DeleteMember",
		"<deletemember><initiator>8:bob</initiator><target>8:carol</target></deletemember>", "", ""))
	if len(m.host.removed) != 1 || m.host.removed[0] != "19:t@thread.skype/carol" {
		t.Errorf("removed = %v", m.host.removed)
	}
}

func TestSelfRemovalLeavesConversation(t *testing.T) {
	m := newMocks(t)
	m.d.Dispatch(messageEvent("19:t@thread.skype", "bob", "ThreadActivity/DeleteMember",
		"<deletemember><initiator>8:bob</initiator><target>8:alice@example.com</target></deletemember>", "", ""))
	if len(m.host.left) != 1 || m.host.left[0] != "19:t@thread.skype" {
		t.Errorf("left = %v", m.host.left)
	}
	if len(m.host.removed) != 0 {
		t.Errorf("self removal also removed a member: %v", m.host.removed)
	}
}

func TestTopicAndRoleUpdates(t *testing.T) {
	m := newMocks(t)
	m.d.Dispatch(messageEvent("19:t@thread.skype", "bob", "ThreadActivity/TopicUpdate",
		"<topicupdate><initiator>8:bob</initiator><value>new topic</value></topicupdate>", "", ""))
	if len(m.host.topics) != 1 || m.host.topics[0] != "19:t@thread.skype/bob/new topic" {
		t.Errorf("topics = %v", m.host.topics)
	}
	m.d.Dispatch(messageEvent("19:t@thread.skype", "bob", "ThreadActivity/RoleUpdate",
		"<roleupdate><initiator>8:bob</initiator><target><id>8:carol</id><role>Admin</role></target></roleupdate>", "", ""))
	if len(m.host.operators) != 1 || m.host.operators[0] != "19:t@thread.skype/carol/true" {
		t.Errorf("operators = %v", m.host.operators)
	}
}

func TestConversationUpdateNewGroup(t *testing.T) {
	m := newMocks(t)
	m.d.Dispatch(json.RawMessage(`{
		"resourceType": "ConversationUpdate",
		"resource": {
			"id": "19:new@thread.skype",
			"threadProperties": {"topic": "standup"},
			"lastMessage": {"id": "1", "composetime": "2023-11-14T12:00:01.000Z"}
		}
	}`))
	if m.host.groups["19:new@thread.skype"] != "standup" {
		t.Errorf("groups = %v", m.host.groups)
	}
	if len(m.backend.backfills) != 1 || len(m.backend.rosters) != 1 {
		t.Errorf("backfills=%v rosters=%v", m.backend.backfills, m.backend.rosters)
	}
}

func TestConsumptionHorizonAdvancesWatermark(t *testing.T) {
	m := newMocks(t)
	m.host.groups["19:t@thread.skype"] = "x" // already known
	m.d.Dispatch(json.RawMessage(`{
		"resourceType": "ConversationUpdate",
		"resource": {
			"id": "19:t@thread.skype",
			"properties": {"consumptionhorizon": "1699963200000;1699963200000;1699963200000"}
		}
	}`))
	if got := m.marks.Conversation("19:t@thread.skype"); got != 1699963200 {
		t.Errorf("watermark = %d, want 1699963200", got)
	}
	// Messages read elsewhere no longer replay.
	m.d.Dispatch(messageEvent("19:t@thread.skype", "bob", "Text", "old", "2023-11-14T11:00:00.000Z", ""))
	if len(m.host.delivered) != 0 {
		t.Errorf("message behind the horizon was delivered")
	}
}

func TestPresenceEvent(t *testing.T) {
	m := newMocks(t)
	m.d.Dispatch(json.RawMessage(`{
		"resourceType": "UserPresence",
		"resource": {
			"selfLink": "https://host/v1/users/8:bob/presenceDocs/messagingService",
			"availability": "Away",
			"status": "Away"
		}
	}`))
	if len(m.host.contacts) != 1 {
		t.Fatalf("contacts = %v", m.host.contacts)
	}
	c := m.host.contacts[0]
	if c.ID != "bob" || !c.Idle {
		t.Errorf("contact = %+v", c)
	}
}

func TestSameSecondMessagesBothDelivered(t *testing.T) {
	m := newMocks(t)
	// Two distinct messages landing in the same second must both survive the
	// watermark.
	m.d.Dispatch(messageEvent("8:bob", "bob", "Text", "first", "2023-11-14T10:00:00.100Z", ""))
	m.d.Dispatch(messageEvent("8:bob", "bob", "Text", "second", "2023-11-14T10:00:00.900Z", ""))
	if len(m.host.delivered) != 2 {
		t.Fatalf("delivered %d messages, want 2", len(m.host.delivered))
	}
	if m.host.delivered[0].Body != "first" || m.host.delivered[1].Body != "second" {
		t.Errorf("bodies: %q then %q", m.host.delivered[0].Body, m.host.delivered[1].Body)
	}
}

func TestOwnFileEchoSuppressed(t *testing.T) {
	m := newMocks(t)
	m.pending.Add("c77")
	m.d.Dispatch(messageEvent("8:bob", "alice@example.com", "RichText/Media_GenericFile",
		`<URIObject uri="https://files/own.bin">own.bin</URIObject>`, "2023-11-14T12:00:01.000Z", "c77"))
	if len(m.host.delivered) != 0 {
		t.Fatalf("echo of own file send came back as %+v", m.host.delivered)
	}
	if got := m.marks.Conversation("8:bob"); got == 0 {
		t.Errorf("watermark not advanced past the echo")
	}
}

func TestOwnFileFromOtherClientNotOffered(t *testing.T) {
	m := newMocks(t)
	// A file posted by another client of the account is shown, never offered
	// back as an incoming transfer.
	m.d.Dispatch(messageEvent("8:bob", "alice@example.com", "RichText/Media_GenericFile",
		`<URIObject uri="https://files/own.bin">own.bin</URIObject>`, "2023-11-14T12:00:01.000Z", ""))
	if len(m.host.delivered) != 1 {
		t.Fatalf("delivered %d, want 1", len(m.host.delivered))
	}
	if !strings.Contains(m.host.delivered[0].Body, "URIObject") {
		t.Errorf("own file became an incoming offer: %q", m.host.delivered[0].Body)
	}
}

func TestEditedMessagePrefixed(t *testing.T) {
	m := newMocks(t)
	m.d.Dispatch(json.RawMessage(`{
		"resourceType": "NewMessage",
		"resource": {
			"id": "1001",
			"conversationLink": "https://host/v1/users/ME/conversations/8:bob",
			"from": "https://host/v1/users/ME/contacts/8:bob",
			"messagetype": "Text",
			"content": "fixed typo",
			"composetime": "2023-11-14T12:00:01.000Z",
			"skypeeditedid": "999"
		}
	}`))
	if len(m.host.delivered) != 1 {
		t.Fatalf("delivered %d, want 1", len(m.host.delivered))
	}
	if m.host.delivered[0].Body != "Edited: fixed typo" {
		t.Errorf("body = %q", m.host.delivered[0].Body)
	}
}

func TestUnsupportedCallNotice(t *testing.T) {
	m := newMocks(t)
	m.d.Dispatch(messageEvent("8:bob", "bob", "Signal/Flamingo", "", "2023-11-14T12:00:01.000Z", ""))
	m.d.Dispatch(messageEvent("8:bob", "bob", "Event/SkypeVideoMessage", "", "2023-11-14T12:00:02.000Z", ""))
	if len(m.host.delivered) != 2 {
		t.Fatalf("delivered %d, want 2", len(m.host.delivered))
	}
	for _, msg := range m.host.delivered {
		if msg.Body != "Unsupported call received" || msg.Flags&bridge.MessageSystem == 0 {
			t.Errorf("notice = %+v", msg)
		}
	}
}

func TestContactCardsAnnouncedAndImported(t *testing.T) {
	m := newMocks(t)
	m.d.Dispatch(messageEvent("8:bob", "bob", "RichText/Contacts",
		`<contacts><c s="8:carol" f="Carol"/><c s="8:dave"/></contacts>`, "2023-11-14T12:00:01.000Z", ""))
	if len(m.host.delivered) != 2 {
		t.Fatalf("delivered %d notices, want 2", len(m.host.delivered))
	}
	if m.host.delivered[0].Body != "The user sent a contact: Carol (8:carol)" {
		t.Errorf("first notice = %q", m.host.delivered[0].Body)
	}
	if m.host.delivered[1].Body != "The user sent a contact: 8:dave" {
		t.Errorf("second notice = %q", m.host.delivered[1].Body)
	}
	if len(m.host.imported) != 1 {
		t.Errorf("raw card payload not imported: %v", m.host.imported)
	}
}

func TestDeferredReceiptFlushedOnFocus(t *testing.T) {
	m := newMocks(t)
	m.d.Dispatch(messageEvent("8:bob", "bob", "Text", "hi", "2023-11-14T12:00:01.000Z", ""))
	if len(m.backend.marked) != 0 {
		t.Fatalf("unfocused conversation sent a receipt: %v", m.backend.marked)
	}
	m.d.FocusGained("8:bob")
	if len(m.backend.marked) != 1 {
		t.Fatalf("focus did not flush the receipt: %v", m.backend.marked)
	}
	// A second focus has nothing left to flush.
	m.d.FocusGained("8:bob")
	if len(m.backend.marked) != 1 {
		t.Errorf("receipt flushed twice: %v", m.backend.marked)
	}
}

func TestOwnPresenceIgnored(t *testing.T) {
	m := newMocks(t)
	m.d.Dispatch(json.RawMessage(`{
		"resourceType": "UserPresence",
		"resource": {
			"selfLink": "https://host/v1/users/8:alice@example.com/presenceDocs/messagingService",
			"availability": "Away",
			"status": "Away"
		}
	}`))
	if len(m.host.contacts) != 0 {
		t.Errorf("own presence created a contact: %v", m.host.contacts)
	}
}

func TestEmoteRewrittenAsAction(t *testing.T) {
	m := newMocks(t)
	m.d.Dispatch(json.RawMessage(`{
		"resourceType": "NewMessage",
		"resource": {
			"id": "1002",
			"conversationLink": "https://host/v1/users/ME/conversations/8:bob",
			"from": "https://host/v1/users/ME/contacts/8:bob",
			"messagetype": "Text",
			"content": "Alice waves",
			"composetime": "2023-11-14T12:00:01.000Z",
			"skypeemoteoffset": 6
		}
	}`))
	if len(m.host.delivered) != 1 {
		t.Fatalf("delivered %d, want 1", len(m.host.delivered))
	}
	if m.host.delivered[0].Body != "/me waves" {
		t.Errorf("body = %q", m.host.delivered[0].Body)
	}
}

func TestMeify(t *testing.T) {
	cases := []struct {
		in     string
		offset int64
		want   string
	}{
		{"Alice waves", 6, "/me waves"},
		{"/me waves", 4, "/me waves"},
		{"short", 10, "short"},
		{"whole", 0, "whole"},
	}
	for _, c := range cases {
		if got := meify(c.in, c.offset); got != c.want {
			t.Errorf("meify(%q, %d) = %q, want %q", c.in, c.offset, got, c.want)
		}
	}
}

func TestEndpointPresenceStaysQuiet(t *testing.T) {
	m := newMocks(t)
	m.d.Dispatch(json.RawMessage(`{
		"resourceType": "EndpointPresence",
		"resource": {"publicInfo": {"typ": 13}}
	}`))
	if len(m.host.delivered) != 0 || len(m.host.contacts) != 0 {
		t.Errorf("endpoint presence surfaced to the host")
	}
}

func TestMalformedEventDropped(t *testing.T) {
	m := newMocks(t)
	m.d.Dispatch(json.RawMessage(`{"resourceType":"NewMessage","resource":{"messagetype":"Text"}}`))
	m.d.Dispatch(json.RawMessage(`not even json`))
	if len(m.host.delivered) != 0 {
		t.Errorf("malformed events were delivered")
	}
}
