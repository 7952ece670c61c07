// Package dispatch turns raw long-poll events into calls on the messaging
// host: messages, typing, roster changes, topic changes, presence. It owns
// the dedup watermarks that make poll replays and history backfill
// idempotent.
package dispatch

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/chatbridge/teams-bridge/api"
	"github.com/chatbridge/teams-bridge/bridge"
	"github.com/chatbridge/teams-bridge/send"
)

// Backend is what the dispatcher asks of the session core.
type Backend interface {
	// IsSelf reports whether a bare user id is the signed-in account.
	IsSelf(userID string) bool
	// MarkRead advances the server-side read marker after a message was
	// shown in a focused conversation.
	MarkRead(convID, messageID string, tsMillis int64)
	// RequestBackfill asks for a history fetch of one conversation.
	RequestBackfill(convID string)
	// RequestRoster asks for a roster re-fetch of one group thread.
	RequestRoster(threadID string)
}

// Watermarks tracks the newest handled message time per conversation and
// account-wide, in unix seconds. Implementations must be monotonic.
type Watermarks interface {
	Conversation(convID string) int64
	SetConversation(convID string, ts int64)
	Global() int64
	SetGlobal(ts int64)
}

type Dispatcher struct {
	Host    bridge.Host
	Backend Backend
	Marks   Watermarks
	Pending *send.PendingSends
	Log     zerolog.Logger

	mu       sync.Mutex
	seen     *ttlcache.Cache[string, struct{}]
	deferred map[string]receipt
}

// receipt is a read marker held back while its conversation is unfocused.
type receipt struct {
	messageID string
	tsMillis  int64
}

// seen cache bounds. The cache only has to outlive the window in which a
// backfill can re-fetch a message at the watermark boundary.
const (
	seenLifetime = 24 * time.Hour
	seenCapacity = 4096
)

// seenBefore reports whether a message id was already handled, and records
// it. The watermark alone cannot tell a replay from a second message in the
// same second, so ids break the tie.
func (d *Dispatcher) seenBefore(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = ttlcache.New(
			ttlcache.WithTTL[string, struct{}](seenLifetime),
			ttlcache.WithCapacity[string, struct{}](seenCapacity),
		)
	}
	if d.seen.Has(id) {
		return true
	}
	d.seen.Set(id, struct{}{}, ttlcache.DefaultTTL)
	return false
}

func (d *Dispatcher) deferReceipt(convID, messageID string, tsMillis int64) {
	d.mu.Lock()
	if d.deferred == nil {
		d.deferred = make(map[string]receipt)
	}
	d.deferred[convID] = receipt{messageID: messageID, tsMillis: tsMillis}
	d.mu.Unlock()
}

// FocusGained flushes the deferred read receipt of a conversation. The host
// calls it when the conversation window regains focus.
func (d *Dispatcher) FocusGained(convID string) {
	d.mu.Lock()
	r, ok := d.deferred[convID]
	delete(d.deferred, convID)
	d.mu.Unlock()
	if ok {
		d.Backend.MarkRead(convID, r.messageID, r.tsMillis)
	}
}

// DispatchBatch handles one poll response worth of events. The server sends
// them newest first; they are replayed oldest first so conversation order
// and watermarks behave.
func (d *Dispatcher) DispatchBatch(events []json.RawMessage) {
	for i := len(events) - 1; i >= 0; i-- {
		d.Dispatch(events[i])
	}
}

// Dispatch routes a single event by its resourceType. Unknown types are
// counted and dropped; a malformed event must never take the poll down.
func (d *Dispatcher) Dispatch(event json.RawMessage) {
	resourceType := gjson.GetBytes(event, "resourceType").String()
	eventsProcessed.WithLabelValues(resourceType).Inc()
	switch resourceType {
	case "NewMessage":
		d.handleMessage(event)
	case "ConversationUpdate":
		d.handleConversationUpdate(event)
	case "ThreadUpdate":
		d.handleThreadUpdate(event)
	case "UserPresence":
		d.handlePresence(event)
	case "EndpointPresence":
		// Another client of this account came or went; nothing to surface,
		// the client type code is only worth a diagnostic line.
		d.Log.Debug().
			Int64("client_type", gjson.GetBytes(event, "resource.publicInfo.typ").Int()).
			Msg("endpoint presence")
	default:
		d.Log.Debug().Str("resource_type", resourceType).Msg("ignoring event")
	}
}

// conversationIDFromLink pulls the conversation id off a conversationLink
// URL, which ends .../conversations/{id}.
func conversationIDFromLink(link string) string {
	if i := strings.LastIndex(link, "/"); i >= 0 {
		return link[i+1:]
	}
	return link
}

// userIDFromLink pulls the typed user id off a contacts URL, which ends
// .../contacts/{id}.
func userIDFromLink(link string) string {
	return conversationIDFromLink(link)
}

// presenceUserFromLink pulls the typed user id out of a presence selfLink,
// .../users/{id}/....
func presenceUserFromLink(link string) string {
	const marker = "/users/"
	i := strings.Index(link, marker)
	if i < 0 {
		return ""
	}
	rest := link[i+len(marker):]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

// bareUserID strips the network type prefix off a typed id, "8:alice" to
// "alice". Group thread ids pass through untouched.
func bareUserID(typed string) string {
	if strings.HasPrefix(typed, "8:") {
		return typed[2:]
	}
	return typed
}

// isGroupConversation reports whether a conversation id names a thread
// rather than a one-to-one chat.
func isGroupConversation(convID string) bool {
	return strings.HasPrefix(convID, "19:")
}

func (d *Dispatcher) handleConversationUpdate(event json.RawMessage) {
	res := gjson.GetBytes(event, "resource")
	convID := res.Get("id").String()
	if convID == "" {
		convID = conversationIDFromLink(res.Get("lastMessage.conversationLink").String())
	}
	if convID == "" {
		protocolErrors.Inc()
		d.Log.Warn().Msg("conversation update with no id")
		return
	}
	if isGroupConversation(convID) {
		topic := res.Get("threadProperties.topic").String()
		if d.Host.Conversations().EnsureGroup(convID, topic) {
			// First sight of this thread; pull its roster and history.
			d.Backend.RequestRoster(convID)
			d.Backend.RequestBackfill(convID)
			return
		}
	}
	// A consumption horizon moved by another endpoint of this account:
	// advance our watermark so the same messages are not replayed as unread.
	if horizon := res.Get("properties.consumptionhorizon").String(); horizon != "" {
		if parts := strings.Split(horizon, ";"); len(parts) >= 2 {
			if millis := gjson.Parse(parts[1]).Int(); millis > 0 {
				d.Marks.SetConversation(convID, millis/1000)
			}
		}
	}
	if last := res.Get("lastMessage"); last.Exists() && last.Get("id").String() != "" {
		lastTS := api.ParseTimestamp(last.Get("composetime").String()).Unix()
		if lastTS > d.Marks.Conversation(convID) {
			d.Backend.RequestBackfill(convID)
		}
	}
}

func (d *Dispatcher) handleThreadUpdate(event json.RawMessage) {
	res := gjson.GetBytes(event, "resource")
	threadID := res.Get("id").String()
	if threadID == "" {
		protocolErrors.Inc()
		return
	}
	topic := res.Get("properties.topic").String()
	d.Host.Conversations().EnsureGroup(threadID, topic)
	if members := res.Get("members"); members.Exists() && members.IsArray() {
		var roster []bridge.Member
		members.ForEach(func(_, m gjson.Result) bool {
			role := bridge.RoleUser
			if strings.EqualFold(m.Get("role").String(), "admin") {
				role = bridge.RoleAdmin
			}
			roster = append(roster, bridge.Member{
				ID:   bareUserID(m.Get("id").String()),
				Role: role,
			})
			return true
		})
		d.Host.Conversations().ResetRoster(threadID, roster)
	} else {
		d.Backend.RequestRoster(threadID)
	}
}

func (d *Dispatcher) handlePresence(event json.RawMessage) {
	res := gjson.GetBytes(event, "resource")
	userID := bareUserID(presenceUserFromLink(res.Get("selfLink").String()))
	if userID == "" || d.Backend.IsSelf(userID) {
		return
	}
	availability := res.Get("availability").String()
	status := res.Get("status").String()
	if status == "" {
		status = availability
	}
	d.Host.Contacts().UpsertContact(bridge.Contact{
		ID:     userID,
		Status: status,
		Idle:   strings.EqualFold(availability, "Idle") || strings.EqualFold(availability, "Away"),
	})
}
