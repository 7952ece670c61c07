package dispatch

import (
	"encoding/json"
	"html"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/chatbridge/teams-bridge/api"
	"github.com/chatbridge/teams-bridge/bridge"
)

// DispatchMessage replays one bare message object, as returned by the
// history endpoints, through the same path live messages take.
func (d *Dispatcher) DispatchMessage(raw json.RawMessage) {
	d.handleMessage(raw)
}

// handleMessage routes a NewMessage event by its messagetype. This is also
// the replay path for history backfill, so everything here must be
// idempotent under the watermarks.
func (d *Dispatcher) handleMessage(event json.RawMessage) {
	res := gjson.GetBytes(event, "resource")
	if !res.Exists() {
		// History replays hand us the bare message object.
		res = gjson.ParseBytes(event)
	}
	convID := conversationIDFromLink(res.Get("conversationLink").String())
	sender := bareUserID(userIDFromLink(res.Get("from").String()))
	if convID == "" || sender == "" {
		protocolErrors.Inc()
		d.Log.Warn().Str("messagetype", res.Get("messagetype").String()).Msg("message with no conversation or sender")
		return
	}

	messageType := res.Get("messagetype").String()
	switch {
	case messageType == "Control/Typing":
		d.Host.Conversations().SetTyping(convID, sender, true)
		return
	case messageType == "Control/ClearTyping":
		d.Host.Conversations().SetTyping(convID, sender, false)
		return
	case strings.HasPrefix(messageType, "ThreadActivity/"):
		d.handleThreadActivity(convID, messageType, res.Get("content").String())
		return
	}

	ts := api.ParseTimestamp(res.Get("composetime").String())
	if ts.IsZero() {
		ts = api.ParseTimestamp(res.Get("originalarrivaltime").String())
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	// Dedup: live delivery and history backfill replay through here with the
	// same ids. Anything behind the conversation watermark is a replay; at
	// the watermark second itself the id decides, so two distinct messages
	// in the same second both survive.
	id := res.Get("id").String()
	mark := d.Marks.Conversation(convID)
	if ts.Unix() < mark || (id == "" && ts.Unix() == mark) {
		duplicatesDropped.Inc()
		return
	}
	if id != "" && d.seenBefore(id) {
		duplicatesDropped.Inc()
		return
	}
	// An echo of a message this endpoint just posted was already rendered
	// locally; it is dropped before any type branch so file sends cannot
	// bounce back as incoming offers.
	if clientID := res.Get("clientmessageid").String(); clientID != "" && d.Backend.IsSelf(sender) && d.Pending.Consume(clientID) {
		d.advance(convID, ts)
		return
	}

	switch messageType {
	case "Text", "RichText", "RichText/Html":
		d.deliverText(res, convID, sender, ts, messageType == "Text")
	case "RichText/UriObject":
		d.deliverThumbnail(res, convID, sender, ts)
	case "RichText/Media_GenericFile", "RichText/Media_Video", "RichText/Media_AudioMsg":
		d.deliverMedia(res, convID, sender, ts)
	case "Event/Call":
		d.deliverCallEvent(res, convID, sender, ts)
	case "Event/SkypeVideoMessage", "Signal/Flamingo":
		d.Host.Conversations().Deliver(bridge.IncomingMessage{
			ConversationID: convID,
			Sender:         sender,
			Body:           "Unsupported call received",
			Flags:          bridge.MessageSystem,
			Timestamp:      ts,
		})
	case "RichText/Contacts":
		d.deliverContacts(res, convID, sender, ts)
	case "RichText/Media_FlikMsg":
		d.deliverSticker(res, convID, sender, ts)
	case "RichText/Files":
		d.Host.Conversations().Deliver(bridge.IncomingMessage{
			ConversationID: convID,
			Sender:         sender,
			Body:           "The user sent files in a way that is not supported",
			Flags:          bridge.MessageSystem | bridge.MessageError,
			Timestamp:      ts,
		})
	default:
		d.Log.Debug().Str("messagetype", messageType).Str("conv", convID).Msg("ignoring message type")
		return
	}
	d.advance(convID, ts)
}

func (d *Dispatcher) advance(convID string, ts time.Time) {
	d.Marks.SetConversation(convID, ts.Unix())
	d.Marks.SetGlobal(ts.Unix())
}

func (d *Dispatcher) deliverText(res gjson.Result, convID, sender string, ts time.Time, plaintext bool) {
	content := res.Get("content").String()
	if off := res.Get("skypeemoteoffset").Int(); off > 0 {
		content = meify(content, off)
	}
	if plaintext {
		// Plain Text messages are not markup; escape them so the host never
		// renders attacker-controlled tags.
		content = html.EscapeString(content)
	}
	if res.Get("skypeeditedid").String() != "" {
		content = "Edited: " + content
	}
	flags := bridge.MessageRecv
	if d.Backend.IsSelf(sender) {
		// Sent from another client of the account; shown as outgoing.
		flags = bridge.MessageSend
	}
	d.Host.Conversations().Deliver(bridge.IncomingMessage{
		ConversationID: convID,
		Sender:         sender,
		Body:           content,
		Flags:          flags,
		Timestamp:      ts,
	})
	messagesDelivered.Inc()
	if flags&bridge.MessageRecv != 0 {
		id := res.Get("id").String()
		if d.Host.Conversations().HasFocus(convID) {
			d.Backend.MarkRead(convID, id, api.JSMillis(ts))
		} else {
			// Held back until the conversation regains focus.
			d.deferReceipt(convID, id, api.JSMillis(ts))
		}
	}
}

// meify rewrites an emote payload into its action form: "Alice waves" with
// offset 6 becomes "/me waves".
func meify(content string, offset int64) string {
	if offset <= 0 || offset >= int64(len(content)) {
		return content
	}
	return "/me " + content[offset:]
}

func (d *Dispatcher) deliverThumbnail(res gjson.Result, convID, sender string, ts time.Time) {
	uri := uriObjectAttr(res.Get("content").String(), "url_thumbnail")
	if uri == "" {
		uri = uriObjectAttr(res.Get("content").String(), "uri")
	}
	if uri == "" {
		protocolErrors.Inc()
		return
	}
	d.Host.FileTransfers().DownloadThumbnail(convID, sender, uri, ts)
}

func (d *Dispatcher) deliverMedia(res gjson.Result, convID, sender string, ts time.Time) {
	content := res.Get("content").String()
	uri := uriObjectAttr(content, "uri")
	// A file from the account's own other client is not an incoming offer.
	if uri != "" && !isGroupConversation(convID) && !d.Backend.IsSelf(sender) {
		d.Host.FileTransfers().OfferIncomingFile(sender, uri)
		return
	}
	d.Host.FileTransfers().DownloadMedia(convID, sender, content, uriObjectAttr(content, "url_thumbnail"), ts)
}

func (d *Dispatcher) deliverContacts(res gjson.Result, convID, sender string, ts time.Time) {
	raw := res.Get("content").String()
	for _, card := range contactCards(raw) {
		body := "The user sent a contact: " + card.ID
		if card.Name != "" {
			body = "The user sent a contact: " + card.Name + " (" + card.ID + ")"
		}
		d.Host.Conversations().Deliver(bridge.IncomingMessage{
			ConversationID: convID,
			Sender:         sender,
			Body:           body,
			Flags:          bridge.MessageSystem,
			Timestamp:      ts,
		})
	}
	d.Host.Contacts().ImportContacts(raw)
}

func (d *Dispatcher) deliverCallEvent(res gjson.Result, convID, sender string, ts time.Time) {
	d.Host.Conversations().Deliver(bridge.IncomingMessage{
		ConversationID: convID,
		Sender:         sender,
		Body:           callEventText(res.Get("content").String()),
		Flags:          bridge.MessageSystem,
		Timestamp:      ts,
	})
}

func (d *Dispatcher) deliverSticker(res gjson.Result, convID, sender string, ts time.Time) {
	d.Host.Conversations().Deliver(bridge.IncomingMessage{
		ConversationID: convID,
		Sender:         sender,
		Body:           stripTags(res.Get("content").String()),
		Flags:          bridge.MessageRecv,
		Timestamp:      ts,
	})
	messagesDelivered.Inc()
}
