package bridge

import (
	"bufio"
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogHost is a headless Host that writes everything it is told to a logger
// and reads interactive-auth input from stdin. It is what cmd/teamsbridge
// runs with when no real messaging client is attached.
type LogHost struct {
	Log zerolog.Logger

	mu       sync.Mutex
	contacts map[string]Contact
	groups   map[string]bool
}

func NewLogHost(log zerolog.Logger) *LogHost {
	return &LogHost{
		Log:      log,
		contacts: make(map[string]Contact),
		groups:   make(map[string]bool),
	}
}

func (h *LogHost) Contacts() ContactList        { return h }
func (h *LogHost) Conversations() Conversations { return h }
func (h *LogHost) FileTransfers() FileTransfers { return h }
func (h *LogHost) Notifier() Notifier           { return h }

func (h *LogHost) UpsertContact(c Contact) {
	h.mu.Lock()
	h.contacts[c.ID] = c
	h.mu.Unlock()
	h.Log.Info().Str("contact", c.ID).Str("status", c.Status).Bool("idle", c.Idle).Msg("contact updated")
}

func (h *LogHost) RemoveContact(id string) {
	h.mu.Lock()
	delete(h.contacts, id)
	h.mu.Unlock()
}

func (h *LogHost) HasContact(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.contacts[id]
	return ok
}

func (h *LogHost) ImportContacts(raw string) {
	h.Log.Info().Int("bytes", len(raw)).Msg("contact cards received")
}

func (h *LogHost) EnsureGroup(id, topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.groups[id] {
		return false
	}
	h.groups[id] = true
	h.Log.Info().Str("conv", id).Str("topic", topic).Msg("joined group conversation")
	return true
}

func (h *LogHost) Deliver(msg IncomingMessage) {
	h.Log.Info().
		Str("conv", msg.ConversationID).
		Str("from", msg.Sender).
		Uint("flags", uint(msg.Flags)).
		Time("ts", msg.Timestamp).
		Msg(msg.Body)
}

func (h *LogHost) SetTyping(conversationID, member string, typing bool) {
	h.Log.Debug().Str("conv", conversationID).Str("member", member).Bool("typing", typing).Msg("typing")
}

func (h *LogHost) AddMember(conversationID, member string, role Role) {
	h.Log.Info().Str("conv", conversationID).Str("member", member).Str("role", string(role)).Msg("member added")
}

func (h *LogHost) RemoveMember(conversationID, member string) {
	h.Log.Info().Str("conv", conversationID).Str("member", member).Msg("member removed")
}

func (h *LogHost) ResetRoster(conversationID string, members []Member) {
	h.Log.Info().Str("conv", conversationID).Int("members", len(members)).Msg("roster replaced")
}

func (h *LogHost) SetTopic(conversationID, initiator, topic string) {
	h.Log.Info().Str("conv", conversationID).Str("by", initiator).Str("topic", topic).Msg("topic changed")
}

func (h *LogHost) SetMemberOperator(conversationID, member string, operator bool) {
	h.Log.Info().Str("conv", conversationID).Str("member", member).Bool("op", operator).Msg("role changed")
}

func (h *LogHost) Left(conversationID string) {
	h.mu.Lock()
	delete(h.groups, conversationID)
	h.mu.Unlock()
	h.Log.Info().Str("conv", conversationID).Msg("left conversation")
}

func (h *LogHost) HasFocus(conversationID string) bool { return false }

func (h *LogHost) OfferIncomingFile(sender, uri string) {
	h.Log.Info().Str("from", sender).Str("uri", uri).Msg("incoming file offer")
}

func (h *LogHost) DownloadThumbnail(conversationID, sender, uri string, ts time.Time) {
	h.Log.Info().Str("conv", conversationID).Str("uri", uri).Msg("thumbnail attachment")
}

func (h *LogHost) DownloadMedia(conversationID, sender, text, thumbnailURL string, ts time.Time) {
	h.Log.Info().Str("conv", conversationID).Str("text", text).Msg("media attachment")
}

func (h *LogHost) OpenURL(url string) {
	h.Log.Info().Str("url", url).Msg("open this URL in a browser")
}

func (h *LogHost) Notify(title, message string) {
	h.Log.Info().Str("title", title).Msg(message)
}

func (h *LogHost) PromptInput(ctx context.Context, title, message string) (string, error) {
	h.Log.Info().Str("title", title).Msg(message)
	lines := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			errs <- err
			return
		}
		lines <- strings.TrimSpace(line)
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-errs:
		return "", err
	case line := <-lines:
		return line, nil
	}
}

func (h *LogHost) ConnectionError(message string) {
	h.Log.Error().Msg("connection error: " + message)
}
