// Package history backfills conversations after a reconnect by replaying
// stored messages through the live dispatch path. Backfill and live delivery
// share one dedup mechanism, so a message is shown exactly once no matter
// which path carries it first.
package history

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/chatbridge/teams-bridge/api"
	"github.com/chatbridge/teams-bridge/dispatch"
)

// Env is the slice of session state the syncer needs per call.
type Env interface {
	Creds() api.Credentials
	MessagesHost() string
}

type Syncer struct {
	Client     *api.Client
	Env        Env
	Dispatcher *dispatch.Dispatcher
	Marks      dispatch.Watermarks
	Log        zerolog.Logger
}

// SyncAll walks every conversation modified since the global watermark and
// backfills the ones whose last message is newer than their own watermark.
func (s *Syncer) SyncAll(ctx context.Context) error {
	since := s.Marks.Global()
	convs, err := s.Client.Conversations(ctx, s.Env.MessagesHost(), s.Env.Creds(), since)
	if err != nil {
		return err
	}
	// Server order is newest first; walk oldest first so watermarks advance
	// in message order.
	for i := len(convs) - 1; i >= 0; i-- {
		conv := gjson.ParseBytes(convs[i])
		convID := conv.Get("id").String()
		if convID == "" {
			continue
		}
		if topic := conv.Get("threadProperties.topic").String(); topic != "" || conv.Get("threadProperties").Exists() {
			s.Dispatcher.Host.Conversations().EnsureGroup(convID, topic)
		}
		lastTS := api.ParseTimestamp(conv.Get("lastMessage.composetime").String())
		if lastTS.IsZero() || lastTS.Unix() <= s.Marks.Conversation(convID) {
			continue
		}
		if err := s.SyncOne(ctx, convID); err != nil {
			// One broken conversation must not starve the rest.
			s.Log.Warn().Err(err).Str("conv", convID).Msg("backfill failed")
		}
	}
	return nil
}

// SyncOne backfills a single conversation from its watermark (falling back
// to the global one) and replays the page through the dispatcher.
func (s *Syncer) SyncOne(ctx context.Context, convID string) error {
	since := s.Marks.Conversation(convID)
	if since == 0 {
		since = s.Marks.Global()
	}
	msgs, err := s.Client.ConversationMessages(ctx, s.Env.MessagesHost(), s.Env.Creds(), convID, since)
	if err != nil {
		return err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		s.Dispatcher.DispatchMessage(msgs[i])
	}
	return nil
}
