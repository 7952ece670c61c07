// Package teamsbridge connects a generic messaging host to the Teams
// long-poll backend: one Account per signed-in user, owning the auth
// session, the poll loop, history backfill and outbound messaging.
package teamsbridge

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/chatbridge/teams-bridge/api"
	"github.com/chatbridge/teams-bridge/auth"
	"github.com/chatbridge/teams-bridge/bridge"
	"github.com/chatbridge/teams-bridge/dispatch"
	"github.com/chatbridge/teams-bridge/history"
	"github.com/chatbridge/teams-bridge/internal"
	"github.com/chatbridge/teams-bridge/poll"
	"github.com/chatbridge/teams-bridge/send"
)

// authRecheckEvery is how often a connected account re-validates its
// credential set.
const authRecheckEvery = 120 * time.Second

type Options struct {
	// Tenant is the raw tenant setting, see auth.TenantHost.
	Tenant string
	// UseDeviceCode selects the device-authorization sign-in flow.
	UseDeviceCode bool
	// InitialStatus is published after connect, defaulting to Available.
	InitialStatus string
}

// Account is one signed-in user: the composition root wiring auth, poll,
// dispatch, history and send together.
type Account struct {
	host    bridge.Host
	client  *api.Client
	session *auth.Session
	marks   dispatch.Watermarks
	pending *send.PendingSends
	dispat  *dispatch.Dispatcher
	syncer  *history.Syncer
	sender  *send.Sender
	poller  *poll.Poller
	log     zerolog.Logger
	opts    Options

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAccount wires an account. creds persists the refresh token, marks the
// dedup watermarks; state.AccountStore satisfies both.
func NewAccount(host bridge.Host, creds bridge.CredentialStore, marks dispatch.Watermarks, log zerolog.Logger, opts Options) *Account {
	a := &Account{
		host:    host,
		client:  api.NewClient(),
		marks:   marks,
		pending: send.NewPendingSends(),
		log:     log,
		opts:    opts,
	}
	a.session = auth.NewSession(auth.Config{
		Client:        a.client,
		Creds:         creds,
		Notifier:      host.Notifier(),
		Log:           log,
		Tenant:        opts.Tenant,
		UseDeviceCode: opts.UseDeviceCode,
		OnFatal:       a.fatal,
	})
	a.dispat = &dispatch.Dispatcher{
		Host:    host,
		Backend: a,
		Marks:   marks,
		Pending: a.pending,
		Log:     log,
	}
	a.syncer = &history.Syncer{
		Client:     a.client,
		Env:        a.session,
		Dispatcher: a.dispat,
		Marks:      marks,
		Log:        log,
	}
	a.sender = &send.Sender{
		Client:  a.client,
		Env:     a.session,
		Pending: a.pending,
		Log:     log,
	}
	a.poller = &poll.Poller{
		Client:     a.client,
		Control:    a.session,
		Dispatcher: a.dispat,
		Log:        log,
		OnFatal:    a.fatal,
	}
	return a
}

func (a *Account) fatal(err error) {
	a.log.Error().Err(err).Msg("connection lost")
	a.host.Notifier().ConnectionError(err.Error())
}

// Connect signs in and starts the poll loop. Returns once the account is
// ready or the sign-in failed; the loop itself runs until Disconnect.
func (a *Account) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		cancel()
		return internal.ProtocolError(nil, "already connected")
	}
	a.cancel = cancel
	a.mu.Unlock()

	if err := a.session.Connect(ctx); err != nil {
		a.teardown()
		return err
	}
	if p := a.session.Profile(); p != nil {
		a.sender.DisplayName = p.DisplayName
	}

	// Backfill before the poll starts so reconnect gaps land in order; the
	// shared watermarks keep the overlap deduped.
	if err := a.syncer.SyncAll(runCtx); err != nil {
		a.log.Warn().Err(err).Msg("initial history sync failed")
	}

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.poller.Run(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		a.recheckLoop(runCtx)
	}()

	status := a.opts.InitialStatus
	if status == "" {
		status = "Available"
	}
	a.SetStatus(runCtx, status)
	return nil
}

// recheckLoop periodically re-validates credentials so an idle account does
// not discover a dead skypetoken only when the user acts.
func (a *Account) recheckLoop(ctx context.Context) {
	ticker := time.NewTicker(authRecheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := a.session.EnsureFresh(ctx); err != nil {
			a.log.Warn().Err(err).Msg("credential recheck failed")
			if internal.KindOf(err) == internal.KindAuthFailed {
				a.fatal(err)
				return
			}
		}
	}
}

func (a *Account) teardown() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	a.pending.Close()
}

// Disconnect stops the poll loop, deletes the endpoint registration and
// releases timers. The stored refresh token survives for the next connect.
func (a *Account) Disconnect(ctx context.Context) {
	a.session.Logout(ctx)
	a.teardown()
}

// FocusGained tells the account a conversation window regained focus, so a
// read receipt held back while it was unfocused can be sent.
func (a *Account) FocusGained(convID string) {
	a.dispat.FocusGained(convID)
}

// --- dispatch.Backend ------------------------------------------------------

// IsSelf reports whether a bare user id names the signed-in account.
func (a *Account) IsSelf(userID string) bool {
	self := a.session.Username()
	return self != "" && strings.EqualFold(userID, self)
}

// MarkRead pushes the consumption horizon; fire and forget.
func (a *Account) MarkRead(convID, messageID string, tsMillis int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.client.PutConsumptionHorizon(ctx, a.session.MessagesHost(), a.session.Creds(), convID, messageID, tsMillis); err != nil {
			a.log.Debug().Err(err).Str("conv", convID).Msg("read marker update failed")
		}
	}()
}

// RequestBackfill fetches one conversation's missed history in the
// background.
func (a *Account) RequestBackfill(convID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := a.syncer.SyncOne(ctx, convID); err != nil {
			a.log.Warn().Err(err).Str("conv", convID).Msg("backfill failed")
		}
	}()
}

// RequestRoster re-fetches a group thread's membership and topic.
func (a *Account) RequestRoster(threadID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		th, err := a.client.GetThread(ctx, a.session.MessagesHost(), a.session.Creds(), threadID)
		if err != nil {
			a.log.Warn().Err(err).Str("thread", threadID).Msg("roster fetch failed")
			return
		}
		roster := make([]bridge.Member, 0, len(th.Members))
		for _, m := range th.Members {
			role := bridge.RoleUser
			if strings.EqualFold(m.Role, "admin") {
				role = bridge.RoleAdmin
			}
			roster = append(roster, bridge.Member{ID: stripUserPrefix(m.ID), Role: role})
		}
		a.host.Conversations().ResetRoster(threadID, roster)
		if th.Topic != "" {
			a.host.Conversations().SetTopic(threadID, "", th.Topic)
		}
	}()
}

// --- user-facing operations ------------------------------------------------

// SendMessage posts a message. A server-side rejection is surfaced into the
// conversation as a system error instead of being silently dropped.
func (a *Account) SendMessage(ctx context.Context, convID, html string) error {
	_, err := a.sender.SendText(ctx, convID, html)
	if err != nil {
		a.host.Conversations().Deliver(bridge.IncomingMessage{
			ConversationID: convID,
			Body:           "Message was not sent: " + err.Error(),
			Flags:          bridge.MessageError | bridge.MessageSystem | bridge.MessageNoLog,
			Timestamp:      time.Now(),
		})
	}
	return err
}

// SendTyping publishes the local user's typing state.
func (a *Account) SendTyping(ctx context.Context, convID string, typing bool) {
	a.sender.SendTyping(ctx, convID, typing)
}

// SetTopic renames a group thread.
func (a *Account) SetTopic(ctx context.Context, threadID, topic string) error {
	return a.client.SetThreadProperty(ctx, a.session.MessagesHost(), a.session.Creds(), threadID, "topic", topic)
}

// Invite adds a user to a group thread.
func (a *Account) Invite(ctx context.Context, threadID, userID string) error {
	return a.client.AddThreadMember(ctx, a.session.MessagesHost(), a.session.Creds(), threadID, typedUser(userID), "User")
}

// Kick removes a user from a group thread.
func (a *Account) Kick(ctx context.Context, threadID, userID string) error {
	return a.client.RemoveThreadMember(ctx, a.session.MessagesHost(), a.session.Creds(), threadID, typedUser(userID))
}

// Leave removes the signed-in user from a group thread.
func (a *Account) Leave(ctx context.Context, threadID string) error {
	err := a.client.RemoveThreadMember(ctx, a.session.MessagesHost(), a.session.Creds(), threadID, typedUser(a.session.Username()))
	if err == nil {
		a.host.Conversations().Left(threadID)
	}
	return err
}

// JoinChat opens a group thread the account is already a member of: makes it
// visible on the host and pulls roster and history.
func (a *Account) JoinChat(ctx context.Context, threadID string) error {
	th, err := a.client.GetThread(ctx, a.session.MessagesHost(), a.session.Creds(), threadID)
	if err != nil {
		return err
	}
	a.host.Conversations().EnsureGroup(th.ID, th.Topic)
	a.RequestRoster(th.ID)
	a.RequestBackfill(th.ID)
	return nil
}

// InitiateChat starts a new group thread with the given users. The server
// announces the created thread through the poll.
func (a *Account) InitiateChat(ctx context.Context, userIDs []string) error {
	members := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		members = append(members, typedUser(id))
	}
	return a.client.CreateThread(ctx, a.session.MessagesHost(), a.session.Creds(), typedUser(a.session.Username()), members)
}

// RoomList returns the group conversations the account is in.
func (a *Account) RoomList(ctx context.Context) ([]bridge.Room, error) {
	convs, err := a.client.Conversations(ctx, a.session.MessagesHost(), a.session.Creds(), 0)
	if err != nil {
		return nil, err
	}
	var rooms []bridge.Room
	for _, raw := range convs {
		id, topic := conversationSummary(raw)
		if !strings.HasPrefix(id, "19:") {
			continue
		}
		rooms = append(rooms, bridge.Room{ID: id, Topic: topic})
	}
	return rooms, nil
}

// SetStatus publishes the account's availability.
func (a *Account) SetStatus(ctx context.Context, status string) {
	bearer := a.session.Bearer(api.ResourcePresence)
	if bearer == "" {
		bearer = a.session.Bearer(api.ResourceMessages)
	}
	if err := a.client.SetPresenceStatus(ctx, bearer, status); err != nil {
		a.log.Warn().Err(err).Str("status", status).Msg("presence update failed")
	}
}

// SetIdle maps host idleness onto presence.
func (a *Account) SetIdle(ctx context.Context, idle bool) {
	if idle {
		a.SetStatus(ctx, "Away")
		return
	}
	a.SetStatus(ctx, "Available")
}

// Username returns the signed-in UPN, "" before ready.
func (a *Account) Username() string {
	return a.session.Username()
}

func conversationSummary(raw json.RawMessage) (id, topic string) {
	v := gjson.ParseBytes(raw)
	return v.Get("id").String(), v.Get("threadProperties.topic").String()
}

// typedUser ensures a user id carries its network type prefix.
func typedUser(id string) string {
	if strings.Contains(id, ":") {
		return id
	}
	return "8:" + id
}

func stripUserPrefix(typed string) string {
	if strings.HasPrefix(typed, "8:") {
		return typed[2:]
	}
	return typed
}
