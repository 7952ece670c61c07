// Package bridge defines the narrow interfaces through which the protocol
// core talks to the host messaging client. The host implements these once;
// the core never depends on any particular UI toolkit or client version.
package bridge

import (
	"context"
	"time"
)

// MessageFlags classify a delivered message for the host UI.
type MessageFlags uint

const (
	MessageRecv MessageFlags = 1 << iota
	MessageSend
	MessageSystem
	MessageError
	MessageNoLog
)

// Role is a thread membership role as reported by the backend.
type Role string

const (
	RoleAdmin Role = "Admin"
	RoleUser  Role = "User"
)

type Member struct {
	ID   string
	Role Role
}

type Contact struct {
	ID          string
	DisplayName string
	Status      string
	Idle        bool
}

type IncomingMessage struct {
	ConversationID string
	Sender         string
	Body           string
	Flags          MessageFlags
	Timestamp      time.Time
}

type Room struct {
	ID          string
	Topic       string
	MemberCount string
}

// ContactList is the host's buddy list.
type ContactList interface {
	// UpsertContact creates the contact in a default grouping container if it
	// is not already known, then applies status.
	UpsertContact(c Contact)
	RemoveContact(id string)
	HasContact(id string) bool
	// ImportContacts receives the raw payload of a contact-card message for
	// the host's own import pipeline.
	ImportContacts(raw string)
}

// Conversations is the host's conversation/message surface.
type Conversations interface {
	// EnsureGroup makes a group conversation visible to the user. Returns
	// true if the conversation was newly created on the host side.
	EnsureGroup(id, topic string) bool
	Deliver(msg IncomingMessage)
	SetTyping(conversationID, member string, typing bool)
	AddMember(conversationID, member string, role Role)
	RemoveMember(conversationID, member string)
	// ResetRoster replaces the full membership of a group conversation.
	ResetRoster(conversationID string, members []Member)
	SetTopic(conversationID, initiator, topic string)
	SetMemberOperator(conversationID, member string, operator bool)
	// Left tells the host the local user is no longer in the conversation.
	Left(conversationID string)
	// HasFocus reports whether the conversation window is currently focused,
	// which decides immediate vs deferred read receipts.
	HasFocus(conversationID string) bool
}

// FileTransfers handles attachment side-channels.
type FileTransfers interface {
	OfferIncomingFile(sender, uri string)
	DownloadThumbnail(conversationID, sender, uri string, ts time.Time)
	DownloadMedia(conversationID, sender, text, thumbnailURL string, ts time.Time)
}

// Notifier surfaces out-of-band information to the user, including the
// interactive authentication handshake.
type Notifier interface {
	OpenURL(url string)
	Notify(title, message string)
	// PromptInput asks the user for a line of input (the pasted redirect URL
	// during interactive auth). It must honour ctx cancellation and return
	// an error if the user dismisses the prompt.
	PromptInput(ctx context.Context, title, message string) (string, error)
	ConnectionError(message string)
}

// CredentialStore persists the long-lived refresh token. Setting an empty
// token clears it.
type CredentialStore interface {
	RefreshToken() (string, error)
	SetRefreshToken(token string) error
}

// Host aggregates every capability the protocol core consumes. Hosts that do
// not support a capability may return no-op implementations, never nil.
type Host interface {
	Contacts() ContactList
	Conversations() Conversations
	FileTransfers() FileTransfers
	Notifier() Notifier
}
