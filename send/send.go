package send

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/tidwall/sjson"

	"github.com/chatbridge/teams-bridge/api"
	"github.com/chatbridge/teams-bridge/internal"
)

// Env is the slice of session state a Sender needs per call.
type Env interface {
	Creds() api.Credentials
	MessagesHost() string
}

// Sender posts messages and typing state to conversations.
type Sender struct {
	Client  *api.Client
	Env     Env
	Pending *PendingSends
	Log     zerolog.Logger
	// DisplayName is attached as imdisplayname on outgoing messages.
	DisplayName string

	mu     sync.Mutex
	lastID int64
}

var (
	sendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "teamsbridge",
		Subsystem: "send",
		Name:      "messages_total",
		Help:      "Messages posted to conversations.",
	})
	sendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "teamsbridge",
		Subsystem: "send",
		Name:      "failures_total",
		Help:      "Message posts that failed or were rejected.",
	})
)

func init() {
	prometheus.MustRegister(sendsTotal, sendFailures)
}

// fontSizeRe strips the size attribute the client's rich-text editor bakes
// into font tags; the backend renders it as giant text.
var fontSizeRe = regexp.MustCompile(`(<font[^>]*?) size="[0-9]+"`)

// nextClientID returns a fresh clientmessageid: millisecond epoch, bumped
// when two sends land in the same millisecond.
func (s *Sender) nextClientID(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := api.JSMillis(now)
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	return strconv.FormatInt(id, 10)
}

// prepareContent converts client HTML into the wire form: literal line
// breaks instead of <br>, no forced font sizes.
func prepareContent(html string) string {
	out := strings.ReplaceAll(html, "<br>", "\r\n")
	return fontSizeRe.ReplaceAllString(out, "$1")
}

// SendText posts a message to a conversation. The returned clientmessageid
// is registered for echo suppression before the request goes out. A server
// side rejection comes back as a protocol error carrying the server's text.
func (s *Sender) SendText(ctx context.Context, convID, html string) (string, error) {
	content := prepareContent(html)
	messageType := "RichText"
	if strings.HasPrefix(content, "<URIObject ") {
		messageType = "RichText/Media_GenericFile"
	}
	// An emote keeps its "/me " prefix in the content; the offset tells the
	// receiving client where the emote text starts.
	emote := strings.HasPrefix(content, "/me ")

	clientID := s.nextClientID(time.Now())
	body := []byte(`{}`)
	var err error
	for _, kv := range []struct {
		key string
		val interface{}
	}{
		{"clientmessageid", clientID},
		{"content", content},
		{"messagetype", messageType},
		{"contenttype", "text"},
		{"imdisplayname", s.DisplayName},
	} {
		if body, err = sjson.SetBytes(body, kv.key, kv.val); err != nil {
			return "", internal.ProtocolError(err, "building message body")
		}
	}
	if emote {
		if body, err = sjson.SetBytes(body, "skypeemoteoffset", "4"); err != nil {
			return "", internal.ProtocolError(err, "building message body")
		}
	}

	s.Pending.Add(clientID)
	res, err := s.Client.SendMessage(ctx, s.Env.MessagesHost(), s.Env.Creds(), convID, body)
	if err != nil {
		s.Pending.Consume(clientID)
		sendFailures.Inc()
		return "", err
	}
	if res.ErrorCode != 0 {
		s.Pending.Consume(clientID)
		sendFailures.Inc()
		text := res.ErrorText
		if text == "" {
			text = "message rejected"
		}
		return "", internal.ProtocolError(nil, "send rejected with code %d: %s", res.ErrorCode, text)
	}
	sendsTotal.Inc()
	return clientID, nil
}

// SendTyping publishes or clears the typing indicator in a conversation.
// Best effort, failures are logged and swallowed.
func (s *Sender) SendTyping(ctx context.Context, convID string, typing bool) {
	messageType := "Control/Typing"
	if !typing {
		messageType = "Control/ClearTyping"
	}
	body := []byte(`{}`)
	var err error
	for _, kv := range []struct {
		key string
		val interface{}
	}{
		{"clientmessageid", s.nextClientID(time.Now())},
		{"content", ""},
		{"messagetype", messageType},
		{"contenttype", "text"},
	} {
		if body, err = sjson.SetBytes(body, kv.key, kv.val); err != nil {
			return
		}
	}
	if _, err := s.Client.SendMessage(ctx, s.Env.MessagesHost(), s.Env.Creds(), convID, body); err != nil {
		s.Log.Debug().Err(err).Str("conv", convID).Msg("typing notification failed")
	}
}
