package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/chatbridge/teams-bridge/internal"
)

// Registration is the outcome of a successful endpoint registration: the
// messages host the account was rehomed to, the registration token and the
// endpoint id the token is bound to. Token and Endpoint replace any previous
// pair together, never separately.
type Registration struct {
	Host     string
	Token    string
	Endpoint string
	Expires  time.Time
}

// maxRegistrationRedirects bounds Location rehoming during registration.
const maxRegistrationRedirects = 3

// RegisterEndpoint creates a messaging endpoint on the given host, following
// cross-host Location redirects manually so the rehomed host can be recorded.
// endpointID must be a fresh uuid from the caller.
func (c *Client) RegisterEndpoint(ctx context.Context, host, skypeToken, endpointID string) (*Registration, error) {
	body := []byte(`{"endpointFeatures":"Agent"}`)
	var err error
	if body, err = sjson.SetBytes(body, "id", endpointID); err != nil {
		return nil, internal.ProtocolError(err, "building registration body")
	}
	for attempt := 0; attempt <= maxRegistrationRedirects; attempt++ {
		endpoint := fmt.Sprintf("https://%s/v1/users/ME/endpoints", host)
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		resBody, status, hdr, err := c.doHeaders(reqCtx, c.noRedirect, http.MethodPost, endpoint, nil, map[string]string{
			"Authentication":   "skypetoken=" + skypeToken,
			"LockAndKey":       lockAndKeyHeader(time.Now()),
			"ClientInfo":       clientInfoHeader(),
			"BehaviorOverride": "redirectAs404",
		}, body)
		cancel()
		if err != nil {
			return nil, internal.NetworkError(err, "endpoint registration failed")
		}
		if loc := hdr.Get("Location"); loc != "" {
			u, perr := url.Parse(loc)
			if perr != nil || u.Host == "" {
				return nil, internal.ProtocolError(perr, "registration redirect to unparseable location %q", loc)
			}
			if u.Host == host {
				return nil, internal.ProtocolError(nil, "registration redirect loop on %s", host)
			}
			host = u.Host
			continue
		}
		if status < 200 || status > 299 {
			return nil, internal.NetworkError(nil, "endpoint registration returned HTTP %d: %s", status, firstLine(resBody))
		}
		reg, perr := parseRegistrationToken(hdr.Get("Set-RegistrationToken"))
		if perr != nil {
			return nil, perr
		}
		reg.Host = host
		if reg.Endpoint == "" {
			reg.Endpoint = endpointID
		}
		return reg, nil
	}
	return nil, internal.NetworkError(nil, "endpoint registration exceeded %d redirects", maxRegistrationRedirects)
}

// parseRegistrationToken decodes a Set-RegistrationToken header of the form
// "registrationToken=...; expires=...; endpointId={...}".
func parseRegistrationToken(header string) (*Registration, error) {
	if header == "" {
		return nil, internal.ProtocolError(nil, "registration response missing Set-RegistrationToken")
	}
	reg := &Registration{}
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch k {
		case "registrationToken":
			reg.Token = v
		case "expires":
			if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
				reg.Expires = time.Unix(secs, 0)
			}
		case "endpointId":
			reg.Endpoint = v
		}
	}
	if reg.Token == "" {
		return nil, internal.ProtocolError(nil, "Set-RegistrationToken carried no token: %q", header)
	}
	return reg, nil
}

// doHeaders is doWith plus the response headers, for the calls that read
// Location and Set-RegistrationToken.
func (c *Client) doHeaders(ctx context.Context, hc *http.Client, method, rawurl string, creds *Credentials, headers map[string]string, body []byte) ([]byte, int, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawurl, strings.NewReader(string(body)))
	if err != nil {
		return nil, 0, nil, err
	}
	req.Header.Set("User-Agent", "teamsbridge-"+BridgeVersion)
	req.Header.Set("Accept", "application/json; ver=1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if creds != nil {
		if creds.SkypeToken != "" {
			req.Header.Set("Authentication", "skypetoken="+creds.SkypeToken)
		}
		if creds.RegistrationToken != "" {
			req.Header.Set("RegistrationToken", creds.RegistrationToken)
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := hc.Do(req)
	if err != nil {
		return nil, 0, nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, res.StatusCode, res.Header, err
	}
	return b, res.StatusCode, res.Header, nil
}

// Subscribe declares the event interests of the endpoint: long-poll delivery
// of messages, conversation updates, thread updates and contact presence.
func (c *Client) Subscribe(ctx context.Context, host string, creds Credentials, endpointID string) error {
	body := []byte(`{"startingTimeSpan":0,"endpointFeatures":"Agent","subscriptions":[{"channelType":"HttpLongPoll","interestedResources":["/v1/users/ME/conversations/ALL/messages","/v1/users/ME/conversations/ALL/properties","/v1/threads/ALL","/v1/users/ME/contacts/ALL"]}]}`)
	endpoint := fmt.Sprintf("https://%s/v2/users/ME/endpoints/%s", host, escape(endpointID))
	res, status, err := c.do(ctx, http.MethodPost, endpoint, &creds, nil, body)
	if err != nil {
		return internal.NetworkError(err, "subscribe failed")
	}
	if status < 200 || status > 299 {
		return internal.NetworkError(nil, "subscribe returned HTTP %d: %s", status, firstLine(res))
	}
	return nil
}

// PublishEndpointPresence marks the endpoint as a visible messaging client.
func (c *Client) PublishEndpointPresence(ctx context.Context, host string, creds Credentials, endpointID string) error {
	body := []byte(`{"id":"messagingService","type":"EndpointPresenceDoc","selfLink":"uri","privateInfo":{"epname":"teamsbridge"},"publicInfo":{"capabilities":"","type":1,"skypeNameVersion":"teamsbridge","nodeInfo":"xx","version":"` + ClientInfoVersion + `"}}`)
	endpoint := fmt.Sprintf("https://%s/v1/users/ME/endpoints/%s/presenceDocs/messagingService", host, escape(endpointID))
	res, status, err := c.do(ctx, http.MethodPut, endpoint, &creds, nil, body)
	if err != nil {
		return internal.NetworkError(err, "endpoint presence publish failed")
	}
	if status < 200 || status > 299 {
		return internal.NetworkError(nil, "endpoint presence returned HTTP %d: %s", status, firstLine(res))
	}
	return nil
}

// PollResponse is one decoded long-poll result. Events are raw so the
// dispatcher can route on resourceType without this package knowing every
// payload shape.
type PollResponse struct {
	Next      string
	ErrorCode int64
	Events    []json.RawMessage
}

// pollTimeout bounds one long-poll request. The server normally answers well
// inside this; the watchdog above the poller handles a wedged connection.
const pollTimeout = 3 * time.Minute

// PollPath builds the events path for one poll request. Before the identity
// or endpoint are known the generic ME/SELF forms are used.
func PollPath(username, endpointID, cursor string) string {
	user := "ME"
	if username != "" {
		user = "8:" + url.PathEscape(username)
	}
	if endpointID == "" {
		endpointID = "SELF"
	}
	p := fmt.Sprintf("/users/%s/endpoints/%s/events/poll", user, url.PathEscape(endpointID))
	if cursor != "" {
		p += "?cursor=" + url.QueryEscape(cursor)
	}
	return p
}

// Poll issues one long-poll request and decodes the envelope.
func (c *Client) Poll(ctx context.Context, host, path string, creds Credentials) (*PollResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()
	body, status, err := c.doWith(ctx, c.HTTP, http.MethodGet, "https://"+host+"/v1"+path, &creds, nil, nil)
	if err != nil {
		return nil, internal.NetworkError(err, "poll request failed")
	}
	if status < 200 || status > 299 {
		return nil, internal.NetworkError(nil, "poll returned HTTP %d: %s", status, firstLine(body))
	}
	pr := &PollResponse{
		Next:      gjson.GetBytes(body, "next").String(),
		ErrorCode: gjson.GetBytes(body, "errorCode").Int(),
	}
	gjson.GetBytes(body, "eventMessages").ForEach(func(_, ev gjson.Result) bool {
		pr.Events = append(pr.Events, json.RawMessage(ev.Raw))
		return true
	})
	return pr, nil
}

// ParseNext splits a poll "next" URL into the host to poll against and the
// cursor to resume from. Either may be empty if the URL is malformed.
func ParseNext(next string) (host, cursor string) {
	u, err := url.Parse(next)
	if err != nil {
		return "", ""
	}
	return u.Host, u.Query().Get("cursor")
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
