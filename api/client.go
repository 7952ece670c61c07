// Package api implements the HTTP surface of the Teams messaging backend:
// OAuth token exchange, skypetoken exchange, endpoint registration and
// subscription, the events long-poll, conversation history and message send.
// One Client can be shared among many sessions.
package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	LoginHost           = "login.microsoftonline.com"
	AuthzURL            = "https://teams.microsoft.com/api/authsvc/v1.0/authz"
	DefaultMessagesHost = "msgapi.teams.microsoft.com"
	PresenceHost        = "presence.teams.microsoft.com"
	StaticHost          = "static.asm.skype.com"

	OAuthClientID    = "1fec8e78-bce4-4aaf-ab1b-5451cc387264"
	OAuthRedirectURI = "https://login.microsoftonline.com/common/oauth2/nativeclient"

	ClientInfoName    = "teamsbridge"
	ClientInfoVersion = "0.1"

	lockAndKeyAppID  = "msmsgs@msnmsgr.com"
	lockAndKeySecret = "Q1P7W2E4J9R8U3S5"

	// requestTimeout bounds every non-poll request; the poll itself is held
	// open server-side and gets a longer leash from the caller.
	requestTimeout = 30 * time.Second
)

var BridgeVersion = ""

// Credentials carries the per-call auth material for the messaging hosts.
type Credentials struct {
	SkypeToken        string
	RegistrationToken string
}

type Client struct {
	HTTP *http.Client
	// noRedirect never follows a Location header; endpoint registration must
	// observe redirects instead of chasing them.
	noRedirect *http.Client
}

func NewClient() *Client {
	jar, _ := cookiejar.New(nil)
	transport := otelhttp.NewTransport(http.DefaultTransport)
	return &Client{
		HTTP: &http.Client{
			Transport: transport,
			Jar:       jar,
		},
		noRedirect: &http.Client{
			Transport: transport,
			Jar:       jar,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// SetTransport replaces the transport on both underlying HTTP clients.
func (c *Client) SetTransport(rt http.RoundTripper) {
	c.HTTP.Transport = rt
	c.noRedirect.Transport = rt
}

// do issues a request against the messaging backend, attaching credentials
// when given. Returns the body and status code; a non-2xx status is not an
// error here, callers decide.
func (c *Client) do(ctx context.Context, method, rawurl string, creds *Credentials, headers map[string]string, body []byte) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return c.doWith(ctx, c.HTTP, method, rawurl, creds, headers, body)
}

func (c *Client) doWith(ctx context.Context, hc *http.Client, method, rawurl string, creds *Credentials, headers map[string]string, body []byte) ([]byte, int, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawurl, rdr)
	if err != nil {
		return nil, 0, fmt.Errorf("api: NewRequest failed: %w", err)
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
		return nil, 0, fmt.Errorf("api: request failed: %w", err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, res.StatusCode, fmt.Errorf("api: reading response body: %w", err)
	}
	return b, res.StatusCode, nil
}

// LockAndKeyResponse computes the time-based integrity stamp the endpoint
// registration resource demands. The backend only checks it for shape; it is
// an opaque stamp, not a secret.
func LockAndKeyResponse(unixTime int64) string {
	mac := hmac.New(sha256.New, []byte(lockAndKeySecret))
	mac.Write([]byte(strconv.FormatInt(unixTime, 10)))
	mac.Write([]byte(lockAndKeyAppID))
	return hex.EncodeToString(mac.Sum(nil))
}

func lockAndKeyHeader(now time.Time) string {
	t := now.Unix()
	return fmt.Sprintf("appId=%s; time=%d; lockAndKeyResponse=%s", lockAndKeyAppID, t, LockAndKeyResponse(t))
}

func clientInfoHeader() string {
	return "os=linux; osVer=0; proc=x86; lcid=en-us; deviceType=1; country=n/a; clientName=" +
		ClientInfoName + "; clientVer=" + ClientInfoVersion
}

// ParseTimestamp converts a composetime field to a time.Time. Returns the
// zero time on garbage rather than erroring; callers treat it as "unknown".
func ParseTimestamp(composetime string) time.Time {
	t, err := time.Parse(time.RFC3339, composetime)
	if err != nil {
		return time.Time{}
	}
	return t
}

// JSMillis is the millisecond epoch timestamp the wire format uses for
// client message ids and consumption horizons.
func JSMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func escape(s string) string { return url.PathEscape(s) }
