package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestParseRegistrationToken(t *testing.T) {
	reg, err := parseRegistrationToken("registrationToken=abc123; expires=1700000000; endpointId={guid-here}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.Token != "abc123" {
		t.Errorf("token = %q, want abc123", reg.Token)
	}
	if reg.Endpoint != "{guid-here}" {
		t.Errorf("endpoint = %q, want {guid-here}", reg.Endpoint)
	}
	if got := reg.Expires.Unix(); got != 1700000000 {
		t.Errorf("expires = %d, want 1700000000", got)
	}
}

func TestParseRegistrationTokenMissing(t *testing.T) {
	if _, err := parseRegistrationToken(""); err == nil {
		t.Fatalf("expected error for empty header")
	}
	if _, err := parseRegistrationToken("expires=123"); err == nil {
		t.Fatalf("expected error for header with no token")
	}
}

func TestParseNext(t *testing.T) {
	host, cursor := ParseNext("https://region2.example.com/v1/users/8:bob/endpoints/ep/events/poll?cursor=xyz789")
	if host != "region2.example.com" {
		t.Errorf("host = %q", host)
	}
	if cursor != "xyz789" {
		t.Errorf("cursor = %q", cursor)
	}
}

func TestPollPath(t *testing.T) {
	p := PollPath("alice@example.com", "ep-1", "")
	if want := "/users/8:alice@example.com/endpoints/ep-1/events/poll"; p != want {
		t.Errorf("path = %q, want %q", p, want)
	}
	p = PollPath("alice@example.com", "ep-1", "cur")
	if !strings.HasSuffix(p, "?cursor=cur") {
		t.Errorf("path missing cursor: %q", p)
	}
	// Before identity and endpoint are known the generic forms are used.
	if p := PollPath("", "", ""); p != "/users/ME/endpoints/SELF/events/poll" {
		t.Errorf("fallback path = %q", p)
	}
}

func TestLockAndKeyDeterministic(t *testing.T) {
	a := LockAndKeyResponse(1700000000)
	b := LockAndKeyResponse(1700000000)
	if a != b {
		t.Errorf("same time produced different stamps")
	}
	if a == LockAndKeyResponse(1700000001) {
		t.Errorf("different times produced the same stamp")
	}
}

func TestNumericField(t *testing.T) {
	cases := []struct {
		body string
		want int64
	}{
		{`{"interval":5}`, 5},
		{`{"interval":"7"}`, 7},
		{`{"interval":"garbage"}`, 9},
		{`{}`, 9},
	}
	for _, c := range cases {
		if got := numericField([]byte(c.body), "interval", 9); got != c.want {
			t.Errorf("numericField(%s) = %d, want %d", c.body, got, c.want)
		}
	}
}

func TestPollDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authentication"); got != "skypetoken=tok" {
			t.Errorf("Authentication header = %q", got)
		}
		w.Write([]byte(`{"next":"https://other.example.com/poll?cursor=c2","eventMessages":[{"id":2},{"id":1}]}`))
	}))
	defer srv.Close()

	c := newTestClient()
	u, _ := url.Parse(srv.URL)
	pr, err := c.Poll(context.Background(), u.Host, "/poll", Credentials{SkypeToken: "tok"})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(pr.Events) != 2 {
		t.Fatalf("got %d events, want 2", len(pr.Events))
	}
	if pr.Next == "" {
		t.Errorf("next not decoded")
	}
}

// insecureTransport downgrades https to http so the client can talk to
// httptest servers.
type insecureTransport struct{}

func (insecureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	return http.DefaultTransport.RoundTrip(req)
}

func newTestClient() *Client {
	c := NewClient()
	c.SetTransport(insecureTransport{})
	return c
}

func TestPollErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errorCode":729}`))
	}))
	defer srv.Close()

	c := newTestClient()
	u, _ := url.Parse(srv.URL)
	pr, err := c.Poll(context.Background(), u.Host, "/poll", Credentials{SkypeToken: "tok"})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if pr.ErrorCode != 729 {
		t.Errorf("errorCode = %d, want 729", pr.ErrorCode)
	}
}

func TestRegisterEndpointFollowsRedirectOnce(t *testing.T) {
	var second *httptest.Server
	second = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Set-RegistrationToken", "registrationToken=rt2; expires=1800000000; endpointId=ep-new")
		w.WriteHeader(http.StatusCreated)
	}))
	defer second.Close()

	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("BehaviorOverride") != "redirectAs404" {
			t.Errorf("missing BehaviorOverride header")
		}
		if r.Header.Get("LockAndKey") == "" {
			t.Errorf("missing LockAndKey header")
		}
		w.Header().Set("Location", second.URL+"/v1/users/ME/endpoints/x")
		w.WriteHeader(http.StatusNotFound)
	}))
	defer first.Close()

	c := newTestClient()
	u, _ := url.Parse(first.URL)
	reg, err := c.RegisterEndpoint(context.Background(), u.Host, "tok", "ep-requested")
	if err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}
	su, _ := url.Parse(second.URL)
	if reg.Host != su.Host {
		t.Errorf("host = %q, want rehomed host %q", reg.Host, su.Host)
	}
	if reg.Token != "rt2" || reg.Endpoint != "ep-new" {
		t.Errorf("registration = %+v", reg)
	}
}

func TestRegisterEndpointRedirectBound(t *testing.T) {
	var srv *httptest.Server
	hops := 0
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hops++
		// Alternate between two fake hosts resolved by the test transport so
		// every hop looks like a fresh rehome.
		w.Header().Set("Location", "https://h"+strings.Repeat("x", hops)+".example.com/v1/users/ME/endpoints/x")
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient()
	c.noRedirect.Transport = redirectEverywhere{srv}
	_, err := c.RegisterEndpoint(context.Background(), "h.example.com", "tok", "ep")
	if err == nil {
		t.Fatalf("expected redirect bound to trip")
	}
	if hops != maxRegistrationRedirects+1 {
		t.Errorf("made %d attempts, want %d", hops, maxRegistrationRedirects+1)
	}
}

// redirectEverywhere routes every request to one test server regardless of
// the URL's host.
type redirectEverywhere struct{ srv *httptest.Server }

func (t redirectEverywhere) RoundTrip(req *http.Request) (*http.Response, error) {
	u, _ := url.Parse(t.srv.URL)
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	req.URL.Host = u.Host
	return http.DefaultTransport.RoundTrip(req)
}

func TestParseTimestamp(t *testing.T) {
	ts := ParseTimestamp("2023-11-14T12:30:45.123Z")
	if ts.IsZero() {
		t.Fatalf("valid composetime parsed as zero")
	}
	if ts.Year() != 2023 || ts.Nanosecond() != 123000000 {
		t.Errorf("parsed %v", ts)
	}
	if !ParseTimestamp("not a time").IsZero() {
		t.Errorf("garbage should parse to zero time")
	}
}

func TestJSMillis(t *testing.T) {
	at := time.Date(2023, 11, 14, 12, 30, 45, 500000000, time.UTC)
	if got := JSMillis(at); got != 1699965045500 {
		t.Errorf("JSMillis = %d", got)
	}
}
