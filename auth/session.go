package auth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/chatbridge/teams-bridge/api"
	"github.com/chatbridge/teams-bridge/bridge"
	"github.com/chatbridge/teams-bridge/internal"
)

// State is where a session sits in the sign-in ladder. Transitions only move
// forward until Ready; any fatal error lands in Failed.
type State string

const (
	StateUnauthenticated     State = "unauthenticated"
	StateAuthenticating      State = "authenticating"
	StateTokenAcquired       State = "token_acquired"
	StateRegistrationPending State = "registration_pending"
	StateSubscribed          State = "subscribed"
	StateReady               State = "ready"
	StateFailed              State = "failed"
)

// skypeTokenFallbackLifetime is used when the exchanged skypetoken carries no
// readable expiry.
const skypeTokenFallbackLifetime = 24 * time.Hour

// integrityLifetime is how long a fetched integrity token is trusted before
// it is renewed. The service mints them for roughly a day.
const integrityLifetime = 23 * time.Hour

var authFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "teamsbridge",
	Subsystem: "auth",
	Name:      "failures_total",
	Help:      "Sign-ins rejected by the login host.",
})

func init() {
	prometheus.MustRegister(authFailures)
}

type Config struct {
	Client   *api.Client
	Creds    bridge.CredentialStore
	Notifier bridge.Notifier
	Log      zerolog.Logger
	// Tenant is the raw account setting, resolved through TenantHost.
	Tenant string
	// UseDeviceCode selects the device-authorization flow for interactive
	// sign-in instead of the code-paste flow.
	UseDeviceCode bool
	// OnFatal is called from timer goroutines when a background token
	// refresh fails unrecoverably. May be nil.
	OnFatal func(error)
}

// Session owns all credential state for one signed-in account.
type Session struct {
	cfg        Config
	tenantHost string
	tokens     *TokenStore

	mu           sync.Mutex
	state        State
	skypeToken   string
	skypeExpires time.Time
	region       string
	msgHost      string
	reg          *api.Registration
	integrity    string
	integrityExp time.Time
	profile      *api.Profile
}

func NewSession(cfg Config) *Session {
	s := &Session{
		cfg:        cfg,
		tenantHost: TenantHost(cfg.Tenant),
		state:      StateUnauthenticated,
		msgHost:    api.DefaultMessagesHost,
	}
	s.tokens = NewTokenStore(s.refreshExpiring)
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.cfg.Log.Info().Str("from", string(prev)).Str("to", string(st)).Msg("auth state")
	}
}

// Connect runs the full sign-in ladder: token acquisition (stored refresh
// token first, interactive sign-in as fallback), skypetoken exchange,
// endpoint registration and subscription. Blocking; run it on its own
// goroutine.
func (s *Session) Connect(ctx context.Context) error {
	s.setState(StateAuthenticating)
	if err := s.acquirePrimaryToken(ctx); err != nil {
		s.setState(StateFailed)
		return err
	}
	s.refreshSecondaryScopes(ctx)
	s.setState(StateTokenAcquired)

	if err := s.exchangeSkypeToken(ctx); err != nil {
		s.setState(StateFailed)
		return err
	}

	s.setState(StateRegistrationPending)
	if err := s.registerAndSubscribe(ctx); err != nil {
		s.setState(StateFailed)
		return err
	}
	s.setState(StateSubscribed)

	if err := s.fetchIntegrityToken(ctx); err != nil {
		s.cfg.Log.Warn().Err(err).Msg("integrity token unavailable, media downloads degraded")
	}
	if err := s.fetchProfile(ctx); err != nil {
		s.cfg.Log.Warn().Err(err).Msg("profile fetch failed")
	}

	s.setState(StateReady)
	return nil
}

func (s *Session) acquirePrimaryToken(ctx context.Context) error {
	stored, err := s.cfg.Creds.RefreshToken()
	if err != nil {
		return internal.NetworkError(err, "reading stored credentials")
	}
	if stored != "" {
		tok, err := s.cfg.Client.RefreshResourceToken(ctx, s.tenantHost, api.ResourceMessages, stored)
		if err == nil {
			s.adoptPrimaryToken(tok)
			return nil
		}
		mapped := s.mapOAuthError(err)
		if internal.KindOf(mapped) == internal.KindAuthFailed {
			return mapped
		}
		// The stored grant is gone (or the login host is unreachable); fall
		// through to interactive sign-in.
		s.cfg.Log.Warn().Err(err).Msg("stored refresh token rejected, starting interactive sign-in")
	}
	tok, err := s.interactiveSignIn(ctx)
	if err != nil {
		return err
	}
	s.adoptPrimaryToken(tok)
	return nil
}

func (s *Session) adoptPrimaryToken(tok *api.OAuthToken) {
	s.tokens.Set(api.ResourceMessages, tok.AccessToken, time.Duration(tok.ExpiresIn)*time.Second)
	if tok.RefreshToken != "" {
		if err := s.cfg.Creds.SetRefreshToken(tok.RefreshToken); err != nil {
			s.cfg.Log.Error().Err(err).Msg("failed to store refresh token")
		}
	}
}

// refreshSecondaryScopes acquires tokens for the non-primary resources in
// parallel. Failures degrade the features backed by that scope but never
// block sign-in.
func (s *Session) refreshSecondaryScopes(ctx context.Context) {
	stored, err := s.cfg.Creds.RefreshToken()
	if err != nil || stored == "" {
		return
	}
	var wg sync.WaitGroup
	for _, resource := range api.Resources[1:] {
		resource := resource
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := s.cfg.Client.RefreshResourceToken(ctx, s.tenantHost, resource, stored)
			if err != nil {
				s.cfg.Log.Warn().Err(err).Str("resource", resource).Msg("scope refresh failed")
				return
			}
			s.tokens.Set(resource, tok.AccessToken, time.Duration(tok.ExpiresIn)*time.Second)
		}()
	}
	wg.Wait()
}

// refreshExpiring runs on a token-store timer when a scope nears expiry.
func (s *Session) refreshExpiring(resource string) {
	ctx := context.Background()
	stored, err := s.cfg.Creds.RefreshToken()
	if err != nil || stored == "" {
		return
	}
	tok, err := s.cfg.Client.RefreshResourceToken(ctx, s.tenantHost, resource, stored)
	if err != nil {
		mapped := s.mapOAuthError(err)
		if resource == api.ResourceMessages && internal.KindOf(mapped) != internal.KindNetwork {
			if s.cfg.OnFatal != nil {
				s.cfg.OnFatal(mapped)
			}
			return
		}
		s.cfg.Log.Warn().Err(err).Str("resource", resource).Msg("background token refresh failed")
		return
	}
	s.tokens.Set(resource, tok.AccessToken, time.Duration(tok.ExpiresIn)*time.Second)
	if resource == api.ResourceMessages {
		tok.RefreshToken = strings.TrimSpace(tok.RefreshToken)
		if tok.RefreshToken != "" {
			if err := s.cfg.Creds.SetRefreshToken(tok.RefreshToken); err != nil {
				s.cfg.Log.Error().Err(err).Msg("failed to store rotated refresh token")
			}
		}
		if err := s.exchangeSkypeToken(ctx); err != nil {
			s.cfg.Log.Warn().Err(err).Msg("skypetoken renewal failed")
		} else if err := s.fetchIntegrityToken(ctx); err != nil {
			s.cfg.Log.Warn().Err(err).Msg("integrity token renewal failed")
		}
	}
}

// mapOAuthError translates a login-host error into a connection error. An
// invalidated grant also wipes the stored refresh token so it is never
// retried.
func (s *Session) mapOAuthError(err error) error {
	var oe *api.OAuthError
	if !errors.As(err, &oe) {
		return internal.NetworkError(err, "login host unreachable")
	}
	switch oe.Code {
	case "invalid_grant", "interaction_required":
		if serr := s.cfg.Creds.SetRefreshToken(""); serr != nil {
			s.cfg.Log.Error().Err(serr).Msg("failed to clear invalidated refresh token")
		}
		return internal.NetworkError(oe, "sign-in expired, reconnect to sign in again")
	default:
		authFailures.Inc()
		return internal.AuthFailed(oe, "sign-in rejected")
	}
}

func (s *Session) interactiveSignIn(ctx context.Context) (*api.OAuthToken, error) {
	if s.cfg.UseDeviceCode {
		return s.deviceCodeSignIn(ctx)
	}
	return s.webCodeSignIn(ctx)
}

func (s *Session) webCodeSignIn(ctx context.Context) (*api.OAuthToken, error) {
	s.cfg.Notifier.OpenURL(api.AuthorizeURL(s.tenantHost))
	input, err := s.cfg.Notifier.PromptInput(ctx, "Microsoft sign-in",
		"Sign in in the opened browser window, then paste the final address bar URL (or just the code) here.")
	if err != nil {
		return nil, internal.UserCancelled("sign-in prompt abandoned")
	}
	code := extractAuthCode(input)
	if code == "" {
		return nil, internal.AuthFailed(nil, "no authorization code in pasted input")
	}
	tok, err := s.cfg.Client.RedeemAuthCode(ctx, s.tenantHost, code)
	if err != nil {
		return nil, s.mapOAuthError(err)
	}
	return tok, nil
}

// extractAuthCode accepts either a bare authorization code or the full
// redirect URL it was delivered on.
func extractAuthCode(input string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}
	if !strings.Contains(input, "code=") {
		return input
	}
	u, err := url.Parse(input)
	if err == nil {
		if code := u.Query().Get("code"); code != "" {
			return code
		}
	}
	// Some browsers paste the fragment form.
	if _, after, ok := strings.Cut(input, "code="); ok {
		if i := strings.IndexAny(after, "&#"); i >= 0 {
			after = after[:i]
		}
		return after
	}
	return ""
}

func (s *Session) deviceCodeSignIn(ctx context.Context) (*api.OAuthToken, error) {
	dc, err := s.cfg.Client.RequestDeviceCode(ctx, s.tenantHost)
	if err != nil {
		return nil, s.mapOAuthError(err)
	}
	msg := dc.Message
	if msg == "" {
		msg = "Go to " + dc.VerificationURL + " and enter the code " + dc.UserCode
	}
	s.cfg.Notifier.Notify("Microsoft sign-in", msg)

	interval := time.Duration(dc.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(time.Duration(dc.ExpiresIn) * time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, internal.UserCancelled("sign-in cancelled")
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return nil, internal.AuthFailed(nil, "device code expired before approval")
		}
		tok, err := s.cfg.Client.PollDeviceCode(ctx, s.tenantHost, dc.DeviceCode)
		if err == nil {
			return tok, nil
		}
		if internal.KindOf(err) == internal.KindAuthorizationPending {
			continue
		}
		var oe *api.OAuthError
		if errors.As(err, &oe) && oe.Code == "slow_down" {
			interval += 5 * time.Second
			ticker.Reset(interval)
			continue
		}
		return nil, s.mapOAuthError(err)
	}
}

func (s *Session) exchangeSkypeToken(ctx context.Context) error {
	bearer := s.tokens.Get(api.ResourceMessages)
	if bearer == "" {
		return internal.AuthFailed(nil, "no bearer token for skypetoken exchange")
	}
	st, err := s.cfg.Client.ExchangeSkypeToken(ctx, bearer)
	if err != nil {
		return err
	}
	lifetime := TokenLifetime(st.Token, skypeTokenFallbackLifetime)
	if st.ExpiresIn > 0 {
		lifetime = time.Duration(st.ExpiresIn) * time.Second
	}
	s.mu.Lock()
	s.skypeToken = st.Token
	s.skypeExpires = time.Now().Add(lifetime)
	s.region = st.Region
	s.mu.Unlock()
	return nil
}

func (s *Session) registerAndSubscribe(ctx context.Context) error {
	s.mu.Lock()
	host := s.msgHost
	token := s.skypeToken
	endpointID := ""
	if s.reg != nil {
		endpointID = s.reg.Endpoint
	}
	s.mu.Unlock()
	if endpointID == "" {
		endpointID = "{" + uuid.NewString() + "}"
	}
	reg, err := s.cfg.Client.RegisterEndpoint(ctx, host, token, endpointID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.reg = reg
	s.msgHost = reg.Host
	s.mu.Unlock()

	creds := api.Credentials{SkypeToken: token, RegistrationToken: reg.Token}
	if err := s.cfg.Client.Subscribe(ctx, reg.Host, creds, reg.Endpoint); err != nil {
		return err
	}
	if err := s.cfg.Client.PublishEndpointPresence(ctx, reg.Host, creds, reg.Endpoint); err != nil {
		s.cfg.Log.Warn().Err(err).Msg("endpoint presence publish failed")
	}
	return nil
}

func (s *Session) fetchIntegrityToken(ctx context.Context) error {
	s.mu.Lock()
	token := s.skypeToken
	s.mu.Unlock()
	integ, err := s.cfg.Client.FetchIntegrityToken(ctx, token)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.integrity = integ
	s.integrityExp = time.Now().Add(integrityLifetime)
	s.mu.Unlock()
	return nil
}

func (s *Session) fetchProfile(ctx context.Context) error {
	p, err := s.cfg.Client.SelfProfile(ctx, s.tokens.Get(api.ResourceMessages))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.profile = p
	s.mu.Unlock()
	return nil
}

// Resubscribe re-registers the endpoint and re-declares subscriptions, used
// when the poll reports the subscription is gone. The poll must stay
// suspended until this succeeds.
func (s *Session) Resubscribe(ctx context.Context) error {
	return s.registerAndSubscribe(ctx)
}

// EnsureFresh re-validates the credential set; run it periodically. When the
// skypetoken is close to lapsing it is renewed from the primary bearer
// token, refreshing that first if needed. The integrity token is re-fetched
// on the same schedule once its own lifetime nears its end.
func (s *Session) EnsureFresh(ctx context.Context) error {
	s.mu.Lock()
	skypeLeft := time.Until(s.skypeExpires)
	integrityLeft := time.Until(s.integrityExp)
	hasIntegrity := s.integrity != ""
	s.mu.Unlock()
	if hasIntegrity && integrityLeft < 5*time.Minute {
		if err := s.fetchIntegrityToken(ctx); err != nil {
			s.cfg.Log.Warn().Err(err).Msg("integrity token renewal failed")
		}
	}
	if skypeLeft > 5*time.Minute {
		return nil
	}
	if time.Until(s.tokens.Expiry(api.ResourceMessages)) < time.Minute {
		stored, err := s.cfg.Creds.RefreshToken()
		if err != nil || stored == "" {
			return internal.NetworkError(err, "no stored credentials to renew session with")
		}
		tok, err := s.cfg.Client.RefreshResourceToken(ctx, s.tenantHost, api.ResourceMessages, stored)
		if err != nil {
			return s.mapOAuthError(err)
		}
		s.adoptPrimaryToken(tok)
	}
	return s.exchangeSkypeToken(ctx)
}

// Creds returns the header credentials for messaging-host calls.
func (s *Session) Creds() api.Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := api.Credentials{SkypeToken: s.skypeToken}
	if s.reg != nil {
		c.RegistrationToken = s.reg.Token
	}
	return c
}

// Bearer returns the current bearer token for a resource scope.
func (s *Session) Bearer(resource string) string {
	return s.tokens.Get(resource)
}

// MessagesHost is the host the account is currently homed on.
func (s *Session) MessagesHost() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgHost
}

// SetMessagesHost records a rehome announced by the poll's next URL.
func (s *Session) SetMessagesHost(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if host != "" && host != s.msgHost {
		s.cfg.Log.Info().Str("from", s.msgHost).Str("to", host).Msg("messages host changed")
		s.msgHost = host
	}
}

// Endpoint returns the registered endpoint id, "" before registration.
func (s *Session) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reg == nil {
		return ""
	}
	return s.reg.Endpoint
}

// Profile returns the signed-in account's identity, nil before Ready.
func (s *Session) Profile() *api.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// Username returns the signed-in UPN, "" before the profile is known.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile == nil {
		return ""
	}
	return s.profile.Username
}

// IntegrityToken returns the media-service token, "" when unavailable.
func (s *Session) IntegrityToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.integrity
}

// Logout deletes the registered endpoint and stops all refresh timers. The
// stored refresh token is kept so the next connect is silent.
func (s *Session) Logout(ctx context.Context) {
	s.mu.Lock()
	reg := s.reg
	host := s.msgHost
	token := s.skypeToken
	s.mu.Unlock()
	if reg != nil {
		creds := api.Credentials{SkypeToken: token, RegistrationToken: reg.Token}
		if err := s.cfg.Client.Logout(ctx, host, creds, reg.Endpoint); err != nil {
			s.cfg.Log.Warn().Err(err).Msg("endpoint delete failed during logout")
		}
	}
	if err := s.cfg.Client.EndSession(ctx, s.tenantHost); err != nil {
		s.cfg.Log.Debug().Err(err).Msg("login host sign-out failed")
	}
	s.tokens.Close()
	s.setState(StateUnauthenticated)
}
