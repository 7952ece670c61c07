package auth

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// refreshLead is how long before expiry a token refresh fires.
const refreshLead = 5 * time.Second

type tokenEntry struct {
	token   string
	expires time.Time
	timer   *time.Timer
}

// TokenStore holds one bearer token per resource scope and arms a single
// timer per scope that fires shortly before the token expires. Setting a
// token replaces the previous timer, so a scope never has two pending
// refreshes.
type TokenStore struct {
	mu         sync.Mutex
	tokens     map[string]*tokenEntry
	onExpiring func(resource string)
	closed     bool
}

func NewTokenStore(onExpiring func(resource string)) *TokenStore {
	return &TokenStore{
		tokens:     make(map[string]*tokenEntry),
		onExpiring: onExpiring,
	}
}

// Set stores a token for a resource and schedules its refresh at
// expiresIn - refreshLead.
func (s *TokenStore) Set(resource, token string, expiresIn time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.tokens[resource]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	e := &tokenEntry{
		token:   token,
		expires: time.Now().Add(expiresIn),
	}
	if !s.closed && s.onExpiring != nil {
		lead := expiresIn - refreshLead
		if lead < 0 {
			lead = 0
		}
		e.timer = time.AfterFunc(lead, func() { s.onExpiring(resource) })
	}
	s.tokens[resource] = e
}

// Get returns the current token for a resource, "" if absent.
func (s *TokenStore) Get(resource string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.tokens[resource]; ok {
		return e.token
	}
	return ""
}

// Expiry returns when the resource's token lapses, the zero time if absent.
func (s *TokenStore) Expiry(resource string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.tokens[resource]; ok {
		return e.expires
	}
	return time.Time{}
}

// Close stops every pending refresh timer. The stored tokens remain
// readable.
func (s *TokenStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, e := range s.tokens {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}

// TokenLifetime reads the exp claim out of a JWT without verifying it; the
// token was just handed to us over TLS, we only need its clock. Falls back
// to the given duration when the token is not a JWT or carries no exp.
func TokenLifetime(token string, fallback time.Duration) time.Duration {
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return fallback
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fallback
	}
	d := time.Until(exp.Time)
	if d <= 0 {
		return fallback
	}
	return d
}
