// Package send builds and posts outbound messages: markup preparation,
// client message ids, emotes, typing notifications, and the echo
// suppression that keeps our own messages from bouncing back as incoming.
package send

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// pendingLifetime bounds how long a sent message id is remembered for echo
// suppression. An echo that takes longer than this arrives as a normal
// message, which is the safer failure.
const pendingLifetime = 5 * time.Minute

// PendingSends remembers the clientmessageids of messages this endpoint has
// posted, so the poll can tell an echo of our own send from a message typed
// in another client.
type PendingSends struct {
	cache *ttlcache.Cache[string, struct{}]
}

func NewPendingSends() *PendingSends {
	c := ttlcache.New(
		ttlcache.WithTTL[string, struct{}](pendingLifetime),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go c.Start()
	return &PendingSends{cache: c}
}

// Add registers a clientmessageid before the message is posted, so the echo
// can never race the registration.
func (p *PendingSends) Add(clientID string) {
	p.cache.Set(clientID, struct{}{}, ttlcache.DefaultTTL)
}

// Consume reports whether the id belongs to a pending send, and forgets it.
// Each id suppresses exactly one echo.
func (p *PendingSends) Consume(clientID string) bool {
	if p.cache.Has(clientID) {
		p.cache.Delete(clientID)
		return true
	}
	return false
}

func (p *PendingSends) Close() {
	p.cache.Stop()
}
