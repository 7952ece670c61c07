// Package poll runs the events long-poll: one outstanding request at a time,
// re-armed a second after each response, with backoff on failure and a
// watchdog that notices a wedged loop without cancelling an in-flight
// request.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/chatbridge/teams-bridge/api"
	"github.com/chatbridge/teams-bridge/dispatch"
	"github.com/chatbridge/teams-bridge/internal"
)

var (
	pollsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "teamsbridge",
		Subsystem: "poll",
		Name:      "requests_total",
		Help:      "Long-poll requests issued.",
	})
	pollFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "teamsbridge",
		Subsystem: "poll",
		Name:      "failures_total",
		Help:      "Long-poll requests that errored.",
	})
	resubscribes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "teamsbridge",
		Subsystem: "poll",
		Name:      "resubscribes_total",
		Help:      "Subscription rebuilds triggered by errorCode 729.",
	})
	watchdogKicks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "teamsbridge",
		Subsystem: "poll",
		Name:      "watchdog_kicks_total",
		Help:      "Times the watchdog found the loop stalled.",
	})
)

func init() {
	prometheus.MustRegister(pollsTotal, pollFailures, resubscribes, watchdogKicks)
}

// Control is what the poller asks of the auth session.
type Control interface {
	Creds() api.Credentials
	MessagesHost() string
	SetMessagesHost(host string)
	Endpoint() string
	Username() string
	// Resubscribe rebuilds the endpoint subscription after the server
	// reported it gone.
	Resubscribe(ctx context.Context) error
}

// errorCode values the poll envelope reports.
const (
	errSubscriptionGone = 729
	errEndpointConflict = 450
)

const (
	defaultReArm       = time.Second
	watchdogStall      = 180 * time.Second
	watchdogCheckEvery = 30 * time.Second
)

type Poller struct {
	Client     *api.Client
	Control    Control
	Dispatcher *dispatch.Dispatcher
	Log        zerolog.Logger
	// OnFatal is called when the loop gives up for good. May be nil.
	OnFatal func(error)
	// ReArm overrides the delay between polls; zero means one second.
	ReArm time.Duration

	mu          sync.Mutex
	cursor      string
	lastSuccess time.Time

	kick chan struct{}
}

func (p *Poller) rearmDelay() time.Duration {
	if p.ReArm > 0 {
		return p.ReArm
	}
	return defaultReArm
}

func (p *Poller) markActivity() {
	p.mu.Lock()
	p.lastSuccess = time.Now()
	p.mu.Unlock()
}

func (p *Poller) sinceActivity() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastSuccess)
}

// failuresBeforeReport is how many consecutive poll failures are tolerated
// as routine before one is reported.
const failuresBeforeReport = 5

// Run drives the loop until ctx is cancelled. Blocking; run it on its own
// goroutine.
func (p *Poller) Run(ctx context.Context) {
	internal.Assert("poller has a control", p.Control != nil)
	internal.Assert("poller has a dispatcher", p.Dispatcher != nil)
	p.kick = make(chan struct{}, 1)
	p.markActivity()

	watchCtx, stopWatchdog := context.WithCancel(ctx)
	defer stopWatchdog()
	go p.watchdog(watchCtx)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	failCount := 0
	for {
		if ctx.Err() != nil {
			return
		}
		pollsTotal.Inc()
		p.mu.Lock()
		cursor := p.cursor
		p.mu.Unlock()
		path := api.PollPath(p.Control.Username(), p.Control.Endpoint(), cursor)
		pr, err := p.Client.Poll(ctx, p.Control.MessagesHost(), path, p.Control.Creds())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			pollFailures.Inc()
			failCount++
			if failCount == failuresBeforeReport {
				internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
			}
			wait := bo.NextBackOff()
			p.Log.Warn().Err(err).Int("failures", failCount).Dur("retry_in", wait).Msg("poll failed")
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}
		failCount = 0
		bo.Reset()
		p.markActivity()

		switch pr.ErrorCode {
		case errSubscriptionGone:
			// The subscription is gone server-side; polling is pointless
			// until it is rebuilt.
			resubscribes.Inc()
			p.Log.Warn().Msg("subscription expired, resubscribing")
			if !p.resubscribeUntilOK(ctx) {
				return
			}
		case errEndpointConflict:
			p.Log.Warn().Msg("endpoint conflict reported, continuing")
		}

		if pr.Next != "" {
			host, cursor := api.ParseNext(pr.Next)
			if host != "" {
				p.Control.SetMessagesHost(host)
			}
			p.mu.Lock()
			p.cursor = cursor
			p.mu.Unlock()
		}

		p.Dispatcher.DispatchBatch(pr.Events)
		p.markActivity()

		select {
		case <-ctx.Done():
			return
		case <-p.kick:
		case <-time.After(p.rearmDelay()):
		}
	}
}

// resubscribeUntilOK retries the subscription rebuild with backoff until it
// succeeds or the context ends. Returns false when the loop should exit.
func (p *Poller) resubscribeUntilOK(ctx context.Context) bool {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	for {
		err := p.Control.Resubscribe(ctx)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if internal.KindOf(err) == internal.KindAuthFailed {
			p.Log.Error().Err(err).Msg("resubscribe rejected, stopping poll")
			if p.OnFatal != nil {
				p.OnFatal(err)
			}
			return false
		}
		wait := bo.NextBackOff()
		p.Log.Warn().Err(err).Dur("retry_in", wait).Msg("resubscribe failed")
		if !sleepCtx(ctx, wait) {
			return false
		}
	}
}

// watchdog wakes the re-arm select when nothing has completed for too long.
// It never cancels the in-flight request; a server holding the poll open is
// normal.
func (p *Poller) watchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogCheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if stall := p.sinceActivity(); stall > watchdogStall {
			watchdogKicks.Inc()
			p.Log.Warn().Dur("stalled_for", stall).Msg("poll loop stalled")
			select {
			case p.kick <- struct{}{}:
			default:
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
