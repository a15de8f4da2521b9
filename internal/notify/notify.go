// Package notify turns crawl events into operator notifications.
//
// The Alerter fans a message out to every configured Notifier. A NotifyGuard decides whether
// a keyed alert may go out at all, so a usage-cap alert is sent at most once per guard period
// even when several processes hit the cap.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/convograph-crawler/internal/crawler"
	"github.com/JakeFAU/convograph-crawler/internal/metrics"
)

// Usage-cap alert text.
const (
	UsageCapSubject = "Monthly Usage Cap Exceeded"
	UsageCapBody    = "Twitter crawler exceeded monthly usage cap"
	UsageCapKey     = "usage_cap"
)

// Alerter sends keyed alerts through the configured notifiers.
type Alerter struct {
	notifiers []crawler.Notifier
	guard     crawler.NotifyGuard
	clock     crawler.Clock
	logger    *zap.Logger
}

// NewAlerter builds an Alerter. A nil guard allows every alert.
func NewAlerter(notifiers []crawler.Notifier, guard crawler.NotifyGuard, clock crawler.Clock, logger *zap.Logger) *Alerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Alerter{
		notifiers: notifiers,
		guard:     guard,
		clock:     clock,
		logger:    logger.Named("notify"),
	}
}

// UsageCap sends the usage-cap alert. It reports whether the alert was handed to the
// notifiers; false means the guard suppressed it or nothing is configured.
func (a *Alerter) UsageCap(ctx context.Context, source string) bool {
	log := a.logger.With(zap.String("source", source))
	log.Warn("usage cap exceeded")
	if len(a.notifiers) == 0 {
		metrics.ObserveNotification("unconfigured")
		return false
	}
	if a.guard != nil {
		ok, err := a.guard.Acquire(ctx, UsageCapKey)
		if err != nil {
			// A broken guard must not swallow the alert.
			log.Error("notify guard failed", zap.Error(err))
		} else if !ok {
			metrics.ObserveNotification("suppressed")
			log.Info("usage cap alert already sent this period")
			return false
		}
	}
	n := crawler.Notification{
		Subject: UsageCapSubject,
		Body:    UsageCapBody,
		At:      a.clock.Now(),
	}
	var errs []error
	for _, notifier := range a.notifiers {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		metrics.ObserveNotification("failed")
		log.Error("usage cap alert delivery failed", zap.Error(err))
		return true
	}
	metrics.ObserveNotification("sent")
	return true
}

// MemoryGuard grants each key once per period within one process.
type MemoryGuard struct {
	mu      sync.Mutex
	period  time.Duration
	clock   crawler.Clock
	expires map[string]time.Time
}

// NewMemoryGuard builds a MemoryGuard. A non-positive period grants each key once for the
// lifetime of the guard.
func NewMemoryGuard(period time.Duration, clock crawler.Clock) *MemoryGuard {
	return &MemoryGuard{
		period:  period,
		clock:   clock,
		expires: make(map[string]time.Time),
	}
}

// Acquire implements crawler.NotifyGuard.
func (g *MemoryGuard) Acquire(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	if until, ok := g.expires[key]; ok && (until.IsZero() || now.Before(until)) {
		return false, nil
	}
	var until time.Time
	if g.period > 0 {
		until = now.Add(g.period)
	}
	g.expires[key] = until
	return true, nil
}
