// Package governor interprets quota signals and decides whether a pagination loop may
// continue, must wait for the window reset, or must abort the run.
package governor

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/convograph-crawler/internal/crawler"
)

// Rate-limit headers read from every response.
const (
	HeaderRemaining    = "x-rate-limit-remaining"
	HeaderLimit        = "x-rate-limit-limit"
	HeaderReset        = "x-rate-limit-reset"
	HeaderResponseTime = "x-response-time"
)

// Action is the governor's verdict.
type Action int

// Possible verdicts.
const (
	Proceed Action = iota
	Wait
	Abort
)

func (a Action) String() string {
	switch a {
	case Proceed:
		return "proceed"
	case Wait:
		return "wait"
	case Abort:
		return "abort"
	default:
		return "unknown"
	}
}

// Decision pairs an Action with the reset deadline for Wait.
type Decision struct {
	Action Action
	Until  time.Time
}

// Config tunes the governor.
type Config struct {
	// Sentinels are remaining-call counts treated as exhausted for every family. The provider
	// has been observed reporting 2700 at the window boundary.
	Sentinels []int
	// FamilySentinels add per-family sentinel values.
	FamilySentinels map[crawler.Family][]int
	// Skew is added to every reset wait.
	Skew time.Duration
	// FallbackReset is used when the reset header is missing.
	FallbackReset time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Sentinels:     []int{2700},
		Skew:          2 * time.Second,
		FallbackReset: 15 * time.Minute,
	}
}

// Governor is stateless apart from its configuration and safe for concurrent use.
type Governor struct {
	sentinels map[crawler.Family]map[int]struct{}
	global    map[int]struct{}
	skew      time.Duration
	fallback  time.Duration
}

// New builds a Governor from cfg.
func New(cfg Config) *Governor {
	g := &Governor{
		sentinels: make(map[crawler.Family]map[int]struct{}),
		global:    make(map[int]struct{}),
		skew:      cfg.Skew,
		fallback:  cfg.FallbackReset,
	}
	if g.skew < 0 {
		g.skew = 0
	}
	if g.fallback <= 0 {
		g.fallback = 15 * time.Minute
	}
	for _, s := range cfg.Sentinels {
		g.global[s] = struct{}{}
	}
	for family, values := range cfg.FamilySentinels {
		set := make(map[int]struct{}, len(values))
		for _, v := range values {
			set[v] = struct{}{}
		}
		g.sentinels[family] = set
	}
	return g
}

// Snapshot derives a quota snapshot from response headers. A missing remaining header leaves
// the snapshot unknown; a missing reset falls back to now plus the fallback window.
func (g *Governor) Snapshot(h http.Header, now time.Time) crawler.Quota {
	q := crawler.Quota{Reset: now.Add(g.fallback)}
	if v, ok := headerInt(h, HeaderRemaining); ok {
		q.Remaining = int(v)
		q.Known = true
	}
	if v, ok := headerInt(h, HeaderLimit); ok {
		q.Limit = int(v)
	}
	if v, ok := headerInt(h, HeaderReset); ok && v > 0 {
		q.Reset = time.Unix(v, 0).UTC()
	}
	return q
}

// Exhausted reports whether the snapshot leaves no calls for family in this window.
func (g *Governor) Exhausted(q crawler.Quota, family crawler.Family) bool {
	if !q.Known {
		return false
	}
	if q.Remaining <= 0 {
		return true
	}
	if _, ok := g.global[q.Remaining]; ok {
		return true
	}
	if set, ok := g.sentinels[family]; ok {
		if _, hit := set[q.Remaining]; hit {
			return true
		}
	}
	return false
}

// Decide returns the verdict for the next call of family given the latest snapshot.
func (g *Governor) Decide(q crawler.Quota, family crawler.Family) Decision {
	switch {
	case q.UsageCapped:
		return Decision{Action: Abort}
	case g.Exhausted(q, family):
		return Decision{Action: Wait, Until: q.Reset}
	default:
		return Decision{Action: Proceed}
	}
}

// Delay converts a reset deadline into a sleep. Deadlines already in the past are ready now.
func (g *Governor) Delay(until, now time.Time) time.Duration {
	if until.IsZero() || !until.After(now) {
		return 0
	}
	return until.Sub(now) + g.skew
}

// Latency parses the x-response-time header (milliseconds).
func Latency(h http.Header) (time.Duration, bool) {
	raw := strings.TrimSpace(h.Get(HeaderResponseTime))
	if raw == "" {
		return 0, false
	}
	ms, err := strconv.ParseFloat(raw, 64)
	if err != nil || ms < 0 {
		return 0, false
	}
	return time.Duration(ms * float64(time.Millisecond)), true
}

func headerInt(h http.Header, key string) (int64, bool) {
	raw := strings.TrimSpace(h.Get(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
