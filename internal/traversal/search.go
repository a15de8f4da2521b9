package traversal

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/convograph-crawler/internal/cache"
	"github.com/JakeFAU/convograph-crawler/internal/classify"
	"github.com/JakeFAU/convograph-crawler/internal/crawler"
)

// SearchOutcome summarizes a hashtag or mention crawl and the traversals it seeded.
type SearchOutcome struct {
	Terms       []string
	Hits        int
	Seeds       []string
	Skipped     int
	Traversals  []Outcome
	Calls       int
	UsageCapped bool
	Duration    time.Duration
}

// Event is a named crawl definition: either a seed post or a set of tags followed for a
// number of days from Start.
type Event struct {
	Name    string
	SeedID  string
	Start   time.Time
	Days    int
	Tags    []string
	Comment string
}

// Search collects seeds from posts matching any of terms in [start, end), drops seeds that are
// already stored, and traverses the rest.
func (p *Pipeline) Search(ctx context.Context, terms []string, start, end time.Time) SearchOutcome {
	began := p.clock.Now()
	logger := p.logger.With(zap.Strings("terms", terms))
	out := SearchOutcome{Terms: terms}
	defer func() {
		out.Duration = p.clock.Now().Sub(began)
		logger.Info("search finished",
			zap.Int("hits", out.Hits),
			zap.Int("seeds", len(out.Seeds)),
			zap.Int("already_stored", out.Skipped),
			zap.Int("calls", out.Calls),
			zap.Bool("usage_capped", out.UsageCapped),
			zap.Duration("duration", out.Duration),
		)
	}()

	seen := make(map[string]struct{})
	var found []string
	handler := p.classifier.WithTraversal(cache.New(), classify.Sinks{
		Seed: func(id string) {
			out.Hits++
			if _, dup := seen[id]; dup {
				return
			}
			seen[id] = struct{}{}
			found = append(found, id)
		},
	})
	res := p.engine.WithHandler(handler).Crawl(ctx, crawler.FamilySearch, crawler.Params{
		Terms: terms,
		Start: start,
		End:   end,
	})
	out.Calls += res.Calls
	if res.Status == crawler.StatusUsageCap {
		out.UsageCapped = true
		if p.alerter != nil {
			p.alerter.UsageCap(ctx, "search")
		}
		return out
	}
	if !res.Status.Done() {
		logger.Error("search did not complete; traversing partial hits",
			zap.String("status", res.Status.String()), zap.Error(res.Err))
	}

	for _, id := range found {
		_, err := p.store.FindOne(ctx, p.cols.Tweets, crawler.Filter{ID: id, Projection: []string{"id"}})
		switch {
		case err == nil:
			out.Skipped++
			continue
		case !errors.Is(err, crawler.ErrNotFound):
			logger.Warn("seed lookup failed; traversing anyway", zap.String("seed_id", id), zap.Error(err))
		}
		out.Seeds = append(out.Seeds, id)
	}

	for _, id := range out.Seeds {
		if ctx.Err() != nil {
			return out
		}
		t := p.Run(ctx, id)
		out.Traversals = append(out.Traversals, t)
		out.Calls += t.Calls
		if t.UsageCapped {
			out.UsageCapped = true
			return out
		}
	}
	return out
}

// RunEvent crawls one event: its tags over [Start, Start+Days) when tags are set, otherwise
// its seed post.
func (p *Pipeline) RunEvent(ctx context.Context, ev Event) (SearchOutcome, error) {
	logger := p.logger.With(zap.String("event", ev.Name))
	switch {
	case len(ev.Tags) > 0:
		if ev.Start.IsZero() || ev.Days <= 0 {
			return SearchOutcome{}, errors.New("event with tags needs a start date and a positive day count")
		}
		logger.Info("running event search", zap.String("comment", ev.Comment))
		return p.Search(ctx, ev.Tags, ev.Start, ev.Start.AddDate(0, 0, ev.Days)), nil
	case ev.SeedID != "":
		logger.Info("running event traversal", zap.String("seed_id", ev.SeedID), zap.String("comment", ev.Comment))
		t := p.Run(ctx, ev.SeedID)
		return SearchOutcome{
			Seeds:       []string{ev.SeedID},
			Traversals:  []Outcome{t},
			Calls:       t.Calls,
			UsageCapped: t.UsageCapped,
			Duration:    t.Duration,
		}, nil
	default:
		return SearchOutcome{}, errors.New("event needs tags or a seed id")
	}
}
