// Package dispatcher runs worker pools that finish one secondary attribute (likers,
// retweeters, timelines, followers, following) for every stored document that still needs it.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/convograph-crawler/internal/crawler"
	"github.com/JakeFAU/convograph-crawler/internal/metrics"
	"github.com/JakeFAU/convograph-crawler/internal/queue/memory"
	"github.com/JakeFAU/convograph-crawler/internal/worker"
)

// Crawler drives one pagination loop to a terminal status.
type Crawler interface {
	Crawl(ctx context.Context, family crawler.Family, params crawler.Params) crawler.Result
}

// Alerter is told when a pool hits the usage cap.
type Alerter interface {
	UsageCap(ctx context.Context, source string) bool
}

// PoolSpec describes one pool: which documents need the attribute, how to fetch it and
// which flag marks it finished.
type PoolSpec struct {
	Name       string
	Family     crawler.Family
	Collection string
	// Flag is the completion flag, set once the attribute is fully crawled.
	Flag string
	// Counter is the engagement counter; documents where it is zero are done without a call.
	Counter string
	Workers int
}

// Pool names.
const (
	PoolLikes     = "likes"
	PoolRetweets  = "retweets"
	PoolTimelines = "timelines"
	PoolFollowers = "followers"
	PoolFollowing = "following"
)

// DefaultPools returns the built-in pools keyed by name.
func DefaultPools(cols crawler.Collections) map[string]PoolSpec {
	return map[string]PoolSpec{
		PoolLikes: {
			Name: PoolLikes, Family: crawler.FamilyLiking, Collection: cols.Tweets,
			Flag: "likes_crawled", Counter: "public_metrics.like_count", Workers: 75,
		},
		PoolRetweets: {
			Name: PoolRetweets, Family: crawler.FamilyRetweeting, Collection: cols.Tweets,
			Flag: "retweets_crawled", Counter: "public_metrics.retweet_count", Workers: 75,
		},
		PoolTimelines: {
			Name: PoolTimelines, Family: crawler.FamilyTimeline, Collection: cols.Users,
			Flag: "timeline_crawled", Counter: "public_metrics.tweet_count", Workers: 250,
		},
		PoolFollowers: {
			Name: PoolFollowers, Family: crawler.FamilyFollowers, Collection: cols.Users,
			Flag: "followers_crawled", Counter: "public_metrics.followers_count", Workers: 15,
		},
		PoolFollowing: {
			Name: PoolFollowing, Family: crawler.FamilyFollowing, Collection: cols.Users,
			Flag: "following_crawled", Counter: "public_metrics.following_count", Workers: 15,
		},
	}
}

// PoolNames lists pool names in a stable order.
func PoolNames(pools map[string]PoolSpec) []string {
	names := make([]string, 0, len(pools))
	for n := range pools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// PoolReport summarizes one pool run.
type PoolReport struct {
	Pool        string
	Pending     int
	Trivial     int
	Done        int
	Failed      int
	Abandoned   int
	Calls       int
	UsageCapped bool
	Duration    time.Duration
}

// Dispatcher fans pool jobs out to workers.
type Dispatcher struct {
	engine  Crawler
	store   crawler.DocumentStore
	clock   crawler.Clock
	alerter Alerter
	logger  *zap.Logger
}

// New creates a Dispatcher. alerter may be nil.
func New(engine Crawler, store crawler.DocumentStore, clock crawler.Clock, alerter Alerter, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		engine:  engine,
		store:   store,
		clock:   clock,
		alerter: alerter,
		logger:  logger,
	}
}

// poolRun is the shared state of one RunPool call.
type poolRun struct {
	d      *Dispatcher
	spec   PoolSpec
	logger *zap.Logger
	cancel context.CancelFunc
	capped atomic.Bool
	done   atomic.Int64
	failed atomic.Int64
	calls  atomic.Int64
}

// RunPool flags every zero-count document as done, then crawls the remaining pending
// documents with spec.Workers concurrent workers. The first worker to observe the usage cap
// stops the pool and sends the single alert; the others exit quietly. RunPool returns once
// the queue is drained or abandoned.
func (d *Dispatcher) RunPool(ctx context.Context, spec PoolSpec) (PoolReport, error) {
	start := d.clock.Now()
	logger := d.logger.With(zap.String("pool", spec.Name))
	report := PoolReport{Pool: spec.Name}
	if !spec.Family.IsReaction() && spec.Family != crawler.FamilyTimeline && !spec.Family.IsFollow() {
		return report, fmt.Errorf("pool %s: family %s has no pool semantics", spec.Name, spec.Family)
	}
	if spec.Workers <= 0 {
		spec.Workers = 1
	}

	trivial, err := d.flagZeroCounts(ctx, logger, spec)
	report.Trivial = trivial
	if err != nil {
		return report, err
	}

	pending, err := d.store.Find(ctx, spec.Collection, crawler.Filter{
		Unset:      spec.Flag,
		Counter:    spec.Counter,
		Match:      crawler.CounterPositive,
		Projection: []string{"id"},
	})
	if err != nil {
		return report, fmt.Errorf("find pending %s: %w", spec.Name, err)
	}
	report.Pending = len(pending)
	logger.Info("pool starting",
		zap.Int("pending", report.Pending),
		zap.Int("trivial", report.Trivial),
		zap.Int("workers", spec.Workers),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	run := &poolRun{d: d, spec: spec, logger: logger, cancel: cancel}

	q := memory.NewQueue(spec.Workers * 2)
	var wg sync.WaitGroup
	for i := range min(spec.Workers, max(len(pending), 1)) {
		w := worker.New(i, q, run, logger)
		logger.Debug("starting worker", zap.Int("worker", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(runCtx)
		}()
	}

	now := d.clock.Now().Unix()
	for _, doc := range pending {
		item := crawler.QueueItem{DocumentID: doc.ID(), Pool: spec.Name, Submitted: now}
		if err := q.Enqueue(runCtx, item); err != nil {
			logger.Debug("stopped feeding queue", zap.Error(err))
			break
		}
	}
	q.Close()
	wg.Wait()

	report.Done = int(run.done.Load())
	report.Failed = int(run.failed.Load())
	report.Calls = int(run.calls.Load())
	report.UsageCapped = run.capped.Load()
	report.Abandoned = report.Pending - report.Done - report.Failed
	report.Duration = d.clock.Now().Sub(start)
	logger.Info("pool finished",
		zap.Int("done", report.Done),
		zap.Int("failed", report.Failed),
		zap.Int("abandoned", report.Abandoned),
		zap.Int("calls", report.Calls),
		zap.Bool("usage_capped", report.UsageCapped),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func (d *Dispatcher) flagZeroCounts(ctx context.Context, logger *zap.Logger, spec PoolSpec) (int, error) {
	zero, err := d.store.Find(ctx, spec.Collection, crawler.Filter{
		Unset:      spec.Flag,
		Counter:    spec.Counter,
		Match:      crawler.CounterZero,
		Projection: []string{"id"},
	})
	if err != nil {
		return 0, fmt.Errorf("find zero-count %s: %w", spec.Name, err)
	}
	flagged := 0
	for _, doc := range zero {
		if err := d.store.UpdateSet(ctx, spec.Collection, doc.ID(), map[string]any{spec.Flag: true}); err != nil {
			logger.Error("flag zero-count document failed", zap.String("document_id", doc.ID()), zap.Error(err))
			continue
		}
		flagged++
	}
	return flagged, nil
}

// Handle runs one job. It implements worker.Handler.
func (r *poolRun) Handle(ctx context.Context, item crawler.QueueItem) bool {
	if r.capped.Load() {
		return true
	}
	params := crawler.Params{}
	if r.spec.Family.IsReaction() {
		params.TweetID = item.DocumentID
	} else {
		params.UserID = item.DocumentID
	}

	res := r.d.engine.Crawl(ctx, r.spec.Family, params)
	r.calls.Add(int64(res.Calls))
	logger := r.logger.With(zap.String("document_id", item.DocumentID))

	switch {
	case res.Status == crawler.StatusUsageCap:
		if r.capped.CompareAndSwap(false, true) {
			logger.Warn("usage cap reached; stopping pool")
			r.cancel()
			if r.d.alerter != nil {
				// The pool context is already canceled; the alert must still go out.
				r.d.alerter.UsageCap(context.WithoutCancel(ctx), "pool "+r.spec.Name)
			}
		}
		metrics.ObservePoolJob(r.spec.Name, "usage_cap")
		return true
	case res.Status.Done():
		err := r.d.store.UpdateSet(ctx, r.spec.Collection, item.DocumentID, map[string]any{r.spec.Flag: true})
		if err != nil && !errors.Is(err, crawler.ErrNotFound) {
			logger.Error("set completion flag failed", zap.Error(err))
			r.failed.Add(1)
			metrics.ObservePoolJob(r.spec.Name, "flag_error")
			return false
		}
		r.done.Add(1)
		metrics.ObservePoolJob(r.spec.Name, "done")
		return false
	default:
		if ctx.Err() != nil {
			return true
		}
		logger.Warn("job did not complete",
			zap.String("status", res.Status.String()),
			zap.Error(res.Err),
		)
		r.failed.Add(1)
		metrics.ObservePoolJob(r.spec.Name, res.Status.String())
		return false
	}
}
