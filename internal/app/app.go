// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/convograph-crawler/internal/classify"
	"github.com/JakeFAU/convograph-crawler/internal/clock/system"
	"github.com/JakeFAU/convograph-crawler/internal/config"
	"github.com/JakeFAU/convograph-crawler/internal/crawler"
	"github.com/JakeFAU/convograph-crawler/internal/dispatcher"
	"github.com/JakeFAU/convograph-crawler/internal/fetcher/twitter"
	"github.com/JakeFAU/convograph-crawler/internal/governor"
	"github.com/JakeFAU/convograph-crawler/internal/hash/sha256"
	"github.com/JakeFAU/convograph-crawler/internal/id/uuid"
	"github.com/JakeFAU/convograph-crawler/internal/notify"
	lognotify "github.com/JakeFAU/convograph-crawler/internal/notify/log"
	pubsubnotify "github.com/JakeFAU/convograph-crawler/internal/notify/pubsub"
	"github.com/JakeFAU/convograph-crawler/internal/notify/redisguard"
	smtpnotify "github.com/JakeFAU/convograph-crawler/internal/notify/smtp"
	"github.com/JakeFAU/convograph-crawler/internal/paginate"
	"github.com/JakeFAU/convograph-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/convograph-crawler/internal/storage/gcs"
	"github.com/JakeFAU/convograph-crawler/internal/storage/local"
	"github.com/JakeFAU/convograph-crawler/internal/storage/memory"
	"github.com/JakeFAU/convograph-crawler/internal/storage/mongodb"
	"github.com/JakeFAU/convograph-crawler/internal/storage/postgres"
	"github.com/JakeFAU/convograph-crawler/internal/store"
	"github.com/JakeFAU/convograph-crawler/internal/traversal"
)

// AllPools selects every configured pool.
const AllPools = "all"

// Option overrides a dependency, mainly for tests.
type Option func(*options)

type options struct {
	fetcher crawler.Fetcher
	clock   crawler.Clock
	docs    crawler.DocumentStore
}

// WithFetcher replaces the API client.
func WithFetcher(f crawler.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithClock replaces the system clock.
func WithClock(c crawler.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithDocumentStore replaces the configured document store.
func WithDocumentStore(s crawler.DocumentStore) Option {
	return func(o *options) { o.docs = s }
}

// App holds all the shared, long-lived services for the application.
// It is built once per command and closed when the command returns.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	clock      crawler.Clock
	docs       crawler.DocumentStore
	runs       store.RunRepository
	ledger     *store.Ledger
	alerter    *notify.Alerter
	engine     *paginate.Engine
	traversal  *traversal.Pipeline
	dispatcher *dispatcher.Dispatcher
	pools      map[string]dispatcher.PoolSpec

	readiness []func(ctx context.Context) error
	closers   []func(ctx context.Context) error
	closeOnce sync.Once
}

// New creates and initializes the App from cfg. It fails fast if any configured backend
// cannot be reached, closing whatever was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	a = &App{cfg: cfg, logger: logger, clock: o.clock}
	if a.clock == nil {
		a.clock = system.New()
	}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
			a = nil
		}
	}()

	logger.Info("initializing application services")
	cols := cfg.Storage.Collections

	a.docs = o.docs
	if a.docs == nil {
		if a.docs, err = a.openDocumentStore(ctx); err != nil {
			return a, err
		}
	}
	if err = a.openLedger(ctx); err != nil {
		return a, err
	}
	archive, err := a.openArchive(ctx)
	if err != nil {
		return a, err
	}
	if err = a.openAlerter(ctx); err != nil {
		return a, err
	}

	fetcher := o.fetcher
	if fetcher == nil {
		if fetcher, err = twitter.New(cfg.API, logger.Named("twitter")); err != nil {
			return a, fmt.Errorf("init api client: %w", err)
		}
	}

	familySentinels, err := cfg.Governor.FamilySentinelMap()
	if err != nil {
		return a, err
	}
	rates, err := cfg.Pacing.SharedRateMap()
	if err != nil {
		return a, err
	}
	gov := governor.New(governor.Config{
		Sentinels:       cfg.Governor.Sentinels,
		FamilySentinels: familySentinels,
		Skew:            cfg.Governor.Skew,
		FallbackReset:   cfg.Governor.FallbackReset,
	})

	classifier := classify.New(a.docs, cols, a.clock, classify.Config{CompleteTree: cfg.Crawl.CompleteTree},
		logger.Named("classify"))
	engineOpts := []paginate.Option{}
	if len(rates) > 0 {
		engineOpts = append(engineOpts, paginate.WithLimiter(ratelimit.New(ratelimit.Config{
			RPS:   rates,
			Burst: cfg.Pacing.Burst,
		})))
	}
	if archive != nil {
		engineOpts = append(engineOpts, paginate.WithArchive(archive), paginate.WithHasher(sha256.New()))
	}
	a.engine = paginate.New(fetcher, classifier, gov, a.clock, paginate.Config{
		AllFollowers:  cfg.Crawl.AllFollowers,
		PaceInterval:  cfg.Pacing.Interval,
		PaceFloor:     cfg.Pacing.Floor,
		MaxResetWaits: cfg.Crawl.MaxResetWaits,
	}, logger.Named("paginate"), engineOpts...)

	a.traversal = traversal.New(a.engine, classifier, a.docs, cols, a.clock, a.alerter, traversal.Config{
		PopDelay:    cfg.Crawl.PopDelay,
		LookupBatch: cfg.Crawl.LookupBatch,
	}, logger.Named("traversal"))
	a.dispatcher = dispatcher.New(a.engine, a.docs, a.clock, a.alerter, logger.Named("dispatcher"))
	a.pools = dispatcher.DefaultPools(cols)
	for name, override := range cfg.Pools {
		spec, ok := a.pools[name]
		if !ok {
			return a, fmt.Errorf("pools.%s: unknown pool", name)
		}
		if override.Workers > 0 {
			spec.Workers = override.Workers
			a.pools[name] = spec
		}
	}

	logger.Info("application services initialized",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("ledger", cfg.Ledger.Backend),
		zap.String("archive", cfg.Archive.Backend))
	return a, nil
}

func (a *App) openDocumentStore(ctx context.Context) (crawler.DocumentStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendMemory:
		a.logger.Warn("using in-memory document store; documents are lost on exit")
		return memory.NewDocumentStore(), nil
	case config.BackendMongo:
		client, err := mongodb.Connect(ctx, a.cfg.Storage.Mongo)
		if err != nil {
			return nil, err
		}
		a.onClose(client.Disconnect)
		a.readiness = append(a.readiness, func(ctx context.Context) error {
			return pingMongo(ctx, client)
		})
		docs := mongodb.NewDocumentStore(client.Database(a.cfg.Storage.Mongo.Database), a.logger.Named("mongo"))
		cols := a.cfg.Storage.Collections
		if err := docs.EnsureIndexes(ctx, cols.Tweets, cols.Users, cols.Timelines, cols.Follows); err != nil {
			return nil, err
		}
		a.logger.Info("connected to mongo", zap.String("database", a.cfg.Storage.Mongo.Database))
		return docs, nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", a.cfg.Storage.Backend)
	}
}

func pingMongo(ctx context.Context, client *mongo.Client) error {
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo: %w", err)
	}
	return nil
}

func (a *App) openLedger(ctx context.Context) error {
	switch a.cfg.Ledger.Backend {
	case config.BackendNone, "":
	case config.BackendMemory:
		a.runs = memory.NewRunStore()
	case config.BackendPostgres:
		runs, err := postgres.NewRunStore(ctx, a.cfg.Ledger.Postgres)
		if err != nil {
			return err
		}
		a.onClose(func(context.Context) error {
			runs.Close()
			return nil
		})
		if err := runs.EnsureSchema(ctx); err != nil {
			return err
		}
		a.runs = runs
	default:
		return fmt.Errorf("unknown ledger backend: %s", a.cfg.Ledger.Backend)
	}
	a.ledger = store.NewLedger(a.runs, uuid.New(), func() time.Time { return a.clock.Now().UTC() }, a.logger)
	return nil
}

func (a *App) openArchive(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case config.BackendNone, "":
		return nil, nil
	case config.BackendMemory:
		return memory.NewBlobStore(), nil
	case config.BackendLocal:
		archive, err := local.New(a.cfg.Archive.Local)
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		return archive, nil
	case config.BackendGCS:
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.onClose(func(context.Context) error { return client.Close() })
		archive, err := gcs.New(gcs.ClientWriter{Client: client}, a.cfg.Archive.GCS)
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		return archive, nil
	default:
		return nil, fmt.Errorf("unknown archive backend: %s", a.cfg.Archive.Backend)
	}
}

func (a *App) openAlerter(ctx context.Context) error {
	nc := a.cfg.Notify
	var notifiers []crawler.Notifier
	if nc.Log {
		notifiers = append(notifiers, lognotify.New(a.logger))
	}
	if nc.SMTP.Enabled() {
		n, err := smtpnotify.New(nc.SMTP)
		if err != nil {
			return err
		}
		notifiers = append(notifiers, n)
	}
	if nc.PubSub.Enabled() {
		client, err := gpubsub.NewClient(ctx, nc.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("init pubsub client: %w", err)
		}
		topic := client.Topic(nc.PubSub.Topic)
		a.onClose(func(context.Context) error {
			topic.Stop()
			return client.Close()
		})
		notifiers = append(notifiers, pubsubnotify.New(pubsubnotify.TopicAdapter{T: topic}))
	}

	var guard crawler.NotifyGuard
	if nc.Guard.Addr != "" {
		g, client, err := redisguard.Dial(ctx, nc.Guard)
		if err != nil {
			return err
		}
		a.onClose(func(context.Context) error { return client.Close() })
		a.readiness = append(a.readiness, func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			return nil
		})
		guard = g
	} else {
		guard = notify.NewMemoryGuard(nc.Guard.Period, a.clock)
	}
	a.alerter = notify.NewAlerter(notifiers, guard, a.clock, a.logger)
	return nil
}

func (a *App) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Runs returns the run ledger repository, or nil when the ledger is disabled.
func (a *App) Runs() store.RunRepository {
	return a.runs
}

// Documents returns the document store.
func (a *App) Documents() crawler.DocumentStore {
	return a.docs
}

// Pools returns the configured pool specs keyed by name.
func (a *App) Pools() map[string]dispatcher.PoolSpec {
	return a.pools
}

// Ready checks every backend that can become unreachable after startup.
func (a *App) Ready(ctx context.Context) error {
	var errs []error
	for _, check := range a.readiness {
		if err := check(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FetchSeed fetches and stores one post without traversing it.
func (a *App) FetchSeed(ctx context.Context, seedID string) crawler.Result {
	return a.traversal.FetchSeed(ctx, seedID)
}

// Traverse runs one traversal from seedID and records it in the ledger.
func (a *App) Traverse(ctx context.Context, seedID string) traversal.Outcome {
	entry := a.ledger.Begin(ctx, store.KindTraversal, seedID)
	out := a.traversal.Run(ctx, seedID)
	err := ctx.Err()
	entry.Finish(context.WithoutCancel(ctx), runStatus(out.UsageCapped, err), store.Counters{
		Calls:    int64(out.Calls),
		Items:    int64(out.Nodes),
		Failures: int64(out.Failures),
	}, err)
	return out
}

// Search crawls posts matching terms in [start, end) and traverses the new seeds.
func (a *App) Search(ctx context.Context, terms []string, start, end time.Time) traversal.SearchOutcome {
	entry := a.ledger.Begin(ctx, store.KindSearch, strings.Join(terms, " "))
	out := a.traversal.Search(ctx, terms, start, end)
	err := ctx.Err()
	entry.Finish(context.WithoutCancel(ctx), runStatus(out.UsageCapped, err), searchCounters(out), err)
	return out
}

// RunEvent runs the configured event called name.
func (a *App) RunEvent(ctx context.Context, name string) (traversal.SearchOutcome, error) {
	ev, ok := a.cfg.Event(name)
	if !ok {
		return traversal.SearchOutcome{}, fmt.Errorf("unknown event %q", name)
	}
	start, err := ev.StartTime()
	if err != nil {
		return traversal.SearchOutcome{}, err
	}
	entry := a.ledger.Begin(ctx, store.KindEvent, name)
	out, err := a.traversal.RunEvent(ctx, traversal.Event{
		Name:    ev.Name,
		SeedID:  ev.SeedID,
		Start:   start,
		Days:    ev.Days,
		Tags:    ev.Tags,
		Comment: ev.Comment,
	})
	if err == nil {
		err = ctx.Err()
	}
	entry.Finish(context.WithoutCancel(ctx), runStatus(out.UsageCapped, err), searchCounters(out), err)
	return out, err
}

// ResolvePools expands "all" and rejects unknown pool names.
func (a *App) ResolvePools(names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, errors.New("no pool named")
	}
	var out []string
	seen := make(map[string]struct{})
	for _, n := range names {
		if n == AllPools {
			return dispatcher.PoolNames(a.pools), nil
		}
		if _, ok := a.pools[n]; !ok {
			return nil, fmt.Errorf("unknown pool %q (want one of %s or %s)",
				n, strings.Join(dispatcher.PoolNames(a.pools), ", "), AllPools)
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out, nil
}

// RunPools runs the named pools concurrently and returns their reports in the order given.
// Each pool is recorded in the ledger.
func (a *App) RunPools(ctx context.Context, names []string) ([]dispatcher.PoolReport, error) {
	names, err := a.ResolvePools(names)
	if err != nil {
		return nil, err
	}
	reports := make([]dispatcher.PoolReport, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		spec := a.pools[name]
		g.Go(func() error {
			entry := a.ledger.Begin(gctx, store.KindPool, name)
			report, err := a.dispatcher.RunPool(gctx, spec)
			reports[i] = report
			entry.Finish(context.WithoutCancel(gctx), runStatus(report.UsageCapped, err), store.Counters{
				Calls:    int64(report.Calls),
				Items:    int64(report.Done + report.Trivial),
				Failures: int64(report.Failed + report.Abandoned),
			}, err)
			if err != nil {
				return fmt.Errorf("pool %s: %w", name, err)
			}
			return nil
		})
	}
	err = g.Wait()
	return reports, err
}

// Close shuts down every opened backend in reverse order.
func (a *App) Close(ctx context.Context) {
	a.closeOnce.Do(func() {
		a.logger.Info("shutting down application services")
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](ctx); err != nil {
				a.logger.Warn("error closing service", zap.Error(err))
			}
		}
	})
}

func runStatus(usageCapped bool, err error) store.RunStatus {
	switch {
	case usageCapped:
		return store.RunUsageCap
	case err != nil:
		return store.RunError
	default:
		return store.RunSuccess
	}
}

func searchCounters(out traversal.SearchOutcome) store.Counters {
	c := store.Counters{Calls: int64(out.Calls)}
	for _, t := range out.Traversals {
		c.Items += int64(t.Nodes)
		c.Failures += int64(t.Failures)
	}
	return c
}
