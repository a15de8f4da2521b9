// Package traversal walks the reply and quote graph of a seed post breadth-first.
//
// Every node goes through the same steps: crawl its replies, resolve the authors discovered
// so far, then expand the quotes of every cached post that has not been expanded. Quoting
// posts with replies or quotes of their own are queued as new nodes, which is how the walk
// spreads across a conversation.
package traversal

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/convograph-crawler/internal/cache"
	"github.com/JakeFAU/convograph-crawler/internal/classify"
	"github.com/JakeFAU/convograph-crawler/internal/crawler"
	"github.com/JakeFAU/convograph-crawler/internal/paginate"
)

// Alerter is told once when a traversal hits the usage cap.
type Alerter interface {
	UsageCap(ctx context.Context, source string) bool
}

// Config tunes the traversal.
type Config struct {
	// PopDelay is slept before every node.
	PopDelay time.Duration
	// LookupBatch is the number of ids per user lookup.
	LookupBatch int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{PopDelay: 800 * time.Millisecond, LookupBatch: 100}
}

// Outcome summarizes one traversal.
type Outcome struct {
	SeedID         string
	Nodes          int
	Calls          int
	Authors        int
	Posts          int
	QuotesExpanded int
	// Deferred counts cached posts whose quotes were still unexpanded when the run ended.
	Deferred    int
	Failures    int
	UsageCapped bool
	Duration    time.Duration
}

// Pipeline runs traversals. Each Run owns a fresh entity cache; the pipeline itself keeps no
// per-run state.
type Pipeline struct {
	engine     *paginate.Engine
	classifier *classify.Classifier
	store      crawler.DocumentStore
	cols       crawler.Collections
	clock      crawler.Clock
	alerter    Alerter
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Pipeline. alerter may be nil.
func New(
	engine *paginate.Engine,
	classifier *classify.Classifier,
	store crawler.DocumentStore,
	cols crawler.Collections,
	clock crawler.Clock,
	alerter Alerter,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LookupBatch <= 0 || cfg.LookupBatch > 100 {
		cfg.LookupBatch = 100
	}
	if cfg.PopDelay < 0 {
		cfg.PopDelay = 0
	}
	return &Pipeline{
		engine:     engine,
		classifier: classifier,
		store:      store,
		cols:       cols,
		clock:      clock,
		alerter:    alerter,
		cfg:        cfg,
		logger:     logger,
	}
}

// run is the state of one traversal.
type run struct {
	p        *Pipeline
	seedID   string
	cache    *cache.Cache
	engine   *paginate.Engine
	queue    []cache.Post
	visited  map[string]struct{}
	quoted   []cache.Post
	replied  []cache.Post
	lookedUp map[string]struct{}
	checked  map[string]struct{}
	tasks    map[taskKey]*task
	logger   *zap.Logger
	out      Outcome
}

func (p *Pipeline) newRun(seedID string) *run {
	r := &run{
		p:        p,
		seedID:   seedID,
		cache:    cache.New(),
		visited:  make(map[string]struct{}),
		lookedUp: make(map[string]struct{}),
		checked:  make(map[string]struct{}),
		tasks:    make(map[taskKey]*task),
		logger:   p.logger.With(zap.String("seed_id", seedID)),
		out:      Outcome{SeedID: seedID},
	}
	handler := p.classifier.WithTraversal(r.cache, classify.Sinks{
		Quote: func(post cache.Post) {
			r.quoted = append(r.quoted, post)
		},
		Reply: func(post cache.Post) {
			r.replied = append(r.replied, post)
		},
	})
	r.engine = p.engine.WithHandler(handler)
	return r
}

// FetchSeed fetches and stores the seed post alone.
func (p *Pipeline) FetchSeed(ctx context.Context, seedID string) crawler.Result {
	return p.newRun(seedID).fetchSeed(ctx)
}

// Run fetches the seed post and traverses its conversation graph. A failure on one node is
// logged and the walk continues; only the usage cap stops it early. Completion flags are
// written only once everything reachable through them is done, so a stopped run resumes
// where it left off.
func (p *Pipeline) Run(ctx context.Context, seedID string) (out Outcome) {
	start := p.clock.Now()
	r := p.newRun(seedID)
	defer func() {
		r.out.Authors, r.out.Posts = r.cache.Len()
		r.out.Deferred = len(r.cache.PostsNeedingQuotes())
		r.out.Duration = p.clock.Now().Sub(start)
		r.logger.Info("traversal finished",
			zap.Int("nodes", r.out.Nodes),
			zap.Int("calls", r.out.Calls),
			zap.Int("authors", r.out.Authors),
			zap.Int("posts", r.out.Posts),
			zap.Int("quotes_expanded", r.out.QuotesExpanded),
			zap.Int("deferred", r.out.Deferred),
			zap.Int("failures", r.out.Failures),
			zap.Bool("usage_capped", r.out.UsageCapped),
			zap.Duration("duration", r.out.Duration),
		)
		out = r.out
	}()

	if r.stop(ctx, "seed", r.fetchSeed(ctx)) {
		return
	}

	r.enqueue(cache.Post{ID: seedID}, nil)
	for len(r.queue) > 0 {
		if err := p.clock.Sleep(ctx, p.cfg.PopDelay); err != nil {
			r.logger.Warn("traversal canceled", zap.Error(err))
			return
		}
		node := r.queue[0]
		r.queue = r.queue[1:]
		r.out.Nodes++
		if node.AuthorID != "" {
			r.cache.RecordPost(node)
		}
		if capped := r.visit(ctx, node.ID); capped {
			return
		}
	}
	return
}

func (r *run) fetchSeed(ctx context.Context) crawler.Result {
	res := r.engine.Crawl(ctx, crawler.FamilySeed, crawler.Params{SeedID: r.seedID, IDs: []string{r.seedID}})
	r.out.Calls += res.Calls
	return res
}

// enqueue adds a node once per run. parent, when set, waits for the node to finish.
func (r *run) enqueue(post cache.Post, parent *taskKey) {
	if _, seen := r.visited[post.ID]; seen {
		return
	}
	r.visited[post.ID] = struct{}{}
	r.queue = append(r.queue, post)
	if parent != nil {
		r.await(*parent, nodeTask(post.ID))
	}
}

// visit runs the three steps for one node and reports whether the usage cap was hit.
func (r *run) visit(ctx context.Context, id string) bool {
	logger := r.logger.With(zap.String("tweet_id", id))
	node := nodeTask(id)
	r.task(node)
	if r.replies(ctx, logger, id) {
		return true
	}
	r.await(node, taskKey{field: classify.FieldRepliesCrawled, id: id})
	if post, ok := r.cache.Post(id); ok && post.QuoteCount > 0 {
		r.await(node, taskKey{field: classify.FieldQuotesCrawled, id: id})
	}
	if r.resolveAuthors(ctx) {
		return true
	}
	if r.expandQuotes(ctx) {
		return true
	}
	r.settle(ctx, node, true)
	return false
}

// replies crawls the node's replies. The replies flag waits for the quote expansion of
// every reply that has quotes.
func (r *run) replies(ctx context.Context, logger *zap.Logger, id string) bool {
	key := taskKey{field: classify.FieldRepliesCrawled, id: id}
	if r.flagSet(ctx, id, key.field) {
		logger.Debug("replies already crawled")
		r.settleStored(ctx, key)
		return false
	}
	r.replied = r.replied[:0]
	res := r.engine.Crawl(ctx, crawler.FamilyReplies, crawler.Params{SeedID: r.seedID, TweetID: id})
	r.out.Calls += res.Calls
	if r.stop(ctx, "replies", res) {
		return true
	}
	r.task(key)
	if res.Status.Done() {
		for _, reply := range r.replied {
			if reply.QuoteCount > 0 {
				r.await(key, taskKey{field: classify.FieldQuotesCrawled, id: reply.ID})
			}
		}
	}
	r.replied = r.replied[:0]
	r.settle(ctx, key, res.Status.Done())
	return false
}

func (r *run) resolveAuthors(ctx context.Context) bool {
	var ids []string
	for _, id := range r.cache.UnresolvedAuthorIDs() {
		if _, done := r.lookedUp[id]; done {
			continue
		}
		ids = append(ids, id)
	}
	for start := 0; start < len(ids); start += r.p.cfg.LookupBatch {
		end := min(start+r.p.cfg.LookupBatch, len(ids))
		batch := ids[start:end]
		res := r.engine.Crawl(ctx, crawler.FamilyUserLookup, crawler.Params{SeedID: r.seedID, IDs: batch})
		r.out.Calls += res.Calls
		if r.stop(ctx, "user lookup", res) {
			return true
		}
		if res.Status.Done() {
			for _, id := range batch {
				r.lookedUp[id] = struct{}{}
			}
		}
	}
	return false
}

// expandQuotes crawls the quotes of every cached post not yet expanded. Quoting posts that
// branch are queued, and the quoted post's flag waits for them.
func (r *run) expandQuotes(ctx context.Context) bool {
	for _, post := range r.cache.PostsNeedingQuotes() {
		logger := r.logger.With(zap.String("tweet_id", post.ID))
		key := taskKey{field: classify.FieldQuotesCrawled, id: post.ID}
		if _, seen := r.checked[post.ID]; !seen {
			r.checked[post.ID] = struct{}{}
			if r.flagSet(ctx, post.ID, key.field) {
				r.cache.MarkQuotesExpanded(post.ID)
				r.settleStored(ctx, key)
				continue
			}
		}
		author, _ := r.cache.Author(post.AuthorID)
		handle, ok := author.Handle()
		if !ok {
			logger.Debug("author unresolved; quotes deferred", zap.String("author_id", post.AuthorID))
			continue
		}
		r.quoted = r.quoted[:0]
		res := r.engine.Crawl(ctx, crawler.FamilyQuotes, crawler.Params{
			SeedID:  r.seedID,
			TweetID: post.ID,
			Handle:  handle,
		})
		r.out.Calls += res.Calls
		if r.stop(ctx, "quotes", res) {
			return true
		}
		r.cache.MarkQuotesExpanded(post.ID)
		r.task(key)
		if res.Status.Done() {
			r.out.QuotesExpanded++
			for _, q := range r.quoted {
				if q.Branches() {
					r.enqueue(q, &key)
				}
			}
		}
		r.quoted = r.quoted[:0]
		r.settle(ctx, key, res.Status.Done())
	}
	return false
}

// stop records a failed step and reports whether the run must end because of the usage cap.
func (r *run) stop(ctx context.Context, step string, res crawler.Result) bool {
	switch res.Status {
	case crawler.StatusUsageCap:
		r.out.UsageCapped = true
		r.logger.Warn("usage cap reached; traversal stopped", zap.String("step", step))
		if r.p.alerter != nil {
			r.p.alerter.UsageCap(ctx, "traversal")
		}
		return true
	case crawler.StatusFailed, crawler.StatusRateLimited:
		r.out.Failures++
		r.logger.Error("traversal step failed", zap.String("step", step),
			zap.String("status", res.Status.String()), zap.Error(res.Err))
	}
	return false
}

func (r *run) flagSet(ctx context.Context, id, field string) bool {
	doc, err := r.p.store.FindOne(ctx, r.p.cols.Tweets, crawler.Filter{ID: id, Projection: []string{field}})
	if err != nil {
		if !errors.Is(err, crawler.ErrNotFound) {
			r.logger.Warn("flag lookup failed", zap.String("tweet_id", id), zap.String("field", field), zap.Error(err))
		}
		return false
	}
	v, _ := doc.Bool(field)
	return v
}

func (r *run) setFlag(ctx context.Context, id, field string) {
	logger := r.logger.With(zap.String("tweet_id", id))
	err := r.p.store.UpdateSet(ctx, r.p.cols.Tweets, id, map[string]any{field: true})
	switch {
	case err == nil:
	case errors.Is(err, crawler.ErrNotFound):
		logger.Debug("flag target not stored", zap.String("field", field))
	default:
		logger.Error("set flag failed", zap.String("field", field), zap.Error(err))
	}
}
