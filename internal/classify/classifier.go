// Package classify routes decoded pages to their persistence targets, stamps bookkeeping
// fields, and feeds discovered ids back into the traversal.
package classify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/convograph-crawler/internal/cache"
	"github.com/JakeFAU/convograph-crawler/internal/crawler"
)

// Stored field names.
const (
	FieldCrawlTimestamp   = "crawl_timestamp"
	FieldSeed             = "seed"
	FieldLikesCrawled     = "likes_crawled"
	FieldRetweetsCrawled  = "retweets_crawled"
	FieldQuotesCrawled    = "quotes_crawled"
	FieldRepliesCrawled   = "replies_crawled"
	FieldFollowersCrawled = "followers_crawled"
	FieldFollowingCrawled = "following_crawled"
	FieldTimelineCrawled  = "timeline_crawled"
	FieldLiked            = "liked"
	FieldRetweeted        = "retweeted"
	FieldFollowing        = "following"
	FieldFollowedBy       = "followed_by"
)

// Sinks receive ids the traversal still has to visit.
type Sinks struct {
	// Quote receives every post of a quote page.
	Quote func(post cache.Post)
	// Reply receives every post of a reply page after it is cached.
	Reply func(post cache.Post)
	// Seed receives the seed id derived from every search hit.
	Seed func(id string)
}

// Config tunes classification.
type Config struct {
	// CompleteTree seeds search hits by conversation id instead of post id.
	CompleteTree bool
}

// Classifier is safe for concurrent use as long as no cache is bound; a bound copy belongs to
// one traversal.
type Classifier struct {
	store  crawler.DocumentStore
	cols   crawler.Collections
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger
	cache  *cache.Cache
	sinks  Sinks
}

// New constructs a Classifier without a traversal binding.
func New(
	store crawler.DocumentStore,
	cols crawler.Collections,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{
		store:  store,
		cols:   cols,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// WithTraversal returns a copy bound to a per-run cache and sinks.
func (c *Classifier) WithTraversal(ec *cache.Cache, sinks Sinks) *Classifier {
	cp := *c
	cp.cache = ec
	cp.sinks = sinks
	return &cp
}

// Classify handles one page. Store failures are logged and never abort the caller.
func (c *Classifier) Classify(ctx context.Context, family crawler.Family, params crawler.Params, page crawler.Page) {
	logger := c.logger.With(zap.String("family", family.String()), zap.String("subject", params.Subject()))
	if !page.HasData() {
		logger.Warn("empty page; nothing to classify")
		return
	}
	logger.Debug("classifying page", zap.Int("records", len(page.Data)))

	switch {
	case family == crawler.FamilySearch:
		c.searchHits(logger, page.Data)
	case family == crawler.FamilyTimeline:
		c.insert(ctx, logger, c.cols.Timelines, page.Data)
	case family.IsReaction():
		field := FieldLiked
		if family == crawler.FamilyRetweeting {
			field = FieldRetweeted
		}
		c.edges(ctx, logger, c.cols.Users, page.Data, field, params.TweetID, false,
			FieldLiked, FieldRetweeted)
	case family.IsFollow():
		field := FieldFollowing
		if family == crawler.FamilyFollowing {
			field = FieldFollowedBy
		}
		c.edges(ctx, logger, c.cols.Follows, page.Data, field, params.UserID, true,
			FieldFollowing, FieldFollowedBy)
	case family.IsTweet():
		c.insert(ctx, logger, c.cols.Tweets, c.posts(family, params, page.Data))
	case family == crawler.FamilyUserLookup:
		c.insert(ctx, logger, c.cols.Users, c.users(params, page.Data))
	default:
		logger.Warn("no collection for family; page dropped")
	}
}

func (c *Classifier) searchHits(logger *zap.Logger, docs []crawler.Document) {
	if c.sinks.Seed == nil {
		logger.Warn("search page without a seed sink; hits dropped")
		return
	}
	for _, d := range docs {
		id := d.ID()
		if c.cfg.CompleteTree {
			if conv := d.String("conversation_id"); conv != "" {
				id = conv
			}
		}
		if id != "" {
			c.sinks.Seed(id)
		}
	}
}

func (c *Classifier) posts(family crawler.Family, params crawler.Params, docs []crawler.Document) []crawler.Document {
	now := c.clock.Now()
	out := make([]crawler.Document, 0, len(docs))
	for _, d := range docs {
		rec := d.Clone()
		rec[FieldCrawlTimestamp] = now
		if params.SeedID != "" {
			rec[FieldSeed] = params.SeedID
		}
		rec[FieldLikesCrawled] = false
		rec[FieldRetweetsCrawled] = false
		rec[FieldQuotesCrawled] = false
		rec[FieldRepliesCrawled] = false
		out = append(out, rec)

		post := cache.PostFromDocument(d)
		switch family {
		case crawler.FamilyQuotes:
			if c.sinks.Quote != nil {
				c.sinks.Quote(post)
			}
		default:
			if c.cache != nil {
				c.cache.RecordPost(post)
			}
			if family == crawler.FamilyReplies && c.sinks.Reply != nil {
				c.sinks.Reply(post)
			}
		}
	}
	return out
}

func (c *Classifier) users(params crawler.Params, docs []crawler.Document) []crawler.Document {
	now := c.clock.Now()
	out := make([]crawler.Document, 0, len(docs))
	for _, d := range docs {
		rec := d.Clone()
		rec[FieldCrawlTimestamp] = now
		if params.SeedID != "" {
			rec[FieldSeed] = params.SeedID
		}
		rec[FieldFollowersCrawled] = false
		rec[FieldFollowingCrawled] = false
		rec[FieldTimelineCrawled] = false
		rec[FieldLiked] = []any{}
		rec[FieldRetweeted] = []any{}
		out = append(out, rec)

		if c.cache != nil {
			if handle := d.String("username"); handle != "" {
				c.cache.MarkResolved(d.ID(), handle)
			}
		}
	}
	return out
}

// edges records that every user in docs relates to subject through field. A user seen for the
// first time is inserted with empty relation arrays before the push.
func (c *Classifier) edges(
	ctx context.Context,
	logger *zap.Logger,
	coll string,
	docs []crawler.Document,
	field string,
	subject string,
	stamp bool,
	arrays ...string,
) {
	if subject == "" {
		logger.Error("relation page without a subject id; page dropped")
		return
	}
	for _, d := range docs {
		id := d.ID()
		if id == "" {
			continue
		}
		_, err := c.store.FindOne(ctx, coll, crawler.Filter{ID: id, Projection: []string{"id"}})
		switch {
		case err == nil:
		case errors.Is(err, crawler.ErrNotFound):
			rec := d.Clone()
			for _, a := range arrays {
				rec[a] = []any{}
			}
			if stamp {
				rec[FieldCrawlTimestamp] = c.clock.Now()
			}
			if err := c.store.InsertMany(ctx, coll, []crawler.Document{rec}); err != nil &&
				!errors.Is(err, crawler.ErrDuplicate) {
				logger.Error("insert user failed", zap.String("user_id", id), zap.Error(err))
				continue
			}
		default:
			logger.Error("lookup user failed", zap.String("user_id", id), zap.Error(err))
			continue
		}
		if err := c.store.PushUnique(ctx, coll, id, field, subject); err != nil {
			logger.Error("append relation failed",
				zap.String("user_id", id),
				zap.String("field", field),
				zap.Error(err),
			)
		}
	}
}

func (c *Classifier) insert(ctx context.Context, logger *zap.Logger, coll string, docs []crawler.Document) {
	if len(docs) == 0 {
		return
	}
	err := c.store.InsertMany(ctx, coll, docs)
	switch {
	case err == nil:
		logger.Debug("inserted records", zap.String("collection", coll), zap.Int("count", len(docs)))
	case errors.Is(err, crawler.ErrDuplicate):
		logger.Debug("some records already stored", zap.String("collection", coll), zap.Error(err))
	default:
		logger.Error("insert failed", zap.String("collection", coll), zap.Int("count", len(docs)), zap.Error(err))
	}
}
