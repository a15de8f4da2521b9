// Package cache holds the per-run view of discovered posts and authors that bridges streamed
// API pages into graph traversal.
package cache

import (
	"github.com/JakeFAU/convograph-crawler/internal/crawler"
)

// Post is the partial record the traversal needs about one post.
type Post struct {
	ID           string
	AuthorID     string
	ReplyCount   int64
	QuoteCount   int64
	LikeCount    int64
	RetweetCount int64
	// QuotesExpanded flips false to true once and never back.
	QuotesExpanded bool
}

// Branches reports whether the post has children worth traversing.
func (p Post) Branches() bool {
	return p.ReplyCount+p.QuoteCount > 0
}

// PostFromDocument extracts the traversal fields of a post document.
func PostFromDocument(doc crawler.Document) Post {
	expanded, _ := doc.Bool("quotes_crawled")
	return Post{
		ID:             doc.ID(),
		AuthorID:       doc.String("author_id"),
		ReplyCount:     doc.Int("public_metrics.reply_count"),
		QuoteCount:     doc.Int("public_metrics.quote_count"),
		LikeCount:      doc.Int("public_metrics.like_count"),
		RetweetCount:   doc.Int("public_metrics.retweet_count"),
		QuotesExpanded: expanded,
	}
}

// Author is a user referenced by cached posts. The handle stays absent until a user lookup
// returns it.
type Author struct {
	ID       string
	Posts    []string
	handle   string
	resolved bool
}

// Handle returns the resolved handle, or false while the author is unresolved.
func (a Author) Handle() (string, bool) {
	return a.handle, a.resolved
}

// Resolved reports whether a user lookup has returned this author's handle.
func (a Author) Resolved() bool {
	return a.resolved
}

// Cache is owned by a single traversal and is not safe for concurrent use.
type Cache struct {
	authors     map[string]*Author
	authorOrder []string
	posts       map[string]*Post
	postOrder   []string
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		authors: make(map[string]*Author),
		posts:   make(map[string]*Post),
	}
}

// RecordAuthor returns the author for id, creating an unresolved one when absent.
func (c *Cache) RecordAuthor(id string) Author {
	return *c.author(id)
}

func (c *Cache) author(id string) *Author {
	if a, ok := c.authors[id]; ok {
		return a
	}
	a := &Author{ID: id}
	c.authors[id] = a
	c.authorOrder = append(c.authorOrder, id)
	return a
}

// RecordPost stores p under its author. Recording a known post refreshes its counters and
// never clears QuotesExpanded.
func (c *Cache) RecordPost(p Post) {
	if p.ID == "" {
		return
	}
	if existing, ok := c.posts[p.ID]; ok {
		expanded := existing.QuotesExpanded || p.QuotesExpanded
		if p.AuthorID == "" {
			p.AuthorID = existing.AuthorID
		}
		*existing = p
		existing.QuotesExpanded = expanded
	} else {
		cp := p
		c.posts[p.ID] = &cp
		c.postOrder = append(c.postOrder, p.ID)
	}
	if p.AuthorID == "" {
		return
	}
	a := c.author(p.AuthorID)
	for _, id := range a.Posts {
		if id == p.ID {
			return
		}
	}
	a.Posts = append(a.Posts, p.ID)
}

// MarkResolved records the handle a user lookup returned for id.
func (c *Cache) MarkResolved(id, handle string) {
	a := c.author(id)
	a.handle = handle
	a.resolved = true
}

// UnresolvedAuthorIDs lists unresolved authors in discovery order.
func (c *Cache) UnresolvedAuthorIDs() []string {
	var out []string
	for _, id := range c.authorOrder {
		if !c.authors[id].resolved {
			out = append(out, id)
		}
	}
	return out
}

// PostsNeedingQuotes lists posts with a positive quote count that were not expanded yet, in
// discovery order.
func (c *Cache) PostsNeedingQuotes() []Post {
	var out []Post
	for _, id := range c.postOrder {
		p := c.posts[id]
		if p.QuoteCount > 0 && !p.QuotesExpanded {
			out = append(out, *p)
		}
	}
	return out
}

// MarkQuotesExpanded flags the post so later passes skip it.
func (c *Cache) MarkQuotesExpanded(id string) {
	if p, ok := c.posts[id]; ok {
		p.QuotesExpanded = true
	}
}

// Post returns the cached post.
func (c *Cache) Post(id string) (Post, bool) {
	p, ok := c.posts[id]
	if !ok {
		return Post{}, false
	}
	return *p, true
}

// Author returns the cached author.
func (c *Cache) Author(id string) (Author, bool) {
	a, ok := c.authors[id]
	if !ok {
		return Author{}, false
	}
	cp := *a
	cp.Posts = append([]string(nil), a.Posts...)
	return cp, true
}

// Len returns the number of cached authors and posts.
func (c *Cache) Len() (authors, posts int) {
	return len(c.authors), len(c.posts)
}
