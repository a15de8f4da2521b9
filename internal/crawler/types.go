// Package crawler defines core types shared across subsystems.
package crawler

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Family identifies the kind of fetch operation. It decides pacing and persistence routing
// and is always set by the caller at the call site.
type Family int

// Call families understood by the fetcher and classifier.
const (
	FamilySeed Family = iota + 1
	FamilyReplies
	FamilyQuotes
	FamilySearch
	FamilyUserLookup
	FamilyLiking
	FamilyRetweeting
	FamilyFollowers
	FamilyFollowing
	FamilyTimeline
)

var familyNames = map[Family]string{
	FamilySeed:       "seed",
	FamilyReplies:    "replies",
	FamilyQuotes:     "quotes",
	FamilySearch:     "search",
	FamilyUserLookup: "user_lookup",
	FamilyLiking:     "liking",
	FamilyRetweeting: "retweeting",
	FamilyFollowers:  "followers",
	FamilyFollowing:  "following",
	FamilyTimeline:   "timeline",
}

func (f Family) String() string {
	if name, ok := familyNames[f]; ok {
		return name
	}
	return "family(" + strconv.Itoa(int(f)) + ")"
}

// ParseFamily maps a family name back to its value.
func ParseFamily(name string) (Family, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for f, n := range familyNames {
		if n == name {
			return f, true
		}
	}
	return 0, false
}

// Paced reports whether the family hits the full-archive-search endpoint, which allows one
// request per second.
func (f Family) Paced() bool {
	switch f {
	case FamilySeed, FamilyReplies, FamilyQuotes, FamilySearch:
		return true
	default:
		return false
	}
}

// OnePageCapped reports whether only the first page is fetched unless full pagination is enabled.
func (f Family) OnePageCapped() bool {
	return f == FamilyFollowers || f == FamilyFollowing
}

// IsTweet reports whether pages of this family carry post records.
func (f Family) IsTweet() bool {
	return f == FamilySeed || f == FamilyReplies || f == FamilyQuotes
}

// IsReaction reports whether pages of this family list users reacting to a post.
func (f Family) IsReaction() bool {
	return f == FamilyLiking || f == FamilyRetweeting
}

// IsFollow reports whether pages of this family list users in a follow relation.
func (f Family) IsFollow() bool {
	return f == FamilyFollowers || f == FamilyFollowing
}

// Params are the logical request parameters of one fetch. The fetcher turns them into URLs.
type Params struct {
	SeedID    string
	TweetID   string
	UserID    string
	Handle    string
	IDs       []string
	Terms     []string
	Start     time.Time
	End       time.Time
	NextToken string
}

// WithToken returns a copy of p continuing at the given token.
func (p Params) WithToken(token string) Params {
	cp := p
	cp.IDs = slices.Clone(p.IDs)
	cp.Terms = slices.Clone(p.Terms)
	cp.NextToken = token
	return cp
}

// Subject returns the id the request is about, used for logging and reaction edges.
func (p Params) Subject() string {
	switch {
	case p.TweetID != "":
		return p.TweetID
	case p.UserID != "":
		return p.UserID
	case len(p.IDs) > 0:
		return strings.Join(p.IDs, ",")
	default:
		return strings.Join(p.Terms, " ")
	}
}

// Response is what the fetch capability returns for one HTTP call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Page is the decoded body of a Response.
type Page struct {
	Data   []Document `json:"data"`
	Meta   *Meta      `json:"meta,omitempty"`
	Errors []APIError `json:"errors,omitempty"`
	Title  string     `json:"title,omitempty"`
	Detail string     `json:"detail,omitempty"`
}

// HasData reports whether the body carried a data key.
func (p Page) HasData() bool {
	return p.Data != nil
}

// NextToken returns the continuation token or an empty string.
func (p Page) NextToken() string {
	if p.Meta == nil {
		return ""
	}
	return p.Meta.NextToken
}

// Meta carries pagination metadata.
type Meta struct {
	ResultCount *int   `json:"result_count,omitempty"`
	NextToken   string `json:"next_token,omitempty"`
}

// APIError is one entry of the errors array.
type APIError struct {
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
	Type   string `json:"type,omitempty"`
}

// Quota is the rate-limit snapshot derived from the most recent response.
type Quota struct {
	Remaining   int
	Limit       int
	Reset       time.Time
	Known       bool
	UsageCapped bool
}

// Status is the terminal state of one pagination loop.
type Status int

// Terminal statuses returned by the pagination engine.
const (
	StatusComplete Status = iota + 1
	StatusEmpty
	StatusSkipped
	StatusUsageCap
	StatusRateLimited
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusEmpty:
		return "empty"
	case StatusSkipped:
		return "skipped"
	case StatusUsageCap:
		return "usage_cap"
	case StatusRateLimited:
		return "rate_limited"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Done reports whether the entity behind the loop is finished and may be flagged as crawled.
func (s Status) Done() bool {
	return s == StatusComplete || s == StatusEmpty || s == StatusSkipped
}

// Result reports how a pagination loop ended.
type Result struct {
	Status Status
	// ResetAt is set for StatusRateLimited.
	ResetAt time.Time
	// Resume holds the cursor to continue from after a rate-limit wait.
	Resume Params
	Calls  int
	Pages  int
	Err    error
}

// Collections names the document collections.
type Collections struct {
	Tweets    string `mapstructure:"tweets"`
	Users     string `mapstructure:"users"`
	Timelines string `mapstructure:"timelines"`
	Follows   string `mapstructure:"follows"`
}

// CounterMatch selects how Filter.Counter is compared.
type CounterMatch int

// Counter comparisons.
const (
	CounterAny CounterMatch = iota
	CounterPositive
	CounterZero
)

// Filter selects documents in a collection.
type Filter struct {
	// ID matches the provider id exactly.
	ID string
	// Unset matches documents whose boolean field is present and false.
	Unset string
	// Counter is a dotted path to a numeric field compared with Match.
	Counter string
	Match   CounterMatch
	// Projection limits returned fields; id is always included.
	Projection []string
}

// QueueItem is one pool job: finish a secondary attribute of one stored document.
type QueueItem struct {
	DocumentID string
	Pool       string
	Submitted  int64
}

// Notification is the message handed to the notify capability.
type Notification struct {
	Subject string
	Body    string
	At      time.Time
}

// ErrNotFound signals that no document matched.
var ErrNotFound = errors.New("document not found")

// ErrDuplicate signals that at least one document was rejected by the unique id index.
var ErrDuplicate = errors.New("duplicate document id")

// ErrQueueClosed signals that a queue was closed and has no more items.
var ErrQueueClosed = errors.New("queue closed")
