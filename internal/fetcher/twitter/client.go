// Package twitter implements crawler.Fetcher against the v2 REST API.
package twitter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/convograph-crawler/internal/crawler"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://api.twitter.com/2/"

// ArchiveStart is the earliest start_time accepted by full-archive search.
const ArchiveStart = "2010-01-20T23:59:59.000Z"

// MaxIDs is the id limit of the batch lookup endpoints.
const MaxIDs = 100

var (
	tweetFields = []string{
		"attachments", "author_id", "conversation_id", "created_at", "entities", "geo", "id",
		"in_reply_to_user_id", "lang", "possibly_sensitive", "public_metrics", "referenced_tweets",
		"reply_settings", "source", "text", "withheld",
	}
	userFields = []string{
		"created_at", "description", "entities", "id", "location", "name", "pinned_tweet_id",
		"profile_image_url", "protected", "public_metrics", "url", "username", "verified", "withheld",
	}
)

// Config controls the client.
type Config struct {
	BaseURL            string        `mapstructure:"base_url"`
	BearerToken        string        `mapstructure:"bearer_token"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
	ContextAnnotations bool          `mapstructure:"context_annotations"`
}

// Client issues one authenticated GET per Fetch call.
type Client struct {
	cfg         Config
	base        *url.URL
	httpClient  *http.Client
	retry       crawler.RetryPolicy
	logger      *zap.Logger
	tweetFields string
	userFields  string
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRetryPolicy overrides the transport retry policy.
func WithRetryPolicy(p crawler.RetryPolicy) Option {
	return func(c *Client) {
		if p != nil {
			c.retry = p
		}
	}
}

// New builds a Client. The bearer token is required.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.BearerToken) == "" {
		return nil, errors.New("twitter client: bearer token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tf := tweetFields
	if cfg.ContextAnnotations {
		tf = append(append([]string(nil), tweetFields...), "context_annotations")
	}
	c := &Client{
		cfg:         cfg,
		base:        base,
		httpClient:  &http.Client{Timeout: cfg.Timeout, Transport: newHTTPTransport()},
		retry:       crawler.NewExponentialRetryPolicy(cfg.MaxRetries, 500*time.Millisecond, 8*time.Second),
		logger:      logger.Named("twitter"),
		tweetFields: strings.Join(tf, ","),
		userFields:  strings.Join(userFields, ","),
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// Fetch performs the call for family. Any HTTP status is returned as a Response; only transport
// failures and 5xx answers that survive every retry become errors.
func (c *Client) Fetch(ctx context.Context, family crawler.Family, params crawler.Params) (crawler.Response, error) {
	target, err := c.URL(family, params)
	if err != nil {
		return crawler.Response{}, err
	}
	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := c.do(ctx, target)
		if err == nil && resp.StatusCode >= http.StatusInternalServerError {
			err = fmt.Errorf("%s %d: %w", family, resp.StatusCode, crawler.ErrServerStatus)
		}
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !c.retry.ShouldRetry(err, attempt+1) {
			break
		}
		backoff := c.retry.Backoff(attempt)
		c.logger.Warn("retrying api call",
			zap.String("family", family.String()),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if err := c.sleep(ctx, backoff); err != nil {
			return crawler.Response{}, err
		}
	}
	return crawler.Response{}, fmt.Errorf("fetch %s: %w", family, lastErr)
}

func (c *Client) do(ctx context.Context, target string) (crawler.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return crawler.Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return crawler.Response{}, fmt.Errorf("do request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return crawler.Response{}, fmt.Errorf("read body: %w", err)
	}
	return crawler.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

// URL renders the request URL for family and params.
func (c *Client) URL(family crawler.Family, params crawler.Params) (string, error) {
	path, q, err := c.request(family, params)
	if err != nil {
		return "", err
	}
	u := c.base.JoinPath(path)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) request(family crawler.Family, p crawler.Params) (string, url.Values, error) {
	q := url.Values{}
	switch family {
	case crawler.FamilySeed, crawler.FamilyUserLookup:
		if len(p.IDs) == 0 {
			return "", nil, fmt.Errorf("%s: ids are required", family)
		}
		if len(p.IDs) > MaxIDs {
			return "", nil, fmt.Errorf("%s: %d ids exceed the limit of %d", family, len(p.IDs), MaxIDs)
		}
		q.Set("ids", strings.Join(p.IDs, ","))
		if family == crawler.FamilySeed {
			q.Set("tweet.fields", c.tweetFields)
			return "tweets", q, nil
		}
		q.Set("user.fields", c.userFields)
		return "users", q, nil

	case crawler.FamilyReplies:
		if p.TweetID == "" {
			return "", nil, fmt.Errorf("%s: tweet id is required", family)
		}
		c.archiveSearch(q, "conversation_id:"+p.TweetID, p.NextToken)
		return "tweets/search/all", q, nil

	case crawler.FamilyQuotes:
		if p.TweetID == "" || p.Handle == "" {
			return "", nil, fmt.Errorf("%s: tweet id and author handle are required", family)
		}
		status := "https://twitter.com/" + p.Handle + "/status/" + p.TweetID
		c.archiveSearch(q, `url:"`+status+`" is:quote`, p.NextToken)
		return "tweets/search/all", q, nil

	case crawler.FamilySearch:
		if len(p.Terms) == 0 {
			return "", nil, fmt.Errorf("%s: at least one term is required", family)
		}
		clauses := make([]string, 0, len(p.Terms))
		for _, t := range p.Terms {
			clauses = append(clauses, t+" -is:retweet")
		}
		q.Set("query", strings.Join(clauses, " OR "))
		if !p.Start.IsZero() {
			q.Set("start_time", p.Start.UTC().Format(time.RFC3339))
		}
		if !p.End.IsZero() {
			q.Set("end_time", p.End.UTC().Format(time.RFC3339))
		}
		q.Set("max_results", "500")
		q.Set("tweet.fields", c.tweetFields)
		if p.NextToken != "" {
			q.Set("next_token", p.NextToken)
		}
		return "tweets/search/all", q, nil

	case crawler.FamilyLiking, crawler.FamilyRetweeting:
		if p.TweetID == "" {
			return "", nil, fmt.Errorf("%s: tweet id is required", family)
		}
		q.Set("user.fields", c.userFields)
		if p.NextToken != "" {
			q.Set("pagination_token", p.NextToken)
		}
		if family == crawler.FamilyLiking {
			return "tweets/" + url.PathEscape(p.TweetID) + "/liking_users", q, nil
		}
		return "tweets/" + url.PathEscape(p.TweetID) + "/retweeted_by", q, nil

	case crawler.FamilyFollowers, crawler.FamilyFollowing, crawler.FamilyTimeline:
		if p.UserID == "" {
			return "", nil, fmt.Errorf("%s: user id is required", family)
		}
		if p.NextToken != "" {
			q.Set("pagination_token", p.NextToken)
		}
		user := "users/" + url.PathEscape(p.UserID)
		switch family {
		case crawler.FamilyTimeline:
			q.Set("max_results", "100")
			q.Set("tweet.fields", c.tweetFields)
			return user + "/tweets", q, nil
		case crawler.FamilyFollowers:
			q.Set("max_results", "1000")
			q.Set("user.fields", c.userFields)
			return user + "/followers", q, nil
		default:
			q.Set("max_results", "1000")
			q.Set("user.fields", c.userFields)
			return user + "/following", q, nil
		}
	}
	return "", nil, fmt.Errorf("unsupported family %s", family)
}

// archiveSearch fills the shared full-archive-search parameters.
func (c *Client) archiveSearch(q url.Values, query, token string) {
	maxResults := "500"
	if c.cfg.ContextAnnotations {
		maxResults = "100"
	}
	q.Set("query", query)
	q.Set("start_time", ArchiveStart)
	q.Set("max_results", maxResults)
	q.Set("tweet.fields", c.tweetFields)
	if token != "" {
		q.Set("next_token", token)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
