// Package paginate drives one logical fetch operation across pages, consulting the rate
// governor after every call and handing each page to a classifier.
package paginate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/convograph-crawler/internal/crawler"
	"github.com/JakeFAU/convograph-crawler/internal/governor"
	"github.com/JakeFAU/convograph-crawler/internal/metrics"
)

const usageCapTitle = "UsageCapExceeded"

// Error titles that end a loop without data and without retry.
var skipTitles = map[string]struct{}{
	"Not Found Error":     {},
	"Authorization Error": {},
	"Forbidden":           {},
}

// ErrMalformed marks a response whose shape matched none of the known outcomes.
var ErrMalformed = errors.New("malformed response")

// PageHandler consumes every page that carries data.
type PageHandler interface {
	Classify(ctx context.Context, family crawler.Family, params crawler.Params, page crawler.Page)
}

// Config tunes pagination.
type Config struct {
	// AllFollowers lifts the one-page cap of the follow families.
	AllFollowers bool
	// PaceInterval is the per-call budget of paced families.
	PaceInterval time.Duration
	// PaceFloor is slept when a call took longer than PaceInterval.
	PaceFloor time.Duration
	// MaxResetWaits bounds how often Crawl sleeps through a reset; zero means unbounded.
	MaxResetWaits int
}

// DefaultConfig returns the production pacing.
func DefaultConfig() Config {
	return Config{
		PaceInterval: time.Second,
		PaceFloor:    800 * time.Millisecond,
	}
}

// Engine runs pagination loops. It holds no per-loop state and is safe for concurrent use;
// every loop owns its own cursor.
type Engine struct {
	fetcher  crawler.Fetcher
	handler  PageHandler
	governor *governor.Governor
	clock    crawler.Clock
	limiter  crawler.Limiter
	archive  crawler.BlobStore
	hasher   crawler.Hasher
	cfg      Config
	logger   *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLimiter shares a per-family limiter across all loops.
func WithLimiter(l crawler.Limiter) Option {
	return func(e *Engine) {
		e.limiter = l
	}
}

// WithArchive stores malformed responses for later diagnosis.
func WithArchive(b crawler.BlobStore) Option {
	return func(e *Engine) {
		e.archive = b
	}
}

// WithHasher names archived responses by the digest of their body, so identical malformed
// responses seen by many workers land in one object per day.
func WithHasher(h crawler.Hasher) Option {
	return func(e *Engine) {
		e.hasher = h
	}
}

// New constructs an Engine.
func New(
	fetcher crawler.Fetcher,
	handler PageHandler,
	gov *governor.Governor,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PaceInterval <= 0 {
		cfg.PaceInterval = time.Second
	}
	if cfg.PaceFloor <= 0 {
		cfg.PaceFloor = 800 * time.Millisecond
	}
	e := &Engine{
		fetcher:  fetcher,
		handler:  handler,
		governor: gov,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithHandler returns a copy of the engine that sends pages to h.
func (e *Engine) WithHandler(h PageHandler) *Engine {
	cp := *e
	cp.handler = h
	return &cp
}

// Crawl drives params to a terminal status, sleeping through rate-limit resets and resuming
// the same cursor afterwards. It never returns StatusRateLimited unless MaxResetWaits is hit.
func (e *Engine) Crawl(ctx context.Context, family crawler.Family, params crawler.Params) crawler.Result {
	logger := e.logger.With(zap.String("family", family.String()), zap.String("subject", params.Subject()))
	cur := params
	calls, pages, waits := 0, 0, 0
	for {
		res := e.Drive(ctx, family, cur)
		calls += res.Calls
		pages += res.Pages
		res.Calls, res.Pages = calls, pages
		if res.Status != crawler.StatusRateLimited {
			return res
		}
		waits++
		if e.cfg.MaxResetWaits > 0 && waits > e.cfg.MaxResetWaits {
			logger.Warn("giving up after repeated rate-limit waits", zap.Int("waits", waits-1))
			return res
		}
		delay := e.governor.Delay(res.ResetAt, e.clock.Now())
		logger.Info("waiting for rate-limit reset",
			zap.Time("reset_at", res.ResetAt),
			zap.Duration("wait", delay),
		)
		if err := e.clock.Sleep(ctx, delay); err != nil {
			res.Status = crawler.StatusFailed
			res.Err = fmt.Errorf("wait for reset: %w", err)
			return res
		}
		metrics.ObserveWait(family.String(), "reset", delay)
		logger.Info("rate-limit reset done")
		cur = res.Resume
	}
}

// Drive runs one pass of the work list until a terminal status. StatusRateLimited carries
// the absolute reset time and the cursor to resume from.
func (e *Engine) Drive(ctx context.Context, family crawler.Family, params crawler.Params) crawler.Result {
	logger := e.logger.With(zap.String("family", family.String()), zap.String("subject", params.Subject()))
	res := crawler.Result{}
	defer func() {
		metrics.ObservePagination(family.String(), res.Status.String())
	}()

	work := []crawler.Params{params}
	consumed := make(map[string]struct{})
	if params.NextToken != "" {
		consumed[params.NextToken] = struct{}{}
	}

	for len(work) > 0 {
		cur := work[0]
		work = work[1:]

		if err := ctx.Err(); err != nil {
			res.Status, res.Err = crawler.StatusFailed, fmt.Errorf("pagination canceled: %w", err)
			return res
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx, family); err != nil {
				res.Status, res.Err = crawler.StatusFailed, err
				return res
			}
		}

		start := e.clock.Now()
		resp, err := e.fetcher.Fetch(ctx, family, cur)
		res.Calls++
		if err != nil {
			logger.Error("fetch failed", zap.Error(err), zap.String("next_token", cur.NextToken))
			res.Status, res.Err = crawler.StatusFailed, fmt.Errorf("fetch %s: %w", family, err)
			return res
		}
		now := e.clock.Now()
		metrics.ObserveAPICall(family.String(), resp.StatusCode, now.Sub(start))

		quota := e.governor.Snapshot(resp.Header, now)
		logger.Debug("quota",
			zap.Int("remaining", quota.Remaining),
			zap.Int("limit", quota.Limit),
			zap.Time("reset_at", quota.Reset),
		)
		if family.Paced() {
			if err := e.pace(ctx, family, resp.Header, now.Sub(start)); err != nil {
				res.Status, res.Err = crawler.StatusFailed, err
				return res
			}
		}

		page, err := decodePage(resp.Body)
		if err != nil {
			e.malformed(ctx, logger, family, cur, resp, err)
			res.Status, res.Err = crawler.StatusFailed, err
			return res
		}

		if !page.HasData() {
			e.terminalWithoutData(ctx, logger, family, cur, resp, page, quota, &res)
			return res
		}

		res.Pages++
		if e.handler != nil {
			e.handler.Classify(ctx, family, cur, page)
		}

		next := page.NextToken()
		if next == "" {
			logger.Debug("pagination complete", zap.Int("pages", res.Pages))
			res.Status = crawler.StatusComplete
			return res
		}
		if family.OnePageCapped() && !e.cfg.AllFollowers {
			logger.Debug("single page cap reached", zap.String("next_token", next))
			res.Status = crawler.StatusComplete
			return res
		}
		if _, seen := consumed[next]; seen {
			logger.Warn("continuation token repeated; ending loop", zap.String("next_token", next))
			res.Status = crawler.StatusComplete
			return res
		}
		if decision := e.governor.Decide(quota, family); decision.Action == governor.Wait {
			logger.Info("rate limit reached",
				zap.Int("limit", quota.Limit),
				zap.Time("reset_at", decision.Until),
			)
			res.Status = crawler.StatusRateLimited
			res.ResetAt = decision.Until
			res.Resume = cur.WithToken(next)
			return res
		}
		consumed[next] = struct{}{}
		work = append(work, cur.WithToken(next))
	}
	res.Status = crawler.StatusComplete
	return res
}

func (e *Engine) terminalWithoutData(
	ctx context.Context,
	logger *zap.Logger,
	family crawler.Family,
	cur crawler.Params,
	resp crawler.Response,
	page crawler.Page,
	quota crawler.Quota,
	res *crawler.Result,
) {
	if page.Title == usageCapTitle {
		quota.UsageCapped = true
	}
	decision := e.governor.Decide(quota, family)
	switch {
	case page.Meta != nil && page.Meta.ResultCount != nil && *page.Meta.ResultCount == 0:
		logger.Debug("no data in response, result count is zero")
		res.Status = crawler.StatusEmpty
	case len(page.Errors) > 0 && isSkipTitle(page.Errors[0].Title):
		logger.Warn("terminal API error; skipping", zap.String("title", page.Errors[0].Title))
		res.Status = crawler.StatusSkipped
	case decision.Action == governor.Abort:
		logger.Warn("monthly usage cap exceeded")
		res.Status = crawler.StatusUsageCap
	case resp.StatusCode == http.StatusTooManyRequests || decision.Action == governor.Wait:
		logger.Info("rate limit error on request; waiting for reset", zap.Time("reset_at", quota.Reset))
		res.Status = crawler.StatusRateLimited
		res.ResetAt = quota.Reset
		res.Resume = cur
	default:
		err := fmt.Errorf("%w: status %d without data", ErrMalformed, resp.StatusCode)
		e.malformed(ctx, logger, family, cur, resp, err)
		res.Status, res.Err = crawler.StatusFailed, err
	}
}

func (e *Engine) pace(ctx context.Context, family crawler.Family, h http.Header, measured time.Duration) error {
	latency, ok := governor.Latency(h)
	if !ok {
		latency = measured
	}
	delay := PaceDelay(latency, e.cfg.PaceInterval, e.cfg.PaceFloor)
	if err := e.clock.Sleep(ctx, delay); err != nil {
		return fmt.Errorf("pace: %w", err)
	}
	metrics.ObserveWait(family.String(), "pace", delay)
	return nil
}

// PaceDelay returns the sleep that keeps a paced family under one call per interval:
// interval minus latency, or floor once the call alone took the whole interval.
func PaceDelay(latency, interval, floor time.Duration) time.Duration {
	if latency < 0 {
		latency = 0
	}
	if latency < interval {
		return interval - latency
	}
	return floor
}

func (e *Engine) malformed(
	ctx context.Context,
	logger *zap.Logger,
	family crawler.Family,
	params crawler.Params,
	resp crawler.Response,
	cause error,
) {
	logger.Error("unexpected response shape",
		zap.Error(cause),
		zap.Int("status", resp.StatusCode),
		zap.ByteString("body", truncate(resp.Body, 2048)),
		zap.Any("params", params),
	)
	if e.archive == nil {
		return
	}
	payload, err := json.Marshal(struct {
		Family string          `json:"family"`
		Params crawler.Params  `json:"params"`
		Status int             `json:"status"`
		Error  string          `json:"error"`
		Body   json.RawMessage `json:"body,omitempty"`
		Raw    string          `json:"raw,omitempty"`
	}{
		Family: family.String(),
		Params: params,
		Status: resp.StatusCode,
		Error:  cause.Error(),
		Body:   validJSON(resp.Body),
		Raw:    rawIfInvalid(resp.Body),
	})
	if err != nil {
		logger.Warn("marshal malformed response", zap.Error(err))
		return
	}
	path := e.archivePath(family, resp.Body)
	uri, err := e.archive.PutObject(ctx, path, "application/json", payload)
	if err != nil {
		logger.Warn("archive malformed response", zap.Error(err))
		return
	}
	logger.Info("archived malformed response", zap.String("uri", uri))
}

func (e *Engine) archivePath(family crawler.Family, body []byte) string {
	now := e.clock.Now().UTC()
	if e.hasher != nil {
		if sum, err := e.hasher.Hash(body); err == nil {
			return fmt.Sprintf("malformed/%s/%s/%s.json", family, now.Format("2006-01-02"), sum)
		}
	}
	return fmt.Sprintf("malformed/%s/%d.json", family, now.UnixNano())
}

func decodePage(body []byte) (crawler.Page, error) {
	var page crawler.Page
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return page, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&page); err != nil {
		return page, fmt.Errorf("%w: decode body: %v", ErrMalformed, err)
	}
	return page, nil
}

func isSkipTitle(title string) bool {
	_, ok := skipTitles[title]
	return ok
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

func validJSON(b []byte) json.RawMessage {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	return nil
}

func rawIfInvalid(b []byte) string {
	if json.Valid(b) {
		return ""
	}
	return string(b)
}
