package paginate

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/convograph-crawler/internal/crawler"
	"github.com/JakeFAU/convograph-crawler/internal/governor"
	"github.com/JakeFAU/convograph-crawler/internal/hash/sha256"
)

var epoch = time.Unix(1_700_000_000, 0).UTC()

func TestDriveFollowsTokensUntilComplete(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{responses: []crawler.Response{
		apiResponse(200, `{"data":[{"id":"r1","author_id":"a1"}],"meta":{"result_count":1,"next_token":"t1"}}`,
			"x-rate-limit-remaining", "299", "x-response-time", "200"),
		apiResponse(200, `{"data":[{"id":"r2","author_id":"a2"}],"meta":{"result_count":1}}`,
			"x-rate-limit-remaining", "298", "x-response-time", "200"),
	}}
	handler := &recordingHandler{}
	clock := &fakeClock{now: epoch}
	engine := newTestEngine(fetcher, handler, clock, DefaultConfig())

	res := engine.Drive(context.Background(), crawler.FamilyReplies, crawler.Params{TweetID: "seed"})

	require.Equal(t, crawler.StatusComplete, res.Status)
	require.Equal(t, 2, res.Calls)
	require.Equal(t, 2, res.Pages)
	require.Len(t, fetcher.calls, 2)
	require.Empty(t, fetcher.calls[0].NextToken)
	require.Equal(t, "t1", fetcher.calls[1].NextToken)
	require.Equal(t, []string{"r1", "r2"}, handler.ids())
	require.Equal(t, []time.Duration{800 * time.Millisecond, 800 * time.Millisecond}, clock.slept())
}

func TestDriveTerminalStatusesWithoutData(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		resp   crawler.Response
		status crawler.Status
	}{
		{"empty", apiResponse(200, `{"meta":{"result_count":0}}`), crawler.StatusEmpty},
		{"not found", apiResponse(200, `{"errors":[{"title":"Not Found Error"}]}`), crawler.StatusSkipped},
		{"authorization", apiResponse(200, `{"errors":[{"title":"Authorization Error"}]}`), crawler.StatusSkipped},
		{"suspended", apiResponse(403, `{"errors":[{"title":"Forbidden"}]}`), crawler.StatusSkipped},
		{"usage cap", apiResponse(429, `{"title":"UsageCapExceeded","detail":"Usage cap exceeded: Monthly product cap"}`), crawler.StatusUsageCap},
		{"too many requests", apiResponse(429, `{"title":"Too Many Requests"}`, "x-rate-limit-reset", "1700000900"), crawler.StatusRateLimited},
		{"unknown shape", apiResponse(200, `{"unexpected":true}`, "x-rate-limit-remaining", "10"), crawler.StatusFailed},
		{"not json", apiResponse(502, `<html>bad gateway</html>`), crawler.StatusFailed},
		{"count without data", apiResponse(200, `{"meta":{"result_count":4}}`, "x-rate-limit-remaining", "10"), crawler.StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fetcher := &scriptedFetcher{responses: []crawler.Response{tc.resp}}
			handler := &recordingHandler{}
			engine := newTestEngine(fetcher, handler, &fakeClock{now: epoch}, DefaultConfig())

			res := engine.Drive(context.Background(), crawler.FamilyLiking, crawler.Params{TweetID: "1"})
			require.Equal(t, tc.status, res.Status)
			require.Equal(t, 1, res.Calls)
			require.Empty(t, handler.ids())
		})
	}
}

func TestDriveRateLimitedCarriesResumeCursor(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{responses: []crawler.Response{
		apiResponse(200, `{"data":[{"id":"u1"}],"meta":{"next_token":"t1"}}`,
			"x-rate-limit-remaining", "0", "x-rate-limit-reset", "1700000900"),
	}}
	engine := newTestEngine(fetcher, &recordingHandler{}, &fakeClock{now: epoch}, DefaultConfig())

	res := engine.Drive(context.Background(), crawler.FamilyTimeline, crawler.Params{UserID: "9"})

	require.Equal(t, crawler.StatusRateLimited, res.Status)
	require.Equal(t, time.Unix(1_700_000_900, 0).UTC(), res.ResetAt)
	require.Equal(t, "t1", res.Resume.NextToken)
	require.Equal(t, "9", res.Resume.UserID)
}

func TestDriveSentinelCountsAsExhausted(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{responses: []crawler.Response{
		apiResponse(200, `{"data":[{"id":"u1"}],"meta":{"next_token":"t1"}}`,
			"x-rate-limit-remaining", "2700", "x-rate-limit-reset", "1700000900"),
	}}
	engine := newTestEngine(fetcher, &recordingHandler{}, &fakeClock{now: epoch}, DefaultConfig())

	res := engine.Drive(context.Background(), crawler.FamilyTimeline, crawler.Params{UserID: "9"})
	require.Equal(t, crawler.StatusRateLimited, res.Status)
}

func TestCrawlSleepsUntilResetAndResumesCursor(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{responses: []crawler.Response{
		apiResponse(200, `{"data":[{"id":"u1"}],"meta":{"next_token":"t1"}}`,
			"x-rate-limit-remaining", "0", "x-rate-limit-reset", strconv.FormatInt(epoch.Add(time.Minute).Unix(), 10)),
		apiResponse(200, `{"data":[{"id":"u2"}],"meta":{}}`, "x-rate-limit-remaining", "74"),
	}}
	handler := &recordingHandler{}
	clock := &fakeClock{now: epoch}
	engine := newTestEngine(fetcher, handler, clock, DefaultConfig())

	res := engine.Crawl(context.Background(), crawler.FamilyTimeline, crawler.Params{UserID: "9"})

	require.Equal(t, crawler.StatusComplete, res.Status)
	require.Equal(t, 2, res.Calls)
	require.Equal(t, 2, res.Pages)
	require.Equal(t, "t1", fetcher.calls[1].NextToken)
	require.Equal(t, []time.Duration{time.Minute + 2*time.Second}, clock.slept())
	require.Equal(t, []string{"u1", "u2"}, handler.ids())
}

func TestCrawlRetriesSamePageAfterRateLimitError(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{responses: []crawler.Response{
		apiResponse(429, `{"title":"Too Many Requests"}`, "x-rate-limit-remaining", "0",
			"x-rate-limit-reset", strconv.FormatInt(epoch.Add(-time.Second).Unix(), 10)),
		apiResponse(200, `{"data":[{"id":"u1"}]}`),
	}}
	clock := &fakeClock{now: epoch}
	engine := newTestEngine(fetcher, &recordingHandler{}, clock, DefaultConfig())

	res := engine.Crawl(context.Background(), crawler.FamilyUserLookup, crawler.Params{IDs: []string{"1", "2"}})

	require.Equal(t, crawler.StatusComplete, res.Status)
	require.Len(t, fetcher.calls, 2)
	require.Equal(t, []string{"1", "2"}, fetcher.calls[1].IDs)
	require.Equal(t, []time.Duration{0}, clock.slept(), "a reset already in the past is ready immediately")
}

func TestCrawlGivesUpAfterMaxResetWaits(t *testing.T) {
	t.Parallel()

	limited := apiResponse(429, `{"title":"Too Many Requests"}`, "x-rate-limit-remaining", "0")
	fetcher := &scriptedFetcher{responses: []crawler.Response{limited, limited, limited}}
	cfg := DefaultConfig()
	cfg.MaxResetWaits = 1
	engine := newTestEngine(fetcher, &recordingHandler{}, &fakeClock{now: epoch}, cfg)

	res := engine.Crawl(context.Background(), crawler.FamilyTimeline, crawler.Params{UserID: "1"})
	require.Equal(t, crawler.StatusRateLimited, res.Status)
	require.Equal(t, 2, res.Calls)
}

func TestDriveFollowFamilyStopsAfterFirstPage(t *testing.T) {
	t.Parallel()

	pages := func() []crawler.Response {
		return []crawler.Response{
			apiResponse(200, `{"data":[{"id":"f1"}],"meta":{"next_token":"t1"}}`, "x-rate-limit-remaining", "14"),
			apiResponse(200, `{"data":[{"id":"f2"}],"meta":{}}`, "x-rate-limit-remaining", "13"),
		}
	}

	capped := &scriptedFetcher{responses: pages()}
	res := newTestEngine(capped, &recordingHandler{}, &fakeClock{now: epoch}, DefaultConfig()).
		Drive(context.Background(), crawler.FamilyFollowers, crawler.Params{UserID: "1"})
	require.Equal(t, crawler.StatusComplete, res.Status)
	require.Len(t, capped.calls, 1)

	cfg := DefaultConfig()
	cfg.AllFollowers = true
	full := &scriptedFetcher{responses: pages()}
	res = newTestEngine(full, &recordingHandler{}, &fakeClock{now: epoch}, cfg).
		Drive(context.Background(), crawler.FamilyFollowers, crawler.Params{UserID: "1"})
	require.Equal(t, crawler.StatusComplete, res.Status)
	require.Len(t, full.calls, 2)
}

func TestDriveStopsOnRepeatedToken(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{responses: []crawler.Response{
		apiResponse(200, `{"data":[{"id":"a"}],"meta":{"next_token":"same"}}`),
		apiResponse(200, `{"data":[{"id":"b"}],"meta":{"next_token":"same"}}`),
		apiResponse(200, `{"data":[{"id":"c"}],"meta":{}}`),
	}}
	engine := newTestEngine(fetcher, &recordingHandler{}, &fakeClock{now: epoch}, DefaultConfig())

	res := engine.Drive(context.Background(), crawler.FamilyTimeline, crawler.Params{UserID: "1"})
	require.Equal(t, crawler.StatusComplete, res.Status)
	require.Equal(t, 2, res.Calls)
}

func TestDriveFetchErrorFails(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{err: errors.New("connection reset")}
	res := newTestEngine(fetcher, &recordingHandler{}, &fakeClock{now: epoch}, DefaultConfig()).
		Drive(context.Background(), crawler.FamilyLiking, crawler.Params{TweetID: "1"})

	require.Equal(t, crawler.StatusFailed, res.Status)
	require.ErrorContains(t, res.Err, "connection reset")
}

func TestDriveArchivesMalformedResponses(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{responses: []crawler.Response{apiResponse(200, `{"oops":1}`)}}
	archive := &memoryArchive{}
	engine := New(fetcher, &recordingHandler{}, governor.New(governor.DefaultConfig()),
		&fakeClock{now: epoch}, DefaultConfig(), zap.NewNop(), WithArchive(archive))

	res := engine.Drive(context.Background(), crawler.FamilyTimeline, crawler.Params{UserID: "1"})

	require.Equal(t, crawler.StatusFailed, res.Status)
	require.ErrorIs(t, res.Err, ErrMalformed)
	require.Len(t, archive.paths, 1)
	require.Contains(t, archive.paths[0], "malformed/timeline/")
	require.Contains(t, string(archive.data[0]), `"UserID":"1"`)
}

func TestDriveArchivesByDigest(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{responses: []crawler.Response{
		apiResponse(200, `{"oops":1}`),
		apiResponse(200, `{"oops":1}`),
	}}
	archive := &memoryArchive{}
	engine := New(fetcher, &recordingHandler{}, governor.New(governor.DefaultConfig()),
		&fakeClock{now: epoch}, DefaultConfig(), zap.NewNop(), WithArchive(archive), WithHasher(sha256.New()))

	for range 2 {
		res := engine.Drive(context.Background(), crawler.FamilyLiking, crawler.Params{TweetID: "9"})
		require.Equal(t, crawler.StatusFailed, res.Status)
	}
	require.Len(t, archive.paths, 2)
	require.Equal(t, archive.paths[0], archive.paths[1])
	require.True(t, strings.HasPrefix(archive.paths[0], "malformed/liking/"+epoch.UTC().Format("2006-01-02")+"/"))
}

func TestDriveCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fetcher := &scriptedFetcher{}
	res := newTestEngine(fetcher, &recordingHandler{}, &fakeClock{now: epoch}, DefaultConfig()).
		Drive(ctx, crawler.FamilyTimeline, crawler.Params{UserID: "1"})

	require.Equal(t, crawler.StatusFailed, res.Status)
	require.ErrorIs(t, res.Err, context.Canceled)
	require.Empty(t, fetcher.calls)
}

func TestPaceDelay(t *testing.T) {
	t.Parallel()

	require.Equal(t, 700*time.Millisecond, PaceDelay(300*time.Millisecond, time.Second, 800*time.Millisecond))
	require.Equal(t, 800*time.Millisecond, PaceDelay(time.Second, time.Second, 800*time.Millisecond))
	require.Equal(t, 800*time.Millisecond, PaceDelay(3*time.Second, time.Second, 800*time.Millisecond))
	require.Equal(t, time.Second, PaceDelay(-time.Second, time.Second, 800*time.Millisecond))
}

func newTestEngine(f crawler.Fetcher, h PageHandler, clock crawler.Clock, cfg Config) *Engine {
	return New(f, h, governor.New(governor.DefaultConfig()), clock, cfg, zap.NewNop())
}

func apiResponse(status int, body string, kv ...string) crawler.Response {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return crawler.Response{StatusCode: status, Header: h, Body: []byte(body)}
}

type scriptedFetcher struct {
	mu        sync.Mutex
	responses []crawler.Response
	calls     []crawler.Params
	err       error
}

func (f *scriptedFetcher) Fetch(_ context.Context, _ crawler.Family, params crawler.Params) (crawler.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params)
	if f.err != nil {
		return crawler.Response{}, f.err
	}
	idx := len(f.calls) - 1
	if idx >= len(f.responses) {
		return crawler.Response{}, errors.New("no scripted response left")
	}
	return f.responses[idx], nil
}

type recordingHandler struct {
	mu    sync.Mutex
	pages []crawler.Page
}

func (h *recordingHandler) Classify(_ context.Context, _ crawler.Family, _ crawler.Params, page crawler.Page) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pages = append(h.pages, page)
}

func (h *recordingHandler) ids() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, p := range h.pages {
		for _, d := range p.Data {
			out = append(out, d.ID())
		}
	}
	return out
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type memoryArchive struct {
	mu    sync.Mutex
	paths []string
	data  [][]byte
}

func (a *memoryArchive) PutObject(_ context.Context, path, _ string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paths = append(a.paths, path)
	a.data = append(a.data, data)
	return "mem://" + path, nil
}
