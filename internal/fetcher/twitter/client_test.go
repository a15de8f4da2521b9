package twitter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/convograph-crawler/internal/crawler"
)

type quickRetry struct{ max int }

func (q quickRetry) ShouldRetry(err error, attempt int) bool { return err != nil && attempt < q.max }
func (quickRetry) Backoff(int) time.Duration                 { return time.Millisecond }

func newTestClient(t *testing.T, baseURL string, cfg Config) *Client {
	t.Helper()
	cfg.BaseURL = baseURL
	if cfg.BearerToken == "" {
		cfg.BearerToken = "token-123"
	}
	c, err := New(cfg, zap.NewNop(), WithRetryPolicy(quickRetry{max: 3}))
	require.NoError(t, err)
	return c
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, zap.NewNop())
	require.Error(t, err)
}

func TestFetchSendsBearerAndReturnsResponse(t *testing.T) {
	t.Parallel()

	seen := make(chan [2]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- [2]string{r.Header.Get("Authorization"), r.URL.Path}
		w.Header().Set("x-rate-limit-remaining", "299")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":[{"id":"1"}]}`))
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL+"/2", Config{})
	resp, err := c.Fetch(context.Background(), crawler.FamilySeed, crawler.Params{IDs: []string{"1"}})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "299", resp.Header.Get("x-rate-limit-remaining"))
	require.JSONEq(t, `{"data":[{"id":"1"}]}`, string(resp.Body))
	got := <-seen
	require.Equal(t, "Bearer token-123", got[0])
	require.Equal(t, "/2/tweets", got[1])
}

func TestFetchReturnsClientErrorsWithoutRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"title":"Too Many Requests"}`))
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL, Config{})
	resp, err := c.Fetch(context.Background(), crawler.FamilyTimeline, crawler.Params{UserID: "7"})
	require.NoError(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.EqualValues(t, 1, calls.Load())
}

func TestFetchRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"meta":{"result_count":0}}`))
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL, Config{})
	resp, err := c.Fetch(context.Background(), crawler.FamilyFollowers, crawler.Params{UserID: "7"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 3, calls.Load())
}

func TestFetchGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL, Config{})
	_, err := c.Fetch(context.Background(), crawler.FamilyFollowing, crawler.Params{UserID: "7"})
	require.ErrorIs(t, err, crawler.ErrServerStatus)
	require.EqualValues(t, 3, calls.Load())
}

func TestURLPerFamily(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "https://api.example.test/2/", Config{})
	start := time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		family crawler.Family
		params crawler.Params
		path   string
		want   map[string]string
		absent []string
	}{
		{
			name:   "seed",
			family: crawler.FamilySeed,
			params: crawler.Params{IDs: []string{"1", "2"}},
			path:   "/2/tweets",
			want:   map[string]string{"ids": "1,2"},
		},
		{
			name:   "replies first page",
			family: crawler.FamilyReplies,
			params: crawler.Params{TweetID: "42"},
			path:   "/2/tweets/search/all",
			want: map[string]string{
				"query":       "conversation_id:42",
				"start_time":  ArchiveStart,
				"max_results": "500",
			},
			absent: []string{"next_token", "pagination_token"},
		},
		{
			name:   "replies continuation",
			family: crawler.FamilyReplies,
			params: crawler.Params{TweetID: "42", NextToken: "abc"},
			path:   "/2/tweets/search/all",
			want:   map[string]string{"next_token": "abc"},
		},
		{
			name:   "quotes",
			family: crawler.FamilyQuotes,
			params: crawler.Params{TweetID: "42", Handle: "someone"},
			path:   "/2/tweets/search/all",
			want:   map[string]string{"query": `url:"https://twitter.com/someone/status/42" is:quote`},
		},
		{
			name:   "search",
			family: crawler.FamilySearch,
			params: crawler.Params{Terms: []string{"#go", "@gopher"}, Start: start, End: start.Add(48 * time.Hour)},
			path:   "/2/tweets/search/all",
			want: map[string]string{
				"query":       "#go -is:retweet OR @gopher -is:retweet",
				"start_time":  "2021-03-01T00:00:00Z",
				"end_time":    "2021-03-03T00:00:00Z",
				"max_results": "500",
			},
		},
		{
			name:   "user lookup",
			family: crawler.FamilyUserLookup,
			params: crawler.Params{IDs: []string{"9"}},
			path:   "/2/users",
			want:   map[string]string{"ids": "9"},
		},
		{
			name:   "liking",
			family: crawler.FamilyLiking,
			params: crawler.Params{TweetID: "42"},
			path:   "/2/tweets/42/liking_users",
		},
		{
			name:   "retweeting",
			family: crawler.FamilyRetweeting,
			params: crawler.Params{TweetID: "42", NextToken: "n1"},
			path:   "/2/tweets/42/retweeted_by",
			want:   map[string]string{"pagination_token": "n1"},
		},
		{
			name:   "followers",
			family: crawler.FamilyFollowers,
			params: crawler.Params{UserID: "7"},
			path:   "/2/users/7/followers",
			want:   map[string]string{"max_results": "1000"},
		},
		{
			name:   "following",
			family: crawler.FamilyFollowing,
			params: crawler.Params{UserID: "7", NextToken: "n2"},
			path:   "/2/users/7/following",
			want:   map[string]string{"max_results": "1000", "pagination_token": "n2"},
			absent: []string{"next_token"},
		},
		{
			name:   "timeline",
			family: crawler.FamilyTimeline,
			params: crawler.Params{UserID: "7"},
			path:   "/2/users/7/tweets",
			want:   map[string]string{"max_results": "100"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			raw, err := c.URL(tt.family, tt.params)
			require.NoError(t, err)
			u, err := url.Parse(raw)
			require.NoError(t, err)
			require.Equal(t, tt.path, u.Path)
			q := u.Query()
			for k, v := range tt.want {
				require.Equal(t, v, q.Get(k), k)
			}
			for _, k := range tt.absent {
				require.False(t, q.Has(k), k)
			}
		})
	}
}

func TestURLFieldSelection(t *testing.T) {
	t.Parallel()

	plain := newTestClient(t, "https://api.example.test/2/", Config{})
	raw, err := plain.URL(crawler.FamilySeed, crawler.Params{IDs: []string{"1"}})
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	fields := u.Query().Get("tweet.fields")
	require.Contains(t, fields, "public_metrics")
	require.Contains(t, fields, "conversation_id")
	require.NotContains(t, fields, "context_annotations")

	raw, err = plain.URL(crawler.FamilyUserLookup, crawler.Params{IDs: []string{"1"}})
	require.NoError(t, err)
	u, err = url.Parse(raw)
	require.NoError(t, err)
	require.True(t, strings.Contains(u.Query().Get("user.fields"), "username"))

	ner := newTestClient(t, "https://api.example.test/2/", Config{ContextAnnotations: true})
	raw, err = ner.URL(crawler.FamilyReplies, crawler.Params{TweetID: "1"})
	require.NoError(t, err)
	u, err = url.Parse(raw)
	require.NoError(t, err)
	require.Contains(t, u.Query().Get("tweet.fields"), "context_annotations")
	require.Equal(t, "100", u.Query().Get("max_results"))
}

func TestURLRejectsMissingParams(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "https://api.example.test/2/", Config{})
	tooMany := make([]string, MaxIDs+1)
	for i := range tooMany {
		tooMany[i] = "x"
	}
	cases := []struct {
		family crawler.Family
		params crawler.Params
	}{
		{crawler.FamilySeed, crawler.Params{}},
		{crawler.FamilyUserLookup, crawler.Params{IDs: tooMany}},
		{crawler.FamilyReplies, crawler.Params{}},
		{crawler.FamilyQuotes, crawler.Params{TweetID: "1"}},
		{crawler.FamilySearch, crawler.Params{}},
		{crawler.FamilyLiking, crawler.Params{}},
		{crawler.FamilyTimeline, crawler.Params{}},
		{crawler.Family(99), crawler.Params{}},
	}
	for _, tc := range cases {
		_, err := c.URL(tc.family, tc.params)
		require.Error(t, err, tc.family.String())
	}
}
