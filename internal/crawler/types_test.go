package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFamilyPredicates(t *testing.T) {
	t.Parallel()

	for _, f := range []Family{FamilySeed, FamilyReplies, FamilyQuotes, FamilySearch} {
		require.True(t, f.Paced(), f.String())
	}
	for _, f := range []Family{FamilyUserLookup, FamilyLiking, FamilyRetweeting, FamilyFollowers, FamilyFollowing, FamilyTimeline} {
		require.False(t, f.Paced(), f.String())
	}
	require.True(t, FamilyFollowers.OnePageCapped())
	require.True(t, FamilyFollowing.OnePageCapped())
	require.False(t, FamilyTimeline.OnePageCapped())
	require.True(t, FamilyLiking.IsReaction())
	require.False(t, FamilySearch.IsTweet())
}

func TestParseFamilyRoundTripsNames(t *testing.T) {
	t.Parallel()

	for f := FamilySeed; f <= FamilyTimeline; f++ {
		got, ok := ParseFamily(f.String())
		require.True(t, ok)
		require.Equal(t, f, got)
	}
	_, ok := ParseFamily("nope")
	require.False(t, ok)
	require.Equal(t, "family(99)", Family(99).String())
}

func TestParamsWithTokenCopiesSlices(t *testing.T) {
	t.Parallel()

	p := Params{IDs: []string{"1", "2"}, Start: time.Unix(0, 0)}
	next := p.WithToken("abc")
	next.IDs[0] = "x"

	require.Equal(t, "1", p.IDs[0])
	require.Empty(t, p.NextToken)
	require.Equal(t, "abc", next.NextToken)
	require.Equal(t, "x,2", next.Subject())
}

func TestStatusDone(t *testing.T) {
	t.Parallel()

	require.True(t, StatusComplete.Done())
	require.True(t, StatusEmpty.Done())
	require.True(t, StatusSkipped.Done())
	require.False(t, StatusUsageCap.Done())
	require.False(t, StatusRateLimited.Done())
	require.False(t, StatusFailed.Done())
}
