package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltgraph/crawler/internal/graph"
)

var (
	t0 = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(1 * time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

func agentRef(name string) graph.NodeRef {
	return graph.NodeRef{Kind: graph.KindAgent, Key: name}
}

func TestUpsertNodeIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	props := graph.Props{"display_name": "Eliza", "karma": int64(54)}

	first, err := s.UpsertNode(ctx, graph.KindAgent, "eliza", props, t0)
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := s.UpsertNode(ctx, graph.KindAgent, "eliza", props, t0)
	require.NoError(t, err)
	assert.False(t, second.Created)

	assert.Equal(t, 1, s.NodeCount(graph.KindAgent))
	fs, ls, ok := s.NodeTimes(graph.KindAgent, "eliza")
	require.True(t, ok)
	assert.Equal(t, t0, fs)
	assert.Equal(t, t0, ls)
	assert.Equal(t, props["karma"], s.NodeProps(graph.KindAgent, "eliza")["karma"])
}

func TestUpsertNodeTimestampsAreMonotonic(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.UpsertNode(ctx, graph.KindAgent, "eliza", nil, t1)
	require.NoError(t, err)
	// Re-observation with a clock that went backwards must not regress
	// last_seen_at or touch first_seen_at.
	_, err = s.UpsertNode(ctx, graph.KindAgent, "eliza", nil, t0)
	require.NoError(t, err)

	fs, ls, ok := s.NodeTimes(graph.KindAgent, "eliza")
	require.True(t, ok)
	assert.Equal(t, t1, fs)
	assert.Equal(t, t1, ls)

	_, err = s.UpsertNode(ctx, graph.KindAgent, "eliza", nil, t2)
	require.NoError(t, err)
	fs, ls, _ = s.NodeTimes(graph.KindAgent, "eliza")
	assert.Equal(t, t1, fs)
	assert.Equal(t, t2, ls)
}

func TestUpsertNodePartialRecordDoesNotClobber(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.UpsertNode(ctx, graph.KindAgent, "eliza", graph.Props{
		"karma":       int64(54),
		"description": "resident gopher",
	}, t0)
	require.NoError(t, err)

	// A sparser later observation carries only the fields it saw.
	_, err = s.UpsertNode(ctx, graph.KindAgent, "eliza", graph.Props{
		"display_name": "Eliza",
	}, t1)
	require.NoError(t, err)

	props := s.NodeProps(graph.KindAgent, "eliza")
	assert.Equal(t, int64(54), props["karma"])
	assert.Equal(t, "resident gopher", props["description"])
	assert.Equal(t, "Eliza", props["display_name"])
}

func TestReconcileSetEndsAndReopensMembership(t *testing.T) {
	s := New()
	ctx := context.Background()
	owner := agentRef("eliza")

	specs := func(names ...string) []graph.EdgeSpec {
		out := make([]graph.EdgeSpec, 0, len(names))
		for _, n := range names {
			out = append(out, graph.EdgeSpec{Target: agentRef(n)})
		}
		return out
	}

	res, err := s.ReconcileSet(ctx, graph.EdgeSimilarTo, owner, specs("a", "b", "c"), t0)
	require.NoError(t, err)
	assert.Equal(t, graph.ReconcileResult{Started: 3}, res)

	res, err = s.ReconcileSet(ctx, graph.EdgeSimilarTo, owner, specs("b", "c", "d"), t1)
	require.NoError(t, err)
	assert.Equal(t, graph.ReconcileResult{Started: 1, Ended: 1, Kept: 2}, res)

	edges := s.EdgesFrom(graph.EdgeSimilarTo, owner)
	require.Len(t, edges, 4)
	assert.True(t, edges[0].Ended, "a should be ended")
	assert.Equal(t, t1, edges[0].EndedAt)
	assert.False(t, edges[1].Ended)

	res, err = s.ReconcileSet(ctx, graph.EdgeSimilarTo, owner, specs("a", "b", "c"), t2)
	require.NoError(t, err)
	assert.Equal(t, graph.ReconcileResult{Reopened: 1, Ended: 1, Kept: 2}, res)

	edges = s.EdgesFrom(graph.EdgeSimilarTo, owner)
	byKey := map[string]EdgeState{}
	for _, e := range edges {
		byKey[e.To.Key] = e
	}
	// a reopened: live again, first_seen preserved from its first life.
	assert.False(t, byKey["a"].Ended)
	assert.Equal(t, t0, byKey["a"].FirstSeen)
	assert.Equal(t, t2, byKey["a"].LastSeen)
	// d ended in the third pass.
	assert.True(t, byKey["d"].Ended)
	assert.Equal(t, t2, byKey["d"].EndedAt)
}

func TestReconcileSetScopedToOwnerAndType(t *testing.T) {
	s := New()
	ctx := context.Background()
	sub := graph.NodeRef{Kind: graph.KindSubmolt, Key: "golang"}
	other := graph.NodeRef{Kind: graph.KindSubmolt, Key: "rust"}

	_, err := s.ReconcileSet(ctx, graph.EdgeModerates, sub, []graph.EdgeSpec{{Target: agentRef("alice")}}, t0)
	require.NoError(t, err)
	_, err = s.ReconcileSet(ctx, graph.EdgeModerates, other, []graph.EdgeSpec{{Target: agentRef("alice")}}, t0)
	require.NoError(t, err)

	// Emptying golang's set must not touch rust's edge. MODERATES points
	// agent to submolt even though the submolt owns the set.
	res, err := s.ReconcileSet(ctx, graph.EdgeModerates, sub, nil, t1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ended)
	assert.False(t, s.HasEdge(graph.EdgeModerates, agentRef("alice"), sub))
	assert.True(t, s.HasEdge(graph.EdgeModerates, agentRef("alice"), other))
}

func TestCrawlLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.BeginCrawl(ctx, graph.Crawl{
		ID:            "full:20260201T120000Z",
		Mode:          "full",
		State:         graph.StateInitializing,
		StartedAt:     t0,
		LastUpdatedAt: t0,
	}))
	require.NoError(t, s.SetCrawlState(ctx, "full:20260201T120000Z", graph.StateListingPosts, t1))
	require.NoError(t, s.SetCheckpoint(ctx, "full:20260201T120000Z", "posts_offset", 2000, t1))

	c, err := s.GetCrawl(ctx, "full:20260201T120000Z")
	require.NoError(t, err)
	assert.Equal(t, graph.StateListingPosts, c.State)
	assert.Equal(t, 2000, c.Checkpoints["posts_offset"])

	require.NoError(t, s.EndCrawl(ctx, "full:20260201T120000Z", t2, map[string]int64{"posts": 412}))
	c, err = s.GetCrawl(ctx, "full:20260201T120000Z")
	require.NoError(t, err)
	assert.Equal(t, graph.StateComplete, c.State)
	assert.Equal(t, t2, c.EndedAt)
	assert.Equal(t, int64(412), c.Counters["posts"])
}

func TestFindResumableCrawlSkipsFreshAndCompleted(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.BeginCrawl(ctx, graph.Crawl{ID: "full:a", Mode: "full", State: graph.StateComplete, LastUpdatedAt: t0}))
	require.NoError(t, s.BeginCrawl(ctx, graph.Crawl{ID: "full:b", Mode: "full", State: graph.StateListingPosts, LastUpdatedAt: t2}))
	require.NoError(t, s.BeginCrawl(ctx, graph.Crawl{ID: "full:c", Mode: "full", State: graph.StateListingPosts, LastUpdatedAt: t0}))
	require.NoError(t, s.BeginCrawl(ctx, graph.Crawl{ID: "weekly:d", Mode: "weekly", State: graph.StateListingPosts, LastUpdatedAt: t0}))

	c, err := s.FindResumableCrawl(ctx, "full", t1)
	require.NoError(t, err)
	assert.Equal(t, "full:c", c.ID)

	_, err = s.FindResumableCrawl(ctx, "smoke", t1)
	assert.ErrorIs(t, err, graph.ErrNotFound)
}

func TestFindResumableCrawlIncludesFailedRuns(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.BeginCrawl(ctx, graph.Crawl{ID: "full:a", Mode: "full", State: graph.StateComplete, LastUpdatedAt: t2}))
	require.NoError(t, s.BeginCrawl(ctx, graph.Crawl{ID: "full:b", Mode: "full", State: graph.StateFailed, LastUpdatedAt: t2}))

	// A failed run has no live owner; it is resumable however fresh its
	// last update, while the completed one never is.
	c, err := s.FindResumableCrawl(ctx, "full", t0)
	require.NoError(t, err)
	assert.Equal(t, "full:b", c.ID)
}

func TestLatestCompletedCutoff(t *testing.T) {
	s := New()
	ctx := context.Background()

	cutoff, err := s.LatestCompletedCutoff(ctx, "weekly")
	require.NoError(t, err)
	assert.True(t, cutoff.IsZero())

	require.NoError(t, s.BeginCrawl(ctx, graph.Crawl{ID: "weekly:a", Mode: "weekly", State: graph.StateComplete, StartedAt: t0}))
	require.NoError(t, s.BeginCrawl(ctx, graph.Crawl{ID: "weekly:b", Mode: "weekly", State: graph.StateFailed, StartedAt: t2}))
	require.NoError(t, s.BeginCrawl(ctx, graph.Crawl{ID: "weekly:c", Mode: "weekly", State: graph.StateComplete, StartedAt: t1}))

	cutoff, err = s.LatestCompletedCutoff(ctx, "weekly")
	require.NoError(t, err)
	assert.Equal(t, t1, cutoff, "failed runs never advance the cutoff")
}

func TestStaleAgents(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.UpsertNode(ctx, graph.KindAgent, "never", nil, t0)
	require.NoError(t, err)
	_, err = s.UpsertNode(ctx, graph.KindAgent, "stale", graph.Props{"profile_last_fetched_at": t0}, t0)
	require.NoError(t, err)
	_, err = s.UpsertNode(ctx, graph.KindAgent, "fresh", graph.Props{"profile_last_fetched_at": t2}, t2)
	require.NoError(t, err)

	names, err := s.StaleAgents(ctx, graph.StaleAgentQuery{Before: t1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"never", "stale"}, names)

	names, err = s.StaleAgents(ctx, graph.StaleAgentQuery{Before: t1, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, names, 1)
}

func TestStaleAgentsOldestFetchFirst(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.UpsertNode(ctx, graph.KindAgent, "newer", graph.Props{"profile_last_fetched_at": t1}, t1)
	require.NoError(t, err)
	_, err = s.UpsertNode(ctx, graph.KindAgent, "older", graph.Props{"profile_last_fetched_at": t0}, t0)
	require.NoError(t, err)
	_, err = s.UpsertNode(ctx, graph.KindAgent, "never", nil, t0)
	require.NoError(t, err)

	names, err := s.StaleAgents(ctx, graph.StaleAgentQuery{Before: t2, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"never", "older", "newer"}, names)

	// Budget truncation keeps the longest-unrefreshed agents.
	names, err = s.StaleAgents(ctx, graph.StaleAgentQuery{Before: t2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"never", "older"}, names)
}

func TestWriteFeedSnapshot(t *testing.T) {
	s := New()
	ctx := context.Background()

	snap := graph.FeedSnapshot{
		ID:        "full:20260201T120000Z:hot",
		CrawlID:   "full:20260201T120000Z",
		Sort:      "hot",
		Observed:  t0,
		PostRanks: map[string]int{"p1": 1, "p2": 2},
	}
	require.NoError(t, s.WriteFeedSnapshot(ctx, snap))

	assert.Equal(t, 1, s.NodeCount(graph.KindFeedSnapshot))
	edges := s.EdgesFrom(graph.EdgeContains, graph.NodeRef{Kind: graph.KindFeedSnapshot, Key: snap.ID})
	require.Len(t, edges, 2)
	assert.Equal(t, 1, edges[0].Props["rank"])
}
