package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltgraph/crawler/internal/clock"
	"github.com/moltgraph/crawler/internal/graph"
	"github.com/moltgraph/crawler/internal/graph/memory"
	"github.com/moltgraph/crawler/internal/normalize"
)

var obsAt = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(store graph.Store) *Engine {
	return New(store, &clock.Fixed{T: obsAt}, nil, Config{
		MaxRetries: 3,
		Sleep:      func(ctx context.Context, d time.Duration) error { return nil },
	})
}

// flakyStore fails the first failures node upserts, then delegates.
type flakyStore struct {
	*memory.Store
	failures int
	calls    int
}

func (f *flakyStore) UpsertNode(ctx context.Context, kind graph.Kind, key string, props graph.Props, at time.Time) (graph.UpsertResult, error) {
	f.calls++
	if f.calls <= f.failures {
		return graph.UpsertResult{}, errors.New("connection reset")
	}
	return f.Store.UpsertNode(ctx, kind, key, props, at)
}

func TestApplyAgentStampsProfileFetchTime(t *testing.T) {
	store := memory.New()
	eng := newTestEngine(store)
	ctx := context.Background()

	partial := normalize.Agent{Name: "eliza", Completeness: normalize.CompletenessPartial, Props: map[string]any{"karma": int64(54)}}
	require.NoError(t, eng.ApplyAgent(ctx, partial, obsAt))
	_, stamped := store.NodeProps(graph.KindAgent, "eliza")["profile_last_fetched_at"]
	assert.False(t, stamped, "embedded observations never count as profile fetches")

	profile := normalize.Agent{Name: "eliza", Completeness: normalize.CompletenessProfile, Props: map[string]any{"description": "gopher"}}
	require.NoError(t, eng.ApplyAgent(ctx, profile, obsAt.Add(time.Hour)))

	props := store.NodeProps(graph.KindAgent, "eliza")
	assert.Equal(t, obsAt.Add(time.Hour), props["profile_last_fetched_at"])
	assert.Equal(t, int64(54), props["karma"], "profile fetch must not drop earlier fields")
}

func TestApplyPostWiresStructuralEdges(t *testing.T) {
	store := memory.New()
	eng := newTestEngine(store)
	ctx := context.Background()

	author := normalize.Agent{Name: "eliza", Completeness: normalize.CompletenessPartial, Props: map[string]any{}}
	post := normalize.Post{
		ID:          "p1",
		SubmoltName: "golang",
		AuthorName:  "eliza",
		Author:      &author,
		Props:       map[string]any{"title": "hello", "submolt": "golang"},
	}
	require.NoError(t, eng.ApplyPost(ctx, post, obsAt))

	postRef := graph.NodeRef{Kind: graph.KindPost, Key: "p1"}
	assert.True(t, store.HasEdge(graph.EdgePosted, graph.NodeRef{Kind: graph.KindAgent, Key: "eliza"}, postRef))
	assert.True(t, store.HasEdge(graph.EdgeInSubmolt, postRef, graph.NodeRef{Kind: graph.KindSubmolt, Key: "golang"}))
	assert.Equal(t, 1, store.NodeCount(graph.KindAgent))
	assert.Equal(t, 1, store.NodeCount(graph.KindSubmolt))
}

func TestApplyCommentReplyEdge(t *testing.T) {
	store := memory.New()
	eng := newTestEngine(store)
	ctx := context.Background()

	c := normalize.Comment{
		ID:         "c2",
		PostID:     "p1",
		ParentID:   "c1",
		AuthorName: "bob",
		Author:     &normalize.Agent{Name: "bob", Completeness: normalize.CompletenessPartial, Props: map[string]any{}},
		Props:      map[string]any{"post_id": "p1"},
	}
	require.NoError(t, eng.ApplyComment(ctx, c, obsAt))

	ref := graph.NodeRef{Kind: graph.KindComment, Key: "c2"}
	assert.True(t, store.HasEdge(graph.EdgeOnPost, ref, graph.NodeRef{Kind: graph.KindPost, Key: "p1"}))
	assert.True(t, store.HasEdge(graph.EdgeReplyTo, ref, graph.NodeRef{Kind: graph.KindComment, Key: "c1"}))
}

func TestApplyModeratorsReconciles(t *testing.T) {
	store := memory.New()
	eng := newTestEngine(store)
	ctx := context.Background()

	mods := func(names ...string) []normalize.Moderator {
		out := make([]normalize.Moderator, 0, len(names))
		for _, n := range names {
			out = append(out, normalize.Moderator{
				Agent: normalize.Agent{Name: n, Completeness: normalize.CompletenessPartial, Props: map[string]any{}},
				Role:  "moderator",
			})
		}
		return out
	}

	res, err := eng.ApplyModerators(ctx, "golang", mods("alice", "bob"), obsAt)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Started)

	res, err = eng.ApplyModerators(ctx, "golang", mods("bob"), obsAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ended)
	assert.Equal(t, 1, res.Kept)

	sub := graph.NodeRef{Kind: graph.KindSubmolt, Key: "golang"}
	assert.False(t, store.HasEdge(graph.EdgeModerates, graph.NodeRef{Kind: graph.KindAgent, Key: "alice"}, sub))
	assert.True(t, store.HasEdge(graph.EdgeModerates, graph.NodeRef{Kind: graph.KindAgent, Key: "bob"}, sub))

	edges := store.EdgesTo(graph.EdgeModerates, sub)
	require.Len(t, edges, 2)
	assert.True(t, edges[0].Ended, "alice keeps an ended edge, not a deleted one")
	assert.Equal(t, "moderator", edges[1].Props["role"])
}

func TestApplySimilarSkipsSelfReference(t *testing.T) {
	store := memory.New()
	eng := newTestEngine(store)

	res, err := eng.ApplySimilar(context.Background(), "eliza", []string{"eliza", "bob"}, obsAt)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Started)
}

func TestRetryRecoversFromTransientWriteFailure(t *testing.T) {
	flaky := &flakyStore{Store: memory.New(), failures: 2}
	eng := newTestEngine(flaky)

	a := normalize.Agent{Name: "eliza", Completeness: normalize.CompletenessPartial, Props: map[string]any{}}
	require.NoError(t, eng.ApplyAgent(context.Background(), a, obsAt))
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, 1, flaky.NodeCount(graph.KindAgent))
}

func TestRetryExhaustionWrapsStoreWriteError(t *testing.T) {
	flaky := &flakyStore{Store: memory.New(), failures: 100}
	eng := newTestEngine(flaky)

	a := normalize.Agent{Name: "eliza", Completeness: normalize.CompletenessPartial, Props: map[string]any{}}
	err := eng.ApplyAgent(context.Background(), a, obsAt)

	var werr *graph.StoreWriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, 3, werr.Attempts)
	assert.Equal(t, 3, flaky.calls)
}

func TestApplyFeedSnapshot(t *testing.T) {
	store := memory.New()
	eng := newTestEngine(store)

	entries := []normalize.FeedEntry{
		{Post: normalize.Post{ID: "p1", Props: map[string]any{"title": "sparse"}}, Rank: 1},
		{Post: normalize.Post{
			ID: "p2", SubmoltName: "golang", AuthorName: "eliza",
			Author: &normalize.Agent{Name: "eliza", Completeness: normalize.CompletenessPartial, Props: map[string]any{}},
			Props:  map[string]any{"submolt": "golang"},
		}, Rank: 2},
	}
	require.NoError(t, eng.ApplyFeedSnapshot(context.Background(), "full:x", "hot", entries, obsAt))

	snap, ok := store.Snapshot("full:x:hot")
	require.True(t, ok)
	assert.Equal(t, map[string]int{"p1": 1, "p2": 2}, snap.PostRanks)
	assert.Equal(t, 2, store.NodeCount(graph.KindPost))
}
