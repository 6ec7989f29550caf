// Package ingest turns normalized records into graph writes. The engine owns
// the write-retry policy: every store call is attempted a bounded number of
// times with backoff, then surfaces a StoreWriteError the orchestrator treats
// as phase-fatal.
package ingest

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/moltgraph/crawler/internal/clock"
	"github.com/moltgraph/crawler/internal/graph"
	"github.com/moltgraph/crawler/internal/metrics"
	"github.com/moltgraph/crawler/internal/normalize"
)

// Config tunes the engine's write-retry behavior.
type Config struct {
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Sleep overrides the retry delay in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine applies normalized records to a graph.Store.
type Engine struct {
	store  graph.Store
	clk    clock.Clock
	logger *zap.Logger
	cfg    Config
}

// New builds an engine. Zero-valued config fields get workable defaults.
func New(store graph.Store, clk clock.Clock, logger *zap.Logger, cfg Config) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, clk: clk, logger: logger.Named("ingest"), cfg: cfg}
}

// Store exposes the underlying store for read paths the orchestrator needs.
func (e *Engine) Store() graph.Store { return e.store }

// ApplyAgent upserts one agent observation. A profile-complete observation
// additionally stamps profile_last_fetched_at so the staleness query can
// find agents that have only ever been seen embedded.
func (e *Engine) ApplyAgent(ctx context.Context, a normalize.Agent, observedAt time.Time) error {
	props := graph.Props{}
	for k, v := range a.Props {
		props[k] = v
	}
	if a.Completeness == normalize.CompletenessProfile {
		props["profile_last_fetched_at"] = observedAt
	}
	return e.retry(ctx, "upsert agent", func() error {
		res, err := e.store.UpsertNode(ctx, graph.KindAgent, a.Name, props, observedAt)
		if err == nil {
			metrics.ObserveUpsert("agent", res.Created)
		}
		return err
	})
}

// ApplySubmolt upserts one submolt observation.
func (e *Engine) ApplySubmolt(ctx context.Context, s normalize.Submolt, observedAt time.Time) error {
	return e.retry(ctx, "upsert submolt", func() error {
		res, err := e.store.UpsertNode(ctx, graph.KindSubmolt, s.Name, graph.Props(s.Props), observedAt)
		if err == nil {
			metrics.ObserveUpsert("submolt", res.Created)
		}
		return err
	})
}

// ApplyPost upserts the post, its embedded author, and the structural
// POSTED and IN_SUBMOLT edges.
func (e *Engine) ApplyPost(ctx context.Context, p normalize.Post, observedAt time.Time) error {
	if p.Author != nil {
		if err := e.ApplyAgent(ctx, *p.Author, observedAt); err != nil {
			return err
		}
	}
	if err := e.retry(ctx, "upsert post", func() error {
		res, err := e.store.UpsertNode(ctx, graph.KindPost, p.ID, graph.Props(p.Props), observedAt)
		if err == nil {
			metrics.ObserveUpsert("post", res.Created)
		}
		return err
	}); err != nil {
		return err
	}

	postRef := graph.NodeRef{Kind: graph.KindPost, Key: p.ID}
	authorRef := graph.NodeRef{Kind: graph.KindAgent, Key: p.AuthorName}
	submoltRef := graph.NodeRef{Kind: graph.KindSubmolt, Key: p.SubmoltName}

	if err := e.retry(ctx, "edge posted", func() error {
		return e.store.UpsertEdge(ctx, graph.EdgePosted, authorRef, postRef, nil, observedAt)
	}); err != nil {
		return err
	}
	return e.retry(ctx, "edge in_submolt", func() error {
		return e.store.UpsertEdge(ctx, graph.EdgeInSubmolt, postRef, submoltRef, nil, observedAt)
	})
}

// ApplyComment upserts a comment, its author, and its COMMENTED, ON_POST,
// and optional REPLY_TO edges.
func (e *Engine) ApplyComment(ctx context.Context, c normalize.Comment, observedAt time.Time) error {
	if c.Author != nil {
		if err := e.ApplyAgent(ctx, *c.Author, observedAt); err != nil {
			return err
		}
	}
	if err := e.retry(ctx, "upsert comment", func() error {
		res, err := e.store.UpsertNode(ctx, graph.KindComment, c.ID, graph.Props(c.Props), observedAt)
		if err == nil {
			metrics.ObserveUpsert("comment", res.Created)
		}
		return err
	}); err != nil {
		return err
	}

	commentRef := graph.NodeRef{Kind: graph.KindComment, Key: c.ID}
	authorRef := graph.NodeRef{Kind: graph.KindAgent, Key: c.AuthorName}
	postRef := graph.NodeRef{Kind: graph.KindPost, Key: c.PostID}

	if err := e.retry(ctx, "edge commented", func() error {
		return e.store.UpsertEdge(ctx, graph.EdgeCommented, authorRef, commentRef, nil, observedAt)
	}); err != nil {
		return err
	}
	if err := e.retry(ctx, "edge on_post", func() error {
		return e.store.UpsertEdge(ctx, graph.EdgeOnPost, commentRef, postRef, nil, observedAt)
	}); err != nil {
		return err
	}
	if c.ParentID == "" {
		return nil
	}
	parentRef := graph.NodeRef{Kind: graph.KindComment, Key: c.ParentID}
	return e.retry(ctx, "edge reply_to", func() error {
		return e.store.UpsertEdge(ctx, graph.EdgeReplyTo, commentRef, parentRef, nil, observedAt)
	})
}

// ApplyModerators reconciles a submolt's moderator set. Each member's agent
// node is upserted first so partial display fields survive.
func (e *Engine) ApplyModerators(ctx context.Context, submolt string, mods []normalize.Moderator, observedAt time.Time) (graph.ReconcileResult, error) {
	specs := make([]graph.EdgeSpec, 0, len(mods))
	for _, m := range mods {
		if err := e.ApplyAgent(ctx, m.Agent, observedAt); err != nil {
			return graph.ReconcileResult{}, err
		}
		specs = append(specs, graph.EdgeSpec{
			Target: graph.NodeRef{Kind: graph.KindAgent, Key: m.Agent.Name},
			Props:  graph.Props{"role": m.Role},
		})
	}

	owner := graph.NodeRef{Kind: graph.KindSubmolt, Key: submolt}
	var res graph.ReconcileResult
	err := e.retry(ctx, "reconcile moderates", func() error {
		var err error
		res, err = e.store.ReconcileSet(ctx, graph.EdgeModerates, owner, specs, observedAt)
		return err
	})
	if err == nil {
		observeReconcile(graph.EdgeModerates, res)
	}
	return res, err
}

// ApplySimilar reconciles an agent's scraped similar-agent set.
func (e *Engine) ApplySimilar(ctx context.Context, agent string, similar []string, observedAt time.Time) (graph.ReconcileResult, error) {
	specs := make([]graph.EdgeSpec, 0, len(similar))
	for _, name := range similar {
		if name == agent {
			continue
		}
		specs = append(specs, graph.EdgeSpec{
			Target: graph.NodeRef{Kind: graph.KindAgent, Key: name},
		})
	}

	owner := graph.NodeRef{Kind: graph.KindAgent, Key: agent}
	var res graph.ReconcileResult
	err := e.retry(ctx, "reconcile similar", func() error {
		var err error
		res, err = e.store.ReconcileSet(ctx, graph.EdgeSimilarTo, owner, specs, observedAt)
		return err
	})
	if err == nil {
		observeReconcile(graph.EdgeSimilarTo, res)
	}
	return res, err
}

// ApplyOwnerX links an agent to its scraped X account.
func (e *Engine) ApplyOwnerX(ctx context.Context, agent, handle, url string, observedAt time.Time) error {
	props := graph.Props{}
	if url != "" {
		props["url"] = url
	}
	if err := e.retry(ctx, "upsert x account", func() error {
		_, err := e.store.UpsertNode(ctx, graph.KindXAccount, handle, props, observedAt)
		return err
	}); err != nil {
		return err
	}
	agentRef := graph.NodeRef{Kind: graph.KindAgent, Key: agent}
	xRef := graph.NodeRef{Kind: graph.KindXAccount, Key: handle}
	return e.retry(ctx, "edge has_x_account", func() error {
		return e.store.UpsertEdge(ctx, graph.EdgeOwnsXAcct, agentRef, xRef, nil, observedAt)
	})
}

// ApplyFeedSnapshot writes the ranked feed observation, applying each entry's
// post first so CONTAINS never dangles into an empty node.
func (e *Engine) ApplyFeedSnapshot(ctx context.Context, crawlID, sort string, entries []normalize.FeedEntry, observedAt time.Time) error {
	ranks := make(map[string]int, len(entries))
	for _, entry := range entries {
		if entry.Post.AuthorName != "" && entry.Post.SubmoltName != "" {
			if err := e.ApplyPost(ctx, entry.Post, observedAt); err != nil {
				return err
			}
		} else if err := e.retry(ctx, "upsert feed post", func() error {
			_, err := e.store.UpsertNode(ctx, graph.KindPost, entry.Post.ID, graph.Props(entry.Post.Props), observedAt)
			return err
		}); err != nil {
			return err
		}
		ranks[entry.Post.ID] = entry.Rank
	}

	snap := graph.FeedSnapshot{
		ID:        fmt.Sprintf("%s:%s", crawlID, sort),
		CrawlID:   crawlID,
		Sort:      sort,
		Observed:  observedAt,
		PostRanks: ranks,
	}
	return e.retry(ctx, "feed snapshot", func() error {
		return e.store.WriteFeedSnapshot(ctx, snap)
	})
}

// retry runs op up to MaxRetries times with jittered exponential backoff,
// wrapping exhaustion in a StoreWriteError.
func (e *Engine) retry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == e.cfg.MaxRetries {
			break
		}
		delay := e.delay(attempt)
		e.logger.Warn("store write failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr))
		metrics.ObserveStoreRetry()
		if err := e.cfg.Sleep(ctx, delay); err != nil {
			return err
		}
	}
	return &graph.StoreWriteError{Op: op, Attempts: e.cfg.MaxRetries, Err: lastErr}
}

func (e *Engine) delay(attempt int) time.Duration {
	d := e.cfg.BackoffInitial << (attempt - 1)
	if d > e.cfg.BackoffMax || d <= 0 {
		d = e.cfg.BackoffMax
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(half)))
	if err != nil {
		return d
	}
	return half + time.Duration(n.Int64())
}

func observeReconcile(typ graph.EdgeType, res graph.ReconcileResult) {
	metrics.ObserveReconcile(string(typ), res.Started+res.Reopened, res.Ended)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
