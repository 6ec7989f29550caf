package graph

import (
	"context"
	"time"
)

// Store is the versioned-graph persistence contract. Implementations must
// make every write idempotent under the temporal rules:
//
//   - UpsertNode merges by the kind's key property: first_seen_at is set
//     only on create, last_seen_at only moves forward, and props overwrite
//     per present key with the later observation winning.
//   - UpsertEdge merges a structural edge the same way.
//   - ReconcileSet diffs the desired member set of a temporal edge type
//     against the live (ended_at absent) edges from the owner: absent
//     members are ended at observedAt, new members started, and previously
//     ended members reopened keeping their original first_seen_at.
type Store interface {
	EnsureSchema(ctx context.Context) error

	UpsertNode(ctx context.Context, kind Kind, key string, props Props, observedAt time.Time) (UpsertResult, error)
	UpsertEdge(ctx context.Context, edge EdgeType, from, to NodeRef, props Props, observedAt time.Time) error
	ReconcileSet(ctx context.Context, edge EdgeType, owner NodeRef, desired []EdgeSpec, observedAt time.Time) (ReconcileResult, error)

	BeginCrawl(ctx context.Context, c Crawl) error
	SetCrawlState(ctx context.Context, id string, state CrawlState, at time.Time) error
	EndCrawl(ctx context.Context, id string, at time.Time, counters map[string]int64) error
	FailCrawl(ctx context.Context, id string, at time.Time, reason string) error
	GetCrawl(ctx context.Context, id string) (Crawl, error)
	SetCheckpoint(ctx context.Context, id, key string, value any, at time.Time) error
	FindResumableCrawl(ctx context.Context, mode string, abandonedBefore time.Time) (Crawl, error)
	LatestCompletedCutoff(ctx context.Context, mode string) (time.Time, error)

	StaleAgents(ctx context.Context, q StaleAgentQuery) ([]string, error)
	WriteFeedSnapshot(ctx context.Context, snap FeedSnapshot) error

	Close(ctx context.Context) error
}
