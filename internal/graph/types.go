// Package graph defines the versioned property-graph model and the store
// contract the ingestion engine writes through. Nodes are identified by a
// stable merge key per kind; set-membership edges carry validity intervals
// so a disappearing edge is ended, not deleted.
package graph

import (
	"fmt"
	"time"
)

// Kind is a node label.
type Kind string

const (
	KindAgent        Kind = "Agent"
	KindSubmolt      Kind = "Submolt"
	KindPost         Kind = "Post"
	KindComment      Kind = "Comment"
	KindCrawl        Kind = "Crawl"
	KindFeedSnapshot Kind = "FeedSnapshot"
	KindXAccount     Kind = "XAccount"
)

// KeyProp returns the merge-key property for a node kind.
func (k Kind) KeyProp() string {
	switch k {
	case KindAgent, KindSubmolt:
		return "name"
	case KindXAccount:
		return "handle"
	default:
		return "id"
	}
}

// EdgeType is a relationship label.
type EdgeType string

const (
	EdgePosted    EdgeType = "POSTED"
	EdgeInSubmolt EdgeType = "IN_SUBMOLT"
	EdgeCommented EdgeType = "COMMENTED"
	EdgeOnPost    EdgeType = "ON_POST"
	EdgeReplyTo   EdgeType = "REPLY_TO"
	EdgeModerates EdgeType = "MODERATES"
	EdgeSimilarTo EdgeType = "SIMILAR_TO"
	EdgeOwnsXAcct EdgeType = "HAS_OWNER_X"
	EdgeContains  EdgeType = "CONTAINS"
)

// Temporal reports whether edges of this type carry ended_at set-membership
// semantics. Structural edges (authorship, containment) never end.
func (e EdgeType) Temporal() bool {
	return e == EdgeModerates || e == EdgeSimilarTo
}

// ReverseOwned reports that the set owner sits at the arrow head:
// MODERATES points Agent->Submolt while the submolt owns the set.
func (e EdgeType) ReverseOwned() bool {
	return e == EdgeModerates
}

// NodeRef identifies a node by kind and merge-key value.
type NodeRef struct {
	Kind Kind
	Key  string
}

func (r NodeRef) String() string {
	return fmt.Sprintf("%s(%s)", r.Kind, r.Key)
}

// Props is a bag of node or edge properties. An upsert writes only the keys
// present; absent keys never overwrite stored values.
type Props map[string]any

// Clone returns a shallow copy.
func (p Props) Clone() Props {
	out := make(Props, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// UpsertResult reports the outcome of a node upsert.
type UpsertResult struct {
	Ref     NodeRef
	Created bool
}

// ReconcileResult reports the outcome of a set-membership reconciliation.
type ReconcileResult struct {
	Started  int
	Reopened int
	Ended    int
	Kept     int
}

// EdgeSpec names one desired member of a reconciled set, with the
// per-member properties to stamp on its edge.
type EdgeSpec struct {
	Target NodeRef
	Props  Props
}

// CrawlState is the lifecycle state of a crawl run.
type CrawlState string

const (
	StateInitializing        CrawlState = "INITIALIZING"
	StateDiscoveringSubmolts CrawlState = "DISCOVERING_SUBMOLTS"
	StateListingPosts        CrawlState = "LISTING_POSTS"
	StateExpandingComments   CrawlState = "EXPANDING_COMMENTS"
	StateRefreshingProfiles  CrawlState = "REFRESHING_PROFILES"
	StateEnrichingSubmolts   CrawlState = "ENRICHING_SUBMOLTS"
	StateFinalizing          CrawlState = "FINALIZING"
	StateComplete            CrawlState = "COMPLETE"
	StateFailed              CrawlState = "FAILED"
)

// Crawl is the persisted record of a crawl run. Checkpoints live as
// properties on the run node so a resuming process reads progress and
// lifecycle in one fetch.
type Crawl struct {
	ID            string
	Mode          string
	State         CrawlState
	StartedAt     time.Time
	LastUpdatedAt time.Time
	EndedAt       time.Time
	Cutoff        time.Time
	Error         string
	Checkpoints   map[string]any
	Counters      map[string]int64
}

// StaleAgentQuery selects agents whose profile fetch is older than Before
// (or has never happened), capped at Limit.
type StaleAgentQuery struct {
	Before time.Time
	Limit  int
}

// FeedSnapshot captures one ranked feed observation.
type FeedSnapshot struct {
	ID        string
	CrawlID   string
	Sort      string
	Observed  time.Time
	PostRanks map[string]int
}

// ErrNotFound is returned by lookups that miss.
var ErrNotFound = fmt.Errorf("graph: not found")

// StoreWriteError wraps a failed store write after retries were exhausted.
type StoreWriteError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("graph: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }
