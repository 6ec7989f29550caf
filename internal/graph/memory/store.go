// Package memory implements graph.Store entirely in process. It is the
// reference implementation of the temporal merge rules and backs the
// orchestrator and engine tests; production runs use the neo4j store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/moltgraph/crawler/internal/graph"
)

type node struct {
	props     graph.Props
	firstSeen time.Time
	lastSeen  time.Time
}

type edgeKey struct {
	typ  graph.EdgeType
	from graph.NodeRef
	to   graph.NodeRef
}

type edge struct {
	props     graph.Props
	firstSeen time.Time
	lastSeen  time.Time
	ended     bool
	endedAt   time.Time
}

// Store is an in-memory graph.Store. Safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	nodes  map[graph.Kind]map[string]*node
	edges  map[edgeKey]*edge
	crawls map[string]*graph.Crawl
	snaps  map[string]graph.FeedSnapshot
}

var _ graph.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		nodes:  map[graph.Kind]map[string]*node{},
		edges:  map[edgeKey]*edge{},
		crawls: map[string]*graph.Crawl{},
		snaps:  map[string]graph.FeedSnapshot{},
	}
}

// EnsureSchema is a no-op; the in-memory store has no indexes.
func (s *Store) EnsureSchema(ctx context.Context) error { return nil }

func (s *Store) UpsertNode(ctx context.Context, kind graph.Kind, key string, props graph.Props, observedAt time.Time) (graph.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey := s.nodes[kind]
	if byKey == nil {
		byKey = map[string]*node{}
		s.nodes[kind] = byKey
	}

	ref := graph.NodeRef{Kind: kind, Key: key}
	n, ok := byKey[key]
	if !ok {
		n = &node{props: graph.Props{}, firstSeen: observedAt, lastSeen: observedAt}
		byKey[key] = n
		mergeProps(n.props, props)
		return graph.UpsertResult{Ref: ref, Created: true}, nil
	}

	mergeProps(n.props, props)
	if observedAt.After(n.lastSeen) {
		n.lastSeen = observedAt
	}
	return graph.UpsertResult{Ref: ref, Created: false}, nil
}

func (s *Store) UpsertEdge(ctx context.Context, typ graph.EdgeType, from, to graph.NodeRef, props graph.Props, observedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchEdge(edgeKey{typ: typ, from: from, to: to}, props, observedAt)
	return nil
}

// touchEdge merges one edge under the temporal rules. Reopening clears
// ended_at but keeps the original first_seen.
func (s *Store) touchEdge(k edgeKey, props graph.Props, observedAt time.Time) (started, reopened bool) {
	e, ok := s.edges[k]
	if !ok {
		e = &edge{props: graph.Props{}, firstSeen: observedAt, lastSeen: observedAt}
		s.edges[k] = e
		mergeProps(e.props, props)
		return true, false
	}
	if e.ended {
		e.ended = false
		e.endedAt = time.Time{}
		reopened = true
	}
	mergeProps(e.props, props)
	if observedAt.After(e.lastSeen) {
		e.lastSeen = observedAt
	}
	return false, reopened
}

func (s *Store) ReconcileSet(ctx context.Context, typ graph.EdgeType, owner graph.NodeRef, desired []graph.EdgeSpec, observedAt time.Time) (graph.ReconcileResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[graph.NodeRef]graph.Props, len(desired))
	for _, spec := range desired {
		want[spec.Target] = spec.Props
	}

	rev := typ.ReverseOwned()
	var res graph.ReconcileResult
	for k, e := range s.edges {
		if k.typ != typ || e.ended {
			continue
		}
		anchor, member := k.from, k.to
		if rev {
			anchor, member = k.to, k.from
		}
		if anchor != owner {
			continue
		}
		if _, keep := want[member]; !keep {
			e.ended = true
			e.endedAt = observedAt
			res.Ended++
		}
	}
	for _, spec := range desired {
		k := edgeKey{typ: typ, from: owner, to: spec.Target}
		if rev {
			k = edgeKey{typ: typ, from: spec.Target, to: owner}
		}
		started, reopened := s.touchEdge(k, spec.Props, observedAt)
		switch {
		case started:
			res.Started++
		case reopened:
			res.Reopened++
		default:
			res.Kept++
		}
	}
	return res, nil
}

func (s *Store) BeginCrawl(ctx context.Context, c graph.Crawl) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c
	if cp.Checkpoints == nil {
		cp.Checkpoints = map[string]any{}
	}
	if cp.Counters == nil {
		cp.Counters = map[string]int64{}
	}
	s.crawls[c.ID] = &cp
	return nil
}

func (s *Store) SetCrawlState(ctx context.Context, id string, state graph.CrawlState, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.crawls[id]
	if !ok {
		return graph.ErrNotFound
	}
	c.State = state
	c.LastUpdatedAt = at
	return nil
}

func (s *Store) EndCrawl(ctx context.Context, id string, at time.Time, counters map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.crawls[id]
	if !ok {
		return graph.ErrNotFound
	}
	c.State = graph.StateComplete
	c.EndedAt = at
	c.LastUpdatedAt = at
	c.Error = ""
	for k, v := range counters {
		c.Counters[k] = v
	}
	return nil
}

func (s *Store) FailCrawl(ctx context.Context, id string, at time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.crawls[id]
	if !ok {
		return graph.ErrNotFound
	}
	c.State = graph.StateFailed
	c.EndedAt = at
	c.LastUpdatedAt = at
	c.Error = reason
	return nil
}

func (s *Store) GetCrawl(ctx context.Context, id string) (graph.Crawl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.crawls[id]
	if !ok {
		return graph.Crawl{}, graph.ErrNotFound
	}
	return cloneCrawl(c), nil
}

func (s *Store) SetCheckpoint(ctx context.Context, id, key string, value any, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.crawls[id]
	if !ok {
		return graph.ErrNotFound
	}
	c.Checkpoints[key] = value
	c.LastUpdatedAt = at
	return nil
}

// FindResumableCrawl returns the most recently updated resumable crawl of
// the given mode: a FAILED run regardless of age (its process is gone and
// its checkpoints are the resume point), or an unfinished one whose last
// update predates abandonedBefore.
func (s *Store) FindResumableCrawl(ctx context.Context, mode string, abandonedBefore time.Time) (graph.Crawl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *graph.Crawl
	for _, c := range s.crawls {
		if c.Mode != mode || c.State == graph.StateComplete {
			continue
		}
		if c.State != graph.StateFailed && !c.LastUpdatedAt.Before(abandonedBefore) {
			continue
		}
		if best == nil || c.LastUpdatedAt.After(best.LastUpdatedAt) {
			best = c
		}
	}
	if best == nil {
		return graph.Crawl{}, graph.ErrNotFound
	}
	return cloneCrawl(best), nil
}

// LatestCompletedCutoff returns the start time of the most recent COMPLETE
// crawl of the mode, or the zero time when none exists.
func (s *Store) LatestCompletedCutoff(ctx context.Context, mode string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest time.Time
	for _, c := range s.crawls {
		if c.Mode == mode && c.State == graph.StateComplete && c.StartedAt.After(latest) {
			latest = c.StartedAt
		}
	}
	return latest, nil
}

// StaleAgents orders oldest fetch first; never-fetched agents sort ahead of
// everything, matching the production query's epoch coalesce.
func (s *Store) StaleAgents(ctx context.Context, q graph.StaleAgentQuery) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type candidate struct {
		name    string
		fetched time.Time
	}
	var cands []candidate
	for key, n := range s.nodes[graph.KindAgent] {
		fetched, ok := n.props["profile_last_fetched_at"].(time.Time)
		if ok && !fetched.Before(q.Before) {
			continue
		}
		if !ok {
			fetched = time.Time{}
		}
		cands = append(cands, candidate{name: key, fetched: fetched})
	}
	sort.Slice(cands, func(i, j int) bool {
		if !cands[i].fetched.Equal(cands[j].fetched) {
			return cands[i].fetched.Before(cands[j].fetched)
		}
		return cands[i].name < cands[j].name
	})
	if q.Limit > 0 && len(cands) > q.Limit {
		cands = cands[:q.Limit]
	}
	names := make([]string, len(cands))
	for i, c := range cands {
		names[i] = c.name
	}
	return names, nil
}

func (s *Store) WriteFeedSnapshot(ctx context.Context, snap graph.FeedSnapshot) error {
	s.mu.Lock()
	s.snaps[snap.ID] = snap
	s.mu.Unlock()

	if _, err := s.UpsertNode(ctx, graph.KindFeedSnapshot, snap.ID, graph.Props{
		"crawl_id":    snap.CrawlID,
		"sort":        snap.Sort,
		"observed_at": snap.Observed,
	}, snap.Observed); err != nil {
		return err
	}
	from := graph.NodeRef{Kind: graph.KindFeedSnapshot, Key: snap.ID}
	for postID, rank := range snap.PostRanks {
		to := graph.NodeRef{Kind: graph.KindPost, Key: postID}
		if err := s.UpsertEdge(ctx, graph.EdgeContains, from, to, graph.Props{"rank": rank}, snap.Observed); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error { return nil }

// --- inspection helpers for tests ---

// NodeProps returns a copy of a node's props, or nil when absent.
func (s *Store) NodeProps(kind graph.Kind, key string) graph.Props {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[kind][key]
	if !ok {
		return nil
	}
	return n.props.Clone()
}

// NodeTimes returns first_seen_at and last_seen_at for a node.
func (s *Store) NodeTimes(kind graph.Kind, key string) (first, last time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, found := s.nodes[kind][key]
	if !found {
		return time.Time{}, time.Time{}, false
	}
	return n.firstSeen, n.lastSeen, true
}

// NodeCount returns how many nodes of the kind exist.
func (s *Store) NodeCount(kind graph.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes[kind])
}

// EdgeState describes one edge for assertions.
type EdgeState struct {
	To        graph.NodeRef
	Props     graph.Props
	FirstSeen time.Time
	LastSeen  time.Time
	Ended     bool
	EndedAt   time.Time
}

// EdgesFrom returns all edges of the type leaving owner, ended included,
// sorted by target key.
func (s *Store) EdgesFrom(typ graph.EdgeType, owner graph.NodeRef) []EdgeState {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []EdgeState
	for k, e := range s.edges {
		if k.typ != typ || k.from != owner {
			continue
		}
		out = append(out, EdgeState{
			To:        k.to,
			Props:     e.props.Clone(),
			FirstSeen: e.firstSeen,
			LastSeen:  e.lastSeen,
			Ended:     e.ended,
			EndedAt:   e.endedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].To.Key < out[j].To.Key })
	return out
}

// EdgesTo returns all edges of the type arriving at target, ended included,
// sorted by source key.
func (s *Store) EdgesTo(typ graph.EdgeType, target graph.NodeRef) []EdgeState {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []EdgeState
	for k, e := range s.edges {
		if k.typ != typ || k.to != target {
			continue
		}
		out = append(out, EdgeState{
			To:        k.from,
			Props:     e.props.Clone(),
			FirstSeen: e.firstSeen,
			LastSeen:  e.lastSeen,
			Ended:     e.ended,
			EndedAt:   e.endedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].To.Key < out[j].To.Key })
	return out
}

// HasEdge reports whether a live (not ended) edge exists.
func (s *Store) HasEdge(typ graph.EdgeType, from, to graph.NodeRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.edges[edgeKey{typ: typ, from: from, to: to}]
	return ok && !e.ended
}

// Snapshot returns the stored feed snapshot by id.
func (s *Store) Snapshot(id string) (graph.FeedSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[id]
	return snap, ok
}

func cloneCrawl(c *graph.Crawl) graph.Crawl {
	out := *c
	out.Checkpoints = make(map[string]any, len(c.Checkpoints))
	for k, v := range c.Checkpoints {
		out.Checkpoints[k] = v
	}
	out.Counters = make(map[string]int64, len(c.Counters))
	for k, v := range c.Counters {
		out.Counters[k] = v
	}
	return out
}

func mergeProps(dst, src graph.Props) {
	for k, v := range src {
		dst[k] = v
	}
}
