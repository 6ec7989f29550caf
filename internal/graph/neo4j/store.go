package neo4j

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/moltgraph/crawler/internal/graph"
)

const (
	checkpointPrefix = "cp_"
	counterPrefix    = "n_"
)

// Store implements graph.Store on Neo4j.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *zap.Logger
}

var _ graph.Store = (*Store)(nil)

// NewStore wraps an already-connected driver.
func NewStore(driver neo4j.DriverWithContext, database string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{driver: driver, database: database, logger: logger.Named("neo4j")}
}

func (s *Store) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: s.database,
	})
}

// EnsureSchema creates uniqueness constraints and lookup indexes. Failures
// are logged and swallowed: a read-only or community deployment still works,
// just slower.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		"CREATE CONSTRAINT agent_name IF NOT EXISTS FOR (a:Agent) REQUIRE a.name IS UNIQUE",
		"CREATE CONSTRAINT submolt_name IF NOT EXISTS FOR (s:Submolt) REQUIRE s.name IS UNIQUE",
		"CREATE CONSTRAINT post_id IF NOT EXISTS FOR (p:Post) REQUIRE p.id IS UNIQUE",
		"CREATE CONSTRAINT comment_id IF NOT EXISTS FOR (c:Comment) REQUIRE c.id IS UNIQUE",
		"CREATE CONSTRAINT crawl_id IF NOT EXISTS FOR (c:Crawl) REQUIRE c.id IS UNIQUE",
		"CREATE CONSTRAINT feed_snapshot_id IF NOT EXISTS FOR (f:FeedSnapshot) REQUIRE f.id IS UNIQUE",
		"CREATE CONSTRAINT x_account_handle IF NOT EXISTS FOR (x:XAccount) REQUIRE x.handle IS UNIQUE",
		"CREATE INDEX post_created_at IF NOT EXISTS FOR (p:Post) ON (p.created_at)",
		"CREATE INDEX agent_profile_fetched IF NOT EXISTS FOR (a:Agent) ON (a.profile_last_fetched_at)",
		"CREATE INDEX crawl_mode_state IF NOT EXISTS FOR (c:Crawl) ON (c.mode, c.state)",
	}
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	for _, stmt := range stmts {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			s.logger.Warn("schema statement skipped", zap.String("statement", stmt), zap.Error(err))
		}
	}
	return nil
}

func (s *Store) write(ctx context.Context, work func(tx neo4j.ManagedTransaction) (any, error)) (any, error) {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	return session.ExecuteWrite(ctx, work)
}

func (s *Store) read(ctx context.Context, work func(tx neo4j.ManagedTransaction) (any, error)) (any, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)
	return session.ExecuteRead(ctx, work)
}

// UpsertNode merges by the kind's key property. Labels cannot be
// parameterized in Cypher; kinds are internal constants, never user input.
func (s *Store) UpsertNode(ctx context.Context, kind graph.Kind, key string, props graph.Props, observedAt time.Time) (graph.UpsertResult, error) {
	query := fmt.Sprintf(`
		MERGE (n:%s {%s: $key})
		ON CREATE SET n.first_seen_at = $at, n._created = true
		SET n += $props,
		    n.last_seen_at = CASE
		      WHEN n.last_seen_at IS NULL OR n.last_seen_at < $at THEN $at
		      ELSE n.last_seen_at END
		WITH n, coalesce(n._created, false) AS created
		REMOVE n._created
		RETURN created`, kind, kind.KeyProp())

	out, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"key":   key,
			"at":    observedAt,
			"props": sanitizeProps(props),
		})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		created, _ := rec.Get("created")
		return created, nil
	})
	if err != nil {
		return graph.UpsertResult{}, fmt.Errorf("upsert %s %q: %w", kind, key, err)
	}
	created, _ := out.(bool)
	return graph.UpsertResult{Ref: graph.NodeRef{Kind: kind, Key: key}, Created: created}, nil
}

func (s *Store) UpsertEdge(ctx context.Context, typ graph.EdgeType, from, to graph.NodeRef, props graph.Props, observedAt time.Time) error {
	query := fmt.Sprintf(`
		MERGE (a:%s {%s: $from})
		ON CREATE SET a.first_seen_at = $at, a.last_seen_at = $at
		MERGE (b:%s {%s: $to})
		ON CREATE SET b.first_seen_at = $at, b.last_seen_at = $at
		MERGE (a)-[r:%s]->(b)
		ON CREATE SET r.first_seen_at = $at
		SET r += $props,
		    r.last_seen_at = CASE
		      WHEN r.last_seen_at IS NULL OR r.last_seen_at < $at THEN $at
		      ELSE r.last_seen_at END`,
		from.Kind, from.Kind.KeyProp(), to.Kind, to.Kind.KeyProp(), typ)

	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"from":  from.Key,
			"to":    to.Key,
			"at":    observedAt,
			"props": sanitizeProps(props),
		})
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("upsert edge %s %s->%s: %w", typ, from, to, err)
	}
	return nil
}

// ReconcileSet runs the end and start halves in one write transaction so a
// reader never sees a half-reconciled set.
func (s *Store) ReconcileSet(ctx context.Context, typ graph.EdgeType, owner graph.NodeRef, desired []graph.EdgeSpec, observedAt time.Time) (graph.ReconcileResult, error) {
	if len(desired) > 0 {
		for i := 1; i < len(desired); i++ {
			if desired[i].Target.Kind != desired[0].Target.Kind {
				return graph.ReconcileResult{}, fmt.Errorf("reconcile %s: mixed target kinds", typ)
			}
		}
	}
	targetKind := graph.KindAgent
	if len(desired) > 0 {
		targetKind = desired[0].Target.Kind
	}

	// MODERATES points member->owner; everything else owner->member.
	edgePattern := fmt.Sprintf("(o)-[r:%s]->(t)", typ)
	if typ.ReverseOwned() {
		edgePattern = fmt.Sprintf("(t)-[r:%s]->(o)", typ)
	}

	endQuery := fmt.Sprintf(`
		MATCH (o:%s {%s: $owner})
		MATCH %s
		WHERE r.ended_at IS NULL AND NOT t[$keyProp] IN $keep
		SET r.ended_at = $at
		RETURN count(r) AS ended`,
		owner.Kind, owner.Kind.KeyProp(), edgePattern)

	mergeQuery := fmt.Sprintf(`
		MERGE (o:%s {%s: $owner})
		ON CREATE SET o.first_seen_at = $at, o.last_seen_at = $at
		WITH o
		UNWIND $members AS member
		MERGE (t:%s {%s: member.key})
		ON CREATE SET t.first_seen_at = $at, t.last_seen_at = $at
		MERGE %s
		ON CREATE SET r.first_seen_at = $at, r._created = true
		SET r._reopened = r._created IS NULL AND r.ended_at IS NOT NULL
		REMOVE r.ended_at
		SET r += member.props,
		    r.last_seen_at = CASE
		      WHEN r.last_seen_at IS NULL OR r.last_seen_at < $at THEN $at
		      ELSE r.last_seen_at END
		WITH r, coalesce(r._created, false) AS created, coalesce(r._reopened, false) AS reopened
		REMOVE r._created, r._reopened
		RETURN sum(CASE WHEN created THEN 1 ELSE 0 END) AS started,
		       sum(CASE WHEN reopened THEN 1 ELSE 0 END) AS reopened`,
		owner.Kind, owner.Kind.KeyProp(), targetKind, targetKind.KeyProp(), edgePattern)

	keep := make([]string, 0, len(desired))
	members := make([]map[string]any, 0, len(desired))
	for _, spec := range desired {
		keep = append(keep, spec.Target.Key)
		members = append(members, map[string]any{
			"key":   spec.Target.Key,
			"props": sanitizeProps(spec.Props),
		})
	}

	out, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		var result graph.ReconcileResult

		res, err := tx.Run(ctx, endQuery, map[string]any{
			"owner":   owner.Key,
			"keyProp": targetKind.KeyProp(),
			"keep":    keep,
			"at":      observedAt,
		})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		if v, ok := rec.Get("ended"); ok {
			result.Ended = int(v.(int64))
		}

		if len(members) > 0 {
			res, err = tx.Run(ctx, mergeQuery, map[string]any{
				"owner":   owner.Key,
				"members": members,
				"at":      observedAt,
			})
			if err != nil {
				return nil, err
			}
			rec, err = res.Single(ctx)
			if err != nil {
				return nil, err
			}
			if v, ok := rec.Get("started"); ok {
				result.Started = int(v.(int64))
			}
			if v, ok := rec.Get("reopened"); ok {
				result.Reopened = int(v.(int64))
			}
			result.Kept = len(members) - result.Started - result.Reopened
		}
		return result, nil
	})
	if err != nil {
		return graph.ReconcileResult{}, fmt.Errorf("reconcile %s from %s: %w", typ, owner, err)
	}
	return out.(graph.ReconcileResult), nil
}

func (s *Store) BeginCrawl(ctx context.Context, c graph.Crawl) error {
	props := map[string]any{
		"mode":            c.Mode,
		"state":           string(c.State),
		"started_at":      c.StartedAt,
		"last_updated_at": c.LastUpdatedAt,
	}
	if !c.Cutoff.IsZero() {
		props["cutoff"] = c.Cutoff
	}
	for k, v := range c.Checkpoints {
		props[checkpointPrefix+k] = v
	}

	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MERGE (c:Crawl {id: $id})
			SET c += $props`, map[string]any{"id": c.ID, "props": props})
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("begin crawl %q: %w", c.ID, err)
	}
	return nil
}

func (s *Store) SetCrawlState(ctx context.Context, id string, state graph.CrawlState, at time.Time) error {
	return s.updateCrawl(ctx, id, map[string]any{
		"state":           string(state),
		"last_updated_at": at,
	})
}

func (s *Store) EndCrawl(ctx context.Context, id string, at time.Time, counters map[string]int64) error {
	// A null in the += map removes the property, clearing the error left by
	// a failed attempt this run resumed.
	props := map[string]any{
		"state":           string(graph.StateComplete),
		"ended_at":        at,
		"last_updated_at": at,
		"error":           nil,
	}
	for k, v := range counters {
		props[counterPrefix+k] = v
	}
	return s.updateCrawl(ctx, id, props)
}

func (s *Store) FailCrawl(ctx context.Context, id string, at time.Time, reason string) error {
	return s.updateCrawl(ctx, id, map[string]any{
		"state":           string(graph.StateFailed),
		"ended_at":        at,
		"last_updated_at": at,
		"error":           reason,
	})
}

func (s *Store) SetCheckpoint(ctx context.Context, id, key string, value any, at time.Time) error {
	return s.updateCrawl(ctx, id, map[string]any{
		checkpointPrefix + key: value,
		"last_updated_at":      at,
	})
}

func (s *Store) updateCrawl(ctx context.Context, id string, props map[string]any) error {
	out, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (c:Crawl {id: $id})
			SET c += $props
			RETURN count(c) AS n`, map[string]any{"id": id, "props": props})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		n, _ := rec.Get("n")
		return n, nil
	})
	if err != nil {
		return fmt.Errorf("update crawl %q: %w", id, err)
	}
	if n, ok := out.(int64); ok && n == 0 {
		return graph.ErrNotFound
	}
	return nil
}

func (s *Store) GetCrawl(ctx context.Context, id string) (graph.Crawl, error) {
	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (c:Crawl {id: $id})
			RETURN properties(c) AS props`, map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		recs, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			return nil, graph.ErrNotFound
		}
		props, _ := recs[0].Get("props")
		return props, nil
	})
	if err != nil {
		return graph.Crawl{}, err
	}
	return crawlFromProps(id, out.(map[string]any)), nil
}

func (s *Store) FindResumableCrawl(ctx context.Context, mode string, abandonedBefore time.Time) (graph.Crawl, error) {
	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (c:Crawl {mode: $mode})
			WHERE c.state <> 'COMPLETE'
			  AND (c.state = 'FAILED' OR c.last_updated_at < $before)
			RETURN c.id AS id, properties(c) AS props
			ORDER BY c.last_updated_at DESC
			LIMIT 1`, map[string]any{"mode": mode, "before": abandonedBefore})
		if err != nil {
			return nil, err
		}
		recs, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			return nil, graph.ErrNotFound
		}
		id, _ := recs[0].Get("id")
		props, _ := recs[0].Get("props")
		return crawlFromProps(id.(string), props.(map[string]any)), nil
	})
	if err != nil {
		return graph.Crawl{}, err
	}
	return out.(graph.Crawl), nil
}

func (s *Store) LatestCompletedCutoff(ctx context.Context, mode string) (time.Time, error) {
	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (c:Crawl {mode: $mode, state: 'COMPLETE'})
			RETURN max(c.started_at) AS latest`, map[string]any{"mode": mode})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		latest, _ := rec.Get("latest")
		return latest, nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("latest cutoff for %q: %w", mode, err)
	}
	if ts, ok := out.(time.Time); ok {
		return ts, nil
	}
	return time.Time{}, nil
}

func (s *Store) StaleAgents(ctx context.Context, q graph.StaleAgentQuery) ([]string, error) {
	if q.Limit <= 0 {
		q.Limit = 500
	}
	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (a:Agent)
			WHERE a.profile_last_fetched_at IS NULL
			   OR a.profile_last_fetched_at < $before
			RETURN a.name AS name
			ORDER BY coalesce(a.profile_last_fetched_at, datetime('1970-01-01T00:00:00Z')) ASC
			LIMIT $limit`, map[string]any{"before": q.Before, "limit": q.Limit})
		if err != nil {
			return nil, err
		}
		recs, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(recs))
		for _, rec := range recs {
			if name, ok := rec.Get("name"); ok {
				names = append(names, name.(string))
			}
		}
		return names, nil
	})
	if err != nil {
		return nil, fmt.Errorf("stale agents: %w", err)
	}
	return out.([]string), nil
}

func (s *Store) WriteFeedSnapshot(ctx context.Context, snap graph.FeedSnapshot) error {
	entries := make([]map[string]any, 0, len(snap.PostRanks))
	for postID, rank := range snap.PostRanks {
		entries = append(entries, map[string]any{"post": postID, "rank": rank})
	}

	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MERGE (f:FeedSnapshot {id: $id})
			ON CREATE SET f.first_seen_at = $at
			SET f.crawl_id = $crawl, f.sort = $sort,
			    f.observed_at = $at, f.last_seen_at = $at
			WITH f
			UNWIND $entries AS entry
			MERGE (p:Post {id: entry.post})
			ON CREATE SET p.first_seen_at = $at, p.last_seen_at = $at
			MERGE (f)-[r:CONTAINS]->(p)
			SET r.rank = entry.rank`, map[string]any{
			"id":      snap.ID,
			"crawl":   snap.CrawlID,
			"sort":    snap.Sort,
			"at":      snap.Observed,
			"entries": entries,
		})
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("feed snapshot %q: %w", snap.ID, err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// sanitizeProps strips reserved interval keys so callers cannot clobber the
// temporal bookkeeping through the free-form props bag.
func sanitizeProps(props graph.Props) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		switch k {
		case "first_seen_at", "last_seen_at", "ended_at":
			continue
		}
		out[k] = v
	}
	return out
}

func crawlFromProps(id string, props map[string]any) graph.Crawl {
	c := graph.Crawl{
		ID:          id,
		Checkpoints: map[string]any{},
		Counters:    map[string]int64{},
	}
	for k, v := range props {
		switch k {
		case "mode":
			c.Mode, _ = v.(string)
		case "state":
			if st, ok := v.(string); ok {
				c.State = graph.CrawlState(st)
			}
		case "started_at":
			c.StartedAt, _ = v.(time.Time)
		case "last_updated_at":
			c.LastUpdatedAt, _ = v.(time.Time)
		case "ended_at":
			c.EndedAt, _ = v.(time.Time)
		case "cutoff":
			c.Cutoff, _ = v.(time.Time)
		case "error":
			c.Error, _ = v.(string)
		default:
			if strings.HasPrefix(k, checkpointPrefix) {
				c.Checkpoints[strings.TrimPrefix(k, checkpointPrefix)] = v
			} else if strings.HasPrefix(k, counterPrefix) {
				if n, ok := v.(int64); ok {
					c.Counters[strings.TrimPrefix(k, counterPrefix)] = n
				}
			}
		}
	}
	return c
}
