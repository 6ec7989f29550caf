// Package crawl drives a full ingestion run as a resumable state machine.
// Each phase persists its progress as checkpoints on the Crawl node, so a
// process that dies mid-listing can be taken over by the next run without
// refetching completed pages.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/moltgraph/crawler/internal/archive"
	"github.com/moltgraph/crawler/internal/clock"
	"github.com/moltgraph/crawler/internal/config"
	"github.com/moltgraph/crawler/internal/graph"
	"github.com/moltgraph/crawler/internal/ingest"
	"github.com/moltgraph/crawler/internal/metrics"
	"github.com/moltgraph/crawler/internal/moltbook"
	"github.com/moltgraph/crawler/internal/normalize"
	"github.com/moltgraph/crawler/internal/publish"
	"github.com/moltgraph/crawler/internal/scrape"
)

// Mode selects a crawl plan.
type Mode string

const (
	// ModeSmoke fetches a couple of pages end to end, for deploy checks.
	ModeSmoke Mode = "smoke"
	// ModeFull walks the whole site.
	ModeFull Mode = "full"
	// ModeWeekly ingests activity since the previous completed weekly run.
	ModeWeekly Mode = "weekly"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSmoke, ModeFull, ModeWeekly:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown crawl mode %q", s)
}

const (
	ckSubmoltsDone    = "submolts_done"
	ckPostsOffset     = "posts_offset"
	ckPendingComments = "pending_comments"
	ckCommentsIndex   = "comments_index"
	ckEnrichIndex     = "enrich_index"
	ckClaimedBy       = "claimed_by"

	smokeMaxPages = 2
	weeklyWindow  = 7 * 24 * time.Hour
	feedPageSize  = 50
)

// Orchestrator wires the client, engine, and optional enrichment services
// into the crawl state machine.
type Orchestrator struct {
	client  *moltbook.Client
	engine  *ingest.Engine
	store   graph.Store
	scraper *scrape.Scraper
	arch    archive.Store
	pub     publish.Publisher
	clk     clock.Clock
	logger  *zap.Logger
	cfg     config.CrawlConfig
	scrCfg  config.ScrapeConfig

	// instance identifies this process on the Crawl node, so a takeover
	// is visible in the graph.
	instance string
}

// New builds an orchestrator. scraper may be nil; arch and pub fall back to
// no-ops.
func New(client *moltbook.Client, engine *ingest.Engine, scraper *scrape.Scraper,
	arch archive.Store, pub publish.Publisher, clk clock.Clock, logger *zap.Logger,
	cfg config.CrawlConfig, scrCfg config.ScrapeConfig) *Orchestrator {
	if arch == nil {
		arch = archive.Nop{}
	}
	if pub == nil {
		pub = publish.Nop{}
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		client:   client,
		engine:   engine,
		store:    engine.Store(),
		scraper:  scraper,
		arch:     arch,
		pub:      pub,
		clk:      clk,
		logger:   logger.Named("crawl"),
		cfg:      cfg,
		scrCfg:   scrCfg,
		instance: uuid.NewString(),
	}
}

// run carries the in-flight state of one crawl.
type run struct {
	crawl    graph.Crawl
	mode     Mode
	cutoff   time.Time
	resumed  bool
	counters map[string]int64

	pendingComments []string
}

func (r *run) count(key string, n int64) { r.counters[key] += n }

// Run executes (or resumes) one crawl and returns its final record.
func (o *Orchestrator) Run(ctx context.Context, mode Mode) (graph.Crawl, error) {
	r, err := o.prepare(ctx, mode)
	if err != nil {
		return graph.Crawl{}, err
	}
	log := o.logger.With(zap.String("crawl_id", r.crawl.ID), zap.String("mode", string(mode)))
	if r.resumed {
		log.Info("resuming abandoned crawl", zap.String("state", string(r.crawl.State)))
	} else {
		log.Info("starting crawl", zap.Time("cutoff", r.cutoff))
	}

	if err := o.runPhases(ctx, r, log); err != nil {
		now := o.clk.Now()
		if ferr := o.store.FailCrawl(ctx, r.crawl.ID, now, err.Error()); ferr != nil {
			log.Error("recording crawl failure failed", zap.Error(ferr))
		}
		metrics.ObserveCrawlRun(string(mode), "failed")
		o.publishRun(ctx, r, string(graph.StateFailed), now, err.Error(), log)
		return graph.Crawl{}, err
	}

	now := o.clk.Now()
	if err := o.store.EndCrawl(ctx, r.crawl.ID, now, r.counters); err != nil {
		return graph.Crawl{}, fmt.Errorf("finish crawl: %w", err)
	}
	metrics.ObserveCrawlRun(string(mode), "complete")
	o.publishRun(ctx, r, string(graph.StateComplete), now, "", log)
	log.Info("crawl complete", zap.Int64("posts", r.counters["posts"]), zap.Int64("comments", r.counters["comments"]))

	return o.store.GetCrawl(ctx, r.crawl.ID)
}

// prepare resumes a failed or stale unfinished run of the same mode, or
// begins a new one with a cutoff derived from the last completed run.
func (o *Orchestrator) prepare(ctx context.Context, mode Mode) (*run, error) {
	if err := o.store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	now := o.clk.Now()

	if stale, err := o.store.FindResumableCrawl(ctx, string(mode), now.Add(-o.cfg.TakeoverAge())); err == nil {
		r := &run{
			crawl:    stale,
			mode:     mode,
			cutoff:   stale.Cutoff,
			resumed:  true,
			counters: map[string]int64{},
		}
		r.pendingComments = stringsCheckpoint(stale.Checkpoints[ckPendingComments])
		if err := o.store.SetCheckpoint(ctx, stale.ID, ckClaimedBy, o.instance, now); err != nil {
			return nil, fmt.Errorf("claim crawl %q: %w", stale.ID, err)
		}
		return r, nil
	} else if !errors.Is(err, graph.ErrNotFound) {
		return nil, fmt.Errorf("find resumable crawl: %w", err)
	}

	cutoff, err := o.store.LatestCompletedCutoff(ctx, string(mode))
	if err != nil {
		return nil, fmt.Errorf("latest cutoff: %w", err)
	}
	if mode == ModeWeekly {
		// The window start is the previous completed run's cutoff, however
		// old; only the first weekly run ever seeds a one-week window.
		if cutoff.IsZero() {
			cutoff = now.Add(-weeklyWindow)
		}
	} else {
		// Full and smoke runs revisit everything.
		cutoff = time.Time{}
	}

	c := graph.Crawl{
		ID:            fmt.Sprintf("%s:%s", mode, now.UTC().Format("20060102T150405Z")),
		Mode:          string(mode),
		State:         graph.StateInitializing,
		StartedAt:     now,
		LastUpdatedAt: now,
		Cutoff:        cutoff,
		Checkpoints:   map[string]any{ckClaimedBy: o.instance},
	}
	if err := o.store.BeginCrawl(ctx, c); err != nil {
		return nil, fmt.Errorf("begin crawl: %w", err)
	}
	return &run{crawl: c, mode: mode, cutoff: cutoff, counters: map[string]int64{}}, nil
}

type phase struct {
	state   graph.CrawlState
	enabled bool
	fn      func(ctx context.Context, r *run) error
}

func (o *Orchestrator) runPhases(ctx context.Context, r *run, log *zap.Logger) error {
	phases := []phase{
		{graph.StateDiscoveringSubmolts, true, o.discoverSubmolts},
		{graph.StateListingPosts, true, o.listPosts},
		{graph.StateExpandingComments, o.cfg.CrawlComments, o.expandComments},
		{graph.StateRefreshingProfiles, o.cfg.FetchProfiles && r.mode != ModeSmoke, o.refreshProfiles},
		{graph.StateEnrichingSubmolts, (o.cfg.EnrichSubmolts || r.mode == ModeFull) && r.mode != ModeSmoke, o.enrichSubmolts},
		{graph.StateFinalizing, true, o.finalize},
	}

	// A resumed run skips phases the dead process already finished. FAILED
	// matches no phase and restarts from the top; the checkpoints trim the
	// already-fetched work.
	start := 0
	if r.resumed {
		for i, p := range phases {
			if p.state == r.crawl.State {
				start = i
				break
			}
		}
	}

	for _, p := range phases[start:] {
		if !p.enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		began := o.clk.Now()
		if err := o.store.SetCrawlState(ctx, r.crawl.ID, p.state, began); err != nil {
			return fmt.Errorf("enter %s: %w", p.state, err)
		}
		r.crawl.State = p.state
		log.Info("phase started", zap.String("phase", string(p.state)))
		if err := p.fn(ctx, r); err != nil {
			return fmt.Errorf("%s: %w", p.state, err)
		}
		metrics.ObservePhaseDuration(string(p.state), o.clk.Now().Sub(began))
	}
	return nil
}

// discoverSubmolts walks the top submolts listing and upserts each one.
func (o *Orchestrator) discoverSubmolts(ctx context.Context, r *run) error {
	if boolCheckpoint(r.crawl.Checkpoints[ckSubmoltsDone]) {
		return nil
	}

	limit := o.cfg.SubmoltTopLimit
	params := url.Values{"sort": {"top"}}
	it := o.client.Pages("/submolts", params, moltbook.PageOptions{
		PageSize: min(limit, 100),
		MaxPages: pagesFor(limit, min(limit, 100)),
		ListKeys: []string{"submolts", "data"},
	})
	for it.Next(ctx) {
		page := it.Page()
		metrics.ObservePage("submolts")
		o.archivePage(ctx, r, "submolts", page)
		for _, item := range page.Items {
			sub, err := normalize.SubmoltRecord(item)
			if err != nil {
				metrics.ObserveSkippedRecord("submolt_schema")
				o.logger.Warn("skipping malformed submolt", zap.Error(err))
				continue
			}
			if err := o.engine.ApplySubmolt(ctx, sub, o.clk.Now()); err != nil {
				return err
			}
			r.count("submolts", 1)
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	o.checkpoint(ctx, r, ckSubmoltsDone, true)
	return nil
}

// listPosts walks the global new-posts listing from the checkpointed offset,
// upserting every post and queueing comment expansion. With a nonzero cutoff
// the walk stops after a run of pages entirely older than it; a run of pages
// containing nothing new stops it as well.
func (o *Orchestrator) listPosts(ctx context.Context, r *run) error {
	maxPages := o.cfg.PostsMaxPages
	if r.mode == ModeSmoke && (maxPages <= 0 || maxPages > smokeMaxPages) {
		maxPages = smokeMaxPages
	}

	it := o.client.Pages("/posts", url.Values{"sort": {"new"}}, moltbook.PageOptions{
		StartOffset: intCheckpoint(r.crawl.Checkpoints[ckPostsOffset]),
		PageSize:    o.cfg.PostsPageSize,
		MaxPages:    maxPages,
		ListKeys:    []string{"posts", "data"},
	})

	seen := map[string]bool{}
	stalePages, repeatPages := 0, 0

	for it.Next(ctx) {
		page := it.Page()
		metrics.ObservePage("posts")
		o.archivePage(ctx, r, "posts", page)

		allStale := !r.cutoff.IsZero()
		allRepeat := true
		for _, item := range page.Items {
			p, err := normalize.PostRecord(item)
			if err != nil {
				metrics.ObserveSkippedRecord("post_schema")
				o.logger.Warn("skipping malformed post", zap.Error(err))
				continue
			}
			if !seen[p.ID] {
				seen[p.ID] = true
				allRepeat = false
			}
			created, hasCreated := postCreatedAt(p)
			if !hasCreated || r.cutoff.IsZero() || created.After(r.cutoff) {
				allStale = false
			}
			if err := o.engine.ApplyPost(ctx, p, o.clk.Now()); err != nil {
				return err
			}
			r.count("posts", 1)

			if o.cfg.CrawlComments && wantsComments(p, r.cutoff) {
				// Smoke expands a single post end to end.
				if r.mode != ModeSmoke || len(r.pendingComments) == 0 {
					r.pendingComments = append(r.pendingComments, p.ID)
				}
			}
		}

		o.checkpoint(ctx, r, ckPostsOffset, page.NextOffset)
		o.checkpoint(ctx, r, ckPendingComments, r.pendingComments)

		if allStale {
			stalePages++
		} else {
			stalePages = 0
		}
		if allRepeat {
			repeatPages++
		} else {
			repeatPages = 0
		}
		if o.cfg.MaxStalePages > 0 && stalePages >= o.cfg.MaxStalePages {
			o.logger.Info("stopping listing, pages older than cutoff", zap.Int("offset", page.NextOffset))
			break
		}
		if o.cfg.MaxRepeatPages > 0 && repeatPages >= o.cfg.MaxRepeatPages {
			o.logger.Info("stopping listing, pages repeating", zap.Int("offset", page.NextOffset))
			break
		}
	}
	return it.Err()
}

// expandComments fetches the comment tree for every queued post, resuming
// from the checkpointed index.
func (o *Orchestrator) expandComments(ctx context.Context, r *run) error {
	start := intCheckpoint(r.crawl.Checkpoints[ckCommentsIndex])
	for i := start; i < len(r.pendingComments); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		postID := r.pendingComments[i]
		tree, err := o.client.GetComments(ctx, postID, "new", o.cfg.CommentsPerPost)
		if err != nil {
			if moltbook.IsPermanent(err) {
				metrics.ObserveSkippedRecord("comments_fetch")
				o.logger.Warn("comments unavailable", zap.String("post_id", postID), zap.Error(err))
				o.checkpoint(ctx, r, ckCommentsIndex, i+1)
				continue
			}
			return err
		}
		records, dropped := normalize.CommentRecords(tree, postID)
		if dropped > 0 {
			metrics.ObserveSkippedRecord("comment_schema")
		}
		for _, c := range records {
			if err := o.engine.ApplyComment(ctx, c, o.clk.Now()); err != nil {
				return err
			}
			r.count("comments", 1)
		}
		o.checkpoint(ctx, r, ckCommentsIndex, i+1)
	}
	return nil
}

// refreshProfiles re-fetches the full profile of agents whose last dedicated
// fetch is older than the staleness window, optionally scraping the public
// page for X-account and similar-agent links. Progress needs no checkpoint:
// each refresh stamps profile_last_fetched_at, which removes the agent from
// the staleness query a resuming process reissues.
func (o *Orchestrator) refreshProfiles(ctx context.Context, r *run) error {
	before := o.clk.Now().Add(-time.Duration(o.cfg.ProfileStaleDays) * 24 * time.Hour)
	names, err := o.store.StaleAgents(ctx, graph.StaleAgentQuery{Before: before, Limit: o.cfg.ProfileLimit})
	if err != nil {
		return err
	}

	scraped := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := o.client.GetAgentProfile(ctx, name)
		if err != nil {
			if moltbook.IsPermanent(err) {
				metrics.ObserveSkippedRecord("profile_fetch")
				o.logger.Warn("profile unavailable", zap.String("agent", name), zap.Error(err))
				continue
			}
			return err
		}
		agent, err := normalize.AgentRecord(raw, normalize.CompletenessProfile)
		if err != nil {
			metrics.ObserveSkippedRecord("agent_schema")
			continue
		}
		if err := o.engine.ApplyAgent(ctx, agent, o.clk.Now()); err != nil {
			return err
		}
		r.count("profiles", 1)

		if o.scraper != nil && o.scrCfg.Enabled && (o.scrCfg.Limit <= 0 || scraped < o.scrCfg.Limit) {
			scraped++
			if err := o.scrapeProfile(ctx, r, agent.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// scrapeProfile is best effort: a failed page fetch skips the enrichment but
// never the run.
func (o *Orchestrator) scrapeProfile(ctx context.Context, r *run, name string) error {
	prof, err := o.scraper.Profile(name)
	if err != nil {
		metrics.ObserveSkippedRecord("profile_scrape")
		o.logger.Warn("profile scrape failed", zap.String("agent", name), zap.Error(err))
		return nil
	}
	now := o.clk.Now()
	if prof.XHandle != "" {
		if err := o.engine.ApplyOwnerX(ctx, name, prof.XHandle, prof.XURL, now); err != nil {
			return err
		}
	}
	if _, err := o.engine.ApplySimilar(ctx, name, prof.Similar, now); err != nil {
		return err
	}
	return nil
}

// enrichSubmolts fetches each top submolt's detail and reconciles its
// moderator set.
func (o *Orchestrator) enrichSubmolts(ctx context.Context, r *run) error {
	names, err := o.topSubmoltNames(ctx, r)
	if err != nil {
		return err
	}
	limit := o.cfg.EnrichSubmoltLimit
	if limit <= 0 {
		limit = o.cfg.ModeratorsLimit
	}
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}

	start := intCheckpoint(r.crawl.Checkpoints[ckEnrichIndex])
	for i := start; i < len(names); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := names[i]
		detail, err := o.client.GetSubmolt(ctx, name)
		if err == nil {
			if sub, nerr := normalize.SubmoltRecord(detail); nerr == nil {
				if err := o.engine.ApplySubmolt(ctx, sub, o.clk.Now()); err != nil {
					return err
				}
			}
		} else if !moltbook.IsPermanent(err) {
			return err
		}

		rawMods, err := o.client.GetModerators(ctx, name)
		if err != nil {
			if moltbook.IsPermanent(err) {
				metrics.ObserveSkippedRecord("moderators_fetch")
				o.checkpoint(ctx, r, ckEnrichIndex, i+1)
				continue
			}
			return err
		}
		mods := normalize.ModeratorRecords(rawMods)
		if _, err := o.engine.ApplyModerators(ctx, name, mods, o.clk.Now()); err != nil {
			return err
		}
		r.count("submolts_enriched", 1)
		o.checkpoint(ctx, r, ckEnrichIndex, i+1)
	}
	return nil
}

func (o *Orchestrator) topSubmoltNames(ctx context.Context, r *run) ([]string, error) {
	limit := o.cfg.SubmoltTopLimit
	var names []string
	it := o.client.Pages("/submolts", url.Values{"sort": {"top"}}, moltbook.PageOptions{
		PageSize: min(limit, 100),
		MaxPages: pagesFor(limit, min(limit, 100)),
		ListKeys: []string{"submolts", "data"},
	})
	for it.Next(ctx) {
		for _, item := range it.Page().Items {
			if name := normalize.SubmoltName(item); name != "" {
				names = append(names, name)
			}
		}
	}
	return names, it.Err()
}

// finalize captures a ranked feed snapshot for this run.
func (o *Orchestrator) finalize(ctx context.Context, r *run) error {
	sort := o.cfg.FeedSnapshotSort
	if sort == "" {
		return nil
	}
	env, err := o.client.GetFeed(ctx, sort, feedPageSize, 0)
	if err != nil {
		if moltbook.IsPermanent(err) {
			metrics.ObserveSkippedRecord("feed_fetch")
			o.logger.Warn("feed unavailable", zap.Error(err))
			return nil
		}
		return err
	}
	entries := normalize.FeedEntries(env.List("posts", "feed", "data"))
	if len(entries) == 0 {
		return nil
	}
	if err := o.engine.ApplyFeedSnapshot(ctx, r.crawl.ID, sort, entries, o.clk.Now()); err != nil {
		return err
	}
	r.count("feed_entries", int64(len(entries)))
	return nil
}

// checkpoint is best effort: losing one costs refetching a page on resume,
// not correctness.
func (o *Orchestrator) checkpoint(ctx context.Context, r *run, key string, value any) {
	if err := o.store.SetCheckpoint(ctx, r.crawl.ID, key, value, o.clk.Now()); err != nil {
		o.logger.Warn("checkpoint write failed", zap.String("key", key), zap.Error(err))
	}
}

func (o *Orchestrator) archivePage(ctx context.Context, r *run, phase string, page moltbook.Page) {
	body := page.Envelope.Body()
	if len(body) == 0 {
		return
	}
	key := archive.Key(r.crawl.ID, phase, page.Offset, o.clk.Now())
	if _, err := o.arch.Put(ctx, key, "application/json", body); err != nil {
		o.logger.Warn("page archive failed", zap.String("key", key), zap.Error(err))
	}
}

func (o *Orchestrator) publishRun(ctx context.Context, r *run, state string, endedAt time.Time, reason string, log *zap.Logger) {
	ev := publish.RunEvent{
		CrawlID:   r.crawl.ID,
		Mode:      string(r.mode),
		State:     state,
		StartedAt: r.crawl.StartedAt,
		EndedAt:   endedAt,
		Error:     reason,
		Counters:  r.counters,
	}
	if err := o.pub.PublishRun(ctx, ev); err != nil {
		log.Warn("run event publish failed", zap.Error(err))
	}
}

// wantsComments queues a post for expansion when it has comments and, under
// an incremental cutoff, is new enough to have changed.
func wantsComments(p normalize.Post, cutoff time.Time) bool {
	if n, ok := p.Props["comment_count"].(int64); ok && n == 0 {
		return false
	}
	if cutoff.IsZero() {
		return true
	}
	created, ok := postCreatedAt(p)
	return !ok || created.After(cutoff)
}

func postCreatedAt(p normalize.Post) (time.Time, bool) {
	s, ok := p.Props["created_at"].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func pagesFor(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

func intCheckpoint(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func boolCheckpoint(v any) bool {
	b, _ := v.(bool)
	return b
}

func stringsCheckpoint(v any) []string {
	switch vs := v.(type) {
	case []string:
		return append([]string(nil), vs...)
	case []any:
		out := make([]string, 0, len(vs))
		for _, item := range vs {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
