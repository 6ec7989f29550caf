package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gcps "cloud.google.com/go/pubsub"
	gcsstorage "cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/moltgraph/crawler/internal/archive"
	"github.com/moltgraph/crawler/internal/clock"
	"github.com/moltgraph/crawler/internal/config"
	"github.com/moltgraph/crawler/internal/crawl"
	"github.com/moltgraph/crawler/internal/graph/neo4j"
	"github.com/moltgraph/crawler/internal/ingest"
	"github.com/moltgraph/crawler/internal/logging"
	"github.com/moltgraph/crawler/internal/metrics"
	"github.com/moltgraph/crawler/internal/moltbook"
	"github.com/moltgraph/crawler/internal/publish"
	pubsubpub "github.com/moltgraph/crawler/internal/publish/pubsub"
	"github.com/moltgraph/crawler/internal/scrape"
	"github.com/moltgraph/crawler/internal/server"
)

func newCrawlCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one crawl of the Moltbook network",
		Long: `Runs a single crawl in the selected mode. A smoke crawl fetches a
couple of pages end to end, full walks the whole site, and weekly ingests
only activity since the previous completed weekly run. If an earlier run of
the same mode died mid-flight and has gone quiet, the new run takes it over
and resumes from its checkpoints.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd.Context(), mode)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(crawl.ModeFull), "crawl mode: smoke, full, or weekly")
	return cmd
}

func runCrawl(parent context.Context, modeFlag string) error {
	mode, err := crawl.ParseMode(modeFlag)
	if err != nil {
		return err
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	metrics.Init()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver, err := neo4j.Connect(ctx, neo4j.ClientConfig{
		URI:      cfg.Neo4j.URI,
		User:     cfg.Neo4j.User,
		Password: cfg.Neo4j.Password,
		Database: cfg.Neo4j.Database,
		PoolSize: cfg.Neo4j.MaxPoolSize,
	})
	if err != nil {
		return err
	}
	store := neo4j.NewStore(driver, cfg.Neo4j.Database, logger)
	defer func() {
		if cerr := store.Close(context.Background()); cerr != nil {
			logger.Warn("closing graph store failed", zap.Error(cerr))
		}
	}()

	client := moltbook.New(moltbook.Config{
		BaseURL:           cfg.API.BaseURL,
		APIKey:            cfg.API.APIKey,
		UserAgent:         cfg.API.UserAgent,
		RequestsPerMinute: cfg.API.RequestsPerMinute,
		Timeout:           cfg.API.HTTPTimeout(),
		MaxRetries:        cfg.API.MaxRetries,
		BackoffInitial:    cfg.API.BackoffInitial(),
		BackoffMax:        cfg.API.BackoffMax(),
	}, logger)

	engine := ingest.New(store, clock.System{}, logger, ingest.Config{
		MaxRetries: cfg.Crawl.StoreMaxRetries,
	})

	var scraper *scrape.Scraper
	if cfg.Scrape.Enabled {
		scraper = scrape.New(scrape.Config{BaseURL: cfg.Scrape.BaseURL, UserAgent: cfg.API.UserAgent}, logger)
	}

	arch, closeArch, err := buildArchive(ctx, cfg.Archive)
	if err != nil {
		return err
	}
	defer closeArch()

	pub, closePub, err := buildPublisher(ctx, cfg.Publish, logger)
	if err != nil {
		return err
	}
	defer closePub()

	if cfg.Server.Enabled {
		srv := server.New(fmt.Sprintf(":%d", cfg.Server.Port), logger)
		go func() {
			if serr := srv.Start(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
				logger.Error("ops server stopped", zap.Error(serr))
			}
		}()
		srv.SetReady(true)
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
	}

	orch := crawl.New(client, engine, scraper, arch, pub, clock.System{}, logger, cfg.Crawl, cfg.Scrape)
	c, err := orch.Run(ctx, mode)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("crawl interrupted; it will be resumed by the next run")
			return nil
		}
		return fmt.Errorf("run crawl: %w", err)
	}

	logger.Info("crawl finished",
		zap.String("crawl_id", c.ID),
		zap.Int64("posts", c.Counters["posts"]),
		zap.Int64("comments", c.Counters["comments"]),
		zap.Int64("profiles", c.Counters["profiles"]))
	return nil
}

func buildArchive(ctx context.Context, cfg config.ArchiveConfig) (archive.Store, func(), error) {
	noop := func() {}
	if !cfg.Enabled {
		return archive.Nop{}, noop, nil
	}
	switch cfg.Backend {
	case "local":
		store, err := archive.NewLocal(cfg.LocalDir)
		return store, noop, err
	case "gcs":
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("init gcs client: %w", err)
		}
		store, err := archive.NewGCS(client, cfg.GCSBucket)
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return store, func() { _ = client.Close() }, nil
	}
	return nil, noop, fmt.Errorf("unknown archive backend %q", cfg.Backend)
}

func buildPublisher(ctx context.Context, cfg config.PublishConfig, logger *zap.Logger) (publish.Publisher, func(), error) {
	noop := func() {}
	if !cfg.Enabled {
		return publish.Nop{}, noop, nil
	}
	client, err := gcps.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, noop, fmt.Errorf("init pubsub client: %w", err)
	}
	topic := client.Topic(cfg.TopicName)
	pub, err := pubsubpub.New(topic, logger)
	if err != nil {
		_ = client.Close()
		return nil, noop, err
	}
	closeFn := func() {
		topic.Stop()
		_ = client.Close()
	}
	return pub, closeFn, nil
}
