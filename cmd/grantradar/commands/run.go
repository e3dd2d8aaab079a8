package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/grantradar/grantradar/internal/alerter"
	"github.com/grantradar/grantradar/internal/breaker"
	"github.com/grantradar/grantradar/internal/channels"
	"github.com/grantradar/grantradar/internal/config"
	"github.com/grantradar/grantradar/internal/curation"
	"github.com/grantradar/grantradar/internal/discovery"
	"github.com/grantradar/grantradar/internal/embedding"
	"github.com/grantradar/grantradar/internal/httpx"
	"github.com/grantradar/grantradar/internal/llm"
	"github.com/grantradar/grantradar/internal/matcher"
	"github.com/grantradar/grantradar/internal/orchestrator"
	"github.com/grantradar/grantradar/internal/store"
	"github.com/grantradar/grantradar/pkg/bus"
	"github.com/grantradar/grantradar/pkg/pipeline"
)

var (
	discoveryInterval time.Duration
	devLogging        bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline: discovery, curation, matching, alerting, orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runPipeline(ctx)
	},
}

func init() {
	runCmd.Flags().DurationVar(&discoveryInterval, "discovery-interval", 15*time.Minute,
		"how often each discovery source is polled")
	runCmd.Flags().BoolVar(&devLogging, "dev", false, "use human-readable development logging")
	rootCmd.AddCommand(runCmd)
}

// deps is the shared wiring every command builds on.
type deps struct {
	cfg    *config.Config
	logger *zap.Logger
	bus    *bus.Client
	store  *store.Store
	chat   *llm.Client
	mirror breaker.StateMirror
}

func buildDeps(ctx context.Context) (*deps, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	busClient, err := bus.NewClient(redisOpts, cfg.Instance)
	if err != nil {
		return nil, err
	}

	st, err := store.New(ctx, cfg.Postgres, logger)
	if err != nil {
		return nil, err
	}

	// Breaker state lands in Redis for the orchestrator and in Postgres for
	// dashboards.
	mirror := breaker.MultiMirror(busClient, st)

	llmBreaker := breaker.New(breaker.Settings{
		Service:          "llm",
		FailureThreshold: uint32(cfg.LLM.FailureThreshold),
		RecoveryTimeout:  cfg.LLM.RecoveryTimeout,
		LatencyWindow:    cfg.LLM.LatencyWindow,
		SlowCallMean:     cfg.LLM.SlowCallMean,
	}, logger, mirror)
	chat := llm.NewClient(cfg.LLM, llmBreaker, logger)
	chat.SetLatencySink(busClient)

	return &deps{cfg: cfg, logger: logger, bus: busClient, store: st, chat: chat, mirror: mirror}, nil
}

func (d *deps) close() {
	d.store.Close()
	_ = d.bus.Close()
	_ = d.logger.Sync()
}

func newLogger() (*zap.Logger, error) {
	if devLogging {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runPipeline(ctx context.Context) error {
	d, err := buildDeps(ctx)
	if err != nil {
		return err
	}
	defer d.close()
	cfg, logger := d.cfg, d.logger

	if err := d.store.EnsureSchema(ctx); err != nil {
		return err
	}

	consumer := consumerName()
	tracker := pipeline.NewTracker(d.bus, logger)

	embedBreaker := breaker.New(breaker.Settings{Service: "embedding"}, logger, d.mirror)
	embedder := embedding.NewClient(cfg.Embedding, embedBreaker, logger)

	curationAgent := curation.NewAgent(cfg.Curation, d.bus, d.store, d.chat, embedder, tracker, consumer, logger)
	matcherAgent := matcher.NewAgent(cfg.Matching, d.bus, d.store, d.chat, tracker, consumer, logger)
	alerterAgent := alerter.NewAgent(cfg.Alerting, d.bus, d.store, d.chat,
		channels.NewEmailClient(cfg.Alerting.Email, logger),
		channels.NewSMSClient(cfg.Alerting.SMS, logger),
		channels.NewSlackClient(logger),
		tracker, consumer, logger)

	runners, probes := buildDiscovery(cfg, d, logger)

	probes = append(probes,
		orchestrator.NewProbe("redis", func(ctx context.Context) error {
			return d.bus.Ping(ctx)
		}),
		orchestrator.NewProbe("postgres", func(ctx context.Context) error {
			_, err := d.store.Ping(ctx)
			return err
		}),
		orchestrator.NewHeartbeatProbe(d.bus, "curation", time.Hour),
		orchestrator.NewHeartbeatProbe(d.bus, "matcher", time.Hour),
		orchestrator.NewHeartbeatProbe(d.bus, "alerter", time.Hour),
	)

	health := orchestrator.NewHealthChecker(probes, cfg.Orchestrator.ProbeInterval, logger)
	queues := orchestrator.NewQueueManager(cfg.Orchestrator, d.bus, logger)
	collector := orchestrator.NewCollector(d.bus, queues, cfg.Orchestrator.ProbeInterval, logger)
	oncall := orchestrator.NewOnCallNotifier(cfg.Instance, cfg.Orchestrator.OnCallWebhookURL, logger)
	engine := orchestrator.NewEngine(cfg, d.bus, d.store, tracker, health, collector, oncall, logger)
	server := orchestrator.NewServer(cfg.Orchestrator.ServerAddr, health, collector, queues, tracker, logger)

	logger.Info("grantradar starting",
		zap.String("instance", cfg.Instance),
		zap.String("consumer", consumer),
		zap.Int("sources", len(runners)))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return curationAgent.Run(ctx) })
	g.Go(func() error { return matcherAgent.Run(ctx) })
	g.Go(func() error { return alerterAgent.Run(ctx) })
	g.Go(func() error { return alerterAgent.RunDigestLoop(ctx) })
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return server.Run(ctx) })
	for _, r := range runners {
		r := r
		g.Go(func() error { return r.RunEvery(ctx, discoveryInterval) })
	}

	err = g.Wait()
	if err == context.Canceled {
		logger.Info("grantradar stopped")
		return nil
	}
	return err
}

// buildDiscovery wires a runner (with its own breaker) per enabled source,
// plus an endpoint probe per source for the health checker.
func buildDiscovery(cfg *config.Config, d *deps, logger *zap.Logger) ([]*discovery.Runner, []orchestrator.Probe) {
	var runners []*discovery.Runner
	var probes []orchestrator.Probe
	probe := httpx.New()

	add := func(name string, srcCfg config.SourceConfig, src discovery.Source) {
		cb := breaker.New(breaker.Settings{Service: "source:" + name}, logger, d.mirror)
		runners = append(runners, discovery.NewRunner(src, d.bus, cb, logger))
		url := srcCfg.URL
		probes = append(probes, orchestrator.NewProbe("source:"+name, func(ctx context.Context) error {
			status, _, err := probe.Head(ctx, url, 10*time.Second)
			if err != nil {
				return err
			}
			if status >= 500 {
				return fmt.Errorf("source %s returned status %d", name, status)
			}
			return nil
		}))
	}

	if cfg.Discovery.NSF.Enabled {
		add(discovery.SourceNSF, cfg.Discovery.NSF,
			discovery.NewNSFSource(cfg.Discovery.NSF, logger))
	}
	if cfg.Discovery.NIHReporter.Enabled {
		add(discovery.SourceNIH, cfg.Discovery.NIHReporter,
			discovery.NewNIHReporterSource(cfg.Discovery.NIHReporter, logger))
	}
	if cfg.Discovery.GrantsGov.Enabled {
		add(discovery.SourceGrantsGov, cfg.Discovery.GrantsGov,
			discovery.NewGrantsGovSource(cfg.Discovery.GrantsGov, logger))
	}
	if cfg.Discovery.NIHWatch.Enabled {
		add(discovery.SourceNIHWatch, cfg.Discovery.NIHWatch,
			discovery.NewNIHWatchSource(cfg.Discovery.NIHWatch, d.bus, d.chat, cfg.LLM.MaxContextChars, logger))
	}
	return runners, probes
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "grantradar"
	}
	return host + "-" + uuid.NewString()[:8]
}
