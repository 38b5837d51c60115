package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/coinlordd/pear-limit-engine/config"
	"github.com/coinlordd/pear-limit-engine/internal/channel"
	"github.com/coinlordd/pear-limit-engine/internal/gate"
	"github.com/coinlordd/pear-limit-engine/internal/matcher"
	"github.com/coinlordd/pear-limit-engine/internal/orderindex"
	"github.com/coinlordd/pear-limit-engine/internal/pipeline"
	"github.com/coinlordd/pear-limit-engine/internal/queue"
	"github.com/coinlordd/pear-limit-engine/internal/repository"
	"github.com/coinlordd/pear-limit-engine/internal/seed"
	"github.com/coinlordd/pear-limit-engine/internal/store"
	"github.com/coinlordd/pear-limit-engine/internal/tickmonitor"
	"github.com/coinlordd/pear-limit-engine/logger"
	"github.com/coinlordd/pear-limit-engine/reader/hyperliquid"
	"github.com/coinlordd/pear-limit-engine/reader/wsclient"
	"github.com/coinlordd/pear-limit-engine/writer"
)

const (
	roleTickMonitor  = "tick-monitor"
	roleOrchestrator = "orchestrator"
	rolePlanner      = "planner"
	roleExecutor     = "executor"
	roleFinalizer    = "finalizer"
	roleSeed         = "seed"
	roleAll          = "all"
)

var allRoles = []string{roleTickMonitor, roleOrchestrator, rolePlanner, roleExecutor, roleFinalizer}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file (defaults to config/config.<APP_ENV>.yml when present)")
	roleFlag := flag.String("role", roleAll, "Comma separated roles: tick-monitor, orchestrator, planner, executor, finalizer, seed, all")

	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath, "config/config.yml"))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	roles, err := parseRoles(*roleFlag)
	if err != nil {
		log.WithError(err).Error("Invalid role")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
		"env":     config.AppEnvironment(),
		"pair":    cfg.Pair.ID,
		"roles":   strings.Join(roles.list(), ","),
	}).Info("starting pear-limit-engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}
	if cfg.Metrics.CloudWatch.Enabled {
		cw := cfg.Metrics.CloudWatch
		logger.InitCloudWatch(ctx, cw.Region, cw.Namespace, cw.Dashboard)
	}

	st, err := store.New(ctx, cfg.Redis)
	if err != nil {
		log.WithError(err).Error("Failed to connect to redis")
		os.Exit(1)
	}
	defer st.Close()

	index, err := orderindex.Open(cfg.Index.Backend, st)
	if err != nil {
		log.WithError(err).Error("Failed to open order index")
		os.Exit(1)
	}

	// The seed role on its own loads the book and exits.
	if roles.has(roleSeed) {
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
		if _, err := seed.Run(ctx, index, cfg.Seed, cfg.Pair.ID, rnd); err != nil {
			log.WithError(err).Error("Failed to seed orders")
			os.Exit(1)
		}
		if roles.only(roleSeed) {
			return
		}
	}

	var trades *repository.SQL
	if roles.needsDatabase() {
		trades, err = repository.Open(ctx, cfg.Database)
		if err != nil {
			log.WithError(err).Error("Failed to open trade repository")
			os.Exit(1)
		}
		defer trades.Close()
		if err := trades.EnsureSchema(ctx); err != nil {
			log.WithError(err).Error("Failed to create trade schema")
			os.Exit(1)
		}
	}

	pending := queue.NewList(st, cfg.Pipeline.PendingQueue)
	partial := queue.NewList(st, cfg.Pipeline.PartialQueue)

	var (
		channels *channel.Channels
		archive  *writer.ArchiveWriter
	)
	if roles.has(roleFinalizer) && cfg.Storage.S3.Enabled {
		channels = channel.NewChannels(cfg.Channels.SettledBuffer)
		channels.StartMetricsReporting(ctx, cfg.Logging.ReportInterval)

		archive, err = writer.NewArchiveWriter(ctx, cfg, channels.Settled)
		if err != nil {
			log.WithError(err).Error("Failed to create archive writer")
			os.Exit(1)
		}
		if err := archive.Start(ctx); err != nil {
			log.WithError(err).Error("Failed to start archive writer")
			os.Exit(1)
		}
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithComponent(name).WithError(err).Error("role stopped")
				cancel()
			}
		}()
	}

	if roles.has(roleTickMonitor) {
		monitor := tickmonitor.New(cfg.Pair, st, gate.New(cfg.Gate.MinInterval, cfg.Gate.MinDelta), cfg.Redis.Channel)
		switch cfg.Feed.Source {
		case "simulated":
			rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
			run(roleTickMonitor, func(ctx context.Context) error {
				return monitor.RunSimulated(ctx, cfg.Feed.Interval, rnd)
			})
		default:
			client := hyperliquid.NewClient(wsclient.OptionsFromConfig(cfg.Stream))
			run(roleTickMonitor, func(ctx context.Context) error {
				return monitor.RunHyperliquid(ctx, client)
			})
		}
	}

	if roles.has(roleOrchestrator) {
		m := matcher.New(index, trades, pending, cfg.Pipeline.Matcher.DefaultSize)
		run(roleOrchestrator, func(ctx context.Context) error {
			return m.Run(ctx, st, cfg.Redis.Channel)
		})
	}

	if roles.has(rolePlanner) && cfg.Pipeline.Planner.Enabled {
		planner := pipeline.NewPlanner(cfg.Pipeline.Planner, cfg.Pair.ID, st, trades, pending)
		run(rolePlanner, planner.Run)
	}

	if roles.has(roleExecutor) {
		executor := pipeline.NewExecutor(cfg.Pipeline.Executor, trades, pending, partial)
		run(roleExecutor, executor.Run)
	}

	if roles.has(roleFinalizer) {
		var sink pipeline.Archive
		if channels != nil {
			sink = channels
		}
		finalizer := pipeline.NewFinalizer(cfg.Pipeline.Finalizer, trades, partial, sink)
		run(roleFinalizer, finalizer.Run)
	}

	log.Info("pear-limit-engine started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("received shutdown signal")
	case <-ctx.Done():
		log.Warn("a role stopped unexpectedly, shutting down")
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		// Closing the channel lets the archive writer flush what is buffered.
		if channels != nil {
			channels.Close()
		}
		if archive != nil {
			archive.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("shutdown timeout exceeded, forcing exit")
	}
}

type roleSet map[string]bool

func parseRoles(s string) (roleSet, error) {
	roles := roleSet{}
	for _, r := range strings.Split(s, ",") {
		r = strings.ToLower(strings.TrimSpace(r))
		switch r {
		case "":
		case roleAll:
			for _, name := range allRoles {
				roles[name] = true
			}
		case roleTickMonitor, roleOrchestrator, rolePlanner, roleExecutor, roleFinalizer, roleSeed:
			roles[r] = true
		default:
			return nil, fmt.Errorf("unknown role %q", r)
		}
	}
	if len(roles) == 0 {
		return nil, fmt.Errorf("no role selected")
	}
	return roles, nil
}

func (r roleSet) has(name string) bool { return r[name] }

func (r roleSet) only(name string) bool { return len(r) == 1 && r[name] }

func (r roleSet) needsDatabase() bool {
	return r[roleOrchestrator] || r[rolePlanner] || r[roleExecutor] || r[roleFinalizer]
}

func (r roleSet) list() []string {
	out := make([]string, 0, len(r))
	for _, name := range append(allRoles, roleSeed) {
		if r[name] {
			out = append(out, name)
		}
	}
	return out
}
