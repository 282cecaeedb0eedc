// Command worldcore hosts the simulation core behind a line protocol on
// stdin/stdout. Collaborating processes drive it with talk lines, god
// commands, and JSON documents (execution handoffs, world-memory requests);
// every input line produces at most one JSON line on stdout.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/duskhall/worldcore/pkg/config"
	"github.com/duskhall/worldcore/pkg/execution"
	"github.com/duskhall/worldcore/pkg/faults"
	"github.com/duskhall/worldcore/pkg/flow"
	"github.com/duskhall/worldcore/pkg/god"
	"github.com/duskhall/worldcore/pkg/memstore"
	"github.com/duskhall/worldcore/pkg/telemetry"
	"github.com/duskhall/worldcore/pkg/turn"
	"github.com/duskhall/worldcore/pkg/worldloop"
	"github.com/duskhall/worldcore/pkg/worldmemory"
)

func main() {
	os.Exit(Run(os.Args, os.Stdin, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("worldcore", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := config.Load()
	var (
		snapshotPath = fs.String("snapshot", cfg.SnapshotPath, "world snapshot file")
		dbPath       = fs.String("db", cfg.DatabaseDSN, "sqlite file for execution records (empty keeps them in the snapshot)")
		profilePath  = fs.String("config", "", "tuning profile YAML")
		tickMs       = fs.Int("tick", 0, "world loop tick interval override in ms")
		startLoop    = fs.Bool("loop", false, "run the world loop")
		redisAddr    = fs.String("redis", cfg.RedisAddr, "redis address for shared intent budgets (empty keeps them in process)")
		otlpAddr     = fs.String("otlp", cfg.OTLPEndpoint, "otlp grpc endpoint for metric export (empty disables)")
	)
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	logger = logger.With("run_id", uuid.NewString()[:8])
	slog.SetDefault(logger)

	h, err := newHost(hostOptions{
		SnapshotPath: *snapshotPath,
		DBPath:       *dbPath,
		ProfilePath:  *profilePath,
		TickMs:       *tickMs,
		RedisAddr:    *redisAddr,
		OTLPEndpoint: *otlpAddr,
	}, logger, stdout)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer h.crash.Recover()
	logger.Info("worldcore host ready", "snapshot", *snapshotPath, "sql_backend", *dbPath != "", "loop", *startLoop)

	ctx := context.Background()
	if *startLoop {
		if err := h.loop.Start(ctx); err != nil {
			logger.Error("world loop start failed", "error", err)
			h.shutdown()
			return 1
		}
	}

	h.serve(ctx, stdin)
	h.shutdown()
	if h.fatal.Load() {
		return 1
	}
	return 0
}

const (
	// maxLineBytes bounds one protocol line; handoff documents stay far
	// below this.
	maxLineBytes = 1 << 20

	handoffTimeout = 30 * time.Second
	contextTimeout = 10 * time.Second

	dialogueSlots        = 4
	dialogueEventsPerMin = 30
)

type hostOptions struct {
	SnapshotPath string
	DBPath       string
	ProfilePath  string
	TickMs       int
	RedisAddr    string
	OTLPEndpoint string
}

// host owns every subsystem for one snapshot and serializes their output
// onto stdout.
type host struct {
	logger   *slog.Logger
	store    *memstore.Store
	db       *sql.DB
	gods     *god.Service
	adapter  *execution.Adapter
	memory   *worldmemory.Service
	turns    *turn.Engine
	loop     *worldloop.Loop
	reporter *telemetry.Reporter
	bridge   *telemetry.OTelBridge
	crash    *faults.CrashHandler

	lane  *flow.KeyedQueue
	gate  *flow.DialogueGate
	clock func() time.Time

	out   io.Writer
	outMu sync.Mutex

	wg      sync.WaitGroup
	fatal   atomic.Bool
	closing sync.Once
}

func newHost(opts hostOptions, logger *slog.Logger, out io.Writer) (*host, error) {
	prof := config.DefaultProfile()
	if opts.ProfilePath != "" {
		p, err := config.LoadProfileFile(opts.ProfilePath)
		if err != nil {
			return nil, err
		}
		prof = p
	}
	prof.ApplyEnv()
	if opts.TickMs > 0 {
		prof.Loop.TickMs = opts.TickMs
	}

	metrics := telemetry.New()
	st, err := memstore.New(memstore.Options{
		Path:            opts.SnapshotPath,
		Logger:          logger.With("component", "memstore"),
		Metrics:         metrics,
		LockAttempts:    prof.Store.LockAttempts,
		LockBackoff:     time.Duration(prof.Store.LockBackoffMs) * time.Millisecond,
		VerifyIntegrity: prof.Store.VerifyIntegrity,
	})
	if err != nil {
		return nil, err
	}

	var (
		execStore execution.Store
		db        *sql.DB
	)
	if opts.DBPath == "" {
		execStore = execution.NewMemoryStore(st, nil)
	} else {
		db, err = execution.OpenDB(opts.DBPath)
		if err != nil {
			st.Close()
			return nil, err
		}
		sqlStore, serr := execution.NewSQLStore(db, st, nil)
		if serr != nil {
			db.Close()
			st.Close()
			return nil, serr
		}
		execStore = sqlStore
	}
	closeAll := func() {
		if db != nil {
			db.Close()
		}
		st.Close()
	}

	gods := god.NewService(god.Options{Store: st, Logger: logger.With("component", "god")})
	adapter, err := execution.NewAdapter(execution.AdapterOptions{
		Store:     execStore,
		Commands:  gods,
		Snapshots: st,
		Logger:    logger.With("component", "execution"),
		Metrics:   metrics,
	})
	if err != nil {
		closeAll()
		return nil, err
	}
	memorySvc, err := worldmemory.NewService(worldmemory.Options{
		Store:     execStore,
		Snapshots: st,
		Logger:    logger.With("component", "worldmemory"),
	})
	if err != nil {
		closeAll()
		return nil, err
	}

	var budgets worldloop.BudgetStore
	if opts.RedisAddr != "" {
		budgets = worldloop.NewRedisBudgetStore(redis.NewClient(&redis.Options{Addr: opts.RedisAddr}), "")
	} else {
		budgets = worldloop.NewMemoryBudgetStore()
	}
	loop, err := worldloop.New(worldloop.Options{
		Config:  prof.Loop,
		Store:   st,
		Budgets: budgets,
		Metrics: metrics,
		Logger:  logger.With("component", "worldloop"),
	})
	if err != nil {
		closeAll()
		return nil, err
	}

	h := &host{
		logger:   logger,
		store:    st,
		db:       db,
		gods:     gods,
		adapter:  adapter,
		memory:   memorySvc,
		turns:    turn.NewEngine(turn.Options{Store: st, Logger: logger.With("component", "turn")}),
		loop:     loop,
		reporter: telemetry.NewReporter(metrics, logger.With("component", "telemetry"), telemetry.DefaultReportInterval),
		lane:     flow.NewKeyedQueue(),
		gate:     flow.NewDialogueGate(dialogueSlots, dialogueEventsPerMin),
		clock:    time.Now,
		out:      out,
	}
	h.crash = faults.NewCrashHandler(func(err error) {
		h.fatal.Store(true)
		h.shutdown()
	})

	ctx := context.Background()
	if err := execStore.SyncWorldMemoryFromSnapshot(ctx); err != nil {
		closeAll()
		return nil, fmt.Errorf("world memory sync: %w", err)
	}
	cleared, err := adapter.RecoverPending(ctx)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("recover pending executions: %w", err)
	}
	if cleared > 0 {
		logger.Info("cleared stale pending executions", "count", cleared)
	}

	otcfg := telemetry.DefaultOTelConfig()
	if opts.OTLPEndpoint != "" {
		otcfg.Enabled = true
		otcfg.Endpoint = opts.OTLPEndpoint
		otcfg.Insecure = true
	}
	h.bridge, err = telemetry.NewOTelBridge(ctx, otcfg, metrics)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("start otlp metric export: %w", err)
	}

	h.reporter.Start(ctx)
	return h, nil
}

// shutdown stops the loop, drains in-flight dialogue, flushes the snapshot,
// and releases the store. Safe to call more than once.
func (h *host) shutdown() {
	h.closing.Do(func() {
		h.loop.Stop()
		h.wg.Wait()
		h.reporter.Stop()
		if err := h.bridge.Shutdown(context.Background()); err != nil {
			h.logger.Warn("otlp export shutdown failed", "error", err)
		}
		if err := h.store.Save(); err != nil {
			h.logger.Error("final save failed", "error", err)
			h.fatal.Store(true)
		}
		h.store.Close()
		if h.db != nil {
			h.db.Close()
		}
	})
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
