// Package main provides the arena server binary: event bus, WebSocket
// bridge, bomb manager, and the dual-tier session store.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/hollowpoint/blastarena/internal/bridge"
	"github.com/hollowpoint/blastarena/internal/config"
	"github.com/hollowpoint/blastarena/internal/event"
	"github.com/hollowpoint/blastarena/internal/game/arena"
	"github.com/hollowpoint/blastarena/internal/game/state"
	"github.com/hollowpoint/blastarena/internal/observability"
	"github.com/hollowpoint/blastarena/internal/server"
	"github.com/hollowpoint/blastarena/internal/storage/postgres"
	"github.com/hollowpoint/blastarena/internal/storage/redis"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	arenasDir := flag.String("arenas", "content/arenas", "path to arena layout YAML files directory")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting arena server",
		zap.String("ws_addr", cfg.WS.Addr()),
	)

	// Load arena layouts
	layoutStart := time.Now()
	layouts, err := arena.LoadLayoutsFromDir(*arenasDir)
	if err != nil {
		logger.Fatal("loading arena layouts", zap.Error(err))
	}
	if _, ok := layouts[cfg.Game.DefaultArena]; !ok {
		logger.Fatal("default arena layout not found",
			zap.String("arena", cfg.Game.DefaultArena),
			zap.String("dir", *arenasDir))
	}
	logger.Info("arena layouts loaded",
		zap.Int("count", len(layouts)),
		zap.Duration("elapsed", time.Since(layoutStart)),
	)

	// Connect to PostgreSQL for the durable history
	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Duration("elapsed", time.Since(dbStart)),
	)
	historyRepo := postgres.NewHistoryRepository(pool.DB())

	// Connect to Redis for the volatile session state
	redisStart := time.Now()
	volatile, err := redis.NewStore(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("connecting to redis", zap.Error(err))
	}
	defer volatile.Close()
	logger.Info("redis connected",
		zap.String("addr", cfg.Redis.Addr()),
		zap.Duration("elapsed", time.Since(redisStart)),
	)
	creds := redis.NewCredentialStore(volatile)

	// Event bus
	bus := event.NewBus(event.Config{
		RetryCeiling:      cfg.Bus.RetryCeiling,
		BackoffBase:       cfg.Bus.BackoffBase,
		BackoffMultiplier: cfg.Bus.BackoffMultiplier,
		DefaultTTL:        cfg.Bus.DefaultTTL,
		QueueSize:         cfg.Bus.QueueSize,
	}, observability.ComponentLogger(logger, "bus"))

	// Session state: volatile store plus async durable history
	sessions := state.NewSessionStore(volatile, cfg.Game.SessionTTL)
	syncer := state.NewSyncer(sessions, bus, historyRepo, cfg.Game.SessionTTL/4,
		observability.ComponentLogger(logger, "sync"))

	// Bomb manager and its bus-driven handler
	manager := arena.NewManager(arena.Config{
		FuseDelay:           time.Duration(cfg.Game.FuseDelayMs) * time.Millisecond,
		EffectRadius:        cfg.Game.EffectRadius,
		MaxActivePerOwner:   cfg.Game.MaxActivePerOwner,
		ZoneDisplayDuration: time.Duration(cfg.Game.ZoneDisplayMs) * time.Millisecond,
		PlacementPolicy:     arena.PlacementPolicy(cfg.Game.PlacementPolicy),
	}, bus, observability.ComponentLogger(logger, "arena"))
	arenaHandler := arena.NewHandler(manager, bus, layouts, cfg.Game.DefaultArena,
		observability.ComponentLogger(logger, "arena"))

	// Connection bridge and its WebSocket acceptor
	br := bridge.NewBridge(cfg.Bridge, cfg.WS, bus, creds, sessions,
		observability.ComponentLogger(logger, "bridge"))
	acceptor := bridge.NewAcceptor(cfg.WS, br, observability.ComponentLogger(logger, "ws"))

	// Lifecycle: start order is dependencies first, stop order is reversed.
	lc := server.NewLifecycle(logger)
	lc.Add("syncer", &server.FuncService{
		StartFn: func() error { return syncer.Start(ctx) },
		StopFn:  syncer.Stop,
	})
	lc.Add("arena-handler", &server.FuncService{
		StartFn: arenaHandler.Start,
		StopFn:  arenaHandler.Stop,
	})
	lc.Add("websocket", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})
	lc.Add("redis-health", server.NewHealthService("redis", volatile.Health,
		30*time.Second, observability.ComponentLogger(logger, "health")))
	lc.Add("postgres-health", server.NewHealthService("postgres", pool.Health,
		30*time.Second, observability.ComponentLogger(logger, "health")))

	logger.Info("arena server wired",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lc.Run(ctx); err != nil {
		logger.Fatal("lifecycle error", zap.Error(err))
	}

	bus.Close()
}
