package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"

	"microtask-settlement/internal/api"
	"microtask-settlement/internal/escrow"
	"microtask-settlement/internal/infrastructure/repository"
	"microtask-settlement/internal/moderation"
	"microtask-settlement/internal/notify"
	"microtask-settlement/internal/prompts"
	"microtask-settlement/internal/queue"
	"microtask-settlement/internal/reconcile"
	"microtask-settlement/internal/settlement"
	"microtask-settlement/internal/verification"
	"microtask-settlement/internal/worker"
	"microtask-settlement/pkg/cache"
	"microtask-settlement/pkg/circuit"
	"microtask-settlement/pkg/config"
	"microtask-settlement/pkg/database"
	"microtask-settlement/pkg/events"
	"microtask-settlement/pkg/health"
	"microtask-settlement/pkg/logging"
	"microtask-settlement/pkg/metrics"
	"microtask-settlement/pkg/ratelimit"
)

func main() {
	cfg := config.Load()

	logger, err := logging.NewLogger(logging.LogConfig{
		Level:       logging.ParseLevel(cfg.LogLevel),
		Format:      cfg.LogFormat,
		Output:      cfg.LogOutput,
		EnableAsync: true,
	})
	if err != nil {
		log.Fatal("logger init:", err)
	}
	defer logger.Close()
	mainLog := logger.WithComponent("main")

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL must be set")
	}
	db, err := database.NewWithConfig(cfg.DatabaseURL, cfg)
	if err != nil {
		log.Fatal("database init:", err)
	}
	defer db.Close()

	repo := repository.NewSQLRepository(db)
	uowf := repository.NewSQLUnitOfWorkFactory(db)
	eventStore := events.NewSQLEventStore(db)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		mainLog.Warn("redis not reachable at startup",
			logging.String("addr", cfg.RedisAddr),
			logging.String("error", err.Error()))
	}
	pingCancel()

	// AI engines share one OpenAI client, one verdict cache and one
	// rate-limit budget.
	aiCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
	aiCfg.HTTPClient = &http.Client{Timeout: cfg.OpenAITimeout}
	aiClient := openai.NewClientWithConfig(aiCfg)
	promptMgr, err := prompts.NewManager()
	if err != nil {
		log.Fatal("prompt templates:", err)
	}
	rules, err := moderation.LoadRules(cfg.ModerationRulesPath)
	if err != nil {
		log.Fatal("moderation rules:", err)
	}
	verdictCache := cache.New(cfg.CacheTTL, cfg.CacheMaxSize)
	defer verdictCache.Stop()
	aiLimiter := ratelimit.New(cfg.AIRateLimit, cfg.AIRateWindow)

	moderator := moderation.NewEngine(aiClient, promptMgr, rules, verdictCache, aiLimiter, logger, moderation.Config{
		Model:                cfg.OpenAIModel,
		AutoRejectConfidence: cfg.AutoRejectConfidence,
		Temperature:          cfg.OpenAITemperature,
		MaxTokens:            cfg.OpenAIMaxTokens,
	})
	costs := verification.NewCostTracker()
	verifier := verification.NewEngine(aiClient, promptMgr, verdictCache, aiLimiter, costs, logger, verification.Config{
		Model:       cfg.OpenAIModel,
		VisionModel: cfg.OpenAIVisionModel,
		Temperature: cfg.OpenAITemperature,
		MaxTokens:   cfg.OpenAIMaxTokens,
	})

	if cfg.EscrowRPCURL == "" {
		log.Fatal("ESCROW_RPC_URL must be set")
	}
	breaker := circuit.New(circuit.Config{
		Name:              "escrow_rpc",
		MaxConsecFailures: 5,
		OpenFor:           30 * time.Second,
		OperationTimeout:  cfg.EscrowTimeout,
	}, logger)
	chain := escrow.NewRPCClient(cfg.EscrowRPCURL, cfg.EscrowTimeout, breaker, logger)

	var sink notify.Sink
	if cfg.WebhookURL != "" {
		sink = notify.NewWebhookSink(cfg.WebhookURL, cfg.NotifyDeliveryLimit)
	} else {
		mainLog.Warn("WEBHOOK_URL not set, notifications disabled")
	}
	dispatcher := notify.NewDispatcher(sink, cfg.NotifyBuffer, cfg.NotifyAttempts, cfg.NotifyRetryDelay, logger)
	dispatcher.Start()
	defer dispatcher.Stop()

	settler := settlement.NewService(chain, repo, uowf, eventStore, dispatcher, logger, settlement.Config{
		MaxAttempts: cfg.SettlementMaxAttempts,
		RetryDelay:  cfg.SettlementRetryDelay,
	})

	pipelineWorker := worker.New(repo, moderator, verifier, settler, eventStore, dispatcher, logger)

	queueCfg := queue.Config{
		Concurrency:   cfg.WorkerConcurrency,
		MaxRetry:      cfg.JobMaxRetry,
		Timeout:       cfg.JobTimeout,
		BaseDelay:     cfg.RetryBaseDelay,
		RetryMaxDelay: cfg.RetryMaxDelay,
	}
	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	enqueuer := queue.NewEnqueuer(redisOpt, logger, queueCfg)
	defer enqueuer.Close()

	srv := queue.NewServer(redisOpt, logger, queueCfg)
	asynqMux := asynq.NewServeMux()
	pipelineWorker.Register(asynqMux)
	go func() {
		if err := srv.Run(asynqMux); err != nil {
			log.Fatal("queue server:", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.ReconcileEnabled {
		rec := reconcile.New(repo, chain, eventStore, logger, cfg.ReconcileInterval, cfg.ReconcileBatch)
		go rec.Run(ctx)
	}

	healthMgr := health.NewManager(logger, 5*time.Second)
	healthMgr.Register(health.DBChecker(db))
	healthMgr.Register(health.RedisChecker(redisClient))
	healthMgr.Register(health.EscrowChecker(chain, 1))

	router := api.Router(repo, enqueuer, settler, eventStore, pipelineWorker, verifier, healthMgr.Handler(), logger)
	server := &http.Server{Addr: ":" + cfg.Port, Handler: router}

	var adminServer *http.Server
	if cfg.MetricsEnabled {
		adminMux := http.NewServeMux()
		adminMux.Handle("/metrics", metrics.Handler())
		adminMux.HandleFunc("/healthz", healthMgr.Handler())
		adminServer = &http.Server{Addr: ":" + cfg.AdminPort, Handler: adminMux}
		go func() {
			mainLog.Info("admin server starting", logging.String("port", cfg.AdminPort))
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				mainLog.Error("admin server", err)
			}
		}()
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		mainLog.Info("shutdown signal received")
		srv.Shutdown()
		cancel()
	}()

	go func() {
		mainLog.Info("server starting", logging.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server:", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		mainLog.Error("HTTP server shutdown", err)
	}
	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			mainLog.Error("admin server shutdown", err)
		}
	}
	mainLog.Info("shutdown complete")
}
