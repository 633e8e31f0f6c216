package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/uapk/gateway/internal/approval"
	"github.com/uapk/gateway/internal/audit"
	"github.com/uapk/gateway/internal/budget"
	"github.com/uapk/gateway/internal/cache"
	"github.com/uapk/gateway/internal/config"
	"github.com/uapk/gateway/internal/connector"
	"github.com/uapk/gateway/internal/database"
	"github.com/uapk/gateway/internal/gateway"
	"github.com/uapk/gateway/internal/handlers"
	"github.com/uapk/gateway/internal/manifest"
	"github.com/uapk/gateway/internal/middleware"
	"github.com/uapk/gateway/internal/monitoring"
	"github.com/uapk/gateway/internal/multitenancy"
	"github.com/uapk/gateway/internal/policy"
	"github.com/uapk/gateway/internal/token"
	"github.com/uapk/gateway/internal/websocket"
)

func main() {
	configPath := flag.String("config", "", "path to gateway.yaml")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	signingKey, err := cfg.LoadSigningKey()
	if err != nil {
		logger.Error("signing key load failed", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Stores: Postgres when a DSN is configured, in-memory otherwise.
	var (
		manifests manifest.Store
		approvals approval.Store
		budgets   budget.Store
		audits    audit.Store
		issuers   token.IssuerStore
		tenants   multitenancy.Store
	)
	if cfg.Database.DSN != "" {
		db, err := database.Open(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Error("database open failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := database.EnsureSchema(ctx, db); err != nil {
			logger.Error("schema setup failed", "error", err)
			os.Exit(1)
		}
		manifests = manifest.NewPostgresStore(db)
		approvals = approval.NewPostgresStore(db)
		budgets = budget.NewPostgresStore(db)
		audits = audit.NewPostgresStore(db)
		issuers = token.NewPostgresIssuerStore(db)
		tenants = multitenancy.NewPostgresStore(db)
	} else {
		logger.Warn("no DATABASE_URL configured, using in-memory stores")
		manifests = manifest.NewMemoryStore()
		approvals = approval.NewMemoryStore()
		budgets = budget.NewMemoryStore()
		audits = audit.NewMemoryStore()
		issuers = token.NewMemoryIssuerStore()
		tenants = multitenancy.NewMemoryStore()
	}

	// Optional Redis read caches for manifests and issuer keys.
	var issuerResolver token.Resolver = issuers
	var invalidator handlers.IssuerInvalidator
	if cfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("redis connect failed", "error", err)
			os.Exit(1)
		}
		manifests = manifest.NewCachedStore(manifests, redisCache, time.Minute)
		cached := token.NewCachedResolver(issuers, redisCache, time.Minute)
		issuerResolver = cached
		invalidator = cached
		logger.Info("Redis caches enabled", "addr", cfg.Redis.Addr)
	}

	tokenService := token.NewService(signingKey, issuerResolver)
	tenantManager := multitenancy.NewManager(tenants)
	metrics := monitoring.NewMetrics()

	engine := policy.NewEngine(manifests, tokenService, issuerResolver, approvals, budgets,
		policy.WithDefaultDailyBudget(cfg.Gateway.DefaultDailyBudget),
		policy.WithLogger(logger))

	guard := connector.NewGuard()
	runtime := connector.NewRuntime(guard, connector.EnvSecrets{}, connector.Config{
		DefaultTimeout:   time.Duration(cfg.Connector.TimeoutSeconds) * time.Second,
		MaxResponseBytes: cfg.Connector.MaxResponseBytes,
		AllowedDomains:   cfg.Connector.AllowedDomains,
	}, logger)

	feed := websocket.NewApprovalFeed(logger)
	go feed.Run()

	gw := gateway.New(engine, approvals, budgets, audits, audit.NewSigner(signingKey), runtime,
		gateway.WithApprovalTTL(time.Duration(cfg.Gateway.ApprovalExpiryHours)*time.Hour),
		gateway.WithPolicyVersion(cfg.Gateway.PolicyVersion),
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
		gateway.WithApprovalListener(func(a *approval.Approval) {
			feed.Notify(websocket.EventApprovalCreated, a)
		}))

	router := handlers.NewRouter(handlers.Deps{
		Gateway:     gw,
		Approvals:   approvals,
		Manifests:   manifests,
		Issuers:     issuers,
		Audits:      audits,
		Tokens:      tokenService,
		Tenants:     tenantManager,
		Feed:        feed,
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimitConfig(cfg.RateLimit), logger),
		Invalidator: invalidator,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	logger.Info("gateway starting", "port", cfg.Server.Port, "env", cfg.Server.Env)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
