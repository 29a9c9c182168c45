package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"

	"github.com/tradegate/backend/internal/audit"
	"github.com/tradegate/backend/internal/circuitbreaker"
	"github.com/tradegate/backend/internal/config"
	"github.com/tradegate/backend/internal/gate"
	"github.com/tradegate/backend/internal/handlers"
	"github.com/tradegate/backend/internal/idempotency"
	"github.com/tradegate/backend/internal/lifecycle"
	"github.com/tradegate/backend/internal/middleware"
	"github.com/tradegate/backend/internal/override"
	"github.com/tradegate/backend/internal/policy"
	"github.com/tradegate/backend/internal/reconstruct"
	"github.com/tradegate/backend/internal/shadowledger"
	"github.com/tradegate/backend/internal/token"
)

func main() {
	// Local development picks up .env; production sets real env vars.
	_ = godotenv.Load()

	logger := log.New(log.Writer(), "[Gateway] ", log.LstdFlags)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	// Signing keyring. An empty key material is allowed to boot: the gate
	// fails closed with SIGNING_UNAVAILABLE until a key is loaded.
	keyring := token.NewKeyring()
	if cfg.Signing.KeyMaterial != "" {
		if err := keyring.Load(cfg.Signing.KeyID, cfg.Signing.KeyMaterial); err != nil {
			logger.Fatalf("load signing key: %v", err)
		}
		logger.Printf("signing key loaded: key_id=%s", cfg.Signing.KeyID)
	} else {
		logger.Println("WARNING: no signing key material; all decisions will fail closed")
	}

	eval, err := policy.NewEvaluator(cfg.Policy.BundlePath)
	if err != nil {
		logger.Fatalf("load policy bundle: %v", err)
	}

	// Shared Postgres handle when configured.
	var db *sql.DB
	if cfg.Stores.PostgresDSN != "" {
		db, err = sql.Open("postgres", cfg.Stores.PostgresDSN)
		if err != nil {
			logger.Fatalf("open postgres: %v", err)
		}
		if err := db.Ping(); err != nil {
			logger.Fatalf("ping postgres: %v", err)
		}
		defer db.Close()
		logger.Println("postgres connected")
	}

	// Audit store selection: Postgres, embedded SQLite, then in-memory.
	var auditStore audit.Store
	switch {
	case db != nil:
		auditStore, err = audit.NewPostgresStore(db)
		if err != nil {
			logger.Fatalf("audit store: %v", err)
		}
	case cfg.Stores.SQLitePath != "":
		sqliteStore, err := audit.NewSQLiteStore(cfg.Stores.SQLitePath)
		if err != nil {
			logger.Fatalf("audit store: %v", err)
		}
		defer sqliteStore.Close()
		auditStore = sqliteStore
	default:
		logger.Println("WARNING: in-memory audit store; chain is lost on restart")
		auditStore = audit.NewMemoryStore()
	}
	auditor := audit.NewLog(auditStore)

	// Shadow ledger, optionally persisting events and limits to Postgres.
	var ledgerSink shadowledger.EventSink
	if db != nil {
		pgSink, err := shadowledger.NewPostgresStore(db)
		if err != nil {
			logger.Fatalf("ledger store: %v", err)
		}
		ledgerSink = pgSink
	}
	ledger := shadowledger.New(ledgerSink)
	if pgSink, ok := ledgerSink.(*shadowledger.PostgresStore); ok {
		limits, err := pgSink.LoadLimits()
		if err != nil {
			logger.Fatalf("load client limits: %v", err)
		}
		for clientID, l := range limits {
			ledger.SetLimits(clientID, l)
		}
		logger.Printf("loaded limits for %d clients", len(limits))
	}

	// Idempotency store selection: Redis, Postgres, then in-memory.
	var idemStore idempotency.Store
	switch {
	case cfg.Stores.RedisAddr != "":
		client := redis.NewClient(&redis.Options{
			Addr: cfg.Stores.RedisAddr,
			DB:   cfg.Stores.RedisDB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			logger.Fatalf("ping redis: %v", err)
		}
		defer client.Close()
		idemStore = idempotency.NewRedisStore(client, cfg.IdempotencyRetention())
		logger.Println("redis idempotency store connected")
	case db != nil:
		idemStore, err = idempotency.NewPostgresStore(db)
		if err != nil {
			logger.Fatalf("idempotency store: %v", err)
		}
	default:
		idemStore = idempotency.NewMemoryStore()
	}

	metrics := gate.NewMetrics()
	breakers := circuitbreaker.NewManager(&circuitbreaker.Config{
		FailureThreshold: cfg.Circuit.Threshold,
		Window:           cfg.CircuitWindow(),
		ResetTimeout:     cfg.CircuitReset(),
		CloseSuccesses:   cfg.Circuit.CloseSuccesses,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Printf("breaker %s: %s -> %s", name, from, to)
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	digests := gate.NewDigestRegistry()
	issuer := token.NewIssuer(keyring)
	g := gate.New(cfg, eval, ledger, auditor, issuer, breakers, digests, metrics)

	lcStore := lifecycle.NewStore()
	if db != nil {
		lcSink, err := lifecycle.NewPostgresStore(db)
		if err != nil {
			logger.Fatalf("lifecycle store: %v", err)
		}
		lcStore.WithSink(lcSink)
	}
	ingestor := lifecycle.NewIngestor(lcStore, idemStore, auditor, ledger, digests)
	overrides := override.NewManager(auditor, cfg.Override.StrictDualControl)
	reconstructor := reconstruct.New(auditor, lcStore, eval, overrides).
		WithSigner(issuer).
		WithTokenVerifier(token.NewVerifier(keyring))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Holds whose tokens outlived their TTL are swept to EXPIRED; each
	// expiry leaves an audit event on its trace.
	sweeper := shadowledger.NewSweeper(ledger, cfg.TokenTTL(), cfg.SweepInterval(), func(traceIDs []string) {
		for _, traceID := range traceIDs {
			auditCtx, auditCancel := context.WithTimeout(ctx, cfg.AuditTimeout())
			_, err := auditor.Append(auditCtx, traceID, "hold.expired", 1, map[string]interface{}{
				"expired_at": time.Now().UTC(),
			})
			auditCancel()
			if err != nil {
				logger.Printf("trace=%s: audit hold expiry: %v", traceID, err)
			}
		}
	})
	go sweeper.Run(ctx)
	go ingestor.CleanupLoop(ctx, time.Hour, cfg.IdempotencyRetention())

	// Per-trace append locks and digest bindings are only needed while a
	// trace is live; both maps are swept on the idempotency retention window.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := auditor.PruneLocks(cfg.IdempotencyRetention()); n > 0 {
					logger.Printf("pruned %d idle audit trace locks", n)
				}
				if n := digests.Prune(cfg.IdempotencyRetention()); n > 0 {
					logger.Printf("pruned %d expired digest bindings", n)
				}
			}
		}
	}()

	router := handlers.NewRouter(handlers.Deps{
		Gate:          g,
		Ingestor:      ingestor,
		Lifecycle:     lcStore,
		Reconstructor: reconstructor,
		Overrides:     overrides,
		Ledger:        ledger,
		Policy:        eval,
		Breakers:      breakers,
		RateLimiter:   middleware.NewRateLimiter(100, 200),
		Logger:        logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Println("shutdown signal received, draining...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("shutdown: %v", err)
		}
	}()

	logger.Printf("listening on :%s env=%s", cfg.Server.Port, cfg.Server.Env)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server failed: %v", err)
	}
	logger.Println("stopped")
}
