// Command agentauthd runs the authorization and consent engine: consent
// issuance with delegation tokens, transaction authorization against
// spending limits, and merchant verification with signed proofs.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentauth/core/pkg/api"
	"github.com/agentauth/core/pkg/authorize"
	"github.com/agentauth/core/pkg/config"
	"github.com/agentauth/core/pkg/consent"
	"github.com/agentauth/core/pkg/limits"
	"github.com/agentauth/core/pkg/observability"
	"github.com/agentauth/core/pkg/signing"
	"github.com/agentauth/core/pkg/store"
	"github.com/agentauth/core/pkg/token"
	"github.com/agentauth/core/pkg/verify"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	ctx := context.Background()

	signer, err := loadOrGenerateSigner(cfg)
	if err != nil {
		log.Fatalf("signer init failed: %v", err)
	}
	slog.Info("trust root ready", "key_id", signer.KeyID(), "public_key", signer.PublicKey())

	stores, err := openStores(ctx, cfg)
	if err != nil {
		log.Fatalf("storage init failed: %v", err)
	}

	// The provider is built unconditionally; without an OTLP endpoint it
	// degrades to a working no-op so the handler wiring stays uniform.
	obsCfg := observability.DefaultConfig()
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	obsCfg.Insecure = true
	provider, err := observability.New(ctx, obsCfg)
	if err != nil {
		log.Fatalf("observability init failed: %v", err)
	}

	consents := consent.NewService(stores.consents, token.NewMinter(signer.Private(), signer.KeyID()))
	evaluator := authorize.NewEvaluator(token.NewVerifier(signer.Public()), stores.consents, stores.limits, stores.ledger)
	verifier := verify.NewService(stores.ledger, stores.proofs, signer)

	handlers := api.NewHandler(consents, evaluator, verifier, stores.limits, signer).
		WithObservability(provider)
	if cfg.LimitProfilesDir != "" {
		profiles, err := config.LoadAllProfiles(cfg.LimitProfilesDir)
		if err != nil {
			log.Fatalf("limit profiles load failed: %v", err)
		}
		handlers.WithProfiles(profiles)
		slog.Info("limit profiles loaded", "dir", cfg.LimitProfilesDir, "count", len(profiles))
	}

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux)

	var handler http.Handler = mux

	var idemStore api.IdempotencyStore = api.NewMemoryIdempotencyStore(24 * time.Hour)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		idemStore = api.NewRedisIdempotencyStore(rdb, 24*time.Hour)
		handler = api.NewRedisRateLimiter(rdb, cfg.RateLimitRPS, cfg.RateLimitBurst).Middleware(handler)
		slog.Info("redis backends ready", "addr", cfg.RedisAddr)
	} else {
		handler = api.NewGlobalRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).Middleware(handler)
	}
	handler = api.IdempotencyMiddleware(idemStore, slog.Default())(handler)
	handler = api.CORS(handler)
	handler = api.RequestID(handler)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("agentauth listening", "port", cfg.Port, "database", cfg.DatabaseDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	if provider != nil {
		_ = provider.Shutdown(shutdownCtx)
	}
	if stores.db != nil {
		_ = stores.db.Close()
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func loadOrGenerateSigner(cfg *config.Config) (*signing.Ed25519Signer, error) {
	if cfg.SigningKeyPath != "" {
		return signing.LoadSigner(cfg.SigningKeyPath, cfg.SigningKeyID)
	}
	// Ephemeral key: tokens and proofs do not survive a restart. Fine for
	// development, set SIGNING_KEY_PATH in production.
	slog.Warn("SIGNING_KEY_PATH not set, using an ephemeral signing key")
	return signing.NewEd25519Signer(cfg.SigningKeyID)
}

type engineStores struct {
	db       *sql.DB
	consents consent.Store
	limits   limits.Store
	ledger   authorize.Store
	proofs   verify.ProofStore
}

func openStores(ctx context.Context, cfg *config.Config) (*engineStores, error) {
	switch cfg.DatabaseDriver {
	case "memory":
		return &engineStores{
			consents: consent.NewMemoryStore(),
			limits:   limits.NewMemoryStore(),
			ledger:   authorize.NewMemoryStore(),
			proofs:   verify.NewMemoryProofStore(),
		}, nil

	case "sqlite":
		db, err := store.Open(ctx, "sqlite", cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		consents, err := consent.NewSQLiteStore(db)
		if err != nil {
			return nil, err
		}
		lim, err := limits.NewSQLiteStore(db)
		if err != nil {
			return nil, err
		}
		ledger, err := authorize.NewSQLiteStore(db)
		if err != nil {
			return nil, err
		}
		proofs, err := verify.NewSQLiteProofStore(db)
		if err != nil {
			return nil, err
		}
		return &engineStores{db: db, consents: consents, limits: lim, ledger: ledger, proofs: proofs}, nil

	case "postgres":
		db, err := store.Open(ctx, "postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		consents := consent.NewPostgresStore(db)
		if err := consents.Migrate(ctx); err != nil {
			return nil, err
		}
		lim := limits.NewPostgresStore(db)
		if err := lim.Migrate(ctx); err != nil {
			return nil, err
		}
		ledger := authorize.NewPostgresStore(db)
		if err := ledger.Migrate(ctx); err != nil {
			return nil, err
		}
		proofs := verify.NewPostgresProofStore(db)
		if err := proofs.Migrate(ctx); err != nil {
			return nil, err
		}
		return &engineStores{db: db, consents: consents, limits: lim, ledger: ledger, proofs: proofs}, nil

	default:
		return nil, errors.New("unknown DATABASE_DRIVER: " + cfg.DatabaseDriver)
	}
}
