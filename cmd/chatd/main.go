// Command chatd serves the wallet-gated chat API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/chat_layer/internal/chain"
	"github.com/R3E-Network/chat_layer/internal/chat"
	"github.com/R3E-Network/chat_layer/internal/clock"
	"github.com/R3E-Network/chat_layer/internal/config"
	"github.com/R3E-Network/chat_layer/internal/gate"
	"github.com/R3E-Network/chat_layer/internal/httpapi"
	"github.com/R3E-Network/chat_layer/internal/logging"
	"github.com/R3E-Network/chat_layer/internal/middleware"
	"github.com/R3E-Network/chat_layer/internal/platform/migrations"
	"github.com/R3E-Network/chat_layer/internal/query"
	"github.com/R3E-Network/chat_layer/internal/ratelimit"
	"github.com/R3E-Network/chat_layer/internal/store"
	"github.com/R3E-Network/chat_layer/internal/store/postgres"
	"github.com/R3E-Network/chat_layer/internal/supabase"
)

func main() {
	envFile := flag.String("env", ".env", "Optional .env file")
	seedFile := flag.String("seed", "", "YAML fixtures loaded into the memory store")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *seedFile != "" {
		cfg.SeedFile = *seedFile
	}

	logger := logging.New(chat.ServiceID, cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("chatd failed")
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real{}
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	exec, sb, closer, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if closer != nil {
		cleanup = append(cleanup, closer)
	}
	db := query.New(exec, query.WithClock(clk))

	if cfg.Store == config.StoreMemory && cfg.SeedFile != "" {
		n, err := store.SeedFile(ctx, db, cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		logger.WithField("records", n).Info("Seeded memory store")
	}

	limiterOpts := []ratelimit.Option{ratelimit.WithLogger(logger)}
	switch cfg.RateLimitBackend {
	case "redis":
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		cleanup = append(cleanup, func() { _ = client.Close() })
		backend := ratelimit.NewRedisBackend(client, clk, cfg.RedisPrefix)
		if err := backend.Ping(ctx); err != nil {
			logger.WithError(err).Warn("Redis unreachable; rate limits fall back to memory until it recovers")
		}
		limiterOpts = append(limiterOpts, ratelimit.WithRemote(backend))
	case "rpc":
		if sb == nil {
			if sb, err = newSupabase(cfg); err != nil {
				return err
			}
		}
		limiterOpts = append(limiterOpts, ratelimit.WithRemote(ratelimit.NewRPCBackend(sb, clk)))
	}
	limiter := ratelimit.New(ratelimit.NewMemoryStore(clk), limiterOpts...)

	var checker gate.Checker
	if cfg.ProfileRegistry != "" && cfg.RPCURL != "" {
		registry, err := chain.NewProfileRegistry(chain.NewClient(cfg.RPCURL, cfg.RPCTimeout), cfg.ProfileRegistry)
		if err != nil {
			return fmt.Errorf("profile registry: %w", err)
		}
		checker = registry
	}

	limits, err := config.LoadLimits(cfg.LimitsFile)
	if err != nil {
		return err
	}

	svc, err := chat.New(chat.Config{
		DB:      db,
		Limiter: limiter,
		Gate:    gate.New(cfg.RequireCredential, checker, logger),
		Logger:  logger,
		Limits:  limits,
	})
	if err != nil {
		return err
	}

	throttle := middleware.NewThrottle(cfg.ThrottleRPS, cfg.ThrottleBurst, logger)
	throttle.StartCleanup(ctx, time.Minute, 10*time.Minute)

	server := &http.Server{
		Addr: cfg.Addr(),
		Handler: httpapi.NewHandler(httpapi.Options{
			Service:     svc,
			Logger:      logger,
			Clock:       clk,
			Env:         cfg.Env,
			CORSOrigins: cfg.CORSOrigins,
			Throttle:    throttle,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(map[string]interface{}{
			"addr":      server.Addr,
			"store":     cfg.Store,
			"ratelimit": cfg.RateLimitBackend,
			"gate":      cfg.RequireCredential,
		}).Info("chatd listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Shutdown error")
	}
	logger.Info("Service stopped")
	return nil
}

// openStore returns the executor for cfg.Store, the supabase client when
// one was built, and a close function.
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (query.Executor, *supabase.Client, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		exec, err := postgres.Open(ctx, cfg.DatabaseURL, nil)
		if err != nil {
			return nil, nil, nil, err
		}
		if cfg.Migrate {
			if err := migrations.Apply(ctx, exec.DB()); err != nil {
				_ = exec.Close()
				return nil, nil, nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info("Migrations applied")
		}
		return exec, nil, func() { _ = exec.Close() }, nil
	case config.StoreSupabase:
		sb, err := newSupabase(cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		return supabase.NewExecutor(sb, nil), sb, nil, nil
	default:
		return store.NewMemory(
			store.WithUniqueIndex(query.Conversations, "canonical_key"),
			store.WithUniqueIndex(query.ConversationMembers, "conversation_id", "participant_address"),
			store.WithUniqueIndex(query.Contacts, "owner_address", "contact_address"),
		), nil, nil, nil
	}
}

func newSupabase(cfg *config.Config) (*supabase.Client, error) {
	sb, err := supabase.New(supabase.Config{
		URL:     cfg.SupabaseURL,
		APIKey:  cfg.SupabaseKey,
		Timeout: cfg.SupabaseTimeout,
		Retry:   supabase.DefaultRetryConfig(),
		Breaker: supabase.DefaultCircuitBreakerConfig(),
	})
	if err != nil {
		return nil, fmt.Errorf("supabase: %w", err)
	}
	return sb, nil
}
