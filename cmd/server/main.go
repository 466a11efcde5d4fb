package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/reoxt/basesync/internal/auth"
	"github.com/reoxt/basesync/internal/config"
	"github.com/reoxt/basesync/internal/credentials"
	"github.com/reoxt/basesync/internal/db"
	"github.com/reoxt/basesync/internal/httpapi"
	"github.com/reoxt/basesync/internal/scheduler"
	"github.com/reoxt/basesync/internal/sourcea"
	"github.com/reoxt/basesync/internal/sourceb"
	"github.com/reoxt/basesync/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("BASESYNC_CONFIG_FILE"))
	if err != nil {
		panic(err)
	}

	configureLogging(cfg)

	ctx := context.Background()

	pool, err := db.Open(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns,
		cfg.Database.MaxConnLifetime, cfg.Database.MaxConnIdleTime)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if err := auth.InitJWKSCache(buildJWTCfg(cfg)); err != nil {
		log.Warn().Err(err).Msg("failed to pre-fetch JWKS (will retry on first request)")
	}

	syncConfigStore := store.NewSyncConfigStore(pool)
	syncLogStore := store.NewSyncLogStore(pool, store.DefaultLogRetention)
	checkpointStore := store.NewCheckpointStore(pool)
	usageStore := store.NewUsageStatsStore(pool)
	appUserStore := store.NewAppUserStore(pool)
	credentialStore := store.NewCredentialStore(pool)

	credMgr, err := credentials.NewManager(credentialStore, cfg.Crypto.EncryptionKeyHex, map[store.Service]credentials.Refresher{
		store.ServiceSourceA: &sourcea.OAuthRefresher{
			TokenURL: cfg.SourceA.TokenURL, ClientID: cfg.SourceA.ClientID, ClientSecret: cfg.SourceA.ClientSecret,
		},
		store.ServiceSourceB: &sourceb.OAuthRefresher{
			TokenURL: cfg.SourceB.TokenURL, ClientID: cfg.SourceB.ClientID, ClientSecret: cfg.SourceB.ClientSecret,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct credential manager")
	}

	sourceAClient := sourcea.NewClient(cfg.SourceA.BaseURL, cfg.Sync.CallTimeout, ownerAuthHeader(credMgr, store.ServiceSourceA))
	sourceBClient := sourceb.NewClient(cfg.SourceB.BaseURL, cfg.Sync.CallTimeout, ownerAuthHeader(credMgr, store.ServiceSourceB))

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	leaseMgr := scheduler.NewLeaseManager(redisClient, cfg.Sync.LeaseTTL)
	metrics := scheduler.NewMetrics(prometheus.DefaultRegisterer)

	runner := scheduler.NewRunner(cfg, syncConfigStore, syncLogStore, checkpointStore, usageStore, appUserStore,
		credMgr, sourceAClient, sourceBClient, leaseMgr, metrics)

	schedulerCtx, cancelScheduler := context.WithCancel(ctx)
	if err := runner.Start(schedulerCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}

	srv := httpapi.NewServer(pool, syncConfigStore, syncLogStore, appUserStore, credMgr, runner)
	srv.RateLimitConfig = httpapi.DefaultRateLimitConfig

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", srv.Routes(buildJWTCfg(cfg)))

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")
	cancelScheduler()
	runner.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := redisClient.Close(); err != nil {
		log.Error().Err(err).Msg("redis client close error")
	}

	log.Info().Msg("server stopped")
}

// ownerAuthHeader builds the authHeader closure internal/sourcea.Client and
// internal/sourceb.Client take: one shared Client resolves whichever
// owner's token applies to the call in flight by reading the owner id the
// scheduler stashed in ctx (internal/scheduler.OwnerFromContext).
func ownerAuthHeader(credMgr *credentials.Manager, service store.Service) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		ownerID, ok := scheduler.OwnerFromContext(ctx)
		if !ok {
			return "", context.Canceled
		}
		token, err := credMgr.GetValidToken(ctx, ownerID, service)
		if err != nil {
			return "", err
		}
		return token, nil
	}
}

func buildJWTCfg(cfg *config.Config) auth.JWTCfg {
	return auth.JWTCfg{
		HS256Secret:       cfg.JWT.HS256Secret,
		DevMode:           cfg.JWT.DevMode,
		Issuer:            cfg.JWT.Issuer,
		JWKSURL:           cfg.JWT.JWKSURL,
		Audience:          cfg.JWT.Audience,
		AcceptedAudiences: cfg.JWT.AcceptedAudiences,
	}
}

// configureLogging wires zerolog's global logger per internal/config.LogConfig,
// adding lumberjack-backed file rotation whenever a log file path is set.
func configureLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stderr
	if cfg.Log.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	if cfg.Log.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}
		out = zerolog.MultiLevelWriter(out, fileWriter)
	}

	log.Logger = zerolog.New(out).With().Timestamp().Str("service", "basesync").Logger()
}
