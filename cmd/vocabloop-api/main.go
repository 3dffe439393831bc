package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/karryzhang/VocabLoop/internal/auth"
	"github.com/karryzhang/VocabLoop/internal/config"
	"github.com/karryzhang/VocabLoop/internal/database"
	"github.com/karryzhang/VocabLoop/internal/logging"
	"github.com/karryzhang/VocabLoop/internal/observability"
	"github.com/karryzhang/VocabLoop/internal/progress"
	"github.com/karryzhang/VocabLoop/internal/ratelimit"
	"github.com/karryzhang/VocabLoop/internal/realtime"
	"github.com/karryzhang/VocabLoop/internal/server"
	"github.com/karryzhang/VocabLoop/internal/users"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vocabloop-api",
		Short: "VocabLoop progress sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newMintTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path; empty runs without storage")
	flags.String("database-dsn", defaults.GetString("database.dsn"), "PostgreSQL connection string")
	flags.Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")
	flags.String("write-guard", defaults.GetString("sync.write_guard"), "Concurrent write guard (none, cas, mutex, redis)")
	flags.String("history-truncation", defaults.GetString("history.truncation"), "Reading history truncation (position, timestamp)")
	flags.String("redis-address", defaults.GetString("redis.address"), "Redis address for locks and realtime fan-out")
	flags.Int("requests-per-minute", defaults.GetInt("ratelimit.requests_per_minute"), "Per-user request rate; 0 disables limiting")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "sync.write_guard", "write-guard")
	bindFlag(cmd, "history.truncation", "history-truncation")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "ratelimit.requests_per_minute", "requests-per-minute")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP sync API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newMintTokenCommand() *cobra.Command {
	var (
		userID      string
		email       string
		displayName string
		register    bool
	)
	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Issue a session token accepted by the sync API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return mintToken(cmd, userID, email, displayName, register)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User identifier placed in the token subject")
	cmd.Flags().StringVar(&email, "email", "", "Optional email claim")
	cmd.Flags().StringVar(&displayName, "name", "", "Optional display name claim")
	cmd.Flags().BoolVar(&register, "register", false, "Register the account in the database before issuing")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func mintToken(cmd *cobra.Command, userID, email, displayName string, register bool) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	userID = strings.TrimSpace(userID)
	if register {
		if !appConfig.DatabaseConfigured() {
			return fmt.Errorf("--register requires a configured database")
		}
		db, closeDB, err := openDatabase(appConfig, logger)
		if err != nil {
			return err
		}
		defer closeDB()
		accounts, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
		if err != nil {
			return err
		}
		canonicalID, err := accounts.Register(cmd.Context(), auth.SessionClaims{
			UserID:           userID,
			UserEmail:        email,
			UserDisplayName:  displayName,
			RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
		})
		if err != nil {
			return err
		}
		logger.Info("account registered", zap.String("user_id", canonicalID))
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}
	token, expiresAt, err := issuer.IssueSessionToken(cmd.Context(), auth.SessionIdentity{
		Subject:     userID,
		Email:       email,
		DisplayName: displayName,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires %s\n", token, expiresAt.UTC().Format(time.RFC3339))
	return err
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(signalCtx, observability.TracingConfig{
		Enabled:     appConfig.TracingEnabled,
		Endpoint:    appConfig.TracingEndpoint,
		SampleRatio: appConfig.TracingSampleRatio,
		Version:     version,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	var (
		store    progress.RecordStore
		accounts auth.AccountResolver
	)
	if appConfig.DatabaseConfigured() {
		db, closeDB, err := openDatabase(appConfig, logger)
		if err != nil {
			return err
		}
		defer closeDB()

		gormStore, err := progress.NewGormRecordStore(progress.GormRecordStoreConfig{
			Database:   db,
			IDProvider: progress.NewUUIDProvider(),
		})
		if err != nil {
			return err
		}
		store = gormStore

		usersService, err := users.NewService(users.ServiceConfig{
			Database:      db,
			Clock:         time.Now,
			AutoProvision: appConfig.AutoProvision,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		accounts = usersService
	} else {
		logger.Warn("database not configured; sync requests will report storage_not_configured")
	}

	gate, err := auth.NewGate(validator, accounts)
	if err != nil {
		return err
	}

	var redisClient goredis.UniversalClient
	if appConfig.RedisAddress != "" {
		redisClient = goredis.NewClient(&goredis.Options{Addr: appConfig.RedisAddress})
		defer redisClient.Close()
	}

	historyTruncation, err := progress.NewHistoryTruncation(appConfig.HistoryTruncation)
	if err != nil {
		return err
	}

	serviceConfig := progress.ServiceConfig{
		Store:            store,
		Authenticator:    gate,
		MaxMergeAttempts: appConfig.MaxMergeAttempts,
		History: progress.HistoryPolicy{
			Truncation:     historyTruncation,
			TimestampField: appConfig.HistoryTimestampField,
		},
		Clock:  time.Now,
		Logger: logger,
	}
	switch appConfig.WriteGuard {
	case config.WriteGuardCAS:
		serviceConfig.CompareAndSwap = true
	case config.WriteGuardMutex:
		serviceConfig.WriteGuard = progress.NewMutexWriteGuard()
	case config.WriteGuardRedis:
		redisGuard, err := progress.NewRedisWriteGuard(progress.RedisWriteGuardConfig{
			Client: redisClient,
			TTL:    appConfig.LockTTL,
		})
		if err != nil {
			return err
		}
		serviceConfig.WriteGuard = redisGuard
	}

	group, groupCtx := errgroup.WithContext(signalCtx)

	dispatcher := realtime.NewDispatcher()
	serviceConfig.Publisher = dispatcher
	if redisClient != nil {
		bus, err := realtime.NewRedisBus(realtime.RedisBusConfig{
			Client:  redisClient,
			Channel: appConfig.RedisChannel,
			Local:   dispatcher,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		serviceConfig.Publisher = bus
		group.Go(func() error {
			return bus.Run(groupCtx)
		})
	}

	if limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: appConfig.RequestsPerMinute,
		Burst:             appConfig.RateBurst,
	}); limiter != nil {
		serviceConfig.RateLimiter = limiter
		group.Go(func() error {
			return limiter.Run(groupCtx)
		})
	}

	dependencies := server.Dependencies{
		Authenticator:   gate,
		Tokens:          validator,
		Realtime:        dispatcher,
		StoreConfigured: store != nil,
		AllowedOrigins:  appConfig.AllowedOrigins,
		Logger:          logger,
	}
	if appConfig.MetricsEnabled {
		metrics := observability.NewMetrics()
		serviceConfig.Observer = metrics
		dependencies.Metrics = metrics
	}

	syncService, err := progress.NewService(serviceConfig)
	if err != nil {
		return err
	}
	dependencies.SyncService = syncService

	handler, err := server.NewHTTPHandler(dependencies)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end with the process context so Shutdown can drain them.
		BaseContext: func(net.Listener) context.Context { return groupCtx },
	}

	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("write_guard", appConfig.WriteGuard),
			zap.Bool("store_configured", store != nil))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, func(), error) {
	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = sqlDB.Close() }, nil
}
