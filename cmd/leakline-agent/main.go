package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/leakline/internal/agent"
	"github.com/MarcoPoloResearchLab/leakline/internal/auth"
	"github.com/MarcoPoloResearchLab/leakline/internal/config"
	"github.com/MarcoPoloResearchLab/leakline/internal/database"
	"github.com/MarcoPoloResearchLab/leakline/internal/logging"
	"github.com/MarcoPoloResearchLab/leakline/internal/remote"
	"github.com/MarcoPoloResearchLab/leakline/internal/server"
	"github.com/MarcoPoloResearchLab/leakline/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "leakline-agent",
		Short: "Offline-first field agent for leak reporting",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Loopback HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Base URL of the utility API")
	cmd.PersistentFlags().Int("page-size", defaults.GetInt("dataset.page_size"), "Records per dataset page")
	cmd.PersistentFlags().Int("concurrency", defaults.GetInt("dataset.concurrency"), "Concurrent dataset page requests")
	cmd.PersistentFlags().Int("drain-interval-seconds", defaults.GetInt("queue.drain_interval_seconds"), "Periodic queue drain interval in seconds")
	cmd.PersistentFlags().Int("idle-timeout-minutes", defaults.GetInt("session.idle_timeout_minutes"), "Session idle timeout in minutes")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "dataset.page_size", "page-size")
	bindFlag(cmd, "dataset.concurrency", "concurrency")
	bindFlag(cmd, "queue.drain_interval_seconds", "drain-interval-seconds")
	bindFlag(cmd, "session.idle_timeout_minutes", "idle-timeout-minutes")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
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

func runAgent(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	kv, err := store.New(store.Config{Database: db, Logger: logger.Named("store")})
	if err != nil {
		return err
	}

	client, err := remote.NewClient(remote.ClientConfig{
		BaseURL:    appConfig.RemoteBaseURL,
		HealthPath: appConfig.RemoteHealthPath,
		Timeout:    appConfig.RemoteTimeout,
		Logger:     logger.Named("remote"),
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewStatusDispatcher()
	fieldAgent, err := agent.New(agent.Config{
		Settings: appConfig,
		Store:    kv,
		Remote:   client,
		Logger:   logger,
		OnEvent:  dispatcher.Publish,
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Agent:    fieldAgent,
		Sessions: validator,
		Events:   dispatcher,
		Logger:   logger.Named("http"),
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)

	// Request contexts, and with them the event streams, end when the agent stops.
	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return groupCtx },
	}

	group.Go(func() error {
		return fieldAgent.Start(groupCtx)
	})
	group.Go(func() error {
		logger.Info("agent listening", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	err = group.Wait()
	logger.Info("agent stopped")
	return err
}
