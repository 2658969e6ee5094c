package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/commune/internal/config"
	"github.com/MarcoPoloResearchLab/commune/internal/database"
	"github.com/MarcoPoloResearchLab/commune/internal/generator"
	"github.com/MarcoPoloResearchLab/commune/internal/logging"
	"github.com/MarcoPoloResearchLab/commune/internal/presence"
	"github.com/MarcoPoloResearchLab/commune/internal/proposals"
	"github.com/MarcoPoloResearchLab/commune/internal/realtime"
	"github.com/MarcoPoloResearchLab/commune/internal/receipts"
	"github.com/MarcoPoloResearchLab/commune/internal/room"
	"github.com/MarcoPoloResearchLab/commune/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "commune-api",
		Short: "Commune collaborative proposal server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
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
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path (empty keeps state in memory)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Optional rotating log file")
	cmd.PersistentFlags().String("default-room", defaults.GetString("room.default_id"), "Room used when a request names none")
	cmd.PersistentFlags().Int("votes-needed", defaults.GetInt("room.votes_needed"), "Votes required to merge a proposal")
	cmd.PersistentFlags().String("generator-provider", defaults.GetString("generator.provider"), "Generator backend (openai, ollama, none)")
	cmd.PersistentFlags().String("generator-model", defaults.GetString("generator.model"), "Generator model name")
	cmd.PersistentFlags().String("generator-base-url", defaults.GetString("generator.base_url"), "Generator base URL")
	cmd.PersistentFlags().String("receipts-secret", "", "Proposal receipt signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "room.default_id", "default-room")
	bindFlag(cmd, "room.votes_needed", "votes-needed")
	bindFlag(cmd, "generator.provider", "generator-provider")
	bindFlag(cmd, "generator.model", "generator-model")
	bindFlag(cmd, "generator.base_url", "generator-base-url")
	bindFlag(cmd, "receipts.signing_secret", "receipts-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotenv(envFile); err != nil {
		return err
	}

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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, closeStore, err := openStore(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	proposalGenerator, err := generator.New(generator.Config{
		Provider:  appConfig.GeneratorProvider,
		BaseURL:   appConfig.GeneratorBaseURL,
		APIKey:    appConfig.GeneratorAPIKey,
		Model:     appConfig.GeneratorModel,
		MaxTokens: appConfig.GeneratorMaxTokens,
		Timeout:   appConfig.GeneratorTimeout,
	})
	if err != nil {
		return err
	}

	var (
		receiptIssuer   server.ReceiptIssuer
		receiptVerifier room.ReceiptVerifier
	)
	if appConfig.ReceiptsSecret != "" {
		issuer, err := receipts.NewIssuer(receipts.Config{SigningSecret: []byte(appConfig.ReceiptsSecret)})
		if err != nil {
			return err
		}
		receiptIssuer = issuer
		receiptVerifier = issuer
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hubCtx, stopHub := context.WithCancel(context.Background())
	dispatcher := realtime.NewDispatcher(appConfig.OutboundBuffer)
	hub, err := room.NewHub(hubCtx, room.HubConfig{
		Store:        store,
		Generator:    proposalGenerator,
		Dispatcher:   dispatcher,
		Receipts:     receiptVerifier,
		DefaultFiles: proposals.DefaultFiles,
		VotesNeeded:  appConfig.VotesNeeded,
		Logger:       logger,
	})
	if err != nil {
		stopHub()
		return err
	}
	defer func() {
		stopHub()
		hub.Wait()
		logger.Info("rooms stopped")
	}()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Rooms:          hub,
		Presence:       presence.NewTracker(dispatcher, logger),
		Generator:      proposalGenerator,
		Store:          store,
		IDs:            proposals.NewUUIDProvider(),
		Receipts:       receiptIssuer,
		DefaultRoomID:  appConfig.DefaultRoomID,
		DefaultFiles:   proposals.DefaultFiles,
		VotesNeeded:    appConfig.VotesNeeded,
		AllowedOrigins: appConfig.CORSAllowedOrigins,
		Clock:          time.Now,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("generator", appConfig.GeneratorProvider),
			zap.Bool("persistent", appConfig.DatabasePath != ""),
			zap.Bool("receipts", receiptIssuer != nil))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// openStore returns the SQLite store when a database path is configured and
// an in-memory store otherwise.
func openStore(appConfig config.AppConfig, logger *zap.Logger) (proposals.Store, func(), error) {
	if appConfig.DatabasePath == "" {
		logger.Warn("no database path configured, room state will not survive restarts")
		return proposals.NewMemoryStore(), func() {}, nil
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	store, err := proposals.NewGormStore(proposals.GormStoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	return store, func() { _ = sqlDB.Close() }, nil
}
