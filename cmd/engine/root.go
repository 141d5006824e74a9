package main

import (
	"context"
	"database/sql"
	"fmt"

	"uci_middleware/internal/app"
	"uci_middleware/internal/domain/storage"
	"uci_middleware/internal/infra/config"
	idb "uci_middleware/internal/infra/database"
	"uci_middleware/internal/infra/logger"
	"uci_middleware/internal/infra/metrics"
	istorage "uci_middleware/internal/infra/storage"
	"uci_middleware/internal/infra/telegram"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/telebot.v3"
)

type rootOptions struct {
	cfg *config.AppConfig
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "engine",
		Short:         "Submission lifecycle engine",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("could not load application configuration: %w", err)
			}
			logger.Init(cfg)
			opts.cfg = cfg
			return nil
		},
	}

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newSubmissionCmd(opts),
		newRelocateCmd(opts),
		newPollCmd(opts),
	)
	return cmd
}

// runtime is the wired object graph shared by the subcommands.
type runtime struct {
	db        *sql.DB
	store     storage.ObjectStore
	lifecycle *app.LifecycleServiceImpl
	relocator *app.Relocator
	ingestion *app.IngestionService
	poller    *app.ResponsePoller
	// bot and notifications are nil unless TELEGRAM_TOKEN is set.
	bot           *telebot.Bot
	notifications app.NotificationService
}

func (r *runtime) Close() {
	if r.db != nil {
		_ = r.db.Close()
	}
}

func openRuntime(ctx context.Context, cfg *config.AppConfig, reg prometheus.Registerer) (*runtime, error) {
	log := logger.Component("main")

	db, err := idb.NewPostgresConnection(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}
	log.Debug("Database connection established")

	store, err := openStore(ctx, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	m := metrics.New(reg)
	uowFactory := idb.NewPostgresUnitOfWorkFactory(db)
	lifecycle := app.NewLifecycleService(uowFactory, logger.Component("lifecycle"), app.WithMetrics(m))
	relocator := app.NewRelocator(store, idb.NewPostgresCleanupRepository(db), logger.Component("relocator"), m)
	ingestion := app.NewIngestionService(lifecycle, uowFactory, store, relocator, cfg.Areas,
		cfg.MaxFileSize(), logger.Component("ingestion"))
	poller := app.NewResponsePoller(lifecycle, ingestion, store, relocator, cfg.Areas,
		cfg.ResponseSuffix, cfg.PendingResponseHours, logger.Component("poller"))

	rt := &runtime{
		db:        db,
		store:     store,
		lifecycle: lifecycle,
		relocator: relocator,
		ingestion: ingestion,
		poller:    poller,
	}

	if cfg.NotificationsEnabled() {
		bot, err := telegram.NewBot(cfg.TelegramToken, logger.Component("telegram"))
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		notifications := app.NewNotificationServiceImpl(lifecycle, uowFactory, telegram.NewTelebotAdapter(bot),
			logger.Component("notifications"), cfg.OperatorChatID, cfg.PendingResponseHours)
		poller.WithNotifier(notifications)
		rt.bot = bot
		rt.notifications = notifications
		log.Debug("Operator notifications enabled")
	}
	return rt, nil
}

func openStore(ctx context.Context, cfg *config.AppConfig) (storage.ObjectStore, error) {
	switch cfg.StorageBackend {
	case "minio":
		client, err := istorage.NewMinioClient(cfg.Minio)
		if err != nil {
			return nil, err
		}
		store := istorage.NewMinioStore(client, cfg.Minio.Region)
		if err := store.EnsureAreas(ctx, cfg.Areas.All()); err != nil {
			return nil, fmt.Errorf("could not prepare storage areas: %w", err)
		}
		return store, nil
	default:
		store := istorage.NewFSStore(afero.NewOsFs(), cfg.StorageRoot).WithLogger(logger.Component("storage"))
		if err := store.EnsureAreas(ctx, cfg.Areas.All()); err != nil {
			return nil, fmt.Errorf("could not prepare storage areas: %w", err)
		}
		return store, nil
	}
}
