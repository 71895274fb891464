package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/frahmantamala/overtime-management/internal/core/events"
	"github.com/frahmantamala/overtime-management/internal/idempotency"
	idempotencyPostgres "github.com/frahmantamala/overtime-management/internal/idempotency/postgres"
	"github.com/frahmantamala/overtime-management/internal/notification"
	"github.com/frahmantamala/overtime-management/internal/sweeper"
	sweeperPostgres "github.com/frahmantamala/overtime-management/internal/sweeper/postgres"
	"github.com/frahmantamala/overtime-management/pkg/logger"
	"github.com/spf13/cobra"
)

var sweeperOnce bool

var sweeperCmd = &cobra.Command{
	Use:   "sweeper",
	Short: "Start the maintenance sweeper",
	Long:  `Start the background sweeper that expires stale drafts, escalates stalled approval steps and purges aged idempotency keys.`,
	Run: func(cmd *cobra.Command, args []string) {
		startSweeper()
	},
}

func init() {
	sweeperCmd.Flags().BoolVar(&sweeperOnce, "once", false, "Run a single sweep pass and exit")
}

func startSweeper() {
	config, err := loadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.InitWithOptions(config.Observability.Logging.Level, config.Observability.Logging.Format)
	appLogger := logger.LoggerWrapper()

	db, err := initDB(config.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	gormDB, err := initGorm(db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize ORM: %v\n", err)
		os.Exit(1)
	}

	eventBus := events.NewEventBus(appLogger)

	notifier := notification.NewLogNotifier(appLogger)
	notification.NewEventHandler(notifier, appLogger).RegisterEventHandlers(eventBus)

	idempotencyRepo := idempotencyPostgres.NewIdempotencyRepository(gormDB)
	keys := idempotency.NewService(idempotencyRepo, appLogger, config.Sweeper.IdempotencyKeyTTL)

	repo := sweeperPostgres.NewSweeperRepository(gormDB)
	svc := sweeper.NewService(repo, keys, eventBus, appLogger, sweeper.Config{
		Interval:          config.Sweeper.Interval,
		BatchSize:         config.Sweeper.BatchSize,
		DraftMaxAge:       config.Sweeper.DraftMaxAge,
		EscalationTimeout: config.Sweeper.EscalationTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sweeperOnce {
		svc.RunOnce(ctx)
		return
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		appLogger.Info("received signal, stopping sweeper", "signal", sig)
		cancel()
	}()

	svc.Run(ctx)
}
