package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frahmantamala/overtime-management/internal"
	"github.com/frahmantamala/overtime-management/internal/approval"
	approvalPostgres "github.com/frahmantamala/overtime-management/internal/approval/postgres"
	"github.com/frahmantamala/overtime-management/internal/audit"
	auditPostgres "github.com/frahmantamala/overtime-management/internal/audit/postgres"
	"github.com/frahmantamala/overtime-management/internal/core/events"
	"github.com/frahmantamala/overtime-management/internal/idempotency"
	idempotencyPostgres "github.com/frahmantamala/overtime-management/internal/idempotency/postgres"
	"github.com/frahmantamala/overtime-management/internal/notification"
	"github.com/frahmantamala/overtime-management/internal/overtime"
	overtimePostgres "github.com/frahmantamala/overtime-management/internal/overtime/postgres"
	"github.com/frahmantamala/overtime-management/internal/transport/rest"
	"github.com/frahmantamala/overtime-management/pkg/logger"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	gormPostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to handle API requests`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

type Dependencies struct {
	Config *internal.Config
	DB     *sqlx.DB
	Router *chi.Mux
	Logger *slog.Logger
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	deps.Logger.Info("starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      deps.Router,
		ReadTimeout:  deps.Config.Server.ReadTimeout,
		WriteTimeout: deps.Config.Server.WriteTimeout,
		IdleTimeout:  deps.Config.Server.IdleTimeout,
	}

	// Signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		deps.Logger.Info("received signal, shutting down...", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			deps.Logger.Error("server shutdown error", "error", err)
		}
		if err := deps.DB.Close(); err != nil {
			deps.Logger.Error("database close error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			deps.Logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}

	deps.Logger.Info("server stopped")
}

func initializeDependencies() (*Dependencies, error) {
	config, err := loadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.InitWithOptions(config.Observability.Logging.Level, config.Observability.Logging.Format)
	appLogger := logger.LoggerWrapper()

	if err := validateOpenAPISpec(config.Server.OpenAPIPath); err != nil {
		return nil, fmt.Errorf("failed to validate OpenAPI spec: %w", err)
	}

	publicKey, err := config.Security.GetPublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to load JWT public key: %w", err)
	}

	db, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gormDB, err := initGorm(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ORM: %w", err)
	}

	eventBus := events.NewEventBus(appLogger)

	notifier := notification.NewLogNotifier(appLogger)
	notification.NewEventHandler(notifier, appLogger).RegisterEventHandlers(eventBus)

	idempotencyRepo := idempotencyPostgres.NewIdempotencyRepository(gormDB)
	gate := idempotency.NewService(idempotencyRepo, appLogger, config.Sweeper.IdempotencyKeyTTL)

	policy := overtime.StaticPolicy{
		DailyCap:       config.Policy.DailyCapMinutes,
		WeeklyCap:      config.Policy.WeeklyCapMinutes,
		WeekStartsOn:   config.Policy.WeekStart(),
		DeadlineDays:   config.Policy.SubmissionDeadlineDays,
		ChainRoles:     config.Policy.ChainRoles(),
		ReasonMaxChars: config.Policy.MaxReasonLength,
	}

	overtimeRepo := overtimePostgres.NewOvertimeRepository(gormDB)
	overtimeService := overtime.NewService(overtimeRepo, gate, policy, eventBus, appLogger)
	overtimeHandler := overtime.NewHandler(overtimeService)

	approvalRepo := approvalPostgres.NewApprovalRepository(gormDB)
	approvalService := approval.NewService(approvalRepo, eventBus, appLogger)
	approvalHandler := approval.NewHandler(approvalService)

	auditRepo := auditPostgres.NewAuditRepository(gormDB)
	auditService := audit.NewService(auditRepo, appLogger)
	auditHandler := audit.NewHandler(auditService)

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, db.DB, overtimeHandler, approvalHandler, auditHandler, publicKey, appLogger)

	return &Dependencies{
		Config: config,
		DB:     db,
		Router: router,
		Logger: appLogger,
	}, nil
}

// validateOpenAPISpec fails startup when the served contract does not parse,
// so a broken spec never ships behind a healthy server.
func validateOpenAPISpec(path string) error {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return fmt.Errorf("validate %s: %w", path, err)
	}
	return nil
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// verify connection; close underlying *sql.DB on failure
	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}

// initGorm layers the ORM over the already-open connection pool so both
// share one set of connections and limits.
func initGorm(db *sqlx.DB) (*gorm.DB, error) {
	return gorm.Open(gormPostgres.New(gormPostgres.Config{Conn: db.DB}), &gorm.Config{})
}
