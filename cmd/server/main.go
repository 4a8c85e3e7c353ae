package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/subosito/gotenv"
	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/dispatcher"
	"github.com/garyjia/workflow-engine/internal/application/workflow"
	"github.com/garyjia/workflow-engine/internal/config"
	domainwf "github.com/garyjia/workflow-engine/internal/domain/workflow"
	"github.com/garyjia/workflow-engine/internal/export"
	"github.com/garyjia/workflow-engine/internal/infrastructure/external"
	"github.com/garyjia/workflow-engine/internal/infrastructure/persistence/repository"
	"github.com/garyjia/workflow-engine/internal/infrastructure/persistence/sqlite"
	httpserver "github.com/garyjia/workflow-engine/internal/interfaces/http"
	"github.com/garyjia/workflow-engine/pkg/database"
	"github.com/garyjia/workflow-engine/pkg/utils"
)

func main() {
	// Local overrides from .env, ignored when absent
	_ = gotenv.Load()

	cfg, err := config.Load(configPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(utils.LoggerConfig{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting workflow engine",
		zap.Int("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Path))

	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Fatal("Failed to create database directory", zap.Error(err))
		}
	}

	db, err := database.Open(database.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	migrator := database.NewMigrator(db, logger)
	if err := migrator.RunMigrations(cfg.Database.MigrationsDir); err != nil {
		logger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	txManager := sqlite.NewDB(db, logger)
	workflowRepo := repository.NewWorkflowRepository(db, logger)
	instanceRepo := repository.NewInstanceRepository(db, logger)
	stepLogRepo := repository.NewStepLogRepository(db, logger)

	directory := external.NewStaticDirectory(cfg.Users)
	entities := external.NewRecordResolver(db, logger)
	mailer := external.NewSMTPMailer(cfg.Email, logger)
	apiCaller := external.NewHTTPCaller(0, logger)
	notifier := external.NewWebhookNotifier(cfg.Webhook, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tasks := dispatcher.New(context.Background(), logger,
		dispatcher.WithConcurrency(cfg.Engine.WorkerPoolSize))
	defer tasks.Close()

	evaluator := domainwf.NewEvaluator(logger)
	ctxBuilder := workflow.NewContextBuilder(entities, logger)
	resolver := workflow.NewResolver(evaluator)
	authorizer := workflow.NewAuthorizer(directory, directory, evaluator, ctxBuilder, logger)
	executor := workflow.NewExecutor(mailer, apiCaller, entities, notifier, tasks, logger)
	processor := workflow.NewProcessor(instanceRepo, stepLogRepo, txManager, authorizer, executor, resolver, ctxBuilder, logger)
	processor.SetMaxAutoProceed(cfg.Engine.MaxAutoProceed)
	simulator := workflow.NewSimulator(evaluator, resolver, logger)
	engine := workflow.NewEngine(workflowRepo, instanceRepo, stepLogRepo, txManager,
		entities, processor, authorizer, resolver, ctxBuilder, simulator, logger)

	exporter := export.NewAuditExporter(cfg.Export.OutputDir, logger)

	server := httpserver.NewServer(httpserver.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, engine, directory, exporter, logger)

	if err := server.Start(ctx); err != nil {
		logger.Fatal("HTTP server failed", zap.Error(err))
	}

	logger.Info("Server exited successfully")
}

func configPath() string {
	if path := os.Getenv("WORKFLOW_CONFIG"); path != "" {
		return path
	}
	return "configs/config.yaml"
}
