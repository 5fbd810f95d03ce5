// loader 执行一次导入与评分后退出，适合定时任务调用
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/cellgazer/internal/config"
	"github.com/langchou/cellgazer/internal/repository"
	"github.com/langchou/cellgazer/internal/service"
	"github.com/langchou/cellgazer/internal/source"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Fatal("Failed to connect database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}

	pipeline := service.NewPipeline(
		cfg,
		logger,
		source.NewFilenameResolver(),
		repository.NewWriter(db, cfg.PruneStaleCycles),
		repository.NewBatteryRepository(db),
		nil,
	)

	report, err := pipeline.Run(ctx)
	if err != nil {
		logger.Fatal("Run failed", zap.Error(err))
	}

	logger.Info("Loader finished",
		zap.String("run_id", report.RunID),
		zap.Int("files", len(report.Files)),
		zap.Int("files_failed", report.FilesFailed),
		zap.Int("batteries_scored", report.BatteriesScored),
	)
	if report.FilesFailed > 0 {
		db.Close()
		logger.Sync()
		os.Exit(2)
	}
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}
