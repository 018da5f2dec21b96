package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/4peng/Udara-sub000/internal/config"
	"github.com/4peng/Udara-sub000/internal/logger"
	"github.com/4peng/Udara-sub000/internal/service"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// 1. 加载 .env（本地开发用，文件不存在则忽略）
	_ = godotenv.Load()

	// 2. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 3. 初始化日志
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "udara-alert")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 4. 创建服务
	alertService, err := service.NewAlertService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create alert service",
			zap.Error(err),
		)
	}
	defer alertService.Stop()

	// 5. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 6. 启动服务（在 goroutine 中）
	serviceErrChan := make(chan error, 1)
	go func() {
		if err := alertService.Start(ctx); err != nil {
			serviceErrChan <- err
		}
	}()

	// 7. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
		cancel()
	case err := <-serviceErrChan:
		log.Fatal("Service error",
			zap.Error(err),
		)
	}

	log.Info("Alert service stopped")
}
