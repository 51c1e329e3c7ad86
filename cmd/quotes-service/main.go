package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"klinefeed.com/internal/quotes/app"
	qconfig "klinefeed.com/internal/quotes/config"
	pkgconfig "klinefeed.com/pkg/config"
	"klinefeed.com/pkg/logger"
)

var (
	configDir = flag.String("c", "./config", "directory containing quotes-service.yaml")
	envFile   = flag.String("env", ".env", "dotenv file with venue credentials")
)

func main() {
	flag.Parse()

	// 1. .env 里放凭证，文件不存在不算错
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("load %s: %v", *envFile, err)
	}

	// 2. Ctrl+C / kubernetes 停止信号
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. 配置，热更新只影响之后新起的会话
	h, _, err := pkgconfig.Load[qconfig.Config](qconfig.ServiceName, pkgconfig.Options{
		Paths:    []string{*configDir, "."},
		Defaults: qconfig.Defaults(),
		Watch:    true,
	})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	live := pkgconfig.NewHolder(h.Get().WithEnv(os.Getenv))
	h.OnChange(func(next qconfig.Config) { live.Set(next.WithEnv(os.Getenv)) })
	cfg := live.Get()

	logger.InitWithFile(cfg.Name, cfg.Log.Level, logger.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logger.Sync()

	// 4. 组装并运行
	a, err := app.New(ctx, live)
	if err != nil {
		logger.Fatal(ctx, "init quotes-service failed", zap.Error(err))
	}
	if err := a.Run(ctx); err != nil {
		logger.Error(ctx, "quotes-service exit with error", zap.Error(err))
		return
	}
	logger.Info(ctx, "quotes-service exit")
}
