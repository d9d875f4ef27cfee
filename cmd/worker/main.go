package main

import (
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"resumeforge/internal/config"
	"resumeforge/internal/database"
	"resumeforge/internal/metrics"
	"resumeforge/internal/tasks"
	"resumeforge/internal/worker"
)

func main() {
	cfg := config.MustLoad()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	db, err := database.InitDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}
	log.Println("database connection ready for worker")

	users := database.NewUserStore(db)

	redisOpt := asynq.RedisClientOpt{Addr: cfg.Redis.Addr()}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 10,
	})

	sweepHandler := worker.NewPlanSweepHandler(users, logger)

	mux := asynq.NewServeMux()
	mux.Use(metrics.AsynqMetricsMiddleware())
	mux.Handle(tasks.TypePlanSweep, sweepHandler)

	// 每小时清扫一次到期的付费层级，兜底惰性降级覆盖不到的沉睡账号。
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	sweepTask, err := tasks.NewPlanSweepTask(time.Time{})
	if err != nil {
		log.Fatalf("build plan sweep task: %v", err)
	}
	if _, err := scheduler.Register("@every 1h", sweepTask); err != nil {
		log.Fatalf("register plan sweep schedule: %v", err)
	}

	go func() {
		if err := scheduler.Run(); err != nil {
			logger.Error("scheduler stopped", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	logger.Info("worker service started", slog.String("redis_addr", cfg.Redis.Addr()))
	if err := server.Run(mux); err != nil {
		logger.Error("worker server stopped", slog.Any("error", err))
	}
}
