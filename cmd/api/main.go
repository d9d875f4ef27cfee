package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"resumeforge/internal/api"
	"resumeforge/internal/auth"
	"resumeforge/internal/billing"
	"resumeforge/internal/config"
	"resumeforge/internal/database"
	"resumeforge/internal/storage"
)

func main() {
	cfg := config.MustLoad()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	log.Printf("api bootstrapped with db host=%s port=%d db=%s sslmode=%s",
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Name,
		cfg.Database.SSLMode,
	)

	db, err := database.InitDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}
	log.Printf("database connection ready")

	if err := db.AutoMigrate(&database.User{}, &database.Resume{}); err != nil {
		log.Fatalf("auto migrate: %v", err)
	}
	log.Printf("database migrated")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr()})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("ping redis: %v", err)
	}

	storageClient, err := storage.NewClient(cfg.MinIO)
	if err != nil {
		log.Fatalf("init storage client: %v", err)
	}
	log.Printf("storage client ready, bucket=%s", cfg.MinIO.Bucket)

	sessions, err := auth.NewSessionService(cfg.Session.JWTSecret, cfg.Session.TTL, redisClient)
	if err != nil {
		log.Fatalf("init session service: %v", err)
	}
	google := auth.NewGoogleOAuth(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)

	users := database.NewUserStore(db)
	resumes := database.NewResumeStore(db)

	stripeClient := billing.NewStripeClient(cfg.Stripe.SecretKey, cfg.API.FrontendOrigin)
	prices := billing.PriceTable{
		Pro:      cfg.Stripe.PriceIDPro,
		Business: cfg.Stripe.PriceIDBusiness,
	}
	reconciler := billing.NewReconciler(users, stripeClient, prices, logger)

	router := api.NewRouter(logger)
	api.RegisterRoutes(router, cfg, users, resumes, sessions, google, stripeClient, reconciler, redisClient, storageClient, logger)

	address := fmt.Sprintf(":%d", cfg.API.Port)
	log.Printf("api listening on %s", address)

	if err := router.Run(address); err != nil {
		log.Fatalf("failed to start api server: %v", err)
	}
}
