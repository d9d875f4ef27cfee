package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"resumeforge/internal/api/middleware"
	"resumeforge/internal/auth"
	"resumeforge/internal/billing"
	"resumeforge/internal/config"
	"resumeforge/internal/database"
	"resumeforge/internal/storage"
)

// RegisterRoutes 注册 API 路由，不包含 /api 前缀。
// webhook 端点不挂会话中间件，由签名校验保护。
func RegisterRoutes(
	router *gin.Engine,
	cfg *config.Config,
	users *database.UserStore,
	resumes *database.ResumeStore,
	sessions *auth.SessionService,
	google *auth.GoogleOAuth,
	stripeClient *billing.StripeClient,
	reconciler *billing.Reconciler,
	redisClient redis.UniversalClient,
	storageClient *storage.Client,
	logger *slog.Logger,
) {
	prices := billing.PriceTable{
		Pro:      cfg.Stripe.PriceIDPro,
		Business: cfg.Stripe.PriceIDBusiness,
	}

	authHandler := NewAuthHandler(users, sessions, google, redisClient, logger, cfg.API.FrontendOrigin, cfg.Session.CookieDomain)
	resumeHandler := NewResumeHandler(resumes, users, storageClient, logger, cfg.Quota.FreeMaxResumes)
	paymentHandler := NewPaymentHandler(users, reconciler, stripeClient, prices, cfg.Stripe.WebhookSecret, logger)
	sessionMiddleware := middleware.SessionMiddleware(sessions)

	v1 := router.Group("/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.GET("/google", authHandler.StartGoogleLogin)
			authGroup.GET("/google/callback", authHandler.GoogleCallback)
			authGroup.POST("/logout", sessionMiddleware, authHandler.Logout)
			authGroup.GET("/me", sessionMiddleware, authHandler.Me)
		}

		resumeGroup := v1.Group("/resumes")
		resumeGroup.Use(sessionMiddleware)
		{
			resumeGroup.POST("", resumeHandler.CreateResume)
			resumeGroup.GET("", resumeHandler.ListResumes)
			resumeGroup.GET("/:id", resumeHandler.GetResume)
			resumeGroup.PUT("/:id", resumeHandler.UpdateResume)
			resumeGroup.DELETE("/:id", resumeHandler.DeleteResume)
			resumeGroup.GET("/:id/download", resumeHandler.DownloadResume)
			resumeGroup.GET("/:id/download-link", resumeHandler.GetDownloadLink)
		}

		paymentGroup := v1.Group("/payment")
		{
			paymentGroup.POST("/webhook", paymentHandler.Webhook)
			paymentGroup.POST("/create-session", sessionMiddleware, paymentHandler.CreateSession)
			paymentGroup.POST("/verify-session", sessionMiddleware, paymentHandler.VerifySession)
			paymentGroup.GET("/status", sessionMiddleware, paymentHandler.Status)
			paymentGroup.POST("/cancel-subscription", sessionMiddleware, paymentHandler.CancelSubscription)
		}
	}
}
