package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"resumeforge/internal/billing"
	"resumeforge/internal/database"
	"resumeforge/internal/errcode"
	"resumeforge/internal/metrics"
)

// webhook 原始报文上限，防止恶意超大请求体。
const maxWebhookBodyBytes = 64 << 10

// CheckoutClient 是支付方结账与订阅管理的客户端接口（Stripe 实现，测试用 fake）。
type CheckoutClient interface {
	EnsureCustomer(ctx context.Context, user *database.User) (string, bool, error)
	CreateCheckoutSession(ctx context.Context, user *database.User, plan database.Plan, priceID string) (string, error)
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error
}

// PaymentHandler 负责处理计费相关的 API 请求。
// webhook 路径不要求登录，其余操作均以会话用户为准。
type PaymentHandler struct {
	users         *database.UserStore
	reconciler    *billing.Reconciler
	checkout      CheckoutClient
	prices        billing.PriceTable
	webhookSecret string
	logger        *slog.Logger
}

// NewPaymentHandler 构造 PaymentHandler。
func NewPaymentHandler(users *database.UserStore, reconciler *billing.Reconciler, checkout CheckoutClient, prices billing.PriceTable, webhookSecret string, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{
		users:         users,
		reconciler:    reconciler,
		checkout:      checkout,
		prices:        prices,
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

type createSessionRequest struct {
	PlanType string `json:"plan_type" binding:"required"`
}

// CreateSession 为当前用户创建托管结账会话并返回支付页地址。
func (h *PaymentHandler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	plan := database.Plan(req.PlanType)
	priceID, ok := h.prices.PriceFor(plan)
	if !ok {
		BadRequest(c, "unknown plan type")
		return
	}

	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	ctx := c.Request.Context()
	logger := loggerFromContext(c, h.logger)

	user, err := h.users.FindByID(ctx, userID)
	if err != nil {
		logger.Error("load user for checkout failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	customerID, created, err := h.checkout.EnsureCustomer(ctx, user)
	if err != nil {
		logger.Error("ensure payment customer failed", slog.Any("error", err))
		Internal(c, "failed to create checkout session")
		return
	}
	if created {
		if err := h.users.SetCustomerRef(ctx, user.ID, customerID); err != nil {
			logger.Error("persist customer ref failed", slog.Any("error", err))
			Internal(c, "failed to create checkout session")
			return
		}
		user.StripeCustomerID = customerID
	}

	checkoutURL, err := h.checkout.CreateCheckoutSession(ctx, user, plan, priceID)
	if err != nil {
		logger.Error("create checkout session failed", slog.Any("error", err))
		Internal(c, "failed to create checkout session")
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": checkoutURL})
}

// Webhook 接收支付方事件回调。
// 签名校验失败返回 400 促使重试；校验通过之后无论处理结果如何都返回 200，
// 避免支付方对我们内部的暂时性失败无限重投。
func (h *PaymentHandler) Webhook(c *gin.Context) {
	logger := loggerFromContext(c, h.logger)

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		logger.Error("read webhook body failed", slog.Any("error", err))
		BadRequest(c, "failed to read request body")
		return
	}

	event, err := billing.VerifyWebhook(payload, c.GetHeader("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		logger.Warn("webhook signature verification failed", slog.Any("error", err))
		Error(c, http.StatusBadRequest, errcode.SignatureInvalid, "invalid webhook signature")
		return
	}

	eventType := string(event.Type)
	metrics.WebhookReceived(eventType)
	logger = logger.With(slog.String("webhook_event_type", eventType), slog.String("webhook_event_id", event.ID))

	parsed, err := billing.ParseWebhookEvent(event)
	if err != nil {
		if !errors.Is(err, billing.ErrUnhandledEventType) {
			logger.Error("parse webhook event failed", slog.Any("error", err))
			metrics.WebhookFailed(eventType)
		}
		c.JSON(http.StatusOK, gin.H{"received": true, "processed": false})
		return
	}

	ctx := c.Request.Context()
	var outcome billing.Outcome
	switch ev := parsed.(type) {
	case billing.CheckoutCompleted:
		outcome, err = h.reconciler.HandleCheckoutCompleted(ctx, ev)
	case billing.SubscriptionChanged:
		outcome, err = h.reconciler.HandleSubscriptionChanged(ctx, ev)
	case billing.SubscriptionDeleted:
		outcome, err = h.reconciler.HandleSubscriptionDeleted(ctx, ev)
	case billing.InvoicePaid:
		outcome, err = h.reconciler.HandleInvoicePaid(ctx, ev)
	case billing.InvoiceFailed:
		outcome, err = h.reconciler.HandleInvoiceFailed(ctx, ev)
	default:
		c.JSON(http.StatusOK, gin.H{"received": true, "processed": false})
		return
	}

	if err != nil {
		logger.Error("reconcile webhook event failed", slog.Any("error", err))
		metrics.WebhookFailed(eventType)
		c.JSON(http.StatusOK, gin.H{"received": true, "processed": false})
		return
	}

	metrics.WebhookProcessed(eventType, string(outcome))
	logger.Info("webhook event reconciled", slog.String("outcome", string(outcome)))
	c.JSON(http.StatusOK, gin.H{"received": true, "processed": true})
}

type verifySessionRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// VerifySession 供前端在结账跳转回来后主动核对会话结果，
// 与 webhook 路径收敛到同一份用户状态。
func (h *PaymentHandler) VerifySession(c *gin.Context) {
	var req verifySessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	ctx := c.Request.Context()
	logger := loggerFromContext(c, h.logger)

	outcome, err := h.reconciler.VerifySession(ctx, req.SessionID, userID)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrSessionUserMismatch):
			Forbidden(c, errcode.SessionMismatch, "checkout session belongs to a different user")
		case errors.Is(err, billing.ErrProviderObjectNotFound):
			NotFound(c, "checkout session not found")
		default:
			logger.Error("verify checkout session failed", slog.Any("error", err))
			Internal(c, "failed to verify checkout session")
		}
		return
	}

	user, err := h.users.FindByID(ctx, userID)
	if err != nil {
		logger.Error("reload user after verification failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"outcome": string(outcome),
		"plan":    user.Plan,
	})
}

type planStatusResponse struct {
	Plan          database.Plan `json:"plan"`
	Role          database.Plan `json:"role"`
	PlanStartedAt *time.Time    `json:"plan_started_at,omitempty"`
	PlanExpiresAt *time.Time    `json:"plan_expires_at,omitempty"`
	Active        bool          `json:"active"`
}

// Status 返回当前用户的付费层级状态；已到期的层级先惰性降级再返回。
func (h *PaymentHandler) Status(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	ctx := c.Request.Context()
	logger := loggerFromContext(c, h.logger)

	if _, err := h.users.DowngradeIfExpired(ctx, userID, time.Now()); err != nil {
		logger.Error("lazy downgrade failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	user, err := h.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			AbortUnauthorized(c)
			return
		}
		logger.Error("load user failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	c.JSON(http.StatusOK, planStatusResponse{
		Plan:          user.Plan,
		Role:          user.Plan,
		PlanStartedAt: user.PlanStartedAt,
		PlanExpiresAt: user.PlanExpiresAt,
		Active:        user.HasActivePaidPlan(time.Now()),
	})
}

// CancelSubscription 请求在当前账期结束时取消订阅。
// 实际降级由后续的 subscription.deleted 事件驱动，权益保留到账期结束。
func (h *PaymentHandler) CancelSubscription(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	ctx := c.Request.Context()
	logger := loggerFromContext(c, h.logger)

	user, err := h.users.FindByID(ctx, userID)
	if err != nil {
		logger.Error("load user failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	if user.StripeSubscriptionID == nil || *user.StripeSubscriptionID == "" {
		Error(c, http.StatusBadRequest, errcode.NoSubscription, "no active subscription")
		return
	}

	if err := h.checkout.CancelAtPeriodEnd(ctx, *user.StripeSubscriptionID); err != nil {
		logger.Error("cancel subscription failed", slog.Any("error", err))
		Internal(c, "failed to cancel subscription")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cancelled_at_period_end": true,
		"plan_expires_at":         user.PlanExpiresAt,
	})
}
