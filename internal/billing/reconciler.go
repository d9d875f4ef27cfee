package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"resumeforge/internal/database"
)

// ErrSessionUserMismatch 表示 verify-session 的调用者与会话内嵌的用户不一致。
var ErrSessionUserMismatch = errors.New("checkout session belongs to a different user")

// Outcome 描述一次事件处理的结果，用于日志与指标。
type Outcome string

const (
	OutcomeApplied     Outcome = "applied"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeNoUser      Outcome = "no_user"
	OutcomeNoPlan      Outcome = "no_plan"
	OutcomeNotPaid     Outcome = "not_paid"
	OutcomeIgnored     Outcome = "ignored"
	OutcomeExpiryMoved Outcome = "expiry_moved"
	OutcomeExpiryStale Outcome = "expiry_stale"
	OutcomeDowngraded  Outcome = "downgraded"
)

// Reconciler 根据支付方事件推导权威的付费状态并幂等落库。
// 事件可能乱序、可能重投，处理必须可交换：重复应用同一组事件收敛到同一终态。
type Reconciler struct {
	users    *database.UserStore
	provider Provider
	prices   PriceTable
	logger   *slog.Logger
	now      func() time.Time
}

// NewReconciler 构造 Reconciler。
func NewReconciler(users *database.UserStore, provider Provider, prices PriceTable, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		users:    users,
		provider: provider,
		prices:   prices,
		logger:   logger,
		now:      time.Now,
	}
}

// HandleCheckoutCompleted 处理结账完成事件（付费开通的主路径）。
func (r *Reconciler) HandleCheckoutCompleted(ctx context.Context, ev CheckoutCompleted) (Outcome, error) {
	logger := r.logger.With(
		slog.String("event", "checkout_completed"),
		slog.String("session_id", ev.SessionID),
	)

	if ev.PaymentStatus != PaymentStatusPaid {
		logger.Info("checkout not paid, skipping", slog.String("payment_status", ev.PaymentStatus))
		return OutcomeNotPaid, nil
	}

	user, err := r.resolveUser(ctx, ev.SubscriptionRef, ev.Metadata.UserID, ev.PayerEmail, ev.CustomerRef)
	if err != nil {
		return "", err
	}
	if user == nil {
		logger.Info("no user resolved for checkout, skipping")
		return OutcomeNoUser, nil
	}
	r.warnCustomerMismatch(logger, user, ev.CustomerRef)

	// 主路径不允许默认层级：解析不到就放弃并记录。
	plan, ok := r.prices.ResolvePlan(ev.Metadata.Plan, "")
	if !ok {
		logger.Warn("checkout carries no resolvable plan, skipping",
			slog.Uint64("user_id", uint64(user.ID)),
			slog.String("metadata_plan", ev.Metadata.Plan),
		)
		return OutcomeNoPlan, nil
	}

	now := r.now()

	// 幂等保护：同一订阅、同一层级且付费期仍有效，说明事件已应用过。
	if ev.SubscriptionRef != "" &&
		user.StripeSubscriptionID != nil && *user.StripeSubscriptionID == ev.SubscriptionRef &&
		user.Plan == plan &&
		user.PlanExpiresAt != nil && user.PlanExpiresAt.After(now) {
		logger.Info("checkout already applied, skipping", slog.Uint64("user_id", uint64(user.ID)))
		return OutcomeDuplicate, nil
	}

	expiresAt := r.resolveCheckoutExpiry(ctx, logger, ev.SubscriptionRef, now)

	if err := r.users.ApplyPaidPlan(ctx, user.ID, plan, &now, nil, ev.SubscriptionRef, ev.CustomerRef); err != nil {
		return "", fmt.Errorf("apply checkout for user %d: %w", user.ID, err)
	}
	// 到期时间只前移不回拨：结账与账单事件乱序到达时收敛到同一结果。
	if _, err := r.users.ExtendExpiry(ctx, user.ID, expiresAt); err != nil {
		return "", fmt.Errorf("set checkout expiry for user %d: %w", user.ID, err)
	}

	logger.Info("checkout applied",
		slog.Uint64("user_id", uint64(user.ID)),
		slog.String("plan", string(plan)),
		slog.Time("plan_expires_at", expiresAt),
	)
	return OutcomeApplied, nil
}

// HandleSubscriptionChanged 处理订阅创建/更新事件。
// 失效状态无条件压倒一切；活跃状态只做刷新，不回拨到期时间。
func (r *Reconciler) HandleSubscriptionChanged(ctx context.Context, ev SubscriptionChanged) (Outcome, error) {
	logger := r.logger.With(
		slog.String("event", "subscription_changed"),
		slog.String("subscription_id", ev.SubscriptionID),
		slog.String("status", ev.Status),
	)

	user, linked, err := r.resolveBySubscription(ctx, ev.SubscriptionID, ev.Metadata.UserID, ev.CustomerRef)
	if err != nil {
		return "", err
	}
	if user == nil {
		logger.Info("no user resolved for subscription, skipping")
		return OutcomeNoUser, nil
	}
	if linked {
		if err := r.users.LinkSubscription(ctx, user.ID, ev.SubscriptionID, ev.CustomerRef); err != nil {
			return "", fmt.Errorf("link subscription to user %d: %w", user.ID, err)
		}
	}
	r.warnCustomerMismatch(logger, user, ev.CustomerRef)

	switch ev.Status {
	case StatusActive, StatusTrialing:
		return r.applyActiveSubscription(ctx, logger, user, ev)
	case StatusCanceled, StatusUnpaid, StatusIncompleteExpired, StatusPastDue:
		if err := r.users.ForceDowngrade(ctx, user.ID); err != nil {
			return "", fmt.Errorf("downgrade user %d: %w", user.ID, err)
		}
		logger.Info("subscription failing, user downgraded", slog.Uint64("user_id", uint64(user.ID)))
		return OutcomeDowngraded, nil
	default:
		logger.Info("subscription status not actionable, skipping", slog.Uint64("user_id", uint64(user.ID)))
		return OutcomeIgnored, nil
	}
}

func (r *Reconciler) applyActiveSubscription(ctx context.Context, logger *slog.Logger, user *database.User, ev SubscriptionChanged) (Outcome, error) {
	periodEnd := ev.CurrentPeriodEnd
	if periodEnd.IsZero() && ev.SubscriptionID != "" {
		sub, err := r.provider.GetSubscription(ctx, ev.SubscriptionID)
		if err == nil {
			periodEnd = sub.CurrentPeriodEnd
		} else {
			logger.Warn("fetch subscription for period end failed",
				slog.Uint64("user_id", uint64(user.ID)),
				slog.Any("error", err),
			)
		}
	}
	// 没有真实账期就不写层级：已降级的用户不能被无账期的 active 事件复活成无限期付费。
	if periodEnd.IsZero() {
		logger.Warn("active subscription without period end, skipping",
			slog.Uint64("user_id", uint64(user.ID)),
		)
		return OutcomeIgnored, nil
	}

	plan, planResolved := r.prices.ResolvePlan(ev.Metadata.Plan, ev.PriceRef)
	if planResolved {
		if err := r.users.ApplyPaidPlan(ctx, user.ID, plan, nil, nil, ev.SubscriptionID, ev.CustomerRef); err != nil {
			return "", fmt.Errorf("apply plan for user %d: %w", user.ID, err)
		}
	} else {
		// 层级解析不到时保留现状，只应用可确定的字段。
		logger.Warn("active subscription without resolvable plan, keeping current plan",
			slog.Uint64("user_id", uint64(user.ID)),
			slog.String("price_ref", ev.PriceRef),
		)
	}

	// 到期时间只前移不回拨，乱序到达的旧事件不会覆盖新状态。
	if _, err := r.users.ExtendExpiry(ctx, user.ID, periodEnd); err != nil {
		return "", fmt.Errorf("refresh expiry for user %d: %w", user.ID, err)
	}

	if err := r.users.SetPlanStartedAtIfUnset(ctx, user.ID, r.now()); err != nil {
		return "", fmt.Errorf("set plan start for user %d: %w", user.ID, err)
	}

	logger.Info("active subscription applied",
		slog.Uint64("user_id", uint64(user.ID)),
		slog.Bool("plan_resolved", planResolved),
		slog.Time("current_period_end", periodEnd),
	)
	return OutcomeApplied, nil
}

// HandleSubscriptionDeleted 处理订阅删除事件：无条件降级。
func (r *Reconciler) HandleSubscriptionDeleted(ctx context.Context, ev SubscriptionDeleted) (Outcome, error) {
	logger := r.logger.With(
		slog.String("event", "subscription_deleted"),
		slog.String("subscription_id", ev.SubscriptionID),
	)

	user, _, err := r.resolveBySubscription(ctx, ev.SubscriptionID, ev.Metadata.UserID, "")
	if err != nil {
		return "", err
	}
	if user == nil {
		logger.Info("no user resolved for deleted subscription, skipping")
		return OutcomeNoUser, nil
	}

	if err := r.users.ForceDowngrade(ctx, user.ID); err != nil {
		return "", fmt.Errorf("downgrade user %d: %w", user.ID, err)
	}
	logger.Info("subscription deleted, user downgraded", slog.Uint64("user_id", uint64(user.ID)))
	return OutcomeDowngraded, nil
}

// HandleInvoicePaid 处理续费成功事件：只前移到期时间，从不改动层级。
func (r *Reconciler) HandleInvoicePaid(ctx context.Context, ev InvoicePaid) (Outcome, error) {
	logger := r.logger.With(
		slog.String("event", "invoice_paid"),
		slog.String("subscription_id", ev.SubscriptionID),
	)

	user, linked, err := r.resolveBySubscription(ctx, ev.SubscriptionID, ev.Metadata.UserID, "")
	if err != nil {
		return "", err
	}
	if user == nil {
		logger.Info("no user resolved for invoice, skipping")
		return OutcomeNoUser, nil
	}
	if linked {
		if err := r.users.LinkSubscription(ctx, user.ID, ev.SubscriptionID, ""); err != nil {
			return "", fmt.Errorf("link subscription to user %d: %w", user.ID, err)
		}
	}

	if ev.PeriodEnd.IsZero() || !ev.PeriodEnd.After(r.now()) {
		logger.Info("invoice period end not in the future, skipping", slog.Uint64("user_id", uint64(user.ID)))
		return OutcomeExpiryStale, nil
	}

	moved, err := r.users.ExtendExpiry(ctx, user.ID, ev.PeriodEnd)
	if err != nil {
		return "", fmt.Errorf("extend expiry for user %d: %w", user.ID, err)
	}
	if !moved {
		logger.Info("stored expiry already newer, skipping", slog.Uint64("user_id", uint64(user.ID)))
		return OutcomeExpiryStale, nil
	}

	logger.Info("expiry extended",
		slog.Uint64("user_id", uint64(user.ID)),
		slog.Time("plan_expires_at", ev.PeriodEnd),
	)
	return OutcomeExpiryMoved, nil
}

// HandleInvoiceFailed 记录扣款失败，不改动任何状态。
// 层级变化由后续的订阅生命周期事件（past_due/canceled）负责。
func (r *Reconciler) HandleInvoiceFailed(_ context.Context, ev InvoiceFailed) (Outcome, error) {
	r.logger.Warn("invoice payment failed",
		slog.String("event", "invoice_failed"),
		slog.String("subscription_id", ev.SubscriptionID),
	)
	return OutcomeIgnored, nil
}

// VerifySession 是客户端在结账跳转后主动触发的同步兜底，
// 与 checkout_completed 事件收敛到同一结果。
// 会话内嵌的用户与调用者不一致时拒绝且不做任何修改。
func (r *Reconciler) VerifySession(ctx context.Context, sessionID string, requestingUserID uint) (Outcome, error) {
	sess, err := r.provider.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load checkout session %s: %w", sessionID, err)
	}

	if sess.Metadata.UserID != 0 && sess.Metadata.UserID != requestingUserID {
		return "", ErrSessionUserMismatch
	}

	return r.HandleCheckoutCompleted(ctx, CheckoutCompleted{
		SessionID:       sess.ID,
		Metadata:        sess.Metadata,
		PaymentStatus:   sess.PaymentStatus,
		CustomerRef:     sess.CustomerRef,
		SubscriptionRef: sess.SubscriptionRef,
		PayerEmail:      sess.PayerEmail,
	})
}

// resolveUser 按固定顺序解析事件归属的用户：订阅标识 → metadata 用户 → 付款邮箱 → 客户标识。
// 第一条命中即返回；全部落空返回 nil（调用方记录后放弃）。
func (r *Reconciler) resolveUser(ctx context.Context, subscriptionRef string, metadataUserID uint, payerEmail, customerRef string) (*database.User, error) {
	if subscriptionRef != "" {
		user, err := r.users.FindBySubscriptionRef(ctx, subscriptionRef)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, database.ErrUserNotFound) {
			return nil, err
		}
	}

	if metadataUserID != 0 {
		user, err := r.users.FindByID(ctx, metadataUserID)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, database.ErrUserNotFound) {
			return nil, err
		}
	}

	if payerEmail != "" {
		user, err := r.users.FindByEmail(ctx, payerEmail)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, database.ErrUserNotFound) {
			return nil, err
		}
	}

	if customerRef != "" {
		user, err := r.users.FindByCustomerRef(ctx, customerRef)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, database.ErrUserNotFound) {
			return nil, err
		}
	}

	return nil, nil
}

// resolveBySubscription 解析订阅生命周期事件归属的用户。
// 通过 metadata 或客户标识命中时返回 linked=true，调用方需要把订阅标识补挂到用户上。
func (r *Reconciler) resolveBySubscription(ctx context.Context, subscriptionID string, metadataUserID uint, customerRef string) (*database.User, bool, error) {
	if subscriptionID != "" {
		user, err := r.users.FindBySubscriptionRef(ctx, subscriptionID)
		if err == nil {
			return user, false, nil
		}
		if !errors.Is(err, database.ErrUserNotFound) {
			return nil, false, err
		}
	}

	if metadataUserID != 0 {
		user, err := r.users.FindByID(ctx, metadataUserID)
		if err == nil {
			return user, true, nil
		}
		if !errors.Is(err, database.ErrUserNotFound) {
			return nil, false, err
		}
	}

	if customerRef != "" {
		user, err := r.users.FindByCustomerRef(ctx, customerRef)
		if err == nil {
			return user, true, nil
		}
		if !errors.Is(err, database.ErrUserNotFound) {
			return nil, false, err
		}
	}

	return nil, false, nil
}

// resolveCheckoutExpiry 从支付方拉取订阅的账期终点；拉不到就退化为处理时刻起一个月。
func (r *Reconciler) resolveCheckoutExpiry(ctx context.Context, logger *slog.Logger, subscriptionRef string, now time.Time) time.Time {
	if subscriptionRef != "" {
		sub, err := r.provider.GetSubscription(ctx, subscriptionRef)
		if err == nil && !sub.CurrentPeriodEnd.IsZero() {
			return sub.CurrentPeriodEnd
		}
		if err != nil {
			logger.Warn("fetch subscription for expiry failed, falling back to one month",
				slog.String("subscription_id", subscriptionRef),
				slog.Any("error", err),
			)
		}
	}
	return now.AddDate(0, 1, 0)
}

// warnCustomerMismatch 在事件客户标识与用户已存标识不一致时告警（不拒绝，见设计记录）。
func (r *Reconciler) warnCustomerMismatch(logger *slog.Logger, user *database.User, customerRef string) {
	if customerRef != "" && user.StripeCustomerID != "" && user.StripeCustomerID != customerRef {
		logger.Warn("event customer ref disagrees with stored customer ref",
			slog.Uint64("user_id", uint64(user.ID)),
			slog.String("stored_customer_ref", user.StripeCustomerID),
			slog.String("event_customer_ref", customerRef),
		)
	}
}
