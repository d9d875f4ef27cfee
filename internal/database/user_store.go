package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrUserNotFound 表示查询不到对应用户。
var ErrUserNotFound = errors.New("user not found")

// UserStore 封装用户记录的读写。
// 计费字段的所有写入都必须走这里的单条 UPDATE 原语，避免 read-modify-write 丢失更新。
type UserStore struct {
	db *gorm.DB
}

// NewUserStore 构造 UserStore。
func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

// LoginProfile 描述一次外部身份登录携带的资料。
type LoginProfile struct {
	GoogleID  string
	Email     string
	Name      string
	AvatarURL string
}

// FindByID 按主键查询用户。
func (s *UserStore) FindByID(ctx context.Context, id uint) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	return &user, nil
}

// FindByGoogleID 按外部身份标识查询用户。
func (s *UserStore) FindByGoogleID(ctx context.Context, googleID string) (*User, error) {
	return s.findOne(ctx, "google_id = ?", googleID)
}

// FindByEmail 按邮箱查询用户。邮箱不保证唯一，返回最早注册的一条。
func (s *UserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, ErrUserNotFound
	}
	var user User
	err := s.db.WithContext(ctx).
		Where("lower(email) = ?", email).
		Order("id asc").
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("find user by email: %w", err)
	}
	return &user, nil
}

// FindBySubscriptionRef 按支付方订阅标识查询用户。
func (s *UserStore) FindBySubscriptionRef(ctx context.Context, subscriptionRef string) (*User, error) {
	if subscriptionRef == "" {
		return nil, ErrUserNotFound
	}
	return s.findOne(ctx, "stripe_subscription_id = ?", subscriptionRef)
}

// FindByCustomerRef 按支付方客户标识查询用户。
func (s *UserStore) FindByCustomerRef(ctx context.Context, customerRef string) (*User, error) {
	if customerRef == "" {
		return nil, ErrUserNotFound
	}
	return s.findOne(ctx, "stripe_customer_id = ?", customerRef)
}

func (s *UserStore) findOne(ctx context.Context, query string, args ...any) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).Where(query, args...).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &user, nil
}

// UpsertFromLogin 在首次登录时创建用户，之后每次登录刷新资料与 LastLoginAt。
func (s *UserStore) UpsertFromLogin(ctx context.Context, profile LoginProfile, now time.Time) (*User, error) {
	if profile.GoogleID == "" {
		return nil, errors.New("login profile missing google id")
	}

	var user User
	err := s.db.WithContext(ctx).Where("google_id = ?", profile.GoogleID).First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		user = User{
			GoogleID:    profile.GoogleID,
			Email:       strings.ToLower(strings.TrimSpace(profile.Email)),
			Name:        profile.Name,
			AvatarURL:   profile.AvatarURL,
			Plan:        PlanFree,
			LastLoginAt: &now,
		}
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
		return &user, nil
	case err != nil:
		return nil, fmt.Errorf("lookup user for login: %w", err)
	}

	updates := map[string]any{
		"name":          profile.Name,
		"avatar_url":    profile.AvatarURL,
		"last_login_at": now,
	}
	if email := strings.ToLower(strings.TrimSpace(profile.Email)); email != "" {
		updates["email"] = email
	}
	if err := s.db.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("refresh user on login: %w", err)
	}
	return &user, nil
}

// ApplyPaidPlan 以单条 UPDATE 应用一次付费状态变更。
// startedAt 为 nil 时保留既有的 plan_started_at；subscriptionRef/customerRef 为空时不覆盖。
func (s *UserStore) ApplyPaidPlan(ctx context.Context, userID uint, plan Plan, startedAt, expiresAt *time.Time, subscriptionRef, customerRef string) error {
	updates := map[string]any{
		"plan": plan,
	}
	if startedAt != nil {
		updates["plan_started_at"] = *startedAt
	}
	if expiresAt != nil {
		updates["plan_expires_at"] = *expiresAt
	}
	if subscriptionRef != "" {
		updates["stripe_subscription_id"] = subscriptionRef
	}
	if customerRef != "" {
		updates["stripe_customer_id"] = customerRef
	}
	return s.updateByID(ctx, userID, updates)
}

// SetPlanStartedAtIfUnset 仅在 plan_started_at 为空时写入起始时间。
func (s *UserStore) SetPlanStartedAtIfUnset(ctx context.Context, userID uint, startedAt time.Time) error {
	err := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ? AND plan_started_at IS NULL", userID).
		Update("plan_started_at", startedAt).Error
	if err != nil {
		return fmt.Errorf("set plan started at: %w", err)
	}
	return nil
}

// ExtendExpiry 仅当新到期时间晚于当前值时才前移到期时间，绝不回拨。
// 返回是否实际写入。
func (s *UserStore) ExtendExpiry(ctx context.Context, userID uint, expiresAt time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ? AND (plan_expires_at IS NULL OR plan_expires_at < ?)", userID, expiresAt).
		Update("plan_expires_at", expiresAt)
	if result.Error != nil {
		return false, fmt.Errorf("extend expiry: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// LinkSubscription 把支付方的订阅/客户标识挂到用户记录上。
func (s *UserStore) LinkSubscription(ctx context.Context, userID uint, subscriptionRef, customerRef string) error {
	updates := map[string]any{}
	if subscriptionRef != "" {
		updates["stripe_subscription_id"] = subscriptionRef
	}
	if customerRef != "" {
		updates["stripe_customer_id"] = customerRef
	}
	if len(updates) == 0 {
		return nil
	}
	return s.updateByID(ctx, userID, updates)
}

// SetCustomerRef 记录支付方客户标识。
func (s *UserStore) SetCustomerRef(ctx context.Context, userID uint, customerRef string) error {
	return s.updateByID(ctx, userID, map[string]any{"stripe_customer_id": customerRef})
}

// ForceDowngrade 无条件降级为 free：清空订阅标识与到期时间。
func (s *UserStore) ForceDowngrade(ctx context.Context, userID uint) error {
	return s.updateByID(ctx, userID, map[string]any{
		"plan":                   PlanFree,
		"plan_expires_at":        nil,
		"stripe_subscription_id": nil,
	})
}

// DowngradeIfExpired 对已过期的付费用户执行惰性降级（条件 UPDATE，读路径调用）。
// 返回是否实际执行了降级。
func (s *UserStore) DowngradeIfExpired(ctx context.Context, userID uint, now time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ? AND plan <> ? AND plan_expires_at IS NOT NULL AND plan_expires_at <= ?", userID, PlanFree, now).
		Updates(map[string]any{
			"plan":                   PlanFree,
			"plan_expires_at":        nil,
			"stripe_subscription_id": nil,
		})
	if result.Error != nil {
		return false, fmt.Errorf("downgrade expired plan: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// DowngradeAllExpired 批量降级所有已过期的付费用户（worker 定时任务使用）。
func (s *UserStore) DowngradeAllExpired(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("plan <> ? AND plan_expires_at IS NOT NULL AND plan_expires_at <= ?", PlanFree, now).
		Updates(map[string]any{
			"plan":                   PlanFree,
			"plan_expires_at":        nil,
			"stripe_subscription_id": nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("downgrade expired plans: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *UserStore) updateByID(ctx context.Context, userID uint, updates map[string]any) error {
	result := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("update user %d: %w", userID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}
