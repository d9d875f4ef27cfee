package database

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Plan 表示用户的付费层级。
type Plan string

const (
	PlanFree     Plan = "free"
	PlanPro      Plan = "pro"
	PlanBusiness Plan = "business"
)

// Valid 判断是否为已知的付费层级。
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanPro, PlanBusiness:
		return true
	}
	return false
}

// Paid 判断是否为付费层级。
func (p Plan) Paid() bool {
	return p == PlanPro || p == PlanBusiness
}

// User 表示系统中的账号信息，由 Google 登录创建，计费字段仅由 Reconciler 更新。
type User struct {
	gorm.Model
	GoogleID  string `gorm:"uniqueIndex;size:64"`
	Email     string `gorm:"index;size:255"`
	Name      string `gorm:"size:255"`
	AvatarURL string `gorm:"size:512"`

	Plan          Plan `gorm:"size:16;default:free"`
	PlanStartedAt *time.Time
	PlanExpiresAt *time.Time

	StripeCustomerID     string  `gorm:"index;size:64"`
	StripeSubscriptionID *string `gorm:"index;size:64"`

	LastLoginAt *time.Time

	Resumes []Resume `gorm:"constraint:OnDelete:CASCADE"`
}

// HasActivePaidPlan 判断用户当前是否持有有效的付费权益。
func (u *User) HasActivePaidPlan(now time.Time) bool {
	if !u.Plan.Paid() {
		return false
	}
	return u.PlanExpiresAt == nil || u.PlanExpiresAt.After(now)
}

// PlanExpired 判断付费层级是否已过期（读路径需触发惰性降级）。
func (u *User) PlanExpired(now time.Time) bool {
	return u.Plan.Paid() && u.PlanExpiresAt != nil && !u.PlanExpiresAt.After(now)
}

// Resume 表示用户创建的简历内容。
// RenderedHTML 为可选的预渲染长文档，与结构化 FormData 相互独立。
type Resume struct {
	gorm.Model
	Title        string         `gorm:"size:255"`
	FormData     datatypes.JSON `gorm:"type:jsonb"`
	RenderedHTML string         `gorm:"type:text"`
	TemplateID   string         `gorm:"size:64"`
	UserID       uint           `gorm:"index"`
	User         User           `gorm:"constraint:OnDelete:CASCADE"`
}
