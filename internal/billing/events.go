package billing

import "time"

// EventMetadata 是支付方事件 metadata 中携带的业务字段。
// UserID 为 0、Plan 为空字符串均表示缺失。
type EventMetadata struct {
	UserID uint
	Plan   string
}

// CheckoutCompleted 对应结账会话完成事件，是付费开通的主路径。
type CheckoutCompleted struct {
	SessionID       string
	Metadata        EventMetadata
	PaymentStatus   string
	CustomerRef     string
	SubscriptionRef string
	PayerEmail      string
}

// SubscriptionChanged 对应订阅创建或更新事件。
type SubscriptionChanged struct {
	SubscriptionID   string
	CustomerRef      string
	Status           string
	CurrentPeriodEnd time.Time
	Metadata         EventMetadata
	PriceRef         string
}

// SubscriptionDeleted 对应订阅删除事件。
type SubscriptionDeleted struct {
	SubscriptionID string
	Metadata       EventMetadata
}

// InvoicePaid 对应账期续费成功事件，只用于前移到期时间。
type InvoicePaid struct {
	SubscriptionID string
	PeriodEnd      time.Time
	Metadata       EventMetadata
}

// InvoiceFailed 对应扣款失败事件，仅记录日志。
type InvoiceFailed struct {
	SubscriptionID string
}

// 支付方订阅状态，与 Stripe 的取值保持一致。
const (
	StatusActive            = "active"
	StatusTrialing          = "trialing"
	StatusCanceled          = "canceled"
	StatusUnpaid            = "unpaid"
	StatusIncompleteExpired = "incomplete_expired"
	StatusPastDue           = "past_due"
)

// PaymentStatusPaid 结账会话的已支付状态。
const PaymentStatusPaid = "paid"
