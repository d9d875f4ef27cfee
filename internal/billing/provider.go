package billing

import (
	"context"
	"errors"
	"time"
)

// ErrProviderObjectNotFound 表示支付方查不到对应对象。
var ErrProviderObjectNotFound = errors.New("provider object not found")

// ProviderSession 是支付方结账会话的最小只读视图。
type ProviderSession struct {
	ID              string
	PaymentStatus   string
	CustomerRef     string
	SubscriptionRef string
	PayerEmail      string
	Metadata        EventMetadata
}

// ProviderSubscription 是支付方订阅对象的最小只读视图。
type ProviderSubscription struct {
	ID               string
	CustomerRef      string
	Status           string
	CurrentPeriodEnd time.Time
	PriceRef         string
	Metadata         EventMetadata
}

// Provider 是 Reconciler 依赖的支付方只读接口。
type Provider interface {
	GetCheckoutSession(ctx context.Context, sessionID string) (*ProviderSession, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)
}
