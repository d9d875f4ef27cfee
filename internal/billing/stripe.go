package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	checkoutsession "github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/customer"
	sub "github.com/stripe/stripe-go/v79/subscription"
	"github.com/stripe/stripe-go/v79/webhook"

	"resumeforge/internal/database"
)

// ErrUnhandledEventType 表示 webhook 事件类型不在我们关心的范围内。
var ErrUnhandledEventType = errors.New("unhandled webhook event type")

// StripeClient 封装 Stripe API 调用，实现 Provider 接口。
type StripeClient struct {
	frontendOrigin string
}

var _ Provider = (*StripeClient)(nil)

// NewStripeClient 设置全局 API Key 并构造客户端。
func NewStripeClient(secretKey, frontendOrigin string) *StripeClient {
	stripe.Key = secretKey
	return &StripeClient{
		frontendOrigin: strings.TrimRight(frontendOrigin, "/"),
	}
}

// GetCheckoutSession 拉取结账会话并转换为内部视图。
func (c *StripeClient) GetCheckoutSession(ctx context.Context, sessionID string) (*ProviderSession, error) {
	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{Context: ctx},
	}
	sess, err := checkoutsession.Get(sessionID, params)
	if err != nil {
		return nil, wrapStripeErr("get checkout session", err)
	}
	return providerSessionFrom(sess), nil
}

// GetSubscription 拉取订阅对象并转换为内部视图。
func (c *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
	}
	s, err := sub.Get(subscriptionID, params)
	if err != nil {
		return nil, wrapStripeErr("get subscription", err)
	}
	return providerSubscriptionFrom(s), nil
}

// CreateCheckoutSession 为用户创建订阅模式的结账会话，返回托管支付页 URL。
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, user *database.User, plan database.Plan, priceID string) (string, error) {
	userID := strconv.FormatUint(uint64(user.ID), 10)

	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{Context: ctx},
		Mode:   stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(c.frontendOrigin + "/billing/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(c.frontendOrigin + "/billing/cancel"),
		ClientReferenceID: stripe.String(userID),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"user_id": userID,
				"plan":    string(plan),
			},
		},
	}
	params.AddMetadata("user_id", userID)
	params.AddMetadata("plan", string(plan))

	if user.StripeCustomerID != "" {
		params.Customer = stripe.String(user.StripeCustomerID)
	} else if user.Email != "" {
		params.CustomerEmail = stripe.String(user.Email)
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", wrapStripeErr("create checkout session", err)
	}
	return sess.URL, nil
}

// EnsureCustomer 返回用户已绑定的客户标识，缺失时新建一个。
// 新建的标识由调用方负责写回用户记录。
func (c *StripeClient) EnsureCustomer(ctx context.Context, user *database.User) (string, bool, error) {
	if user.StripeCustomerID != "" {
		return user.StripeCustomerID, false, nil
	}

	params := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		Email:  stripe.String(user.Email),
		Name:   stripe.String(user.Name),
	}
	params.AddMetadata("user_id", strconv.FormatUint(uint64(user.ID), 10))

	cust, err := customer.New(params)
	if err != nil {
		return "", false, wrapStripeErr("create customer", err)
	}
	return cust.ID, true, nil
}

// CancelAtPeriodEnd 计划在当前账期结束时取消订阅，不立即回收权益。
func (c *StripeClient) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionParams{
		Params:            stripe.Params{Context: ctx},
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	if _, err := sub.Update(subscriptionID, params); err != nil {
		return wrapStripeErr("cancel subscription at period end", err)
	}
	return nil
}

// VerifyWebhook 校验签名并解析事件信封。签名失败必须向支付方返回 4xx。
func VerifyWebhook(payload []byte, signatureHeader, endpointSecret string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(
		payload,
		signatureHeader,
		endpointSecret,
		webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		},
	)
}

// ParseWebhookEvent 把已验签的 Stripe 事件解码为内部事件。
// 不关心的类型返回 ErrUnhandledEventType。
func ParseWebhookEvent(event stripe.Event) (any, error) {
	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("unmarshal checkout session: %w", err)
		}
		ps := providerSessionFrom(&sess)
		return CheckoutCompleted{
			SessionID:       ps.ID,
			Metadata:        ps.Metadata,
			PaymentStatus:   ps.PaymentStatus,
			CustomerRef:     ps.CustomerRef,
			SubscriptionRef: ps.SubscriptionRef,
			PayerEmail:      ps.PayerEmail,
		}, nil

	case "customer.subscription.created", "customer.subscription.updated":
		var s stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("unmarshal subscription: %w", err)
		}
		psub := providerSubscriptionFrom(&s)
		return SubscriptionChanged{
			SubscriptionID:   psub.ID,
			CustomerRef:      psub.CustomerRef,
			Status:           psub.Status,
			CurrentPeriodEnd: psub.CurrentPeriodEnd,
			Metadata:         psub.Metadata,
			PriceRef:         psub.PriceRef,
		}, nil

	case "customer.subscription.deleted":
		var s stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("unmarshal subscription: %w", err)
		}
		return SubscriptionDeleted{
			SubscriptionID: s.ID,
			Metadata:       metadataFrom(s.Metadata),
		}, nil

	case "invoice.payment_succeeded":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("unmarshal invoice: %w", err)
		}
		ev := InvoicePaid{PeriodEnd: invoicePeriodEnd(&inv)}
		if inv.Subscription != nil {
			ev.SubscriptionID = inv.Subscription.ID
		}
		return ev, nil

	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("unmarshal invoice: %w", err)
		}
		ev := InvoiceFailed{}
		if inv.Subscription != nil {
			ev.SubscriptionID = inv.Subscription.ID
		}
		return ev, nil
	}

	return nil, ErrUnhandledEventType
}

func providerSessionFrom(sess *stripe.CheckoutSession) *ProviderSession {
	ps := &ProviderSession{
		ID:            sess.ID,
		PaymentStatus: string(sess.PaymentStatus),
		Metadata:      metadataFrom(sess.Metadata),
	}
	if sess.Customer != nil {
		ps.CustomerRef = sess.Customer.ID
	}
	if sess.Subscription != nil {
		ps.SubscriptionRef = sess.Subscription.ID
	}
	if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
		ps.PayerEmail = sess.CustomerDetails.Email
	} else {
		ps.PayerEmail = sess.CustomerEmail
	}
	// Checkout metadata 缺 userId 时回落到 client_reference_id。
	if ps.Metadata.UserID == 0 && sess.ClientReferenceID != "" {
		if id, err := strconv.ParseUint(sess.ClientReferenceID, 10, 64); err == nil {
			ps.Metadata.UserID = uint(id)
		}
	}
	return ps
}

func providerSubscriptionFrom(s *stripe.Subscription) *ProviderSubscription {
	psub := &ProviderSubscription{
		ID:       s.ID,
		Status:   string(s.Status),
		Metadata: metadataFrom(s.Metadata),
	}
	if s.Customer != nil {
		psub.CustomerRef = s.Customer.ID
	}
	if s.CurrentPeriodEnd > 0 {
		psub.CurrentPeriodEnd = time.Unix(s.CurrentPeriodEnd, 0).UTC()
	}
	if s.Items != nil && len(s.Items.Data) > 0 && s.Items.Data[0].Price != nil {
		psub.PriceRef = s.Items.Data[0].Price.ID
	}
	return psub
}

func invoicePeriodEnd(inv *stripe.Invoice) time.Time {
	if inv.Lines != nil && len(inv.Lines.Data) > 0 {
		if p := inv.Lines.Data[0].Period; p != nil && p.End > 0 {
			return time.Unix(p.End, 0).UTC()
		}
	}
	if inv.PeriodEnd > 0 {
		return time.Unix(inv.PeriodEnd, 0).UTC()
	}
	return time.Time{}
}

func metadataFrom(m map[string]string) EventMetadata {
	meta := EventMetadata{Plan: m["plan"]}
	if raw := m["user_id"]; raw != "" {
		if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
			meta.UserID = uint(id)
		}
	}
	return meta
}

func wrapStripeErr(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == 404 || stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return fmt.Errorf("%s: %w", op, ErrProviderObjectNotFound)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
