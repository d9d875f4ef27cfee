package billing

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"resumeforge/internal/database"
)

type fakeProvider struct {
	sessions map[string]*ProviderSession
	subs     map[string]*ProviderSubscription
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		sessions: map[string]*ProviderSession{},
		subs:     map[string]*ProviderSubscription{},
	}
}

func (p *fakeProvider) GetCheckoutSession(_ context.Context, sessionID string) (*ProviderSession, error) {
	if sess, ok := p.sessions[sessionID]; ok {
		return sess, nil
	}
	return nil, ErrProviderObjectNotFound
}

func (p *fakeProvider) GetSubscription(_ context.Context, subscriptionID string) (*ProviderSubscription, error) {
	if sub, ok := p.subs[subscriptionID]; ok {
		return sub, nil
	}
	return nil, ErrProviderObjectNotFound
}

func newTestStore(t *testing.T) *database.UserStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&database.User{}))
	return database.NewUserStore(db)
}

func newTestReconciler(t *testing.T, provider *fakeProvider) (*Reconciler, *database.UserStore) {
	t.Helper()
	users := newTestStore(t)
	prices := PriceTable{Pro: "price_pro", Business: "price_biz"}
	r := NewReconciler(users, provider, prices, slog.Default())
	return r, users
}

func seedUser(t *testing.T, users *database.UserStore) *database.User {
	t.Helper()
	user, err := users.UpsertFromLogin(context.Background(), database.LoginProfile{
		GoogleID: "google-1",
		Email:    "alice@example.com",
		Name:     "Alice",
	}, time.Now())
	require.NoError(t, err)
	return user
}

func TestHandleCheckoutCompletedAppliesPlan(t *testing.T) {
	provider := newFakeProvider()
	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	provider.subs["sub_1"] = &ProviderSubscription{
		ID:               "sub_1",
		Status:           StatusActive,
		CurrentPeriodEnd: periodEnd,
	}
	r, users := newTestReconciler(t, provider)
	user := seedUser(t, users)
	ctx := context.Background()

	outcome, err := r.HandleCheckoutCompleted(ctx, CheckoutCompleted{
		SessionID:       "cs_1",
		Metadata:        EventMetadata{UserID: user.ID, Plan: "pro"},
		PaymentStatus:   PaymentStatusPaid,
		CustomerRef:     "cus_1",
		SubscriptionRef: "sub_1",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got, err := users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, database.PlanPro, got.Plan)
	require.NotNil(t, got.PlanExpiresAt)
	assert.WithinDuration(t, periodEnd, *got.PlanExpiresAt, time.Second)
	require.NotNil(t, got.StripeSubscriptionID)
	assert.Equal(t, "sub_1", *got.StripeSubscriptionID)
	assert.Equal(t, "cus_1", got.StripeCustomerID)
	assert.NotNil(t, got.PlanStartedAt)
}

func TestHandleCheckoutCompletedNotPaid(t *testing.T) {
	r, users := newTestReconciler(t, newFakeProvider())
	user := seedUser(t, users)
	ctx := context.Background()

	outcome, err := r.HandleCheckoutCompleted(ctx, CheckoutCompleted{
		SessionID:     "cs_1",
		Metadata:      EventMetadata{UserID: user.ID, Plan: "pro"},
		PaymentStatus: "unpaid",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotPaid, outcome)

	got, err := users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, database.PlanFree, got.Plan)
}

func TestHandleCheckoutCompletedNoUser(t *testing.T) {
	r, _ := newTestReconciler(t, newFakeProvider())

	outcome, err := r.HandleCheckoutCompleted(context.Background(), CheckoutCompleted{
		SessionID:     "cs_1",
		Metadata:      EventMetadata{UserID: 999, Plan: "pro"},
		PaymentStatus: PaymentStatusPaid,
		PayerEmail:    "ghost@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoUser, outcome)
}

func TestHandleCheckoutCompletedNoPlan(t *testing.T) {
	r, users := newTestReconciler(t, newFakeProvider())
	user := seedUser(t, users)
	ctx := context.Background()

	outcome, err := r.HandleCheckoutCompleted(ctx, CheckoutCompleted{
		SessionID:     "cs_1",
		Metadata:      EventMetadata{UserID: user.ID},
		PaymentStatus: PaymentStatusPaid,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoPlan, outcome)

	got, err := users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, database.PlanFree, got.Plan)
}

func TestHandleCheckoutCompletedResolvesByPayerEmail(t *testing.T) {
	r, users := newTestReconciler(t, newFakeProvider())
	user := seedUser(t, users)
	ctx := context.Background()

	outcome, err := r.HandleCheckoutCompleted(ctx, CheckoutCompleted{
		SessionID:     "cs_1",
		Metadata:      EventMetadata{Plan: "business"},
		PaymentStatus: PaymentStatusPaid,
		PayerEmail:    "Alice@Example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got, err := users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, database.PlanBusiness, got.Plan)
}

func TestHandleCheckoutCompletedFallbackExpiry(t *testing.T) {
	r, users := newTestReconciler(t, newFakeProvider())
	user := seedUser(t, users)
	ctx := context.Background()

	before := time.Now()
	outcome, err := r.HandleCheckoutCompleted(ctx, CheckoutCompleted{
		SessionID:     "cs_1",
		Metadata:      EventMetadata{UserID: user.ID, Plan: "pro"},
		PaymentStatus: PaymentStatusPaid,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got, err := users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PlanExpiresAt)
	assert.WithinDuration(t, before.AddDate(0, 1, 0), *got.PlanExpiresAt, time.Minute)
}

func TestHandleCheckoutCompletedRedeliveryIsIdempotent(t *testing.T) {
	provider := newFakeProvider()
	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	provider.subs["sub_1"] = &ProviderSubscription{ID: "sub_1", CurrentPeriodEnd: periodEnd}
	r, users := newTestReconciler(t, provider)
	user := seedUser(t, users)
	ctx := context.Background()

	ev := CheckoutCompleted{
		SessionID:       "cs_1",
		Metadata:        EventMetadata{UserID: user.ID, Plan: "pro"},
		PaymentStatus:   PaymentStatusPaid,
		CustomerRef:     "cus_1",
		SubscriptionRef: "sub_1",
	}

	first, err := r.HandleCheckoutCompleted(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, first)

	afterFirst, err := users.FindByID(ctx, user.ID)
	require.NoError(t, err)

	second, err := r.HandleCheckoutCompleted(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second)

	afterSecond, err := users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, afterFirst.Plan, afterSecond.Plan)
	assert.Equal(t, afterFirst.PlanExpiresAt.Unix(), afterSecond.PlanExpiresAt.Unix())
	assert.Equal(t, afterFirst.PlanStartedAt.Unix(), afterSecond.PlanStartedAt.Unix())
}

func TestHandleSubscriptionChangedActiveRefreshes(t *testing.T) {
	r, users := newTestReconciler(t, newFakeProvider())
	user := seedUser(t, users)
	ctx := context.Background()
	periodEnd := time.Now().Add(60 * 24 * time.Hour).UTC().Truncate(time.Second)

	outcome, err := r.HandleSubscriptionChanged(ctx, SubscriptionChanged{
		SubscriptionID:   "sub_1",
		CustomerRef:      "cus_1",
		Status:           StatusActive,
		CurrentPeriodEnd: periodEnd,
		Metadata:         EventMetadata{UserID: user.ID},
		PriceRef:         "price_pro",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got, err := users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, database.PlanPro, got.Plan)
	require.NotNil(t, got.PlanExpiresAt)
	assert.WithinDuration(t, periodEnd, *got.PlanExpiresAt, time.Second)
	require.NotNil(t, got.StripeSubscriptionID)
	assert.Equal(t, "sub_1", *got.StripeSubscriptionID)
}

func TestHandleSubscriptionChangedUnresolvablePlanKeepsCurrent(t *testing.T) {
	r, users := newTestReconciler(t, newFakeProvider())
	user := seedUser(t, users)
	ctx := context.Background()

	start := time.Now()
	expiry := start.Add(10 * 24 * time.Hour)
	require.NoError(t, users.ApplyPaidPlan(ctx, user.ID, database.PlanBusiness, &start, &expiry, "sub_1", "cus_1"))

	periodEnd := start.Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	outcome, err := r.HandleSubscriptionChanged(ctx, SubscriptionChanged{
		SubscriptionID:   "sub_1",
		Status:           StatusActive,
		CurrentPeriodEnd: periodEnd,
		PriceRef:         "price_unknown",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got, err := users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, database.PlanBusiness, got.Plan)
	require.NotNil(t, got.PlanExpiresAt)
	assert.Equal(t, periodEnd.Unix(), got.PlanExpiresAt.Unix())
}

func TestHandleSubscriptionChangedActiveWithoutPeriodEnd(t *testing.T) {
	provider := newFakeProvider()
	r, users := newTestReconciler(t, provider)
	user := seedUser(t, users)
	ctx := context.Background()

	start := time.Now()
	expiry := start.Add(20 * 24 * time.Hour)
	require.NoError(t, users.ApplyPaidPlan(ctx, user.ID, database.PlanPro, &start, &expiry, "sub_1", "cus_1"))

	// 先降级，再收到一条没有账期终点的 active 事件：不得恢复层级。
	outcome, err := r.HandleSubscriptionChanged(ctx, SubscriptionChanged{
		SubscriptionID: "sub_1",
		Status:         StatusPastDue,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDowngraded, outcome)

	outcome, err = r.HandleSubscriptionChanged(ctx, SubscriptionChanged{
		SubscriptionID: "sub_1",
		Status:         StatusActive,
		Metadata:       EventMetadata{UserID: user.ID},
		PriceRef:       "price_pro",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	got, err := users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, database.PlanFree, got.Plan)
	assert.Nil(t, got.PlanExpiresAt)
	assert.False(t, got.HasActivePaidPlan(time.Now()))

	// 支付方能查到真实账期时从那里取。
	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	provider.subs["sub_1"] = &ProviderSubscription{ID: "sub_1", CurrentPeriodEnd: periodEnd}

	outcome, err = r.HandleSubscriptionChanged(ctx, SubscriptionChanged{
		SubscriptionID: "sub_1",
		Status:         StatusActive,
		Metadata:       EventMetadata{UserID: user.ID},
		PriceRef:       "price_pro",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got, err = users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, database.PlanPro, got.Plan)
	require.NotNil(t, got.PlanExpiresAt)
	assert.Equal(t, periodEnd.Unix(), got.PlanExpiresAt.Unix())
}

func TestHandleSubscriptionChangedCanceledDowngrades(t *testing.T) {
	r, users := newTestReconciler(t, newFakeProvider())
	user := seedUser(t, users)
	ctx := context.Background()

	start := time.Now()
	expiry := start.Add(20 * 24 * time.Hour)
	require.NoError(t, users.ApplyPaidPlan(ctx, user.ID, database.PlanPro, &start, &expiry, "sub_1", "cus_1"))

	for _, status := range []string{StatusCanceled, StatusUnpaid, StatusIncompleteExpired, StatusPastDue} {
		t.Run(status, func(t *testing.T) {
			require.NoError(t, users.ApplyPaidPlan(ctx, user.ID, database.PlanPro, &start, &expiry, "sub_1", "cus_1"))

			outcome, err := r.HandleSubscriptionChanged(ctx, SubscriptionChanged{
				SubscriptionID: "sub_1",
				Status:         status,
			})
			require.NoError(t, err)
			assert.Equal(t, OutcomeDowngraded, outcome)

			got, err := users.FindByID(ctx, user.ID)
			require.NoError(t, err)
			assert.Equal(t, database.PlanFree, got.Plan)
			assert.Nil(t, got.PlanExpiresAt)
			assert.Nil(t, got.StripeSubscriptionID)
		})
	}
}

func TestHandleSubscriptionDeletedDowngrades(t *testing.T) {
	r, users := newTestReconciler(t, newFakeProvider())
	user := seedUser(t, users)
	ctx := context.Background()

	start := time.Now()
	expiry := start.Add(20 * 24 * time.Hour)
	require.NoError(t, users.ApplyPaidPlan(ctx, user.ID, database.PlanPro, &start, &expiry, "sub_1", "cus_1"))

	outcome, err := r.HandleSubscriptionDeleted(ctx, SubscriptionDeleted{SubscriptionID: "sub_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDowngraded, outcome)

	got, err := users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, database.PlanFree, got.Plan)
	assert.Nil(t, got.PlanExpiresAt)
	assert.Nil(t, got.StripeSubscriptionID)
}

func TestHandleInvoicePaidExtendsForwardOnly(t *testing.T) {
	r, users := newTestReconciler(t, newFakeProvider())
	user := seedUser(t, users)
	ctx := context.Background()

	start := time.Now()
	expiry := start.Add(40 * 24 * time.Hour)
	require.NoError(t, users.ApplyPaidPlan(ctx, user.ID, database.PlanPro, &start, &expiry, "sub_1", "cus_1"))

	// 比已存到期时间更早的账期：不回拨。
	outcome, err := r.HandleInvoicePaid(ctx, InvoicePaid{
		SubscriptionID: "sub_1",
		PeriodEnd:      start.Add(10 * 24 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpiryStale, outcome)

	got, err := users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, expiry.Unix(), got.PlanExpiresAt.Unix())

	// 更晚的账期：前移。
	later := start.Add(70 * 24 * time.Hour)
	outcome, err = r.HandleInvoicePaid(ctx, InvoicePaid{
		SubscriptionID: "sub_1",
		PeriodEnd:      later,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpiryMoved, outcome)

	got, err = users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, later.Unix(), got.PlanExpiresAt.Unix())
	assert.Equal(t, database.PlanPro, got.Plan)
}

func TestHandleInvoicePaidIgnoresPastPeriod(t *testing.T) {
	r, users := newTestReconciler(t, newFakeProvider())
	user := seedUser(t, users)
	ctx := context.Background()

	start := time.Now()
	expiry := start.Add(5 * 24 * time.Hour)
	require.NoError(t, users.ApplyPaidPlan(ctx, user.ID, database.PlanPro, &start, &expiry, "sub_1", "cus_1"))

	outcome, err := r.HandleInvoicePaid(ctx, InvoicePaid{
		SubscriptionID: "sub_1",
		PeriodEnd:      start.Add(-24 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpiryStale, outcome)
}

func TestHandleInvoicePaidNeverChangesPlan(t *testing.T) {
	r, users := newTestReconciler(t, newFakeProvider())
	user := seedUser(t, users)
	ctx := context.Background()

	// 还没有任何结账事件到达，invoice 先到：只前移到期时间，层级保持 free。
	outcome, err := r.HandleInvoicePaid(ctx, InvoicePaid{
		SubscriptionID: "sub_1",
		PeriodEnd:      time.Now().Add(30 * 24 * time.Hour),
		Metadata:       EventMetadata{UserID: user.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpiryMoved, outcome)

	got, err := users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, database.PlanFree, got.Plan)
	require.NotNil(t, got.StripeSubscriptionID)
	assert.Equal(t, "sub_1", *got.StripeSubscriptionID)
}

func TestCheckoutAndInvoiceCommute(t *testing.T) {
	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	invoiceEnd := periodEnd.Add(30 * 24 * time.Hour)

	checkout := CheckoutCompleted{
		SessionID:       "cs_1",
		PaymentStatus:   PaymentStatusPaid,
		CustomerRef:     "cus_1",
		SubscriptionRef: "sub_1",
	}
	invoice := InvoicePaid{SubscriptionID: "sub_1", PeriodEnd: invoiceEnd}

	run := func(t *testing.T, checkoutFirst bool) *database.User {
		provider := newFakeProvider()
		provider.subs["sub_1"] = &ProviderSubscription{ID: "sub_1", CurrentPeriodEnd: periodEnd}
		r, users := newTestReconciler(t, provider)
		user := seedUser(t, users)
		ctx := context.Background()

		ev := checkout
		ev.Metadata = EventMetadata{UserID: user.ID, Plan: "pro"}
		inv := invoice
		inv.Metadata = EventMetadata{UserID: user.ID}

		if checkoutFirst {
			_, err := r.HandleCheckoutCompleted(ctx, ev)
			require.NoError(t, err)
			_, err = r.HandleInvoicePaid(ctx, inv)
			require.NoError(t, err)
		} else {
			_, err := r.HandleInvoicePaid(ctx, inv)
			require.NoError(t, err)
			_, err = r.HandleCheckoutCompleted(ctx, ev)
			require.NoError(t, err)
		}

		got, err := users.FindByID(ctx, user.ID)
		require.NoError(t, err)
		return got
	}

	forward := run(t, true)
	reversed := run(t, false)

	assert.Equal(t, forward.Plan, reversed.Plan)
	assert.Equal(t, forward.PlanExpiresAt.Unix(), reversed.PlanExpiresAt.Unix())
	assert.Equal(t, database.PlanPro, forward.Plan)
	assert.Equal(t, invoiceEnd.Unix(), forward.PlanExpiresAt.Unix())
}

func TestVerifySessionRejectsForeignSession(t *testing.T) {
	provider := newFakeProvider()
	provider.sessions["cs_1"] = &ProviderSession{
		ID:            "cs_1",
		PaymentStatus: PaymentStatusPaid,
		Metadata:      EventMetadata{UserID: 42, Plan: "pro"},
	}
	r, users := newTestReconciler(t, provider)
	user := seedUser(t, users)
	ctx := context.Background()

	_, err := r.VerifySession(ctx, "cs_1", user.ID)
	require.ErrorIs(t, err, ErrSessionUserMismatch)

	got, err := users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, database.PlanFree, got.Plan)
}

func TestVerifySessionAppliesLikeWebhook(t *testing.T) {
	provider := newFakeProvider()
	r, users := newTestReconciler(t, provider)
	user := seedUser(t, users)
	ctx := context.Background()

	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	provider.subs["sub_1"] = &ProviderSubscription{ID: "sub_1", CurrentPeriodEnd: periodEnd}
	provider.sessions["cs_1"] = &ProviderSession{
		ID:              "cs_1",
		PaymentStatus:   PaymentStatusPaid,
		CustomerRef:     "cus_1",
		SubscriptionRef: "sub_1",
		Metadata:        EventMetadata{UserID: user.ID, Plan: "pro"},
	}

	outcome, err := r.VerifySession(ctx, "cs_1", user.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got, err := users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, database.PlanPro, got.Plan)
	assert.WithinDuration(t, periodEnd, *got.PlanExpiresAt, time.Second)
}

func TestVerifySessionUnknownSession(t *testing.T) {
	r, users := newTestReconciler(t, newFakeProvider())
	user := seedUser(t, users)

	_, err := r.VerifySession(context.Background(), "cs_missing", user.ID)
	require.ErrorIs(t, err, ErrProviderObjectNotFound)
}
