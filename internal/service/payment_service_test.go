package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/FinBot/internal/models"
	"github.com/digkill/FinBot/internal/repository"
)

type memPayments struct {
	mu       sync.Mutex
	nextID   int64
	payments map[int64]*models.Payment
	creates  int
}

func newMemPayments() *memPayments {
	return &memPayments{payments: make(map[int64]*models.Payment)}
}

func (m *memPayments) Create(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	stored := *p
	m.payments[p.ID] = &stored
	m.creates++
	return nil
}

func (m *memPayments) UpdateStatus(_ context.Context, id int64, status, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.payments[id]
	p.Status, p.RawPayload = status, payload
	return nil
}

func (m *memPayments) MarkPaid(_ context.Context, id int64, payload string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.payments[id]
	if p.Status == repository.PaymentStatusPaid {
		return false, nil
	}
	p.Status, p.RawPayload = repository.PaymentStatusPaid, payload
	return true, nil
}

func (m *memPayments) FindByProviderCharge(_ context.Context, provider, chargeID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.Provider == provider && p.ProviderCharge == chargeID {
			c := *p
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memPayments) status(id int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payments[id].Status
}

type staticPlans struct{ plan models.Plan }

func (s staticPlans) GetDefault(context.Context) (*models.Plan, error) {
	p := s.plan
	return &p, nil
}

func (s staticPlans) GetByID(_ context.Context, id int64) (*models.Plan, error) {
	if id != s.plan.ID {
		return nil, nil
	}
	p := s.plan
	return &p, nil
}

// countingGranter forwards to the subscription service unless failures remain.
type countingGranter struct {
	next     PremiumGranter
	calls    int
	failures int
}

func (g *countingGranter) UpgradeToPremium(ctx context.Context, telegramID int64, months int, now time.Time) (PremiumResult, error) {
	g.calls++
	if g.failures > 0 {
		g.failures--
		return PremiumResult{}, ErrStoreUnavailable
	}
	return g.next.UpgradeToPremium(ctx, telegramID, months, now)
}

type paymentFixture struct {
	users    *memUsers
	payments *memPayments
	granter  *countingGranter
	notifier *recordingNotifier
	svc      *PaymentService
}

func newPaymentFixture() *paymentFixture {
	f := &paymentFixture{
		users:    newMemUsers(freeUser(1)),
		payments: newMemPayments(),
		notifier: &recordingNotifier{},
	}
	f.granter = &countingGranter{next: NewSubscriptionService(testLogger(), f.users, newRecordingJobs())}
	plans := staticPlans{plan: models.Plan{ID: 3, Title: "Премиум", Currency: "RUB", PriceMinorUnits: 299000, DurationMonths: 12, IsActive: true}}
	f.svc = NewPaymentService(testConfig(), testLogger(), f.payments, memDirectory{f.users}, plans, f.granter, f.notifier)
	return f
}

func telegramCharge(chargeID string) *tgbotapi.SuccessfulPayment {
	return &tgbotapi.SuccessfulPayment{
		Currency:                "RUB",
		TotalAmount:             299000,
		InvoicePayload:          `{"plan_id":3}`,
		ProviderPaymentChargeID: chargeID,
	}
}

func TestHandleSuccessfulPayment_GrantsOncePerCharge(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	f := newPaymentFixture()
	user := f.users.user(1)

	res, err := f.svc.HandleSuccessfulPayment(ctx, user, telegramCharge("ch-1"), now)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, models.TierFree, res.FromTier)
	assert.Equal(t, models.TierPremium, f.users.user(1).Tier)
	assert.Equal(t, now.Add(360*24*time.Hour), *f.users.user(1).PremiumExpiresAt)
	assert.Equal(t, repository.PaymentStatusPaid, f.payments.status(1))

	res, err = f.svc.HandleSuccessfulPayment(ctx, user, telegramCharge("ch-1"), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 1, f.granter.calls)
	assert.Equal(t, 1, f.payments.creates)
	assert.Equal(t, now.Add(360*24*time.Hour), *f.users.user(1).PremiumExpiresAt)
}

func TestHandleSuccessfulPayment_FailedUpgradeStaysPending(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	f := newPaymentFixture()
	f.granter.failures = 1
	user := f.users.user(1)

	_, err := f.svc.HandleSuccessfulPayment(ctx, user, telegramCharge("ch-2"), now)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, repository.PaymentStatusPending, f.payments.status(1))
	assert.Equal(t, models.TierFree, f.users.user(1).Tier)

	res, err := f.svc.HandleSuccessfulPayment(ctx, user, telegramCharge("ch-2"), now)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, f.payments.creates, "retry reuses the pending record")
	assert.Equal(t, repository.PaymentStatusPaid, f.payments.status(1))
}

func yooEvent(t *testing.T, id, status string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event":  "payment." + status,
		"object": map[string]any{"id": id, "status": status},
	})
	require.NoError(t, err)
	return body
}

func seedYooPayment(t *testing.T, f *paymentFixture, chargeID string) {
	t.Helper()
	planID := int64(3)
	require.NoError(t, f.payments.Create(context.Background(), &models.Payment{
		UserID:         1,
		PlanID:         &planID,
		Provider:       "yookassa",
		ProviderCharge: chargeID,
		Currency:       "RUB",
		Amount:         299000,
		Status:         repository.PaymentStatusPending,
	}))
}

func TestYooKassaWebhook_RedeliveryIsNoOp(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	f := newPaymentFixture()
	seedYooPayment(t, f, "yk-1")

	require.NoError(t, f.svc.HandleYooKassaWebhook(ctx, yooEvent(t, "yk-1", "succeeded"), now))
	assert.Equal(t, models.TierPremium, f.users.user(1).Tier)
	assert.Equal(t, repository.PaymentStatusPaid, f.payments.status(1))
	activated := f.notifier.ofKind(models.NotifyPremiumActivated)
	require.Len(t, activated, 1)
	assert.Equal(t, now.Add(360*24*time.Hour), *activated[0].ExpiresAt)

	require.NoError(t, f.svc.HandleYooKassaWebhook(ctx, yooEvent(t, "yk-1", "succeeded"), now.Add(time.Hour)))
	assert.Equal(t, 1, f.granter.calls)
	assert.Len(t, f.notifier.ofKind(models.NotifyPremiumActivated), 1)
	assert.Equal(t, now.Add(360*24*time.Hour), *f.users.user(1).PremiumExpiresAt)
}

func TestYooKassaWebhook_FailedUpgradeRevertsToPending(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	f := newPaymentFixture()
	seedYooPayment(t, f, "yk-2")
	f.granter.failures = 1

	err := f.svc.HandleYooKassaWebhook(ctx, yooEvent(t, "yk-2", "succeeded"), now)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, repository.PaymentStatusPending, f.payments.status(1))
	assert.Empty(t, f.notifier.ofKind(models.NotifyPremiumActivated))

	require.NoError(t, f.svc.HandleYooKassaWebhook(ctx, yooEvent(t, "yk-2", "succeeded"), now))
	assert.Equal(t, 2, f.granter.calls)
	assert.Equal(t, models.TierPremium, f.users.user(1).Tier)
	assert.Equal(t, repository.PaymentStatusPaid, f.payments.status(1))
}

func TestYooKassaWebhook_NonSuccessStatusOnlyRecorded(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	f := newPaymentFixture()
	seedYooPayment(t, f, "yk-3")

	require.NoError(t, f.svc.HandleYooKassaWebhook(ctx, yooEvent(t, "yk-3", "canceled"), now))
	assert.Equal(t, "canceled", f.payments.status(1))
	assert.Zero(t, f.granter.calls)
	assert.Equal(t, models.TierFree, f.users.user(1).Tier)

	require.Error(t, f.svc.HandleYooKassaWebhook(ctx, yooEvent(t, "unknown", "succeeded"), now))
}
