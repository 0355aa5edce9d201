package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/FinBot/internal/models"
	"github.com/digkill/FinBot/internal/repository"
	"github.com/digkill/FinBot/internal/service"
)

var fixedNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeUsers struct{ ids []int64 }

func (f fakeUsers) ListTelegramIDs(context.Context) ([]int64, error) { return f.ids, nil }

type fakeTiers struct{ users map[int64]*models.User }

func (f fakeTiers) ResolveByID(_ context.Context, id int64, now time.Time) (*models.User, models.Tier, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, "", repository.ErrUserNotFound
	}
	tier, _ := u.EffectiveTier(now)
	return u, tier, nil
}

type fakeSubscriptions struct {
	trialDays    int
	premiumMonth int
}

func (f *fakeSubscriptions) StartTrial(_ context.Context, id int64, days int, now time.Time) (service.TrialResult, error) {
	f.trialDays = days
	ends := now.Add(time.Duration(days) * 24 * time.Hour)
	return service.TrialResult{Started: true, Tier: models.TierTrial, User: &models.User{TelegramID: id, Tier: models.TierTrial, TrialEndsAt: &ends}}, nil
}

func (f *fakeSubscriptions) UpgradeToPremium(_ context.Context, id int64, months int, now time.Time) (service.PremiumResult, error) {
	f.premiumMonth = months
	exp := now.Add(time.Duration(months) * 30 * 24 * time.Hour)
	return service.PremiumResult{FromTier: models.TierFree, User: &models.User{TelegramID: id, Tier: models.TierPremium, PremiumExpiresAt: &exp}}, nil
}

type fakeReferrals struct{}

func (fakeReferrals) RecordReferral(context.Context, int64, time.Time) (service.ReferralResult, error) {
	return service.ReferralResult{Count: 2, Unlocked: true}, nil
}

type fakeCampaigns struct{ err error }

func (f fakeCampaigns) SuperVIPDecaySweep(context.Context, time.Time) (service.SweepReport, error) {
	return service.SweepReport{Scanned: 3, Warned: 1, Downgraded: 1, Failed: 1}, f.err
}

type fakePlans struct{ created []service.CreatePlanInput }

func (f *fakePlans) List(context.Context) ([]models.Plan, error) { return []models.Plan{{ID: 1}}, nil }

func (f *fakePlans) Create(_ context.Context, in service.CreatePlanInput) (*models.Plan, error) {
	f.created = append(f.created, in)
	return &models.Plan{ID: 2, Title: in.Title, DurationMonths: in.DurationMonths}, nil
}

func (f *fakePlans) Update(context.Context, int64, service.UpdatePlanInput) (*models.Plan, error) {
	return nil, service.ErrPlanNotFound
}

func (f *fakePlans) Delete(context.Context, int64) error { return nil }

type fakePayments struct{ payloads []string }

func (f *fakePayments) HandleYooKassaWebhook(_ context.Context, payload []byte, _ time.Time) error {
	f.payloads = append(f.payloads, string(payload))
	return nil
}

type fakeBot struct{ sent []int64 }

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg := c.(tgbotapi.MessageConfig)
	if msg.ChatID == 13 {
		return tgbotapi.Message{}, errors.New("blocked")
	}
	f.sent = append(f.sent, msg.ChatID)
	return tgbotapi.Message{}, nil
}

type fixture struct {
	srv      *Server
	subs     *fakeSubscriptions
	plans    *fakePlans
	payments *fakePayments
	bot      *fakeBot
}

func newFixture(campaignErr error) *fixture {
	ends := fixedNow.Add(-time.Hour)
	f := &fixture{
		subs:     &fakeSubscriptions{},
		plans:    &fakePlans{},
		payments: &fakePayments{},
		bot:      &fakeBot{},
	}
	f.srv = NewServer(":0", "admin", "secret", slog.New(slog.NewTextHandler(io.Discard, nil)), Deps{
		Users:         fakeUsers{ids: []int64{11, 12, 13}},
		Tiers:         fakeTiers{users: map[int64]*models.User{42: {TelegramID: 42, Tier: models.TierTrial, TrialEndsAt: &ends}}},
		Subscriptions: f.subs,
		Referrals:     fakeReferrals{},
		Campaigns:     fakeCampaigns{err: campaignErr},
		Plans:         f.plans,
		Payments:      f.payments,
		Bot:           f.bot,
	})
	f.srv.now = func() time.Time { return fixedNow }
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth {
		req.SetBasicAuth("admin", "secret")
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(nil)
	rec := f.do(t, http.MethodGet, "/users/42", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
}

func TestGetUser_ReportsEffectiveTier(t *testing.T) {
	f := newFixture(nil)
	rec := f.do(t, http.MethodGet, "/users/42", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "trial", body["stored_tier"])
	assert.Equal(t, "free", body["effective_tier"])

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/users/7", "", true).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/users/abc", "", true).Code)
}

func TestStartTrial_Validates(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(t, http.MethodPost, "/users/42/trial", `{"days":0}`, true)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Zero(t, f.subs.trialDays)

	rec = f.do(t, http.MethodPost, "/users/42/trial", `{"days":7}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, f.subs.trialDays)
	assert.Equal(t, true, decodeBody(t, rec)["started"])
}

func TestUpgradePremium(t *testing.T) {
	f := newFixture(nil)
	rec := f.do(t, http.MethodPost, "/users/42/premium", `{"months":12}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 12, f.subs.premiumMonth)
	assert.Equal(t, "premium", decodeBody(t, rec)["tier"])

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/users/42/premium", `{`, true).Code)
}

func TestRecordReferral(t *testing.T) {
	f := newFixture(nil)
	rec := f.do(t, http.MethodPost, "/users/42/referrals", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, 2.0, body["referral_count"])
	assert.Equal(t, true, body["unlocked"])
}

func TestDecaySweep(t *testing.T) {
	rec := newFixture(nil).do(t, http.MethodPost, "/campaigns/decay-sweep", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3.0, decodeBody(t, rec)["scanned"])

	rec = newFixture(errors.New("1 users failed")).do(t, http.MethodPost, "/campaigns/decay-sweep", "", true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1.0, decodeBody(t, rec)["downgraded"])
}

func TestPlans(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(t, http.MethodPost, "/plans/", `{"title":"Год","price_minor_units":299000,"duration_months":12}`, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, f.plans.created, 1)
	assert.Equal(t, 12, f.plans.created[0].DurationMonths)

	rec = f.do(t, http.MethodPost, "/plans/", `{"title":"","price_minor_units":0}`, true)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPut, "/plans/9", `{"title":"x"}`, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/plans/9", "", true).Code)
}

func TestBroadcast(t *testing.T) {
	f := newFixture(nil)
	rec := f.do(t, http.MethodPost, "/broadcast", `{"message":"hello"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, 2.0, body["sent"])
	assert.Equal(t, 3.0, body["total"])
	assert.Equal(t, []int64{11, 12}, f.bot.sent)

	assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, http.MethodPost, "/broadcast", `{"message":""}`, true).Code)
}

func TestYooKassaWebhookIsPublic(t *testing.T) {
	f := newFixture(nil)
	rec := f.do(t, http.MethodPost, "/webhook/yookassa", `{"event":"payment.succeeded"}`, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{`{"event":"payment.succeeded"}`}, f.payments.payloads)
}
