package telegram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/digkill/FinBot/internal/assistant"
	"github.com/digkill/FinBot/internal/models"
	"github.com/digkill/FinBot/internal/service"
)

func TestParseReferrer(t *testing.T) {
	assert.Equal(t, int64(12345), parseReferrer("ref_12345"))
	assert.Equal(t, int64(12345), parseReferrer(" ref_12345 "))
	assert.Zero(t, parseReferrer(""))
	assert.Zero(t, parseReferrer("12345"))
	assert.Zero(t, parseReferrer("ref_abc"))
	assert.Zero(t, parseReferrer("ref_-4"))
}

func TestReferralLink(t *testing.T) {
	assert.Equal(t, "https://t.me/finbot?start=ref_42", referralLink("finbot", 42))
	assert.Equal(t, int64(42), parseReferrer("ref_42"))
}

func TestDenialText(t *testing.T) {
	text := denialText(service.Decision{Reason: service.ReasonQuotaExceeded}, 5)
	assert.Contains(t, text, "5 сообщений")
	assert.Contains(t, text, "/trial")
	assert.Contains(t, text, "/referral")

	text = denialText(service.Decision{Reason: service.ReasonStoreUnavailable}, 5)
	assert.NotContains(t, text, "/trial")
}

func TestStatusText(t *testing.T) {
	ends := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	since := ends.Add(-48 * time.Hour)
	u := &models.User{
		Tier:          models.TierTrial,
		TrialEndsAt:   &ends,
		ReferralCount: 5,
		IsUnlocked:    true,
		SuperVIPSince: &since,
		StreakDays:    3,
	}
	text := statusText(u, service.Decision{Allowed: true, Tier: models.TierTrial, Remaining: service.Unlimited}, time.UTC)
	assert.Contains(t, text, "пробный период до 01.05.2026 12:00")
	assert.Contains(t, text, "без ограничений")
	assert.Contains(t, text, "Super VIP")
	assert.Contains(t, text, "Серия: 3 дн.")

	text = statusText(&models.User{Tier: models.TierFree}, service.Decision{Allowed: true, Tier: models.TierFree, Remaining: 2}, time.UTC)
	assert.Contains(t, text, "бесплатный")
	assert.Contains(t, text, "Осталось сообщений сегодня: 2")
	assert.Contains(t, text, "базовый")
}

func TestTrialText(t *testing.T) {
	ends := time.Date(2026, 5, 8, 9, 0, 0, 0, time.UTC)
	started := trialText(service.TrialResult{Started: true, Tier: models.TierTrial, User: &models.User{TrialEndsAt: &ends}}, time.UTC)
	assert.Contains(t, started, "активирован до 08.05.2026")

	premium := trialText(service.TrialResult{AlreadyElevated: true, Tier: models.TierPremium, User: &models.User{}}, time.UTC)
	assert.Contains(t, premium, "премиум")
}

func TestHistoryManager(t *testing.T) {
	m := NewHistoryManager()
	for i := 0; i < maxHistoryTurns+3; i++ {
		m.Append(1, "q", "a")
	}
	turns := m.Get(1)
	assert.Len(t, turns, maxHistoryTurns*2)
	assert.Equal(t, assistant.RoleUser, turns[0].Role)
	assert.Equal(t, assistant.RoleAssistant, turns[1].Role)
	assert.Empty(t, m.Get(2))

	turns[0].Content = "mutated"
	assert.Equal(t, "q", m.Get(1)[0].Content)

	m.Reset(1)
	assert.Empty(t, m.Get(1))
}
