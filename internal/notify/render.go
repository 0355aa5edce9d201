package notify

import (
	"fmt"
	"time"

	"github.com/digkill/FinBot/internal/models"
)

// Render turns a notification into the Russian chat text the bot sends.
func Render(n models.Notification, loc *time.Location) (string, error) {
	switch n.Kind {
	case models.NotifyWowMoment:
		if n.Value == nil {
			return "", fmt.Errorf("wow moment without value report")
		}
		return fmt.Sprintf("🎉 Первые итоги!\n\nЗа %d дн. вы отправили %d сообщений и сэкономили около %.1f ч.\n"+
			"Это примерно %.0f ₽ вашего времени при стоимости подписки %.0f ₽.\nВыгода: %.0f ₽ (ROI %.0f%%).",
			n.Value.Days, n.Value.Messages, n.Value.HoursSaved, n.Value.Value, n.Value.Cost, n.Value.Profit, n.Value.ROIPercent), nil

	case models.NotifyTrialReminder:
		text := fmt.Sprintf("⏳ Пробный период закончится через %d дн.", max(n.DaysLeft, 1))
		if n.TrialEndsAt != nil {
			text += fmt.Sprintf(" (%s)", formatDate(*n.TrialEndsAt, loc))
		}
		if n.Value != nil {
			text += fmt.Sprintf("\n\nЗа это время ассистент сэкономил вам около %.1f ч, это ~%.0f ₽.", n.Value.HoursSaved, n.Value.Value)
		}
		return text + "\nСохраните безлимит: /buy", nil

	case models.NotifyTrialEnded:
		return "Пробный период завершён. Снова действует бесплатный дневной лимит.\nВернуть безлимит: /buy", nil

	case models.NotifySuperVIPWarning:
		return fmt.Sprintf("👋 Вас не было %d дн. Статус Super VIP сохранится ещё %d дн., загляните, чтобы не потерять его.",
			n.DaysInactive, max(n.DaysLeft, 0)), nil

	case models.NotifySuperVIPDowngrade:
		return fmt.Sprintf("Статус Super VIP снят после %d дн. без активности. Вы остаётесь VIP, а новые приглашения вернут статус.",
			n.DaysInactive), nil

	case models.NotifySuperVIPGranted:
		return fmt.Sprintf("🏆 По вашей ссылке пришли уже %d друзей. Вам присвоен статус Super VIP!", n.Referrals), nil

	case models.NotifyReferralUnlocked:
		return fmt.Sprintf("🔓 По вашей ссылке пришли %d друга. Дополнительные функции разблокированы!", n.Referrals), nil

	case models.NotifyMilestone:
		return fmt.Sprintf("🔥 %d дней подряд с финансовым ассистентом! Так держать.", n.Milestone), nil

	case models.NotifyQuotaLow:
		return fmt.Sprintf("На сегодня осталось сообщений: %d. Безлимит на пробный период: /trial, или пригласите друзей: /referral", n.Remaining), nil

	case models.NotifyPremiumActivated:
		if n.ExpiresAt == nil {
			return "✅ Премиум активирован.", nil
		}
		return fmt.Sprintf("✅ Премиум активирован до %s.", formatDate(*n.ExpiresAt, loc)), nil
	}
	return "", fmt.Errorf("unsupported notification kind %q", n.Kind)
}

func formatDate(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("02.01.2006")
}
