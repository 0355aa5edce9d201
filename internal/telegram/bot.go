package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/FinBot/internal/assistant"
	"github.com/digkill/FinBot/internal/config"
	"github.com/digkill/FinBot/internal/models"
	"github.com/digkill/FinBot/internal/service"
)

const referralPrefix = "ref_"

// Assistant answers the user's finance messages.
type Assistant interface {
	Reply(ctx context.Context, user *models.User, history []assistant.Message, text string) (string, error)
}

// Services groups the domain services the bot dispatches to.
type Services struct {
	Users         *service.UserService
	Tiers         *service.TierResolver
	Limiter       *service.UsageLimiter
	Activity      *service.ActivityService
	Subscriptions *service.SubscriptionService
	Payments      *service.PaymentService
	Notifier      service.Notifier
}

type Bot struct {
	cfg       config.Config
	api       *tgbotapi.BotAPI
	log       *slog.Logger
	svc       Services
	assistant Assistant
	history   *HistoryManager
	now       func() time.Time
}

func NewBot(cfg config.Config, api *tgbotapi.BotAPI, log *slog.Logger, svc Services, asst Assistant) *Bot {
	return &Bot{
		cfg:       cfg,
		api:       api,
		log:       log,
		svc:       svc,
		assistant: asst,
		history:   NewHistoryManager(),
		now:       time.Now,
	}
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started", "username", b.api.Self.UserName)

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
			} else if update.PreCheckoutQuery != nil {
				if err := b.svc.Payments.HandlePreCheckout(b.api, update.PreCheckoutQuery); err != nil {
					b.log.Error("pre-checkout failed", "err", err)
				}
			}
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.SuccessfulPayment != nil {
		b.handleSuccessfulPayment(ctx, msg)
		return
	}
	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}
	if strings.TrimSpace(msg.Text) == "" {
		b.sendText(msg.Chat.ID, "Я понимаю только текст. Напишите, например: «кофе 250».")
		return
	}
	b.handleText(ctx, msg)
}

func (b *Bot) handleSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) {
	user, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user payment", "err", err)
		return
	}
	res, err := b.svc.Payments.HandleSuccessfulPayment(ctx, user, msg.SuccessfulPayment, b.now())
	if err != nil {
		b.log.Error("process successful payment", "user", user.TelegramID, "err", err)
		b.sendText(msg.Chat.ID, "Оплата получена, но премиум пока не включился. Мы уже разбираемся.")
		return
	}
	if res == nil {
		return
	}
	b.notify(ctx, models.Notification{
		Kind:       models.NotifyPremiumActivated,
		TelegramID: user.TelegramID,
		Tier:       models.TierPremium,
		ExpiresAt:  res.User.PremiumExpiresAt,
		CreatedAt:  b.now(),
	})
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		b.handleStart(ctx, msg)
	case "trial":
		b.handleTrial(ctx, msg)
	case "status":
		b.handleStatus(ctx, msg)
	case "referral":
		b.handleReferral(ctx, msg)
	case "buy":
		user, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
		if err != nil {
			b.log.Error("ensure user buy", "err", err)
			return
		}
		if err := b.svc.Payments.SendInvoice(ctx, b.api, user, msg.Chat.ID); err != nil {
			b.log.Error("send invoice", "err", err)
			b.sendText(msg.Chat.ID, "Не удалось отправить счет. Попробуйте позже.")
		}
	case "reset":
		b.history.Reset(msg.Chat.ID)
		b.sendText(msg.Chat.ID, "Контекст разговора очищен.")
	default:
		b.sendText(msg.Chat.ID, "Неизвестная команда. Список команд: /start")
	}
}

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	from := msg.From
	telegramID := msg.Chat.ID
	var username, firstName, lastName string
	if from != nil {
		telegramID = from.ID
		username, firstName, lastName = from.UserName, from.FirstName, from.LastName
	}

	referrerID := parseReferrer(msg.CommandArguments())
	user, created, err := b.svc.Users.Register(ctx, telegramID, username, firstName, lastName, referrerID, b.now())
	if err != nil {
		if user == nil {
			b.log.Error("register user", "err", err)
			b.sendText(msg.Chat.ID, "Сервис временно недоступен, попробуйте позже.")
			return
		}
		b.log.Warn("referral not recorded", "user", telegramID, "referrer", referrerID, "err", err)
	}
	if created {
		b.log.Info("user registered", "user", telegramID, "referrer", referrerID)
	}

	text := fmt.Sprintf(
		"Привет, %s!\n\nЯ финансовый ассистент: пишите траты и доходы обычным текстом, а я помогу вести учёт.\n"+
			"Бесплатно доступно %d сообщений в день.\n\nКоманды:\n/trial — пробный безлимит на %d дн.\n"+
			"/status — ваш тариф и лимиты\n/referral — пригласить друзей\n/buy — оформить премиум\n/reset — очистить контекст",
		user.FirstName, b.cfg.FreeDailyMessages, b.cfg.TrialDurationDays,
	)
	b.sendText(msg.Chat.ID, text)
}

func (b *Bot) handleTrial(ctx context.Context, msg *tgbotapi.Message) {
	user, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user trial", "err", err)
		return
	}
	res, err := b.svc.Subscriptions.StartTrial(ctx, user.TelegramID, b.cfg.TrialDurationDays, b.now())
	if err != nil {
		b.log.Error("start trial", "user", user.TelegramID, "err", err)
		b.sendText(msg.Chat.ID, "Не удалось запустить пробный период, попробуйте позже.")
		return
	}
	b.sendText(msg.Chat.ID, trialText(res, b.cfg.Location))
}

func (b *Bot) handleStatus(ctx context.Context, msg *tgbotapi.Message) {
	user, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user status", "err", err)
		return
	}
	now := b.now()
	decision, err := b.svc.Limiter.CanSend(ctx, user.TelegramID, now)
	if err != nil {
		b.log.Error("check quota", "user", user.TelegramID, "err", err)
		b.sendText(msg.Chat.ID, "Сервис временно недоступен, попробуйте позже.")
		return
	}
	fresh, _, err := b.svc.Tiers.ResolveByID(ctx, user.TelegramID, now)
	if err != nil {
		b.log.Error("resolve tier", "user", user.TelegramID, "err", err)
		fresh = user
	}
	b.sendText(msg.Chat.ID, statusText(fresh, decision, b.cfg.Location))
}

func (b *Bot) handleReferral(ctx context.Context, msg *tgbotapi.Message) {
	user, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user referral", "err", err)
		return
	}
	link := referralLink(b.api.Self.UserName, user.TelegramID)
	text := fmt.Sprintf(
		"Ваша ссылка для друзей:\n%s\n\nПриглашено: %d. %d друга открывают дополнительные функции, %d — статус Super VIP.",
		link, user.ReferralCount, b.cfg.ReferralUnlockThreshold, b.cfg.SuperVIPReferralThreshold,
	)
	b.sendText(msg.Chat.ID, text)
}

func (b *Bot) handleText(ctx context.Context, msg *tgbotapi.Message) {
	user, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user text", "err", err)
		return
	}
	now := b.now()

	if _, err := b.svc.Activity.RecordActivity(ctx, user.TelegramID, now); err != nil {
		b.log.Warn("record activity", "user", user.TelegramID, "err", err)
	}

	decision, err := b.svc.Limiter.Consume(ctx, user.TelegramID, now)
	if err != nil {
		b.log.Error("consume quota", "user", user.TelegramID, "err", err)
	}
	if !decision.Allowed {
		b.sendText(msg.Chat.ID, denialText(decision, b.cfg.FreeDailyMessages))
		return
	}
	if decision.LowNotice {
		b.notify(ctx, models.Notification{
			Kind:       models.NotifyQuotaLow,
			TelegramID: user.TelegramID,
			Tier:       decision.Tier,
			Remaining:  decision.Remaining,
			CreatedAt:  now,
		})
	}

	reply, err := b.assistant.Reply(ctx, user, b.history.Get(msg.Chat.ID), msg.Text)
	switch {
	case errors.Is(err, assistant.ErrNotConfigured):
		b.sendText(msg.Chat.ID, "Записал. Разбор сообщений скоро появится.")
		return
	case err != nil:
		b.log.Error("assistant reply", "user", user.TelegramID, "err", err)
		b.sendText(msg.Chat.ID, "Не удалось обработать сообщение, попробуйте позже.")
		return
	}
	b.history.Append(msg.Chat.ID, msg.Text, reply)
	b.sendText(msg.Chat.ID, reply)
}

func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User, chatID int64) (*models.User, error) {
	telegramID := chatID
	var username, firstName, lastName string
	if from != nil {
		telegramID = from.ID
		username, firstName, lastName = from.UserName, from.FirstName, from.LastName
	}
	user, _, err := b.svc.Users.Ensure(ctx, telegramID, username, firstName, lastName)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (b *Bot) notify(ctx context.Context, n models.Notification) {
	if b.svc.Notifier == nil {
		return
	}
	if err := b.svc.Notifier.Notify(ctx, n); err != nil {
		b.log.Warn("notification not delivered", "user", n.TelegramID, "kind", n.Kind, "err", err)
	}
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send text", "err", err)
	}
}

// parseReferrer extracts the referrer's Telegram id from a /start payload of
// the form ref_<id>. Anything else yields zero.
func parseReferrer(payload string) int64 {
	payload = strings.TrimSpace(payload)
	if !strings.HasPrefix(payload, referralPrefix) {
		return 0
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(payload, referralPrefix), 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

func referralLink(botUsername string, telegramID int64) string {
	return fmt.Sprintf("https://t.me/%s?start=%s%d", botUsername, referralPrefix, telegramID)
}

func denialText(d service.Decision, dailyLimit int) string {
	if d.Reason == service.ReasonStoreUnavailable {
		return "Сервис временно недоступен, попробуйте позже."
	}
	return fmt.Sprintf(
		"Дневной лимит в %d сообщений исчерпан. Он обновится завтра.\n\n"+
			"Безлимит на пробный период: /trial\nПригласите друзей и откройте больше возможностей: /referral\nПремиум: /buy",
		dailyLimit,
	)
}

func trialText(res service.TrialResult, loc *time.Location) string {
	if res.AlreadyElevated {
		if res.Tier == models.TierPremium {
			return "У вас уже активен премиум, пробный период не нужен."
		}
		return fmt.Sprintf("Пробный период уже идёт%s.", untilSuffix(res.User.TrialEndsAt, loc))
	}
	return fmt.Sprintf("🚀 Пробный период активирован%s. Пишите без ограничений!", untilSuffix(res.User.TrialEndsAt, loc))
}

func statusText(u *models.User, d service.Decision, loc *time.Location) string {
	var sb strings.Builder
	switch d.Tier {
	case models.TierPremium:
		sb.WriteString("Тариф: премиум" + untilSuffix(u.PremiumExpiresAt, loc))
	case models.TierTrial:
		sb.WriteString("Тариф: пробный период" + untilSuffix(u.TrialEndsAt, loc))
	default:
		sb.WriteString("Тариф: бесплатный")
	}
	sb.WriteString("\n")
	if d.Remaining == service.Unlimited {
		sb.WriteString("Сообщения: без ограничений\n")
	} else {
		fmt.Fprintf(&sb, "Осталось сообщений сегодня: %d\n", d.Remaining)
	}

	switch u.VIPStatus() {
	case models.VIPStatusSuperVIP:
		sb.WriteString("Статус: Super VIP 🏆\n")
	case models.VIPStatusVIP:
		sb.WriteString("Статус: VIP\n")
	default:
		sb.WriteString("Статус: базовый\n")
	}
	fmt.Fprintf(&sb, "Приглашено друзей: %d\nСерия: %d дн.", u.ReferralCount, u.StreakDays)
	return sb.String()
}

func untilSuffix(t *time.Time, loc *time.Location) string {
	if t == nil {
		return ""
	}
	if loc == nil {
		loc = time.UTC
	}
	return " до " + t.In(loc).Format("02.01.2006 15:04")
}
