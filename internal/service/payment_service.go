package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/digkill/FinBot/internal/config"
	"github.com/digkill/FinBot/internal/models"
	"github.com/digkill/FinBot/internal/repository"
)

const yooKassaPaymentsURL = "https://api.yookassa.ru/v3/payments"

type PaymentService struct {
	cfg           config.Config
	log           *slog.Logger
	payments      PaymentStore
	users         PayerLookup
	plans         PlanCatalog
	subscriptions PremiumGranter
	notifier      Notifier
	client        *http.Client
}

func NewPaymentService(cfg config.Config, log *slog.Logger, payments PaymentStore, users PayerLookup, plans PlanCatalog, subscriptions PremiumGranter, notifier Notifier) *PaymentService {
	return &PaymentService{
		cfg:           cfg,
		log:           log,
		payments:      payments,
		users:         users,
		plans:         plans,
		subscriptions: subscriptions,
		notifier:      notifier,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SendInvoice sends payment link/invoice depending on configured provider.
func (s *PaymentService) SendInvoice(ctx context.Context, bot *tgbotapi.BotAPI, user *models.User, chatID int64) error {
	plan, err := s.plans.GetDefault(ctx)
	if err != nil {
		return fmt.Errorf("get default plan: %w", err)
	}
	if plan == nil {
		return fmt.Errorf("no active plan configured")
	}

	switch strings.ToLower(s.cfg.PaymentProvider) {
	case "telegram", "":
		return s.sendTelegramInvoice(plan, bot, chatID)
	case "yookassa":
		return s.sendYooKassaPayment(ctx, plan, bot, user, chatID)
	default:
		return fmt.Errorf("unsupported payment provider: %s", s.cfg.PaymentProvider)
	}
}

func (s *PaymentService) sendTelegramInvoice(plan *models.Plan, bot *tgbotapi.BotAPI, chatID int64) error {
	prices := []tgbotapi.LabeledPrice{
		{
			Label:  fmt.Sprintf("Премиум на %d мес.", plan.DurationMonths),
			Amount: plan.PriceMinorUnits,
		},
	}

	payload, _ := json.Marshal(map[string]any{
		"plan_id": plan.ID,
	})

	description := plan.Description
	if description == "" {
		description = "Безлимитный доступ к финансовому ассистенту"
	}

	invoice := tgbotapi.NewInvoice(chatID,
		plan.Title,
		description,
		string(payload),
		s.cfg.TelegramPaymentProviderToken,
		"premium",
		plan.Currency,
		prices,
	)

	if _, err := bot.Send(invoice); err != nil {
		return fmt.Errorf("send invoice: %w", err)
	}
	return nil
}

func (s *PaymentService) sendYooKassaPayment(ctx context.Context, plan *models.Plan, bot *tgbotapi.BotAPI, user *models.User, chatID int64) error {
	payment, err := s.createYooKassaPayment(ctx, plan)
	if err != nil {
		return err
	}

	planID := plan.ID
	record := &models.Payment{
		UserID:         user.ID,
		PlanID:         &planID,
		Provider:       "yookassa",
		ProviderCharge: payment.ID,
		Currency:       plan.Currency,
		Amount:         plan.PriceMinorUnits,
		Status:         payment.Status,
		RawPayload:     string(jsonMustMarshal(payment)),
	}
	if err := s.payments.Create(ctx, record); err != nil {
		return fmt.Errorf("record payment: %w", err)
	}

	text := fmt.Sprintf("Оплата через ЮKassa:\nПлан: %s\nСумма: %.2f %s\nСсылка на оплату: %s\nПремиум включится автоматически после оплаты.",
		plan.Title, float64(plan.PriceMinorUnits)/100, plan.Currency, payment.Confirmation.URL)

	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("send payment link: %w", err)
	}
	return nil
}

func (s *PaymentService) HandlePreCheckout(bot *tgbotapi.BotAPI, query *tgbotapi.PreCheckoutQuery) error {
	response := tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: query.ID,
		OK:                 true,
	}
	if _, err := bot.Request(response); err != nil {
		return fmt.Errorf("answer pre-checkout: %w", err)
	}
	return nil
}

// HandleSuccessfulPayment records a Telegram payment and grants premium for
// the plan's duration. A repeated charge id is ignored.
func (s *PaymentService) HandleSuccessfulPayment(ctx context.Context, user *models.User, payment *tgbotapi.SuccessfulPayment, now time.Time) (*PremiumResult, error) {
	var payload struct {
		PlanID int64 `json:"plan_id"`
	}
	if err := json.Unmarshal([]byte(payment.InvoicePayload), &payload); err != nil {
		return nil, fmt.Errorf("parse payment payload: %w", err)
	}

	existing, err := s.payments.FindByProviderCharge(ctx, "telegram", payment.ProviderPaymentChargeID)
	if err != nil {
		return nil, fmt.Errorf("find payment: %w", err)
	}
	if existing != nil && existing.Status == repository.PaymentStatusPaid {
		s.log.Info("duplicate telegram payment ignored", "user", user.TelegramID, "charge", payment.ProviderPaymentChargeID)
		return nil, nil
	}

	plan, err := s.planFromPayload(ctx, payload.PlanID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, fmt.Errorf("no plan available for payment recording")
	}

	record := existing
	if record == nil {
		planID := plan.ID
		record = &models.Payment{
			UserID:         user.ID,
			PlanID:         &planID,
			Provider:       "telegram",
			ProviderCharge: payment.ProviderPaymentChargeID,
			Currency:       payment.Currency,
			Amount:         payment.TotalAmount,
			Status:         repository.PaymentStatusPending,
			RawPayload:     string(jsonMustMarshal(payment)),
		}
		if err := s.payments.Create(ctx, record); err != nil {
			return nil, fmt.Errorf("record payment: %w", err)
		}
	}

	res, err := s.subscriptions.UpgradeToPremium(ctx, user.TelegramID, plan.DurationMonths, now)
	if err != nil {
		return nil, err
	}
	if _, err := s.payments.MarkPaid(ctx, record.ID, record.RawPayload); err != nil {
		s.log.Error("premium granted but payment not marked paid", "payment", record.ID, "err", err)
	}
	return &res, nil
}

func (s *PaymentService) planFromPayload(ctx context.Context, planID int64) (*models.Plan, error) {
	var plan *models.Plan
	var err error
	if planID > 0 {
		plan, err = s.plans.GetByID(ctx, planID)
		if err != nil {
			return nil, fmt.Errorf("get plan: %w", err)
		}
	}
	if plan == nil {
		plan, err = s.plans.GetDefault(ctx)
		if err != nil {
			return nil, fmt.Errorf("fallback plan: %w", err)
		}
	}
	return plan, nil
}

type yooPaymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		Type string `json:"type"`
		URL  string `json:"confirmation_url"`
	} `json:"confirmation"`
	Amount struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

func (s *PaymentService) createYooKassaPayment(ctx context.Context, plan *models.Plan) (*yooPaymentResponse, error) {
	if s.cfg.YooKassaShopID == "" || s.cfg.YooKassaSecretKey == "" {
		return nil, fmt.Errorf("yookassa credentials are not configured")
	}

	value := fmt.Sprintf("%.2f", float64(plan.PriceMinorUnits)/100)
	returnURL := s.cfg.YooKassaReturnURL
	if returnURL == "" {
		returnURL = "https://t.me"
	}

	payload := map[string]any{
		"amount": map[string]string{
			"value":    value,
			"currency": plan.Currency,
		},
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": returnURL,
		},
		"capture":     true,
		"description": fmt.Sprintf("%s (%d мес.)", plan.Title, plan.DurationMonths),
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, yooKassaPaymentsURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("build yookassa request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", uuid.NewString())
	req.SetBasicAuth(s.cfg.YooKassaShopID, s.cfg.YooKassaSecretKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yookassa request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("yookassa returned status %d", resp.StatusCode)
	}

	var parsed yooPaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode yookassa response: %w", err)
	}
	if parsed.ID == "" || parsed.Confirmation.URL == "" {
		return nil, fmt.Errorf("invalid yookassa response (missing id or confirmation url)")
	}
	if parsed.Status == "" {
		parsed.Status = repository.PaymentStatusPending
	}
	return &parsed, nil
}

// HandleYooKassaWebhook processes payment status updates and grants premium
// on success. Redelivered events for a paid payment are no-ops.
func (s *PaymentService) HandleYooKassaWebhook(ctx context.Context, payload []byte, now time.Time) error {
	var evt struct {
		Event  string `json:"event"`
		Object struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"object"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return fmt.Errorf("parse webhook: %w", err)
	}
	if evt.Object.ID == "" {
		return fmt.Errorf("webhook missing payment id")
	}

	pmt, err := s.payments.FindByProviderCharge(ctx, "yookassa", evt.Object.ID)
	if err != nil {
		return fmt.Errorf("find payment: %w", err)
	}
	if pmt == nil {
		return fmt.Errorf("payment not found for id=%s", evt.Object.ID)
	}
	if pmt.Status == repository.PaymentStatusPaid {
		return nil
	}

	if evt.Object.Status != "succeeded" {
		if err := s.payments.UpdateStatus(ctx, pmt.ID, evt.Object.Status, string(payload)); err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}
		return nil
	}

	if pmt.PlanID == nil {
		return fmt.Errorf("payment missing plan_id")
	}
	plan, err := s.plans.GetByID(ctx, *pmt.PlanID)
	if err != nil {
		return fmt.Errorf("get plan: %w", err)
	}
	if plan == nil {
		return ErrPlanNotFound
	}
	user, err := s.users.GetByID(ctx, pmt.UserID)
	if err != nil {
		return fmt.Errorf("get payer: %w", err)
	}

	claimed, err := s.payments.MarkPaid(ctx, pmt.ID, string(payload))
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	res, err := s.subscriptions.UpgradeToPremium(ctx, user.TelegramID, plan.DurationMonths, now)
	if err != nil {
		if revertErr := s.payments.UpdateStatus(context.WithoutCancel(ctx), pmt.ID, repository.PaymentStatusPending, string(payload)); revertErr != nil {
			s.log.Error("failed to revert payment status", "payment", pmt.ID, "err", revertErr)
		}
		return err
	}

	if s.notifier != nil {
		err := s.notifier.Notify(ctx, models.Notification{
			Kind:       models.NotifyPremiumActivated,
			TelegramID: user.TelegramID,
			Tier:       models.TierPremium,
			ExpiresAt:  res.User.PremiumExpiresAt,
			CreatedAt:  now,
		})
		if err != nil {
			s.log.Warn("premium activation notice failed", "user", user.TelegramID, "err", err)
		}
	}
	return nil
}

func jsonMustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
