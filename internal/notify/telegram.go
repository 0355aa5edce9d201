// Package notify delivers lifecycle notifications to users.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sony/gobreaker/v2"

	"github.com/digkill/FinBot/internal/models"
)

// ErrUnavailable is returned while the breaker around Telegram is open.
var ErrUnavailable = errors.New("telegram temporarily unavailable")

type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Sender is the part of *tgbotapi.BotAPI used for delivery.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramNotifier struct {
	log     *slog.Logger
	sender  Sender
	loc     *time.Location
	breaker *gobreaker.CircuitBreaker[tgbotapi.Message]
}

func NewTelegramNotifier(log *slog.Logger, sender Sender, loc *time.Location) *TelegramNotifier {
	cb := gobreaker.NewCircuitBreaker[tgbotapi.Message](gobreaker.Settings{
		Name:        "telegram",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isRecipientError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &TelegramNotifier{log: log, sender: sender, loc: loc, breaker: cb}
}

// Notify renders n and sends it. A user who blocked the bot cannot be
// reached by retrying, so that case is logged and reported as delivered.
func (t *TelegramNotifier) Notify(_ context.Context, n models.Notification) error {
	text, err := Render(n, t.loc)
	if err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(n.TelegramID, text)

	_, err = t.breaker.Execute(func() (tgbotapi.Message, error) {
		return t.sender.Send(msg)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("send %s: %w", n.Kind, ErrUnavailable)
	case isRecipientError(err):
		t.log.Warn("recipient unreachable, dropping notification", "user", n.TelegramID, "kind", n.Kind, "err", err)
		return nil
	}
	return fmt.Errorf("send %s: %w", n.Kind, err)
}

func isRecipientError(err error) bool {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		return tgErr.Code == http.StatusForbidden || tgErr.Code == http.StatusBadRequest
	}
	return false
}
