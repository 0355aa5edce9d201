package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/digkill/FinBot/internal/models"
)

type Archive interface {
	Store(ctx context.Context, data []byte, at time.Time) (string, error)
}

// ArchivingNotifier stores every notification that next delivered. Archive
// failures never fail the delivery.
type ArchivingNotifier struct {
	log     *slog.Logger
	next    Notifier
	archive Archive
}

func NewArchivingNotifier(log *slog.Logger, next Notifier, archive Archive) *ArchivingNotifier {
	return &ArchivingNotifier{log: log, next: next, archive: archive}
}

func (a *ArchivingNotifier) Notify(ctx context.Context, n models.Notification) error {
	if err := a.next.Notify(ctx, n); err != nil {
		return err
	}

	data, err := json.Marshal(n)
	if err != nil {
		a.log.Warn("encode notification for archive", "user", n.TelegramID, "kind", n.Kind, "err", err)
		return nil
	}
	at := n.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	key, err := a.archive.Store(ctx, data, at)
	if err != nil {
		a.log.Warn("archive notification", "user", n.TelegramID, "kind", n.Kind, "err", err)
		return nil
	}
	a.log.Debug("notification archived", "user", n.TelegramID, "kind", n.Kind, "key", key)
	return nil
}
