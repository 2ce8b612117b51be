package dispatcher

import (
	"context"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/pkg/logger"
)

// LogNotifier пишет уведомления в лог. Для локальной разработки.
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier создает LogNotifier
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Send реализует Notifier
func (n *LogNotifier) Send(ctx context.Context, kind domain.SideEffectKind, subscriberID string, fields map[string]string) error {
	n.log.Infow("Notification", "kind", kind, "subscriberID", subscriberID, "context", fields)
	return nil
}
