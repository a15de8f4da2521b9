// Package lognotify writes notifications to the structured log.
package lognotify

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/convograph-crawler/internal/crawler"
)

// Notifier logs every notification at warn level.
type Notifier struct {
	logger *zap.Logger
}

// New builds a Notifier.
func New(logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{logger: logger}
}

// Notify implements crawler.Notifier. It never fails.
func (n *Notifier) Notify(_ context.Context, msg crawler.Notification) error {
	n.logger.Warn("notification",
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
		zap.Time("at", msg.At))
	return nil
}
