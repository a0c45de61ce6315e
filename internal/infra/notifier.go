package infra

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/hourkeeper/hourkeeper/internal/domain"
)

// LogNotifier delivers denial notifications into the structured log.
// Desktop or messenger delivery can replace it behind the same
// interface.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier writing to the given logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs one consolidated message per user with all reasons.
func (n *LogNotifier) Notify(ctx context.Context, username string, reasons []domain.Reason) error {
	messages := make([]string, 0, len(reasons))
	for _, r := range reasons {
		messages = append(messages, RenderReason(r))
	}
	n.logger.Info("user notification",
		zap.String("username", username),
		zap.String("message", strings.Join(messages, "; ")))
	return nil
}

// RenderReason substitutes the reason's arguments into its template.
func RenderReason(r domain.Reason) string {
	msg := r.Kind.Template()
	for key, value := range r.Args {
		msg = strings.ReplaceAll(msg, "{"+key+"}", value)
	}
	return msg
}

// Ensure LogNotifier implements domain.Notifier.
var _ domain.Notifier = (*LogNotifier)(nil)
