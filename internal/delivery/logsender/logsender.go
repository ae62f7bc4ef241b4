// Package logsender provides a development delivery client that records
// sends in the log instead of calling a provider.
package logsender

import (
	"context"

	"github.com/jwalitptl/notification-engine/internal/delivery"
	"github.com/jwalitptl/notification-engine/internal/model"
	"github.com/jwalitptl/notification-engine/pkg/logger"
	"github.com/jwalitptl/notification-engine/pkg/security"
)

type Sender struct {
	logger *logger.Logger
}

func New(logger *logger.Logger) *Sender {
	return &Sender{logger: logger}
}

func (s *Sender) Send(ctx context.Context, recipient model.ResolvedRecipient, msg delivery.Message) error {
	if err := ctx.Err(); err != nil {
		return delivery.Transient("context done", err)
	}
	s.logger.Info("Delivered notification",
		"channel", string(recipient.Channel),
		"address", security.Fingerprint(recipient.Address),
		"title", msg.Title)
	return nil
}
