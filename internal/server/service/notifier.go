package service

import (
	"context"
	"log/slog"
)

// Notification tells a recipient that a file was shared with them. The
// link never carries the decryption key.
type Notification struct {
	UUID      string
	Sender    string
	Recipient string
	Link      string
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier records notifications in the server log instead of sending
// mail.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, n Notification) error {
	slog.InfoContext(ctx, "share notification",
		"uuid", n.UUID,
		"sender", n.Sender,
		"recipient", n.Recipient,
	)
	return nil
}
