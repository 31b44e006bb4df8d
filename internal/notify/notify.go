// Package notify shows and dismisses the user-facing "recording" notice.
// Delivery is best-effort: callers log failures and carry on.
package notify

import (
	"context"
	"log"
)

// Notification is a user-facing notice.
type Notification struct {
	ID    string
	Title string
	Body  string
}

// Notifier shows and dismisses notifications.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Dismiss(ctx context.Context, id string) error
}

// LogNotifier writes notifications to the standard logger.
type LogNotifier struct{}

func (LogNotifier) Show(ctx context.Context, n Notification) error {
	log.Printf("notify: show %s: %s: %s", n.ID, n.Title, n.Body)
	return nil
}

func (LogNotifier) Dismiss(ctx context.Context, id string) error {
	log.Printf("notify: dismiss %s", id)
	return nil
}
