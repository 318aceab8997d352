package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/podushkina/newswatch/internal/mail"
	"github.com/podushkina/newswatch/internal/news"
	"github.com/podushkina/newswatch/internal/task"
)

var errNoMailer = errors.New("no mail transport configured")

// Notification is the send_notification payload. Single-item notifications
// carry Item; digests carry Items.
type Notification struct {
	Kind       mail.Kind   `json:"kind,omitempty"`
	Item       *news.Item  `json:"item,omitempty"`
	Items      []news.Item `json:"items,omitempty"`
	Recipients []string    `json:"recipients,omitempty"`
}

// Notify renders and delivers one notification. A template failure falls
// back to the plain layout; a delivery failure is returned so the task is
// retried.
func (h *Handlers) Notify(ctx context.Context, env *task.Envelope) (task.Result, error) {
	var n Notification
	if err := env.Bind(&n); err != nil {
		return task.Result{}, err
	}
	if n.Kind == "" {
		n.Kind = mail.KindSingleItem
	}
	if !n.Kind.Valid() {
		return task.Result{}, task.Permanent(fmt.Errorf("unknown notification kind %q", n.Kind))
	}

	items := n.Items
	if n.Item != nil {
		items = append([]news.Item{*n.Item}, items...)
	}
	recipients := n.Recipients
	if len(recipients) == 0 {
		recipients = h.cfg.DefaultRecipients
	}
	if len(recipients) == 0 {
		return task.Result{}, task.Permanent(errors.New("notification has no recipients"))
	}
	if h.mailer == nil {
		return task.Result{}, task.Permanent(errNoMailer)
	}

	logger := h.log(env).With("kind", n.Kind, "recipients", len(recipients))

	body, err := h.renderer.Render(n.Kind, items)
	if err != nil {
		logger.Error("template render failed, using plain layout", "error", err)
		body = h.renderer.Fallback(n.Kind, items)
	}
	subject := h.renderer.Subject(n.Kind, items)

	ok, err := h.mailer.Deliver(ctx, recipients, subject, body)
	if err != nil {
		return task.Result{}, fmt.Errorf("deliver notification: %w", err)
	}
	if !ok {
		return task.Result{}, errors.New("deliver notification: refused by transport")
	}

	logger.Info("notification sent", "subject", subject)
	return task.Result{Value: true}, nil
}
