package service

import (
	"context"
	"log/slog"

	"github.com/midgarde/keygate/internal/identity/domain"
	"github.com/midgarde/keygate/internal/identity/event"
)

// WelcomeNotifier reacts to account creation by sending a welcome
// notification. Delivery is a structured log line for now; a mailer slots in
// here without touching the registration path.
type WelcomeNotifier struct {
	Logger *slog.Logger
}

// Register subscribes the notifier on the bus.
func (n *WelcomeNotifier) Register(bus *event.Bus) {
	bus.Subscribe(domain.EventAccountCreated, n.handleAccountCreated)
}

func (n *WelcomeNotifier) handleAccountCreated(ctx context.Context, e domain.Event) error {
	evt, ok := e.(domain.AccountCreated)
	if !ok {
		return nil
	}
	n.Logger.InfoContext(ctx, "welcome notification sent",
		slog.String("account_id", evt.AccountID),
		slog.String("email", evt.Email),
	)
	return nil
}
