package domain

import "time"

// Event is an immutable record of something that happened to an aggregate.
// Events carry values, not live references; a handler cannot mutate the
// aggregate that raised the event.
type Event interface {
	EventName() string
	OccurredOn() time.Time
}

// EventAccountCreated is the name key for AccountCreated events.
const EventAccountCreated = "account.created"

// AccountCreated is published after a new account has been persisted.
type AccountCreated struct {
	AccountID string
	Email     string
	At        time.Time
}

func (e AccountCreated) EventName() string     { return EventAccountCreated }
func (e AccountCreated) OccurredOn() time.Time { return e.At }
