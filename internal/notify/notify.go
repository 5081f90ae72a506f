// Package notify publishes advisory wallet events after a ledger commit.
// Events are UI hints only; nothing reads them back as a source of truth.
package notify

import (
	"context"
	"errors"
	"time"
)

const (
	EventCredited = "wallet.credited"
	EventDebited  = "wallet.debited"
	EventLocked   = "wallet.locked"
	EventUnlocked = "wallet.unlocked"
	EventSettled  = "wallet.settled"
)

type Event struct {
	Type          string    `json:"type"`
	UserID        string    `json:"user_id"`
	TransactionID uint64    `json:"transaction_id"`
	TxType        string    `json:"tx_type"`
	Amount        int64     `json:"amount"`
	Balance       int64     `json:"balance"`
	Locked        int64     `json:"locked"`
	Available     int64     `json:"available"`
	At            time.Time `json:"at"`
}

// Publisher defines the interface for pushing events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout publishes to every target and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
