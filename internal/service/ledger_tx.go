package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/arenaplay/wallet-ledger/internal/model"
	"github.com/arenaplay/wallet-ledger/internal/notify"
	"github.com/arenaplay/wallet-ledger/internal/repo"
	"gorm.io/gorm"
)

var (
	creditTypes = map[model.TxType]bool{
		model.TxDeposit: true, model.TxRefund: true, model.TxPayout: true, model.TxAdjustment: true,
	}
	debitTypes = map[model.TxType]bool{
		model.TxWithdrawal: true, model.TxPayout: true, model.TxAdjustment: true,
	}
)

// LedgerTx is a ledger bound to one open database transaction. It is only
// valid inside the callback passed to Ledger.Atomically.
type LedgerTx struct {
	ctx     context.Context
	tx      *gorm.DB
	repo    repo.RepositoryInterface
	touched map[string]model.Wallet
	events  []notify.Event
}

// DB exposes the transaction handle so callers can write their own rows in
// the same unit of work. Wallet rows must only change through LedgerTx.
func (lt *LedgerTx) DB() *gorm.DB { return lt.tx }

// Credit increases balance by e.Amount.
func (lt *LedgerTx) Credit(e Entry) (*Result, error) {
	if err := validateEntry(e, creditTypes); err != nil {
		return nil, err
	}
	if err := lt.repo.EnsureWallet(lt.ctx, lt.tx, e.UserID); err != nil {
		return nil, err
	}
	w, err := lt.lockWallet(e.UserID)
	if err != nil {
		return nil, err
	}
	// Checked under the row lock so two deliveries of the same callback
	// cannot both miss.
	prev, err := lt.repo.FindByIdempotencyKey(lt.ctx, lt.tx, e.UserID, e.Type, e.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		if prev.Amount != e.Amount {
			return nil, fmt.Errorf("%w: idempotency key %q already used for amount %d", ErrInvalidState, e.IdempotencyKey, prev.Amount)
		}
		return &Result{Wallet: *w, Transaction: *prev, Replayed: true}, nil
	}
	if e.Amount > math.MaxInt64-w.Balance {
		return nil, fmt.Errorf("%w: credit of %d overflows balance %d", ErrInvalidState, e.Amount, w.Balance)
	}
	return lt.apply(w, e, w.Balance+e.Amount, w.Locked, notify.EventCredited)
}

// Debit decreases balance by e.Amount, which must fit in the available balance.
func (lt *LedgerTx) Debit(e Entry) (*Result, error) {
	if err := validateEntry(e, debitTypes); err != nil {
		return nil, err
	}
	w, err := lt.lockWallet(e.UserID)
	if err != nil {
		return nil, err
	}
	if e.Amount > w.Available() {
		return nil, fmt.Errorf("%w: debit %d exceeds available %d", ErrInsufficientFunds, e.Amount, w.Available())
	}
	return lt.apply(w, e, w.Balance-e.Amount, w.Locked, notify.EventDebited)
}

// Lock moves amount from available into locked.
func (lt *LedgerTx) Lock(userID string, amount int64, meta model.Metadata) (*Result, error) {
	e := Entry{UserID: userID, Amount: amount, Type: model.TxLock, Description: "funds locked", Metadata: meta}
	if err := validateEntry(e, nil); err != nil {
		return nil, err
	}
	w, err := lt.lockWallet(userID)
	if err != nil {
		return nil, err
	}
	if amount > w.Available() {
		return nil, fmt.Errorf("%w: lock %d exceeds available %d", ErrInsufficientFunds, amount, w.Available())
	}
	return lt.apply(w, e, w.Balance, w.Locked+amount, notify.EventLocked)
}

// Unlock moves amount from locked back to available.
func (lt *LedgerTx) Unlock(userID string, amount int64, meta model.Metadata) (*Result, error) {
	e := Entry{UserID: userID, Amount: amount, Type: model.TxUnlock, Description: "funds unlocked", Metadata: meta}
	if err := validateEntry(e, nil); err != nil {
		return nil, err
	}
	w, err := lt.lockWallet(userID)
	if err != nil {
		return nil, err
	}
	if amount > w.Locked {
		return nil, fmt.Errorf("%w: unlock %d exceeds locked %d", ErrInvalidState, amount, w.Locked)
	}
	return lt.apply(w, e, w.Balance, w.Locked-amount, notify.EventUnlocked)
}

// Settle takes amount out of both balance and locked: the funds leave the
// platform.
func (lt *LedgerTx) Settle(userID string, amount int64, meta model.Metadata) (*Result, error) {
	e := Entry{UserID: userID, Amount: amount, Type: model.TxWithdrawal, Description: "withdrawal settled", Metadata: meta}
	if err := validateEntry(e, nil); err != nil {
		return nil, err
	}
	w, err := lt.lockWallet(userID)
	if err != nil {
		return nil, err
	}
	if amount > w.Locked {
		return nil, fmt.Errorf("%w: settle %d exceeds locked %d", ErrInvalidState, amount, w.Locked)
	}
	return lt.apply(w, e, w.Balance-amount, w.Locked-amount, notify.EventSettled)
}

func (lt *LedgerTx) lockWallet(userID string) (*model.Wallet, error) {
	w, err := lt.repo.GetWalletForUpdate(lt.ctx, lt.tx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: wallet for user %s", ErrNotFound, userID)
		}
		return nil, err
	}
	return w, nil
}

// apply writes the new balance/locked pair and the history entry.
func (lt *LedgerTx) apply(w *model.Wallet, e Entry, balance, locked int64, event string) (*Result, error) {
	if locked < 0 || locked > balance {
		return nil, fmt.Errorf("%w: balance %d locked %d", ErrInvalidState, balance, locked)
	}
	before := w.Balance
	if err := lt.repo.UpdateWallet(lt.ctx, lt.tx, w, balance, locked); err != nil {
		if errors.Is(err, repo.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: wallet for user %s", ErrConcurrentUpdate, w.UserID)
		}
		return nil, err
	}
	t := &model.Transaction{
		UserID:        w.UserID,
		Type:          e.Type,
		Amount:        e.Amount,
		BalanceBefore: before,
		BalanceAfter:  w.Balance,
		LockedAfter:   w.Locked,
		Description:   e.Description,
		Metadata:      e.Metadata,
	}
	if e.IdempotencyKey != "" {
		key := e.IdempotencyKey
		t.IdempotencyKey = &key
	}
	if err := lt.repo.CreateTransaction(lt.ctx, lt.tx, t); err != nil {
		return nil, err
	}

	lt.touched[w.UserID] = *w
	lt.events = append(lt.events, notify.Event{
		Type:          event,
		UserID:        w.UserID,
		TransactionID: t.ID,
		TxType:        string(t.Type),
		Amount:        t.Amount,
		Balance:       w.Balance,
		Locked:        w.Locked,
		Available:     w.Available(),
		At:            now(),
	})
	return &Result{Wallet: *w, Transaction: *t}, nil
}

// validateEntry rejects malformed input before any row is touched. A nil
// allowed set means the caller fixed the type itself.
func validateEntry(e Entry, allowed map[model.TxType]bool) error {
	if err := validateUser(e.UserID); err != nil {
		return err
	}
	if err := validateAmount(e.Amount); err != nil {
		return err
	}
	if allowed != nil && !allowed[e.Type] {
		return fmt.Errorf("%w: transaction type %q not allowed here", ErrValidation, e.Type)
	}
	if len(e.IdempotencyKey) > 64 {
		return fmt.Errorf("%w: idempotency key longer than 64 characters", ErrValidation)
	}
	return nil
}
