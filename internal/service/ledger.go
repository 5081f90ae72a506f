package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/arenaplay/wallet-ledger/internal/model"
	"github.com/arenaplay/wallet-ledger/internal/notify"
	"github.com/arenaplay/wallet-ledger/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Ledger is the only component that mutates wallet rows. Every mutation runs
// in one database transaction that holds the wallet row lock across the
// read, the arithmetic, the versioned write and the history insert.
type Ledger struct {
	repo        repo.RepositoryInterface
	pub         notify.Publisher
	log         *zap.SugaredLogger
	defaultPage int
	maxPage     int
	// publishTimeout bounds all post-commit event delivery for one call.
	publishTimeout time.Duration
}

type LedgerOption func(*Ledger)

// WithPublisher sets where post-commit events go. Defaults to notify.Nop.
func WithPublisher(p notify.Publisher) LedgerOption {
	return func(l *Ledger) { l.pub = p }
}

// WithPublishTimeout caps how long a committed call may spend publishing
// its events before returning.
func WithPublishTimeout(d time.Duration) LedgerOption {
	return func(l *Ledger) {
		if d > 0 {
			l.publishTimeout = d
		}
	}
}

// WithPageSizes sets the history page size used when a filter has none, and
// the cap applied to requested sizes.
func WithPageSizes(def, max int) LedgerOption {
	return func(l *Ledger) {
		if def > 0 {
			l.defaultPage = def
		}
		if max > 0 {
			l.maxPage = max
		}
	}
}

// NewLedger returns Ledger.
func NewLedger(r repo.RepositoryInterface, logger *zap.SugaredLogger, opts ...LedgerOption) *Ledger {
	l := &Ledger{repo: r, pub: notify.Nop{}, log: logger, defaultPage: 20, maxPage: 100, publishTimeout: 2 * time.Second}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Entry describes a credit or debit.
type Entry struct {
	UserID      string
	Amount      int64
	Type        model.TxType
	Description string
	Metadata    model.Metadata
	// IdempotencyKey, when set on a credit, makes a repeated call with the
	// same (user, type, key) and amount return the first result untouched. A
	// reused key with a different amount is ErrInvalidState.
	IdempotencyKey string
}

// Result is the committed wallet state and the entry that produced it.
type Result struct {
	Wallet      model.Wallet
	Transaction model.Transaction
	// Replayed is set when an idempotent credit matched an earlier entry.
	Replayed bool
}

// Atomically runs fn in a single database transaction. Ledger operations made
// through the LedgerTx, and any rows fn writes through LedgerTx.DB, commit or
// roll back together. Cache refresh and event publishing happen only after a
// successful commit and never change the outcome.
func (l *Ledger) Atomically(ctx context.Context, fn func(lt *LedgerTx) error) error {
	lt := &LedgerTx{ctx: ctx, repo: l.repo, touched: map[string]model.Wallet{}}
	err := l.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		lt.tx = tx
		return fn(lt)
	})
	if err != nil {
		return err
	}
	l.afterCommit(ctx, lt)
	return nil
}

// afterCommit evicts cached snapshots of the touched wallets and publishes
// the events. The next Snapshot refills the cache from storage.
func (l *Ledger) afterCommit(ctx context.Context, lt *LedgerTx) {
	for userID := range lt.touched {
		if err := l.repo.EvictWallet(ctx, userID); err != nil {
			l.log.Warnw("evict cached wallet", "user_id", userID, "err", err)
		}
	}
	if len(lt.events) == 0 {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.publishTimeout)
	defer cancel()
	for _, evt := range lt.events {
		if err := l.pub.Publish(pctx, evt); err != nil {
			l.log.Warnw("publish wallet event", "type", evt.Type, "user_id", evt.UserID, "err", err)
		}
	}
}

// OpenWallet creates the user's wallet with zero balance if it does not exist
// yet and returns it. Safe to call repeatedly and concurrently.
func (l *Ledger) OpenWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	var w *model.Wallet
	err := l.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := l.repo.EnsureWallet(ctx, tx, userID); err != nil {
			return err
		}
		var err error
		w, err = l.repo.GetWallet(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Credit adds funds, creating the wallet first if needed.
func (l *Ledger) Credit(ctx context.Context, e Entry) (*Result, error) {
	var res *Result
	err := l.Atomically(ctx, func(lt *LedgerTx) error {
		var err error
		res, err = lt.Credit(e)
		return err
	})
	return res, err
}

// Debit removes available funds.
func (l *Ledger) Debit(ctx context.Context, e Entry) (*Result, error) {
	var res *Result
	err := l.Atomically(ctx, func(lt *LedgerTx) error {
		var err error
		res, err = lt.Debit(e)
		return err
	})
	return res, err
}

// Lock earmarks available funds; the balance is unchanged.
func (l *Ledger) Lock(ctx context.Context, userID string, amount int64, meta model.Metadata) (*Result, error) {
	var res *Result
	err := l.Atomically(ctx, func(lt *LedgerTx) error {
		var err error
		res, err = lt.Lock(userID, amount, meta)
		return err
	})
	return res, err
}

// Unlock returns locked funds to the available pool.
func (l *Ledger) Unlock(ctx context.Context, userID string, amount int64, meta model.Metadata) (*Result, error) {
	var res *Result
	err := l.Atomically(ctx, func(lt *LedgerTx) error {
		var err error
		res, err = lt.Unlock(userID, amount, meta)
		return err
	})
	return res, err
}

// Settle removes previously locked funds from both balance and locked.
func (l *Ledger) Settle(ctx context.Context, userID string, amount int64, meta model.Metadata) (*Result, error) {
	var res *Result
	err := l.Atomically(ctx, func(lt *LedgerTx) error {
		var err error
		res, err = lt.Settle(userID, amount, meta)
		return err
	})
	return res, err
}

// GetWallet reads the committed wallet from storage.
func (l *Ledger) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := l.repo.GetWallet(ctx, l.repo.DB(ctx), userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: wallet for user %s", ErrNotFound, userID)
		}
		return nil, err
	}
	return w, nil
}

// Snapshot serves the cached balance for display, falling back to storage.
// It is never used as input to a mutation.
func (l *Ledger) Snapshot(ctx context.Context, userID string) (*model.Wallet, error) {
	if w, err := l.repo.GetCachedWallet(ctx, userID); err == nil {
		return w, nil
	}
	w, err := l.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := l.repo.CacheWallet(ctx, w); err != nil {
		l.log.Warnw("cache wallet", "user_id", userID, "err", err)
	}
	return w, nil
}

// TxFilter selects history entries. Page is 1-based.
type TxFilter struct {
	Type  model.TxType
	Page  int
	Limit int
}

type TxPage struct {
	Items []model.Transaction
	Total int64
	Page  int
	Limit int
}

func (l *Ledger) normalize(f TxFilter) (TxFilter, error) {
	if f.Type != "" && !f.Type.Valid() {
		return f, fmt.Errorf("%w: unknown transaction type %q", ErrValidation, f.Type)
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = l.defaultPage
	}
	if f.Limit > l.maxPage {
		f.Limit = l.maxPage
	}
	return f, nil
}

// ListTransactions returns one page of history, newest first.
func (l *Ledger) ListTransactions(ctx context.Context, userID string, f TxFilter) (*TxPage, error) {
	f, err := l.normalize(f)
	if err != nil {
		return nil, err
	}
	items, total, err := l.repo.ListTransactions(ctx, repo.TxQuery{
		UserID: userID,
		Type:   f.Type,
		Offset: (f.Page - 1) * f.Limit,
		Limit:  f.Limit,
	})
	if err != nil {
		return nil, err
	}
	return &TxPage{Items: items, Total: total, Page: f.Page, Limit: f.Limit}, nil
}

// IterTransactions walks history newest first starting at f.Page, fetching
// f.Limit entries at a time as the caller consumes them. Later pages are
// keyed on the last id seen, so entries appended during the walk do not shift
// it. Each range over the sequence starts a fresh walk.
func (l *Ledger) IterTransactions(ctx context.Context, userID string, f TxFilter) iter.Seq2[model.Transaction, error] {
	return func(yield func(model.Transaction, error) bool) {
		f, err := l.normalize(f)
		if err != nil {
			yield(model.Transaction{}, err)
			return
		}
		q := repo.TxQuery{UserID: userID, Type: f.Type, Offset: (f.Page - 1) * f.Limit, Limit: f.Limit}
		for {
			items, _, err := l.repo.ListTransactions(ctx, q)
			if err != nil {
				yield(model.Transaction{}, err)
				return
			}
			for _, t := range items {
				if !yield(t, nil) {
					return
				}
			}
			if len(items) < q.Limit {
				return
			}
			q.Offset = 0
			q.BeforeID = items[len(items)-1].ID
		}
	}
}

func validateUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	return nil
}

func validateAmount(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be a positive number of minor units, got %d", ErrValidation, amount)
	}
	return nil
}

func now() time.Time { return time.Now().UTC() }
