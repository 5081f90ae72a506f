package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arenaplay/wallet-ledger/internal/model"
	"github.com/arenaplay/wallet-ledger/internal/notify"
	"github.com/arenaplay/wallet-ledger/internal/repo"
	"github.com/arenaplay/wallet-ledger/internal/testutil"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, evt notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestLedger(t *testing.T, opts ...LedgerOption) (*Ledger, *gorm.DB) {
	t.Helper()
	db := testutil.OpenDB(t)
	log := zap.NewNop().Sugar()
	r := repo.NewRepository(db, nil, time.Minute, log)
	return NewLedger(r, log, opts...), db
}

func seedWallet(t *testing.T, l *Ledger, userID string, balance int64) {
	t.Helper()
	ctx := context.Background()
	_, err := l.OpenWallet(ctx, userID)
	require.NoError(t, err)
	if balance > 0 {
		_, err = l.Credit(ctx, Entry{UserID: userID, Amount: balance, Type: model.TxDeposit, Description: "seed"})
		require.NoError(t, err)
	}
}

func assertWallet(t *testing.T, l *Ledger, userID string, balance, locked int64) {
	t.Helper()
	w, err := l.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, balance, w.Balance, "balance")
	assert.Equal(t, locked, w.Locked, "locked")
	assert.Equal(t, balance-locked, w.Available(), "available")
	assert.True(t, 0 <= w.Locked && w.Locked <= w.Balance, "0 <= locked <= balance")
}

func countTx(t *testing.T, db *gorm.DB, userID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&model.Transaction{}).Where("user_id = ?", userID).Count(&n).Error)
	return n
}

func TestLedger_CreditCreatesWallet(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()

	res, err := l.Credit(ctx, Entry{UserID: "u1", Amount: 1000, Type: model.TxDeposit, Description: "upi deposit",
		Metadata: model.Metadata{"order_id": "ord_1"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.Wallet.Balance)
	assert.Equal(t, model.TxDeposit, res.Transaction.Type)
	assert.Equal(t, int64(0), res.Transaction.BalanceBefore)
	assert.Equal(t, int64(1000), res.Transaction.BalanceAfter)

	assertWallet(t, l, "u1", 1000, 0)

	var stored model.Transaction
	require.NoError(t, db.Where("user_id = ?", "u1").First(&stored).Error)
	assert.Equal(t, "ord_1", stored.Metadata["order_id"])
}

func TestLedger_IdempotentCredit(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()
	e := Entry{UserID: "u1", Amount: 700, Type: model.TxDeposit, IdempotencyKey: "gw-order-42"}

	first, err := l.Credit(ctx, e)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := l.Credit(ctx, e)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	assertWallet(t, l, "u1", 700, 0)
	assert.Equal(t, int64(1), countTx(t, db, "u1"))

	// same key, different amount is not a redelivery
	_, err = l.Credit(ctx, Entry{UserID: "u1", Amount: 900, Type: model.TxDeposit, IdempotencyKey: "gw-order-42"})
	assert.ErrorIs(t, err, ErrInvalidState)
	assertWallet(t, l, "u1", 700, 0)
	assert.Equal(t, int64(1), countTx(t, db, "u1"))

	// same key, different type is a different operation
	_, err = l.Credit(ctx, Entry{UserID: "u1", Amount: 50, Type: model.TxRefund, IdempotencyKey: "gw-order-42"})
	require.NoError(t, err)
	assertWallet(t, l, "u1", 750, 0)
}

func TestLedger_Validation(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Credit(ctx, Entry{UserID: "u1", Amount: 0, Type: model.TxDeposit})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = l.Credit(ctx, Entry{UserID: "u1", Amount: -5, Type: model.TxDeposit})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = l.Credit(ctx, Entry{UserID: "u1", Amount: 5, Type: model.TxLock})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = l.Credit(ctx, Entry{UserID: " ", Amount: 5, Type: model.TxDeposit})
	assert.ErrorIs(t, err, ErrValidation)

	// nothing touched the ledger
	_, err = l.GetWallet(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(0), countTx(t, db, "u1"))

	seedWallet(t, l, "u2", 100)
	_, err = l.Debit(ctx, Entry{UserID: "u2", Amount: 10, Type: model.TxDeposit})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = l.Lock(ctx, "u2", 0, nil)
	assert.ErrorIs(t, err, ErrValidation)
	assertWallet(t, l, "u2", 100, 0)
}

func TestLedger_MissingWallet(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.GetWallet(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.Debit(ctx, Entry{UserID: "ghost", Amount: 1, Type: model.TxWithdrawal})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.Lock(ctx, "ghost", 1, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.Unlock(ctx, "ghost", 1, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.Settle(ctx, "ghost", 1, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedger_OpenWalletIsIdempotent(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	w1, err := l.OpenWallet(ctx, "u1")
	require.NoError(t, err)
	_, err = l.Credit(ctx, Entry{UserID: "u1", Amount: 40, Type: model.TxDeposit})
	require.NoError(t, err)
	w2, err := l.OpenWallet(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, w1.ID, w2.ID)
	assert.Equal(t, int64(40), w2.Balance)
}

// Scenario C
func TestLedger_DebitInsufficientFunds(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()
	seedWallet(t, l, "u1", 500)
	before := countTx(t, db, "u1")

	_, err := l.Debit(ctx, Entry{UserID: "u1", Amount: 600, Type: model.TxAdjustment})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	assertWallet(t, l, "u1", 500, 0)
	assert.Equal(t, before, countTx(t, db, "u1"), "no transaction written")
}

func TestLedger_DebitRespectsLockedFunds(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	seedWallet(t, l, "u1", 500)

	_, err := l.Lock(ctx, "u1", 400, nil)
	require.NoError(t, err)

	_, err = l.Debit(ctx, Entry{UserID: "u1", Amount: 101, Type: model.TxAdjustment})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = l.Debit(ctx, Entry{UserID: "u1", Amount: 100, Type: model.TxAdjustment})
	require.NoError(t, err)
	assertWallet(t, l, "u1", 400, 400)
}

func TestLedger_Conservation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	seedWallet(t, l, "u1", 250)
	_, err := l.Lock(ctx, "u1", 100, nil)
	require.NoError(t, err)

	_, err = l.Credit(ctx, Entry{UserID: "u1", Amount: 300, Type: model.TxPayout, Description: "tournament prize"})
	require.NoError(t, err)
	_, err = l.Debit(ctx, Entry{UserID: "u1", Amount: 300, Type: model.TxAdjustment})
	require.NoError(t, err)

	assertWallet(t, l, "u1", 250, 100)
}

func TestLedger_IdempotentRead(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	seedWallet(t, l, "u1", 900)
	_, err := l.Lock(ctx, "u1", 200, nil)
	require.NoError(t, err)

	a, err := l.GetWallet(ctx, "u1")
	require.NoError(t, err)
	b, err := l.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestLedger_LockUnlockSettle(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()
	seedWallet(t, l, "u1", 1000)

	res, err := l.Lock(ctx, "u1", 600, model.Metadata{"withdrawal_id": "w1"})
	require.NoError(t, err)
	assert.Equal(t, model.TxLock, res.Transaction.Type)
	assertWallet(t, l, "u1", 1000, 600)

	_, err = l.Lock(ctx, "u1", 401, nil)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = l.Unlock(ctx, "u1", 100, nil)
	require.NoError(t, err)
	assertWallet(t, l, "u1", 1000, 500)

	_, err = l.Settle(ctx, "u1", 501, nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	res, err = l.Settle(ctx, "u1", 500, nil)
	require.NoError(t, err)
	assert.Equal(t, model.TxWithdrawal, res.Transaction.Type)
	assert.Equal(t, int64(1000), res.Transaction.BalanceBefore)
	assert.Equal(t, int64(500), res.Transaction.BalanceAfter)
	assertWallet(t, l, "u1", 500, 0)

	// deposit + lock + unlock + settle
	assert.Equal(t, int64(4), countTx(t, db, "u1"))
}

// Scenario D
func TestLedger_UnlockMoreThanLocked(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()
	seedWallet(t, l, "u1", 300)
	before := countTx(t, db, "u1")

	_, err := l.Unlock(ctx, "u1", 50, nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	assertWallet(t, l, "u1", 300, 0)
	assert.Equal(t, before, countTx(t, db, "u1"))
}

func TestLedger_ConcurrentLocks(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	const n = 8
	seedWallet(t, l, "u1", 1000)
	each := int64(1000/n + 1)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		failures  []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Lock(ctx, "u1", each, nil)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			failures = append(failures, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, n-1, succeeded)
	for _, err := range failures {
		assert.ErrorIs(t, err, ErrInsufficientFunds)
	}
	assertWallet(t, l, "u1", 1000, int64(n-1)*each)
}

func TestLedger_WalletsAreIndependent(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	users := []string{"a", "b", "c", "d"}
	for _, u := range users {
		seedWallet(t, l, u, 100)
	}

	var wg sync.WaitGroup
	for _, u := range users {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(u string) {
				defer wg.Done()
				_, err := l.Credit(ctx, Entry{UserID: u, Amount: 10, Type: model.TxPayout})
				assert.NoError(t, err)
			}(u)
		}
	}
	wg.Wait()

	for _, u := range users {
		assertWallet(t, l, u, 150, 0)
	}
}

func TestLedger_EventsAfterCommitOnly(t *testing.T) {
	pub := &recordingPublisher{}
	l, _ := newTestLedger(t, WithPublisher(pub))
	ctx := context.Background()
	seedWallet(t, l, "u1", 100)

	_, err := l.Debit(ctx, Entry{UserID: "u1", Amount: 500, Type: model.TxAdjustment})
	require.Error(t, err)
	_, err = l.Lock(ctx, "u1", 60, nil)
	require.NoError(t, err)
	_, err = l.Settle(ctx, "u1", 60, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{notify.EventCredited, notify.EventLocked, notify.EventSettled}, pub.types())
	last := pub.events[len(pub.events)-1]
	assert.Equal(t, int64(40), last.Balance)
	assert.Equal(t, int64(0), last.Locked)
}

func TestLedger_PublishFailureDoesNotAffectCommit(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("redis down")}
	l, _ := newTestLedger(t, WithPublisher(pub))
	ctx := context.Background()

	res, err := l.Credit(ctx, Entry{UserID: "u1", Amount: 100, Type: model.TxDeposit})
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Wallet.Balance)
	assertWallet(t, l, "u1", 100, 0)
}

func TestLedger_CommitEvictsCachedSnapshot(t *testing.T) {
	db := testutil.OpenDB(t)
	rdb, mock := redismock.NewClientMock()
	log := zap.NewNop().Sugar()
	l := NewLedger(repo.NewRepository(db, rdb, time.Minute, log), log)
	ctx := context.Background()

	mock.ExpectDel("balance:u1").SetVal(1)
	mock.ExpectGet("balance:u1").RedisNil()
	mock.ExpectSet("balance:u1", `{"balance":300,"locked":0}`, time.Minute).SetVal("OK")

	_, err := l.Credit(ctx, Entry{UserID: "u1", Amount: 300, Type: model.TxDeposit})
	require.NoError(t, err)

	w, err := l.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), w.Balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type blockingPublisher struct{}

func (blockingPublisher) Publish(ctx context.Context, _ notify.Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestLedger_SlowPublisherDoesNotHoldCaller(t *testing.T) {
	l, _ := newTestLedger(t, WithPublisher(blockingPublisher{}), WithPublishTimeout(50*time.Millisecond))
	ctx := context.Background()

	start := time.Now()
	res, err := l.Credit(ctx, Entry{UserID: "u1", Amount: 100, Type: model.TxDeposit})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(100), res.Wallet.Balance)
	assertWallet(t, l, "u1", 100, 0)
}

// conflictRepo loses every versioned wallet update, as if another writer got
// there first.
type conflictRepo struct {
	repo.RepositoryInterface
}

func (conflictRepo) UpdateWallet(context.Context, *gorm.DB, *model.Wallet, int64, int64) error {
	return repo.ErrVersionConflict
}

func TestLedger_VersionConflictWritesNothing(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()
	seedWallet(t, l, "u1", 500)

	pub := &recordingPublisher{}
	racing := NewLedger(conflictRepo{l.repo}, zap.NewNop().Sugar(), WithPublisher(pub))

	_, err := racing.Credit(ctx, Entry{UserID: "u1", Amount: 100, Type: model.TxDeposit, IdempotencyKey: "k1"})
	assert.ErrorIs(t, err, ErrConcurrentUpdate)
	_, err = racing.Lock(ctx, "u1", 100, nil)
	assert.ErrorIs(t, err, ErrConcurrentUpdate)
	_, err = racing.Settle(ctx, "u1", 100, nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	assertWallet(t, l, "u1", 500, 0)
	assert.Equal(t, int64(1), countTx(t, db, "u1"))
	assert.Empty(t, pub.types())
}

func TestLedger_AtomicallyRollsBackEverything(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()
	seedWallet(t, l, "u1", 1000)
	boom := errors.New("downstream insert failed")

	err := l.Atomically(ctx, func(lt *LedgerTx) error {
		if _, err := lt.Lock("u1", 400, nil); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assertWallet(t, l, "u1", 1000, 0)
	assert.Equal(t, int64(1), countTx(t, db, "u1"))
}

func TestLedger_ListTransactions(t *testing.T) {
	l, _ := newTestLedger(t, WithPageSizes(10, 50))
	ctx := context.Background()
	for i := int64(1); i <= 25; i++ {
		_, err := l.Credit(ctx, Entry{UserID: "u1", Amount: i, Type: model.TxDeposit})
		require.NoError(t, err)
	}
	_, err := l.Lock(ctx, "u1", 5, nil)
	require.NoError(t, err)

	page, err := l.ListTransactions(ctx, "u1", TxFilter{Type: model.TxDeposit, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(25), page.Total)
	assert.Equal(t, 10, page.Limit)
	require.Len(t, page.Items, 10)
	assert.Equal(t, int64(15), page.Items[0].Amount, "newest first")
	assert.Equal(t, int64(6), page.Items[9].Amount)

	page, err = l.ListTransactions(ctx, "u1", TxFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(26), page.Total)
	assert.Equal(t, model.TxLock, page.Items[0].Type)

	page, err = l.ListTransactions(ctx, "u1", TxFilter{Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, 50, page.Limit)

	_, err = l.ListTransactions(ctx, "u1", TxFilter{Type: "BONUS"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestLedger_IterTransactions(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	for i := int64(1); i <= 23; i++ {
		_, err := l.Credit(ctx, Entry{UserID: "u1", Amount: i, Type: model.TxDeposit})
		require.NoError(t, err)
	}

	seq := l.IterTransactions(ctx, "u1", TxFilter{Limit: 5})

	var amounts []int64
	for tx, err := range seq {
		require.NoError(t, err)
		amounts = append(amounts, tx.Amount)
	}
	require.Len(t, amounts, 23)
	assert.Equal(t, int64(23), amounts[0])
	assert.Equal(t, int64(1), amounts[22])

	// stop early, then range again from the start
	n := 0
	for range seq {
		n++
		if n == 7 {
			break
		}
	}
	assert.Equal(t, 7, n)

	var again []int64
	for tx, err := range seq {
		require.NoError(t, err)
		again = append(again, tx.Amount)
	}
	assert.Equal(t, amounts, again)

	for _, err := range l.IterTransactions(ctx, "u1", TxFilter{Type: "BOGUS"}) {
		assert.ErrorIs(t, err, ErrValidation)
	}
}
