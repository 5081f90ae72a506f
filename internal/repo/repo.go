package repo

import (
	"context"
	"errors"
	"time"

	"github.com/arenaplay/wallet-ledger/internal/model"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrVersionConflict is returned when the wallet row changed under us.
	ErrVersionConflict = errors.New("optimistic lock conflict")
	// ErrNotPending is returned when a guarded withdrawal update matched no PENDING row.
	ErrNotPending = errors.New("withdrawal request is not pending")
)

// RepositoryInterface restricts Repo methods so the service can be tested
// against fakes.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	GetWallet(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error)
	GetWalletForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error)
	EnsureWallet(ctx context.Context, tx *gorm.DB, userID string) error
	UpdateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet, balance, locked int64) error

	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	FindByIdempotencyKey(ctx context.Context, tx *gorm.DB, userID string, txType model.TxType, key string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, q TxQuery) ([]model.Transaction, int64, error)

	CreateWithdrawal(ctx context.Context, tx *gorm.DB, w *model.WithdrawalRequest) error
	GetWithdrawal(ctx context.Context, tx *gorm.DB, id string) (*model.WithdrawalRequest, error)
	GetWithdrawalForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.WithdrawalRequest, error)
	ResolveWithdrawal(ctx context.Context, tx *gorm.DB, w *model.WithdrawalRequest) error
	ListWithdrawals(ctx context.Context, q WithdrawalQuery) ([]model.WithdrawalRequest, int64, error)

	CacheWallet(ctx context.Context, w *model.Wallet) error
	EvictWallet(ctx context.Context, userID string) error
	GetCachedWallet(ctx context.Context, userID string) (*model.Wallet, error)
}

// TxQuery selects a page of one user's history, newest first.
type TxQuery struct {
	UserID string
	Type   model.TxType
	// BeforeID restricts the page to entries older than this id (keyset paging).
	BeforeID uint64
	Offset   int
	Limit    int
}

type WithdrawalQuery struct {
	UserID string
	Status model.WithdrawalStatus
	Offset int
	Limit  int
}

// Repository implements RepositoryInterface.
type Repository struct {
	db       *gorm.DB
	rdb      *redis.Client
	cacheTTL time.Duration
	log      *zap.SugaredLogger
}

// NewRepository constructs repo. rdb may be nil, which disables the cache.
func NewRepository(db *gorm.DB, rdb *redis.Client, cacheTTL time.Duration, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, cacheTTL: cacheTTL, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

func (r *Repository) GetWallet(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWalletForUpdate locks wallet row.
func (r *Repository) GetWalletForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// EnsureWallet inserts an empty wallet unless one already exists.
func (r *Repository) EnsureWallet(ctx context.Context, tx *gorm.DB, userID string) error {
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&model.Wallet{UserID: userID}).Error
}

// UpdateWallet with optimistic lock. On success w reflects the new row.
func (r *Repository) UpdateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet, balance, locked int64) error {
	now := time.Now()
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND version = ?", w.ID, w.Version).
		Updates(map[string]interface{}{
			"balance":    balance,
			"locked":     locked,
			"version":    w.Version + 1,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	w.Balance, w.Locked, w.Version, w.UpdatedAt = balance, locked, w.Version+1, now
	return nil
}

// CreateTransaction inserts record.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// FindByIdempotencyKey returns the earlier entry for key, or nil.
func (r *Repository) FindByIdempotencyKey(ctx context.Context, tx *gorm.DB, userID string, txType model.TxType, key string) (*model.Transaction, error) {
	if key == "" {
		return nil, nil
	}
	var t model.Transaction
	err := tx.WithContext(ctx).
		Where("user_id = ? AND type = ? AND idempotency_key = ?", userID, txType, key).
		First(&t).Error
	if err == nil {
		return &t, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}

// ListTransactions returns one page plus the total matching count.
func (r *Repository) ListTransactions(ctx context.Context, q TxQuery) ([]model.Transaction, int64, error) {
	base := r.db.WithContext(ctx).Model(&model.Transaction{}).Where("user_id = ?", q.UserID)
	if q.Type != "" {
		base = base.Where("type = ?", q.Type)
	}
	if q.BeforeID > 0 {
		base = base.Where("id < ?", q.BeforeID)
	}
	base = base.Session(&gorm.Session{})
	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var txs []model.Transaction
	err := base.Order("id desc").Offset(q.Offset).Limit(q.Limit).Find(&txs).Error
	return txs, total, err
}

func (r *Repository) CreateWithdrawal(ctx context.Context, tx *gorm.DB, w *model.WithdrawalRequest) error {
	return tx.WithContext(ctx).Create(w).Error
}

func (r *Repository) GetWithdrawal(ctx context.Context, tx *gorm.DB, id string) (*model.WithdrawalRequest, error) {
	var w model.WithdrawalRequest
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWithdrawalForUpdate locks the request row.
func (r *Repository) GetWithdrawalForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.WithdrawalRequest, error) {
	var w model.WithdrawalRequest
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// ResolveWithdrawal persists the terminal state of w, guarded on PENDING.
func (r *Repository) ResolveWithdrawal(ctx context.Context, tx *gorm.DB, w *model.WithdrawalRequest) error {
	res := tx.WithContext(ctx).
		Model(&model.WithdrawalRequest{}).
		Where("id = ? AND status = ?", w.ID, model.WithdrawalPending).
		Updates(map[string]interface{}{
			"status":      w.Status,
			"reason":      w.Reason,
			"resolved_by": w.ResolvedBy,
			"resolved_at": w.ResolvedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotPending
	}
	return nil
}

func (r *Repository) ListWithdrawals(ctx context.Context, q WithdrawalQuery) ([]model.WithdrawalRequest, int64, error) {
	base := r.db.WithContext(ctx).Model(&model.WithdrawalRequest{})
	if q.UserID != "" {
		base = base.Where("user_id = ?", q.UserID)
	}
	if q.Status != "" {
		base = base.Where("status = ?", q.Status)
	}
	base = base.Session(&gorm.Session{})
	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []model.WithdrawalRequest
	err := base.Order("created_at asc, id asc").Offset(q.Offset).Limit(q.Limit).Find(&out).Error
	return out, total, err
}
