package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/arenaplay/wallet-ledger/internal/audit"
	"github.com/arenaplay/wallet-ledger/internal/kyc"
	"github.com/arenaplay/wallet-ledger/internal/model"
	"github.com/arenaplay/wallet-ledger/internal/repo"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	accountNumberRe = regexp.MustCompile(`^[0-9]{9,18}$`)
	ifscRe          = regexp.MustCompile(`^[A-Z]{4}0[A-Z0-9]{6}$`)
)

// WithdrawalService moves a withdrawal request from PENDING to exactly one
// terminal state. Every transition and its paired ledger call share one
// transaction: a request is never APPROVED without settlement, nor
// REJECTED/CANCELLED while its funds stay locked.
type WithdrawalService struct {
	ledger *Ledger
	repo   repo.RepositoryInterface
	kyc    kyc.Provider
	audit  audit.Sink
	log    *zap.SugaredLogger
}

func NewWithdrawalService(l *Ledger, r repo.RepositoryInterface, k kyc.Provider, a audit.Sink, logger *zap.SugaredLogger) *WithdrawalService {
	return &WithdrawalService{ledger: l, repo: r, kyc: k, audit: a, log: logger}
}

// Request locks amount and files a PENDING request. If the lock fails no
// request row exists.
func (s *WithdrawalService) Request(ctx context.Context, userID string, amount int64, bank model.BankDetails) (*model.WithdrawalRequest, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	bank, err := normalizeBank(bank)
	if err != nil {
		return nil, err
	}
	ok, err := s.kyc.IsVerified(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("kyc lookup: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrKYCNotVerified, userID)
	}

	req := &model.WithdrawalRequest{
		ID:     uuid.NewString(),
		UserID: userID,
		Amount: amount,
		Bank:   bank,
		Status: model.WithdrawalPending,
	}
	err = s.ledger.Atomically(ctx, func(lt *LedgerTx) error {
		if _, err := lt.Lock(userID, amount, model.Metadata{"withdrawal_id": req.ID}); err != nil {
			return err
		}
		return s.repo.CreateWithdrawal(ctx, lt.DB(), req)
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("withdrawal requested", "withdrawal_id", req.ID, "user_id", userID, "amount", amount)
	return req, nil
}

// Approve settles the locked funds and marks the request APPROVED. On any
// failure the request stays PENDING and the error is returned as is.
func (s *WithdrawalService) Approve(ctx context.Context, id, actor string) (*model.WithdrawalRequest, error) {
	req, err := s.resolve(ctx, id, func(lt *LedgerTx, req *model.WithdrawalRequest) error {
		if _, err := lt.Settle(req.UserID, req.Amount, model.Metadata{"withdrawal_id": req.ID}); err != nil {
			return err
		}
		req.Status = model.WithdrawalApproved
		req.ResolvedBy = actor
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, actor, "withdrawal.approve", req)
	return req, nil
}

// Reject unlocks the funds and marks the request REJECTED with reason.
func (s *WithdrawalService) Reject(ctx context.Context, id, actor, reason string) (*model.WithdrawalRequest, error) {
	req, err := s.resolve(ctx, id, func(lt *LedgerTx, req *model.WithdrawalRequest) error {
		if _, err := lt.Unlock(req.UserID, req.Amount, model.Metadata{"withdrawal_id": req.ID, "reason": reason}); err != nil {
			return err
		}
		req.Status = model.WithdrawalRejected
		req.ResolvedBy = actor
		req.Reason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, actor, "withdrawal.reject", req)
	return req, nil
}

// Cancel lets the owner withdraw a PENDING request. Requests owned by
// someone else look like they do not exist.
func (s *WithdrawalService) Cancel(ctx context.Context, id, userID string) (*model.WithdrawalRequest, error) {
	req, err := s.resolve(ctx, id, func(lt *LedgerTx, req *model.WithdrawalRequest) error {
		if req.UserID != userID {
			return fmt.Errorf("%w: withdrawal %s", ErrNotFound, id)
		}
		if _, err := lt.Unlock(req.UserID, req.Amount, model.Metadata{"withdrawal_id": req.ID}); err != nil {
			return err
		}
		req.Status = model.WithdrawalCancelled
		req.ResolvedBy = userID
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("withdrawal cancelled", "withdrawal_id", id, "user_id", userID)
	return req, nil
}

// resolve locks the request row, checks it is PENDING, runs transition and
// persists the terminal state, all in one transaction.
func (s *WithdrawalService) resolve(ctx context.Context, id string, transition func(*LedgerTx, *model.WithdrawalRequest) error) (*model.WithdrawalRequest, error) {
	var out *model.WithdrawalRequest
	err := s.ledger.Atomically(ctx, func(lt *LedgerTx) error {
		req, err := s.repo.GetWithdrawalForUpdate(ctx, lt.DB(), id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: withdrawal %s", ErrNotFound, id)
			}
			return err
		}
		if req.Status.Terminal() {
			return fmt.Errorf("%w: withdrawal %s is %s", ErrInvalidState, id, req.Status)
		}
		if err := transition(lt, req); err != nil {
			return err
		}
		at := now()
		req.ResolvedAt = &at
		if err := s.repo.ResolveWithdrawal(ctx, lt.DB(), req); err != nil {
			if errors.Is(err, repo.ErrNotPending) {
				return fmt.Errorf("%w: withdrawal %s is no longer pending", ErrInvalidState, id)
			}
			return err
		}
		out = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// record writes the audit entry. Failure is logged; the ledger change stands.
func (s *WithdrawalService) record(ctx context.Context, actor, action string, req *model.WithdrawalRequest) {
	if s.audit == nil {
		return
	}
	meta := model.Metadata{
		"user_id": req.UserID,
		"amount":  strconv.FormatInt(req.Amount, 10),
		"status":  string(req.Status),
	}
	if req.Reason != "" {
		meta["reason"] = req.Reason
	}
	err := s.audit.Record(ctx, model.AuditEntry{Actor: actor, Action: action, Target: req.ID, Metadata: meta})
	if err != nil {
		s.log.Warnw("audit record", "action", action, "withdrawal_id", req.ID, "err", err)
	}
}

// Get returns one request.
func (s *WithdrawalService) Get(ctx context.Context, id string) (*model.WithdrawalRequest, error) {
	req, err := s.repo.GetWithdrawal(ctx, s.repo.DB(ctx), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: withdrawal %s", ErrNotFound, id)
		}
		return nil, err
	}
	return req, nil
}

type WithdrawalFilter struct {
	UserID string
	Status model.WithdrawalStatus
	Page   int
	Limit  int
}

type WithdrawalPage struct {
	Items []model.WithdrawalRequest
	Total int64
	Page  int
	Limit int
}

// List serves review queues, oldest first.
func (s *WithdrawalService) List(ctx context.Context, f WithdrawalFilter) (*WithdrawalPage, error) {
	switch f.Status {
	case "", model.WithdrawalPending, model.WithdrawalApproved, model.WithdrawalRejected, model.WithdrawalCancelled:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, f.Status)
	}
	tf, _ := s.ledger.normalize(TxFilter{Page: f.Page, Limit: f.Limit})
	items, total, err := s.repo.ListWithdrawals(ctx, repo.WithdrawalQuery{
		UserID: f.UserID,
		Status: f.Status,
		Offset: (tf.Page - 1) * tf.Limit,
		Limit:  tf.Limit,
	})
	if err != nil {
		return nil, err
	}
	return &WithdrawalPage{Items: items, Total: total, Page: tf.Page, Limit: tf.Limit}, nil
}

func normalizeBank(b model.BankDetails) (model.BankDetails, error) {
	b.AccountNumber = strings.TrimSpace(b.AccountNumber)
	b.RoutingCode = strings.ToUpper(strings.TrimSpace(b.RoutingCode))
	b.HolderName = strings.TrimSpace(b.HolderName)
	switch {
	case !accountNumberRe.MatchString(b.AccountNumber):
		return b, fmt.Errorf("%w: account number must be 9 to 18 digits", ErrValidation)
	case !ifscRe.MatchString(b.RoutingCode):
		return b, fmt.Errorf("%w: routing code %q is not a valid IFSC", ErrValidation, b.RoutingCode)
	case b.HolderName == "":
		return b, fmt.Errorf("%w: account holder name is required", ErrValidation)
	}
	return b, nil
}
