package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/arenaplay/wallet-ledger/internal/model"
	"github.com/arenaplay/wallet-ledger/internal/money"
	"github.com/arenaplay/wallet-ledger/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// The gateway in front of this service authenticates callers and forwards
// their identity in these headers.
const (
	userHeader  = "X-User-ID"
	actorHeader = "X-Actor-ID"
)

type Handler struct {
	ledger      *service.Ledger
	withdrawals *service.WithdrawalService
	log         *zap.SugaredLogger
}

func RegisterHandlers(r *gin.Engine, h *Handler) {
	v1 := r.Group("/v1")
	{
		v1.GET("/wallets/:user", h.wallet)
		v1.GET("/wallets/:user/transactions", h.transactions)
		v1.POST("/wallets/:user/deposit", h.deposit)
		v1.POST("/wallets/:user/withdrawals", h.requestWithdrawal)
		v1.GET("/wallets/:user/withdrawals", h.userWithdrawals)
		v1.POST("/withdrawals/:id/cancel", h.cancelWithdrawal)
	}
	admin := v1.Group("/admin", requireHeader(actorHeader))
	{
		admin.GET("/withdrawals", h.listWithdrawals)
		admin.POST("/withdrawals/:id/approve", h.approveWithdrawal)
		admin.POST("/withdrawals/:id/reject", h.rejectWithdrawal)
		admin.POST("/wallets/:user/payout", h.payout)
		admin.POST("/wallets/:user/adjust", h.adjust)
	}
}

func requireHeader(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(name) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + name})
			return
		}
		c.Next()
	}
}

// writeError maps ledger error kinds to HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInsufficientFunds):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrInvalidState), errors.Is(err, service.ErrConcurrentUpdate):
		status = http.StatusConflict
	case errors.Is(err, service.ErrKYCNotVerified):
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		h.log.Errorw("request failed", "path", c.FullPath(), "err", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type walletView struct {
	UserID           string `json:"user_id"`
	Balance          int64  `json:"balance"`
	Locked           int64  `json:"locked"`
	Available        int64  `json:"available"`
	AvailableDisplay string `json:"available_display"`
}

func toWalletView(w model.Wallet) walletView {
	return walletView{
		UserID:           w.UserID,
		Balance:          w.Balance,
		Locked:           w.Locked,
		Available:        w.Available(),
		AvailableDisplay: money.Format(w.Available()),
	}
}

type txView struct {
	ID           uint64            `json:"id"`
	Type         model.TxType      `json:"type"`
	Amount       int64             `json:"amount"`
	BalanceAfter int64             `json:"balance_after"`
	LockedAfter  int64             `json:"locked_after"`
	Description  string            `json:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

func toTxView(t model.Transaction) txView {
	return txView{
		ID: t.ID, Type: t.Type, Amount: t.Amount,
		BalanceAfter: t.BalanceAfter, LockedAfter: t.LockedAfter,
		Description: t.Description, Metadata: t.Metadata, CreatedAt: t.CreatedAt,
	}
}

type withdrawalView struct {
	ID         string                 `json:"id"`
	UserID     string                 `json:"user_id"`
	Amount     int64                  `json:"amount"`
	Bank       model.BankDetails      `json:"bank"`
	Status     model.WithdrawalStatus `json:"status"`
	Reason     string                 `json:"reason,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
}

func toWithdrawalView(w model.WithdrawalRequest) withdrawalView {
	return withdrawalView{
		ID: w.ID, UserID: w.UserID, Amount: w.Amount, Bank: w.Bank,
		Status: w.Status, Reason: w.Reason, CreatedAt: w.CreatedAt, ResolvedAt: w.ResolvedAt,
	}
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	return page, limit
}

// parseAmount reads a rupee string ("12.50") into paise.
func parseAmount(s string) (int64, error) {
	amt, err := money.ParseRupees(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", service.ErrValidation, err)
	}
	return amt, nil
}

func (h *Handler) wallet(c *gin.Context) {
	w, err := h.ledger.Snapshot(c, c.Param("user"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toWalletView(*w))
}

func (h *Handler) transactions(c *gin.Context) {
	page, limit := pageParams(c)
	res, err := h.ledger.ListTransactions(c, c.Param("user"), service.TxFilter{
		Type:  model.TxType(c.Query("type")),
		Page:  page,
		Limit: limit,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	items := make([]txView, 0, len(res.Items))
	for _, t := range res.Items {
		items = append(items, toTxView(t))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": res.Total, "page": res.Page, "limit": res.Limit})
}

type depositReq struct {
	Amount  string `json:"amount" binding:"required"`
	OrderID string `json:"order_id" binding:"required"`
}

// deposit credits a gateway-confirmed payment. Verification against the
// gateway is mocked; the order id makes redelivered callbacks harmless.
func (h *Handler) deposit(c *gin.Context) {
	var req depositReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amt, err := parseAmount(req.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	res, err := h.ledger.Credit(c, service.Entry{
		UserID:         c.Param("user"),
		Amount:         amt,
		Type:           model.TxDeposit,
		Description:    "wallet deposit",
		Metadata:       model.Metadata{"order_id": req.OrderID},
		IdempotencyKey: req.OrderID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": toWalletView(res.Wallet), "transaction": toTxView(res.Transaction), "replayed": res.Replayed})
}

type withdrawalReq struct {
	Amount string            `json:"amount" binding:"required"`
	Bank   model.BankDetails `json:"bank"`
}

func (h *Handler) requestWithdrawal(c *gin.Context) {
	var req withdrawalReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amt, err := parseAmount(req.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	wr, err := h.withdrawals.Request(c, c.Param("user"), amt, req.Bank)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toWithdrawalView(*wr))
}

func (h *Handler) userWithdrawals(c *gin.Context) {
	h.writeWithdrawals(c, service.WithdrawalFilter{
		UserID: c.Param("user"),
		Status: model.WithdrawalStatus(c.Query("status")),
	})
}

func (h *Handler) listWithdrawals(c *gin.Context) {
	h.writeWithdrawals(c, service.WithdrawalFilter{
		UserID: c.Query("user_id"),
		Status: model.WithdrawalStatus(c.DefaultQuery("status", string(model.WithdrawalPending))),
	})
}

func (h *Handler) writeWithdrawals(c *gin.Context, f service.WithdrawalFilter) {
	f.Page, f.Limit = pageParams(c)
	res, err := h.withdrawals.List(c, f)
	if err != nil {
		h.writeError(c, err)
		return
	}
	items := make([]withdrawalView, 0, len(res.Items))
	for _, w := range res.Items {
		items = append(items, toWithdrawalView(w))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": res.Total, "page": res.Page, "limit": res.Limit})
}

func (h *Handler) cancelWithdrawal(c *gin.Context) {
	userID := c.GetHeader(userHeader)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing " + userHeader})
		return
	}
	wr, err := h.withdrawals.Cancel(c, c.Param("id"), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toWithdrawalView(*wr))
}

func (h *Handler) approveWithdrawal(c *gin.Context) {
	wr, err := h.withdrawals.Approve(c, c.Param("id"), c.GetHeader(actorHeader))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toWithdrawalView(*wr))
}

type rejectReq struct {
	Reason string `json:"reason"`
}

func (h *Handler) rejectWithdrawal(c *gin.Context) {
	var req rejectReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	wr, err := h.withdrawals.Reject(c, c.Param("id"), c.GetHeader(actorHeader), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toWithdrawalView(*wr))
}

type payoutReq struct {
	Amount       string `json:"amount" binding:"required"`
	TournamentID string `json:"tournament_id" binding:"required"`
	Placement    string `json:"placement"`
}

// payout credits tournament prize money, once per user and tournament.
func (h *Handler) payout(c *gin.Context) {
	var req payoutReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amt, err := parseAmount(req.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	res, err := h.ledger.Credit(c, service.Entry{
		UserID:      c.Param("user"),
		Amount:      amt,
		Type:        model.TxPayout,
		Description: "tournament prize",
		Metadata: model.Metadata{
			"tournament_id": req.TournamentID,
			"placement":     req.Placement,
			"actor":         c.GetHeader(actorHeader),
		},
		IdempotencyKey: "tournament:" + req.TournamentID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": toWalletView(res.Wallet), "transaction": toTxView(res.Transaction), "replayed": res.Replayed})
}

type adjustReq struct {
	// Amount is signed: positive credits, negative debits.
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description" binding:"required"`
}

func (h *Handler) adjust(c *gin.Context) {
	var req adjustReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amt, err := parseAmount(req.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	e := service.Entry{
		UserID:      c.Param("user"),
		Amount:      amt,
		Type:        model.TxAdjustment,
		Description: req.Description,
		Metadata:    model.Metadata{"actor": c.GetHeader(actorHeader)},
	}
	var res *service.Result
	if amt < 0 {
		e.Amount = -amt
		res, err = h.ledger.Debit(c, e)
	} else {
		res, err = h.ledger.Credit(c, e)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": toWalletView(res.Wallet), "transaction": toTxView(res.Transaction)})
}
