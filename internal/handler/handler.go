package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"reward_wallet/internal/ledger"
	"reward_wallet/internal/notify"
	"reward_wallet/internal/ratelimit"
	"reward_wallet/internal/report"
	"reward_wallet/internal/reward"
	"reward_wallet/internal/users"
	"reward_wallet/internal/wallet"
	"reward_wallet/internal/withdrawal"
	"reward_wallet/internal/xerrors"
)

type UserService interface {
	Create(ctx context.Context, req users.CreateUserRequest) (*users.User, error)
}

type LedgerReader interface {
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]ledger.Entry, error)
}

type Reporter interface {
	Build(ctx context.Context, userID string, from, to time.Time) (*report.Summary, error)
}

// Services are the core operations the HTTP boundary translates to.
type Services struct {
	Users       UserService
	Wallets     wallet.WalletService
	Ledger      LedgerReader
	Rewards     reward.RewardService
	Withdrawals withdrawal.WithdrawalService
	Reports     Reporter
	Hub         *notify.Hub
}

// Throttles are the soft per-class request windows. A nil window disables
// throttling for its class.
type Throttles struct {
	API  ratelimit.Window
	Game ratelimit.Window
	Auth ratelimit.Window
}

type Handler struct {
	svc       Services
	log       logrus.FieldLogger
	keepAlive time.Duration
}

func New(svc Services, log logrus.FieldLogger) *Handler {
	return &Handler{svc: svc, log: log, keepAlive: 15 * time.Second}
}

func (h *Handler) Router(t Throttles) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(h.log))
	r.Use(Throttle(t.API, h.log, byClientIP))

	r.POST("/users", Throttle(t.Auth, h.log, byClientIP), h.CreateUser)
	r.GET("/users/:id/wallet", h.GetWallet)
	r.GET("/users/:id/ledger", h.ListLedger)
	r.GET("/users/:id/events", h.StreamEvents)

	r.POST("/rewards", Throttle(t.Game, h.log, byClientIP), h.GrantReward)
	r.GET("/rewards/allowance", h.GetAllowance)

	r.POST("/withdrawals", h.RequestWithdrawal)
	r.GET("/withdrawals", h.ListWithdrawals)
	r.GET("/withdrawals/:id", h.GetWithdrawal)
	r.POST("/withdrawals/:id/approve", h.ApproveWithdrawal)
	r.POST("/withdrawals/:id/reject", h.RejectWithdrawal)

	r.GET("/reports/categories", h.CategoryReport)
	return r
}

func (h *Handler) CreateUser(c *gin.Context) {
	var req users.CreateUserRequest
	if !h.bind(c, &req) {
		return
	}
	u, err := h.svc.Users.Create(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, u)
}

func (h *Handler) GetWallet(c *gin.Context) {
	b, err := h.svc.Wallets.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) ListLedger(c *gin.Context) {
	limit, offset, ok := h.page(c)
	if !ok {
		return
	}
	entries, err := h.svc.Ledger.ListByUser(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *Handler) GrantReward(c *gin.Context) {
	var req reward.GrantRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.svc.Rewards.Grant(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) GetAllowance(c *gin.Context) {
	userID, category := c.Query("user_id"), c.Query("category")
	if userID == "" || category == "" {
		h.fail(c, fmt.Errorf("user_id and category are required: %w", xerrors.ErrInvalidInput))
		return
	}
	a, err := h.svc.Rewards.Allowance(c.Request.Context(), userID, category)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) RequestWithdrawal(c *gin.Context) {
	var req withdrawal.CreateWithdrawalRequest
	if !h.bind(c, &req) {
		return
	}
	w, err := h.svc.Withdrawals.Request(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

// ListWithdrawals lists one user's history with ?user_id=, otherwise the
// queue for ?status= (PENDING by default).
func (h *Handler) ListWithdrawals(c *gin.Context) {
	limit, offset, ok := h.page(c)
	if !ok {
		return
	}
	var (
		ws  []withdrawal.Withdrawal
		err error
	)
	if userID := c.Query("user_id"); userID != "" {
		ws, err = h.svc.Withdrawals.ListByUser(c.Request.Context(), userID, limit, offset)
	} else {
		ws, err = h.svc.Withdrawals.ListByStatus(c.Request.Context(), c.DefaultQuery("status", string(withdrawal.StatusPending)), limit, offset)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": ws})
}

func (h *Handler) GetWithdrawal(c *gin.Context) {
	w, err := h.svc.Withdrawals.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handler) ApproveWithdrawal(c *gin.Context) {
	var req withdrawal.ApproveRequest
	if !h.bindOptional(c, &req) {
		return
	}
	w, err := h.svc.Withdrawals.Approve(c.Request.Context(), c.Param("id"), req.Reference)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handler) RejectWithdrawal(c *gin.Context) {
	var req withdrawal.RejectRequest
	if !h.bindOptional(c, &req) {
		return
	}
	w, err := h.svc.Withdrawals.Reject(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// CategoryReport summarizes [from, to). Both accept RFC3339 or YYYY-MM-DD and
// default to the current UTC day.
func (h *Handler) CategoryReport(c *gin.Context) {
	from := ratelimit.StartOfDay(time.Now())
	to := from.AddDate(0, 0, 1)

	var err error
	if v := c.Query("from"); v != "" {
		if from, err = parseTime(v); err != nil {
			h.fail(c, err)
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = parseTime(v); err != nil {
			h.fail(c, err)
			return
		}
	}

	s, err := h.svc.Reports.Build(c.Request.Context(), c.Query("user_id"), from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", v, xerrors.ErrInvalidInput)
	}
	return t, nil
}

func (h *Handler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": xerrors.KindInvalidInput, "message": err.Error()})
		return false
	}
	return true
}

// bindOptional accepts an empty body so the service reports what is missing.
func (h *Handler) bindOptional(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": xerrors.KindInvalidInput, "message": err.Error()})
		return false
	}
	return true
}

func (h *Handler) page(c *gin.Context) (limit, offset int, ok bool) {
	limit, err1 := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, err2 := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err1 != nil || err2 != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": xerrors.KindInvalidInput, "message": "limit and offset must be non-negative integers"})
		return 0, 0, false
	}
	return limit, offset, true
}

// StatusFor maps an error kind onto an HTTP status.
func StatusFor(err error) int {
	switch xerrors.Kind(err) {
	case xerrors.KindRateLimited:
		return http.StatusTooManyRequests
	case xerrors.KindInsufficientFunds, xerrors.KindInvalidState, xerrors.KindMissingReference,
		xerrors.KindMissingReason, xerrors.KindInvalidInput:
		return http.StatusBadRequest
	case xerrors.KindNotFound:
		return http.StatusNotFound
	case xerrors.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	kind := xerrors.Kind(err)
	body := gin.H{"error": kind, "message": err.Error()}

	var rl *xerrors.RateLimitError
	if errors.As(err, &rl) {
		body["reset_at"] = rl.ResetAt
		body["limit"] = rl.Limit
		c.Header("Retry-After", strconv.Itoa(retryAfter(rl.ResetAt)))
	}
	if status == http.StatusInternalServerError {
		h.log.WithFields(logrus.Fields{
			"path": c.FullPath(),
			"kind": kind,
		}).WithError(err).Error("request failed")
		if kind == xerrors.KindInternal {
			body["message"] = "internal error"
		}
	}
	c.JSON(status, body)
}

func retryAfter(resetAt time.Time) int {
	secs := int(time.Until(resetAt).Seconds())
	if secs < 1 {
		return 1
	}
	return secs
}
