package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Panda-1024/premium-bot/libs/auth"
	"github.com/Panda-1024/premium-bot/libs/httpmiddleware"
	"github.com/Panda-1024/premium-bot/services/payments/internal/amount"
	"github.com/Panda-1024/premium-bot/services/payments/internal/service"
	"github.com/Panda-1024/premium-bot/services/payments/internal/storage"
	"github.com/Panda-1024/premium-bot/services/payments/internal/validation"
	"github.com/gin-gonic/gin"
)

type OrderService interface {
	CreateOrder(ctx context.Context, input service.CreateOrderInput) (*storage.Order, error)
	GetOrder(ctx context.Context, userID int64, orderID string) (*storage.Order, error)
	ListOrders(ctx context.Context, input service.ListOrdersInput) ([]storage.Order, int, error)
	ListTiers() []service.TierQuote
	RefundOrder(ctx context.Context, input service.RefundInput) (*storage.Order, error)
	CompleteOrder(ctx context.Context, input service.CompleteInput) (*storage.Order, error)
	ProblemOrders(ctx context.Context, actorID int64) ([]storage.Order, error)
	SetSettlementAddress(ctx context.Context, actorID int64, address string) error
	OrderStats(ctx context.Context, userID int64) (*storage.OrderStats, error)
}

type Handler struct {
	Service OrderService
	Logger  *slog.Logger
}

type createOrderRequest struct {
	Recipient string `json:"recipient"`
	Duration  int    `json:"duration"`
}

type refundRequest struct {
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
}

type completeRequest struct {
	FulfillmentTxID string `json:"fulfillment_tx_id"`
}

type settlementAddressRequest struct {
	Address string `json:"address"`
}

type orderItem struct {
	OrderID             string  `json:"order_id"`
	Recipient           string  `json:"recipient"`
	Duration            int     `json:"duration"`
	Amount              string  `json:"amount"`
	PaymentAddress      string  `json:"payment_address"`
	Status              string  `json:"status"`
	PaymentTxID         string  `json:"payment_tx_id,omitempty"`
	FulfillmentTxID     string  `json:"fulfillment_tx_id,omitempty"`
	SettlementAttempted bool    `json:"settlement_attempted,omitempty"`
	FailureReason       string  `json:"failure_reason,omitempty"`
	CreatedAt           string  `json:"created_at"`
	ExpireAt            string  `json:"expire_at"`
	CompletedAt         *string `json:"completed_at,omitempty"`
	RefundedAt          *string `json:"refunded_at,omitempty"`
}

type statusStatsItem struct {
	Count  int    `json:"count"`
	Amount string `json:"amount"`
}

type orderStatsResponse struct {
	Total    int                        `json:"total"`
	ByStatus map[string]statusStatsItem `json:"by_status"`
}

type listOrdersResponse struct {
	Orders   []orderItem `json:"orders"`
	Total    int         `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

type tierItem struct {
	Duration    int    `json:"duration"`
	Price       string `json:"price"`
	DiscountPct string `json:"discount_pct"`
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
}

type errorResponse struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Fields  []validation.FieldError `json:"fields,omitempty"`
}

func New(svc OrderService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	group := r.Group("/", auth.Middleware(jwtSecret))
	group.POST("/orders", h.CreateOrder)
	group.GET("/orders", h.ListOrders)
	group.GET("/orders/stats", h.OrderStats)
	group.GET("/orders/:id", h.GetOrder)
	group.GET("/tiers", h.ListTiers)

	admin := group.Group("/admin")
	admin.GET("/orders/problems", h.ProblemOrders)
	admin.POST("/orders/:id/refund", h.RefundOrder)
	admin.POST("/orders/:id/complete", h.CompleteOrder)
	admin.PUT("/settings/settlement-address", h.SetSettlementAddress)
}

func (h *Handler) CreateOrder(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}

	order, err := h.Service.CreateOrder(c.Request.Context(), service.CreateOrderInput{
		UserID:    userID,
		Username:  auth.Username(c),
		Recipient: req.Recipient,
		Duration:  req.Duration,
	})
	if err != nil {
		h.handleError(c, "create order", err)
		return
	}
	c.JSON(http.StatusCreated, orderToItem(*order, false))
}

func (h *Handler) ListOrders(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	page, err := intQuery(c, "page", 1)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid page", nil)
		return
	}
	size, err := intQuery(c, "page_size", 20)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid page_size", nil)
		return
	}

	list, total, err := h.Service.ListOrders(c.Request.Context(), service.ListOrdersInput{
		UserID:   userID,
		Status:   c.Query("status"),
		Page:     page,
		PageSize: size,
	})
	if err != nil {
		h.handleError(c, "list orders", err)
		return
	}

	items := make([]orderItem, 0, len(list))
	for _, order := range list {
		items = append(items, orderToItem(order, false))
	}
	c.JSON(http.StatusOK, listOrdersResponse{Orders: items, Total: total, Page: page, PageSize: size})
}

func (h *Handler) GetOrder(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}
	order, err := h.Service.GetOrder(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.handleError(c, "get order", err)
		return
	}
	c.JSON(http.StatusOK, orderToItem(*order, false))
}

func (h *Handler) OrderStats(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}
	stats, err := h.Service.OrderStats(c.Request.Context(), userID)
	if err != nil {
		h.handleError(c, "order stats", err)
		return
	}
	resp := orderStatsResponse{Total: stats.Total, ByStatus: make(map[string]statusStatsItem, len(stats.ByStatus))}
	for status, st := range stats.ByStatus {
		resp.ByStatus[status] = statusStatsItem{Count: st.Count, Amount: st.Amount.StringFixed(3)}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListTiers(c *gin.Context) {
	quotes := h.Service.ListTiers()
	items := make([]tierItem, 0, len(quotes))
	for _, q := range quotes {
		items = append(items, tierItem{
			Duration:    q.Duration,
			Price:       q.Price.StringFixed(2),
			DiscountPct: q.DiscountPct.String(),
			Amount:      q.BaseAmount.StringFixed(2),
			Description: q.Description,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tiers": items})
}

func (h *Handler) RefundOrder(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}
	var req refundRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
			return
		}
	}

	order, err := h.Service.RefundOrder(c.Request.Context(), service.RefundInput{
		ActorID: userID,
		OrderID: c.Param("id"),
		Reason:  req.Reason,
		Force:   req.Force,
	})
	if err != nil {
		h.handleError(c, "refund order", err)
		return
	}
	c.JSON(http.StatusOK, orderToItem(*order, true))
}

func (h *Handler) CompleteOrder(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}

	order, err := h.Service.CompleteOrder(c.Request.Context(), service.CompleteInput{
		ActorID:         userID,
		OrderID:         c.Param("id"),
		FulfillmentTxID: req.FulfillmentTxID,
	})
	if err != nil {
		h.handleError(c, "complete order", err)
		return
	}
	c.JSON(http.StatusOK, orderToItem(*order, true))
}

func (h *Handler) ProblemOrders(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}
	list, err := h.Service.ProblemOrders(c.Request.Context(), userID)
	if err != nil {
		h.handleError(c, "problem orders", err)
		return
	}
	items := make([]orderItem, 0, len(list))
	for _, order := range list {
		items = append(items, orderToItem(order, true))
	}
	c.JSON(http.StatusOK, gin.H{"orders": items})
}

func (h *Handler) SetSettlementAddress(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}
	var req settlementAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	if err := h.Service.SetSettlementAddress(c.Request.Context(), userID, req.Address); err != nil {
		h.handleError(c, "set settlement address", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": strings.TrimSpace(req.Address)})
}

func (h *Handler) handleError(c *gin.Context, op string, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", verrs)
	case errors.Is(err, service.ErrNoTier):
		writeError(c, http.StatusBadRequest, "NO_TIER", "no price tier for this duration", nil)
	case errors.Is(err, service.ErrAddressUnconfigured):
		writeError(c, http.StatusServiceUnavailable, "ADDRESS_UNCONFIGURED", "payments are not configured yet", nil)
	case errors.Is(err, service.ErrUserBanned):
		writeError(c, http.StatusForbidden, "USER_BANNED", "user is banned", nil)
	case errors.Is(err, service.ErrForbidden):
		writeError(c, http.StatusForbidden, "FORBIDDEN", "admin rights required", nil)
	case errors.Is(err, service.ErrRateLimited):
		writeError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many orders, try again later", nil)
	case errors.Is(err, amount.ErrAmountExhausted):
		writeError(c, http.StatusServiceUnavailable, "CAPACITY_EXHAUSTED", "too many open orders, try again later", nil)
	case errors.Is(err, storage.ErrNotFound):
		writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil)
	case errors.Is(err, service.ErrSettlementUnverified):
		writeError(c, http.StatusConflict, "VERIFY_SETTLEMENT", "settlement may have been sent; verify on chain and retry with force", nil)
	case errors.Is(err, service.ErrNotRefundable):
		writeError(c, http.StatusConflict, "NOT_REFUNDABLE", "order is not in a refundable state", nil)
	case errors.Is(err, storage.ErrInvalidTransition):
		writeError(c, http.StatusConflict, "INVALID_STATE", "order is not in the required state", nil)
	default:
		h.Logger.Error(op+" failed", "error", err, "request_id", httpmiddleware.RequestIDFrom(c))
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
}

// orderToItem renders an order. Failure detail is only shown on admin
// routes; owners see the status alone.
func orderToItem(order storage.Order, detailed bool) orderItem {
	item := orderItem{
		OrderID:         order.ID,
		Recipient:       order.Recipient,
		Duration:        order.Duration,
		Amount:          order.Amount.StringFixed(3),
		PaymentAddress:  order.PaymentAddress,
		Status:          order.Status,
		PaymentTxID:     order.PaymentTxID,
		FulfillmentTxID: order.FulfillmentTxID,
		CreatedAt:       order.CreatedAt.UTC().Format(time.RFC3339),
		ExpireAt:        order.ExpireAt.UTC().Format(time.RFC3339),
	}
	if detailed {
		item.SettlementAttempted = order.SettlementAttempted
		item.FailureReason = order.FailureReason
	}
	if order.CompletedAt != nil {
		v := order.CompletedAt.UTC().Format(time.RFC3339)
		item.CompletedAt = &v
	}
	if order.RefundedAt != nil {
		v := order.RefundedAt.UTC().Format(time.RFC3339)
		item.RefundedAt = &v
	}
	return item
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeError(c *gin.Context, status int, code, message string, fields []validation.FieldError) {
	c.JSON(status, errorResponse{Code: code, Message: message, Fields: fields})
}
