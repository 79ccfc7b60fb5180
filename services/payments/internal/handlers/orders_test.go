package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Panda-1024/premium-bot/services/payments/internal/amount"
	"github.com/Panda-1024/premium-bot/services/payments/internal/service"
	"github.com/Panda-1024/premium-bot/services/payments/internal/storage"
	"github.com/Panda-1024/premium-bot/services/payments/internal/validation"
	"github.com/Panda-1024/premium-bot/services/testutil"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

var secret = []byte("secret")

type fakeService struct {
	order      *storage.Order
	orders     []storage.Order
	total      int
	err        error
	lastCreate *service.CreateOrderInput
	lastList   *service.ListOrdersInput
	lastRefund *service.RefundInput
	lastGetBy  int64
	stats      *storage.OrderStats
	lastStats  int64
}

func (f *fakeService) CreateOrder(_ context.Context, input service.CreateOrderInput) (*storage.Order, error) {
	f.lastCreate = &input
	return f.order, f.err
}

func (f *fakeService) GetOrder(_ context.Context, userID int64, _ string) (*storage.Order, error) {
	f.lastGetBy = userID
	return f.order, f.err
}

func (f *fakeService) ListOrders(_ context.Context, input service.ListOrdersInput) ([]storage.Order, int, error) {
	f.lastList = &input
	return f.orders, f.total, f.err
}

func (f *fakeService) ListTiers() []service.TierQuote {
	return []service.TierQuote{{
		Duration:    12,
		Price:       decimal.RequireFromString("40"),
		DiscountPct: decimal.RequireFromString("10"),
		BaseAmount:  decimal.RequireFromString("36"),
	}}
}

func (f *fakeService) RefundOrder(_ context.Context, input service.RefundInput) (*storage.Order, error) {
	f.lastRefund = &input
	return f.order, f.err
}

func (f *fakeService) CompleteOrder(_ context.Context, _ service.CompleteInput) (*storage.Order, error) {
	return f.order, f.err
}

func (f *fakeService) ProblemOrders(_ context.Context, _ int64) ([]storage.Order, error) {
	return f.orders, f.err
}

func (f *fakeService) SetSettlementAddress(_ context.Context, _ int64, _ string) error {
	return f.err
}

func (f *fakeService) OrderStats(_ context.Context, userID int64) (*storage.OrderStats, error) {
	f.lastStats = userID
	return f.stats, f.err
}

func newRouter(svc *fakeService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	New(svc, nil).Register(router, secret)
	return router
}

func token(t *testing.T, userID int64, username string) string {
	t.Helper()
	jwt, err := testutil.GenerateJWT(userID, username, secret, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}
	return jwt
}

func sampleOrder() *storage.Order {
	created := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	return &storage.Order{
		ID:                  "0190f0c2-7d1e-7c4a-9b1e-6f2f7b0e1a11",
		UserID:              testutil.BuyerUserID,
		Recipient:           "buyer_one",
		Duration:            3,
		Amount:              decimal.RequireFromString("14.001"),
		PaymentAddress:      "TSettle",
		Status:              storage.OrderStatusFailed,
		SettlementAttempted: true,
		FailureReason:       "settlement: liteserver timeout",
		CreatedAt:           created,
		UpdatedAt:           created,
		ExpireAt:            created.Add(30 * time.Minute),
	}
}

func TestCreateOrderUnauthorized(t *testing.T) {
	router := newRouter(&fakeService{})
	resp := testutil.MakeAPIRequest(router, http.MethodPost, "/orders", map[string]any{"duration": 3})
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)
}

func TestCreateOrderCreated(t *testing.T) {
	order := sampleOrder()
	order.Status = storage.OrderStatusPending
	svc := &fakeService{order: order}
	router := newRouter(svc)

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/orders",
		map[string]any{"recipient": "@friend_name", "duration": 3}, token(t, testutil.BuyerUserID, "buyer_one"))
	testutil.AssertHTTPStatus(t, resp, http.StatusCreated)

	var body orderItem
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Amount != "14.001" || body.PaymentAddress != "TSettle" || body.Status != "pending" {
		t.Fatalf("unexpected body %+v", body)
	}
	if svc.lastCreate.UserID != testutil.BuyerUserID || svc.lastCreate.Username != "buyer_one" || svc.lastCreate.Recipient != "@friend_name" {
		t.Fatalf("unexpected service input %+v", svc.lastCreate)
	}
}

func TestCreateOrderErrorCodes(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("%w: 9 months", service.ErrNoTier), testutil.ErrorCodeNoTier},
		{service.ErrAddressUnconfigured, testutil.ErrorCodeAddressUnconfigured},
		{service.ErrUserBanned, testutil.ErrorCodeUserBanned},
		{fmt.Errorf("%w: retry in 30s", service.ErrRateLimited), testutil.ErrorCodeRateLimited},
		{fmt.Errorf("create order: %w", amount.ErrAmountExhausted), testutil.ErrorCodeCapacityExhausted},
		{validation.ValidationErrors{{Field: "recipient", Message: "recipient is required"}}, testutil.ErrorCodeInvalidRequest},
		{errors.New("db down"), testutil.ErrorCodeInternalError},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			router := newRouter(&fakeService{err: tc.err})
			resp := testutil.MakeAuthRequest(router, http.MethodPost, "/orders",
				map[string]any{"recipient": "someone", "duration": 3}, token(t, testutil.BuyerUserID, "buyer_one"))
			testutil.AssertErrorCode(t, resp, tc.code)
		})
	}
}

func TestCreateOrderInvalidPayload(t *testing.T) {
	router := newRouter(&fakeService{})
	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/orders", "not-an-object", token(t, testutil.BuyerUserID, ""))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestGetOrderHidesFailureDetail(t *testing.T) {
	svc := &fakeService{order: sampleOrder()}
	router := newRouter(svc)

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/orders/"+svc.order.ID, nil, token(t, testutil.BuyerUserID, "buyer_one"))
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	if strings.Contains(resp.Body.String(), "liteserver") || strings.Contains(resp.Body.String(), "settlement_attempted") {
		t.Fatalf("owner response leaked failure detail: %s", resp.Body.String())
	}
	if svc.lastGetBy != testutil.BuyerUserID {
		t.Fatalf("expected lookup as caller, got %d", svc.lastGetBy)
	}

	missing := newRouter(&fakeService{err: storage.ErrNotFound})
	resp = testutil.MakeAuthRequest(missing, http.MethodGet, "/orders/nope", nil, token(t, testutil.BuyerUserID, "buyer_one"))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeOrderNotFound)
}

func TestListOrders(t *testing.T) {
	svc := &fakeService{orders: []storage.Order{*sampleOrder()}, total: 7}
	router := newRouter(svc)
	jwt := token(t, testutil.BuyerUserID, "buyer_one")

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/orders?status=failed&page=2&page_size=5", nil, jwt)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	var body listOrdersResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 7 || body.Page != 2 || body.PageSize != 5 || len(body.Orders) != 1 {
		t.Fatalf("unexpected body %+v", body)
	}
	if svc.lastList.Status != "failed" || svc.lastList.UserID != testutil.BuyerUserID {
		t.Fatalf("unexpected input %+v", svc.lastList)
	}

	resp = testutil.MakeAuthRequest(router, http.MethodGet, "/orders?page=abc", nil, jwt)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestOrderStats(t *testing.T) {
	svc := &fakeService{stats: &storage.OrderStats{
		Total: 3,
		ByStatus: map[string]storage.StatusStats{
			storage.OrderStatusCompleted: {Count: 2, Amount: decimal.RequireFromString("36.001")},
			storage.OrderStatusExpired:   {Count: 1, Amount: decimal.RequireFromString("14")},
		},
	}}
	router := newRouter(svc)

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/orders/stats", nil, token(t, testutil.BuyerUserID, "buyer_one"))
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	body := testutil.DecodeJSON[orderStatsResponse](t, resp)
	if body.Total != 3 || body.ByStatus["completed"].Count != 2 || body.ByStatus["expired"].Amount != "14.000" {
		t.Fatalf("unexpected body %+v", body)
	}
	if svc.lastStats != testutil.BuyerUserID {
		t.Fatalf("stats requested for %d", svc.lastStats)
	}
	if svc.lastGetBy != 0 {
		t.Fatalf("stats path must not be routed as an order id")
	}
}

func TestListTiers(t *testing.T) {
	router := newRouter(&fakeService{})
	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/tiers", nil, token(t, testutil.BuyerUserID, ""))
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	var body struct {
		Tiers []tierItem `json:"tiers"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tiers) != 1 || body.Tiers[0].Amount != "36.00" || body.Tiers[0].Price != "40.00" {
		t.Fatalf("unexpected tiers %+v", body.Tiers)
	}
}

func TestRefundOrder(t *testing.T) {
	svc := &fakeService{err: fmt.Errorf("%w: order x", service.ErrSettlementUnverified)}
	router := newRouter(svc)
	jwt := token(t, testutil.AdminUserID, "operator")

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/admin/orders/abc/refund", map[string]any{"reason": "dup"}, jwt)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeSettlementUnverified)

	refunded := sampleOrder()
	refunded.Status = storage.OrderStatusRefunded
	svc.err = nil
	svc.order = refunded
	resp = testutil.MakeAuthRequest(router, http.MethodPost, "/admin/orders/abc/refund", map[string]any{"reason": "checked", "force": true}, jwt)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	if !svc.lastRefund.Force || svc.lastRefund.OrderID != "abc" || svc.lastRefund.ActorID != testutil.AdminUserID {
		t.Fatalf("unexpected refund input %+v", svc.lastRefund)
	}
	if !strings.Contains(resp.Body.String(), "liteserver") {
		t.Fatalf("admin response should include failure detail: %s", resp.Body.String())
	}

	svc.err = service.ErrNotRefundable
	resp = testutil.MakeAuthRequest(router, http.MethodPost, "/admin/orders/abc/refund", nil, jwt)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeNotRefundable)
}

func TestAdminRoutesForbidden(t *testing.T) {
	router := newRouter(&fakeService{err: service.ErrForbidden})
	jwt := token(t, testutil.BuyerUserID, "buyer_one")

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/admin/orders/problems", nil, jwt)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeForbidden)

	resp = testutil.MakeAuthRequest(router, http.MethodPut, "/admin/settings/settlement-address", map[string]string{"address": "T"}, jwt)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeForbidden)
}

func TestCompleteOrderWrongState(t *testing.T) {
	router := newRouter(&fakeService{err: fmt.Errorf("order x to completed: %w", storage.ErrInvalidTransition)})
	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/admin/orders/x/complete",
		map[string]string{"fulfillment_tx_id": "manual"}, token(t, testutil.AdminUserID, "operator"))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidState)
}
