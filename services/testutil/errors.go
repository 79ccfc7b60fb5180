package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	ErrorCodeInvalidRequest       = "INVALID_REQUEST"
	ErrorCodeUnauthorized         = "UNAUTHORIZED"
	ErrorCodeForbidden            = "FORBIDDEN"
	ErrorCodeRateLimited          = "RATE_LIMITED"
	ErrorCodeNoTier               = "NO_TIER"
	ErrorCodeAddressUnconfigured  = "ADDRESS_UNCONFIGURED"
	ErrorCodeUserBanned           = "USER_BANNED"
	ErrorCodeCapacityExhausted    = "CAPACITY_EXHAUSTED"
	ErrorCodeOrderNotFound        = "ORDER_NOT_FOUND"
	ErrorCodeNotRefundable        = "NOT_REFUNDABLE"
	ErrorCodeSettlementUnverified = "VERIFY_SETTLEMENT"
	ErrorCodeInvalidState         = "INVALID_STATE"
	ErrorCodeInternalError        = "INTERNAL_ERROR"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func AssertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	if want := StatusForErrorCode(expectedCode); resp.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, resp.Code, resp.Body.String())
	}

	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Code != expectedCode {
		t.Fatalf("expected error code %q, got %q", expectedCode, errResp.Code)
	}
}

func AssertHTTPStatus(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	if resp.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d: %s", expectedStatus, resp.Code, resp.Body.String())
	}
}

// StatusForErrorCode is the HTTP status the API pairs with each error code.
func StatusForErrorCode(code string) int {
	switch code {
	case ErrorCodeInvalidRequest, ErrorCodeNoTier:
		return http.StatusBadRequest
	case ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrorCodeForbidden, ErrorCodeUserBanned:
		return http.StatusForbidden
	case ErrorCodeOrderNotFound:
		return http.StatusNotFound
	case ErrorCodeNotRefundable, ErrorCodeSettlementUnverified, ErrorCodeInvalidState:
		return http.StatusConflict
	case ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrorCodeAddressUnconfigured, ErrorCodeCapacityExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
