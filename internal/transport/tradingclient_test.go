package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingcore/internal/core"
	"tradingcore/pkg/apperrors"
)

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func TestSubmitLimitSignsAndReturnsOrderID(t *testing.T) {
	var gotPath, gotSig, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSig = r.Header.Get("X-Signature")
		gotKey = r.Header.Get("X-API-Key")
		var req submitOrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "market:1", req.Market)
		_ = json.NewEncoder(w).Encode(submitOrderResponse{OrderID: "order-9"})
	}))
	defer srv.Close()

	client := NewRESTTradingClient(srv.URL, "key", "secret", time.Second)
	orderID, err := client.SubmitLimit(context.Background(), "market:1", core.SideBid, dec("100"), dec("1"), true, core.RoleMaker)

	require.NoError(t, err)
	assert.Equal(t, "order-9", orderID)
	assert.Equal(t, "/orders", gotPath)
	assert.Equal(t, "key", gotKey)
	assert.NotEmpty(t, gotSig)
}

func TestCancelAndCancelAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/orders/cancel_all":
			_ = json.NewEncoder(w).Encode(cancelAllResponse{Count: 3})
		}
	}))
	defer srv.Close()

	client := NewRESTTradingClient(srv.URL, "key", "secret", time.Second)

	require.NoError(t, client.Cancel(context.Background(), "order-1"))

	count, err := client.CancelAll(context.Background(), "market:1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestSubmitErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind apperrors.SubmitErrorKind
	}{
		{"min notional code", http.StatusBadRequest, `{"code":"min_notional","error":"below minimum"}`, apperrors.SubmitMinNotional},
		{"crossed code", http.StatusBadRequest, `{"code":"post_only_would_cross"}`, apperrors.SubmitCrossed},
		{"nonce code", http.StatusBadRequest, `{"code":"bad_nonce"}`, apperrors.SubmitNonce},
		{"rate limit code", http.StatusBadRequest, `{"code":"rate_limited"}`, apperrors.SubmitRateLimited},
		{"429 without code", http.StatusTooManyRequests, `{"error":"slow down"}`, apperrors.SubmitRateLimited},
		{"unrecognized", http.StatusBadRequest, `{"error":"rejected"}`, apperrors.SubmitOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewRESTTradingClient(srv.URL, "key", "secret", time.Second)
			_, err := client.SubmitLimit(context.Background(), "market:1", core.SideBid, dec("100"), dec("1"), true, core.RoleMaker)

			var se *apperrors.SubmitError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.wantKind, se.Kind)
		})
	}
}

func TestCancelMissingOrderReturnsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewRESTTradingClient(srv.URL, "key", "secret", time.Second)
	err := client.Cancel(context.Background(), "order-gone")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestHmacSignatureChangesWithInput(t *testing.T) {
	a := hmacSignRequest("secret", "POST", "/orders", `{"a":1}`, 1000)
	b := hmacSignRequest("secret", "POST", "/orders", `{"a":2}`, 1000)
	c := hmacSignRequest("secret", "POST", "/orders", `{"a":1}`, 1000)

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, c)
}

func TestServerErrorStaysUnclassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer srv.Close()

	client := NewRESTTradingClient(srv.URL, "key", "secret", time.Second)
	_, err := client.SubmitLimit(context.Background(), "market:1", core.SideBid, dec("100"), dec("1"), true, core.RoleMaker)

	require.Error(t, err)
	var se *apperrors.SubmitError
	assert.False(t, errors.As(err, &se), "a 5xx without a recognized code must stay unclassified so retry predicates treat it as transient")
	assert.True(t, apperrors.IsTransientSubmit(err))
}
