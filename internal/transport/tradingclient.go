package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/internal/core"
	"tradingcore/pkg/apperrors"
)

// RESTTradingClient implements core.TradingClient against a generic signed
// REST order-entry schema (spec §6.1's reference/synthetic realization).
// Grounded on the teacher's internal/infrastructure/http.Client: a thin
// wrapper around *http.Client with a pluggable Signer, here specialized
// in-line rather than through a Signer interface since every request this
// client makes uses the same HMAC scheme.
//
// keyLocks serializes SubmitLimit calls per (market, side, role) tuple, so
// at most one submit is in flight for a tuple. Cancel and CancelAll take no
// such lock: a cancel carries only an order ID or a market, and may run
// concurrently with a submit or another cancel.
type RESTTradingClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	secretKey  string

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// NewRESTTradingClient constructs a RESTTradingClient against baseURL,
// authenticating requests with the given API key/secret pair.
func NewRESTTradingClient(baseURL, apiKey, secretKey string, timeout time.Duration) *RESTTradingClient {
	return &RESTTradingClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		secretKey:  secretKey,
		keyLocks:   make(map[string]*sync.Mutex),
	}
}

func (c *RESTTradingClient) lockFor(market string, side core.Side, role core.Role) func() {
	key := fmt.Sprintf("%s|%s|%s", market, side, role)
	c.mu.Lock()
	l, ok := c.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		c.keyLocks[key] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

type submitOrderRequest struct {
	Market   string          `json:"market"`
	Side     core.Side       `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Size     decimal.Decimal `json:"size"`
	PostOnly bool            `json:"post_only"`
	Role     core.Role       `json:"role"`
}

type submitOrderResponse struct {
	OrderID string `json:"order_id"`
}

// SubmitLimit submits a post-only or cross-allowed limit order and returns
// the exchange-assigned order ID.
func (c *RESTTradingClient) SubmitLimit(ctx context.Context, market string, side core.Side, price, size decimal.Decimal, postOnly bool, role core.Role) (string, error) {
	defer c.lockFor(market, side, role)()

	body, err := json.Marshal(submitOrderRequest{Market: market, Side: side, Price: price, Size: size, PostOnly: postOnly, Role: role})
	if err != nil {
		return "", fmt.Errorf("transport: marshal submit request: %w", err)
	}

	respBody, err := c.do(ctx, http.MethodPost, "/orders", body)
	if err != nil {
		return "", classifySubmitError(err)
	}

	var resp submitOrderResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("transport: decode submit response: %w", err)
	}
	return resp.OrderID, nil
}

// Cancel cancels one resting order by ID. A 404 maps to
// apperrors.ErrOrderNotFound per spec §6.1's "ack | not_found" contract.
func (c *RESTTradingClient) Cancel(ctx context.Context, orderID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/orders/"+orderID, nil)
	var ee *exchangeError
	if errors.As(err, &ee) && ee.status == http.StatusNotFound {
		return apperrors.ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("transport: cancel: %w", err)
	}
	return nil
}

type cancelAllResponse struct {
	Count int `json:"count"`
}

// CancelAll cancels every resting order for a market and reports how many
// were canceled.
func (c *RESTTradingClient) CancelAll(ctx context.Context, market string) (int, error) {
	body, err := json.Marshal(map[string]string{"market": market})
	if err != nil {
		return 0, fmt.Errorf("transport: marshal cancel-all request: %w", err)
	}

	respBody, err := c.do(ctx, http.MethodPost, "/orders/cancel_all", body)
	if err != nil {
		return 0, fmt.Errorf("transport: cancel all: %w", err)
	}

	var resp cancelAllResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return 0, fmt.Errorf("transport: decode cancel-all response: %w", err)
	}
	return resp.Count, nil
}

func (c *RESTTradingClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	ts := time.Now().UnixMilli()
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Signature", hmacSignRequest(c.secretKey, method, path, string(body), ts))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		ee := &exchangeError{status: resp.StatusCode, body: string(respBody)}
		var parsed struct {
			Code string `json:"code"`
		}
		if json.Unmarshal(respBody, &parsed) == nil {
			ee.code = parsed.Code
		}
		return nil, ee
	}
	return respBody, nil
}

// exchangeError is an HTTP-level rejection before classification.
type exchangeError struct {
	status int
	code   string
	body   string
}

func (e *exchangeError) Error() string {
	return fmt.Sprintf("exchange error: status=%d code=%s body=%s", e.status, e.code, e.body)
}

// classifySubmitError maps an exchange rejection onto the spec §6.1 submit
// error taxonomy so callers can react deterministically (the hedger's retry
// policy retries only kinds SubmitError.Transient reports as such; the maker
// skips the side for the cycle on permanent kinds).
func classifySubmitError(err error) error {
	var ee *exchangeError
	if !errors.As(err, &ee) {
		// Transport-level failure (timeout, connection reset): leave it
		// unclassified; retry policies treat it as transient.
		return fmt.Errorf("transport: submit limit: %w", err)
	}

	kind := apperrors.SubmitOther
	switch ee.code {
	case "min_notional", "min_size":
		kind = apperrors.SubmitMinNotional
	case "crossed", "post_only_would_cross":
		kind = apperrors.SubmitCrossed
	case "nonce", "bad_nonce", "timestamp_out_of_bounds":
		kind = apperrors.SubmitNonce
	case "rate_limited":
		kind = apperrors.SubmitRateLimited
	default:
		if ee.status == http.StatusTooManyRequests {
			kind = apperrors.SubmitRateLimited
		} else if ee.status >= 500 {
			// A 5xx without a recognized code is the exchange (or a proxy in
			// front of it) failing, not a verdict on the order. Leave it
			// unclassified so retry predicates treat it as transient.
			return fmt.Errorf("transport: submit limit: %w", ee)
		}
	}
	return &apperrors.SubmitError{Kind: kind, Err: ee}
}
