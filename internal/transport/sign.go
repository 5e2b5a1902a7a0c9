package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// hmacSign produces a generic HMAC-SHA256 signature over a timestamp. It
// deliberately does not reproduce any named exchange's canonicalization
// (header ordering, query-string concatenation, etc.) — that belongs to a
// real exchange adapter, out of scope here.
func hmacSign(secretKey string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(fmt.Sprintf("%d", timestamp)))
	return hex.EncodeToString(mac.Sum(nil))
}

// hmacSignRequest signs method+path+body+timestamp, used by
// RESTTradingClient for order-entry requests.
func hmacSignRequest(secretKey, method, path, body string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(fmt.Sprintf("%d%s%s%s", timestamp, method, path, body)))
	return hex.EncodeToString(mac.Sum(nil))
}
