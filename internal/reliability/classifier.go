package reliability

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableLiveStatus classifies upstream live-session error statuses
// (google.rpc codes as strings) that a fresh session may get past.
func IsRetryableLiveStatus(status string) bool {
	switch status {
	case "RESOURCE_EXHAUSTED", "UNAVAILABLE", "DEADLINE_EXCEEDED", "INTERNAL", "ABORTED":
		return true
	default:
		return false
	}
}

// IsNormalClose reports whether err is a websocket close the peer initiated
// on purpose.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// IsRetryableClose reports whether a dropped live connection is worth
// reopening: server restarts and overload, not policy or payload rejections.
func IsRetryableClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		// Abrupt drops without a close frame are network failures.
		return err != nil
	}
	switch ce.Code {
	case websocket.CloseGoingAway, websocket.CloseInternalServerErr, websocket.CloseServiceRestart, websocket.CloseTryAgainLater, websocket.CloseAbnormalClosure:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
