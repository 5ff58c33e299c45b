package reliability

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"
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

// Classify labels a failed outbound call for metrics and decides whether a
// retry could help. status is the HTTP status when one was received, else 0.
func Classify(status int, err error) (code string, retryable bool) {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled", false
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout", true
	case status != 0:
		return "http_" + strconv.Itoa(status), IsRetryableHTTPStatus(status)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout", true
		}
		return "network", true
	}
	if err != nil {
		return "error", false
	}
	return "empty", false
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
