package venue

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrTransient       = errors.New("transient venue error")
	ErrRateLimited     = errors.New("venue rate limit")
	ErrDataUnavailable = errors.New("venue data unavailable")
	ErrUnsupported     = errors.New("operation not supported by venue")
	ErrRejected        = errors.New("venue rejected request")
)

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func RateLimited(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrRateLimited, err)
}

func DataUnavailable(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrDataUnavailable}, args...)...)
}

// IsRetryable reports whether a call may be repeated with backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Classify maps an HTTP status and body onto the taxonomy. Rate limits are
// also recognised from message text since some venues answer 200 with an
// error payload.
func Classify(status int, body string) error {
	msg := strings.TrimSpace(body)
	if status == 429 || looksRateLimited(msg) {
		return RateLimited(fmt.Errorf("http %d: %s", status, msg))
	}
	if status >= 500 {
		return Transient(fmt.Errorf("http %d: %s", status, msg))
	}
	if status >= 400 {
		return fmt.Errorf("%w: http %d: %s", ErrRejected, status, msg)
	}
	return nil
}

func looksRateLimited(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "too many requests") || strings.Contains(lower, "rate limit")
}
