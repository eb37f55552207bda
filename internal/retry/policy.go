package retry

import (
	"time"

	"github.com/matheus3301/finlink/internal/apierr"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
)

// Policy decides whether a failed request is repeated and how long to wait
// first. Delays double from BaseDelay.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func Default() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, BaseDelay: DefaultBaseDelay}
}

// Next is called after a failed attempt; retries is the number of retries
// already performed. It returns the delay before the next retry, or false
// when err should surface.
func (p Policy) Next(retries int, err error) (time.Duration, bool) {
	if err == nil || retries < 0 || retries >= p.MaxRetries || !apierr.IsRetryable(err) {
		return 0, false
	}
	return p.Delay(retries), true
}

// Delay returns the wait before retry number retries+1.
func (p Policy) Delay(retries int) time.Duration {
	return p.BaseDelay << retries
}
