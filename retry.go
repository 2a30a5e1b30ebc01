package woofr

import (
	"sync"
	"time"
)

// ============================================================================
// Retry ledger
// ============================================================================

// RetryPolicy bounds the transport's local recovery of CSRF-invalid and
// transient failures. MaxRetries is the number of resubmissions allowed per
// distinct request on top of the initial attempt; BaseDelay seeds the
// exponential backoff used for transient failures.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func (p *RetryPolicy) defaults() {
	if p.MaxRetries == 0 {
		p.MaxRetries = 2
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = 250 * time.Millisecond
	}
}

// retryLedger counts retries per distinct request. Entries are keyed by
// method + URL + a per-dispatch nonce, so concurrent requests to the same
// endpoint never share a counter and a caller's manual retry starts a fresh
// budget instead of compounding with the transport's own retries. Entries
// are cleared when the request resolves, success or not.
type retryLedger struct {
	mu       sync.Mutex
	attempts map[string]int
}

func newRetryLedger() *retryLedger {
	return &retryLedger{attempts: make(map[string]int)}
}

func requestKey(method, url, nonce string) string {
	return method + " " + url + "#" + nonce
}

// bump records one more retry for key and returns the running count.
func (l *retryLedger) bump(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[key]++
	return l.attempts[key]
}

func (l *retryLedger) clear(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key)
}

// backoffDelay returns the delay before the given retry (1-based), doubling
// per attempt from base.
func backoffDelay(base time.Duration, retry int) time.Duration {
	delay := base
	for i := 1; i < retry; i++ {
		delay *= 2
	}
	return delay
}
