package starcore

import (
	"sync"
	"time"
)

// quotaRetentionMultiple controls lazy eviction: a key untouched for
// longer than this multiple of its window is dropped on the next access
// or sweep, keeping memory bounded as the user/guild population grows.
const quotaRetentionMultiple = 2

type quotaWindow struct {
	count       int64
	windowStart time.Time
	window      time.Duration
}

// QuotaStore tracks fixed-window counters keyed by arbitrary strings.
//
// Each key maps to a count and a window-start timestamp. On first access,
// or once the window has fully elapsed, the counter resets. Fixed windows
// are O(1) memory per key; burst-at-boundary imprecision is accepted over
// the cost of sliding windows.
//
// All methods are safe for concurrent use. The read-test-increment
// sequence for a key happens under a single lock, so the limit is never
// exceeded under concurrent admission for the same key.
type QuotaStore struct {
	mu   sync.Mutex
	keys map[string]*quotaWindow

	// now is the clock used for window arithmetic. Tests inject a
	// synthetic clock here.
	now func() time.Time
}

// NewQuotaStore returns an empty QuotaStore using the real clock.
func NewQuotaStore() *QuotaStore {
	return &QuotaStore{
		keys: map[string]*quotaWindow{},
		now:  time.Now,
	}
}

// get returns the live window for key, resetting it if the window has
// elapsed, and evicting stale neighbors opportunistically.
func (q *QuotaStore) get(key string, window time.Duration) *quotaWindow {
	now := q.now()
	w, ok := q.keys[key]
	if !ok {
		w = &quotaWindow{windowStart: now, window: window}
		q.keys[key] = w
		return w
	}
	if now.Sub(w.windowStart) >= window {
		w.count = 0
		w.windowStart = now
		w.window = window
	}
	return w
}

// Allow records a single request against key if doing so stays within
// limit, returning whether the request was admitted and, on denial, the
// time remaining until the window resets. A denied call does not mutate
// the counter.
func (q *QuotaStore) Allow(key string, limit int64, window time.Duration) (
	bool,
	time.Duration,
) {
	return q.Consume(key, 1, limit, window)
}

// Consume is the token-budget variant of Allow: it admits the request
// only if count+amount <= limit, incrementing by amount on success.
func (q *QuotaStore) Consume(
	key string,
	amount int64,
	limit int64,
	window time.Duration,
) (bool, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	w := q.get(key, window)
	if w.count+amount > limit {
		retryAfter := w.windowStart.Add(window).Sub(q.now())
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}
	w.count += amount
	return true, 0
}

// Add unconditionally records amount against key. Used for deferred
// token accounting, where usage is committed after the fact rather than
// checked at admission time.
func (q *QuotaStore) Add(key string, amount int64, window time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	w := q.get(key, window)
	w.count += amount
}

// Usage returns the current count for key within its live window,
// without mutating it.
func (q *QuotaStore) Usage(key string, window time.Duration) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, ok := q.keys[key]
	if !ok {
		return 0
	}
	if q.now().Sub(w.windowStart) >= window {
		return 0
	}
	return w.count
}

// ResetIn returns the time remaining until the live window for key
// ends, or zero if the key has no live window.
func (q *QuotaStore) ResetIn(key string) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, ok := q.keys[key]
	if !ok {
		return 0
	}
	remaining := w.windowStart.Add(w.window).Sub(q.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Sweep evicts keys that haven't been touched within the retention
// multiple of their window, returning the number of keys removed. Run
// this periodically; Allow/Consume do not pay a full-map scan.
func (q *QuotaStore) Sweep() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var evicted int
	for key, w := range q.keys {
		if now.Sub(w.windowStart) >= quotaRetentionMultiple*w.window {
			delete(q.keys, key)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of tracked keys, including any that are stale
// but not yet swept.
func (q *QuotaStore) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys)
}
