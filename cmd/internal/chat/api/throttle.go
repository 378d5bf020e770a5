package chatapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Default write budget per caller for the fallback endpoints.
const (
	DefaultWriteLimit  = 60
	DefaultWriteWindow = time.Minute
)

// writeThrottle is a per-caller sliding-window limiter for write endpoints.
type writeThrottle struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	hits   map[string][]time.Time
}

func newWriteThrottle(max int, window time.Duration) *writeThrottle {
	if max <= 0 {
		max = DefaultWriteLimit
	}
	if window <= 0 {
		window = DefaultWriteWindow
	}
	return &writeThrottle{max: max, window: window, hits: make(map[string][]time.Time)}
}

// allow records a hit for key unless the window is full, in which case it
// returns how long until the oldest hit expires.
func (t *writeThrottle) allow(key string, now time.Time) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	blocked, retry := evaluateWindowThrottle(now, t.hits[key], t.max, t.window)
	if blocked {
		return false, retry
	}

	kept := pruneBefore(t.hits[key], now.Add(-t.window))
	t.hits[key] = append(kept, now)

	// Opportunistic cleanup so idle callers do not accumulate.
	if len(t.hits) > 4096 {
		cut := now.Add(-t.window)
		for k, v := range t.hits {
			if v = pruneBefore(v, cut); len(v) == 0 {
				delete(t.hits, k)
			} else {
				t.hits[k] = v
			}
		}
	}
	return true, 0
}

// evaluateWindowThrottle blocks when at least max hits fall inside window.
// retry is the time until the oldest in-window hit leaves it.
func evaluateWindowThrottle(now time.Time, hits []time.Time, max int, window time.Duration) (bool, time.Duration) {
	cut := now.Add(-window)

	count := 0
	oldest := time.Time{}
	for _, h := range hits {
		if !h.After(cut) {
			continue
		}
		count++
		if oldest.IsZero() || h.Before(oldest) {
			oldest = h
		}
	}
	if count < max {
		return false, 0
	}
	return true, oldest.Add(window).Sub(now)
}

func pruneBefore(hits []time.Time, cut time.Time) []time.Time {
	out := hits[:0]
	for _, h := range hits {
		if h.After(cut) {
			out = append(out, h)
		}
	}
	return out
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(retryAfter / time.Second)
		if retryAfter%time.Second != 0 {
			secs++
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
}
