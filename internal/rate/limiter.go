package rate

import (
	"container/list"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

/*
Package rate throttles feed consumers. SlidingRPS keeps a bounded LRU of
per-client sliding windows and Middleware rejects clients whose estimated
request rate exceeds the configured limit.
*/

type SlidingRPS struct {
	mu      sync.Mutex
	window  int // seconds
	cap     int // max keys to retain
	items   map[string]*list.Element
	lru     *list.List   // front = most recently used
	nowFunc func() int64 // for tests; defaults to time.Now().Unix()
}

type rpsEntry struct {
	key      string
	startSec int64    // first second seen (for span calculation)
	lastSec  int64    // last updated second
	buckets  []uint16 // len == window; counts per second bucket
}

// NewSlidingRPS creates a 10k-capacity RPS estimator with a given window (seconds).
func NewSlidingRPS(window int) *SlidingRPS {
	return NewSlidingRPSWithCapacity(window, 10000)
}

// NewSlidingRPSWithCapacity creates a bounded RPS estimator.
func NewSlidingRPSWithCapacity(window, capacity int) *SlidingRPS {
	if window <= 0 {
		window = 10
	}
	if capacity <= 0 {
		capacity = 10000
	}
	return &SlidingRPS{
		window:  window,
		cap:     capacity,
		items:   make(map[string]*list.Element, capacity/2),
		lru:     list.New(),
		nowFunc: func() int64 { return time.Now().Unix() },
	}
}

// Add records a request for key and returns the estimated RPS across the window.
func (s *SlidingRPS) Add(key string) float64 {
	now := s.nowFunc()
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		en := el.Value.(*rpsEntry)
		s.advance(en, now)
		if en.buckets[s.window-1] < 65535 {
			en.buckets[s.window-1]++
		}
		s.lru.MoveToFront(el)
		return s.estimate(en, now)
	}

	if s.lru.Len() >= s.cap {
		if back := s.lru.Back(); back != nil {
			delete(s.items, back.Value.(*rpsEntry).key)
			s.lru.Remove(back)
		}
	}
	en := &rpsEntry{
		key:      key,
		startSec: now,
		lastSec:  now,
		buckets:  make([]uint16, s.window),
	}
	en.buckets[s.window-1] = 1
	s.items[key] = s.lru.PushFront(en)
	return s.estimate(en, now)
}

// Len reports how many clients are tracked
func (s *SlidingRPS) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// advance shifts the second-buckets forward to catch up with now.
func (s *SlidingRPS) advance(en *rpsEntry, now int64) {
	if now <= en.lastSec {
		return
	}
	diff := now - en.lastSec
	if diff >= int64(s.window) {
		for i := range en.buckets {
			en.buckets[i] = 0
		}
		en.startSec = now
		en.lastSec = now
		return
	}
	shift := int(diff)
	copy(en.buckets, en.buckets[shift:])
	for i := s.window - shift; i < s.window; i++ {
		en.buckets[i] = 0
	}
	en.lastSec = now
}

func (s *SlidingRPS) estimate(en *rpsEntry, now int64) float64 {
	sum := 0
	for _, b := range en.buckets {
		sum += int(b)
	}
	span := int(now - en.startSec + 1)
	if span < 1 {
		span = 1
	}
	if span > s.window {
		span = s.window
	}
	return float64(sum) / float64(span)
}

// Middleware answers 429 once a client's estimated rate exceeds limit.
// limit <= 0 disables throttling.
func Middleware(s *SlidingRPS, limit float64, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			if rps := s.Add(key); rps > limit {
				logger.Debug().Str("client", key).Float64("rps", rps).Msg("feed request throttled")
				w.Header().Set("Retry-After", strconv.Itoa(s.window))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey is the remote host without its port
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
