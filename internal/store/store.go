// Package store provides an in-memory key-value store with TTL support.
package store

import (
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrNotInteger is returned by the counter operations when the stored
	// value is not a base-10 64-bit integer.
	ErrNotInteger = errors.New("value is not an integer or out of range")
	// ErrOverflow is returned when a counter operation would leave the int64 range.
	ErrOverflow = errors.New("increment or decrement would overflow")
)

// DefaultSweepInterval is how often the background sweeper samples keys
// with an expiration.
const DefaultSweepInterval = 100 * time.Millisecond

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now. Tests use it to expire keys without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSweepInterval sets the background sweep period. Zero disables the
// sweeper; expired keys are then only reclaimed when touched.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		s.sweepEvery = d
	}
}

// Store represents an in-memory key-value store with TTL support.
// It is safe for concurrent use by multiple goroutines.
//
// Values live in data; expirations live in expires, keyed identically.
// A key present in expires is always present in data.
type Store struct {
	mu      sync.RWMutex
	data    map[string]string
	expires map[string]time.Time

	now        func() time.Time
	sweepEvery time.Duration
	reclaimed  atomic.Uint64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a new empty Store and starts the background expiration goroutine.
func New(opts ...Option) *Store {
	s := &Store{
		data:       make(map[string]string),
		expires:    make(map[string]time.Time),
		now:        time.Now,
		sweepEvery: DefaultSweepInterval,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepEvery > 0 {
		go s.gcLoop()
	} else {
		close(s.done)
	}
	return s
}

// Close stops the background GC goroutine. It is safe to call more than once.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
}

func (s *Store) gcLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.removeExpired()
		}
	}
}

// removeExpired samples up to 20 keys from the expiration index and deletes
// the expired ones. If more than 25% of the sample was expired it samples
// again, for a bounded number of rounds, so the write lock is never held
// for a full scan.
func (s *Store) removeExpired() {
	const (
		sampleSize   = 20
		maxRounds    = 4
		expiredRatio = 0.25
	)

	for round := 0; round < maxRounds; round++ {
		s.mu.Lock()
		now := s.now()
		sampled, expired := 0, 0

		// Map iteration order is randomised, which gives the sample.
		for key, at := range s.expires {
			if sampled >= sampleSize {
				break
			}
			sampled++
			if !now.Before(at) {
				s.deleteLocked(key)
				s.reclaimed.Add(1)
				expired++
			}
		}

		s.mu.Unlock()

		if sampled == 0 || float64(expired)/float64(sampled) < expiredRatio {
			return
		}
	}
}

// liveLocked looks key up as of now. The second result reports a live value;
// the third reports a key that exists but has expired. The caller holds at
// least the read lock.
func (s *Store) liveLocked(key string, now time.Time) (string, bool, bool) {
	v, ok := s.data[key]
	if !ok {
		return "", false, false
	}
	if at, has := s.expires[key]; has && !now.Before(at) {
		return "", false, true
	}
	return v, true, false
}

func (s *Store) deleteLocked(key string) {
	delete(s.data, key)
	delete(s.expires, key)
}

// purge removes keys that were seen expired under the read lock. Each key is
// checked again under the write lock since it may have been rewritten in
// between.
func (s *Store) purge(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, key := range keys {
		if _, _, stale := s.liveLocked(key, now); stale {
			s.deleteLocked(key)
			s.reclaimed.Add(1)
		}
	}
}

// Get returns the value stored at key. Expired keys are reported as absent
// and removed.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	v, ok, stale := s.liveLocked(key, s.now())
	s.mu.RUnlock()

	if stale {
		s.purge(key)
	}
	return v, ok
}

// Exists reports whether key holds a live value.
func (s *Store) Exists(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Set stores value at key. Any previous expiration is cleared, so the key
// becomes persistent.
func (s *Store) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	delete(s.expires, key)
}

// SetWithTTL stores value at key, expiring ttl from now. A non-positive ttl
// stores an entry that is already expired.
func (s *Store) SetWithTTL(key, value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	s.expires[key] = s.now().Add(ttl)
}

// Remove deletes key and its expiration. It reports whether a live key was
// removed; removing an absent key is a no-op.
func (s *Store) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, live, _ := s.liveLocked(key, s.now())
	s.deleteLocked(key)
	return live
}

// Keys returns the live keys containing pattern as a substring, sorted.
// An empty pattern matches every key.
func (s *Store) Keys(pattern string) []string {
	s.mu.RLock()
	now := s.now()
	keys := make([]string, 0)
	var stale []string
	for k := range s.data {
		if !strings.Contains(k, pattern) {
			continue
		}
		if at, has := s.expires[k]; has && !now.Before(at) {
			stale = append(stale, k)
			continue
		}
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	if len(stale) > 0 {
		s.purge(stale...)
	}
	sort.Strings(keys)
	return keys
}

// Clear removes all keys.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]string)
	s.expires = make(map[string]time.Time)
}

// Incr adds one to the integer stored at key.
func (s *Store) Incr(key string) (int64, error) {
	return s.IncrBy(key, 1)
}

// Decr subtracts one from the integer stored at key.
func (s *Store) Decr(key string) (int64, error) {
	return s.IncrBy(key, -1)
}

// IncrBy adds delta to the integer stored at key and returns the result.
// An absent or expired key is first set to "0". On error the stored value
// is left unchanged. An existing expiration is kept.
func (s *Store) IncrBy(key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok, stale := s.liveLocked(key, s.now())
	if stale {
		s.deleteLocked(key)
		s.reclaimed.Add(1)
	}
	if !ok {
		cur = "0"
		s.data[key] = cur
	}

	n, err := parseInt64(cur)
	if err != nil {
		return 0, err
	}
	if (delta > 0 && n > math.MaxInt64-delta) || (delta < 0 && n < math.MinInt64-delta) {
		return 0, ErrOverflow
	}

	n += delta
	s.data[key] = strconv.FormatInt(n, 10)
	return n, nil
}

// TTL returns the remaining lifetime of key. ok is false when the key is
// absent; a persistent key reports -1.
func (s *Store) TTL(key string) (ttl time.Duration, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	if _, live, _ := s.liveLocked(key, now); !live {
		return 0, false
	}
	at, has := s.expires[key]
	if !has {
		return -1, true
	}
	return at.Sub(now), true
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	n := len(s.data)
	for _, at := range s.expires {
		if !now.Before(at) {
			n--
		}
	}
	return n
}

// Reclaimed returns how many expired keys have been physically removed,
// either lazily or by the sweeper.
func (s *Store) Reclaimed() uint64 {
	return s.reclaimed.Load()
}

// parseInt64 accepts an optional '-' followed by decimal digits.
func parseInt64(v string) (int64, error) {
	digits := strings.TrimPrefix(v, "-")
	if digits == "" {
		return 0, ErrNotInteger
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, ErrNotInteger
		}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}
	return n, nil
}
