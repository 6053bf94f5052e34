package api

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterStore 为每个客户端维护一个令牌桶，并定期清理长时间未出现的客户端。
type limiterStore struct {
	mu           sync.Mutex
	entries      map[string]*limiterEntry
	rps          rate.Limit
	burst        int
	idleTTL      time.Duration
	cleanupEvery time.Duration
	now          func() time.Time
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newLimiterStore(rps float64, burst int, idleTTL time.Duration) *limiterStore {
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	if idleTTL <= 0 {
		idleTTL = 15 * time.Minute
	}
	return &limiterStore{
		entries:      make(map[string]*limiterEntry),
		rps:          rate.Limit(rps),
		burst:        burst,
		idleTTL:      idleTTL,
		cleanupEvery: 2 * time.Minute,
		now:          time.Now,
	}
}

// Allow 判断该客户端当前是否可以继续请求。
func (s *limiterStore) Allow(key string) bool {
	now := s.now()
	s.mu.Lock()
	ent, ok := s.entries[key]
	if !ok {
		ent = &limiterEntry{lim: rate.NewLimiter(s.rps, s.burst)}
		s.entries[key] = ent
	}
	ent.lastSeen = now
	s.mu.Unlock()
	return ent.lim.AllowN(now, 1)
}

// Cleanup 删除超过空闲时间的客户端。
func (s *limiterStore) Cleanup() int {
	cutoff := s.now().Add(-s.idleTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, ent := range s.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// StartJanitor 启动定期清理协程，ctx 取消后退出。
func (s *limiterStore) StartJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.cleanupEvery)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Cleanup()
			}
		}
	}()
}

func (s *limiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
