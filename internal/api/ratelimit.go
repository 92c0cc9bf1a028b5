package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/oriys/courier/internal/domain"
	"golang.org/x/time/rate"
)

// ClientLimiter 按调用方地址的令牌桶限流，定期清理空闲条目
type ClientLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu      sync.Mutex
	clients map[string]*clientEntry
	hits    uint64
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter 创建限流器。rps 或 burst 非正数时返回 nil，nil 限流器放行所有请求。
func NewClientLimiter(rps float64, burst int, idleTTL time.Duration) *ClientLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &ClientLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		clients: make(map[string]*clientEntry),
	}
}

// Allow 判断 key 在 now 时刻是否还有令牌
func (l *ClientLimiter) Allow(key string, now time.Time) bool {
	if l == nil || key == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.clients[key]
	if !ok {
		e = &clientEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.clients {
			if v.lastSeen.Before(cutoff) {
				delete(l.clients, k)
			}
		}
	}
	return allowed
}

// Middleware 超出限额时返回 429 TOO_MANY_REQUESTS
func (l *ClientLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(sourceAddress(r), time.Now()) {
			writeExecutionError(w, domain.NewExecutionError(domain.CodeTooManyRequests, ""))
			return
		}
		next.ServeHTTP(w, r)
	})
}
