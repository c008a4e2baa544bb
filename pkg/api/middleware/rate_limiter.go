package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// ClientQuotaConfig bounds how fast a single operator client may hit the
// control surface. This is deliberately much simpler than the admission
// controller's six-gate pipeline: the control surface only needs a
// per-client request ceiling, not cost or circuit awareness.
type ClientQuotaConfig struct {
	RequestsPerWindow int
	Window            time.Duration
	MaxIdle           time.Duration
}

// DefaultClientQuotaConfig allows 120 requests per client per minute.
func DefaultClientQuotaConfig() ClientQuotaConfig {
	return ClientQuotaConfig{
		RequestsPerWindow: 120,
		Window:            time.Minute,
		MaxIdle:           10 * time.Minute,
	}
}

type clientWindow struct {
	windowStart time.Time
	count       int
	lastSeen    time.Time
}

// ClientQuota is a fixed-window per-client request limiter for the
// control surface.
type ClientQuota struct {
	mu      sync.Mutex
	cfg     ClientQuotaConfig
	clients map[string]*clientWindow
}

// NewClientQuota builds a limiter and starts its idle-entry sweeper.
func NewClientQuota(cfg ClientQuotaConfig) *ClientQuota {
	q := &ClientQuota{cfg: cfg, clients: make(map[string]*clientWindow)}
	go q.sweep()
	return q
}

func (q *ClientQuota) sweep() {
	ticker := time.NewTicker(q.cfg.MaxIdle)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-q.cfg.MaxIdle)
		q.mu.Lock()
		for id, w := range q.clients {
			if w.lastSeen.Before(cutoff) {
				delete(q.clients, id)
			}
		}
		q.mu.Unlock()
	}
}

// Allow reports whether clientID still has quota in the current window.
func (q *ClientQuota) Allow(clientID string) bool {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	w, ok := q.clients[clientID]
	if !ok || now.Sub(w.windowStart) >= q.cfg.Window {
		w = &clientWindow{windowStart: now}
		q.clients[clientID] = w
	}
	w.lastSeen = now
	if w.count >= q.cfg.RequestsPerWindow {
		return false
	}
	w.count++
	return true
}

// Middleware rejects over-quota clients with 429, keyed by forwarded
// address when present, direct client IP otherwise.
func (q *ClientQuota) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetHeader("X-Forwarded-For")
		if clientID == "" {
			clientID = c.ClientIP()
		}
		if !q.Allow(clientID) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": q.cfg.Window.String(),
			})
			return
		}
		c.Next()
	}
}

// RateLimitMiddleware creates a control-surface rate limiter with the
// stock quota.
func RateLimitMiddleware() gin.HandlerFunc {
	return NewClientQuota(DefaultClientQuotaConfig()).Middleware()
}
