package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/signflow/signflow/internal/utils"
	"go.uber.org/zap"
)

const AdminKeyHeader = "X-Admin-Key"

// attemptTracker counts failed admin key attempts per client address.
type attemptTracker struct {
	mu       sync.Mutex
	attempts map[string]*attemptInfo
	limit    int
	window   time.Duration
	now      func() time.Time
}

type attemptInfo struct {
	count int
	last  time.Time
}

func newAttemptTracker(limit int, window time.Duration) *attemptTracker {
	return &attemptTracker{
		attempts: make(map[string]*attemptInfo),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

func (t *attemptTracker) recordFailure(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.attempts[ip]
	if !ok || t.now().Sub(info.last) > t.window {
		info = &attemptInfo{}
		t.attempts[ip] = info
	}
	info.count++
	info.last = t.now()
}

func (t *attemptTracker) blocked(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.attempts[ip]
	if !ok {
		return false
	}
	if t.now().Sub(info.last) > t.window {
		delete(t.attempts, ip)
		return false
	}
	return info.count >= t.limit
}

func (t *attemptTracker) reset(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, ip)
}

func (t *attemptTracker) cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for ip, info := range t.attempts {
		if t.now().Sub(info.last) > t.window {
			delete(t.attempts, ip)
		}
	}
}

// AuthMiddleware guards the administrative routes with a shared key whose
// bcrypt hash is configured.
type AuthMiddleware struct {
	keyHash string
	logger  *zap.Logger
	tracker *attemptTracker
}

func NewAuthMiddleware(keyHash string, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		keyHash: keyHash,
		logger:  logger,
		tracker: newAttemptTracker(5, 15*time.Minute),
	}
}

// StartCleanup drops stale attempt records until ctx is done.
func (am *AuthMiddleware) StartCleanup(ctx context.Context, every time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				am.tracker.cleanup()
			}
		}
	}()
}

func (am *AuthMiddleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if am.tracker.blocked(ip) {
			am.logger.Warn("Admin access blocked after repeated failures", zap.String("client_ip", ip))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many failed attempts"})
			return
		}

		if !utils.VerifySecret(am.keyHash, c.GetHeader(AdminKeyHeader)) {
			am.tracker.recordFailure(ip)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
			return
		}
		am.tracker.reset(ip)
		c.Next()
	}
}
