package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterSweepEvery = 5 * time.Minute
	limiterIdleAfter  = 10 * time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// buckets holds one token bucket per caller key. Idle buckets are swept in
// the background.
type buckets struct {
	mu    sync.Mutex
	rps   rate.Limit
	burst int
	byKey map[string]*bucket
}

func newBuckets(rps, burst int) *buckets {
	b := &buckets{rps: rate.Limit(rps), burst: burst, byKey: make(map[string]*bucket)}
	go b.sweep()
	return b
}

func (b *buckets) sweep() {
	for {
		time.Sleep(limiterSweepEvery)
		b.mu.Lock()
		for k, v := range b.byKey {
			if time.Since(v.lastSeen) > limiterIdleAfter {
				delete(b.byKey, k)
			}
		}
		b.mu.Unlock()
	}
}

func (b *buckets) allow(key string) bool {
	b.mu.Lock()
	v, ok := b.byKey[key]
	if !ok {
		v = &bucket{limiter: rate.NewLimiter(b.rps, b.burst)}
		b.byKey[key] = v
	}
	v.lastSeen = time.Now()
	b.mu.Unlock()
	return v.limiter.Allow()
}

func tooManyRequests(c *gin.Context) {
	c.Header("Retry-After", "1")
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error": "rate limit exceeded",
	})
}

// RateLimiter returns a Gin middleware that enforces token-bucket rate
// limiting per client IP. Request headers are never used as the key: they
// are unauthenticated at this point in the chain.
func RateLimiter(rps, burst int) gin.HandlerFunc {
	b := newBuckets(rps, burst)
	return func(c *gin.Context) {
		if !b.allow(c.ClientIP()) {
			tooManyRequests(c)
			return
		}
		c.Next()
	}
}

// SignerRateLimiter limits signed writes per organization. It must run after
// RequireSignature so the key is the verified signer; requests without a
// signer pass through.
func SignerRateLimiter(rps, burst int) gin.HandlerFunc {
	b := newBuckets(rps, burst)
	return func(c *gin.Context) {
		signer, ok := SignerFromCtx(c)
		if ok && !b.allow(signer.URN()) {
			tooManyRequests(c)
			return
		}
		c.Next()
	}
}
