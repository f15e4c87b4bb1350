package api

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/helpinghands/assist-chat/internal/auth"
)

const localsIdentity = "identity"

func JWTAuthMiddleware(jv *auth.JWTValidator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := auth.ParseBearerToken(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing auth"})
		}
		id, err := jv.AuthenticateConnection(c.UserContext(), token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
		}
		c.Locals(localsIdentity, id)
		return c.Next()
	}
}

func identity(c *fiber.Ctx) (auth.Identity, bool) {
	id, ok := c.Locals(localsIdentity).(auth.Identity)
	return id, ok
}

const (
	visitorIdle   = 5 * time.Minute
	sweepInterval = time.Minute
)

// KeyedRateLimiter is the in-process limiter used when Redis is not configured.
type KeyedRateLimiter struct {
	visitors sync.Map
	rps      rate.Limit
	burst    int
	log      *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

func NewKeyedRateLimiter(perMinute int, logger *zap.Logger) *KeyedRateLimiter {
	l := &KeyedRateLimiter{
		rps:   rate.Limit(float64(perMinute) / 60.0),
		burst: 10,
		log:   logger,
		stop:  make(chan struct{}),
	}
	go l.cleanupVisitors()
	return l
}

func (l *KeyedRateLimiter) getLimiter(key string) *rate.Limiter {
	now := time.Now().UnixNano()
	if v, ok := l.visitors.Load(key); ok {
		vi := v.(*visitor)
		vi.lastSeen.Store(now)
		return vi.limiter
	}
	nv := &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
	nv.lastSeen.Store(now)
	v, _ := l.visitors.LoadOrStore(key, nv)
	return v.(*visitor).limiter
}

func (l *KeyedRateLimiter) cleanupVisitors() {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-t.C:
			l.sweep(now.Add(-visitorIdle))
		}
	}
}

// sweep forgets callers not seen since cutoff.
func (l *KeyedRateLimiter) sweep(cutoff time.Time) {
	c := cutoff.UnixNano()
	l.visitors.Range(func(k, v interface{}) bool {
		if v.(*visitor).lastSeen.Load() < c {
			l.visitors.Delete(k)
		}
		return true
	})
}

// Stop ends the background sweep.
func (l *KeyedRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *KeyedRateLimiter) MiddlewareByKey(keyFunc func(c *fiber.Ctx) string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := keyFunc(c)
		if !l.getLimiter(key).Allow() {
			l.log.Warn("rate limit exceeded", zap.String("key", key), zap.String("path", c.Path()))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded"})
		}
		return c.Next()
	}
}

// CallerKey keys rate limits by authenticated user, falling back to IP.
func CallerKey(c *fiber.Ctx) string {
	if id, ok := identity(c); ok {
		return "user:" + string(id.Role) + ":" + id.ID
	}
	return "ip:" + c.IP()
}
