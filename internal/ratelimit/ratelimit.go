// Package ratelimit implements fixed-window request limits backed by Redis,
// shared across all server instances.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"coderoom/internal/logging"
)

// Bucket names one limited action with its window and ceiling.
type Bucket struct {
	Name   string
	Window time.Duration
	Limit  int64
}

// The buckets enforced by the service. Subjects are either client IPs or
// authenticated user IDs, noted per bucket.
var (
	GeneralAPI = Bucket{Name: "api", Window: 15 * time.Minute, Limit: 1000}      // per IP
	Login      = Bucket{Name: "login", Window: 15 * time.Minute, Limit: 100}     // per IP, refunded on success
	Register   = Bucket{Name: "register", Window: 60 * time.Minute, Limit: 10}   // per IP
	Execute    = Bucket{Name: "exec", Window: time.Minute, Limit: 30}            // per user
	WSConnect  = Bucket{Name: "wsconnect", Window: time.Minute, Limit: 10}       // per IP
	RoomCreate = Bucket{Name: "roomcreate", Window: 15 * time.Minute, Limit: 20} // per user
	Chat       = Bucket{Name: "chat", Window: time.Minute, Limit: 100}           // per user
)

// Limiter counts hits per (bucket, subject) in Redis. Windows are fixed: the
// first hit sets the TTL and the counter expires with the window.
type Limiter struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

func key(b Bucket, subject string) string {
	return fmt.Sprintf("ratelimit:%s:%s", b.Name, subject)
}

// Allow records one hit and reports whether the subject is still under the
// bucket's limit. On Redis failure it fails open so a cache outage does not
// take down the API.
func (l *Limiter) Allow(ctx context.Context, b Bucket, subject string) (bool, time.Duration, error) {
	k := key(b, subject)

	count, err := l.rdb.Incr(ctx, k).Result()
	if err != nil {
		logging.L().Warn("rate limiter unavailable, failing open",
			zap.String("bucket", b.Name), zap.Error(err))
		return true, 0, err
	}
	// First hit opens the window; later hits must not extend it.
	if count == 1 {
		l.rdb.Expire(ctx, k, b.Window)
	}

	if count <= b.Limit {
		return true, 0, nil
	}

	ttl, err := l.rdb.TTL(ctx, k).Result()
	if err != nil || ttl < 0 {
		ttl = b.Window
	}
	return false, ttl, nil
}

// refundScript decrements only while the counter still exists. A bare DECR
// after the window expired would recreate the key at -1 with no TTL.
var refundScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return redis.call("DECR", KEYS[1])
end
return 0
`)

// Forget refunds one hit, used so successful logins do not count against the
// login bucket.
func (l *Limiter) Forget(ctx context.Context, b Bucket, subject string) {
	if err := refundScript.Run(ctx, l.rdb, []string{key(b, subject)}).Err(); err != nil {
		logging.L().Debug("rate limit refund failed",
			zap.String("bucket", b.Name), zap.Error(err))
	}
}
