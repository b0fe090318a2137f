package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })
	return New(rc), mr
}

var testBucket = Bucket{Name: "test", Window: time.Minute, Limit: 3}

func TestAllowCountsAgainstLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(ctx, testBucket, "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, ok, "hit %d", i+1)
	}

	ok, retry, err := l.Allow(ctx, testBucket, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))

	// A different subject has its own counter.
	ok, _, err = l.Allow(ctx, testBucket, "5.6.7.8")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWindowExpiryResetsCounter(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		l.Allow(ctx, testBucket, "1.2.3.4")
	}
	ok, _, _ := l.Allow(ctx, testBucket, "1.2.3.4")
	require.False(t, ok)

	mr.FastForward(testBucket.Window + time.Second)

	ok, _, err := l.Allow(ctx, testBucket, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestForgetRefundsOneHit(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Allow(ctx, testBucket, "1.2.3.4")
	}
	l.Forget(ctx, testBucket, "1.2.3.4")

	got, err := mr.Get(key(testBucket, "1.2.3.4"))
	require.NoError(t, err)
	assert.Equal(t, "2", got)

	// The refunded slot is usable again.
	ok, _, err := l.Allow(ctx, testBucket, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestForgetAfterWindowExpiryLeavesNoCounter(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()

	l.Allow(ctx, testBucket, "1.2.3.4")
	mr.FastForward(testBucket.Window + time.Second)

	// The counter expired with the window; the refund must not recreate it
	// as a negative key with no TTL.
	l.Forget(ctx, testBucket, "1.2.3.4")
	assert.False(t, mr.Exists(key(testBucket, "1.2.3.4")))

	// The next window still behaves normally.
	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(ctx, testBucket, "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _, _ := l.Allow(ctx, testBucket, "1.2.3.4")
	assert.False(t, ok)
}

func TestAllowFailsOpenWhenRedisDown(t *testing.T) {
	l, mr := newTestLimiter(t)
	mr.Close()

	ok, _, err := l.Allow(context.Background(), testBucket, "1.2.3.4")
	assert.True(t, ok)
	assert.Error(t, err)
}
