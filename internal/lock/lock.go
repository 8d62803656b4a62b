// Package lock implements the distributed admission controls for job
// submission on top of Redis: a per-user rate slot, a per-user in-flight job
// lock, a per-job poller marker and a per-job operation token.
//
// Every acquisition is a single atomic SET NX with expiry, so the guarantees
// hold across server instances sharing the same Redis. Keys self-expire; a
// crashed holder can never block a user forever.
package lock

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultRateLimit  = 1
	DefaultRateWindow = 180 * time.Second
	DefaultJobLockTTL = 600 * time.Second
	DefaultJobOpTTL   = 30 * time.Second

	sentinel         = "1"
	rateKeyPrefix    = "ratelimit:3d:"
	jobLockKeyPrefix = "job_lock:3d:"
	pollerKeyPrefix  = "job_poller:3d:"
	jobOpKeyPrefix   = "job_op:3d:"
)

// Only touch a key if we still own it.
var (
	compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	compareAndExpire = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	// Extend the lock when we hold it, take it when it is free.
	claimOrExtend = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if cur then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1`)
	incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n`)
)

// RateSlot is the outcome of a rate limit check.
type RateSlot struct {
	Allowed          bool
	RemainingSeconds int
}

// Guard hands out rate slots, job locks, poller markers and op tokens.
type Guard struct {
	rdb redis.UniversalClient
}

// New returns a Guard using rdb as the shared store.
func New(rdb redis.UniversalClient) *Guard {
	return &Guard{rdb: rdb}
}

// TryAcquireRateSlot admits at most limit submissions per user per window.
// When rejected, RemainingSeconds tells the caller how long until the window
// resets.
func (g *Guard) TryAcquireRateSlot(ctx context.Context, userID string, limit int, window time.Duration) (RateSlot, error) {
	if limit < 1 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	key := rateKeyPrefix + userID

	if limit == 1 {
		ok, err := g.rdb.SetNX(ctx, key, sentinel, window).Result()
		if err != nil {
			return RateSlot{}, fmt.Errorf("lock: rate slot: %w", err)
		}
		if ok {
			return RateSlot{Allowed: true}, nil
		}
		return g.rejected(ctx, key)
	}

	n, err := incrWindow.Run(ctx, g.rdb, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return RateSlot{}, fmt.Errorf("lock: rate slot: %w", err)
	}
	if n <= int64(limit) {
		return RateSlot{Allowed: true}, nil
	}
	return g.rejected(ctx, key)
}

func (g *Guard) rejected(ctx context.Context, key string) (RateSlot, error) {
	ttl, err := g.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return RateSlot{}, fmt.Errorf("lock: rate slot ttl: %w", err)
	}
	remaining := 0
	if ttl > 0 {
		remaining = int(math.Ceil(ttl.Seconds()))
	}
	return RateSlot{Allowed: false, RemainingSeconds: remaining}, nil
}

// TryAcquireJobLock takes the user's exclusive in-flight lock on behalf of
// owner, the message id of the job that will hold it.
func (g *Guard) TryAcquireJobLock(ctx context.Context, userID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultJobLockTTL
	}
	ok, err := g.rdb.SetNX(ctx, jobLockKeyPrefix+userID, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock: job lock: %w", err)
	}
	return ok, nil
}

// RefreshJobLock extends owner's lock. It reports false when the lock lapsed
// or belongs to another job.
func (g *Guard) RefreshJobLock(ctx context.Context, userID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultJobLockTTL
	}
	n, err := compareAndExpire.Run(ctx, g.rdb, []string{jobLockKeyPrefix + userID}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("lock: refresh job lock: %w", err)
	}
	return n == 1, nil
}

// ClaimJobLock makes owner the holder of the user's lock if it is free or
// already owner's. Loops re-attached after a restart use it to adopt the
// lock their job was admitted with.
func (g *Guard) ClaimJobLock(ctx context.Context, userID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultJobLockTTL
	}
	n, err := claimOrExtend.Run(ctx, g.rdb, []string{jobLockKeyPrefix + userID}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("lock: claim job lock: %w", err)
	}
	return n == 1, nil
}

// ReleaseJobLock drops the user's lock ahead of its expiry if owner holds it.
func (g *Guard) ReleaseJobLock(ctx context.Context, userID, owner string) error {
	if err := compareAndDelete.Run(ctx, g.rdb, []string{jobLockKeyPrefix + userID}, owner).Err(); err != nil {
		return fmt.Errorf("lock: release job lock: %w", err)
	}
	return nil
}

// TryAcquirePoller marks jobID as being polled by owner.
func (g *Guard) TryAcquirePoller(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, pollerKeyPrefix+jobID, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock: poller: %w", err)
	}
	return ok, nil
}

// RefreshPoller extends owner's marker. It reports false when the marker
// expired or was taken over by someone else.
func (g *Guard) RefreshPoller(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	n, err := compareAndExpire.Run(ctx, g.rdb, []string{pollerKeyPrefix + jobID}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("lock: refresh poller: %w", err)
	}
	return n == 1, nil
}

// ReleasePoller removes owner's marker; markers held by others are untouched.
func (g *Guard) ReleasePoller(ctx context.Context, jobID, owner string) error {
	if err := compareAndDelete.Run(ctx, g.rdb, []string{pollerKeyPrefix + jobID}, owner).Err(); err != nil {
		return fmt.Errorf("lock: release poller: %w", err)
	}
	return nil
}

// PollerActive reports whether any loop currently holds jobID's marker.
func (g *Guard) PollerActive(ctx context.Context, jobID string) (bool, error) {
	n, err := g.rdb.Exists(ctx, pollerKeyPrefix+jobID).Result()
	if err != nil {
		return false, fmt.Errorf("lock: poller exists: %w", err)
	}
	return n == 1, nil
}

// TryAcquireJobOp takes the per-job operation token used to serialize
// user-triggered operations (revert, resume) on one job. The returned token
// must be passed to ReleaseJobOp.
func (g *Guard) TryAcquireJobOp(ctx context.Context, jobID string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = DefaultJobOpTTL
	}
	token := uuid.NewString()
	ok, err := g.rdb.SetNX(ctx, jobOpKeyPrefix+jobID, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("lock: job op: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseJobOp releases the token if it is still ours.
func (g *Guard) ReleaseJobOp(ctx context.Context, jobID, token string) error {
	if err := compareAndDelete.Run(ctx, g.rdb, []string{jobOpKeyPrefix + jobID}, token).Err(); err != nil {
		return fmt.Errorf("lock: release job op: %w", err)
	}
	return nil
}
