// Package control implements the per-(project, environment) control
// loop lock (spec C10): at most one of {deploy, promote, rollback,
// cleanup} may run against a given key at a time. Grounded on the
// teacher's Redis SETNX-with-TTL critical section (pkg/alert/dedup.go)
// generalized from a cache-dedup check into a mutual-exclusion lock.
package control

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/codeblabdev-max/codeb-server-sub006/pkg/codeberr"
)

const lockKeyPrefix = "codeb:lock:"

// Locker acquires and releases the logical per-(project, environment) lock.
type Locker struct {
	rdb         *redis.Client
	ttl         time.Duration
	waitTimeout time.Duration
	pollEvery   time.Duration
}

// NewLocker builds a Locker. ttl bounds how long a held lock survives a
// crashed holder; waitTimeout bounds how long Acquire waits for a busy
// lock before failing with codeberr.KindBusy (spec §4.9, default 120s).
func NewLocker(rdb *redis.Client, ttl, waitTimeout time.Duration) *Locker {
	return &Locker{rdb: rdb, ttl: ttl, waitTimeout: waitTimeout, pollEvery: 100 * time.Millisecond}
}

func lockKey(project, environment string) string {
	return fmt.Sprintf("%s%s:%s", lockKeyPrefix, project, environment)
}

// Acquire blocks (polling) until the lock for (project, environment) is
// free or waitTimeout elapses, in which case it fails with
// codeberr.KindBusy. The returned release func must be called exactly
// once to drop the lock early; it is also safe to let the lock expire
// via its TTL if the caller crashes.
func (l *Locker) Acquire(ctx context.Context, project, environment string) (release func(context.Context) error, err error) {
	key := lockKey(project, environment)
	token := uuid.NewString()

	deadline := time.Now().Add(l.waitTimeout)
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, codeberr.Wrap(codeberr.KindTransport, "acquiring control lock", err)
		}
		if ok {
			return func(releaseCtx context.Context) error {
				return l.release(releaseCtx, key, token)
			}, nil
		}

		if time.Now().After(deadline) {
			return nil, codeberr.Newf(codeberr.KindBusy, "lock for %s/%s is held", project, environment)
		}
		select {
		case <-ctx.Done():
			return nil, codeberr.Wrap(codeberr.KindTimeout, "acquiring control lock", ctx.Err())
		case <-time.After(l.pollEvery):
		}
	}
}

// release deletes the lock key only if it is still held by token,
// avoiding dropping a lock some other holder has since acquired after
// this one's TTL expired.
func (l *Locker) release(ctx context.Context, key, token string) error {
	got, err := l.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return codeberr.Wrap(codeberr.KindTransport, "releasing control lock", err)
	}
	if got != token {
		return nil
	}
	if err := l.rdb.Del(ctx, key).Err(); err != nil {
		return codeberr.Wrap(codeberr.KindTransport, "releasing control lock", err)
	}
	return nil
}
