package domain

import (
	"context"
	"time"
)

type DistributedLock interface {
	Ping(ctx context.Context) (err error)
	// Lock tries once to take lockKey for lockTimeDuration and reports whether it did.
	Lock(ctx context.Context, lockKey string, lockTimeDuration time.Duration) (result bool, err error)
	// Unlock releases lockKey if this client still holds it.
	Unlock(ctx context.Context, lockKey string) (err error)
	Close() error
}
