package service

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"marketplace-api/internal/event"
	"marketplace-api/internal/model"
)

const (
	DefaultCleanupInterval     = 6 * time.Hour
	DefaultCleanupJitter       = 10 * time.Minute
	DefaultCleanupInitialDelay = 30 * time.Second
)

// Purger removes expired ledger entries.
type Purger interface {
	PurgeExpired(ctx context.Context, batchSize int) (int64, error)
}

// Locker guards a purge across instances. When acquired is false release is nil.
type Locker interface {
	TryAcquire(ctx context.Context) (release func(context.Context) error, acquired bool, err error)
}

type CleanupConfig struct {
	Interval     time.Duration
	Jitter       time.Duration
	InitialDelay time.Duration
	BatchSize    int
}

// SessionCleanup periodically purges expired revocation entries. At most one
// purge runs per process; a Locker extends that to the whole deployment.
type SessionCleanup struct {
	purger Purger
	locker Locker
	bus    event.Bus
	cfg    CleanupConfig

	mu     sync.Mutex
	wg     sync.WaitGroup
	jitter func(limit time.Duration) time.Duration
}

func NewSessionCleanup(cfg CleanupConfig, purger Purger, locker Locker, bus event.Bus) (*SessionCleanup, error) {
	if purger == nil {
		return nil, errors.New("session cleanup requires a purger")
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultCleanupInterval
	}
	if cfg.Interval < 0 || cfg.Jitter < 0 || cfg.InitialDelay < 0 {
		return nil, errors.New("cleanup durations must not be negative")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultPurgeBatchSize
	}
	if bus == nil {
		bus = event.Nop{}
	}

	return &SessionCleanup{
		purger: purger,
		locker: locker,
		bus:    bus,
		cfg:    cfg,
		jitter: randomJitter,
	}, nil
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit)
}

// Run purges after the initial delay and then once per interval until ctx is
// done. Ticks that arrive while a purge is still running are skipped.
func (c *SessionCleanup) Run(ctx context.Context) error {
	slog.Info("session cleanup started", "interval", c.cfg.Interval, "jitter", c.cfg.Jitter)

	timer := time.NewTimer(c.cfg.InitialDelay + c.jitter(c.cfg.Jitter))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			slog.Info("session cleanup stopped")
			return nil
		case <-timer.C:
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				if _, err := c.Trigger(ctx); err != nil && ctx.Err() == nil {
					slog.Error("scheduled session cleanup failed", "error", err)
				}
			}()
			timer.Reset(c.cfg.Interval + c.jitter(c.cfg.Jitter))
		}
	}
}

// Trigger runs one purge now, or reports Skipped when another purge holds
// the process or deployment lock.
func (c *SessionCleanup) Trigger(ctx context.Context) (model.PurgeResult, error) {
	if !c.mu.TryLock() {
		slog.Debug("session cleanup skipped", "reason", "purge in flight")
		return model.PurgeResult{Skipped: true}, nil
	}
	defer c.mu.Unlock()

	if c.locker != nil {
		release, acquired, err := c.locker.TryAcquire(ctx)
		switch {
		case err != nil:
			// Purging is idempotent; carry on without the lock.
			slog.Warn("cleanup lock unavailable, purging without it", "error", err)
		case !acquired:
			slog.Debug("session cleanup skipped", "reason", "lock held by another instance")
			return model.PurgeResult{Skipped: true}, nil
		default:
			defer func() {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := release(releaseCtx); err != nil {
					slog.Warn("cleanup lock release failed", "error", err)
				}
			}()
		}
	}

	started := time.Now()
	removed, err := c.purger.PurgeExpired(ctx, c.cfg.BatchSize)
	result := model.PurgeResult{Removed: removed, Duration: time.Since(started)}
	if err != nil {
		return result, err
	}

	slog.Info("session cleanup finished", "removed", removed, "duration", result.Duration)
	if removed > 0 {
		c.bus.Publish(event.New(event.TypeSessionsPurged, "", map[string]int64{"removed": removed}))
	}

	return result, nil
}
