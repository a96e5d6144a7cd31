package db

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Purger removes keys that were invalidated before cutoff.
type Purger interface {
	PurgeInvalidated(ctx context.Context, cutoff time.Time) (int64, error)
}

// StartInvalidatedKeyCleaner purges keys invalidated more than retention
// ago, every interval, until ctx ends.
func StartInvalidatedKeyCleaner(
	ctx context.Context,
	p Purger,
	interval time.Duration,
	retention time.Duration,
	log *zap.Logger,
) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := p.PurgeInvalidated(ctx, time.Now().Add(-retention))
				if err != nil {
					log.Error("failed to purge invalidated keys", zap.Error(err))
					continue
				}
				if removed > 0 {
					log.Info("purged invalidated keys", zap.Int64("removed", removed))
				}
			}
		}
	}()
}
