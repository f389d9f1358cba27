package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/kilupskalvis/factflow/internal/audit"
)

// RetentionLoop purges audit entries older than horizon every interval
// until ctx is done. The first purge runs immediately.
func RetentionLoop(ctx context.Context, log *audit.Log, horizon, interval time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := log.Purge(ctx, horizon); err != nil && ctx.Err() == nil {
			logger.Warn("retention: purge failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
