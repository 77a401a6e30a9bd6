package pings

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/samfms/core/internal/logging"
	"github.com/samfms/core/internal/store"
)

// PurgeLocationHistoryTask returns a scheduler task dropping position samples
// older than keep. Live vehicle positions are untouched.
func PurgeLocationHistoryTask(st *store.Store, keep time.Duration, log *zap.Logger) func(context.Context) error {
	if log == nil {
		log = logging.Global()
	}
	if keep <= 0 {
		keep = 90 * 24 * time.Hour
	}
	return func(ctx context.Context) error {
		cutoff := time.Now().Add(-keep)
		if removed := st.PurgeLocationHistoryBefore(cutoff); removed > 0 {
			log.Info("location history purged",
				zap.Int("removed", removed),
				zap.Time("cutoff", cutoff))
		}
		return nil
	}
}

// CloseStaleTrackingTask returns a scheduler task deactivating tracking
// sessions that stopped receiving location updates.
func CloseStaleTrackingTask(st *store.Store, maxIdle time.Duration, log *zap.Logger) func(context.Context) error {
	if log == nil {
		log = logging.Global()
	}
	if maxIdle <= 0 {
		maxIdle = 24 * time.Hour
	}
	return func(ctx context.Context) error {
		if closed := st.CloseStaleTrackingSessions(maxIdle); closed > 0 {
			log.Info("stale tracking sessions closed", zap.Int("closed", closed))
		}
		return nil
	}
}
