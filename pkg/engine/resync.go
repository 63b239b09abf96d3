package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"codeberg.org/dirbridge/dirbridge/pkg/state"
)

// Resync drains the reject queue: each parked change is re-fetched from
// the source in its current form and pushed through the engine again.
// It runs at startup and on the configured interval, before regular
// polling, so dependency-ordered changes unblock as early as possible.
type Resync struct {
	engine *Engine
	poller *Poller
	store  state.Store
	logger *zap.Logger
}

func NewResync(engine *Engine, poller *Poller, store state.Store, logger *zap.Logger) *Resync {
	return &Resync{engine: engine, poller: poller, store: store, logger: logger}
}

func (r *Resync) Run(ctx context.Context) error {
	rejects, err := r.store.ListRejects(ctx)
	if err != nil {
		return fmt.Errorf("failed to list rejects: %w", err)
	}
	if len(rejects) == 0 {
		return nil
	}

	r.logger.Info("Resyncing rejected changes", zap.Int("count", len(rejects)))

	for _, rej := range rejects {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := r.poller.Lookup(ctx, rej.DN, rej.USN)
		if err != nil {
			return fmt.Errorf("failed to re-fetch reject %d (%s): %w", rej.USN, rej.DN, err)
		}
		if rec == nil {
			// Gone without a visible tombstone; any later deletion was or
			// will be handled by the regular poll.
			r.logger.Warn("Rejected object no longer exists, discarding",
				zap.Uint64("usn", rej.USN),
				zap.String("dn", rej.DN))
			if err := r.store.RemoveReject(ctx, rej.USN); err != nil {
				return err
			}
			continue
		}

		result, err := r.engine.SyncRecord(ctx, rec)
		if err != nil {
			return err
		}

		if result == ResultRejected {
			// Re-parked; clear the old key if the object's USN moved on.
			if rec.USN != rej.USN {
				if err := r.store.RemoveReject(ctx, rej.USN); err != nil {
					return err
				}
			}
			continue
		}

		if err := r.store.RemoveReject(ctx, rej.USN); err != nil {
			return err
		}
		r.logger.Info("Rejected change resolved",
			zap.Uint64("usn", rej.USN),
			zap.String("dn", rej.DN),
			zap.String("result", result.String()))
	}

	return nil
}
