package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"codeberg.org/dirbridge/dirbridge/pkg/state"
)

// Cursor is the per-direction change watermark. Advance only ever grows
// the in-memory value; Commit persists it once per poll cycle after all
// records of that cycle were applied or rejected. A failed commit is
// retried on the next cycle with the same watermark, which is safe
// because replaying below the watermark is idempotent.
type Cursor struct {
	store   state.Store
	current uint64
	logger  *zap.Logger
}

func NewCursor(ctx context.Context, store state.Store, logger *zap.Logger) (*Cursor, error) {
	persisted, err := store.LastUSN(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}
	return &Cursor{store: store, current: persisted, logger: logger}, nil
}

func (c *Cursor) Get() uint64 {
	return c.current
}

func (c *Cursor) Advance(candidate uint64) {
	if candidate > c.current {
		c.current = candidate
	}
}

func (c *Cursor) Commit(ctx context.Context) error {
	persisted, err := c.store.LastUSN(ctx)
	if err != nil {
		return fmt.Errorf("failed to read persisted cursor: %w", err)
	}
	if persisted >= c.current {
		return nil
	}

	if err := c.store.SetLastUSN(ctx, c.current); err != nil {
		return fmt.Errorf("failed to commit cursor: %w", err)
	}

	c.logger.Debug("Committed cursor", zap.Uint64("usn", c.current))
	return nil
}
