package outbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Replayer is the slice of Repository used to re-queue failed rows.
type Replayer interface {
	FailedEvents(ctx context.Context, limit int) ([]*Event, error)
	Reset(ctx context.Context, id int64) error
}

// ReplayFailed moves up to limit failed rows back to pending so the dispatcher publishes them again.
// It returns the ids that were re-queued.
func ReplayFailed(ctx context.Context, repo Replayer, limit int, logger *zap.Logger) ([]int64, error) {
	events, err := repo.FailedEvents(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed events: %w", err)
	}

	replayed := make([]int64, 0, len(events))
	for _, event := range events {
		if err := repo.Reset(ctx, event.ID); err != nil {
			logger.Warn("Failed to reset outbox event", zap.Int64("event_id", event.ID), zap.Error(err))
			continue
		}
		replayed = append(replayed, event.ID)
	}
	return replayed, nil
}
