package learning

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/store"
)

// refreshConcurrency bounds parallel row locks during a confidence refresh
const refreshConcurrency = 8

// RefreshBlocked clears every block whose deadline has passed and recomputes confidence
func (r *Recorder) RefreshBlocked(ctx context.Context) (int, error) {
	n, err := r.store.ClearExpiredBlocks(ctx, r.now())
	if err != nil {
		return 0, fmt.Errorf("clear expired blocks: %w", err)
	}
	if n > 0 {
		r.logger.Info("expired blocks cleared", zap.Int("instances", n))
		if err := r.RefreshConfidence(ctx); err != nil {
			return n, err
		}
	}
	return n, nil
}

// ResetDailyQuotas restores every counter to its limit and gives unhealthy instances a second chance
func (r *Recorder) ResetDailyQuotas(ctx context.Context) (int, error) {
	n, err := r.store.ResetDailyQuotas(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset daily quotas: %w", err)
	}
	r.logger.Info("daily quotas reset", zap.Int("instances", n))
	return n, r.RefreshConfidence(ctx)
}

// ResetMinuteQuotas mirrors the limiter's minute window onto the instance rows
func (r *Recorder) ResetMinuteQuotas(ctx context.Context) (int, error) {
	n, err := r.store.ResetMinuteQuotas(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset minute quotas: %w", err)
	}
	return n, nil
}

// RefreshConfidence recomputes the stored confidence of every instance under its row lock
func (r *Recorder) RefreshConfidence(ctx context.Context) error {
	ids, err := r.store.ListInstanceIDs(ctx)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := r.store.WithInstanceLock(gctx, id, func(tx store.InstanceTx) error {
				inst := tx.Instance()
				inst.Confidence = Confidence(inst, r.now())
				return nil
			})
			// rows deleted since the listing are skipped
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("refresh confidence: %w", err)
	}
	return nil
}
