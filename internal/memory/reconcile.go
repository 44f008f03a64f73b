package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/blueberrycongee/recall/internal/metrics"
)

// Reconcile repairs the accepted inconsistency window: memories whose durable
// write succeeded but whose index upsert failed. It re-embeds and re-upserts
// up to batch records and returns the number repaired.
//
// Upserts are idempotent by id, so re-processing a record that was indexed
// concurrently is harmless.
func (e *Engine) Reconcile(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 50
	}

	pending, err := e.store.ListUnindexed(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("list unindexed: %w", err)
	}

	repaired := 0
	for _, m := range pending {
		vector, err := e.embedder.Embed(ctx, m.Content)
		if err != nil {
			return repaired, fmt.Errorf("embed memory %s: %w", m.ID, err)
		}
		if err := e.index.Upsert(ctx, m.ID, vector, indexAttributes(m)); err != nil {
			return repaired, fmt.Errorf("upsert memory %s: %w", m.ID, err)
		}
		if err := e.store.MarkIndexed(ctx, m.ID, time.Now().UTC()); err != nil {
			return repaired, fmt.Errorf("mark indexed %s: %w", m.ID, err)
		}
		repaired++
		metrics.ReconcileRepairs.Inc()
	}

	if repaired > 0 {
		e.logger.Info("reconciled vector index", "repaired", repaired)
	}
	return repaired, nil
}

// RunReconciler runs the reconciliation sweep on a fixed interval until the
// context is cancelled. Sweep failures are logged and retried on the next
// tick.
func (e *Engine) RunReconciler(ctx context.Context, interval time.Duration, batch int) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Reconcile(ctx, batch); err != nil {
				e.logger.Error("reconciliation sweep failed", "error", err)
			}
		}
	}
}
