package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"offer-decisioning-api/internal/catalog"
	"offer-decisioning-api/internal/ledger"
	"offer-decisioning-api/internal/metrics"
)

const (
	SnapshotRefreshJob = "snapshot_refresh"
	CounterPruneJob    = "counter_prune"
)

// SnapshotRefresh reloads the catalog so edits made directly in the
// database reach the resolver.
func SnapshotRefresh(cat *catalog.Catalog) Func {
	return func(ctx context.Context) error {
		if err := cat.Reload(ctx); err != nil {
			return fmt.Errorf("failed to refresh catalog snapshot: %w", err)
		}
		return nil
	}
}

// CounterPrune drops period buckets whose window has closed.
func CounterPrune(counters *ledger.MemoryCounters, m *metrics.Metrics, now func() time.Time, log zerolog.Logger) Func {
	return func(context.Context) error {
		n := counters.Prune(now())
		m.RecordCountersPruned(n)
		if n > 0 {
			log.Info().Int("pruned", n).Int("remaining", counters.Len()).Msg("expired counter buckets pruned")
		}
		return nil
	}
}
