package matchmaker

import (
	"context"
	"log"
	"time"

	"github.com/pairview/match-service/internal/metrics"
	"github.com/pairview/match-service/internal/state"
)

const (
	reconcileInterval = 5 * time.Second

	// claimTTL is how long a claiming record may exist before it is treated
	// as a crash artifact. A claim normally resolves to matched or idle
	// within one request cycle.
	claimTTL = 30 * time.Second
)

// StartReconciler runs a background sweep that returns claiming records
// older than claimTTL to idle. A process crash between claiming a candidate
// and finishing provisioning would otherwise leave that user stuck forever.
func StartReconciler(ctx context.Context, store *state.Store) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[matchmaker] reconciler stopped")
			return
		case <-ticker.C:
			sweepStuckClaims(ctx, store, time.Now().Add(-claimTTL))
		}
	}
}

func sweepStuckClaims(ctx context.Context, store *state.Store, cutoff time.Time) {
	ids, err := store.StuckClaims(ctx, cutoff)
	if err != nil {
		log.Printf("[matchmaker] reconciler: list stuck claims: %v", err)
		return
	}

	for _, id := range ids {
		if err := store.Reset(ctx, id); err != nil {
			log.Printf("[matchmaker] reconciler: reset %s: %v", id, err)
			continue
		}
		metrics.ReconcilerResets.Inc()
		log.Printf("[matchmaker] reconciler: reset stuck claim for %s", id)
	}
}
