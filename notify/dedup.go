package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sagecrm/drip/errors"
	"github.com/sagecrm/drip/metrics"
)

// DefaultDedupWindow is how far back the guard looks for an earlier
// send of the same notification before suppressing a repeat.
const DefaultDedupWindow = 48 * time.Hour

// DedupGuard suppresses duplicate notifications to the same entity for
// the same kind within a rolling window. The notification log is the
// source of truth, so the guard survives restarts.
type DedupGuard struct {
	log    *LogStore
	window time.Duration
	logger *zap.SugaredLogger
}

// NewDedupGuard creates a dedup guard over the notification log.
// A non-positive window falls back to DefaultDedupWindow.
func NewDedupGuard(log *LogStore, window time.Duration, logger *zap.SugaredLogger) *DedupGuard {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DedupGuard{
		log:    log,
		window: window,
		logger: logger.Named("dedup"),
	}
}

// ShouldSend reports whether a notification of the given kind may be
// sent to the entity. Returns false when an identical notification was
// already sent inside the window.
func (g *DedupGuard) ShouldSend(ctx context.Context, entityID, kind string) (bool, error) {
	rec, err := g.log.FindRecent(ctx, entityID, kind, g.window)
	if err != nil {
		return false, errors.Wrap(err, "dedup lookup failed")
	}
	if rec == nil {
		return true, nil
	}

	metrics.NotificationsDeduped.Inc()
	g.logger.Infow("skipped: duplicate",
		"entity_id", entityID,
		"kind", kind,
		"prior_sent_at", rec.SentAt,
	)
	return false, nil
}

// RecordSkip writes a skipped record so the audit trail shows the
// suppression, not just the absence of a send.
func (g *DedupGuard) RecordSkip(ctx context.Context, entityID, kind string, method Method) error {
	return g.log.Append(ctx, &Record{
		EntityID: entityID,
		Kind:     kind,
		Method:   method,
		Status:   StatusSkipped,
	})
}
