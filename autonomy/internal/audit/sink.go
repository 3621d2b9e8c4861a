package audit

import (
	"context"
	"fmt"

	"github.com/zettelhub/platform/autonomy/internal/models"
	"github.com/zettelhub/platform/autonomy/internal/store"
)

// StoreSink writes decisions to the decision log table. Rows start in the
// pending stream state and are exported later by the Streamer.
type StoreSink struct {
	log store.DecisionLog
}

func NewStoreSink(log store.DecisionLog) *StoreSink {
	return &StoreSink{log: log}
}

func (s *StoreSink) Record(ctx context.Context, entry models.DecisionLogEntry) error {
	if _, err := s.log.AppendDecision(ctx, entry); err != nil {
		return fmt.Errorf("record decision %s: %w", entry.ID, err)
	}
	return nil
}
