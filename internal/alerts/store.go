package alerts

import (
	"context"

	"github.com/mintwatch/backend/internal/core"
)

// AlertWriter persists delivered alerts.
type AlertWriter interface {
	SaveAlert(ctx context.Context, alert *core.Alert) error
}

// StoreSink writes every dispatched alert to the persistence layer.
type StoreSink struct {
	store AlertWriter
}

func NewStoreSink(store AlertWriter) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Send(ctx context.Context, alert *core.Alert) SinkResult {
	if err := s.store.SaveAlert(ctx, alert); err != nil {
		return SinkResult{Err: err}
	}
	return SinkResult{Delivered: true}
}
