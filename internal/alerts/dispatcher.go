package alerts

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mintwatch/backend/internal/core"
)

// SinkResult is one sink's verdict on a delivery attempt.
type SinkResult struct {
	Delivered bool
	Err       error
}

// Sink delivers an alert somewhere. Implementations own their retries.
type Sink interface {
	Name() string
	Send(ctx context.Context, alert *core.Alert) SinkResult
}

// Gate records a successful primary delivery for cooldown accounting.
// The return reports whether the send was inside budget; the dispatcher
// does not act on it.
type Gate interface {
	MarkAlertSent(chatID, tokenMint string) bool
}

// FilterProvider resolves the filter settings for one chat.
type FilterProvider func(chatID string) FilterConfig

// Dispatcher applies the chat's filter and fans accepted alerts out to all
// sinks in parallel. The primary sink's success is what arms the cooldown;
// secondary sinks are best effort.
type Dispatcher struct {
	filters   FilterProvider
	gate      Gate
	primary   Sink
	secondary []Sink

	dispatched  atomic.Uint64
	suppressed  atomic.Uint64
	deliveries  atomic.Uint64
	sinkFailers atomic.Uint64
}

// NewDispatcher builds a dispatcher. gate may be nil when no cooldown
// accounting is wanted; filters may be nil to accept everything.
func NewDispatcher(filters FilterProvider, gate Gate, primary Sink, secondary ...Sink) *Dispatcher {
	if filters == nil {
		filters = func(string) FilterConfig { return DefaultFilterConfig(0) }
	}
	return &Dispatcher{
		filters:   filters,
		gate:      gate,
		primary:   primary,
		secondary: secondary,
	}
}

// Dispatch filters and delivers one alert. It returns true when the
// primary sink accepted it.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *core.Alert) bool {
	if alert == nil {
		return false
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}

	if ok, reason := ShouldAlert(alert, d.filters(alert.ChatID), time.Now()); !ok {
		d.suppressed.Add(1)
		slog.Debug("alert suppressed",
			"reason", reason,
			"mint", alert.TokenMint,
			"category", alert.Category)
		return false
	}
	d.dispatched.Add(1)

	primaryOK := false
	var wg sync.WaitGroup
	if d.primary != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			primaryOK = d.deliver(ctx, d.primary, alert)
		}()
	}
	for _, sink := range d.secondary {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			d.deliver(ctx, s, alert)
		}(sink)
	}
	wg.Wait()

	if primaryOK && d.gate != nil {
		d.gate.MarkAlertSent(alert.ChatID, alert.TokenMint)
	}
	return primaryOK
}

func (d *Dispatcher) deliver(ctx context.Context, sink Sink, alert *core.Alert) bool {
	defer func() {
		if r := recover(); r != nil {
			d.sinkFailers.Add(1)
			slog.Error("alert sink panicked",
				"sink", sink.Name(),
				"panic", r)
		}
	}()

	res := sink.Send(ctx, alert)
	if !res.Delivered {
		d.sinkFailers.Add(1)
		slog.Warn("alert sink delivery failed",
			"sink", sink.Name(),
			"mint", alert.TokenMint,
			"error", res.Err)
		return false
	}
	d.deliveries.Add(1)
	return true
}

// Stats snapshots dispatcher counters.
type Stats struct {
	Dispatched   uint64 `json:"dispatched"`
	Suppressed   uint64 `json:"suppressed"`
	Deliveries   uint64 `json:"deliveries"`
	SinkFailures uint64 `json:"sink_failures"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched:   d.dispatched.Load(),
		Suppressed:   d.suppressed.Load(),
		Deliveries:   d.deliveries.Load(),
		SinkFailures: d.sinkFailers.Load(),
	}
}
