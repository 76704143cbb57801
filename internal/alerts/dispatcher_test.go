package alerts

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintwatch/backend/internal/core"
)

type fakeSink struct {
	name    string
	fail    bool
	panics  bool
	calls   atomic.Int64
	mu      sync.Mutex
	lastMsg string
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Send(_ context.Context, alert *core.Alert) SinkResult {
	s.calls.Add(1)
	s.mu.Lock()
	s.lastMsg = alert.Message
	s.mu.Unlock()
	if s.panics {
		panic("sink exploded")
	}
	if s.fail {
		return SinkResult{Err: errors.New("downstream unavailable")}
	}
	return SinkResult{Delivered: true}
}

type fakeGate struct {
	mu     sync.Mutex
	marked [][2]string
}

func (g *fakeGate) MarkAlertSent(chatID, tokenMint string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marked = append(g.marked, [2]string{chatID, tokenMint})
	return true
}

func (g *fakeGate) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.marked)
}

func dispatchAlert() *core.Alert {
	a := testAlert()
	a.ChatID = "chat-1"
	a.Message = "hello"
	return a
}

func TestDispatchFansOutToAllSinks(t *testing.T) {
	primary := &fakeSink{name: "telegram"}
	dash := &fakeSink{name: "dashboard"}
	store := &fakeSink{name: "store"}
	gate := &fakeGate{}

	d := NewDispatcher(nil, gate, primary, dash, store)

	ok := d.Dispatch(context.Background(), dispatchAlert())
	require.True(t, ok)

	assert.Equal(t, int64(1), primary.calls.Load())
	assert.Equal(t, int64(1), dash.calls.Load())
	assert.Equal(t, int64(1), store.calls.Load())
	require.Equal(t, 1, gate.count())
	assert.Equal(t, [2]string{"chat-1", "MintAAA"}, gate.marked[0])

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Dispatched)
	assert.Equal(t, uint64(3), stats.Deliveries)
	assert.Equal(t, uint64(0), stats.SinkFailures)
}

func TestDispatchSecondaryFailureDoesNotBlockPrimary(t *testing.T) {
	primary := &fakeSink{name: "telegram"}
	broken := &fakeSink{name: "dashboard", fail: true}
	gate := &fakeGate{}

	d := NewDispatcher(nil, gate, primary, broken)

	ok := d.Dispatch(context.Background(), dispatchAlert())
	assert.True(t, ok)
	assert.Equal(t, 1, gate.count())

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Deliveries)
	assert.Equal(t, uint64(1), stats.SinkFailures)
}

func TestDispatchPrimaryFailureSkipsGate(t *testing.T) {
	primary := &fakeSink{name: "telegram", fail: true}
	dash := &fakeSink{name: "dashboard"}
	gate := &fakeGate{}

	d := NewDispatcher(nil, gate, primary, dash)

	ok := d.Dispatch(context.Background(), dispatchAlert())
	assert.False(t, ok)
	assert.Equal(t, 0, gate.count())
	// The secondary still got its copy.
	assert.Equal(t, int64(1), dash.calls.Load())
}

func TestDispatchContainsSinkPanic(t *testing.T) {
	primary := &fakeSink{name: "telegram"}
	bomb := &fakeSink{name: "dashboard", panics: true}
	gate := &fakeGate{}

	d := NewDispatcher(nil, gate, primary, bomb)

	ok := d.Dispatch(context.Background(), dispatchAlert())
	assert.True(t, ok)
	assert.Equal(t, 1, gate.count())
	assert.Equal(t, uint64(1), d.Stats().SinkFailures)
}

func TestDispatchSuppressedByFilter(t *testing.T) {
	primary := &fakeSink{name: "telegram"}
	filters := func(chatID string) FilterConfig {
		cfg := DefaultFilterConfig(0)
		cfg.Enabled = chatID != "chat-1"
		return cfg
	}

	d := NewDispatcher(filters, nil, primary)

	ok := d.Dispatch(context.Background(), dispatchAlert())
	assert.False(t, ok)
	assert.Equal(t, int64(0), primary.calls.Load())

	stats := d.Stats()
	assert.Equal(t, uint64(0), stats.Dispatched)
	assert.Equal(t, uint64(1), stats.Suppressed)
}

func TestDispatchNilAlert(t *testing.T) {
	d := NewDispatcher(nil, nil, &fakeSink{name: "telegram"})
	assert.False(t, d.Dispatch(context.Background(), nil))
	assert.Equal(t, uint64(0), d.Stats().Dispatched)
}

func TestDispatchStampsCreatedAt(t *testing.T) {
	primary := &fakeSink{name: "telegram"}
	d := NewDispatcher(nil, nil, primary)

	a := dispatchAlert()
	require.True(t, a.CreatedAt.IsZero())

	d.Dispatch(context.Background(), a)
	assert.False(t, a.CreatedAt.IsZero())
}

func TestDispatchWithoutPrimarySink(t *testing.T) {
	dash := &fakeSink{name: "dashboard"}
	gate := &fakeGate{}
	d := NewDispatcher(nil, gate, nil, dash)

	ok := d.Dispatch(context.Background(), dispatchAlert())
	assert.False(t, ok)
	assert.Equal(t, int64(1), dash.calls.Load())
	assert.Equal(t, 0, gate.count())
}
