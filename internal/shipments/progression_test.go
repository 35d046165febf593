package shipments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/orderflow/internal/saga"
	"github.com/angelmondragon/orderflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/orderflow/pkg/errors"
	"github.com/angelmondragon/orderflow/pkg/logger"
	"github.com/angelmondragon/orderflow/pkg/metrics"
	"github.com/angelmondragon/orderflow/pkg/statemachine"
)

type scriptedAdvance struct {
	mu      sync.Mutex
	calls   []enums.ShipmentStatus
	results []error
}

func (s *scriptedAdvance) advance(_ context.Context, _ string, target enums.ShipmentStatus, _ string) (saga.TransitionResult[enums.ShipmentStatus], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, target)
	if len(s.results) > 0 {
		err := s.results[0]
		s.results = s.results[1:]
		if err != nil {
			return saga.TransitionResult[enums.ShipmentStatus]{}, err
		}
	}
	return saga.TransitionResult[enums.ShipmentStatus]{Decision: statemachine.Apply, Status: target}, nil
}

func (s *scriptedAdvance) targets() []enums.ShipmentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]enums.ShipmentStatus(nil), s.calls...)
}

func newTestProgression(fn advanceFunc, delay time.Duration) *progression {
	return newProgression(progressionParams{
		advance:      fn,
		logg:         logger.Nop(),
		metrics:      metrics.NewJobMetrics(prometheus.NewRegistry()),
		shipDelay:    delay,
		deliverDelay: delay,
		retryDelay:   delay,
	})
}

func TestProgressionRetriesTransientFailures(t *testing.T) {
	script := &scriptedAdvance{results: []error{errors.New("connection reset")}}
	p := newTestProgression(script.advance, 5*time.Millisecond)
	t.Cleanup(p.stop)

	require.True(t, p.schedule("o1", enums.ShipmentStatusPending, "c1"))

	require.Eventually(t, func() bool { return len(script.targets()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []enums.ShipmentStatus{
		enums.ShipmentStatusShipped,
		enums.ShipmentStatusShipped,
		enums.ShipmentStatusDelivered,
	}, script.targets())
	assert.Eventually(t, func() bool { return p.pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestProgressionAbandonsNonRetryableFailures(t *testing.T) {
	script := &scriptedAdvance{results: []error{pkgerrors.New(pkgerrors.CodeNotFound, "shipment not found")}}
	p := newTestProgression(script.advance, 5*time.Millisecond)
	t.Cleanup(p.stop)

	require.True(t, p.schedule("o1", enums.ShipmentStatusPending, "c1"))
	require.Eventually(t, func() bool { return len(script.targets()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, script.targets(), 1)
	assert.Zero(t, p.pending())
}

func TestProgressionScheduleIsPerOrder(t *testing.T) {
	p := newTestProgression((&scriptedAdvance{}).advance, time.Hour)
	t.Cleanup(p.stop)

	assert.True(t, p.schedule("o1", enums.ShipmentStatusPending, "c1"))
	assert.False(t, p.schedule("o1", enums.ShipmentStatusPending, "c1"))
	assert.True(t, p.schedule("o2", enums.ShipmentStatusShipped, "c2"))
	assert.False(t, p.schedule("o3", enums.ShipmentStatusDelivered, "c3"))
	assert.Equal(t, 2, p.pending())
}

func TestProgressionStopCancelsTimers(t *testing.T) {
	script := &scriptedAdvance{}
	p := newTestProgression(script.advance, time.Hour)

	require.True(t, p.schedule("o1", enums.ShipmentStatusPending, "c1"))
	p.stop()
	assert.Zero(t, p.pending())
	assert.False(t, p.schedule("o2", enums.ShipmentStatusPending, "c2"))
	assert.Empty(t, script.targets())
}

func TestProgressionSkipsTerminalShipments(t *testing.T) {
	script := &scriptedAdvance{}
	p := newTestProgression(script.advance, time.Millisecond)
	t.Cleanup(p.stop)

	assert.False(t, p.schedule("o1", enums.ShipmentStatusDelivered, "c1"))
	assert.False(t, p.schedule("o2", enums.ShipmentStatusCancelled, "c2"))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, p.pending())
	assert.Empty(t, script.targets())
}
