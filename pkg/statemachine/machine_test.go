package statemachine

import (
	"testing"

	"github.com/angelmondragon/orderflow/pkg/enums"
	"github.com/stretchr/testify/assert"
)

func TestOrderMachineDecide(t *testing.T) {
	tests := []struct {
		current enums.OrderStatus
		target  enums.OrderStatus
		want    Decision
	}{
		{enums.OrderStatusPendingShipment, enums.OrderStatusShipped, Apply},
		{enums.OrderStatusShipped, enums.OrderStatusDelivered, Apply},
		{enums.OrderStatusShipped, enums.OrderStatusShipped, NoOp},
		{enums.OrderStatusPendingShipment, enums.OrderStatusPendingShipment, NoOp},
		{enums.OrderStatusPendingShipment, enums.OrderStatusDelivered, RejectSkipped},
		{enums.OrderStatusDelivered, enums.OrderStatusShipped, RejectBackward},
		{enums.OrderStatusShipped, enums.OrderStatusPendingShipment, RejectBackward},
		{enums.OrderStatusShipped, enums.OrderStatusCancelled, RejectUnsupported},
		{enums.OrderStatusPendingShipment, enums.OrderStatus("Lost"), RejectUnknown},
	}
	for _, tt := range tests {
		t.Run(string(tt.current)+"->"+string(tt.target), func(t *testing.T) {
			got := OrderMachine.Decide(tt.current, tt.target)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want != Apply && tt.want != NoOp, got.Rejected())
		})
	}
}

func TestShipmentMachineDecide(t *testing.T) {
	assert.Equal(t, Apply, ShipmentMachine.Decide(enums.ShipmentStatusPending, enums.ShipmentStatusShipped))
	assert.Equal(t, RejectSkipped, ShipmentMachine.Decide(enums.ShipmentStatusPending, enums.ShipmentStatusDelivered))
	assert.Equal(t, RejectBackward, ShipmentMachine.Decide(enums.ShipmentStatusDelivered, enums.ShipmentStatusPending))
	assert.Equal(t, NoOp, ShipmentMachine.Decide(enums.ShipmentStatusDelivered, enums.ShipmentStatusDelivered))
}

func TestTerminalAndNext(t *testing.T) {
	assert.True(t, ShipmentMachine.Terminal(enums.ShipmentStatusDelivered))
	assert.True(t, ShipmentMachine.Terminal(enums.ShipmentStatusCancelled))
	assert.False(t, ShipmentMachine.Terminal(enums.ShipmentStatusShipped))

	next, ok := ShipmentMachine.Next(enums.ShipmentStatusPending)
	assert.True(t, ok)
	assert.Equal(t, enums.ShipmentStatusShipped, next)

	_, ok = ShipmentMachine.Next(enums.ShipmentStatusDelivered)
	assert.False(t, ok)
}

func TestMaxStepIsData(t *testing.T) {
	lenient := New(Definition[string]{
		Name:     "lenient",
		Sequence: []string{"a", "b", "c"},
		MaxStep:  2,
	})
	assert.Equal(t, Apply, lenient.Decide("a", "c"))
	assert.Equal(t, RejectBackward, lenient.Decide("c", "a"))
}

func TestNewPanicsOnDuplicateStage(t *testing.T) {
	assert.Panics(t, func() {
		New(Definition[string]{Name: "dup", Sequence: []string{"a", "a"}})
	})
}
