// Package statemachine decides whether a requested status change is legal.
// Machines are plain data: an ordered sequence plus statuses that are known
// but have no transition rules yet.
package statemachine

import (
	"fmt"

	"github.com/angelmondragon/orderflow/pkg/enums"
)

// Decision is the outcome of Decide.
type Decision string

const (
	Apply             Decision = "apply"
	NoOp              Decision = "noop"
	RejectBackward    Decision = "reject_backward"
	RejectSkipped     Decision = "reject_skipped"
	RejectUnsupported Decision = "reject_unsupported"
	RejectUnknown     Decision = "reject_unknown"
)

// Rejected reports whether the decision refuses the transition.
func (d Decision) Rejected() bool {
	switch d {
	case RejectBackward, RejectSkipped, RejectUnsupported, RejectUnknown:
		return true
	}
	return false
}

func (d Decision) String() string {
	return string(d)
}

// Machine describes a forward-only lifecycle.
type Machine[S ~string] struct {
	name        string
	rank        map[S]int
	unsupported map[S]struct{}
	maxStep     int
}

// Definition is the data a Machine is built from.
type Definition[S ~string] struct {
	Name string
	// Sequence lists the canonical stages, earliest first.
	Sequence []S
	// Unsupported lists statuses that are valid values but have no transition
	// rules. Requests targeting them are rejected.
	Unsupported []S
	// MaxStep is how many stages a single transition may advance. Zero means 1.
	MaxStep int
}

// New builds a Machine from def. It panics on duplicate stages since that is a
// programming error in a package-level definition.
func New[S ~string](def Definition[S]) *Machine[S] {
	m := &Machine[S]{
		name:        def.Name,
		rank:        make(map[S]int, len(def.Sequence)),
		unsupported: make(map[S]struct{}, len(def.Unsupported)),
		maxStep:     def.MaxStep,
	}
	if m.maxStep <= 0 {
		m.maxStep = 1
	}
	for i, s := range def.Sequence {
		if _, dup := m.rank[s]; dup {
			panic(fmt.Sprintf("statemachine %s: duplicate stage %q", def.Name, s))
		}
		m.rank[s] = i
	}
	for _, s := range def.Unsupported {
		m.unsupported[s] = struct{}{}
	}
	return m
}

// Name identifies the machine in logs.
func (m *Machine[S]) Name() string {
	return m.name
}

// Decide returns what should happen when an entity in current is asked to
// move to target.
func (m *Machine[S]) Decide(current, target S) Decision {
	if current == target {
		return NoOp
	}
	if _, ok := m.unsupported[target]; ok {
		return RejectUnsupported
	}
	from, okFrom := m.rank[current]
	to, okTo := m.rank[target]
	if !okFrom || !okTo {
		return RejectUnknown
	}
	switch {
	case to < from:
		return RejectBackward
	case to-from > m.maxStep:
		return RejectSkipped
	default:
		return Apply
	}
}

// Terminal reports whether no forward transition leaves status.
func (m *Machine[S]) Terminal(status S) bool {
	if _, ok := m.unsupported[status]; ok {
		return true
	}
	r, ok := m.rank[status]
	if !ok {
		return false
	}
	for _, other := range m.rank {
		if other > r {
			return false
		}
	}
	return true
}

// Next returns the stage directly after status, if any.
func (m *Machine[S]) Next(status S) (S, bool) {
	r, ok := m.rank[status]
	if !ok {
		var zero S
		return zero, false
	}
	for s, other := range m.rank {
		if other == r+1 {
			return s, true
		}
	}
	var zero S
	return zero, false
}

// OrderMachine governs orders in the sales service.
var OrderMachine = New(Definition[enums.OrderStatus]{
	Name: "order",
	Sequence: []enums.OrderStatus{
		enums.OrderStatusPendingShipment,
		enums.OrderStatusShipped,
		enums.OrderStatusDelivered,
	},
	// TODO: give Cancelled a transition path once cancellation policy is decided.
	Unsupported: []enums.OrderStatus{enums.OrderStatusCancelled},
})

// ShipmentMachine governs shipments in the delivery service.
var ShipmentMachine = New(Definition[enums.ShipmentStatus]{
	Name: "shipment",
	Sequence: []enums.ShipmentStatus{
		enums.ShipmentStatusPending,
		enums.ShipmentStatusShipped,
		enums.ShipmentStatusDelivered,
	},
	Unsupported: []enums.ShipmentStatus{enums.ShipmentStatusCancelled},
})
