// ABOUTME: OrderStore interface and the Order type for delivery session metadata
// ABOUTME: Defines order statuses, their forward-only ordering and sentinel errors

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrOrderNotFound is returned when a requested order does not exist
var ErrOrderNotFound = errors.New("order not found")

// ErrDuplicateOrder is returned when creating an order whose id is taken
var ErrDuplicateOrder = errors.New("order already exists")

// ErrAlreadyAssigned is returned when accepting an order another agent holds
var ErrAlreadyAssigned = errors.New("order already assigned")

// ErrInvalidTransition is returned when a status change would move an order backwards
var ErrInvalidTransition = errors.New("invalid order status transition")

// Status is an order lifecycle state
type Status string

// Order statuses
const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusPickedUp  Status = "picked_up"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusAssigned:  1,
	StatusPickedUp:  2,
	StatusDelivered: 3,
	StatusCancelled: 3,
}

// ParseStatus validates a status received on the wire
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := statusRank[st]; !ok {
		return "", fmt.Errorf("unknown order status %q", s)
	}
	return st, nil
}

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// CanTransition reports whether an order may move from s to next.
// Transitions only move forward; terminal states are final.
func (s Status) CanTransition(next Status) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return !s.Terminal() && to > from
}

// Order is a delivery request from an observer
type Order struct {
	ID          string
	ObserverID  string
	Origin      string
	Destination string
	Items       json.RawMessage
	Status      Status
	AgentID     string // empty until accepted
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OrderStore persists orders. Assignment and requeue are compare-and-set so
// concurrent accepts can never both succeed.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)

	// AssignOrder sets the agent of a pending, unassigned order.
	// Returns ErrAlreadyAssigned if another agent won.
	AssignOrder(ctx context.Context, id, agentID string) (*Order, error)

	// UpdateOrderStatus moves an order forward. Returns ErrInvalidTransition
	// for backward or post-terminal moves.
	UpdateOrderStatus(ctx context.Context, id string, status Status) (*Order, error)

	// RequeueOrder returns an order held by agentID to pending. Returns
	// ErrInvalidTransition if the agent no longer holds it or it is terminal.
	RequeueOrder(ctx context.Context, id, agentID string) (*Order, error)

	// ActiveOrderForAgent returns the agent's non-terminal order, or
	// ErrOrderNotFound.
	ActiveOrderForAgent(ctx context.Context, agentID string) (*Order, error)

	// ListOrders returns orders oldest first. An empty status lists all.
	ListOrders(ctx context.Context, status Status) ([]*Order, error)

	Close() error
}
