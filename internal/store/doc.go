// Package store persists delivery orders for the tracking relay using SQLite.
//
// # Lifecycle
//
// An order is created pending and unassigned. Its status only moves forward:
//
//	pending -> assigned -> picked_up -> delivered
//	                                 \-> cancelled
//
// delivered and cancelled are terminal. The one way back is RequeueOrder,
// which returns an order held by a departed agent to pending so another agent
// can accept it.
//
// # Concurrency
//
// AssignOrder and RequeueOrder are single UPDATE statements guarded by the
// expected current values, so two agents racing to accept the same order
// cannot both win.
//
// # SQLite Configuration
//
// The default path is :memory:, which keeps orders for the process lifetime
// only. The pool is limited to one connection so every query sees the same
// in-memory database. File-backed stores enable WAL mode.
//
// # Error Handling
//
//   - ErrOrderNotFound: no order with that id
//   - ErrDuplicateOrder: the id is already taken
//   - ErrAlreadyAssigned: another agent accepted first
//   - ErrInvalidTransition: the status change would move backwards
package store
