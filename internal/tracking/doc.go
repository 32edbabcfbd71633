// Package tracking relays courier positions to the observers following them
// and assigns delivery orders to couriers.
//
// # Roles
//
// Agents (couriers) log in with agent_login and report agent_position and
// agent_status. Observers (customers) log in with observer_login and follow
// one agent at a time with track_agent. Positions go only to the observers
// following that agent. Availability changes go to every observer.
//
// The last position of every agent is kept for the life of the process, so
// a new subscriber gets it immediately. Subscribing to an agent that is not
// connected also yields agent_unavailable.
//
// # Orders
//
// new_order stores a pending order and offers it to every available agent.
// accept_order assigns it through a compare-and-set in the order store, so
// the first accept wins and later ones get order_rejected. The agent is then
// delivering until the order reaches a terminal status.
//
// order_status moves an order forward. The assigned agent may set any later
// status; the ordering observer may only cancel.
//
// # Departures
//
// When an agent leaves, observers get agent_disconnected. An order the agent
// held stays assigned for the reconnect grace period. If the agent logs in
// again in time the order is restored; otherwise it is returned to pending
// and offered again.
package tracking
