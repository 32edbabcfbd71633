// ABOUTME: Tracking vocabulary: courier agents, observers, positions and orders.
// ABOUTME: Inbound kinds decode to typed messages; outbound frames are plain structs.

package protocol

import (
	"encoding/json"
	"errors"
)

// Tracking message kinds.
const (
	KindAgentLogin     = "agent_login"
	KindAgentPosition  = "agent_position"
	KindAgentStatus    = "agent_status"
	KindObserverLogin  = "observer_login"
	KindTrackAgent     = "track_agent"
	KindNewOrder       = "new_order"
	KindAcceptOrder    = "accept_order"
	KindOrderStatus    = "order_status"
	KindAdminGetAgents = "admin_get_agents"

	KindLoginSuccess      = "login_success"
	KindAgentAvailable    = "agent_available"
	KindAgentBusy         = "agent_busy"
	KindAgentUnavailable  = "agent_unavailable"
	KindAgentDisconnected = "agent_disconnected"
	KindAvailableAgents   = "available_agents"
	KindOrderAccepted     = "order_accepted"
	KindOrderConfirmed    = "order_confirmed"
	KindOrderRejected     = "order_rejected"
	KindAgentsData        = "agents_data"
)

// Tracking is the vocabulary of the tracking relay.
var Tracking = Vocabulary{
	KindAgentLogin:     func() Message { return &AgentLogin{} },
	KindAgentPosition:  func() Message { return &AgentPosition{} },
	KindAgentStatus:    func() Message { return &AgentStatus{} },
	KindObserverLogin:  func() Message { return &ObserverLogin{} },
	KindTrackAgent:     func() Message { return &TrackAgent{} },
	KindNewOrder:       func() Message { return &NewOrder{} },
	KindAcceptOrder:    func() Message { return &AcceptOrder{} },
	KindOrderStatus:    func() Message { return &OrderStatus{} },
	KindAdminGetAgents: func() Message { return &AdminGetAgents{} },
}

// AgentLogin registers a courier.
type AgentLogin struct {
	AgentID ID     `json:"agentId"`
	Name    string `json:"name"`
	Vehicle string `json:"vehicle"`
}

func (*AgentLogin) Kind() string { return KindAgentLogin }

func (m *AgentLogin) validate() error { return requireID("agentId", m.AgentID) }

// Position is a courier's reported location.
type Position struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy"`
	Speed     *float64 `json:"speed"`
	Timestamp string   `json:"timestamp"`
}

// AgentPosition reports the sending agent's location.
type AgentPosition struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Accuracy  *float64 `json:"accuracy"`
	Speed     *float64 `json:"speed"`
	Timestamp string   `json:"timestamp"`
}

func (*AgentPosition) Kind() string { return KindAgentPosition }

func (m *AgentPosition) validate() error {
	if m.Latitude == nil || m.Longitude == nil {
		return errors.New("latitude and longitude are required")
	}
	return nil
}

// Position converts the report, stamping it when the agent did not.
func (m *AgentPosition) Position() Position {
	ts := m.Timestamp
	if ts == "" {
		ts = Timestamp()
	}
	return Position{
		Latitude:  *m.Latitude,
		Longitude: *m.Longitude,
		Accuracy:  m.Accuracy,
		Speed:     m.Speed,
		Timestamp: ts,
	}
}

// AgentStatus reports the sending agent's availability.
type AgentStatus struct {
	Status string `json:"status"`
}

func (*AgentStatus) Kind() string { return KindAgentStatus }

func (m *AgentStatus) validate() error {
	if m.Status == "" {
		return errors.New("status is required")
	}
	return nil
}

// ObserverLogin registers an observer, optionally tracking an agent.
type ObserverLogin struct {
	ObserverID ID `json:"observerId"`
	AgentID    ID `json:"agentId"`
}

func (*ObserverLogin) Kind() string { return KindObserverLogin }

func (m *ObserverLogin) validate() error { return requireID("observerId", m.ObserverID) }

// TrackAgent subscribes an observer to an agent's positions.
type TrackAgent struct {
	ObserverID ID `json:"observerId"`
	AgentID    ID `json:"agentId"`
}

func (*TrackAgent) Kind() string { return KindTrackAgent }

func (m *TrackAgent) validate() error { return requireID("agentId", m.AgentID) }

// NewOrder creates a delivery order.
type NewOrder struct {
	OrderID     ID              `json:"orderId"`
	ObserverID  ID              `json:"observerId"`
	Origin      string          `json:"origin"`
	Destination string          `json:"destination"`
	Items       json.RawMessage `json:"items"`
}

func (*NewOrder) Kind() string { return KindNewOrder }

func (m *NewOrder) validate() error {
	if err := requireID("orderId", m.OrderID); err != nil {
		return err
	}
	return requireID("observerId", m.ObserverID)
}

// AcceptOrder is an agent claiming a pending order.
type AcceptOrder struct {
	OrderID ID `json:"orderId"`
}

func (*AcceptOrder) Kind() string { return KindAcceptOrder }

func (m *AcceptOrder) validate() error { return requireID("orderId", m.OrderID) }

// OrderStatus moves an order along its lifecycle.
type OrderStatus struct {
	OrderID ID     `json:"orderId"`
	Status  string `json:"status"`
}

func (*OrderStatus) Kind() string { return KindOrderStatus }

func (m *OrderStatus) validate() error {
	if err := requireID("orderId", m.OrderID); err != nil {
		return err
	}
	if m.Status == "" {
		return errors.New("status is required")
	}
	return nil
}

// AdminGetAgents asks for every agent's details.
type AdminGetAgents struct{}

func (*AdminGetAgents) Kind() string { return KindAdminGetAgents }

// LoginSuccess acknowledges an agent login.
type LoginSuccess struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Message string `json:"message"`
}

// NewLoginSuccess builds the agent login acknowledgment.
func NewLoginSuccess(agentID string) LoginSuccess {
	return LoginSuccess{Type: KindLoginSuccess, AgentID: agentID, Message: "login successful"}
}

// AgentSummary describes an agent to observers.
type AgentSummary struct {
	AgentID  string    `json:"agentId"`
	Name     string    `json:"name"`
	Vehicle  string    `json:"vehicle"`
	Position *Position `json:"position"`
}

// AgentAvailable announces an agent that can take orders.
type AgentAvailable struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Name    string `json:"name"`
	Vehicle string `json:"vehicle"`
}

// NewAgentAvailable builds the availability broadcast.
func NewAgentAvailable(agentID, name, vehicle string) AgentAvailable {
	return AgentAvailable{Type: KindAgentAvailable, AgentID: agentID, Name: name, Vehicle: vehicle}
}

// AgentNotice carries only an agent id; used for busy, unavailable and disconnected.
type AgentNotice struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
}

// NewAgentBusy announces an agent that took an order.
func NewAgentBusy(agentID string) AgentNotice {
	return AgentNotice{Type: KindAgentBusy, AgentID: agentID}
}

// NewAgentUnavailable tells an observer the agent it asked for is not connected.
func NewAgentUnavailable(agentID string) AgentNotice {
	return AgentNotice{Type: KindAgentUnavailable, AgentID: agentID}
}

// NewAgentDisconnected announces an agent departure.
func NewAgentDisconnected(agentID string) AgentNotice {
	return AgentNotice{Type: KindAgentDisconnected, AgentID: agentID}
}

// AgentStatusChanged broadcasts a free-form agent status.
type AgentStatusChanged struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Status  string `json:"status"`
}

// NewAgentStatusChanged builds the status broadcast.
func NewAgentStatusChanged(agentID, status string) AgentStatusChanged {
	return AgentStatusChanged{Type: KindAgentStatus, AgentID: agentID, Status: status}
}

// PositionUpdate is a position relayed to observers.
type PositionUpdate struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Position
}

// NewPositionUpdate tags a position with the agent it belongs to.
func NewPositionUpdate(agentID string, pos Position) PositionUpdate {
	return PositionUpdate{Type: KindAgentPosition, AgentID: agentID, Position: pos}
}

// AvailableAgents is the snapshot sent to a new observer.
type AvailableAgents struct {
	Type   string         `json:"type"`
	Agents []AgentSummary `json:"agents"`
}

// NewAvailableAgents builds the observer snapshot. A nil list encodes as [].
func NewAvailableAgents(agents []AgentSummary) AvailableAgents {
	if agents == nil {
		agents = []AgentSummary{}
	}
	return AvailableAgents{Type: KindAvailableAgents, Agents: agents}
}

// OrderOffer is a pending order pushed to available agents.
type OrderOffer struct {
	Type        string          `json:"type"`
	OrderID     string          `json:"orderId"`
	Origin      string          `json:"origin"`
	Destination string          `json:"destination"`
	Items       json.RawMessage `json:"items"`
}

// NewOrderOffer builds the order announcement.
func NewOrderOffer(orderID, origin, destination string, items json.RawMessage) OrderOffer {
	return OrderOffer{Type: KindNewOrder, OrderID: orderID, Origin: origin, Destination: destination, Items: orNull(items)}
}

// OrderAccepted tells the ordering observer who is delivering.
type OrderAccepted struct {
	Type      string    `json:"type"`
	OrderID   string    `json:"orderId"`
	AgentID   string    `json:"agentId"`
	AgentName string    `json:"agentName"`
	Position  *Position `json:"position"`
}

// NewOrderAccepted builds the assignment notice.
func NewOrderAccepted(orderID, agentID, agentName string, pos *Position) OrderAccepted {
	return OrderAccepted{Type: KindOrderAccepted, OrderID: orderID, AgentID: agentID, AgentName: agentName, Position: pos}
}

// OrderDetail is the full order record as sent to agents.
type OrderDetail struct {
	OrderID     string          `json:"orderId"`
	ObserverID  string          `json:"observerId"`
	Origin      string          `json:"origin"`
	Destination string          `json:"destination"`
	Items       json.RawMessage `json:"items"`
	Status      string          `json:"status"`
	AgentID     string          `json:"agentId,omitempty"`
	CreatedAt   string          `json:"createdAt"`
}

// OrderConfirmed acknowledges a successful accept to the agent.
type OrderConfirmed struct {
	Type  string      `json:"type"`
	Order OrderDetail `json:"order"`
}

// NewOrderConfirmed builds the accept acknowledgment.
func NewOrderConfirmed(order OrderDetail) OrderConfirmed {
	order.Items = orNull(order.Items)
	return OrderConfirmed{Type: KindOrderConfirmed, Order: order}
}

// OrderRejected explains why an order operation was refused.
type OrderRejected struct {
	Type    string `json:"type"`
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// NewOrderRejected builds the refusal.
func NewOrderRejected(orderID, reason string) OrderRejected {
	return OrderRejected{Type: KindOrderRejected, OrderID: orderID, Reason: reason}
}

// OrderStatusChanged tells the ordering observer about progress.
type OrderStatusChanged struct {
	Type    string `json:"type"`
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

// NewOrderStatusChanged builds the progress notice.
func NewOrderStatusChanged(orderID, status string) OrderStatusChanged {
	return OrderStatusChanged{Type: KindOrderStatus, OrderID: orderID, Status: status}
}

// AgentDetail is one agent in the admin snapshot.
type AgentDetail struct {
	AgentID      string    `json:"agentId"`
	Name         string    `json:"name"`
	Vehicle      string    `json:"vehicle"`
	RemoteAddr   string    `json:"remoteAddr"`
	Status       string    `json:"status"`
	Position     *Position `json:"position"`
	CurrentOrder string    `json:"currentOrder,omitempty"`
}

// AgentsData is the admin snapshot.
type AgentsData struct {
	Type   string        `json:"type"`
	Agents []AgentDetail `json:"agents"`
}

// NewAgentsData builds the admin snapshot. A nil list encodes as [].
func NewAgentsData(agents []AgentDetail) AgentsData {
	if agents == nil {
		agents = []AgentDetail{}
	}
	return AgentsData{Type: KindAgentsData, Agents: agents}
}
