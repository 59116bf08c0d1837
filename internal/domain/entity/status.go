package entity

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// OrderStatus is a state of the order execution state machine.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusRouting   OrderStatus = "routing"
	StatusBuilding  OrderStatus = "building"
	StatusSubmitted OrderStatus = "submitted"
	StatusConfirmed OrderStatus = "confirmed"
	StatusFailed    OrderStatus = "failed"
)

// IsTerminal reports whether no transition leaves s.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// IsValid reports whether s is a known status.
func (s OrderStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusRouting, StatusBuilding, StatusSubmitted, StatusConfirmed, StatusFailed:
		return true
	}
	return false
}

// ParseOrderStatus converts a stored status string to an OrderStatus.
func ParseOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(s)
	if !status.IsValid() {
		return "", fmt.Errorf("unknown order status %q", s)
	}
	return status, nil
}

// transitions lists the allowed edges. Any state past pending may go back
// to routing (a new attempt, or a redelivered job restarting from zero) or
// to failed (attempts exhausted at that stage). Pending only ever moves to
// routing: a worker always announces routing first.
var transitions = map[OrderStatus][]OrderStatus{
	StatusPending:   {StatusRouting},
	StatusRouting:   {StatusBuilding, StatusRouting, StatusFailed},
	StatusBuilding:  {StatusSubmitted, StatusRouting, StatusFailed},
	StatusSubmitted: {StatusConfirmed, StatusRouting, StatusFailed},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DefaultMessage returns the human readable message for a status frame.
func DefaultMessage(status OrderStatus, dex string) string {
	switch status {
	case StatusPending:
		return "Order received and queued"
	case StatusRouting:
		return "Comparing prices across liquidity sources"
	case StatusBuilding:
		return fmt.Sprintf("Building transaction for %s", dex)
	case StatusSubmitted:
		return "Transaction sent to network"
	case StatusConfirmed:
		return "Transaction successful"
	case StatusFailed:
		return "Order execution failed"
	default:
		return string(status)
	}
}

// StatusEvent is the wire representation of one order mutation.
type StatusEvent struct {
	OrderID       string           `json:"orderId"`
	Status        OrderStatus      `json:"status"`
	Message       string           `json:"message"`
	SelectedDex   string           `json:"selectedDex,omitempty"`
	TxHash        string           `json:"txHash,omitempty"`
	ExecutedPrice *decimal.Decimal `json:"executedPrice,omitempty"`
	ErrorMessage  string           `json:"errorMessage,omitempty"`
}

// MarshalJSON writes executedPrice as a JSON number.
func (e StatusEvent) MarshalJSON() ([]byte, error) {
	type wire StatusEvent
	out := struct {
		wire
		ExecutedPrice json.RawMessage `json:"executedPrice,omitempty"`
	}{wire: wire(e)}
	if e.ExecutedPrice != nil {
		out.ExecutedPrice = json.RawMessage(e.ExecutedPrice.String())
	}
	return json.Marshal(out)
}

// NewStatusEvent builds the event broadcast for an applied update.
func NewStatusEvent(orderID string, u StatusUpdate) StatusEvent {
	return StatusEvent{
		OrderID:       orderID,
		Status:        u.Status,
		Message:       u.Message,
		SelectedDex:   u.SelectedDex,
		TxHash:        u.TxHash,
		ExecutedPrice: u.ExecutedPrice,
		ErrorMessage:  u.ErrorMessage,
	}
}

// IsTerminal reports whether this is the last event for its order.
func (e StatusEvent) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// ErrorFrame is sent to a stream client when a request cannot be served.
type ErrorFrame struct {
	Error string `json:"error"`
}
