package entity

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderType is the kind of order a client submits.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeSniper OrderType = "sniper"
)

// ParseOrderType returns the OrderType for s or a ValidationError.
func ParseOrderType(s string) (OrderType, error) {
	switch OrderType(s) {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeSniper:
		return OrderType(s), nil
	default:
		return "", &ValidationError{Field: "orderType", Reason: fmt.Sprintf("must be one of market, limit, sniper; got %q", s)}
	}
}

// tokenSymbolPattern matches token identifiers such as SOL, USDC or wBTC.
var tokenSymbolPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,31}$`)

// Order is a client's request to exchange TokenIn for TokenOut, tracked
// through its status lifecycle.
type Order struct {
	ID        string
	TokenIn   string
	TokenOut  string
	Amount    decimal.Decimal
	OrderType OrderType
	Status    OrderStatus

	// StatusMessage is the message broadcast with the current status.
	StatusMessage string

	// Set by the execution worker.
	SelectedDex   string
	TxHash        string
	ExecutedPrice *decimal.Decimal
	ErrorMessage  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewOrder creates a pending Order with validation.
func NewOrder(id, tokenIn, tokenOut string, amount decimal.Decimal, orderType OrderType, createdAt time.Time) (*Order, error) {
	o := &Order{
		ID:        id,
		TokenIn:   strings.TrimSpace(tokenIn),
		TokenOut:  strings.TrimSpace(tokenOut),
		Amount:    amount,
		OrderType: orderType,
		Status:        StatusPending,
		StatusMessage: DefaultMessage(StatusPending, ""),
		CreatedAt:     createdAt.UTC(),
		UpdatedAt:     createdAt.UTC(),
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Order) validate() error {
	if o.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if err := ValidateTokenSymbol("tokenIn", o.TokenIn); err != nil {
		return err
	}
	if err := ValidateTokenSymbol("tokenOut", o.TokenOut); err != nil {
		return err
	}
	if !o.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: fmt.Sprintf("must be positive, got %s", o.Amount.String())}
	}
	if _, err := ParseOrderType(string(o.OrderType)); err != nil {
		return err
	}
	return nil
}

// ValidateTokenSymbol checks that a token identifier is non-empty and well formed.
func ValidateTokenSymbol(field, symbol string) error {
	if symbol == "" {
		return &ValidationError{Field: field, Reason: "must not be empty"}
	}
	if !tokenSymbolPattern.MatchString(symbol) {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("invalid token identifier %q", symbol)}
	}
	return nil
}

// StatusUpdate describes one mutation of an order made by the execution worker.
type StatusUpdate struct {
	// Attempt is the 1-based execution attempt that produced the update. It
	// is recorded in the status history only.
	Attempt int

	Status        OrderStatus
	Message       string
	SelectedDex   string
	TxHash        string
	ExecutedPrice *decimal.Decimal
	ErrorMessage  string
}

// Apply validates u against the state machine and the write-once fields and
// mutates the order in place. Re-applying the current status with the same
// fields is a no-op so redelivered jobs can replay their writes.
func (o *Order) Apply(u StatusUpdate, at time.Time) error {
	if o.IsReplay(u) {
		return nil
	}
	if !CanTransition(o.Status, u.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, u.Status)
	}

	if u.SelectedDex != "" {
		// A new routing decision replaces the previous attempt's choice; the
		// terminal write must agree with it.
		if u.Status.IsTerminal() && o.SelectedDex != "" && o.SelectedDex != u.SelectedDex {
			return fmt.Errorf("%w: selectedDex is %q", ErrFieldAlreadySet, o.SelectedDex)
		}
		o.SelectedDex = u.SelectedDex
	}
	if u.TxHash != "" {
		if o.TxHash != "" && o.TxHash != u.TxHash {
			return fmt.Errorf("%w: txHash", ErrFieldAlreadySet)
		}
		o.TxHash = u.TxHash
	}
	if u.ExecutedPrice != nil {
		if o.ExecutedPrice != nil && !o.ExecutedPrice.Equal(*u.ExecutedPrice) {
			return fmt.Errorf("%w: executedPrice", ErrFieldAlreadySet)
		}
		p := *u.ExecutedPrice
		o.ExecutedPrice = &p
	}
	if u.ErrorMessage != "" {
		o.ErrorMessage = u.ErrorMessage
	}

	o.Status = u.Status
	o.StatusMessage = u.Message
	if o.StatusMessage == "" {
		o.StatusMessage = DefaultMessage(u.Status, o.SelectedDex)
	}
	o.UpdatedAt = at.UTC()
	return nil
}

// IsReplay reports whether u restates the order's current state.
func (o *Order) IsReplay(u StatusUpdate) bool {
	return o.Status == u.Status && o.matches(u)
}

func (o *Order) matches(u StatusUpdate) bool {
	if u.SelectedDex != "" && u.SelectedDex != o.SelectedDex {
		return false
	}
	if u.TxHash != "" && u.TxHash != o.TxHash {
		return false
	}
	if u.ExecutedPrice != nil && (o.ExecutedPrice == nil || !o.ExecutedPrice.Equal(*u.ExecutedPrice)) {
		return false
	}
	if u.ErrorMessage != "" && u.ErrorMessage != o.ErrorMessage {
		return false
	}
	return true
}

// Snapshot returns the StatusEvent describing the order's stored state. Used
// when a late client attaches after the live broadcast has already happened.
func (o *Order) Snapshot() StatusEvent {
	ev := StatusEvent{
		OrderID: o.ID,
		Status:  o.Status,
		Message: o.StatusMessage,
	}
	if ev.Message == "" {
		ev.Message = DefaultMessage(o.Status, o.SelectedDex)
	}
	switch o.Status {
	case StatusBuilding:
		ev.SelectedDex = o.SelectedDex
	case StatusConfirmed:
		ev.SelectedDex = o.SelectedDex
		ev.TxHash = o.TxHash
		ev.ExecutedPrice = o.ExecutedPrice
	case StatusFailed:
		ev.ErrorMessage = o.ErrorMessage
	}
	return ev
}

// Job returns the queue payload for this order.
func (o *Order) Job() OrderJob {
	return OrderJob{
		OrderID:   o.ID,
		TokenIn:   o.TokenIn,
		TokenOut:  o.TokenOut,
		Amount:    o.Amount,
		OrderType: o.OrderType,
	}
}
