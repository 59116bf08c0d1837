package entity

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Quote is a liquidity source's price for a swap.
type Quote struct {
	Dex   string
	Price decimal.Decimal
	Fee   decimal.Decimal
}

// NetPrice returns price * (1 - fee).
func (q Quote) NetPrice() decimal.Decimal {
	return q.Price.Mul(decimal.NewFromInt(1).Sub(q.Fee))
}

// Route is the liquidity source chosen for an order.
type Route struct {
	Dex      string
	Price    decimal.Decimal
	Fee      decimal.Decimal
	NetPrice decimal.Decimal
}

// SwapParams are the immutable inputs of a swap.
type SwapParams struct {
	TokenIn  string
	TokenOut string
	Amount   decimal.Decimal
}

// SwapResult is the outcome of a successful swap execution.
type SwapResult struct {
	TxHash        string
	ExecutedPrice decimal.Decimal
}

// OrderJob is the queue payload: the order id plus its immutable fields.
type OrderJob struct {
	OrderID   string          `json:"orderId"`
	TokenIn   string          `json:"tokenIn"`
	TokenOut  string          `json:"tokenOut"`
	Amount    decimal.Decimal `json:"amount"`
	OrderType OrderType       `json:"orderType"`
}

// Params returns the swap parameters carried by the job.
func (j OrderJob) Params() SwapParams {
	return SwapParams{TokenIn: j.TokenIn, TokenOut: j.TokenOut, Amount: j.Amount}
}

// DecodeOrderJob parses a queue message body.
func DecodeOrderJob(body []byte) (OrderJob, error) {
	var job OrderJob
	if err := json.Unmarshal(body, &job); err != nil {
		return OrderJob{}, fmt.Errorf("parsing order job: %w", err)
	}
	if job.OrderID == "" {
		return OrderJob{}, fmt.Errorf("parsing order job: missing orderId")
	}
	return job, nil
}
