package outbound

import (
	"context"

	"github.com/tims-exe/dex-order-engine/internal/domain/entity"
)

// LiquidityProvider is a venue that can quote and execute swaps.
type LiquidityProvider interface {
	// Name returns the provider's identifier, e.g. "raydium".
	Name() string

	// Quote returns the provider's price and fee for swapping amount of tokenIn.
	Quote(ctx context.Context, params entity.SwapParams) (entity.Quote, error)

	// Execute performs the swap and returns the transaction hash and fill price.
	Execute(ctx context.Context, params entity.SwapParams) (entity.SwapResult, error)
}
