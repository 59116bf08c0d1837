// Package router selects the liquidity provider with the best net-of-fee
// price for a swap and dispatches execution to it.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/tims-exe/dex-order-engine/internal/domain/entity"
	"github.com/tims-exe/dex-order-engine/internal/ports/outbound"
)

// Router quotes every registered provider and picks the best route.
type Router struct {
	providers []outbound.LiquidityProvider
	byName    map[string]outbound.LiquidityProvider
	logger    *slog.Logger
}

// New creates a Router over providers. Registration order is the tie-break
// order.
func New(providers []outbound.LiquidityProvider, logger *slog.Logger) (*Router, error) {
	if len(providers) == 0 {
		return nil, errors.New("at least one liquidity provider is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	byName := make(map[string]outbound.LiquidityProvider, len(providers))
	for _, p := range providers {
		if p == nil {
			return nil, errors.New("liquidity provider must not be nil")
		}
		if _, dup := byName[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate liquidity provider %q", p.Name())
		}
		byName[p.Name()] = p
	}

	return &Router{
		providers: append([]outbound.LiquidityProvider(nil), providers...),
		byName:    byName,
		logger:    logger.With("component", "router"),
	}, nil
}

// SelectRoute quotes all providers concurrently and returns the one with the
// highest net price. Any quote failure fails the whole selection with a
// *entity.RoutingError.
func (r *Router) SelectRoute(ctx context.Context, params entity.SwapParams) (entity.Route, error) {
	quotes := make([]entity.Quote, len(r.providers))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range r.providers {
		g.Go(func() error {
			q, err := p.Quote(gctx, params)
			if err != nil {
				return &entity.RoutingError{Dex: p.Name(), Err: err}
			}
			q.Dex = p.Name()
			quotes[i] = q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return entity.Route{}, err
	}

	best := quotes[0]
	bestNet := best.NetPrice()
	for _, q := range quotes[1:] {
		if net := q.NetPrice(); net.GreaterThan(bestNet) {
			best, bestNet = q, net
		}
	}

	r.logger.Debug("route selected",
		"dex", best.Dex,
		"price", best.Price.String(),
		"netPrice", bestNet.String(),
		"quotes", len(quotes),
	)

	return entity.Route{
		Dex:      best.Dex,
		Price:    best.Price,
		Fee:      best.Fee,
		NetPrice: bestNet,
	}, nil
}

// Execute runs the swap on the named provider.
func (r *Router) Execute(ctx context.Context, dex string, params entity.SwapParams) (entity.SwapResult, error) {
	p, ok := r.byName[dex]
	if !ok {
		return entity.SwapResult{}, &entity.ExecutionError{Dex: dex, Err: entity.ErrUnknownDex}
	}
	res, err := p.Execute(ctx, params)
	if err != nil {
		return entity.SwapResult{}, &entity.ExecutionError{Dex: dex, Err: err}
	}
	return res, nil
}

// Names returns the provider names in registration order.
func (r *Router) Names() []string {
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name()
	}
	return names
}

// RoutingMessage returns the human readable message of a routing frame,
// e.g. "Comparing prices on Raydium and Meteora".
func (r *Router) RoutingMessage() string {
	names := r.Names()
	for i, n := range names {
		names[i] = displayName(n)
	}

	var list string
	switch len(names) {
	case 1:
		list = names[0]
	default:
		list = strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
	}
	return "Comparing prices on " + list
}

func displayName(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
