// Package liquidity provides simulated liquidity providers.
//
// A Simulator quotes basePrice * variance * amount after a fixed latency and
// fills at basePrice * amount * slippage after a random latency, returning a
// random 32-byte hex transaction hash. Nothing is settled on chain.
package liquidity

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tims-exe/dex-order-engine/internal/domain/entity"
	"github.com/tims-exe/dex-order-engine/internal/ports/outbound"
)

// Compile-time check that Simulator implements outbound.LiquidityProvider
var _ outbound.LiquidityProvider = (*Simulator)(nil)

// ErrSimulatedFailure is returned when a call is chosen to fail by FailureRate.
var ErrSimulatedFailure = errors.New("simulated provider failure")

// Config describes one simulated venue.
type Config struct {
	// Name is the provider identifier used in routes and status events.
	Name string

	// BasePrice is the unit price before variance or slippage.
	BasePrice decimal.Decimal

	// Fee is the fractional fee, e.g. 0.003 for 0.3%.
	Fee decimal.Decimal

	// VarianceMin and VarianceMax bound the quote multiplier.
	VarianceMin float64
	VarianceMax float64

	// SlippageMin and SlippageMax bound the fill multiplier.
	SlippageMin float64
	SlippageMax float64

	// QuoteLatency is how long a quote takes.
	QuoteLatency time.Duration

	// ExecuteLatencyMin and ExecuteLatencyMax bound how long a swap takes.
	ExecuteLatencyMin time.Duration
	ExecuteLatencyMax time.Duration

	// FailureRate is the probability in [0, 1] that a quote or execute fails.
	FailureRate float64
}

// RaydiumConfig returns the default Raydium simulator configuration.
func RaydiumConfig() Config {
	return Config{
		Name:              "raydium",
		BasePrice:         decimal.NewFromInt(100),
		Fee:               decimal.RequireFromString("0.003"),
		VarianceMin:       0.98,
		VarianceMax:       1.02,
		SlippageMin:       0.995,
		SlippageMax:       1.005,
		QuoteLatency:      2 * time.Second,
		ExecuteLatencyMin: 2 * time.Second,
		ExecuteLatencyMax: 3 * time.Second,
	}
}

// MeteoraConfig returns the default Meteora simulator configuration.
func MeteoraConfig() Config {
	return Config{
		Name:              "meteora",
		BasePrice:         decimal.NewFromInt(100),
		Fee:               decimal.RequireFromString("0.002"),
		VarianceMin:       0.97,
		VarianceMax:       1.02,
		SlippageMin:       0.995,
		SlippageMax:       1.005,
		QuoteLatency:      2 * time.Second,
		ExecuteLatencyMin: 2 * time.Second,
		ExecuteLatencyMax: 3 * time.Second,
	}
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithRand sets the source of randomness for variance, slippage, latency and
// failures. Tests use a seeded source for reproducible quotes.
func WithRand(src rand.Source) Option {
	return func(s *Simulator) { s.rng = rand.New(src) }
}

// WithLogger sets the simulator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Simulator) { s.logger = logger }
}

// Simulator is a simulated liquidity provider.
type Simulator struct {
	config Config
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator validates cfg and creates a Simulator.
func NewSimulator(cfg Config, opts ...Option) (*Simulator, error) {
	if cfg.Name == "" {
		return nil, errors.New("provider name is required")
	}
	if !cfg.BasePrice.IsPositive() {
		return nil, fmt.Errorf("%s: base price must be positive", cfg.Name)
	}
	if cfg.Fee.IsNegative() || cfg.Fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%s: fee must be in [0, 1)", cfg.Name)
	}
	if cfg.VarianceMin <= 0 || cfg.VarianceMax < cfg.VarianceMin {
		return nil, fmt.Errorf("%s: invalid variance range [%v, %v]", cfg.Name, cfg.VarianceMin, cfg.VarianceMax)
	}
	if cfg.SlippageMin <= 0 || cfg.SlippageMax < cfg.SlippageMin {
		return nil, fmt.Errorf("%s: invalid slippage range [%v, %v]", cfg.Name, cfg.SlippageMin, cfg.SlippageMax)
	}
	if cfg.ExecuteLatencyMax < cfg.ExecuteLatencyMin {
		return nil, fmt.Errorf("%s: invalid execute latency range", cfg.Name)
	}
	if cfg.FailureRate < 0 || cfg.FailureRate > 1 {
		return nil, fmt.Errorf("%s: failure rate must be in [0, 1]", cfg.Name)
	}

	s := &Simulator{
		config: cfg,
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "liquidity-simulator", "dex", cfg.Name)
	return s, nil
}

// Name returns the provider identifier.
func (s *Simulator) Name() string { return s.config.Name }

// Quote returns a price for params after QuoteLatency.
func (s *Simulator) Quote(ctx context.Context, params entity.SwapParams) (entity.Quote, error) {
	if err := sleep(ctx, s.config.QuoteLatency); err != nil {
		return entity.Quote{}, err
	}
	if s.fails() {
		return entity.Quote{}, fmt.Errorf("%s quote: %w", s.config.Name, ErrSimulatedFailure)
	}

	variance := s.uniform(s.config.VarianceMin, s.config.VarianceMax)
	price := s.config.BasePrice.Mul(decimal.NewFromFloat(variance)).Mul(params.Amount)

	s.logger.Debug("quoted", "tokenIn", params.TokenIn, "tokenOut", params.TokenOut,
		"amount", params.Amount.String(), "price", price.String())
	return entity.Quote{Dex: s.config.Name, Price: price, Fee: s.config.Fee}, nil
}

// Execute performs a simulated swap.
func (s *Simulator) Execute(ctx context.Context, params entity.SwapParams) (entity.SwapResult, error) {
	latency := s.config.ExecuteLatencyMin
	if span := s.config.ExecuteLatencyMax - s.config.ExecuteLatencyMin; span > 0 {
		latency += time.Duration(s.uniform(0, float64(span)))
	}
	if err := sleep(ctx, latency); err != nil {
		return entity.SwapResult{}, err
	}
	if s.fails() {
		return entity.SwapResult{}, fmt.Errorf("%s execute: %w", s.config.Name, ErrSimulatedFailure)
	}

	slippage := s.uniform(s.config.SlippageMin, s.config.SlippageMax)
	executed := s.config.BasePrice.Mul(params.Amount).Mul(decimal.NewFromFloat(slippage))

	txHash, err := newTxHash()
	if err != nil {
		return entity.SwapResult{}, err
	}
	return entity.SwapResult{TxHash: txHash, ExecutedPrice: executed}, nil
}

// SlippageBand returns the inclusive range of prices Execute can fill at.
func (s *Simulator) SlippageBand(amount decimal.Decimal) (low, high decimal.Decimal) {
	base := s.config.BasePrice.Mul(amount)
	return base.Mul(decimal.NewFromFloat(s.config.SlippageMin)), base.Mul(decimal.NewFromFloat(s.config.SlippageMax))
}

func (s *Simulator) uniform(lo, hi float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo + s.rng.Float64()*(hi-lo)
}

func (s *Simulator) fails() bool {
	if s.config.FailureRate <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.config.FailureRate
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func newTxHash() (string, error) {
	b := make([]byte, 32)
	if _, err := crand.Read(b); err != nil {
		return "", fmt.Errorf("generating tx hash: %w", err)
	}
	return hex.EncodeToString(b), nil
}
