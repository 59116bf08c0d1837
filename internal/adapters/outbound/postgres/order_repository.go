package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tims-exe/dex-order-engine/internal/domain/entity"
	"github.com/tims-exe/dex-order-engine/internal/ports/outbound"
)

// Compile-time check that OrderRepository implements outbound.OrderRepository.
var _ outbound.OrderRepository = (*OrderRepository)(nil)

const orderColumns = `id, token_in, token_out, amount::text, order_type, status, status_message,
	selected_dex, tx_hash, executed_price::text, error_message, created_at, updated_at`

// OrderRepository is a PostgreSQL implementation of the outbound.OrderRepository port.
// Every status update is written together with a row in order_status_history.
type OrderRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// NewOrderRepository creates a new PostgreSQL order repository.
func NewOrderRepository(pool *pgxpool.Pool, logger *slog.Logger) (*OrderRepository, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderRepository{
		pool:   pool,
		logger: logger.With("component", "order-repository"),
		now:    time.Now,
	}, nil
}

// Create inserts a pending order and its first history row.
func (r *OrderRepository) Create(ctx context.Context, order *entity.Order) error {
	if order == nil {
		return fmt.Errorf("order cannot be nil")
	}
	if order.Status != entity.StatusPending {
		return fmt.Errorf("new order %s must be pending, got %s", order.ID, order.Status)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer r.rollback(ctx, tx)

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, token_in, token_out, amount, order_type, status, status_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)
	`, order.ID, order.TokenIn, order.TokenOut, order.Amount.String(),
		string(order.OrderType), string(order.Status), createMessage(order), order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting order %s: %w", order.ID, err)
	}

	if err := insertHistory(ctx, tx, order.ID, 0, order.Status,
		createMessage(order), order.CreatedAt); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Get retrieves an order by id.
func (r *OrderRepository) Get(ctx context.Context, id string) (*entity.Order, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", entity.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying order %s: %w", id, err)
	}
	return order, nil
}

// UpdateStatus locks the order row, validates u against the stored state and
// writes the new state and a history row in one transaction. A replayed update
// returns the stored order without writing.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, u entity.StatusUpdate) (*entity.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer r.rollback(ctx, tx)

	row := tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", entity.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("locking order %s: %w", id, err)
	}

	if order.IsReplay(u) {
		return order, nil
	}

	now := r.now()
	if err := order.Apply(u, now); err != nil {
		return nil, fmt.Errorf("updating order %s: %w", id, err)
	}

	var executedPrice *string
	if order.ExecutedPrice != nil {
		s := order.ExecutedPrice.String()
		executedPrice = &s
	}

	_, err = tx.Exec(ctx, `
		UPDATE orders
		SET status = $2,
		    selected_dex = NULLIF($3, ''),
		    tx_hash = NULLIF($4, ''),
		    executed_price = $5::numeric,
		    error_message = NULLIF($6, ''),
		    status_message = $7,
		    updated_at = $8
		WHERE id = $1
	`, id, string(order.Status), order.SelectedDex, order.TxHash, executedPrice,
		order.ErrorMessage, order.StatusMessage, order.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("updating order %s: %w", id, err)
	}

	if err := insertHistory(ctx, tx, id, u.Attempt, u.Status, order.StatusMessage, order.UpdatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return order, nil
}

// History returns the status transitions of an order, oldest first.
func (r *OrderRepository) History(ctx context.Context, id string) ([]outbound.StatusTransition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT order_id, attempt, status, message, recorded_at
		FROM order_status_history
		WHERE order_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying history for %s: %w", id, err)
	}
	defer rows.Close()

	var history []outbound.StatusTransition
	for rows.Next() {
		var st outbound.StatusTransition
		var status string
		if err := rows.Scan(&st.OrderID, &st.Attempt, &status, &st.Message, &st.RecordedAt); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		st.Status = entity.OrderStatus(status)
		history = append(history, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}
	return history, nil
}

func (r *OrderRepository) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		r.logger.Error("failed to rollback transaction", "error", err)
	}
}

func insertHistory(ctx context.Context, tx pgx.Tx, orderID string, attempt int, status entity.OrderStatus, message string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO order_status_history (order_id, attempt, status, message, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, orderID, attempt, string(status), message, at)
	if err != nil {
		return fmt.Errorf("recording history for %s: %w", orderID, err)
	}
	return nil
}

func scanOrder(row pgx.Row) (*entity.Order, error) {
	var (
		o                 entity.Order
		amount            string
		orderType, status string
		executedPrice     *string
		selectedDex       *string
		txHash            *string
		errMsg            *string
	)
	if err := row.Scan(
		&o.ID, &o.TokenIn, &o.TokenOut, &amount, &orderType, &status, &o.StatusMessage,
		&selectedDex, &txHash, &executedPrice, &errMsg, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parsing amount %q: %w", amount, err)
	}
	if executedPrice != nil {
		p, err := decimal.NewFromString(*executedPrice)
		if err != nil {
			return nil, fmt.Errorf("parsing executed price %q: %w", *executedPrice, err)
		}
		o.ExecutedPrice = &p
	}
	o.OrderType = entity.OrderType(orderType)
	o.Status = entity.OrderStatus(status)
	o.SelectedDex = deref(selectedDex)
	o.TxHash = deref(txHash)
	o.ErrorMessage = deref(errMsg)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

func createMessage(o *entity.Order) string {
	if o.StatusMessage != "" {
		return o.StatusMessage
	}
	return entity.DefaultMessage(o.Status, "")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
