//go:build integration

package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tims-exe/dex-order-engine/internal/domain/entity"
	"github.com/tims-exe/dex-order-engine/internal/testutil"
)

func setupOrderRepository(t *testing.T) *OrderRepository {
	t.Helper()
	pool, cleanup := testutil.SetupPostgres(t)
	t.Cleanup(cleanup)

	repo, err := NewOrderRepository(pool, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewOrderRepository: %v", err)
	}
	return repo
}

func createTestOrder(t *testing.T, repo *OrderRepository, id string) *entity.Order {
	t.Helper()
	order, err := entity.NewOrder(id, "SOL", "USDC", decimal.RequireFromString("10.5"), entity.OrderTypeMarket, time.Now())
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	if err := repo.Create(context.Background(), order); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return order
}

func TestOrderRepository_CreateAndGet(t *testing.T) {
	repo := setupOrderRepository(t)
	ctx := context.Background()

	created := createTestOrder(t, repo, "order-create")

	got, err := repo.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != entity.StatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if !got.Amount.Equal(created.Amount) {
		t.Errorf("expected amount %s, got %s", created.Amount, got.Amount)
	}
	if got.SelectedDex != "" || got.TxHash != "" || got.ExecutedPrice != nil {
		t.Errorf("new order should have no execution fields: %+v", got)
	}

	history, err := repo.History(ctx, created.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].Status != entity.StatusPending {
		t.Errorf("expected one pending history row, got %+v", history)
	}
}

func TestOrderRepository_GetNotFound(t *testing.T) {
	repo := setupOrderRepository(t)

	_, err := repo.Get(context.Background(), "missing")
	if !errors.Is(err, entity.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderRepository_UpdateStatus_Lifecycle(t *testing.T) {
	repo := setupOrderRepository(t)
	ctx := context.Background()
	order := createTestOrder(t, repo, "order-lifecycle")
	price := decimal.RequireFromString("1049.75")

	updates := []entity.StatusUpdate{
		{Attempt: 1, Status: entity.StatusRouting},
		{Attempt: 1, Status: entity.StatusBuilding, SelectedDex: "raydium"},
		{Attempt: 1, Status: entity.StatusSubmitted},
		{Attempt: 1, Status: entity.StatusConfirmed, SelectedDex: "raydium", TxHash: "deadbeef", ExecutedPrice: &price},
	}
	for _, u := range updates {
		if _, err := repo.UpdateStatus(ctx, order.ID, u); err != nil {
			t.Fatalf("UpdateStatus(%s): %v", u.Status, err)
		}
	}

	got, err := repo.Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != entity.StatusConfirmed || got.TxHash != "deadbeef" {
		t.Errorf("unexpected stored order: %+v", got)
	}
	if got.ExecutedPrice == nil || !got.ExecutedPrice.Equal(price) {
		t.Errorf("expected executed price %s, got %v", price, got.ExecutedPrice)
	}

	history, err := repo.History(ctx, order.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	want := []entity.OrderStatus{
		entity.StatusPending, entity.StatusRouting, entity.StatusBuilding,
		entity.StatusSubmitted, entity.StatusConfirmed,
	}
	if len(history) != len(want) {
		t.Fatalf("expected %d history rows, got %d", len(want), len(history))
	}
	for i, s := range want {
		if history[i].Status != s {
			t.Errorf("history[%d] = %s, want %s", i, history[i].Status, s)
		}
	}

	// Replaying the terminal write does not add history.
	if _, err := repo.UpdateStatus(ctx, order.ID, updates[3]); err != nil {
		t.Fatalf("replay: %v", err)
	}
	history, _ = repo.History(ctx, order.ID)
	if len(history) != len(want) {
		t.Errorf("replay wrote history: %d rows", len(history))
	}
}

func TestOrderRepository_StoresStatusMessage(t *testing.T) {
	repo := setupOrderRepository(t)
	ctx := context.Background()
	order := createTestOrder(t, repo, "order-message")

	got, err := repo.Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.StatusMessage != "Order received and queued" {
		t.Errorf("unexpected pending message %q", got.StatusMessage)
	}

	const msg = "Comparing prices on Raydium and Meteora"
	if _, err := repo.UpdateStatus(ctx, order.ID, entity.StatusUpdate{Attempt: 1, Status: entity.StatusRouting, Message: msg}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got, err = repo.Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Snapshot().Message != msg {
		t.Errorf("expected snapshot message %q, got %q", msg, got.Snapshot().Message)
	}
}

func TestOrderRepository_UpdateStatus_RejectsInvalid(t *testing.T) {
	repo := setupOrderRepository(t)
	ctx := context.Background()
	order := createTestOrder(t, repo, "order-invalid")

	_, err := repo.UpdateStatus(ctx, order.ID, entity.StatusUpdate{Status: entity.StatusConfirmed})
	if !errors.Is(err, entity.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	_, err = repo.UpdateStatus(ctx, "missing", entity.StatusUpdate{Status: entity.StatusRouting})
	if !errors.Is(err, entity.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	got, err := repo.Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != entity.StatusPending {
		t.Errorf("rejected update changed status to %s", got.Status)
	}
}

func TestOrderRepository_UpdateStatus_ConcurrentTerminalWrites(t *testing.T) {
	repo := setupOrderRepository(t)
	ctx := context.Background()
	order := createTestOrder(t, repo, "order-race")

	for _, u := range []entity.StatusUpdate{
		{Status: entity.StatusRouting},
		{Status: entity.StatusBuilding, SelectedDex: "meteora"},
		{Status: entity.StatusSubmitted},
	} {
		if _, err := repo.UpdateStatus(ctx, order.ID, u); err != nil {
			t.Fatalf("UpdateStatus(%s): %v", u.Status, err)
		}
	}

	p1 := decimal.NewFromInt(100)
	p2 := decimal.NewFromInt(101)
	writes := []entity.StatusUpdate{
		{Status: entity.StatusConfirmed, SelectedDex: "meteora", TxHash: "tx-1", ExecutedPrice: &p1},
		{Status: entity.StatusConfirmed, SelectedDex: "meteora", TxHash: "tx-2", ExecutedPrice: &p2},
	}

	var wg sync.WaitGroup
	errs := make([]error, len(writes))
	for i, u := range writes {
		wg.Add(1)
		go func(i int, u entity.StatusUpdate) {
			defer wg.Done()
			_, errs[i] = repo.UpdateStatus(ctx, order.ID, u)
		}(i, u)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one terminal write to win, got %d (errs=%v)", succeeded, errs)
	}
}
