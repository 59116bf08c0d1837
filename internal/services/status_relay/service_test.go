package statusrelay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tims-exe/dex-order-engine/internal/adapters/outbound/memory"
	"github.com/tims-exe/dex-order-engine/internal/domain/entity"
	"github.com/tims-exe/dex-order-engine/internal/pkg/testutil"
	"github.com/tims-exe/dex-order-engine/internal/ports/outbound"
	tu "github.com/tims-exe/dex-order-engine/internal/testutil"
)

// =============================================================================
// Mocks
// =============================================================================

// fakeConn records frames and lets the test simulate a client disconnect.
type fakeConn struct {
	mu     sync.Mutex
	frames []json.RawMessage
	sendFn func(v any) error

	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) Send(v any) error {
	if c.sendFn != nil {
		if err := c.sendFn(v); err != nil {
			return err
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Closed() <-chan struct{} { return c.closed }

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	c.disconnect()
	return nil
}

func (c *fakeConn) disconnect() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *fakeConn) events(t *testing.T) []entity.StatusEvent {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]entity.StatusEvent, 0, len(c.frames))
	for _, f := range c.frames {
		var ev entity.StatusEvent
		if err := json.Unmarshal(f, &ev); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// countingBus wraps a bus and counts subscriptions and unsubscribes.
type countingBus struct {
	outbound.StatusBus
	subscribes   atomic.Int32
	unsubscribes atomic.Int32
	subscribeErr error
}

func (b *countingBus) Subscribe(ctx context.Context, orderID string) (outbound.Subscription, error) {
	if b.subscribeErr != nil {
		return nil, b.subscribeErr
	}
	b.subscribes.Add(1)
	sub, err := b.StatusBus.Subscribe(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &countingSub{Subscription: sub, bus: b}, nil
}

type countingSub struct {
	outbound.Subscription
	bus *countingBus
}

func (s *countingSub) Unsubscribe() error {
	s.bus.unsubscribes.Add(1)
	return s.Subscription.Unsubscribe()
}

// =============================================================================
// Helpers
// =============================================================================

type fixture struct {
	repo  *memory.OrderRepository
	inner *memory.StatusBus
	bus   *countingBus
	relay *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{repo: memory.NewOrderRepository(), inner: memory.NewStatusBus()}
	f.bus = &countingBus{StatusBus: f.inner}
	relay, err := NewService(f.repo, f.bus, tu.DiscardLogger())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f.relay = relay
	return f
}

func (f *fixture) createOrder(t *testing.T, id string) *entity.Order {
	t.Helper()
	order, err := entity.NewOrder(id, "SOL", "USDC", decimal.NewFromInt(10), entity.OrderTypeMarket, time.Now())
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	if err := f.repo.Create(context.Background(), order); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return order
}

// advance persists then publishes, the way the worker does.
func (f *fixture) advance(t *testing.T, id string, u entity.StatusUpdate) {
	t.Helper()
	if u.Message == "" {
		u.Message = entity.DefaultMessage(u.Status, u.SelectedDex)
	}
	if _, err := f.repo.UpdateStatus(context.Background(), id, u); err != nil {
		t.Fatalf("UpdateStatus %s: %v", u.Status, err)
	}
	if err := f.inner.Publish(context.Background(), entity.NewStatusEvent(id, u)); err != nil {
		t.Fatalf("Publish %s: %v", u.Status, err)
	}
}

func lifecycle() []entity.StatusUpdate {
	price := decimal.RequireFromString("999.5")
	return []entity.StatusUpdate{
		{Status: entity.StatusRouting},
		{Status: entity.StatusBuilding, SelectedDex: "meteora"},
		{Status: entity.StatusSubmitted},
		{Status: entity.StatusConfirmed, SelectedDex: "meteora", TxHash: "ab12", ExecutedPrice: &price},
	}
}

func (f *fixture) attachAsync(ctx context.Context, conn *fakeConn, id string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- f.relay.Attach(ctx, conn, id) }()
	return done
}

func (f *fixture) waitSubscribed(t *testing.T, id string) {
	t.Helper()
	if !testutil.WaitFor(t, 2*time.Second, time.Millisecond, func() bool { return f.inner.SubscriberCount(id) == 1 }) {
		t.Fatal("relay never subscribed")
	}
}

// waitAttached waits until the relay is subscribed and has sent the current
// state, so later transitions arrive as events.
func (f *fixture) waitAttached(t *testing.T, conn *fakeConn, id string) {
	t.Helper()
	f.waitSubscribed(t, id)
	if !testutil.WaitFor(t, 2*time.Second, time.Millisecond, func() bool { return conn.frameCount() == 1 }) {
		t.Fatal("relay never sent the current state")
	}
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Attach did not return")
		return nil
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestNewService_RequiresDependencies(t *testing.T) {
	if _, err := NewService(nil, memory.NewStatusBus(), nil); err == nil {
		t.Error("expected error for nil repository")
	}
	if _, err := NewService(memory.NewOrderRepository(), nil, nil); err == nil {
		t.Error("expected error for nil bus")
	}
}

func TestAttach_UnknownOrder(t *testing.T) {
	f := newFixture(t)
	conn := newFakeConn()

	if err := f.relay.Attach(context.Background(), conn, "missing"); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if conn.frameCount() != 1 {
		t.Fatalf("expected one error frame, got %d", conn.frameCount())
	}
	var frame entity.ErrorFrame
	_ = json.Unmarshal(conn.frames[0], &frame)
	if frame.Error != "Order not found" {
		t.Errorf("unexpected error frame %+v", frame)
	}
	if f.bus.subscribes.Load() != 0 {
		t.Error("unknown order must not subscribe")
	}
	if conn.closes.Load() == 0 {
		t.Error("connection was not closed")
	}
}

func TestAttach_TerminalOrderSendsOneFrameWithoutSubscribing(t *testing.T) {
	tests := []struct {
		name    string
		updates []entity.StatusUpdate
		status  entity.OrderStatus
	}{
		{"confirmed", lifecycle(), entity.StatusConfirmed},
		{"failed", []entity.StatusUpdate{{Status: entity.StatusRouting}, {Status: entity.StatusFailed, ErrorMessage: "no liquidity"}}, entity.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.createOrder(t, "order-1")
			for _, u := range tt.updates {
				f.advance(t, "order-1", u)
			}

			conn := newFakeConn()
			if err := f.relay.Attach(context.Background(), conn, "order-1"); err != nil {
				t.Fatalf("Attach: %v", err)
			}

			events := conn.events(t)
			if len(events) != 1 || events[0].Status != tt.status {
				t.Fatalf("expected one %s frame, got %+v", tt.status, events)
			}
			if f.bus.subscribes.Load() != 0 {
				t.Error("terminal order must not subscribe")
			}
			if tt.status == entity.StatusConfirmed && (events[0].TxHash != "ab12" || events[0].ExecutedPrice == nil) {
				t.Errorf("final frame missing execution fields: %+v", events[0])
			}
			if tt.status == entity.StatusFailed && events[0].ErrorMessage != "no liquidity" {
				t.Errorf("final frame missing error: %+v", events[0])
			}
		})
	}
}

func TestAttach_ForwardsUntilTerminal(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t, "order-1")
	conn := newFakeConn()

	done := f.attachAsync(context.Background(), conn, "order-1")
	f.waitAttached(t, conn, "order-1")

	for _, u := range lifecycle() {
		f.advance(t, "order-1", u)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	events := conn.events(t)
	want := []entity.OrderStatus{entity.StatusPending, entity.StatusRouting, entity.StatusBuilding, entity.StatusSubmitted, entity.StatusConfirmed}
	if len(events) != len(want) {
		t.Fatalf("expected %d frames, got %+v", len(want), events)
	}
	for i, s := range want {
		if events[i].Status != s {
			t.Errorf("frame %d: expected %s, got %s", i, s, events[i].Status)
		}
	}
	if events[2].SelectedDex != "meteora" {
		t.Errorf("building frame missing selectedDex: %+v", events[2])
	}

	if got := f.bus.unsubscribes.Load(); got != 1 {
		t.Errorf("expected exactly one unsubscribe, got %d", got)
	}
	if f.inner.TotalSubscribers() != 0 {
		t.Errorf("subscription leaked: %d", f.inner.TotalSubscribers())
	}
	if conn.closes.Load() == 0 {
		t.Error("connection was not closed after terminal frame")
	}
}

func TestAttach_DisconnectAtSubmitted(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t, "order-1")
	conn := newFakeConn()

	done := f.attachAsync(context.Background(), conn, "order-1")
	f.waitAttached(t, conn, "order-1")

	steps := lifecycle()
	for _, u := range steps[:3] {
		f.advance(t, "order-1", u)
	}
	if !testutil.WaitFor(t, 2*time.Second, time.Millisecond, func() bool { return conn.frameCount() == 4 }) {
		t.Fatalf("expected 4 frames before disconnect, got %d", conn.frameCount())
	}

	conn.disconnect()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Attach returned error on disconnect: %v", err)
	}
	if got := f.bus.unsubscribes.Load(); got != 1 {
		t.Errorf("expected a single unsubscribe, got %d", got)
	}
	if f.inner.TotalSubscribers() != 0 {
		t.Errorf("subscription leaked: %d", f.inner.TotalSubscribers())
	}

	// The worker carries on without a listener.
	f.advance(t, "order-1", steps[3])
	order, err := f.repo.Get(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if order.Status != entity.StatusConfirmed {
		t.Errorf("expected confirmed after disconnect, got %s", order.Status)
	}
	if conn.frameCount() != 4 {
		t.Errorf("no frames may be sent after disconnect, got %d", conn.frameCount())
	}
}

func TestAttach_SendFailureTearsDown(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t, "order-1")
	conn := newFakeConn()
	conn.sendFn = func(v any) error { return errors.New("broken pipe") }

	if err := f.relay.Attach(context.Background(), conn, "order-1"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if got := f.bus.subscribes.Load(); got != 1 {
		t.Errorf("expected one subscribe, got %d", got)
	}
	if got := f.bus.unsubscribes.Load(); got != 1 {
		t.Errorf("expected a single unsubscribe, got %d", got)
	}
	if f.inner.TotalSubscribers() != 0 {
		t.Errorf("subscription leaked: %d", f.inner.TotalSubscribers())
	}
}

func TestAttach_InFlightOrderSendsCurrentStateFirst(t *testing.T) {
	tests := []struct {
		name    string
		updates []entity.StatusUpdate
		status  entity.OrderStatus
		dex     string
	}{
		{"pending", nil, entity.StatusPending, ""},
		{"routing", lifecycle()[:1], entity.StatusRouting, ""},
		{"building", lifecycle()[:2], entity.StatusBuilding, "meteora"},
		{"submitted", lifecycle()[:3], entity.StatusSubmitted, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.createOrder(t, "order-1")
			for _, u := range tt.updates {
				f.advance(t, "order-1", u)
			}
			stored, err := f.repo.Get(context.Background(), "order-1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}

			conn := newFakeConn()
			done := f.attachAsync(context.Background(), conn, "order-1")
			f.waitAttached(t, conn, "order-1")

			first := conn.events(t)[0]
			if first.Status != tt.status {
				t.Errorf("expected first frame %s, got %s", tt.status, first.Status)
			}
			if first.SelectedDex != tt.dex {
				t.Errorf("expected selectedDex %q, got %q", tt.dex, first.SelectedDex)
			}
			if first.Message != stored.Snapshot().Message {
				t.Errorf("expected stored message %q, got %q", stored.Snapshot().Message, first.Message)
			}

			price := decimal.RequireFromString("999.5")
			f.advance(t, "order-1", entity.StatusUpdate{Status: entity.StatusRouting})
			f.advance(t, "order-1", entity.StatusUpdate{Status: entity.StatusBuilding, SelectedDex: "raydium"})
			f.advance(t, "order-1", entity.StatusUpdate{Status: entity.StatusSubmitted})
			f.advance(t, "order-1", entity.StatusUpdate{Status: entity.StatusConfirmed, SelectedDex: "raydium", TxHash: "cd34", ExecutedPrice: &price})
			if err := waitDone(t, done); err != nil {
				t.Fatalf("Attach: %v", err)
			}

			events := conn.events(t)
			if len(events) != 5 {
				t.Fatalf("expected the current state plus 4 events, got %+v", events)
			}
			if events[4].Status != entity.StatusConfirmed {
				t.Errorf("expected confirmed last, got %s", events[4].Status)
			}
		})
	}
}

func TestAttach_ChurnDoesNotLeak(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t, "order-1")

	const clients = 20
	var wg sync.WaitGroup
	conns := make([]*fakeConn, clients)
	for i := range conns {
		conns[i] = newFakeConn()
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			_ = f.relay.Attach(context.Background(), c, "order-1")
		}(conns[i])
	}
	if !testutil.WaitFor(t, 2*time.Second, time.Millisecond, func() bool { return f.inner.SubscriberCount("order-1") == clients }) {
		t.Fatalf("expected %d subscribers, got %d", clients, f.inner.SubscriberCount("order-1"))
	}

	// Half disconnect, the rest see the order through.
	for _, c := range conns[:clients/2] {
		c.disconnect()
	}
	for _, u := range lifecycle() {
		f.advance(t, "order-1", u)
	}
	wg.Wait()

	if f.inner.TotalSubscribers() != 0 {
		t.Errorf("subscriptions leaked: %d", f.inner.TotalSubscribers())
	}
	if got := f.bus.unsubscribes.Load(); got != clients {
		t.Errorf("expected %d unsubscribes, got %d", clients, got)
	}
	for _, c := range conns[clients/2:] {
		events := c.events(t)
		if len(events) == 0 || !events[len(events)-1].IsTerminal() {
			t.Errorf("attached client did not see the terminal frame: %+v", events)
		}
	}
}

func TestAttach_SubscribeFailure(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t, "order-1")
	f.bus.subscribeErr = errors.New("redis down")
	conn := newFakeConn()

	if err := f.relay.Attach(context.Background(), conn, "order-1"); err == nil {
		t.Fatal("expected error")
	}
	if conn.frameCount() != 1 || conn.closes.Load() == 0 {
		t.Error("expected an error frame and a closed connection")
	}
}

func TestAttachNew_AcknowledgesThenForwards(t *testing.T) {
	f := newFixture(t)
	order, err := entity.NewOrder("order-1", "SOL", "USDC", decimal.NewFromInt(10), entity.OrderTypeMarket, time.Now())
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	conn := newFakeConn()

	// The worker races ahead as soon as the order is placed; nothing may be
	// missed.
	place := func(ctx context.Context) error {
		if err := f.repo.Create(ctx, order); err != nil {
			return err
		}
		go func() {
			for _, u := range lifecycle() {
				u.Message = entity.DefaultMessage(u.Status, u.SelectedDex)
				if _, err := f.repo.UpdateStatus(context.Background(), order.ID, u); err != nil {
					return
				}
				_ = f.inner.Publish(context.Background(), entity.NewStatusEvent(order.ID, u))
			}
		}()
		return nil
	}

	if err := f.relay.AttachNew(context.Background(), conn, order, place); err != nil {
		t.Fatalf("AttachNew: %v", err)
	}

	events := conn.events(t)
	want := []entity.OrderStatus{entity.StatusPending, entity.StatusRouting, entity.StatusBuilding, entity.StatusSubmitted, entity.StatusConfirmed}
	if len(events) != len(want) {
		t.Fatalf("expected %d frames, got %+v", len(want), events)
	}
	for i, s := range want {
		if events[i].Status != s {
			t.Errorf("frame %d: expected %s, got %s", i, s, events[i].Status)
		}
	}
	if events[0].Message != "Order received and queued" {
		t.Errorf("unexpected ack message %q", events[0].Message)
	}
	if f.bus.unsubscribes.Load() != 1 {
		t.Errorf("expected one unsubscribe, got %d", f.bus.unsubscribes.Load())
	}
}

func TestAttachNew_PlaceFailure(t *testing.T) {
	f := newFixture(t)
	order, err := entity.NewOrder("order-1", "SOL", "USDC", decimal.NewFromInt(10), entity.OrderTypeMarket, time.Now())
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	conn := newFakeConn()

	err = f.relay.AttachNew(context.Background(), conn, order, func(context.Context) error {
		return errors.New("queue unavailable")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if f.bus.unsubscribes.Load() != 1 || f.inner.TotalSubscribers() != 0 {
		t.Error("subscription not released after place failure")
	}
	var frame entity.ErrorFrame
	if conn.frameCount() != 1 {
		t.Fatalf("expected one error frame, got %d", conn.frameCount())
	}
	_ = json.Unmarshal(conn.frames[0], &frame)
	if frame.Error == "" {
		t.Error("expected error frame")
	}
}
