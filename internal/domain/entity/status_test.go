package entity

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{StatusPending, StatusRouting, true},
		{StatusRouting, StatusBuilding, true},
		{StatusBuilding, StatusSubmitted, true},
		{StatusSubmitted, StatusConfirmed, true},
		{StatusSubmitted, StatusFailed, true},
		{StatusSubmitted, StatusRouting, true},
		{StatusRouting, StatusFailed, true},
		{StatusPending, StatusBuilding, false},
		{StatusPending, StatusFailed, false},
		{StatusRouting, StatusConfirmed, false},
		{StatusBuilding, StatusConfirmed, false},
		{StatusConfirmed, StatusRouting, false},
		{StatusFailed, StatusRouting, false},
		{StatusConfirmed, StatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestOrderStatus_IsTerminal(t *testing.T) {
	terminal := map[OrderStatus]bool{
		StatusPending:   false,
		StatusRouting:   false,
		StatusBuilding:  false,
		StatusSubmitted: false,
		StatusConfirmed: true,
		StatusFailed:    true,
	}
	for status, want := range terminal {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, got, want)
		}
	}
}

func TestParseOrderStatus(t *testing.T) {
	if _, err := ParseOrderStatus("confirmed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ParseOrderStatus("settled"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestStatusEvent_JSONFieldsByStatus(t *testing.T) {
	price := decimal.RequireFromString("995.25")

	tests := []struct {
		name    string
		event   StatusEvent
		present []string
		absent  []string
	}{
		{
			name:    "routing carries message only",
			event:   StatusEvent{OrderID: "o1", Status: StatusRouting, Message: "m"},
			present: []string{`"orderId":"o1"`, `"status":"routing"`, `"message":"m"`},
			absent:  []string{"selectedDex", "txHash", "executedPrice", "errorMessage"},
		},
		{
			name:    "building carries selectedDex",
			event:   StatusEvent{OrderID: "o1", Status: StatusBuilding, Message: "m", SelectedDex: "raydium"},
			present: []string{`"selectedDex":"raydium"`},
			absent:  []string{"txHash", "executedPrice", "errorMessage"},
		},
		{
			name: "confirmed carries execution fields",
			event: StatusEvent{
				OrderID: "o1", Status: StatusConfirmed, Message: "m",
				SelectedDex: "raydium", TxHash: "ab12", ExecutedPrice: &price,
			},
			present: []string{`"selectedDex":"raydium"`, `"txHash":"ab12"`, `"executedPrice":995.25`},
			absent:  []string{"errorMessage"},
		},
		{
			name:    "failed carries errorMessage",
			event:   StatusEvent{OrderID: "o1", Status: StatusFailed, Message: "m", ErrorMessage: "boom"},
			present: []string{`"errorMessage":"boom"`},
			absent:  []string{"selectedDex", "txHash", "executedPrice"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			s := string(data)
			for _, p := range tt.present {
				if !strings.Contains(s, p) {
					t.Errorf("expected %s in %s", p, s)
				}
			}
			for _, a := range tt.absent {
				if strings.Contains(s, a) {
					t.Errorf("did not expect %s in %s", a, s)
				}
			}
		})
	}
}

func TestQuote_NetPrice(t *testing.T) {
	q := Quote{Dex: "raydium", Price: decimal.NewFromInt(1000), Fee: decimal.RequireFromString("0.003")}
	want := decimal.NewFromInt(997)
	if got := q.NetPrice(); !got.Equal(want) {
		t.Errorf("NetPrice() = %s, want %s", got, want)
	}
}

func TestDecodeOrderJob(t *testing.T) {
	job, err := DecodeOrderJob([]byte(`{"orderId":"o1","tokenIn":"SOL","tokenOut":"USDC","amount":"10","orderType":"market"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.OrderID != "o1" || !job.Amount.Equal(decimal.NewFromInt(10)) {
		t.Errorf("unexpected job: %+v", job)
	}

	if _, err := DecodeOrderJob([]byte(`{"tokenIn":"SOL"}`)); err == nil {
		t.Error("expected error for missing orderId")
	}
	if _, err := DecodeOrderJob([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed body")
	}
}
