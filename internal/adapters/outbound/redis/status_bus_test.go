package redis

import (
	"testing"
)

func TestNewStatusBus_RequiresAddr(t *testing.T) {
	if _, err := NewStatusBus(Config{}, nil); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestNewStatusBus_AppliesDefaults(t *testing.T) {
	bus, err := NewStatusBus(Config{Addr: "localhost:6379"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer bus.Close()

	if got := bus.channel("abc"); got != "order:abc" {
		t.Errorf("channel = %q, want %q", got, "order:abc")
	}
	if bus.config.BufferSize != ConfigDefaults().BufferSize {
		t.Errorf("BufferSize = %d, want default", bus.config.BufferSize)
	}
}
