package ble_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/chaz8081/blemanager/internal/ble"
	"github.com/chaz8081/blemanager/internal/ble/bletest"
)

func TestWithBreakerDisabledReturnsInner(t *testing.T) {
	inner := bletest.New()
	if got := ble.WithBreaker(inner, ble.BreakerSettings{}, nil); got != ble.Adapter(inner) {
		t.Errorf("WithBreaker(MaxFailures=0) = %T, want the inner adapter", got)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := bletest.New()
	inner.ConnectErr["A1:B2"] = errors.New("connection refused")
	a := ble.WithBreaker(inner, ble.BreakerSettings{MaxFailures: 2, Cooldown: time.Hour}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := a.Connect(ctx, "A1:B2")
		if err == nil || errors.Is(err, ble.ErrAdapterUnavailable) {
			t.Fatalf("Connect() #%d error = %v, want the adapter error", i+1, err)
		}
	}

	err := a.Connect(ctx, "A1:B2")
	if !errors.Is(err, ble.ErrAdapterUnavailable) {
		t.Errorf("Connect() with open breaker error = %v, want ErrAdapterUnavailable", err)
	}
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("Connect() with open breaker error = %v, want ErrOpenState cause", err)
	}
	if n := len(inner.Connects()); n != 2 {
		t.Errorf("inner Connect calls = %d, want 2", n)
	}
	if s := a.(*ble.BreakerAdapter).State(); s != gobreaker.StateOpen {
		t.Errorf("State() = %v, want open", s)
	}
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	inner := bletest.New()
	inner.ConnectErr["A1:B2"] = context.Canceled
	a := ble.WithBreaker(inner, ble.BreakerSettings{MaxFailures: 1, Cooldown: time.Hour}, nil)

	for i := 0; i < 3; i++ {
		if err := a.Connect(context.Background(), "A1:B2"); !errors.Is(err, context.Canceled) {
			t.Fatalf("Connect() error = %v, want context.Canceled", err)
		}
	}
	if n := len(inner.Connects()); n != 3 {
		t.Errorf("inner Connect calls = %d, want 3", n)
	}
}

func TestBreakerPassesOtherCallsThrough(t *testing.T) {
	inner := bletest.New()
	inner.RSSI["A1:B2"] = -70
	a := ble.WithBreaker(inner, ble.BreakerSettings{MaxFailures: 1, Cooldown: time.Hour}, nil)

	if err := a.Connect(context.Background(), "A1:B2"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	v, err := a.ReadRSSI(context.Background(), "A1:B2")
	if err != nil || v != -70 {
		t.Errorf("ReadRSSI() = %d, %v; want -70, nil", v, err)
	}
	if a.Events() != inner.Events() {
		t.Error("Events() not forwarded to the inner adapter")
	}
}
