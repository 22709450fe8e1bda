package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerSettings configures BreakerAdapter.
type BreakerSettings struct {
	// MaxFailures is the number of consecutive connect failures that opens
	// the breaker.
	MaxFailures uint32
	// Cooldown is how long the breaker stays open before one probe connect
	// is let through.
	Cooldown time.Duration
}

// BreakerAdapter wraps an Adapter so that a radio which keeps refusing
// connections fails fast instead of tying up every toggle for the full
// connect timeout. Only Connect goes through the breaker.
type BreakerAdapter struct {
	Adapter
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// WithBreaker wraps inner. A zero MaxFailures returns inner unchanged.
func WithBreaker(inner Adapter, s BreakerSettings, logger *slog.Logger) Adapter {
	if s.MaxFailures == 0 {
		return inner
	}
	if logger == nil {
		logger = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "ble.connect",
		MaxRequests: 1,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[BLE] circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// A caller giving up says nothing about the radio.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &BreakerAdapter{Adapter: inner, breaker: cb}
}

// Connect routes the request through the breaker. While open it fails
// immediately with ErrAdapterUnavailable.
func (b *BreakerAdapter) Connect(ctx context.Context, id string) error {
	_, err := b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.Adapter.Connect(ctx, id)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("ble: connect %s: %w: %w", id, ErrAdapterUnavailable, err)
	}
	return err
}

// State reports the breaker state for status displays.
func (b *BreakerAdapter) State() gobreaker.State {
	return b.breaker.State()
}
