package autoscan

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

type fakeScanner struct {
	calls   atomic.Int32
	started bool
	err     error
}

func (f *fakeScanner) RequestScan(ctx context.Context) (bool, error) {
	f.calls.Add(1)
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return f.started, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New("every now and then", &fakeScanner{}, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "autoscan: invalid schedule")
}

func TestNewAcceptsDescriptor(t *testing.T) {
	s, err := New("@every 30s", &fakeScanner{}, quietLogger())
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestSchedulerRequestsScans(t *testing.T) {
	tests := []struct {
		name    string
		scanner *fakeScanner
	}{
		{name: "scan started", scanner: &fakeScanner{started: true}},
		{name: "already scanning", scanner: &fakeScanner{started: false}},
		{name: "scan rejected", scanner: &fakeScanner{err: errors.New("bluetooth off")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewWithSchedule(every(20*time.Millisecond), tt.scanner, quietLogger())
			s.Start(context.Background())
			defer s.Stop()

			assert.Eventually(t, func() bool { return tt.scanner.calls.Load() >= 2 },
				time.Second, 5*time.Millisecond, "scheduler should keep firing after %s", tt.name)
		})
	}
}

func TestStopHaltsRequests(t *testing.T) {
	scanner := &fakeScanner{started: true}
	s := NewWithSchedule(every(10*time.Millisecond), scanner, quietLogger())
	s.Start(context.Background())
	s.Start(context.Background())

	require.Eventually(t, func() bool { return scanner.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	after := scanner.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, scanner.calls.Load(), "no requests after Stop")
}

func TestStopBeforeStart(t *testing.T) {
	s := NewWithSchedule(every(time.Hour), &fakeScanner{}, quietLogger())
	assert.NotPanics(t, s.Stop)
}
