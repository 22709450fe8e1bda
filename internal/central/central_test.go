package central

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chaz8081/blemanager/internal/ble"
	"github.com/chaz8081/blemanager/internal/ble/bletest"
	"github.com/chaz8081/blemanager/internal/connection"
	"github.com/chaz8081/blemanager/internal/peripheral"
	"github.com/chaz8081/blemanager/internal/scan"
)

func testOptions() Options {
	return Options{
		Adapter:    ble.StartOptions{ShowAlert: false},
		Scan:       scan.Options{Duration: time.Hour},
		Connection: connection.Options{SettleDelay: 0, Timeout: time.Second},
	}
}

func newCentral(t *testing.T, adapter *bletest.Adapter, logger *slog.Logger) *Central {
	t.Helper()
	c := New(adapter, testOptions(), logger)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func find(c *Central, id string) (peripheral.Record, bool) {
	for _, r := range c.Snapshot() {
		if r.ID == id {
			return r, true
		}
	}
	return peripheral.Record{}, false
}

func TestWidgetLifecycle(t *testing.T) {
	adapter := bletest.New()
	adapter.RSSI["A1:B2"] = -62
	c := newCentral(t, adapter, nil)

	adapter.Emit(ble.Discovered(ble.Peripheral{ID: "A1:B2", Name: "Widget"}))
	eventually(t, "discovery", func() bool { return len(c.Snapshot()) == 1 })

	rec, _ := find(c, "A1:B2")
	if rec.Name != "Widget" || rec.Connected || rec.HasRSSI() {
		t.Fatalf("after discovery record = %+v, want Widget, disconnected, no RSSI", rec)
	}

	action, err := c.ToggleConnection(context.Background(), "A1:B2")
	if err != nil {
		t.Fatalf("ToggleConnection() error = %v", err)
	}
	if action != connection.ActionConnect {
		t.Errorf("ToggleConnection() action = %v, want connect", action)
	}
	if rec, _ = find(c, "A1:B2"); !rec.Connected {
		t.Error("Connected = false after confirmed connect")
	}

	eventually(t, "rssi", func() bool {
		r, _ := find(c, "A1:B2")
		return r.HasRSSI()
	})
	rec, _ = find(c, "A1:B2")
	if *rec.RSSI != -62 || !rec.Connected {
		t.Errorf("after enrichment record = %+v, want rssi -62 and connected", rec)
	}

	adapter.Emit(ble.Disconnected("A1:B2"))
	eventually(t, "disconnect", func() bool {
		r, _ := find(c, "A1:B2")
		return !r.Connected
	})
	rec, _ = find(c, "A1:B2")
	if !rec.HasRSSI() || *rec.RSSI != -62 {
		t.Errorf("RSSI after disconnect = %v, want -62 kept", rec.RSSI)
	}
	if rec.Name != "Widget" {
		t.Errorf("Name after disconnect = %q, want Widget", rec.Name)
	}
	if n := len(c.Snapshot()); n != 1 {
		t.Errorf("Snapshot() len = %d, want 1", n)
	}
}

func TestConnectedAtStartup(t *testing.T) {
	adapter := bletest.New()
	adapter.Connected = []ble.Peripheral{
		{ID: "11:11", Name: "Band"},
		{ID: "22:22"},
	}
	c := newCentral(t, adapter, nil)

	snap := c.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() len = %d, want 2", len(snap))
	}
	for _, r := range snap {
		if !r.Connected {
			t.Errorf("%s Connected = false, want true", r.ID)
		}
	}
	if snap[0].ID != "11:11" || snap[1].ID != "22:22" {
		t.Errorf("order = %s,%s, want 11:11,22:22", snap[0].ID, snap[1].ID)
	}
	if snap[1].Name != peripheral.NoName {
		t.Errorf("Name = %q, want %q", snap[1].Name, peripheral.NoName)
	}
}

func TestScanRejectedWhenBluetoothOff(t *testing.T) {
	adapter := bletest.New()
	adapter.ScanErr = fmt.Errorf("bluetooth powered off: %w", ble.ErrAdapterUnavailable)
	c := newCentral(t, adapter, nil)

	started, err := c.RequestScan(context.Background())
	if started {
		t.Error("RequestScan() = true, want false")
	}
	if !errors.Is(err, ble.ErrScanRejected) {
		t.Errorf("RequestScan() error = %v, want ErrScanRejected", err)
	}
	if c.ScanState() != scan.Idle {
		t.Errorf("ScanState() = %v, want idle", c.ScanState())
	}
}

func TestScanStoppedEventEndsScan(t *testing.T) {
	adapter := bletest.New()
	c := newCentral(t, adapter, nil)

	if started, err := c.RequestScan(context.Background()); err != nil || !started {
		t.Fatalf("RequestScan() = %v, %v", started, err)
	}
	if started, _ := c.RequestScan(context.Background()); started {
		t.Error("second RequestScan() = true while scanning")
	}

	adapter.Emit(ble.ScanStopped())
	eventually(t, "idle", func() bool { return c.ScanState() == scan.Idle })
	if n := len(adapter.Scans()); n != 1 {
		t.Errorf("adapter scans = %d, want 1", n)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRefreshWithNoConnectedPeripheralsLogs(t *testing.T) {
	var out syncBuffer
	logger := slog.New(slog.NewTextHandler(&out, nil))
	adapter := bletest.New()
	c := newCentral(t, adapter, logger)

	n, err := c.RefreshConnectedPeripherals(context.Background())
	if err != nil {
		t.Fatalf("RefreshConnectedPeripherals() error = %v", err)
	}
	if n != 0 {
		t.Errorf("RefreshConnectedPeripherals() = %d, want 0", n)
	}
	if !strings.Contains(out.String(), "no connected peripherals") {
		t.Errorf("log output missing message:\n%s", out.String())
	}
}

func TestStartFailure(t *testing.T) {
	adapter := bletest.New()
	adapter.StartErr = ble.ErrAdapterUnavailable
	c := New(adapter, testOptions(), nil)
	defer c.Close()

	if err := c.Start(context.Background()); !errors.Is(err, ble.ErrAdapterUnavailable) {
		t.Errorf("Start() error = %v, want ErrAdapterUnavailable", err)
	}
}

func TestToggleUnknownReportsError(t *testing.T) {
	c := newCentral(t, bletest.New(), nil)
	if _, err := c.ToggleConnection(context.Background(), "00:00"); !errors.Is(err, ble.ErrUnknownPeripheral) {
		t.Errorf("ToggleConnection() error = %v, want ErrUnknownPeripheral", err)
	}
}

func TestObservers(t *testing.T) {
	adapter := bletest.New()
	adapter.RSSIErr["A1:B2"] = errors.New("rssi unsupported")
	c := newCentral(t, adapter, nil)

	var changes atomic.Int64
	unsubChange := c.OnChange(func() { changes.Add(1) })

	values := make(chan ble.CharacteristicValue, 1)
	c.OnCharacteristicValue(func(v ble.CharacteristicValue) { values <- v })

	errs := make(chan error, 1)
	c.OnError(func(err error) { errs <- err })

	adapter.Emit(ble.Discovered(ble.Peripheral{ID: "A1:B2"}))
	eventually(t, "change notification", func() bool { return changes.Load() > 0 })

	adapter.Emit(ble.ValueUpdated("A1:B2", "2a37", []byte{0x00, 0x48}))
	select {
	case v := <-values:
		if v.PeripheralID != "A1:B2" || v.Characteristic != "2a37" || !bytes.Equal(v.Value, []byte{0x00, 0x48}) {
			t.Errorf("value = %+v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("no characteristic value delivered")
	}

	if _, err := c.ToggleConnection(context.Background(), "A1:B2"); err != nil {
		t.Fatalf("ToggleConnection() error = %v", err)
	}
	select {
	case err := <-errs:
		if !errors.Is(err, ble.ErrEnrichmentFailed) {
			t.Errorf("OnError got %v, want ErrEnrichmentFailed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("enrichment failure not reported")
	}
	if rec, _ := find(c, "A1:B2"); !rec.Connected {
		t.Error("enrichment failure rolled back Connected")
	}

	unsubChange()
	before := changes.Load()
	adapter.Emit(ble.Discovered(ble.Peripheral{ID: "C3:D4"}))
	eventually(t, "second discovery", func() bool { return len(c.Snapshot()) == 2 })
	if changes.Load() != before {
		t.Error("OnChange observer called after unsubscribe")
	}
}

func TestObserverPanicIsContained(t *testing.T) {
	adapter := bletest.New()
	c := newCentral(t, adapter, nil)
	c.OnChange(func() { panic("observer bug") })

	adapter.Emit(ble.Discovered(ble.Peripheral{ID: "A1:B2"}))
	adapter.Emit(ble.Discovered(ble.Peripheral{ID: "C3:D4"}))
	eventually(t, "both discoveries", func() bool { return len(c.Snapshot()) == 2 })
}

func TestCloseStopsRouting(t *testing.T) {
	adapter := bletest.New()
	c := New(adapter, testOptions(), nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if n := len(c.Snapshot()); n != 0 {
		t.Errorf("Snapshot() len = %d, want 0", n)
	}
}

func TestToggleAfterDisconnectEvent(t *testing.T) {
	adapter := bletest.New()
	adapter.RSSI["A1:B2"] = -62
	c := newCentral(t, adapter, nil)

	adapter.Emit(ble.Discovered(ble.Peripheral{ID: "A1:B2", Name: "Widget"}))
	eventually(t, "discovery", func() bool { _, ok := find(c, "A1:B2"); return ok })

	if _, err := c.ToggleConnection(context.Background(), "A1:B2"); err != nil {
		t.Fatalf("connect ToggleConnection() error = %v", err)
	}
	action, err := c.ToggleConnection(context.Background(), "A1:B2")
	if err != nil || action != connection.ActionDisconnect {
		t.Fatalf("ToggleConnection() = %v, %v; want disconnect, nil", action, err)
	}
	eventually(t, "disconnect event", func() bool { rec, _ := find(c, "A1:B2"); return !rec.Connected })

	// The adapter's event released the guard, so the peripheral can be
	// reconnected at once.
	action, err = c.ToggleConnection(context.Background(), "A1:B2")
	if err != nil || action != connection.ActionConnect {
		t.Errorf("ToggleConnection() after disconnect = %v, %v; want connect, nil", action, err)
	}
}

func TestStartTwiceStartsAdapterOnce(t *testing.T) {
	adapter := bletest.New()
	c := newCentral(t, adapter, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if n := len(adapter.Starts()); n != 1 {
		t.Errorf("adapter Start calls = %d, want 1", n)
	}
}

func TestStartRetryAfterFailure(t *testing.T) {
	adapter := bletest.New()
	adapter.StartErr = ble.ErrAdapterUnavailable
	c := New(adapter, testOptions(), nil)
	defer c.Close()

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil, want failure")
	}
	adapter.StartErr = nil
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("retried Start() error = %v", err)
	}
	if n := len(adapter.Starts()); n != 2 {
		t.Errorf("adapter Start calls = %d, want 2", n)
	}
}
