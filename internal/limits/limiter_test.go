package limits

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"exchange-api-governor/internal/clock"
)

func newTestLimiter(t *testing.T, maxPoints float64, clk clock.Clock, cfg LimiterConfig) *Limiter {
	t.Helper()
	ledger := newTestLedger(t, maxPoints, 10, clk)
	return NewLimiter(testCostTable(t), ledger, cfg, clk, zerolog.Nop())
}

func TestTryReservePrivateEndpoint(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	lim := newTestLimiter(t, 100, clk, LimiterConfig{})

	res, err := lim.TryReserve("acct", "place_order", -1)
	if err != nil {
		t.Fatalf("TryReserve failed: %v", err)
	}
	if res == nil {
		t.Fatal("Private endpoint must return a reservation")
	}
	res.Commit()

	if got := lim.Utilization("acct"); got != 1.0 {
		t.Errorf("Expected 1%% utilization, got %f", got)
	}
}

func TestTryReservePublicBypassesLedger(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	lim := newTestLimiter(t, 100, clk, LimiterConfig{PublicMaxPerWindow: 3, PublicWindow: time.Minute})

	for i := 0; i < 3; i++ {
		res, err := lim.TryReserve("acct", "ticker_price", -1)
		if err != nil {
			t.Fatalf("Public call %d rejected: %v", i, err)
		}
		if res != nil {
			t.Fatal("Public endpoint must not return a reservation")
		}
	}

	// Ledger untouched by public calls.
	if got := lim.Utilization("acct"); got != 0 {
		t.Errorf("Public calls consumed penalty budget: %f%%", got)
	}

	// Fourth call exceeds the fixed window.
	_, err := lim.TryReserve("acct", "ticker_price", -1)
	if err == nil {
		t.Fatal("Expected PublicWindowError")
	}
	pw, ok := err.(*PublicWindowError)
	if !ok {
		t.Fatalf("Expected *PublicWindowError, got %T", err)
	}
	if pw.WaitHint <= 0 {
		t.Errorf("Expected positive wait hint, got %s", pw.WaitHint)
	}

	// Window reset restores capacity.
	clk.Advance(61 * time.Second)
	if _, err := lim.TryReserve("acct", "ticker_price", -1); err != nil {
		t.Errorf("Call after window reset rejected: %v", err)
	}
}

func TestTryReserveUnknownEndpointFailsClosed(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	lim := newTestLimiter(t, 100, clk, LimiterConfig{})

	_, err := lim.TryReserve("acct", "mystery", -1)
	if err == nil {
		t.Fatal("Expected unknown endpoint rejection")
	}
	if _, ok := err.(*UnknownEndpointError); !ok {
		t.Errorf("Expected *UnknownEndpointError, got %T", err)
	}
}

func TestSaturatePinsBudgetToCeiling(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	lim := newTestLimiter(t, 100, clk, LimiterConfig{})

	lim.Saturate("acct")
	if got := lim.Utilization("acct"); got != 100.0 {
		t.Errorf("Expected 100%% utilization after saturate, got %f", got)
	}

	_, err := lim.TryReserve("acct", "place_order", -1)
	if _, ok := err.(*WouldExceedError); !ok {
		t.Errorf("Expected *WouldExceedError after saturate, got %v", err)
	}
}

func TestAdaptiveScanBudget(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	lim := newTestLimiter(t, 1000, clk, LimiterConfig{})

	// Empty ledger: background may spend up to 40% minus the 20% urgent
	// reserve, so 200 points at cost 2 means 100 items.
	items, throttle, _ := lim.AdaptiveScanBudget("acct", decimal.NewFromInt(2))
	if items != 100 {
		t.Errorf("Expected 100 items, got %d", items)
	}
	if throttle {
		t.Error("Should not throttle on an empty ledger")
	}

	// Above 50% usage the scan must throttle.
	lim.SyncReported("acct", decimal.NewFromInt(600))
	items, throttle, wait := lim.AdaptiveScanBudget("acct", decimal.NewFromInt(2))
	if items != 0 {
		t.Errorf("Expected 0 items at 60%% usage, got %d", items)
	}
	if !throttle {
		t.Error("Expected throttle at 60% usage")
	}
	if wait <= 0 {
		t.Errorf("Expected positive wait, got %s", wait)
	}
}
