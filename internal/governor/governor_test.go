package governor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"exchange-api-governor/internal/balance"
	"exchange-api-governor/internal/breaker"
	"exchange-api-governor/internal/clock"
	"exchange-api-governor/internal/events"
	"exchange-api-governor/internal/exchange"
	"exchange-api-governor/internal/limits"
	"exchange-api-governor/internal/queue"
)

type testRig struct {
	gov     *Governor
	caller  *exchange.MockCaller
	limiter *limits.Limiter
	brk     *breaker.Breaker
	q       *queue.Queue
	clk     *clock.Fake
	bus     *events.Bus
}

func newTestRig(t *testing.T, maxPoints float64) *testRig {
	t.Helper()
	clk := clock.NewFake(time.Unix(1000, 0))
	log := zerolog.Nop()

	table, err := limits.NewCostTable([]limits.EndpointCost{
		{Name: "place_order", Base: decimal.NewFromInt(1)},
		{Name: "cancel_order", Base: decimal.NewFromInt(1), AgeTiers: []limits.AgeTier{
			{MaxAge: time.Second, Added: decimal.NewFromInt(25)},
			{MaxAge: 5 * time.Second, Added: decimal.NewFromInt(10)},
		}},
		{Name: "balances", Base: decimal.NewFromInt(10)},
		{Name: "ticker_price", Base: decimal.NewFromInt(2), Public: true},
	})
	if err != nil {
		t.Fatalf("cost table: %v", err)
	}
	ledger, err := limits.NewLedger(decimal.NewFromFloat(maxPoints), decimal.NewFromInt(10), clk, log)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	limiter := limits.NewLimiter(table, ledger, limits.LimiterConfig{
		PublicMaxPerWindow: 100,
		PublicWindow:       time.Minute,
	}, clk, log)

	brk := breaker.New(breaker.Config{
		FailureThreshold:       3,
		SuccessThreshold:       2,
		MaxHalfOpenProbes:      1,
		InitialRecoveryTimeout: 10 * time.Second,
		MaxRecoveryTimeout:     time.Minute,
	}, clk, log)

	cache := balance.NewCache(16, time.Hour, clk)
	history := balance.NewMemoryHistory(100)
	validator := balance.NewValidator(cache, history, balance.ValidatorConfig{
		StalenessBound:    30 * time.Second,
		RelativeTolerance: decimal.NewFromFloat(0.001),
	}, clk, log)

	caller := exchange.NewMockCaller()
	q := queue.New(16, clk)
	bus := events.NewBus()

	gov := New(Config{AccountKey: "acct", DefaultDeadline: 30 * time.Second},
		limiter, brk, q, caller, validator, history, bus, clk, log)

	return &testRig{gov: gov, caller: caller, limiter: limiter, brk: brk, q: q, clk: clk, bus: bus}
}

func TestExecuteDirectSuccess(t *testing.T) {
	rig := newTestRig(t, 100)

	res, err := rig.gov.Execute(context.Background(), Request{Endpoint: "place_order", OrderAge: NoOrderAge})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.StatusCode != 200 {
		t.Errorf("Expected 200, got %d", res.StatusCode)
	}
	if got := rig.limiter.Utilization("acct"); got != 1.0 {
		t.Errorf("Expected 1%% utilization after a cost-1 call, got %f", got)
	}
	if rig.caller.CallCount("place_order") != 1 {
		t.Errorf("Expected one outbound call")
	}
}

func TestExecuteAppliesAgeTieredCost(t *testing.T) {
	rig := newTestRig(t, 100)

	// Cancelling a 500ms-old order costs 1 + 25.
	_, err := rig.gov.Execute(context.Background(), Request{
		Endpoint: "cancel_order",
		OrderAge: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := rig.limiter.Utilization("acct"); got != 26.0 {
		t.Errorf("Expected 26%% utilization, got %f", got)
	}
}

func TestBudgetRejectionIsTypedAndFree(t *testing.T) {
	rig := newTestRig(t, 15)

	// First balances call spends 10 of 15; the second cannot afford 10.
	if _, err := rig.gov.Execute(context.Background(), Request{Endpoint: "balances", OrderAge: NoOrderAge}); err != nil {
		t.Fatalf("First call failed: %v", err)
	}
	_, err := rig.gov.Execute(context.Background(), Request{Endpoint: "balances", OrderAge: NoOrderAge})
	if CodeOf(err) != CodeBudgetExceeded {
		t.Fatalf("Expected %s, got %v", CodeBudgetExceeded, err)
	}
	var gerr *Error
	if !errors.As(err, &gerr) || gerr.RetryIn <= 0 {
		t.Errorf("Expected positive retry hint, got %+v", gerr)
	}

	// The rejected call never went out and never hit the breaker.
	if rig.caller.CallCount("balances") != 1 {
		t.Errorf("Rejected call reached the transport")
	}
	if rig.brk.State() != breaker.StateClosed {
		t.Errorf("Limiter rejection affected the breaker: %s", rig.brk.State())
	}
}

func TestLimiterRejectionsNeverTripBreaker(t *testing.T) {
	rig := newTestRig(t, 15)

	rig.gov.Execute(context.Background(), Request{Endpoint: "balances", OrderAge: NoOrderAge})
	for i := 0; i < 10; i++ {
		rig.gov.Execute(context.Background(), Request{Endpoint: "balances", OrderAge: NoOrderAge})
	}
	if rig.brk.State() != breaker.StateClosed {
		t.Errorf("Repeated limiter rejections opened the breaker")
	}
}

func TestServerFailuresTripBreakerAndOpenFailsFast(t *testing.T) {
	rig := newTestRig(t, 1000)
	rig.caller.Script("place_order", &exchange.Response{Endpoint: "place_order", StatusCode: 503}, nil)

	for i := 0; i < 3; i++ {
		_, err := rig.gov.Execute(context.Background(), Request{Endpoint: "place_order", OrderAge: NoOrderAge})
		if CodeOf(err) != CodeServerError {
			t.Fatalf("Expected server error, got %v", err)
		}
	}
	if rig.brk.State() != breaker.StateOpen {
		t.Fatalf("Expected open breaker after 3 server failures, got %s", rig.brk.State())
	}

	before := rig.limiter.Utilization("acct")
	_, err := rig.gov.Execute(context.Background(), Request{Endpoint: "place_order", OrderAge: NoOrderAge})
	if CodeOf(err) != CodeBreakerOpen {
		t.Fatalf("Expected breaker_open, got %v", err)
	}
	// Fail-fast rejections must not consume budget or reach the transport.
	if got := rig.limiter.Utilization("acct"); got != before {
		t.Errorf("Open-breaker rejection consumed budget: %f -> %f", before, got)
	}
	if rig.caller.CallCount("place_order") != 3 {
		t.Errorf("Open-breaker rejection reached the transport")
	}
}

func TestAuthFailureIsNeutralForBreaker(t *testing.T) {
	rig := newTestRig(t, 1000)
	rig.caller.Script("place_order", &exchange.Response{Endpoint: "place_order", StatusCode: 401}, nil)

	for i := 0; i < 5; i++ {
		_, err := rig.gov.Execute(context.Background(), Request{Endpoint: "place_order", OrderAge: NoOrderAge})
		if CodeOf(err) != CodeAuthFailure {
			t.Fatalf("Expected auth failure, got %v", err)
		}
	}
	if rig.brk.State() != breaker.StateClosed {
		t.Errorf("Auth failures tripped the breaker")
	}
	// The calls went out, so their budget stays spent.
	if got := rig.limiter.Utilization("acct"); got != 0.5 {
		t.Errorf("Expected 0.5%% utilization for 5 cost-1 calls, got %f", got)
	}
}

func TestRateLimitedReplySaturatesBudget(t *testing.T) {
	rig := newTestRig(t, 1000)
	rig.caller.Script("place_order", &exchange.Response{
		Endpoint:    "place_order",
		StatusCode:  429,
		RateLimited: true,
		BanUntil:    time.Unix(1000, 0).Add(time.Minute),
	}, nil)

	_, err := rig.gov.Execute(context.Background(), Request{Endpoint: "place_order", OrderAge: NoOrderAge})
	if CodeOf(err) != CodeBudgetExceeded {
		t.Fatalf("Expected budget_exceeded for 429 reply, got %v", err)
	}
	var gerr *Error
	if !errors.As(err, &gerr) || gerr.RetryIn != time.Minute {
		t.Errorf("Expected retry hint equal to the ban window, got %+v", gerr)
	}
	if got := rig.limiter.Utilization("acct"); got != 100.0 {
		t.Errorf("Expected saturated budget, got %f%%", got)
	}
	if rig.brk.State() != breaker.StateClosed {
		t.Errorf("Rate-limit reply tripped the breaker")
	}
}

func TestSyncAdoptsServerReportedUsage(t *testing.T) {
	rig := newTestRig(t, 1000)
	rig.caller.Script("place_order", &exchange.Response{
		Endpoint:   "place_order",
		StatusCode: 200,
		UsedPoints: decimal.NewFromInt(400),
	}, nil)

	if _, err := rig.gov.Execute(context.Background(), Request{Endpoint: "place_order", OrderAge: NoOrderAge}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := rig.limiter.Utilization("acct"); got != 40.0 {
		t.Errorf("Expected 40%% after server sync, got %f", got)
	}
}

func TestCanceledBeforeDispatchRefundsBudget(t *testing.T) {
	rig := newTestRig(t, 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rig.gov.Execute(ctx, Request{Endpoint: "place_order", OrderAge: NoOrderAge})
	if CodeOf(err) != CodeCanceled {
		t.Fatalf("Expected canceled, got %v", err)
	}

	// The request never left the process: no wire call, no budget spend,
	// and the breaker stays out of it.
	if rig.caller.CallCount("place_order") != 0 {
		t.Error("Canceled call reached the transport")
	}
	if got := rig.limiter.Utilization("acct"); got != 0 {
		t.Errorf("Canceled call spent budget: %f%%", got)
	}
	if rig.brk.State() != breaker.StateClosed {
		t.Errorf("Canceled call affected the breaker: %s", rig.brk.State())
	}
}

func TestUnknownEndpointFailsClosed(t *testing.T) {
	rig := newTestRig(t, 1000)

	_, err := rig.gov.Execute(context.Background(), Request{Endpoint: "withdraw_everything", OrderAge: NoOrderAge})
	if CodeOf(err) != CodeConfig {
		t.Fatalf("Expected config error for unknown endpoint, got %v", err)
	}
	if rig.caller.CallCount("withdraw_everything") != 0 {
		t.Error("Unknown endpoint reached the transport")
	}
}

func TestBalancesIngestOnPull(t *testing.T) {
	rig := newTestRig(t, 1000)
	rig.caller.Script("balances", &exchange.Response{
		Endpoint:   "balances",
		StatusCode: 200,
		Balances: []balance.Record{{
			Asset:      "BTC",
			Free:       decimal.NewFromInt(2),
			Held:       decimal.NewFromInt(1),
			Source:     balance.SourcePull,
			ObservedAt: time.Unix(1000, 0),
		}},
	}, nil)

	snap, err := rig.gov.ForceRefresh(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("ForceRefresh failed: %v", err)
	}
	if !snap.Free.Equal(decimal.NewFromInt(2)) || snap.Confidence != balance.ConfidenceHigh {
		t.Errorf("Unexpected snapshot: %+v", snap)
	}
}

func TestPushPullDisagreementDegradesWithPushWinning(t *testing.T) {
	rig := newTestRig(t, 1000)

	rig.gov.IngestPush(balance.Record{
		Asset:      "BTC",
		Free:       decimal.NewFromInt(100),
		ObservedAt: rig.clk.Now(),
	})

	rig.caller.Script("balances", &exchange.Response{
		Endpoint:   "balances",
		StatusCode: 200,
		Balances: []balance.Record{{
			Asset:      "BTC",
			Free:       decimal.NewFromInt(90),
			Source:     balance.SourcePull,
			ObservedAt: rig.clk.Now(),
		}},
	}, nil)

	snap, err := rig.gov.ForceRefresh(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("ForceRefresh failed: %v", err)
	}
	if !snap.Free.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Push must win, got %s", snap.Free)
	}
	if snap.Confidence != balance.ConfidenceDegraded {
		t.Errorf("Expected degraded confidence, got %s", snap.Confidence)
	}
}

func TestGetBalanceWithoutSnapshot(t *testing.T) {
	rig := newTestRig(t, 1000)

	_, err := rig.gov.GetBalance("DOGE")
	if !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("Expected ErrNoSnapshot, got %v", err)
	}
}

func TestQueuedExecutionWaitsForBudget(t *testing.T) {
	// Real clock: the scheduler loop sleeps on real timers.
	clk := clock.Real()
	log := zerolog.Nop()

	table, _ := limits.NewCostTable([]limits.EndpointCost{
		{Name: "place_order", Base: decimal.NewFromInt(10)},
	})
	// Budget 10, decay 100/sec: a second cost-10 call becomes affordable
	// well within the test timeout.
	ledger, _ := limits.NewLedger(decimal.NewFromInt(10), decimal.NewFromInt(100), clk, log)
	limiter := limits.NewLimiter(table, ledger, limits.LimiterConfig{}, clk, log)
	brk := breaker.New(breaker.DefaultConfig(), clk, log)
	cache := balance.NewCache(16, time.Hour, clk)
	history := balance.NewMemoryHistory(100)
	validator := balance.NewValidator(cache, history, balance.ValidatorConfig{}, clk, log)
	caller := exchange.NewMockCaller()
	q := queue.New(16, clk)
	bus := events.NewBus()

	gov := New(Config{AccountKey: "acct"}, limiter, brk, q, caller, validator, history, bus, clk, log)

	sched := queue.NewScheduler(q, gov.Admit, gov.ExecQueued, queue.SchedulerConfig{
		MaxConcurrentCalls: 2,
		PollInterval:       10 * time.Millisecond,
		MinRetryWait:       5 * time.Millisecond,
		MaxRetryWait:       50 * time.Millisecond,
	}, clk, log)
	sched.SetRetryable(gov.Retryable)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	// First call drains the whole budget directly.
	if _, err := gov.Execute(ctx, Request{Endpoint: "place_order", OrderAge: NoOrderAge}); err != nil {
		t.Fatalf("First call failed: %v", err)
	}

	// Second call cannot afford the budget right now; with Wait it queues
	// and completes once decay frees room.
	res, err := gov.Execute(ctx, Request{
		Endpoint: "place_order",
		OrderAge: NoOrderAge,
		Priority: queue.PriorityNormal,
		Deadline: time.Now().Add(5 * time.Second),
		Wait:     true,
	})
	if err != nil {
		t.Fatalf("Queued call failed: %v", err)
	}
	if res.StatusCode != 200 {
		t.Errorf("Unexpected status: %d", res.StatusCode)
	}
	if caller.CallCount("place_order") != 2 {
		t.Errorf("Expected 2 outbound calls, got %d", caller.CallCount("place_order"))
	}
}

func TestStatusReportsAllDimensions(t *testing.T) {
	rig := newTestRig(t, 100)

	rig.gov.Execute(context.Background(), Request{Endpoint: "place_order", OrderAge: NoOrderAge})
	st := rig.gov.Status()

	if st.BreakerState != breaker.StateClosed {
		t.Errorf("Unexpected breaker state: %s", st.BreakerState)
	}
	if st.PenaltyUtilizationPct != 1.0 {
		t.Errorf("Unexpected utilization: %f", st.PenaltyUtilizationPct)
	}
	if len(st.QueueDepthByPriority) != 4 {
		t.Errorf("Expected 4 priority bands, got %v", st.QueueDepthByPriority)
	}
}

func TestResetBreakerReopensTraffic(t *testing.T) {
	rig := newTestRig(t, 1000)
	rig.caller.Script("place_order", &exchange.Response{Endpoint: "place_order", StatusCode: 503}, nil)

	for i := 0; i < 3; i++ {
		rig.gov.Execute(context.Background(), Request{Endpoint: "place_order", OrderAge: NoOrderAge})
	}
	if rig.brk.State() != breaker.StateOpen {
		t.Fatalf("Breaker should be open")
	}

	rig.gov.ResetBreaker()
	if rig.gov.Status().BreakerState != breaker.StateClosed {
		t.Errorf("Reset did not close the breaker")
	}
}
