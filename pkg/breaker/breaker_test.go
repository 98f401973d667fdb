package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/kranthikarthan/payments-engine/pkg/clock"
)

var errBackend = errors.New("backend unavailable")

func testConfig(name string, fk *clock.Fake) *Config {
	return &Config{
		Name:              name,
		WindowSize:        4,
		FailureThreshold:  0.5,
		SlowCallThreshold: 0.5,
		SlowCallDuration:  100 * time.Millisecond,
		MaxRequests:       3,
		SuccessThreshold:  2,
		Interval:          time.Minute,
		WaitDuration:      30 * time.Second,
		Clock:             fk,
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "CLOSED"},
		{StateOpen, "OPEN"},
		{StateHalfOpen, "HALF_OPEN"},
		{State(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestBreaker_TripsOnFailureRate(t *testing.T) {
	fk := clock.NewFake(time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC))
	cb := New(testConfig("core-banking", fk))

	ok := func() (interface{}, error) { return nil, nil }
	fail := func() (interface{}, error) { return nil, errBackend }

	// Two successes, then two failures: 2/4 = 50% failure rate at window size
	cb.Execute(ok)
	cb.Execute(ok)
	cb.Execute(fail)
	cb.Execute(fail)

	if got := cb.State(); got != StateOpen {
		t.Fatalf("State = %s, want OPEN", got)
	}

	// Open circuit rejects without invoking the operation
	called := false
	_, err := cb.Execute(func() (interface{}, error) {
		called = true
		return nil, nil
	})

	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute while open = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("operation should not run while circuit is open")
	}
}

func TestBreaker_StaysClosedBelowWindow(t *testing.T) {
	fk := clock.NewFake(time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC))
	cb := New(testConfig("core-banking", fk))

	fail := func() (interface{}, error) { return nil, errBackend }

	// Three failures are 100% of traffic but below the evaluation window
	cb.Execute(fail)
	cb.Execute(fail)
	cb.Execute(fail)

	if got := cb.State(); got != StateClosed {
		t.Errorf("State = %s, want CLOSED below window size", got)
	}
}

func TestBreaker_TripsOnSlowCallRate(t *testing.T) {
	fk := clock.NewFake(time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC))
	cb := New(testConfig("wallet-platform", fk))

	slow := func() (interface{}, error) {
		fk.Advance(200 * time.Millisecond)
		return nil, nil
	}

	// Four slow-but-successful calls exceed the slow-call threshold
	for i := 0; i < 4; i++ {
		if _, err := cb.Execute(slow); err != nil {
			t.Fatalf("Execute(%d) = %v, want nil", i, err)
		}
	}

	if got := cb.State(); got != StateOpen {
		t.Errorf("State = %s, want OPEN after slow calls", got)
	}

	counts := cb.Counts()
	if counts.TotalSlowCalls != 0 {
		// setState starts a new generation, counts must be cleared
		t.Errorf("TotalSlowCalls after trip = %d, want 0", counts.TotalSlowCalls)
	}
}

func TestBreaker_RecoversThroughHalfOpen(t *testing.T) {
	fk := clock.NewFake(time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC))
	cfg := testConfig("clearing-rtc", fk)

	var transitions []string
	cfg.OnStateChange = func(name string, from State, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	}

	cb := New(cfg)

	fail := func() (interface{}, error) { return nil, errBackend }
	ok := func() (interface{}, error) { return "ok", nil }

	for i := 0; i < 4; i++ {
		cb.Execute(fail)
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("State = %s, want OPEN", got)
	}

	// Wait duration elapses, probes are allowed again
	fk.Advance(30*time.Second + time.Millisecond)
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("State = %s, want HALF_OPEN after wait", got)
	}

	// SuccessThreshold consecutive successes close the circuit
	cb.Execute(ok)
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("State = %s, want HALF_OPEN after first probe", got)
	}
	cb.Execute(ok)
	if got := cb.State(); got != StateClosed {
		t.Fatalf("State = %s, want CLOSED after success threshold", got)
	}

	want := []string{"CLOSED>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>CLOSED"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	fk := clock.NewFake(time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC))
	cb := New(testConfig("clearing-rtc", fk))

	fail := func() (interface{}, error) { return nil, errBackend }

	for i := 0; i < 4; i++ {
		cb.Execute(fail)
	}
	fk.Advance(30*time.Second + time.Millisecond)
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("State = %s, want HALF_OPEN", got)
	}

	cb.Execute(fail)

	if got := cb.State(); got != StateOpen {
		t.Errorf("State = %s, want OPEN after failed probe", got)
	}
}

func TestBreaker_HalfOpenProbeCap(t *testing.T) {
	fk := clock.NewFake(time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC))
	cfg := testConfig("clearing-rtc", fk)
	cfg.MaxRequests = 1
	cfg.SuccessThreshold = 2
	cb := New(cfg)

	fail := func() (interface{}, error) { return nil, errBackend }
	ok := func() (interface{}, error) { return nil, nil }

	for i := 0; i < 4; i++ {
		cb.Execute(fail)
	}
	fk.Advance(30*time.Second + time.Millisecond)

	// First probe is admitted, the second exceeds MaxRequests
	if _, err := cb.Execute(ok); err != nil {
		t.Fatalf("first probe = %v, want nil", err)
	}
	if _, err := cb.Execute(ok); !errors.Is(err, ErrTooManyRequests) {
		t.Errorf("second probe = %v, want ErrTooManyRequests", err)
	}
}

func TestBreaker_IgnoresBusinessErrors(t *testing.T) {
	errLimitExceeded := errors.New("daily limit exceeded")

	fk := clock.NewFake(time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC))
	cfg := testConfig("core-banking", fk)
	cfg.IsFailure = func(err error) bool {
		return !errors.Is(err, errLimitExceeded)
	}
	cb := New(cfg)

	rejected := func() (interface{}, error) { return nil, errLimitExceeded }

	for i := 0; i < 8; i++ {
		cb.Execute(rejected)
	}

	if got := cb.State(); got != StateClosed {
		t.Errorf("State = %s, want CLOSED: business rejections must not trip", got)
	}
}

func TestBreaker_Allow(t *testing.T) {
	fk := clock.NewFake(time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC))
	cb := New(testConfig("core-banking", fk))

	if err := cb.Allow(); err != nil {
		t.Errorf("Allow on closed = %v, want nil", err)
	}

	fail := func() (interface{}, error) { return nil, errBackend }
	for i := 0; i < 4; i++ {
		cb.Execute(fail)
	}

	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow on open = %v, want ErrCircuitOpen", err)
	}
}

func TestManager_GetCreatesOnce(t *testing.T) {
	m := NewManager(DefaultConfig(""))

	a := m.Get("core-banking")
	b := m.Get("core-banking")

	if a != b {
		t.Error("Get should return the same breaker for the same name")
	}

	if a.Name() != "core-banking" {
		t.Errorf("Name = %s, want core-banking", a.Name())
	}

	names := m.List()
	if len(names) != 1 {
		t.Errorf("List = %v, want one entry", names)
	}
}

func TestManager_GetOrCreateCustomConfig(t *testing.T) {
	fk := clock.NewFake(time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC))
	m := NewManager(nil)

	cfg := testConfig("", fk)
	cfg.WindowSize = 2

	cb := m.GetOrCreate("loan-servicing", cfg)
	if cb.cfg.WindowSize != 2 {
		t.Errorf("WindowSize = %d, want 2", cb.cfg.WindowSize)
	}

	// Subsequent calls ignore the config and return the existing breaker
	again := m.GetOrCreate("loan-servicing", nil)
	if again != cb {
		t.Error("GetOrCreate should return existing breaker")
	}
}

func TestManager_Stats(t *testing.T) {
	fk := clock.NewFake(time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC))
	m := NewManager(testConfig("", fk))

	cb := m.Get("core-banking")
	m.Get("wallet-platform")

	fail := func() (interface{}, error) { return nil, errBackend }
	for i := 0; i < 4; i++ {
		cb.Execute(fail)
	}

	stats := m.Stats()
	if len(stats) != 2 {
		t.Fatalf("Stats has %d entries, want 2", len(stats))
	}

	if stats["core-banking"].State != StateOpen {
		t.Errorf("core-banking state = %s, want OPEN", stats["core-banking"].State)
	}
	if stats["wallet-platform"].State != StateClosed {
		t.Errorf("wallet-platform state = %s, want CLOSED", stats["wallet-platform"].State)
	}
}

func TestExecuteWithFallback_UsesFallbackWhenOpen(t *testing.T) {
	fk := clock.NewFake(time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC))
	cb := New(testConfig("core-banking", fk))

	fail := func() (interface{}, error) { return nil, errBackend }
	for i := 0; i < 4; i++ {
		cb.Execute(fail)
	}

	got, err := ExecuteWithFallback(cb,
		func() (string, error) { return "live", nil },
		func(cause error) (string, error) {
			if !errors.Is(cause, ErrCircuitOpen) {
				t.Errorf("fallback cause = %v, want ErrCircuitOpen", cause)
			}
			return "cached", nil
		},
	)

	if err != nil {
		t.Fatalf("ExecuteWithFallback = %v, want nil", err)
	}
	if got != "cached" {
		t.Errorf("result = %s, want cached", got)
	}
}

func TestExecuteWithFallback_PassesThroughOnSuccess(t *testing.T) {
	fk := clock.NewFake(time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC))
	cb := New(testConfig("core-banking", fk))

	got, err := ExecuteWithFallback(cb,
		func() (string, error) { return "live", nil },
		func(cause error) (string, error) { return "cached", nil },
	)

	if err != nil {
		t.Fatalf("ExecuteWithFallback = %v, want nil", err)
	}
	if got != "live" {
		t.Errorf("result = %s, want live", got)
	}
}
