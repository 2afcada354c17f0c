package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

var errDial = errors.New("dial failed")

func trippingBreaker(failures uint32, timeout time.Duration) *CircuitBreaker {
	return New(Settings{
		Name:        "test",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
	})
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := trippingBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(func() (any, error) { return nil, errDial })
		if !errors.Is(err, errDial) {
			t.Fatalf("attempt %d: expected dial error, got %v", i, err)
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN after 3 failures, got %s", cb.State())
	}

	_, err := cb.Execute(func() (any, error) { return nil, nil })
	if !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("expected ErrCircuitBreakerOpen, got %v", err)
	}
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	cb := trippingBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		cb.Execute(func() (any, error) { return nil, errDial })
	}
	cb.Execute(func() (any, error) { return nil, nil })
	for i := 0; i < 2; i++ {
		cb.Execute(func() (any, error) { return nil, errDial })
	}

	if cb.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", cb.State())
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	cb := trippingBreaker(1, 20*time.Millisecond)

	cb.Execute(func() (any, error) { return nil, errDial })
	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN, got %s", cb.State())
	}

	time.Sleep(30 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN after timeout, got %s", cb.State())
	}

	// One successful probe closes the breaker.
	if _, err := cb.Execute(func() (any, error) { return nil, nil }); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected CLOSED after successful probe, got %s", cb.State())
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	cb := New(Settings{
		Name:    "upstream",
		Timeout: time.Minute,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	cb.Execute(func() (any, error) { return nil, errDial })

	if len(transitions) != 1 || transitions[0] != "CLOSED->OPEN" {
		t.Fatalf("expected single CLOSED->OPEN transition, got %v", transitions)
	}
}
