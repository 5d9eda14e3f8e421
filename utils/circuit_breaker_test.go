package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_ClosedOnSuccess(t *testing.T) {
	cb := CreateCircuitBreaker(3, 100*time.Millisecond)
	ctx := context.Background()

	err := cb.Execute(ctx, func() error {
		return nil
	})

	if err != nil {
		t.Errorf("Execute() error = %v, want nil", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("GetState() = %v, want StateClosed", cb.GetState())
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := CreateCircuitBreaker(3, 100*time.Millisecond)
	ctx := context.Background()
	opErr := errors.New("send failed")

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, func() error { return opErr }); !errors.Is(err, opErr) {
			t.Fatalf("Execute() error = %v, want %v", err, opErr)
		}
	}

	if cb.GetState() != StateOpen {
		t.Errorf("GetState() = %v, want StateOpen", cb.GetState())
	}

	err := cb.Execute(ctx, func() error {
		t.Error("operation called while circuit is open")
		return nil
	})
	if err == nil {
		t.Error("Execute() error = nil while open, want rejection")
	}
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	cb := CreateCircuitBreaker(1, 10*time.Millisecond)
	ctx := context.Background()

	cb.Execute(ctx, func() error { return errors.New("failure") })
	if cb.GetState() != StateOpen {
		t.Fatalf("GetState() = %v, want StateOpen", cb.GetState())
	}

	time.Sleep(20 * time.Millisecond)

	err := cb.Execute(ctx, func() error { return nil })
	if err != nil {
		t.Errorf("Execute() error = %v, want nil after reset timeout", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("GetState() = %v, want StateClosed after recovery", cb.GetState())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := CreateCircuitBreaker(2, 100*time.Millisecond)
	ctx := context.Background()

	cb.Execute(ctx, func() error { return errors.New("failure") })
	cb.Execute(ctx, func() error { return nil })
	cb.Execute(ctx, func() error { return errors.New("failure") })

	if cb.GetState() != StateClosed {
		t.Errorf("GetState() = %v, want StateClosed after interleaved success", cb.GetState())
	}
}
