package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testConfig() Config {
	return Config{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Millisecond,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
}

var errDown = errors.New("dependency down")

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		_ = b.Execute(context.Background(), func() error { return errDown })
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("db", testConfig(), zap.NewNop())

	failN(b, 2)
	if b.State() != StateClosed {
		t.Fatalf("state = %v before threshold, want closed", b.State())
	}

	failN(b, 1)
	if b.State() != StateOpen {
		t.Fatalf("state = %v after threshold, want open", b.State())
	}

	if err := b.Execute(context.Background(), func() error { return nil }); err != ErrOpen {
		t.Fatalf("open breaker must short-circuit, got %v", err)
	}
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := New("db", testConfig(), zap.NewNop())

	failN(b, 2)
	if err := b.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	failN(b, 2)
	if b.State() != StateClosed {
		t.Fatal("interleaved successes must keep the breaker closed")
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequests = 2
	b := New("db", cfg, zap.NewNop())

	failN(b, 3)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	time.Sleep(cfg.Timeout + 10*time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v after timeout, want half-open", b.State())
	}

	for i := 0; i < int(cfg.SuccessThreshold); i++ {
		if err := b.Execute(context.Background(), func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v after probes, want closed", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := testConfig()
	b := New("db", cfg, zap.NewNop())

	failN(b, 3)
	time.Sleep(cfg.Timeout + 10*time.Millisecond)

	_ = b.Execute(context.Background(), func() error { return errDown })
	if b.State() != StateOpen {
		t.Fatalf("state = %v after half-open failure, want open", b.State())
	}
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequests = 1
	cfg.SuccessThreshold = 5 // keep it half-open during the probe
	b := New("db", cfg, zap.NewNop())

	failN(b, 3)
	time.Sleep(cfg.Timeout + 10*time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = b.Execute(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := b.Execute(context.Background(), func() error { return nil })
	close(release)
	if err != ErrTooManyRequests {
		t.Fatalf("second concurrent probe: %v, want ErrTooManyRequests", err)
	}
}
