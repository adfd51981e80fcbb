package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegistry_GetIsLazyAndStable(t *testing.T) {
	reg := NewRegistry(DefaultConfig(), nil)

	if _, ok := reg.Lookup("openai"); ok {
		t.Fatal("Expected no breaker before first use")
	}

	a := reg.Get("openai")
	b := reg.Get("openai")
	if a != b {
		t.Error("Expected the same breaker instance for the same name")
	}
	if _, ok := reg.Lookup("openai"); !ok {
		t.Error("Expected breaker after first use")
	}
}

func TestRegistry_BreakersAreIndependent(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute}, nil)
	ctx := context.Background()

	reg.Get("tts").Execute(ctx, fail)

	if reg.Get("tts").State() != StateOpen {
		t.Fatal("Expected tts breaker to be open")
	}
	if err := reg.Get("sms").Execute(ctx, succeed); err != nil {
		t.Errorf("Expected sms breaker unaffected, got %v", err)
	}
}

func TestRegistry_Override(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 5}, nil,
		WithOverride("flaky", Config{FailureThreshold: 1, Timeout: time.Minute}))
	ctx := context.Background()

	reg.Get("flaky").Execute(ctx, fail)
	reg.Get("steady").Execute(ctx, fail)

	if reg.Get("flaky").State() != StateOpen {
		t.Error("Expected override threshold of 1 to open flaky")
	}
	if reg.Get("steady").State() != StateClosed {
		t.Error("Expected default threshold to keep steady closed")
	}
}

func TestRegistry_StatsAndReset(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 1, Timeout: time.Minute}, nil)
	ctx := context.Background()

	reg.Get("b").Execute(ctx, fail)
	reg.Get("a").Execute(ctx, succeed)

	stats := reg.Stats()
	if len(stats) != 2 {
		t.Fatalf("Expected 2 stats, got %d", len(stats))
	}
	if stats[0].Name != "a" || stats[1].Name != "b" {
		t.Errorf("Expected stats sorted by name, got %s, %s", stats[0].Name, stats[1].Name)
	}
	if stats[1].State != StateOpen {
		t.Errorf("Expected b OPEN, got %s", stats[1].State)
	}

	if !reg.Reset("b") {
		t.Fatal("Expected reset of existing breaker to succeed")
	}
	if reg.Get("b").State() != StateClosed {
		t.Error("Expected b CLOSED after reset")
	}
	if reg.Reset("missing") {
		t.Error("Expected reset of unknown breaker to report false")
	}
}

func TestDo(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 1, Timeout: time.Minute}, nil)
	ctx := context.Background()

	got, err := Do(ctx, reg, "llm", func(context.Context) (string, error) {
		return "hello", nil
	})
	if err != nil || got != "hello" {
		t.Fatalf("Expected hello, got %q (%v)", got, err)
	}

	_, err = Do(ctx, reg, "llm", func(context.Context) (string, error) {
		return "partial", errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("Expected errBoom, got %v", err)
	}

	got, err = Do(ctx, reg, "llm", func(context.Context) (string, error) {
		t.Error("Function must not run while open")
		return "x", nil
	})
	if !IsRetryable(err) {
		t.Errorf("Expected retryable error, got %v", err)
	}
	if got != "" {
		t.Errorf("Expected zero value on rejection, got %q", got)
	}
}
