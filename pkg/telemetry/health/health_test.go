package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mercator-hq/costgate/pkg/limits/counter"
	"mercator-hq/costgate/pkg/limits/storage"
	"mercator-hq/costgate/pkg/resilience/breaker"
)

// ============================================================================
// Checker
// ============================================================================

func TestNew(t *testing.T) {
	tests := []struct {
		name            string
		timeout         time.Duration
		expectedTimeout time.Duration
	}{
		{name: "default timeout", timeout: 0, expectedTimeout: 5 * time.Second},
		{name: "custom timeout", timeout: 10 * time.Second, expectedTimeout: 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := New(tt.timeout)
			if checker.checkTimeout != tt.expectedTimeout {
				t.Errorf("expected timeout %v, got %v", tt.expectedTimeout, checker.checkTimeout)
			}
			if len(checker.ListChecks()) != 0 {
				t.Errorf("expected no checks, got %v", checker.ListChecks())
			}
		})
	}
}

func TestRegisterAndUnregister(t *testing.T) {
	checker := New(time.Second)

	checker.RegisterCheck("ledger", func(ctx context.Context) error { return nil })
	checker.RegisterOptionalCheck("counters", func(ctx context.Context) error { return nil })
	checker.RegisterCheck("ledger", func(ctx context.Context) error { return nil })

	got := checker.ListChecks()
	if len(got) != 2 || got[0] != "counters" || got[1] != "ledger" {
		t.Errorf("ListChecks() = %v, want [counters ledger]", got)
	}

	checker.UnregisterCheck("ledger")
	if got := checker.ListChecks(); len(got) != 1 || got[0] != "counters" {
		t.Errorf("after unregister ListChecks() = %v", got)
	}
}

func TestCheckLiveness(t *testing.T) {
	status := New(time.Second).CheckLiveness(context.Background())

	if status.Status != StatusOK {
		t.Errorf("expected status 'ok', got %q", status.Status)
	}
	if status.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}
	if len(status.Checks) > 0 {
		t.Error("expected no checks in liveness response")
	}
}

func TestCheckReadiness(t *testing.T) {
	ok := func(ctx context.Context) error { return nil }
	fail := func(ctx context.Context) error { return errors.New("down") }

	tests := []struct {
		name     string
		critical CheckFunc
		optional CheckFunc
		want     string
	}{
		{name: "all healthy", critical: ok, optional: ok, want: StatusReady},
		{name: "optional failing", critical: ok, optional: fail, want: StatusDegraded},
		{name: "critical failing", critical: fail, optional: ok, want: StatusUnhealthy},
		{name: "both failing", critical: fail, optional: fail, want: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := New(time.Second)
			checker.RegisterCheck("ledger", tt.critical)
			checker.RegisterOptionalCheck("counters", tt.optional)

			status := checker.CheckReadiness(context.Background())
			if status.Status != tt.want {
				t.Errorf("status = %q, want %q", status.Status, tt.want)
			}
			if !status.Checks["ledger"].Critical || status.Checks["counters"].Critical {
				t.Errorf("criticality not reported: %+v", status.Checks)
			}
		})
	}
}

func TestCheckReadiness_NoChecks(t *testing.T) {
	status := New(time.Second).CheckReadiness(context.Background())
	if status.Status != StatusReady {
		t.Errorf("expected status 'ready', got %q", status.Status)
	}
}

func TestCheckReadiness_FailureMessage(t *testing.T) {
	checker := New(time.Second)
	checker.RegisterCheck("ledger", func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	result := checker.CheckReadiness(context.Background()).Checks["ledger"]
	if result.Status != StatusUnhealthy || result.Message != "connection refused" {
		t.Errorf("result = %+v", result)
	}
}

func TestCheckReadiness_Timeout(t *testing.T) {
	checker := New(50 * time.Millisecond)

	checker.RegisterCheck("slow", func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	status := checker.CheckReadiness(context.Background())

	if status.Status != StatusUnhealthy {
		t.Errorf("expected status 'unhealthy', got %q", status.Status)
	}
	if msg := status.Checks["slow"].Message; msg != ErrCheckTimeout.Error() {
		t.Errorf("expected timeout message, got %q", msg)
	}
}

func TestCheckReadiness_ContextCancellation(t *testing.T) {
	checker := New(5 * time.Second)

	checker.RegisterCheck("test", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
			return nil
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if result := checker.CheckReadiness(ctx).Checks["test"]; result.Status != StatusUnhealthy {
		t.Errorf("expected test check to be unhealthy, got %q", result.Status)
	}
}

// ============================================================================
// Domain checks
// ============================================================================

func TestPingCheck(t *testing.T) {
	store := storage.NewMemoryStore()
	check := PingCheck(store)

	if err := check(context.Background()); err != nil {
		t.Fatalf("open store ping error = %v", err)
	}
	_ = store.Close()
	if err := check(context.Background()); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("closed store ping error = %v, want ErrClosed", err)
	}
}

func TestPingCheck_Counters(t *testing.T) {
	counters := counter.NewMemoryStore()
	checker := New(time.Second)
	checker.RegisterOptionalCheck("counters", PingCheck(counters))

	_ = counters.Close()

	status := checker.CheckReadiness(context.Background())
	if status.Status != StatusDegraded {
		t.Errorf("status = %q, want degraded", status.Status)
	}
}

func TestBreakerCheck(t *testing.T) {
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 2, Timeout: time.Minute}, nil)
	check := BreakerCheck(reg)

	if err := check(context.Background()); err != nil {
		t.Fatalf("empty registry error = %v", err)
	}

	b := reg.Get("sms")
	reg.Get("voice")
	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("provider down")
		})
	}

	err := check(context.Background())
	if err == nil {
		t.Fatal("expected error with open breaker")
	}
	if !strings.Contains(err.Error(), "sms") || strings.Contains(err.Error(), "voice") {
		t.Errorf("error = %v, want only sms listed", err)
	}

	reg.Reset("sms")
	if err := check(context.Background()); err != nil {
		t.Errorf("after reset error = %v", err)
	}
}

// ============================================================================
// Handlers
// ============================================================================

func TestLivenessHandler(t *testing.T) {
	handler := New(time.Second).LivenessHandler()

	tests := []struct {
		method   string
		wantCode int
		wantBody bool
	}{
		{http.MethodGet, http.StatusOK, true},
		{http.MethodHead, http.StatusOK, false},
		{http.MethodPost, http.StatusMethodNotAllowed, true},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler(rec, httptest.NewRequest(tt.method, "/health", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			if (rec.Body.Len() > 0) != tt.wantBody {
				t.Errorf("body = %q, wantBody %v", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name       string
		register   func(c *Checker)
		wantCode   int
		wantStatus string
	}{
		{
			name:       "ready",
			register:   func(c *Checker) { c.RegisterCheck("ledger", func(ctx context.Context) error { return nil }) },
			wantCode:   http.StatusOK,
			wantStatus: StatusReady,
		},
		{
			name: "degraded still serves",
			register: func(c *Checker) {
				c.RegisterOptionalCheck("counters", func(ctx context.Context) error { return errors.New("down") })
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
		},
		{
			name: "unhealthy",
			register: func(c *Checker) {
				c.RegisterCheck("ledger", func(ctx context.Context) error { return errors.New("down") })
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := New(time.Second)
			tt.register(checker)

			rec := httptest.NewRecorder()
			checker.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			var status HealthStatus
			if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
				t.Fatalf("failed to unmarshal response: %v", err)
			}
			if status.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", status.Status, tt.wantStatus)
			}
		})
	}
}

func TestVersionHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	VersionHandler("1.2.0", "abc123", "2026-03-01T00:00:00Z")(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	var info VersionInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if info.Version != "1.2.0" || info.Commit != "abc123" || info.GoVersion == "" {
		t.Errorf("info = %+v", info)
	}
}

func TestBreakersHandler(t *testing.T) {
	reg := breaker.NewRegistry(breaker.DefaultConfig(), nil)
	reg.Get("ledger")

	rec := httptest.NewRecorder()
	BreakersHandler(reg)(rec, httptest.NewRequest(http.MethodGet, "/breakers", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"state":"CLOSED"`) {
		t.Errorf("body = %s, want CLOSED state", rec.Body.String())
	}
}

func TestRateLimitedHandler(t *testing.T) {
	handler := RateLimitedHandler(New(time.Second).LivenessHandler(), 2)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("request %d: expected status %d, got %d", i, http.StatusOK, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected status %d, got %d", http.StatusTooManyRequests, rec.Code)
	}
}

func TestRateLimitedHandler_Disabled(t *testing.T) {
	handler := RateLimitedHandler(New(time.Second).LivenessHandler(), 0)

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("request %d: expected status %d, got %d", i, http.StatusOK, rec.Code)
		}
	}
}
