package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestRegistry_RegisterAndCheck(t *testing.T) {
	registry := NewRegistry("popper", "1.0.0")

	registry.Register(NewChecker("store", func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy, Message: "store open"}
	}))
	registry.RegisterFunc("cache", func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy}
	})

	report := registry.Check(context.Background())

	if report.Service != "popper" || report.Version != "1.0.0" {
		t.Errorf("Service/Version = %v/%v", report.Service, report.Version)
	}
	if report.Status != StatusHealthy {
		t.Errorf("Status = %v, want healthy", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("Checks count = %v, want 2", len(report.Checks))
	}
	if report.Checks[0].Name != "cache" || report.Checks[1].Name != "store" {
		t.Errorf("Checks not sorted by name: %v, %v", report.Checks[0].Name, report.Checks[1].Name)
	}
}

func TestRegistry_Unregister(t *testing.T) {
	registry := NewRegistry("popper", "1.0.0")
	registry.Register(AlwaysHealthy("temp"))

	if n := len(registry.Check(context.Background()).Checks); n != 1 {
		t.Errorf("Before unregister: Checks count = %v, want 1", n)
	}

	registry.Unregister("temp")

	if n := len(registry.Check(context.Background()).Checks); n != 0 {
		t.Errorf("After unregister: Checks count = %v, want 0", n)
	}
}

func TestRegistry_OverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unset counts as degraded", []Status{StatusHealthy, ""}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry("popper", "1.0.0")
			for i, s := range tt.statuses {
				s := s
				registry.RegisterFunc(string(rune('a'+i)), func(ctx context.Context) CheckResult {
					return CheckResult{Status: s}
				})
			}
			if got := registry.Check(context.Background()).Status; got != tt.want {
				t.Errorf("Status = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistry_ConcurrentChecks(t *testing.T) {
	registry := NewRegistry("popper", "1.0.0")

	var counter int32
	for i := 0; i < 5; i++ {
		registry.RegisterFunc("check"+string(rune('A'+i)), func(ctx context.Context) CheckResult {
			atomic.AddInt32(&counter, 1)
			time.Sleep(10 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		})
	}

	start := time.Now()
	report := registry.CheckWithTimeout(5 * time.Second)
	duration := time.Since(start)

	if atomic.LoadInt32(&counter) != 5 {
		t.Errorf("Counter = %v, want 5", counter)
	}
	if duration > 200*time.Millisecond {
		t.Errorf("Duration = %v, expected concurrent execution", duration)
	}
	if len(report.Checks) != 5 {
		t.Errorf("Checks count = %v, want 5", len(report.Checks))
	}
	for _, c := range report.Checks {
		if c.Duration < 10*time.Millisecond {
			t.Errorf("check %s Duration = %v, want >= 10ms", c.Name, c.Duration)
		}
	}
}

func TestReport_String(t *testing.T) {
	report := &Report{Service: "popper", Status: StatusHealthy, Uptime: time.Hour, Checks: []CheckResult{{}, {}}}

	if got, want := report.String(), "Service: popper, Status: healthy, Uptime: 1h0m0s, Checks: 2"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestErrorCheck(t *testing.T) {
	ok := ErrorCheck("store", StatusUnhealthy, func(ctx context.Context) error { return nil })
	if got := ok.Check(context.Background()).Status; got != StatusHealthy {
		t.Errorf("Status = %v, want healthy", got)
	}

	failing := ErrorCheck("kafka", StatusDegraded, func(ctx context.Context) error { return errors.New("broker down") })
	result := failing.Check(context.Background())
	if result.Status != StatusDegraded || result.Message != "broker down" {
		t.Errorf("result = %+v", result)
	}
}

func TestHandler(t *testing.T) {
	registry := NewRegistry("popper", "1.0.0")
	registry.Register(AlwaysHealthy("always"))

	rec := httptest.NewRecorder()
	registry.Handler(time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("code = %d, want 200", rec.Code)
	}
	var body Report
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != StatusHealthy || len(body.Checks) != 1 {
		t.Errorf("body = %+v", body)
	}

	registry.Register(ErrorCheck("store", StatusUnhealthy, func(ctx context.Context) error { return errors.New("closed") }))
	rec = httptest.NewRecorder()
	registry.Handler(time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", rec.Code)
	}
}

func TestTCPCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()

	result := TCPCheck("tcp", addr, time.Second).Check(context.Background())
	if result.Status != StatusHealthy {
		t.Errorf("open port Status = %v (%s)", result.Status, result.Message)
	}
	if result.Details["address"] != addr {
		t.Errorf("Details[address] = %v, want %v", result.Details["address"], addr)
	}

	ln.Close()
	if got := TCPCheck("tcp", addr, time.Second).Check(context.Background()).Status; got != StatusUnhealthy {
		t.Errorf("closed port Status = %v, want unhealthy", got)
	}
}

func TestHTTPCheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer healthy.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	result := HTTPCheck("http", healthy.URL, time.Second).Check(context.Background())
	if result.Status != StatusHealthy || result.Details["status_code"] != http.StatusOK {
		t.Errorf("healthy result = %+v", result)
	}

	result = HTTPCheck("http", failing.URL, time.Second).Check(context.Background())
	if result.Status != StatusUnhealthy {
		t.Errorf("failing Status = %v, want unhealthy", result.Status)
	}
}

func TestGRPCCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := grpc.NewServer()
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go srv.Serve(ln)
	defer srv.Stop()

	checker := GRPCCheck("grpc", ln.Addr().String(), 2*time.Second)
	if got := checker.Check(context.Background()); got.Status != StatusHealthy {
		t.Errorf("serving Status = %v (%s)", got.Status, got.Message)
	}

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	if got := checker.Check(context.Background()).Status; got != StatusUnhealthy {
		t.Errorf("not serving Status = %v, want unhealthy", got)
	}
}
