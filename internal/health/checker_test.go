package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func failing(msg string) PingFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func ok() PingFunc {
	return func(context.Context) error { return nil }
}

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker()

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness_NoComponents(t *testing.T) {
	t.Parallel()
	checker := NewChecker()

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		store    Pinger
		cluster  Pinger
		seqera   Pinger
		expected Status
	}{
		{"all healthy", ok(), ok(), ok(), StatusHealthy},
		{"store down", failing("connection refused"), ok(), ok(), StatusUnhealthy},
		{"cluster down", ok(), failing("forbidden"), ok(), StatusUnhealthy},
		{"monitoring down", ok(), ok(), failing("503"), StatusDegraded},
		{"store missing", nil, ok(), ok(), StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			checker := NewChecker()
			checker.Register("store", tt.store, true)
			checker.Register("cluster", tt.cluster, true)
			checker.Register("seqera", tt.seqera, false)

			response := checker.Readiness(context.Background())
			if response.Status != tt.expected {
				t.Errorf("Status = %s, want %s (%+v)", response.Status, tt.expected, response.Checks)
			}
			if len(response.Checks) != 3 {
				t.Errorf("Expected 3 checks, got %d", len(response.Checks))
			}
			if tt.expected == StatusDegraded && response.Checks["seqera"].Message != "503" {
				t.Errorf("Expected failure message, got %+v", response.Checks["seqera"])
			}
		})
	}
}

func TestChecker_ReadinessIsCached(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	checker := NewChecker()
	checker.Register("store", PingFunc(func(context.Context) error {
		calls.Add(1)
		return nil
	}), true)

	checker.Readiness(context.Background())
	checker.Readiness(context.Background())

	if calls.Load() != 1 {
		t.Errorf("Expected one ping within the cache window, got %d", calls.Load())
	}
}

func TestChecker_ShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker()
	checker.Register("store", ok(), true)
	checker.SetShuttingDown()

	response := checker.Readiness(context.Background())
	if response.IsReady() {
		t.Error("Expected not ready while shutting down")
	}
	if _, found := response.Checks["shutdown"]; !found {
		t.Error("Expected shutdown check")
	}
}

func TestChecker_Components(t *testing.T) {
	t.Parallel()
	checker := NewChecker()
	checker.Register("store", ok(), true)
	checker.Register("cluster", ok(), true)

	got := checker.Components()
	if len(got) != 2 || got[0] != "cluster" || got[1] != "store" {
		t.Errorf("Components() = %v", got)
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
		ready    bool
	}{
		{"healthy", StatusHealthy, true, true},
		{"unhealthy", StatusUnhealthy, false, false},
		{"degraded", StatusDegraded, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.expected)
			}
			if response.IsReady() != tt.ready {
				t.Errorf("IsReady() = %v, want %v", response.IsReady(), tt.ready)
			}
		})
	}
}
