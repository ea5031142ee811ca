package services_test

import (
	"context"
	"testing"

	"fleetagent/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithCycleID(ctx, "cycle-1")
	ctx = services.WithPhase(ctx, "files")
	ctx = services.WithRequestID(ctx, "req-123")

	if id, ok := services.CycleIDFromContext(ctx); !ok || id != "cycle-1" {
		t.Fatalf("unexpected cycle id: %v %v", id, ok)
	}
	if phase, ok := services.PhaseFromContext(ctx); !ok || phase != "files" {
		t.Fatalf("unexpected phase: %v %v", phase, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := services.WithPhase(context.Background(), "")
	ctx = services.WithCycleID(ctx, "")
	if _, ok := services.PhaseFromContext(ctx); ok {
		t.Fatal("expected no phase value")
	}
	if _, ok := services.CycleIDFromContext(ctx); ok {
		t.Fatal("expected no cycle id value")
	}
}
