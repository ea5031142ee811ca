package crashloop_test

import (
	"context"
	"testing"
	"time"

	"fleetagent/internal/crashloop"
	"fleetagent/internal/testsupport"
)

func TestGuardSuspendsAboveThreshold(t *testing.T) {
	ctx := context.Background()
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	guard := crashloop.New(store, 2, time.Minute, nil)

	for i := 0; i < 2; i++ {
		if err := guard.Record(ctx, "panic"); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	v, err := guard.Check(ctx)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if v.Suspended || v.Faults != 2 {
		t.Fatalf("expected not suspended at threshold, got %+v", v)
	}

	if err := guard.Record(ctx, "panic"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if v, _ = guard.Check(ctx); !v.Suspended {
		t.Fatalf("expected suspension above threshold, got %+v", v)
	}

	if err := guard.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if v, _ = guard.Check(ctx); v.Suspended || v.Faults != 0 {
		t.Fatalf("expected clean slate after clear, got %+v", v)
	}
}
