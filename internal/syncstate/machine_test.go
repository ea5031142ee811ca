package syncstate_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"fleetagent/internal/syncstate"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name  string
		path  []syncstate.Status
		valid bool
	}{
		{"fetch then idle", []syncstate.Status{syncstate.Fetching, syncstate.Idle}, true},
		{"full cycle", []syncstate.Status{syncstate.Fetching, syncstate.Reconciling, syncstate.Idle}, true},
		{"migration refetch", []syncstate.Status{syncstate.Fetching, syncstate.Reconciling, syncstate.Fetching, syncstate.Reconciling, syncstate.Idle}, true},
		{"idle to reconciling", []syncstate.Status{syncstate.Reconciling}, false},
		{"double fetch", []syncstate.Status{syncstate.Fetching, syncstate.Fetching}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := syncstate.New()
			var err error
			for _, next := range tt.path {
				if err = m.Transition(next); err != nil {
					break
				}
			}
			if tt.valid && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.valid && !errors.Is(err, syncstate.ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
}

func TestConcurrentFetchRequestsCollapse(t *testing.T) {
	m := syncstate.New()
	var started atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.TryBeginFetch() {
				started.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := started.Load(); got != 1 {
		t.Fatalf("expected exactly one fetch to start, got %d", got)
	}
	if m.Current() != syncstate.Fetching {
		t.Fatalf("expected fetching, got %s", m.Current())
	}
}
