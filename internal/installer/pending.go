package installer

import (
	"context"
	"sync"
)

// Code enumerates completion status codes.
type Code string

const (
	PendingUserAction Code = "pending_user_action"
	Success           Code = "success"
	Failure           Code = "failure"
)

// Status is one completion report. Reason is set for failures.
type Status struct {
	Code   Code   `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// Terminal reports whether the status ends the operation.
func (s Status) Terminal() bool {
	return s.Code == Success || s.Code == Failure
}

// Pending is a completion future for one install or uninstall. The first
// terminal status wins; later reports are ignored.
type Pending struct {
	Package string
	Action  string

	cancel   context.CancelFunc
	mu       sync.Mutex
	current  Status
	resolved bool
	done     chan struct{}
}

func newPending(pkg, action string, cancel context.CancelFunc) *Pending {
	return &Pending{Package: pkg, Action: action, cancel: cancel, done: make(chan struct{})}
}

// Done is closed once a terminal status arrives.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Status returns the latest reported status.
func (p *Pending) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Wait blocks until a terminal status arrives or ctx ends.
func (p *Pending) Wait(ctx context.Context) (Status, error) {
	select {
	case <-p.done:
		return p.Status(), nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// report records st. It returns false when the future was already resolved
// and the report was ignored.
func (p *Pending) report(st Status) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return false
	}
	p.current = st
	if st.Terminal() {
		p.resolved = true
		close(p.done)
	}
	return true
}
