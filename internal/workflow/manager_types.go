package workflow

import (
	"errors"

	"fleetagent/internal/escalation"
	"fleetagent/internal/fetcher"
	"fleetagent/internal/migration"
	"fleetagent/internal/reconcile"
	"fleetagent/internal/state"
)

// Phase is where the flow currently waits or works.
type Phase string

const (
	PhaseStarting            Phase = "starting"
	PhaseAwaitingCapability  Phase = "awaiting_capability"
	PhaseAwaitingIdentity    Phase = "awaiting_identity"
	PhaseAwaitingOperator    Phase = "awaiting_operator"
	PhaseFetching            Phase = "fetching"
	PhaseMigration           Phase = "migration"
	PhaseFiles               Phase = "files"
	PhaseApps                Phase = "apps"
	PhaseAwaitingDecision    Phase = "awaiting_decision"
	PhaseAwaitingSelfReplace Phase = "awaiting_self_replace"
	PhaseEscalation          Phase = "escalation"
	PhasePostSync            Phase = "postsync"
	PhaseSteady              Phase = "steady"
	PhaseSuspended           Phase = "suspended"
)

var (
	// ErrNotRunning is returned by commands while the flow loop is stopped.
	ErrNotRunning = errors.New("workflow not running")
	// ErrBusy rejects commands that need an idle flow.
	ErrBusy = errors.New("reconciliation cycle in progress")
	// ErrNoDecision is returned when retry or skip arrives with nothing pending.
	ErrNoDecision = errors.New("no pending decision")
	// ErrSuspended rejects refreshes while the crash-loop guard holds the flow.
	ErrSuspended = errors.New("reconciliation suspended; run 'fleetagent resume'")
	// ErrFault is returned by Run after the flow recovered from a panic.
	ErrFault = errors.New("reconciliation flow fault")
)

// Decision is a failed item waiting for the operator.
type Decision struct {
	Queue    string `json:"queue"`
	Identity string `json:"identity"`
	Kind     string `json:"kind"`
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
}

// RefreshResult tells the caller what a refresh request did.
type RefreshResult struct {
	Started bool   `json:"started"`
	Reason  string `json:"reason,omitempty"`
}

// ResumeResult tells the caller what a resume request did.
type ResumeResult struct {
	Deferred bool  `json:"deferred"`
	Phase    Phase `json:"phase"`
}

type event interface{ isEvent() }

type commandKind int

const (
	cmdRefresh commandKind = iota
	cmdResume
	cmdRetry
	cmdSkip
	cmdSetDeviceID
	cmdReset
	cmdDecline
)

type commandReply struct {
	value any
	err   error
}

type command struct {
	kind   commandKind
	arg    string
	source string
	reply  chan commandReply
}

type fetchDone struct {
	cycleID string
	result  fetcher.Result
}

type migrationDone struct {
	cycleID  string
	decision migration.Decision
}

type inspectDone struct {
	cycleID string
	records map[string]state.InstalledFile
	local   map[string]reconcile.LocalFile
	err     error
}

type operationDone struct {
	cycleID string
	outcome reconcile.Outcome
}

type escalationDone struct {
	cycleID string
	results []escalation.StepResult
}

type workerFault struct {
	name  string
	panic any
}

type refreshTick struct{}

func (command) isEvent()        {}
func (fetchDone) isEvent()      {}
func (migrationDone) isEvent()  {}
func (inspectDone) isEvent()    {}
func (operationDone) isEvent()  {}
func (escalationDone) isEvent() {}
func (workerFault) isEvent()    {}
func (refreshTick) isEvent()    {}
