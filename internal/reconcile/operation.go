package reconcile

import (
	"encoding/json"
	"fmt"

	"fleetagent/internal/desired"
	"fleetagent/internal/state"
)

// Kind is the action an operation performs.
type Kind string

const (
	InstallFile Kind = "install_file"
	RemoveFile  Kind = "remove_file"
	InstallApp  Kind = "install_app"
	RemoveApp   Kind = "remove_app"
)

// Operation is one queued unit of work. Exactly one of File or App is set.
type Operation struct {
	Kind     Kind                   `json:"kind"`
	File     *desired.FileDirective `json:"file,omitempty"`
	App      *desired.AppDirective  `json:"app,omitempty"`
	Attempts int                    `json:"attempts,omitempty"`
}

// Identity returns the normalized path or the package id.
func (o Operation) Identity() string {
	switch {
	case o.File != nil:
		return o.File.Identity()
	case o.App != nil:
		return o.App.Identity()
	default:
		return ""
	}
}

// Queue names the work queue the operation belongs to.
func (o Operation) Queue() string {
	if o.App != nil {
		return state.QueueApps
	}
	return state.QueueFiles
}

func (o Operation) String() string {
	return fmt.Sprintf("%s %s", o.Kind, o.Identity())
}

// ToQueued converts the operation to its persisted form.
func (o Operation) ToQueued() (state.QueuedOperation, error) {
	var (
		payload []byte
		err     error
	)
	switch {
	case o.File != nil:
		payload, err = json.Marshal(o.File)
	case o.App != nil:
		payload, err = json.Marshal(o.App)
	default:
		return state.QueuedOperation{}, fmt.Errorf("operation %s has no directive", o.Kind)
	}
	if err != nil {
		return state.QueuedOperation{}, fmt.Errorf("encode %s: %w", o, err)
	}
	return state.QueuedOperation{Kind: string(o.Kind), Identity: o.Identity(), Payload: payload, Attempts: o.Attempts}, nil
}

// FromQueued restores an operation from its persisted form.
func FromQueued(q state.QueuedOperation) (Operation, error) {
	op := Operation{Kind: Kind(q.Kind), Attempts: q.Attempts}
	switch op.Kind {
	case InstallFile, RemoveFile:
		var d desired.FileDirective
		if err := json.Unmarshal(q.Payload, &d); err != nil {
			return Operation{}, fmt.Errorf("decode queued %s %s: %w", q.Kind, q.Identity, err)
		}
		op.File = &d
	case InstallApp, RemoveApp:
		var d desired.AppDirective
		if err := json.Unmarshal(q.Payload, &d); err != nil {
			return Operation{}, fmt.Errorf("decode queued %s %s: %w", q.Kind, q.Identity, err)
		}
		op.App = &d
	default:
		return Operation{}, fmt.Errorf("unknown queued operation kind %q", q.Kind)
	}
	return op, nil
}
