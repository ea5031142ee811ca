package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"fleetagent/internal/state"
	"fleetagent/internal/workflow"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 18
	statusIndent     = "  "
)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func renderValueLine(label, value string) string {
	return fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", value)
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

// phaseKind grades a flow phase: parked phases need an operator.
func phaseKind(phase workflow.Phase) statusKind {
	switch phase {
	case workflow.PhaseSteady:
		return statusOK
	case workflow.PhaseAwaitingDecision, workflow.PhaseAwaitingCapability,
		workflow.PhaseAwaitingIdentity, workflow.PhaseAwaitingOperator:
		return statusWarn
	case workflow.PhaseSuspended:
		return statusError
	default:
		return statusInfo
	}
}

func capabilityKind(st state.CapabilityState) statusKind {
	switch st {
	case state.CapabilityGranted:
		return statusOK
	case state.CapabilityDeclined:
		return statusWarn
	default:
		return statusInfo
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// phaseHint tells the operator which command moves a parked flow along.
func phaseHint(summary workflow.StatusSummary) string {
	switch summary.Phase {
	case workflow.PhaseAwaitingDecision:
		return "run `fleetagent retry` or `fleetagent skip`"
	case workflow.PhaseAwaitingCapability:
		return fmt.Sprintf("grant %s on the device, then `fleetagent resume` (or `fleetagent decline %s`)",
			summary.PendingCapability, summary.PendingCapability)
	case workflow.PhaseAwaitingIdentity:
		return "set the device id with `fleetagent device-id <id>`"
	case workflow.PhaseAwaitingOperator:
		return "fix connectivity, then `fleetagent resume`"
	case workflow.PhaseSuspended:
		return "inspect the logs, then `fleetagent resume`"
	default:
		return ""
	}
}
