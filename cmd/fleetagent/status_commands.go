package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"fleetagent/internal/ipc"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show agent and reconciliation status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Status(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				renderStatus(cmd.OutOrStdout(), resp, shouldColorize(cmd.OutOrStdout()))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func renderStatus(out io.Writer, resp *ipc.StatusResponse, colorize bool) {
	for _, line := range renderSectionHeader("Agent", colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderValueLine("PID", strconv.Itoa(resp.PID)))
	fmt.Fprintln(out, renderValueLine("Version", resp.Version))
	device := resp.DeviceID
	if device == "" {
		device = "(not set)"
	}
	fmt.Fprintln(out, renderValueLine("Device ID", device))
	fmt.Fprintln(out, renderValueLine("Authority", resp.Endpoint))
	fmt.Fprintln(out, renderValueLine("Privileged", yesNo(resp.Privileged)))
	if !resp.StartedAt.IsZero() {
		fmt.Fprintln(out, renderValueLine("Up since", resp.StartedAt.Local().Format(time.DateTime)))
	}
	fmt.Fprintln(out)

	wf := resp.Workflow
	for _, line := range renderSectionHeader("Reconciliation", colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderStatusLine("Phase", phaseKind(wf.Phase), string(wf.Phase), colorize))
	fmt.Fprintln(out, renderValueLine("Sync", string(wf.Sync)))
	if wf.Revision != "" {
		fmt.Fprintln(out, renderValueLine("Revision", shortRevision(wf.Revision)))
	}
	if wf.CycleID != "" {
		fmt.Fprintln(out, renderValueLine("Cycle", wf.CycleID))
	}
	fmt.Fprintln(out, renderValueLine("Queued", fmt.Sprintf("%d files, %d apps", wf.FilesQueued, wf.AppsQueued)))
	if wf.InFlight != "" {
		inFlight := wf.InFlight
		if wf.Progress != nil && wf.Progress.Total > 0 {
			inFlight = fmt.Sprintf("%s (%.0f%%)", inFlight, wf.Progress.Percent)
		}
		fmt.Fprintln(out, renderValueLine("In flight", inFlight))
	}
	if d := wf.Decision; d != nil {
		detail := fmt.Sprintf("%s %s failed after %d attempt(s): %s", d.Queue, d.Identity, d.Attempts, d.Reason)
		fmt.Fprintln(out, renderStatusLine("Decision", statusWarn, detail, colorize))
	}
	if wf.PendingCapability != "" {
		fmt.Fprintln(out, renderStatusLine("Capability", statusWarn, wf.PendingCapability, colorize))
	}
	if wf.LastError != "" {
		fmt.Fprintln(out, renderStatusLine("Last error", statusError, wf.LastError, colorize))
	}
	if hint := phaseHint(wf); hint != "" {
		fmt.Fprintln(out, renderValueLine("Next step", hint))
	}
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

func newQueueCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List pending reconciliation operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Queue(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				if len(resp.Items) == 0 {
					fmt.Fprintln(out, "Queue is empty")
					return nil
				}
				rows := make([][]string, 0, len(resp.Items))
				for i, item := range resp.Items {
					rows = append(rows, []string{
						strconv.Itoa(i + 1),
						item.Queue,
						item.Kind,
						item.Identity,
						strconv.Itoa(item.Attempts),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"#", "Queue", "Operation", "Resource", "Attempts"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newCapabilitiesCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "capabilities",
		Aliases: []string{"caps"},
		Short:   "Show device capability states",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Capabilities(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				for _, line := range renderSectionHeader("Capabilities", colorize) {
					fmt.Fprintln(out, line)
				}
				if len(resp.Capabilities) == 0 {
					fmt.Fprintln(out, statusIndent+"No capabilities apply to this device")
					return nil
				}
				for _, rec := range resp.Capabilities {
					detail := string(rec.State)
					if rec.Prompted() {
						detail += ", prompted " + rec.PromptedAt.Local().Format(time.DateTime)
					}
					label := strings.ReplaceAll(rec.Name, "_", " ")
					fmt.Fprintln(out, renderStatusLine(label, capabilityKind(rec.State), detail, colorize))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
