package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"fleetagent/internal/ipc"
)

func newControlCommands(ctx *commandContext) []*cobra.Command {
	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Re-enter the reconciliation flow after granting a capability or fixing a fault",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Resume(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if resp.Deferred {
					fmt.Fprintln(out, "Resume deferred until the current operation finishes")
					return nil
				}
				fmt.Fprintf(out, "Resumed (phase: %s)\n", resp.Phase)
				return nil
			})
		},
	}

	var source string
	refreshCmd := &cobra.Command{
		Use:   "refresh",
		Short: "Fetch the configuration and reconcile now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Refresh(cmd.Context(), source)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if resp.Started {
					fmt.Fprintln(out, "Reconciliation cycle started")
					return nil
				}
				reason := strings.TrimSpace(resp.Reason)
				if reason == "" {
					reason = "a cycle is already running"
				}
				fmt.Fprintf(out, "Refresh not started: %s\n", reason)
				return nil
			})
		},
	}
	refreshCmd.Flags().StringVar(&source, "source", "cli", "Label recorded as the refresh trigger")

	retryCmd := &cobra.Command{
		Use:   "retry",
		Short: "Retry the failed operation at the front of the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				if err := client.Decide(cmd.Context(), ipc.DecisionRetry); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Retrying failed operation")
				return nil
			})
		},
	}

	skipCmd := &cobra.Command{
		Use:   "skip",
		Short: "Skip the failed operation for the current configuration revision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				if err := client.Decide(cmd.Context(), ipc.DecisionSkip); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Skipped failed operation")
				return nil
			})
		},
	}

	deviceIDCmd := &cobra.Command{
		Use:   "device-id <id>",
		Short: "Set the device identifier used with the authority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if id == "" {
				return errors.New("device id must not be empty")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				if err := client.SetDeviceID(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Device id set to %s\n", id)
				return nil
			})
		},
	}

	declineCmd := &cobra.Command{
		Use:   "decline <capability>",
		Short: "Decline a capability so the agent stops asking for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			return ctx.withClient(func(client *ipc.Client) error {
				if err := client.Decline(cmd.Context(), name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Capability %s declined\n", name)
				return nil
			})
		},
	}

	return []*cobra.Command{resumeCmd, refreshCmd, retryCmd, skipCmd, deviceIDCmd, declineCmd}
}

func newResetCommand(ctx *commandContext) *cobra.Command {
	var wipeState bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the device identity and cached configuration",
		Long: "Clear the device identity, cached endpoints and configuration on the running agent.\n" +
			"With --state the agent must be stopped; its state database is deleted instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if !wipeState {
				return ctx.withClient(func(client *ipc.Client) error {
					if err := client.Reset(cmd.Context()); err != nil {
						return err
					}
					fmt.Fprintln(out, "Agent identity reset; provisioning restarts")
					return nil
				})
			}

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			lock := flock.New(cfg.LockPath())
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("check agent lock: %w", err)
			}
			if !locked {
				return errors.New("agent is running; stop it before wiping its state")
			}
			defer lock.Unlock()

			removed := 0
			for _, path := range []string{
				cfg.DatabasePath(),
				cfg.DatabasePath() + "-wal",
				cfg.DatabasePath() + "-shm",
				cfg.WatchdogPath(),
			} {
				if err := os.Remove(path); err == nil {
					removed++
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("remove %s: %w", path, err)
				}
			}
			if removed == 0 {
				fmt.Fprintln(out, "No agent state found")
				return nil
			}
			fmt.Fprintf(out, "Removed agent state from %s\n", cfg.Paths.StateDir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&wipeState, "state", false, "Delete the state database while the agent is stopped")
	return cmd
}
