package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/itskum47/hostforge/hostd/components"
	"github.com/itskum47/hostforge/hostd/inventory"
	"github.com/itskum47/hostforge/hostd/messages"
	"github.com/itskum47/hostforge/hostd/scheduler"
	"github.com/itskum47/hostforge/hostd/services"
	"github.com/itskum47/hostforge/hostd/store"
	"github.com/spf13/cobra"
)

const waitPollInterval = 500 * time.Millisecond

// withStore opens the store for the duration of fn.
func (e *environment) withStore(fn func(s store.Store) error) error {
	s, err := e.openStore()
	if err != nil {
		return fmt.Errorf("open %s store: %w", e.cfg.Store.Backend, err)
	}
	defer s.Close()
	return fn(s)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readTask decodes a task from path, or stdin when path is "-".
func readTask(cmd *cobra.Command, path string) (scheduler.Task, error) {
	var t scheduler.Task
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return t, err
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(&t); err != nil {
		return t, fmt.Errorf("decode task: %w", err)
	}
	return t, nil
}

// waitMessage polls the sink until the message with id is finished.
func waitMessage(ctx context.Context, sink *messages.Sink, id string, timeout time.Duration) (messages.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		m, ok, err := sink.Get(ctx, id)
		if err != nil {
			return m, err
		}
		if ok && m.Finished {
			return m, nil
		}
		select {
		case <-ctx.Done():
			return m, fmt.Errorf("waiting for task %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// submitOptions are shared by commands that queue a task.
type submitOptions struct {
	wait    bool
	timeout time.Duration
}

func (o *submitOptions) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.wait, "wait", false, "wait for the task to finish and print its message")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 10*time.Minute, "how long --wait waits")
}

// submit queues t and prints its id, or its final message with --wait. A task
// that finished with an error makes the command fail.
func (e *environment) submit(cmd *cobra.Command, t scheduler.Task, opts submitOptions) error {
	return e.withStore(func(s store.Store) error {
		id, err := scheduler.NewQueue(s, e.logger).Submit(cmd.Context(), t)
		if err != nil {
			return err
		}
		if !opts.wait {
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		}
		m, err := waitMessage(cmd.Context(), messages.NewSink(s, e.logger), id, opts.timeout)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), m); err != nil {
			return err
		}
		if m.Severity == messages.Error {
			return fmt.Errorf("task %s failed: %s", id, m.Text)
		}
		return nil
	})
}

func newTaskCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Queue tasks for the daemon",
	}

	var (
		file string
		opts submitOptions
	)
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a task from a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := readTask(cmd, file)
			if err != nil {
				return err
			}
			return env.submit(cmd, t, opts)
		},
	}
	submitCmd.Flags().StringVarP(&file, "file", "f", "-", "task file, - for stdin")
	opts.bind(submitCmd)

	var (
		schedFile string
		at        string
		every     time.Duration
	)
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a task for later, optionally recurring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := readTask(cmd, schedFile)
			if err != nil {
				return err
			}
			due := time.Now()
			if at != "" {
				if due, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}
			if every != 0 && every < time.Second {
				return fmt.Errorf("--every must be at least 1s")
			}
			return env.withStore(func(s store.Store) error {
				id, err := scheduler.NewQueue(s, env.logger).Schedule(cmd.Context(), t, due, every)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	scheduleCmd.Flags().StringVarP(&schedFile, "file", "f", "-", "task file, - for stdin")
	scheduleCmd.Flags().StringVar(&at, "at", "", "due time in RFC 3339, default now")
	scheduleCmd.Flags().DurationVar(&every, "every", 0, "repeat interval")

	cmd.AddCommand(submitCmd, scheduleCmd)
	return cmd
}

func newMessagesCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Read task status messages",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Print the folded message for a task id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.withStore(func(s store.Store) error {
				m, ok, err := messages.NewSink(s, env.logger).Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no message with id %s", args[0])
				}
				return printJSON(cmd.OutOrStdout(), m)
			})
		},
	})
	return cmd
}

func newServicesCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "services",
		Short: "Inspect tracked services and their firewall policy",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the tracked services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.withStore(func(s store.Store) error {
				svcs, err := services.NewRegistry(s, nil, services.Config{}, env.logger).List(cmd.Context())
				if err != nil {
					return err
				}
				if svcs == nil {
					svcs = []inventory.TrackedService{}
				}
				return printJSON(cmd.OutOrStdout(), svcs)
			})
		},
	})

	var opts submitOptions
	policyCmd := &cobra.Command{
		Use:   "policy <id> <policy>",
		Short: "Change a service's policy (0/blocked, 1/local, 2/all)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := inventory.ParsePolicy(args[1])
			if err != nil {
				return err
			}
			return env.submit(cmd, scheduler.Task{
				Steps: []scheduler.Step{{
					Unit:  components.NameSecurity,
					Order: "update_policy",
					Data:  map[string]interface{}{"id": args[0], "policy": policy.String()},
				}},
				Message: &messages.Template{
					Start:   "Updating policy for " + args[0],
					Success: "Policy for " + args[0] + " set to " + policy.String(),
					Error:   "Could not update policy for " + args[0] + ": {error}",
				},
			}, opts)
		},
	}
	opts.bind(policyCmd)

	cmd.AddCommand(policyCmd)
	return cmd
}

func newAppsCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apps",
		Short: "Manage installed applications",
	}

	var opts submitOptions
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-check which installed apps can be loaded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.submit(cmd, scheduler.Task{
				Steps: []scheduler.Step{{Unit: components.NameApps, Order: "verify"}},
				Message: &messages.Template{
					Start:   "Verifying applications",
					Success: "Applications verified",
					Error:   "Application verification failed: {error}",
				},
			}, opts)
		},
	}
	opts.bind(verifyCmd)

	cmd.AddCommand(verifyCmd)
	return cmd
}
