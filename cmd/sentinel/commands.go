package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/loykin/sentinel/internal/coordinator"
)

func newCreateCmd() *cobra.Command {
	var (
		workdir   string
		env       []string
		group     string
		policy    string
		schedules []string
	)
	cmd := &cobra.Command{
		Use:   "create NAME -- ARGV...",
		Short: "Declare a new workload",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			envMap := make(map[string]string, len(env))
			for _, kv := range env {
				k, v, ok := splitKV(kv)
				if !ok {
					return fmt.Errorf("invalid --env %q, expected KEY=VALUE", kv)
				}
				envMap[k] = v
			}
			id, err := newClient().CreateWorkload(cmd.Context(), coordinator.CreateRequest{
				Name:      args[0],
				Argv:      args[1:],
				WorkDir:   workdir,
				Env:       envMap,
				Group:     group,
				Policy:    policy,
				Schedules: schedules,
			})
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&workdir, "workdir", "", "working directory")
	cmd.Flags().StringArrayVar(&env, "env", nil, "environment overlay KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&group, "group", "", "process group label")
	cmd.Flags().StringVar(&policy, "policy", "", "restart policy name")
	cmd.Flags().StringArrayVar(&schedules, "schedule", nil, "existing schedule id to attach (repeatable)")
	return cmd
}

func newUpdateCmd() *cobra.Command {
	var (
		name    string
		workdir string
		group   string
		policy  string
	)
	cmd := &cobra.Command{
		Use:   "update REF [-- ARGV...]",
		Short: "Update fields of a workload",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch coordinator.UpdatePatch
			if len(args) > 1 {
				patch.Argv = args[1:]
			}
			if cmd.Flags().Changed("name") {
				patch.Name = &name
			}
			if cmd.Flags().Changed("workdir") {
				patch.WorkDir = &workdir
			}
			if cmd.Flags().Changed("group") {
				patch.Group = &group
			}
			if cmd.Flags().Changed("policy") {
				patch.Policy = &policy
			}
			return newClient().UpdateWorkload(cmd.Context(), args[0], patch)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new unique name")
	cmd.Flags().StringVar(&workdir, "workdir", "", "working directory")
	cmd.Flags().StringVar(&group, "group", "", "process group label")
	cmd.Flags().StringVar(&policy, "policy", "", "restart policy name")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var (
		force bool
		grace string
	)
	cmd := &cobra.Command{
		Use:   "delete REF",
		Short: "Delete a workload (force required while running)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().DeleteWorkload(cmd.Context(), args[0], force, grace)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "stop a running workload before deleting")
	cmd.Flags().StringVar(&grace, "grace", "", "stop grace period (e.g. 10s)")
	return cmd
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start REF",
		Short: "Start a workload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().Start(cmd.Context(), args[0])
		},
	}
}

func newStopCmd() *cobra.Command {
	var (
		grace string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "stop REF",
		Short: "Stop a workload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().Stop(cmd.Context(), args[0], grace, force)
		},
	}
	cmd.Flags().StringVar(&grace, "grace", "", "grace period before kill (e.g. 10s)")
	cmd.Flags().BoolVar(&force, "force", false, "kill immediately")
	return cmd
}

func newRestartCmd() *cobra.Command {
	var delay string
	cmd := &cobra.Command{
		Use:   "restart REF",
		Short: "Restart a workload atomically",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().Restart(cmd.Context(), args[0], delay)
		},
	}
	cmd.Flags().StringVar(&delay, "delay", "", "delay between stop and start (e.g. 5s)")
	return cmd
}

func newListCmd() *cobra.Command {
	var (
		pattern string
		group   string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workloads",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := newClient().List(cmd.Context(), pattern, group)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&pattern, "pattern", "", "name pattern with * wildcards")
	cmd.Flags().StringVar(&group, "group", "", "group label")
	return cmd
}

func newDescribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe REF",
		Short: "Show a workload and its runtime state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, st, err := newClient().Describe(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJSON(map[string]any{"workload": w, "state": st})
			return nil
		},
	}
}

func newLogsCmd() *cobra.Command {
	var (
		stream string
		grep   string
		tail   int
		since  string
		until  string
	)
	cmd := &cobra.Command{
		Use:   "logs REF",
		Short: "Query persisted log records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if stream != "" {
				q.Set("stream", stream)
			}
			if grep != "" {
				q.Set("grep", grep)
			}
			if tail > 0 {
				q.Set("tail", strconv.Itoa(tail))
			}
			if since != "" {
				q.Set("since", since)
			}
			if until != "" {
				q.Set("until", until)
			}
			recs, err := newClient().Logs(cmd.Context(), args[0], q)
			if err != nil {
				return err
			}
			for _, r := range recs {
				fmt.Printf("%s %-6s %s\n", r.Time.Format("2006-01-02T15:04:05.000"), r.Stream, r.Payload)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&stream, "stream", "", "stdout, stderr, or system")
	cmd.Flags().StringVar(&grep, "grep", "", "substring filter")
	cmd.Flags().IntVar(&tail, "tail", 0, "only the last N records")
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 lower bound")
	cmd.Flags().StringVar(&until, "until", "", "RFC3339 upper bound")
	return cmd
}

func newMetricsCmd() *cobra.Command {
	var (
		since string
		until string
	)
	cmd := &cobra.Command{
		Use:   "metrics REF",
		Short: "Query persisted resource samples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if since != "" {
				q.Set("since", since)
			}
			if until != "" {
				q.Set("until", until)
			}
			samples, err := newClient().Metrics(cmd.Context(), args[0], q)
			if err != nil {
				return err
			}
			printJSON(samples)
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 lower bound")
	cmd.Flags().StringVar(&until, "until", "", "RFC3339 upper bound")
	return cmd
}

func newPolicyCmd() *cobra.Command {
	var (
		maxRetries int
		unlimited  bool
		initial    string
		multiplier float64
		maxDelay   string
		exitCodes  []int
		onNormal   bool
		onLost     bool
	)
	put := &cobra.Command{
		Use:   "put NAME",
		Short: "Declare or replace a restart policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"name":                   args[0],
				"max_retries":            maxRetries,
				"unlimited":              unlimited,
				"initial_delay":          initial,
				"backoff_multiplier":     multiplier,
				"max_delay":              maxDelay,
				"restart_on_exit_codes":  exitCodes,
				"restart_on_normal_exit": onNormal,
				"restart_on_lost":        onLost,
			}
			return newClient().PutPolicy(cmd.Context(), body)
		},
	}
	put.Flags().IntVar(&maxRetries, "max-retries", 0, "retry cap")
	put.Flags().BoolVar(&unlimited, "unlimited", false, "retry forever")
	put.Flags().StringVar(&initial, "initial-delay", "1s", "first backoff delay")
	put.Flags().Float64Var(&multiplier, "multiplier", 2.0, "backoff multiplier")
	put.Flags().StringVar(&maxDelay, "max-delay", "1m", "backoff cap")
	put.Flags().IntSliceVar(&exitCodes, "exit-codes", nil, "restart only on these exit codes")
	put.Flags().BoolVar(&onNormal, "on-normal-exit", false, "restart after clean exits too")
	put.Flags().BoolVar(&onLost, "on-lost", false, "restart workloads lost across daemon restarts")

	cmd := &cobra.Command{Use: "policy", Short: "Manage restart policies"}
	cmd.AddCommand(put)
	return cmd
}

func newScheduleCmd() *cobra.Command {
	var disabled bool
	put := &cobra.Command{
		Use:   "put WORKLOAD KIND EXPRESSION",
		Short: "Declare a schedule (kind: cron, interval, oneshot)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := newClient().PutSchedule(cmd.Context(), args[0], args[1], args[2], !disabled)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	put.Flags().BoolVar(&disabled, "disabled", false, "create without arming")

	list := &cobra.Command{
		Use:   "list [WORKLOAD]",
		Short: "List schedules",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := ""
			if len(args) == 1 {
				ref = args[0]
			}
			out, err := newClient().Schedules(cmd.Context(), ref)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	enable := &cobra.Command{
		Use:   "enable ID",
		Short: "Re-arm a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().EnableSchedule(cmd.Context(), args[0])
		},
	}
	disable := &cobra.Command{
		Use:   "disable ID",
		Short: "Disarm a schedule; it stays declared",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().DisableSchedule(cmd.Context(), args[0])
		},
	}

	cmd := &cobra.Command{Use: "schedule", Short: "Manage schedules"}
	cmd.AddCommand(put, list, enable, disable)
	return cmd
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show daemon health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := newClient().Health(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(h)
			return nil
		},
	}
}

func splitKV(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], i > 0
		}
	}
	return "", "", false
}
