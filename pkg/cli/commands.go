package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/5hdaniel/Mad-sub019/internal/engine"
	"github.com/5hdaniel/Mad-sub019/pkg/audit"
	"github.com/5hdaniel/Mad-sub019/pkg/config"
	"github.com/5hdaniel/Mad-sub019/pkg/logger"
	"github.com/5hdaniel/Mad-sub019/pkg/process"
	"github.com/5hdaniel/Mad-sub019/pkg/types"
)

// loadRuntime assembles the coordination stack for a command
func loadRuntime(executor *engine.ShellExecutor) (*engine.Runtime, logger.Logger, error) {
	log := logger.CreateLogger("", verbosity)

	cfg, err := config.NewManager().LoadConfig(configPath())
	if err != nil {
		return nil, nil, err
	}

	var exec *engine.ShellExecutor
	if executor != nil {
		exec = executor
		exec.Logger = log
	} else {
		exec = &engine.ShellExecutor{Logger: log}
	}

	rt, err := engine.NewRuntime(cfg, stateDir(), exec, log)
	if err != nil {
		return nil, nil, err
	}
	return rt, log, nil
}

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Compute and print the phase assignment",
		RunE: func(cmd *cobra.Command, args []string) error {
			console := logger.NewConsoleLogger()

			rt, _, err := loadRuntime(nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			phases, err := rt.Coordinator.Plan()
			if err != nil {
				return err
			}

			console.Info(fmt.Sprintf("Computed %d phase(s)", len(phases)))
			for _, phase := range phases {
				fmt.Printf("  %s %s\n",
					color.CyanString("phase %d:", phase.Index),
					strings.Join(phase.Tasks, ", "))
			}
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	var workerCmd string
	var workerArgs []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute all phases with the given worker command",
		Long: `Run every phase in order. Each task is handed to the worker command,
executed inside the task's isolated environment with MARSHAL_TASK_ID and
MARSHAL_SPEC_REF set. Completed work is integrated one task at a time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			console := logger.NewConsoleLogger()

			rt, log, err := loadRuntime(&engine.ShellExecutor{Command: workerCmd, Args: workerArgs})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			procMgr := process.NewManager(log)
			procMgr.RegisterShutdownHandler(cancel)
			procMgr.RegisterShutdownHandler(func() { rt.Close() })
			procMgr.Start(ctx)

			if err := rt.Coordinator.Start(ctx); err != nil {
				return err
			}
			if err := rt.Coordinator.Run(ctx); err != nil {
				return err
			}

			pending := rt.Coordinator.Reviews().Pending()
			if len(pending) > 0 {
				console.Warn(fmt.Sprintf("%d task(s) awaiting operator decision (marshal review)", len(pending)))
			}
			console.Success("Run complete")
			return rt.Close()
		},
	}

	cmd.Flags().StringVar(&workerCmd, "worker-cmd", "", "command executed per task inside its environment")
	cmd.Flags().StringArrayVar(&workerArgs, "worker-arg", nil, "argument passed to the worker command (repeatable)")
	cmd.MarkFlagRequired("worker-cmd")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show task statuses and baseline version",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := loadRuntime(nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			fmt.Printf("baseline version: %d\n", rt.Baseline.Version())
			for _, task := range rt.Registry.List() {
				line := fmt.Sprintf("  %-20s %-16s", task.ID, task.Status)
				if task.Reason != "" {
					line += "  " + color.YellowString(task.Reason)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func newTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List registered tasks with their declared scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := loadRuntime(nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			for _, task := range rt.Registry.List() {
				fmt.Printf("%s (rev %d)\n", color.CyanString(task.ID), task.Revision)
				fmt.Printf("  title:    %s\n", task.Title)
				fmt.Printf("  touches:  %s\n", strings.Join(task.TouchSet, ", "))
				fmt.Printf("  estimate: %d-%d (cap %d)\n", task.Estimate.Low, task.Estimate.High, task.EffectiveCap())
			}
			return nil
		},
	}
}

func newReviewCmd() *cobra.Command {
	var approve, reject string
	var note string

	cmd := &cobra.Command{
		Use:   "review",
		Short: "List or decide suspended tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			console := logger.NewConsoleLogger()

			rt, _, err := loadRuntime(nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			// Decisions act directly on persisted state; the review
			// queue channel is for a live run.
			if approve != "" {
				result, err := applyApproval(rt, approve)
				if err != nil {
					return err
				}
				console.Success(fmt.Sprintf("Approved %s; baseline now at version %d", approve, result.BaselineVersion))
				return nil
			}
			if reject != "" {
				if err := rt.Registry.Reject(reject, note); err != nil {
					return err
				}
				console.Info(fmt.Sprintf("Rejected %s; task returned to pending", reject))
				return nil
			}

			awaiting := rt.Registry.ByStatus(types.TaskStatusAwaitingReview)
			blocked := rt.Registry.ByStatus(types.TaskStatusBlocked)
			if len(awaiting) == 0 && len(blocked) == 0 {
				console.Info("Nothing awaiting review")
				return nil
			}
			for _, task := range awaiting {
				fmt.Printf("  %s %s  %s\n", color.YellowString("awaiting"), task.ID, task.Reason)
			}
			for _, task := range blocked {
				fmt.Printf("  %s  %s  %s\n", color.RedString("blocked"), task.ID, task.Reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&approve, "approve", "", "approve a deferred task's merge by id")
	cmd.Flags().StringVar(&reject, "reject", "", "reject a task by id, returning it to pending")
	cmd.Flags().StringVar(&note, "note", "", "reason recorded with a rejection")
	return cmd
}

// applyApproval merges a deferred task whose widened scope the operator
// accepted. The staged environment survives restarts, so this works from
// a fresh process too.
func applyApproval(rt *engine.Runtime, taskID string) (*types.MergeResult, error) {
	return rt.Coordinator.Approve(taskID)
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Return a blocked or deferred task to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			console := logger.NewConsoleLogger()

			rt, _, err := loadRuntime(nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.Registry.Transition(args[0], types.TaskStatusPending, ""); err != nil {
				return err
			}
			console.Success(fmt.Sprintf("Task %s resumed", args[0]))
			return nil
		},
	}
}

func newAuditCmd() *cobra.Command {
	var limit int
	var kind string

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.CreateLogger("", verbosity)
			auditLog, err := audit.Open(stateDir()+"/audit.log", log)
			if err != nil {
				return err
			}
			defer auditLog.Close()

			var events []audit.Event
			if err := auditLog.Replay(func(ev audit.Event) error {
				if kind != "" && string(ev.Kind) != kind {
					return nil
				}
				events = append(events, ev)
				return nil
			}); err != nil {
				return err
			}

			if limit > 0 && len(events) > limit {
				events = events[len(events)-limit:]
			}
			for _, ev := range events {
				taskCol := ""
				if ev.TaskID != "" {
					taskCol = " [" + ev.TaskID + "]"
				}
				fmt.Printf("%s %s%s %s\n",
					ev.Time.Format("15:04:05"),
					color.CyanString(string(ev.Kind)),
					taskCol,
					ev.Detail)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "show at most this many events")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by event kind")
	return cmd
}

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [project-name]",
		Short: "Scaffold a marshal.config.json",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			console := logger.NewConsoleLogger()

			project := "project"
			if len(args) > 0 {
				project = args[0]
			}

			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			data, err := json.MarshalIndent(config.DefaultConfig(project), "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0644); err != nil {
				return err
			}
			console.Success("Created " + path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("🧭 Marshal v%s\n", version)
		},
	}
}
