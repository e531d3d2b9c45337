package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"forge/internal/bgtask"
)

func newDispatchCommand(configPath *string) *cobra.Command {
	var (
		template    string
		description string
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "dispatch <prompt>",
		Short: "Start one background task and block until it reaches a terminal status",
		Long: `dispatch starts a single background task against the configured agent
template and polls until it completes, fails, or is cancelled, then prints
the outcome. It is a manual-testing convenience, not the service's normal
entry point — that is the HTTP surface served by "orchestratord serve".`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(*configPath, template, description, strings.Join(args, " "), timeout)
		},
	}
	cmd.Flags().StringVar(&template, "template", "default", "Agent template id")
	cmd.Flags().StringVar(&description, "description", "", "Task description")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "How long to wait for the task to finish")
	return cmd
}

func runDispatch(configPath, template, description, prompt string, timeout time.Duration) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	c, err := buildComponents(cfg, nil)
	if err != nil {
		return fmt.Errorf("build components: %w", err)
	}

	taskID, err := c.runner.Start(template, prompt, description, bgtask.StartOptions{})
	if err != nil {
		return fmt.Errorf("start task: %w", err)
	}
	fmt.Printf("%s started %s\n", green("->"), bold(taskID))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for {
		task, ok := c.runner.GetTask(taskID)
		if !ok {
			return fmt.Errorf("task %s vanished", taskID)
		}
		switch task.Status {
		case bgtask.StatusCompleted:
			fmt.Printf("%s %s\n%s\n", green("completed"), taskID, task.Result)
			return nil
		case bgtask.StatusFailed:
			fmt.Printf("%s %s: %s\n", red("failed"), taskID, task.Error)
			return fmt.Errorf("task failed: %s", task.Error)
		case bgtask.StatusCancelled:
			fmt.Printf("%s %s\n", yellow("cancelled"), taskID)
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("dispatch timed out waiting for %s", taskID)
		case <-time.After(200 * time.Millisecond):
		}
	}
}
