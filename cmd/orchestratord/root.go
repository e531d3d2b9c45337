// Command orchestratord is the process entrypoint for the orchestration
// core: a cobra root command with a long-running serve subcommand and a
// one-off dispatch subcommand for quick manual testing.
package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const version = "0.1.0"

var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// NewRootCommand assembles the orchestratord cobra tree.
func NewRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "orchestratord",
		Short: "Background task orchestration core",
		Long: fmt.Sprintf(`%s

Runs the scheduler, injection queue, approval bridge, and event bus behind
a stable HTTP surface: chat and slash commands in, SSE events out.`,
			bold("orchestratord "+version)),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to forge.yaml")
	viper.SetConfigName("forge")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	rootCmd.AddCommand(newServeCommand(&configPath))
	rootCmd.AddCommand(newDispatchCommand(&configPath))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orchestratord %s\n", version)
		},
	}
}
