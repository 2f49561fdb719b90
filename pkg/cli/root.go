// Package cli provides the command-line interface for Marshal
package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile     string
	projectRoot string
	verbosity   string
	version     string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "marshal",
	Short: "Phase-gated coordination for concurrent engineering tasks",
	Long: `🧭 Marshal - conflict-free parallel task coordination

Marshal layers declared tasks into phases of mutually safe parallel work,
runs each phase's workers in isolated environments, tracks consumption
against budgets, and integrates completed work into the shared baseline
in a validated order.`,

	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("🧭 Marshal v%s\n", version)
			return
		}
		cmd.Help()
	},
}

// Execute runs the CLI
func Execute(v string) error {
	version = v

	initializeRootCommand()

	return rootCmd.Execute()
}

// initializeRootCommand sets up the root command and its flags.
// Explicit initialization keeps the command tree testable.
func initializeRootCommand() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: marshal.config.json)")
	rootCmd.PersistentFlags().StringVar(&projectRoot, "root", ".", "project root directory")
	rootCmd.PersistentFlags().StringVarP(&verbosity, "verbosity", "v", "info", "log level (debug, info, warn, error)")

	rootCmd.Flags().Bool("version", false, "Print version information and quit")

	rootCmd.AddCommand(newPlanCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newTasksCmd())
	rootCmd.AddCommand(newReviewCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newAuditCmd())
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(projectRoot)
		viper.SetConfigName("marshal.config")
		viper.SetConfigType("json")
	}

	viper.SetEnvPrefix("MARSHAL")
	viper.AutomaticEnv()

	// Missing config is fine for commands that do not need one
	_ = viper.ReadInConfig()
}

// configPath resolves the effective configuration file path
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return filepath.Join(projectRoot, "marshal.config.json")
}

// stateDir is the project-local persistent state root
func stateDir() string {
	return filepath.Join(projectRoot, ".marshal")
}
