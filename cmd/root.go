package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/convoy/internal/app"
	"github.com/zhubert/convoy/internal/logger"
)

var (
	debugMode  bool
	quietMode  bool
	configFile string

	version, commit, date string
)

// SetVersionInfo sets version information from ldflags
func SetVersionInfo(v, c, d string) {
	version, commit, date = v, c, d
}

var rootCmd = &cobra.Command{
	Use:   "convoy",
	Short: "Orchestrator for concurrent agent coding sessions",
	Long: `Convoy manages multiple concurrent agent coding sessions. Each session
runs in its own git worktree on its own branch, so agents can work the same
repository in isolation and land their changes with an assisted squash merge.`,
	RunE:          runList,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quietMode, "quiet", "q", false, "Suppress desktop notifications")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (default ~/.convoy/config.yaml)")
}

// Execute runs the root command
func Execute() error {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(versionTemplate())
	defer logger.Close()
	return rootCmd.Execute()
}

func versionTemplate() string {
	if commit != "none" && commit != "" {
		return fmt.Sprintf("convoy %s\n  commit: %s\n  built:  %s\n", version, commit, date)
	}
	return fmt.Sprintf("convoy %s\n", version)
}

// withApp constructs the wired application, runs fn, and tears it down.
func withApp(fn func(*app.App) error) error {
	a, err := app.New(app.Options{
		ConfigPath: configFile,
		Debug:      debugMode,
		Quiet:      quietMode,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
