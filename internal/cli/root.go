package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// GlobalFlags contains global flags available for all commands
type GlobalFlags struct {
	Config  string
	DBPath  string
	Server  string
	APIKey  string
	Verbose bool
	JSON    bool
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "trailcache",
	Short: "trailcache - rate-limited sync cache for activity data",
	Long: `trailcache keeps a local cache of an upstream activity service in sync
without exceeding its per-window and daily call quotas.

Usage:
  trailcache [command] [flags]

Available Commands:
  serve       Start the API server and auto-refresh loops
  refresh     Check a dataset and sync it if stale
  stats       Show cache statistics
  invalidate  Delete a dataset's cached snapshot
  auth        Manage upstream OAuth credentials

Commands that inspect or change a dataset run in-process against the
configured store, or against a running server when --server is set.

Use "trailcache [command] --help" for more information about a command.`,
	SilenceUsage: true,
}

var globalFlags GlobalFlags

// InitRoot initializes the root command with global flags
func InitRoot() {
	configPath := os.Getenv("TRAILCACHE_CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	RootCmd.PersistentFlags().StringVar(&globalFlags.Config, "config", configPath, "Path to configuration file")
	RootCmd.PersistentFlags().StringVar(&globalFlags.DBPath, "db", os.Getenv("TRAILCACHE_DB_PATH"), "Path to SQLite database (overrides config)")
	RootCmd.PersistentFlags().StringVar(&globalFlags.Server, "server", os.Getenv("TRAILCACHE_SERVER"), "URL of a running trailcache server")
	RootCmd.PersistentFlags().StringVar(&globalFlags.APIKey, "api-key", os.Getenv("TRAILCACHE_API_KEY"), "API key for --server")
	RootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "Enable debug logging")
	RootCmd.PersistentFlags().BoolVar(&globalFlags.JSON, "json", false, "Output in JSON format")

	RootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of trailcache",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd.OutOrStdout())
	},
}

// GetGlobalFlags returns the global flags
func GetGlobalFlags() GlobalFlags {
	return globalFlags
}

func printVersion(w io.Writer) {
	info := GetVersionInfo()
	if globalFlags.JSON {
		_ = writeJSON(w, info)
		return
	}
	fmt.Fprintln(w, "trailcache Version:", info.Version)
	fmt.Fprintln(w, "Go Version:", info.GoVersion)
	fmt.Fprintln(w, "OS/Arch:", info.OS+"/"+info.Arch)
	fmt.Fprintln(w, "Build Date:", info.BuildDate)
}

// Set at build time with -ldflags "-X".
var (
	version   = "0.1.0"
	buildDate = "unknown"
)

// VersionInfo contains version information
type VersionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	BuildDate string `json:"build_date"`
}

// GetVersionInfo returns version information
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		BuildDate: buildDate,
	}
}
