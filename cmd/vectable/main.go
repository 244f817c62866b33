package main

import (
	"fmt"
	"log"
	"os"

	"vectable/internal/datadir"
	"vectable/internal/version"

	"github.com/spf13/cobra"
)

var (
	cfgFile      string
	dbPath       string
	verbose      bool
	otlpEndpoint string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vectable",
	Short: "Vectable - tables with embedding-backed vector columns",
	Long: `Vectable stores rows whose vector columns are computed from source columns
by configurable embedding functions, and answers similarity searches by
embedding the query with the same function.

Providers and tables are declared in a YAML or TOML config file.`,
	Version:       version.Full(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Vectable %s\n", version.Full())
		buildInfo := version.GetBuildInfo()

		if buildInfo.GitCommit != "unknown" {
			fmt.Printf("Git commit: %s\n", buildInfo.GitCommit)
		}
		if buildInfo.GitTag != "" {
			fmt.Printf("Git tag: %s\n", buildInfo.GitTag)
		}
		if buildInfo.GitDirty {
			fmt.Printf("Git status: dirty (uncommitted changes)\n")
		}
		if buildInfo.BuildDate != "unknown" {
			fmt.Printf("Build date: %s\n", buildInfo.BuildDate)
		}
		fmt.Printf("Go version: %s\n", buildInfo.GoVersion)
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default {datadir}/config/vectable.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "database", "", "database file path (overrides the config file)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "export traces to this OTLP/HTTP endpoint (host:port)")

	rootCmd.AddCommand(
		versionCmd,
		initCmd(),
		providersCmd(),
		createCmd(),
		addCmd(),
		searchCmd(),
		tablesCmd(),
	)
}

func initConfig() {
	// Load .env files early so ${ENV_VAR} placeholders and provider keys resolve
	dd, err := datadir.New("")
	if err == nil {
		if err := datadir.LoadEnv(dd.Root()); err != nil {
			log.Printf("WARNING: Failed to load .env files: %v", err)
		}
	}

	if verbose {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		log.Println("Verbose logging enabled")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styles.Error.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}
