package main

import (
	"fmt"
	"os"
	"path/filepath"

	"vectable/internal/config"
	"vectable/internal/datadir"

	"github.com/spf13/cobra"
)

// initCmd writes a starter config file
func initCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Long: `Write a config file declaring the local hashing provider, an OpenAI
provider keyed from ${OPENAI_API_KEY} and an example "docs" table.

The file goes to --config, or to {datadir}/config/vectable.yaml. A path
ending in .toml is written as TOML.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cfgFile, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

// starterConfig is the default configuration plus one example table.
func starterConfig() *config.Config {
	cfg := config.Default()
	cfg.Tables = []config.TableConfig{{
		Name:  "docs",
		Index: config.IndexConfig{Metric: "cosine"},
		Fields: []config.FieldConfig{
			{Name: "title", Role: "plain", Type: "string"},
			{Name: "text", Role: "source", Kind: "text"},
			{Name: "vector", Role: "vector", Source: "text", Provider: "local"},
		},
	}}
	return cfg
}

func runInit(path string, force bool) error {
	if path == "" {
		dd, err := datadir.New("")
		if err != nil {
			return err
		}
		if err := dd.EnsureDirs(); err != nil {
			return err
		}
		path = dd.ConfigFile()
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := starterConfig().Save(path); err != nil {
		return err
	}
	fmt.Printf("%s %s\n", styles.Success.Render("wrote"), path)
	return nil
}
