package main

import (
	"context"
	"errors"
	"fmt"

	"vectable/internal/config"
	"vectable/internal/storage"
	"vectable/internal/table"

	"github.com/spf13/cobra"
)

// createCmd creates the tables declared in the config file
func createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create [TABLE...]",
		Short: "Create tables declared in the config file",
		Long: `Create tables declared in the config file. With no arguments every
declared table is created; tables that already exist are skipped.

Creating a table builds its embedding functions, so configuration errors
such as a declared width that differs from the provider's dimensionality
are reported here, before any data is added.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				return runCreate(cmd.Context(), a, args)
			})
		},
	}
}

func runCreate(ctx context.Context, a *app, names []string) error {
	var tables []config.TableConfig
	if len(names) == 0 {
		tables = a.cfg.Tables
	} else {
		for _, name := range names {
			tc, ok := a.cfg.Table(name)
			if !ok {
				return fmt.Errorf("table %q is not declared in the config file", name)
			}
			tables = append(tables, tc)
		}
	}
	if len(tables) == 0 {
		fmt.Println(styles.Muted.Render("No tables declared."))
		return nil
	}

	for _, tc := range tables {
		created, err := createTable(ctx, a, tc)
		if err != nil {
			return err
		}
		if created {
			fmt.Println(styles.Success.Render("created ") + tc.Name)
		} else {
			fmt.Println(styles.Muted.Render("exists  ") + tc.Name)
		}
	}
	return nil
}

func createTable(ctx context.Context, a *app, tc config.TableConfig) (bool, error) {
	opts, err := tc.Index.Options()
	if err != nil {
		return false, fmt.Errorf("table %q: %w", tc.Name, err)
	}
	s, err := a.cfg.BuildSchema(a.registry, tc)
	if err != nil {
		return false, err
	}
	ic := table.IndexConfig{Type: opts.Type, Metric: opts.Metric, HNSW: opts.HNSW}
	if _, err := a.db.CreateTable(ctx, tc.Name, s, ic); err != nil {
		for _, b := range s.Bindings() {
			if c, ok := b.Function.(interface{ Close() error }); ok {
				c.Close()
			}
		}
		if errors.Is(err, storage.ErrTableExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
