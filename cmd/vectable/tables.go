package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// tablesCmd lists the tables in the database
func tablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List tables with their vector columns and row counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				return runTables(cmd.Context(), a)
			})
		},
	}
}

func runTables(ctx context.Context, a *app) error {
	names, err := a.db.TableNames(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println(styles.Muted.Render("No tables. Declare tables in the config file and run `vectable create`."))
		return nil
	}

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		t, err := a.db.OpenTable(ctx, name)
		if err != nil {
			rows = append(rows, []string{name, "-", "-", "-", styles.Error.Render(err.Error())})
			continue
		}
		n, err := t.Count(ctx)
		if err != nil {
			return err
		}
		var vectors []string
		for _, b := range t.Schema().Bindings() {
			vectors = append(vectors, fmt.Sprintf("%s <- %s (%s, %d)", b.Vector, b.Source, b.Alias(), b.Width()))
		}
		ic := t.IndexConfig()
		indexType := string(ic.Type)
		if indexType == "" {
			indexType = "flat"
		}
		rows = append(rows, []string{
			name,
			strconv.Itoa(n),
			strings.Join(vectors, "\n"),
			indexType + "/" + ic.Metric.String(),
			"",
		})
	}
	fmt.Println(renderTable([]string{"TABLE", "ROWS", "VECTORS", "INDEX", "ERROR"}, rows))
	return nil
}
