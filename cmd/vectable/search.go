package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"vectable/internal/embeddings"
	"vectable/internal/query"
	"vectable/internal/schema"

	"github.com/spf13/cobra"
)

const maxCellWidth = 60

// searchCmd runs a similarity search against a table
func searchCmd() *cobra.Command {
	var (
		column string
		limit  int
		image  bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "search TABLE QUERY",
		Short: "Find the rows nearest to a query",
		Long: `Embed QUERY with the embedding function bound to the vector column and
return the nearest rows.

--column is required when the table has more than one vector column.
With --image, QUERY is an image path or URL instead of text.

Examples:
  vectable search docs "greetings"
  vectable search images ./cat.png --image --column image_vec`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value any = args[1]
			if image {
				value = embeddings.URI(args[1])
			}
			return withApp(cmd.Context(), func(a *app) error {
				return runSearch(cmd.Context(), a, args[0], value, column, limit, asJSON)
			})
		},
	}

	cmd.Flags().StringVarP(&column, "column", "c", "", "vector column to search")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of results")
	cmd.Flags().BoolVar(&image, "image", false, "treat the query as an image path or URL")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON lines")
	return cmd
}

func runSearch(ctx context.Context, a *app, name string, value any, column string, limit int, asJSON bool) error {
	t, err := a.db.OpenTable(ctx, name)
	if err != nil {
		return err
	}
	hits, err := t.Search(ctx, value, column, limit)
	if err != nil {
		return err
	}

	s := t.Schema()
	if asJSON {
		return printHitsJSON(s, hits)
	}
	if len(hits) == 0 {
		fmt.Println(styles.Muted.Render("No results."))
		return nil
	}

	headers := []string{"#", "DISTANCE"}
	var cols []int
	for i, f := range s.Fields() {
		if f.Role == schema.RoleVector {
			continue
		}
		headers = append(headers, strings.ToUpper(f.Name))
		cols = append(cols, i)
	}
	rows := make([][]string, len(hits))
	for i, h := range hits {
		row := []string{strconv.Itoa(i + 1), strconv.FormatFloat(float64(h.Distance), 'f', 4, 32)}
		for _, c := range cols {
			row = append(row, formatCell(h.Row[c]))
		}
		rows[i] = row
	}
	fmt.Println(renderTable(headers, rows))
	return nil
}

func printHitsJSON(s *schema.Schema, hits []query.Hit) error {
	for _, h := range hits {
		rec := s.Record(h.Row)
		for _, name := range s.VectorFields() {
			delete(rec, name)
		}
		line, err := json.Marshal(map[string]any{
			"id":       h.ID,
			"distance": h.Distance,
			"row":      rec,
		})
		if err != nil {
			return err
		}
		fmt.Println(string(line))
	}
	return nil
}

func formatCell(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		return styles.Muted.Render("null")
	case []byte:
		s = fmt.Sprintf("<%d bytes>", len(x))
	default:
		s = fmt.Sprint(x)
	}
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > maxCellWidth {
		s = string(r[:maxCellWidth-3]) + "..."
	}
	return s
}
