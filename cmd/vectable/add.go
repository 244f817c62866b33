package main

import (
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"vectable/internal/schema"
	"vectable/internal/storage"
	"vectable/internal/table"

	"github.com/spf13/cobra"
)

const defaultBatchSize = 256

// addCmd loads records from a JSONL or CSV file into a table
func addCmd() *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "add TABLE FILE",
		Short: "Add rows from a JSONL or CSV file",
		Long: `Add rows from a file to a table. Files ending in .csv are read as CSV with a
header row; anything else is read as one JSON object per line.

Vector columns are computed from their source columns before the rows are
stored. Each batch is all-or-nothing: if an embedding call fails, no row of
that batch is written.

Examples:
  vectable add docs articles.jsonl
  vectable add images photos.csv --batch-size 32`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				return runAdd(cmd.Context(), a, args[0], args[1], batchSize)
			})
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", defaultBatchSize, "rows embedded and stored per batch")
	return cmd
}

// openOrCreate opens a table, creating it first when the config declares it.
func openOrCreate(ctx context.Context, a *app, name string) (*table.Table, error) {
	t, err := a.db.OpenTable(ctx, name)
	if !errors.Is(err, storage.ErrTableNotFound) {
		return t, err
	}
	tc, ok := a.cfg.Table(name)
	if !ok {
		return nil, err
	}
	if _, err := createTable(ctx, a, tc); err != nil {
		return nil, err
	}
	return a.db.OpenTable(ctx, name)
}

func runAdd(ctx context.Context, a *app, name, path string, batchSize int) error {
	if batchSize <= 0 {
		return fmt.Errorf("batch size must be positive (got %d)", batchSize)
	}
	t, err := openOrCreate(ctx, a, name)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var next func() (schema.Record, error)
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		next, err = csvRecords(f, t.Schema())
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	} else {
		next = jsonRecords(f, t.Schema())
	}

	total := 0
	batch := make([]schema.Record, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		ids, err := t.AddRecords(ctx, batch)
		if err != nil {
			return fmt.Errorf("rows %d-%d: %w", total+1, total+len(batch), err)
		}
		total += len(ids)
		if verbose {
			log.Printf("vectable: stored %d rows in %s", total, name)
		}
		batch = batch[:0]
		return nil
	}

	for line := 1; ; line++ {
		rec, err := next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: record %d: %w", path, line, err)
		}
		batch = append(batch, rec)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	fmt.Printf("%s %d rows to %s\n", styles.Success.Render("added"), total, name)
	return nil
}

// jsonRecords reads a stream of JSON objects. Bytes fields are base64, as
// encoding/json writes them.
func jsonRecords(r io.Reader, s *schema.Schema) func() (schema.Record, error) {
	dec := json.NewDecoder(r)
	return func() (schema.Record, error) {
		var rec schema.Record
		if err := dec.Decode(&rec); err != nil {
			return nil, err
		}
		for name, v := range rec {
			f, ok := s.Field(name)
			if !ok || f.Type != schema.TypeBytes {
				continue
			}
			if str, ok := v.(string); ok {
				b, err := base64.StdEncoding.DecodeString(str)
				if err != nil {
					return nil, fmt.Errorf("field %q: %w", name, err)
				}
				rec[name] = b
			}
		}
		return rec, nil
	}
}

// csvRecords reads CSV with a header row naming schema fields. Empty cells
// are null. Vector cells hold a JSON array.
func csvRecords(r io.Reader, s *schema.Schema) (func() (schema.Record, error), error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	fields := make([]schema.Field, len(header))
	for i, name := range header {
		f, ok := s.Field(strings.TrimSpace(name))
		if !ok {
			return nil, fmt.Errorf("unknown column %q", name)
		}
		fields[i] = f
	}

	return func() (schema.Record, error) {
		cells, err := cr.Read()
		if err != nil {
			return nil, err
		}
		rec := make(schema.Record, len(cells))
		for i, cell := range cells {
			v, err := parseCell(fields[i], cell)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", fields[i].Name, err)
			}
			rec[fields[i].Name] = v
		}
		return rec, nil
	}, nil
}

func parseCell(f schema.Field, cell string) (any, error) {
	if cell == "" {
		return nil, nil
	}
	switch f.Type {
	case schema.TypeInt64:
		return strconv.ParseInt(cell, 10, 64)
	case schema.TypeFloat64:
		return strconv.ParseFloat(cell, 64)
	case schema.TypeBool:
		return strconv.ParseBool(cell)
	case schema.TypeBytes:
		return []byte(cell), nil
	case schema.TypeVector:
		var v []float64
		if err := json.Unmarshal([]byte(cell), &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return cell, nil
}
