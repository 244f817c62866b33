// Package storage persists table catalogs, rows and index snapshots.
package storage

import (
	"context"
	"errors"

	"vectable/internal/schema"
)

var (
	ErrTableExists   = errors.New("storage: table already exists")
	ErrTableNotFound = errors.New("storage: table not found")
	ErrDuplicateRow  = errors.New("storage: duplicate row id")
)

// Row is a stored row: a generated ID plus one value per schema field.
type Row struct {
	ID     string
	Values schema.Row
}

// Store holds tables. Append is atomic: either every row of the call is
// stored or none is.
type Store interface {
	// CreateTable registers a table with its serialized schema descriptor.
	CreateTable(ctx context.Context, name string, descriptor []byte) error
	// Descriptor returns the table's serialized schema descriptor.
	Descriptor(ctx context.Context, name string) ([]byte, error)
	// TableNames lists tables in name order.
	TableNames(ctx context.Context) ([]string, error)
	// DropTable removes a table and everything stored for it.
	DropTable(ctx context.Context, name string) error

	Append(ctx context.Context, table string, fields []schema.Field, rows []Row) error
	// Scan visits rows in insertion order until fn returns an error.
	Scan(ctx context.Context, table string, fields []schema.Field, fn func(Row) error) error
	Get(ctx context.Context, table string, fields []schema.Field, ids []string) ([]Row, error)
	// Delete removes rows by ID and reports how many existed.
	Delete(ctx context.Context, table string, ids []string) (int, error)
	Count(ctx context.Context, table string) (int, error)

	// SaveSnapshot stores a serialized index for a vector column.
	SaveSnapshot(ctx context.Context, table, column string, data []byte) error
	// LoadSnapshot returns nil when no snapshot is stored.
	LoadSnapshot(ctx context.Context, table, column string) ([]byte, error)

	Close() error
}
