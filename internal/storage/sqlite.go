package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"vectable/internal/database"
	"vectable/internal/schema"
)

// SQLite is a persistent Store on the migrated vectable database.
type SQLite struct {
	db   *sql.DB
	owns bool
}

var _ Store = (*SQLite)(nil)

// NewSQLite wraps a database already configured by database.Open. Close
// does not close db.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// OpenSQLite opens and migrates the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := database.Open(path)
	if err != nil {
		return nil, err
	}
	return &SQLite{db: db, owns: true}, nil
}

// DB returns the underlying database.
func (s *SQLite) DB() *sql.DB { return s.db }

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLite) CreateTable(ctx context.Context, name string, descriptor []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO vector_tables (name, descriptor) VALUES (?, ?)", name, string(descriptor))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrTableExists, name)
	}
	return err
}

func (s *SQLite) Descriptor(ctx context.Context, name string) ([]byte, error) {
	var desc string
	err := s.db.QueryRowContext(ctx, "SELECT descriptor FROM vector_tables WHERE name = ?", name).Scan(&desc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return []byte(desc), nil
}

func (s *SQLite) TableNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM vector_tables ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLite) DropTable(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM row_vectors WHERE table_name = ?",
		"DELETE FROM table_rows WHERE table_name = ?",
		"DELETE FROM index_snapshots WHERE table_name = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, name); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM vector_tables WHERE name = ?", name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return tx.Commit()
}

func (s *SQLite) checkTable(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, name string) error {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM vector_tables WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return err
}

// Append stores rows in one transaction.
func (s *SQLite) Append(ctx context.Context, table string, fields []schema.Field, rows []Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.checkTable(ctx, tx, table); err != nil {
		return err
	}
	var seq int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM table_rows WHERE table_name = ?", table).Scan(&seq); err != nil {
		return err
	}

	rowStmt, err := tx.PrepareContext(ctx,
		"INSERT INTO table_rows (table_name, id, seq, data) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer rowStmt.Close()

	vecStmt, err := tx.PrepareContext(ctx,
		"INSERT INTO row_vectors (table_name, id, column_name, embedding) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer vecStmt.Close()

	for _, r := range rows {
		if len(r.Values) != len(fields) {
			return fmt.Errorf("row %s has %d values, expected %d", r.ID, len(r.Values), len(fields))
		}
		data, err := encodeValues(fields, r.Values)
		if err != nil {
			return fmt.Errorf("row %s: %w", r.ID, err)
		}
		seq++
		if _, err := rowStmt.ExecContext(ctx, table, r.ID, seq, string(data)); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateRow, r.ID)
			}
			return err
		}
		for i, f := range fields {
			if f.Type != schema.TypeVector || r.Values[i] == nil {
				continue
			}
			vec, ok := r.Values[i].([]float32)
			if !ok {
				return fmt.Errorf("row %s field %s: expected []float32, got %T", r.ID, f.Name, r.Values[i])
			}
			if _, err := vecStmt.ExecContext(ctx, table, r.ID, f.Name, encodeFloat32Slice(vec)); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

const rowSelect = `
	SELECT r.id, r.data, v.column_name, v.embedding
	FROM table_rows r
	LEFT JOIN row_vectors v ON v.table_name = r.table_name AND v.id = r.id
	WHERE r.table_name = ?`

// scanRows groups the joined row/vector lines into Rows, calling fn once
// per row in seq order.
func scanRows(rows *sql.Rows, fields []schema.Field, fn func(Row) error) error {
	vecIdx := make(map[string]int)
	for i, f := range fields {
		if f.Type == schema.TypeVector {
			vecIdx[f.Name] = i
		}
	}

	var cur *Row
	for rows.Next() {
		var (
			id, data string
			column   sql.NullString
			blob     []byte
		)
		if err := rows.Scan(&id, &data, &column, &blob); err != nil {
			return err
		}
		if cur == nil || cur.ID != id {
			if cur != nil {
				if err := fn(*cur); err != nil {
					return err
				}
			}
			values, err := decodeValues(fields, []byte(data))
			if err != nil {
				return fmt.Errorf("row %s: %w", id, err)
			}
			cur = &Row{ID: id, Values: values}
		}
		if column.Valid {
			if i, ok := vecIdx[column.String]; ok {
				cur.Values[i] = decodeFloat32Slice(blob)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if cur != nil {
		return fn(*cur)
	}
	return nil
}

func (s *SQLite) Scan(ctx context.Context, table string, fields []schema.Field, fn func(Row) error) error {
	if err := s.checkTable(ctx, s.db, table); err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, rowSelect+" ORDER BY r.seq", table)
	if err != nil {
		return err
	}
	defer rows.Close()
	return scanRows(rows, fields, fn)
}

// Get returns the stored rows among ids, in the order of ids.
func (s *SQLite) Get(ctx context.Context, table string, fields []schema.Field, ids []string) ([]Row, error) {
	if err := s.checkTable(ctx, s.db, table); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, table)
	for _, id := range ids {
		args = append(args, id)
	}
	q := rowSelect + " AND r.id IN (" + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + ") ORDER BY r.seq"
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[string]Row, len(ids))
	if err := scanRows(rows, fields, func(r Row) error {
		found[r.ID] = r
		return nil
	}); err != nil {
		return nil, err
	}
	out := make([]Row, 0, len(found))
	for _, id := range ids {
		if r, ok := found[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *SQLite) Delete(ctx context.Context, table string, ids []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := s.checkTable(ctx, tx, table); err != nil {
		return 0, err
	}
	vecStmt, err := tx.PrepareContext(ctx, "DELETE FROM row_vectors WHERE table_name = ? AND id = ?")
	if err != nil {
		return 0, err
	}
	defer vecStmt.Close()
	rowStmt, err := tx.PrepareContext(ctx, "DELETE FROM table_rows WHERE table_name = ? AND id = ?")
	if err != nil {
		return 0, err
	}
	defer rowStmt.Close()

	deleted := 0
	for _, id := range ids {
		if _, err := vecStmt.ExecContext(ctx, table, id); err != nil {
			return 0, err
		}
		res, err := rowStmt.ExecContext(ctx, table, id)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		deleted += int(n)
	}
	return deleted, tx.Commit()
}

func (s *SQLite) Count(ctx context.Context, table string) (int, error) {
	if err := s.checkTable(ctx, s.db, table); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM table_rows WHERE table_name = ?", table).Scan(&n)
	return n, err
}

func (s *SQLite) SaveSnapshot(ctx context.Context, table, column string, data []byte) error {
	if err := s.checkTable(ctx, s.db, table); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO index_snapshots (table_name, column_name, data, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (table_name, column_name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		table, column, data)
	return err
}

func (s *SQLite) LoadSnapshot(ctx context.Context, table, column string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM index_snapshots WHERE table_name = ? AND column_name = ?", table, column).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return data, err
}

// Close closes the database when the store opened it.
func (s *SQLite) Close() error {
	if s.owns {
		return s.db.Close()
	}
	return nil
}

// cacheChunk bounds the number of keys per lookup query.
const cacheChunk = 500

// GetEmbeddings implements embeddings.Cache over the embedding_cache table.
func (s *SQLite) GetEmbeddings(ctx context.Context, keys []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(keys))
	for start := 0; start < len(keys); start += cacheChunk {
		chunk := keys[start:min(start+cacheChunk, len(keys))]
		args := make([]any, len(chunk))
		for i, k := range chunk {
			args[i] = k
		}
		q := "SELECT key, dims, embedding FROM embedding_cache WHERE key IN (" +
			strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",") + ")"
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var (
				key  string
				dims int
				blob []byte
			)
			if err := rows.Scan(&key, &dims, &blob); err != nil {
				rows.Close()
				return nil, err
			}
			if vec := decodeFloat32Slice(blob); len(vec) == dims {
				out[key] = vec
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// PutEmbeddings implements embeddings.Cache.
func (s *SQLite) PutEmbeddings(ctx context.Context, entries map[string][]float32) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO embedding_cache (key, dims, embedding) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for key, vec := range entries {
		if _, err := stmt.ExecContext(ctx, key, len(vec), encodeFloat32Slice(vec)); err != nil {
			return err
		}
	}
	return tx.Commit()
}
