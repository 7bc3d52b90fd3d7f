package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/models"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the authoritative Local Store. Each method runs as its own
// all-or-nothing transaction; Update groups several operations, across
// tables and the sync queue, into one.
type Store struct {
	db *sql.DB

	// upsert statements are built once per table
	upserts sync.Map // map[string]string
}

// NewStore creates a Store on an opened, migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Tx is a Local Store transaction.
type Tx struct {
	tx *sql.Tx
	s  *Store
}

// Querier exposes the transaction to packages that own their own tables.
func (t *Tx) Querier() Querier {
	return t.tx
}

// Update runs fn inside a single transaction. If fn returns an error or the
// commit fails, nothing fn wrote is kept.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx, s: s}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return storageError("commit transaction", err)
	}
	return nil
}

// Put inserts or replaces record in table.
func (s *Store) Put(ctx context.Context, table string, record models.Record) error {
	return s.put(ctx, s.db, table, record)
}

// Get decodes the record stored under key into dst.
func (s *Store) Get(ctx context.Context, table, key string, dst any) error {
	return s.get(ctx, s.db, table, key, dst)
}

// GetAll returns every record document in table, oldest first.
func (s *Store) GetAll(ctx context.Context, table string) ([]json.RawMessage, error) {
	return s.getAll(ctx, s.db, table)
}

// GetAllByIndex returns the record documents whose index equals value.
func (s *Store) GetAllByIndex(ctx context.Context, table, index string, value any) ([]json.RawMessage, error) {
	return s.getAllByIndex(ctx, s.db, table, index, value)
}

// Delete removes the record stored under key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, table, key string) error {
	return s.delete(ctx, s.db, table, key)
}

// Put inserts or replaces record in table within the transaction.
func (t *Tx) Put(ctx context.Context, table string, record models.Record) error {
	return t.s.put(ctx, t.tx, table, record)
}

// Get decodes the record stored under key into dst within the transaction.
func (t *Tx) Get(ctx context.Context, table, key string, dst any) error {
	return t.s.get(ctx, t.tx, table, key, dst)
}

// GetAllByIndex returns matching record documents within the transaction.
func (t *Tx) GetAllByIndex(ctx context.Context, table, index string, value any) ([]json.RawMessage, error) {
	return t.s.getAllByIndex(ctx, t.tx, table, index, value)
}

// Delete removes a record within the transaction.
func (t *Tx) Delete(ctx context.Context, table, key string) error {
	return t.s.delete(ctx, t.tx, table, key)
}

func lookup(table string) (TableDef, error) {
	def, ok := Schema[table]
	if !ok {
		return TableDef{}, errors.New(errors.ErrInvalid, fmt.Sprintf("unknown table %q", table))
	}
	return def, nil
}

func storageError(op string, err error) error {
	return errors.Wrap(errors.ErrStorage, op, err)
}

func (s *Store) upsertQuery(def TableDef) string {
	if q, ok := s.upserts.Load(def.Name); ok {
		return q.(string)
	}

	cols := []string{"id", "doc", "created_at", "updated_at"}
	for _, idx := range def.Indexes {
		cols = append(cols, idx.Column)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	updates := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		def.SQLName, strings.Join(cols, ", "), placeholders, strings.Join(updates, ", "))
	s.upserts.Store(def.Name, q)
	return q
}

func (s *Store) put(ctx context.Context, q Querier, table string, record models.Record) error {
	def, err := lookup(table)
	if err != nil {
		return err
	}
	key := record.RecordKey()
	if key == "" {
		return errors.New(errors.ErrInvalid, "record has no key")
	}

	doc, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "encode record", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(doc, &fields); err != nil {
		return errors.Wrap(errors.ErrInvalid, "decode record fields", err)
	}

	args := []any{key, string(doc), int64Field(fields, "created_at"), int64Field(fields, "updated_at")}
	for _, idx := range def.Indexes {
		args = append(args, columnValue(fields[idx.Field]))
	}

	if _, err := q.ExecContext(ctx, s.upsertQuery(def), args...); err != nil {
		return storageError("put "+table, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, q Querier, table, key string, dst any) error {
	def, err := lookup(table)
	if err != nil {
		return err
	}

	var doc string
	err = q.QueryRowContext(ctx, fmt.Sprintf("SELECT doc FROM %s WHERE id = ?", def.SQLName), key).Scan(&doc)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.New(errors.ErrNotFound, fmt.Sprintf("%s %q not found", table, key))
	}
	if err != nil {
		return storageError("get "+table, err)
	}
	if err := json.Unmarshal([]byte(doc), dst); err != nil {
		return storageError("decode "+table, err)
	}
	return nil
}

func (s *Store) getAll(ctx context.Context, q Querier, table string) ([]json.RawMessage, error) {
	def, err := lookup(table)
	if err != nil {
		return nil, err
	}
	return queryDocs(ctx, q, table,
		fmt.Sprintf("SELECT doc FROM %s ORDER BY created_at, id", def.SQLName))
}

func (s *Store) getAllByIndex(ctx context.Context, q Querier, table, index string, value any) ([]json.RawMessage, error) {
	def, err := lookup(table)
	if err != nil {
		return nil, err
	}
	idx, ok := def.index(index)
	if !ok {
		return nil, errors.New(errors.ErrInvalid, fmt.Sprintf("table %q has no index %q", table, index))
	}
	return queryDocs(ctx, q, table,
		fmt.Sprintf("SELECT doc FROM %s WHERE %s = ? ORDER BY created_at, id", def.SQLName, idx.Column),
		columnValue(value))
}

func (s *Store) delete(ctx context.Context, q Querier, table, key string) error {
	def, err := lookup(table)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", def.SQLName), key); err != nil {
		return storageError("delete "+table, err)
	}
	return nil
}

func queryDocs(ctx context.Context, q Querier, table, query string, args ...any) ([]json.RawMessage, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError("query "+table, err)
	}
	defer rows.Close()

	var docs []json.RawMessage
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, storageError("scan "+table, err)
		}
		docs = append(docs, json.RawMessage(doc))
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate "+table, err)
	}
	return docs, nil
}

// columnValue converts a JSON field into the value stored in an index column.
func columnValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case bool:
		if val {
			return 1
		}
		return 0
	case float64:
		return val
	case string:
		if val == "" {
			return nil
		}
		return val
	default:
		return fmt.Sprint(val)
	}
}

func int64Field(fields map[string]any, name string) int64 {
	if f, ok := fields[name].(float64); ok {
		return int64(f)
	}
	return 0
}

// DecodeAll decodes record documents into a typed slice.
func DecodeAll[T any](docs []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, storageError("decode record", err)
		}
		out = append(out, v)
	}
	return out, nil
}
