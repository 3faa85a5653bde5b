// Package sqlstore is a store.Store over a Postgres table with one column per
// level and a value column, using database/sql with lib/pq.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"

	"github.com/unkn0wn-root/triecache/codec"
	"github.com/unkn0wn-root/triecache/store"
	"github.com/unkn0wn-root/triecache/trie"
)

// maxParams is the Postgres limit on bind parameters per statement.
const maxParams = 65535

const valueCol = `"value"`

type Options[V any] struct {
	DB     *sql.DB
	Table  string
	Levels []trie.Level // outermost first; names become column names
	Codec  codec.Codec[V]
}

type Store[V any] struct {
	db     *sql.DB
	table  string
	cols   []string
	levels []trie.Level
	codec  codec.Codec[V]
}

var _ store.Store[int] = (*Store[int])(nil)

func New[V any](opts Options[V]) (*Store[V], error) {
	if opts.DB == nil {
		return nil, errors.New("sqlstore: DB is required")
	}
	if opts.Codec == nil {
		return nil, errors.New("sqlstore: Codec is required")
	}
	if opts.Table == "" {
		return nil, errors.New("sqlstore: Table is required")
	}
	if err := trie.CheckLevels(opts.Levels); err != nil {
		return nil, err
	}
	s := &Store[V]{
		db:     opts.DB,
		table:  pq.QuoteIdentifier(opts.Table),
		levels: append([]trie.Level(nil), opts.Levels...),
		codec:  opts.Codec,
	}
	for _, l := range opts.Levels {
		s.cols = append(s.cols, pq.QuoteIdentifier(l.Name))
	}
	return s, nil
}

// EnsureSchema creates the table when missing. The primary key over the
// level columns is what turns duplicate inserts into collisions.
func (s *Store[V]) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.createQuery())
	return errors.Wrap(err, "sqlstore: create table")
}

func (s *Store[V]) createQuery() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (", s.table)
	for i, c := range s.cols {
		typ := "TEXT"
		if s.levels[i].Kind == trie.KindInt {
			typ = "BIGINT"
		}
		fmt.Fprintf(&b, "%s %s NOT NULL, ", c, typ)
	}
	fmt.Fprintf(&b, "%s BYTEA NOT NULL, PRIMARY KEY (%s))", valueCol, strings.Join(s.cols, ", "))
	return b.String()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store[V]) Select(ctx context.Context, sel *trie.Selector) ([]trie.Row[V], error) {
	q, args := s.selectQuery(sel)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: select")
	}
	defer rows.Close()

	var out []trie.Row[V]
	ints := make([]int64, len(s.cols))
	strs := make([]string, len(s.cols))
	dest := make([]any, len(s.cols)+1)
	for i, l := range s.levels {
		if l.Kind == trie.KindInt {
			dest[i] = &ints[i]
		} else {
			dest[i] = &strs[i]
		}
	}
	var raw []byte
	dest[len(s.cols)] = &raw
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, errors.Wrap(err, "sqlstore: scan")
		}
		var p trie.Path
		for i, l := range s.levels {
			if l.Kind == trie.KindInt {
				p = p.Append(trie.Int(ints[i]))
			} else {
				p = p.Append(trie.Str(strs[i]))
			}
		}
		v, err := s.codec.Decode(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "sqlstore: decode %s", p)
		}
		out = append(out, trie.Row[V]{Path: p, Value: v})
	}
	return out, errors.Wrap(rows.Err(), "sqlstore: select")
}

func (s *Store[V]) selectQuery(sel *trie.Selector) (string, []any) {
	w := where{cols: s.cols}
	pred := w.build(sel)
	cols := strings.Join(s.cols, ", ")
	q := "SELECT " + cols + ", " + valueCol + " FROM " + s.table
	if pred != "" {
		q += " WHERE " + pred
	}
	return q + " ORDER BY " + cols, w.args
}

// InsertMulti inserts rows; batches over the parameter limit run in one
// transaction so the insert stays all-or-nothing.
func (s *Store[V]) InsertMulti(ctx context.Context, rows []trie.Row[V]) error {
	if len(rows) == 0 {
		return nil
	}
	if len(rows) <= s.chunk() {
		return s.insert(ctx, s.db, rows)
	}
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.InsertMulti(ctx, rows); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store[V]) chunk() int { return maxParams / (len(s.cols) + 1) }

func (s *Store[V]) insert(ctx context.Context, q querier, rows []trie.Row[V]) error {
	for len(rows) > 0 {
		n := min(len(rows), s.chunk())
		stmt, args, err := s.insertQuery(rows[:n])
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, stmt, args...); err != nil {
			return classify(err, "insert")
		}
		rows = rows[n:]
	}
	return nil
}

func (s *Store[V]) insertQuery(rows []trie.Row[V]) (string, []any, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s, %s) VALUES ", s.table, strings.Join(s.cols, ", "), valueCol)
	args := make([]any, 0, len(rows)*(len(s.cols)+1))
	for i, r := range rows {
		if r.Path.Len() != len(s.cols) {
			return "", nil, errors.Newf("sqlstore: row %s has %d levels, want %d", r.Path, r.Path.Len(), len(s.cols))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := 0; j < r.Path.Len(); j++ {
			args = append(args, keyArg(r.Path.At(j)))
			b.WriteString("$" + strconv.Itoa(len(args)) + ", ")
		}
		raw, err := s.codec.Encode(r.Value)
		if err != nil {
			return "", nil, errors.Wrapf(err, "sqlstore: encode %s", r.Path)
		}
		args = append(args, raw)
		b.WriteString("$" + strconv.Itoa(len(args)) + ")")
	}
	return b.String(), args, nil
}

func (s *Store[V]) Upsert(ctx context.Context, row trie.Row[V]) error {
	return s.upsert(ctx, s.db, row)
}

func (s *Store[V]) upsert(ctx context.Context, q querier, row trie.Row[V]) error {
	stmt, args, err := s.insertQuery([]trie.Row[V]{row})
	if err != nil {
		return err
	}
	stmt += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s = EXCLUDED.%s", strings.Join(s.cols, ", "), valueCol, valueCol)
	_, err = q.ExecContext(ctx, stmt, args...)
	return classify(err, "upsert")
}

func (s *Store[V]) Delete(ctx context.Context, sel *trie.Selector) (int64, error) {
	return s.delete(ctx, s.db, sel)
}

func (s *Store[V]) delete(ctx context.Context, q querier, sel *trie.Selector) (int64, error) {
	stmt, args := s.deleteQuery(sel)
	return affected(q.ExecContext(ctx, stmt, args...))
}

func (s *Store[V]) deleteQuery(sel *trie.Selector) (string, []any) {
	w := where{cols: s.cols}
	q := "DELETE FROM " + s.table
	if pred := w.build(sel); pred != "" {
		q += " WHERE " + pred
	}
	return q, w.args
}

func (s *Store[V]) DeleteLevel(ctx context.Context, level int, keys []trie.Key) (int64, error) {
	if level < 1 || level > len(s.cols) {
		return 0, errors.Newf("sqlstore: level %d outside 1..%d", level, len(s.cols))
	}
	if len(keys) == 0 {
		return 0, nil
	}
	col := s.cols[len(s.cols)-level]
	stmt := "DELETE FROM " + s.table + " WHERE " + col + " = ANY($1)"
	return affected(s.db.ExecContext(ctx, stmt, keysArg(keys)))
}

func (s *Store[V]) Truncate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "TRUNCATE TABLE "+s.table)
	return errors.Wrap(err, "sqlstore: truncate")
}

func (s *Store[V]) Begin(ctx context.Context) (store.Tx[V], error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: begin")
	}
	return &txn[V]{s: s, tx: tx}, nil
}

type txn[V any] struct {
	s  *Store[V]
	tx *sql.Tx
}

func (t *txn[V]) InsertMulti(ctx context.Context, rows []trie.Row[V]) error {
	return t.s.insert(ctx, t.tx, rows)
}

func (t *txn[V]) Upsert(ctx context.Context, row trie.Row[V]) error {
	return t.s.upsert(ctx, t.tx, row)
}

func (t *txn[V]) Delete(ctx context.Context, sel *trie.Selector) (int64, error) {
	return t.s.delete(ctx, t.tx, sel)
}

func (t *txn[V]) Commit() error   { return txErr(t.tx.Commit(), "commit") }
func (t *txn[V]) Rollback() error { return txErr(t.tx.Rollback(), "rollback") }

func txErr(err error, op string) error {
	if errors.Is(err, sql.ErrTxDone) {
		return store.ErrTxDone
	}
	return errors.Wrapf(err, "sqlstore: %s", op)
}

func affected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, errors.Wrap(err, "sqlstore: delete")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "sqlstore: rows affected")
}

// classify maps unique violations to store.ErrCollision.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return errors.Wrapf(store.ErrCollision, "sqlstore: %s: %s", op, pqErr.Detail)
	}
	return errors.Wrapf(err, "sqlstore: %s", op)
}
