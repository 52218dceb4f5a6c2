package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type execCall struct {
	sql  string
	args []any
}

// fakeDB records statements and serves canned query results.
type fakeDB struct {
	execs     []execCall
	execErr   error
	queries   []execCall
	rows      []row
	queryErr  error
	batches   []*pgx.Batch
	batchErr  error
	failAfter int
	closed    bool
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.queries = append(f.queries, execCall{sql: sql, args: args})
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &fakeRows{rows: f.rows, idx: -1}, nil
}

func (f *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.batches = append(f.batches, b)
	return &fakeBatchResults{db: f}
}

func (f *fakeDB) Ping(context.Context) error { return nil }

func (f *fakeDB) Close() { f.closed = true }

type fakeBatchResults struct {
	db   *fakeDB
	seen int
}

func (r *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	r.seen++
	if r.db.batchErr != nil && r.seen > r.db.failAfter {
		return pgconn.CommandTag{}, r.db.batchErr
	}
	return pgconn.CommandTag{}, nil
}

func (r *fakeBatchResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }

func (r *fakeBatchResults) QueryRow() pgx.Row { return nil }

func (r *fakeBatchResults) Close() error { return nil }

type fakeRows struct {
	rows []row
	idx  int
}

func (r *fakeRows) Close() {}

func (r *fakeRows) Err() error { return nil }

func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	src := r.rows[r.idx].args()
	if len(dest) != len(src) {
		return fmt.Errorf("scan: %d targets for %d columns", len(dest), len(src))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = src[i].(string)
		case *time.Time:
			*p = src[i].(time.Time)
		case *float64:
			*p = src[i].(float64)
		default:
			return fmt.Errorf("scan: unsupported target %T", d)
		}
	}
	return nil
}

func (r *fakeRows) Values() ([]any, error) { return r.rows[r.idx].args(), nil }

func (r *fakeRows) RawValues() [][]byte { return nil }

func (r *fakeRows) Conn() *pgx.Conn { return nil }
