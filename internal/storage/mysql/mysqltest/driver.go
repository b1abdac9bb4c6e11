// Package mysqltest provides a scripted database/sql driver for unit tests of
// MySQL-backed stores. Each expected operation is consumed in order and the
// SQL text is compared after whitespace normalisation.
package mysqltest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// OpType identifies the kind of scripted operation.
type OpType int

const (
	OpExec OpType = iota
	OpQuery
	OpBegin
	OpCommit
	OpRollback
)

func (t OpType) String() string {
	switch t {
	case OpExec:
		return "exec"
	case OpQuery:
		return "query"
	case OpBegin:
		return "begin"
	case OpCommit:
		return "commit"
	case OpRollback:
		return "rollback"
	default:
		return fmt.Sprintf("op(%d)", int(t))
	}
}

// Operation is one scripted call.
type Operation struct {
	Type   OpType
	Query  string
	Result Result
	Rows   Rows
	Err    error
}

// Result is returned from scripted Exec calls.
type Result struct {
	LastInsertID int64
	Affected     int64
}

func (r Result) LastInsertId() (int64, error) { return r.LastInsertID, nil }
func (r Result) RowsAffected() (int64, error) { return r.Affected, nil }

// Rows is returned from scripted Query calls.
type Rows struct {
	Columns []string
	Values  [][]driver.Value
}

// Exec expects an ExecContext call with query.
func Exec(query string, result Result) Operation {
	return Operation{Type: OpExec, Query: query, Result: result}
}

// ExecErr expects an ExecContext call that fails with err.
func ExecErr(query string, err error) Operation {
	return Operation{Type: OpExec, Query: query, Err: err}
}

// Query expects a QueryContext call with query.
func Query(query string, rows Rows) Operation {
	return Operation{Type: OpQuery, Query: query, Rows: rows}
}

func Begin() Operation    { return Operation{Type: OpBegin} }
func Commit() Operation   { return Operation{Type: OpCommit} }
func Rollback() Operation { return Operation{Type: OpRollback} }

// Driver replays a fixed list of operations.
type Driver struct {
	mu   sync.Mutex
	ops  []Operation
	idx  int
	args [][]driver.Value
}

var driverSeq atomic.Int32

// Open registers a new scripted driver and returns a single-connection pool
// bound to it. The pool is closed and the script checked at test cleanup.
func Open(t testing.TB, ops ...Operation) (*sql.DB, *Driver) {
	t.Helper()

	drv := &Driver{ops: ops}
	name := fmt.Sprintf("mysqltest-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() {
		db.Close()
		drv.AssertConsumed(t)
	})
	return db, drv
}

// AssertConsumed fails the test when scripted operations were left unused.
func (d *Driver) AssertConsumed(t testing.TB) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx != len(d.ops) {
		t.Errorf("not all operations consumed: %d/%d", d.idx, len(d.ops))
	}
}

// Args returns the arguments of the n-th Exec or Query call.
func (d *Driver) Args(n int) []driver.Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < 0 || n >= len(d.args) {
		return nil
	}
	return d.args[n]
}

func (d *Driver) Open(string) (driver.Conn, error) {
	return &conn{driver: d}, nil
}

func (d *Driver) next(expected OpType, query string, args []driver.NamedValue) (*Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &d.ops[d.idx]
	if op.Type != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.Type, expected)
	}
	d.idx++
	if expected == OpExec || expected == OpQuery {
		values := make([]driver.Value, len(args))
		for i, arg := range args {
			values[i] = arg.Value
		}
		d.args = append(d.args, values)
	}
	if op.Query != "" {
		want := NormalizeSQL(op.Query)
		got := NormalizeSQL(query)
		if want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
		}
	}
	return op, nil
}

type conn struct {
	driver *Driver
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(OpBegin, "", nil)
	if err != nil {
		return nil, err
	}
	if op.Err != nil {
		return nil, op.Err
	}
	return &tx{driver: c.driver}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(OpExec, query, args)
	if err != nil {
		return nil, err
	}
	if op.Err != nil {
		return nil, op.Err
	}
	return op.Result, nil
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(OpQuery, query, args)
	if err != nil {
		return nil, err
	}
	if op.Err != nil {
		return nil, op.Err
	}
	return &rows{columns: op.Rows.Columns, values: op.Rows.Values}, nil
}

func (c *conn) Ping(context.Context) error { return nil }

type tx struct {
	driver *Driver
}

func (t *tx) Commit() error {
	op, err := t.driver.next(OpCommit, "", nil)
	if err != nil {
		return err
	}
	return op.Err
}

func (t *tx) Rollback() error {
	op, err := t.driver.next(OpRollback, "", nil)
	if err != nil {
		return err
	}
	return op.Err
}

type rows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

// NormalizeSQL collapses whitespace so scripted queries can be indented freely.
func NormalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
