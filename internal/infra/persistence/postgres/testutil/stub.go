// Package testutil provides an in-memory database/sql driver emulating the
// narrow slice of Postgres the registry store uses, so store logic can run
// in tests without a server.
//
// The dialect is deliberately small: single-table statements, equality
// predicates joined by AND, and positional placeholders that appear in
// argument order. That covers every statement the store issues.
package testutil

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

// StubConn is a fake Postgres connection backed by in-memory tables.
type StubConn struct {
	Execs  []string
	Tables map[string][]map[string]any

	FailPing   bool
	FailExec   bool
	FailBegin  bool
	FailCommit bool
	RowsErr    bool
	FailTables map[string]bool
}

var (
	_ driver.Conn           = (*StubConn)(nil)
	_ driver.Pinger         = (*StubConn)(nil)
	_ driver.ExecerContext  = (*StubConn)(nil)
	_ driver.QueryerContext = (*StubConn)(nil)
	_ driver.ConnBeginTx    = (*StubConn)(nil)
)

var stubSeq atomic.Int64

// NewStubDB registers a fresh stub driver and opens a handle bound to it.
// Every connection in the pool shares the same StubConn and table state.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Tables: map[string][]map[string]any{}}
	name := fmt.Sprintf("stubpg%d", stubSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

type stubDriver struct{ conn *StubConn }

func (d *stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

func (c *StubConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepared statements not supported")
}

func (c *StubConn) Close() error { return nil }

func (c *StubConn) Begin() (driver.Tx, error) {
	if c.FailBegin {
		return nil, errors.New("begin failed")
	}
	return stubTx{conn: c}, nil
}

func (c *StubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	return c.Begin()
}

func (c *StubConn) Ping(context.Context) error {
	if c.FailPing {
		return errors.New("ping failed")
	}
	return nil
}

type stubTx struct{ conn *StubConn }

func (t stubTx) Commit() error {
	if t.conn.FailCommit {
		return errors.New("commit failed")
	}
	return nil
}

func (t stubTx) Rollback() error { return nil }

func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.Execs = append(c.Execs, query)
	if c.FailExec {
		return nil, errors.New("exec failed")
	}
	q := strings.ToLower(strings.TrimSpace(query))
	vals := namedValues(args)
	switch {
	case strings.HasPrefix(q, "insert into "):
		return c.execInsert(q, vals)
	case strings.HasPrefix(q, "update "):
		return c.execUpdate(q, vals)
	case strings.HasPrefix(q, "delete from "):
		return c.execDelete(q, vals)
	default:
		// DDL and anything else is accepted without effect.
		return driver.RowsAffected(1), nil
	}
}

func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if c.RowsErr {
		return nil, errors.New("query failed")
	}
	q := strings.ToLower(strings.TrimSpace(query))
	cols, table, whereCols, err := parseSelect(q)
	if err != nil {
		return nil, err
	}
	if c.FailTables[table] {
		return nil, fmt.Errorf("table %s unavailable", table)
	}
	vals := namedValues(args)
	if len(vals) != len(whereCols) {
		return nil, fmt.Errorf("select from %s: %d values for %d predicates", table, len(vals), len(whereCols))
	}
	var out [][]driver.Value
	for _, row := range c.Tables[table] {
		if !matchesWhere(row, whereCols, vals) {
			continue
		}
		rec := make([]driver.Value, len(cols))
		for i, col := range cols {
			rec[i] = row[col]
		}
		out = append(out, rec)
	}
	return &stubRows{cols: cols, rows: out}, nil
}

func (c *StubConn) execInsert(q string, vals []any) (driver.Result, error) {
	table, cols, err := parseInsert(q)
	if err != nil {
		return nil, err
	}
	if len(vals) != len(cols) {
		return nil, fmt.Errorf("insert into %s: %d values for %d columns", table, len(vals), len(cols))
	}
	row := make(map[string]any, len(cols))
	for i, col := range cols {
		row[col] = vals[i]
	}
	if conflictCols, doUpdate, ok := parseConflict(q); ok {
		for i, existing := range c.Tables[table] {
			if !matchesKey(existing, row, conflictCols) {
				continue
			}
			if doUpdate {
				c.Tables[table][i] = row
				return driver.RowsAffected(1), nil
			}
			return driver.RowsAffected(0), nil
		}
	}
	c.Tables[table] = append(c.Tables[table], row)
	return driver.RowsAffected(1), nil
}

func (c *StubConn) execUpdate(q string, vals []any) (driver.Result, error) {
	rest := strings.TrimPrefix(q, "update ")
	setIdx := strings.Index(rest, " set ")
	if setIdx < 0 {
		return nil, fmt.Errorf("unparseable update: %s", q)
	}
	table := strings.TrimSpace(rest[:setIdx])
	rest = rest[setIdx+len(" set "):]
	setPart := rest
	var wherePart string
	if whereIdx := strings.Index(rest, " where "); whereIdx >= 0 {
		setPart, wherePart = rest[:whereIdx], rest[whereIdx+len(" where "):]
	}
	setCols := leftSides(setPart, ",")
	whereCols := leftSides(wherePart, " and ")
	if len(vals) != len(setCols)+len(whereCols) {
		return nil, fmt.Errorf("update %s: %d values for %d placeholders", table, len(vals), len(setCols)+len(whereCols))
	}
	setVals, whereVals := vals[:len(setCols)], vals[len(setCols):]
	affected := int64(0)
	for _, row := range c.Tables[table] {
		if !matchesWhere(row, whereCols, whereVals) {
			continue
		}
		for i, col := range setCols {
			row[col] = setVals[i]
		}
		affected++
	}
	return driver.RowsAffected(affected), nil
}

func (c *StubConn) execDelete(q string, vals []any) (driver.Result, error) {
	rest := strings.TrimPrefix(q, "delete from ")
	table := strings.TrimSpace(rest)
	var whereCols []string
	if whereIdx := strings.Index(rest, " where "); whereIdx >= 0 {
		table = strings.TrimSpace(rest[:whereIdx])
		whereCols = leftSides(rest[whereIdx+len(" where "):], " and ")
	}
	if len(vals) != len(whereCols) {
		return nil, fmt.Errorf("delete from %s: %d values for %d predicates", table, len(vals), len(whereCols))
	}
	var kept []map[string]any
	affected := int64(0)
	for _, row := range c.Tables[table] {
		if matchesWhere(row, whereCols, vals) {
			affected++
			continue
		}
		kept = append(kept, row)
	}
	c.Tables[table] = kept
	return driver.RowsAffected(affected), nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }

func (r *stubRows) Close() error { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

func parseInsert(q string) (string, []string, error) {
	rest := strings.TrimPrefix(q, "insert into ")
	open := strings.Index(rest, "(")
	closeIdx := strings.Index(rest, ")")
	if open < 0 || closeIdx < open {
		return "", nil, fmt.Errorf("unparseable insert: %s", q)
	}
	return strings.TrimSpace(rest[:open]), splitColumns(rest[open+1 : closeIdx]), nil
}

func parseConflict(q string) (cols []string, doUpdate, ok bool) {
	idx := strings.Index(q, " on conflict ")
	if idx < 0 {
		return nil, false, false
	}
	rest := q[idx+len(" on conflict "):]
	open := strings.Index(rest, "(")
	closeIdx := strings.Index(rest, ")")
	if open < 0 || closeIdx < open {
		return nil, false, false
	}
	return splitColumns(rest[open+1 : closeIdx]), strings.Contains(rest, "do update"), true
}

func parseSelect(q string) (cols []string, table string, whereCols []string, err error) {
	if !strings.HasPrefix(q, "select ") {
		return nil, "", nil, fmt.Errorf("unparseable query: %s", q)
	}
	rest := strings.TrimPrefix(q, "select ")
	fromIdx := strings.Index(rest, " from ")
	if fromIdx < 0 {
		return nil, "", nil, fmt.Errorf("unparseable query: %s", q)
	}
	cols = splitColumns(rest[:fromIdx])
	rest = rest[fromIdx+len(" from "):]
	table = strings.TrimSpace(rest)
	if whereIdx := strings.Index(rest, " where "); whereIdx >= 0 {
		table = strings.TrimSpace(rest[:whereIdx])
		whereCols = leftSides(rest[whereIdx+len(" where "):], " and ")
	}
	return cols, table, whereCols, nil
}

func splitColumns(list string) []string {
	parts := strings.Split(list, ",")
	cols := make([]string, 0, len(parts))
	for _, p := range parts {
		cols = append(cols, strings.TrimSpace(p))
	}
	return cols
}

// leftSides extracts column names from "col = $n" clauses joined by sep.
func leftSides(part, sep string) []string {
	if strings.TrimSpace(part) == "" {
		return nil
	}
	var cols []string
	for _, piece := range strings.Split(part, sep) {
		col, _, ok := strings.Cut(piece, "=")
		if !ok {
			continue
		}
		cols = append(cols, strings.TrimSpace(col))
	}
	return cols
}

func matchesWhere(row map[string]any, cols []string, vals []any) bool {
	for i, col := range cols {
		if !valuesEqual(row[col], vals[i]) {
			return false
		}
	}
	return true
}

func matchesKey(a, b map[string]any, cols []string) bool {
	for _, col := range cols {
		if !valuesEqual(a[col], b[col]) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	if ab, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		return ok && bytes.Equal(ab, bb)
	}
	return a == b
}

func namedValues(args []driver.NamedValue) []any {
	vals := make([]any, len(args))
	for i, a := range args {
		vals[i] = a.Value
	}
	return vals
}
