// Package testutil provides an in-memory stand-in for the batches table that
// speaks just enough of database/sql/driver for the postgres store tests.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgconn"
)

// Row is one stored batches row.
type Row struct {
	BatchID string
	Payload []byte
}

// StubConn emulates the batches table. Statements it does not recognise fail.
type StubConn struct {
	mu sync.Mutex

	// Execs records every statement received, DDL included.
	Execs []string
	// Rows holds the table contents in insertion order.
	Rows []Row
	// FailExec fails pings and every statement.
	FailExec bool
	// FailTables fails statements touching the named tables.
	FailTables map[string]bool
}

var stubSeq atomic.Int64

// NewStubDB registers a sql.DB backed by a fresh stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{}
	name := fmt.Sprintf("stubpg%d", stubSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

// Seed stores a row as if another writer had inserted it.
func (c *StubConn) Seed(batchID string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Rows = append(c.Rows, Row{BatchID: batchID, Payload: payload})
}

// Payload returns the stored payload of batchID.
func (c *StubConn) Payload(batchID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.find(batchID); i >= 0 {
		return c.Rows[i].Payload, true
	}
	return nil, false
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn. The store never opens transactions.
func (c *StubConn) Begin() (driver.Tx, error) { return nil, fmt.Errorf("transactions not supported") }

// Ping implements driver.Pinger.
func (c *StubConn) Ping(context.Context) error {
	if c.FailExec {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, query)
	if c.FailExec {
		return nil, fmt.Errorf("exec fail")
	}
	upper := strings.ToUpper(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(upper, "CREATE "):
		return driver.RowsAffected(0), nil
	case strings.HasPrefix(upper, "INSERT INTO BATCHES"):
		if c.FailTables["batches"] {
			return nil, fmt.Errorf("exec fail for batches")
		}
		id, payload, err := idAndPayload(args, 0, 1)
		if err != nil {
			return nil, err
		}
		if c.find(id) >= 0 {
			return nil, &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint \"batches_pkey\""}
		}
		c.Rows = append(c.Rows, Row{BatchID: id, Payload: payload})
		return driver.RowsAffected(1), nil
	case strings.HasPrefix(upper, "UPDATE BATCHES"):
		if c.FailTables["batches"] {
			return nil, fmt.Errorf("exec fail for batches")
		}
		return c.update(args)
	}
	return nil, fmt.Errorf("stub: unsupported statement %q", query)
}

// update handles the revision-guarded UPDATE: args are payload, batch id and
// the expected stored revision.
func (c *StubConn) update(args []driver.NamedValue) (driver.Result, error) {
	id, payload, err := idAndPayload(args, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(args) < 3 {
		return nil, fmt.Errorf("stub: update needs an expected revision")
	}
	want, ok := args[2].Value.(int64)
	if !ok {
		return nil, fmt.Errorf("stub: revision arg is %T", args[2].Value)
	}
	i := c.find(id)
	if i < 0 {
		return driver.RowsAffected(0), nil
	}
	var stored struct {
		Revision int64 `json:"revision"`
	}
	if err := json.Unmarshal(c.Rows[i].Payload, &stored); err != nil {
		return nil, fmt.Errorf("stub: decode stored payload: %w", err)
	}
	if stored.Revision != want {
		return driver.RowsAffected(0), nil
	}
	c.Rows[i].Payload = payload
	return driver.RowsAffected(1), nil
}

// QueryContext implements driver.QueryerContext for SELECT batch_id, payload
// FROM batches with an optional batch_id filter.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lower := strings.ToLower(strings.Join(strings.Fields(query), " "))
	if !strings.HasPrefix(lower, "select batch_id, payload from batches") {
		return nil, fmt.Errorf("stub: unsupported query %q", query)
	}
	if c.FailTables["batches"] {
		return nil, fmt.Errorf("query fail for batches")
	}
	rows := &stubRows{}
	for _, r := range c.Rows {
		if strings.Contains(lower, " where ") {
			if len(args) == 0 || args[0].Value != r.BatchID {
				continue
			}
		}
		rows.rows = append(rows.rows, []driver.Value{r.BatchID, r.Payload})
	}
	return rows, nil
}

func (c *StubConn) find(batchID string) int {
	for i, r := range c.Rows {
		if r.BatchID == batchID {
			return i
		}
	}
	return -1
}

func idAndPayload(args []driver.NamedValue, idIdx, payloadIdx int) (string, []byte, error) {
	if len(args) <= idIdx || len(args) <= payloadIdx {
		return "", nil, fmt.Errorf("stub: expected batch id and payload args, got %d", len(args))
	}
	id, ok := args[idIdx].Value.(string)
	if !ok {
		return "", nil, fmt.Errorf("stub: batch id arg is %T", args[idIdx].Value)
	}
	payload, ok := args[payloadIdx].Value.([]byte)
	if !ok {
		return "", nil, fmt.Errorf("stub: payload arg is %T", args[payloadIdx].Value)
	}
	return id, append([]byte(nil), payload...), nil
}

type stubRows struct {
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return []string{"batch_id", "payload"} }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}
