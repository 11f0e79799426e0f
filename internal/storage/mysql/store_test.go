package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/internal/events"
)

func sampleBatch() []events.Event {
	ts := time.UnixMilli(1_700_000_000_000).UTC()
	return []events.Event{
		{ID: "e-1", Kind: events.KindBidSubmitted, Entity: "task", EntityID: 3, Status: "open", Op: "task.submit_bid", TxSeq: 9, Index: 0, Timestamp: ts, Attrs: map[string]string{"bid_id": "4"}},
		{ID: "e-2", Kind: events.KindTreasuryDeposit, Entity: "ledger", Op: "task.submit_bid", TxSeq: 9, Index: 1, Timestamp: ts},
	}
}

func TestEventStorePublish(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		beginOp(),
		execOp(insertReceiptSQL, mockResult{rowsAffected: 1}),
		execOp(insertEventSQL, mockResult{rowsAffected: 1}),
		execOp(insertEventSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := newEventStore(db)
	if err := store.Publish(context.Background(), sampleBatch()); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := store.Publish(context.Background(), nil); err != nil {
		t.Fatalf("empty batch should be a no-op: %v", err)
	}
}

func TestEventStorePublishIgnoresReplayedTx(t *testing.T) {
	t.Parallel()

	dup := mockOperation{typ: opExec, query: insertReceiptSQL, err: &mysql.MySQLError{Number: mysqlDuplicateEntry, Message: "Duplicate entry"}}
	db, driver := newMockDB(t, []mockOperation{beginOp(), dup, rollbackOp()})
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := newEventStore(db).Publish(context.Background(), sampleBatch()); err != nil {
		t.Fatalf("duplicate receipt should be ignored, got %v", err)
	}
}

func TestEventStorePublishRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	broken := mockOperation{typ: opExec, query: insertEventSQL, err: fmt.Errorf("disk full")}
	db, driver := newMockDB(t, []mockOperation{
		beginOp(),
		execOp(insertReceiptSQL, mockResult{rowsAffected: 1}),
		broken,
		rollbackOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	err := newEventStore(db).Publish(context.Background(), sampleBatch())
	if err == nil {
		t.Fatalf("expected publish error")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeStorageFailure {
		t.Fatalf("unexpected code: %s", code)
	}
}

func TestEventStoreQuery(t *testing.T) {
	t.Parallel()

	filter := events.Filter{Entity: "task", EntityID: 3}
	query, _ := buildEventQuery(filter)
	rows := mockRowsData{
		columns: []string{"id", "tx_seq", "idx", "kind", "entity", "entity_id", "status", "op", "attrs", "occurred_at"},
		values: [][]driver.Value{
			{"e-9", int64(12), int64(0), "TaskAssigned", "task", int64(3), "assigned", "task.select_winner", `{"bid_id":"4"}`, int64(1_700_000_100_000)},
			{"e-1", int64(9), int64(0), "BidSubmitted", "task", int64(3), "open", "task.submit_bid", nil, int64(1_700_000_000_000)},
		},
	}
	db, driver := newMockDB(t, []mockOperation{queryOp(query, rows)})
	defer driver.assertConsumed(t)
	defer db.Close()

	list, err := newEventStore(db).Query(context.Background(), filter)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(list) != 2 || list[0].TxSeq != 12 || list[0].Kind != events.KindTaskAssigned {
		t.Fatalf("unexpected events: %+v", list)
	}
	if list[0].Attrs["bid_id"] != "4" {
		t.Fatalf("attrs not decoded: %+v", list[0].Attrs)
	}
	if list[1].Attrs != nil {
		t.Fatalf("expected nil attrs, got %+v", list[1].Attrs)
	}
	if !list[1].Timestamp.Equal(time.UnixMilli(1_700_000_000_000)) {
		t.Fatalf("unexpected timestamp: %s", list[1].Timestamp)
	}
}

func TestBuildEventQuery(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		filter events.Filter
		where  string
		args   []any
	}{
		{"no filter", events.Filter{}, "", []any{50}},
		{"entity", events.Filter{Entity: "intent", Limit: 5}, " WHERE entity = ?", []any{"intent", 5}},
		{"all", events.Filter{Entity: "task", EntityID: 2, Kind: events.KindTaskFailed, Limit: 9000}, " WHERE entity = ? AND entity_id = ? AND kind = ?", []any{"task", uint64(2), "TaskFailed", 500}},
	}
	for _, tc := range cases {
		query, args := buildEventQuery(tc.filter)
		want := selectEventsSQL + tc.where + " ORDER BY tx_seq DESC, idx DESC LIMIT ?"
		if query != want {
			t.Fatalf("%s: unexpected query %q", tc.name, query)
		}
		if fmt.Sprint(args) != fmt.Sprint(tc.args) {
			t.Fatalf("%s: unexpected args %v", tc.name, args)
		}
	}
}

func TestEventStoreLatestReceipt(t *testing.T) {
	t.Parallel()

	const query = `SELECT tx_seq, op, event_count, committed_at FROM tx_receipts ORDER BY tx_seq DESC LIMIT 1`
	db, driver := newMockDB(t, []mockOperation{
		queryOp(query, mockRowsData{columns: []string{"tx_seq", "op", "event_count", "committed_at"}}),
		queryOp(query, mockRowsData{
			columns: []string{"tx_seq", "op", "event_count", "committed_at"},
			values:  [][]driver.Value{{int64(41), "intent.close_auction", int64(3), int64(1_700_000_000_000)}},
		}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := newEventStore(db)
	if _, ok, err := store.LatestReceipt(context.Background()); err != nil || ok {
		t.Fatalf("expected no receipt, got ok=%v err=%v", ok, err)
	}
	r, ok, err := store.LatestReceipt(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected receipt, got ok=%v err=%v", ok, err)
	}
	if r.TxSeq != 41 || r.EventCount != 3 || r.Op != "intent.close_auction" {
		t.Fatalf("unexpected receipt: %+v", r)
	}
}

func TestEventStorePrepareFreshStart(t *testing.T) {
	t.Parallel()

	columns := []string{"tx_seq", "op", "event_count", "committed_at"}
	previous := mockRowsData{
		columns: columns,
		values:  [][]driver.Value{{int64(41), "intent.close_auction", int64(3), int64(1_700_000_000_000)}},
	}
	db, driver := newMockDB(t, []mockOperation{
		queryOp(selectLatestSQL, mockRowsData{columns: columns}),
		queryOp(selectLatestSQL, previous),
		queryOp(selectLatestSQL, previous),
		beginOp(),
		execOp(clearEventsSQL, mockResult{rowsAffected: 3}),
		execOp(clearReceiptSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := newEventStore(db)
	if err := store.PrepareFreshStart(context.Background(), false); err != nil {
		t.Fatalf("empty log should be accepted: %v", err)
	}
	err := store.PrepareFreshStart(context.Background(), false)
	if code := xerrors.CodeOf(err); code != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure for a used log, got %v", err)
	}
	if err := store.PrepareFreshStart(context.Background(), true); err != nil {
		t.Fatalf("reset should clear the log: %v", err)
	}
}

func TestEventStoreRunMigrations(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) != 2 || files[0].version != "0001" || files[1].version != "0002" {
		t.Fatalf("unexpected migrations: %+v", files)
	}

	ops := []mockOperation{
		execOp(createMigrationsTable, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
		beginOp(),
	}
	for _, stmt := range files[1].statements {
		ops = append(ops, execOp(stmt, mockResult{}))
	}
	ops = append(ops,
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	)
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := newEventStore(db).runMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestMigrationHelpers(t *testing.T) {
	t.Parallel()

	if v := migrationVersion("0003_add_index.sql"); v != "0003" {
		t.Fatalf("unexpected version %q", v)
	}
	if v := migrationVersion("seed.sql"); v != "seed" {
		t.Fatalf("unexpected version %q", v)
	}
	stmts := splitSQLStatements("CREATE TABLE a (id INT);\n\n ; CREATE INDEX i ON a (id);")
	if len(stmts) != 2 || !strings.HasPrefix(stmts[1], "CREATE INDEX") {
		t.Fatalf("unexpected statements: %q", stmts)
	}
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

// queueDriver 按顺序回放预期的数据库操作，SQL 比较时忽略空白差异。
type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-event-store-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

func (d *queueDriver) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.typ, expected)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" && normalizeSQL(op.query) != normalizeSQL(query) {
		return nil, fmt.Errorf("unexpected query. want %q got %q", normalizeSQL(op.query), normalizeSQL(query))
	}
	return op, op.err
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if _, err := c.driver.next(opBegin, ""); err != nil {
		return nil, err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(context.Context) error { return nil }

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	_, err := t.driver.next(opCommit, "")
	return err
}

func (t *mockTx) Rollback() error {
	_, err := t.driver.next(opRollback, "")
	return err
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
