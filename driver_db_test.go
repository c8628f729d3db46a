package ksqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"log"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rowsMap = map[int]string{1: "hello", 2: "world", 3: "foo"}

func TestMain(m *testing.M) {
	code := m.Run()
	// every driver statement must be finalized by Rows.Close or its execution
	if live := DefaultRegistry().Live(); live != 0 && code == 0 {
		log.Printf("[ERROR] %d statement(s) left in the default registry", live)
		code = 1
	}
	os.Exit(code)
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open(DriverName, ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// every pooled connection gets its own in-memory database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mustExec(t *testing.T, db *sql.DB, q string, args ...any) sql.Result {
	t.Helper()
	res, err := db.Exec(q, args...)
	if err != nil {
		t.Fatalf("exec %q: %v", q, err)
	}
	return res
}

func createTestTable(t *testing.T, db *sql.DB) {
	t.Helper()
	mustExec(t, db, "CREATE TABLE test (foo INTEGER, bar TEXT, baz BLOB)")
	for i := 1; i <= len(rowsMap); i++ {
		mustExec(t, db, "INSERT INTO test (foo, bar, baz) VALUES (?, ?, ?)", i, rowsMap[i], []byte(rowsMap[i]))
	}
}

func TestDriver_Query(t *testing.T) {
	db := openDB(t)
	require.Nil(t, db.Ping())
	createTestTable(t, db)

	stmt, err := db.Prepare("SELECT * FROM test ORDER BY foo")
	require.Nil(t, err)
	defer stmt.Close()

	rows, err := stmt.Query()
	require.Nil(t, err)
	defer rows.Close()

	cols, err := rows.Columns()
	require.Nil(t, err)
	assert.Equal(t, []string{"foo", "bar", "baz"}, cols)

	i := 1
	for rows.Next() {
		var a int
		var b string
		var c []byte
		require.Nil(t, rows.Scan(&a, &b, &c))
		assert.Equal(t, i, a)
		assert.Equal(t, rowsMap[i], b)
		assert.Equal(t, []byte(rowsMap[i]), c)
		i++
	}
	require.Nil(t, rows.Err())
	assert.Equal(t, 4, i)
}

func TestDriver_PrepareError(t *testing.T) {
	db := openDB(t)
	mustExec(t, db, "CREATE TABLE test (foo INTEGER, bar INTEGER, baz BLOB)")

	_, err := db.Prepare("INSERT INTO test (foo, bar, baz) VALUES (?, ?, notafunction(?))")
	require.Error(t, err)
	assert.Equal(t, "prepare: no such function: notafunction", err.Error())

	_, err = db.Exec("INSERT INTO missing VALUES (1)")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such table: missing")
}

func TestDriver_StatementArgCount(t *testing.T) {
	db := openDB(t)
	mustExec(t, db, "CREATE TABLE test (foo INTEGER, bar INTEGER, baz BLOB)")

	stmt, err := db.Prepare("INSERT INTO test (foo, bar, baz) VALUES (?, ?, ?)")
	require.Nil(t, err)
	defer stmt.Close()
	_, err = stmt.Exec(1, 2)
	require.Error(t, err)
	assert.Equal(t, "sql: expected 3 arguments, got 2", err.Error())

	_, err = stmt.Exec(1, 2, 3)
	require.Nil(t, err)
}

func TestDriver_ScanWrongType(t *testing.T) {
	db := openDB(t)
	mustExec(t, db, "CREATE TABLE test (id INTEGER, name TEXT)")
	mustExec(t, db, "INSERT INTO test (id, name) VALUES (?, ?)", 1, "Alice")

	rows, err := db.Query("SELECT id, name FROM test")
	require.Nil(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var id int
	var name string
	assert.Error(t, rows.Scan(&name, &id))
}

func TestDriver_Transaction(t *testing.T) {
	db := openDB(t)
	mustExec(t, db, "CREATE TABLE test (id INTEGER PRIMARY KEY, name TEXT)")
	mustExec(t, db, "INSERT INTO test (id, name) VALUES (1, 'Initial')")

	tx, err := db.Begin()
	require.Nil(t, err)
	_, err = tx.Exec("INSERT INTO test (id, name) VALUES (2, 'Transaction')")
	require.Nil(t, err)
	require.Nil(t, tx.Commit())
	assert.ErrorIs(t, tx.Commit(), sql.ErrTxDone)

	tx, err = db.BeginTx(context.Background(), &sql.TxOptions{ReadOnly: true})
	require.Nil(t, err)
	_, err = tx.Exec("INSERT INTO test (id, name) VALUES (3, 'Rolled back')")
	require.Nil(t, err)
	require.Nil(t, tx.Rollback())

	rows, err := db.Query("SELECT id, name FROM test ORDER BY id")
	require.Nil(t, err)
	defer rows.Close()

	type row struct {
		id   int
		name string
	}
	var got []row
	for rows.Next() {
		var r row
		require.Nil(t, rows.Scan(&r.id, &r.name))
		got = append(got, r)
	}
	require.Nil(t, rows.Err())
	assert.Equal(t, []row{{1, "Initial"}, {2, "Transaction"}}, got)
}

func TestDriver_NullHandling(t *testing.T) {
	db := openDB(t)
	mustExec(t, db, "CREATE TABLE t (id INTEGER PRIMARY KEY, s TEXT, n INTEGER, f REAL, b BLOB)")
	mustExec(t, db, "INSERT INTO t (id, s, n, f, b) VALUES (1, NULL, NULL, NULL, NULL)")
	mustExec(t, db, "INSERT INTO t (id, s, n, f, b) VALUES (?, ?, ?, ?, ?)", 2, nil, nil, nil, nil)

	rows, err := db.Query("SELECT s, n, f, b FROM t ORDER BY id")
	require.Nil(t, err)
	defer rows.Close()
	count := 0
	for rows.Next() {
		var s sql.NullString
		var n sql.NullInt64
		var f sql.NullFloat64
		var b []byte
		require.Nil(t, rows.Scan(&s, &n, &f, &b))
		assert.False(t, s.Valid)
		assert.False(t, n.Valid)
		assert.False(t, f.Valid)
		assert.Nil(t, b)
		count++
	}
	require.Nil(t, rows.Err())
	assert.Equal(t, 2, count)
}

func TestDriver_LastInsertIDAndRowsAffected(t *testing.T) {
	db := openDB(t)
	mustExec(t, db, `CREATE TABLE t(id INTEGER PRIMARY KEY, name TEXT)`)
	res := mustExec(t, db, `INSERT INTO t(name) VALUES ('alice')`)
	id, err := res.LastInsertId()
	require.Nil(t, err)
	assert.Equal(t, int64(1), id)

	mustExec(t, db, `INSERT INTO t(name) VALUES ('bob')`)
	res = mustExec(t, db, `UPDATE t SET name=upper(name) WHERE id >= ?`, id)
	ra, err := res.RowsAffected()
	require.Nil(t, err)
	assert.Equal(t, int64(2), ra)
}

func TestDriver_DataTypes(t *testing.T) {
	db := openDB(t)
	mustExec(t, db, `
		CREATE TABLE types_test (
			col_integer INTEGER,
			col_real REAL,
			col_text TEXT,
			col_blob BLOB,
			col_numeric NUMERIC,
			col_boolean BOOLEAN,
			col_date DATE,
			col_datetime DATETIME,
			col_timestamp TIMESTAMP
		)`)

	now := time.Date(2024, 5, 17, 13, 14, 15, 500_000_000, time.FixedZone("X", 3*3600))
	mustExec(t, db, `INSERT INTO types_test VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		42,
		3.14159,
		"Hello, 世界",
		[]byte{0x01, 0x02, 0x03},
		"123.456",
		true,
		now.Format("2006-01-02"),
		now,
		now.Unix(),
	)

	var (
		colInt       int
		colReal      float64
		colText      string
		colBlob      []byte
		colNumeric   float64
		colBool      bool
		colDate      time.Time
		colDateTime  time.Time
		colTimestamp int64
	)
	err := db.QueryRow("SELECT * FROM types_test").Scan(
		&colInt, &colReal, &colText, &colBlob, &colNumeric,
		&colBool, &colDate, &colDateTime, &colTimestamp,
	)
	require.Nil(t, err)

	assert.Equal(t, 42, colInt)
	assert.InDelta(t, 3.14159, colReal, 0.00001)
	assert.Equal(t, "Hello, 世界", colText)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, colBlob)
	assert.InDelta(t, 123.456, colNumeric, 0.00001)
	assert.True(t, colBool)
	assert.Equal(t, time.Date(2024, 5, 17, 0, 0, 0, 0, time.UTC), colDate)
	assert.True(t, now.Equal(colDateTime), "got %v", colDateTime)
	assert.Equal(t, now.Unix(), colTimestamp)

	var stored string
	require.Nil(t, db.QueryRow("SELECT CAST(col_datetime AS TEXT) FROM types_test").Scan(&stored))
	assert.Equal(t, "2024-05-17 10:14:15.5+00:00", stored)
}

func TestDriver_Unsupported(t *testing.T) {
	db := openDB(t)
	_, err := db.Exec("SELECT ?", uint64(math.MaxUint64))
	require.Error(t, err)
}

func TestDriver_ParameterOrdering(t *testing.T) {
	db := openDB(t)
	mustExec(t, db, "CREATE TABLE test (a, b, c)")

	stmt, err := db.Prepare("INSERT INTO test (b, c, a) VALUES (?, ?, ?)")
	require.Nil(t, err)
	defer stmt.Close()
	_, err = stmt.Exec(2, 3, 1)
	require.Nil(t, err)
	mustExec(t, db, "INSERT INTO test (a, b, c) VALUES (1, ?, ?)", 2, 3)
	mustExec(t, db, "INSERT INTO test (a, b, c) VALUES (:a, @b, $c)",
		sql.Named("c", 3), sql.Named("a", 1), sql.Named("b", 2))

	rows, err := db.Query("SELECT a, b, c FROM test")
	require.Nil(t, err)
	defer rows.Close()
	count := 0
	for rows.Next() {
		var a, b, c int
		require.Nil(t, rows.Scan(&a, &b, &c))
		assert.Equal(t, []int{1, 2, 3}, []int{a, b, c})
		count++
	}
	require.Nil(t, rows.Err())
	assert.Equal(t, 3, count)
}

func TestDriver_LimitOffsetParameters(t *testing.T) {
	db := openDB(t)
	mustExec(t, db, "CREATE TABLE test (a, b)")
	mustExec(t, db, "INSERT INTO test (a, b) VALUES (1, 'a'), (2,'b'), (3,'c'), (4,'d'), (5,'e')")

	rows, err := db.Query("SELECT a FROM test ORDER BY b DESC LIMIT ? OFFSET ?", 2, 1)
	require.Nil(t, err)
	defer rows.Close()
	var got []int
	for rows.Next() {
		var a int
		require.Nil(t, rows.Scan(&a))
		got = append(got, a)
	}
	require.Nil(t, rows.Err())
	assert.Equal(t, []int{4, 3}, got)
}

func TestDriver_InsertReturning(t *testing.T) {
	db := openDB(t)
	mustExec(t, db, "CREATE TABLE t (id INTEGER PRIMARY KEY, hostname TEXT UNIQUE, hits INTEGER)")

	var id, hits int64
	upsert := `INSERT INTO t (hostname, hits) VALUES (?, 1)
		ON CONFLICT (hostname) DO UPDATE SET hits = hits + 1 RETURNING id, hits`
	require.Nil(t, db.QueryRow(upsert, "a.example").Scan(&id, &hits))
	assert.Equal(t, []int64{1, 1}, []int64{id, hits})
	require.Nil(t, db.QueryRow(upsert, "a.example").Scan(&id, &hits))
	assert.Equal(t, []int64{1, 2}, []int64{id, hits})

	// Exec runs RETURNING statements to completion
	res, err := db.Exec("INSERT INTO t (hostname, hits) VALUES ('b.example', 0), ('c.example', 0) RETURNING id")
	require.Nil(t, err)
	ra, err := res.RowsAffected()
	require.Nil(t, err)
	assert.Equal(t, int64(2), ra)
}

func TestDriver_RowsCloseEarly(t *testing.T) {
	db := openDB(t)
	createTestTable(t, db)

	rows, err := db.Query("SELECT foo FROM test")
	require.Nil(t, err)
	require.True(t, rows.Next())
	require.Nil(t, rows.Close())

	// connection is released back to the pool with its statement finalized
	var n int
	require.Nil(t, db.QueryRow("SELECT COUNT(*) FROM test").Scan(&n))
	assert.Equal(t, 3, n)
}

func TestDriver_ContextCanceled(t *testing.T) {
	db := openDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := db.ExecContext(ctx, "SELECT 1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDriver_EmptyQuery(t *testing.T) {
	db := openDB(t)
	rows, err := db.Query("-- nothing here")
	require.Nil(t, err)
	assert.False(t, rows.Next())
	require.Nil(t, rows.Close())
}

func TestDriver_FileDSN(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "local.db") + "?_busy_timeout=2500"
	db, err := sql.Open(DriverName, dsn)
	require.Nil(t, err)
	defer db.Close()
	db.SetMaxOpenConns(3)

	mustExec(t, db, "CREATE TABLE t (v INTEGER)")
	mustExec(t, db, "INSERT INTO t VALUES (1), (2)")

	conns := make([]*sql.Conn, 3)
	for i := range conns {
		conns[i], err = db.Conn(context.Background())
		require.Nil(t, err)
	}
	for _, c := range conns {
		var timeout, sum int
		require.Nil(t, c.QueryRowContext(context.Background(), "PRAGMA busy_timeout").Scan(&timeout))
		assert.Equal(t, 2500, timeout)
		require.Nil(t, c.QueryRowContext(context.Background(), "SELECT SUM(v) FROM t").Scan(&sum))
		assert.Equal(t, 3, sum)
		require.Nil(t, c.Close())
	}
}

func TestDriver_Connector(t *testing.T) {
	reg := NewRegistry(WithRegistryLogger(lgr.NoOp))
	connector, err := NewConnector(":memory:", WithConnectorRegistry(reg), WithConnectorBackend(Modernc()))
	require.Nil(t, err)

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	mustExec(t, db, "CREATE TABLE t (v TEXT)")
	mustExec(t, db, "INSERT INTO t VALUES (?)", "via connector")
	var v string
	require.Nil(t, db.QueryRow("SELECT v FROM t").Scan(&v))
	assert.Equal(t, "via connector", v)
	assert.Equal(t, 0, reg.Stats().LiveConns, "pool connections are not auto-closed")
	require.Nil(t, db.Close())

	stats := reg.Stats()
	assert.Equal(t, 0, stats.Live)
	assert.Equal(t, stats.Acquired, stats.Released)

	_, err = NewConnector(":memory:?backend=unknown")
	require.Error(t, err)
}

func TestDriver_BindArgs(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	bind, err := bindArgs(toNamed([]driver.Value{int64(1), []byte("b"), ts}))
	require.Nil(t, err)
	b := newBinder()
	require.True(t, bind(b, 0))
	assert.Equal(t, map[Key]Value{
		Pos(1): Integer(1),
		Pos(2): Blob([]byte("b")),
		Pos(3): Text("2024-01-02 03:04:05+00:00"),
	}, b.values)
	assert.False(t, bind(newBinder(), 1))

	_, err = bindArgs(toNamed([]driver.Value{errors.New("not a value")}))
	require.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestDriver_BindArgsNamed(t *testing.T) {
	bind, err := bindArgs([]driver.NamedValue{
		{Name: "a", Ordinal: 1, Value: int64(1)},
		{Name: "@b", Ordinal: 2, Value: "two"},
	})
	require.Nil(t, err)
	b := newBinder()
	require.True(t, bind(b, 0))
	assert.Equal(t, map[Key]Value{namedAnySigil("a"): Integer(1), Named("@b"): Text("two")}, b.values)
}

func TestDriver_NamedSigils(t *testing.T) {
	db := openDB(t)
	for _, q := range []string{"SELECT :v", "SELECT @v", "SELECT $v"} {
		var v string
		require.Nil(t, db.QueryRow(q, sql.Named("v", q)).Scan(&v), q)
		assert.Equal(t, q, v)
	}

	var v int
	require.Nil(t, db.QueryRow("SELECT @v + 1", sql.Named("@v", 1)).Scan(&v))
	assert.Equal(t, 2, v)

	err := db.QueryRow("SELECT :v", sql.Named("missing", 1)).Scan(&v)
	require.ErrorIs(t, err, ErrUnknownParam)
	assert.Contains(t, err.Error(), "missing")
}

func TestDriver_RowsAfterShutdown(t *testing.T) {
	reg := NewRegistry(WithRegistryLogger(lgr.NoOp))
	connector, err := NewConnector(":memory:", WithConnectorRegistry(reg))
	require.Nil(t, err)
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	defer db.Close()

	rows, err := db.Query("SELECT 1 UNION ALL SELECT 2")
	require.Nil(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var v int
	require.Nil(t, rows.Scan(&v))
	assert.Equal(t, 1, v)

	require.Nil(t, reg.Shutdown())
	assert.Equal(t, 1, reg.Stats().Forced)
	assert.False(t, rows.Next())
	require.ErrorIs(t, rows.Err(), ErrInternal)
}

func TestParseTimeString(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-01-02 03:04:05", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"2024-01-02T03:04:05Z", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"2024-01-02 03:04:05.25+02:00", time.Date(2024, 1, 2, 1, 4, 5, 250_000_000, time.UTC)},
		{"2024-01-02 03:04", time.Date(2024, 1, 2, 3, 4, 0, 0, time.UTC)},
		{"2024-01-02", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := parseTimeString(tt.in)
		require.Nil(t, err, tt.in)
		assert.True(t, tt.want.Equal(got), "%s: got %v", tt.in, got)
	}
	_, err := parseTimeString("yesterday")
	assert.Error(t, err)

	assert.True(t, isTimeColumn("datetime"))
	assert.False(t, isTimeColumn("TEXT"))
	assert.False(t, isTimeColumn(""))
}
