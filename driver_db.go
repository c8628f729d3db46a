package ksqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// define all driver level errors here
var (
	ErrStmtClosed = errors.New("ksqlite: statement closed")
	ErrTxDone     = errors.New("ksqlite: transaction done")
)

// DriverName is the name registered with database/sql.
const DriverName = "ksqlite"

type ksqliteDbDriver struct{}

type ksqliteDbConnection struct {
	mu     sync.Mutex
	conn   *Conn
	closed bool
}

type ksqliteDbStatement struct {
	conn      *ksqliteDbConnection
	sql       string
	numInputs int
	closed    bool
}

type ksqliteDbRows struct {
	conn      *ksqliteDbConnection
	stmt      *stmt
	ctx       *RowContext
	columns   []string
	decltypes []string

	closed bool
	err    error
}

type ksqliteDbResult struct {
	lastInsertId int64
	rowsAffected int64
}

type ksqliteDbTx struct {
	conn *ksqliteDbConnection
	done bool
}

// register driver
func init() {
	sql.Register(DriverName, &ksqliteDbDriver{})
}

// Implement sql.Driver methods
func (d *ksqliteDbDriver) Open(dsn string) (driver.Conn, error) {
	c, err := OpenDSN(dsn, WithAutoClose(false))
	if err != nil {
		return nil, err
	}
	return &ksqliteDbConnection{conn: c}, nil
}

// --- driver.Conn and friends ---

// Ensure ksqliteDbConnection implements required interfaces.
var (
	_ driver.Conn               = (*ksqliteDbConnection)(nil)
	_ driver.ConnPrepareContext = (*ksqliteDbConnection)(nil)
	_ driver.ExecerContext      = (*ksqliteDbConnection)(nil)
	_ driver.QueryerContext     = (*ksqliteDbConnection)(nil)
	_ driver.Pinger             = (*ksqliteDbConnection)(nil)
	_ driver.ConnBeginTx        = (*ksqliteDbConnection)(nil)
)

func (c *ksqliteDbConnection) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *ksqliteDbConnection) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	// PREPARE in Prepare to report syntax errors early, then finalize to avoid keeping state
	s, err := c.conn.prepare(query)
	if err != nil {
		return nil, c.conn.fail(err)
	}
	num := 0
	if s != nil {
		num = c.conn.native.BindParameterCount(s.handle)
		s.finalize()
	}
	return &ksqliteDbStatement{conn: c, sql: query, numInputs: num}, nil
}

func (c *ksqliteDbConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *ksqliteDbConnection) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *ksqliteDbConnection) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	begin := "BEGIN"
	if opts.ReadOnly {
		// sqlite has no read-only transactions, DEFERRED never takes the write lock up front
		begin = "BEGIN DEFERRED"
	}
	if _, err := c.ExecContext(ctx, begin, nil); err != nil {
		return nil, err
	}
	return &ksqliteDbTx{conn: c}, nil
}

func (c *ksqliteDbConnection) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// trivial ping: simple select constant
	_, err := c.conn.FetchColumn("SELECT 1", nil)
	return err
}

func (c *ksqliteDbConnection) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	bind, err := bindArgs(args)
	if err != nil {
		return nil, err
	}
	// step until DONE so that statements with result rows run to completion
	err = c.conn.QueryPrepared(query, bind, func(*RowContext) error {
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}
	return &ksqliteDbResult{
		lastInsertId: c.conn.LastInsertRowID(),
		rowsAffected: c.conn.Changes(),
	}, nil
}

func (c *ksqliteDbConnection) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s, err := c.conn.prepare(query)
	if err != nil {
		return nil, c.conn.fail(err)
	}
	if s == nil {
		return &ksqliteDbRows{conn: c, closed: true}, nil
	}
	bind, err := bindArgs(args)
	if err == nil {
		b := newBinder()
		bind(b, 0)
		err = s.bind(b)
	}
	if err != nil {
		s.finalize()
		return nil, c.conn.fail(err)
	}
	// Return rows wrapper; do not step yet, leave cursor before first row
	return &ksqliteDbRows{conn: c, stmt: s}, nil
}

// checkOpen must be called with c.mu held.
func (c *ksqliteDbConnection) checkOpen() error {
	if c.closed || c.conn.Closed() {
		return ErrConnClosed
	}
	return nil
}

// --- Connector Pattern ---

// ConnectorOption configures a Connector.
type ConnectorOption func(*Connector)

// WithConnectorBackend forces the native backend regardless of the DSN.
func WithConnectorBackend(b Backend) ConnectorOption {
	return func(c *Connector) { c.opts = append(c.opts, WithBackend(b)) }
}

// WithConnectorRegistry sets the registry for every connection of the pool.
func WithConnectorRegistry(r *Registry) ConnectorOption {
	return func(c *Connector) { c.opts = append(c.opts, WithRegistry(r)) }
}

// Connector implements driver.Connector for programmatic configuration.
type Connector struct {
	dsn  string
	opts []Option
}

// NewConnector creates a new Connector with the given DSN and options.
func NewConnector(dsn string, opts ...ConnectorOption) (*Connector, error) {
	if _, err := ParseDSN(dsn); err != nil {
		return nil, err
	}
	c := &Connector{dsn: dsn}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect implements driver.Connector.
func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	// the pool owns connection lifetime, never auto-close
	opts := append([]Option{WithAutoClose(false)}, c.opts...)
	conn, err := OpenDSN(c.dsn, opts...)
	if err != nil {
		return nil, err
	}
	return &ksqliteDbConnection{conn: conn}, nil
}

// Driver implements driver.Connector.
func (c *Connector) Driver() driver.Driver {
	return &ksqliteDbDriver{}
}

// Ensure Connector implements driver.Connector
var _ driver.Connector = (*Connector)(nil)

// --- driver.Stmt and friends ---

// Ensure ksqliteDbStatement implements required interfaces.
var (
	_ driver.Stmt             = (*ksqliteDbStatement)(nil)
	_ driver.StmtExecContext  = (*ksqliteDbStatement)(nil)
	_ driver.StmtQueryContext = (*ksqliteDbStatement)(nil)
)

func (s *ksqliteDbStatement) Close() error {
	s.closed = true
	return nil
}

func (s *ksqliteDbStatement) NumInput() int {
	return s.numInputs
}

func (s *ksqliteDbStatement) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), toNamed(args))
}

func (s *ksqliteDbStatement) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	if s.closed {
		return nil, ErrStmtClosed
	}
	return s.conn.ExecContext(ctx, s.sql, args)
}

func (s *ksqliteDbStatement) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), toNamed(args))
}

func (s *ksqliteDbStatement) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	if s.closed {
		return nil, ErrStmtClosed
	}
	return s.conn.QueryContext(ctx, s.sql, args)
}

// --- driver.Rows ---

// Ensure ksqliteDbRows implements the required interface.
var _ driver.Rows = (*ksqliteDbRows)(nil)

func (r *ksqliteDbRows) Columns() []string {
	if r.columns != nil || r.stmt == nil {
		return r.columns
	}
	n := r.conn.conn.native
	count := n.ColumnCount(r.stmt.handle)
	names := make([]string, count)
	decltypes := make([]string, count)
	for i := 0; i < count; i++ {
		names[i] = n.ColumnName(r.stmt.handle, i)
		decltypes[i] = n.ColumnDeclType(r.stmt.handle, i)
	}
	r.columns = names
	r.decltypes = decltypes
	return r.columns
}

func (r *ksqliteDbRows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.conn.mu.Lock()
	defer r.conn.mu.Unlock()
	r.stmt.finalize()
	return nil
}

func (r *ksqliteDbRows) Next(dest []driver.Value) error {
	if r.closed {
		return io.EOF
	}
	if r.err != nil {
		return r.err
	}
	// Ensure decltypes are populated
	_ = r.Columns()
	r.conn.mu.Lock()
	defer r.conn.mu.Unlock()
	if r.stmt.finalized {
		// finalized by Registry.Shutdown under an open result set
		r.err = r.conn.conn.fail(fmt.Errorf("%w: statement finalized during iteration", ErrInternal))
		return r.err
	}
	n := r.conn.conn.native
	switch rc := n.Step(r.stmt.handle); rc {
	case SQLITE_ROW:
	case SQLITE_DONE:
		return io.EOF
	default:
		r.err = r.conn.conn.fail(statusToError(n, r.conn.conn.db, "step", rc))
		return r.err
	}
	if r.ctx == nil {
		r.ctx = newRowContext(n, r.stmt.handle)
	} else {
		r.ctx.nextRow()
	}
	if len(dest) != r.ctx.ColumnCount() {
		return fmt.Errorf("ksqlite: expected %d dests, got %d", r.ctx.ColumnCount(), len(dest))
	}
	for i, v := range r.ctx.RowData() {
		switch v.Type() {
		case TypeNull:
			dest[i] = nil
		case TypeText:
			// Check if column type indicates a time value
			if i < len(r.decltypes) && isTimeColumn(r.decltypes[i]) {
				if t, err := parseTimeString(v.String()); err == nil {
					dest[i] = t
					continue
				}
			}
			dest[i] = v.String()
		default:
			dest[i] = v.Any()
		}
	}
	return nil
}

// --- driver.Result ---

var _ driver.Result = (*ksqliteDbResult)(nil)

func (r *ksqliteDbResult) LastInsertId() (int64, error) {
	return r.lastInsertId, nil
}

func (r *ksqliteDbResult) RowsAffected() (int64, error) {
	return r.rowsAffected, nil
}

// --- driver.Tx ---

var _ driver.Tx = (*ksqliteDbTx)(nil)

func (tx *ksqliteDbTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	_, err := tx.conn.ExecContext(context.Background(), "COMMIT", nil)
	tx.done = true
	if errors.Is(err, ErrBusy) {
		// a busy COMMIT leaves the transaction open, database/sql already considers it finished
		_, _ = tx.conn.ExecContext(context.Background(), "ROLLBACK", nil)
	}
	return err
}

func (tx *ksqliteDbTx) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	_, err := tx.conn.ExecContext(context.Background(), "ROLLBACK", nil)
	tx.done = true
	return err
}

// Helpers

func toNamed(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}

// bindArgs turns driver args into a single-iteration bind callback.
// A named value binds to ":name", "@name" or "$name", whichever the statement uses,
// unless the name has its own sigil, otherwise ordinal positions are used (1-based).
func bindArgs(args []driver.NamedValue) (BindFunc, error) {
	params := make(Params, len(args))
	for idx, nv := range args {
		key := Pos(idx + 1)
		if nv.Name != "" {
			key = namedAnySigil(nv.Name)
			if strings.ContainsAny(nv.Name[:1], ":@$") {
				key = Named(nv.Name)
			}
		} else if nv.Ordinal > 0 {
			key = Pos(nv.Ordinal)
		}
		v, err := driverValue(nv.Value)
		if err != nil {
			return nil, err
		}
		params[key] = v
	}
	return paramsOnce(params), nil
}

// driverValue converts a driver.Value: []byte is a blob at this boundary.
func driverValue(v any) (Value, error) {
	if b, ok := v.([]byte); ok {
		return Blob(b), nil
	}
	if t, ok := v.(time.Time); ok {
		// sortable and understood by sqlite date functions
		return Text(t.UTC().Format(SQLiteTimestampFormats[0])), nil
	}
	return ValueOf(v)
}

// isTimeColumn checks if the column declared type indicates a time/date column.
// This matches the behavior of github.com/mattn/go-sqlite3.
func isTimeColumn(decltype string) bool {
	if decltype == "" {
		return false
	}
	upper := strings.ToUpper(decltype)
	return upper == "TIMESTAMP" || upper == "DATETIME" || upper == "DATE"
}

// SQLiteTimestampFormats are the timestamp formats supported by go-sqlite3.
var SQLiteTimestampFormats = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseTimeString attempts to parse a string as a time.Time value.
func parseTimeString(s string) (time.Time, error) {
	// Strip trailing "Z" suffix before parsing (go-sqlite3 behavior)
	s = strings.TrimSuffix(s, "Z")
	for _, format := range SQLiteTimestampFormats {
		if t, err := time.ParseInLocation(format, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as time", s)
}
