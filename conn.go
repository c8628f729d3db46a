package ksqlite

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-pkgz/lgr"
)

// define all package level errors here
var (
	ErrConnClosed       = errors.New("ksqlite: connection closed")
	ErrConnOpen         = errors.New("ksqlite: connection already open")
	ErrZeroIndex        = errors.New("ksqlite: binding zero index, positions are 1-based")
	ErrUnknownParam     = errors.New("ksqlite: binding non-existing param")
	ErrUnsupportedValue = errors.New("ksqlite: unsupported value")
	ErrColumnCount      = errors.New("ksqlite: unexpected column count")
	ErrMultipleRows     = errors.New("ksqlite: got more than one result rowset")
	ErrInternal         = errors.New("ksqlite: internal error")
)

// Conn is one native database handle.
// A Conn must not be used from several goroutines at once.
type Conn struct {
	backend   Backend
	registry  *Registry
	log       lgr.L
	autoClose bool

	native  Native
	db      DBHandle
	path    string
	closed  bool
	lastErr string
}

// Option configures a Conn.
type Option func(*Conn)

// WithBackend sets the native backend, Modernc() by default.
func WithBackend(b Backend) Option {
	return func(c *Conn) {
		if b != nil {
			c.backend = b
		}
	}
}

// WithRegistry sets the registry tracking statements and auto-close connections.
func WithRegistry(r *Registry) Option {
	return func(c *Conn) {
		if r != nil {
			c.registry = r
		}
	}
}

// WithAutoClose controls whether the registry closes the connection on Shutdown.
func WithAutoClose(enabled bool) Option {
	return func(c *Conn) { c.autoClose = enabled }
}

// WithLogger sets the connection logger. Connections log nothing by default.
func WithLogger(l lgr.L) Option {
	return func(c *Conn) {
		if l != nil {
			c.log = l
		}
	}
}

// NewConn makes a closed connection. Call Open to attach a database file.
func NewConn(opts ...Option) *Conn {
	c := &Conn{
		backend:   Modernc(),
		registry:  DefaultRegistry(),
		log:       lgr.NoOp,
		autoClose: true,
		closed:    true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open opens or creates the database at path. Paths starting with "file:" are URIs.
// On failure the connection stays closed and LastError holds the engine message.
func (c *Conn) Open(path string) error {
	if !c.closed {
		return c.fail(ErrConnOpen)
	}
	n, err := c.backend.New()
	if err != nil {
		return c.fail(fmt.Errorf("ksqlite: backend %s: %w", c.backend.Name(), err))
	}
	db, rc := n.Open(path, openReadWrite|openCreate|openURI)
	if rc != SQLITE_OK {
		openErr := statusToError(n, db, "open", rc)
		if db != 0 {
			n.Close(db)
		}
		n.Release()
		return c.fail(openErr)
	}
	c.native, c.db, c.path = n, db, path
	c.closed = false
	c.lastErr = ""
	if c.autoClose {
		c.registry.trackConn(c)
	}
	c.log.Logf("[DEBUG] opened %q with %s backend", path, c.backend.Name())
	return nil
}

// Close closes the native handle. Closing a closed connection is a no-op.
// Statements still live on the connection are finalized first and counted as forced.
// The connection is marked closed and its backend released even if the native close fails.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	if k := c.registry.finalizeOwned(c); k > 0 {
		c.log.Logf("[WARN] ksqlite: %d live statement(s) finalized by close of %q", k, c.path)
	}
	c.closed = true
	c.registry.untrackConn(c)
	n, db := c.native, c.db
	err := statusToError(n, db, "close", n.Close(db))
	n.Release()
	c.native, c.db = nil, 0
	if err != nil {
		return c.fail(err)
	}
	c.log.Logf("[DEBUG] closed %q", c.path)
	return nil
}

// LastError returns the text of the most recent failure, "" if none.
func (c *Conn) LastError() string { return c.lastErr }

// Closed reports whether the connection has no open handle.
func (c *Conn) Closed() bool { return c.closed }

// Path returns the path passed to the last successful Open.
func (c *Conn) Path() string { return c.path }

// Changes returns the number of rows modified by the most recent statement.
func (c *Conn) Changes() int64 {
	if c.closed {
		return 0
	}
	return c.native.Changes(c.db)
}

// LastInsertRowID returns the rowid of the most recent successful insert.
func (c *Conn) LastInsertRowID() int64 {
	if c.closed {
		return 0
	}
	return c.native.LastInsertRowID(c.db)
}

// Version returns the engine library version, "" on a closed connection.
func (c *Conn) Version() string {
	if c.closed {
		return ""
	}
	return c.native.LibVersion()
}

func (c *Conn) checkOpen() error {
	if c.closed {
		return c.fail(ErrConnClosed)
	}
	return nil
}

// fail records err as the last error and returns it.
func (c *Conn) fail(err error) error {
	if err != nil {
		c.lastErr = err.Error()
	}
	return err
}

// DSN is the parsed form of a connection string.
type DSN struct {
	Path        string
	Backend     string // "modernc" or "shared"
	LibPath     string
	AutoClose   bool
	BusyTimeout int // milliseconds, 0 leaves the engine default
}

// ParseDSN supports format: <path>[?backend=modernc|shared&lib=<path>&autoclose=0|1&_busy_timeout=<int>]
func ParseDSN(dsn string) (DSN, error) {
	config := DSN{Path: dsn, Backend: "modernc", AutoClose: true}
	qMark := strings.IndexByte(dsn, '?')
	if qMark < 0 {
		return config, nil
	}
	// URIs keep their query for the engine
	if !strings.HasPrefix(dsn, "file:") {
		config.Path = dsn[:qMark]
	}
	vals, err := url.ParseQuery(dsn[qMark+1:])
	if err != nil {
		return DSN{}, fmt.Errorf("ksqlite: bad dsn %q: %w", dsn, err)
	}
	if v := vals.Get("backend"); v != "" {
		switch strings.ToLower(v) {
		case "modernc", "shared":
			config.Backend = strings.ToLower(v)
		default:
			return DSN{}, fmt.Errorf("ksqlite: unknown backend %q", v)
		}
	}
	if v := vals.Get("lib"); v != "" {
		config.LibPath = v
		if vals.Get("backend") == "" {
			config.Backend = "shared"
		}
	}
	if v := vals.Get("autoclose"); v != "" {
		config.AutoClose = v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	if v := vals.Get("_busy_timeout"); v != "" {
		timeout, err := strconv.Atoi(v)
		if err != nil || timeout < 0 {
			return DSN{}, fmt.Errorf("ksqlite: bad _busy_timeout %q", v)
		}
		config.BusyTimeout = timeout
	}
	return config, nil
}

// BackendFor returns the backend named by the DSN.
func (d DSN) BackendFor() Backend {
	if d.Backend == "shared" {
		return Shared(d.LibPath)
	}
	return Modernc()
}

// OpenDSN parses dsn and opens a connection. Options are applied after the DSN settings.
func OpenDSN(dsn string, opts ...Option) (*Conn, error) {
	config, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	all := append([]Option{WithBackend(config.BackendFor()), WithAutoClose(config.AutoClose)}, opts...)
	c := NewConn(all...)
	if err := c.Open(config.Path); err != nil {
		return nil, err
	}
	if config.BusyTimeout > 0 {
		if err := c.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", config.BusyTimeout), nil); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}
