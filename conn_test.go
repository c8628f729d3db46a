package ksqlite

import (
	"bytes"
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-pkgz/lgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConn_OpenClose(t *testing.T) {
	reg := NewRegistry(WithRegistryLogger(lgr.NoOp))
	path := filepath.Join(t.TempDir(), "test.db")

	conn := NewConn(WithRegistry(reg), WithLogger(lgr.NoOp))
	assert.True(t, conn.Closed())
	assert.Equal(t, "", conn.Version())
	assert.Equal(t, int64(0), conn.Changes())

	require.NoError(t, conn.Open(path))
	assert.False(t, conn.Closed())
	assert.Equal(t, path, conn.Path())
	assert.Regexp(t, `^3\.\d+\.\d+`, conn.Version())

	err := conn.Open(path)
	require.ErrorIs(t, err, ErrConnOpen)
	assert.Equal(t, ErrConnOpen.Error(), conn.LastError())

	require.NoError(t, conn.Exec("CREATE TABLE t (v TEXT)", nil))
	require.NoError(t, conn.Exec("INSERT INTO t VALUES (?)", Args("persisted")))
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close(), "second close is a no-op")
	assert.True(t, conn.Closed())

	// reopen the same file with the same Conn
	require.NoError(t, conn.Open(path))
	defer conn.Close()
	assert.Equal(t, "", conn.LastError(), "successful open clears the last error")
	v, err := conn.FetchColumn("SELECT v FROM t", nil)
	require.NoError(t, err)
	assert.Equal(t, Text("persisted"), v)
}

func TestConn_DefaultLogsNothing(t *testing.T) {
	buf := bytes.Buffer{}
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	conn := NewConn()
	require.NoError(t, conn.Open(":memory:"))
	require.NoError(t, conn.Exec("SELECT 1", nil))
	require.NoError(t, conn.Close())
	assert.Empty(t, buf.String())
}

func TestConn_CloseFinalizesLiveStatements(t *testing.T) {
	reg := NewRegistry(WithRegistryLogger(lgr.NoOp))
	conn := NewConn(WithRegistry(reg), WithLogger(lgr.NoOp))
	require.NoError(t, conn.Open(":memory:"))

	// an execution abandoned without its deferred finalize
	s, err := conn.prepare("SELECT 1")
	require.NoError(t, err)
	other := NewConn(WithRegistry(reg), WithLogger(lgr.NoOp))
	require.NoError(t, other.Open(":memory:"))
	defer other.Close()
	_, err = other.prepare("SELECT 2")
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.True(t, s.finalized)
	assert.Nil(t, conn.native, "backend released")
	assert.Equal(t, RegistryStats{Acquired: 2, Forced: 1, Live: 1}, reg.Stats(), "only statements of the closed conn")

	// reopening gets a fresh backend
	require.NoError(t, conn.Open(":memory:"))
	defer conn.Close()
	v, err := conn.FetchColumn("SELECT 7", nil)
	require.NoError(t, err)
	assert.Equal(t, Integer(7), v)
}

func TestConn_OpenFailure(t *testing.T) {
	reg := NewRegistry(WithRegistryLogger(lgr.NoOp))
	conn := NewConn(WithRegistry(reg), WithLogger(lgr.NoOp))

	err := conn.Open(filepath.Join(t.TempDir(), "no", "such", "dir", "test.db"))
	require.Error(t, err)
	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, SQLITE_CANTOPEN, serr.Code.Primary())
	assert.Contains(t, conn.LastError(), "unable to open database file")
	assert.True(t, conn.Closed())
	assert.Equal(t, 0, reg.Stats().LiveConns)

	err = conn.Exec("SELECT 1", nil)
	require.ErrorIs(t, err, ErrConnClosed)
}

func TestConn_BackendFailure(t *testing.T) {
	conn := NewConn(WithRegistry(NewRegistry()), WithLogger(lgr.NoOp), WithBackend(failingBackend{}))
	err := conn.Open(":memory:")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ksqlite: backend failing: no native library")
	assert.True(t, conn.Closed())
}

type failingBackend struct{}

func (failingBackend) Name() string { return "failing" }
func (failingBackend) New() (Native, error) { return nil, errors.New("no native library") }

func TestConn_URI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uri.db")
	conn, _ := openMem(t)
	require.NoError(t, conn.Close())

	require.NoError(t, conn.Open("file:"+path+"?mode=rwc"))
	require.NoError(t, conn.Exec("CREATE TABLE t (v)", nil))
	require.NoError(t, conn.Close())
	_, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, conn.Open("file:"+path+"?mode=ro"))
	err = conn.Exec("INSERT INTO t VALUES (1)", nil)
	require.ErrorIs(t, err, ErrReadonly)
}

func TestParseDSN(t *testing.T) {
	tests := []struct {
		dsn     string
		want    DSN
		wantErr bool
	}{
		{dsn: ":memory:", want: DSN{Path: ":memory:", Backend: "modernc", AutoClose: true}},
		{dsn: "test.db?_busy_timeout=5000", want: DSN{Path: "test.db", Backend: "modernc", AutoClose: true, BusyTimeout: 5000}},
		{dsn: "test.db?backend=Shared", want: DSN{Path: "test.db", Backend: "shared", AutoClose: true}},
		{dsn: "test.db?lib=/opt/libsqlite3.so", want: DSN{Path: "test.db", Backend: "shared", LibPath: "/opt/libsqlite3.so", AutoClose: true}},
		{dsn: "test.db?backend=modernc&lib=/opt/libsqlite3.so",
			want: DSN{Path: "test.db", Backend: "modernc", LibPath: "/opt/libsqlite3.so", AutoClose: true}},
		{dsn: "test.db?autoclose=0", want: DSN{Path: "test.db", Backend: "modernc"}},
		{dsn: "test.db?autoclose=yes", want: DSN{Path: "test.db", Backend: "modernc", AutoClose: true}},
		{dsn: "file:test.db?mode=ro&_busy_timeout=10",
			want: DSN{Path: "file:test.db?mode=ro&_busy_timeout=10", Backend: "modernc", AutoClose: true, BusyTimeout: 10}},
		{dsn: "test.db?backend=cgo", wantErr: true},
		{dsn: "test.db?_busy_timeout=soon", wantErr: true},
		{dsn: "test.db?_busy_timeout=-1", wantErr: true},
		{dsn: "test.db?%zz", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			got, err := ParseDSN(tt.dsn)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOpenDSN(t *testing.T) {
	reg := NewRegistry(WithRegistryLogger(lgr.NoOp))
	conn, err := OpenDSN(":memory:?_busy_timeout=1234&autoclose=0", WithRegistry(reg), WithLogger(lgr.NoOp))
	require.NoError(t, err)
	defer conn.Close()

	v, err := conn.FetchColumn("PRAGMA busy_timeout", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), v.Int64())
	assert.Equal(t, 0, reg.Stats().LiveConns)

	_, err = OpenDSN(":memory:?backend=nope")
	require.Error(t, err)
}

func TestDSN_BackendFor(t *testing.T) {
	assert.Equal(t, "modernc", DSN{}.BackendFor().Name())
	assert.Equal(t, "shared", DSN{Backend: "shared"}.BackendFor().Name())
}
