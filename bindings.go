package ksqlite

import (
	"errors"
	"fmt"
)

// note, that OK, ROW and DONE are statuses - everything else is an error
type ResultCode int32

const (
	SQLITE_OK         ResultCode = 0
	SQLITE_ERROR      ResultCode = 1
	SQLITE_INTERNAL   ResultCode = 2
	SQLITE_PERM       ResultCode = 3
	SQLITE_ABORT      ResultCode = 4
	SQLITE_BUSY       ResultCode = 5
	SQLITE_LOCKED     ResultCode = 6
	SQLITE_NOMEM      ResultCode = 7
	SQLITE_READONLY   ResultCode = 8
	SQLITE_INTERRUPT  ResultCode = 9
	SQLITE_IOERR      ResultCode = 10
	SQLITE_CORRUPT    ResultCode = 11
	SQLITE_NOTFOUND   ResultCode = 12
	SQLITE_FULL       ResultCode = 13
	SQLITE_CANTOPEN   ResultCode = 14
	SQLITE_PROTOCOL   ResultCode = 15
	SQLITE_EMPTY      ResultCode = 16
	SQLITE_SCHEMA     ResultCode = 17
	SQLITE_TOOBIG     ResultCode = 18
	SQLITE_CONSTRAINT ResultCode = 19
	SQLITE_MISMATCH   ResultCode = 20
	SQLITE_MISUSE     ResultCode = 21
	SQLITE_NOLFS      ResultCode = 22
	SQLITE_AUTH       ResultCode = 23
	SQLITE_FORMAT     ResultCode = 24
	SQLITE_RANGE      ResultCode = 25
	SQLITE_NOTADB     ResultCode = 26
	SQLITE_ROW        ResultCode = 100
	SQLITE_DONE       ResultCode = 101
)

// sqlite3_open_v2 flags
const (
	openReadWrite = 0x00000002
	openCreate    = 0x00000004
	openURI       = 0x00000040
)

// Primary returns the result code with the extended bits stripped.
func (rc ResultCode) Primary() ResultCode { return rc & 0xff }

// define opaque handles as-is; zero means "no handle"
type DBHandle uintptr
type StmtHandle uintptr

// Native is the C-level statement API of an embedded SQLite engine.
// Every method maps to exactly one sqlite3_* function.
//
// A Native is bound to one connection and must not be used concurrently.
type Native interface {
	// Open is sqlite3_open_v2. A failed open can still return a non-zero
	// handle which must be passed to Close.
	Open(filename string, flags int) (DBHandle, ResultCode)
	// Close is sqlite3_close.
	Close(db DBHandle) ResultCode
	// ErrStr is sqlite3_errstr.
	ErrStr(rc ResultCode) string
	// ErrMsg is sqlite3_errmsg.
	ErrMsg(db DBHandle) string
	// LibVersion is sqlite3_libversion.
	LibVersion() string
	// Changes is sqlite3_changes.
	Changes(db DBHandle) int64
	// LastInsertRowID is sqlite3_last_insert_rowid.
	LastInsertRowID(db DBHandle) int64

	// Prepare is sqlite3_prepare_v2. Only the first statement of sql is compiled.
	Prepare(db DBHandle, sql string) (StmtHandle, ResultCode)
	// Step is sqlite3_step.
	Step(stmt StmtHandle) ResultCode
	// Reset is sqlite3_reset.
	Reset(stmt StmtHandle) ResultCode
	// ClearBindings is sqlite3_clear_bindings.
	ClearBindings(stmt StmtHandle) ResultCode
	// Finalize is sqlite3_finalize.
	Finalize(stmt StmtHandle) ResultCode

	// BindParameterCount is sqlite3_bind_parameter_count.
	BindParameterCount(stmt StmtHandle) int
	// BindParameterIndex is sqlite3_bind_parameter_index.
	// Returns zero if no matching parameter is found.
	BindParameterIndex(stmt StmtHandle, name string) int
	// BindNull is sqlite3_bind_null.
	BindNull(stmt StmtHandle, pos int) ResultCode
	// BindInt64 is sqlite3_bind_int64.
	BindInt64(stmt StmtHandle, pos int, v int64) ResultCode
	// BindDouble is sqlite3_bind_double.
	BindDouble(stmt StmtHandle, pos int, v float64) ResultCode
	// BindText is sqlite3_bind_text with SQLITE_TRANSIENT.
	BindText(stmt StmtHandle, pos int, v string) ResultCode
	// BindBlob is sqlite3_bind_blob with SQLITE_TRANSIENT,
	// or sqlite3_bind_zeroblob for an empty slice.
	BindBlob(stmt StmtHandle, pos int, v []byte) ResultCode

	// ColumnCount is sqlite3_column_count.
	ColumnCount(stmt StmtHandle) int
	// DataCount is sqlite3_data_count.
	DataCount(stmt StmtHandle) int
	// ColumnType is sqlite3_column_type.
	ColumnType(stmt StmtHandle, col int) Type
	// ColumnName is sqlite3_column_name.
	ColumnName(stmt StmtHandle, col int) string
	// ColumnDeclType is sqlite3_column_decltype.
	ColumnDeclType(stmt StmtHandle, col int) string
	// ColumnInt64 is sqlite3_column_int64.
	ColumnInt64(stmt StmtHandle, col int) int64
	// ColumnDouble is sqlite3_column_double.
	ColumnDouble(stmt StmtHandle, col int) float64
	// ColumnText is sqlite3_column_text + sqlite3_column_bytes, copied.
	ColumnText(stmt StmtHandle, col int) string
	// ColumnBlob is sqlite3_column_blob + sqlite3_column_bytes, copied.
	ColumnBlob(stmt StmtHandle, col int) []byte

	// Release frees per-connection backend state. It is called once after a
	// successful Close.
	Release()
}

// Backend creates Native instances, one per connection.
type Backend interface {
	Name() string
	New() (Native, error)
}

// Error is an engine-level failure.
type Error struct {
	Op   string
	Code ResultCode
	Msg  string
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

// Is reports whether target is the sentinel for this result code.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrBusy:
		return e.Code.Primary() == SQLITE_BUSY
	case ErrConstraint:
		return e.Code.Primary() == SQLITE_CONSTRAINT
	case ErrReadonly:
		return e.Code.Primary() == SQLITE_READONLY
	case ErrMisuse:
		return e.Code.Primary() == SQLITE_MISUSE
	}
	return false
}

var (
	ErrBusy       = errors.New("ksqlite: database is busy")
	ErrConstraint = errors.New("ksqlite: constraint failed")
	ErrReadonly   = errors.New("ksqlite: database is read-only")
	ErrMisuse     = errors.New("ksqlite: API misuse")
)

// statusToError converts a native result code to an error, preferring the
// connection error message over the generic code description.
func statusToError(n Native, db DBHandle, op string, rc ResultCode) error {
	switch rc {
	case SQLITE_OK, SQLITE_ROW, SQLITE_DONE:
		return nil
	}
	msg := ""
	if db != 0 {
		msg = n.ErrMsg(db)
	}
	if msg == "" || msg == "not an error" {
		msg = n.ErrStr(rc)
	}
	if msg == "" {
		msg = fmt.Sprintf("unknown status code %d", rc)
	}
	return &Error{Op: op, Code: rc, Msg: msg}
}
