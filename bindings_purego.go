package ksqlite

import (
	"fmt"
	"unsafe"

	"github.com/ebitengine/purego"
)

// SQLITE_TRANSIENT destructor: sqlite copies the buffer before the bind returns
const sqliteTransient = ^uintptr(0)

// sqliteLib holds the C functions of one loaded libsqlite3.
// Never mix c_ functions with exported types, wrappers below do the conversion.
type sqliteLib struct {
	path string

	c_sqlite3_open_v2 func(
		filename string, // const char*
		ppDb unsafe.Pointer, // sqlite3**
		flags int32,
		zVfs unsafe.Pointer, // const char* | NULL
	) int32
	c_sqlite3_close                 func(db uintptr) int32
	c_sqlite3_errstr                func(rc int32) uintptr
	c_sqlite3_errmsg                func(db uintptr) uintptr
	c_sqlite3_libversion            func() uintptr
	c_sqlite3_changes               func(db uintptr) int32
	c_sqlite3_last_insert_rowid     func(db uintptr) int64
	c_sqlite3_extended_result_codes func(db uintptr, onoff int32) int32

	c_sqlite3_prepare_v2 func(
		db uintptr,
		zSql string, // const char*
		nByte int32,
		ppStmt unsafe.Pointer, // sqlite3_stmt**
		pzTail unsafe.Pointer, // const char** | NULL
	) int32
	c_sqlite3_step           func(stmt uintptr) int32
	c_sqlite3_reset          func(stmt uintptr) int32
	c_sqlite3_clear_bindings func(stmt uintptr) int32
	c_sqlite3_finalize       func(stmt uintptr) int32

	c_sqlite3_bind_parameter_count func(stmt uintptr) int32
	c_sqlite3_bind_parameter_index func(stmt uintptr, zName string) int32
	c_sqlite3_bind_null            func(stmt uintptr, pos int32) int32
	c_sqlite3_bind_int64           func(stmt uintptr, pos int32, v int64) int32
	c_sqlite3_bind_double          func(stmt uintptr, pos int32, v float64) int32
	c_sqlite3_bind_text            func(stmt uintptr, pos int32, v string, n int32, destructor uintptr) int32
	c_sqlite3_bind_blob            func(stmt uintptr, pos int32, v unsafe.Pointer, n int32, destructor uintptr) int32
	c_sqlite3_bind_zeroblob        func(stmt uintptr, pos int32, n int32) int32

	c_sqlite3_column_count    func(stmt uintptr) int32
	c_sqlite3_data_count      func(stmt uintptr) int32
	c_sqlite3_column_type     func(stmt uintptr, col int32) int32
	c_sqlite3_column_name     func(stmt uintptr, col int32) uintptr
	c_sqlite3_column_decltype func(stmt uintptr, col int32) uintptr
	c_sqlite3_column_int64    func(stmt uintptr, col int32) int64
	c_sqlite3_column_double   func(stmt uintptr, col int32) float64
	c_sqlite3_column_text     func(stmt uintptr, col int32) uintptr
	c_sqlite3_column_blob     func(stmt uintptr, col int32) uintptr
	c_sqlite3_column_bytes    func(stmt uintptr, col int32) int32
}

// register binds every symbol; a missing symbol fails the whole library.
func (l *sqliteLib) register(handle uintptr) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("register symbols: %v", r)
		}
	}()
	purego.RegisterLibFunc(&l.c_sqlite3_open_v2, handle, "sqlite3_open_v2")
	purego.RegisterLibFunc(&l.c_sqlite3_close, handle, "sqlite3_close")
	purego.RegisterLibFunc(&l.c_sqlite3_errstr, handle, "sqlite3_errstr")
	purego.RegisterLibFunc(&l.c_sqlite3_errmsg, handle, "sqlite3_errmsg")
	purego.RegisterLibFunc(&l.c_sqlite3_libversion, handle, "sqlite3_libversion")
	purego.RegisterLibFunc(&l.c_sqlite3_changes, handle, "sqlite3_changes")
	purego.RegisterLibFunc(&l.c_sqlite3_last_insert_rowid, handle, "sqlite3_last_insert_rowid")
	purego.RegisterLibFunc(&l.c_sqlite3_extended_result_codes, handle, "sqlite3_extended_result_codes")
	purego.RegisterLibFunc(&l.c_sqlite3_prepare_v2, handle, "sqlite3_prepare_v2")
	purego.RegisterLibFunc(&l.c_sqlite3_step, handle, "sqlite3_step")
	purego.RegisterLibFunc(&l.c_sqlite3_reset, handle, "sqlite3_reset")
	purego.RegisterLibFunc(&l.c_sqlite3_clear_bindings, handle, "sqlite3_clear_bindings")
	purego.RegisterLibFunc(&l.c_sqlite3_finalize, handle, "sqlite3_finalize")
	purego.RegisterLibFunc(&l.c_sqlite3_bind_parameter_count, handle, "sqlite3_bind_parameter_count")
	purego.RegisterLibFunc(&l.c_sqlite3_bind_parameter_index, handle, "sqlite3_bind_parameter_index")
	purego.RegisterLibFunc(&l.c_sqlite3_bind_null, handle, "sqlite3_bind_null")
	purego.RegisterLibFunc(&l.c_sqlite3_bind_int64, handle, "sqlite3_bind_int64")
	purego.RegisterLibFunc(&l.c_sqlite3_bind_double, handle, "sqlite3_bind_double")
	purego.RegisterLibFunc(&l.c_sqlite3_bind_text, handle, "sqlite3_bind_text")
	purego.RegisterLibFunc(&l.c_sqlite3_bind_blob, handle, "sqlite3_bind_blob")
	purego.RegisterLibFunc(&l.c_sqlite3_bind_zeroblob, handle, "sqlite3_bind_zeroblob")
	purego.RegisterLibFunc(&l.c_sqlite3_column_count, handle, "sqlite3_column_count")
	purego.RegisterLibFunc(&l.c_sqlite3_data_count, handle, "sqlite3_data_count")
	purego.RegisterLibFunc(&l.c_sqlite3_column_type, handle, "sqlite3_column_type")
	purego.RegisterLibFunc(&l.c_sqlite3_column_name, handle, "sqlite3_column_name")
	purego.RegisterLibFunc(&l.c_sqlite3_column_decltype, handle, "sqlite3_column_decltype")
	purego.RegisterLibFunc(&l.c_sqlite3_column_int64, handle, "sqlite3_column_int64")
	purego.RegisterLibFunc(&l.c_sqlite3_column_double, handle, "sqlite3_column_double")
	purego.RegisterLibFunc(&l.c_sqlite3_column_text, handle, "sqlite3_column_text")
	purego.RegisterLibFunc(&l.c_sqlite3_column_blob, handle, "sqlite3_column_blob")
	purego.RegisterLibFunc(&l.c_sqlite3_column_bytes, handle, "sqlite3_column_bytes")
	return nil
}

type sharedBackend struct {
	path string
}

// Shared returns the backend that drives the system libsqlite3 through purego.
// An empty path searches KSQLITE_LIB_PATH and then the platform default names.
// The library itself is loaded on the first New call.
func Shared(path string) Backend { return sharedBackend{path: path} }

func (b sharedBackend) Name() string { return "shared" }

func (b sharedBackend) New() (Native, error) {
	lib, err := loadLib(b.path)
	if err != nil {
		return nil, err
	}
	return &sharedNative{lib: lib}, nil
}

// SharedAvailable reports whether the shared library at path can be loaded.
func SharedAvailable(path string) bool {
	_, err := loadLib(path)
	return err == nil
}

type sharedNative struct {
	lib *sqliteLib
}

func (n *sharedNative) Open(filename string, flags int) (DBHandle, ResultCode) {
	var db uintptr
	code := n.lib.c_sqlite3_open_v2(filename, unsafe.Pointer(&db), int32(flags), nil)
	if db != 0 {
		n.lib.c_sqlite3_extended_result_codes(db, 1)
	}
	return DBHandle(db), ResultCode(code)
}

func (n *sharedNative) Close(db DBHandle) ResultCode {
	return ResultCode(n.lib.c_sqlite3_close(uintptr(db)))
}

func (n *sharedNative) ErrStr(rc ResultCode) string {
	return copyCString(n.lib.c_sqlite3_errstr(int32(rc)))
}

func (n *sharedNative) ErrMsg(db DBHandle) string {
	return copyCString(n.lib.c_sqlite3_errmsg(uintptr(db)))
}

func (n *sharedNative) LibVersion() string {
	return copyCString(n.lib.c_sqlite3_libversion())
}

func (n *sharedNative) Changes(db DBHandle) int64 {
	return int64(n.lib.c_sqlite3_changes(uintptr(db)))
}

func (n *sharedNative) LastInsertRowID(db DBHandle) int64 {
	return n.lib.c_sqlite3_last_insert_rowid(uintptr(db))
}

func (n *sharedNative) Prepare(db DBHandle, sql string) (StmtHandle, ResultCode) {
	var stmt uintptr
	code := n.lib.c_sqlite3_prepare_v2(uintptr(db), sql, -1, unsafe.Pointer(&stmt), nil)
	return StmtHandle(stmt), ResultCode(code)
}

func (n *sharedNative) Step(stmt StmtHandle) ResultCode {
	return ResultCode(n.lib.c_sqlite3_step(uintptr(stmt)))
}

func (n *sharedNative) Reset(stmt StmtHandle) ResultCode {
	return ResultCode(n.lib.c_sqlite3_reset(uintptr(stmt)))
}

func (n *sharedNative) ClearBindings(stmt StmtHandle) ResultCode {
	return ResultCode(n.lib.c_sqlite3_clear_bindings(uintptr(stmt)))
}

func (n *sharedNative) Finalize(stmt StmtHandle) ResultCode {
	return ResultCode(n.lib.c_sqlite3_finalize(uintptr(stmt)))
}

func (n *sharedNative) BindParameterCount(stmt StmtHandle) int {
	return int(n.lib.c_sqlite3_bind_parameter_count(uintptr(stmt)))
}

func (n *sharedNative) BindParameterIndex(stmt StmtHandle, name string) int {
	return int(n.lib.c_sqlite3_bind_parameter_index(uintptr(stmt), name))
}

func (n *sharedNative) BindNull(stmt StmtHandle, pos int) ResultCode {
	return ResultCode(n.lib.c_sqlite3_bind_null(uintptr(stmt), int32(pos)))
}

func (n *sharedNative) BindInt64(stmt StmtHandle, pos int, v int64) ResultCode {
	return ResultCode(n.lib.c_sqlite3_bind_int64(uintptr(stmt), int32(pos), v))
}

func (n *sharedNative) BindDouble(stmt StmtHandle, pos int, v float64) ResultCode {
	return ResultCode(n.lib.c_sqlite3_bind_double(uintptr(stmt), int32(pos), v))
}

func (n *sharedNative) BindText(stmt StmtHandle, pos int, v string) ResultCode {
	return ResultCode(n.lib.c_sqlite3_bind_text(uintptr(stmt), int32(pos), v, int32(len(v)), sqliteTransient))
}

func (n *sharedNative) BindBlob(stmt StmtHandle, pos int, v []byte) ResultCode {
	if len(v) == 0 {
		return ResultCode(n.lib.c_sqlite3_bind_zeroblob(uintptr(stmt), int32(pos), 0))
	}
	return ResultCode(n.lib.c_sqlite3_bind_blob(uintptr(stmt), int32(pos), unsafe.Pointer(&v[0]), int32(len(v)), sqliteTransient))
}

func (n *sharedNative) ColumnCount(stmt StmtHandle) int {
	return int(n.lib.c_sqlite3_column_count(uintptr(stmt)))
}

func (n *sharedNative) DataCount(stmt StmtHandle) int {
	return int(n.lib.c_sqlite3_data_count(uintptr(stmt)))
}

func (n *sharedNative) ColumnType(stmt StmtHandle, col int) Type {
	return Type(n.lib.c_sqlite3_column_type(uintptr(stmt), int32(col)))
}

func (n *sharedNative) ColumnName(stmt StmtHandle, col int) string {
	return copyCString(n.lib.c_sqlite3_column_name(uintptr(stmt), int32(col)))
}

func (n *sharedNative) ColumnDeclType(stmt StmtHandle, col int) string {
	return copyCString(n.lib.c_sqlite3_column_decltype(uintptr(stmt), int32(col)))
}

func (n *sharedNative) ColumnInt64(stmt StmtHandle, col int) int64 {
	return n.lib.c_sqlite3_column_int64(uintptr(stmt), int32(col))
}

func (n *sharedNative) ColumnDouble(stmt StmtHandle, col int) float64 {
	return n.lib.c_sqlite3_column_double(uintptr(stmt), int32(col))
}

func (n *sharedNative) ColumnText(stmt StmtHandle, col int) string {
	p := n.lib.c_sqlite3_column_text(uintptr(stmt), int32(col))
	size := int(n.lib.c_sqlite3_column_bytes(uintptr(stmt), int32(col)))
	return string(copyBytes(p, size))
}

func (n *sharedNative) ColumnBlob(stmt StmtHandle, col int) []byte {
	p := n.lib.c_sqlite3_column_blob(uintptr(stmt), int32(col))
	size := int(n.lib.c_sqlite3_column_bytes(uintptr(stmt), int32(col)))
	return copyBytes(p, size)
}

// the library handle outlives connections, nothing to release
func (n *sharedNative) Release() {}

// Helpers

func copyCString(p uintptr) string {
	if p == 0 {
		return ""
	}
	n := 0
	for *(*byte)(unsafe.Add(unsafe.Pointer(p), n)) != 0 {
		n++
	}
	return string(copyBytes(p, n))
}

func copyBytes(p uintptr, n int) []byte {
	out := make([]byte, n)
	if p != 0 && n > 0 {
		copy(out, unsafe.Slice((*byte)(unsafe.Pointer(p)), n))
	}
	return out
}
