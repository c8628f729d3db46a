package ksqlite

import (
	"unsafe"

	"modernc.org/libc"
	"modernc.org/libc/sys/types"
	sqlite3 "modernc.org/sqlite/lib"
)

const ptrSize = unsafe.Sizeof(uintptr(0))

type moderncBackend struct{}

// Modernc returns the pure Go backend: the SQLite amalgamation transpiled by
// modernc.org, no shared library or cgo required.
func Modernc() Backend { return moderncBackend{} }

func (moderncBackend) Name() string { return "modernc" }

func (moderncBackend) New() (Native, error) {
	return &moderncNative{tls: libc.NewTLS()}, nil
}

// moderncNative owns one TLS, like a modernc.org/sqlite connection does.
type moderncNative struct {
	tls *libc.TLS
}

func (m *moderncNative) malloc(n int) uintptr {
	return libc.Xmalloc(m.tls, types.Size_t(n))
}

func (m *moderncNative) free(p uintptr) {
	if p != 0 {
		libc.Xfree(m.tls, p)
	}
}

// cString allocates a NUL-terminated copy of s in libc memory.
// The caller frees it.
func (m *moderncNative) cString(s string) (uintptr, ResultCode) {
	p, err := libc.CString(s)
	if err != nil {
		return 0, SQLITE_NOMEM
	}
	return p, SQLITE_OK
}

func (m *moderncNative) copyOut(p uintptr, n int) []byte {
	out := make([]byte, n)
	if p != 0 && n > 0 {
		copy(out, (*libc.RawMem)(unsafe.Pointer(p))[:n:n])
	}
	return out
}

func (m *moderncNative) Open(filename string, flags int) (DBHandle, ResultCode) {
	name, rc := m.cString(filename)
	if rc != SQLITE_OK {
		return 0, rc
	}
	defer m.free(name)
	pdb := m.malloc(int(ptrSize))
	if pdb == 0 {
		return 0, SQLITE_NOMEM
	}
	defer m.free(pdb)
	*(*uintptr)(unsafe.Pointer(pdb)) = 0
	code := sqlite3.Xsqlite3_open_v2(m.tls, name, pdb, int32(flags), 0)
	return DBHandle(*(*uintptr)(unsafe.Pointer(pdb))), ResultCode(code)
}

func (m *moderncNative) Close(db DBHandle) ResultCode {
	return ResultCode(sqlite3.Xsqlite3_close(m.tls, uintptr(db)))
}

func (m *moderncNative) ErrStr(rc ResultCode) string {
	return libc.GoString(sqlite3.Xsqlite3_errstr(m.tls, int32(rc)))
}

func (m *moderncNative) ErrMsg(db DBHandle) string {
	return libc.GoString(sqlite3.Xsqlite3_errmsg(m.tls, uintptr(db)))
}

func (m *moderncNative) LibVersion() string {
	return libc.GoString(sqlite3.Xsqlite3_libversion(m.tls))
}

func (m *moderncNative) Changes(db DBHandle) int64 {
	return int64(sqlite3.Xsqlite3_changes(m.tls, uintptr(db)))
}

func (m *moderncNative) LastInsertRowID(db DBHandle) int64 {
	return sqlite3.Xsqlite3_last_insert_rowid(m.tls, uintptr(db))
}

func (m *moderncNative) Prepare(db DBHandle, sql string) (StmtHandle, ResultCode) {
	zSQL, rc := m.cString(sql)
	if rc != SQLITE_OK {
		return 0, rc
	}
	defer m.free(zSQL)
	ppstmt := m.malloc(int(ptrSize))
	if ppstmt == 0 {
		return 0, SQLITE_NOMEM
	}
	defer m.free(ppstmt)
	*(*uintptr)(unsafe.Pointer(ppstmt)) = 0
	code := sqlite3.Xsqlite3_prepare_v2(m.tls, uintptr(db), zSQL, -1, ppstmt, 0)
	return StmtHandle(*(*uintptr)(unsafe.Pointer(ppstmt))), ResultCode(code)
}

func (m *moderncNative) Step(stmt StmtHandle) ResultCode {
	return ResultCode(sqlite3.Xsqlite3_step(m.tls, uintptr(stmt)))
}

func (m *moderncNative) Reset(stmt StmtHandle) ResultCode {
	return ResultCode(sqlite3.Xsqlite3_reset(m.tls, uintptr(stmt)))
}

func (m *moderncNative) ClearBindings(stmt StmtHandle) ResultCode {
	return ResultCode(sqlite3.Xsqlite3_clear_bindings(m.tls, uintptr(stmt)))
}

func (m *moderncNative) Finalize(stmt StmtHandle) ResultCode {
	return ResultCode(sqlite3.Xsqlite3_finalize(m.tls, uintptr(stmt)))
}

func (m *moderncNative) BindParameterCount(stmt StmtHandle) int {
	return int(sqlite3.Xsqlite3_bind_parameter_count(m.tls, uintptr(stmt)))
}

func (m *moderncNative) BindParameterIndex(stmt StmtHandle, name string) int {
	zName, rc := m.cString(name)
	if rc != SQLITE_OK {
		return 0
	}
	defer m.free(zName)
	return int(sqlite3.Xsqlite3_bind_parameter_index(m.tls, uintptr(stmt), zName))
}

func (m *moderncNative) BindNull(stmt StmtHandle, pos int) ResultCode {
	return ResultCode(sqlite3.Xsqlite3_bind_null(m.tls, uintptr(stmt), int32(pos)))
}

func (m *moderncNative) BindInt64(stmt StmtHandle, pos int, v int64) ResultCode {
	return ResultCode(sqlite3.Xsqlite3_bind_int64(m.tls, uintptr(stmt), int32(pos), v))
}

func (m *moderncNative) BindDouble(stmt StmtHandle, pos int, v float64) ResultCode {
	return ResultCode(sqlite3.Xsqlite3_bind_double(m.tls, uintptr(stmt), int32(pos), v))
}

func (m *moderncNative) BindText(stmt StmtHandle, pos int, v string) ResultCode {
	p, rc := m.cString(v)
	if rc != SQLITE_OK {
		return rc
	}
	// SQLITE_TRANSIENT makes sqlite take its own copy
	defer m.free(p)
	return ResultCode(sqlite3.Xsqlite3_bind_text(m.tls, uintptr(stmt), int32(pos), p, int32(len(v)), sqlite3.SQLITE_TRANSIENT))
}

func (m *moderncNative) BindBlob(stmt StmtHandle, pos int, v []byte) ResultCode {
	if len(v) == 0 {
		return ResultCode(sqlite3.Xsqlite3_bind_zeroblob(m.tls, uintptr(stmt), int32(pos), 0))
	}
	p := m.malloc(len(v))
	if p == 0 {
		return SQLITE_NOMEM
	}
	defer m.free(p)
	copy((*libc.RawMem)(unsafe.Pointer(p))[:len(v):len(v)], v)
	return ResultCode(sqlite3.Xsqlite3_bind_blob(m.tls, uintptr(stmt), int32(pos), p, int32(len(v)), sqlite3.SQLITE_TRANSIENT))
}

func (m *moderncNative) ColumnCount(stmt StmtHandle) int {
	return int(sqlite3.Xsqlite3_column_count(m.tls, uintptr(stmt)))
}

func (m *moderncNative) DataCount(stmt StmtHandle) int {
	return int(sqlite3.Xsqlite3_data_count(m.tls, uintptr(stmt)))
}

func (m *moderncNative) ColumnType(stmt StmtHandle, col int) Type {
	return Type(sqlite3.Xsqlite3_column_type(m.tls, uintptr(stmt), int32(col)))
}

func (m *moderncNative) ColumnName(stmt StmtHandle, col int) string {
	return libc.GoString(sqlite3.Xsqlite3_column_name(m.tls, uintptr(stmt), int32(col)))
}

func (m *moderncNative) ColumnDeclType(stmt StmtHandle, col int) string {
	return libc.GoString(sqlite3.Xsqlite3_column_decltype(m.tls, uintptr(stmt), int32(col)))
}

func (m *moderncNative) ColumnInt64(stmt StmtHandle, col int) int64 {
	return sqlite3.Xsqlite3_column_int64(m.tls, uintptr(stmt), int32(col))
}

func (m *moderncNative) ColumnDouble(stmt StmtHandle, col int) float64 {
	return sqlite3.Xsqlite3_column_double(m.tls, uintptr(stmt), int32(col))
}

func (m *moderncNative) ColumnText(stmt StmtHandle, col int) string {
	// column_text must come before column_bytes
	p := sqlite3.Xsqlite3_column_text(m.tls, uintptr(stmt), int32(col))
	n := int(sqlite3.Xsqlite3_column_bytes(m.tls, uintptr(stmt), int32(col)))
	if p == 0 || n == 0 {
		return ""
	}
	return string(m.copyOut(p, n))
}

func (m *moderncNative) ColumnBlob(stmt StmtHandle, col int) []byte {
	p := sqlite3.Xsqlite3_column_blob(m.tls, uintptr(stmt), int32(col))
	n := int(sqlite3.Xsqlite3_column_bytes(m.tls, uintptr(stmt), int32(col)))
	return m.copyOut(p, n)
}

func (m *moderncNative) Release() {
	if m.tls != nil {
		m.tls.Close()
		m.tls = nil
	}
}
