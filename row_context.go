package ksqlite

import "fmt"

// RowFunc is called once per result row. A non-nil error aborts the execution
// and is returned to the caller as is.
type RowFunc func(ctx *RowContext) error

// RowContext is the current result row of a running statement.
// It is only valid inside the row callback.
type RowContext struct {
	native Native
	stmt   StmtHandle

	index     int
	iteration int
	numCols   int
	stopped   bool

	values []Value          // current row, lazily read
	assoc  map[string]Value // current row by name, lazily built
	names  []string         // per execution
}

func newRowContext(n Native, stmt StmtHandle) *RowContext {
	return &RowContext{native: n, stmt: stmt, numCols: n.DataCount(stmt)}
}

// Stop ends the execution once the callback returns. The rest of the callback still runs.
// Calling Stop several times is fine.
func (r *RowContext) Stop() { r.stopped = true }

// Stopped reports whether Stop was called.
func (r *RowContext) Stopped() bool { return r.stopped }

// Index returns the 0-based number of the row within the current iteration.
func (r *RowContext) Index() int { return r.index }

// Iteration returns the bind iteration that produced the row.
func (r *RowContext) Iteration() int { return r.iteration }

// ColumnCount returns the number of columns of the result.
func (r *RowContext) ColumnCount() int { return r.numCols }

// ColumnType returns the storage class of the column in the current row.
func (r *RowContext) ColumnType(col int) Type {
	return r.native.ColumnType(r.stmt, col)
}

// ColumnName returns the name of the column, or "" for an invalid index.
func (r *RowContext) ColumnName(col int) string {
	if col < 0 || col >= r.numCols {
		return ""
	}
	if r.names == nil {
		r.names = make([]string, r.numCols)
		for i := range r.names {
			r.names[i] = r.native.ColumnName(r.stmt, i)
		}
	}
	return r.names[col]
}

// ColumnNames returns all column names.
func (r *RowContext) ColumnNames() []string {
	out := make([]string, r.numCols)
	for i := range out {
		out[i] = r.ColumnName(i)
	}
	return out
}

// RowData returns the values of the current row. The row is read on the first
// call and cached until the next row.
func (r *RowContext) RowData() []Value {
	if r.values == nil {
		r.values = make([]Value, r.numCols)
		for i := range r.values {
			r.values[i] = r.column(i)
		}
	}
	return r.values
}

// RowDataAssoc is like RowData, keyed by column name. A later column wins over
// an earlier one with the same name.
func (r *RowContext) RowDataAssoc() map[string]Value {
	if r.assoc == nil {
		values := r.RowData()
		r.assoc = make(map[string]Value, len(values))
		for i, v := range values {
			r.assoc[r.ColumnName(i)] = v
		}
	}
	return r.assoc
}

// Value returns one column of the current row.
func (r *RowContext) Value(col int) Value {
	if col < 0 || col >= r.numCols {
		return Null()
	}
	return r.RowData()[col]
}

func (r *RowContext) column(col int) Value {
	switch t := r.native.ColumnType(r.stmt, col); t {
	case TypeInteger:
		return Integer(r.native.ColumnInt64(r.stmt, col))
	case TypeReal:
		return Real(r.native.ColumnDouble(r.stmt, col))
	case TypeText:
		return Text(r.native.ColumnText(r.stmt, col))
	case TypeBlob:
		return Blob(r.native.ColumnBlob(r.stmt, col))
	case TypeNull:
		return Null()
	default:
		panic(fmt.Errorf("%w: column %d has unexpected type %d", ErrInternal, col, t))
	}
}

// nextRow drops the per-row caches; column count and names stay.
func (r *RowContext) nextRow() {
	r.index++
	r.values = nil
	r.assoc = nil
}

func (r *RowContext) nextIteration(iteration int) {
	r.iteration = iteration
	r.index = 0
	r.values = nil
	r.assoc = nil
}
