package ksqlite

import "fmt"

// stmt is a prepared statement owned by one execution.
type stmt struct {
	id        uint64
	conn      *Conn
	handle    StmtHandle
	finalized bool
}

func (c *Conn) prepare(sql string) (*stmt, error) {
	h, rc := c.native.Prepare(c.db, sql)
	if rc != SQLITE_OK {
		return nil, statusToError(c.native, c.db, "prepare", rc)
	}
	if h == 0 {
		// empty text or comments only
		return nil, nil
	}
	s := &stmt{conn: c, handle: h}
	c.registry.acquire(s)
	return s, nil
}

// finalize releases the statement on the regular path. It is a no-op once finalized.
func (s *stmt) finalize() {
	if s.finalized {
		return
	}
	s.finalized = true
	// finalize repeats the error of the last step, which was reported already
	_ = s.conn.native.Finalize(s.handle)
	s.conn.registry.release(s)
}

// finalizeForced is the Shutdown path, the registry already dropped s.
func (s *stmt) finalizeForced() error {
	if s.finalized {
		return nil
	}
	s.finalized = true
	if s.conn.native == nil {
		return fmt.Errorf("ksqlite: statement %d outlived its connection", s.id)
	}
	s.conn.native.Finalize(s.handle)
	return nil
}

// bind resolves every key first and then binds in position order.
func (s *stmt) bind(b *Binder) error {
	n := s.conn.native
	params, err := b.resolve(func(name string) int { return n.BindParameterIndex(s.handle, name) })
	if err != nil {
		return err
	}
	for _, p := range params {
		var rc ResultCode
		switch p.val.Type() {
		case TypeNull:
			rc = n.BindNull(s.handle, p.pos)
		case TypeInteger:
			rc = n.BindInt64(s.handle, p.pos, p.val.i)
		case TypeReal:
			rc = n.BindDouble(s.handle, p.pos, p.val.f)
		case TypeText:
			rc = n.BindText(s.handle, p.pos, p.val.s)
		case TypeBlob:
			rc = n.BindBlob(s.handle, p.pos, p.val.b)
		default:
			return fmt.Errorf("%w: binding %s of type %d", ErrInternal, p.key, p.val.Type())
		}
		if err := statusToError(n, s.conn.db, "binding "+p.key.String(), rc); err != nil {
			return err
		}
	}
	return nil
}

// run is the execution loop shared by every operation. The statement is
// finalized on every way out, a panic in a callback continues after that.
func (c *Conn) run(sql string, bind BindFunc, step func(s *stmt, iteration int) (done bool, err error)) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	s, err := c.prepare(sql)
	if err != nil {
		return c.fail(err)
	}
	if s == nil {
		return nil
	}
	defer s.finalize()

	b := newBinder()
	for iteration := 0; ; iteration++ {
		b.iteration = iteration
		if !bind(b, iteration) {
			return nil
		}
		if s.finalized {
			return c.fail(fmt.Errorf("%w: statement finalized during execution", ErrInternal))
		}
		if iteration > 0 {
			if err := statusToError(c.native, c.db, "reset", c.native.Reset(s.handle)); err != nil {
				return c.fail(err)
			}
			if err := statusToError(c.native, c.db, "clear bindings", c.native.ClearBindings(s.handle)); err != nil {
				return c.fail(err)
			}
		}
		if err := s.bind(b); err != nil {
			return c.fail(err)
		}
		done, err := step(s, iteration)
		if err != nil {
			return c.fail(err)
		}
		if done {
			return nil
		}
		b.reset()
	}
}

// ExecPrepared runs sql once per iteration accepted by bind. Each iteration
// steps the statement once, so it suits statements without result rows.
func (c *Conn) ExecPrepared(sql string, bind BindFunc) error {
	return c.run(sql, bind, func(s *stmt, _ int) (bool, error) {
		rc := c.native.Step(s.handle)
		if rc != SQLITE_ROW && rc != SQLITE_DONE {
			return false, statusToError(c.native, c.db, "step", rc)
		}
		return false, nil
	})
}

// Exec runs sql once with params.
func (c *Conn) Exec(sql string, params Params) error {
	return c.ExecPrepared(sql, paramsOnce(params))
}

// QueryPrepared runs sql once per iteration accepted by bind and calls row for every result row.
// RowContext.Stop ends the whole execution successfully.
func (c *Conn) QueryPrepared(sql string, bind BindFunc, row RowFunc) error {
	var ctx *RowContext
	return c.run(sql, bind, func(s *stmt, iteration int) (bool, error) {
		if ctx != nil {
			ctx.nextIteration(iteration)
		}
		for {
			rc := c.native.Step(s.handle)
			switch rc {
			case SQLITE_DONE:
				return false, nil
			case SQLITE_ROW:
			default:
				return false, statusToError(c.native, c.db, "step", rc)
			}
			if ctx == nil {
				ctx = newRowContext(c.native, s.handle)
				ctx.iteration = iteration
			}
			if row != nil {
				if err := row(ctx); err != nil {
					return false, err
				}
			}
			if ctx.stopped {
				return true, nil
			}
			if s.finalized {
				return false, fmt.Errorf("%w: statement finalized during execution", ErrInternal)
			}
			ctx.nextRow()
		}
	})
}

// Query runs sql once with params and calls row for every result row.
func (c *Conn) Query(sql string, params Params, row RowFunc) error {
	return c.QueryPrepared(sql, paramsOnce(params), row)
}

// Fetch returns every result row keyed by column name.
func (c *Conn) Fetch(sql string, params Params) ([]map[string]Value, error) {
	return FetchMapped(c, sql, params, (*RowContext).RowDataAssoc)
}

// FetchMapped returns every result row converted by fn.
func FetchMapped[T any](c *Conn, sql string, params Params, fn func(ctx *RowContext) T) ([]T, error) {
	var res []T
	err := c.Query(sql, params, func(ctx *RowContext) error {
		res = append(res, fn(ctx))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// FetchRow returns the only result row, nil if there is none.
func (c *Conn) FetchRow(sql string, params Params) ([]Value, error) {
	return fetchOne(c, sql, params, (*RowContext).RowData)
}

// FetchRowAssoc is like FetchRow with values keyed by column name.
func (c *Conn) FetchRowAssoc(sql string, params Params) (map[string]Value, error) {
	return fetchOne(c, sql, params, (*RowContext).RowDataAssoc)
}

// FetchColumn returns the only value of a single column result.
// No rows gives Null with no error.
func (c *Conn) FetchColumn(sql string, params Params) (Value, error) {
	res := Null()
	err := c.Query(sql, params, func(ctx *RowContext) error {
		if n := ctx.ColumnCount(); n != 1 {
			ctx.Stop()
			return fmt.Errorf("%w: expected 1 column, got %d", ErrColumnCount, n)
		}
		if ctx.Index() != 0 {
			ctx.Stop()
			return ErrMultipleRows
		}
		res = ctx.RowData()[0]
		return nil
	})
	if err != nil {
		return Null(), err
	}
	return res, nil
}

func fetchOne[T any](c *Conn, sql string, params Params, fn func(ctx *RowContext) T) (T, error) {
	var res, zero T
	err := c.Query(sql, params, func(ctx *RowContext) error {
		if ctx.Index() != 0 {
			ctx.Stop()
			return ErrMultipleRows
		}
		res = fn(ctx)
		return nil
	})
	if err != nil {
		return zero, err
	}
	return res, nil
}

// WithTransaction runs fn inside BEGIN. fn returning true commits, false rolls back.
// An error or a panic from fn rolls back and is passed on.
func (c *Conn) WithTransaction(fn func(c *Conn) (commit bool, err error)) error {
	if err := c.Exec("BEGIN", nil); err != nil {
		return err
	}
	finished := false
	defer func() {
		if finished {
			return
		}
		// panic path
		_ = c.Exec("ROLLBACK", nil)
	}()

	commit, err := fn(c)
	finished = true
	if err != nil || !commit {
		if rbErr := c.Exec("ROLLBACK", nil); rbErr != nil && err == nil {
			return rbErr
		}
		return err
	}
	return c.Exec("COMMIT", nil)
}

// paramsOnce binds params for the first iteration only.
func paramsOnce(params Params) BindFunc {
	return func(b *Binder, iteration int) bool {
		if iteration != 0 {
			return false
		}
		b.BindParams(params)
		return true
	}
}
