package ksqlite

import (
	"fmt"
	"sort"
	"strconv"
)

// Key is a bind parameter key: a 1-based position or a name with its sigil (":id", "@id", "$id").
type Key struct {
	pos  int
	name string
	// anySigil matches name under ":", "@" or "$"
	anySigil bool
}

// Pos returns a positional key. Positions start at 1.
func Pos(i int) Key { return Key{pos: i} }

// Named returns a named key. The name must include its prefix, e.g. ":name".
func Named(name string) Key { return Key{name: name} }

// namedAnySigil returns a key for a bare name, bound to whichever of ":name",
// "@name" or "$name" the statement uses.
func namedAnySigil(name string) Key { return Key{name: name, anySigil: true} }

func (k Key) IsNamed() bool { return k.name != "" }

// position looks the name up, trying every sigil for a bare name. 0 means not found.
func (k Key) position(lookup func(name string) int) int {
	if !k.anySigil {
		return lookup(k.name)
	}
	for _, sigil := range []string{":", "@", "$"} {
		if pos := lookup(sigil + k.name); pos > 0 {
			return pos
		}
	}
	return 0
}

func (k Key) String() string {
	if k.name != "" {
		return k.name
	}
	return strconv.Itoa(k.pos)
}

// Params maps bind keys to values for a single execution.
type Params map[Key]any

// Args builds positional params: the first value binds to position 1.
func Args(values ...any) Params {
	p := make(Params, len(values))
	for i, v := range values {
		p[Pos(i+1)] = v
	}
	return p
}

// BindFunc fills the binder for the given iteration.
// Returning false ends the execution without running this iteration.
type BindFunc func(b *Binder, iteration int) bool

// Binder collects the parameter values of the current iteration.
type Binder struct {
	iteration int
	values    map[Key]Value
	err       error
}

func newBinder() *Binder {
	return &Binder{values: map[Key]Value{}}
}

// Iteration returns the number of completed bind and step cycles.
func (b *Binder) Iteration() int { return b.iteration }

// Bind stores v under key, replacing a previous value for the same key.
// The kind of v is inferred with ValueOf unless v is already a Value.
// A conversion failure is kept and fails the execution.
func (b *Binder) Bind(key Key, v any) {
	val, err := ValueOf(v)
	if err != nil {
		if b.err == nil {
			b.err = fmt.Errorf("binding %s: %w", key, err)
		}
		return
	}
	b.values[key] = val
}

// BindBlob stores v as a blob under key.
func (b *Binder) BindBlob(key Key, v []byte) {
	b.values[key] = Blob(v)
}

// BindParams binds every entry of p.
func (b *Binder) BindParams(p Params) {
	for k, v := range p {
		b.Bind(k, v)
	}
}

// BindFromList binds rows[Iteration()] positionally and reports whether a row was left.
// It makes a bulk insert bind callback a one-liner:
//
//	conn.ExecPrepared(sql, func(b *ksqlite.Binder, _ int) bool { return b.BindFromList(rows) })
func (b *Binder) BindFromList(rows [][]any) bool {
	if b.iteration >= len(rows) {
		return false
	}
	for i, v := range rows[b.iteration] {
		b.Bind(Pos(i+1), v)
	}
	return true
}

// Len returns the number of bound keys.
func (b *Binder) Len() int { return len(b.values) }

func (b *Binder) reset() {
	clear(b.values)
	b.err = nil
}

type boundParam struct {
	pos int
	key Key
	val Value
}

// resolve maps every key to its position, in ascending position order.
// Nothing is bound to the statement until every key resolved.
func (b *Binder) resolve(lookup func(name string) int) ([]boundParam, error) {
	if b.err != nil {
		return nil, b.err
	}
	params := make([]boundParam, 0, len(b.values))
	for key, val := range b.values {
		pos := key.pos
		if key.IsNamed() {
			pos = key.position(lookup)
			if pos == 0 {
				return nil, fmt.Errorf("%w %s", ErrUnknownParam, key.name)
			}
		} else if pos <= 0 {
			return nil, fmt.Errorf("%w: got %d", ErrZeroIndex, pos)
		}
		params = append(params, boundParam{pos: pos, key: key, val: val})
	}
	sort.Slice(params, func(i, j int) bool {
		if params[i].pos != params[j].pos {
			return params[i].pos < params[j].pos
		}
		return params[i].key.String() < params[j].key.String()
	})
	return params, nil
}
