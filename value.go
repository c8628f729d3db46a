package ksqlite

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type is the storage class of a value, numbered like SQLite's fundamental datatypes.
type Type int32

const (
	TypeInteger Type = 1
	TypeReal    Type = 2
	TypeText    Type = 3
	TypeBlob    Type = 4
	TypeNull    Type = 5
)

func (t Type) String() string {
	switch t {
	case TypeInteger:
		return "integer"
	case TypeReal:
		return "real"
	case TypeText:
		return "text"
	case TypeBlob:
		return "blob"
	case TypeNull:
		return "null"
	}
	return fmt.Sprintf("type(%d)", int32(t))
}

func (t Type) valid() bool { return t >= TypeInteger && t <= TypeNull }

// Value is a bind parameter or a fetched column value.
// The zero Value is not valid, use Null() instead.
type Value struct {
	kind Type
	i    int64
	f    float64
	s    string
	b    []byte
}

// Integer makes a 64-bit signed integer value.
func Integer(v int64) Value { return Value{kind: TypeInteger, i: v} }

// Real makes a double precision float value.
func Real(v float64) Value { return Value{kind: TypeReal, f: v} }

// Text makes a UTF-8 text value.
func Text(v string) Value { return Value{kind: TypeText, s: v} }

// Null makes the SQL NULL value.
func Null() Value { return Value{kind: TypeNull} }

// Blob makes a binary value. A nil slice is stored as an empty blob, not NULL.
func Blob(v []byte) Value {
	if v == nil {
		v = []byte{}
	}
	return Value{kind: TypeBlob, b: v}
}

// Type returns the kind of v. The zero Value reports TypeNull.
func (v Value) Type() Type {
	if v.kind == 0 {
		return TypeNull
	}
	return v.kind
}

func (v Value) IsNull() bool { return v.Type() == TypeNull }

// Int64 returns the value as an integer. Reals are truncated, text is parsed.
func (v Value) Int64() int64 {
	switch v.kind {
	case TypeInteger:
		return v.i
	case TypeReal:
		return int64(v.f)
	case TypeText:
		n, _ := strconv.ParseInt(v.s, 10, 64)
		return n
	}
	return 0
}

func (v Value) Float64() float64 {
	switch v.kind {
	case TypeInteger:
		return float64(v.i)
	case TypeReal:
		return v.f
	case TypeText:
		f, _ := strconv.ParseFloat(v.s, 64)
		return f
	}
	return 0
}

// String returns the textual form of the value, "" for NULL.
func (v Value) String() string {
	switch v.kind {
	case TypeInteger:
		return strconv.FormatInt(v.i, 10)
	case TypeReal:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeText:
		return v.s
	case TypeBlob:
		return string(v.b)
	}
	return ""
}

// Bytes returns the blob contents, or the bytes of a text value.
func (v Value) Bytes() []byte {
	switch v.kind {
	case TypeBlob:
		return v.b
	case TypeText:
		return []byte(v.s)
	}
	return nil
}

// Any returns the plain Go value: int64, float64, string, []byte or nil.
func (v Value) Any() any {
	switch v.kind {
	case TypeInteger:
		return v.i
	case TypeReal:
		return v.f
	case TypeText:
		return v.s
	case TypeBlob:
		return v.b
	}
	return nil
}

// Equal reports whether both values have the same kind and contents.
func (v Value) Equal(o Value) bool {
	if v.Type() != o.Type() {
		return false
	}
	switch v.kind {
	case TypeInteger:
		return v.i == o.i
	case TypeReal:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case TypeText:
		return v.s == o.s
	case TypeBlob:
		return bytes.Equal(v.b, o.b)
	}
	return true
}

func (v Value) GoString() string {
	switch v.kind {
	case TypeText:
		return fmt.Sprintf("Text(%q)", v.s)
	case TypeBlob:
		return fmt.Sprintf("Blob(%x)", v.b)
	case TypeInteger, TypeReal:
		return fmt.Sprintf("%s(%s)", v.kind, v.String())
	}
	return "Null()"
}

// ValueOf infers the kind of a Go scalar.
//
//	nil                      -> Null
//	bool, int*, uint*        -> Integer (uint64 above MaxInt64 is rejected)
//	float32, float64         -> Real
//	string                   -> Text
//	time.Time                -> Text, RFC 3339 with nanoseconds
//	uuid.UUID                -> Text
//	decimal.Decimal          -> Text, exact
//	Value                    -> as is
//
// []byte is not inferred; use Blob.
func ValueOf(v any) (Value, error) {
	if v == nil {
		return Null(), nil
	}
	switch x := v.(type) {
	case Value:
		if x.kind == 0 {
			return Null(), nil
		}
		return x, nil
	case *Value:
		if x == nil {
			return Null(), nil
		}
		return ValueOf(*x)
	case bool:
		if x {
			return Integer(1), nil
		}
		return Integer(0), nil
	case int:
		return Integer(int64(x)), nil
	case int8:
		return Integer(int64(x)), nil
	case int16:
		return Integer(int64(x)), nil
	case int32:
		return Integer(int64(x)), nil
	case int64:
		return Integer(x), nil
	case uint:
		return uintValue(uint64(x))
	case uint8:
		return Integer(int64(x)), nil
	case uint16:
		return Integer(int64(x)), nil
	case uint32:
		return Integer(int64(x)), nil
	case uint64:
		return uintValue(x)
	case float32:
		return Real(float64(x)), nil
	case float64:
		return Real(x), nil
	case string:
		return Text(x), nil
	case time.Time:
		return Text(x.Format(time.RFC3339Nano)), nil
	case uuid.UUID:
		return Text(x.String()), nil
	case decimal.Decimal:
		return Text(x.String()), nil
	}
	return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

func uintValue(x uint64) (Value, error) {
	if x > math.MaxInt64 {
		return Value{}, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedValue, x)
	}
	return Integer(int64(x)), nil
}

// Typed converts v to the given kind, overriding inference.
// Typed(TypeBlob, "abc") binds the bytes of "abc", Typed(TypeInteger, 100.6) binds 100.
func Typed(kind Type, v any) (Value, error) {
	if !kind.valid() {
		return Value{}, fmt.Errorf("%w: unknown type %d", ErrUnsupportedValue, kind)
	}
	if kind == TypeNull {
		return Null(), nil
	}
	if b, ok := v.([]byte); ok {
		switch kind {
		case TypeBlob:
			return Blob(b), nil
		case TypeText:
			return Text(string(b)), nil
		}
		return Value{}, fmt.Errorf("%w: cannot convert []byte to %s", ErrUnsupportedValue, kind)
	}
	src, err := ValueOf(v)
	if err != nil {
		return Value{}, err
	}
	if src.kind == kind {
		return src, nil
	}
	switch kind {
	case TypeInteger:
		if src.kind == TypeText {
			n, err := strconv.ParseInt(src.s, 10, 64)
			if err != nil {
				return Value{}, fmt.Errorf("%w: %q is not an integer", ErrUnsupportedValue, src.s)
			}
			return Integer(n), nil
		}
		return Integer(src.Int64()), nil
	case TypeReal:
		if src.kind == TypeText {
			f, err := strconv.ParseFloat(src.s, 64)
			if err != nil {
				return Value{}, fmt.Errorf("%w: %q is not a number", ErrUnsupportedValue, src.s)
			}
			return Real(f), nil
		}
		return Real(src.Float64()), nil
	case TypeText:
		return Text(src.String()), nil
	case TypeBlob:
		return Blob([]byte(src.String())), nil
	}
	return Null(), nil
}

// MustTyped is like Typed but panics on a conversion failure.
func MustTyped(kind Type, v any) Value {
	val, err := Typed(kind, v)
	if err != nil {
		panic(err)
	}
	return val
}
