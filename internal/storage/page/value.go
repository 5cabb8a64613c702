package page

import (
	"encoding/binary"
	"fmt"
	"math"
	"regexp"

	"golang.org/x/text/unicode/norm"
)

// ValueKind tags the variant a Value holds.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBoolean
	KindInteger
	KindFloat
	KindVarChar
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindBoolean:
		return "BOOLEAN"
	case KindInteger:
		return "INTEGER"
	case KindFloat:
		return "FLOAT"
	case KindVarChar:
		return "VARCHAR"
	default:
		return fmt.Sprintf("ValueKind(%d)", uint8(k))
	}
}

// Value is a tagged union over the five scalar types this core understands.
// It is a plain struct rather than an interface{}/any sum so that its
// encoded size is computable without a reflective type switch.
type Value struct {
	Kind ValueKind
	b    bool
	i    int64
	f    float64
	s    string
}

func NullValue() Value           { return Value{Kind: KindNull} }
func BooleanValue(b bool) Value  { return Value{Kind: KindBoolean, b: b} }
func IntegerValue(i int64) Value { return Value{Kind: KindInteger, i: i} }
func FloatValue(f float64) Value { return Value{Kind: KindFloat, f: f} }

// VarCharValue normalizes s to Unicode NFC before storing it, per SPEC_FULL
// §4.A, so that byte-identical round-tripping also implies codepoint-stable
// comparisons.
func VarCharValue(s string) Value { return Value{Kind: KindVarChar, s: norm.NFC.String(s)} }

func (v Value) IsNull() bool       { return v.Kind == KindNull }
func (v Value) Bool() bool         { return v.b }
func (v Value) Int() int64         { return v.i }
func (v Value) Float() float64     { return v.f }
func (v Value) VarChar() string    { return v.s }

// CompareFloat64 orders float64 values under the SQL-style total order this
// core requires: NaN == NaN, and NaN compares greater than +Inf (so NaN is
// the maximum element). Go's native <, ==, > operators follow IEEE 754 and do
// not satisfy this law, which is why every float comparison in this package
// goes through this helper instead.
func CompareFloat64(a, b float64) int {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return 1
	case bNaN:
		return -1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Equal reports whether v and other hold the same kind and value, applying
// CompareFloat64's NaN law to KindFloat.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBoolean:
		return v.b == other.b
	case KindInteger:
		return v.i == other.i
	case KindFloat:
		return CompareFloat64(v.f, other.f) == 0
	case KindVarChar:
		return v.s == other.s
	default:
		return false
	}
}

// Less reports whether v orders strictly before other, applying
// CompareFloat64's NaN law to KindFloat. Values of different kinds order by
// Kind (NULL < BOOLEAN < INTEGER < FLOAT < VARCHAR); this only matters for
// callers that mix kinds in one comparison, since schema validation already
// guarantees same-kind comparisons within a column.
func (v Value) Less(other Value) bool {
	if v.Kind != other.Kind {
		return v.Kind < other.Kind
	}
	switch v.Kind {
	case KindNull:
		return false
	case KindBoolean:
		return !v.b && other.b
	case KindInteger:
		return v.i < other.i
	case KindFloat:
		return CompareFloat64(v.f, other.f) < 0
	case KindVarChar:
		return v.s < other.s
	default:
		return false
	}
}

// Constraints is a bitmask of column constraints. Uniqueness is recorded but
// not enforced by the core — that is a caller-side concern per SPEC_FULL §4.I.
type Constraints uint8

const (
	Nullable Constraints = 1 << iota
	Unique
)

func (c Constraints) IsNullable() bool { return c&Nullable != 0 }
func (c Constraints) IsUnique() bool   { return c&Unique != 0 }

// Column describes one field of a Schema.
type Column struct {
	Name        string
	Type        ValueKind
	Constraints Constraints
}

// MaxColumns bounds a Schema so that a tuple's null bitmap fits in one
// 64-bit word.
const MaxColumns = 64

// namePattern is the identifier pattern SPEC_FULL §6 mandates for database,
// table, index, and column names.
var namePattern = regexp.MustCompile(`^[\p{L}\p{N}_]{1,64}$`)

// ValidName reports whether name matches the shared ^[\p{L}\p{N}_]{1,64}$
// identifier pattern used for databases, tables, indexes, and columns.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Schema is an ordered, immutable sequence of columns with unique names.
type Schema struct {
	Columns []Column
}

// NewSchema validates columns and returns a Schema wrapping them.
func NewSchema(columns []Column) (*Schema, error) {
	if len(columns) > MaxColumns {
		return nil, fmt.Errorf("%w: %d columns, max %d", ErrTooManyColumns, len(columns), MaxColumns)
	}
	seen := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		if !ValidName(c.Name) {
			return nil, fmt.Errorf("%w: column %q", ErrInvalidName, c.Name)
		}
		if _, dup := seen[c.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateColumn, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	cols := make([]Column, len(columns))
	copy(cols, columns)
	return &Schema{Columns: cols}, nil
}

func (s *Schema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Validate checks that values matches the arity, per-column type, and
// nullability of s.
func (s *Schema) Validate(values []Value) error {
	if len(values) != len(s.Columns) {
		return fmt.Errorf("%w: expected %d values, got %d", ErrSchemaMismatch, len(s.Columns), len(values))
	}
	for i, v := range values {
		col := s.Columns[i]
		if v.IsNull() {
			if !col.Constraints.IsNullable() {
				return fmt.Errorf("%w: column %q is not nullable", ErrSchemaMismatch, col.Name)
			}
			continue
		}
		if v.Kind != col.Type {
			return fmt.Errorf("%w: column %q expects %s, got %s", ErrSchemaMismatch, col.Name, col.Type, v.Kind)
		}
	}
	return nil
}

// tupleHeaderSize is the fixed-size prefix of every encoded tuple: a u16
// total length followed by a u64 null bitmap.
const tupleHeaderSize = 2 + 8

// EncodedSize returns the number of bytes MarshalTuple would produce for
// values under schema, without allocating.
func EncodedSize(schema *Schema, values []Value) (int, error) {
	if err := schema.Validate(values); err != nil {
		return 0, err
	}
	size := tupleHeaderSize
	for i, v := range values {
		if v.IsNull() {
			continue
		}
		size += valueEncodedSize(schema.Columns[i].Type, v)
	}
	return size, nil
}

func valueEncodedSize(kind ValueKind, v Value) int {
	switch kind {
	case KindBoolean:
		return 1
	case KindInteger:
		return 8
	case KindFloat:
		return 8
	case KindVarChar:
		return 2 + len(v.s)
	default:
		return 0
	}
}

// MarshalTuple encodes values under schema as
// [len:u16][null_bitmap:u64][value0]...[valueN], little-endian, with null
// values occupying zero bytes and being recovered from the bitmap.
func MarshalTuple(schema *Schema, values []Value) ([]byte, error) {
	size, err := EncodedSize(schema, values)
	if err != nil {
		return nil, err
	}
	if size > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d bytes", ErrSizeExceeded, size)
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(size))

	var bitmap uint64
	for i, v := range values {
		if v.IsNull() {
			bitmap |= 1 << uint(i)
		}
	}
	binary.LittleEndian.PutUint64(buf[2:10], bitmap)

	off := tupleHeaderSize
	for i, v := range values {
		if v.IsNull() {
			continue
		}
		off += encodeValue(buf[off:], schema.Columns[i].Type, v)
	}
	return buf, nil
}

func encodeValue(dst []byte, kind ValueKind, v Value) int {
	switch kind {
	case KindBoolean:
		if v.b {
			dst[0] = 1
		} else {
			dst[0] = 0
		}
		return 1
	case KindInteger:
		binary.LittleEndian.PutUint64(dst, uint64(v.i))
		return 8
	case KindFloat:
		binary.LittleEndian.PutUint64(dst, math.Float64bits(v.f))
		return 8
	case KindVarChar:
		binary.LittleEndian.PutUint16(dst, uint16(len(v.s)))
		n := copy(dst[2:], v.s)
		return 2 + n
	default:
		return 0
	}
}

// UnmarshalTuple decodes a tuple previously produced by MarshalTuple under
// the same schema.
func UnmarshalTuple(schema *Schema, data []byte) ([]Value, error) {
	if len(data) < tupleHeaderSize {
		return nil, fmt.Errorf("%w: tuple shorter than header", ErrSchemaMismatch)
	}
	totalLen := binary.LittleEndian.Uint16(data[0:2])
	if int(totalLen) > len(data) {
		return nil, fmt.Errorf("%w: declared length %d exceeds buffer %d", ErrSchemaMismatch, totalLen, len(data))
	}
	bitmap := binary.LittleEndian.Uint64(data[2:10])

	values := make([]Value, len(schema.Columns))
	off := tupleHeaderSize
	for i, col := range schema.Columns {
		if bitmap&(1<<uint(i)) != 0 {
			values[i] = NullValue()
			continue
		}
		v, n, err := decodeValue(data[off:totalLen], col.Type)
		if err != nil {
			return nil, err
		}
		values[i] = v
		off += n
	}
	return values, nil
}

func decodeValue(src []byte, kind ValueKind) (Value, int, error) {
	switch kind {
	case KindBoolean:
		if len(src) < 1 {
			return Value{}, 0, fmt.Errorf("%w: truncated boolean", ErrSchemaMismatch)
		}
		return BooleanValue(src[0] != 0), 1, nil
	case KindInteger:
		if len(src) < 8 {
			return Value{}, 0, fmt.Errorf("%w: truncated integer", ErrSchemaMismatch)
		}
		return IntegerValue(int64(binary.LittleEndian.Uint64(src[:8]))), 8, nil
	case KindFloat:
		if len(src) < 8 {
			return Value{}, 0, fmt.Errorf("%w: truncated float", ErrSchemaMismatch)
		}
		return FloatValue(math.Float64frombits(binary.LittleEndian.Uint64(src[:8]))), 8, nil
	case KindVarChar:
		if len(src) < 2 {
			return Value{}, 0, fmt.Errorf("%w: truncated varchar length", ErrSchemaMismatch)
		}
		n := int(binary.LittleEndian.Uint16(src[:2]))
		if len(src) < 2+n {
			return Value{}, 0, fmt.Errorf("%w: truncated varchar data", ErrSchemaMismatch)
		}
		// Copy out of the page buffer: callers must not retain references
		// into a guard's bytes after the guard is released.
		s := string(src[2 : 2+n])
		return Value{Kind: KindVarChar, s: s}, 2 + n, nil
	default:
		return Value{}, 0, fmt.Errorf("%w: unknown kind %d", ErrSchemaMismatch, kind)
	}
}
