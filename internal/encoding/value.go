package encoding

import (
	"math"
	"sort"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt
	KindUint
	KindFloat
	KindArray
	KindMap
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return "invalid"
	}
}

// Value is a tagged variant holding one summary-statistic measurement:
// a width-tagged numeric scalar, an n-dimensional numeric array, or a
// nested string-keyed mapping of further values. The width of a scalar
// is part of the value and survives a codec round trip.
type Value struct {
	kind Kind
	bits uint8
	num  uint64 // scalar payload: sign-extended int, raw uint, or float64 bits
	arr  *Array
	mp   map[string]Value
}

// Array is a homogeneous n-dimensional numeric array. A nil shape is a
// zero-dimensional array holding exactly one element.
type Array struct {
	elem   Kind
	shape  []int
	floats []float64
	ints   []int64
	uints  []uint64
}

// Int returns a 64-bit signed integer value
func Int(v int64) Value { return Value{kind: KindInt, bits: 64, num: uint64(v)} }

// Int32 returns a 32-bit signed integer value
func Int32(v int32) Value { return Value{kind: KindInt, bits: 32, num: uint64(int64(v))} }

// Int16 returns a 16-bit signed integer value
func Int16(v int16) Value { return Value{kind: KindInt, bits: 16, num: uint64(int64(v))} }

// Int8 returns an 8-bit signed integer value
func Int8(v int8) Value { return Value{kind: KindInt, bits: 8, num: uint64(int64(v))} }

// Uint returns a 64-bit unsigned integer value
func Uint(v uint64) Value { return Value{kind: KindUint, bits: 64, num: v} }

// Uint32 returns a 32-bit unsigned integer value
func Uint32(v uint32) Value { return Value{kind: KindUint, bits: 32, num: uint64(v)} }

// Uint16 returns a 16-bit unsigned integer value
func Uint16(v uint16) Value { return Value{kind: KindUint, bits: 16, num: uint64(v)} }

// Uint8 returns an 8-bit unsigned integer value
func Uint8(v uint8) Value { return Value{kind: KindUint, bits: 8, num: uint64(v)} }

// Float returns a 64-bit floating-point value
func Float(v float64) Value { return Value{kind: KindFloat, bits: 64, num: math.Float64bits(v)} }

// Float32 returns a 32-bit floating-point value
func Float32(v float32) Value {
	return Value{kind: KindFloat, bits: 32, num: math.Float64bits(float64(v))}
}

// Floats returns an n-dimensional float array value. The data is laid out
// row-major; its length must equal the product of the shape dimensions.
func Floats(shape []int, data []float64) Value {
	return Value{kind: KindArray, arr: &Array{elem: KindFloat, shape: shape, floats: data}}
}

// Ints returns an n-dimensional signed integer array value
func Ints(shape []int, data []int64) Value {
	return Value{kind: KindArray, arr: &Array{elem: KindInt, shape: shape, ints: data}}
}

// Uints returns an n-dimensional unsigned integer array value
func Uints(shape []int, data []uint64) Value {
	return Value{kind: KindArray, arr: &Array{elem: KindUint, shape: shape, uints: data}}
}

// Map returns a nested mapping value
func Map(m map[string]Value) Value { return Value{kind: KindMap, mp: m} }

// Kind returns the variant tag of the value
func (v Value) Kind() Kind { return v.kind }

// Bits returns the width of a scalar value in bits (8, 16, 32 or 64);
// it is 0 for arrays and maps.
func (v Value) Bits() int { return int(v.bits) }

// Int returns the signed integer payload of a KindInt value
func (v Value) Int() int64 { return int64(v.num) }

// Uint returns the unsigned integer payload of a KindUint value
func (v Value) Uint() uint64 { return v.num }

// Float returns the scalar payload as a float64, converting integer
// scalars. It returns NaN for arrays and maps.
func (v Value) Float() float64 {
	switch v.kind {
	case KindFloat:
		return math.Float64frombits(v.num)
	case KindInt:
		return float64(int64(v.num))
	case KindUint:
		return float64(v.num)
	default:
		return math.NaN()
	}
}

// Array returns the array payload, or nil if the value is not an array
func (v Value) Array() *Array {
	if v.kind != KindArray {
		return nil
	}
	return v.arr
}

// Map returns the mapping payload, or nil if the value is not a map
func (v Value) Map() map[string]Value {
	if v.kind != KindMap {
		return nil
	}
	return v.mp
}

// IsScalar reports whether the value is a numeric scalar
func (v Value) IsScalar() bool {
	return v.kind == KindInt || v.kind == KindUint || v.kind == KindFloat
}

// Equal reports deep value equality. Floats compare by bit pattern, so a
// NaN value equals itself after a round trip.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInt, KindUint, KindFloat:
		return v.bits == o.bits && v.num == o.num
	case KindArray:
		return v.arr.Equal(o.arr)
	case KindMap:
		if len(v.mp) != len(o.mp) {
			return false
		}
		for k, a := range v.mp {
			b, ok := o.mp[k]
			if !ok || !a.Equal(b) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// Clone returns a deep copy sharing no storage with the receiver
func (v Value) Clone() Value {
	switch v.kind {
	case KindArray:
		return Value{kind: KindArray, arr: v.arr.clone()}
	case KindMap:
		mp := make(map[string]Value, len(v.mp))
		for k, e := range v.mp {
			mp[k] = e.Clone()
		}
		return Value{kind: KindMap, mp: mp}
	default:
		return v
	}
}

// sortedKeys returns the map keys in lexical order, for deterministic encoding
func (v Value) sortedKeys() []string {
	keys := make([]string, 0, len(v.mp))
	for k := range v.mp {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Elem returns the element kind of the array
func (a *Array) Elem() Kind { return a.elem }

// Shape returns a copy of the array shape; nil for a zero-dimensional array
func (a *Array) Shape() []int {
	if a.shape == nil {
		return nil
	}
	out := make([]int, len(a.shape))
	copy(out, a.shape)
	return out
}

// Len returns the number of elements, the product of the shape dimensions.
// A zero-dimensional array has one element.
func (a *Array) Len() int {
	n := 1
	for _, d := range a.shape {
		n *= d
	}
	return n
}

// Floats returns the elements as float64, converting integer elements.
// For float arrays the returned slice is the array's own storage.
func (a *Array) Floats() []float64 {
	switch a.elem {
	case KindFloat:
		return a.floats
	case KindInt:
		out := make([]float64, len(a.ints))
		for i, v := range a.ints {
			out[i] = float64(v)
		}
		return out
	default:
		out := make([]float64, len(a.uints))
		for i, v := range a.uints {
			out[i] = float64(v)
		}
		return out
	}
}

// Ints returns the elements of a signed integer array
func (a *Array) Ints() []int64 { return a.ints }

// Uints returns the elements of an unsigned integer array
func (a *Array) Uints() []uint64 { return a.uints }

// Equal reports deep equality of shape and elements
func (a *Array) Equal(b *Array) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.elem != b.elem || len(a.shape) != len(b.shape) {
		return false
	}
	for i, d := range a.shape {
		if b.shape[i] != d {
			return false
		}
	}
	switch a.elem {
	case KindFloat:
		if len(a.floats) != len(b.floats) {
			return false
		}
		for i, v := range a.floats {
			if math.Float64bits(v) != math.Float64bits(b.floats[i]) {
				return false
			}
		}
	case KindInt:
		if len(a.ints) != len(b.ints) {
			return false
		}
		for i, v := range a.ints {
			if b.ints[i] != v {
				return false
			}
		}
	case KindUint:
		if len(a.uints) != len(b.uints) {
			return false
		}
		for i, v := range a.uints {
			if b.uints[i] != v {
				return false
			}
		}
	}
	return true
}

func (a *Array) clone() *Array {
	c := &Array{elem: a.elem}
	if a.shape != nil {
		c.shape = make([]int, len(a.shape))
		copy(c.shape, a.shape)
	}
	if a.floats != nil {
		c.floats = make([]float64, len(a.floats))
		copy(c.floats, a.floats)
	}
	if a.ints != nil {
		c.ints = make([]int64, len(a.ints))
		copy(c.ints, a.ints)
	}
	if a.uints != nil {
		c.uints = make([]uint64, len(a.uints))
		copy(c.uints, a.uints)
	}
	return c
}

// dataLen returns the length of the backing element slice
func (a *Array) dataLen() int {
	switch a.elem {
	case KindFloat:
		return len(a.floats)
	case KindInt:
		return len(a.ints)
	default:
		return len(a.uints)
	}
}
