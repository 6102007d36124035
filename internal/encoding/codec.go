// Package encoding implements the binary codec for heterogeneous numeric
// values stored in summary-statistic columns: width-tagged integer and
// floating-point scalars, n-dimensional numeric arrays, and nested
// string-keyed mappings. Decoding always allocates fresh storage, so a
// decoded value never aliases the encoder's input or another decode result.
package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
)

// ErrCorruptRecord is returned when stored bytes fail to decode to a valid value
var ErrCorruptRecord = errors.New("corrupt record")

const (
	formatVersion = 1

	compressionNone uint8 = 0
	compressionZstd uint8 = 1

	// Payloads at least this large are zstd-compressed when that wins.
	compressThreshold = 512

	maxDims = 32
)

var (
	zstdEncoder = func() *zstd.Encoder {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		return enc
	}()
	zstdDecoder = func() *zstd.Decoder {
		dec, _ := zstd.NewReader(nil)
		return dec
	}()
)

// Encode serializes a value. The frame is a version byte, a compression
// byte and the payload. Encoding is deterministic: map entries are written
// in key order.
func Encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}

	payload := buf.Bytes()
	compression := compressionNone
	if len(payload) >= compressThreshold {
		compressed := zstdEncoder.EncodeAll(payload, make([]byte, 0, len(payload)))
		if len(compressed) < len(payload) {
			payload = compressed
			compression = compressionZstd
		}
	}

	out := make([]byte, 0, len(payload)+2)
	out = append(out, formatVersion, compression)
	return append(out, payload...), nil
}

// Decode deserializes a value previously produced by Encode. Malformed
// input fails with ErrCorruptRecord; it never yields a partial value.
func Decode(data []byte) (Value, error) {
	if len(data) < 2 {
		return Value{}, fmt.Errorf("%w: short frame (%d bytes)", ErrCorruptRecord, len(data))
	}
	if data[0] != formatVersion {
		return Value{}, fmt.Errorf("%w: unknown format version %d", ErrCorruptRecord, data[0])
	}

	payload := data[2:]
	switch data[1] {
	case compressionNone:
	case compressionZstd:
		decompressed, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return Value{}, fmt.Errorf("%w: zstd: %v", ErrCorruptRecord, err)
		}
		payload = decompressed
	default:
		return Value{}, fmt.Errorf("%w: unknown compression type %d", ErrCorruptRecord, data[1])
	}

	r := &reader{data: payload}
	v, err := decodeValue(r)
	if err != nil {
		return Value{}, err
	}
	if r.pos != len(r.data) {
		return Value{}, fmt.Errorf("%w: %d trailing bytes", ErrCorruptRecord, len(r.data)-r.pos)
	}
	return v, nil
}

func encodeValue(buf *bytes.Buffer, v Value) error {
	buf.WriteByte(byte(v.kind))

	switch v.kind {
	case KindInt, KindUint, KindFloat:
		switch v.bits {
		case 8, 16, 32, 64:
		default:
			return fmt.Errorf("invalid scalar width %d bits", v.bits)
		}
		if v.kind == KindFloat && v.bits < 32 {
			return fmt.Errorf("invalid float width %d bits", v.bits)
		}
		buf.WriteByte(v.bits)
		writeUint64(buf, v.num)
		return nil

	case KindArray:
		a := v.arr
		if a == nil {
			return errors.New("nil array value")
		}
		switch a.elem {
		case KindInt, KindUint, KindFloat:
		default:
			return fmt.Errorf("invalid array element kind %s", a.elem)
		}
		if len(a.shape) > maxDims {
			return fmt.Errorf("array rank %d exceeds maximum %d", len(a.shape), maxDims)
		}
		n := 1
		for _, d := range a.shape {
			if d < 0 {
				return fmt.Errorf("negative array dimension %d", d)
			}
			n *= d
		}
		if a.dataLen() != n {
			return fmt.Errorf("array data length %d does not match shape (want %d)", a.dataLen(), n)
		}
		buf.WriteByte(byte(a.elem))
		buf.WriteByte(uint8(len(a.shape)))
		for _, d := range a.shape {
			writeUint64(buf, uint64(d))
		}
		switch a.elem {
		case KindFloat:
			for _, e := range a.floats {
				writeUint64(buf, math.Float64bits(e))
			}
		case KindInt:
			for _, e := range a.ints {
				writeUint64(buf, uint64(e))
			}
		case KindUint:
			for _, e := range a.uints {
				writeUint64(buf, e)
			}
		}
		return nil

	case KindMap:
		writeUint32(buf, uint32(len(v.mp)))
		for _, k := range v.sortedKeys() {
			writeUint32(buf, uint32(len(k)))
			buf.WriteString(k)
			if err := encodeValue(buf, v.mp[k]); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("cannot encode %s value", v.kind)
	}
}

func decodeValue(r *reader) (Value, error) {
	kind, err := r.u8()
	if err != nil {
		return Value{}, err
	}

	switch Kind(kind) {
	case KindInt, KindUint, KindFloat:
		bits, err := r.u8()
		if err != nil {
			return Value{}, err
		}
		switch bits {
		case 8, 16, 32, 64:
		default:
			return Value{}, fmt.Errorf("%w: invalid scalar width %d", ErrCorruptRecord, bits)
		}
		if Kind(kind) == KindFloat && bits < 32 {
			return Value{}, fmt.Errorf("%w: invalid float width %d", ErrCorruptRecord, bits)
		}
		num, err := r.u64()
		if err != nil {
			return Value{}, err
		}
		return Value{kind: Kind(kind), bits: bits, num: num}, nil

	case KindArray:
		elem, err := r.u8()
		if err != nil {
			return Value{}, err
		}
		switch Kind(elem) {
		case KindInt, KindUint, KindFloat:
		default:
			return Value{}, fmt.Errorf("%w: invalid array element kind %d", ErrCorruptRecord, elem)
		}
		rank, err := r.u8()
		if err != nil {
			return Value{}, err
		}
		if rank > maxDims {
			return Value{}, fmt.Errorf("%w: array rank %d exceeds maximum", ErrCorruptRecord, rank)
		}
		var shape []int
		n := 1
		for i := 0; i < int(rank); i++ {
			d, err := r.u64()
			if err != nil {
				return Value{}, err
			}
			// The running product is bounded before multiplying, so a
			// crafted shape can never overflow n past the payload guard.
			if max := r.remaining() / 8; d > uint64(max) || (d != 0 && n > max/int(d)) {
				return Value{}, fmt.Errorf("%w: array dimension %d out of range", ErrCorruptRecord, d)
			}
			shape = append(shape, int(d))
			n *= int(d)
		}
		if n > r.remaining()/8 {
			return Value{}, fmt.Errorf("%w: array needs %d elements, %d bytes left", ErrCorruptRecord, n, r.remaining())
		}
		a := &Array{elem: Kind(elem), shape: shape}
		switch a.elem {
		case KindFloat:
			a.floats = make([]float64, n)
			for i := range a.floats {
				e, err := r.u64()
				if err != nil {
					return Value{}, err
				}
				a.floats[i] = math.Float64frombits(e)
			}
		case KindInt:
			a.ints = make([]int64, n)
			for i := range a.ints {
				e, err := r.u64()
				if err != nil {
					return Value{}, err
				}
				a.ints[i] = int64(e)
			}
		case KindUint:
			a.uints = make([]uint64, n)
			for i := range a.uints {
				e, err := r.u64()
				if err != nil {
					return Value{}, err
				}
				a.uints[i] = e
			}
		}
		return Value{kind: KindArray, arr: a}, nil

	case KindMap:
		count, err := r.u32()
		if err != nil {
			return Value{}, err
		}
		if int(count) > r.remaining() {
			return Value{}, fmt.Errorf("%w: map count %d out of range", ErrCorruptRecord, count)
		}
		mp := make(map[string]Value, count)
		for i := 0; i < int(count); i++ {
			klen, err := r.u32()
			if err != nil {
				return Value{}, err
			}
			key, err := r.bytes(int(klen))
			if err != nil {
				return Value{}, err
			}
			entry, err := decodeValue(r)
			if err != nil {
				return Value{}, err
			}
			mp[string(key)] = entry
		}
		return Value{kind: KindMap, mp: mp}, nil

	default:
		return Value{}, fmt.Errorf("%w: unknown kind tag %d", ErrCorruptRecord, kind)
	}
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// reader walks the payload, turning every overrun into ErrCorruptRecord
type reader struct {
	data []byte
	pos  int
}

func (r *reader) remaining() int { return len(r.data) - r.pos }

func (r *reader) u8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("%w: truncated at byte %d", ErrCorruptRecord, r.pos)
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("%w: truncated at byte %d", ErrCorruptRecord, r.pos)
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, fmt.Errorf("%w: truncated at byte %d", ErrCorruptRecord, r.pos)
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, fmt.Errorf("%w: truncated at byte %d", ErrCorruptRecord, r.pos)
	}
	v := make([]byte, n)
	copy(v, r.data[r.pos:r.pos+n])
	r.pos += n
	return v, nil
}
