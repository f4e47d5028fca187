package mqttbridge

import (
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf8"
)

// Encoding errors.
var (
	ErrStringTooLong   = errors.New("string exceeds maximum length of 65535 bytes")
	ErrBinaryTooLong   = errors.New("binary data exceeds maximum length of 65535 bytes")
	ErrInvalidUTF8     = errors.New("invalid UTF-8 string")
	ErrVarintTooLarge  = errors.New("variable byte integer exceeds maximum value")
	ErrVarintMalformed = errors.New("malformed variable byte integer")
	ErrTruncated       = errors.New("packet truncated")
)

const (
	maxUint16 = 65535
	maxVarint = 268435455
)

// encoder appends MQTT primitives to a byte slice.
// The first error is sticky; later writes are no-ops.
type encoder struct {
	buf []byte
	err error
}

func (e *encoder) byte(b byte) {
	if e.err == nil {
		e.buf = append(e.buf, b)
	}
}

func (e *encoder) uint16(v uint16) {
	if e.err == nil {
		e.buf = binary.BigEndian.AppendUint16(e.buf, v)
	}
}

func (e *encoder) uint32(v uint32) {
	if e.err == nil {
		e.buf = binary.BigEndian.AppendUint32(e.buf, v)
	}
}

func (e *encoder) varint(v uint32) {
	if e.err != nil {
		return
	}
	e.buf, e.err = appendVarint(e.buf, v)
}

func (e *encoder) string(s string) {
	if e.err != nil {
		return
	}
	if len(s) > maxUint16 {
		e.err = ErrStringTooLong
		return
	}
	if !utf8.ValidString(s) {
		e.err = ErrInvalidUTF8
		return
	}
	e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) binary(b []byte) {
	if e.err != nil {
		return
	}
	if len(b) > maxUint16 {
		e.err = ErrBinaryTooLong
		return
	}
	e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) raw(b []byte) {
	if e.err == nil {
		e.buf = append(e.buf, b...)
	}
}

// decoder reads MQTT primitives from a packet body.
// Reading past the end sets ErrTruncated and returns zero values.
type decoder struct {
	buf []byte
	pos int
	err error
}

func newDecoder(buf []byte) *decoder {
	return &decoder{buf: buf}
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.pos
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.remaining() < n {
		d.err = ErrTruncated
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *decoder) byte() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) uint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) varint() uint32 {
	if d.err != nil {
		return 0
	}
	v, n, err := readVarint(d.buf[d.pos:])
	if err != nil {
		d.err = err
		return 0
	}
	d.pos += n
	return v
}

func (d *decoder) string() string {
	n := d.uint16()
	b := d.take(int(n))
	if b == nil {
		return ""
	}
	if !utf8.Valid(b) {
		d.err = ErrInvalidUTF8
		return ""
	}
	return string(b)
}

func (d *decoder) binary() []byte {
	n := d.uint16()
	b := d.take(int(n))
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// rest returns a copy of all unread bytes.
func (d *decoder) rest() []byte {
	b := d.take(d.remaining())
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// StringPair is a key-value pair carried in the User Property.
type StringPair struct {
	Key   string
	Value string
}

func appendVarint(dst []byte, v uint32) ([]byte, error) {
	if v > maxVarint {
		return dst, ErrVarintTooLarge
	}
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v > 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if v == 0 {
			return dst, nil
		}
	}
}

// readVarint decodes a variable byte integer from the start of buf.
func readVarint(buf []byte) (uint32, int, error) {
	var value uint32
	for i := 0; i < 4; i++ {
		if i >= len(buf) {
			return 0, i, ErrTruncated
		}
		b := buf[i]
		value |= uint32(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 4, ErrVarintMalformed
}

// readVarintFrom decodes a variable byte integer from a stream.
func readVarintFrom(r io.Reader) (uint32, error) {
	var value uint32
	var b [1]byte
	for i := 0; i < 4; i++ {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		value |= uint32(b[0]&0x7F) << (7 * i)
		if b[0]&0x80 == 0 {
			return value, nil
		}
	}
	return 0, ErrVarintMalformed
}

func varintSize(v uint32) int {
	switch {
	case v < 128:
		return 1
	case v < 16384:
		return 2
	case v < 2097152:
		return 3
	default:
		return 4
	}
}
