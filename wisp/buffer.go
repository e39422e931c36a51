package wisp

import (
	"encoding/binary"
	"unicode/utf8"
)

// Buffer is a value type wrapping a raw byte slice, with little-endian typed
// accessors at arbitrary offsets. It is the shared primitive the frame codec
// uses to read and write packet and extension-record fields.
type Buffer struct {
	b []byte
}

// NewBuffer wraps an existing byte slice as a Buffer without copying it.
func NewBuffer(b []byte) Buffer {
	return Buffer{b: b}
}

// Len returns the number of bytes in the buffer.
func (buf Buffer) Len() int {
	return len(buf.b)
}

// Bytes returns the raw bytes backing the buffer. Callers must not retain and
// mutate it across a Concat/Slice boundary unless they intend to alias.
func (buf Buffer) Bytes() []byte {
	return buf.b
}

// U8 reads an unsigned byte at offset.
func (buf Buffer) U8(offset int) uint8 {
	return buf.b[offset]
}

// I8 reads a signed byte at offset.
func (buf Buffer) I8(offset int) int8 {
	return int8(buf.b[offset])
}

// U16 reads a little-endian unsigned 16-bit value at offset.
func (buf Buffer) U16(offset int) uint16 {
	return binary.LittleEndian.Uint16(buf.b[offset:])
}

// I16 reads a little-endian signed 16-bit value at offset.
func (buf Buffer) I16(offset int) int16 {
	return int16(buf.U16(offset))
}

// U32 reads a little-endian unsigned 32-bit value at offset.
func (buf Buffer) U32(offset int) uint32 {
	return binary.LittleEndian.Uint32(buf.b[offset:])
}

// I32 reads a little-endian signed 32-bit value at offset.
func (buf Buffer) I32(offset int) int32 {
	return int32(buf.U32(offset))
}

// PutU8 writes an unsigned byte at offset.
func (buf Buffer) PutU8(offset int, v uint8) {
	buf.b[offset] = v
}

// PutU16 writes a little-endian unsigned 16-bit value at offset.
func (buf Buffer) PutU16(offset int, v uint16) {
	binary.LittleEndian.PutUint16(buf.b[offset:], v)
}

// PutU32 writes a little-endian unsigned 32-bit value at offset.
func (buf Buffer) PutU32(offset int, v uint32) {
	binary.LittleEndian.PutUint32(buf.b[offset:], v)
}

// String decodes the buffer's full contents as UTF-8.
func (buf Buffer) String() string {
	return string(buf.b)
}

// StringFrom decodes bytes from offset to the end of the buffer as UTF-8.
func (buf Buffer) StringFrom(offset int) string {
	return string(buf.b[offset:])
}

// StringFromSlice decodes bytes in [start, end) as UTF-8.
func (buf Buffer) StringFromSlice(start, end int) string {
	return string(buf.b[start:end])
}

// IsValidUTF8 reports whether the buffer's contents are well-formed UTF-8.
func (buf Buffer) IsValidUTF8() bool {
	return utf8.Valid(buf.b)
}

// Slice returns a new Buffer over b[start:end], sharing the underlying array.
func (buf Buffer) Slice(start, end int) Buffer {
	return Buffer{b: buf.b[start:end]}
}

// Concat returns a new Buffer holding a fresh copy of buf followed by other.
func (buf Buffer) Concat(other Buffer) Buffer {
	out := make([]byte, len(buf.b)+len(other.b))
	copy(out, buf.b)
	copy(out[len(buf.b):], other.b)
	return Buffer{b: out}
}

// NewBufferFromString encodes s as UTF-8 into a new Buffer.
func NewBufferFromString(s string) Buffer {
	return Buffer{b: []byte(s)}
}
