package fragments

import (
	"context"
	"errors"
	"math"
	"reflect"
)

// An EncoderFunc writes val to the encoder.
type EncoderFunc func(ctx context.Context, enc *Encoder, val reflect.Value) error

// An Encoder accumulates a DBus wire format message in a byte slice.
//
// Methods insert zeroed padding as needed to satisfy DBus alignment
// rules, except [Encoder.Write] which appends bytes verbatim.
type Encoder struct {
	// Order is the byte order for multi-byte values.
	Order ByteOrder
	// Mapper provides [EncoderFunc]s for values given to
	// [Encoder.Value]. If nil, Value returns an error.
	Mapper func(reflect.Type) (EncoderFunc, error)
	// Out is the encoded output.
	Out []byte
}

var zeroPad [8]byte

// Pad appends zero bytes until the output is a multiple of align
// bytes long.
func (e *Encoder) Pad(align int) {
	if extra := len(e.Out) % align; extra != 0 {
		e.Out = append(e.Out, zeroPad[:align-extra]...)
	}
}

// Write appends bs verbatim, with no framing or padding.
func (e *Encoder) Write(bs []byte) {
	e.Out = append(e.Out, bs...)
}

// Uint8 writes a byte.
func (e *Encoder) Uint8(u8 uint8) {
	e.Out = append(e.Out, u8)
}

// Uint16 writes a uint16.
func (e *Encoder) Uint16(u16 uint16) {
	e.Pad(2)
	e.Out = e.Order.AppendUint16(e.Out, u16)
}

// Uint32 writes a uint32.
func (e *Encoder) Uint32(u32 uint32) {
	e.Pad(4)
	e.Out = e.Order.AppendUint32(e.Out, u32)
}

// Uint64 writes a uint64.
func (e *Encoder) Uint64(u64 uint64) {
	e.Pad(8)
	e.Out = e.Order.AppendUint64(e.Out, u64)
}

// Int16 writes an int16.
func (e *Encoder) Int16(i16 int16) { e.Uint16(uint16(i16)) }

// Int32 writes an int32.
func (e *Encoder) Int32(i32 int32) { e.Uint32(uint32(i32)) }

// Int64 writes an int64.
func (e *Encoder) Int64(i64 int64) { e.Uint64(uint64(i64)) }

// Float64 writes a double.
func (e *Encoder) Float64(f float64) {
	e.Uint64(math.Float64bits(f))
}

// Bool writes a boolean, which the wire format represents as a
// uint32 restricted to 0 or 1.
func (e *Encoder) Bool(b bool) {
	var u uint32
	if b {
		u = 1
	}
	e.Uint32(u)
}

// Bytes writes a DBus byte array.
func (e *Encoder) Bytes(bs []byte) {
	e.Uint32(uint32(len(bs)))
	e.Out = append(e.Out, bs...)
}

// String writes a string: uint32 length, bytes, NUL terminator.
func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// SignatureString writes a signature string, which is framed like a
// string except that the length prefix is a single byte.
func (e *Encoder) SignatureString(s string) {
	e.Uint8(uint8(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// Value writes v using the [EncoderFunc] provided by
// [Encoder.Mapper].
func (e *Encoder) Value(ctx context.Context, v any) error {
	if e.Mapper == nil {
		return errors.New("no Mapper provided to Encoder")
	}
	fn, err := e.Mapper(reflect.TypeOf(v))
	if err != nil {
		return err
	}
	return fn(ctx, e, reflect.ValueOf(v))
}

// Array writes an array to the output. Array elements must be
// written within the elements function.
//
// elemAlign is the natural alignment of the array's element type.
// The array header is padded to that alignment even when the array
// is empty, and that padding is not counted in the array's encoded
// byte length. The elements function is responsible for aligning
// each individual element.
func (e *Encoder) Array(elemAlign int, elements func() error) error {
	e.Pad(4)
	lenOff := len(e.Out)
	e.Uint32(0)
	e.Pad(elemAlign)

	start := len(e.Out)
	err := elements()
	e.Order.PutUint32(e.Out[lenOff:], uint32(len(e.Out)-start))
	return err
}

// Struct writes a struct to the output. Struct fields must be
// written within the fields function.
func (e *Encoder) Struct(fields func() error) error {
	e.Pad(8)
	return fields()
}

// ByteOrderFlag writes the byte order flag byte that matches
// [Encoder.Order].
func (e *Encoder) ByteOrderFlag() {
	e.Out = append(e.Out, e.Order.Flag())
}
