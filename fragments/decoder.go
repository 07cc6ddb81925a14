package fragments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"unicode/utf8"
)

// A DecoderFunc reads a value from the decoder into val.
type DecoderFunc func(ctx context.Context, dec *Decoder, val reflect.Value) error

// A Decoder reads DBus wire format values from a byte stream.
//
// Methods skip padding as required by DBus alignment rules, except
// [Decoder.Read] which consumes bytes verbatim.
type Decoder struct {
	// Order is the byte order for multi-byte values.
	Order ByteOrder
	// Mapper provides [DecoderFunc]s for values given to
	// [Decoder.Value]. If nil, Value returns an error.
	Mapper func(reflect.Type) (DecoderFunc, error)
	// In is the input stream.
	In io.Reader

	// offset is the number of bytes consumed from In so far.
	// Alignment is relative to the start of the message, so it has
	// to be tracked across the whole decode.
	offset int

	scratch [8]byte
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int { return d.offset }

// Pad skips input bytes until the read cursor is a multiple of
// align bytes. The values of the skipped bytes are not inspected.
func (d *Decoder) Pad(align int) error {
	extra := d.offset % align
	if extra == 0 {
		return nil
	}
	skip := align - extra
	if _, err := io.CopyN(io.Discard, d.In, int64(skip)); err != nil {
		return err
	}
	d.offset += skip
	return nil
}

// Read consumes n bytes verbatim.
func (d *Decoder) Read(n int) ([]byte, error) {
	bs := make([]byte, n)
	if _, err := io.ReadFull(d.In, bs); err != nil {
		return nil, err
	}
	d.offset += n
	return bs, nil
}

func (d *Decoder) read(n int) ([]byte, error) {
	bs := d.scratch[:n]
	if _, err := io.ReadFull(d.In, bs); err != nil {
		return nil, err
	}
	d.offset += n
	return bs, nil
}

// Uint8 reads a byte.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// Int16 reads an int16.
func (d *Decoder) Int16() (int16, error) {
	u, err := d.Uint16()
	return int16(u), err
}

// Int32 reads an int32.
func (d *Decoder) Int32() (int32, error) {
	u, err := d.Uint32()
	return int32(u), err
}

// Int64 reads an int64.
func (d *Decoder) Int64() (int64, error) {
	u, err := d.Uint64()
	return int64(u), err
}

// Float64 reads a double.
func (d *Decoder) Float64() (float64, error) {
	u, err := d.Uint64()
	return math.Float64frombits(u), err
}

// Bool reads a boolean. Wire values other than 0 and 1 are
// rejected.
func (d *Decoder) Bool() (bool, error) {
	u, err := d.Uint32()
	if err != nil {
		return false, err
	}
	switch u {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("invalid boolean wire value %d", u)
}

// Bytes reads a DBus byte array.
func (d *Decoder) Bytes() ([]byte, error) {
	ln, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	return d.Read(int(ln))
}

// String reads a string and its NUL terminator.
func (d *Decoder) String() (string, error) {
	ln, err := d.Uint32()
	if err != nil {
		return "", err
	}
	bs, err := d.Read(int(ln) + 1)
	if err != nil {
		return "", err
	}
	if bs[ln] != 0 {
		return "", errors.New("string not NUL terminated")
	}
	bs = bs[:ln]
	if bytes.IndexByte(bs, 0) >= 0 {
		return "", errors.New("string contains embedded NUL")
	}
	if !utf8.Valid(bs) {
		return "", errors.New("string is not valid UTF-8")
	}
	return string(bs), nil
}

// SignatureString reads a signature string, framed like a string
// but with a single byte length prefix.
func (d *Decoder) SignatureString() (string, error) {
	ln, err := d.Uint8()
	if err != nil {
		return "", err
	}
	bs, err := d.Read(int(ln) + 1)
	if err != nil {
		return "", err
	}
	if bs[ln] != 0 {
		return "", errors.New("signature not NUL terminated")
	}
	return string(bs[:ln]), nil
}

// Value reads a value into v, using the [DecoderFunc] provided by
// [Decoder.Mapper]. v must be a non-nil pointer.
func (d *Decoder) Value(ctx context.Context, v any) error {
	if d.Mapper == nil {
		return errors.New("no Mapper provided to Decoder")
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("outval of Decoder.Value must be a non-nil pointer, got %s", rv.Type())
	}
	fn, err := d.Mapper(rv.Type().Elem())
	if err != nil {
		return err
	}
	return fn(ctx, d, rv.Elem())
}

// Array reads an array. readElement is called with each element's
// index while array data remains, and must consume exactly the
// bytes of that element.
//
// elemAlign is the natural alignment of the element type. The
// array header padding to that alignment is consumed even when the
// array is empty. Array returns the number of elements read.
func (d *Decoder) Array(elemAlign int, readElement func(int) error) (int, error) {
	ln, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if err := d.Pad(elemAlign); err != nil {
		return 0, err
	}
	if ln == 0 {
		return 0, nil
	}

	outer := d.In
	limit := &io.LimitedReader{R: outer, N: int64(ln)}
	d.In = limit
	defer func() { d.In = outer }()

	idx := 0
	for limit.N > 0 {
		if err := readElement(idx); err != nil {
			return idx, err
		}
		idx++
	}
	return idx, nil
}

// Struct reads a struct. Struct fields must be read within the
// fields function.
func (d *Decoder) Struct(fields func() error) error {
	if err := d.Pad(8); err != nil {
		return err
	}
	return fields()
}

// ByteOrderFlag reads a byte order flag byte and sets
// [Decoder.Order] accordingly.
func (d *Decoder) ByteOrderFlag() error {
	v, err := d.Uint8()
	if err != nil {
		return err
	}
	ord, ok := OrderForFlag(v)
	if !ok {
		return fmt.Errorf("unknown byte order flag %q", v)
	}
	d.Order = ord
	return nil
}
