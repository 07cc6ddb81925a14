package fragments_test

import (
	"bytes"
	"testing"

	"github.com/wirebus/dbus/fragments"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name string
		in   func(*fragments.Encoder)
		want []byte
	}{
		{
			"raw bytes",
			func(e *fragments.Encoder) {
				e.Write([]byte{1, 2, 3})
			},
			[]byte{0x01, 0x02, 0x03},
		},

		{
			"byte array",
			func(e *fragments.Encoder) {
				e.Bytes([]byte{1, 2, 3})
			},
			[]byte{
				0x00, 0x00, 0x00, 0x03, // length
				0x01, 0x02, 0x03, // val
			},
		},

		{
			"string",
			func(e *fragments.Encoder) {
				e.String("foo")
			},
			[]byte{
				0x00, 0x00, 0x00, 0x03, // length
				0x66, 0x6f, 0x6f, // val
				0x00, // terminator
			},
		},

		{
			"signature string",
			func(e *fragments.Encoder) {
				e.SignatureString("a{sv}")
			},
			[]byte{
				0x05,                         // length
				0x61, 0x7b, 0x73, 0x76, 0x7d, // val
				0x00, // terminator
			},
		},

		{
			"uints",
			func(e *fragments.Encoder) {
				e.Uint8(42)
				e.Uint16(66)
				e.Uint32(42)
				e.Uint64(66)
			},
			[]byte{
				0x2a,
				0x00, // pad
				0x00, 0x42,
				0x00, 0x00, 0x00, 0x2a,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
			},
		},

		{
			"signed and floats",
			func(e *fragments.Encoder) {
				e.Int16(-1)
				e.Int32(-2)
				e.Int64(-3)
				e.Float64(1.0)
			},
			[]byte{
				0xff, 0xff,
				0x00, 0x00, // pad
				0xff, 0xff, 0xff, 0xfe,
				0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xfd,
				0x3f, 0xf0, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
			},
		},

		{
			"bool",
			func(e *fragments.Encoder) {
				e.Bool(true)
				e.Bool(false)
			},
			[]byte{
				0x00, 0x00, 0x00, 0x01,
				0x00, 0x00, 0x00, 0x00,
			},
		},

		{
			"padding",
			func(e *fragments.Encoder) {
				e.Uint64(66)
				e.Write([]byte{0})
				e.Uint32(42)
				e.Write([]byte{0})
				e.Uint16(66)
				e.Write([]byte{0})
				e.Uint8(42)
			},
			[]byte{
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
				0x00,             // raw
				0x00, 0x00, 0x00, // pad
				0x00, 0x00, 0x00, 0x2a,
				0x00, // raw
				0x00, // pad
				0x00, 0x42,
				0x00, // raw
				0x2a,
			},
		},

		{
			"struct padding",
			func(e *fragments.Encoder) {
				e.Struct(func() error {
					e.Uint32(42)
					return nil
				})
				e.Struct(func() error {
					e.Uint16(66)
					return nil
				})
			},
			[]byte{
				0x00, 0x00, 0x00, 0x2a,
				0x00, 0x00, 0x00, 0x00, // pad
				0x00, 0x42,
			},
		},

		{
			"array of uint16",
			func(e *fragments.Encoder) {
				e.Array(2, func() error {
					e.Uint16(1)
					e.Uint16(2)
					return nil
				})
			},
			[]byte{
				0x00, 0x00, 0x00, 0x04, // length
				0x00, 0x01,
				0x00, 0x02,
			},
		},

		{
			"array of uint64",
			func(e *fragments.Encoder) {
				e.Array(8, func() error {
					e.Uint64(1)
					e.Uint64(2)
					return nil
				})
			},
			[]byte{
				0x00, 0x00, 0x00, 0x10, // length, 16 bytes of elements
				0x00, 0x00, 0x00, 0x00, // pad to element alignment
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x02,
			},
		},

		{
			"empty array of uint64",
			func(e *fragments.Encoder) {
				e.Array(8, func() error { return nil })
			},
			[]byte{
				0x00, 0x00, 0x00, 0x00, // length
				0x00, 0x00, 0x00, 0x00, // element alignment pad, even when empty
			},
		},

		{
			"empty array of uint16",
			func(e *fragments.Encoder) {
				e.Array(2, func() error { return nil })
			},
			[]byte{
				0x00, 0x00, 0x00, 0x00, // length, no pad needed
			},
		},

		{
			"array length excludes padding",
			func(e *fragments.Encoder) {
				e.Array(8, func() error {
					e.Struct(func() error {
						e.Uint16(1)
						return nil
					})
					e.Struct(func() error {
						e.Uint16(2)
						return nil
					})
					return nil
				})
				e.Uint16(3)
			},
			[]byte{
				0x00, 0x00, 0x00, 0x0a, // length
				0x00, 0x00, 0x00, 0x00, // pad to struct
				0x00, 0x01,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // pad to struct
				0x00, 0x02,
				0x00, 0x03,
			},
		},

		{
			"byte order flag",
			func(e *fragments.Encoder) {
				e.Order = fragments.BigEndian
				e.ByteOrderFlag()
				e.Order = fragments.LittleEndian
				e.ByteOrderFlag()
			},
			[]byte{'B', 'l'},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := fragments.Encoder{
				Order: fragments.BigEndian,
			}
			tc.in(&e)
			if got := e.Out; !bytes.Equal(got, tc.want) {
				t.Errorf("incorrect encode:\n  got: % x\n want: % x", got, tc.want)
			}
		})
	}
}

func TestEncoderPaddingIsZero(t *testing.T) {
	e := fragments.Encoder{Order: fragments.LittleEndian}
	e.Uint8(0xff)
	e.Uint64(0xffffffffffffffff)
	for i, b := range e.Out[1:8] {
		if b != 0 {
			t.Errorf("padding byte %d is %#x, want zero", i+1, b)
		}
	}
}
