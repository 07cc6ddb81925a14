package dbus

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/wirebus/dbus/fragments"
)

func encodeHeader(t *testing.T, h *header, ord fragments.ByteOrder) []byte {
	t.Helper()
	e := fragments.Encoder{
		Order:  ord,
		Mapper: encoderFor,
	}
	if err := h.encodeTo(&e); err != nil {
		t.Fatalf("encoding header: %v", err)
	}
	return e.Out
}

func decodeHeader(t *testing.T, bs []byte) *header {
	t.Helper()
	d := fragments.Decoder{
		Order:  fragments.LittleEndian,
		Mapper: decoderFor,
		In:     bytes.NewReader(bs),
	}
	var h header
	if err := h.decodeFrom(context.Background(), &d); err != nil {
		t.Fatalf("decoding header: %v", err)
	}
	return &h
}

func TestEncodeHelloCall(t *testing.T) {
	h := &header{
		Type:        msgTypeCall,
		Serial:      1,
		Path:        "/org/freedesktop/DBus",
		Interface:   "org.freedesktop.DBus",
		Member:      "Hello",
		Destination: "org.freedesktop.DBus",
	}
	got := encodeHeader(t, h, fragments.LittleEndian)

	if len(got) != 128 {
		t.Errorf("encoded Hello call is %d bytes, want 128", len(got))
	}
	wantPrefix := []byte{
		0x6c, 0x01, 0x00, 0x01, // 'l', method_call, no flags, version 1
		0x00, 0x00, 0x00, 0x00, // empty body
		0x01, 0x00, 0x00, 0x00, // serial 1
	}
	if !bytes.Equal(got[:12], wantPrefix) {
		t.Errorf("fixed header = % x, want % x", got[:12], wantPrefix)
	}

	// and it must decode back to itself
	dec := decodeHeader(t, got)
	if diff := cmp.Diff(dec, h, cmpopts.IgnoreUnexported(header{}, Signature{})); diff != "" {
		t.Errorf("header round trip changed fields (-got+want):\n%s", diff)
	}
}

func TestDecodeSignal(t *testing.T) {
	// A NameOwnerChanged signal with body ("com.example", "",
	// ":1.42"), built with the encoder and decoded back.
	body, err := Marshal(struct {
		Name, Old, New string
	}{"com.example", "", ":1.42"}, fragments.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}

	h := &header{
		Type:      msgTypeSignal,
		Serial:    7,
		Path:      "/org/freedesktop/DBus",
		Interface: "org.freedesktop.DBus",
		Member:    "NameOwnerChanged",
		Signature: mustParseSignature("sss").asMsgBody(),
		Length:    uint32(len(body)),
	}
	wire := append(encodeHeader(t, h, fragments.LittleEndian), body...)

	dec := decodeHeader(t, wire)
	if dec.Type != msgTypeSignal {
		t.Errorf("decoded type = %v, want signal", dec.Type)
	}
	if dec.Path != "/org/freedesktop/DBus" || dec.Interface != "org.freedesktop.DBus" || dec.Member != "NameOwnerChanged" {
		t.Errorf("decoded identity = %s %s %s", dec.Path, dec.Interface, dec.Member)
	}
	if err := dec.Valid(); err != nil {
		t.Errorf("decoded signal invalid: %v", err)
	}

	var gotBody struct {
		Name, Old, New string
	}
	if err := Unmarshal(wire[len(wire)-len(body):], fragments.LittleEndian, &gotBody); err != nil {
		t.Fatal(err)
	}
	want := struct{ Name, Old, New string }{"com.example", "", ":1.42"}
	if gotBody != want {
		t.Errorf("decoded body = %+v, want %+v", gotBody, want)
	}
}

func TestHeaderBigEndian(t *testing.T) {
	h := &header{
		Type:        msgTypeCall,
		Serial:      99,
		Path:        "/x",
		Member:      "Frob",
		Destination: ":1.9",
	}
	got := encodeHeader(t, h, fragments.BigEndian)
	if got[0] != 'B' {
		t.Fatalf("byte order flag = %q, want 'B'", got[0])
	}
	dec := decodeHeader(t, got)
	if dec.Serial != 99 || dec.Member != "Frob" {
		t.Errorf("big endian round trip = %+v", dec)
	}
}

func TestHeaderValid(t *testing.T) {
	tests := []struct {
		name    string
		h       header
		wantErr bool
	}{
		{
			"valid call",
			header{Type: msgTypeCall, Serial: 1, Path: "/a", Member: "M"},
			false,
		},
		{
			"zero serial",
			header{Type: msgTypeCall, Path: "/a", Member: "M"},
			true,
		},
		{
			"call missing path",
			header{Type: msgTypeCall, Serial: 1, Member: "M"},
			true,
		},
		{
			"call missing member",
			header{Type: msgTypeCall, Serial: 1, Path: "/a"},
			true,
		},
		{
			"call with reply serial",
			header{Type: msgTypeCall, Serial: 1, Path: "/a", Member: "M", ReplySerial: 4},
			true,
		},
		{
			"call with error name",
			header{Type: msgTypeCall, Serial: 1, Path: "/a", Member: "M", ErrName: "a.b"},
			true,
		},
		{
			"valid return",
			header{Type: msgTypeReturn, Serial: 1, ReplySerial: 4},
			false,
		},
		{
			"return missing reply serial",
			header{Type: msgTypeReturn, Serial: 1},
			true,
		},
		{
			"return with member",
			header{Type: msgTypeReturn, Serial: 1, ReplySerial: 4, Member: "M"},
			true,
		},
		{
			"valid error",
			header{Type: msgTypeError, Serial: 1, ReplySerial: 4, ErrName: "org.example.Err"},
			false,
		},
		{
			"error missing name",
			header{Type: msgTypeError, Serial: 1, ReplySerial: 4},
			true,
		},
		{
			"error with member",
			header{Type: msgTypeError, Serial: 1, ReplySerial: 4, ErrName: "org.example.Err", Member: "M"},
			true,
		},
		{
			"valid signal",
			header{Type: msgTypeSignal, Serial: 1, Path: "/a", Interface: "org.example.Iface", Member: "S"},
			false,
		},
		{
			"signal missing interface",
			header{Type: msgTypeSignal, Serial: 1, Path: "/a", Member: "S"},
			true,
		},
		{
			"signal with reply serial",
			header{Type: msgTypeSignal, Serial: 1, Path: "/a", Interface: "org.example.Iface", Member: "S", ReplySerial: 2},
			true,
		},
		{
			"unknown type",
			header{Type: 9, Serial: 1},
			true,
		},
		{
			"bad destination",
			header{Type: msgTypeCall, Serial: 1, Path: "/a", Member: "M", Destination: "no/slashes"},
			true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.h.Valid()
			if gotErr := err != nil; gotErr != tc.wantErr {
				t.Errorf("Valid() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestHeaderRejectsDuplicateField(t *testing.T) {
	e := fragments.Encoder{Order: fragments.LittleEndian, Mapper: encoderFor}
	e.ByteOrderFlag()
	e.Uint8(byte(msgTypeReturn))
	e.Uint8(0)
	e.Uint8(protocolVersion)
	e.Uint32(0)
	e.Uint32(1)
	e.Array(8, func() error {
		for range 2 {
			e.Struct(func() error {
				e.Uint8(fieldReplySerial)
				e.SignatureString("u")
				e.Uint32(4)
				return nil
			})
		}
		return nil
	})
	e.Pad(8)

	d := fragments.Decoder{
		Order:  fragments.LittleEndian,
		Mapper: decoderFor,
		In:     bytes.NewReader(e.Out),
	}
	var h header
	if err := h.decodeFrom(context.Background(), &d); err == nil {
		t.Error("decodeFrom accepted a duplicate header field")
	}
}

func TestHeaderSkipsUnknownField(t *testing.T) {
	e := fragments.Encoder{Order: fragments.LittleEndian, Mapper: encoderFor}
	e.ByteOrderFlag()
	e.Uint8(byte(msgTypeReturn))
	e.Uint8(0)
	e.Uint8(protocolVersion)
	e.Uint32(0)
	e.Uint32(1)
	e.Array(8, func() error {
		e.Struct(func() error {
			e.Uint8(200) // unknown code
			e.SignatureString("s")
			e.String("mystery")
			return nil
		})
		e.Struct(func() error {
			e.Uint8(fieldReplySerial)
			e.SignatureString("u")
			e.Uint32(4)
			return nil
		})
		return nil
	})
	e.Pad(8)

	dec := decodeHeader(t, e.Out)
	if dec.ReplySerial != 4 {
		t.Errorf("ReplySerial = %d, want 4 (unknown field not skipped cleanly)", dec.ReplySerial)
	}
}
