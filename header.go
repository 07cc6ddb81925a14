package dbus

import (
	"context"
	"fmt"

	"github.com/wirebus/dbus/fragments"
)

// msgType is the kind of a DBus message.
type msgType byte

const (
	msgTypeCall msgType = iota + 1
	msgTypeReturn
	msgTypeError
	msgTypeSignal
)

func (t msgType) String() string {
	switch t {
	case msgTypeCall:
		return "method_call"
	case msgTypeReturn:
		return "method_return"
	case msgTypeError:
		return "error"
	case msgTypeSignal:
		return "signal"
	}
	return fmt.Sprintf("unknown(%d)", byte(t))
}

// Message flag bits.
const (
	flagNoReplyExpected = 0x1
	flagNoAutoStart     = 0x2
	flagAllowInteract   = 0x4
)

// Wire protocol limits and constants.
const (
	protocolVersion = 1
	// maxMessageSize is the cap on a whole message: fixed header,
	// field array, padding and body.
	maxMessageSize = 128 * 1024 * 1024
	// maxHeaderFields is the cap on the encoded header field
	// array.
	maxHeaderFields = 64 * 1024
	// fixedHeaderSize is the fixed-layout prefix of every message:
	// order, type, flags, version, body length, serial, and the
	// byte length of the field array.
	fixedHeaderSize = 16
)

// Header field codes.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrName     = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldNumFDs      = 9
)

// header is a DBus message header: the fixed-layout preamble plus
// the variable header fields constrained by message type.
type header struct {
	Type  msgType
	Flags byte
	// Length is the byte length of the message body.
	Length uint32
	// Serial is the sender-assigned message serial, never zero.
	Serial uint32

	Path        ObjectPath
	Interface   string
	Member      string
	ErrName     string
	ReplySerial uint32
	Destination string
	Sender      string
	// Signature describes the body. Zero for an empty body.
	Signature Signature
	// NumFDs is the count of file descriptors that accompany the
	// message as ancillary data.
	NumFDs uint32
}

// WantReply reports whether the message requires a response.
func (h *header) WantReply() bool {
	return h.Type == msgTypeCall && h.Flags&flagNoReplyExpected == 0
}

// Valid checks the required/forbidden header field constraints for
// the message's type, per the DBus specification.
func (h *header) Valid() error {
	if h.Serial == 0 {
		return protoErr("message with zero serial")
	}
	switch h.Type {
	case msgTypeCall:
		if !h.Path.Valid() {
			return protoErr("method call with missing or invalid path %q", h.Path)
		}
		if !validMemberName(h.Member) {
			return protoErr("method call with missing or invalid member %q", h.Member)
		}
		if h.Interface != "" && !validInterfaceName(h.Interface) {
			return protoErr("method call with invalid interface %q", h.Interface)
		}
		if h.ReplySerial != 0 || h.ErrName != "" {
			return protoErr("method call carrying reply fields")
		}
	case msgTypeReturn:
		if h.ReplySerial == 0 {
			return protoErr("method return without reply serial")
		}
		if h.Member != "" || h.ErrName != "" {
			return protoErr("method return carrying call fields")
		}
	case msgTypeError:
		if !validInterfaceName(h.ErrName) {
			return protoErr("error message with missing or invalid error name %q", h.ErrName)
		}
		if h.ReplySerial == 0 {
			return protoErr("error message without reply serial")
		}
		if h.Member != "" {
			return protoErr("error message carrying member field")
		}
	case msgTypeSignal:
		if !h.Path.Valid() {
			return protoErr("signal with missing or invalid path %q", h.Path)
		}
		if !validInterfaceName(h.Interface) {
			return protoErr("signal with missing or invalid interface %q", h.Interface)
		}
		if !validMemberName(h.Member) {
			return protoErr("signal with missing or invalid member %q", h.Member)
		}
		if h.ReplySerial != 0 || h.ErrName != "" {
			return protoErr("signal carrying reply fields")
		}
	default:
		return protoErr("unknown message type %d", byte(h.Type))
	}
	if h.Destination != "" && !validBusName(h.Destination) {
		return protoErr("invalid destination %q", h.Destination)
	}
	if h.Sender != "" && !validBusName(h.Sender) {
		return protoErr("invalid sender %q", h.Sender)
	}
	return nil
}

// encodeTo writes the complete header, including the byte order
// flag and the trailing padding that aligns the body to 8 bytes.
func (h *header) encodeTo(e *fragments.Encoder) error {
	e.ByteOrderFlag()
	e.Uint8(byte(h.Type))
	e.Uint8(h.Flags)
	e.Uint8(protocolVersion)
	e.Uint32(h.Length)
	e.Uint32(h.Serial)

	err := e.Array(8, func() error {
		if h.Path != "" {
			h.strField(e, fieldPath, "o", string(h.Path))
		}
		if h.Interface != "" {
			h.strField(e, fieldInterface, "s", h.Interface)
		}
		if h.Member != "" {
			h.strField(e, fieldMember, "s", h.Member)
		}
		if h.ErrName != "" {
			h.strField(e, fieldErrName, "s", h.ErrName)
		}
		if h.ReplySerial != 0 {
			h.uintField(e, fieldReplySerial, h.ReplySerial)
		}
		if h.Destination != "" {
			h.strField(e, fieldDestination, "s", h.Destination)
		}
		if h.Sender != "" {
			h.strField(e, fieldSender, "s", h.Sender)
		}
		if !h.Signature.IsZero() {
			e.Struct(func() error {
				e.Uint8(fieldSignature)
				e.SignatureString("g")
				e.SignatureString(h.Signature.String())
				return nil
			})
		}
		if h.NumFDs != 0 {
			h.uintField(e, fieldNumFDs, h.NumFDs)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.Pad(8)
	return nil
}

func (h *header) strField(e *fragments.Encoder, code byte, sig, val string) {
	e.Struct(func() error {
		e.Uint8(code)
		e.SignatureString(sig)
		e.String(val)
		return nil
	})
}

func (h *header) uintField(e *fragments.Encoder, code byte, val uint32) {
	e.Struct(func() error {
		e.Uint8(code)
		e.SignatureString("u")
		e.Uint32(val)
		return nil
	})
}

// decodeFrom reads a complete header off the decoder, byte order
// flag first, and consumes the padding that precedes the body.
func (h *header) decodeFrom(ctx context.Context, d *fragments.Decoder) error {
	if err := d.ByteOrderFlag(); err != nil {
		return protoErr("reading byte order flag: %v", err)
	}
	t, err := d.Uint8()
	if err != nil {
		return err
	}
	h.Type = msgType(t)
	if h.Flags, err = d.Uint8(); err != nil {
		return err
	}
	ver, err := d.Uint8()
	if err != nil {
		return err
	}
	if ver != protocolVersion {
		return protoErr("unsupported protocol version %d", ver)
	}
	if h.Length, err = d.Uint32(); err != nil {
		return err
	}
	if h.Serial, err = d.Uint32(); err != nil {
		return err
	}

	seen := make(map[byte]bool)
	_, err = d.Array(8, func(i int) error {
		return d.Struct(func() error {
			code, err := d.Uint8()
			if err != nil {
				return err
			}
			if seen[code] {
				return protoErr("duplicate header field %d", code)
			}
			seen[code] = true
			sigStr, err := d.SignatureString()
			if err != nil {
				return err
			}
			return h.decodeField(ctx, d, code, sigStr)
		})
	})
	if err != nil {
		return err
	}
	return d.Pad(8)
}

func (h *header) decodeField(ctx context.Context, d *fragments.Decoder, code byte, sigStr string) error {
	wantSig := func(want string) error {
		if sigStr != want {
			return protoErr("header field %d has signature %q, want %q", code, sigStr, want)
		}
		return nil
	}
	switch code {
	case fieldPath:
		if err := wantSig("o"); err != nil {
			return err
		}
		return h.Path.UnmarshalDBus(ctx, d)
	case fieldInterface, fieldMember, fieldErrName, fieldDestination, fieldSender:
		if err := wantSig("s"); err != nil {
			return err
		}
		s, err := d.String()
		if err != nil {
			return err
		}
		switch code {
		case fieldInterface:
			h.Interface = s
		case fieldMember:
			h.Member = s
		case fieldErrName:
			h.ErrName = s
		case fieldDestination:
			h.Destination = s
		case fieldSender:
			h.Sender = s
		}
		return nil
	case fieldReplySerial, fieldNumFDs:
		if err := wantSig("u"); err != nil {
			return err
		}
		u, err := d.Uint32()
		if err != nil {
			return err
		}
		if code == fieldReplySerial {
			h.ReplySerial = u
		} else {
			h.NumFDs = u
		}
		return nil
	case fieldSignature:
		if err := wantSig("g"); err != nil {
			return err
		}
		return h.Signature.UnmarshalDBus(ctx, d)
	default:
		// Unknown fields are skipped; their signature tells us how
		// many bytes to consume.
		sig, err := ParseSignature(sigStr)
		if err != nil {
			return protoErr("unknown header field %d with bad signature %q", code, sigStr)
		}
		if sig.IsZero() {
			return nil
		}
		return d.Value(ctx, sig.Value().Interface())
	}
}
