package dbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/wirebus/dbus/fragments"
)

// Limits imposed on type signatures by the wire protocol.
const (
	maxSignatureLen = 255
	maxStructDepth  = 32
	maxArrayDepth   = 32
	maxTotalDepth   = 64
)

// A Signature describes the type of a DBus value.
//
// The zero Signature describes a void value, such as the body of a
// message with no arguments.
type Signature struct {
	typ reflect.Type
	str string
}

func mkSignature(typ reflect.Type, str string) Signature {
	return Signature{typ, str}
}

// String returns the signature's string encoding, as defined in the
// DBus specification.
func (s Signature) String() string { return s.str }

// IsZero reports whether the signature is the zero value.
func (s Signature) IsZero() bool { return s.typ == nil }

// Type returns the Go type the signature maps to, or nil for the
// zero Signature.
func (s Signature) Type() reflect.Type { return s.typ }

// Value returns a pointer to a newly allocated zero value of the
// signature's type, or the invalid Value for the zero Signature.
func (s Signature) Value() reflect.Value {
	if s.typ == nil {
		return reflect.Value{}
	}
	return reflect.New(s.typ)
}

// asMsgBody converts a struct signature to the flattened form used
// in the message signature header field, which lists the body's
// fields without an enclosing struct.
func (s Signature) asMsgBody() Signature {
	if s.typ == nil || s.typ.Kind() != reflect.Struct {
		return s
	}
	return Signature{s.typ, s.str[1 : len(s.str)-1]}
}

// asStruct wraps a signature of a single non-struct type into a
// one-field struct signature. Struct signatures, including the
// parsed form of a signature that lists several types, are returned
// unchanged.
func (s Signature) asStruct() Signature {
	if s.IsZero() || s.typ.Kind() == reflect.Struct {
		return s
	}
	st := reflect.StructOf([]reflect.StructField{{
		Name: "Field0",
		Type: s.typ,
	}})
	return Signature{st, "(" + s.str + ")"}
}

func (s Signature) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	e.SignatureString(s.str)
	return nil
}

func (s *Signature) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	str, err := d.SignatureString()
	if err != nil {
		return err
	}
	sig, err := ParseSignature(str)
	if err != nil {
		return err
	}
	*s = sig
	return nil
}

func (s Signature) SignatureDBus() Signature { return mkSignature(reflect.TypeFor[Signature](), "g") }

var (
	typeToSignature cache[reflect.Type, Signature]
	strToSignature  cache[string, Signature]
)

// nesting tracks the recursion depth of a signature parse. The
// protocol bounds struct and array nesting at 32 each, and the
// combined depth at 64.
type nesting struct {
	structs, arrays int
}

func (n nesting) inStruct() (nesting, error) {
	n.structs++
	return n, n.check()
}

func (n nesting) inArray() (nesting, error) {
	n.arrays++
	return n, n.check()
}

func (n nesting) check() error {
	if n.structs > maxStructDepth {
		return errors.New("struct nesting too deep")
	}
	if n.arrays > maxArrayDepth {
		return errors.New("array nesting too deep")
	}
	if n.structs+n.arrays > maxTotalDepth {
		return errors.New("type nesting too deep")
	}
	return nil
}

// ParseSignature parses a DBus type signature string. A signature
// listing several complete types parses to a struct signature with
// one field per listed type.
func ParseSignature(sig string) (Signature, error) {
	if ret, err := strToSignature.Get(sig); err == nil {
		return ret, nil
	} else if !errors.Is(err, errNotCached) {
		return Signature{}, err
	}

	if len(sig) > maxSignatureLen {
		err := fmt.Errorf("signature %q exceeds %d bytes", sig, maxSignatureLen)
		strToSignature.SetErr(sig, err)
		return Signature{}, err
	}

	var (
		rest  = sig
		parts []reflect.Type
		part  reflect.Type
		err   error
	)
	for rest != "" {
		part, rest, err = parseOne(rest, false, nesting{})
		if err != nil {
			err = fmt.Errorf("invalid type signature %q: %w", sig, err)
			strToSignature.SetErr(sig, err)
			return Signature{}, err
		}
		parts = append(parts, part)
	}

	var ret Signature
	switch len(parts) {
	case 0:
		ret = mkSignature(nil, "")
	case 1:
		ret = mkSignature(parts[0], sig)
	default:
		fs := make([]reflect.StructField, len(parts))
		for i, f := range parts {
			fs[i] = reflect.StructField{
				Name: fmt.Sprintf("Field%d", i),
				Type: f,
			}
		}
		ret = mkSignature(reflect.StructOf(fs), "("+sig+")")
		strToSignature.Set(ret.str, ret)
	}

	if ret.typ != nil {
		typeToSignature.Set(ret.typ, ret)
	}
	strToSignature.Set(sig, ret)
	return ret, nil
}

func mustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// parseOne consumes one complete type from the front of sig and
// returns the Go type it maps to along with the remaining input.
func parseOne(sig string, inArray bool, depth nesting) (t reflect.Type, rest string, err error) {
	if ret, ok := codeToType[sig[0]]; ok {
		return ret, sig[1:], nil
	}

	switch sig[0] {
	case 'a':
		depth, err := depth.inArray()
		if err != nil {
			return nil, "", err
		}
		if len(sig) == 1 {
			return nil, "", errors.New("missing array element type")
		}
		isDict := sig[1] == '{'
		elem, rest, err := parseOne(sig[1:], true, depth)
		if err != nil {
			return nil, "", err
		}
		if isDict {
			// the dict entry sub-parse already produced a map
			return elem, rest, nil
		}
		return reflect.SliceOf(elem), rest, nil
	case '(':
		depth, err := depth.inStruct()
		if err != nil {
			return nil, "", err
		}
		var (
			fields []reflect.Type
			field  reflect.Type
			rest   = sig[1:]
		)
		for rest != "" && rest[0] != ')' {
			field, rest, err = parseOne(rest, false, depth)
			if err != nil {
				return nil, "", err
			}
			fields = append(fields, field)
		}
		if rest == "" {
			return nil, "", errors.New("missing closing ) in struct definition")
		}
		if len(fields) == 0 {
			return nil, "", errors.New("empty struct definition")
		}
		fs := make([]reflect.StructField, len(fields))
		for i, f := range fields {
			fs[i] = reflect.StructField{
				Name: fmt.Sprintf("Field%d", i),
				Type: f,
			}
		}
		return reflect.StructOf(fs), rest[1:], nil
	case '{':
		if !inArray {
			return nil, "", errors.New("dict entry type found outside array")
		}
		depth, err := depth.inStruct()
		if err != nil {
			return nil, "", err
		}
		key, rest, err := parseOne(sig[1:], false, depth)
		if err != nil {
			return nil, "", err
		}
		if !basicKinds.Has(key.Kind()) || key == reflect.TypeFor[Variant]() {
			return nil, "", fmt.Errorf("invalid dict entry key type %s, must be a basic type", key)
		}
		val, rest, err := parseOne(rest, false, depth)
		if err != nil {
			return nil, "", err
		}
		if rest == "" || rest[0] != '}' {
			return nil, "", errors.New("missing closing } in dict entry definition")
		}
		return reflect.MapOf(key, val), rest[1:], nil
	default:
		return nil, "", fmt.Errorf("unknown type code %q", sig[0])
	}
}

// A signer provides its own DBus signature.
type signer interface {
	SignatureDBus() Signature
}

var signerType = reflect.TypeFor[signer]()

// SignatureFor returns the Signature for the given Go type.
func SignatureFor[T any]() (Signature, error) {
	return signatureFor(reflect.TypeFor[T](), nil)
}

// SignatureOf returns the Signature of the given value.
func SignatureOf(v any) (Signature, error) {
	return signatureFor(reflect.TypeOf(v), nil)
}

func mustSignatureFor[T any]() Signature {
	sig, err := SignatureFor[T]()
	if err != nil {
		panic(err)
	}
	return sig
}

func signatureFor(t reflect.Type, stack []reflect.Type) (sig Signature, err error) {
	if ret, err := typeToSignature.Get(t); err == nil {
		return ret, nil
	} else if !errors.Is(err, errNotCached) {
		return Signature{}, err
	}

	if slices.Contains(stack, t) {
		return Signature{}, typeErr(t, "recursive type")
	}
	stack = append(stack, t)

	defer func(t reflect.Type) {
		if err != nil {
			typeToSignature.SetErr(t, err)
		} else {
			typeToSignature.Set(t, sig)
		}
	}(t)

	if t == nil {
		return Signature{}, typeErr(t, "nil interface")
	}

	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if pt := reflect.PointerTo(t); pt.Implements(signerType) {
		if t.Implements(signerType) {
			return reflect.Zero(t).Interface().(signer).SignatureDBus(), nil
		}
		return reflect.Zero(pt).Interface().(signer).SignatureDBus(), nil
	}

	switch t {
	case reflect.TypeFor[ObjectPath]():
		return mkSignature(t, "o"), nil
	case reflect.TypeFor[File]():
		return mkSignature(t, "h"), nil
	case reflect.TypeFor[any]():
		return mkSignature(t, "v"), nil
	}

	if code, ok := kindToCode[t.Kind()]; ok {
		return mkSignature(codeToType[code], string(code)), nil
	}

	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		es, err := signatureFor(t.Elem(), stack)
		if err != nil {
			return Signature{}, err
		}
		return mkSignature(reflect.SliceOf(es.typ), "a"+es.str), nil
	case reflect.Map:
		k := t.Key()
		if !basicKinds.Has(k.Kind()) {
			return Signature{}, typeErr(t, "map key type %s is not a basic type", k)
		}
		ks, err := signatureFor(k, stack)
		if err != nil {
			return Signature{}, err
		}
		vs, err := signatureFor(t.Elem(), stack)
		if err != nil {
			return Signature{}, err
		}
		return mkSignature(reflect.MapOf(ks.typ, vs.typ), "a{"+ks.str+vs.str+"}"), nil
	case reflect.Struct:
		var b strings.Builder
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			fieldSig, err := signatureFor(f.Type, stack)
			if err != nil {
				return Signature{}, err
			}
			b.WriteString(fieldSig.str)
		}
		str := "(" + b.String() + ")"
		if len(str) > maxSignatureLen {
			return Signature{}, typeErr(t, "signature exceeds %d bytes", maxSignatureLen)
		}
		return mkSignature(t, str), nil
	}

	return Signature{}, typeErr(t, "no mapping to a DBus type")
}
