package dbus

import (
	"context"
	"reflect"

	"github.com/wirebus/dbus/fragments"
)

// Marshaler is the interface implemented by types that encode
// themselves to the wire format.
type Marshaler interface {
	SignatureDBus() Signature
	MarshalDBus(ctx context.Context, e *fragments.Encoder) error
}

var marshalerType = reflect.TypeFor[Marshaler]()

// Marshal encodes v in the given byte order and returns the
// encoded bytes.
func Marshal(v any, ord fragments.ByteOrder) ([]byte, error) {
	e := fragments.Encoder{
		Order:  ord,
		Mapper: encoderFor,
	}
	if err := e.Value(context.Background(), v); err != nil {
		return nil, err
	}
	return e.Out, nil
}

var encoders cache[reflect.Type, fragments.EncoderFunc]

// encoderFor returns the EncoderFunc that writes values of type t,
// deriving and caching it on first use.
func encoderFor(t reflect.Type) (ret fragments.EncoderFunc, err error) {
	if t == nil {
		return nil, typeErr(t, "nil interface")
	}
	if ret, err := encoders.Get(t); err == nil {
		return ret, nil
	} else if !errCacheMiss(err) {
		return nil, err
	}

	defer func() {
		if err != nil {
			encoders.SetErr(t, err)
		} else {
			encoders.Set(t, ret)
		}
	}()

	// A type's wire representation has to be derivable before any
	// value of it can be encoded.
	if _, err := signatureFor(t, nil); err != nil {
		return nil, err
	}

	if t.Implements(marshalerType) {
		return marshalEncoder(), nil
	}
	if t.Kind() != reflect.Pointer && reflect.PointerTo(t).Implements(marshalerType) {
		return addrMarshalEncoder(t), nil
	}

	switch t.Kind() {
	case reflect.Pointer:
		return ptrEncoder(t)
	case reflect.Bool:
		return boolEncoder(), nil
	case reflect.Uint8, reflect.Int16, reflect.Uint16, reflect.Int32, reflect.Uint32, reflect.Int64, reflect.Uint64, reflect.Float64:
		return fixedEncoder(t.Kind()), nil
	case reflect.Int, reflect.Uint:
		return nil, typeErr(t, "int and uint are not portable, use fixed width integers")
	case reflect.String:
		return stringEncoder(), nil
	case reflect.Slice, reflect.Array:
		return sliceEncoder(t)
	case reflect.Map:
		return mapEncoder(t)
	case reflect.Struct:
		return structEncoder(t)
	case reflect.Interface:
		return ifaceEncoder(), nil
	}
	return nil, typeErr(t, "no mapping to a DBus type")
}

func errCacheMiss(err error) bool { return err == errNotCached }

func marshalEncoder() fragments.EncoderFunc {
	return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
		return v.Interface().(Marshaler).MarshalDBus(ctx, e)
	}
}

// addrMarshalEncoder handles types whose Marshaler is implemented
// on the pointer receiver. Unaddressable values are copied so the
// pointer method can always run.
func addrMarshalEncoder(t reflect.Type) fragments.EncoderFunc {
	return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
		if v.CanAddr() {
			return v.Addr().Interface().(Marshaler).MarshalDBus(ctx, e)
		}
		pv := reflect.New(t)
		pv.Elem().Set(v)
		return pv.Interface().(Marshaler).MarshalDBus(ctx, e)
	}
}

func ptrEncoder(t reflect.Type) (fragments.EncoderFunc, error) {
	elemEnc, err := encoderFor(t.Elem())
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
		if v.IsNil() {
			return elemEnc(ctx, e, reflect.Zero(t.Elem()))
		}
		return elemEnc(ctx, e, v.Elem())
	}, nil
}

func boolEncoder() fragments.EncoderFunc {
	return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
		e.Bool(v.Bool())
		return nil
	}
}

func fixedEncoder(k reflect.Kind) fragments.EncoderFunc {
	switch k {
	case reflect.Uint8:
		return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
			e.Uint8(uint8(v.Uint()))
			return nil
		}
	case reflect.Int16:
		return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
			e.Int16(int16(v.Int()))
			return nil
		}
	case reflect.Uint16:
		return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
			e.Uint16(uint16(v.Uint()))
			return nil
		}
	case reflect.Int32:
		return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
			e.Int32(int32(v.Int()))
			return nil
		}
	case reflect.Uint32:
		return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
			e.Uint32(uint32(v.Uint()))
			return nil
		}
	case reflect.Int64:
		return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
			e.Int64(v.Int())
			return nil
		}
	case reflect.Uint64:
		return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
			e.Uint64(v.Uint())
			return nil
		}
	case reflect.Float64:
		return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
			e.Float64(v.Float())
			return nil
		}
	}
	panic("unhandled fixed kind")
}

func stringEncoder() fragments.EncoderFunc {
	return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
		e.String(v.String())
		return nil
	}
}

func sliceEncoder(t reflect.Type) (fragments.EncoderFunc, error) {
	if t.Elem().Kind() == reflect.Uint8 {
		return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
			if v.Kind() == reflect.Array {
				bs := make([]byte, v.Len())
				reflect.Copy(reflect.ValueOf(bs), v)
				e.Bytes(bs)
				return nil
			}
			e.Bytes(v.Bytes())
			return nil
		}, nil
	}

	elemEnc, err := encoderFor(t.Elem())
	if err != nil {
		return nil, err
	}
	align := alignOf(t.Elem())
	return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
		return e.Array(align, func() error {
			for i := 0; i < v.Len(); i++ {
				if err := elemEnc(ctx, e, v.Index(i)); err != nil {
					return err
				}
			}
			return nil
		})
	}, nil
}

func mapEncoder(t reflect.Type) (fragments.EncoderFunc, error) {
	kEnc, err := encoderFor(t.Key())
	if err != nil {
		return nil, err
	}
	vEnc, err := encoderFor(t.Elem())
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
		return e.Array(8, func() error {
			iter := v.MapRange()
			for iter.Next() {
				err := e.Struct(func() error {
					if err := kEnc(ctx, e, iter.Key()); err != nil {
						return err
					}
					return vEnc(ctx, e, iter.Value())
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}, nil
}

type fieldEncoder struct {
	idx int
	enc fragments.EncoderFunc
}

func structEncoder(t reflect.Type) (fragments.EncoderFunc, error) {
	var fields []fieldEncoder
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		fEnc, err := encoderFor(f.Type)
		if err != nil {
			return nil, err
		}
		fields = append(fields, fieldEncoder{i, fEnc})
	}
	return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
		return e.Struct(func() error {
			for _, f := range fields {
				if err := f.enc(ctx, e, v.Field(f.idx)); err != nil {
					return err
				}
			}
			return nil
		})
	}, nil
}

// ifaceEncoder encodes interface-typed values as variants.
func ifaceEncoder() fragments.EncoderFunc {
	return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
		return Variant{v.Interface()}.MarshalDBus(ctx, e)
	}
}
