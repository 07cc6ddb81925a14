package dbus

import (
	"bytes"
	"context"
	"fmt"
	"reflect"

	"github.com/wirebus/dbus/fragments"
)

// Unmarshaler is the interface implemented by types that decode
// themselves from the wire format. UnmarshalDBus must be
// implemented on a pointer receiver.
type Unmarshaler interface {
	SignatureDBus() Signature
	UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error
}

var unmarshalerType = reflect.TypeFor[Unmarshaler]()

// Unmarshal decodes the bytes in bs, in the given byte order, into
// v. v must be a non-nil pointer.
func Unmarshal(bs []byte, ord fragments.ByteOrder, v any) error {
	d := fragments.Decoder{
		Order:  ord,
		Mapper: decoderFor,
		In:     bytes.NewReader(bs),
	}
	return d.Value(context.Background(), v)
}

var decoders cache[reflect.Type, fragments.DecoderFunc]

// decoderFor returns the DecoderFunc that reads values of type t,
// deriving and caching it on first use.
func decoderFor(t reflect.Type) (ret fragments.DecoderFunc, err error) {
	if t == nil {
		return nil, typeErr(t, "nil interface")
	}
	if ret, err := decoders.Get(t); err == nil {
		return ret, nil
	} else if !errCacheMiss(err) {
		return nil, err
	}

	defer func() {
		if err != nil {
			decoders.SetErr(t, err)
		} else {
			decoders.Set(t, ret)
		}
	}()

	if _, err := signatureFor(t, nil); err != nil {
		return nil, err
	}

	if reflect.PointerTo(t).Implements(unmarshalerType) {
		return unmarshalDecoder(), nil
	}

	switch t.Kind() {
	case reflect.Pointer:
		return ptrDecoder(t)
	case reflect.Bool:
		return boolDecoder(), nil
	case reflect.Uint8, reflect.Int16, reflect.Uint16, reflect.Int32, reflect.Uint32, reflect.Int64, reflect.Uint64, reflect.Float64:
		return fixedDecoder(t.Kind()), nil
	case reflect.Int, reflect.Uint:
		return nil, typeErr(t, "int and uint are not portable, use fixed width integers")
	case reflect.String:
		return stringDecoder(), nil
	case reflect.Slice:
		return sliceDecoder(t)
	case reflect.Array:
		return nil, typeErr(t, "cannot decode into fixed length array, use a slice")
	case reflect.Map:
		return mapDecoder(t)
	case reflect.Struct:
		return structDecoder(t)
	case reflect.Interface:
		return ifaceDecoder(t)
	}
	return nil, typeErr(t, "no mapping to a DBus type")
}

func unmarshalDecoder() fragments.DecoderFunc {
	return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		return v.Addr().Interface().(Unmarshaler).UnmarshalDBus(ctx, d)
	}
}

func ptrDecoder(t reflect.Type) (fragments.DecoderFunc, error) {
	elemDec, err := decoderFor(t.Elem())
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		if v.IsNil() {
			v.Set(reflect.New(t.Elem()))
		}
		return elemDec(ctx, d, v.Elem())
	}, nil
}

func boolDecoder() fragments.DecoderFunc {
	return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		b, err := d.Bool()
		if err != nil {
			return err
		}
		v.SetBool(b)
		return nil
	}
}

func fixedDecoder(k reflect.Kind) fragments.DecoderFunc {
	switch k {
	case reflect.Uint8:
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			u, err := d.Uint8()
			if err != nil {
				return err
			}
			v.SetUint(uint64(u))
			return nil
		}
	case reflect.Int16:
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			i, err := d.Int16()
			if err != nil {
				return err
			}
			v.SetInt(int64(i))
			return nil
		}
	case reflect.Uint16:
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			u, err := d.Uint16()
			if err != nil {
				return err
			}
			v.SetUint(uint64(u))
			return nil
		}
	case reflect.Int32:
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			i, err := d.Int32()
			if err != nil {
				return err
			}
			v.SetInt(int64(i))
			return nil
		}
	case reflect.Uint32:
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			u, err := d.Uint32()
			if err != nil {
				return err
			}
			v.SetUint(uint64(u))
			return nil
		}
	case reflect.Int64:
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			i, err := d.Int64()
			if err != nil {
				return err
			}
			v.SetInt(i)
			return nil
		}
	case reflect.Uint64:
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			u, err := d.Uint64()
			if err != nil {
				return err
			}
			v.SetUint(u)
			return nil
		}
	case reflect.Float64:
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			f, err := d.Float64()
			if err != nil {
				return err
			}
			v.SetFloat(f)
			return nil
		}
	}
	panic("unhandled fixed kind")
}

func stringDecoder() fragments.DecoderFunc {
	return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		s, err := d.String()
		if err != nil {
			return err
		}
		v.SetString(s)
		return nil
	}
}

func sliceDecoder(t reflect.Type) (fragments.DecoderFunc, error) {
	if t.Elem().Kind() == reflect.Uint8 {
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			bs, err := d.Bytes()
			if err != nil {
				return err
			}
			v.SetBytes(bs)
			return nil
		}, nil
	}

	elemDec, err := decoderFor(t.Elem())
	if err != nil {
		return nil, err
	}
	align := alignOf(t.Elem())
	return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		v.Set(reflect.Zero(t))
		_, err := d.Array(align, func(i int) error {
			ev := reflect.New(t.Elem())
			if err := elemDec(ctx, d, ev.Elem()); err != nil {
				return err
			}
			v.Set(reflect.Append(v, ev.Elem()))
			return nil
		})
		return err
	}, nil
}

func mapDecoder(t reflect.Type) (fragments.DecoderFunc, error) {
	kDec, err := decoderFor(t.Key())
	if err != nil {
		return nil, err
	}
	vDec, err := decoderFor(t.Elem())
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		v.Set(reflect.MakeMap(t))
		key := reflect.New(t.Key())
		val := reflect.New(t.Elem())
		_, err := d.Array(8, func(i int) error {
			key.Elem().SetZero()
			val.Elem().SetZero()
			return d.Struct(func() error {
				if err := kDec(ctx, d, key.Elem()); err != nil {
					return err
				}
				if err := vDec(ctx, d, val.Elem()); err != nil {
					return err
				}
				v.SetMapIndex(key.Elem(), val.Elem())
				return nil
			})
		})
		return err
	}, nil
}

type fieldDecoder struct {
	idx int
	dec fragments.DecoderFunc
}

func structDecoder(t reflect.Type) (fragments.DecoderFunc, error) {
	var fields []fieldDecoder
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		fDec, err := decoderFor(f.Type)
		if err != nil {
			return nil, err
		}
		fields = append(fields, fieldDecoder{i, fDec})
	}
	return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		return d.Struct(func() error {
			for _, f := range fields {
				if err := f.dec(ctx, d, v.Field(f.idx)); err != nil {
					return err
				}
			}
			return nil
		})
	}, nil
}

// ifaceDecoder decodes a variant off the wire and stores its inner
// value into an interface-typed destination.
func ifaceDecoder(t reflect.Type) (fragments.DecoderFunc, error) {
	if t.NumMethod() != 0 {
		return nil, typeErr(t, "cannot decode into non-empty interface")
	}
	return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		var vv Variant
		if err := vv.UnmarshalDBus(ctx, d); err != nil {
			return err
		}
		if vv.Value == nil {
			return fmt.Errorf("empty variant value")
		}
		v.Set(reflect.ValueOf(vv.Value))
		return nil
	}, nil
}
