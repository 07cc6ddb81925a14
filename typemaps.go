package dbus

import (
	"reflect"

	"github.com/creachadair/mds/mapset"
)

var (
	// codeToType maps DBus type signature codes to the Go types
	// they decode into.
	codeToType = map[byte]reflect.Type{
		'y': reflect.TypeFor[uint8](),
		'b': reflect.TypeFor[bool](),
		'n': reflect.TypeFor[int16](),
		'q': reflect.TypeFor[uint16](),
		'i': reflect.TypeFor[int32](),
		'u': reflect.TypeFor[uint32](),
		'x': reflect.TypeFor[int64](),
		't': reflect.TypeFor[uint64](),
		'd': reflect.TypeFor[float64](),
		's': reflect.TypeFor[string](),
		'o': reflect.TypeFor[ObjectPath](),
		'g': reflect.TypeFor[Signature](),
		'v': reflect.TypeFor[Variant](),
		'h': reflect.TypeFor[File](),
	}

	// kindToCode maps the reflect.Kinds of the plain basic types to
	// their signature codes. Named types like ObjectPath are looked
	// up by type, not kind, before consulting this.
	kindToCode = map[reflect.Kind]byte{
		reflect.Uint8:   'y',
		reflect.Bool:    'b',
		reflect.Int16:   'n',
		reflect.Uint16:  'q',
		reflect.Int32:   'i',
		reflect.Uint32:  'u',
		reflect.Int64:   'x',
		reflect.Uint64:  't',
		reflect.Float64: 'd',
		reflect.String:  's',
	}

	// basicKinds is the set of reflect.Kinds permitted as dict
	// entry keys.
	basicKinds = mapset.New(
		reflect.Uint8,
		reflect.Bool,
		reflect.Int16,
		reflect.Uint16,
		reflect.Int32,
		reflect.Uint32,
		reflect.Int64,
		reflect.Uint64,
		reflect.Float64,
		reflect.String,
	)
)

// alignOf returns the natural wire alignment of the given Go type.
func alignOf(t reflect.Type) int {
	switch t {
	case reflect.TypeFor[Signature](), reflect.TypeFor[Variant]():
		return 1
	case reflect.TypeFor[ObjectPath]():
		return 4
	case reflect.TypeFor[File]():
		return 4
	}
	switch t.Kind() {
	case reflect.Uint8, reflect.Int8:
		return 1
	case reflect.Int16, reflect.Uint16:
		return 2
	case reflect.Bool, reflect.Int32, reflect.Uint32, reflect.String, reflect.Slice, reflect.Array, reflect.Map:
		return 4
	case reflect.Int64, reflect.Uint64, reflect.Float64, reflect.Struct:
		return 8
	case reflect.Pointer, reflect.Interface:
		if t.Kind() == reflect.Interface {
			// interface values travel as variants
			return 1
		}
		return alignOf(t.Elem())
	}
	return 1
}
