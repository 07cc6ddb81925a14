package dbus

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/wirebus/dbus/fragments"
)

// ObjectPath is the location of an object within a DBus peer, a
// slash-separated path such as "/org/freedesktop/DBus".
type ObjectPath string

// Valid reports whether the path conforms to the DBus object path
// grammar: "/" alone, or one or more slash-prefixed segments of
// [A-Za-z0-9_]+.
func (p ObjectPath) Valid() bool {
	if p == "/" {
		return true
	}
	if len(p) == 0 || p[0] != '/' || p[len(p)-1] == '/' {
		return false
	}
	for _, seg := range strings.Split(string(p[1:]), "/") {
		if len(seg) == 0 {
			return false
		}
		for _, r := range seg {
			switch {
			case r >= 'a' && r <= 'z':
			case r >= 'A' && r <= 'Z':
			case r >= '0' && r <= '9':
			case r == '_':
			default:
				return false
			}
		}
	}
	return true
}

func (p ObjectPath) String() string { return string(p) }

// Clean returns the path with repeated and trailing slashes
// removed.
func (p ObjectPath) Clean() ObjectPath {
	segs := strings.FieldsFunc(string(p), func(r rune) bool { return r == '/' })
	if len(segs) == 0 {
		return "/"
	}
	return ObjectPath("/" + strings.Join(segs, "/"))
}

// IsChildOf reports whether p is located strictly underneath
// parent.
func (p ObjectPath) IsChildOf(parent ObjectPath) bool {
	if parent == "/" {
		return p != "/" && strings.HasPrefix(string(p), "/")
	}
	return strings.HasPrefix(string(p), string(parent)+"/")
}

func (p ObjectPath) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	if !p.Valid() {
		return fmt.Errorf("invalid object path %q", string(p))
	}
	e.String(string(p))
	return nil
}

func (p *ObjectPath) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	s, err := d.String()
	if err != nil {
		return err
	}
	if !ObjectPath(s).Valid() {
		return fmt.Errorf("invalid object path %q", s)
	}
	*p = ObjectPath(s)
	return nil
}

func (p ObjectPath) SignatureDBus() Signature {
	return mkSignature(reflect.TypeFor[ObjectPath](), "o")
}
