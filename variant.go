package dbus

import (
	"context"
	"fmt"
	"reflect"

	"github.com/wirebus/dbus/fragments"
)

// Variant is a self-describing value: the wire encoding carries the
// value's signature followed by the value itself.
type Variant struct {
	Value any
}

func (v Variant) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	sig, err := SignatureOf(v.Value)
	if err != nil {
		return err
	}
	if err := sig.MarshalDBus(ctx, e); err != nil {
		return err
	}
	return e.Value(ctx, v.Value)
}

func (v *Variant) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	var sig Signature
	if err := sig.UnmarshalDBus(ctx, d); err != nil {
		return fmt.Errorf("reading variant signature: %w", err)
	}
	inner := sig.Value()
	if !inner.IsValid() {
		return fmt.Errorf("unsupported variant signature %q", sig)
	}
	if err := d.Value(ctx, inner.Interface()); err != nil {
		return fmt.Errorf("reading variant value (signature %q): %w", sig, err)
	}
	v.Value = inner.Elem().Interface()
	return nil
}

func (v Variant) SignatureDBus() Signature {
	return mkSignature(reflect.TypeFor[Variant](), "v")
}
