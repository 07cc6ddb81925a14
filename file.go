package dbus

import (
	"context"
	"errors"
	"os"
	"reflect"

	"github.com/wirebus/dbus/fragments"
)

// File is a file to be sent or received over the bus.
//
// The wire encoding of a file is an index into the list of file
// descriptors that travel with the message as socket ancillary
// data; the fd itself never appears in the message bytes.
type File struct {
	*os.File
}

func (f File) SignatureDBus() Signature {
	return mkSignature(reflect.TypeFor[File](), "h")
}

func (f File) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	if f.File == nil {
		return errors.New("cannot marshal File: no os.File attached")
	}
	idx, err := contextPutFile(ctx, f.File)
	if err != nil {
		return err
	}
	e.Uint32(idx)
	return nil
}

func (f *File) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	idx, err := d.Uint32()
	if err != nil {
		return err
	}
	file := contextFile(ctx, idx)
	if file == nil {
		return errors.New("cannot unmarshal File: no file descriptor at message index")
	}
	f.File = file
	return nil
}
