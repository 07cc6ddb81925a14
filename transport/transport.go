// Package transport provides the byte stream transports that DBus
// connections run over: unix domain sockets (with out-of-band file
// descriptor passing), TCP, nonce-authenticated TCP, and the
// autolaunch fallback.
package transport

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Transport is a raw bidirectional DBus connection.
//
// Reads and writes may transfer fewer bytes than requested; callers
// are expected to loop.
type Transport interface {
	io.ReadWriteCloser

	// SupportsFiles reports whether the transport can carry file
	// descriptors as ancillary data.
	SupportsFiles() bool
	// GetFiles returns n received files that arrived as ancillary
	// data attached to previously read bytes.
	GetFiles(n int) ([]*os.File, error)
	// WriteWithFiles is like Write, but additionally sends the
	// given files as ancillary data.
	WriteWithFiles(bs []byte, files []*os.File) (int, error)
}

// An Address is the parsed form of one DBus address entry, as
// produced by the address parser in the parent package.
type Address struct {
	Transport string
	Options   map[string]string
}

// Dial connects to the given address.
func Dial(ctx context.Context, addr Address) (Transport, error) {
	switch addr.Transport {
	case "unix":
		if _, ok := addr.Options["tmpdir"]; ok {
			return nil, fmt.Errorf("unix tmpdir address is only usable by servers")
		}
		if path, ok := addr.Options["path"]; ok {
			return DialUnix(ctx, path)
		}
		if name, ok := addr.Options["abstract"]; ok {
			// Linux abstract socket names start with a NUL, which
			// the net package spells as a leading @.
			return DialUnix(ctx, "@"+name)
		}
		return nil, fmt.Errorf("unix address has no usable location")
	case "tcp":
		return DialTCP(ctx, addr.Options["host"], addr.Options["port"], addr.Options["family"])
	case "nonce-tcp":
		return DialNonceTCP(ctx, addr.Options["host"], addr.Options["port"], addr.Options["family"], addr.Options["noncefile"])
	case "autolaunch":
		return DialAutolaunch(ctx)
	default:
		return nil, fmt.Errorf("unsupported transport %q", addr.Transport)
	}
}
