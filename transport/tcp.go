package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// DialTCP connects to the bus listening at host:port. family may be
// "ipv4", "ipv6", or empty for either.
func DialTCP(ctx context.Context, host, port, family string) (Transport, error) {
	network := "tcp"
	switch family {
	case "":
	case "ipv4":
		network = "tcp4"
	case "ipv6":
		network = "tcp6"
	default:
		return nil, fmt.Errorf("unknown address family %q", family)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, network, net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}
	return &tcpTransport{conn}, nil
}

// DialNonceTCP connects like DialTCP and then writes the 16-byte
// nonce read from noncefile, which the server requires before any
// other traffic.
func DialNonceTCP(ctx context.Context, host, port, family, noncefile string) (Transport, error) {
	nonce, err := os.ReadFile(noncefile)
	if err != nil {
		return nil, fmt.Errorf("reading noncefile: %w", err)
	}
	if len(nonce) != 16 {
		return nil, fmt.Errorf("noncefile %s contains %d bytes, want 16", noncefile, len(nonce))
	}

	t, err := DialTCP(ctx, host, port, family)
	if err != nil {
		return nil, err
	}
	if _, err := t.Write(nonce); err != nil {
		t.Close()
		return nil, fmt.Errorf("writing nonce: %w", err)
	}
	return t, nil
}

// tcpTransport is a Transport over a TCP socket. TCP cannot carry
// file descriptors.
type tcpTransport struct {
	conn net.Conn
}

func (t *tcpTransport) SupportsFiles() bool { return false }

func (t *tcpTransport) Read(bs []byte) (int, error)  { return t.conn.Read(bs) }
func (t *tcpTransport) Write(bs []byte) (int, error) { return t.conn.Write(bs) }
func (t *tcpTransport) Close() error                 { return t.conn.Close() }

func (t *tcpTransport) GetFiles(n int) ([]*os.File, error) {
	if n == 0 {
		return nil, nil
	}
	return nil, errors.New("file descriptors cannot travel over TCP")
}

func (t *tcpTransport) WriteWithFiles(bs []byte, files []*os.File) (int, error) {
	if len(files) > 0 {
		return 0, errors.New("file descriptors cannot travel over TCP")
	}
	return t.Write(bs)
}
