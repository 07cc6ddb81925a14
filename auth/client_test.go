package auth

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"
)

const testGUID = "31303030303030303030303030303030"

// scriptedServer runs fn as the accepting side of a handshake over
// an in-memory pipe and returns the client's end.
func scriptedServer(t *testing.T, fn func(t *testing.T, r *bufio.Reader, w net.Conn)) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	go fn(t, bufio.NewReader(server), server)
	return client
}

func expectLine(t *testing.T, r *bufio.Reader, want string) {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Errorf("reading line: %v", err)
		return
	}
	if got := strings.TrimSuffix(line, "\r\n"); got != want {
		t.Errorf("client sent %q, want %q", got, want)
	}
}

func uidHex() string {
	return hex.EncodeToString([]byte(strconv.Itoa(os.Getuid())))
}

func TestClientExternal(t *testing.T) {
	rw := scriptedServer(t, func(t *testing.T, r *bufio.Reader, w net.Conn) {
		var nul [1]byte
		if _, err := r.Read(nul[:]); err != nil || nul[0] != 0 {
			t.Errorf("client did not lead with NUL byte (got %v, %v)", nul, err)
			return
		}
		expectLine(t, r, "AUTH EXTERNAL "+uidHex())
		fmt.Fprintf(w, "OK %s\r\n", testGUID)
		expectLine(t, r, "BEGIN")
		// The first byte of binary traffic follows immediately.
		w.Write([]byte{'l'})
	})

	c := Client{Mechs: []Mech{External{}}}
	res, err := c.Authenticate(rw)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if res.GUID != testGUID {
		t.Errorf("GUID = %q, want %q", res.GUID, testGUID)
	}
	if res.UnixFD {
		t.Error("UnixFD negotiated without being requested")
	}

	// No binary bytes may have been consumed by the line reader.
	rw.SetReadDeadline(time.Now().Add(5 * time.Second))
	var b [1]byte
	if _, err := rw.Read(b[:]); err != nil || b[0] != 'l' {
		t.Errorf("first binary byte = %v, %v, want 'l'", b[0], err)
	}
}

func TestClientNegotiateUnixFD(t *testing.T) {
	rw := scriptedServer(t, func(t *testing.T, r *bufio.Reader, w net.Conn) {
		var nul [1]byte
		r.Read(nul[:])
		expectLine(t, r, "AUTH EXTERNAL "+uidHex())
		fmt.Fprintf(w, "OK %s\r\n", testGUID)
		expectLine(t, r, "NEGOTIATE_UNIX_FD")
		fmt.Fprintf(w, "AGREE_UNIX_FD\r\n")
		expectLine(t, r, "BEGIN")
	})

	c := Client{Mechs: []Mech{External{}}, RequestUnixFD: true}
	res, err := c.Authenticate(rw)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !res.UnixFD {
		t.Error("UnixFD = false after AGREE_UNIX_FD")
	}
}

func TestClientMechFallback(t *testing.T) {
	rw := scriptedServer(t, func(t *testing.T, r *bufio.Reader, w net.Conn) {
		var nul [1]byte
		r.Read(nul[:])
		expectLine(t, r, "AUTH EXTERNAL "+uidHex())
		fmt.Fprintf(w, "REJECTED ANONYMOUS\r\n")
		expectLine(t, r, "AUTH ANONYMOUS "+hex.EncodeToString([]byte("trace")))
		fmt.Fprintf(w, "OK %s\r\n", testGUID)
		expectLine(t, r, "BEGIN")
	})

	c := Client{Mechs: []Mech{External{}, Anonymous{Trace: "trace"}}}
	res, err := c.Authenticate(rw)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if res.GUID != testGUID {
		t.Errorf("GUID = %q, want %q", res.GUID, testGUID)
	}
}

func TestClientAllRejected(t *testing.T) {
	rw := scriptedServer(t, func(t *testing.T, r *bufio.Reader, w net.Conn) {
		var nul [1]byte
		r.Read(nul[:])
		r.ReadString('\n')
		fmt.Fprintf(w, "REJECTED\r\n")
	})

	c := Client{Mechs: []Mech{External{}}}
	if _, err := c.Authenticate(rw); err == nil {
		t.Error("Authenticate succeeded with every mechanism rejected")
	}
}

func TestClientErrorThenReject(t *testing.T) {
	rw := scriptedServer(t, func(t *testing.T, r *bufio.Reader, w net.Conn) {
		var nul [1]byte
		r.Read(nul[:])
		r.ReadString('\n')
		fmt.Fprintf(w, "ERROR something awful\r\n")
		expectLine(t, r, "CANCEL")
		fmt.Fprintf(w, "REJECTED ANONYMOUS\r\n")
		expectLine(t, r, "AUTH ANONYMOUS")
		fmt.Fprintf(w, "OK %s\r\n", testGUID)
		expectLine(t, r, "BEGIN")
	})

	c := Client{Mechs: []Mech{External{}, Anonymous{}}}
	if _, err := c.Authenticate(rw); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
}

func TestClientOversizeLine(t *testing.T) {
	rw := scriptedServer(t, func(t *testing.T, r *bufio.Reader, w net.Conn) {
		var nul [1]byte
		r.Read(nul[:])
		r.ReadString('\n')
		fmt.Fprintf(w, "OK %s\r\n", strings.Repeat("a", 200))
	})

	c := Client{Mechs: []Mech{External{}}, MaxLine: 64}
	if _, err := c.Authenticate(rw); err == nil {
		t.Error("Authenticate accepted an oversize line")
	}
}

func TestClientBadGUID(t *testing.T) {
	rw := scriptedServer(t, func(t *testing.T, r *bufio.Reader, w net.Conn) {
		var nul [1]byte
		r.Read(nul[:])
		r.ReadString('\n')
		fmt.Fprintf(w, "OK nothexatall\r\n")
	})

	c := Client{Mechs: []Mech{External{}}}
	if _, err := c.Authenticate(rw); err == nil {
		t.Error("Authenticate accepted a malformed GUID")
	}
}
