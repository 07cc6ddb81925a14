package auth

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"
)

// handshake runs a client and server against each other over an
// in-memory pipe and returns both results.
func handshake(t *testing.T, c *Client, s *Server) (*ClientResult, *ServerResult, error, error) {
	t.Helper()
	cEnd, sEnd := net.Pipe()
	defer cEnd.Close()
	defer sEnd.Close()

	type srvOut struct {
		res *ServerResult
		err error
	}
	srvCh := make(chan srvOut, 1)
	go func() {
		res, err := s.Authenticate(sEnd)
		srvCh <- srvOut{res, err}
	}()

	cRes, cErr := c.Authenticate(cEnd)
	if cErr != nil {
		// A client that gave up leaves the server waiting for its
		// next AUTH; hang up so the server's read fails.
		cEnd.Close()
	}
	srv := <-srvCh
	return cRes, srv.res, cErr, srv.err
}

func TestServerExternal(t *testing.T) {
	s := &Server{GUID: testGUID, PeerUID: os.Getuid()}
	c := &Client{Mechs: []Mech{External{}}}

	cRes, sRes, cErr, sErr := handshake(t, c, s)
	if cErr != nil || sErr != nil {
		t.Fatalf("handshake failed: client %v, server %v", cErr, sErr)
	}
	if cRes.GUID != testGUID {
		t.Errorf("client GUID = %q, want %q", cRes.GUID, testGUID)
	}
	if want := strconv.Itoa(os.Getuid()); sRes.UID != want {
		t.Errorf("server UID = %q, want %q", sRes.UID, want)
	}
}

func TestServerExternalWrongUID(t *testing.T) {
	// The server's socket credentials disagree with the client's
	// claim, so EXTERNAL has to be rejected and the handshake
	// falls through to ANONYMOUS.
	s := &Server{GUID: testGUID, PeerUID: os.Getuid() + 1, AllowAnonymous: true}
	c := &Client{Mechs: []Mech{External{}, Anonymous{}}}

	cRes, sRes, cErr, sErr := handshake(t, c, s)
	if cErr != nil || sErr != nil {
		t.Fatalf("handshake failed: client %v, server %v", cErr, sErr)
	}
	if cRes.GUID != testGUID {
		t.Errorf("client GUID = %q, want %q", cRes.GUID, testGUID)
	}
	if sRes.UID != "" {
		t.Errorf("server UID = %q, want anonymous", sRes.UID)
	}
}

func TestServerCookieSHA1(t *testing.T) {
	// Client and server share a keyring directory, as two
	// processes of the same user would.
	k := &Keyring{Dir: t.TempDir()}
	s := &Server{GUID: testGUID, PeerUID: -1, Keyring: k}
	c := &Client{Mechs: []Mech{NewCookieSHA1(k)}}

	cRes, sRes, cErr, sErr := handshake(t, c, s)
	if cErr != nil || sErr != nil {
		t.Fatalf("handshake failed: client %v, server %v", cErr, sErr)
	}
	if cRes.GUID != testGUID {
		t.Errorf("client GUID = %q, want %q", cRes.GUID, testGUID)
	}
	if want := strconv.Itoa(os.Getuid()); sRes.UID != want {
		t.Errorf("server UID = %q, want %q", sRes.UID, want)
	}
}

func TestServerCookieSHA1WrongKeyring(t *testing.T) {
	// Different keyrings on each side: the client cannot answer
	// the challenge.
	s := &Server{GUID: testGUID, PeerUID: -1, Keyring: &Keyring{Dir: t.TempDir()}}
	c := &Client{Mechs: []Mech{NewCookieSHA1(&Keyring{Dir: t.TempDir()})}}

	_, _, cErr, sErr := handshake(t, c, s)
	if cErr == nil && sErr == nil {
		t.Error("handshake succeeded across unrelated keyrings")
	}
}

func TestServerUnixFD(t *testing.T) {
	s := &Server{GUID: testGUID, PeerUID: os.Getuid(), AllowUnixFD: true}
	c := &Client{Mechs: []Mech{External{}}, RequestUnixFD: true}

	cRes, sRes, cErr, sErr := handshake(t, c, s)
	if cErr != nil || sErr != nil {
		t.Fatalf("handshake failed: client %v, server %v", cErr, sErr)
	}
	if !cRes.UnixFD || !sRes.UnixFD {
		t.Errorf("fd negotiation: client %v, server %v, want true on both", cRes.UnixFD, sRes.UnixFD)
	}
}

func TestServerUnixFDRefused(t *testing.T) {
	s := &Server{GUID: testGUID, PeerUID: os.Getuid(), AllowUnixFD: false}
	c := &Client{Mechs: []Mech{External{}}, RequestUnixFD: true}

	cRes, sRes, cErr, sErr := handshake(t, c, s)
	if cErr != nil || sErr != nil {
		t.Fatalf("handshake failed: client %v, server %v", cErr, sErr)
	}
	if cRes.UnixFD || sRes.UnixFD {
		t.Error("fd negotiation reported success on a refusing server")
	}
}

func TestServerRejectCap(t *testing.T) {
	cEnd, sEnd := net.Pipe()
	defer cEnd.Close()
	defer sEnd.Close()

	s := &Server{GUID: testGUID, PeerUID: -1, MaxRejects: 3}
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Authenticate(sEnd)
		sEnd.Close()
		errCh <- err
	}()

	cEnd.Write([]byte{0})
	r := bufio.NewReader(cEnd)
	rejects := 0
	for {
		if _, err := fmt.Fprintf(cEnd, "AUTH BOGUS\r\n"); err != nil {
			break
		}
		line, err := r.ReadString('\n')
		if err != nil {
			break
		}
		if strings.HasPrefix(line, "REJECTED") {
			rejects++
		}
	}
	if err := <-errCh; err == nil {
		t.Error("server kept going past the reject cap")
	}
	if rejects != 3 {
		t.Errorf("server sent %d rejections before hanging up, want 3", rejects)
	}
}

func TestServerOversizeLine(t *testing.T) {
	cEnd, sEnd := net.Pipe()
	defer cEnd.Close()
	defer sEnd.Close()

	s := &Server{GUID: testGUID, PeerUID: -1, MaxLine: 64}
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Authenticate(sEnd)
		errCh <- err
	}()

	cEnd.Write([]byte{0})
	go cEnd.Write([]byte("AUTH EXTERNAL " + strings.Repeat("61", 100) + "\r\n"))
	if err := <-errCh; err == nil {
		t.Error("server accepted an oversize line")
	}
}

func TestServerBeginBeforeAuth(t *testing.T) {
	cEnd, sEnd := net.Pipe()
	defer cEnd.Close()
	defer sEnd.Close()

	s := &Server{GUID: testGUID, PeerUID: -1}
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Authenticate(sEnd)
		errCh <- err
	}()

	cEnd.Write([]byte{0})
	go cEnd.Write([]byte("BEGIN\r\n"))
	if err := <-errCh; err == nil {
		t.Error("server accepted BEGIN before authentication")
	}
}
