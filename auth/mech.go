package auth

import (
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Status is a mechanism's verdict on one round of the exchange.
type Status int

const (
	// StatusOK means the mechanism is done from this side; the
	// accompanying data (if any) is the final response.
	StatusOK Status = iota
	// StatusContinue means the mechanism expects another round.
	StatusContinue
	// StatusError means the peer's data was unintelligible to the
	// mechanism.
	StatusError
)

// A Mech is the client side of one authentication mechanism.
type Mech interface {
	// Name returns the mechanism name as it appears in AUTH
	// commands.
	Name() string
	// Init returns the initial response sent with the AUTH
	// command. Returning an error disables the mechanism for this
	// handshake.
	Init() (resp []byte, st Status, err error)
	// Data processes a server challenge and returns the response.
	Data(challenge []byte) (resp []byte, st Status, err error)
}

// DefaultMechs returns the client mechanisms enabled by default, in
// preference order.
func DefaultMechs() []Mech {
	return []Mech{
		External{},
		NewCookieSHA1(nil),
	}
}

// External is the EXTERNAL mechanism: the client claims the uid
// that the OS reports for the socket, and the server checks the
// claim against the peer credentials it can read without the
// client's help.
type External struct{}

func (External) Name() string { return "EXTERNAL" }

func (External) Init() ([]byte, Status, error) {
	return []byte(strconv.Itoa(os.Getuid())), StatusOK, nil
}

func (External) Data(challenge []byte) ([]byte, Status, error) {
	return nil, StatusError, nil
}

// Anonymous is the ANONYMOUS mechanism: the client sends an
// arbitrary trace string and the server accepts it without
// establishing an identity.
type Anonymous struct {
	// Trace is logged by the server, if it cares. Optional.
	Trace string
}

func (Anonymous) Name() string { return "ANONYMOUS" }

func (a Anonymous) Init() ([]byte, Status, error) {
	return []byte(a.Trace), StatusOK, nil
}

func (Anonymous) Data(challenge []byte) ([]byte, Status, error) {
	return nil, StatusError, nil
}

// CookieSHA1 is the DBUS_COOKIE_SHA1 mechanism: the server proves
// the client can read the user's cookie keyring by exchanging a
// challenge whose answer hashes a shared cookie with randomness
// from both sides.
type CookieSHA1 struct {
	keyring *Keyring
}

// NewCookieSHA1 returns the cookie mechanism reading from the
// given keyring, or the user's default keyring if nil.
func NewCookieSHA1(k *Keyring) *CookieSHA1 {
	if k == nil {
		k = &Keyring{}
	}
	return &CookieSHA1{keyring: k}
}

func (*CookieSHA1) Name() string { return "DBUS_COOKIE_SHA1" }

func (m *CookieSHA1) Init() ([]byte, Status, error) {
	return []byte(strconv.Itoa(os.Getuid())), StatusContinue, nil
}

func (m *CookieSHA1) Data(challenge []byte) ([]byte, Status, error) {
	parts := strings.Split(string(challenge), " ")
	if len(parts) != 3 {
		return nil, StatusError, authErr("malformed cookie challenge %q", challenge)
	}
	context, idStr, serverRand := parts[0], parts[1], parts[2]
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		return nil, StatusError, authErr("bad cookie id %q", idStr)
	}

	cookie, ok, err := m.keyring.Lookup(context, uint32(id))
	if err != nil {
		return nil, StatusError, err
	}
	if !ok {
		return nil, StatusError, authErr("no cookie %d in context %q", id, context)
	}

	clientRand := make([]byte, 16)
	if _, err := rand.Read(clientRand); err != nil {
		return nil, StatusError, err
	}
	clientHex := hexEncode(clientRand)

	resp := clientHex + " " + cookieDigest(serverRand, clientHex, cookie.Value)
	return []byte(resp), StatusOK, nil
}

// cookieDigest computes the hex SHA-1 of the challenge composite
// "serverRand:clientRand:cookie".
func cookieDigest(serverRand, clientRand, cookie string) string {
	sum := sha1.Sum([]byte(serverRand + ":" + clientRand + ":" + cookie))
	return fmt.Sprintf("%x", sum)
}
