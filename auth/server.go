package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"io"
	"strconv"
	"strings"
)

// DefaultMaxRejects is the default cap on failed authentication
// attempts before the server hangs up.
const DefaultMaxRejects = 42

// ServerResult is the outcome of a successful server handshake.
type ServerResult struct {
	// UID is the authenticated unix user id as a decimal string,
	// or empty for an anonymous peer.
	UID string
	// UnixFD reports whether fd passing was negotiated.
	UnixFD bool
}

// Server runs the accepting side of the authentication handshake.
type Server struct {
	// GUID is this endpoint's identity, 32 hex characters.
	// Required.
	GUID string
	// PeerUID is the unix uid of the connecting peer as reported
	// by the socket, or -1 if unknown. EXTERNAL claims are checked
	// against it.
	PeerUID int
	// Keyring backs DBUS_COOKIE_SHA1 challenges. Nil means the
	// user's default keyring.
	Keyring *Keyring
	// AllowAnonymous enables the ANONYMOUS mechanism.
	AllowAnonymous bool
	// AllowUnixFD advertises fd passing support.
	AllowUnixFD bool
	// MaxLine caps incoming line length. 0 means
	// [DefaultMaxLine].
	MaxLine int
	// MaxRejects caps failed attempts. 0 means
	// [DefaultMaxRejects].
	MaxRejects int
}

type serverState int

const (
	serverWaitingForAuth serverState = iota
	serverWaitingForData
	serverWaitingForBegin
)

// cookieChallenge is the in-flight state of one DBUS_COOKIE_SHA1
// exchange.
type cookieChallenge struct {
	id         uint32
	serverRand string
	cookie     string
	uid        string
}

// Authenticate drives the handshake over rw, which must be
// positioned at the start of the stream (the client's initial NUL
// byte). It returns once the client has sent BEGIN.
func (s *Server) Authenticate(rw io.ReadWriter) (*ServerResult, error) {
	if !validGUID(s.GUID) {
		return nil, authErr("server configured with malformed GUID %q", s.GUID)
	}

	var nul [1]byte
	if _, err := io.ReadFull(rw, nul[:]); err != nil {
		return nil, err
	}
	if nul[0] != 0 {
		return nil, authErr("client did not send initial NUL byte")
	}

	conn := newLineConn(rw, s.MaxLine)
	maxRejects := s.MaxRejects
	if maxRejects <= 0 {
		maxRejects = DefaultMaxRejects
	}

	var (
		state     serverState
		rejects   int
		uid       string
		unixFD    bool
		challenge *cookieChallenge
	)

	reject := func() error {
		rejects++
		if rejects > maxRejects {
			return authErr("too many failed authentication attempts")
		}
		state = serverWaitingForAuth
		challenge = nil
		return conn.writeLine("REJECTED", strings.Join(s.mechNames(), " "))
	}

	for {
		line, err := conn.readLine()
		if err != nil {
			return nil, err
		}
		cmd, rest := splitCommand(line)

		switch state {
		case serverWaitingForAuth:
			switch cmd {
			case "AUTH":
				name, initialHex := splitCommand(rest)
				initial, err := hexDecode(initialHex)
				if err != nil {
					if err := reject(); err != nil {
						return nil, err
					}
					continue
				}
				switch {
				case name == "EXTERNAL":
					claimed := string(initial)
					if s.PeerUID >= 0 && claimed == strconv.Itoa(s.PeerUID) {
						uid = claimed
						state = serverWaitingForBegin
						if err := conn.writeLine("OK", s.GUID); err != nil {
							return nil, err
						}
					} else if err := reject(); err != nil {
						return nil, err
					}
				case name == "ANONYMOUS" && s.AllowAnonymous:
					uid = ""
					state = serverWaitingForBegin
					if err := conn.writeLine("OK", s.GUID); err != nil {
						return nil, err
					}
				case name == "DBUS_COOKIE_SHA1":
					ch, err := s.issueCookieChallenge(string(initial))
					if err != nil {
						if err := reject(); err != nil {
							return nil, err
						}
						continue
					}
					challenge = ch
					state = serverWaitingForData
					data := DefaultContext + " " + strconv.FormatUint(uint64(ch.id), 10) + " " + ch.serverRand
					if err := conn.writeLine("DATA", hexEncode([]byte(data))); err != nil {
						return nil, err
					}
				default:
					if err := reject(); err != nil {
						return nil, err
					}
				}
			case "ERROR", "CANCEL":
				if err := reject(); err != nil {
					return nil, err
				}
			case "BEGIN":
				return nil, authErr("client sent BEGIN before authenticating")
			default:
				if err := conn.writeLine("ERROR", "unknown command"); err != nil {
					return nil, err
				}
			}

		case serverWaitingForData:
			switch cmd {
			case "DATA":
				resp, err := hexDecode(rest)
				if err != nil || challenge == nil || !challenge.verify(string(resp)) {
					if err := reject(); err != nil {
						return nil, err
					}
					continue
				}
				uid = challenge.uid
				challenge = nil
				state = serverWaitingForBegin
				if err := conn.writeLine("OK", s.GUID); err != nil {
					return nil, err
				}
			case "CANCEL", "ERROR":
				if err := reject(); err != nil {
					return nil, err
				}
			case "BEGIN":
				return nil, authErr("client sent BEGIN mid-exchange")
			default:
				if err := conn.writeLine("ERROR", "unknown command"); err != nil {
					return nil, err
				}
			}

		case serverWaitingForBegin:
			switch cmd {
			case "BEGIN":
				return &ServerResult{UID: uid, UnixFD: unixFD}, nil
			case "NEGOTIATE_UNIX_FD":
				if s.AllowUnixFD {
					unixFD = true
					if err := conn.writeLine("AGREE_UNIX_FD"); err != nil {
						return nil, err
					}
				} else if err := conn.writeLine("ERROR", "fd passing not supported"); err != nil {
					return nil, err
				}
			case "CANCEL", "ERROR":
				if err := reject(); err != nil {
					return nil, err
				}
			default:
				if err := conn.writeLine("ERROR", "unknown command"); err != nil {
					return nil, err
				}
			}
		}
	}
}

func (s *Server) mechNames() []string {
	ret := []string{"EXTERNAL", "DBUS_COOKIE_SHA1"}
	if s.AllowAnonymous {
		ret = append(ret, "ANONYMOUS")
	}
	return ret
}

// issueCookieChallenge builds the DBUS_COOKIE_SHA1 challenge for a
// client claiming the given uid.
func (s *Server) issueCookieChallenge(claimedUID string) (*cookieChallenge, error) {
	if _, err := strconv.ParseUint(claimedUID, 10, 32); err != nil {
		return nil, authErr("bad uid %q in cookie auth", claimedUID)
	}
	k := s.Keyring
	if k == nil {
		k = &Keyring{}
	}
	cookie, err := k.Fresh(DefaultContext)
	if err != nil {
		return nil, err
	}

	rnd := make([]byte, 16)
	if _, err := rand.Read(rnd); err != nil {
		return nil, err
	}
	return &cookieChallenge{
		id:         cookie.ID,
		serverRand: hexEncode(rnd),
		cookie:     cookie.Value,
		uid:        claimedUID,
	}, nil
}

// verify checks the client's "<clientRand> <hash>" response
// against the issued challenge.
func (c *cookieChallenge) verify(resp string) bool {
	clientRand, hash, ok := strings.Cut(resp, " ")
	if !ok {
		return false
	}
	want := cookieDigest(c.serverRand, clientRand, c.cookie)
	return subtle.ConstantTimeCompare([]byte(want), []byte(hash)) == 1
}
