package auth

import (
	"io"
	"strings"
)

// ClientResult is the outcome of a successful client handshake.
type ClientResult struct {
	// GUID is the 32 hex character identity of the server
	// endpoint.
	GUID string
	// UnixFD reports whether the server agreed to pass file
	// descriptors on this connection.
	UnixFD bool
}

// Client runs the connecting side of the authentication handshake.
type Client struct {
	// Mechs are the mechanisms to offer, in preference order. Nil
	// means [DefaultMechs].
	Mechs []Mech
	// RequestUnixFD asks the server for file descriptor passing
	// after authentication succeeds.
	RequestUnixFD bool
	// MaxLine caps incoming line length. 0 means
	// [DefaultMaxLine].
	MaxLine int
}

type clientState int

const (
	clientWaitingForData clientState = iota
	clientWaitingForOk
	clientWaitingForReject
)

// Authenticate drives the handshake over rw, which must be the
// connection's raw byte stream positioned at its very start.
// On success the stream is positioned at the first byte of binary
// traffic.
func (c *Client) Authenticate(rw io.ReadWriter) (*ClientResult, error) {
	if _, err := rw.Write([]byte{0}); err != nil {
		return nil, err
	}

	conn := newLineConn(rw, c.MaxLine)
	mechs := c.Mechs
	if mechs == nil {
		mechs = DefaultMechs()
	}

	var (
		mech    Mech
		state   clientState
		offered []string
	)

	nextMech := func() error {
		for len(mechs) > 0 {
			m := mechs[0]
			mechs = mechs[1:]
			if !mechOffered(m.Name(), offered) {
				continue
			}
			resp, st, err := m.Init()
			if err != nil || st == StatusError {
				continue
			}
			args := []string{"AUTH", m.Name()}
			if len(resp) > 0 {
				args = append(args, hexEncode(resp))
			}
			if err := conn.writeLine(args...); err != nil {
				return err
			}
			mech = m
			state = clientWaitingForData
			return nil
		}
		return authErr("no authentication mechanism accepted by server")
	}

	if err := nextMech(); err != nil {
		return nil, err
	}

	for {
		line, err := conn.readLine()
		if err != nil {
			return nil, err
		}
		cmd, rest := splitCommand(line)

		switch state {
		case clientWaitingForData:
			switch cmd {
			case "DATA":
				challenge, err := hexDecode(rest)
				if err != nil {
					if werr := conn.writeLine("ERROR", "bad hex data"); werr != nil {
						return nil, werr
					}
					continue
				}
				resp, st, err := mech.Data(challenge)
				switch {
				case err != nil || st == StatusError:
					msg := "mechanism error"
					if err != nil {
						msg = err.Error()
					}
					if werr := conn.writeLine("ERROR", msg); werr != nil {
						return nil, werr
					}
				case st == StatusContinue:
					if err := conn.writeLine("DATA", hexEncode(resp)); err != nil {
						return nil, err
					}
				case st == StatusOK:
					if err := conn.writeLine("DATA", hexEncode(resp)); err != nil {
						return nil, err
					}
					state = clientWaitingForOk
				}
			case "OK":
				return c.finish(conn, rest)
			case "REJECTED":
				offered = parseMechList(rest)
				if err := nextMech(); err != nil {
					return nil, err
				}
			case "ERROR":
				if err := conn.writeLine("CANCEL"); err != nil {
					return nil, err
				}
				state = clientWaitingForReject
			default:
				if err := conn.writeLine("ERROR", "unknown command"); err != nil {
					return nil, err
				}
			}

		case clientWaitingForOk:
			switch cmd {
			case "OK":
				return c.finish(conn, rest)
			case "REJECTED":
				offered = parseMechList(rest)
				if err := nextMech(); err != nil {
					return nil, err
				}
			default:
				if err := conn.writeLine("CANCEL"); err != nil {
					return nil, err
				}
				state = clientWaitingForReject
			}

		case clientWaitingForReject:
			if cmd != "REJECTED" {
				return nil, authErr("server said %q after CANCEL, want REJECTED", line)
			}
			offered = parseMechList(rest)
			if err := nextMech(); err != nil {
				return nil, err
			}
		}
	}
}

// finish handles the tail of a successful handshake: GUID
// validation, the optional unix fd negotiation, and BEGIN.
func (c *Client) finish(conn *lineConn, guid string) (*ClientResult, error) {
	if !validGUID(guid) {
		return nil, authErr("malformed server GUID %q", guid)
	}
	ret := &ClientResult{GUID: guid}

	if c.RequestUnixFD {
		if err := conn.writeLine("NEGOTIATE_UNIX_FD"); err != nil {
			return nil, err
		}
		line, err := conn.readLine()
		if err != nil {
			return nil, err
		}
		switch cmd, _ := splitCommand(line); cmd {
		case "AGREE_UNIX_FD":
			ret.UnixFD = true
		case "ERROR":
			// no fd passing, carry on without it
		default:
			return nil, authErr("server said %q to NEGOTIATE_UNIX_FD", line)
		}
	}

	if err := conn.writeLine("BEGIN"); err != nil {
		return nil, err
	}
	return ret, nil
}

// mechOffered reports whether the server's REJECTED listing permits
// the named mechanism. An empty listing permits everything.
func mechOffered(name string, offered []string) bool {
	if len(offered) == 0 {
		return true
	}
	for _, o := range offered {
		if o == name {
			return true
		}
	}
	return false
}

func parseMechList(rest string) []string {
	return strings.Fields(rest)
}
