package dbus

import (
	"fmt"
	"os"
	"strings"
)

// An Address is one parsed entry of a DBus server address string,
// naming a transport and its configuration.
type Address struct {
	// Transport is the transport name, e.g. "unix" or "tcp".
	Transport string
	// Options are the transport's key=value options, with values
	// percent-unescaped. Unrecognized keys are preserved.
	Options map[string]string
}

func (a Address) String() string {
	var b strings.Builder
	b.WriteString(a.Transport)
	b.WriteByte(':')
	first := true
	for k, v := range a.Options {
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(escapeAddressValue(v))
	}
	return b.String()
}

// AddressError is the error reported for a malformed address
// string.
type AddressError struct {
	// Addr is the offending address entry.
	Addr string
	// Reason explains what is wrong with it.
	Reason string
}

func (e AddressError) Error() string {
	return fmt.Sprintf("bad DBus address %q: %s", e.Addr, e.Reason)
}

func addrErr(addr, reason string, args ...any) error {
	return AddressError{addr, fmt.Sprintf(reason, args...)}
}

// ParseAddresses parses a DBus server address string: one or more
// semicolon-separated entries of the form
// "transport:key=value,key=value". Entries are returned in listed
// order, which is the order a client should attempt to connect in.
func ParseAddresses(s string) ([]Address, error) {
	var ret []Address
	for _, entry := range strings.Split(s, ";") {
		if entry == "" {
			continue
		}
		addr, err := parseAddress(entry)
		if err != nil {
			return nil, err
		}
		ret = append(ret, addr)
	}
	if len(ret) == 0 {
		return nil, addrErr(s, "no addresses listed")
	}
	return ret, nil
}

func parseAddress(entry string) (Address, error) {
	transport, rest, ok := strings.Cut(entry, ":")
	if !ok {
		return Address{}, addrErr(entry, "missing transport separator")
	}
	if transport == "" {
		return Address{}, addrErr(entry, "empty transport name")
	}
	ret := Address{
		Transport: transport,
		Options:   map[string]string{},
	}
	if rest == "" {
		return ret, checkAddress(entry, ret)
	}
	for _, kv := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return Address{}, addrErr(entry, "malformed key=value pair %q", kv)
		}
		dec, err := unescapeAddressValue(v)
		if err != nil {
			return Address{}, addrErr(entry, "%v", err)
		}
		if _, dup := ret.Options[k]; dup {
			return Address{}, addrErr(entry, "duplicate key %q", k)
		}
		ret.Options[k] = dec
	}
	return ret, checkAddress(entry, ret)
}

// checkAddress validates the option set of recognized transports.
// Unknown transports pass through for the dialer to reject.
func checkAddress(entry string, a Address) error {
	switch a.Transport {
	case "unix":
		n := 0
		for _, k := range []string{"path", "abstract", "tmpdir"} {
			if _, ok := a.Options[k]; ok {
				n++
			}
		}
		if n != 1 {
			return addrErr(entry, "unix transport needs exactly one of path, abstract or tmpdir")
		}
	case "tcp", "nonce-tcp":
		if a.Options["host"] == "" || a.Options["port"] == "" {
			return addrErr(entry, "%s transport needs host and port", a.Transport)
		}
		if f, ok := a.Options["family"]; ok && f != "ipv4" && f != "ipv6" {
			return addrErr(entry, "unknown address family %q", f)
		}
		if a.Transport == "nonce-tcp" && a.Options["noncefile"] == "" {
			return addrErr(entry, "nonce-tcp transport needs a noncefile")
		}
	case "autolaunch":
		// no required keys
	}
	return nil
}

func isHexDigit(b byte) bool {
	return b >= '0' && b <= '9' || b >= 'a' && b <= 'f' || b >= 'A' && b <= 'F'
}

func hexVal(b byte) byte {
	switch {
	case b >= '0' && b <= '9':
		return b - '0'
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10
	default:
		return b - 'A' + 10
	}
}

// unescapeAddressValue reverses the URL-style percent escaping of
// address option values.
func unescapeAddressValue(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated escape in value %q", s)
		}
		if !isHexDigit(s[i+1]) || !isHexDigit(s[i+2]) {
			return "", fmt.Errorf("invalid escape in value %q", s)
		}
		b.WriteByte(hexVal(s[i+1])<<4 | hexVal(s[i+2]))
		i += 2
	}
	return b.String(), nil
}

// addressByteSafe reports whether b may appear unescaped in an
// address value.
func addressByteSafe(b byte) bool {
	switch {
	case b >= '0' && b <= '9', b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z':
		return true
	case b == '-' || b == '_' || b == '/' || b == '\\' || b == '.' || b == '*':
		return true
	}
	return false
}

func escapeAddressValue(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if addressByteSafe(s[i]) {
			b.WriteByte(s[i])
		} else {
			fmt.Fprintf(&b, "%%%02x", s[i])
		}
	}
	return b.String()
}

// SessionBusAddress returns the address string of the user's
// session bus, from DBUS_SESSION_BUS_ADDRESS.
func SessionBusAddress() (string, error) {
	if s := os.Getenv("DBUS_SESSION_BUS_ADDRESS"); s != "" {
		return s, nil
	}
	return "", fmt.Errorf("session bus not available: DBUS_SESSION_BUS_ADDRESS not set")
}

// SystemBusAddress returns the address string of the system bus,
// from DBUS_SYSTEM_BUS_ADDRESS or the well-known default.
func SystemBusAddress() string {
	if s := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); s != "" {
		return s
	}
	return "unix:path=/var/run/dbus/system_bus_socket"
}
