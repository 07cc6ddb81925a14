package dbus

import "strings"

// maxNameLen is the protocol cap on the length of bus, interface
// and member names.
const maxNameLen = 255

func validNameRune(r rune, first bool) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == '-':
		return true
	case r >= '0' && r <= '9':
		return !first
	}
	return false
}

// validDottedName checks the shared grammar of interface names and
// well-known bus names: dot-joined segments of
// [A-Za-z_-][A-Za-z0-9_-]*, with at least minSegs segments.
func validDottedName(s string, minSegs int) bool {
	if len(s) == 0 || len(s) > maxNameLen {
		return false
	}
	segs := strings.Split(s, ".")
	if len(segs) < minSegs {
		return false
	}
	for _, seg := range segs {
		if len(seg) == 0 {
			return false
		}
		for i, r := range seg {
			if !validNameRune(r, i == 0) {
				return false
			}
		}
	}
	return true
}

// validInterfaceName reports whether s is a valid DBus interface
// name.
func validInterfaceName(s string) bool {
	return validDottedName(s, 2)
}

// validBusName reports whether s is a valid bus name, either a
// unique name beginning with ':' or a well-known reverse-DNS style
// name.
func validBusName(s string) bool {
	if len(s) == 0 || len(s) > maxNameLen {
		return false
	}
	if s[0] == ':' {
		// unique names allow digit-leading segments
		segs := strings.Split(s[1:], ".")
		if len(segs) < 2 {
			return false
		}
		for _, seg := range segs {
			if len(seg) == 0 {
				return false
			}
			for _, r := range seg {
				if !validNameRune(r, false) {
					return false
				}
			}
		}
		return true
	}
	return validDottedName(s, 2)
}

// validMemberName reports whether s is a valid method or signal
// name: a single undotted segment.
func validMemberName(s string) bool {
	if len(s) == 0 || len(s) > maxNameLen {
		return false
	}
	for i, r := range s {
		if r == '-' {
			return false
		}
		if !validNameRune(r, i == 0) {
			return false
		}
	}
	return true
}
