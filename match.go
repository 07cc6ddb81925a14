package dbus

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/creachadair/mds/value"
)

// maxMatchArg is the highest argument index a match rule can
// constrain.
const maxMatchArg = 63

// A Match is a set of constraints on bus messages. It serializes
// to the match rule string that AddMatch wants, and performs the
// same conjunctive matching locally to route signals that arrive
// on a connection to the [Watcher] that asked for them.
type Match struct {
	sender      value.Maybe[string]
	iface       value.Maybe[string]
	member      value.Maybe[string]
	path        value.Maybe[ObjectPath]
	pathNS      value.Maybe[ObjectPath]
	destination value.Maybe[string]
	argStr      map[int]string
	argPath     map[int]string
	arg0NS      value.Maybe[string]
}

// MatchAllSignals returns a Match that matches every signal.
func MatchAllSignals() *Match {
	return &Match{}
}

// MatchSignal returns a Match for signals of the given interface
// and member.
func MatchSignal(iface, member string) *Match {
	return (&Match{}).Interface(iface).Member(member)
}

// Sender restricts the match to messages from the given bus name.
func (m *Match) Sender(name string) *Match {
	m.sender = value.Just(name)
	return m
}

// Interface restricts the match to the given interface.
func (m *Match) Interface(iface string) *Match {
	m.iface = value.Just(iface)
	return m
}

// Member restricts the match to the given signal name.
func (m *Match) Member(member string) *Match {
	m.member = value.Just(member)
	return m
}

// Path restricts the match to messages emitted by the single given
// object path. Path and PathNamespace are mutually exclusive; the
// last one set wins.
func (m *Match) Path(p ObjectPath) *Match {
	m.pathNS = value.Absent[ObjectPath]()
	m.path = value.Just(p.Clean())
	return m
}

// PathNamespace restricts the match to messages emitted by the
// given object path or any path below it.
func (m *Match) PathNamespace(p ObjectPath) *Match {
	m.path = value.Absent[ObjectPath]()
	m.pathNS = value.Just(p.Clean())
	return m
}

// Destination restricts the match to messages addressed to the
// given unique name.
func (m *Match) Destination(name string) *Match {
	m.destination = value.Just(name)
	return m
}

// ArgStr restricts the match to messages whose i-th body argument
// is a string equal to val. i must be in 0..63.
func (m *Match) ArgStr(i int, val string) *Match {
	if i < 0 || i > maxMatchArg {
		panic(fmt.Errorf("match argument index %d out of range 0..%d", i, maxMatchArg))
	}
	if m.argStr == nil {
		m.argStr = map[int]string{}
	}
	m.argStr[i] = val
	return m
}

// ArgPath restricts the match to messages whose i-th body argument
// is a string or object path related to val by path-prefixing:
// equal, or one is a directory-style prefix of the other.
func (m *Match) ArgPath(i int, val string) *Match {
	if i < 0 || i > maxMatchArg {
		panic(fmt.Errorf("match argument index %d out of range 0..%d", i, maxMatchArg))
	}
	if m.argPath == nil {
		m.argPath = map[int]string{}
	}
	m.argPath[i] = val
	return m
}

// Arg0Namespace restricts the match to messages whose first body
// argument is a bus or interface name equal to val or inside its
// dotted namespace.
func (m *Match) Arg0Namespace(val string) *Match {
	m.arg0NS = value.Just(val)
	return m
}

// String returns the match in the key='value' rule format that the
// bus's AddMatch and RemoveMatch methods consume.
func (m *Match) String() string {
	parts := []string{"type='signal'"}
	kv := func(k, v string) {
		parts = append(parts, k+"="+escapeMatchArg(v))
	}

	if s, ok := m.sender.GetOK(); ok {
		kv("sender", s)
	}
	if s, ok := m.iface.GetOK(); ok {
		kv("interface", s)
	}
	if s, ok := m.member.GetOK(); ok {
		kv("member", s)
	}
	if p, ok := m.path.GetOK(); ok {
		kv("path", p.String())
	}
	if p, ok := m.pathNS.GetOK(); ok {
		kv("path_namespace", p.String())
	}
	if s, ok := m.destination.GetOK(); ok {
		kv("destination", s)
	}
	for _, i := range slices.Sorted(maps.Keys(m.argStr)) {
		kv(fmt.Sprintf("arg%d", i), m.argStr[i])
	}
	for _, i := range slices.Sorted(maps.Keys(m.argPath)) {
		kv(fmt.Sprintf("arg%dpath", i), m.argPath[i])
	}
	if s, ok := m.arg0NS.GetOK(); ok {
		kv("arg0namespace", s)
	}
	return strings.Join(parts, ",")
}

// matches reports whether the given signal passes every constraint
// of the rule. body is a pointer to the decoded body struct.
//
// The bus delivers the union of all installed rules over one
// connection, so each Watcher re-runs this locally to pick out its
// own subscriptions.
func (m *Match) matches(hdr *header, body reflect.Value) bool {
	if hdr.Type != msgTypeSignal {
		return false
	}
	if s, ok := m.sender.GetOK(); ok && hdr.Sender != s {
		return false
	}
	if s, ok := m.iface.GetOK(); ok && hdr.Interface != s {
		return false
	}
	if s, ok := m.member.GetOK(); ok && hdr.Member != s {
		return false
	}
	if p, ok := m.path.GetOK(); ok && hdr.Path != p {
		return false
	}
	if p, ok := m.pathNS.GetOK(); ok && hdr.Path != p && !hdr.Path.IsChildOf(p) {
		return false
	}
	if s, ok := m.destination.GetOK(); ok && hdr.Destination != s {
		return false
	}

	for i, want := range m.argStr {
		got, ok := bodyStringArg(body, i)
		if !ok || got != want {
			return false
		}
	}
	for i, want := range m.argPath {
		got, ok := bodyStringArg(body, i)
		if !ok || !pathPrefixRelated(got, want) {
			return false
		}
	}
	if ns, ok := m.arg0NS.GetOK(); ok {
		got, ok := bodyStringArg(body, 0)
		if !ok || (got != ns && !strings.HasPrefix(got, ns+".")) {
			return false
		}
	}
	return true
}

// bodyStringArg returns the i-th field of the decoded body struct,
// if it is string-shaped.
func bodyStringArg(body reflect.Value, i int) (string, bool) {
	if !body.IsValid() {
		return "", false
	}
	v := body
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct || i >= v.NumField() {
		return "", false
	}
	f := v.Field(i)
	if f.Kind() != reflect.String {
		return "", false
	}
	return f.String(), true
}

// pathPrefixRelated implements the argNpath relation: the values
// are equal, or one of them ends in '/' and is a prefix of the
// other.
func pathPrefixRelated(got, want string) bool {
	if got == want {
		return true
	}
	if strings.HasSuffix(want, "/") && strings.HasPrefix(got, want) {
		return true
	}
	if strings.HasSuffix(got, "/") && strings.HasPrefix(want, got) {
		return true
	}
	return false
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", `'\''`)
	return "'" + s + "'"
}
