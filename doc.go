// Package dbus implements a client for the DBus message bus, along
// with the pieces the protocol is built from: the address grammar,
// stream transports, the SASL authentication handshake (including
// the DBUS_COOKIE_SHA1 keyring), the wire type system, and a
// full-duplex message dispatcher.
//
// Most programs start with [SessionBus] or [SystemBus], which return
// a [Conn] attached to the appropriate bus daemon. A Conn sends
// method calls with [Conn.Call], watches signals with [Conn.Watch],
// claims bus names with [Conn.Claim], and exports methods with
// [Conn.Handle].
//
// Go values map onto DBus wire types structurally: fixed width
// integers, bool, float64 and string map to the corresponding basic
// types, slices to arrays, maps to dict arrays, structs to DBus
// structs, [Variant] to variants, [ObjectPath] and [Signature] to
// their respective types, and [File] to unix file descriptors
// passed out of band.
package dbus
