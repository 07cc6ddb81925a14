// Package fragments implements the low-level pieces of the DBus wire
// format: byte order selection, alignment padding, and the encodings
// of individual value fragments.
//
// The [Encoder] and [Decoder] track the absolute offset from the
// start of the message, because DBus alignment is defined relative to
// that origin and cannot be recovered from local context partway
// through a message.
package fragments
