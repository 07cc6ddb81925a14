package fragments

import (
	"encoding/binary"

	"golang.org/x/sys/cpu"
)

// A ByteOrder is a byte order that values and messages can be encoded
// in, along with the flag byte that announces it in a message header.
type ByteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
	// Flag returns the DBus byte order flag byte for this order,
	// 'l' or 'B'.
	Flag() byte
}

type stdOrder struct {
	binary.ByteOrder
	binary.AppendByteOrder
	flag byte
}

func (o stdOrder) Flag() byte { return o.flag }

func (o stdOrder) String() string { return o.ByteOrder.String() }

var (
	BigEndian    ByteOrder = stdOrder{binary.BigEndian, binary.BigEndian, 'B'}
	LittleEndian ByteOrder = stdOrder{binary.LittleEndian, binary.LittleEndian, 'l'}
	// NativeEndian is the byte order of the local machine.
	NativeEndian = nativeOrder()
)

func nativeOrder() ByteOrder {
	if cpu.IsBigEndian {
		return BigEndian
	}
	return LittleEndian
}

// OrderForFlag returns the byte order announced by the given message
// header flag byte, or false if the flag is not a valid byte order
// mark.
func OrderForFlag(flag byte) (ByteOrder, bool) {
	switch flag {
	case 'l':
		return LittleEndian, true
	case 'B':
		return BigEndian, true
	}
	return nil, false
}
