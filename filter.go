package dbus

// MsgInfo is a read-only snapshot of an incoming message's header,
// as seen by filters.
type MsgInfo struct {
	// Kind is one of "method_call", "method_return", "error" or
	// "signal".
	Kind        string
	Serial      uint32
	Sender      string
	Destination string
	Path        ObjectPath
	Interface   string
	Member      string
	ErrName     string
	ReplySerial uint32
	// Signature describes the message body.
	Signature Signature
}

type filter struct {
	fn func(MsgInfo)
}

// AddFilter registers fn to observe every incoming message, before
// any other dispatching happens. Filters run in registration order
// on the dispatcher task; they cannot mutate or consume messages,
// and must not block.
//
// The returned function removes the filter.
func (c *Conn) AddFilter(fn func(MsgInfo)) (remove func()) {
	f := &filter{fn}
	c.mu.Lock()
	c.filters = append(c.filters, f)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, have := range c.filters {
			if have == f {
				c.filters = append(c.filters[:i], c.filters[i+1:]...)
				return
			}
		}
	}
}

func (c *Conn) runFilters(m *msg) {
	c.mu.Lock()
	fs := make([]*filter, len(c.filters))
	copy(fs, c.filters)
	c.mu.Unlock()

	if len(fs) == 0 {
		return
	}
	info := MsgInfo{
		Kind:        m.Type.String(),
		Serial:      m.Serial,
		Sender:      m.Sender,
		Destination: m.Destination,
		Path:        m.Path,
		Interface:   m.Interface,
		Member:      m.Member,
		ErrName:     m.ErrName,
		ReplySerial: m.ReplySerial,
		Signature:   m.Signature,
	}
	for _, f := range fs {
		f.fn(info)
	}
}
