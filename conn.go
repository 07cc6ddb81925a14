package dbus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"reflect"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
	"github.com/wirebus/dbus/auth"
	"github.com/wirebus/dbus/fragments"
	"github.com/wirebus/dbus/transport"
)

const (
	busName      = "org.freedesktop.DBus"
	busInterface = "org.freedesktop.DBus"
	busPath      = ObjectPath("/org/freedesktop/DBus")
)

// An Option adjusts the behavior of [Dial].
type Option func(*connOptions)

type connOptions struct {
	authMechs    []auth.Mech
	onDisconnect func(error)
	skipHello    bool
}

// WithAuthMechs replaces the default set of authentication
// mechanisms offered to the server.
func WithAuthMechs(mechs []auth.Mech) Option {
	return func(o *connOptions) { o.authMechs = mechs }
}

// WithDisconnectHandler installs fn to be called exactly once when
// the connection shuts down, with the cause. The handler is invoked
// for fatal protocol and transport errors, not for a local Close.
func WithDisconnectHandler(fn func(error)) Option {
	return func(o *connOptions) { o.onDisconnect = fn }
}

// SessionBus connects to the current user's session bus.
func SessionBus(ctx context.Context, opts ...Option) (*Conn, error) {
	addr, err := SessionBusAddress()
	if err != nil {
		return nil, err
	}
	return Dial(ctx, addr, opts...)
}

// SystemBus connects to the system bus.
func SystemBus(ctx context.Context, opts ...Option) (*Conn, error) {
	return Dial(ctx, SystemBusAddress(), opts...)
}

// Dial connects to the bus at the given DBus address string. The
// address's entries are tried in order; the first one that yields a
// transport and passes authentication wins.
func Dial(ctx context.Context, addresses string, opts ...Option) (*Conn, error) {
	var o connOptions
	for _, opt := range opts {
		opt(&o)
	}

	addrs, err := ParseAddresses(addresses)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, addr := range addrs {
		t, err := transport.Dial(ctx, transport.Address{
			Transport: addr.Transport,
			Options:   addr.Options,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", addr.Transport, err))
			continue
		}

		client := auth.Client{
			Mechs:         o.authMechs,
			RequestUnixFD: t.SupportsFiles(),
		}
		res, err := client.Authenticate(t)
		if err != nil {
			t.Close()
			errs = append(errs, fmt.Errorf("%s: %w", addr.Transport, err))
			continue
		}

		return newConn(ctx, t, res, o)
	}
	return nil, fmt.Errorf("could not connect to any bus address: %w", errors.Join(errs...))
}

func newConn(ctx context.Context, t transport.Transport, authRes *auth.ClientResult, o connOptions) (*Conn, error) {
	ret := &Conn{
		t:            t,
		guid:         authRes.GUID,
		unixFD:       authRes.UnixFD,
		onDisconnect: o.onDisconnect,
		calls:        map[uint32]*pendingCall{},
		handlers:     map[interfaceMember]handlerFunc{},
		watchers:     mapset.New[*Watcher](),
		claims:       mapset.New[*Claim](),
		names:        mapset.New[string](),
		wakeWriter:   make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}
	ret.tasks = taskgroup.New(nil)
	ret.tasks.Go(ret.readLoop)
	ret.tasks.Go(ret.writeLoop)

	if !o.skipHello {
		if err := ret.call(ctx, busName, busPath, busInterface, "Hello", nil, &ret.clientID, false); err != nil {
			ret.Close()
			return nil, fmt.Errorf("getting DBus client ID: %w", err)
		}
	}
	return ret, nil
}

// Conn is a DBus connection: a transport in binary mode plus the
// dispatcher state that multiplexes calls, replies, signals and
// exported methods over it.
type Conn struct {
	t      transport.Transport
	guid   string
	unixFD bool

	clientID string

	tasks      *taskgroup.Group
	wakeWriter chan struct{}
	stop       chan struct{}

	disconnectOnce sync.Once
	onDisconnect   func(error)

	mu         sync.Mutex
	closed     bool
	closeCause error
	lastSerial uint32
	sendQ      queue.Queue[*outMsg]
	calls      map[uint32]*pendingCall
	filters    []*filter
	watchers   mapset.Set[*Watcher]
	claims     mapset.Set[*Claim]
	handlers   map[interfaceMember]handlerFunc
	names      mapset.Set[string]
}

type interfaceMember struct {
	Interface string
	Member    string
}

func (im interfaceMember) String() string {
	return im.Interface + "." + im.Member
}

type pendingCall struct {
	notify chan struct{}
	resp   any
	err    error
}

// outMsg is one fully encoded message waiting on the writer queue.
type outMsg struct {
	bs    []byte
	files []*os.File
	done  chan error
}

// ServerGUID returns the GUID the server reported during
// authentication.
func (c *Conn) ServerGUID() string { return c.guid }

// SupportsUnixFDs reports whether file descriptor passing was
// negotiated on this connection.
func (c *Conn) SupportsUnixFDs() bool { return c.unixFD }

// LocalName returns the connection's unique bus name.
func (c *Conn) LocalName() string { return c.clientID }

// Names returns the connection's unique name followed by the
// well-known names it currently owns.
func (c *Conn) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := []string{c.clientID}
	for n := range c.names {
		ret = append(ret, n)
	}
	return ret
}

// Close closes the connection. Close is idempotent; after the
// first call every pending reply and subsequent operation fails
// with [net.ErrClosed].
func (c *Conn) Close() error {
	return c.closeWith(net.ErrClosed)
}

// shutdown tears the connection down due to a fatal error and
// reports it to the disconnect handler.
func (c *Conn) shutdown(cause error) {
	c.disconnectOnce.Do(func() {
		if c.onDisconnect != nil {
			c.onDisconnect(cause)
		} else {
			log.Printf("dbus: connection lost: %v", cause)
		}
	})
	c.closeWith(cause)
}

func (c *Conn) closeWith(cause error) error {
	var (
		pend    map[uint32]*pendingCall
		ws      mapset.Set[*Watcher]
		cs      mapset.Set[*Claim]
		pending []*outMsg
	)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeCause = cause
	pend, c.calls = c.calls, nil
	ws, c.watchers = c.watchers, nil
	cs, c.claims = c.claims, nil
	for {
		m, ok := c.sendQ.Pop()
		if !ok {
			break
		}
		pending = append(pending, m)
	}
	c.mu.Unlock()

	close(c.stop)
	err := c.t.Close()

	for _, p := range pend {
		p.err = cause
		close(p.notify)
	}
	for _, m := range pending {
		m.done <- cause
	}
	for w := range ws {
		w.close()
	}
	for cl := range cs {
		cl.close()
	}
	c.tasks.Wait()
	return err
}

func (c *Conn) closedErr() error {
	if c.closeCause != nil {
		return c.closeCause
	}
	return net.ErrClosed
}

// writeLoop is the connection's single writer task. It drains the
// send queue in FIFO order, which together with serial assignment
// at enqueue time guarantees that transmit order matches serial
// order.
func (c *Conn) writeLoop() error {
	for {
		m := func() *outMsg {
			c.mu.Lock()
			defer c.mu.Unlock()
			ret, _ := c.sendQ.Pop()
			return ret
		}()
		if m == nil {
			select {
			case <-c.stop:
				return nil
			case <-c.wakeWriter:
				continue
			}
		}
		err := func() error {
			if _, err := c.t.WriteWithFiles(m.bs, m.files); err != nil {
				return err
			}
			return nil
		}()
		m.done <- err
		if err != nil {
			select {
			case <-c.stop:
				// local close raced with the write
			default:
				go c.shutdown(err)
			}
			return nil
		}
	}
}

// enqueueMsg encodes hdr and body, assigns the next serial, and
// places the result on the writer queue. It returns the assigned
// serial and a channel that reports the outcome of the transport
// write.
//
// If pending is non-nil it is registered as the serial's reply
// slot under the same lock that assigns the serial, so the slot
// exists before the reply can possibly arrive.
func (c *Conn) enqueueMsg(ctx context.Context, hdr *header, body any, pending *pendingCall) (uint32, chan error, error) {
	var (
		files     []*os.File
		bodyBytes []byte
	)
	if body != nil {
		enc := fragments.Encoder{
			Order:  fragments.NativeEndian,
			Mapper: encoderFor,
		}
		bodyCtx := withContextPutFiles(ctx, &files)
		if err := enc.Value(bodyCtx, body); err != nil {
			return 0, nil, err
		}
		sig, err := SignatureOf(body)
		if err != nil {
			return 0, nil, err
		}
		bodyBytes = enc.Out
		hdr.Length = uint32(len(bodyBytes))
		hdr.Signature = sig.asMsgBody()
		hdr.NumFDs = uint32(len(files))
	}
	if hdr.NumFDs > 0 && !c.unixFD {
		return 0, nil, errors.New("file descriptor passing not negotiated on this connection")
	}

	m := &outMsg{
		files: files,
		done:  make(chan error, 1),
	}

	c.mu.Lock()
	if c.closed {
		err := c.closedErr()
		c.mu.Unlock()
		return 0, nil, err
	}
	c.lastSerial++
	if c.lastSerial == 0 {
		// serial wrapped; zero is reserved
		c.lastSerial = 1
	}
	hdr.Serial = c.lastSerial

	if err := hdr.Valid(); err != nil {
		c.mu.Unlock()
		return 0, nil, err
	}
	if pending != nil {
		c.calls[hdr.Serial] = pending
	}

	enc := fragments.Encoder{
		Order:  fragments.NativeEndian,
		Mapper: encoderFor,
	}
	if err := hdr.encodeTo(&enc); err != nil {
		c.mu.Unlock()
		return 0, nil, err
	}
	m.bs = append(enc.Out, bodyBytes...)

	c.sendQ.Add(m)
	c.mu.Unlock()

	select {
	case c.wakeWriter <- struct{}{}:
	default:
	}
	return hdr.Serial, m.done, nil
}

// writeMsg enqueues a message and waits for the transport write to
// complete.
func (c *Conn) writeMsg(ctx context.Context, hdr *header, body any) error {
	_, done, err := c.enqueueMsg(ctx, hdr, body, nil)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// The message is enqueued and will still be written;
		// serials cannot be recycled.
		return ctx.Err()
	}
}

// msg is one decoded incoming message.
type msg struct {
	header
	order fragments.ByteOrder
	body  []byte
	files []*os.File
}

func (m *msg) Decoder() *fragments.Decoder {
	return &fragments.Decoder{
		Order:  m.order,
		Mapper: decoderFor,
		In:     bytes.NewReader(m.body),
	}
}

func align8(n int) int {
	return (n + 7) &^ 7
}

// readMsg reads one complete message off the transport. The fixed
// 16 byte prefix is read first to learn and validate the message's
// framing before the rest is buffered.
func (c *Conn) readMsg() (*msg, error) {
	var fixed [fixedHeaderSize]byte
	if _, err := io.ReadFull(c.t, fixed[:]); err != nil {
		return nil, err
	}

	ord, ok := fragments.OrderForFlag(fixed[0])
	if !ok {
		return nil, protoErr("unknown byte order flag %#x", fixed[0])
	}
	if t := fixed[1]; t < byte(msgTypeCall) || t > byte(msgTypeSignal) {
		return nil, protoErr("unknown message type %d", t)
	}
	if fixed[3] != protocolVersion {
		return nil, protoErr("unsupported protocol version %d", fixed[3])
	}
	bodyLen := ord.Uint32(fixed[4:8])
	serial := ord.Uint32(fixed[8:12])
	fieldsLen := ord.Uint32(fixed[12:16])
	if serial == 0 {
		return nil, protoErr("message with zero serial")
	}
	if fieldsLen > maxHeaderFields {
		return nil, protoErr("header field array of %d bytes exceeds %d byte cap", fieldsLen, maxHeaderFields)
	}
	total := align8(fixedHeaderSize+int(fieldsLen)) + int(bodyLen)
	if total > maxMessageSize {
		return nil, protoErr("message of %d bytes exceeds %d byte cap", total, maxMessageSize)
	}

	buf := make([]byte, total)
	copy(buf, fixed[:])
	if _, err := io.ReadFull(c.t, buf[fixedHeaderSize:]); err != nil {
		return nil, err
	}

	dec := fragments.Decoder{
		Order:  ord,
		Mapper: decoderFor,
		In:     bytes.NewReader(buf),
	}
	var ret msg
	if err := ret.header.decodeFrom(context.Background(), &dec); err != nil {
		var perr ProtocolError
		if errors.As(err, &perr) {
			return nil, err
		}
		return nil, ProtocolError{err}
	}
	if err := ret.header.Valid(); err != nil {
		return nil, err
	}
	ret.order = ord
	ret.body = buf[dec.Offset():]

	if ret.NumFDs > 0 {
		files, err := c.t.GetFiles(int(ret.NumFDs))
		if err != nil {
			return nil, ProtocolError{err}
		}
		ret.files = files
	}
	return &ret, nil
}

// readLoop is the connection's single reader task. Any error that
// escapes message dispatch is a protocol violation or transport
// failure, both of which are fatal to the connection.
func (c *Conn) readLoop() error {
	for {
		m, err := c.readMsg()
		if err != nil {
			select {
			case <-c.stop:
				// local close, not a wire failure
			default:
				go c.shutdown(err)
			}
			return nil
		}
		if err := c.dispatchMsg(m); err != nil {
			go c.shutdown(err)
			return nil
		}
	}
}

func (c *Conn) dispatchMsg(m *msg) error {
	c.runFilters(m)

	switch m.Type {
	case msgTypeReturn, msgTypeError:
		return c.dispatchReply(m)
	case msgTypeSignal:
		return c.dispatchSignal(m)
	case msgTypeCall:
		go c.dispatchCall(m)
	}
	return nil
}

func (c *Conn) dispatchReply(m *msg) error {
	pending := func() *pendingCall {
		c.mu.Lock()
		defer c.mu.Unlock()
		ret := c.calls[m.ReplySerial]
		delete(c.calls, m.ReplySerial)
		return ret
	}()
	if pending == nil {
		// reply to a cancelled call, dropped silently
		return nil
	}

	if m.Type == msgTypeError {
		pending.err = CallError{
			Name:   m.ErrName,
			Detail: c.errorDetail(m),
		}
		close(pending.notify)
		return nil
	}

	if pending.resp != nil {
		ctx := context.Background()
		if len(m.files) > 0 {
			ctx = withContextFiles(ctx, m.files)
		}
		if err := m.Decoder().Value(ctx, pending.resp); err != nil {
			pending.err = err
		}
	}
	close(pending.notify)
	return nil
}

// errorDetail extracts the conventional human-readable first
// string argument from an error message's body, if there is one.
func (c *Conn) errorDetail(m *msg) string {
	if sig := m.Signature.String(); sig == "" || sig[0] != 's' {
		return ""
	}
	detail, err := m.Decoder().String()
	if err != nil {
		return ""
	}
	return detail
}

func (c *Conn) dispatchSignal(m *msg) error {
	body, err := c.decodeBody(m)
	if err != nil {
		return ProtocolError{fmt.Errorf("decoding %s.%s signal body: %w", m.Interface, m.Member, err)}
	}

	c.trackNameSignal(m, body)

	c.mu.Lock()
	ws := make([]*Watcher, 0, len(c.watchers))
	for w := range c.watchers {
		ws = append(ws, w)
	}
	c.mu.Unlock()

	for _, w := range ws {
		w.deliver(&m.header, body)
	}
	return nil
}

// decodeBody decodes a message body into the anonymous struct type
// derived from its signature, returning a pointer to it. A message
// with no body yields a pointer to an empty struct.
func (c *Conn) decodeBody(m *msg) (reflect.Value, error) {
	t := m.Signature.asStruct().Type()
	if t == nil {
		t = reflect.TypeFor[struct{}]()
	}
	body := reflect.New(t)
	if len(m.body) > 0 || !m.Signature.IsZero() {
		ctx := context.Background()
		if len(m.files) > 0 {
			ctx = withContextFiles(ctx, m.files)
		}
		if err := m.Decoder().Value(ctx, body.Interface()); err != nil {
			return reflect.Value{}, err
		}
	}
	return body, nil
}

// trackNameSignal maintains the set of well-known names this
// connection owns, from the bus's NameAcquired and NameLost
// signals.
func (c *Conn) trackNameSignal(m *msg, body reflect.Value) {
	if m.Interface != busInterface || m.Sender != busName {
		return
	}
	if m.Member != "NameAcquired" && m.Member != "NameLost" {
		return
	}
	b := body.Elem()
	if b.Kind() != reflect.Struct || b.NumField() != 1 || b.Field(0).Kind() != reflect.String {
		return
	}
	name := b.Field(0).String()
	if name == "" || name[0] == ':' {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.Member == "NameAcquired" {
		c.names.Add(name)
	} else {
		delete(c.names, name)
	}
}

func (c *Conn) dispatchCall(m *msg) {
	handler := func() handlerFunc {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return nil
		}
		return c.handlers[interfaceMember{m.Interface, m.Member}]
	}()

	if !m.WantReply() && handler == nil {
		return
	}

	respHdr := &header{
		Type:        msgTypeReturn,
		Destination: m.Sender,
		ReplySerial: m.Serial,
	}
	ctx := withContextSender(context.Background(), m.Sender)
	if len(m.files) > 0 {
		ctx = withContextFiles(ctx, m.files)
	}

	if handler == nil {
		respHdr.Type = msgTypeError
		respHdr.ErrName = errUnknownMethod
		c.writeMsg(ctx, respHdr, fmt.Sprintf("no handler for %s.%s", m.Interface, m.Member))
		return
	}

	resp, err := handler(ctx, m.Path, m.Decoder())
	if !m.WantReply() {
		return
	}
	if err != nil {
		respHdr.Type = msgTypeError
		respHdr.ErrName = errFailed
		var ce CallError
		if errors.As(err, &ce) {
			respHdr.ErrName = ce.Name
			c.writeMsg(ctx, respHdr, ce.Detail)
			return
		}
		c.writeMsg(ctx, respHdr, err.Error())
		return
	}
	c.writeMsg(ctx, respHdr, resp)
}

// call sends a method call and, unless noReply is set, blocks
// until its reply arrives, decoding the reply body into response.
//
// Cancelling ctx deregisters the pending reply; a reply that
// arrives later is dropped silently.
func (c *Conn) call(ctx context.Context, destination string, path ObjectPath, iface, method string, body, response any, noReply bool) error {
	if response != nil && reflect.TypeOf(response).Kind() != reflect.Pointer {
		return errors.New("response parameter of Call must be a pointer or nil")
	}

	hdr := &header{
		Type:        msgTypeCall,
		Destination: destination,
		Path:        path,
		Interface:   iface,
		Member:      method,
	}
	if noReply {
		hdr.Flags |= flagNoReplyExpected
	}

	if noReply {
		return c.writeMsg(ctx, hdr, body)
	}

	pending := &pendingCall{
		notify: make(chan struct{}),
		resp:   response,
	}

	serial, done, err := c.enqueueMsg(ctx, hdr, body, pending)
	if err != nil {
		return err
	}
	defer func() {
		c.mu.Lock()
		if c.calls[serial] == pending {
			delete(c.calls, serial)
		}
		c.mu.Unlock()
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-pending.notify:
		return pending.err
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-pending.notify:
		return pending.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call calls a method on a remote peer and decodes the reply body
// into response, which must be a pointer or nil. body and response
// must structurally match the method's request and reply
// signatures.
func (c *Conn) Call(ctx context.Context, destination string, path ObjectPath, iface, method string, body, response any) error {
	return c.call(ctx, destination, path, iface, method, body, response, false)
}

// CallNoReply calls a method with the NO_REPLY_EXPECTED flag set,
// returning as soon as the message is written.
func (c *Conn) CallNoReply(ctx context.Context, destination string, path ObjectPath, iface, method string, body any) error {
	return c.call(ctx, destination, path, iface, method, body, nil, true)
}

// EmitSignal broadcasts a signal from the given object path. The
// signal's argument list is body, which may be nil for an empty
// signal.
func (c *Conn) EmitSignal(ctx context.Context, path ObjectPath, iface, member string, body any) error {
	hdr := &header{
		Type:      msgTypeSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
	}
	return c.writeMsg(ctx, hdr, body)
}
