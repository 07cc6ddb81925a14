package dbus

import (
	"context"
	"errors"
	"fmt"
)

// busCall performs a method call against the message bus itself
// and decodes the single return value.
func busCall[Resp any](ctx context.Context, c *Conn, method string, body any) (Resp, error) {
	var resp Resp
	err := c.call(ctx, busName, busPath, busInterface, method, body, &resp, false)
	return resp, err
}

// NameRequestFlags adjust how the bus arbitrates a RequestName
// call among competing claimants.
type NameRequestFlags byte

const (
	// NameRequestAllowReplacement permits a later claimant that
	// sets NameRequestReplace to take the name over.
	NameRequestAllowReplacement NameRequestFlags = 1 << iota
	// NameRequestReplace attempts to displace the current owner.
	NameRequestReplace
	// NameRequestNoQueue refuses to wait in the backup queue if
	// the name cannot be acquired immediately.
	NameRequestNoQueue
)

// RequestName asks the bus for ownership of a well-known name.
// isPrimaryOwner reports whether this connection now owns the
// name; false with a nil error means the request was queued.
func (c *Conn) RequestName(ctx context.Context, name string, flags NameRequestFlags) (isPrimaryOwner bool, err error) {
	if !validBusName(name) || name[0] == ':' {
		return false, fmt.Errorf("invalid well-known bus name %q", name)
	}
	resp, err := busCall[uint32](ctx, c, "RequestName", struct {
		Name  string
		Flags uint32
	}{name, uint32(flags)})
	if err != nil {
		return false, err
	}
	switch resp {
	case 1:
		// primary owner
		return true, nil
	case 2:
		// queued behind the current owner
		return false, nil
	case 3:
		return false, errors.New("requested name not available")
	case 4:
		// already the primary owner
		return true, nil
	default:
		return false, fmt.Errorf("unknown RequestName response code %d", resp)
	}
}

// ReleaseName relinquishes a name previously requested with
// RequestName.
func (c *Conn) ReleaseName(ctx context.Context, name string) error {
	resp, err := busCall[uint32](ctx, c, "ReleaseName", name)
	if err != nil {
		return err
	}
	switch resp {
	case 1:
		return nil
	case 2:
		return fmt.Errorf("name %q does not exist", name)
	case 3:
		return fmt.Errorf("name %q is not owned by this connection", name)
	default:
		return fmt.Errorf("unknown ReleaseName response code %d", resp)
	}
}

// StartServiceByName asks the bus to activate the service that
// provides the given name. alreadyRunning reports whether the
// service was running before the call.
func (c *Conn) StartServiceByName(ctx context.Context, name string) (alreadyRunning bool, err error) {
	resp, err := busCall[uint32](ctx, c, "StartServiceByName", struct {
		Name  string
		Flags uint32
	}{name, 0})
	if err != nil {
		return false, err
	}
	switch resp {
	case 1:
		return false, nil
	case 2:
		return true, nil
	default:
		return false, fmt.Errorf("unknown StartServiceByName response code %d", resp)
	}
}

// NameHasOwner reports whether any connection currently owns the
// given name.
func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	return busCall[bool](ctx, c, "NameHasOwner", name)
}

// ListNames returns the names currently present on the bus, both
// unique and well-known.
func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	return busCall[[]string](ctx, c, "ListNames", nil)
}

// ListActivatableNames returns the names the bus knows how to
// start on demand.
func (c *Conn) ListActivatableNames(ctx context.Context) ([]string, error) {
	return busCall[[]string](ctx, c, "ListActivatableNames", nil)
}

// GetNameOwner returns the unique name of the connection that owns
// the given name. The bus answers with the
// org.freedesktop.DBus.Error.NameHasNoOwner error if nobody does.
func (c *Conn) GetNameOwner(ctx context.Context, name string) (string, error) {
	return busCall[string](ctx, c, "GetNameOwner", name)
}

// ListQueuedOwners returns the unique names queued for ownership
// of the given well-known name, current owner first.
func (c *Conn) ListQueuedOwners(ctx context.Context, name string) ([]string, error) {
	return busCall[[]string](ctx, c, "ListQueuedOwners", name)
}

// GetBusID returns the bus daemon's globally unique ID.
func (c *Conn) GetBusID(ctx context.Context) (string, error) {
	return busCall[string](ctx, c, "GetId", nil)
}

// GetConnectionUnixUser returns the unix uid of the connection
// that owns the given name.
func (c *Conn) GetConnectionUnixUser(ctx context.Context, name string) (uint32, error) {
	return busCall[uint32](ctx, c, "GetConnectionUnixUser", name)
}

// GetConnectionUnixProcessID returns the pid of the connection
// that owns the given name.
func (c *Conn) GetConnectionUnixProcessID(ctx context.Context, name string) (uint32, error) {
	return busCall[uint32](ctx, c, "GetConnectionUnixProcessID", name)
}

// AddMatch installs a match rule on the bus, directing it to route
// matching signals to this connection. Most callers want
// [Conn.Watch] instead, which manages rules and does the local
// routing too.
func (c *Conn) AddMatch(ctx context.Context, m *Match) error {
	return c.addMatch(ctx, m)
}

// RemoveMatch removes a match rule installed with AddMatch.
func (c *Conn) RemoveMatch(ctx context.Context, m *Match) error {
	return c.removeMatch(ctx, m)
}

func (c *Conn) addMatch(ctx context.Context, m *Match) error {
	return c.call(ctx, busName, busPath, busInterface, "AddMatch", m.String(), nil, false)
}

func (c *Conn) removeMatch(ctx context.Context, m *Match) error {
	return c.call(ctx, busName, busPath, busInterface, "RemoveMatch", m.String(), nil, false)
}
