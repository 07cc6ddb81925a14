package dbus

import (
	"context"
	"sync"
)

// Claim requests ownership of a well-known bus name and tracks the
// outcome over time.
//
// Claiming does not guarantee ownership; the bus arbitrates among
// all claimants. Callers watch [Claim.Chan] to learn if and when
// ownership is won or lost.
func (c *Conn) Claim(name string, opts ClaimOptions) (*Claim, error) {
	ret := &Claim{
		c:           c,
		w:           c.Watch(),
		owner:       make(chan bool, 1),
		name:        name,
		pumpStopped: make(chan struct{}),
	}
	_, err := ret.w.Match(MatchSignal(busInterface, "NameAcquired").Sender(busName).ArgStr(0, name))
	if err != nil {
		ret.w.Close()
		return nil, err
	}
	_, err = ret.w.Match(MatchSignal(busInterface, "NameLost").Sender(busName).ArgStr(0, name))
	if err != nil {
		ret.w.Close()
		return nil, err
	}

	if err := ret.Request(opts); err != nil {
		ret.w.Close()
		return nil, err
	}

	go ret.pump()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims.Add(ret)
	return ret, nil
}

// ClaimOptions are the arbitration settings for a name claim.
type ClaimOptions struct {
	// AllowReplacement permits another claimant that requests
	// replacement to take the name from us.
	AllowReplacement bool
	// TryReplace attempts to displace the name's current owner,
	// which only succeeds if the owner claimed with
	// AllowReplacement set.
	TryReplace bool
	// NoQueue refuses to wait in the ownership queue: if the name
	// cannot be acquired now, the request fails with an error.
	NoQueue bool
}

func (o ClaimOptions) flags() NameRequestFlags {
	var ret NameRequestFlags
	if o.AllowReplacement {
		ret |= NameRequestAllowReplacement
	}
	if o.TryReplace {
		ret |= NameRequestReplace
	}
	if o.NoQueue {
		ret |= NameRequestNoQueue
	}
	return ret
}

// Claim is a claim to ownership of a bus name.
type Claim struct {
	c     *Conn
	w     *Watcher
	owner chan bool
	name  string

	closeOnce   sync.Once
	pumpStopped chan struct{}

	last bool
}

// Request re-submits the claim with new options. If the claim
// currently owns the name, this updates the arbitration settings
// without giving the name up.
func (c *Claim) Request(opts ClaimOptions) error {
	_, err := c.c.RequestName(context.Background(), c.name, opts.flags())
	return err
}

// Name returns the claimed bus name.
func (c *Claim) Name() string { return c.name }

// Chan returns a channel that reports whether this claim currently
// owns the name.
func (c *Claim) Chan() <-chan bool { return c.owner }

// Close abandons the claim, releasing the name if owned.
func (c *Claim) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.c.mu.Lock()
		if c.c.claims != nil {
			delete(c.c.claims, c)
		}
		closed := c.c.closed
		c.c.mu.Unlock()

		c.w.Close()
		<-c.pumpStopped

		// final send to report loss of ownership
		c.send(false)
		close(c.owner)

		if !closed {
			err = c.c.ReleaseName(context.Background(), c.name)
		}
	})
	return err
}

// close tears the claim down without bus traffic, for connection
// shutdown.
func (c *Claim) close() {
	c.closeOnce.Do(func() {
		c.w.close()
		<-c.pumpStopped
		c.send(false)
		close(c.owner)
	})
}

func (c *Claim) send(isOwner bool) {
	select {
	case c.owner <- isOwner:
	default:
		select {
		case <-c.owner:
		default:
		}
		c.owner <- isOwner
	}
}

func (c *Claim) pump() {
	defer close(c.pumpStopped)
	for sig := range c.w.Chan() {
		switch sig.Name {
		case "NameAcquired":
			c.last = true
		case "NameLost":
			c.last = false
		default:
			continue
		}
		c.send(c.last)
	}
}
