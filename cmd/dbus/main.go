// Command dbus pokes at a DBus message bus: listing names, calling
// the bus's own methods, claiming names, and monitoring signals.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/slice"
	"github.com/kr/pretty"
	"github.com/wirebus/dbus"
)

var globalArgs struct {
	UseSessionBus bool   `flag:"session,Connect to the session bus instead of the system bus"`
	Names         string `flag:"names,Comma-separated list of bus names to claim"`
}

func busConn(ctx context.Context) (*dbus.Conn, error) {
	var conn *dbus.Conn
	var err error
	if globalArgs.UseSessionBus {
		conn, err = dbus.SessionBus(ctx)
	} else {
		conn, err = dbus.SystemBus(ctx)
	}
	if err != nil {
		return nil, err
	}

	if globalArgs.Names == "" {
		return conn, nil
	}
	for _, n := range strings.Split(globalArgs.Names, ",") {
		claim, err := conn.Claim(n, dbus.ClaimOptions{})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("claiming name %q: %w", n, err)
		}
		go func() {
			for isOwner := range claim.Chan() {
				if isOwner {
					fmt.Printf("acquired name %s\n", n)
				} else {
					fmt.Printf("lost name %s\n", n)
				}
			}
		}()
	}
	return conn, nil
}

func main() {
	root := &command.C{
		Name:     "dbus",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "list",
				Usage: "list [prefix]",
				Help: `List names present on the bus.

With a prefix argument, only names starting with the prefix are
shown. Unique names (":1.234") are listed after well-known ones.`,
				Run: runList,
			},
			{
				Name:  "ping",
				Usage: "ping peer",
				Help:  "Ping a peer.",
				Run:   command.Adapt(runPing),
			},
			{
				Name:  "whois",
				Usage: "whois peer",
				Help:  "Show the uid and pid behind a bus name.",
				Run:   command.Adapt(runWhois),
			},
			{
				Name:  "owner",
				Usage: "owner name",
				Help:  "Show the unique name owning a well-known name, and its queue.",
				Run:   command.Adapt(runOwner),
			},
			{
				Name:  "listen",
				Usage: "listen",
				Help:  "Print bus signals as they arrive.",
				Run:   command.Adapt(runListen),
			},
			{
				Name:  "activate",
				Usage: "activate name",
				Help:  "Ask the bus to start the service providing a name.",
				Run:   command.Adapt(runActivate),
			},
			{
				Name:  "id",
				Usage: "id",
				Help:  "Print the bus daemon's unique ID.",
				Run:   command.Adapt(runID),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func runList(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	names, err := conn.ListNames(ctx)
	if err != nil {
		return fmt.Errorf("listing bus names: %w", err)
	}

	if len(env.Args) > 0 {
		prefix := env.Args[0]
		names = slices.Collect(slice.Select(names, func(n string) bool {
			return strings.HasPrefix(n, prefix)
		}))
	}
	slices.SortFunc(names, func(a, b string) int {
		au, bu := strings.HasPrefix(a, ":"), strings.HasPrefix(b, ":")
		if au != bu {
			if au {
				return 1
			}
			return -1
		}
		return strings.Compare(a, b)
	})
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func runPing(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), 10*time.Second)
	defer cancel()
	start := time.Now()
	if err := conn.Call(ctx, peer, "/", "org.freedesktop.DBus.Peer", "Ping", nil, nil); err != nil {
		return fmt.Errorf("pinging %s: %w", peer, err)
	}
	fmt.Printf("%s responded in %v\n", peer, time.Since(start).Round(time.Microsecond))
	return nil
}

func runWhois(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), 10*time.Second)
	defer cancel()

	if uid, err := conn.GetConnectionUnixUser(ctx, peer); err != nil {
		fmt.Printf("UID: unavailable (%v)\n", err)
	} else {
		fmt.Println("UID:", uid)
	}
	if pid, err := conn.GetConnectionUnixProcessID(ctx, peer); err != nil {
		fmt.Printf("PID: unavailable (%v)\n", err)
	} else {
		fmt.Println("PID:", pid)
	}
	return nil
}

func runOwner(env *command.Env, name string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), 10*time.Second)
	defer cancel()

	owner, err := conn.GetNameOwner(ctx, name)
	if err != nil {
		return fmt.Errorf("getting owner of %s: %w", name, err)
	}
	fmt.Println("owner:", owner)

	queued, err := conn.ListQueuedOwners(ctx, name)
	if err != nil {
		return fmt.Errorf("listing queued owners of %s: %w", name, err)
	}
	for _, q := range queued {
		if q != owner {
			fmt.Println("queued:", q)
		}
	}
	return nil
}

func runListen(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	w := conn.Watch()
	defer w.Close()
	if _, err := w.Match(dbus.MatchAllSignals()); err != nil {
		return fmt.Errorf("subscribing to signals: %w", err)
	}
	fmt.Println("Listening for signals...")
	for {
		select {
		case <-env.Context().Done():
			return nil
		case sig := <-w.Chan():
			fmt.Printf("Signal %s.%s from %s on %s:\n  %# v\n\n", sig.Interface, sig.Name, sig.Sender, sig.Path, pretty.Formatter(sig.Body))
			if sig.Overflow {
				fmt.Println("OVERFLOW, some signals lost")
			}
		}
	}
}

func runActivate(env *command.Env, name string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	already, err := conn.StartServiceByName(ctx, name)
	if err != nil {
		return fmt.Errorf("starting %s: %w", name, err)
	}
	if already {
		fmt.Printf("%s was already running\n", name)
	} else {
		fmt.Printf("%s started\n", name)
	}
	return nil
}

func runID(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), 10*time.Second)
	defer cancel()
	id, err := conn.GetBusID(ctx)
	if err != nil {
		return fmt.Errorf("getting bus ID: %w", err)
	}
	fmt.Println(id)
	return nil
}
