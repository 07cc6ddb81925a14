package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// DialAutolaunch locates a session bus by asking dbus-launch, which
// consults the X display's session property and starts a bus if
// none is running, then dials the address it reports.
func DialAutolaunch(ctx context.Context) (Transport, error) {
	if os.Getenv("DISPLAY") == "" {
		return nil, errors.New("autolaunch requires an X display")
	}

	out, err := exec.CommandContext(ctx, "dbus-launch", "--autolaunch", machineID(), "--exit-with-session").Output()
	if err != nil {
		return nil, fmt.Errorf("running dbus-launch: %w", err)
	}

	for _, line := range strings.Split(string(out), "\n") {
		val, ok := strings.CutPrefix(line, "DBUS_SESSION_BUS_ADDRESS=")
		if !ok {
			continue
		}
		val = strings.Trim(strings.TrimSuffix(val, ";"), "'")
		path, ok := strings.CutPrefix(val, "unix:path=")
		if ok {
			return DialUnix(ctx, path)
		}
		abstract, ok := strings.CutPrefix(val, "unix:abstract=")
		if ok {
			i := strings.IndexByte(abstract, ',')
			if i >= 0 {
				abstract = abstract[:i]
			}
			return DialUnix(ctx, "@"+abstract)
		}
	}
	return nil, errors.New("dbus-launch reported no usable bus address")
}

func machineID() string {
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if bs, err := os.ReadFile(p); err == nil {
			return strings.TrimSpace(string(bs))
		}
	}
	return ""
}
