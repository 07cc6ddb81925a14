package dbus

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseAddresses(t *testing.T) {
	tests := []struct {
		in      string
		want    []Address
		wantErr bool
	}{
		{
			in: "unix:path=/run/user/1000/bus",
			want: []Address{{
				Transport: "unix",
				Options:   map[string]string{"path": "/run/user/1000/bus"},
			}},
		},
		{
			in: "unix:abstract=/tmp/dbus-XYZ",
			want: []Address{{
				Transport: "unix",
				Options:   map[string]string{"abstract": "/tmp/dbus-XYZ"},
			}},
		},
		{
			in: "tcp:host=localhost,port=4711,family=ipv4",
			want: []Address{{
				Transport: "tcp",
				Options:   map[string]string{"host": "localhost", "port": "4711", "family": "ipv4"},
			}},
		},
		{
			in: "nonce-tcp:host=h,port=1,noncefile=/tmp/nonce%20file",
			want: []Address{{
				Transport: "nonce-tcp",
				Options:   map[string]string{"host": "h", "port": "1", "noncefile": "/tmp/nonce file"},
			}},
		},
		{
			in: "autolaunch:",
			want: []Address{{
				Transport: "autolaunch",
				Options:   map[string]string{},
			}},
		},
		{
			// entries are kept in listed order
			in: "unix:path=/a;tcp:host=h,port=2",
			want: []Address{
				{Transport: "unix", Options: map[string]string{"path": "/a"}},
				{Transport: "tcp", Options: map[string]string{"host": "h", "port": "2"}},
			},
		},
		{
			// unknown keys are preserved
			in: "unix:path=/a,frobnicate=yes",
			want: []Address{{
				Transport: "unix",
				Options:   map[string]string{"path": "/a", "frobnicate": "yes"},
			}},
		},
		{
			// unknown transports pass through to the dialer
			in: "unixexec:path=/bin/foo",
			want: []Address{{
				Transport: "unixexec",
				Options:   map[string]string{"path": "/bin/foo"},
			}},
		},

		{in: "", wantErr: true},
		{in: "unix", wantErr: true},
		{in: "unix:", wantErr: true},                        // no unix location
		{in: "unix:path=/a,abstract=/b", wantErr: true},     // mutually exclusive
		{in: "unix:path=/a,path=/b", wantErr: true},         // duplicate key
		{in: "unix:garbage", wantErr: true},                 // missing =
		{in: "unix:path=/a%2", wantErr: true},               // truncated escape
		{in: "unix:path=/a%zz", wantErr: true},              // bad escape
		{in: "tcp:host=h", wantErr: true},                   // missing port
		{in: "tcp:host=h,port=1,family=ipx", wantErr: true}, // bad family
		{in: "nonce-tcp:host=h,port=1", wantErr: true},      // missing noncefile
		{in: ":path=/a", wantErr: true},                     // empty transport
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseAddresses(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Errorf("ParseAddresses(%q) = %v, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddresses(%q): %v", tc.in, err)
			}
			if diff := cmp.Diff(got, tc.want); diff != "" {
				t.Errorf("ParseAddresses(%q) diff (-got+want):\n%s", tc.in, diff)
			}
		})
	}
}

func TestAddressEscapeRoundTrip(t *testing.T) {
	addr := Address{
		Transport: "unix",
		Options:   map[string]string{"path": "/tmp/b us;semi,comma=eq"},
	}
	got, err := ParseAddresses(addr.String())
	if err != nil {
		t.Fatalf("re-parsing %q: %v", addr.String(), err)
	}
	if diff := cmp.Diff(got, []Address{addr}); diff != "" {
		t.Errorf("address escape round trip diff (-got+want):\n%s", diff)
	}
}

func TestSystemBusAddressDefault(t *testing.T) {
	t.Setenv("DBUS_SYSTEM_BUS_ADDRESS", "")
	if got, want := SystemBusAddress(), "unix:path=/var/run/dbus/system_bus_socket"; got != want {
		t.Errorf("SystemBusAddress() = %q, want %q", got, want)
	}
	t.Setenv("DBUS_SYSTEM_BUS_ADDRESS", "tcp:host=h,port=1")
	if got, want := SystemBusAddress(), "tcp:host=h,port=1"; got != want {
		t.Errorf("SystemBusAddress() = %q, want %q", got, want)
	}
}
