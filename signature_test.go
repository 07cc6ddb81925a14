package dbus

import (
	"reflect"
	"strings"
	"testing"
)

type simplePair struct {
	A int16
	B bool
}

type nestedPair struct {
	A byte
	B simplePair
}

func TestSignatureOf(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{byte(0), "y"},
		{bool(false), "b"},
		{int16(0), "n"},
		{uint16(0), "q"},
		{int32(0), "i"},
		{uint32(0), "u"},
		{int64(0), "x"},
		{uint64(0), "t"},
		{float64(0), "d"},
		{string(""), "s"},
		{Signature{}, "g"},
		{ObjectPath(""), "o"},
		{File{}, "h"},
		{Variant{}, "v"},
		{[]string{}, "as"},
		{[4]byte{}, "ay"},
		{[][]string{}, "aas"},
		{map[string]int64{}, "a{sx}"},
		{simplePair{}, "(nb)"},
		{[]simplePair{}, "a(nb)"},
		{nestedPair{}, "(y(nb))"},
		{struct{ A any }{int16(0)}, "(v)"},
		{map[string]Variant{}, "a{sv}"},

		{int(0), ""},
		{map[[2]int64]bool{}, ""},
		{map[any]bool{}, ""},
		{func() {}, ""},
	}

	for _, tc := range tests {
		gotSig, err := SignatureOf(tc.in)
		gotErr := err != nil
		wantErr := tc.want == ""
		if gotErr != wantErr {
			t.Errorf("SignatureOf(%T) error = %v, wantErr %v", tc.in, err, wantErr)
		}
		if got := gotSig.String(); got != tc.want {
			t.Errorf("SignatureOf(%T) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSignatureOfRecursive(t *testing.T) {
	type tree struct {
		Left  *tree
		Right *tree
	}
	if sig, err := SignatureOf(tree{}); err == nil {
		t.Errorf("SignatureOf(recursive type) = %q, want error", sig)
	}
}

func TestParseSignature(t *testing.T) {
	tests := []struct {
		in      string
		want    reflect.Type
		wantErr bool
	}{
		{in: "y", want: reflect.TypeFor[byte]()},
		{in: "b", want: reflect.TypeFor[bool]()},
		{in: "n", want: reflect.TypeFor[int16]()},
		{in: "q", want: reflect.TypeFor[uint16]()},
		{in: "i", want: reflect.TypeFor[int32]()},
		{in: "u", want: reflect.TypeFor[uint32]()},
		{in: "x", want: reflect.TypeFor[int64]()},
		{in: "t", want: reflect.TypeFor[uint64]()},
		{in: "d", want: reflect.TypeFor[float64]()},
		{in: "s", want: reflect.TypeFor[string]()},
		{in: "g", want: reflect.TypeFor[Signature]()},
		{in: "o", want: reflect.TypeFor[ObjectPath]()},
		{in: "h", want: reflect.TypeFor[File]()},
		{in: "v", want: reflect.TypeFor[Variant]()},
		{in: "as", want: reflect.TypeFor[[]string]()},
		{in: "ay", want: reflect.TypeFor[[]byte]()},
		{in: "aas", want: reflect.TypeFor[[][]string]()},
		{in: "a{sx}", want: reflect.TypeFor[map[string]int64]()},
		{in: "a{sv}", want: reflect.TypeFor[map[string]Variant]()},
		{in: "(nb)", want: reflect.TypeFor[struct {
			Field0 int16
			Field1 bool
		}]()},
		{in: "a(nb)", want: reflect.TypeFor[[]struct {
			Field0 int16
			Field1 bool
		}]()},
		{in: "(y(nb))", want: reflect.TypeFor[struct {
			Field0 uint8
			Field1 struct {
				Field0 int16
				Field1 bool
			}
		}]()},

		{in: "e", wantErr: true},
		{in: "a", wantErr: true},
		{in: "(", wantErr: true},
		{in: "()", wantErr: true},
		{in: "(s", wantErr: true},
		{in: "a{vs}", wantErr: true},
		{in: "a{(s)s}", wantErr: true},
		{in: "{ss}", wantErr: true},
		{in: "a{ss", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseSignature(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Errorf("ParseSignature(%q) = %s, want error", tc.in, got.Type())
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSignature(%q) error: %v", tc.in, err)
			}
			if gotType := got.Type(); gotType != tc.want {
				t.Errorf("ParseSignature(%q) = %s, want %s", tc.in, gotType, tc.want)
			}
			// round trip back to the string form
			if gotStr := got.String(); gotStr != tc.in {
				t.Errorf("ParseSignature(%q).String() = %q", tc.in, gotStr)
			}
		})
	}
}

func TestParseSignatureLimits(t *testing.T) {
	if _, err := ParseSignature(strings.Repeat("a", 33) + "s"); err == nil {
		t.Error("ParseSignature accepted 33-deep array nesting")
	}
	deepStruct := strings.Repeat("(", 33) + "s" + strings.Repeat(")", 33)
	if _, err := ParseSignature(deepStruct); err == nil {
		t.Error("ParseSignature accepted 33-deep struct nesting")
	}
	okStruct := strings.Repeat("(", 16) + "s" + strings.Repeat(")", 16)
	if _, err := ParseSignature(okStruct); err != nil {
		t.Errorf("ParseSignature rejected 16-deep struct nesting: %v", err)
	}
	long := strings.Repeat("s", 256)
	if _, err := ParseSignature(long); err == nil {
		t.Error("ParseSignature accepted a 256-byte signature")
	}
}

func TestSignatureAsMsgBody(t *testing.T) {
	sig := mustParseSignature("ss")
	if got := sig.String(); got != "(ss)" {
		t.Fatalf("multi-type signature parses to %q, want (ss)", got)
	}
	if got := sig.asMsgBody().String(); got != "ss" {
		t.Errorf("asMsgBody() = %q, want ss", got)
	}
	single := mustParseSignature("u")
	if got := single.asStruct().String(); got != "(u)" {
		t.Errorf("asStruct() = %q, want (u)", got)
	}
}
