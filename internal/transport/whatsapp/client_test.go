package whatsapp

import (
	"testing"

	"go.mau.fi/whatsmeow/types"
)

func TestJIDFromPhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"+1 (555) 010-2030", "15550102030"},
		{"6281234567890", "6281234567890"},
		{"+62 812-3456-7890", "6281234567890"},
	}
	for _, tc := range cases {
		jid, err := jidFromPhone(tc.in)
		if err != nil {
			t.Fatalf("jidFromPhone(%q): %v", tc.in, err)
		}
		if jid.User != tc.want {
			t.Errorf("jidFromPhone(%q).User = %q, want %q", tc.in, jid.User, tc.want)
		}
		if jid.Server != types.DefaultUserServer {
			t.Errorf("jidFromPhone(%q).Server = %q", tc.in, jid.Server)
		}
	}
}

func TestJIDFromPhoneRejectsEmpty(t *testing.T) {
	if _, err := jidFromPhone("ext. abc"); err == nil {
		t.Fatal("expected error for phone without digits")
	}
}
