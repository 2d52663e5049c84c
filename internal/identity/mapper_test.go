package identity

import (
	"errors"
	"testing"

	"gmail-bridge/internal/bridge/domain"
)

func newTestMapper(t *testing.T) *Mapper {
	t.Helper()
	m, err := NewMapper("_bridge_", "hs")
	if err != nil {
		t.Fatalf("NewMapper: %v", err)
	}
	return m
}

func TestAddressToHandle(t *testing.T) {
	m := newTestMapper(t)
	tests := []struct {
		address string
		want    string
	}{
		{"bob@example.com", "@_bridge_bob_at_example.com:hs"},
		{"Bob@Example.COM", "@_bridge_bob_at_example.com:hs"},
		{"first.last@mail.example.org", "@_bridge_first.last_at_mail.example.org:hs"},
		{"a+tag@example.com", "@_bridge_a=2btag_at_example.com:hs"},
		{"a_at_b@example.com", "@_bridge_a_at_b_at_example.com:hs"},
		{"x=y@example.com", "@_bridge_x=3dy_at_example.com:hs"},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			got, err := m.AddressToHandle(tt.address)
			if err != nil {
				t.Fatalf("AddressToHandle(%q) error: %v", tt.address, err)
			}
			if got != tt.want {
				t.Errorf("AddressToHandle(%q) = %q, want %q", tt.address, got, tt.want)
			}
		})
	}
}

func TestHandleRoundTrip(t *testing.T) {
	m := newTestMapper(t)
	addresses := []string{
		"bob@example.com",
		"a+tag@example.com",
		"a_at_b@example.com",
		"a_at@example.com",
		"weird=local@example.com",
		"o'brien@example.co.uk",
		"ünï@example.com",
		"x@localhost",
	}
	for _, addr := range addresses {
		handle, err := m.AddressToHandle(addr)
		if err != nil {
			t.Fatalf("AddressToHandle(%q): %v", addr, err)
		}
		back, err := m.HandleToAddress(handle)
		if err != nil {
			t.Fatalf("HandleToAddress(%q): %v", handle, err)
		}
		if back != addr {
			t.Errorf("round trip of %q gave %q", addr, back)
		}
	}
}

func TestAddressToHandleIsInjective(t *testing.T) {
	m := newTestMapper(t)
	addresses := []string{
		"a.b@example.com",
		"a_b@example.com",
		"a-b@example.com",
		"a=2eb@example.com",
		"a+b@example.com",
		"a@b.example.com",
		"a_at_b@example.com",
		"a@b_at_example.com.x",
	}
	seen := map[string]string{}
	for _, addr := range addresses {
		handle, err := m.AddressToHandle(addr)
		if err != nil {
			continue
		}
		if prev, ok := seen[handle]; ok {
			t.Errorf("%q and %q both map to %q", prev, addr, handle)
		}
		seen[handle] = addr
	}
}

func TestAddressRejections(t *testing.T) {
	m := newTestMapper(t)
	for _, addr := range []string{"", "nobody", "@example.com", "bob@", "bob@exa_mple.com", "bob@exa=mple.com", "bo b@example.com"} {
		if _, err := m.AddressToHandle(addr); !errors.Is(err, domain.ErrMapping) {
			t.Errorf("AddressToHandle(%q) error = %v, want ErrMapping", addr, err)
		}
	}
}

func TestHandleToAddressRejections(t *testing.T) {
	m := newTestMapper(t)
	for _, handle := range []string{
		"@alice:hs",
		"@_bridge_bob_at_example.com:other",
		"@_bridge_:hs",
		"@_bridge_bob:hs",
		"@_bridge_=61_at_example.com:hs",
		"@_bridge_a=zz_at_example.com:hs",
		"@_bridge_a=2_at_example.com:hs",
		"@_bridge_A_at_example.com:hs",
	} {
		if _, err := m.HandleToAddress(handle); !errors.Is(err, domain.ErrMapping) {
			t.Errorf("HandleToAddress(%q) error = %v, want ErrMapping", handle, err)
		}
		if m.IsPuppet(handle) {
			t.Errorf("IsPuppet(%q) = true", handle)
		}
	}
}

func TestThreadAliasRoundTrip(t *testing.T) {
	m := newTestMapper(t)
	alias, err := m.ThreadToRoomAlias("Me@Example.com", "18c2f0a1b2")
	if err != nil {
		t.Fatalf("ThreadToRoomAlias: %v", err)
	}
	if want := "#_bridge_18c2f0a1b2.me_at_example.com:hs"; alias != want {
		t.Errorf("alias = %q, want %q", alias, want)
	}
	account, thread, err := m.AliasToThread(alias)
	if err != nil {
		t.Fatalf("AliasToThread: %v", err)
	}
	if account != "me@example.com" || thread != "18c2f0a1b2" {
		t.Errorf("AliasToThread = (%q, %q)", account, thread)
	}
}

func TestThreadAliasDistinctPerAccount(t *testing.T) {
	m := newTestMapper(t)
	a, _ := m.ThreadToRoomAlias("one@example.com", "t1")
	b, _ := m.ThreadToRoomAlias("two@example.com", "t1")
	c, _ := m.ThreadToRoomAlias("one@example.com", "t2")
	if a == b || a == c || b == c {
		t.Errorf("aliases collide: %q %q %q", a, b, c)
	}
}

func TestAliasToThreadRejections(t *testing.T) {
	m := newTestMapper(t)
	for _, alias := range []string{
		"#random:hs",
		"#_bridge_t1.me_at_example.com:elsewhere",
		"#_bridge_.me_at_example.com:hs",
		"#_bridge_t1:hs",
		"#_bridge_t1.nobody:hs",
		"#_bridge_t!1.me_at_example.com:hs",
	} {
		if _, _, err := m.AliasToThread(alias); !errors.Is(err, domain.ErrMapping) {
			t.Errorf("AliasToThread(%q) error = %v, want ErrMapping", alias, err)
		}
	}
	if _, err := m.ThreadToRoomAlias("me@example.com", "bad.id"); !errors.Is(err, domain.ErrMapping) {
		t.Errorf("thread id with dot accepted: %v", err)
	}
}

func TestNewMapperValidatesPrefix(t *testing.T) {
	if _, err := NewMapper("Bad Prefix", "hs"); err == nil {
		t.Error("expected error for invalid prefix")
	}
	if _, err := NewMapper("_gmail_", ""); err == nil {
		t.Error("expected error for empty server")
	}
}
