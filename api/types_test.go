package api_test

import (
	"testing"

	"github.com/momentics/hioload-proxy/api"
)

func TestParseAddressRoundTrip(t *testing.T) {
	addr, err := api.ParseAddress("tcp://127.0.0.1:10000")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if addr.IP != "127.0.0.1" || addr.Port != 10000 {
		t.Fatalf("parsed %+v", addr)
	}
	if addr.String() != "tcp://127.0.0.1:10000" {
		t.Fatalf("round trip %q", addr.String())
	}
	if addr.HostPort() != "127.0.0.1:10000" {
		t.Fatalf("host port %q", addr.HostPort())
	}
}

func TestParseAddressWildcard(t *testing.T) {
	addr, err := api.ParseAddress("tcp://0.0.0.0:8443")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !addr.IsWildcard() {
		t.Fatal("0.0.0.0 should be the wildcard")
	}
}

func TestParseAddressRejectsMalformed(t *testing.T) {
	for _, s := range []string{
		"127.0.0.1:10000",
		"udp://127.0.0.1:10000",
		"tcp://nothost:10000",
		"tcp://127.0.0.1",
		"tcp://127.0.0.1:999999",
	} {
		if _, err := api.ParseAddress(s); err == nil {
			t.Fatalf("%q parsed without error", s)
		}
	}
}
