package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestAdvertiseBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		InstanceID:          "devnet-123",
		InstanceName:        "Alice Devnet",
		LedgerPort:          9944,
		ContentPort:         5001,
		GenesisUnixMilli:    1749488148000,
		BlockIntervalMillis: 6000,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	advertiser, err := Advertise(cfg)
	if err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	if advertiser == nil {
		t.Fatalf("expected advertiser instance")
	}
	advertiser.Stop()

	if gotInstance != "Alice Devnet" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 9944 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "instance_id=devnet-123")
	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXT(t, gotTXT, "content_port=5001")
	assertContainsTXT(t, gotTXT, "genesis_ms=1749488148000")
	assertContainsTXT(t, gotTXT, "block_ms=6000")
}

func TestAdvertiseValidatesConfig(t *testing.T) {
	register := func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
		t.Fatalf("register must not be called for invalid config")
		return nil, nil
	}

	cases := []Config{
		{InstanceName: "x", LedgerPort: 1, ContentPort: 1, registerFn: register},
		{InstanceID: "x", LedgerPort: 1, ContentPort: 1, registerFn: register},
		{InstanceID: "x", InstanceName: "x", ContentPort: 1, registerFn: register},
		{InstanceID: "x", InstanceName: "x", LedgerPort: 1, registerFn: register},
	}
	for i, cfg := range cases {
		if _, err := Advertise(cfg); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
