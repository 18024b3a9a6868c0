package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadInterfaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "interfaces.yaml")
	doc := `
- name: eth0
  mac: "01:02:03:04:05:06"
  ip: "10.0.0.1"
- name: eth1
  mac: "aa:bb:cc:dd:ee:ff"
  ip: "10.1.0.254"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	ifaces, err := LoadInterfaces(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(ifaces) != 2 {
		t.Fatalf("want 2 interfaces, got %d", len(ifaces))
	}
	if ifaces[0].Name != "eth0" || ifaces[0].IP != ([4]byte{10, 0, 0, 1}) {
		t.Fatalf("unexpected first interface: %+v", ifaces[0])
	}
	if ifaces[1].HW != ([6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}) {
		t.Fatalf("unexpected second interface MAC: %+v", ifaces[1].HW)
	}
}

func TestLoadRoutingTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routing-table.yaml")
	doc := `
- dest: "10.1.0.0"
  mask: "255.255.0.0"
  gateway: "10.1.0.254"
  iface: eth1
- dest: "0.0.0.0"
  mask: "0.0.0.0"
  iface: eth0
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	table, err := LoadRoutingTable(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(table.Entries) != 2 {
		t.Fatalf("want 2 routes, got %d", len(table.Entries))
	}
	if !table.Entries[1].IsDefault() {
		t.Fatalf("expected second entry to be the default route, got %+v", table.Entries[1])
	}
	route, ok := table.Lookup([4]byte{10, 1, 2, 3})
	if !ok || route.Iface != "eth1" {
		t.Fatalf("expected LPM to pick eth1 route, got %+v ok=%v", route, ok)
	}
}

func TestLoadInterfacesRejectsBadAddress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "interfaces.yaml")
	doc := `
- name: eth0
  mac: "not-a-mac"
  ip: "10.0.0.1"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadInterfaces(path); err == nil {
		t.Fatal("expected an error for a malformed MAC address")
	}
}
