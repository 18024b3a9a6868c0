// Package config loads the static interface list and routing table that
// seed a [router.Router] from YAML documents, since neither is computed at
// runtime by this system (no dynamic routing protocol).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/soypat/ctcpr/router"
)

// InterfaceConfig is one interfaces.yaml entry.
type InterfaceConfig struct {
	Name string `yaml:"name"`
	MAC  string `yaml:"mac"`
	IP   string `yaml:"ip"`
}

// RouteConfig is one routing-table.yaml entry.
type RouteConfig struct {
	Dest    string `yaml:"dest"`
	Mask    string `yaml:"mask"`
	Gateway string `yaml:"gateway,omitempty"`
	Iface   string `yaml:"iface"`
}

// LoadInterfaces reads and parses an interfaces.yaml document from path.
func LoadInterfaces(path string) ([]router.Interface, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading interfaces file: %w", err)
	}
	var entries []InterfaceConfig
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("config: parsing interfaces file: %w", err)
	}
	ifaces := make([]router.Interface, 0, len(entries))
	for _, e := range entries {
		hw, err := parseMAC(e.MAC)
		if err != nil {
			return nil, fmt.Errorf("config: interface %q: %w", e.Name, err)
		}
		ip, err := parseIPv4(e.IP)
		if err != nil {
			return nil, fmt.Errorf("config: interface %q: %w", e.Name, err)
		}
		ifaces = append(ifaces, router.Interface{Name: e.Name, HW: hw, IP: ip})
	}
	return ifaces, nil
}

// LoadRoutingTable reads and parses a routing-table.yaml document from path.
// Entries are kept in file order, since [router.Table.Lookup] breaks
// longest-prefix-match ties by first-entry precedence.
func LoadRoutingTable(path string) (router.Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return router.Table{}, fmt.Errorf("config: reading routing table file: %w", err)
	}
	var entries []RouteConfig
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return router.Table{}, fmt.Errorf("config: parsing routing table file: %w", err)
	}
	table := router.Table{Entries: make([]router.RouteEntry, 0, len(entries))}
	for _, e := range entries {
		dest, err := parseIPv4(e.Dest)
		if err != nil {
			return router.Table{}, fmt.Errorf("config: route to %q: %w", e.Dest, err)
		}
		mask, err := parseIPv4(e.Mask)
		if err != nil {
			return router.Table{}, fmt.Errorf("config: route to %q: %w", e.Dest, err)
		}
		var gw [4]byte
		if e.Gateway != "" {
			gw, err = parseIPv4(e.Gateway)
			if err != nil {
				return router.Table{}, fmt.Errorf("config: route to %q: %w", e.Dest, err)
			}
		}
		table.Entries = append(table.Entries, router.RouteEntry{
			Dest: dest, Mask: mask, Gateway: gw, Iface: e.Iface,
		})
	}
	return table, nil
}

func parseIPv4(s string) (out [4]byte, err error) {
	var a, b, c, d int
	n, err := fmt.Sscanf(s, "%d.%d.%d.%d", &a, &b, &c, &d)
	if err != nil || n != 4 {
		return out, fmt.Errorf("invalid IPv4 address %q", s)
	}
	for _, v := range [4]int{a, b, c, d} {
		if v < 0 || v > 255 {
			return out, fmt.Errorf("invalid IPv4 address %q", s)
		}
	}
	out = [4]byte{byte(a), byte(b), byte(c), byte(d)}
	return out, nil
}

func parseMAC(s string) (out [6]byte, err error) {
	var b [6]int
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x", &b[0], &b[1], &b[2], &b[3], &b[4], &b[5])
	if err != nil || n != 6 {
		return out, fmt.Errorf("invalid MAC address %q", s)
	}
	for i, v := range b {
		out[i] = byte(v)
	}
	return out, nil
}
