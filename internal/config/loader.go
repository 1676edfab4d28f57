package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// arpTableFile is the on-disk shape of a preloaded ARP table:
//
//	entries:
//	  - ip: 192.168.1.50
//	    mac: 00:0a:35:01:02:03
type arpTableFile struct {
	Entries []StaticEntryConfig `yaml:"entries"`
}

// LoadARPTable reads a standalone YAML file of static ARP bindings.
// Entries are returned unparsed; the caller validates them together
// with the inline static_entries list.
func LoadARPTable(path string) ([]StaticEntryConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("arp table file does not exist: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read arp table file %s: %w", path, err)
	}

	var table arpTableFile
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse arp table file %s: %w", path, err)
	}

	return table.Entries, nil
}
