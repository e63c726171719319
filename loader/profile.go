// Package loader implements the wiring engine: given a Profile of
// PluginRecords and an entry set, it type-checks params, resolves
// descriptor strings to access points, detects illegal cycles,
// instantiates plugins in two phases, and publishes the entry plugins'
// access points for traffic.
package loader

import (
	"github.com/google/uuid"
)

// PluginRecord is the persistent description of one plugin instance
// within a profile. Immutable once loaded.
type PluginRecord struct {
	ID        uuid.UUID
	Name      string // unique within the profile
	Kind      string
	Version   uint16
	Param     []byte // opaque, schema-decoded per kind
	ProfileID uuid.UUID
}

// Profile is an ordered collection of PluginRecords plus the entry
// set: the names of plugins whose access points are exposed to inbound
// traffic.
type Profile struct {
	ID      uuid.UUID
	Records []PluginRecord
	Entries []string // plugin names
}

// ByName indexes Records by Name; duplicate names are a Config error
// surfaced by Load, not silently overwritten here.
func (p Profile) ByName() (map[string]PluginRecord, []string) {
	m := make(map[string]PluginRecord, len(p.Records))
	var dupes []string
	for _, r := range p.Records {
		if _, exists := m[r.Name]; exists {
			dupes = append(dupes, r.Name)
			continue
		}
		m[r.Name] = r
	}
	return m, dupes
}
