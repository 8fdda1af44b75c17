package dssync

import (
	"log"
	"slices"
)

// DemarcheConfig is the materialized configuration of one démarche. A
// DemarcheConfig only exists when its API token resolved fully; entries with
// an empty or placeholder-shaped token never make it into the registry.
type DemarcheConfig struct {
	Number     int
	Name       string
	APIToken   string
	APIURL     string
	Enabled    bool
	SyncConfig SyncSettings
	Filters    Filters
}

// TokenPreview returns the first and last 8 characters of the API token for
// operator-facing logs.
func (d DemarcheConfig) TokenPreview() string {
	if len(d.APIToken) <= 16 {
		return d.APIToken
	}
	return d.APIToken[:8] + "..." + d.APIToken[len(d.APIToken)-8:]
}

// Registry holds the démarches parsed from the configuration document, in
// document order. Entries excluded for token problems are kept separately so
// validation can still report them.
type Registry struct {
	demarches []DemarcheConfig
	skipped   []DemarcheEntry
}

// BuildRegistry materializes the démarche entries of cfg. Entries whose token
// is empty or still contains an unresolved placeholder are skipped with a
// warning naming the démarche and the missing variable; the rest of the
// document loads normally.
func BuildRegistry(cfg Config) *Registry {
	r := &Registry{}
	for _, entry := range cfg.Demarches {
		if entry.APIToken == "" || HasUnresolved(entry.APIToken) {
			log.Printf("Warning: unresolved API token for demarche %d", entry.Number)
			if name := UnresolvedVar(entry.APIToken); name != "" {
				log.Printf("  missing environment variable: %s", name)
			}
			r.skipped = append(r.skipped, entry)
			continue
		}
		d := DemarcheConfig{
			Number:     entry.Number,
			Name:       entry.Name,
			APIToken:   entry.APIToken,
			APIURL:     entry.APIURL,
			Enabled:    true,
			SyncConfig: entry.SyncConfig,
			Filters:    entry.Filters,
		}
		if d.APIURL == "" {
			d.APIURL = DefaultAPIURL
		}
		if entry.Enabled != nil {
			d.Enabled = *entry.Enabled
		}
		r.demarches = append(r.demarches, d)
	}
	return r
}

// All returns every materialized démarche in document order.
func (r *Registry) All() []DemarcheConfig {
	return slices.Clone(r.demarches)
}

// Enabled returns the enabled démarches, preserving document order.
func (r *Registry) Enabled() []DemarcheConfig {
	var result []DemarcheConfig
	for _, d := range r.demarches {
		if d.Enabled {
			result = append(result, d)
		}
	}
	return result
}

// ByNumber returns the first démarche with the given number. Numbers are
// expected to be unique but the registry does not enforce it; duplicates
// resolve to the first occurrence.
func (r *Registry) ByNumber(number int) (DemarcheConfig, bool) {
	for _, d := range r.demarches {
		if d.Number == number {
			return d, true
		}
	}
	return DemarcheConfig{}, false
}

// Numbers lists the materialized démarche numbers in document order.
func (r *Registry) Numbers() []int {
	result := make([]int, len(r.demarches))
	for i, d := range r.demarches {
		result[i] = d.Number
	}
	return result
}

// Skipped returns the entries excluded during BuildRegistry.
func (r *Registry) Skipped() []DemarcheEntry {
	return slices.Clone(r.skipped)
}

// Len returns the number of materialized démarches.
func (r *Registry) Len() int {
	return len(r.demarches)
}
