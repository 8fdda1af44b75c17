// Package dssync drives sequential synchronization jobs, each copying the
// dossiers of one démarche from the Démarches Simplifiées GraphQL API into a
// Grist document. The configuration document declares one entry per démarche
// with its own API token; before each sync the shared execution context is
// staged with exactly that démarche's credentials, filters and tuning.
package dssync

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/config"
)

// DefaultAPIURL is the production Démarches Simplifiées GraphQL endpoint,
// used when a démarche entry does not declare its own api_url.
const DefaultAPIURL = "https://www.demarches-simplifiees.fr/api/v2/graphql"

// Defaults applied downstream when a démarche's sync_config omits a field.
const (
	DefaultBatchSize  = 50
	DefaultMaxWorkers = 3
)

// Config is the fully placeholder-resolved configuration document.
type Config struct {
	Grist     GristTarget
	Demarches []DemarcheEntry
}

// GristTarget identifies the destination Grist document. Values may still be
// placeholder-shaped when the corresponding environment variable was missing
// at load time; MissingKeys reports those.
type GristTarget struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	APIKey  string `yaml:"api_key" json:"api_key"`
	DocID   string `yaml:"doc_id" json:"doc_id"`
}

// MissingKeys lists target fields that are empty or still placeholder-shaped.
func (g GristTarget) MissingKeys() []string {
	var result []string
	for _, f := range []struct{ key, value string }{
		{"base_url", g.BaseURL},
		{"api_key", g.APIKey},
		{"doc_id", g.DocID},
	} {
		if f.value == "" || HasUnresolved(f.value) {
			result = append(result, f.key)
		}
	}
	return result
}

// DemarcheEntry is one raw démarche entry as it appears in the document.
// Enabled is a pointer so that an absent key defaults to true.
type DemarcheEntry struct {
	Number     int          `yaml:"number" json:"number"`
	Name       string       `yaml:"name" json:"name"`
	APIToken   string       `yaml:"api_token" json:"api_token"`
	APIURL     string       `yaml:"api_url" json:"api_url"`
	Enabled    *bool        `yaml:"enabled" json:"enabled"`
	SyncConfig SyncSettings `yaml:"sync_config" json:"sync_config"`
	Filters    Filters      `yaml:"filters" json:"filters"`
}

// SyncSettings tunes one démarche's batch sync. Zero values mean "use the
// default"; callers read through the OrDefault accessors.
type SyncSettings struct {
	BatchSize  int   `yaml:"batch_size" json:"batch_size"`
	MaxWorkers int   `yaml:"max_workers" json:"max_workers"`
	Parallel   *bool `yaml:"parallel" json:"parallel"`
}

func (s SyncSettings) BatchSizeOrDefault() int {
	if s.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return s.BatchSize
}

func (s SyncSettings) MaxWorkersOrDefault() int {
	if s.MaxWorkers <= 0 {
		return DefaultMaxWorkers
	}
	return s.MaxWorkers
}

func (s SyncSettings) ParallelOrDefault() bool {
	if s.Parallel == nil {
		return true
	}
	return *s.Parallel
}

// Filters restricts which dossiers a démarche sync copies.
type Filters struct {
	DateDepotDebut      string   `yaml:"date_depot_debut" json:"date_depot_debut"`
	DateDepotFin        string   `yaml:"date_depot_fin" json:"date_depot_fin"`
	StatutsDossiers     []string `yaml:"statuts_dossiers" json:"statuts_dossiers"`
	GroupesInstructeurs []int    `yaml:"groupes_instructeurs" json:"groupes_instructeurs"`
}

// NotFoundError reports a missing configuration file.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("configuration file not found: %s", e.Path)
}

// FormatError reports a syntactically invalid configuration document. It
// wraps the underlying parse diagnostic.
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid JSON in %s: %v", e.Path, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// SchemaError reports a missing required top-level section.
type SchemaError struct {
	Section string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("missing required configuration section: %s", e.Section)
}

// requiredSections are the top-level keys every configuration document must have.
var requiredSections = []string{"grist", "demarches"}

// LoadConfig reads the configuration document at path, resolves ${VAR}
// placeholders against the process environment and decodes the grist and
// demarches sections. Placeholders whose variable is not set are kept
// verbatim rather than failing the load: a single démarche with a missing
// token must not abort loading of the others. Callers detect leftovers with
// HasUnresolved.
func LoadConfig(path string) (Config, error) {
	var result Config

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return result, &NotFoundError{Path: path}
		}
		return result, fmt.Errorf("failed to read configuration file %w", err)
	}

	doc := string(raw)
	if !gjson.Valid(doc) {
		// Re-parse with encoding/json purely to surface its diagnostic.
		var v any
		parseErr := json.Unmarshal(raw, &v)
		return result, &FormatError{Path: path, Err: parseErr}
	}

	doc = ResolveJSON(doc, EnvLookup)

	for _, section := range requiredSections {
		if !gjson.Get(doc, section).Exists() {
			return result, &SchemaError{Section: section}
		}
	}

	// JSON is valid YAML, so the resolved document populates through the
	// YAML provider. The expand hook returns unresolved tokens verbatim so
	// the provider's own interpolation cannot blank or reject them.
	yaml, err := config.NewYAML(
		config.Source(strings.NewReader(doc)),
		config.Expand(keepUnresolved),
	)
	if err != nil {
		return result, fmt.Errorf("failed to read config document %w", err)
	}

	readError := func(key string, cause error) error {
		return fmt.Errorf("failed to read '%s' from config %w", key, cause)
	}
	key := "grist"
	if err := yaml.Get(key).Populate(&result.Grist); err != nil {
		return result, readError(key, err)
	}
	key = "demarches"
	if err := yaml.Get(key).Populate(&result.Demarches); err != nil {
		return result, readError(key, err)
	}

	return result, nil
}

// keepUnresolved is the expand hook handed to the YAML provider. Placeholders
// were already resolved by ResolveJSON, so any token still present refers to
// a missing variable and must survive as-is.
func keepUnresolved(name string) (string, bool) {
	return placeholderMarker + name + "}", true
}
