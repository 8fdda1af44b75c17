package dssync

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/caarlos0/env/v11"
)

// Environment variable names forming the shared execution context channel.
// Legacy collaborators read these directly from the process environment;
// injected ones use ExecutionContext.Snapshot or ReadStagedEnv.
const (
	EnvAPIToken            = "DEMARCHES_API_TOKEN"
	EnvAPIURL              = "DEMARCHES_API_URL"
	EnvDemarcheNumber      = "DEMARCHE_NUMBER"
	EnvDemarcheName        = "DEMARCHE_NAME"
	EnvGristBaseURL        = "GRIST_BASE_URL"
	EnvGristAPIKey         = "GRIST_API_KEY"
	EnvGristDocID          = "GRIST_DOC_ID"
	EnvDateDepotDebut      = "DATE_DEPOT_DEBUT"
	EnvDateDepotFin        = "DATE_DEPOT_FIN"
	EnvStatutsDossiers     = "STATUTS_DOSSIERS"
	EnvGroupesInstructeurs = "GROUPES_INSTRUCTEURS"
	EnvBatchSize           = "BATCH_SIZE"
	EnvMaxWorkers          = "MAX_WORKERS"
	EnvParallel            = "PARALLEL"
)

// ContextSlotNames lists every slot of the shared execution context, in
// staging order. Every name is written on every staging pass; there is no
// partial-update path.
func ContextSlotNames() []string {
	return []string{
		EnvAPIToken, EnvAPIURL, EnvDemarcheNumber, EnvDemarcheName,
		EnvGristBaseURL, EnvGristAPIKey, EnvGristDocID,
		EnvDateDepotDebut, EnvDateDepotFin, EnvStatutsDossiers, EnvGroupesInstructeurs,
		EnvBatchSize, EnvMaxWorkers, EnvParallel,
	}
}

// ExecutionContext is the process-wide staged view of the current démarche's
// credentials, target store, filters and tuning. The discipline is single
// writer, ordered reader: only the Stager writes it, and the sync collaborator
// only reads after a full staging pass completed. The generation counter lets
// collaborators that cache credential-derived clients detect that their
// client was built from a previous démarche's values.
type ExecutionContext struct {
	mu         sync.Mutex
	generation atomic.Uint64
	slots      map[string]string
}

// NewExecutionContext returns an empty context with every slot blank.
func NewExecutionContext() *ExecutionContext {
	c := &ExecutionContext{slots: make(map[string]string)}
	for _, name := range ContextSlotNames() {
		c.slots[name] = ""
	}
	return c
}

// StageCredentials overwrites the credential and identity slots with job's
// values, bumps the generation and returns it. Cached clients built before
// this call must not be used for the staged démarche.
func (c *ExecutionContext) StageCredentials(job DemarcheConfig) uint64 {
	c.set(map[string]string{
		EnvAPIToken:       job.APIToken,
		EnvAPIURL:         job.APIURL,
		EnvDemarcheNumber: strconv.Itoa(job.Number),
		EnvDemarcheName:   job.Name,
	})
	return c.generation.Add(1)
}

// StageTarget overwrites the target store slots.
func (c *ExecutionContext) StageTarget(grist GristTarget) {
	c.set(map[string]string{
		EnvGristBaseURL: grist.BaseURL,
		EnvGristAPIKey:  grist.APIKey,
		EnvGristDocID:   grist.DocID,
	})
}

// StageJobSettings overwrites the filter and tuning slots from job. Lists are
// serialized comma-joined and the parallel flag as a lowercase string, the
// shapes legacy collaborators expect.
func (c *ExecutionContext) StageJobSettings(job DemarcheConfig) {
	groups := make([]string, len(job.Filters.GroupesInstructeurs))
	for i, g := range job.Filters.GroupesInstructeurs {
		groups[i] = strconv.Itoa(g)
	}
	c.set(map[string]string{
		EnvDateDepotDebut:      job.Filters.DateDepotDebut,
		EnvDateDepotFin:        job.Filters.DateDepotFin,
		EnvStatutsDossiers:     strings.Join(job.Filters.StatutsDossiers, ","),
		EnvGroupesInstructeurs: strings.Join(groups, ","),
		EnvBatchSize:           strconv.Itoa(job.SyncConfig.BatchSizeOrDefault()),
		EnvMaxWorkers:          strconv.Itoa(job.SyncConfig.MaxWorkersOrDefault()),
		EnvParallel:            strconv.FormatBool(job.SyncConfig.ParallelOrDefault()),
	})
}

// set writes the given slots and mirrors them into the process environment.
func (c *ExecutionContext) set(values map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, value := range values {
		c.slots[name] = value
		os.Setenv(name, value)
	}
}

// Get returns the current value of one slot.
func (c *ExecutionContext) Get(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[name]
}

// Snapshot returns a copy of every slot.
func (c *ExecutionContext) Snapshot() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make(map[string]string, len(c.slots))
	for name, value := range c.slots {
		result[name] = value
	}
	return result
}

// Generation returns the current staging generation. It changes every time
// the credential slots are overwritten.
func (c *ExecutionContext) Generation() uint64 {
	return c.generation.Load()
}

// StagedEnv is the typed view of the staged environment, read back by sync
// collaborators through the environment-variable channel. List slots stay in
// their comma-joined wire shape; use StatusList and GroupList to split them.
type StagedEnv struct {
	APIToken            string `env:"DEMARCHES_API_TOKEN"`
	APIURL              string `env:"DEMARCHES_API_URL"`
	DemarcheNumber      int    `env:"DEMARCHE_NUMBER"`
	DemarcheName        string `env:"DEMARCHE_NAME"`
	GristBaseURL        string `env:"GRIST_BASE_URL"`
	GristAPIKey         string `env:"GRIST_API_KEY"`
	GristDocID          string `env:"GRIST_DOC_ID"`
	DateDepotDebut      string `env:"DATE_DEPOT_DEBUT"`
	DateDepotFin        string `env:"DATE_DEPOT_FIN"`
	StatutsDossiers     string `env:"STATUTS_DOSSIERS"`
	GroupesInstructeurs string `env:"GROUPES_INSTRUCTEURS"`
	BatchSize           int    `env:"BATCH_SIZE" envDefault:"50"`
	MaxWorkers          int    `env:"MAX_WORKERS" envDefault:"3"`
	Parallel            bool   `env:"PARALLEL" envDefault:"true"`
}

// ReadStagedEnv decodes the staged environment variables into a StagedEnv.
func ReadStagedEnv() (StagedEnv, error) {
	var result StagedEnv
	if err := env.Parse(&result); err != nil {
		return result, fmt.Errorf("failed to read staged environment %w", err)
	}
	return result, nil
}

// StatusList splits the comma-joined dossier status filter, dropping empties.
func (e StagedEnv) StatusList() []string {
	return splitList(e.StatutsDossiers)
}

// GroupList splits the comma-joined instructor-group filter into numbers,
// dropping empties and unparsable entries.
func (e StagedEnv) GroupList() []int {
	var result []int
	for _, part := range splitList(e.GroupesInstructeurs) {
		if n, err := strconv.Atoi(part); err == nil {
			result = append(result, n)
		}
	}
	return result
}

func splitList(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
