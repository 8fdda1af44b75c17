package dssync

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/carlmjohnson/requests"
	"github.com/tidwall/gjson"
)

// InvalidJobError reports a staging attempt with an unusable démarche. The
// orchestrator treats it as a per-job failure, never a process abort.
type InvalidJobError struct {
	Number int
	Reason string
}

func (e *InvalidJobError) Error() string {
	return fmt.Sprintf("invalid demarche %d: %s", e.Number, e.Reason)
}

// Reloader is implemented by collaborators that cache clients derived from
// the execution context's credentials. Reload is called with the new
// generation right after the credential slots change, so no client built from
// a previous démarche's token can serve the next one.
type Reloader interface {
	Reload(generation uint64)
}

// Stager stages one démarche's configuration into the shared execution
// context. It is the context's only writer.
type Stager struct {
	Context   *ExecutionContext
	Reloaders []Reloader

	// Probe enables the best-effort connectivity check after staging.
	Probe bool

	// LastProbeWarning holds the probe diagnostic of the most recent Stage
	// call, empty when the probe passed or was skipped. Probe outcomes never
	// fail a Stage call; this field is how validation-minded callers can
	// still see them.
	LastProbeWarning string
}

// Stage overwrites every slot of the shared execution context with job's
// configuration, in order: credentials, cached-client reload, target store,
// filters and tuning. Only the context-building steps can fail; the trailing
// connectivity probe is logged and never fatal.
func (s *Stager) Stage(job DemarcheConfig, grist GristTarget) error {
	if job.APIToken == "" {
		err := &InvalidJobError{Number: job.Number, Reason: "empty API token"}
		log.Printf("Cannot stage demarche %d: %s", job.Number, err.Reason)
		return err
	}
	if HasUnresolved(job.APIToken) {
		reason := fmt.Sprintf("unresolved API token (missing variable %s)", UnresolvedVar(job.APIToken))
		err := &InvalidJobError{Number: job.Number, Reason: reason}
		log.Printf("Cannot stage demarche %d: %s", job.Number, reason)
		return err
	}

	log.Printf("Reconfiguring for demarche %d...", job.Number)
	log.Printf("  token: %s", job.TokenPreview())

	generation := s.Context.StageCredentials(job)
	for _, r := range s.Reloaders {
		r.Reload(generation)
	}
	s.Context.StageTarget(grist)
	s.Context.StageJobSettings(job)

	log.Printf("Environment staged for demarche %d - %s", job.Number, job.Name)

	s.LastProbeWarning = ""
	if s.Probe {
		s.LastProbeWarning = probeAccess(job)
		probeGrist(grist)
	}
	return nil
}

// probeQuery is the minimal read-only query used to check that the staged
// token can reach its démarche.
const probeQuery = `query testAccess($demarcheNumber: Int!) {
    demarche(number: $demarcheNumber) {
        id
        title
    }
}`

// probeAccess issues probeQuery against the démarche's endpoint with the
// staged token and a bounded timeout. Every outcome is logged with a distinct
// "probe:" prefix; the returned warning is empty only when the démarche was
// reachable. No outcome fails the staging pass.
func probeAccess(job DemarcheConfig) string {
	ctx, cancel := context.WithTimeout(context.Background(), ProbeTimeout)
	defer cancel()

	body := map[string]any{
		"query":     probeQuery,
		"variables": map[string]any{"demarcheNumber": job.Number},
	}
	var response string
	err := requests.
		URL(job.APIURL).
		Client(&http.Client{Timeout: ProbeTimeout}).
		Bearer(job.APIToken).
		BodyJSON(&body).
		ToString(&response).
		Fetch(ctx)
	if err != nil {
		// Covers HTTP status failures, network errors and timeouts alike.
		warning := fmt.Sprintf("could not validate token: %v", err)
		log.Printf("  probe: %s", warning)
		return warning
	}

	result := gjson.Parse(response)
	if result.Get("data.demarche").Exists() {
		log.Printf("  probe: token validated, demarche reachable")
		return ""
	}

	warning := "token accepted but demarche is not accessible"
	log.Printf("  probe: %s", warning)
	for _, apiErr := range result.Get("errors").Array() {
		log.Printf("  probe: API error: %s", apiErr.Get("message").String())
	}
	return warning
}

// probeGrist checks the Grist document answers with the configured key. Same
// contract as the GraphQL probe: every outcome is logged, none fails staging.
func probeGrist(grist GristTarget) {
	ctx, cancel := context.WithTimeout(context.Background(), ProbeTimeout)
	defer cancel()
	client := NewGristClient(grist.BaseURL, grist.APIKey, grist.DocID)
	if err := client.Ping(ctx); err != nil {
		log.Printf("  probe: %v", err)
		return
	}
	log.Printf("  probe: Grist document %s reachable", grist.DocID)
}
