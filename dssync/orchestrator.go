package dssync

import (
	"context"
	"fmt"
	"log"
	"time"
)

// SyncResult records the outcome of one démarche sync attempt. It is created
// when the attempt starts, finalized when it ends and never mutated
// afterwards. The processed count is best effort and may be 0 on success.
type SyncResult struct {
	DemarcheNumber    int
	DemarcheName      string
	Success           bool
	DossiersProcessed int
	Errors            []string
	Duration          time.Duration
}

// InterJobDelay is the pause between consecutive démarche syncs, giving
// caches tied to the shared execution context time to settle before the next
// staging pass overwrites it.
const InterJobDelay = 2 * time.Second

// Orchestrator drives démarche syncs strictly sequentially: stage, sync,
// record, pause, next. Collaborator failures are isolated to their job's
// SyncResult and never abort the run.
type Orchestrator struct {
	Registry *Registry
	Grist    GristTarget
	Stager   *Stager
	Syncer   Syncer

	// Delay between jobs. NewOrchestrator sets it to InterJobDelay.
	Delay time.Duration
}

// NewOrchestrator wires an orchestrator with the standard inter-job delay.
func NewOrchestrator(registry *Registry, grist GristTarget, stager *Stager, syncer Syncer) *Orchestrator {
	return &Orchestrator{
		Registry: registry,
		Grist:    grist,
		Stager:   stager,
		Syncer:   syncer,
		Delay:    InterJobDelay,
	}
}

// SyncAll syncs every enabled démarche in document order and returns one
// result per démarche.
func (o *Orchestrator) SyncAll() []SyncResult {
	enabled := o.Registry.Enabled()
	log.Printf("Starting synchronization of %d demarches", len(enabled))

	var results []SyncResult
	for i, demarche := range enabled {
		log.Printf("Synchronization %d/%d: %s (#%d)", i+1, len(enabled), demarche.Name, demarche.Number)
		results = append(results, o.syncOne(demarche))
		if i < len(enabled)-1 {
			log.Printf("Pausing %s before the next demarche...", o.Delay)
			time.Sleep(o.Delay)
		}
	}

	o.printSummary(results)
	return results
}

// SyncSelected syncs the given démarche numbers in the given order. An
// unknown number yields an immediate failed result without staging; a
// disabled démarche is skipped entirely unless force is set.
func (o *Orchestrator) SyncSelected(numbers []int, force bool) []SyncResult {
	log.Printf("Looking up demarches: %v", numbers)

	var results []SyncResult
	for i, number := range numbers {
		demarche, ok := o.Registry.ByNumber(number)
		if !ok {
			log.Printf("Demarche %d not found in configuration (available: %v)", number, o.Registry.Numbers())
			results = append(results, SyncResult{
				DemarcheNumber: number,
				DemarcheName:   fmt.Sprintf("Demarche %d", number),
				Errors:         []string{fmt.Sprintf("demarche %d not found in configuration", number)},
			})
			continue
		}
		if !demarche.Enabled && !force {
			log.Printf("Demarche %d (%s) is disabled, skipping (use --force to sync anyway)", number, demarche.Name)
			continue
		}
		log.Printf("Synchronization: %s (#%d)", demarche.Name, number)
		results = append(results, o.syncOne(demarche))
		if i < len(numbers)-1 {
			log.Printf("Pausing %s before the next demarche...", o.Delay)
			time.Sleep(o.Delay)
		}
	}

	if len(results) > 0 {
		o.printSummary(results)
	} else {
		log.Printf("No demarche was synchronized")
	}
	return results
}

// syncOne stages one démarche and invokes the sync collaborator under the
// staged context, timing the whole attempt.
func (o *Orchestrator) syncOne(demarche DemarcheConfig) SyncResult {
	result := SyncResult{DemarcheNumber: demarche.Number, DemarcheName: demarche.Name}
	start := time.Now()

	if err := o.Stager.Stage(demarche, o.Grist); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to stage environment: %v", err))
		result.Duration = time.Since(start)
		return result
	}

	client := NewGristClient(o.Grist.BaseURL, o.Grist.APIKey, o.Grist.DocID)
	cfg := demarche.SyncConfig
	processed, err := o.invokeSyncer(client, demarche.Number, cfg.ParallelOrDefault(), cfg.BatchSizeOrDefault(), cfg.MaxWorkersOrDefault())
	result.Duration = time.Since(start)
	if err != nil {
		msg := fmt.Sprintf("synchronization failed: %v", err)
		log.Printf("Demarche %d: %s", demarche.Number, msg)
		result.Errors = append(result.Errors, msg)
		return result
	}

	result.Success = true
	result.DossiersProcessed = processed
	return result
}

// invokeSyncer shields the run from a panicking collaborator: a panic
// becomes that job's failure, not a process abort.
func (o *Orchestrator) invokeSyncer(client *GristClient, number int, parallel bool, batchSize, maxWorkers int) (processed int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync collaborator panicked: %v", r)
		}
	}()
	return o.Syncer.SyncDemarche(context.Background(), client, number, parallel, batchSize, maxWorkers)
}

// Validate checks the Grist target and every démarche token without mutating
// any state. Every violation is reported; the return value is the overall
// verdict.
func (o *Orchestrator) Validate() bool {
	log.Printf("Validating configuration...")
	valid := true

	missing := o.Grist.MissingKeys()
	for _, key := range missing {
		log.Printf("Incomplete Grist configuration: %s", key)
		valid = false
	}
	if len(missing) == 0 {
		log.Printf("Grist configuration valid")
	}

	all := o.Registry.All()
	log.Printf("Demarches: %d/%d enabled", len(o.Registry.Enabled()), len(all))
	for _, skipped := range o.Registry.Skipped() {
		log.Printf("Missing token for demarche %d - %s", skipped.Number, skipped.Name)
		valid = false
	}
	for _, d := range all {
		status := "enabled"
		if !d.Enabled {
			status = "disabled"
		}
		log.Printf("  %s - %s (#%d) - token configured", status, d.Name, d.Number)
	}

	if valid {
		log.Printf("Configuration valid")
	} else {
		log.Printf("Configuration invalid")
	}
	return valid
}

// printSummary reports the outcome of a run: counts, total duration and
// per-démarche detail, failures last with their error messages.
func (o *Orchestrator) printSummary(results []SyncResult) {
	var successful, failed []SyncResult
	var total time.Duration
	for _, r := range results {
		total += r.Duration
		if r.Success {
			successful = append(successful, r)
		} else {
			failed = append(failed, r)
		}
	}

	log.Printf("==== Synchronization summary ====")
	log.Printf("Successful: %d", len(successful))
	log.Printf("Failed: %d", len(failed))
	log.Printf("Total duration: %.1fs", total.Seconds())
	for _, r := range successful {
		log.Printf("  ok: %s (#%d) - %.1fs", r.DemarcheName, r.DemarcheNumber, r.Duration.Seconds())
	}
	for _, r := range failed {
		log.Printf("  failed: %s (#%d)", r.DemarcheName, r.DemarcheNumber)
		for _, e := range r.Errors {
			log.Printf("    - %s", e)
		}
	}
}
