package dssync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/tidwall/gjson"
)

// Syncer is the sync collaborator invoked once per staged démarche. It runs
// under the already-staged execution context; the explicit parameters carry
// the store client and the per-job tuning. The processed count is best
// effort and may be 0 even on success.
type Syncer interface {
	SyncDemarche(ctx context.Context, client *GristClient, number int, parallel bool, batchSize, maxWorkers int) (processed int, err error)
}

// dossiersQuery pages through a démarche's dossiers. The page size is fixed;
// batching into Grist is governed by the staged batch_size.
const dossiersQuery = `query getDossiers($demarcheNumber: Int!, $after: String) {
    demarche(number: $demarcheNumber) {
        dossiers(first: 100, after: $after) {
            pageInfo {
                hasNextPage
                endCursor
            }
            nodes {
                number
                state
                dateDepot
                usager {
                    email
                }
                groupeInstructeur {
                    number
                    label
                }
                champs {
                    label
                    stringValue
                }
            }
        }
    }
}`

// GristSyncer copies a démarche's dossiers into its Grist table. Credentials
// and filters come from the shared execution context, not from parameters;
// the cached GraphQL builder is therefore tied to a staging generation and
// rebuilt whenever the Stager reloads it.
type GristSyncer struct {
	Context *ExecutionContext

	mu     sync.Mutex
	api    *requests.Builder
	apiGen uint64
}

// Reload drops the cached GraphQL builder so the next sync rebuilds it from
// the freshly staged credentials.
func (s *GristSyncer) Reload(generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.api = nil
	s.apiGen = generation
}

// apiBuilder returns the base GraphQL builder for the current staging
// generation, rebuilding it when the cached one is stale. Callers must Clone
// it per request; the base builder itself is never mutated.
func (s *GristSyncer) apiBuilder() *requests.Builder {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.api == nil || s.apiGen != s.Context.Generation() {
		s.api = requests.
			URL(s.Context.Get(EnvAPIURL)).
			Client(&http.Client{Timeout: HTTPRequestTimeout}).
			Bearer(s.Context.Get(EnvAPIToken))
		s.apiGen = s.Context.Generation()
	}
	return s.api
}

// SyncDemarche fetches every dossier of the démarche passing the staged
// filters and upserts them into the démarche's Grist table.
func (s *GristSyncer) SyncDemarche(ctx context.Context, client *GristClient, number int, parallel bool, batchSize, maxWorkers int) (int, error) {
	staged, err := ReadStagedEnv()
	if err != nil {
		return 0, err
	}
	if staged.DemarcheNumber != number {
		return 0, fmt.Errorf("staged environment holds demarche %d, expected %d", staged.DemarcheNumber, number)
	}

	records, columns, err := s.fetchDossiers(ctx, number, staged)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		log.Printf("No dossiers matched the staged filters for demarche %d", number)
		return 0, nil
	}

	tableID := TableIDForDemarche(staged.DemarcheName, number)
	if err := client.EnsureTable(ctx, tableID, columns); err != nil {
		return 0, err
	}

	return s.pushRecords(ctx, client, tableID, records, parallel, batchSize, maxWorkers)
}

// fetchDossiers pages through the GraphQL API, applying the staged filters,
// and returns the Grist records plus the union of their column IDs.
func (s *GristSyncer) fetchDossiers(ctx context.Context, number int, staged StagedEnv) ([]GristRecord, []string, error) {
	columns := []string{"numero_dossier", "etat", "date_depot", "usager_email", "groupe_instructeur"}
	var records []GristRecord

	after := ""
	for {
		variables := map[string]any{"demarcheNumber": number}
		if after != "" {
			variables["after"] = after
		}
		body := map[string]any{
			"query":     dossiersQuery,
			"variables": variables,
		}
		var response string
		err := s.apiBuilder().Clone().
			BodyJSON(&body).
			ToString(&response).
			Fetch(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to fetch dossiers for demarche %d %w", number, err)
		}

		result := gjson.Parse(response)
		if apiErrs := result.Get("errors").Array(); len(apiErrs) > 0 {
			return nil, nil, errors.New(apiErrs[0].Get("message").String())
		}
		dossiers := result.Get("data.demarche.dossiers")
		if !dossiers.Exists() {
			return nil, nil, fmt.Errorf("demarche %d is not accessible with the staged token", number)
		}

		for _, node := range dossiers.Get("nodes").Array() {
			if !includeDossier(node, staged) {
				continue
			}
			record := dossierRecord(node)
			for label := range record.Fields {
				if !slices.Contains(columns, label) {
					columns = append(columns, label)
				}
			}
			records = append(records, record)
		}

		if !dossiers.Get("pageInfo.hasNextPage").Bool() {
			break
		}
		after = dossiers.Get("pageInfo.endCursor").String()
	}

	return records, columns, nil
}

// includeDossier applies the staged status, instructor-group and deposit-date
// filters to one dossier node.
func includeDossier(node gjson.Result, staged StagedEnv) bool {
	if statuses := staged.StatusList(); len(statuses) > 0 {
		if !slices.Contains(statuses, node.Get("state").String()) {
			return false
		}
	}
	if groups := staged.GroupList(); len(groups) > 0 {
		if !slices.Contains(groups, int(node.Get("groupeInstructeur.number").Int())) {
			return false
		}
	}
	depot := depositDate(node.Get("dateDepot").String())
	if staged.DateDepotDebut != "" && depot != "" && depot < staged.DateDepotDebut {
		return false
	}
	if staged.DateDepotFin != "" && depot != "" && depot > staged.DateDepotFin {
		return false
	}
	return true
}

// depositDate reduces a dossier timestamp to an ISO date so it compares
// lexically against the configured bounds.
func depositDate(value string) string {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}

// dossierRecord maps one dossier node to a Grist record keyed on the dossier
// number. Champ values run through NormalizeCell.
func dossierRecord(node gjson.Result) GristRecord {
	fields := map[string]any{
		"numero_dossier":     node.Get("number").Int(),
		"etat":               node.Get("state").String(),
		"date_depot":         depositDate(node.Get("dateDepot").String()),
		"usager_email":       node.Get("usager.email").String(),
		"groupe_instructeur": node.Get("groupeInstructeur.label").String(),
	}
	for _, champ := range node.Get("champs").Array() {
		label := champ.Get("label").String()
		if label == "" {
			continue
		}
		fields[ColumnIDForLabel(label)] = NormalizeCell(label, champ.Get("stringValue").String())
	}
	return GristRecord{
		Require: map[string]any{"numero_dossier": node.Get("number").Int()},
		Fields:  fields,
	}
}

// pushRecords upserts records in batches of batchSize. With parallel set and
// maxWorkers > 1 the batches go through a bounded worker pool; the processed
// count only includes batches that were written successfully.
func (s *GristSyncer) pushRecords(ctx context.Context, client *GristClient, tableID string, records []GristRecord, parallel bool, batchSize, maxWorkers int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	var batches [][]GristRecord
	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		batches = append(batches, records[start:end])
	}

	if !parallel || maxWorkers <= 1 || len(batches) == 1 {
		processed := 0
		for _, batch := range batches {
			if err := client.UpsertRecords(ctx, tableID, batch); err != nil {
				return processed, err
			}
			processed += len(batch)
		}
		return processed, nil
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		processed int
		firstErr  error
	)
	sem := make(chan struct{}, maxWorkers)
	for _, batch := range batches {
		batch := batch
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			err := client.UpsertRecords(ctx, tableID, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			processed += len(batch)
		}()
	}
	wg.Wait()
	return processed, firstErr
}
