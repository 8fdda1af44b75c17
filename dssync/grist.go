package dssync

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"slices"
	"strings"

	"github.com/carlmjohnson/requests"
	"github.com/iancoleman/strcase"
	"github.com/tidwall/gjson"
)

// GristError captures the error payload Grist returns on failed requests.
type GristError map[string]interface{}

// GristClient talks to the records API of one Grist document.
type GristClient struct {
	BaseURL string
	APIKey  string
	DocID   string
}

// NewGristClient constructs a client for the target document.
func NewGristClient(baseURL, apiKey, docID string) *GristClient {
	return &GristClient{BaseURL: baseURL, APIKey: apiKey, DocID: docID}
}

// NewGristClientFromEnv builds a client from the staged execution context.
func NewGristClientFromEnv() (*GristClient, error) {
	staged, err := ReadStagedEnv()
	if err != nil {
		return nil, err
	}
	return NewGristClient(staged.GristBaseURL, staged.GristAPIKey, staged.GristDocID), nil
}

// apiBuilder returns a new requests.Builder configured for the Grist API.
func (g *GristClient) apiBuilder() *requests.Builder {
	return requests.
		URL(g.BaseURL).
		Client(&http.Client{Timeout: HTTPRequestTimeout}).
		Bearer(g.APIKey)
}

// accentFolder maps the accented characters common in French démarche and
// champ labels to ASCII, since Grist identifiers only allow ASCII.
var accentFolder = strings.NewReplacer(
	"à", "a", "â", "a", "ä", "a",
	"é", "e", "è", "e", "ê", "e", "ë", "e",
	"î", "i", "ï", "i",
	"ô", "o", "ö", "o",
	"ù", "u", "û", "u", "ü", "u",
	"ç", "c", "œ", "oe",
	"À", "A", "Â", "A", "Ä", "A",
	"É", "E", "È", "E", "Ê", "E", "Ë", "E",
	"Î", "I", "Ï", "I",
	"Ô", "O", "Ö", "O",
	"Ù", "U", "Û", "U", "Ü", "U",
	"Ç", "C", "Œ", "Oe",
)

// TableIDForDemarche derives the Grist table identifier for a démarche.
// Grist table IDs must be valid identifiers, so the name is camel-cased and
// suffixed with the démarche number.
func TableIDForDemarche(name string, number int) string {
	id := strcase.ToCamel(accentFolder.Replace(name))
	if id == "" {
		id = "Demarche"
	}
	return fmt.Sprintf("%s_%d", id, number)
}

// ColumnIDForLabel derives a Grist column identifier from a champ label.
func ColumnIDForLabel(label string) string {
	id := strcase.ToSnake(accentFolder.Replace(label))
	if id == "" {
		id = "champ"
	}
	return id
}

// Ping checks the document is reachable with the configured key.
func (g *GristClient) Ping(ctx context.Context) error {
	gristErr := GristError{}
	err := g.apiBuilder().
		Pathf("/api/docs/%s", g.DocID).
		ErrorJSON(&gristErr).
		Fetch(ctx)
	if err != nil {
		log.Printf("Grist error: %+v", gristErr)
		return fmt.Errorf("failed to reach Grist document %s %w", g.DocID, err)
	}
	return nil
}

// ListTables returns the table IDs of the document.
func (g *GristClient) ListTables(ctx context.Context) ([]string, error) {
	var body string
	gristErr := GristError{}
	err := g.apiBuilder().
		Pathf("/api/docs/%s/tables", g.DocID).
		ToString(&body).
		ErrorJSON(&gristErr).
		Fetch(ctx)
	if err != nil {
		log.Printf("Grist error: %+v", gristErr)
		return nil, fmt.Errorf("failed to list tables %w", err)
	}
	var result []string
	for _, t := range gjson.Get(body, "tables.#.id").Array() {
		result = append(result, t.String())
	}
	return result, nil
}

type gristColumn struct {
	ID string `json:"id"`
}

type gristTableDef struct {
	ID      string        `json:"id"`
	Columns []gristColumn `json:"columns"`
}

// EnsureTable creates tableID with the given column IDs when the document
// does not have it yet.
func (g *GristClient) EnsureTable(ctx context.Context, tableID string, columns []string) error {
	tables, err := g.ListTables(ctx)
	if err != nil {
		return err
	}
	if slices.Contains(tables, tableID) {
		return nil
	}

	def := gristTableDef{ID: tableID}
	for _, c := range columns {
		def.Columns = append(def.Columns, gristColumn{ID: c})
	}
	payload := struct {
		Tables []gristTableDef `json:"tables"`
	}{Tables: []gristTableDef{def}}

	gristErr := GristError{}
	err = g.apiBuilder().
		Pathf("/api/docs/%s/tables", g.DocID).
		BodyJSON(&payload).
		ErrorJSON(&gristErr).
		Fetch(ctx)
	if err != nil {
		log.Printf("Grist error: %+v", gristErr)
		return fmt.Errorf("failed to create table %s %w", tableID, err)
	}
	log.Printf("Created Grist table %s with %d columns", tableID, len(columns))
	return nil
}

// GristRecord is one row to add or update. Require identifies the row;
// Fields carries the cell values to write.
type GristRecord struct {
	Require map[string]any `json:"require"`
	Fields  map[string]any `json:"fields"`
}

// UpsertRecords adds or updates records in tableID, matching on each
// record's Require fields.
func (g *GristClient) UpsertRecords(ctx context.Context, tableID string, records []GristRecord) error {
	if len(records) == 0 {
		return nil
	}
	payload := struct {
		Records []GristRecord `json:"records"`
	}{Records: records}

	gristErr := GristError{}
	err := g.apiBuilder().
		Pathf("/api/docs/%s/tables/%s/records", g.DocID, tableID).
		Method(http.MethodPut).
		BodyJSON(&payload).
		ErrorJSON(&gristErr).
		Fetch(ctx)
	if err != nil {
		log.Printf("Grist error: %+v", gristErr)
		return fmt.Errorf("failed to upsert %d records into %s %w", len(records), tableID, err)
	}
	return nil
}
