package dssync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSyncer scripts the collaborator's behavior per démarche number.
type fakeSyncer struct {
	calls     []int
	processed map[int]int
	failures  map[int]error
	panics    map[int]string
}

func (f *fakeSyncer) SyncDemarche(ctx context.Context, client *GristClient, number int, parallel bool, batchSize, maxWorkers int) (int, error) {
	f.calls = append(f.calls, number)
	if msg, ok := f.panics[number]; ok {
		panic(msg)
	}
	if err, ok := f.failures[number]; ok {
		return 0, err
	}
	return f.processed[number], nil
}

func newTestOrchestrator(t *testing.T, entries []DemarcheEntry, syncer Syncer) *Orchestrator {
	t.Helper()
	clearContextEnv(t)
	captureLog(t)
	registry := BuildRegistry(Config{Demarches: entries})
	stager := &Stager{Context: NewExecutionContext()}
	o := NewOrchestrator(registry, testGristA, stager, syncer)
	o.Delay = time.Millisecond
	return o
}

func threeEnabledEntries() []DemarcheEntry {
	return []DemarcheEntry{
		{Number: 1, Name: "A", APIToken: "tok-a"},
		{Number: 2, Name: "B", APIToken: "tok-b"},
		{Number: 3, Name: "C", APIToken: "tok-c"},
	}
}

func TestSyncAll_IsolatesFailures(t *testing.T) {
	syncer := &fakeSyncer{
		processed: map[int]int{1: 5, 3: 2},
		failures:  map[int]error{2: errors.New("GraphQL quota exceeded")},
	}
	o := newTestOrchestrator(t, threeEnabledEntries(), syncer)
	o.Delay = 30 * time.Millisecond

	start := time.Now()
	results := o.SyncAll()
	elapsed := time.Since(start)

	require.Len(t, results, 3)
	require.True(t, results[0].Success)
	require.Equal(t, 5, results[0].DossiersProcessed)
	require.False(t, results[1].Success)
	require.NotEmpty(t, results[1].Errors)
	require.Contains(t, results[1].Errors[0], "GraphQL quota exceeded")
	require.True(t, results[2].Success)
	require.Equal(t, []int{1, 2, 3}, syncer.calls)
	// Two inter-job pauses.
	require.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}

func TestSyncAll_SkipsDisabled(t *testing.T) {
	entries := threeEnabledEntries()
	entries[1].Enabled = boolPtr(false)
	syncer := &fakeSyncer{}
	o := newTestOrchestrator(t, entries, syncer)

	results := o.SyncAll()
	require.Len(t, results, 2)
	require.Equal(t, []int{1, 3}, syncer.calls)
}

func TestSyncAll_RecoversCollaboratorPanic(t *testing.T) {
	syncer := &fakeSyncer{panics: map[int]string{1: "boom"}}
	o := newTestOrchestrator(t, threeEnabledEntries()[:1], syncer)

	results := o.SyncAll()
	require.Len(t, results, 1)
	require.False(t, results[0].Success)
	require.Contains(t, results[0].Errors[0], "boom")
}

func TestSyncSelected_UnknownNumber(t *testing.T) {
	syncer := &fakeSyncer{}
	o := newTestOrchestrator(t, threeEnabledEntries(), syncer)

	results := o.SyncSelected([]int{999}, false)
	require.Len(t, results, 1)
	require.False(t, results[0].Success)
	require.Equal(t, 999, results[0].DemarcheNumber)
	require.Contains(t, results[0].Errors[0], "not found")
	// No staging happened for the unknown number.
	require.Empty(t, syncer.calls)
	require.Equal(t, uint64(0), o.Stager.Context.Generation())
}

func TestSyncSelected_DisabledSkippedUnlessForced(t *testing.T) {
	entries := threeEnabledEntries()
	entries[0].Enabled = boolPtr(false)
	syncer := &fakeSyncer{processed: map[int]int{1: 1}}
	o := newTestOrchestrator(t, entries, syncer)

	results := o.SyncSelected([]int{1}, false)
	require.Empty(t, results)
	require.Empty(t, syncer.calls)

	results = o.SyncSelected([]int{1}, true)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	require.Equal(t, []int{1}, syncer.calls)
}

func TestSyncSelected_PreservesGivenOrder(t *testing.T) {
	syncer := &fakeSyncer{}
	o := newTestOrchestrator(t, threeEnabledEntries(), syncer)

	results := o.SyncSelected([]int{3, 1}, false)
	require.Len(t, results, 2)
	require.Equal(t, []int{3, 1}, syncer.calls)
	require.Equal(t, 3, results[0].DemarcheNumber)
	require.Equal(t, 1, results[1].DemarcheNumber)
}

func TestSyncOne_StagesBeforeSyncing(t *testing.T) {
	syncer := &fakeSyncer{processed: map[int]int{1: 1}}
	entries := []DemarcheEntry{{
		Number: 1, Name: "A", APIToken: "tok-a",
		Filters: Filters{StatutsDossiers: []string{"accepte"}},
	}}
	o := newTestOrchestrator(t, entries, syncer)

	results := o.SyncAll()
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	// The collaborator ran under the staged context.
	require.Equal(t, "tok-a", o.Stager.Context.Get(EnvAPIToken))
	require.Equal(t, "accepte", o.Stager.Context.Get(EnvStatutsDossiers))
}

func TestValidate(t *testing.T) {
	captureLog(t)
	registry := BuildRegistry(Config{Demarches: []DemarcheEntry{
		{Number: 1, Name: "A", APIToken: "tok-a"},
		{Number: 2, Name: "B", APIToken: "${TEST_UNSET_TOKEN}"},
		{Number: 3, Name: "C", APIToken: ""},
	}})
	stager := &Stager{Context: NewExecutionContext()}

	o := NewOrchestrator(registry, testGristA, stager, &fakeSyncer{})
	require.False(t, o.Validate())
	// Validation must not mutate any state.
	require.Equal(t, uint64(0), stager.Context.Generation())

	valid := NewOrchestrator(BuildRegistry(Config{Demarches: []DemarcheEntry{
		{Number: 1, Name: "A", APIToken: "tok-a"},
	}}), testGristA, stager, &fakeSyncer{})
	require.True(t, valid.Validate())

	badGrist := NewOrchestrator(registry, GristTarget{BaseURL: "u"}, stager, &fakeSyncer{})
	require.False(t, badGrist.Validate())
}
