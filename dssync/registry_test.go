package dssync

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := log.Writer()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(orig) })
	return &buf
}

func TestBuildRegistry_SkipsUnresolvedToken(t *testing.T) {
	buf := captureLog(t)
	cfg := Config{Demarches: []DemarcheEntry{
		{Number: 121950, Name: "Aide", APIToken: "tok-a"},
		{Number: 122643, Name: "Subvention", APIToken: "${TEST_UNSET_TOKEN}"},
	}}

	r := BuildRegistry(cfg)
	require.Equal(t, 1, r.Len())
	require.Equal(t, []int{121950}, r.Numbers())
	require.Len(t, r.Skipped(), 1)
	require.Equal(t, 122643, r.Skipped()[0].Number)

	warnings := 0
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "Warning:") {
			warnings++
			require.Contains(t, line, "122643")
		}
	}
	require.Equal(t, 1, warnings)
	require.Contains(t, buf.String(), "TEST_UNSET_TOKEN")
}

func TestBuildRegistry_SkipsEmptyToken(t *testing.T) {
	captureLog(t)
	cfg := Config{Demarches: []DemarcheEntry{{Number: 1, Name: "A"}}}
	r := BuildRegistry(cfg)
	require.Equal(t, 0, r.Len())
	require.Len(t, r.Skipped(), 1)
}

func TestBuildRegistry_Defaults(t *testing.T) {
	cfg := Config{Demarches: []DemarcheEntry{
		{Number: 1, Name: "A", APIToken: "tok"},
		{Number: 2, Name: "B", APIToken: "tok", APIURL: "https://staging.local/graphql", Enabled: boolPtr(false)},
	}}
	r := BuildRegistry(cfg)

	a, ok := r.ByNumber(1)
	require.True(t, ok)
	require.Equal(t, DefaultAPIURL, a.APIURL)
	require.True(t, a.Enabled)

	b, ok := r.ByNumber(2)
	require.True(t, ok)
	require.Equal(t, "https://staging.local/graphql", b.APIURL)
	require.False(t, b.Enabled)
}

func TestRegistry_EnabledPreservesOrder(t *testing.T) {
	cfg := Config{Demarches: []DemarcheEntry{
		{Number: 3, Name: "C", APIToken: "tok"},
		{Number: 1, Name: "A", APIToken: "tok", Enabled: boolPtr(false)},
		{Number: 2, Name: "B", APIToken: "tok"},
	}}
	r := BuildRegistry(cfg)

	var numbers []int
	for _, d := range r.Enabled() {
		numbers = append(numbers, d.Number)
	}
	require.Equal(t, []int{3, 2}, numbers)
}

func TestRegistry_ByNumberFirstMatch(t *testing.T) {
	cfg := Config{Demarches: []DemarcheEntry{
		{Number: 7, Name: "first", APIToken: "tok"},
		{Number: 7, Name: "second", APIToken: "tok"},
	}}
	r := BuildRegistry(cfg)

	d, ok := r.ByNumber(7)
	require.True(t, ok)
	require.Equal(t, "first", d.Name)

	_, ok = r.ByNumber(999)
	require.False(t, ok)
}

func TestDemarcheConfig_TokenPreview(t *testing.T) {
	d := DemarcheConfig{APIToken: "ABCDEFGHIJKLMNOPQRSTUVWXYZ"}
	require.Equal(t, "ABCDEFGH...STUVWXYZ", d.TokenPreview())
	require.Equal(t, "short", DemarcheConfig{APIToken: "short"}.TokenPreview())
}
