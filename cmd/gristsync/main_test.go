package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func runForTest(t *testing.T, args ...string) error {
	t.Helper()
	var out bytes.Buffer
	return run(&out, args)
}

func TestRun_AbortsOnInvalidConfiguration(t *testing.T) {
	path := writeConfig(t, `{
		"grist": {"base_url": "", "api_key": "", "doc_id": ""},
		"demarches": [{"number": 121950, "name": "Aide", "api_token": "tok-a"}]
	}`)

	err := runForTest(t, "-config", path)
	var exitErr *exitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 1, exitErr.Code)
	require.Contains(t, exitErr.Message, "configuration invalid")
}

func TestRun_ValidateOnly(t *testing.T) {
	valid := writeConfig(t, `{
		"grist": {"base_url": "https://grist.example", "api_key": "k", "doc_id": "d"},
		"demarches": [{"number": 121950, "name": "Aide", "api_token": "tok-a"}]
	}`)
	require.NoError(t, runForTest(t, "-validate-only", "-config", valid))

	invalid := writeConfig(t, `{
		"grist": {"base_url": "https://grist.example", "api_key": "k", "doc_id": "d"},
		"demarches": [{"number": 121950, "name": "Aide", "api_token": ""}]
	}`)
	err := runForTest(t, "-validate-only", "-config", invalid)
	var exitErr *exitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 1, exitErr.Code)
}

func TestRun_MissingConfigFile(t *testing.T) {
	err := runForTest(t, "-config", filepath.Join(t.TempDir(), "missing.json"))
	var exitErr *exitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 1, exitErr.Code)
	require.Contains(t, exitErr.Message, "not found")
}

func TestParseNumbers(t *testing.T) {
	numbers, err := parseNumbers(" 121950, 122643 ,")
	require.NoError(t, err)
	require.Equal(t, []int{121950, 122643}, numbers)

	_, err = parseNumbers("121950,abc")
	require.Error(t, err)

	_, err = parseNumbers(" , ")
	require.Error(t, err)
}
