package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
[general]
log_level = "error"

[rate_limit]
sweep_interval = "0s"

[endpoints]
"/api/chat" = ["security", "chat_format"]

[validators.chat_format]
type = "format"
required = ["model", "messages"]
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "popper.toml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		cfgFile, validateJSON, endpointsJSON = "", false, false
		validateMode, validateSkip, validateFile = "", nil, "-"
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestValidate_Valid(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, `{"model":"m","messages":[{"role":"user","content":"hi"}]}`,
		"validate", "--config", cfg, "--endpoint", "/api/chat", "--json")
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, true, resp["success"])
}

func TestValidate_Rejected(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, `{"model":"m"}`, "validate", "--config", cfg, "--endpoint", "/api/chat")
	assert.ErrorIs(t, err, errRejected)
	assert.Contains(t, out, "MISSING_REQUIRED_FIELD")
	assert.Contains(t, out, "/api/chat")
}

func TestValidate_FileAndUnknownEndpoint(t *testing.T) {
	cfg := writeConfig(t)
	payload := filepath.Join(t.TempDir(), "req.json")
	require.NoError(t, os.WriteFile(payload, []byte(`{}`), 0o644))

	_, err := run(t, "", "validate", "--config", cfg, "--endpoint", "/nowhere", "--file", payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/nowhere")
}

func TestEndpoints(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "", "endpoints", "--config", cfg, "--json")
	require.NoError(t, err)

	var resp struct {
		Endpoints []struct {
			Pattern string `json:"pattern"`
		} `json:"endpoints"`
		Warnings []string `json:"warnings"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Endpoints, 1)
	assert.Equal(t, "/api/chat", resp.Endpoints[0].Pattern)
	assert.Empty(t, resp.Warnings)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "popper v")
}
