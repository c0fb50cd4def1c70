package mcpconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "https://api.example.com/mcp", NormalizeURL("https://api.example.com"))
	assert.Equal(t, "https://api.example.com/mcp", NormalizeURL("https://api.example.com/"))
	assert.Equal(t, "https://api.example.com/mcp", NormalizeURL("https://api.example.com/mcp"))
	assert.Equal(t, "https://api.example.com/mcp", NormalizeURL("https://api.example.com/mcp/"))
}

func readJSONConfig(t *testing.T, dir string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, JSONFileName))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc
}

func TestWriteJSON_CreatesConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteJSON(dir, "github", "https://api.example.com", "tok123"))

	doc := readJSONConfig(t, dir)
	servers := doc["mcpServers"].(map[string]any)
	entry := servers["github"].(map[string]any)
	assert.Equal(t, "http", entry["type"])
	assert.Equal(t, "https://api.example.com/mcp", entry["url"])
	headers := entry["headers"].(map[string]any)
	assert.Equal(t, "Bearer tok123", headers["Authorization"])
}

func TestWriteJSON_PreservesOtherEntries(t *testing.T) {
	dir := t.TempDir()
	seed := `{"mcpServers":{"other":{"type":"http","url":"https://other.example/mcp"}},"unrelated":true}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, JSONFileName), []byte(seed), 0o600))

	require.NoError(t, WriteJSON(dir, "github", "https://api.example.com", "tok"))

	doc := readJSONConfig(t, dir)
	assert.Equal(t, true, doc["unrelated"])
	servers := doc["mcpServers"].(map[string]any)
	assert.Contains(t, servers, "other")
	assert.Contains(t, servers, "github")
}

func TestWriteJSON_Idempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteJSON(dir, "github", "https://api.example.com", "tok"))
	first := readJSONConfig(t, dir)
	require.NoError(t, WriteJSON(dir, "github", "https://api.example.com", "tok"))
	second := readJSONConfig(t, dir)
	assert.Equal(t, first, second)
}

func TestWriteJSON_AddsGitExclude(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git", "info"), 0o755))

	require.NoError(t, WriteJSON(dir, "github", "https://api.example.com", "tok"))
	require.NoError(t, WriteJSON(dir, "github", "https://api.example.com", "tok"))

	raw, err := os.ReadFile(filepath.Join(dir, ".git", "info", "exclude"))
	require.NoError(t, err)
	// one exclusion line, not duplicated on repeated writes
	assert.Equal(t, JSONFileName+"\n", string(raw))
}

func TestWriteTOML_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, WriteTOML(path, "github", "https://api.example.com", "GITHUB_TOKEN"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]map[string]tomlServer
	require.NoError(t, toml.Unmarshal(raw, &doc))
	got := doc["mcp_servers"]["github"]
	assert.Equal(t, "https://api.example.com/mcp", got.URL)
	assert.Equal(t, "GITHUB_TOKEN", got.BearerTokenEnvVar)
}

func TestWriteTOML_PreservesOtherBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	seed := "model = \"o3\"\n\n[mcp_servers.other]\nurl = \"https://other.example/mcp\"\n\n[profile.dev]\nverbose = true\n"
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))

	require.NoError(t, WriteTOML(path, "github", "https://api.example.com", ""))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(raw)
	assert.Contains(t, content, "model = \"o3\"")
	assert.Contains(t, content, "[mcp_servers.other]")
	assert.Contains(t, content, "[profile.dev]")
	assert.Contains(t, content, "[mcp_servers.github]")

	var doc map[string]any
	require.NoError(t, toml.Unmarshal(raw, &doc))
}

func TestWriteTOML_ReplacesExistingBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, WriteTOML(path, "github", "https://old.example.com", "OLD_VAR"))
	require.NoError(t, WriteTOML(path, "github", "https://new.example.com", ""))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]map[string]tomlServer
	require.NoError(t, toml.Unmarshal(raw, &doc))
	got := doc["mcp_servers"]["github"]
	assert.Equal(t, "https://new.example.com/mcp", got.URL)
	assert.Empty(t, got.BearerTokenEnvVar)
	assert.NotContains(t, string(raw), "OLD_VAR")
}
