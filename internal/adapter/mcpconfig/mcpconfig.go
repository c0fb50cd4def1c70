// Package mcpconfig writes the plugin-protocol configuration the spawned CLI
// reads on startup to discover auxiliary servers.
package mcpconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// JSONFileName is the per-workspace config consumed by CLIs using backend A.
const JSONFileName = ".mcp.json"

// NormalizeURL ensures the server URL ends in /mcp.
func NormalizeURL(u string) string {
	u = strings.TrimRight(u, "/")
	if strings.HasSuffix(u, "/mcp") {
		return u
	}
	return u + "/mcp"
}

// ServerEntry is one mcpServers value in the JSON config.
type ServerEntry struct {
	Type    string            `json:"type"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// WriteJSON merges a server entry into <workdir>/.mcp.json, creating the file
// if needed and preserving any existing entries. The filename is then added
// to the repo's local exclude list so it is never committed.
func WriteJSON(workdir, serverName, serverURL, token string) error {
	path := filepath.Join(workdir, JSONFileName)

	doc := map[string]any{}
	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("op=mcpconfig.WriteJSON parse existing: %w", err)
		}
	}

	servers, _ := doc["mcpServers"].(map[string]any)
	if servers == nil {
		servers = map[string]any{}
	}
	servers[serverName] = ServerEntry{
		Type:    "http",
		URL:     NormalizeURL(serverURL),
		Headers: map[string]string{"Authorization": "Bearer " + token},
	}
	doc["mcpServers"] = servers

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("op=mcpconfig.WriteJSON marshal: %w", err)
	}
	if err := os.WriteFile(path, append(out, '\n'), 0o600); err != nil {
		return fmt.Errorf("op=mcpconfig.WriteJSON write: %w", err)
	}
	if err := addGitExclude(workdir, JSONFileName); err != nil {
		return err
	}
	return nil
}

// addGitExclude appends a pattern to .git/info/exclude when not already
// present. Non-git workdirs are a no-op.
func addGitExclude(workdir, pattern string) error {
	gitDir := filepath.Join(workdir, ".git")
	if fi, err := os.Stat(gitDir); err != nil || !fi.IsDir() {
		return nil
	}
	infoDir := filepath.Join(gitDir, "info")
	if err := os.MkdirAll(infoDir, 0o755); err != nil {
		return fmt.Errorf("op=mcpconfig.addGitExclude: %w", err)
	}
	excludePath := filepath.Join(infoDir, "exclude")
	existing, _ := os.ReadFile(excludePath)
	for _, line := range strings.Split(string(existing), "\n") {
		if strings.TrimSpace(line) == pattern {
			return nil
		}
	}
	f, err := os.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("op=mcpconfig.addGitExclude: %w", err)
	}
	defer func() { _ = f.Close() }()
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		if _, err := f.WriteString("\n"); err != nil {
			return fmt.Errorf("op=mcpconfig.addGitExclude: %w", err)
		}
	}
	if _, err := f.WriteString(pattern + "\n"); err != nil {
		return fmt.Errorf("op=mcpconfig.addGitExclude: %w", err)
	}
	return nil
}

// tomlServer is the body of a [mcp_servers.<name>] block.
type tomlServer struct {
	URL               string `toml:"url"`
	BearerTokenEnvVar string `toml:"bearer_token_env_var,omitempty"`
}

// WriteTOML writes or replaces the [mcp_servers.<name>] block in a per-user
// TOML config file. All other blocks are preserved byte for byte: only the
// target block is spliced, with the replacement body rendered by the TOML
// encoder.
func WriteTOML(path, serverName, serverURL, bearerEnvVar string) error {
	body, err := toml.Marshal(tomlServer{URL: NormalizeURL(serverURL), BearerTokenEnvVar: bearerEnvVar})
	if err != nil {
		return fmt.Errorf("op=mcpconfig.WriteTOML marshal: %w", err)
	}
	header := fmt.Sprintf("[mcp_servers.%s]", serverName)
	block := header + "\n" + strings.TrimSpace(string(body)) + "\n"

	existing, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("op=mcpconfig.WriteTOML: %w", err)
		}
		return os.WriteFile(path, []byte(block), 0o600)
	}
	if err != nil {
		return fmt.Errorf("op=mcpconfig.WriteTOML read: %w", err)
	}

	updated := spliceBlock(string(existing), header, block)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		return fmt.Errorf("op=mcpconfig.WriteTOML write: %w", err)
	}
	return nil
}

// spliceBlock replaces the table starting at header (up to the next table
// header or EOF) with block, or appends block when the table is absent.
func spliceBlock(content, header, block string) string {
	lines := strings.Split(content, "\n")
	start := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == header {
			start = i
			break
		}
	}
	if start < 0 {
		out := content
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		if out != "" {
			out += "\n"
		}
		return out + block
	}
	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if strings.HasPrefix(trimmed, "[") {
			end = i
			break
		}
	}
	before := strings.Join(lines[:start], "\n")
	after := strings.Join(lines[end:], "\n")
	out := before
	if out != "" && !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	out += block
	if strings.TrimSpace(after) != "" {
		out += after
	}
	return out
}
