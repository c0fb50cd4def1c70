package mcpconfig

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kristinday/ace/internal/domain"
)

// TokenEnvVar is the variable the TOML-configured CLI reads its bearer token
// from; the session supervisor injects it at spawn.
const TokenEnvVar = "GITHUB_TOKEN"

// Configurator writes the backend-appropriate plugin config before a session
// starts. Backend "codex" reads a per-user TOML file; everything else reads
// the per-workspace JSON file.
type Configurator struct {
	ServerName string
	ServerURL  string
	TOMLPath   string // defaults to ~/.codex/config.toml
	Log        *slog.Logger
}

// NewConfigurator builds a configurator for the given server coordinates.
func NewConfigurator(serverName, serverURL string, log *slog.Logger) *Configurator {
	if log == nil {
		log = slog.Default()
	}
	home, _ := os.UserHomeDir()
	return &Configurator{
		ServerName: serverName,
		ServerURL:  serverURL,
		TOMLPath:   filepath.Join(home, ".codex", "config.toml"),
		Log:        log,
	}
}

var _ domain.MCPConfigurator = (*Configurator)(nil)

// Configure writes the config for the chosen backend.
func (c *Configurator) Configure(_ domain.Context, workdir, backend, token string) error {
	if backend == "codex" {
		return WriteTOML(c.TOMLPath, c.ServerName, c.ServerURL, TokenEnvVar)
	}
	return WriteJSON(workdir, c.ServerName, c.ServerURL, token)
}
