// Package secrets resolves credentials from the environment or from a cloud
// secret manager.
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kristinday/ace/internal/domain"
)

// EnvResolver reads secrets straight from environment variables.
type EnvResolver struct{}

var _ domain.Secrets = EnvResolver{}

// Resolve returns the environment variable's value.
func (EnvResolver) Resolve(_ domain.Context, name string) (string, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return "", domain.NewFatal(domain.FailCredentialMissing, "environment variable %s is not set", name)
	}
	return v, nil
}

// ManagerResolver shells out to the cloud secret-manager CLI, falling back to
// the environment when the lookup fails.
type ManagerResolver struct {
	Project string
	Log     *slog.Logger

	// run is a test seam over subprocess execution.
	run func(ctx domain.Context, project, name string) (string, error)
}

// NewManagerResolver builds a secret-manager resolver for a cloud project.
func NewManagerResolver(project string, log *slog.Logger) *ManagerResolver {
	if log == nil {
		log = slog.Default()
	}
	r := &ManagerResolver{Project: project, Log: log}
	r.run = runGcloud
	return r
}

var _ domain.Secrets = (*ManagerResolver)(nil)

func runGcloud(ctx domain.Context, project, name string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	out, err := exec.CommandContext(cctx, "gcloud", "secrets", "versions", "access", "latest",
		"--secret", name, "--project", project).Output()
	if err != nil {
		return "", fmt.Errorf("op=secrets.gcloud secret=%s: %w", name, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Resolve fetches the latest secret version; on failure it falls back to the
// environment variable of the same name.
func (r *ManagerResolver) Resolve(ctx domain.Context, name string) (string, error) {
	if r.Project != "" {
		v, err := r.run(ctx, r.Project, name)
		if err == nil && v != "" {
			return v, nil
		}
		if err != nil {
			r.Log.Warn("secret manager lookup failed, falling back to env",
				slog.String("secret", name), slog.String("error", err.Error()))
		}
	}
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return "", domain.NewFatal(domain.FailCredentialMissing, "secret %s unavailable from manager and environment", name)
	}
	return v, nil
}
