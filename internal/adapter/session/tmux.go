// Package session supervises detached tmux sessions hosting the external
// coding CLI.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kristinday/ace/internal/domain"
)

const (
	subprocessTimeout = 10 * time.Second
	promptChunkSize   = 500
)

// Supervisor implements domain.Sessions over the tmux CLI.
type Supervisor struct {
	log *slog.Logger

	// run is a test seam over subprocess execution.
	run func(ctx domain.Context, args ...string) (string, error)
}

// NewSupervisor builds a tmux supervisor.
func NewSupervisor(log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{log: log}
	s.run = s.tmux
	return s
}

var _ domain.Sessions = (*Supervisor)(nil)

func (s *Supervisor) tmux(ctx domain.Context, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, subprocessTimeout)
	defer cancel()
	out, err := exec.CommandContext(cctx, "tmux", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

// SessionExists reports whether a session with the exact name exists.
func (s *Supervisor) SessionExists(ctx domain.Context, name string) bool {
	_, err := s.run(ctx, "has-session", "-t", "="+name)
	return err == nil
}

// ListSessions returns all sessions with their last-activity times.
func (s *Supervisor) ListSessions(ctx domain.Context) ([]domain.SessionInfo, error) {
	out, err := s.run(ctx, "list-sessions", "-F", "#{session_name}\t#{session_activity}")
	if err != nil {
		// tmux exits non-zero when no server is running; treat as empty.
		if strings.Contains(err.Error(), "no server running") {
			return nil, nil
		}
		return nil, fmt.Errorf("op=session.ListSessions: %w", err)
	}
	var infos []domain.SessionInfo
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		epoch, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		infos = append(infos, domain.SessionInfo{Name: parts[0], LastActivity: time.Unix(epoch, 0)})
	}
	return infos, nil
}

// StartSession creates a detached session running the command in workdir with
// the given environment. Idempotent: an existing session returns created=false.
func (s *Supervisor) StartSession(ctx domain.Context, name, workdir string, command []string, env map[string]string) (bool, error) {
	if s.SessionExists(ctx, name) {
		s.log.Debug("session already exists", slog.String("session", name))
		return false, nil
	}
	args := []string{"new-session", "-d", "-s", name, "-c", workdir}
	for k, v := range env {
		args = append(args, "-e", k+"="+v)
	}
	if len(command) > 0 {
		args = append(args, command...)
	}
	if _, err := s.run(ctx, args...); err != nil {
		return false, fmt.Errorf("op=session.StartSession session=%s: %w", name, err)
	}
	s.log.Info("session started", slog.String("session", name), slog.String("workdir", workdir))
	return true, nil
}

// KillSession terminates a session. Killing an absent session is a no-op.
func (s *Supervisor) KillSession(ctx domain.Context, name string) error {
	if !s.SessionExists(ctx, name) {
		return nil
	}
	if _, err := s.run(ctx, "kill-session", "-t", "="+name); err != nil {
		return fmt.Errorf("op=session.KillSession session=%s: %w", name, err)
	}
	return nil
}

// SendPrompt delivers text to the session in literal-paste chunks of at most
// 500 chars, then presses Enter twice. Some CLIs discard the first newline
// while still initializing, so the second press is required.
func (s *Supervisor) SendPrompt(ctx domain.Context, name, text string, delay time.Duration) error {
	for _, chunk := range chunkString(text, promptChunkSize) {
		if _, err := s.run(ctx, "send-keys", "-t", "="+name, "-l", "--", chunk); err != nil {
			return fmt.Errorf("op=session.SendPrompt session=%s: %w", name, err)
		}
		sleep(ctx, delay)
	}
	if err := s.SendEnter(ctx, name, 2, 300*time.Millisecond); err != nil {
		return err
	}
	return nil
}

// SendEnter presses Enter repeat times with delay between presses.
func (s *Supervisor) SendEnter(ctx domain.Context, name string, repeat int, delay time.Duration) error {
	for i := 0; i < repeat; i++ {
		if i > 0 {
			sleep(ctx, delay)
		}
		if _, err := s.run(ctx, "send-keys", "-t", "="+name, "Enter"); err != nil {
			return fmt.Errorf("op=session.SendEnter session=%s: %w", name, err)
		}
	}
	return nil
}

// Nudge pastes a reminder message and then attempts Enter up to three times
// with 0.2s spacing. It fails only when every Enter attempt fails.
func (s *Supervisor) Nudge(ctx domain.Context, name, message string) error {
	for _, chunk := range chunkString(message, promptChunkSize) {
		if _, err := s.run(ctx, "send-keys", "-t", "="+name, "-l", "--", chunk); err != nil {
			return fmt.Errorf("op=session.Nudge session=%s: %w", name, err)
		}
	}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			sleep(ctx, 200*time.Millisecond)
		}
		if _, err := s.run(ctx, "send-keys", "-t", "="+name, "Enter"); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("op=session.Nudge session=%s enter failed: %w", name, lastErr)
}

// CaptureOutput returns the last n lines of the session's pane.
func (s *Supervisor) CaptureOutput(ctx domain.Context, name string, lastN int) (string, error) {
	out, err := s.run(ctx, "capture-pane", "-t", "="+name, "-p", "-S", fmt.Sprintf("-%d", lastN))
	if err != nil {
		return "", fmt.Errorf("op=session.CaptureOutput session=%s: %w", name, err)
	}
	return out, nil
}

func chunkString(s string, size int) []string {
	if s == "" {
		return nil
	}
	var chunks []string
	for len(s) > size {
		chunks = append(chunks, s[:size])
		s = s[size:]
	}
	return append(chunks, s)
}

func sleep(ctx domain.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
