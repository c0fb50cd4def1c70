package github

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kristinday/ace/internal/domain"
)

// MCPSource lists newly-ready work through the auxiliary protocol server's
// tool surface. It is the preferred source for the ready category; callers
// fall back to the direct board query when a call fails.
type MCPSource struct {
	baseURL string
	token   string
	httpc   *http.Client
	log     *slog.Logger
}

// NewMCPSource builds a source for the given server URL and bearer token.
func NewMCPSource(baseURL, token string, log *slog.Logger) *MCPSource {
	if log == nil {
		log = slog.Default()
	}
	return &MCPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

// CallTool invokes one tool on the server and returns the raw JSON result.
func (s *MCPSource) CallTool(ctx domain.Context, tool string, args map[string]any) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]any{"tool": tool, "arguments": args})
	if err != nil {
		return nil, fmt.Errorf("op=mcpsource.CallTool tool=%s marshal: %w", tool, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/tools/call", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("op=mcpsource.CallTool tool=%s: %w", tool, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=mcpsource.CallTool tool=%s: %w", tool, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("op=mcpsource.CallTool tool=%s read: %w", tool, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("op=mcpsource.CallTool tool=%s status=%d: %w", tool, resp.StatusCode, domain.ErrInternal)
	}
	s.log.Debug("mcp tool call", slog.String("tool", tool), slog.Int("status", resp.StatusCode))
	return json.RawMessage(body), nil
}

// ListReadyItems searches open issues carrying the agent label via the
// server's search_issues tool. Items arrive fully hydrated, unlike the board
// projection.
func (s *MCPSource) ListReadyItems(ctx domain.Context, owner, repo, label string) ([]domain.WorkItem, error) {
	raw, err := s.CallTool(ctx, "search_issues", map[string]any{
		"query": fmt.Sprintf("repo:%s/%s label:%s state:open", owner, repo, label),
	})
	if err != nil {
		return nil, err
	}
	var result struct {
		Items []restIssue `json:"items"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("op=mcpsource.ListReadyItems decode: %w", err)
	}
	out := make([]domain.WorkItem, 0, len(result.Items))
	for _, ri := range result.Items {
		out = append(out, ri.toWorkItem(owner, repo, domain.WorkKindReady))
	}
	return out, nil
}
