// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/kristinday/ace/internal/domain"
)

// Config holds all orchestrator configuration parsed from environment
// variables. Durations configured in seconds/hours keep their unit in the
// variable name to match the operator-facing docs.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8085"`

	// Pool
	MaxAgents              int  `env:"MAX_AGENTS" envDefault:"5"`
	PollIntervalSeconds    int  `env:"POLLING_INTERVAL_SECONDS" envDefault:"60"`
	MaxIssuesPerRun        int  `env:"MAX_ISSUES_PER_RUN" envDefault:"0"`
	ResumeInProgressIssues bool `env:"RESUME_IN_PROGRESS_ISSUES" envDefault:"true"`
	// AgentExecutionMode selects how the external CLI runs: tmux, cli, or http.
	AgentExecutionMode string `env:"AGENT_EXECUTION_MODE" envDefault:"tmux"`

	// Task wait / nudge
	TaskPollIntervalSeconds  int    `env:"TASK_POLL_INTERVAL_SECONDS" envDefault:"30"`
	TaskWaitTimeoutSeconds   int    `env:"TASK_WAIT_TIMEOUT_SECONDS" envDefault:"900"`
	TaskNudgeEnabled         bool   `env:"TASK_NUDGE_ENABLED" envDefault:"true"`
	TaskNudgeAfterSeconds    int    `env:"TASK_NUDGE_AFTER_SECONDS" envDefault:"900"`
	TaskNudgeIntervalSeconds int    `env:"TASK_NUDGE_INTERVAL_SECONDS" envDefault:"300"`
	TaskNudgeMaxAttempts     int    `env:"TASK_NUDGE_MAX_ATTEMPTS" envDefault:"3"`
	TaskNudgeMaxRestarts     int    `env:"TASK_NUDGE_MAX_RESTARTS" envDefault:"1"`
	TaskNudgeMessage         string `env:"TASK_NUDGE_MESSAGE" envDefault:"Reminder: you are working on {task_id} ({task_title}). If you are done, write ACE_TASK_DONE.json as instructed in ACE_TASK.md."`

	// Reclaimer
	CleanupEnabled                bool `env:"CLEANUP_ENABLED" envDefault:"true"`
	CleanupIntervalSeconds        int  `env:"CLEANUP_INTERVAL_SECONDS" envDefault:"1800"`
	CleanupWorktreeRetentionHours int  `env:"CLEANUP_WORKTREE_RETENTION_HOURS" envDefault:"72"`
	CleanupTmuxRetentionHours     int  `env:"CLEANUP_TMUX_RETENTION_HOURS" envDefault:"12"`
	CleanupOnlyDone               bool `env:"CLEANUP_ONLY_DONE" envDefault:"true"`
	CleanupTmuxEnabled            bool `env:"CLEANUP_TMUX_ENABLED" envDefault:"true"`

	// GitHub
	GitHubToken            string `env:"GITHUB_TOKEN"`
	GitHubAPIBaseURL       string `env:"GITHUB_API_BASE_URL" envDefault:"https://api.github.com"`
	GitHubGraphQLURL       string `env:"GITHUB_GRAPHQL_URL" envDefault:"https://api.github.com/graphql"`
	GitHubOrg              string `env:"GITHUB_ORG"`
	GitHubRepoOwner        string `env:"GITHUB_REPO_OWNER"`
	GitHubRepoName         string `env:"GITHUB_REPO_NAME"`
	GitHubProjectName      string `env:"GITHUB_PROJECT_NAME"`
	GitHubAgentLabel       string `env:"GITHUB_AGENT_LABEL" envDefault:"ai-agent"`
	GitHubLocalAgentLabel  string `env:"GITHUB_LOCAL_AGENT_LABEL" envDefault:"agent:local"`
	GitHubRemoteAgentLabel string `env:"GITHUB_REMOTE_AGENT_LABEL" envDefault:"agent:remote"`
	GitHubReadyStatus      string `env:"GITHUB_READY_STATUS" envDefault:"Ready"`
	GitHubBaseBranch       string `env:"GITHUB_BASE_BRANCH" envDefault:"main"`
	GitHubRepoURL          string `env:"GITHUB_REPO_URL"`
	ConventionsFile        string `env:"CONVENTIONS_FILE" envDefault:"CONVENTIONS.md"`
	PRContextLines         int    `env:"PR_CONTEXT_LINES" envDefault:"10"`
	BlockedAssignee        string `env:"BLOCKED_ASSIGNEE"`
	DisableIssueComments   bool   `env:"DISABLE_ISSUE_COMMENTS" envDefault:"false"`
	DisableIssueStatus     bool   `env:"DISABLE_ISSUE_STATUS" envDefault:"false"`

	// GitHub API retry layer
	GitHubAPIMaxRetries int           `env:"GITHUB_API_MAX_RETRIES" envDefault:"5"`
	GitHubAPIRetryBase  time.Duration `env:"GITHUB_API_RETRY_BASE" envDefault:"1s"`
	GitHubAPIRetryMax   time.Duration `env:"GITHUB_API_RETRY_MAX" envDefault:"30s"`
	GitHubAPITimeout    time.Duration `env:"GITHUB_API_TIMEOUT" envDefault:"30s"`

	// Workspaces
	AgentWorkspaceRoot string `env:"AGENT_WORKSPACE_ROOT" envDefault:"/var/lib/ace"`

	// Difficulty routing
	DifficultyEasyBackend   string `env:"DIFFICULTY_EASY_BACKEND" envDefault:"claude"`
	DifficultyEasyModel     string `env:"DIFFICULTY_EASY_MODEL" envDefault:"sonnet"`
	DifficultyMediumBackend string `env:"DIFFICULTY_MEDIUM_BACKEND" envDefault:"claude"`
	DifficultyMediumModel   string `env:"DIFFICULTY_MEDIUM_MODEL" envDefault:"sonnet"`
	DifficultyHardBackend   string `env:"DIFFICULTY_HARD_BACKEND" envDefault:"claude"`
	DifficultyHardModel     string `env:"DIFFICULTY_HARD_MODEL" envDefault:"opus"`

	// CLI command templates; {model} and {prompt} are substituted at spawn.
	ClaudeCLICommand string `env:"CLAUDE_CLI_COMMAND" envDefault:"claude --model {model} --permission-mode acceptEdits"`
	CodexCLICommand  string `env:"CODEX_CLI_COMMAND" envDefault:"codex --model {model} --full-auto"`

	// Plugin-protocol (MCP) configuration for the spawned CLI. When
	// MCPQueueEnabled is set the same server also becomes the preferred
	// source for newly-ready items.
	MCPServerName   string `env:"MCP_SERVER_NAME" envDefault:"github"`
	MCPServerURL    string `env:"MCP_SERVER_URL" envDefault:"https://api.githubcopilot.com/mcp"`
	MCPQueueEnabled bool   `env:"MCP_QUEUE_ENABLED" envDefault:"false"`

	// Advisor / instruction LLM
	ManagerEnabled  bool   `env:"MANAGER_ENABLED" envDefault:"false"`
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL   string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	ManagerModel    string `env:"MANAGER_MODEL" envDefault:"gpt-4o-mini"`
	ManagerMaxTurns int    `env:"MANAGER_MAX_TURNS" envDefault:"6"`

	// LLM backoff
	LLMBackoffMaxElapsedTime  time.Duration `env:"LLM_BACKOFF_MAX_ELAPSED_TIME" envDefault:"120s"`
	LLMBackoffInitialInterval time.Duration `env:"LLM_BACKOFF_INITIAL_INTERVAL" envDefault:"2s"`
	LLMBackoffMaxInterval     time.Duration `env:"LLM_BACKOFF_MAX_INTERVAL" envDefault:"20s"`
	LLMBackoffMultiplier      float64       `env:"LLM_BACKOFF_MULTIPLIER" envDefault:"2.0"`

	// Daily scheduler
	SchedulerEnabled bool   `env:"SCHEDULER_ENABLED" envDefault:"false"`
	ScheduleTime     string `env:"SCHEDULE_TIME" envDefault:"08:00"`
	ScheduleTimezone string `env:"SCHEDULE_TIMEZONE" envDefault:"America/New_York"`

	// Webhook
	WebhookSecret string `env:"WEBHOOK_SECRET"`

	// Secrets
	SecretsBackend    string `env:"SECRETS_BACKEND" envDefault:"env"`
	GCPProject        string `env:"GCP_PROJECT"`
	GitHubTokenSecret string `env:"GITHUB_TOKEN_SECRET_NAME" envDefault:"ace-github-token"`

	// Twilio notification on fatal pool errors (disabled unless all set)
	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `env:"TWILIO_FROM_NUMBER"`
	TwilioToNumber   string `env:"TWILIO_TO_NUMBER"`

	// HTTP server
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"30"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Tracing
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"ace"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	switch cfg.AgentExecutionMode {
	case "tmux", "cli", "http":
	default:
		return Config{}, fmt.Errorf("op=config.Load: %w: AGENT_EXECUTION_MODE %q", domain.ErrInvalidArgument, cfg.AgentExecutionMode)
	}
	switch cfg.SecretsBackend {
	case "env", "secret-manager":
	default:
		return Config{}, fmt.Errorf("op=config.Load: %w: SECRETS_BACKEND %q", domain.ErrInvalidArgument, cfg.SecretsBackend)
	}
	return cfg, nil
}

// IsDev reports whether the orchestrator is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsTest reports whether the orchestrator is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// TwilioEnabled reports whether fatal-error SMS delivery is configured.
func (c Config) TwilioEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" &&
		c.TwilioFromNumber != "" && c.TwilioToNumber != ""
}

// TaskWaitTimeout returns the marker wait timeout; zero means wait forever.
func (c Config) TaskWaitTimeout() time.Duration {
	return time.Duration(c.TaskWaitTimeoutSeconds) * time.Second
}

// TaskPollInterval returns the marker poll cadence.
func (c Config) TaskPollInterval() time.Duration {
	return time.Duration(c.TaskPollIntervalSeconds) * time.Second
}

// TaskNudgeAfter returns the silence threshold before the first nudge.
func (c Config) TaskNudgeAfter() time.Duration {
	return time.Duration(c.TaskNudgeAfterSeconds) * time.Second
}

// TaskNudgeInterval returns the spacing between follow-up nudges.
func (c Config) TaskNudgeInterval() time.Duration {
	return time.Duration(c.TaskNudgeIntervalSeconds) * time.Second
}

// PollInterval returns the continuous-mode queue poll cadence.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// CleanupInterval returns the reclaimer sweep cadence.
func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

// WorktreeRetention returns the reclaimer's workspace age threshold.
func (c Config) WorktreeRetention() time.Duration {
	return time.Duration(c.CleanupWorktreeRetentionHours) * time.Hour
}

// TmuxRetention returns the reclaimer's session idle threshold.
func (c Config) TmuxRetention() time.Duration {
	return time.Duration(c.CleanupTmuxRetentionHours) * time.Hour
}

// ModelFor maps a difficulty label to its (backend, model) pair. Unknown or
// absent difficulties fall back to the easy pair.
func (c Config) ModelFor(difficulty string) domain.ModelChoice {
	switch strings.ToLower(strings.TrimPrefix(strings.ToLower(difficulty), "difficulty:")) {
	case "medium":
		return domain.ModelChoice{Backend: c.DifficultyMediumBackend, Model: c.DifficultyMediumModel}
	case "hard":
		return domain.ModelChoice{Backend: c.DifficultyHardBackend, Model: c.DifficultyHardModel}
	default:
		return domain.ModelChoice{Backend: c.DifficultyEasyBackend, Model: c.DifficultyEasyModel}
	}
}

// RepoCloneURL returns the clone URL for the configured repository. An
// explicit GITHUB_REPO_URL wins; otherwise the URL is derived from the owner
// and name, embedding the API token for non-interactive clones.
func (c Config) RepoCloneURL() string {
	if c.GitHubRepoURL != "" {
		return c.GitHubRepoURL
	}
	if c.GitHubToken != "" {
		return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", c.GitHubToken, c.GitHubRepoOwner, c.GitHubRepoName)
	}
	return fmt.Sprintf("https://github.com/%s/%s.git", c.GitHubRepoOwner, c.GitHubRepoName)
}

// CLITemplateFor returns the spawn command template for a backend.
func (c Config) CLITemplateFor(backend string) string {
	if strings.EqualFold(backend, "codex") {
		return c.CodexCLICommand
	}
	return c.ClaudeCLICommand
}
