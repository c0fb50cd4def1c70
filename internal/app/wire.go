package app

import (
	"log/slog"
	"net/http"

	"github.com/kristinday/ace/internal/adapter/github"
	"github.com/kristinday/ace/internal/adapter/llm"
	"github.com/kristinday/ace/internal/adapter/mcpconfig"
	"github.com/kristinday/ace/internal/adapter/notify"
	"github.com/kristinday/ace/internal/adapter/secrets"
	"github.com/kristinday/ace/internal/adapter/session"
	"github.com/kristinday/ace/internal/adapter/workspace"
	"github.com/kristinday/ace/internal/config"
	"github.com/kristinday/ace/internal/domain"
	"github.com/kristinday/ace/internal/usecase"
)

// Orchestrator bundles the wired core: one pool per requested target sharing
// the queue builder, workflow, and reclaimer.
type Orchestrator struct {
	Pools     map[domain.AgentTarget]*usecase.Pool
	Queue     *usecase.QueueBuilder
	Workflow  *usecase.Workflow
	Reclaimer *usecase.Reclaimer
	Status    domain.StatusReporter
	Sessions  domain.Sessions
	Notifier  domain.Notifier
}

// NewSecrets selects the credential resolver for the configured backend.
func NewSecrets(cfg config.Config, log *slog.Logger) domain.Secrets {
	if cfg.SecretsBackend == "secret-manager" {
		return secrets.NewManagerResolver(cfg.GCPProject, log)
	}
	return secrets.EnvResolver{}
}

// BuildOrchestrator wires adapters and usecases for the given pool targets.
func BuildOrchestrator(cfg config.Config, targets []domain.AgentTarget, log *slog.Logger) *Orchestrator {
	client := github.NewClient(cfg.GitHubAPIBaseURL, cfg.GitHubGraphQLURL, cfg.GitHubToken,
		github.WithHTTPClient(&http.Client{Timeout: cfg.GitHubAPITimeout}),
		github.WithRetry(cfg.GitHubAPIMaxRetries, cfg.GitHubAPIRetryBase, cfg.GitHubAPIRetryMax),
		github.WithLogger(log))
	board := github.NewBoard(client, log)
	issues := github.NewIssueService(client)
	status := github.NewStatusManager(issues, board, github.StatusManagerConfig{
		Org:             cfg.GitHubOrg,
		ProjectName:     cfg.GitHubProjectName,
		BlockedAssignee: cfg.BlockedAssignee,
		DisableComments: cfg.DisableIssueComments,
		DisableStatus:   cfg.DisableIssueStatus,
	}, log)

	workspaces := workspace.NewManager(cfg.AgentWorkspaceRoot, log)
	sessions := session.NewSupervisor(log)
	resolver := NewSecrets(cfg, log)
	mcp := mcpconfig.NewConfigurator(cfg.MCPServerName, cfg.MCPServerURL, log)

	chat := llm.NewClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.ManagerModel, llm.BackoffConfig{
		MaxElapsedTime:  cfg.LLMBackoffMaxElapsedTime,
		InitialInterval: cfg.LLMBackoffInitialInterval,
		MaxInterval:     cfg.LLMBackoffMaxInterval,
		Multiplier:      cfg.LLMBackoffMultiplier,
	}, log)
	builder := usecase.NewBuilder(chat)

	var advisor domain.Advisor
	if cfg.ManagerEnabled {
		advisor = usecase.NewManager(chat, issues, board, cfg.ManagerMaxTurns, log)
	}

	var notifier domain.Notifier
	if cfg.TwilioEnabled() {
		notifier = notify.NewTwilio(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, cfg.TwilioToNumber, log)
	}

	queue := usecase.NewQueueBuilder(board, issues, advisor, usecase.QueueConfig{
		Org:              cfg.GitHubOrg,
		ProjectName:      cfg.GitHubProjectName,
		RepoOwner:        cfg.GitHubRepoOwner,
		RepoName:         cfg.GitHubRepoName,
		AgentLabel:       cfg.GitHubAgentLabel,
		LocalAgentLabel:  cfg.GitHubLocalAgentLabel,
		RemoteAgentLabel: cfg.GitHubRemoteAgentLabel,
		ReadyStatus:      cfg.GitHubReadyStatus,
		ResumeInProgress: cfg.ResumeInProgressIssues,
	}, log)
	if cfg.MCPQueueEnabled {
		queue.SetReadySource(github.NewMCPSource(cfg.MCPServerURL, cfg.GitHubToken, log))
	}

	workflow := usecase.NewWorkflow(workspaces, sessions, builder, status, issues, resolver, mcp, chat, usecase.WorkflowConfig{
		RepoURL:          cfg.RepoCloneURL(),
		BaseBranch:       cfg.GitHubBaseBranch,
		ConventionsFile:  cfg.ConventionsFile,
		ContextLines:     cfg.PRContextLines,
		ExecutionMode:    cfg.AgentExecutionMode,
		MCPServerName:    cfg.MCPServerName,
		TokenSecretName:  cfg.GitHubTokenSecret,
		BlockedAssignee:  cfg.BlockedAssignee,
		PollInterval:     cfg.TaskPollInterval(),
		WaitTimeout:      cfg.TaskWaitTimeout(),
		NudgeEnabled:     cfg.TaskNudgeEnabled,
		NudgeAfter:       cfg.TaskNudgeAfter(),
		NudgeInterval:    cfg.TaskNudgeInterval(),
		NudgeMaxAttempts: cfg.TaskNudgeMaxAttempts,
		NudgeMaxRestarts: cfg.TaskNudgeMaxRestarts,
		NudgeMessage:     cfg.TaskNudgeMessage,
		ModelFor:         cfg.ModelFor,
		CLITemplate:      cfg.CLITemplateFor,
	}, log)

	reclaimer := usecase.NewReclaimer(cfg.AgentWorkspaceRoot, workspaces, sessions, usecase.ReclaimerConfig{
		Enabled:           cfg.CleanupEnabled,
		Interval:          cfg.CleanupInterval(),
		WorktreeRetention: cfg.WorktreeRetention(),
		TmuxRetention:     cfg.TmuxRetention(),
		OnlyDone:          cfg.CleanupOnlyDone,
		TmuxEnabled:       cfg.CleanupTmuxEnabled,
	}, log)

	pools := make(map[domain.AgentTarget]*usecase.Pool, len(targets))
	for _, target := range targets {
		pool := usecase.NewPool(target, cfg.MaxAgents, queue, workflow, reclaimer, notifier, log)
		pool.SetMaxIssuesPerRun(cfg.MaxIssuesPerRun)
		pools[target] = pool
	}

	return &Orchestrator{
		Pools:     pools,
		Queue:     queue,
		Workflow:  workflow,
		Reclaimer: reclaimer,
		Status:    status,
		Sessions:  sessions,
		Notifier:  notifier,
	}
}
