package httpserver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/kristinday/ace/internal/domain"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// webhookEvent is the subset of the GitHub event payload the orchestrator
// reacts to. Unknown fields are ignored.
type webhookEvent struct {
	Action string `json:"action"`
	Issue  struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		State  string `json:"state"`
	} `json:"issue"`
	Comment struct {
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"comment"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

// deliveryID normalizes the X-GitHub-Delivery GUID; malformed or absent ids
// map to the empty string rather than polluting log labels.
func deliveryID(r *http.Request) string {
	id, err := uuid.Parse(r.Header.Get("X-GitHub-Delivery"))
	if err != nil {
		return ""
	}
	return id.String()
}

// verifySignature checks the X-Hub-Signature-256 header against the body.
func verifySignature(secret string, body []byte, header string) bool {
	if secret == "" {
		// unset secret accepts everything; intended for local development only
		return true
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(sig))
}

// WebhookHandler receives GitHub webhooks. Board-relevant events queue an
// immediate scheduling pass; a BLOCKED comment propagates to the board.
func (s *Server) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !verifySignature(s.WebhookSecret, body, r.Header.Get("X-Hub-Signature-256")) {
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
				Code: "INVALID_SIGNATURE", Message: "webhook signature mismatch",
			}})
			return
		}

		eventType := r.Header.Get("X-GitHub-Event")
		switch eventType {
		case "issues", "issue_comment":
		case "ping":
			writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
			return
		default:
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "event": eventType})
			return
		}

		var event webhookEvent
		if err := json.Unmarshal(body, &event); err != nil {
			writeError(w, r, err)
			return
		}
		log := LoggerFrom(r).With(
			slog.String("event", eventType),
			slog.String("action", event.Action),
			slog.Int("issue", event.Issue.Number),
			slog.String("delivery", deliveryID(r)))
		log.Info("webhook received")

		if eventType == "issue_comment" && event.Action == "created" &&
			strings.HasPrefix(strings.TrimSpace(event.Comment.Body), "BLOCKED") {
			s.markBlockedFromComment(event, log)
		}

		// a board change may have made new items admissible
		s.kickPools(log)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	}
}

func (s *Server) markBlockedFromComment(event webhookEvent, log *slog.Logger) {
	if s.Status == nil {
		return
	}
	item := domain.WorkItem{
		Kind:      domain.WorkKindReady,
		RepoOwner: event.Repository.Owner.Login,
		RepoName:  event.Repository.Name,
		Number:    event.Issue.Number,
		Title:     event.Issue.Title,
		State:     event.Issue.State,
	}
	go func() {
		if err := s.Status.MarkBlocked(context.Background(), item, []string{event.Comment.Body}); err != nil {
			log.Warn("blocked propagation failed", slog.String("error", err.Error()))
		}
	}()
}

// kickPools runs one scheduling pass per pool in the background.
func (s *Server) kickPools(log *slog.Logger) {
	for target, pool := range s.Pools {
		go func(target domain.AgentTarget, pool PoolHandle) {
			if _, err := pool.ProcessWorkQueue(context.Background()); err != nil {
				log.Warn("webhook-triggered pass failed",
					slog.String("target", string(target)),
					slog.String("error", err.Error()))
			}
		}(target, pool)
	}
}
