// Package notify delivers out-of-band operator notifications.
package notify

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kristinday/ace/internal/domain"
)

// Twilio sends SMS messages via the Twilio REST API. A zero-config notifier
// is a no-op so callers never need to branch on whether SMS is enabled.
type Twilio struct {
	httpc      *http.Client
	baseURL    string
	accountSID string
	authToken  string
	from       string
	to         string
	log        *slog.Logger
}

// NewTwilio builds an SMS notifier. Empty credentials disable delivery.
func NewTwilio(accountSID, authToken, from, to string, log *slog.Logger) *Twilio {
	if log == nil {
		log = slog.Default()
	}
	return &Twilio{
		httpc:      &http.Client{Timeout: 15 * time.Second},
		baseURL:    "https://api.twilio.com",
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		to:         to,
		log:        log,
	}
}

var _ domain.Notifier = (*Twilio)(nil)

// Enabled reports whether all delivery parameters are configured.
func (t *Twilio) Enabled() bool {
	return t.accountSID != "" && t.authToken != "" && t.from != "" && t.to != ""
}

// Notify sends the message as an SMS. Disabled notifiers log and return nil.
func (t *Twilio) Notify(ctx domain.Context, message string) error {
	if !t.Enabled() {
		t.log.Debug("sms notifier disabled, dropping message")
		return nil
	}
	form := url.Values{}
	form.Set("From", t.from)
	form.Set("To", t.to)
	form.Set("Body", message)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.baseURL, t.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("op=notify.Twilio: %w", err)
	}
	req.SetBasicAuth(t.accountSID, t.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("op=notify.Twilio: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("op=notify.Twilio status=%d body=%s", resp.StatusCode, body)
	}
	t.log.Info("sms notification sent")
	return nil
}
