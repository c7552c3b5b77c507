// Package notify delivers terminal-run notifications over email and
// webhooks, driving the per-channel retry state persisted on each run.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/basket/taskrun/internal/config"
	"github.com/basket/taskrun/internal/persistence"
)

// Sender delivers one notification for a run over a single channel.
// A non-nil error marks the attempt failed and schedules a retry.
type Sender interface {
	Channel() persistence.NotifyChannel
	Send(ctx context.Context, run *persistence.TaskRun) error
}

// WebhookSender POSTs a JSON summary of the finished run to the run's
// webhook URL. Any non-2xx response counts as a failed attempt.
type WebhookSender struct {
	client        *http.Client
	signingSecret string
}

func NewWebhookSender(cfg config.WebhookConfig) *WebhookSender {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		client:        &http.Client{Timeout: timeout},
		signingSecret: cfg.SigningSecret,
	}
}

func (w *WebhookSender) Channel() persistence.NotifyChannel {
	return persistence.ChannelWebhook
}

// webhookPayload is the wire shape POSTed to subscriber endpoints.
type webhookPayload struct {
	RunID          string     `json:"run_id"`
	TaskID         string     `json:"task_id"`
	Status         string     `json:"status"`
	ResultSummary  string     `json:"result_summary,omitempty"`
	Error          string     `json:"error,omitempty"`
	RuntimeSeconds int64      `json:"runtime_seconds,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func (w *WebhookSender) Send(ctx context.Context, run *persistence.TaskRun) error {
	if run.WebhookURL == "" {
		return fmt.Errorf("run %s has no webhook URL", run.ID)
	}

	body, err := json.Marshal(webhookPayload{
		RunID:          run.ID,
		TaskID:         run.TaskID,
		Status:         string(run.Status),
		ResultSummary:  run.ResultSummary,
		Error:          run.LastError,
		RuntimeSeconds: run.RuntimeSeconds,
		CompletedAt:    run.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, run.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.signingSecret != "" {
		mac := hmac.New(sha256.New, []byte(w.signingSecret))
		mac.Write(body)
		req.Header.Set("X-Taskrun-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook POST: %w", err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// EmailSender delivers a plain-text completion notice over SMTP.
type EmailSender struct {
	cfg config.SMTPConfig

	// sendMail is swappable for tests. Defaults to smtp.SendMail.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailSender(cfg config.SMTPConfig) *EmailSender {
	return &EmailSender{cfg: cfg, sendMail: smtp.SendMail}
}

func (e *EmailSender) Channel() persistence.NotifyChannel {
	return persistence.ChannelEmail
}

func (e *EmailSender) Send(ctx context.Context, run *persistence.TaskRun) error {
	if run.NotifyEmail == "" {
		return fmt.Errorf("run %s has no notify email", run.ID)
	}
	if e.cfg.Host == "" {
		return fmt.Errorf("smtp host not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}

	subject := fmt.Sprintf("Run %s %s", run.ID, strings.ToLower(string(run.Status)))
	var body strings.Builder
	fmt.Fprintf(&body, "Task: %s\r\nStatus: %s\r\n", run.TaskID, run.Status)
	if run.ResultSummary != "" {
		fmt.Fprintf(&body, "\r\n%s\r\n", run.ResultSummary)
	}
	if run.LastError != "" {
		fmt.Fprintf(&body, "\r\nError: %s\r\n", run.LastError)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s",
		e.cfg.From, run.NotifyEmail, subject, body.String())

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	if err := e.sendMail(addr, auth, e.cfg.From, []string{run.NotifyEmail}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
