// Package mattermost posts a summary of failed dispatch runs to a Mattermost
// incoming webhook.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/conclav/conclav-notify/internal/notifications"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultUsername = "Conclav Notify"
	maxFailureRows  = 20
	maxBodyInError  = 512

	colorPartial = "#f2c744"
	colorFailed  = "#d24b4e"
)

// Config holds the webhook settings. Only WebhookURL is required.
type Config struct {
	WebhookURL string
	Username   string
	IconURL    string
	Channel    string
	Timeout    time.Duration
}

// Reporter implements notifications.Reporter.
type Reporter struct {
	config Config
	client *http.Client
}

// NewReporter validates the webhook URL and fills in defaults.
func NewReporter(cfg Config) (*Reporter, error) {
	u, err := url.Parse(cfg.WebhookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("mattermost: invalid webhook url %q", redact(cfg.WebhookURL))
	}
	if cfg.Username == "" {
		cfg.Username = defaultUsername
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Reporter{config: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

type message struct {
	Username    string       `json:"username,omitempty"`
	IconURL     string       `json:"icon_url,omitempty"`
	Channel     string       `json:"channel,omitempty"`
	Attachments []attachment `json:"attachments"`
}

type attachment struct {
	Fallback string  `json:"fallback"`
	Color    string  `json:"color"`
	Title    string  `json:"title"`
	Text     string  `json:"text,omitempty"`
	Fields   []field `json:"fields"`
}

type field struct {
	Short bool   `json:"short"`
	Title string `json:"title"`
	Value string `json:"value"`
}

// ReportRun posts one message describing result. Failures are wrapped in
// notifications.RetryableError so callers can tell outages from bad config.
func (r *Reporter) ReportRun(ctx context.Context, result *notifications.RunResult) error {
	body, err := json.Marshal(message{
		Username:    r.config.Username,
		IconURL:     r.config.IconURL,
		Channel:     r.config.Channel,
		Attachments: []attachment{buildAttachment(result)},
	})
	if err != nil {
		return fmt.Errorf("mattermost: encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mattermost: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		// *url.Error repeats the full webhook URL, which embeds the secret.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return notifications.NewRetryableError(fmt.Errorf("mattermost: post to %s: %w", redact(r.config.WebhookURL), err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		slog.DebugContext(ctx, "run failure reported to mattermost", "run_id", result.RunID)
		return nil
	}
	return statusError(resp)
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyInError))
	err := fmt.Errorf("mattermost: webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= http.StatusInternalServerError:
		return notifications.NewRetryableError(err)
	case resp.StatusCode >= http.StatusBadRequest:
		return notifications.NewNonRetryableError(err)
	default:
		return err
	}
}

func buildAttachment(result *notifications.RunResult) attachment {
	color := colorPartial
	if result.Sent == 0 {
		color = colorFailed
	}

	title := fmt.Sprintf("Notification dispatch: %d of %d entries failed", result.Failed, result.Processed)
	return attachment{
		Fallback: title,
		Color:    color,
		Title:    title,
		Text:     failureTable(result.Failures),
		Fields: []field{
			{Short: true, Title: "Run", Value: "`" + result.RunID + "`"},
			{Short: true, Title: "Sent", Value: fmt.Sprint(result.Sent)},
			{Short: true, Title: "Retrying", Value: fmt.Sprint(result.Retrying)},
			{Short: true, Title: "Skipped", Value: fmt.Sprint(result.Skipped)},
		},
	}
}

func failureTable(failures []notifications.GroupFailure) string {
	if len(failures) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("| Group | Type | Entries | Retry | Error |\n|---|---|---|---|---|\n")
	for i, f := range failures {
		if i == maxFailureRows {
			fmt.Fprintf(&b, "\n_%d more failed groups not shown._\n", len(failures)-maxFailureRows)
			break
		}
		retry := "no"
		if f.Retrying {
			retry = "yes"
		}
		fmt.Fprintf(&b, "| `%s` | %s | %d | %s | %s |\n", f.GroupKey, f.Type, f.EntryCount, retry, tableCell(f.Error))
	}
	return b.String()
}

var cellReplacer = strings.NewReplacer("|", `\|`, "\r", " ", "\n", " ")

func tableCell(s string) string {
	return cellReplacer.Replace(s)
}

// redact keeps the scheme and host of a webhook URL. The path holds the secret.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<invalid>"
	}
	return u.Scheme + "://" + u.Host + "/..."
}
