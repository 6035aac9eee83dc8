package email

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/conclav/conclav-notify/internal/notifications"
	"github.com/resend/resend-go/v3"
)

// ResendConfig holds Resend transport configuration.
type ResendConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string
	Timeout time.Duration
}

// ResendTransport sends email through the Resend HTTP API.
type ResendTransport struct {
	client *resend.Client
}

// NewResendTransport creates a new Resend transport.
func NewResendTransport(config ResendConfig) (*ResendTransport, error) {
	if config.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	httpClient := &http.Client{
		Timeout:   config.Timeout,
		Transport: &statusRecorder{next: http.DefaultTransport},
	}
	client := resend.NewCustomClient(httpClient, config.APIKey)

	if config.BaseURL != "" {
		base := config.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse resend base url: %w", err)
		}
		client.BaseURL = u
	}

	slog.Info("resend transport configured", "base_url", client.BaseURL.String())

	return &ResendTransport{client: client}, nil
}

// Name returns the transport name.
func (t *ResendTransport) Name() string {
	return "resend"
}

// Send delivers msg through the Resend API. Non-success answers are returned
// as *TransportError carrying the provider's status and message.
func (t *ResendTransport) Send(ctx context.Context, msg notifications.Message) error {
	req := &resend.SendEmailRequest{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
	}
	for _, att := range msg.Attachments {
		req.Attachments = append(req.Attachments, &resend.Attachment{
			Content:     att.Content,
			Filename:    att.Filename,
			ContentType: att.ContentType,
		})
	}

	status := &responseStatus{}
	ctx = context.WithValue(ctx, responseStatusKey{}, status)

	resp, err := t.client.Emails.SendWithContext(ctx, req)
	if err != nil {
		return &TransportError{
			Provider:   t.Name(),
			StatusCode: status.code,
			Payload:    strings.TrimPrefix(err.Error(), "[ERROR]: "),
			Err:        err,
		}
	}

	slog.Debug("email accepted by resend", "email_id", resp.Id)
	return nil
}

type responseStatusKey struct{}

type responseStatus struct {
	code int
}

// statusRecorder stores the HTTP status of the last response in the
// request context, because the resend client does not expose it on errors.
type statusRecorder struct {
	next http.RoundTripper
}

func (s *statusRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := s.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if holder, ok := req.Context().Value(responseStatusKey{}).(*responseStatus); ok {
		holder.code = resp.StatusCode
	}
	return resp, nil
}
