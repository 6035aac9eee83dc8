package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MailpitClient reads the inbox of a Mailpit container over its REST API.
type MailpitClient struct {
	baseURL string
	http    *http.Client
}

// NewMailpitClient returns a client for the API listening on host:port.
func NewMailpitClient(host string, port int) *MailpitClient {
	return &MailpitClient{
		baseURL: fmt.Sprintf("http://%s:%d/api/v1", host, port),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// MailpitMessage is a received message. HTML and Attachments are only filled
// in by Message.
type MailpitMessage struct {
	ID      string           `json:"ID"`
	From    MailpitAddress   `json:"From"`
	To      []MailpitAddress `json:"To"`
	Subject string           `json:"Subject"`
	Snippet string           `json:"Snippet"`

	HTML        string              `json:"HTML"`
	Attachments []MailpitAttachment `json:"Attachments"`
}

// MailpitAddress is one mailbox of a message header.
type MailpitAddress struct {
	Address string `json:"Address"`
	Name    string `json:"Name"`
}

// MailpitAttachment describes one attachment part.
type MailpitAttachment struct {
	FileName    string `json:"FileName"`
	ContentType string `json:"ContentType"`
	Size        int    `json:"Size"`
}

func (c *MailpitClient) call(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mailpit %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mailpit %s %s: status %d: %s", method, path, resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Messages lists the inbox, newest first.
func (c *MailpitClient) Messages(ctx context.Context) ([]MailpitMessage, error) {
	var list struct {
		Messages []MailpitMessage `json:"messages"`
	}
	if err := c.call(ctx, http.MethodGet, "/messages", &list); err != nil {
		return nil, err
	}
	return list.Messages, nil
}

// Message fetches one message including its body and attachments.
func (c *MailpitClient) Message(ctx context.Context, id string) (*MailpitMessage, error) {
	var msg MailpitMessage
	if err := c.call(ctx, http.MethodGet, "/message/"+id, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteAll empties the inbox.
func (c *MailpitClient) DeleteAll(ctx context.Context) error {
	return c.call(ctx, http.MethodDelete, "/messages", nil)
}

// WaitForMessages polls until the inbox holds at least count messages or
// timeout elapses. On timeout it returns what arrived so far with an error.
func (c *MailpitClient) WaitForMessages(ctx context.Context, count int, timeout time.Duration) ([]MailpitMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var (
		messages []MailpitMessage
		lastErr  error
	)
	for {
		m, err := c.Messages(ctx)
		if err == nil {
			messages = m
			if len(messages) >= count {
				return messages, nil
			}
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return messages, fmt.Errorf("waiting for %d messages, got %d (last error: %v)", count, len(messages), lastErr)
		case <-ticker.C:
		}
	}
}
