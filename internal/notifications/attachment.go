package notifications

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	defaultICSFilename    = "event.ics"
	defaultICSContentType = "text/calendar"
)

type icsAttachment struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
	Encoding    string `json:"encoding"`
	ObjectKey   string `json:"objectKey"`
}

// resolveICS turns metadata.icsAttachment into an Attachment. It returns nil
// when the metadata has no attachment.
func resolveICS(ctx context.Context, raw json.RawMessage, store AttachmentStore) (*Attachment, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	// Bare string: the calendar document itself.
	if raw[0] == '"' {
		var content string
		if err := json.Unmarshal(raw, &content); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAttachmentInvalid, err)
		}
		if strings.TrimSpace(content) == "" {
			return nil, nil
		}
		return &Attachment{
			Filename:    defaultICSFilename,
			Content:     []byte(content),
			ContentType: defaultICSContentType,
		}, nil
	}

	var ref icsAttachment
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttachmentInvalid, err)
	}

	att := &Attachment{
		Filename:    ref.Filename,
		ContentType: ref.ContentType,
	}

	switch {
	case ref.ObjectKey != "":
		if store == nil {
			return nil, ErrAttachmentStoreMissing
		}
		content, contentType, err := store.Fetch(ctx, ref.ObjectKey)
		if err != nil {
			return nil, fmt.Errorf("fetch attachment %s: %w", ref.ObjectKey, err)
		}
		att.Content = content
		if att.ContentType == "" {
			att.ContentType = contentType
		}
	case ref.Content != "":
		if strings.EqualFold(ref.Encoding, "base64") {
			decoded, err := base64.StdEncoding.DecodeString(ref.Content)
			if err != nil {
				return nil, fmt.Errorf("%w: decode base64: %v", ErrAttachmentInvalid, err)
			}
			att.Content = decoded
		} else {
			att.Content = []byte(ref.Content)
		}
	default:
		return nil, fmt.Errorf("%w: neither content nor objectKey set", ErrAttachmentInvalid)
	}

	if att.Filename == "" {
		att.Filename = defaultICSFilename
	}
	if att.ContentType == "" {
		att.ContentType = defaultICSContentType
	}
	return att, nil
}
