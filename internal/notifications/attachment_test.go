package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleICS = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nEND:VCALENDAR\r\n"

type fakeAttachmentStore struct {
	objects map[string][]byte
	err     error
	keys    []string
}

func (s *fakeAttachmentStore) Fetch(_ context.Context, key string) ([]byte, string, error) {
	s.keys = append(s.keys, key)
	if s.err != nil {
		return nil, "", s.err
	}
	content, ok := s.objects[key]
	if !ok {
		return nil, "", errors.New("object not found")
	}
	return content, "text/calendar; charset=utf-8", nil
}

func TestResolveICS(t *testing.T) {
	store := &fakeAttachmentStore{objects: map[string][]byte{"events/e1.ics": []byte(sampleICS)}}

	tests := []struct {
		name            string
		raw             string
		wantNil         bool
		wantFilename    string
		wantContent     string
		wantContentType string
	}{
		{name: "absent", raw: "", wantNil: true},
		{name: "null", raw: "null", wantNil: true},
		{name: "empty string", raw: `"  "`, wantNil: true},
		{
			name:            "bare calendar string",
			raw:             mustJSON(t, sampleICS),
			wantFilename:    "event.ics",
			wantContent:     sampleICS,
			wantContentType: "text/calendar",
		},
		{
			name:            "inline plain content",
			raw:             `{"filename":"picnic.ics","content":"BEGIN:VCALENDAR"}`,
			wantFilename:    "picnic.ics",
			wantContent:     "BEGIN:VCALENDAR",
			wantContentType: "text/calendar",
		},
		{
			name:            "inline base64 content",
			raw:             `{"content":"QkVHSU46VkNBTEVOREFS","encoding":"base64","contentType":"text/calendar; method=PUBLISH"}`,
			wantFilename:    "event.ics",
			wantContent:     "BEGIN:VCALENDAR",
			wantContentType: "text/calendar; method=PUBLISH",
		},
		{
			name:            "object key",
			raw:             `{"objectKey":"events/e1.ics","filename":"e1.ics"}`,
			wantFilename:    "e1.ics",
			wantContent:     sampleICS,
			wantContentType: "text/calendar; charset=utf-8",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			att, err := resolveICS(context.Background(), json.RawMessage(tt.raw), store)
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, att)
				return
			}
			require.NotNil(t, att)
			assert.Equal(t, tt.wantFilename, att.Filename)
			assert.Equal(t, tt.wantContent, string(att.Content))
			assert.Equal(t, tt.wantContentType, att.ContentType)
		})
	}
}

func TestResolveICS_Errors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		store   AttachmentStore
		wantErr error
	}{
		{name: "malformed object", raw: `{"filename":`, wantErr: ErrAttachmentInvalid},
		{name: "no content or key", raw: `{"filename":"a.ics"}`, wantErr: ErrAttachmentInvalid},
		{name: "bad base64", raw: `{"content":"!!!","encoding":"base64"}`, wantErr: ErrAttachmentInvalid},
		{name: "object key without store", raw: `{"objectKey":"k"}`, wantErr: ErrAttachmentStoreMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolveICS(context.Background(), json.RawMessage(tt.raw), tt.store)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestResolveICS_StoreError(t *testing.T) {
	storeErr := errors.New("storage unavailable")
	store := &fakeAttachmentStore{err: storeErr}

	_, err := resolveICS(context.Background(), json.RawMessage(`{"objectKey":"events/e2.ics"}`), store)
	require.Error(t, err)
	assert.ErrorIs(t, err, storeErr)
	assert.Contains(t, err.Error(), "events/e2.ics")
	assert.Equal(t, []string{"events/e2.ics"}, store.keys)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
