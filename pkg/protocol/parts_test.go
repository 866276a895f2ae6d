package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenParts(t *testing.T) {
	tests := []struct {
		name  string
		parts []Part
		want  string
	}{
		{
			name:  "single text",
			parts: []Part{TextPart("hello")},
			want:  "hello",
		},
		{
			name:  "text parts joined with blank line",
			parts: []Part{TextPart("a"), TextPart("b")},
			want:  "a\n\nb",
		},
		{
			name: "data part",
			parts: []Part{
				{Type: PartTypeData, Data: map[string]any{"k": "v"}},
			},
			want: "[Structured Data]\n{\n  \"k\": \"v\"\n}",
		},
		{
			name: "file part",
			parts: []Part{
				{Type: PartTypeFile, File: &FileContent{Name: "a.pdf", MimeType: "application/pdf"}},
			},
			want: "[File: a.pdf, type: application/pdf]",
		},
		{
			name: "mixed",
			parts: []Part{
				TextPart("see attached"),
				{Type: PartTypeFile, File: &FileContent{Name: "x.png", MimeType: "image/png"}},
			},
			want: "see attached\n\n[File: x.png, type: image/png]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FlattenParts(tt.parts))
		})
	}
}

func TestArtifactsText(t *testing.T) {
	arts := []Artifact{
		{Parts: []Part{TextPart("one")}},
		{Parts: []Part{TextPart("two"), {Type: PartTypeData, Data: map[string]any{}}}},
	}
	assert.Equal(t, "one\n\ntwo", ArtifactsText(arts))
	assert.Equal(t, "", ArtifactsText(nil))
}

func TestResponseEchoesID(t *testing.T) {
	resp := NewError(json.RawMessage(`"req-7"`), InvalidParams, "bad")
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"req-7","error":{"code":-32602,"message":"bad"}}`, string(b))

	resp = NewResult(nil, map[string]string{"ok": "yes"})
	b, err = json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"result":{"ok":"yes"}}`, string(b))
}

func TestStreamEventName(t *testing.T) {
	st := StatusEvent("t1", NewStatus("working", nil), false)
	assert.Equal(t, EventStatus, st.Name())
	assert.False(t, st.Final())

	art := ArtifactEvent("t1", Artifact{Index: 0})
	assert.Equal(t, EventArtifact, art.Name())
	assert.False(t, art.Final())
}
