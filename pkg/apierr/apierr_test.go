package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/a2abridge/pkg/protocol"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("bad"), http.StatusBadRequest},
		{"missing field", MissingField("message"), http.StatusBadRequest},
		{"auth", Authentication(nil, "denied"), http.StatusUnauthorized},
		{"not found", NotFound(CodeAgentNotFound, "no agent"), http.StatusNotFound},
		{"upstream", Upstream("remote", errors.New("boom"), "call failed"), http.StatusBadGateway},
		{"upstream timeout", Upstream("remote", context.DeadlineExceeded, "call failed"), http.StatusGatewayTimeout},
		{"not cancelable", NotCancelable("t1"), http.StatusConflict},
		{"plain error", errors.New("oops"), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("ctx: %w", Validation("bad")), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestToRPC(t *testing.T) {
	code, msg := ToRPC(Validation("message must have at least one part"))
	assert.Equal(t, protocol.InvalidParams, code)
	assert.Equal(t, "message must have at least one part", msg)

	code, _ = ToRPC(NotFound(CodeTaskNotFound, "task x not found"))
	assert.Equal(t, protocol.TaskNotFound, code)

	code, _ = ToRPC(NotCancelable("t"))
	assert.Equal(t, protocol.TaskNotCancelable, code)

	code, msg = ToRPC(Upstream("agentforce", fmt.Errorf("dial: %w", context.DeadlineExceeded), "send"))
	assert.Equal(t, protocol.InternalError, code)
	assert.Equal(t, UpstreamTimeoutMessage, msg)

	_, msg = ToRPC(Upstream("agentforce", errors.New("connection refused 10.0.0.1:443"), "send"))
	assert.Equal(t, "upstream error: agentforce", msg)
	assert.NotContains(t, msg, "10.0.0.1")

	_, msg = ToRPC(errors.New("secret detail"))
	assert.Equal(t, "internal error", msg)
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, Upstream("travel", errors.New("503"), "remote agent failed"))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var body Body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeUpstream, body.Error.Code)
	assert.Equal(t, "travel", body.Error.Upstream)
	assert.Equal(t, "remote agent failed", body.Error.Message)
}

func TestFromKeepsClassification(t *testing.T) {
	orig := MissingField("alias")
	wrapped := fmt.Errorf("delegate: %w", orig)

	assert.Same(t, orig, From(wrapped))
	assert.True(t, Is(wrapped, KindValidation))
	assert.False(t, Is(wrapped, KindUpstream))
	assert.Nil(t, From(nil))
}
