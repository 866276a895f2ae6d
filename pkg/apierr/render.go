package apierr

import (
	"encoding/json"
	"net/http"

	"github.com/kadirpekel/a2abridge/pkg/protocol"
)

// UpstreamTimeoutMessage is the only text callers on the RPC surface see for
// an upstream timeout.
const UpstreamTimeoutMessage = "internal error: upstream timeout"

// HTTPStatus maps an error to a REST status code.
func HTTPStatus(err error) int {
	e := From(err)
	if e == nil {
		return http.StatusOK
	}
	switch e.Kind {
	case KindValidation:
		if e.Code == CodeTaskNotCancelable {
			return http.StatusConflict
		}
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstream:
		if e.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Body is the REST error body.
type Body struct {
	Error BodyError `json:"error"`
}

// BodyError is the inner object of Body.
type BodyError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Upstream string `json:"upstream,omitempty"`
}

// ToBody renders err as a REST body. Internal errors never expose their
// cause.
func ToBody(err error) Body {
	e := From(err)
	msg := e.Message
	if e.Kind == KindUpstream && e.Timeout {
		msg = "upstream timeout"
	}
	return Body{Error: BodyError{Code: e.Code, Message: msg, Upstream: e.Upstream}}
}

// WriteJSON writes err as a REST response.
func WriteJSON(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(ToBody(err))
}

// ToRPC maps an error to a JSON-RPC code and message. Transport detail from
// upstream failures is never rendered.
func ToRPC(err error) (int, string) {
	e := From(err)
	switch e.Kind {
	case KindValidation:
		if e.Code == CodeTaskNotCancelable {
			return protocol.TaskNotCancelable, e.Message
		}
		return protocol.InvalidParams, e.Message
	case KindNotFound:
		if e.Code == CodeTaskNotFound || e.Code == CodeNotFound {
			return protocol.TaskNotFound, e.Message
		}
		return protocol.InvalidParams, e.Message
	case KindAuthentication:
		return protocol.InternalError, "internal error: downstream authentication failed"
	case KindUpstream:
		if e.Timeout {
			return protocol.InternalError, UpstreamTimeoutMessage
		}
		if e.Upstream != "" {
			return protocol.InternalError, "upstream error: " + e.Upstream
		}
		return protocol.InternalError, "upstream error"
	default:
		return protocol.InternalError, "internal error"
	}
}

// RPCError renders err as a JSON-RPC error object.
func RPCError(err error) *protocol.RPCError {
	code, msg := ToRPC(err)
	return &protocol.RPCError{Code: code, Message: msg}
}
