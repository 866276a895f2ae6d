package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/kadirpekel/a2abridge/pkg/apierr"
	"github.com/kadirpekel/a2abridge/pkg/protocol"
)

// ServeHTTP serves the JSON-RPC endpoint. tasks/sendSubscribe answers
// with an event stream; every other method with a single JSON response.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeResponse(w, protocol.NewError(nil, protocol.ParseError, "failed to read request body"))
		return
	}
	var req protocol.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeResponse(w, protocol.NewError(nil, protocol.ParseError, "invalid JSON"))
		return
	}
	if req.JSONRPC != protocol.JSONRPCVersion || req.Method == "" {
		writeResponse(w, protocol.NewError(req.ID, protocol.InvalidRequest, "invalid JSON-RPC request"))
		return
	}

	if req.Method == protocol.MethodTasksSendSubscribe {
		h.serveStream(w, r, &req)
		return
	}
	writeResponse(w, h.Dispatch(r.Context(), &req))
}

// Dispatch runs a non-streaming method and builds its response envelope.
func (h *Handler) Dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	var (
		result any
		err    error
	)
	switch req.Method {
	case protocol.MethodTasksSend:
		var params protocol.TaskSendParams
		if err = decodeParams(req.Params, &params); err == nil {
			result, err = h.Send(ctx, params)
		}
	case protocol.MethodTasksGet:
		var params protocol.TaskQueryParams
		if err = decodeParams(req.Params, &params); err == nil {
			result, err = h.Get(ctx, params)
		}
	case protocol.MethodTasksCancel:
		var params protocol.TaskIDParams
		if err = decodeParams(req.Params, &params); err == nil {
			result, err = h.Cancel(ctx, params)
		}
	case protocol.MethodTasksSendSubscribe:
		h.observe(req.Method, apierr.Validation("streaming requires an event stream"))
		return protocol.NewError(req.ID, protocol.UnsupportedOperation, "tasks/sendSubscribe must be called over HTTP with an event stream")
	default:
		h.observe(req.Method, apierr.Validation("unknown method"))
		return protocol.NewError(req.ID, protocol.MethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}

	h.observe(req.Method, err)
	if err != nil {
		logRPCError(req.Method, err)
		resp := protocol.NewError(req.ID, 0, "")
		resp.Error = apierr.RPCError(err)
		return resp
	}
	return protocol.NewResult(req.ID, result)
}

func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, req *protocol.Request) {
	var params protocol.TaskSendParams
	err := decodeParams(req.Params, &params)
	var events iter.Seq2[protocol.StreamEvent, error]
	if err == nil {
		events, err = h.SendSubscribe(r.Context(), params)
	}
	h.observe(req.Method, err)
	if err != nil {
		logRPCError(req.Method, err)
		resp := protocol.NewError(req.ID, 0, "")
		resp.Error = apierr.RPCError(err)
		writeResponse(w, resp)
		return
	}

	if h.onStream != nil {
		h.onStream(1)
		defer h.onStream(-1)
	}
	if err := WriteSSE(r.Context(), w, req.ID, events, h.keepAlive); err != nil {
		slog.Debug("Event stream ended early", "task", params.ID, "error", err)
	}
}

func (h *Handler) observe(method string, err error) {
	if h.onRPC != nil {
		h.onRPC(method, err)
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return apierr.MissingField("params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apierr.Validation("invalid params: %v", err)
	}
	return nil
}

func writeResponse(w http.ResponseWriter, resp *protocol.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to write RPC response", "error", err)
	}
}

func logRPCError(method string, err error) {
	e := apierr.From(err)
	switch e.Kind {
	case apierr.KindValidation, apierr.KindNotFound:
		slog.Debug("RPC rejected", "method", method, "code", e.Code, "error", err)
	default:
		slog.Error("RPC failed", "method", method, "code", e.Code, "error", err)
	}
}
