// Package protocol holds the wire types of the inbound task protocol:
// the JSON-RPC 2.0 envelope, task and message shapes, and the streaming
// event payloads carried over SSE.
package protocol

import "encoding/json"

// JSONRPCVersion is the only envelope version accepted.
const JSONRPCVersion = "2.0"

// Inbound task methods.
const (
	MethodTasksSend          = "tasks/send"
	MethodTasksSendSubscribe = "tasks/sendSubscribe"
	MethodTasksGet           = "tasks/get"
	MethodTasksCancel        = "tasks/cancel"
)

// Standard JSON-RPC error codes plus the task-protocol specific range.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	TaskNotFound           = -32001
	TaskNotCancelable      = -32002
	UnsupportedOperation   = -32004
	AuthenticationRequired = -32010
)

// Request is a JSON-RPC request envelope. ID is kept raw so it can be echoed
// back byte for byte, whether the caller used a string, a number or null.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// NewResult builds a success envelope echoing id.
func NewResult(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: echoID(id), Result: result}
}

// NewError builds an error envelope echoing id.
func NewError(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      echoID(id),
		Error:   &RPCError{Code: code, Message: message},
	}
}

func echoID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
