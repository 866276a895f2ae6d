// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package protocol

import (
	"time"

	"github.com/a2aproject/a2a-go/a2a"
)

// Part types.
const (
	PartTypeText = "text"
	PartTypeData = "data"
	PartTypeFile = "file"
)

// Message roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Part is one content part of a message or artifact. Exactly one of Text,
// Data or File is meaningful, selected by Type.
type Part struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	File     *FileContent   `json:"file,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FileContent references a file either inline (Bytes, base64) or by URI.
type FileContent struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// TextPart returns a text part.
func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// Message is a single turn exchanged with an agent.
type Message struct {
	Role     string         `json:"role"`
	Parts    []Part         `json:"parts"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AgentText builds a single-part agent message.
func AgentText(text string) *Message {
	return &Message{Role: RoleAgent, Parts: []Part{TextPart(text)}}
}

// TaskStatus is a task state with an optional message.
type TaskStatus struct {
	State     a2a.TaskState `json:"state"`
	Message   *Message      `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewStatus stamps a status with the current time.
func NewStatus(state a2a.TaskState, msg *Message) TaskStatus {
	return TaskStatus{State: state, Message: msg, Timestamp: time.Now().UTC()}
}

// Artifact is a piece of task output. During streaming, Append marks a chunk
// that extends the artifact at Index and LastChunk closes it.
type Artifact struct {
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parts       []Part         `json:"parts"`
	Index       int            `json:"index"`
	Append      bool           `json:"append,omitempty"`
	LastChunk   bool           `json:"lastChunk,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Task is the caller-facing unit of work.
type Task struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Status    TaskStatus     `json:"status"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	History   []Message      `json:"history,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskSendParams are the params of tasks/send and tasks/sendSubscribe.
// SessionID carries the caller's context identifier.
type TaskSendParams struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId,omitempty"`
	Message   Message        `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskQueryParams are the params of tasks/get.
type TaskQueryParams struct {
	ID            string `json:"id"`
	HistoryLength int    `json:"historyLength,omitempty"`
}

// TaskIDParams are the params of tasks/cancel.
type TaskIDParams struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Stream event names used as SSE event types.
const (
	EventStatus   = "status"
	EventArtifact = "artifact"
)

// TaskStatusUpdateEvent reports a state transition during streaming.
type TaskStatusUpdateEvent struct {
	ID     string     `json:"id"`
	Status TaskStatus `json:"status"`
	Final  bool       `json:"final"`
}

// TaskArtifactUpdateEvent carries an artifact chunk during streaming.
type TaskArtifactUpdateEvent struct {
	ID       string   `json:"id"`
	Artifact Artifact `json:"artifact"`
}

// StreamEvent is one translated streaming event. Exactly one of Status and
// Artifact is set.
type StreamEvent struct {
	Status   *TaskStatusUpdateEvent
	Artifact *TaskArtifactUpdateEvent
}

// Name returns the SSE event type of the event.
func (e StreamEvent) Name() string {
	if e.Artifact != nil {
		return EventArtifact
	}
	return EventStatus
}

// Payload returns the value to be serialized in the SSE data line.
func (e StreamEvent) Payload() any {
	if e.Artifact != nil {
		return e.Artifact
	}
	return e.Status
}

// Final reports whether the event closes the stream.
func (e StreamEvent) Final() bool {
	return e.Status != nil && e.Status.Final
}

// StatusEvent builds a status stream event.
func StatusEvent(taskID string, status TaskStatus, final bool) StreamEvent {
	return StreamEvent{Status: &TaskStatusUpdateEvent{ID: taskID, Status: status, Final: final}}
}

// ArtifactEvent builds an artifact stream event.
func ArtifactEvent(taskID string, artifact Artifact) StreamEvent {
	return StreamEvent{Artifact: &TaskArtifactUpdateEvent{ID: taskID, Artifact: artifact}}
}
