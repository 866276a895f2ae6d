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

// Package bridge implements the inbound task methods on top of a
// session-oriented backend.
//
// Every inbound context is mapped to one backend session. A task is one
// turn of that session: the message parts are flattened into text, sent
// with the next sequence number, and the reply is classified into a task
// state that is cached on the mapping for tasks/get.
package bridge

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/a2abridge/pkg/activity"
	"github.com/kadirpekel/a2abridge/pkg/apierr"
	"github.com/kadirpekel/a2abridge/pkg/auth"
	"github.com/kadirpekel/a2abridge/pkg/classifier"
	"github.com/kadirpekel/a2abridge/pkg/downstream"
	"github.com/kadirpekel/a2abridge/pkg/protocol"
	"github.com/kadirpekel/a2abridge/pkg/session"
	"github.com/kadirpekel/a2abridge/pkg/translate"
)

const tracerName = "github.com/kadirpekel/a2abridge/pkg/bridge"

// DefaultKeepAlive is the interval of SSE keep-alive comments.
const DefaultKeepAlive = 15 * time.Second

// ArtifactName names the artifact carrying a backend reply.
const ArtifactName = "response"

// persistTimeout bounds the final state write of a stream, which runs after
// the caller may already be gone.
const persistTimeout = 10 * time.Second

// Backend is the session-oriented agent the bridge talks to.
type Backend interface {
	Name() string
	CreateSession(ctx context.Context) (string, error)
	DeleteSession(ctx context.Context, sessionID string) error
	SendMessage(ctx context.Context, sessionID string, seq int64, text string) (*downstream.Reply, error)
	StreamMessage(ctx context.Context, sessionID string, seq int64, text string) iter.Seq2[downstream.Event, error]
}

// Handler serves tasks/send, tasks/get, tasks/cancel and
// tasks/sendSubscribe.
type Handler struct {
	sessions   *session.Manager
	backend    Backend
	classifier classifier.Classifier
	recorder   *activity.Recorder
	agentID    string
	keepAlive  time.Duration
	maxBody    int64
	tracer     trace.Tracer

	onRPC    func(method string, err error)
	onStream func(delta int)
}

// Option configures a Handler.
type Option func(*Handler)

// WithClassifier replaces the reply classifier.
func WithClassifier(c classifier.Classifier) Option {
	return func(h *Handler) { h.classifier = c }
}

// WithRecorder records every finished turn.
func WithRecorder(r *activity.Recorder) Option {
	return func(h *Handler) { h.recorder = r }
}

// WithAgentID stamps mappings with the backend agent id.
func WithAgentID(id string) Option {
	return func(h *Handler) { h.agentID = id }
}

// WithKeepAlive sets the SSE keep-alive interval.
func WithKeepAlive(d time.Duration) Option {
	return func(h *Handler) { h.keepAlive = d }
}

// WithMaxBodyBytes caps the size of an RPC request body.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) { h.maxBody = n }
}

// WithRPCObserver is told about every finished RPC method.
func WithRPCObserver(fn func(method string, err error)) Option {
	return func(h *Handler) { h.onRPC = fn }
}

// WithStreamObserver is called with +1 when a stream opens and -1 when it
// closes.
func WithStreamObserver(fn func(delta int)) Option {
	return func(h *Handler) { h.onStream = fn }
}

// NewHandler creates a handler.
func NewHandler(sessions *session.Manager, backend Backend, opts ...Option) *Handler {
	h := &Handler{
		sessions:   sessions,
		backend:    backend,
		classifier: classifier.MustHeuristic(),
		keepAlive:  DefaultKeepAlive,
		maxBody:    4 << 20,
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// turn is a validated inbound message bound to its session.
type turn struct {
	taskID  string
	mapping *session.Mapping
	seq     int64
	text    string
}

// begin validates params and resolves the session, creating the backend
// session on the first message of a context.
func (h *Handler) begin(ctx context.Context, params protocol.TaskSendParams) (*turn, error) {
	if len(params.Message.Parts) == 0 {
		return nil, apierr.Validation("message must contain at least one part")
	}
	text := protocol.FlattenParts(params.Message.Parts)

	taskID := params.ID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	p := session.Params{ContextID: params.SessionID, AgentID: h.agentID, TenantID: auth.TenantFromContext(ctx)}

	mapping, created, err := h.sessions.GetOrCreate(ctx, p, h.backend.CreateSession)
	if err != nil {
		return nil, asError(err)
	}
	if created {
		slog.Info("Opened backend session", "context_id", mapping.ContextID, "session", mapping.DownstreamSessionID)
	}
	if err := h.sessions.AddTask(ctx, mapping.ContextID, taskID); err != nil {
		return nil, asError(err)
	}
	seq, err := h.sessions.NextSequenceID(ctx, mapping.ContextID)
	if err != nil {
		return nil, asError(err)
	}
	return &turn{taskID: taskID, mapping: mapping, seq: seq, text: text}, nil
}

// Send runs one synchronous turn.
func (h *Handler) Send(ctx context.Context, params protocol.TaskSendParams) (task *protocol.Task, err error) {
	ctx, span := h.tracer.Start(ctx, "bridge.Send")
	defer func() { endSpan(span, err) }()
	started := time.Now()

	t, err := h.begin(ctx, params)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("bridge.task_id", t.taskID),
		attribute.String("bridge.context_id", t.mapping.ContextID),
		attribute.Int64("bridge.sequence_id", t.seq),
	)

	reply, err := h.backend.SendMessage(ctx, t.mapping.DownstreamSessionID, t.seq, t.text)
	if err != nil {
		status := protocol.NewStatus(a2a.TaskStateFailed, nil)
		h.persist(ctx, t.mapping.ContextID, status, nil)
		h.record(ctx, activity.KindSend, t, status.State, "", err, started)
		return nil, asError(err)
	}

	state := h.classifier.Classify(ctx, reply.Text)
	status := protocol.NewStatus(state, nil)
	if state == a2a.TaskStateInputRequired {
		status.Message = protocol.AgentText(reply.Text)
	}
	var artifacts []protocol.Artifact
	if reply.Text != "" {
		artifacts = []protocol.Artifact{{
			Name:  ArtifactName,
			Parts: []protocol.Part{protocol.TextPart(reply.Text)},
		}}
	}

	if err := h.sessions.UpdateState(ctx, t.mapping.ContextID, status, artifacts); err != nil {
		return nil, asError(err)
	}
	h.record(ctx, activity.KindSend, t, state, reply.Text, nil, started)

	return &protocol.Task{
		ID:        t.taskID,
		SessionID: t.mapping.ContextID,
		Status:    status,
		Artifacts: artifacts,
		Metadata:  params.Metadata,
	}, nil
}

// Get returns the last known state of a task.
func (h *Handler) Get(ctx context.Context, params protocol.TaskQueryParams) (*protocol.Task, error) {
	if params.ID == "" {
		return nil, apierr.MissingField("id")
	}
	m, err := h.lookup(ctx, params.ID)
	if err != nil {
		return nil, err
	}
	task := &protocol.Task{
		ID:        params.ID,
		SessionID: m.ContextID,
		Artifacts: m.LastArtifacts,
	}
	if m.LastStatus != nil {
		task.Status = *m.LastStatus
	} else {
		task.Status = protocol.TaskStatus{State: a2a.TaskStateSubmitted, Timestamp: m.CreatedAt}
	}
	return task, nil
}

// Cancel ends the task's session. Only tasks of an active session can be
// canceled.
func (h *Handler) Cancel(ctx context.Context, params protocol.TaskIDParams) (task *protocol.Task, err error) {
	ctx, span := h.tracer.Start(ctx, "bridge.Cancel", trace.WithAttributes(attribute.String("bridge.task_id", params.ID)))
	defer func() { endSpan(span, err) }()
	started := time.Now()

	if params.ID == "" {
		return nil, apierr.MissingField("id")
	}
	m, err := h.lookup(ctx, params.ID)
	if err != nil {
		return nil, err
	}
	if !m.Active() {
		return nil, apierr.NotCancelable(params.ID)
	}

	if err := h.backend.DeleteSession(ctx, m.DownstreamSessionID); err != nil {
		slog.Warn("Failed to end backend session", "context_id", m.ContextID, "session", m.DownstreamSessionID, "error", err)
	}
	if err := h.sessions.Close(ctx, m.ContextID, session.ReasonCompleted); err != nil {
		return nil, asError(err)
	}
	status := protocol.NewStatus(a2a.TaskStateCanceled, nil)
	h.persist(ctx, m.ContextID, status, nil)
	h.record(ctx, activity.KindCancel, &turn{taskID: params.ID, mapping: m}, status.State, "", nil, started)

	return &protocol.Task{ID: params.ID, SessionID: m.ContextID, Status: status}, nil
}

// SendSubscribe starts a streaming turn. Validation and session errors are
// returned before any event. The sequence starts with a submitted status,
// then carries the translated backend events, and ends with a final
// status. Backend failures are delivered as a final failed status.
//
// The backend call lives on ctx: when the caller goes away the backend
// stream is aborted.
func (h *Handler) SendSubscribe(ctx context.Context, params protocol.TaskSendParams) (iter.Seq2[protocol.StreamEvent, error], error) {
	t, err := h.begin(ctx, params)
	if err != nil {
		return nil, err
	}
	return h.stream(ctx, t), nil
}

func (h *Handler) stream(ctx context.Context, t *turn) iter.Seq2[protocol.StreamEvent, error] {
	return func(yield func(protocol.StreamEvent, error) bool) {
		ctx, span := h.tracer.Start(ctx, "bridge.SendSubscribe", trace.WithAttributes(
			attribute.String("bridge.task_id", t.taskID),
			attribute.String("bridge.context_id", t.mapping.ContextID),
			attribute.Int64("bridge.sequence_id", t.seq),
		))
		started := time.Now()

		tr := translate.New(t.taskID)
		var (
			last    *protocol.TaskStatus
			failure error
		)
		defer func() {
			status, artifacts := h.finalState(ctx, last, failure, tr.Artifacts())
			h.persist(ctx, t.mapping.ContextID, status, artifacts)
			h.record(ctx, activity.KindStream, t, status.State, tr.Text(), failure, started)
			endSpan(span, failure)
		}()

		submitted := protocol.StatusEvent(t.taskID, protocol.NewStatus(a2a.TaskStateSubmitted, nil), false)
		if !yield(submitted, nil) {
			return
		}

		events := h.backend.StreamMessage(ctx, t.mapping.DownstreamSessionID, t.seq, t.text)
		for ev, err := range tr.Stream(events) {
			if err != nil {
				failure = err
				if ctx.Err() != nil {
					return
				}
				status := protocol.NewStatus(a2a.TaskStateFailed, protocol.AgentText(streamFailureText(err)))
				last = &status
				yield(protocol.StatusEvent(t.taskID, status, true), nil)
				return
			}
			if ev.Status != nil {
				st := ev.Status.Status
				last = &st
			}
			if !yield(ev, nil) {
				return
			}
		}
		if (last == nil || !last.State.Terminal()) && ctx.Err() == nil {
			failure = errors.New("backend stream ended without a final event")
			status := protocol.NewStatus(a2a.TaskStateFailed, protocol.AgentText("upstream error: stream ended early"))
			last = &status
			yield(protocol.StatusEvent(t.taskID, status, true), nil)
		}
	}
}

// finalState decides what a finished stream leaves in the cache. A stream
// that ended without a final status is canceled when the caller left and
// failed otherwise.
func (h *Handler) finalState(ctx context.Context, last *protocol.TaskStatus, failure error, artifacts []protocol.Artifact) (protocol.TaskStatus, []protocol.Artifact) {
	if last != nil && last.State.Terminal() {
		return *last, artifacts
	}
	if ctx.Err() != nil || failure == nil {
		return protocol.NewStatus(a2a.TaskStateCanceled, nil), artifacts
	}
	return protocol.NewStatus(a2a.TaskStateFailed, protocol.AgentText(streamFailureText(failure))), artifacts
}

func (h *Handler) lookup(ctx context.Context, taskID string) (*session.Mapping, error) {
	m, err := h.sessions.GetByTaskID(ctx, taskID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, apierr.NotFound(apierr.CodeTaskNotFound, "task %s not found", taskID)
	}
	if err != nil {
		return nil, asError(err)
	}
	return m, nil
}

// persist caches the final state of a turn. It runs detached from ctx so
// that a departed caller still leaves a consistent record.
func (h *Handler) persist(ctx context.Context, contextID string, status protocol.TaskStatus, artifacts []protocol.Artifact) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := h.sessions.UpdateState(ctx, contextID, status, artifacts); err != nil {
		slog.Error("Failed to save task state", "context_id", contextID, "state", status.State, "error", err)
	}
}

func (h *Handler) record(ctx context.Context, kind string, t *turn, state a2a.TaskState, output string, err error, started time.Time) {
	if h.recorder == nil {
		return
	}
	e := activity.Entry{
		Kind:      kind,
		ContextID: t.mapping.ContextID,
		TaskID:    t.taskID,
		Agent:     h.backend.Name(),
		TenantID:  t.mapping.TenantID,
		State:     string(state),
		Input:     t.text,
		Output:    output,
		Duration:  time.Since(started),
	}
	if err != nil {
		e.Error = err.Error()
	}
	h.recorder.Record(context.WithoutCancel(ctx), e)
}

// asError classifies storage and unexpected failures as internal errors
// and passes classified errors through.
func asError(err error) error {
	var e *apierr.Error
	if errors.As(err, &e) {
		return e
	}
	return apierr.Internal(err)
}

func streamFailureText(err error) string {
	_, msg := apierr.ToRPC(asError(err))
	return msg
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
