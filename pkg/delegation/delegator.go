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

package delegation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/kadirpekel/a2abridge/pkg/activity"
	"github.com/kadirpekel/a2abridge/pkg/apierr"
	"github.com/kadirpekel/a2abridge/pkg/auth"
	"github.com/kadirpekel/a2abridge/pkg/httpclient"
	"github.com/kadirpekel/a2abridge/pkg/protocol"
	"github.com/kadirpekel/a2abridge/pkg/session"
)

const tracerName = "github.com/kadirpekel/a2abridge/pkg/delegation"

// SessionPrefix marks a mapping whose "backend session" is a delegate.
const SessionPrefix = "delegate:"

// maxResponseBytes caps a delegate's response body.
const maxResponseBytes = 8 << 20

// Resolver fetches agent cards.
type Resolver interface {
	Resolve(ctx context.Context, baseURL string) (*a2a.AgentCard, error)
}

// Request is one delegated message.
type Request struct {
	Alias string
	Text  string
	// ContextID continues an earlier conversation; empty starts a new one.
	ContextID string
}

// Result is the delegate's answer.
type Result struct {
	ContextID string        `json:"contextId"`
	TaskID    string        `json:"taskId"`
	State     a2a.TaskState `json:"state"`
	Text      string        `json:"text"`
}

// Delegator sends requests to registered agents and keeps their
// conversations in the session store.
type Delegator struct {
	registry *Registry
	resolver Resolver
	sessions *session.Manager
	client   *httpclient.Client
	recorder *activity.Recorder
	tracer   trace.Tracer

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures a Delegator.
type Option func(*Delegator)

// WithClient replaces the HTTP client used to call delegates.
func WithClient(c *httpclient.Client) Option {
	return func(d *Delegator) { d.client = c }
}

// WithRecorder records every delegated turn.
func WithRecorder(r *activity.Recorder) Option {
	return func(d *Delegator) { d.recorder = r }
}

// NewDelegator creates a delegator.
func NewDelegator(registry *Registry, resolver Resolver, sessions *session.Manager, opts ...Option) *Delegator {
	d := &Delegator{
		registry: registry,
		resolver: resolver,
		sessions: sessions,
		tracer:   otel.Tracer(tracerName),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = httpclient.New(httpclient.WithName("delegation"), httpclient.WithMaxRetries(1))
	}
	return d
}

// Registry returns the agent registry.
func (d *Delegator) Registry() *Registry {
	return d.registry
}

// Delegate sends req.Text to the agent registered as req.Alias. Unknown
// aliases and missing fields are caller errors; anything the remote agent
// does wrong is an upstream error.
func (d *Delegator) Delegate(ctx context.Context, req Request) (res *Result, err error) {
	ctx, span := d.tracer.Start(ctx, "delegation.Delegate", trace.WithAttributes(attribute.String("delegation.alias", req.Alias)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	started := time.Now()

	if req.Alias == "" {
		return nil, apierr.MissingField("alias")
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, apierr.MissingField("message")
	}
	agent, err := d.registry.GetAgent(req.Alias)
	if errors.Is(err, ErrAgentNotFound) {
		return nil, apierr.NotFound(apierr.CodeAgentNotFound, "agent %q is not registered", req.Alias)
	}
	if err != nil {
		return nil, apierr.Internal(err)
	}

	if agent.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, agent.Timeout)
		defer cancel()
	}
	if lim := d.limiter(agent); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, apierr.Upstream(agent.Alias, err, "rate limit wait for %s", agent.Alias)
		}
	}

	card, err := d.resolver.Resolve(ctx, agent.URL)
	if err != nil {
		if apierr.Is(err, apierr.KindValidation) {
			return nil, apierr.Upstream(agent.Alias, err, "agent %s published an invalid card", agent.Alias)
		}
		return nil, err
	}

	headers, err := d.registry.BuildAuthHeaders(agent)
	if err != nil {
		return nil, apierr.Internal(err)
	}

	p := session.Params{ContextID: req.ContextID, AgentID: agent.Alias, TenantID: auth.TenantFromContext(ctx)}
	mapping, _, err := d.sessions.GetOrCreate(ctx, p, func(context.Context) (string, error) {
		return SessionPrefix + agent.Alias, nil
	})
	if err != nil {
		return nil, apierr.Internal(err)
	}
	if want := SessionPrefix + agent.Alias; mapping.DownstreamSessionID != want {
		return nil, apierr.Validation("context %s does not belong to agent %s", mapping.ContextID, agent.Alias)
	}
	taskID := uuid.NewString()
	if err := d.sessions.AddTask(ctx, mapping.ContextID, taskID); err != nil {
		return nil, apierr.Internal(err)
	}
	if _, err := d.sessions.NextSequenceID(ctx, mapping.ContextID); err != nil {
		return nil, apierr.Internal(err)
	}
	span.SetAttributes(attribute.String("delegation.context_id", mapping.ContextID), attribute.String("delegation.task_id", taskID))

	task, err := d.send(ctx, agent, card.URL, headers, protocol.TaskSendParams{
		ID:        taskID,
		SessionID: mapping.ContextID,
		Message: protocol.Message{
			Role:  protocol.RoleUser,
			Parts: []protocol.Part{protocol.TextPart(req.Text)},
		},
	})
	if err != nil {
		d.record(ctx, agent, mapping, taskID, req.Text, nil, err, started)
		return nil, err
	}

	if err := d.sessions.UpdateState(ctx, mapping.ContextID, task.Status, task.Artifacts); err != nil {
		slog.Warn("Failed to save delegated task state", "context_id", mapping.ContextID, "error", err)
	}

	text := protocol.ArtifactsText(task.Artifacts)
	if text == "" {
		text = protocol.MessageText(task.Status.Message)
	}
	res = &Result{ContextID: mapping.ContextID, TaskID: taskID, State: task.Status.State, Text: text}
	d.record(ctx, agent, mapping, taskID, req.Text, res, nil, started)
	return res, nil
}

type rpcResponse struct {
	Result *protocol.Task     `json:"result"`
	Error  *protocol.RPCError `json:"error"`
}

func (d *Delegator) send(ctx context.Context, agent Agent, endpoint string, headers http.Header, params protocol.TaskSendParams) (*protocol.Task, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	id, _ := json.Marshal(params.ID)
	body, err := json.Marshal(protocol.Request{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      id,
		Method:  protocol.MethodTasksSend,
		Params:  raw,
	})
	if err != nil {
		return nil, apierr.Internal(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Upstream(agent.Alias, err, "invalid agent url %q", endpoint)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range headers {
		httpReq.Header[k] = v
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, apierr.Upstream(agent.Alias, err, "call to %s failed", agent.Alias)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apierr.Upstream(agent.Alias, err, "read response from %s", agent.Alias)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apierr.Upstream(agent.Alias, nil, "%s returned HTTP %d", agent.Alias, resp.StatusCode)
	}

	var out rpcResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, apierr.Upstream(agent.Alias, err, "%s returned an invalid response", agent.Alias)
	}
	if out.Error != nil {
		return nil, apierr.Upstream(agent.Alias, out.Error, "%s returned error %d: %s", agent.Alias, out.Error.Code, out.Error.Message)
	}
	if out.Result == nil {
		return nil, apierr.Upstream(agent.Alias, nil, "%s returned no task", agent.Alias)
	}
	return out.Result, nil
}

// limiter returns the agent's rate limiter, or nil when it is unlimited.
// A changed limit from a config reload takes effect on the next call.
func (d *Delegator) limiter(a Agent) *rate.Limiter {
	if a.RateLimit <= 0 {
		return nil
	}
	burst := max(a.Burst, 1)
	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.limiters[a.Alias]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(a.RateLimit), burst)
		d.limiters[a.Alias] = lim
		return lim
	}
	if lim.Limit() != rate.Limit(a.RateLimit) {
		lim.SetLimit(rate.Limit(a.RateLimit))
	}
	if lim.Burst() != burst {
		lim.SetBurst(burst)
	}
	return lim
}

func (d *Delegator) record(ctx context.Context, a Agent, m *session.Mapping, taskID, input string, res *Result, err error, started time.Time) {
	if d.recorder == nil {
		return
	}
	e := activity.Entry{
		Kind:      activity.KindDelegate,
		ContextID: m.ContextID,
		TaskID:    taskID,
		Agent:     a.Alias,
		TenantID:  m.TenantID,
		Input:     input,
		Duration:  time.Since(started),
	}
	if res != nil {
		e.State = string(res.State)
		e.Output = res.Text
	}
	if err != nil {
		e.State = string(a2a.TaskStateFailed)
		e.Error = err.Error()
	}
	d.recorder.Record(context.WithoutCancel(ctx), e)
}

// String describes a result for logs.
func (r *Result) String() string {
	return fmt.Sprintf("%s/%s %s", r.ContextID, r.TaskID, r.State)
}
