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

// Package downstream is the client of the session-based agent backend.
//
// Every call authenticates with a token from a credentials.Cache. When the
// backend rejects a token the cache still considered valid, the client
// forces one refresh and retries once; a second rejection is reported as an
// authentication error.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/a2abridge/pkg/apierr"
	"github.com/kadirpekel/a2abridge/pkg/credentials"
	"github.com/kadirpekel/a2abridge/pkg/httpclient"
)

const tracerName = "github.com/kadirpekel/a2abridge/pkg/downstream"

// TokenSource hands out bearer credentials.
type TokenSource interface {
	Token(ctx context.Context) (*credentials.Credential, error)
	ForceRefresh(ctx context.Context) (*credentials.Credential, error)
}

// Config locates the backend.
type Config struct {
	// Name identifies the backend in errors.
	Name string
	// APIURL is the base of the session endpoints. When empty the
	// credential's instance URL is used.
	APIURL        string
	AgentID       string
	BypassUser    bool
	Timeout       time.Duration
	StreamTimeout time.Duration
}

// Client calls the backend.
type Client struct {
	cfg    Config
	tokens TokenSource
	http   *httpclient.Client
	stream *http.Client
	tracer trace.Tracer
	onCall func(op string, err error)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the client used for non-streaming calls.
func WithHTTPClient(c *httpclient.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithStreamClient replaces the client used for streaming calls. It must
// not set a Timeout; stream deadlines come from the context.
func WithStreamClient(c *http.Client) Option {
	return func(cl *Client) { cl.stream = c }
}

// WithCallObserver is told about every finished backend call.
func WithCallObserver(fn func(op string, err error)) Option {
	return func(cl *Client) { cl.onCall = fn }
}

// New creates a client.
func New(cfg Config, tokens TokenSource, opts ...Option) *Client {
	if cfg.Name == "" {
		cfg.Name = "downstream"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.StreamTimeout == 0 {
		cfg.StreamTimeout = 5 * time.Minute
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	c := &Client{
		cfg:    cfg,
		tokens: tokens,
		stream: &http.Client{},
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = httpclient.New(httpclient.WithName(cfg.Name))
	}
	return c
}

// Name identifies the backend.
func (c *Client) Name() string {
	return c.cfg.Name
}

type createSessionRequest struct {
	ExternalSessionKey    string         `json:"externalSessionKey"`
	InstanceConfig        instanceConfig `json:"instanceConfig"`
	StreamingCapabilities struct {
		ChunkTypes []string `json:"chunkTypes"`
	} `json:"streamingCapabilities"`
	BypassUser bool `json:"bypassUser"`
}

type instanceConfig struct {
	Endpoint string `json:"endpoint"`
}

type createSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// CreateSession opens a session for the configured agent.
func (c *Client) CreateSession(ctx context.Context) (id string, err error) {
	ctx, span := c.start(ctx, "CreateSession")
	defer func() { c.finish(span, "create_session", err) }()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.do(ctx, func(cred *credentials.Credential) (*http.Request, error) {
		body := createSessionRequest{
			ExternalSessionKey: uuid.NewString(),
			InstanceConfig:     instanceConfig{Endpoint: cred.InstanceURL},
			BypassUser:         c.cfg.BypassUser,
		}
		body.StreamingCapabilities.ChunkTypes = []string{"Text"}
		return c.newJSONRequest(ctx, http.MethodPost, c.base(cred)+"/agents/"+c.cfg.AgentID+"/sessions", body)
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apierr.Upstream(c.cfg.Name, err, "decode session response")
	}
	if out.SessionID == "" {
		return "", apierr.Upstream(c.cfg.Name, nil, "session response carried no sessionId")
	}
	span.SetAttributes(attribute.String("downstream.session_id", out.SessionID))
	return out.SessionID, nil
}

// DeleteSession ends a session.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) (err error) {
	ctx, span := c.start(ctx, "DeleteSession")
	defer func() { c.finish(span, "delete_session", err) }()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.do(ctx, func(cred *credentials.Credential) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base(cred)+"/sessions/"+sessionID, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("x-session-end-reason", "UserRequest")
		return req, nil
	})
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}

type messageRequest struct {
	Message struct {
		SequenceID int64  `json:"sequenceId"`
		Type       string `json:"type"`
		Text       string `json:"text"`
	} `json:"message"`
}

type messageResponse struct {
	Messages []struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"messages"`
}

// Reply is the backend's answer to a synchronous message.
type Reply struct {
	Text string
	// Types lists the backend message types that made up the reply.
	Types []string
}

// SendMessage posts one message and waits for the reply.
func (c *Client) SendMessage(ctx context.Context, sessionID string, seq int64, text string) (reply *Reply, err error) {
	ctx, span := c.start(ctx, "SendMessage")
	span.SetAttributes(attribute.Int64("downstream.sequence_id", seq))
	defer func() { c.finish(span, "send_message", err) }()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.do(ctx, func(cred *credentials.Credential) (*http.Request, error) {
		return c.newJSONRequest(ctx, http.MethodPost, c.base(cred)+"/sessions/"+sessionID+"/messages", newMessage(seq, text))
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out messageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apierr.Upstream(c.cfg.Name, err, "decode message response")
	}

	reply = &Reply{}
	var texts []string
	for _, m := range out.Messages {
		reply.Types = append(reply.Types, m.Type)
		if m.Message != "" {
			texts = append(texts, m.Message)
		}
	}
	reply.Text = strings.Join(texts, "\n\n")
	return reply, nil
}

// StreamMessage posts one message and yields the backend's events as they
// arrive. Canceling ctx, or stopping the iteration, aborts the request.
func (c *Client) StreamMessage(ctx context.Context, sessionID string, seq int64, text string) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		ctx, span := c.start(ctx, "StreamMessage")
		span.SetAttributes(attribute.Int64("downstream.sequence_id", seq))
		var err error
		defer func() { c.finish(span, "stream_message", err) }()

		ctx, cancel := context.WithTimeout(ctx, c.cfg.StreamTimeout)
		defer cancel()

		var resp *http.Response
		resp, err = c.send(ctx, c.stream, func(cred *credentials.Credential) (*http.Request, error) {
			req, err := c.newJSONRequest(ctx, http.MethodPost, c.base(cred)+"/sessions/"+sessionID+"/messages/stream", newMessage(seq, text))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Accept", "text/event-stream")
			return req, nil
		})
		if err != nil {
			yield(Event{}, err)
			return
		}
		defer resp.Body.Close()

		for ev, perr := range ParseStream(resp.Body) {
			if perr != nil {
				err = apierr.Upstream(c.cfg.Name, perr, "event stream failed")
				if ctx.Err() != nil {
					err = apierr.Upstream(c.cfg.Name, ctx.Err(), "event stream interrupted")
				}
				yield(Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func newMessage(seq int64, text string) messageRequest {
	var m messageRequest
	m.Message.SequenceID = seq
	m.Message.Type = "Text"
	m.Message.Text = text
	return m
}

func (c *Client) base(cred *credentials.Credential) string {
	if c.cfg.APIURL != "" {
		return c.cfg.APIURL
	}
	return strings.TrimRight(cred.InstanceURL, "/")
}

func (c *Client) newJSONRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// doer is satisfied by both *http.Client and *httpclient.Client.
type doer interface {
	Do(req *http.Request) (*http.Response, error)
}

func (c *Client) do(ctx context.Context, build func(*credentials.Credential) (*http.Request, error)) (*http.Response, error) {
	return c.send(ctx, c.http, build)
}

// send authenticates and sends a request built by build, retrying once on
// 401 with a forced token refresh. Non-2xx responses become errors; the
// caller owns the body of the returned response.
func (c *Client) send(ctx context.Context, client doer, build func(*credentials.Credential) (*http.Request, error)) (*http.Response, error) {
	cred, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, c.authError(err)
	}

	for attempt := 0; ; attempt++ {
		req, err := build(cred)
		if err != nil {
			return nil, apierr.Internal(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+cred.AccessToken)

		resp, err := client.Do(req)
		if err != nil {
			return nil, apierr.Upstream(c.cfg.Name, err, "%s %s failed", req.Method, req.URL.Path)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && attempt == 0:
			drain(resp)
			slog.Info("Downstream rejected token, refreshing", "backend", c.cfg.Name)
			if cred, err = c.tokens.ForceRefresh(ctx); err != nil {
				return nil, c.authError(err)
			}
			continue
		case resp.StatusCode == http.StatusUnauthorized:
			drain(resp)
			return nil, apierr.Authentication(nil, "%s rejected a freshly issued token", c.cfg.Name)
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			snippet := readSnippet(resp)
			return nil, apierr.Upstream(c.cfg.Name, nil, "%s %s returned HTTP %d: %s", req.Method, req.URL.Path, resp.StatusCode, snippet)
		}
		return resp, nil
	}
}

func (c *Client) authError(err error) error {
	if apierr.Is(err, apierr.KindAuthentication) || apierr.Is(err, apierr.KindUpstream) {
		return err
	}
	return apierr.Authentication(err, "token acquisition failed")
}

func (c *Client) start(ctx context.Context, name string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "downstream."+name, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("downstream.name", c.cfg.Name)))
}

func (c *Client) finish(span trace.Span, op string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	if c.onCall != nil {
		c.onCall(op, err)
	}
}

func readSnippet(resp *http.Response) string {
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return strings.TrimSpace(string(b))
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}
