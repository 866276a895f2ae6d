package downstream_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/a2abridge/pkg/apierr"
	"github.com/kadirpekel/a2abridge/pkg/credentials"
	"github.com/kadirpekel/a2abridge/pkg/downstream"
	"github.com/kadirpekel/a2abridge/pkg/downstream/downstreamtest"
)

func newClient(t *testing.T, fake *downstreamtest.Server, secret string) *downstream.Client {
	t.Helper()
	cache := credentials.NewCache(&credentials.ClientCredentials{
		TokenURL:     fake.URL + "/services/oauth2/token",
		ClientID:     "id",
		ClientSecret: secret,
		Upstream:     "fake",
	})
	return downstream.New(downstream.Config{
		Name:    "fake",
		APIURL:  fake.URL + "/",
		AgentID: "agent-1",
		Timeout: 5 * time.Second,
	}, cache)
}

func TestCreateSendDelete(t *testing.T) {
	fake := downstreamtest.New(t)
	c := newClient(t, fake, "secret")
	ctx := context.Background()

	id, err := c.CreateSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", id)

	reply, err := c.SendMessage(ctx, id, 1, "hi there")
	require.NoError(t, err)
	assert.Equal(t, "Echo: hi there", reply.Text)
	assert.Equal(t, []string{"Inform"}, reply.Types)
	assert.Equal(t, []int64{1}, fake.Sequences(id))

	require.NoError(t, c.DeleteSession(ctx, id))
	assert.Equal(t, []string{id}, fake.Deletes())
	assert.Equal(t, 1, fake.TokenCalls())
}

func TestRejectedTokenIsRefreshedOnce(t *testing.T) {
	fake := downstreamtest.New(t)
	c := newClient(t, fake, "secret")
	ctx := context.Background()

	_, err := c.CreateSession(ctx)
	require.NoError(t, err)

	fake.RejectToken("tok-1")
	id, err := c.CreateSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sess-2", id)
	assert.Equal(t, 2, fake.TokenCalls())

	fake.RejectToken("tok-2")
	fake.RejectToken("tok-3")
	_, err = c.CreateSession(ctx)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindAuthentication))
	assert.Equal(t, 3, fake.TokenCalls())
}

func TestTokenFailureIsAuthenticationError(t *testing.T) {
	fake := downstreamtest.New(t)
	c := newClient(t, fake, "wrong")

	_, err := c.CreateSession(context.Background())
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindAuthentication))
	assert.Zero(t, fake.SessionCreates())
}

func TestDeleteFailureIsUpstreamError(t *testing.T) {
	fake := downstreamtest.New(t)
	fake.FailDeletes()
	c := newClient(t, fake, "secret")

	err := c.DeleteSession(context.Background(), "sess-x")
	require.Error(t, err)
	e := apierr.From(err)
	assert.Equal(t, apierr.KindUpstream, e.Kind)
	assert.Equal(t, "fake", e.Upstream)
}

func TestStreamMessage(t *testing.T) {
	fake := downstreamtest.New(t)
	fake.SetFrames(
		downstreamtest.Frame{Type: "ProgressIndicator", Text: "Thinking"},
		downstreamtest.Frame{Type: "TextChunk", Text: "Hello "},
		downstreamtest.Frame{Type: "TextChunk", Text: "world!"},
		downstreamtest.Frame{Type: "Inform", Text: "Hello world!"},
		downstreamtest.Frame{Type: "EndOfTurn"},
	)
	c := newClient(t, fake, "secret")

	var types []downstream.EventType
	var texts []string
	for ev, err := range c.StreamMessage(context.Background(), "sess-1", 4, "hi") {
		require.NoError(t, err)
		types = append(types, ev.Type)
		texts = append(texts, ev.Text)
	}
	assert.Equal(t, []downstream.EventType{
		downstream.EventProgressIndicator,
		downstream.EventTextChunk,
		downstream.EventTextChunk,
		downstream.EventInform,
		downstream.EventEndOfTurn,
	}, types)
	assert.Equal(t, "Hello world!", texts[3])
	assert.Equal(t, []int64{4}, fake.Sequences("sess-1"))
}

func TestStreamStopsEarlyAndAbortsRequest(t *testing.T) {
	fake := downstreamtest.New(t)
	fake.SetFrames(
		downstreamtest.Frame{Type: "TextChunk", Text: "one"},
		downstreamtest.Frame{Type: "TextChunk", Text: "two", Delay: 10 * time.Second},
	)
	c := newClient(t, fake, "secret")

	count := 0
	for _, err := range c.StreamMessage(context.Background(), "sess-1", 1, "hi") {
		require.NoError(t, err)
		count++
		break
	}
	assert.Equal(t, 1, count)

	select {
	case <-fake.StreamClosed():
	case <-time.After(5 * time.Second):
		t.Fatal("backend stream was not aborted")
	}
}

func TestParseStream(t *testing.T) {
	input := strings.Join([]string{
		": keep-alive",
		"",
		"event: TextChunk",
		`data: {"message":{"type":"TextChunk","message":"a"}}`,
		"",
		`data: {"message":{"type":"ValidationFailureChunk","errors":["bad input","too long"]}}`,
		"",
		"event: EndOfTurn",
		`data: {"message":{}}`,
	}, "\n")

	var events []downstream.Event
	for ev, err := range downstream.ParseStream(strings.NewReader(input)) {
		require.NoError(t, err)
		events = append(events, ev)
	}
	require.Len(t, events, 3)
	assert.Equal(t, downstream.EventTextChunk, events[0].Type)
	assert.Equal(t, "a", events[0].Text)
	assert.Equal(t, downstream.EventValidationFailureChunk, events[1].Type)
	assert.Equal(t, "bad input; too long", events[1].Text)
	assert.Equal(t, downstream.EventEndOfTurn, events[2].Type)
}

func TestParseStreamMalformedData(t *testing.T) {
	var gotErr error
	for _, err := range downstream.ParseStream(strings.NewReader("event: Inform\ndata: {nope\n\n")) {
		gotErr = err
	}
	assert.Error(t, gotErr)
}
