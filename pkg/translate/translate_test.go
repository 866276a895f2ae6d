package translate

import (
	"errors"
	"iter"
	"testing"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/a2abridge/pkg/downstream"
	"github.com/kadirpekel/a2abridge/pkg/protocol"
)

// source yields events and counts how many were pulled.
func source(pulled *int, events ...downstream.Event) iter.Seq2[downstream.Event, error] {
	return func(yield func(downstream.Event, error) bool) {
		for _, ev := range events {
			*pulled++
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func ev(t downstream.EventType, text string) downstream.Event {
	return downstream.Event{Type: t, Text: text}
}

func TestStreamTranslatesHelloWorld(t *testing.T) {
	var pulled int
	tr := New("task-1")
	in := source(&pulled,
		ev(downstream.EventProgressIndicator, ""),
		ev(downstream.EventTextChunk, "Hello "),
		ev(downstream.EventTextChunk, "world!"),
		ev(downstream.EventInform, "Hello world!"),
		ev(downstream.EventEndOfTurn, ""),
	)

	var out []protocol.StreamEvent
	for e, err := range tr.Stream(in) {
		require.NoError(t, err)
		out = append(out, e)
	}
	require.Len(t, out, 5)

	require.NotNil(t, out[0].Status)
	assert.Equal(t, a2a.TaskStateWorking, out[0].Status.Status.State)
	assert.False(t, out[0].Status.Final)

	for i, text := range []string{"Hello ", "world!"} {
		a := out[1+i].Artifact
		require.NotNil(t, a)
		assert.Equal(t, 0, a.Artifact.Index)
		assert.True(t, a.Artifact.Append)
		assert.False(t, a.Artifact.LastChunk)
		assert.Equal(t, text, a.Artifact.Parts[0].Text)
	}

	last := out[3].Artifact
	require.NotNil(t, last)
	assert.Equal(t, 0, last.Artifact.Index)
	assert.True(t, last.Artifact.LastChunk)
	assert.Equal(t, "Hello world!", last.Artifact.Parts[0].Text)

	require.NotNil(t, out[4].Status)
	assert.Equal(t, a2a.TaskStateCompleted, out[4].Status.Status.State)
	assert.True(t, out[4].Status.Final)

	for _, e := range out {
		if e.Status != nil {
			assert.Equal(t, "task-1", e.Status.ID)
		} else {
			assert.Equal(t, "task-1", e.Artifact.ID)
		}
	}
	assert.Equal(t, "Hello world!", tr.Text())
	assert.Equal(t, 5, pulled)
}

func TestIndexAdvancesAfterInform(t *testing.T) {
	var pulled int
	tr := New("t")
	in := source(&pulled,
		ev(downstream.EventTextChunk, "a"),
		ev(downstream.EventInform, "a"),
		ev(downstream.EventTextChunk, "b"),
		ev(downstream.EventInform, "b!"),
	)

	var indexes []int
	for e, err := range tr.Stream(in) {
		require.NoError(t, err)
		indexes = append(indexes, e.Artifact.Artifact.Index)
	}
	assert.Equal(t, []int{0, 0, 1, 1}, indexes)
	assert.Equal(t, "a\n\nb!", tr.Text())

	arts := tr.Artifacts()
	require.Len(t, arts, 2)
	assert.Equal(t, 1, arts[1].Index)
	assert.Equal(t, "b!", arts[1].Parts[0].Text)
}

func TestValidationFailureIsFinal(t *testing.T) {
	var pulled int
	in := source(&pulled,
		ev(downstream.EventValidationFailureChunk, "request blocked"),
		ev(downstream.EventTextChunk, "never"),
	)

	var out []protocol.StreamEvent
	for e, err := range Stream("t", in) {
		require.NoError(t, err)
		out = append(out, e)
	}
	require.Len(t, out, 1)
	st := out[0].Status
	require.NotNil(t, st)
	assert.Equal(t, a2a.TaskStateFailed, st.Status.State)
	assert.True(t, st.Final)
	assert.Equal(t, "request blocked", protocol.MessageText(st.Status.Message))
	assert.Equal(t, 1, pulled)
}

func TestStreamIsLazy(t *testing.T) {
	var pulled int
	in := source(&pulled,
		ev(downstream.EventTextChunk, "1"),
		ev(downstream.EventTextChunk, "2"),
		ev(downstream.EventTextChunk, "3"),
	)

	for range Stream("t", in) {
		break
	}
	assert.Equal(t, 1, pulled)
}

func TestUnknownEventsAreDropped(t *testing.T) {
	var pulled int
	in := source(&pulled,
		ev("Heartbeat", ""),
		ev(downstream.EventEndOfTurn, ""),
	)
	var n int
	for _, err := range Stream("t", in) {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 1, n)
}

func TestSourceErrorEndsStream(t *testing.T) {
	boom := errors.New("connection reset")
	in := func(yield func(downstream.Event, error) bool) {
		if !yield(ev(downstream.EventTextChunk, "partial"), nil) {
			return
		}
		yield(downstream.Event{}, boom)
	}

	tr := New("t")
	var gotErr error
	n := 0
	for _, err := range tr.Stream(in) {
		if err != nil {
			gotErr = err
			continue
		}
		n++
	}
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, gotErr, boom)
	assert.Equal(t, "partial", tr.Text())
}
