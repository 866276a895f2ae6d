package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/a2abridge/pkg/config"
)

func taskIDs(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.TaskID
	}
	return out
}

func TestRingEvictsOldestFirst(t *testing.T) {
	r := NewRing(3)
	for i := 1; i <= 5; i++ {
		r.Add(Entry{TaskID: fmt.Sprintf("t%d", i)})
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"t3", "t4", "t5"}, taskIDs(r.Entries()))
	assert.Equal(t, []string{"t4", "t5"}, taskIDs(r.Last(2)))
	assert.Equal(t, []string{"t3", "t4", "t5"}, taskIDs(r.Last(10)))
}

func TestRingBeforeFull(t *testing.T) {
	r := NewRing(4)
	assert.Empty(t, r.Entries())
	r.Add(Entry{TaskID: "a"})
	r.Add(Entry{TaskID: "b"})
	assert.Equal(t, []string{"a", "b"}, taskIDs(r.Entries()))
	assert.Equal(t, 4, r.Cap())
}

func TestRingConcurrentAdds(t *testing.T) {
	r := NewRing(50)
	var wg sync.WaitGroup
	for i := range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Add(Entry{TaskID: fmt.Sprint(i)})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, r.Len())
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestRecorderStampsAndFansOut(t *testing.T) {
	w := &fakeWriter{}
	ring := NewRing(10)
	rec := NewRecorder(ring, &KafkaSink{w: w, topic: "audit"})

	rec.Record(context.Background(), Entry{Kind: KindSend, ContextID: "ctx-1", TaskID: "t1", State: "completed"})

	entries := ring.Entries()
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
	assert.False(t, entries[0].Time.IsZero())

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "ctx-1", string(w.msgs[0].Key))
	var got Entry
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "t1", got.TaskID)
	assert.Equal(t, entries[0].ID, got.ID)

	require.NoError(t, rec.Close())
	assert.True(t, w.closed)
}

func TestRecorderSwallowsSinkErrors(t *testing.T) {
	ring := NewRing(10)
	rec := NewRecorder(ring, &KafkaSink{w: &fakeWriter{err: errors.New("broker down")}, topic: "audit"})
	rec.Record(context.Background(), Entry{Kind: KindStream})
	assert.Equal(t, 1, ring.Len())
}

func TestNilRecorder(t *testing.T) {
	var rec *Recorder
	rec.Record(context.Background(), Entry{})
	assert.Nil(t, rec.Recent(5))
	assert.NoError(t, rec.Close())
}

func TestNewRecorderFromConfig(t *testing.T) {
	cfg := config.AuditConfig{}
	cfg.SetDefaults()
	rec := NewRecorderFromConfig(cfg)
	assert.Empty(t, rec.sinks)
	assert.Equal(t, 200, rec.ring.Cap())
}
