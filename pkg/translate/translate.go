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

// Package translate turns backend streaming events into task stream events.
//
//	ProgressIndicator       status working
//	TextChunk               artifact chunk, append, current index
//	Inform                  artifact, lastChunk, current index; index advances
//	EndOfTurn               status completed, final
//	ValidationFailureChunk  status failed, final, reason as message
//
// Unknown event types are dropped.
package translate

import (
	"iter"
	"slices"
	"strings"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/kadirpekel/a2abridge/pkg/downstream"
	"github.com/kadirpekel/a2abridge/pkg/protocol"
)

// Translator converts one backend stream. It is single use.
type Translator struct {
	taskID string
	index  int

	// finals holds the Inform text of every closed artifact; open collects
	// the chunks of the current one.
	finals []string
	open   strings.Builder
}

// New creates a translator for taskID.
func New(taskID string) *Translator {
	return &Translator{taskID: taskID}
}

// Stream lazily translates events. Errors from the source are passed
// through and end the sequence.
func (t *Translator) Stream(events iter.Seq2[downstream.Event, error]) iter.Seq2[protocol.StreamEvent, error] {
	return func(yield func(protocol.StreamEvent, error) bool) {
		for ev, err := range events {
			if err != nil {
				yield(protocol.StreamEvent{}, err)
				return
			}
			out, ok := t.translate(ev)
			if !ok {
				continue
			}
			if !yield(out, nil) {
				return
			}
			if out.Final() {
				return
			}
		}
	}
}

// Stream is shorthand for New(taskID).Stream(events).
func Stream(taskID string, events iter.Seq2[downstream.Event, error]) iter.Seq2[protocol.StreamEvent, error] {
	return New(taskID).Stream(events)
}

// Text is the answer text seen so far: the Inform text of every closed
// artifact followed by the chunks of an open one.
func (t *Translator) Text() string {
	parts := t.finals
	if t.open.Len() > 0 {
		parts = append(slices.Clip(parts), t.open.String())
	}
	return strings.Join(parts, protocol.PartSeparator)
}

// Artifacts returns whole artifacts for everything seen so far, for
// persisting once the stream ends.
func (t *Translator) Artifacts() []protocol.Artifact {
	var out []protocol.Artifact
	for i, text := range t.finals {
		out = append(out, protocol.Artifact{Parts: []protocol.Part{protocol.TextPart(text)}, Index: i})
	}
	if t.open.Len() > 0 {
		out = append(out, protocol.Artifact{Parts: []protocol.Part{protocol.TextPart(t.open.String())}, Index: len(t.finals)})
	}
	return out
}

func (t *Translator) translate(ev downstream.Event) (protocol.StreamEvent, bool) {
	switch ev.Type {
	case downstream.EventProgressIndicator:
		var msg *protocol.Message
		if ev.Text != "" {
			msg = protocol.AgentText(ev.Text)
		}
		return protocol.StatusEvent(t.taskID, protocol.NewStatus(a2a.TaskStateWorking, msg), false), true

	case downstream.EventTextChunk:
		t.open.WriteString(ev.Text)
		return protocol.ArtifactEvent(t.taskID, protocol.Artifact{
			Parts:  []protocol.Part{protocol.TextPart(ev.Text)},
			Index:  t.index,
			Append: true,
		}), true

	case downstream.EventInform:
		t.finals = append(t.finals, ev.Text)
		t.open.Reset()
		out := protocol.ArtifactEvent(t.taskID, protocol.Artifact{
			Parts:     []protocol.Part{protocol.TextPart(ev.Text)},
			Index:     t.index,
			LastChunk: true,
		})
		t.index++
		return out, true

	case downstream.EventEndOfTurn:
		return protocol.StatusEvent(t.taskID, protocol.NewStatus(a2a.TaskStateCompleted, nil), true), true

	case downstream.EventValidationFailureChunk:
		return protocol.StatusEvent(t.taskID, protocol.NewStatus(a2a.TaskStateFailed, protocol.AgentText(ev.Text)), true), true
	}
	return protocol.StreamEvent{}, false
}

