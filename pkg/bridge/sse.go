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

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"time"

	"github.com/kadirpekel/a2abridge/pkg/apierr"
	"github.com/kadirpekel/a2abridge/pkg/protocol"
)

// KeepAliveFrame is the comment written between events on an idle stream.
const KeepAliveFrame = ": keep-alive\n\n"

type streamItem struct {
	ev  protocol.StreamEvent
	err error
}

// WriteSSE writes events as server-sent events until the sequence ends or
// ctx is done. Each frame carries a JSON-RPC response with the event as
// result; a keep-alive comment is written whenever the stream has been
// idle for keepAlive.
//
// The events are pulled on a separate goroutine so keep-alives keep going
// while the backend is quiet. That goroutine stops pulling once ctx is done.
func WriteSSE(ctx context.Context, w http.ResponseWriter, id json.RawMessage, events iter.Seq2[protocol.StreamEvent, error], keepAlive time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("streaming not supported by response writer")
	}
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	items := make(chan streamItem)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(items)
		for ev, err := range events {
			select {
			case items <- streamItem{ev: ev, err: err}:
			case <-ctx.Done():
				return
			}
		}
	}()
	// The producer owns the backend call; wait for it so nothing outlives
	// the request.
	defer func() {
		cancel()
		<-done
	}()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if _, err := fmt.Fprint(w, KeepAliveFrame); err != nil {
				return err
			}
			flusher.Flush()

		case item, ok := <-items:
			if !ok {
				return nil
			}
			if item.err != nil {
				resp := protocol.NewError(id, 0, "")
				resp.Error = apierr.RPCError(item.err)
				_ = writeFrame(w, "", resp)
				flusher.Flush()
				return item.err
			}
			if err := writeFrame(w, item.ev.Name(), protocol.NewResult(id, item.ev.Payload())); err != nil {
				return err
			}
			flusher.Flush()
			ticker.Reset(keepAlive)
		}
	}
}

func writeFrame(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
