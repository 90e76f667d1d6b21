// Copyright 2025 Tom Barlow
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

package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tombee/magnet/pkg/llm"
	"github.com/tombee/magnet/pkg/record"
)

const (
	streamFlushBytes    = 80
	streamFlushInterval = 200 * time.Millisecond
	streamRetryBackoff  = 750 * time.Millisecond
	streamAttempts      = 2
)

// runStandard executes a plain generation step. With a live publisher it
// streams deltas; stream failures retry once and then fall back to a
// non-streaming call.
func (d *Dispatcher) runStandard(ctx context.Context, req Request) (*Result, error) {
	params := buildParams(req, false)

	if req.Live == nil {
		resp, err := d.Client.Call(ctx, params)
		if err != nil {
			return nil, errStrategy(KindStandard, err)
		}
		return resultFromResponse(req.Step.Model, llm.ProcessResponse(params, resp), 1), nil
	}

	resp, err := d.streamWithRetry(ctx, params, req.Live)
	if err != nil {
		// Fall back to a unary call; the stream preview keeps whatever
		// text arrived before the failure.
		d.logger().Warn("stream failed, falling back to non-streaming call",
			"job_id", req.JobID, "step_index", req.StepIndex, "error", err)
		unary := *params
		unary.Stream = false
		resp, err = d.Client.Call(ctx, &unary)
		if err != nil {
			req.Live.SetStatus(ctx, record.LiveStepError, err.Error())
			return nil, errStrategy(KindStandard, err)
		}
	}

	req.Live.SetStatus(ctx, record.LiveStepFinal, "")
	return resultFromResponse(req.Step.Model, llm.ProcessResponse(params, resp), 1), nil
}

// streamWithRetry drives one streaming call, retrying once on truncation or
// transport failure with linear backoff.
func (d *Dispatcher) streamWithRetry(ctx context.Context, params *llm.Params, live *LivePublisher) (*llm.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= streamAttempts; attempt++ {
		if attempt > 1 {
			live.SetStatus(ctx, record.LiveStepRetrying, "")
			select {
			case <-time.After(streamRetryBackoff * time.Duration(attempt-1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		streamParams := *params
		resp, err := d.consumeStream(ctx, &streamParams, live)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (d *Dispatcher) consumeStream(ctx context.Context, params *llm.Params, live *LivePublisher) (*llm.Response, error) {
	stream, err := d.Client.StartStream(ctx, params)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var buf strings.Builder
	lastFlush := time.Now()
	flush := func() {
		if buf.Len() == 0 {
			return
		}
		live.Append(ctx, buf.String())
		buf.Reset()
		lastFlush = time.Now()
	}

	for {
		event, err := stream.Next()
		if err != nil {
			flush()
			if errors.Is(err, io.EOF) {
				// [DONE] arrived without a completed event.
				return nil, llm.ErrStreamTruncated
			}
			return nil, err
		}

		switch event.Type {
		case llm.EventTextDelta:
			buf.WriteString(event.Delta)
			if strings.Contains(buf.String(), "\n") || buf.Len() >= streamFlushBytes || time.Since(lastFlush) >= streamFlushInterval {
				flush()
			}
		case llm.EventCompleted:
			flush()
			return event.Response, nil
		case llm.EventFailed, llm.EventError:
			flush()
			if event.Err != nil {
				return nil, fmt.Errorf("provider stream error: %s", event.Err.Message)
			}
			return nil, llm.ErrStreamTruncated
		}
	}
}
