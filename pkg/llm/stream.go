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

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tombee/magnet/pkg/errors"
)

// Stream event types surfaced to strategies.
const (
	EventTextDelta       = "response.output_text.delta"
	EventOutputItemAdded = "response.output_item.added"
	EventOutputItemDone  = "response.output_item.done"
	EventCompleted       = "response.completed"
	EventFailed          = "response.failed"
	EventIncomplete      = "response.incomplete"
	EventError           = "error"
)

// StreamEvent is one server-sent event from a streaming call.
type StreamEvent struct {
	Type string

	// Delta carries output text for EventTextDelta.
	Delta string

	// Item carries the item for output_item events.
	Item *OutputItem

	// Response carries the full response for EventCompleted.
	Response *Response

	// Err carries the provider error for EventError and EventFailed.
	Err *APIError
}

// ErrStreamTruncated indicates the stream closed without a
// response.completed event. Callers retry once, then fall back to a
// non-streaming call.
var ErrStreamTruncated = errors.New("stream ended without response.completed")

// Stream is an open streaming call. Callers must drain or Close it.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	eventType string
	done      bool
}

// StartStream begins a streaming Responses API call.
func (c *Client) StartStream(ctx context.Context, params *Params) (*Stream, error) {
	params.Stream = true
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	requestID := uuid.New().String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, providerErrorFromBody(resp.StatusCode, raw, requestID)
	}

	scanner := bufio.NewScanner(resp.Body)
	// Screenshot-bearing events can be large.
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	return &Stream{body: resp.Body, scanner: scanner}, nil
}

// Next returns the next event. It returns ErrStreamTruncated when the stream
// ends before response.completed, and io.EOF after completion.
func (s *Stream) Next() (*StreamEvent, error) {
	if s.done {
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			s.eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				s.done = true
				return nil, io.EOF
			}
			event, err := s.decodeEvent(data)
			if err != nil {
				return nil, err
			}
			if event == nil {
				continue
			}
			if event.Type == EventCompleted || event.Type == EventFailed || event.Type == EventError {
				s.done = true
			}
			return event, nil
		}
	}

	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return nil, ErrStreamTruncated
}

func (s *Stream) decodeEvent(data string) (*StreamEvent, error) {
	var raw struct {
		Type     string      `json:"type"`
		Delta    string      `json:"delta"`
		Item     *OutputItem `json:"item"`
		Response *Response   `json:"response"`
		Error    *APIError   `json:"error"`
	}
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, fmt.Errorf("decode stream event: %w", err)
	}

	eventType := raw.Type
	if eventType == "" {
		eventType = s.eventType
	}

	switch eventType {
	case EventTextDelta:
		return &StreamEvent{Type: EventTextDelta, Delta: raw.Delta}, nil
	case EventOutputItemAdded, EventOutputItemDone:
		return &StreamEvent{Type: eventType, Item: raw.Item}, nil
	case EventCompleted:
		return &StreamEvent{Type: EventCompleted, Response: raw.Response}, nil
	case EventFailed, EventIncomplete:
		var apiErr *APIError
		if raw.Response != nil {
			apiErr = raw.Response.Error
		}
		return &StreamEvent{Type: EventFailed, Response: raw.Response, Err: apiErr}, nil
	case EventError:
		return &StreamEvent{Type: EventError, Err: raw.Error}, nil
	default:
		// Lifecycle events the strategies do not consume (created,
		// in_progress, content_part added, code interpreter stages).
		return nil, nil
	}
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	return s.body.Close()
}
