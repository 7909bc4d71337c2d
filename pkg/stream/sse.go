// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

// SSEContentType is the media type of a fragment event stream.
const SSEContentType = "text/event-stream"

// SSEWriter writes fragments as server-sent events, flushing after each one.
type SSEWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

// NewSSEWriter prepares w for event streaming. It fails when w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	w.Header().Set("Content-Type", SSEContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &SSEWriter{w: w, f: f}, nil
}

// Send writes one fragment as an event named after its kind.
func (s *SSEWriter) Send(f Fragment) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(string(f.Kind))
	buf.WriteString("\ndata: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// ReadSSE calls handle with the data of each event read from body.
func ReadSSE(ctx context.Context, body io.Reader, handle func([]byte) error) error {
	reader := bufio.NewReader(body)
	var buffer bytes.Buffer
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if buffer.Len() > 0 {
					return handle(buffer.Bytes())
				}
				return nil
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if buffer.Len() == 0 {
				continue
			}
			if err := handle(buffer.Bytes()); err != nil {
				return err
			}
			buffer.Reset()
			continue
		}
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if buffer.Len() > 0 {
				buffer.WriteByte('\n')
			}
			buffer.WriteString(payload)
		}
	}
}
