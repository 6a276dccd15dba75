package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Writer emits events to a client. Writes are serialized so a heartbeat can
// run alongside the relay.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
	f  http.Flusher
}

// NewWriter sets the event-stream headers when w is an http.ResponseWriter.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if rw, ok := w.(http.ResponseWriter); ok {
		h := rw.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
	}
	if f, ok := w.(http.Flusher); ok {
		sw.f = f
	}
	return sw
}

// Event writes one event; an empty name produces an unnamed data event.
func (s *Writer) Event(name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var sb strings.Builder
	if name != "" {
		sb.WriteString("event: ")
		sb.WriteString(name)
		sb.WriteByte('\n')
	}
	sb.WriteString("data: ")
	sb.Write(b)
	sb.WriteString("\n\n")
	return s.write(sb.String())
}

// Comment writes a comment line, which clients ignore; used as keep-alive.
func (s *Writer) Comment(text string) error {
	return s.write(fmt.Sprintf(": %s\n\n", text))
}

func (s *Writer) write(p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, p); err != nil {
		return err
	}
	if s.f != nil {
		s.f.Flush()
	}
	return nil
}
