package streaming

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// SSEWriter emits server-sent events, flushing after every write so
// tokens reach the client as they are generated.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter sets the event-stream headers and returns a writer. It
// fails when the underlying writer cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteJSON sends one data event carrying the JSON encoding of v.
func (s *SSEWriter) WriteJSON(v interface{}) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.WriteData(string(encoded))
}

// WriteData sends one raw data event.
func (s *SSEWriter) WriteData(data string) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteEvent sends a named event with a JSON payload.
func (s *SSEWriter) WriteEvent(event string, v interface{}) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, encoded); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteComment sends an SSE comment. Serves as a heartbeat on idle
// streams; compliant clients ignore it.
func (s *SSEWriter) WriteComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteDone terminates an OpenAI-style stream.
func (s *SSEWriter) WriteDone() error {
	return s.WriteData("[DONE]")
}
