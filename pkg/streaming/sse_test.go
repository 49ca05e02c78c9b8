package streaming

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSSEWriterFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	if err != nil {
		t.Fatalf("NewSSEWriter: %v", err)
	}

	if err := w.WriteJSON(map[string]string{"hello": "world"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if err := w.WriteComment("ping"); err != nil {
		t.Fatalf("WriteComment: %v", err)
	}
	if err := w.WriteEvent("model_loaded", map[string]string{"model_id": "a/b"}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	if err := w.WriteDone(); err != nil {
		t.Fatalf("WriteDone: %v", err)
	}

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}
	body := rec.Body.String()
	wantParts := []string{
		"data: {\"hello\":\"world\"}\n\n",
		": ping\n\n",
		"event: model_loaded\ndata: {\"model_id\":\"a/b\"}\n\n",
		"data: [DONE]\n\n",
	}
	if body != strings.Join(wantParts, "") {
		t.Errorf("body = %q", body)
	}
	if !rec.Flushed {
		t.Error("writer did not flush")
	}
}
