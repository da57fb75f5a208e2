package service

import (
	"assignment_backend/internal/model"
	"assignment_backend/internal/util"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type testFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// dialAttempt serves the hub for studentID and opens a websocket to it.
func dialAttempt(t *testing.T, hub *AttemptHub, attemptID string) (*websocket.Conn, func()) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := hub.Serve(w, r, studentID, attemptID); err != nil {
			http.Error(w, err.Error(), util.StatusFor(err))
		}
	}))
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		server.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		server.Close()
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, frameType string, data interface{}) {
	t.Helper()
	if err := conn.WriteJSON(map[string]interface{}{"type": frameType, "data": data}); err != nil {
		t.Fatalf("send %s: %v", frameType, err)
	}
}

// nextFrame reads until a frame of the wanted type arrives, skipping ticks.
func nextFrame(t *testing.T, conn *websocket.Conn, want string) testFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f testFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s frame: %v", want, err)
		}
		if f.Type == want {
			return f
		}
		if f.Type == FrameError {
			t.Fatalf("unexpected error frame while waiting for %s: %s", want, f.Data)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAttemptHub_FramesAndFlushOnDisconnect(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	cfg := f.svc.Config()
	cfg.Debounce = time.Hour
	cfg.TickInterval = time.Hour
	f.svc.UpdateConfig(cfg)

	attempt, _ := f.svc.StartAttempt(ctx, studentID, "asg-1")
	hub := NewAttemptHub(f.svc, nil)

	conn, done := dialAttempt(t, hub, attempt.ID)
	var view AttemptView
	if err := json.Unmarshal(nextFrame(t, conn, FrameState).Data, &view); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if view.Total != 3 || view.CurrentIndex != 0 {
		t.Fatalf("unexpected initial state %+v", view)
	}

	sendFrame(t, conn, FrameAnswer, map[string]interface{}{"response": model.AnswerResponse{Selected: []string{"b"}}})
	sendFrame(t, conn, FrameNavigate, map[string]int{"index": 1})

	var saved map[string]string
	if err := json.Unmarshal(nextFrame(t, conn, FrameSaved).Data, &saved); err != nil {
		t.Fatalf("decode saved: %v", err)
	}
	if saved["questionId"] != "q1" {
		t.Fatalf("expected q1 to be saved on navigation, got %v", saved)
	}
	nextFrame(t, conn, FrameState)

	// buffered until the connection goes away; frames are handled in order,
	// so the error reply to the bad frame means the answer is applied
	sendFrame(t, conn, FrameAnswer, map[string]interface{}{"response": model.AnswerResponse{Selected: []string{"x"}}})
	sendFrame(t, conn, "shout", nil)
	var failure errorPayload
	if err := json.Unmarshal(nextFrame(t, conn, FrameError).Data, &failure); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if failure.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown frame, got %+v", failure)
	}
	if got := f.store.upsertCount(); got != 1 {
		t.Fatalf("the q2 answer should still be buffered, got %d writes", got)
	}
	done()

	waitFor(t, "disconnect flush", func() bool { return f.store.upsertCount() == 2 })
	waitFor(t, "session release", func() bool { return hub.Count() == 0 })
	answers, _ := f.store.ListAnswers(ctx, attempt.ID)
	if len(answers) != 2 {
		t.Fatalf("expected answers for q1 and q2, got %+v", answers)
	}

	conn, done = dialAttempt(t, hub, attempt.ID)
	defer done()
	nextFrame(t, conn, FrameState)

	sendFrame(t, conn, FrameSubmit, nil)
	var submitted submittedPayload
	if err := json.Unmarshal(nextFrame(t, conn, FrameSubmitted).Data, &submitted); err != nil {
		t.Fatalf("decode submitted: %v", err)
	}
	if submitted.Status != model.AttemptSubmitted || submitted.Answered != 2 || submitted.Total != 3 || !submitted.Partial {
		t.Fatalf("unexpected submitted frame %+v", submitted)
	}

	sendFrame(t, conn, FrameAnswer, map[string]interface{}{"response": model.AnswerResponse{Text: "late"}})
	if err := json.Unmarshal(nextFrame(t, conn, FrameError).Data, &failure); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if failure.Code != http.StatusConflict {
		t.Fatalf("expected 409 for an edit after submit, got %+v", failure)
	}
}

func TestAttemptHub_UnknownAttemptIsRefusedBeforeUpgrade(t *testing.T) {
	f := newFixture()
	hub := NewAttemptHub(f.svc, nil)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := hub.Serve(w, r, studentID, "missing"); err != nil {
			http.Error(w, err.Error(), util.StatusFor(err))
		}
	}))
	defer server.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err == nil {
		t.Fatalf("expected the handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %+v", resp)
	}
	if hub.Count() != 0 {
		t.Fatalf("no session should be registered")
	}
}
