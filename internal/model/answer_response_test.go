package model

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeResponse(t *testing.T) {
	valid := []struct {
		raw      string
		selected int
		text     string
	}{
		{``, 0, ""},
		{`null`, 0, ""},
		{`{}`, 0, ""},
		{`{"selected":["a","b"]}`, 2, ""},
		{` {"text":"hello"} `, 0, "hello"},
		{`{"files":[{"key":"evidence/1.pdf","name":"cv.pdf","size":12,"contentType":"application/pdf"}]}`, 0, ""},
	}
	for _, c := range valid {
		resp, err := DecodeResponse([]byte(c.raw))
		if err != nil {
			t.Fatalf("%q: unexpected error %v", c.raw, err)
		}
		if len(resp.Selected) != c.selected || resp.Text != c.text {
			t.Fatalf("%q: decoded %+v", c.raw, resp)
		}
	}

	malformed := []string{
		`"b"`,
		`["a"]`,
		`{"answer":"a"}`,
		`{"selected":"a"}`,
		`{"text":"a"}{"text":"b"}`,
		`{"files":[{"name":"no key"}]}`,
		`{"text":`,
	}
	for _, raw := range malformed {
		if _, err := DecodeResponse([]byte(raw)); !errors.Is(err, ErrMalformedResponse) {
			t.Fatalf("%q: expected ErrMalformedResponse, got %v", raw, err)
		}
	}
}

func TestAnswerResponseEmpty(t *testing.T) {
	if !(AnswerResponse{Text: "   "}).Empty() {
		t.Fatalf("whitespace text should count as empty")
	}
	if (AnswerResponse{Files: []FileMeta{{Key: "k"}}}).Empty() {
		t.Fatalf("a file counts as an answer")
	}
	a := Answer{Response: AnswerResponse{Selected: []string{"x"}}.Encode()}
	if !a.Answered() {
		t.Fatalf("encoded selection should count as answered")
	}
	broken := Answer{Response: []byte(`"x"`)}
	if broken.Answered() {
		t.Fatalf("malformed answers count as unanswered")
	}
}

func TestQuestionIsCorrect(t *testing.T) {
	q := Question{
		Kind:           QuestionMCQ,
		Options:        []byte(`["a","b","c"]`),
		CorrectAnswers: []byte(`["a","c"]`),
	}
	if !q.IsCorrect(AnswerResponse{Selected: []string{"c", "a"}}) {
		t.Fatalf("order of the selection should not matter")
	}
	if q.IsCorrect(AnswerResponse{Selected: []string{"a"}}) {
		t.Fatalf("a partial selection is not correct")
	}
	if q.IsCorrect(AnswerResponse{Selected: []string{"a", "b"}}) {
		t.Fatalf("a wrong selection is not correct")
	}
}

func TestAssignmentOpenAt(t *testing.T) {
	a := Assignment{}
	now := mustTime(t, "2026-03-02T09:00:00Z")
	if !a.OpenAt(now) {
		t.Fatalf("an assignment without a window is always open")
	}
	start := mustTime(t, "2026-03-02T10:00:00Z")
	a.StartAt = &start
	if a.OpenAt(now) {
		t.Fatalf("assignment should not be open before startAt")
	}
	end := mustTime(t, "2026-03-02T08:00:00Z")
	a.StartAt = nil
	a.EndAt = &end
	if a.OpenAt(now) {
		t.Fatalf("assignment should be closed after endAt")
	}
}

func mustTime(t *testing.T, v string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		t.Fatalf("parse %q: %v", v, err)
	}
	return ts
}
