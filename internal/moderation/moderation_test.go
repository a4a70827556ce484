package moderation

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/chatwire/internal/jobs"
)

func TestChecker_CleanContentAllowed(t *testing.T) {
	c := NewChecker(nil)
	result := c.Check(CheckPayload{MessageID: "m1", Content: "hello, how is everyone?"})
	if !result.Allowed {
		t.Errorf("clean content flagged: %+v", result)
	}
	if len(result.Terms) != 0 {
		t.Errorf("Terms = %v, want empty", result.Terms)
	}
}

func TestChecker_FlagsBlockedTerms(t *testing.T) {
	c := NewChecker(nil, "badword")
	result := c.Check(CheckPayload{MessageID: "m1", Content: "get FREE CRYPTO and badword here"})
	if result.Allowed {
		t.Fatal("blocked content allowed")
	}
	if len(result.Terms) != 2 {
		t.Errorf("Terms = %v, want 2 hits", result.Terms)
	}
}

func TestChecker_CaseInsensitive(t *testing.T) {
	c := NewChecker(nil, "Scam")
	result := c.Check(CheckPayload{Content: "this is a SCAM"})
	if result.Allowed {
		t.Error("case variation not matched")
	}
}

func TestChecker_HandlerInvalidPayload(t *testing.T) {
	c := NewChecker(nil)
	err := c.Handler(context.Background(), json.RawMessage(`{not json`))
	if err == nil {
		t.Fatal("invalid payload did not error")
	}
}

func TestChecker_HandlerReportsResult(t *testing.T) {
	c := NewChecker(nil)
	var got *CheckResult
	c.OnResult = func(r CheckResult) { got = &r }

	payload, _ := json.Marshal(CheckPayload{MessageID: "m7", Content: "visit spamlink.example"})
	if err := c.Handler(context.Background(), payload); err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if got == nil || got.Allowed || got.MessageID != "m7" {
		t.Errorf("OnResult got %+v", got)
	}
}

func TestSummarize(t *testing.T) {
	messages := []string{
		"We should ship the release on Friday. Everyone agrees?",
		"ok",
		"I will prepare the changelog and the migration notes for the database.",
		"",
		"Deploy window is 10am. Keep an eye on the dashboards after.",
	}
	summary := Summarize(messages, 2)

	lines := strings.Split(summary, "\n")
	if len(lines) != 2 {
		t.Fatalf("summary has %d lines, want 2:\n%s", len(lines), summary)
	}
	// The two longest first sentences, in thread order.
	if !strings.Contains(lines[0], "ship the release") {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.Contains(lines[1], "changelog") {
		t.Errorf("second line = %q", lines[1])
	}
}

func TestSummarize_Empty(t *testing.T) {
	if got := Summarize(nil, 3); got != "" {
		t.Errorf("Summarize(nil) = %q, want empty", got)
	}
}

func TestRegisterAll_EndToEnd(t *testing.T) {
	q := jobs.NewQueue(jobs.QueueConfig{})
	defer q.Close()

	if err := RegisterAll(q, nil); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}

	payload, _ := json.Marshal(CheckPayload{MessageID: "m1", Content: "hello"})
	id := q.Add(JobTypeCheck, payload)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job := q.Status(id); job != nil && job.Status.Terminal() {
			if job.Status != jobs.StatusCompleted {
				t.Fatalf("job = %v (%s)", job.Status, job.Error)
			}
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("moderation job never finished")
}
