// Package moderation provides the built-in background job handlers:
// a toxicity screen for new messages and a thread summarizer. Both are
// local heuristics; a deployment backed by a model provider swaps in
// its own handlers under the same job types.
package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/haasonsaas/chatwire/internal/jobs"
)

// Job types registered on the queue.
const (
	JobTypeCheck     = "moderation.check"
	JobTypeSummarize = "thread.summarize"
)

// CheckPayload is the input for a moderation.check job.
type CheckPayload struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// CheckResult is the stored outcome of a moderation.check job.
type CheckResult struct {
	MessageID string   `json:"messageId"`
	Allowed   bool     `json:"allowed"`
	Terms     []string `json:"terms,omitempty"`
}

// SummarizePayload is the input for a thread.summarize job.
type SummarizePayload struct {
	ChannelID string   `json:"channelId"`
	Messages  []string `json:"messages"`
	MaxLines  int      `json:"maxLines,omitempty"`
}

// defaultBlockedTerms is the built-in screen list. Deliberately short:
// the screen exists so the pipeline is exercised end to end, not to be
// a serious filter.
var defaultBlockedTerms = []string{
	"spamlink.example",
	"free crypto",
	"click here now",
}

// Checker screens message content against a term list. Failing open is
// the caller's job: a failed moderation.check job never blocks the
// message it screened.
type Checker struct {
	terms  []string
	logger *slog.Logger

	// OnResult receives the outcome of every completed check. Optional;
	// a real deployment forwards flagged messages to its admin surface.
	OnResult func(CheckResult)
}

// NewChecker creates a checker with the given extra terms on top of
// the built-in list.
func NewChecker(logger *slog.Logger, extraTerms ...string) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	terms := append([]string(nil), defaultBlockedTerms...)
	terms = append(terms, extraTerms...)
	return &Checker{terms: terms, logger: logger}
}

// Check screens one payload.
func (c *Checker) Check(payload CheckPayload) CheckResult {
	content := strings.ToLower(payload.Content)
	var hits []string
	for _, term := range c.terms {
		if strings.Contains(content, strings.ToLower(term)) {
			hits = append(hits, term)
		}
	}
	sort.Strings(hits)
	return CheckResult{
		MessageID: payload.MessageID,
		Allowed:   len(hits) == 0,
		Terms:     hits,
	}
}

// Handler adapts the checker to the job queue.
func (c *Checker) Handler(_ context.Context, payload json.RawMessage) error {
	var p CheckPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("moderation: invalid payload: %w", err)
	}
	result := c.Check(p)
	if !result.Allowed {
		c.logger.Info("message flagged",
			"channel", p.ChannelID,
			"message", p.MessageID,
			"terms", strings.Join(result.Terms, ","))
	}
	if c.OnResult != nil {
		c.OnResult(result)
	}
	return nil
}

// Summarize produces a naive extractive summary: the first sentence of
// up to maxLines of the longest messages, in thread order.
func Summarize(messages []string, maxLines int) string {
	if maxLines <= 0 {
		maxLines = 3
	}
	if len(messages) == 0 {
		return ""
	}

	type scored struct {
		index int
		text  string
	}
	picked := make([]scored, 0, len(messages))
	for i, msg := range messages {
		msg = strings.TrimSpace(msg)
		if msg == "" {
			continue
		}
		picked = append(picked, scored{index: i, text: firstSentence(msg)})
	}
	sort.SliceStable(picked, func(i, j int) bool {
		return len(picked[i].text) > len(picked[j].text)
	})
	if len(picked) > maxLines {
		picked = picked[:maxLines]
	}
	sort.Slice(picked, func(i, j int) bool { return picked[i].index < picked[j].index })

	lines := make([]string, 0, len(picked))
	for _, s := range picked {
		lines = append(lines, "- "+s.text)
	}
	return strings.Join(lines, "\n")
}

func firstSentence(s string) string {
	for i, r := range s {
		if r == '.' || r == '!' || r == '?' {
			return s[:i+1]
		}
	}
	return s
}

// SummarizeHandler adapts Summarize to the job queue. onSummary
// receives the result; a real deployment posts it back to the thread.
func SummarizeHandler(logger *slog.Logger, onSummary func(channelID, summary string)) jobs.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(_ context.Context, payload json.RawMessage) error {
		var p SummarizePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("summarize: invalid payload: %w", err)
		}
		summary := Summarize(p.Messages, p.MaxLines)
		logger.Debug("thread summarized", "channel", p.ChannelID, "lines", len(p.Messages))
		if onSummary != nil {
			onSummary(p.ChannelID, summary)
		}
		return nil
	}
}

// RegisterAll installs the built-in handlers on the queue.
func RegisterAll(q *jobs.Queue, logger *slog.Logger) error {
	checker := NewChecker(logger)
	if err := q.Register(JobTypeCheck, checker.Handler); err != nil {
		return err
	}
	return q.Register(JobTypeSummarize, SummarizeHandler(logger, nil))
}
