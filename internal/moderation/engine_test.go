package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"microtask-settlement/internal/models"
	"microtask-settlement/internal/prompts"
	"microtask-settlement/pkg/cache"
	"microtask-settlement/pkg/logging"
	"microtask-settlement/pkg/ratelimit"

	"github.com/sashabaranov/go-openai"
)

// fakeAI returns a canned completion and counts calls.
type fakeAI struct {
	response string
	err      error
	calls    int
}

func (f *fakeAI) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.calls++
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.response}},
		},
	}, nil
}

func newTestEngine(t *testing.T, ai *fakeAI) *Engine {
	t.Helper()
	pm, err := prompts.NewManager()
	if err != nil {
		t.Fatalf("prompts.NewManager: %v", err)
	}
	rules, err := parseRules(defaultRulesYAML)
	if err != nil {
		t.Fatalf("parseRules: %v", err)
	}
	c := cache.New(time.Hour, 100)
	t.Cleanup(c.Stop)
	rl := ratelimit.New(1000, time.Minute)
	logger, err := logging.NewLogger(logging.DefaultLogConfig())
	if err != nil {
		t.Fatalf("logging.NewLogger: %v", err)
	}
	return NewEngine(ai, pm, rules, c, rl, logger, Config{})
}

func aiJSON(flagged bool, category, severity string, confidence int) string {
	if !flagged {
		return `{"flagged": false, "categories": {}, "explanation": "clean"}`
	}
	return fmt.Sprintf(`{"flagged": true, "categories": {%q: {"detected": true, "confidence": %d, "severity": %q}}, "explanation": "detected"}`,
		category, confidence, severity)
}

func TestModerateAllowlistShortCircuit(t *testing.T) {
	ai := &fakeAI{response: aiJSON(false, "", "", 0)}
	eng := newTestEngine(t, ai)

	cases := []string{"", "   ", "yes", "No", "42", "1234567890", "n/a", "ok"}
	for _, content := range cases {
		res, err := eng.Moderate(context.Background(), content, "text")
		if err != nil {
			t.Fatalf("Moderate(%q) error: %v", content, err)
		}
		if res.Action != models.ActionApprove {
			t.Errorf("Moderate(%q) action = %s, want APPROVE", content, res.Action)
		}
		if res.Source != "allowlist" {
			t.Errorf("Moderate(%q) source = %s, want allowlist", content, res.Source)
		}
	}
	if ai.calls != 0 {
		t.Errorf("allowlist content triggered %d AI calls, want 0", ai.calls)
	}
}

func TestModerateBlocklistCriticalAutoRejects(t *testing.T) {
	ai := &fakeAI{response: aiJSON(false, "", "", 0)}
	eng := newTestEngine(t, ai)

	res, err := eng.Moderate(context.Background(), "best prices on viagra here, message me", "text")
	if err != nil {
		t.Fatalf("Moderate error: %v", err)
	}
	if res.Action != models.ActionAutoReject {
		t.Errorf("action = %s, want AUTO_REJECT", res.Action)
	}
	if res.Source != "blocklist" {
		t.Errorf("source = %s, want blocklist", res.Source)
	}
	if ai.calls != 0 {
		t.Errorf("blocklist match triggered %d AI calls, want 0", ai.calls)
	}
}

func TestModerateBlocklistMediumFlagsForReview(t *testing.T) {
	ai := &fakeAI{response: aiJSON(false, "", "", 0)}
	eng := newTestEngine(t, ai)

	res, err := eng.Moderate(context.Background(), "my answer is "+strings.Repeat("a", 15), "text")
	if err != nil {
		t.Fatalf("Moderate error: %v", err)
	}
	if res.Action != models.ActionFlagReview {
		t.Errorf("action = %s, want FLAG_REVIEW", res.Action)
	}
	det, ok := res.Categories[models.CategorySpam]
	if !ok || det.Severity != models.SeverityMedium {
		t.Errorf("expected MEDIUM spam detection, got %+v", res.Categories)
	}
}

func TestModerateAIDecisionRule(t *testing.T) {
	content := "The restaurant on Main Street opens at nine and serves breakfast until noon."
	tests := []struct {
		name     string
		response string
		want     models.ModerationAction
	}{
		{
			name:     "clean content approves",
			response: aiJSON(false, "", "", 0),
			want:     models.ActionApprove,
		},
		{
			name:     "critical detection above threshold auto-rejects",
			response: aiJSON(true, "inappropriate", "CRITICAL", 92),
			want:     models.ActionAutoReject,
		},
		{
			name:     "critical detection below threshold flags",
			response: aiJSON(true, "inappropriate", "CRITICAL", 60),
			want:     models.ActionFlagReview,
		},
		{
			name:     "confident but non-critical detection flags",
			response: aiJSON(true, "spam", "HIGH", 95),
			want:     models.ActionFlagReview,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newTestEngine(t, &fakeAI{response: tt.response})
			res, err := eng.Moderate(context.Background(), content, "text")
			if err != nil {
				t.Fatalf("Moderate error: %v", err)
			}
			if res.Action != tt.want {
				t.Errorf("action = %s, want %s", res.Action, tt.want)
			}
		})
	}
}

func TestModerateCachesAIVerdicts(t *testing.T) {
	ai := &fakeAI{response: aiJSON(false, "", "", 0)}
	eng := newTestEngine(t, ai)
	content := "A long enough answer describing the storefront and its opening hours."

	for i := 0; i < 3; i++ {
		if _, err := eng.Moderate(context.Background(), content, "text"); err != nil {
			t.Fatalf("Moderate call %d error: %v", i, err)
		}
	}
	if ai.calls != 1 {
		t.Errorf("identical content made %d AI calls, want 1", ai.calls)
	}
}

func TestModerateFailSafeOnAIError(t *testing.T) {
	ai := &fakeAI{err: errors.New("upstream timeout")}
	eng := newTestEngine(t, ai)

	res, err := eng.Moderate(context.Background(), "An ordinary answer that needs the AI stage to classify.", "text")
	if err != nil {
		t.Fatalf("Moderate error: %v", err)
	}
	if res.Action != models.ActionFlagReview {
		t.Errorf("action = %s, want FLAG_REVIEW on AI failure", res.Action)
	}
	if !res.Flagged {
		t.Error("fail-safe result should be flagged")
	}
}

func TestModerateMalformedVerdictFailsSafe(t *testing.T) {
	ai := &fakeAI{response: "I think this content is probably fine."}
	eng := newTestEngine(t, ai)

	res, err := eng.Moderate(context.Background(), "An ordinary answer that needs the AI stage to classify.", "text")
	if err != nil {
		t.Fatalf("Moderate error: %v", err)
	}
	if res.Action != models.ActionFlagReview {
		t.Errorf("action = %s, want FLAG_REVIEW for unparseable verdict", res.Action)
	}
}
