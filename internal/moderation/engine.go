package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"microtask-settlement/internal/models"
	"microtask-settlement/internal/prompts"
	"microtask-settlement/pkg/cache"
	errs "microtask-settlement/pkg/errors"
	"microtask-settlement/pkg/logging"
	"microtask-settlement/pkg/metrics"
	"microtask-settlement/pkg/ratelimit"
	"microtask-settlement/pkg/utils"

	"github.com/sashabaranov/go-openai"
)

// AIClient is the slice of the OpenAI client the engine needs.
// Narrow on purpose so tests can substitute a fake.
type AIClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config holds engine tuning knobs.
type Config struct {
	Model string
	// AutoRejectConfidence is the minimum confidence at which a CRITICAL
	// detection rejects without a human. 0 means the default of 85.
	AutoRejectConfidence int
	Temperature          float64
	MaxTokens            int
}

// Engine screens submission content before it reaches verification.
// Cheap deterministic checks run first; the AI classifier is the last and
// most expensive stage and its verdicts are cached by content hash.
type Engine struct {
	client  AIClient
	prompts *prompts.Manager
	rules   []Rule
	cache   *cache.Cache
	limiter *ratelimit.Limiter
	log     *logging.ComponentLogger
	cfg     Config
}

func NewEngine(client AIClient, pm *prompts.Manager, rules []Rule, c *cache.Cache, rl *ratelimit.Limiter, logger *logging.Logger, cfg Config) *Engine {
	if cfg.AutoRejectConfidence <= 0 {
		cfg.AutoRejectConfidence = 85
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 400
	}
	return &Engine{
		client:  client,
		prompts: pm,
		rules:   rules,
		cache:   c,
		limiter: rl,
		log:     logger.WithComponent("moderation"),
		cfg:     cfg,
	}
}

// trivialAnswers are single-word answers tasks routinely accept. They carry
// no room for policy violations, so they skip the whole pipeline.
var trivialAnswers = map[string]struct{}{
	"yes": {}, "no": {}, "y": {}, "n": {},
	"true": {}, "false": {}, "n/a": {}, "na": {}, "none": {},
}

// Moderate runs the allowlist, blocklist and AI stages in order and returns
// the first conclusive verdict.
func (e *Engine) Moderate(ctx context.Context, content, taskType string) (*models.ModerationResult, error) {
	if res := e.checkAllowlist(content); res != nil {
		metrics.ModerationShortCircuits.WithLabelValues("allowlist").Inc()
		metrics.ModerationActions.WithLabelValues(string(res.Action)).Inc()
		return res, nil
	}

	if res := e.checkBlocklist(content); res != nil {
		metrics.ModerationShortCircuits.WithLabelValues("blocklist").Inc()
		metrics.ModerationActions.WithLabelValues(string(res.Action)).Inc()
		e.log.Info("blocklist verdict",
			logging.String("action", string(res.Action)),
			logging.String("preview", utils.SanitizePreview(content, 80)))
		return res, nil
	}

	cacheKey := cache.Key("moderation", content)
	if cached, found := e.cache.Get(cacheKey); found {
		res := cached.(models.ModerationResult)
		res.Source = "cache"
		metrics.ModerationShortCircuits.WithLabelValues("cache").Inc()
		metrics.ModerationActions.WithLabelValues(string(res.Action)).Inc()
		return &res, nil
	}

	if err := e.limiter.Check(ratelimit.DefaultKey); err != nil {
		// Rate limit pressure is transient; let the caller's queue retry
		// instead of dumping submissions into manual review.
		return nil, err
	}

	res, err := e.classify(ctx, content, taskType)
	if err != nil {
		// Fail safe: an unreadable verdict never auto-approves or
		// auto-rejects someone's payment.
		e.log.Warn("AI moderation failed, flagging for review",
			logging.String("error", err.Error()),
			logging.String("preview", utils.SanitizePreview(content, 80)))
		failSafe := &models.ModerationResult{
			Flagged:     true,
			Categories:  map[models.Category]models.CategoryDetection{},
			Action:      models.ActionFlagReview,
			Explanation: "moderation unavailable, flagged for manual review",
			Source:      "ai",
		}
		metrics.ModerationActions.WithLabelValues(string(failSafe.Action)).Inc()
		return failSafe, nil
	}

	e.cache.Set(cacheKey, *res)
	metrics.ModerationActions.WithLabelValues(string(res.Action)).Inc()
	if res.Action != models.ActionApprove {
		e.log.Info("AI moderation verdict",
			logging.String("action", string(res.Action)),
			logging.Int("confidence", res.MaxConfidence()),
			logging.String("preview", utils.SanitizePreview(content, 80)))
	}
	return res, nil
}

// checkAllowlist approves content too trivial to violate policy.
func (e *Engine) checkAllowlist(content string) *models.ModerationResult {
	trimmed := strings.TrimSpace(content)
	lower := strings.ToLower(trimmed)

	_, trivial := trivialAnswers[lower]
	if trimmed == "" || len(trimmed) < 5 || utils.IsNumeric(trimmed) || trivial {
		return &models.ModerationResult{
			Flagged:     false,
			Categories:  map[models.Category]models.CategoryDetection{},
			Action:      models.ActionApprove,
			Explanation: "trivial content, no moderation needed",
			Source:      "allowlist",
		}
	}
	return nil
}

// checkBlocklist runs the compiled regex rules. The first match decides.
func (e *Engine) checkBlocklist(content string) *models.ModerationResult {
	for i := range e.rules {
		r := &e.rules[i]
		if !r.Match(content) {
			continue
		}
		action := models.ActionFlagReview
		if r.Severity == models.SeverityCritical {
			action = models.ActionAutoReject
		}
		return &models.ModerationResult{
			Flagged: true,
			Categories: map[models.Category]models.CategoryDetection{
				r.Category: {Detected: true, Confidence: 100, Severity: r.Severity},
			},
			Action:      action,
			Explanation: fmt.Sprintf("blocklist rule matched: %s", r.Name),
			Source:      "blocklist",
		}
	}
	return nil
}

type aiVerdict struct {
	Flagged    bool `json:"flagged"`
	Categories map[string]struct {
		Detected   bool   `json:"detected"`
		Confidence int    `json:"confidence"`
		Severity   string `json:"severity"`
	} `json:"categories"`
	Explanation string `json:"explanation"`
}

// classify asks the AI to screen the content and applies the decision rule.
func (e *Engine) classify(ctx context.Context, content, taskType string) (*models.ModerationResult, error) {
	systemPrompt, err := e.prompts.Render("moderation_system", nil)
	if err != nil {
		return nil, err
	}
	userPrompt, err := e.prompts.Render("moderation_user", map[string]string{
		"TaskType": taskType,
		"Content":  content,
	})
	if err != nil {
		return nil, err
	}

	metrics.AICalls.WithLabelValues("moderation").Inc()
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: float32(e.cfg.Temperature),
		MaxTokens:   e.cfg.MaxTokens,
	})
	if err != nil {
		return nil, errs.NewExternal("moderation.classify", "openai", "chat completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errs.NewExternal("moderation.classify", "openai", "empty completion response", nil)
	}

	var verdict aiVerdict
	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return nil, errs.NewExternal("moderation.classify", "openai", "unparseable moderation verdict", err)
	}

	result := &models.ModerationResult{
		Flagged:     verdict.Flagged,
		Categories:  make(map[models.Category]models.CategoryDetection, len(verdict.Categories)),
		Explanation: verdict.Explanation,
		Source:      "ai",
	}
	for name, d := range verdict.Categories {
		conf := d.Confidence
		if conf < 0 {
			conf = 0
		} else if conf > 100 {
			conf = 100
		}
		result.Categories[models.Category(name)] = models.CategoryDetection{
			Detected:   d.Detected,
			Confidence: conf,
			Severity:   models.Severity(d.Severity),
		}
		if d.Detected {
			result.Flagged = true
		}
	}

	result.Action = e.decide(result)
	return result, nil
}

// decide applies the decision rule: a submission auto-rejects only when some
// detection is CRITICAL and some detection clears the confidence bar.
// Anything else that was flagged goes to a human.
func (e *Engine) decide(res *models.ModerationResult) models.ModerationAction {
	if !res.Flagged {
		return models.ActionApprove
	}
	if res.HasCriticalDetection() && res.MaxConfidence() >= e.cfg.AutoRejectConfidence {
		return models.ActionAutoReject
	}
	return models.ActionFlagReview
}
