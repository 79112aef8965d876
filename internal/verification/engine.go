package verification

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

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
type AIClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

const (
	imageFetchTimeout = 10 * time.Second
	imageMaxBytes     = 5 << 20 // 5MB
)

// Config holds engine tuning knobs.
type Config struct {
	Model       string
	VisionModel string
	Temperature float64
	MaxTokens   int
}

// Engine judges whether a submission satisfies its task's acceptance
// criteria. Verdicts are cached by content hash so re-delivered jobs and
// duplicate answers never pay for a second AI call.
type Engine struct {
	client  AIClient
	prompts *prompts.Manager
	cache   *cache.Cache
	limiter *ratelimit.Limiter
	cost    *CostTracker
	log     *logging.ComponentLogger
	httpc   *http.Client
	cfg     Config
}

func NewEngine(client AIClient, pm *prompts.Manager, c *cache.Cache, rl *ratelimit.Limiter, cost *CostTracker, logger *logging.Logger, cfg Config) *Engine {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = openai.GPT4o
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 400
	}
	return &Engine{
		client:  client,
		prompts: pm,
		cache:   c,
		limiter: rl,
		cost:    cost,
		log:     logger.WithComponent("verification"),
		httpc:   &http.Client{Timeout: imageFetchTimeout},
		cfg:     cfg,
	}
}

// CostStats exposes accumulated AI spend for the stats endpoint.
func (e *Engine) CostStats() models.CostSnapshot {
	return e.cost.Snapshot()
}

// VerifyText judges a text submission against the task criteria.
func (e *Engine) VerifyText(ctx context.Context, content, criteria string) (*models.VerificationResult, error) {
	cacheKey := cache.Key("verify_text", criteria, content)
	if cached, found := e.cache.Get(cacheKey); found {
		res := cached.(models.VerificationResult)
		metrics.AICacheHits.WithLabelValues("verification").Inc()
		return &res, nil
	}

	if err := e.limiter.Check(ratelimit.DefaultKey); err != nil {
		return nil, err
	}

	systemPrompt, err := e.prompts.Render("verify_text_system", nil)
	if err != nil {
		return nil, err
	}
	userPrompt, err := e.prompts.Render("verify_text_user", map[string]string{
		"Criteria": criteria,
		"Content":  content,
	})
	if err != nil {
		return nil, err
	}

	metrics.AICalls.WithLabelValues("verify_text").Inc()
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
		return nil, errs.NewExternal("verification.VerifyText", "openai", "chat completion failed", err)
	}
	e.cost.AddUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	result, err := e.parseVerdict(resp)
	if err != nil {
		return nil, err
	}

	e.cache.Set(cacheKey, *result)
	e.log.Debug("text verification verdict",
		logging.Bool("approved", result.Approved),
		logging.Int("score", result.Score))
	return result, nil
}

// VerifyImage judges an image submission. The content is a URL; the image is
// fetched and inlined so the vision model never depends on the URL staying
// reachable from OpenAI's side.
func (e *Engine) VerifyImage(ctx context.Context, imageURL, criteria string) (*models.VerificationResult, error) {
	if err := utils.ValidateImageURL(imageURL); err != nil {
		return nil, errs.NewValidation("verification.VerifyImage", err.Error(), err)
	}

	cacheKey := cache.Key("verify_image", criteria, imageURL)
	if cached, found := e.cache.Get(cacheKey); found {
		res := cached.(models.VerificationResult)
		metrics.AICacheHits.WithLabelValues("verification").Inc()
		return &res, nil
	}

	if err := e.limiter.Check(ratelimit.DefaultKey); err != nil {
		return nil, err
	}

	dataURL, err := e.fetchImageAsDataURL(ctx, imageURL)
	if err != nil {
		return nil, err
	}

	systemPrompt, err := e.prompts.Render("verify_text_system", nil)
	if err != nil {
		return nil, err
	}
	userPrompt, err := e.prompts.Render("verify_image_user", map[string]string{
		"Criteria": criteria,
	})
	if err != nil {
		return nil, err
	}

	metrics.AICalls.WithLabelValues("verify_image").Inc()
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.cfg.VisionModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: userPrompt},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: dataURL, Detail: openai.ImageURLDetailLow},
					},
				},
			},
		},
		Temperature: float32(e.cfg.Temperature),
		MaxTokens:   e.cfg.MaxTokens,
	})
	if err != nil {
		return nil, errs.NewExternal("verification.VerifyImage", "openai", "vision completion failed", err)
	}
	e.cost.AddUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	result, err := e.parseVerdict(resp)
	if err != nil {
		return nil, err
	}

	e.cache.Set(cacheKey, *result)
	e.log.Debug("image verification verdict",
		logging.Bool("approved", result.Approved),
		logging.Int("score", result.Score))
	return result, nil
}

// fetchImageAsDataURL downloads the image with a hard size cap and encodes
// it as a base64 data URL.
func (e *Engine) fetchImageAsDataURL(ctx context.Context, imageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", errs.NewValidation("verification.fetchImage", "invalid image URL", err)
	}

	resp, err := e.httpc.Do(req)
	if err != nil {
		return "", errs.NewExternal("verification.fetchImage", "image_host", "failed to fetch image", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errs.NewExternal("verification.fetchImage", "image_host",
			fmt.Sprintf("image fetch returned status %d", resp.StatusCode), nil)
	}

	// Read one byte past the cap to distinguish "exactly at limit" from "too big".
	data, err := io.ReadAll(io.LimitReader(resp.Body, imageMaxBytes+1))
	if err != nil {
		return "", errs.NewExternal("verification.fetchImage", "image_host", "failed to read image body", err)
	}
	if len(data) > imageMaxBytes {
		return "", errs.NewValidation("verification.fetchImage",
			fmt.Sprintf("image exceeds %d byte limit", imageMaxBytes), nil)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || !strings.HasPrefix(contentType, "image/") {
		contentType = http.DetectContentType(data)
	}

	return fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(data)), nil
}

type aiVerdict struct {
	Approved   bool     `json:"approved"`
	Score      int      `json:"score"`
	Reasoning  string   `json:"reasoning"`
	Violations []string `json:"violations"`
}

var (
	approvedRegex = regexp.MustCompile(`"?approved"?\s*:\s*(true|false)`)
	scoreRegex    = regexp.MustCompile(`"?score"?\s*:\s*(\d+)`)
)

// parseVerdict extracts the structured verdict, falling back to regex
// recovery when the model wraps or mangles the JSON. Recovered verdicts are
// marked low confidence so reviewers know the parse was lossy.
func (e *Engine) parseVerdict(resp openai.ChatCompletionResponse) (*models.VerificationResult, error) {
	if len(resp.Choices) == 0 {
		return nil, errs.NewExternal("verification.parseVerdict", "openai", "empty completion response", nil)
	}
	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	cleaned := strings.TrimPrefix(raw, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var verdict aiVerdict
	if err := json.Unmarshal([]byte(cleaned), &verdict); err == nil {
		return &models.VerificationResult{
			Approved:   verdict.Approved,
			Score:      clampScore(verdict.Score),
			Reasoning:  verdict.Reasoning,
			Violations: verdict.Violations,
			Timestamp:  time.Now(),
		}, nil
	}

	// Fallback: scrape the two fields that drive the decision.
	m := approvedRegex.FindStringSubmatch(raw)
	if len(m) < 2 {
		return nil, errs.NewExternal("verification.parseVerdict", "openai", "unparseable verification verdict", nil)
	}
	approved := m[1] == "true"

	score := 0
	if sm := scoreRegex.FindStringSubmatch(raw); len(sm) > 1 {
		if parsed, err := strconv.Atoi(sm[1]); err == nil {
			score = clampScore(parsed)
		}
	}

	return &models.VerificationResult{
		Approved:      approved,
		Score:         score,
		Reasoning:     "fallback parsing used, raw verdict was malformed",
		LowConfidence: true,
		Timestamp:     time.Now(),
	}, nil
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
