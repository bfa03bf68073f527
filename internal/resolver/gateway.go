package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/MrSnakeDoc/wayfinder/internal/domain"
	"github.com/MrSnakeDoc/wayfinder/internal/logger"
)

// DefaultAPIURL is the OpenRouter chat-completions endpoint.
const DefaultAPIURL = "https://openrouter.ai/api/v1/chat/completions"

// DefaultLLMTimeout is the hard deadline for one judge call.
const DefaultLLMTimeout = 30 * time.Second

// Judge is the routing oracle. Implementations decide a target for a
// hostname given the live inventory; decisions are advisory and
// user-overridable, never retried here.
type Judge interface {
	ResolveHostname(ctx context.Context, hostname, userHint string, inv Inventory) (*domain.TargetDecision, error)
	ResolveRelated(ctx context.Context, originHost string, originMapping *domain.RouteMapping, serviceName, userHint string, inv Inventory) (*domain.TargetDecision, error)
}

// Gateway talks to an OpenAI-compatible chat-completions endpoint and
// normalizes its reply into a validated TargetDecision.
type Gateway struct {
	client    *openai.Client
	model     string
	timeout   time.Duration
	apiKeySet bool
	logger    logger.Logger
}

// NewGateway creates a gateway for apiURL (a chat-completions URL; the
// default is OpenRouter). The timeout applies per call.
func NewGateway(apiKey, apiURL, model string, timeout time.Duration, loggerClient logger.Logger) *Gateway {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if timeout <= 0 {
		timeout = DefaultLLMTimeout
	}

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURLOf(apiURL)

	return &Gateway{
		client:    openai.NewClientWithConfig(cfg),
		model:     model,
		timeout:   timeout,
		apiKeySet: apiKey != "",
		logger:    loggerClient,
	}
}

// baseURLOf accepts either a base URL or a full chat-completions URL and
// returns the client base.
func baseURLOf(apiURL string) string {
	base := strings.TrimSuffix(apiURL, "/")
	base = strings.TrimSuffix(base, "/chat/completions")
	return base
}

// ResolveHostname asks the judge for a first-level routing decision.
func (g *Gateway) ResolveHostname(ctx context.Context, hostname, userHint string, inv Inventory) (*domain.TargetDecision, error) {
	return g.complete(ctx, hostnameSystemPrompt, hostnamePrompt(hostname, userHint, inv))
}

// ResolveRelated asks the judge for a second-level (related-service)
// routing decision.
func (g *Gateway) ResolveRelated(ctx context.Context, originHost string, originMapping *domain.RouteMapping, serviceName, userHint string, inv Inventory) (*domain.TargetDecision, error) {
	return g.complete(ctx, relatedSystemPrompt, relatedPrompt(originHost, originMapping, serviceName, userHint, inv))
}

// complete issues exactly one chat completion and validates the reply.
// Deduplication of concurrent work is the resolver's job; errors surface
// verbatim so the dispatcher can answer 502.
func (g *Gateway) complete(ctx context.Context, systemPrompt, userPrompt string) (*domain.TargetDecision, error) {
	if !g.apiKeySet {
		return nil, fmt.Errorf("API key is not set")
	}

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.CreateChatCompletion(cctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, fmt.Errorf("no response from model")
	}

	content := stripCodeFence(resp.Choices[0].Message.Content)

	var decision domain.TargetDecision
	if err := json.Unmarshal([]byte(content), &decision); err != nil {
		return nil, fmt.Errorf("parse model response %q: %w", content, err)
	}
	if err := decision.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model response: %w", err)
	}
	return &decision, nil
}

var (
	leadingFenceRegex  = regexp.MustCompile("^```(?:json)?\\s*")
	trailingFenceRegex = regexp.MustCompile("\\s*```$")
)

// stripCodeFence removes a markdown fence some models wrap JSON in despite
// the json_object response format.
func stripCodeFence(content string) string {
	content = strings.TrimSpace(content)
	content = leadingFenceRegex.ReplaceAllString(content, "")
	content = trailingFenceRegex.ReplaceAllString(content, "")
	return strings.TrimSpace(content)
}
