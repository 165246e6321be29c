// Package llm adapts OpenAI-compatible model endpoints to the uniform
// provider contract. Cost scales with token usage rather than a flat
// per-operation rate.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/shopspring/decimal"

	"github.com/atlasops/bizgateway/internal/config"
	"github.com/atlasops/bizgateway/internal/providers"
	"github.com/atlasops/bizgateway/internal/storage"
)

const (
	opChatCompletion = "chat_completion"
	opEmbed          = "embed"

	defaultCreditsPer1K = "1"
)

type Adapter struct {
	client        *openai.Client
	defaultModel  string
	creditsPer1K  decimal.Decimal
	minimumCharge decimal.Decimal
}

// Factory builds the LLM adapter from a tenant binding. Tenants may bring
// their own key and endpoint; bindings without one fall back to the
// platform-level credentials in the providers config section.
func Factory(cfg *config.Config, binding storage.ProviderBinding) (providers.Adapter, error) {
	apiKey := strings.TrimSpace(binding.APIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(cfg.Providers.OpenAIKey)
	}
	if apiKey == "" {
		return nil, errors.New("llm: no api key on binding and no platform key configured")
	}
	baseURL := strings.TrimSpace(binding.BaseURL)
	if baseURL == "" {
		baseURL = strings.TrimSpace(cfg.Providers.OpenAIBaseURL)
	}

	requestOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		requestOpts = append(requestOpts, option.WithBaseURL(strings.TrimRight(baseURL, "/")))
	}
	if cfg.Providers.HTTPTimeout > 0 {
		requestOpts = append(requestOpts, option.WithRequestTimeout(cfg.Providers.HTTPTimeout))
	}

	per1K := strings.TrimSpace(binding.Settings["credits_per_1k_tokens"])
	if per1K == "" {
		per1K = defaultCreditsPer1K
	}
	rate, err := decimal.NewFromString(per1K)
	if err != nil || rate.IsNegative() {
		return nil, fmt.Errorf("llm: invalid credits_per_1k_tokens %q", per1K)
	}

	client := openai.NewClient(requestOpts...)
	return &Adapter{
		client:        &client,
		defaultModel:  strings.TrimSpace(binding.Settings["default_model"]),
		creditsPer1K:  rate,
		minimumCharge: decimal.New(1, -2),
	}, nil
}

func (a *Adapter) Execute(ctx context.Context, operation string, params providers.Params, opts providers.ExecOptions) (providers.Result, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	switch operation {
	case opChatCompletion:
		return a.chat(ctx, params)
	case opEmbed:
		return a.embed(ctx, params)
	default:
		return providers.Result{}, providers.NewPreFlightError(providers.TypeLLM, operation, "unknown_operation", fmt.Sprintf("operation %q not supported", operation), nil)
	}
}

// CostModel charges credits_per_1k_tokens pro rata over total token usage,
// with a small floor so zero-usage responses are never free.
func (a *Adapter) CostModel(operation string, params providers.Params, result providers.Result) decimal.Decimal {
	if result.Units <= 0 {
		return a.minimumCharge
	}
	cost := a.creditsPer1K.Mul(decimal.NewFromInt(result.Units)).Div(decimal.NewFromInt(1000))
	if cost.LessThan(a.minimumCharge) {
		return a.minimumCharge
	}
	return cost
}

func (a *Adapter) IdempotencyClass(operation string) providers.IdempotencyClass {
	switch operation {
	case opEmbed:
		return providers.ClassSafe
	default:
		return providers.ClassUnsafe
	}
}

func (a *Adapter) chat(ctx context.Context, params providers.Params) (providers.Result, error) {
	model := a.modelFrom(params)
	if model == "" {
		return providers.Result{}, providers.NewPreFlightError(providers.TypeLLM, opChatCompletion, "bad_params", "model required", nil)
	}
	messages, err := chatMessagesFrom(params)
	if err != nil {
		return providers.Result{}, providers.NewPreFlightError(providers.TypeLLM, opChatCompletion, "bad_params", err.Error(), err)
	}

	req := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if temp, ok := params["temperature"].(float64); ok {
		req.Temperature = openai.Float(temp)
	}
	if max, ok := numberFrom(params["max_tokens"]); ok {
		req.MaxTokens = openai.Int(max)
	}

	resp, err := a.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return providers.Result{}, a.wrapSDKError(opChatCompletion, err)
	}

	body := map[string]any{
		"id":    resp.ID,
		"model": resp.Model,
	}
	if len(resp.Choices) > 0 {
		body["content"] = resp.Choices[0].Message.Content
		body["finish_reason"] = string(resp.Choices[0].FinishReason)
	}
	body["usage"] = map[string]any{
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"total_tokens":      resp.Usage.TotalTokens,
	}

	return providers.Result{StatusCode: 200, Body: body, Units: resp.Usage.TotalTokens}, nil
}

func (a *Adapter) embed(ctx context.Context, params providers.Params) (providers.Result, error) {
	model := a.modelFrom(params)
	if model == "" {
		return providers.Result{}, providers.NewPreFlightError(providers.TypeLLM, opEmbed, "bad_params", "model required", nil)
	}
	inputs, err := embedInputsFrom(params)
	if err != nil {
		return providers.Result{}, providers.NewPreFlightError(providers.TypeLLM, opEmbed, "bad_params", err.Error(), err)
	}

	req := openai.EmbeddingNewParams{Model: openai.EmbeddingModel(model)}
	if len(inputs) == 1 {
		req.Input.OfString = param.NewOpt(inputs[0])
	} else {
		req.Input.OfArrayOfStrings = append(req.Input.OfArrayOfStrings, inputs...)
	}

	resp, err := a.client.Embeddings.New(ctx, req)
	if err != nil {
		return providers.Result{}, a.wrapSDKError(opEmbed, err)
	}

	vectors := make([][]float64, 0, len(resp.Data))
	for _, item := range resp.Data {
		vectors = append(vectors, item.Embedding)
	}
	body := map[string]any{
		"model":      resp.Model,
		"embeddings": vectors,
		"usage": map[string]any{
			"prompt_tokens": resp.Usage.PromptTokens,
			"total_tokens":  resp.Usage.TotalTokens,
		},
	}

	return providers.Result{StatusCode: 200, Body: body, Units: resp.Usage.TotalTokens}, nil
}

func (a *Adapter) modelFrom(params providers.Params) string {
	if model, ok := params["model"].(string); ok && strings.TrimSpace(model) != "" {
		return strings.TrimSpace(model)
	}
	return a.defaultModel
}

func (a *Adapter) wrapSDKError(operation string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return providers.NewError(providers.TypeLLM, operation,
			providers.ClassFromStatus(apiErr.StatusCode), fmt.Sprintf("upstream_%d", apiErr.StatusCode), apiErr.Message, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return providers.NewError(providers.TypeLLM, operation,
			providers.ClassTransient, "timeout", "model endpoint timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return providers.NewError(providers.TypeLLM, operation,
			providers.ClassPermanent, "canceled", "request canceled", err)
	}
	return providers.NewError(providers.TypeLLM, operation,
		providers.ClassTransient, "transport", err.Error(), err)
}

func chatMessagesFrom(params providers.Params) ([]openai.ChatCompletionMessageParamUnion, error) {
	raw, ok := params["messages"].([]any)
	if !ok || len(raw) == 0 {
		return nil, errors.New("messages required")
	}
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(raw))
	for i, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("messages[%d] must be an object", i)
		}
		role, _ := entry["role"].(string)
		content, _ := entry["content"].(string)
		if content == "" {
			return nil, fmt.Errorf("messages[%d] content required", i)
		}
		switch role {
		case "system":
			messages = append(messages, openai.SystemMessage(content))
		case "assistant":
			messages = append(messages, openai.ChatCompletionMessageParamOfAssistant(content))
		case "user", "":
			messages = append(messages, openai.UserMessage(content))
		default:
			return nil, fmt.Errorf("messages[%d] unknown role %q", i, role)
		}
	}
	return messages, nil
}

func embedInputsFrom(params providers.Params) ([]string, error) {
	switch v := params["input"].(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, errors.New("input required")
		}
		return []string{v}, nil
	case []any:
		inputs := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok || s == "" {
				return nil, fmt.Errorf("input[%d] must be a non-empty string", i)
			}
			inputs = append(inputs, s)
		}
		if len(inputs) == 0 {
			return nil, errors.New("input required")
		}
		return inputs, nil
	default:
		return nil, errors.New("input required")
	}
}

func numberFrom(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}
