package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/promptobjects/promptobjects/internal/capability"
	"github.com/promptobjects/promptobjects/pkg/models"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicProvider implements Provider against Anthropic's Messages API with
// streaming. Safe for concurrent use; each Chat call owns its own stream.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	// APIKey is required. Typically ANTHROPIC_API_KEY.
	APIKey string

	// BaseURL overrides the API endpoint (proxies, test servers).
	BaseURL string

	// DefaultModel is used when a request does not name a model.
	DefaultModel string
}

// NewAnthropicProvider creates a provider from config.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: %w", ErrNoAPIKey)
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: model,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Chat implements Provider.
func (p *AnthropicProvider) Chat(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	model := string(params.Model)
	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)
		stream := p.client.Messages.NewStreaming(ctx, params)
		p.processStream(stream, chunks, model)
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// processStream converts Anthropic SSE events into Chunks. Tool calls arrive
// as a content_block_start with the ID and name followed by input_json_delta
// fragments; the call is emitted complete at content_block_stop.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *Chunk, model string) {
	var (
		currentToolCall  *models.ToolCall
		currentToolInput strings.Builder
		inputTokens      int
		outputTokens     int
		cacheCreation    int
		cacheRead        int
	)

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			inputTokens = int(messageStart.Message.Usage.InputTokens)
			cacheCreation = int(messageStart.Message.Usage.CacheCreationInputTokens)
			cacheRead = int(messageStart.Message.Usage.CacheReadInputTokens)

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &Chunk{Text: delta.Text}
				}
			case "input_json_delta":
				currentToolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentToolCall != nil {
				input := currentToolInput.String()
				if input == "" {
					input = "{}"
				}
				currentToolCall.Arguments = json.RawMessage(input)
				chunks <- &Chunk{ToolCall: currentToolCall}
				currentToolCall = nil
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				outputTokens = int(messageDelta.Usage.OutputTokens)
			}

		case "message_stop":
			chunks <- &Chunk{
				Done: true,
				Usage: &models.Usage{
					InputTokens:         inputTokens,
					OutputTokens:        outputTokens,
					CacheCreationTokens: cacheCreation,
					CacheReadTokens:     cacheRead,
					Model:               model,
					Provider:            "anthropic",
				},
			}
			return

		case "error":
			chunks <- &Chunk{Error: errors.New("anthropic: stream error"), Done: true}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &Chunk{Error: fmt.Errorf("anthropic: %w", err), Done: true}
	}
}

func convertAnthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, res := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				res.ToolCallID, res.Content, res.IsError))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(call.Arguments, &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid tool call arguments: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool roles both map to user messages in Anthropic's API.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []capability.Descriptor) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool definition for %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}
