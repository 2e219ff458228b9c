package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/maestro-run/maestro/pkg/models"
)

const defaultMaxTokens = 8192

// AnthropicClient implements Client on top of the Anthropic Messages API.
type AnthropicClient struct {
	client sdk.Client
}

// NewAnthropicClient builds a client from an API key.
func NewAnthropicClient(apiKey string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	return &AnthropicClient{client: sdk.NewClient(option.WithAPIKey(apiKey))}, nil
}

// Chat issues one Messages call. When stream is non-nil the request is
// streamed and text deltas are forwarded as they arrive; the returned
// Response always carries the fully accumulated message.
func (c *AnthropicClient) Chat(ctx context.Context, req Request, stream StreamFunc) (*Response, error) {
	params, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}

	if stream == nil {
		msg, err := c.client.Messages.New(ctx, *params)
		if err != nil {
			return nil, fmt.Errorf("anthropic messages.new: %w", err)
		}
		return decodeMessage(msg), nil
	}

	s := c.client.Messages.NewStreaming(ctx, *params)
	acc := sdk.Message{}
	for s.Next() {
		event := s.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, fmt.Errorf("anthropic stream accumulate: %w", err)
		}
		if delta := event.Delta.Text; delta != "" {
			stream(delta)
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages stream: %w", err)
	}
	return decodeMessage(&acc), nil
}

func encodeRequest(req Request) (*sdk.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := &sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}

	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleSystem:
			if m.Content != "" {
				params.System = append(params.System, sdk.TextBlockParam{Text: m.Content})
			}
		case models.RoleUser:
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case models.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, tc.Args, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(blocks...))
		case models.RoleTool:
			// Tool results ride on a user-role message in the Anthropic wire format.
			params.Messages = append(params.Messages,
				sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}

	for _, def := range req.Tools {
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		params.Tools = append(params.Tools, u)
	}

	switch req.ToolChoice {
	case "", ToolChoiceAuto:
	case ToolChoiceRequired:
		params.ToolChoice = sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}
	case ToolChoiceNone:
		none := sdk.NewToolChoiceNoneParam()
		params.ToolChoice = sdk.ToolChoiceUnionParam{OfNone: &none}
	default:
		return nil, fmt.Errorf("anthropic: unsupported tool choice %q", req.ToolChoice)
	}

	return params, nil
}

func decodeMessage(msg *sdk.Message) *Response {
	resp := &Response{
		Message:    Message{Role: models.RoleAssistant},
		StopReason: string(msg.StopReason),
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Message.Content += block.Text
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				// Unparseable args stay empty; the tool boundary reports them.
				_ = json.Unmarshal(block.Input, &args)
			}
			resp.Message.ToolCalls = append(resp.Message.ToolCalls, models.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: args,
			})
		}
	}
	if u := msg.Usage; u.InputTokens != 0 || u.OutputTokens != 0 {
		resp.Usage = &models.TokenUsage{
			InputTokens:  int(u.InputTokens),
			OutputTokens: int(u.OutputTokens),
			TotalTokens:  int(u.InputTokens + u.OutputTokens),
		}
	}
	return resp
}

func toolInputSchema(schema map[string]any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}
