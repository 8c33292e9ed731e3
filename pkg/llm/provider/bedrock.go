package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const bedrockDefaultModel = "amazon.nova-lite-v1:0"

func init() {
	RegisterFactory("bedrock", func(settings map[string]any) (Provider, error) {
		var opts []func(*config.LoadOptions) error
		if region := stringSetting(settings, "location"); region != "" {
			opts = append(opts, config.WithRegion(region))
		}
		cfg, err := config.LoadDefaultConfig(context.Background(), opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return NewBedrockProvider(bedrockruntime.NewFromConfig(cfg), stringSetting(settings, "model")), nil
	})
}

// Converser is the part of the Bedrock runtime client the provider uses.
type Converser interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockProvider implements Provider with the Bedrock Converse API.
// Streaming delivers the whole completion as a single chunk.
type BedrockProvider struct {
	client Converser
	model  string
}

// NewBedrockProvider creates a provider. An empty model selects the default.
func NewBedrockProvider(client Converser, model string) *BedrockProvider {
	if model == "" {
		model = bedrockDefaultModel
	}
	return &BedrockProvider{client: client, model: model}
}

// Name returns the provider name
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

// CreateCompletion creates a completion
func (p *BedrockProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	input, err := p.buildInput(req)
	if err != nil {
		return nil, NewProviderError("bedrock", ErrorCodeInvalidRequest, err.Error(), err)
	}
	out, err := p.client.Converse(ctx, input)
	if err != nil {
		return nil, p.wrapError(err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, NewProviderError("bedrock", ErrorCodeUnknown, "no message in response", nil)
	}
	result := &CompletionResponse{FinishReason: string(out.StopReason)}
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			result.Content += b.Value
		case *types.ContentBlockMemberToolUse:
			args := json.RawMessage("{}")
			if b.Value.Input != nil {
				raw, err := b.Value.Input.MarshalSmithyDocument()
				if err != nil {
					return nil, NewProviderError("bedrock", ErrorCodeUnknown, "decode tool input", err)
				}
				args = raw
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        aws.ToString(b.Value.ToolUseId),
				Name:      aws.ToString(b.Value.Name),
				Arguments: args,
			})
		}
	}
	if u := out.Usage; u != nil {
		result.Usage = Usage{
			PromptTokens:     int(aws.ToInt32(u.InputTokens)),
			CompletionTokens: int(aws.ToInt32(u.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(u.TotalTokens)),
		}
	}
	return result, nil
}

// CreateStreaming creates a streaming response
func (p *BedrockProvider) CreateStreaming(ctx context.Context, req CompletionRequest) (Stream, error) {
	resp, err := p.CreateCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	return newSliceStream([]string{resp.Content}, &resp.Usage), nil
}

func (p *BedrockProvider) buildInput(req CompletionRequest) (*bedrockruntime.ConverseInput, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	input := &bedrockruntime.ConverseInput{ModelId: aws.String(model)}

	for _, m := range req.Messages {
		var (
			role   types.ConversationRole
			blocks []types.ContentBlock
		)
		switch m.Role {
		case "system":
			input.System = append(input.System, &types.SystemContentBlockMemberText{Value: m.Content})
			continue
		case "tool":
			role = types.ConversationRoleUser
			blocks = append(blocks, &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
				ToolUseId: aws.String(m.ToolCallID),
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: m.Content}},
			}})
		case "assistant":
			role = types.ConversationRoleAssistant
			if m.Content != "" {
				blocks = append(blocks, &types.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args any = map[string]any{}
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &args); err != nil {
						return nil, fmt.Errorf("tool call %s arguments: %w", tc.Name, err)
					}
				}
				blocks = append(blocks, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(args),
				}})
			}
		default:
			role = types.ConversationRoleUser
			blocks = append(blocks, &types.ContentBlockMemberText{Value: m.Content})
		}

		// consecutive turns of one role must share a message
		if n := len(input.Messages); n > 0 && input.Messages[n-1].Role == role {
			input.Messages[n-1].Content = append(input.Messages[n-1].Content, blocks...)
			continue
		}
		input.Messages = append(input.Messages, types.Message{Role: role, Content: blocks})
	}

	if req.Temperature > 0 || req.MaxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{}
		if req.Temperature > 0 {
			input.InferenceConfig.Temperature = aws.Float32(float32(req.Temperature))
		}
		if req.MaxTokens > 0 {
			input.InferenceConfig.MaxTokens = aws.Int32(int32(req.MaxTokens))
		}
	}

	if len(req.Tools) > 0 {
		tc := &types.ToolConfiguration{}
		for _, t := range req.Tools {
			var schema any = map[string]any{"type": "object"}
			if len(t.Parameters) > 0 {
				if err := json.Unmarshal(t.Parameters, &schema); err != nil {
					return nil, fmt.Errorf("tool %s schema: %w", t.Name, err)
				}
			}
			tc.Tools = append(tc.Tools, &types.ToolMemberToolSpec{Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			}})
		}
		input.ToolConfig = tc
	}
	return input, nil
}

func (p *BedrockProvider) wrapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		status := re.HTTPStatusCode()
		code := codeForStatus(status)
		return &ProviderError{
			Provider:      "bedrock",
			Code:          code,
			Message:       re.Error(),
			StatusCode:    status,
			IsRetryable:   isRetryableCode(code),
			OriginalError: err,
		}
	}
	return NewProviderError("bedrock", ErrorCodeUnknown, err.Error(), err)
}
