package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	geminiDefaultModel  = "gemini-2.0-flash"
	geminiClientTimeout = 30 * time.Second
)

func init() {
	RegisterFactory("gemini", func(settings map[string]any) (Provider, error) {
		cfg := &genai.ClientConfig{
			APIKey:  stringSetting(settings, "api_key"),
			Project: stringSetting(settings, "project_id"),
		}
		if cfg.APIKey == "" {
			cfg.APIKey = os.Getenv("GEMINI_API_KEY")
		}
		if cfg.Project == "" {
			cfg.Project = os.Getenv("GOOGLE_CLOUD_PROJECT")
		}

		switch {
		case cfg.APIKey != "":
			cfg.Backend = genai.BackendGeminiAPI
			cfg.Project = ""
		case cfg.Project != "":
			cfg.Backend = genai.BackendVertexAI
			cfg.Location = stringSetting(settings, "location")
			if cfg.Location == "" {
				cfg.Location = "us-central1"
			}
		default:
			return nil, fmt.Errorf("GEMINI_API_KEY or GOOGLE_CLOUD_PROJECT not set")
		}
		return NewGeminiProvider(cfg, stringSetting(settings, "model"))
	})
}

// GeminiProvider implements Provider with the Google Gen AI SDK. It serves
// both the Gemini API and Vertex AI backends.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates a provider from a client configuration.
func NewGeminiProvider(cfg *genai.ClientConfig, model string) (*GeminiProvider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), geminiClientTimeout)
	defer cancel()

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	if model == "" {
		model = geminiDefaultModel
	}
	return &GeminiProvider{client: client, model: model}, nil
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// CreateCompletion creates a completion using the Gen AI SDK
func (p *GeminiProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model, contents, config := p.buildRequest(req)

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, wrapGenAIError(err)
	}
	return parseGenAIResponse(resp)
}

// CreateStreaming creates a streaming response
func (p *GeminiProvider) CreateStreaming(ctx context.Context, req CompletionRequest) (Stream, error) {
	model, contents, config := p.buildRequest(req)

	next, stop := iter.Pull2(p.client.Models.GenerateContentStream(ctx, model, contents, config))
	return &geminiStream{next: next, stop: stop}, nil
}

func (p *GeminiProvider) buildRequest(req CompletionRequest) (string, []*genai.Content, *genai.GenerateContentConfig) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	// Always set temperature - 0 is a valid value for deterministic output
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 && req.MaxTokens <= math.MaxInt32 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	contents, system := buildGenAIContents(req.Messages)
	if system != nil {
		config.SystemInstruction = system
	}
	if len(req.Tools) > 0 {
		config.Tools = buildGenAITools(req.Tools)
	}
	return model, contents, config
}

// buildGenAIContents converts messages to Gen AI contents. System messages are
// merged into a single system instruction.
func buildGenAIContents(messages []Message) ([]*genai.Content, *genai.Content) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)

		case "tool":
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"result": m.Content}
			}
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{Name: m.Name, Response: response},
				}},
			})

		case "assistant":
			content := &genai.Content{Role: "model"}
			if m.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal(tc.Arguments, &args)
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
				})
			}
			contents = append(contents, content)

		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}

	if len(system) == 0 {
		return contents, nil
	}
	return contents, &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
}

func buildGenAITools(tools []Tool) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		var params *genai.Schema
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &params)
		}
		decls[i] = &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func parseGenAIResponse(resp *genai.GenerateContentResponse) (*CompletionResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, NewProviderError("gemini", ErrorCodeUnknown, "no candidates in response", nil)
	}

	candidate := resp.Candidates[0]
	result := &CompletionResponse{FinishReason: normalizeFinishReason(candidate.FinishReason)}

	if candidate.Content != nil {
		var sb strings.Builder
		for _, part := range candidate.Content.Parts {
			sb.WriteString(part.Text)
			if part.FunctionCall != nil {
				args, _ := json.Marshal(part.FunctionCall.Args)
				id := part.FunctionCall.ID
				if id == "" {
					id = part.FunctionCall.Name
				}
				result.ToolCalls = append(result.ToolCalls, ToolCall{
					ID:        id,
					Name:      part.FunctionCall.Name,
					Arguments: args,
				})
			}
		}
		result.Content = sb.String()
	}

	if resp.UsageMetadata != nil {
		result.Usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return result, nil
}

func normalizeFinishReason(r genai.FinishReason) string {
	if r == "" || r == genai.FinishReasonStop {
		return "stop"
	}
	return strings.ToLower(string(r))
}

// wrapGenAIError classifies Gen AI errors by message, as the SDK surfaces HTTP
// failures as formatted errors.
func wrapGenAIError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	code := ErrorCodeUnknown
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "credential") || strings.Contains(msg, "api key"):
		code = ErrorCodeAuthentication
	case strings.Contains(msg, "429") || strings.Contains(msg, "quota") || strings.Contains(msg, "rate limit"):
		code = ErrorCodeRateLimit
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		code = ErrorCodeModelNotFound
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid"):
		code = ErrorCodeInvalidRequest
	case strings.Contains(msg, "500") || strings.Contains(msg, "503") || strings.Contains(msg, "unavailable"):
		code = ErrorCodeServerError
	}
	return NewProviderError("gemini", code, err.Error(), err)
}

// geminiStream pulls from the SDK's iterator on demand.
type geminiStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
	done bool
}

func (s *geminiStream) Recv() (*StreamChunk, error) {
	if s.done {
		return &StreamChunk{FinishReason: "stop"}, io.EOF
	}

	resp, err, ok := s.next()
	if !ok {
		s.done = true
		return &StreamChunk{FinishReason: "stop"}, io.EOF
	}
	if err != nil {
		s.done = true
		return nil, wrapGenAIError(err)
	}

	chunk := &StreamChunk{}
	if len(resp.Candidates) > 0 {
		c := resp.Candidates[0]
		if c.Content != nil {
			var sb strings.Builder
			for _, part := range c.Content.Parts {
				sb.WriteString(part.Text)
			}
			chunk.Delta = sb.String()
		}
		if c.FinishReason != "" {
			chunk.FinishReason = normalizeFinishReason(c.FinishReason)
		}
	}
	if resp.UsageMetadata != nil {
		chunk.Usage = &Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return chunk, nil
}

func (s *geminiStream) Close() error {
	s.done = true
	s.stop()
	return nil
}
