package llm

import (
	"context"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/BaSui01/flowrun/types"
)

// OpenAI implements Provider on any OpenAI-compatible endpoint.
type OpenAI struct {
	client openai.Client
	model  string
}

// NewOpenAI builds a provider. baseURL may point at any compatible gateway;
// model is the default used when a request leaves Model empty.
func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAI{client: openai.NewClient(opts...), model: model}
}

func (o *OpenAI) params(req Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = o.model
	}
	// Images ride on the final user message.
	lastUser := -1
	for i, m := range req.Messages {
		if m.Role != RoleSystem && m.Role != RoleAssistant {
			lastUser = i
		}
	}
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for i, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			if i == lastUser && len(req.Images) > 0 {
				msgs = append(msgs, userMessageWithImages(m.Content, req.Images))
			} else {
				msgs = append(msgs, openai.UserMessage(m.Content))
			}
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: msgs,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.WebSearch {
		params.WebSearchOptions = openai.ChatCompletionNewParamsWebSearchOptions{
			SearchContextSize: "medium",
		}
	}
	return params
}

// userMessageWithImages builds a multi-part user message: the text first,
// then one image_url part per attachment. URLs may also carry base64 data URIs.
func userMessageWithImages(content string, images []string) openai.ChatCompletionMessageParamUnion {
	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(images)+1)
	if content != "" {
		parts = append(parts, openai.ChatCompletionContentPartUnionParam{
			OfText: &openai.ChatCompletionContentPartTextParam{Text: content},
		})
	}
	for _, url := range images {
		parts = append(parts, openai.ChatCompletionContentPartUnionParam{
			OfImageURL: &openai.ChatCompletionContentPartImageParam{
				ImageURL: openai.ChatCompletionContentPartImageImageURLParam{URL: url},
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfArrayOfContentParts: parts,
			},
		},
	}
}

// Complete implements Provider.
func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, o.params(req))
	if err != nil {
		return "", types.NewError(types.ErrExternalService, "chat completion failed").WithCause(err)
	}
	if len(resp.Choices) == 0 {
		return "", types.NewError(types.ErrExternalService, "chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream implements Provider. The HTTP stream is consumed on a dedicated
// goroutine owned by this call; closing wholly rests on it.
func (o *OpenAI) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	stream := o.client.Chat.Completions.NewStreaming(ctx, o.params(req))
	out := make(chan Chunk)
	go func() {
		defer close(out)
		var final, reasoning strings.Builder
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			final.WriteString(delta)
			select {
			case out <- Chunk{Delta: delta}:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			out <- Chunk{Err: types.NewError(types.ErrExternalService, "chat stream failed").WithCause(err)}
			return
		}
		out <- Chunk{Done: true, Final: final.String(), Reasoning: reasoning.String()}
	}()
	return out, nil
}
