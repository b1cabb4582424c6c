// Package summarize condenses call transcripts with a chat model.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"voxpipe/internal/backend"
	"voxpipe/internal/domain"
)

const defaultModel = "gpt-4o-mini"

var stylePrompts = map[string]string{
	"brief": "You summarize recorded voice calls. Write a short prose summary " +
		"(3-5 sentences) of the conversation below. Mention who drove each topic.",
	"points": "You summarize recorded voice calls. Produce a bullet list of the " +
		"topics discussed in the conversation below, one bullet per topic, " +
		"attributing positions to speakers where clear.",
	"actions": "You extract action items from recorded voice calls. List every " +
		"commitment or follow-up from the conversation below as '- [owner] task', " +
		"and nothing else. If there are none, say so.",
}

// OpenAI implements backend.Summarizer on the chat completions API.
type OpenAI struct {
	client openai.Client
	model  string
}

func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = defaultModel
	}
	return &OpenAI{client: openai.NewClient(opts...), model: model}
}

func (s *OpenAI) Summarize(ctx context.Context, transcript string, opts domain.SummarizeOptions) (string, error) {
	style := opts.Style
	if style == "" {
		style = "brief"
	}
	prompt, ok := stylePrompts[style]
	if !ok {
		return "", fmt.Errorf("unknown summary style %q", style)
	}
	if strings.TrimSpace(transcript) == "" {
		return "", fmt.Errorf("transcript is empty")
	}

	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: s.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(prompt),
			openai.UserMessage(transcript),
		},
	})
	if err != nil {
		return "", classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in completion response")
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", fmt.Errorf("empty summary from model")
	}
	return out, nil
}

func classifyError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			return fmt.Errorf("%w: %v", backend.ErrQuotaExceeded, err)
		case apierr.StatusCode >= 500:
			return fmt.Errorf("%w: %v", backend.ErrBackendUnavailable, err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", backend.ErrTransientNetwork, err)
}
