package recording

import (
	"context"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/oszuidwest/zwfm-loopback/internal/types"
)

// OpenAIClient is the subset of *openai.Client used by OpenAISummarizer.
type OpenAIClient interface {
	CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error)
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewOpenAISummarizerWithClient injects a fake OpenAI client.
func NewOpenAISummarizerWithClient(c OpenAIClient, cfg *types.SummaryConfig) *OpenAISummarizer {
	return newOpenAISummarizer(c, c, cfg)
}

// SetPathsClock replaces the time source of p.
func SetPathsClock(p *Paths, now func() time.Time) {
	p.now = now
}
