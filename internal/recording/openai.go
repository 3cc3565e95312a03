package recording

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/oszuidwest/zwfm-loopback/internal/types"
)

const summaryPrompt = "You summarize recordings of computer audio such as meetings, calls and broadcasts. " +
	"Write a short factual summary with the main topics and any decisions or action items."

// audioTranscriber is implemented by *openai.Client.
type audioTranscriber interface {
	CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error)
}

// chatCompleter is implemented by *openai.Client.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

var (
	_ audioTranscriber = (*openai.Client)(nil)
	_ chatCompleter    = (*openai.Client)(nil)
	_ Summarizer       = (*OpenAISummarizer)(nil)
)

// OpenAISummarizer transcribes a recording and summarizes the transcript.
type OpenAISummarizer struct {
	transcriber audioTranscriber
	completer   chatCompleter
	model       string
	language    string
}

// NewOpenAISummarizer creates a summarizer using the OpenAI API.
func NewOpenAISummarizer(cfg *types.SummaryConfig) *OpenAISummarizer {
	client := openai.NewClient(cfg.OpenAIAPIKey)
	return newOpenAISummarizer(client, client, cfg)
}

func newOpenAISummarizer(t audioTranscriber, c chatCompleter, cfg *types.SummaryConfig) *OpenAISummarizer {
	model := cfg.OpenAIModel
	if model == "" {
		model = types.DefaultOpenAIModel
	}
	return &OpenAISummarizer{transcriber: t, completer: c, model: model, language: cfg.Language}
}

// Summarize runs transcription then chat completion.
func (s *OpenAISummarizer) Summarize(ctx context.Context, path string) (string, error) {
	transcript, err := s.transcriber.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: path,
		Format:   openai.AudioResponseFormatJSON,
		Language: s.language,
	})
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	text := strings.TrimSpace(transcript.Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty transcript", ErrSummaryFailed)
	}

	prompt := summaryPrompt
	if s.language != "" {
		prompt += " Answer in the language with ISO code " + s.language + "."
	}

	resp, err := s.completer.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("%w: empty completion", ErrSummaryFailed)
	}
	return resp.Choices[0].Message.Content, nil
}
