// Package llm provides the AI text-generation client used by the email
// response flow.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/jonathan/job-autopilot/internal/types"
)

// DefaultModel is the Gemini model used for email replies.
const DefaultModel = "gemini-2.0-flash"

// providerName identifies the backing provider in run output.
const providerName = "gemini"

// Client generates email replies. Implemented by GeminiClient; faked in tests.
type Client interface {
	GenerateReply(ctx context.Context, req types.EmailResponseRequest) (reply, provider, model string, err error)
	Close() error
}

// GeminiClient implements Client against Google Gemini.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient creates a Gemini-backed client. An empty model uses
// DefaultModel.
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if model == "" {
		model = DefaultModel
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{client: client, model: model}, nil
}

// GenerateReply produces a reply for an inbound email in the requested tone.
func (c *GeminiClient) GenerateReply(ctx context.Context, req types.EmailResponseRequest) (string, string, string, error) {
	model := c.client.GenerativeModel(c.model)
	model.SetTemperature(0.4)

	resp, err := model.GenerateContent(ctx, genai.Text(buildReplyPrompt(req)))
	if err != nil {
		return "", "", "", fmt.Errorf("failed to generate reply: %w", err)
	}

	reply, err := extractTextFromResponse(resp)
	if err != nil {
		return "", "", "", err
	}
	return reply, providerName, c.model, nil
}

// Close releases the underlying API client.
func (c *GeminiClient) Close() error {
	return c.client.Close()
}

// buildReplyPrompt renders the email-reply prompt. The tone defaults to
// professional when unspecified.
func buildReplyPrompt(req types.EmailResponseRequest) string {
	tone := req.Tone
	if tone == "" {
		tone = "professional"
	}

	var sb strings.Builder
	sb.WriteString("Write a ")
	sb.WriteString(tone)
	sb.WriteString(" reply to the following email on behalf of a job seeker.\n")
	sb.WriteString("Return only the reply body, no subject line and no commentary.\n\n")
	sb.WriteString("Subject: ")
	sb.WriteString(req.Subject)
	sb.WriteString("\n")
	if req.Sender != "" {
		sb.WriteString("From: ")
		sb.WriteString(req.Sender)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(req.Message)
	return sb.String()
}

func extractTextFromResponse(resp *genai.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}

	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no text parts in response")
	}

	return strings.TrimSpace(strings.Join(parts, "")), nil
}
