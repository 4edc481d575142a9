// Package rationale generates an optional natural-language explanation
// for a LoRA recommendation result set, using Gemini. It is purely a
// narration layer over similarity results the Recommendation Cache
// already computed — it never ranks or scores adapters itself.
package rationale

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/bobmcallan/loraforge/internal/common"
	"github.com/bobmcallan/loraforge/internal/interfaces"
)

const DefaultModel = "gemini-2.0-flash"

// Client implements interfaces.RationaleClient.
type Client struct {
	client *genai.Client
	model  string
	logger *common.Logger
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithModel sets the model to use.
func WithModel(model string) ClientOption {
	return func(c *Client) { c.model = model }
}

// WithLogger sets the logger.
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new rationale client.
func NewClient(ctx context.Context, apiKey string, opts ...ClientOption) (*Client, error) {
	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rationale client: %w", err)
	}

	c := &Client{
		client: genaiClient,
		model:  DefaultModel,
		logger: common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Explain generates a short rationale for why the given adapters were
// recommended for promptOrTarget.
func (c *Client) Explain(ctx context.Context, promptOrTarget string, items []interfaces.RationaleItem) (string, error) {
	prompt := buildRationalePrompt(promptOrTarget, items)

	contents := genai.Text(prompt)
	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate rationale: %w", err)
	}

	return extractText(result)
}

func buildRationalePrompt(promptOrTarget string, items []interfaces.RationaleItem) string {
	var sb strings.Builder
	sb.WriteString("A LoRA fine-tuning recommendation system suggested the following ")
	sb.WriteString("adapters for the request below. In two or three sentences, explain ")
	sb.WriteString("why these adapters fit, in plain language a prompt author would understand.\n\n")
	sb.WriteString("Request: ")
	sb.WriteString(promptOrTarget)
	sb.WriteString("\n\nRecommended adapters:\n")
	for _, item := range items {
		sb.WriteString(fmt.Sprintf("- %s (score %.3f)\n", item.Name, item.Score))
	}
	return sb.String()
}

func extractText(result *genai.GenerateContentResponse) (string, error) {
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no content generated")
	}
	var text string
	for _, part := range result.Candidates[0].Content.Parts {
		if part.Text != "" {
			text += part.Text
		}
	}
	return text, nil
}

var _ interfaces.RationaleClient = (*Client)(nil)
